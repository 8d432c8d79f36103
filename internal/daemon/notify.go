package daemon

import (
	"context"
	"encoding/json"
	"time"

	"github.com/boxctl/boxctl/internal/logger"
	"github.com/boxctl/boxctl/internal/notifyhook"
	"github.com/boxctl/boxctl/internal/sshtunnel"
)

// dispatchNotification is the shared notify path for both the CLI
// socket's notify action and a container's own notify control-channel
// request. Duplicate notifications within the configured window are coalesced before any channel is touched.
func (d *Daemon) dispatchNotification(container, session, title, message, urgency string) notifyhook.Result {
	key := sessionKey{Container: container, Session: session}
	window := d.cfg.Notifications.DeduplicationWindow
	if window <= 0 {
		window = 5 * time.Second
	}

	if d.recentNotifications.checkAndRecord(key, time.Now(), window) {
		return notifyhook.Result{}
	}

	res := d.notify.Dispatch(context.Background(), notifyhook.Request{
		Title:   title,
		Message: message,
		Urgency: notifyhook.Urgency(urgency),
	})

	if session != "" && (res.DesktopOK || res.TelegramOK) {
		d.activeNotifications.set(key, notificationIDs{
			DesktopID:      res.DesktopID,
			TelegramChatID: res.TelegramChatID,
			TelegramMsgID:  res.TelegramMsgID,
		})
	}
	return res
}

// handleSessionResumed dismisses any outstanding notification for the
// resumed session when auto_dismiss is configured.
func (d *Daemon) handleSessionResumed(conn *sshtunnel.Connection, payload json.RawMessage) {
	if !d.cfg.Notifications.AutoDismiss {
		return
	}
	var ev struct {
		Session string `json:"session"`
	}
	if err := json.Unmarshal(payload, &ev); err != nil {
		logger.Debug().Err(err).Str("container", conn.Name).Msg("daemon: malformed session_resumed")
		return
	}
	ids, ok := d.activeNotifications.popForSession(conn.Name, ev.Session)
	if !ok {
		return
	}
	d.notify.Dismiss(context.Background(), notifyhook.Result{
		DesktopID:      ids.DesktopID,
		TelegramChatID: ids.TelegramChatID,
		TelegramMsgID:  ids.TelegramMsgID,
	})
}
