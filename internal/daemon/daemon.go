// Package daemon ties together every boxctld subsystem: the SSH tunnel
// server containers dial into (internal/sshtunnel), the control-channel
// request/event handler table it installs on every connection
// (internal/controlchannel), the CLI Unix socket the boxctl CLI talks to, and
// the runtime tables shared across containers. See clisocket.go for the
// CLI protocol loop; notification, port, stream, rate-limit, and
// completion handlers live in their own files alongside it.
package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/boxctl/boxctl/internal/boxerrors"
	"github.com/boxctl/boxctl/internal/engine"
	"github.com/boxctl/boxctl/internal/hostconfig"
	"github.com/boxctl/boxctl/internal/logger"
	"github.com/boxctl/boxctl/internal/notifyhook"
	"github.com/boxctl/boxctl/internal/portforward"
	"github.com/boxctl/boxctl/internal/socketbridge"
	"github.com/boxctl/boxctl/internal/sshtunnel"
	"github.com/boxctl/boxctl/internal/tailscale"
	pkgclipboard "github.com/boxctl/boxctl/pkg/clipboard"
)

// Daemon is boxctld's single process-wide instance, owning every runtime
// table and the two listeners (SSH tunnel socket, CLI socket).
type Daemon struct {
	cfg *hostconfig.Config
	eng *engine.Engine // nil when the container runtime is unreachable

	tunnel  *sshtunnel.Server
	tailMon *tailscale.Monitor
	notify  *notifyhook.Dispatcher
	ports   *portforward.Checker

	sessionBuffers      *sessionBufferTable
	streamSubscribers   *streamSubscriberTable
	containerStates     *containerStateTable
	sessionMeta         *sessionMetadataTable
	activeNotifications *activeNotificationTable
	rateLimits          *rateLimitTable
	recentNotifications *recentNotificationTable

	cliListener *cliListener
}

// New builds a Daemon from cfg, wiring notifyhook and the SSH tunnel
// server but not yet starting either listener. eng may be nil when the
// container runtime is unreachable; lifecycle actions then fail with a
// runtime_unavailable error while the rest of the daemon keeps serving.
func New(cfg *hostconfig.Config, hostKey ssh.Signer, eng *engine.Engine) *Daemon {
	d := &Daemon{
		cfg: cfg,
		eng: eng,

		sessionBuffers:      newSessionBufferTable(),
		streamSubscribers:   newStreamSubscriberTable(),
		containerStates:     newContainerStateTable(),
		sessionMeta:         newSessionMetadataTable(),
		activeNotifications: newActiveNotificationTable(),
		rateLimits:          newRateLimitTable(),
		recentNotifications: newRecentNotificationTable(),
	}

	d.notify = notifyhook.New(notifyhook.TelegramConfig{
		Enabled:  cfg.Notifications.Telegram.Enabled,
		BotToken: cfg.Notifications.Telegram.BotToken,
		ChatID:   cfg.Notifications.Telegram.ChatID,
	}, cfg.NotifyHook, cfg.Timeouts.NotifyHook)

	if cfg.TailscaleMonitor.Enabled && tailscale.ShouldEnable(cfg.Network.BindAddresses, cfg.WebServer.Hosts) {
		interval := time.Duration(cfg.TailscaleMonitor.CheckIntervalSeconds) * time.Second
		if interval <= 0 {
			interval = 30 * time.Second
		}
		d.tailMon = tailscale.New(interval, nil)
	}

	d.tunnel = sshtunnel.New(hostKey, d.resolveBindAddresses)
	d.ports = portforward.NewChecker(d)
	d.registerHandlers()
	socketbridge.Register(d.tunnel, socketbridge.KindSSHAgent, socketbridge.SSHAgentSocket)
	socketbridge.Register(d.tunnel, socketbridge.KindGPGAgent, socketbridge.GPGAgentExtraSocket)
	d.tunnel.OnConnect(d.handleContainerConnect)
	d.tunnel.OnDisconnect(d.handleContainerDisconnect)

	return d
}

// resolveBindAddresses feeds internal/sshtunnel's BindAddressResolver,
// substituting the Tailscale sentinel when its monitor is running.
func (d *Daemon) resolveBindAddresses() []string {
	addrs := d.cfg.Network.BindAddresses
	if d.tailMon == nil {
		out := make([]string, 0, len(addrs))
		for _, a := range addrs {
			if a != "tailscale" {
				out = append(out, a)
			}
		}
		return out
	}
	return d.tailMon.ResolveBindAddresses(addrs)
}

// FindPort implements internal/portforward.ForwardLookup by scanning
// every live SSH connection's forward tables.
func (d *Daemon) FindPort(hostPort int) (container string, direction string, found bool) {
	for _, conn := range d.tunnel.Connections() {
		for _, f := range conn.RemoteForwards() {
			if f.HostPort == hostPort {
				return conn.Name, "exposed", true
			}
		}
		for _, f := range conn.LocalForwards() {
			if f.HostPort == hostPort {
				return conn.Name, "forwarded", true
			}
		}
	}
	return "", "", false
}

// Start binds both listeners and begins serving, returning once the SSH
// tunnel socket is ready to accept (the CLI socket and tailscale monitor
// are started inline before returning).
func (d *Daemon) Start(ctx context.Context, sshSocketPath, cliSocketPath string) error {
	if d.tailMon != nil {
		d.tailMon.Subscribe(func(string) { d.tunnel.Rebind() })
		d.tailMon.Start(ctx)
	}

	if err := d.tunnel.Listen(sshSocketPath); err != nil {
		return fmt.Errorf("daemon: %w", err)
	}
	go func() {
		if err := d.tunnel.Serve(); err != nil {
			logger.Debug().Err(err).Msg("daemon: ssh tunnel server stopped")
		}
	}()

	cl, err := newCLIListener(cliSocketPath, d.handleCLIRequest)
	if err != nil {
		return fmt.Errorf("daemon: %w", err)
	}
	d.cliListener = cl
	go cl.Serve()

	return nil
}

// Stop tears down both listeners and the Tailscale monitor, bounded by ctx.
func (d *Daemon) Stop(ctx context.Context) error {
	if d.cliListener != nil {
		d.cliListener.Close()
	}
	if d.tailMon != nil {
		d.tailMon.Stop()
	}
	return d.tunnel.Stop(ctx)
}

// handleContainerConnect fires the internal _container_connect lifecycle
// hook: nothing to initialize today beyond logging, since
// every table is populated lazily as events/requests arrive.
func (d *Daemon) handleContainerConnect(conn *sshtunnel.Connection) {
	logger.Info().Str("container", conn.Name).Msg("daemon: container connected")
}

// handleContainerDisconnect purges every per-container cache entry:
// disconnect always reaps state, with no leftover entries surviving
// across sessions.
func (d *Daemon) handleContainerDisconnect(conn *sshtunnel.Connection) {
	name := conn.Name
	d.sessionBuffers.purgeContainer(name)
	d.streamSubscribers.purgeContainer(name)
	d.containerStates.purge(name)
	d.sessionMeta.purge(name)
	d.activeNotifications.purgeContainer(name)
	logger.Info().Str("container", name).Msg("daemon: container disconnected, state purged")
}

// registerHandlers installs every control-channel request/event handler
// this daemon answers (port_add, port_remove, and ping are installed by
// internal/sshtunnel itself).
func (d *Daemon) registerHandlers() {
	d.tunnel.RegisterRequest("clipboard_set", d.handleClipboardSet)
	d.tunnel.RegisterRequest("notify", d.handleNotifyRequest)
	d.tunnel.RegisterRequest("get_sessions", d.handleGetSessions)
	d.tunnel.RegisterRequest("get_completions", d.handleGetCompletions)
	d.tunnel.RegisterRequest("check_agent", d.handleCheckAgent)
	d.tunnel.RegisterRequest("get_usage_status", d.handleGetUsageStatus)
	d.tunnel.RegisterRequest("clear_rate_limit", d.handleClearRateLimit)

	d.tunnel.RegisterEvent("state_update", d.handleStateUpdate)
	d.tunnel.RegisterEvent("stream_register", d.handleStreamRegister)
	d.tunnel.RegisterEvent("stream_data", d.handleStreamData)
	d.tunnel.RegisterEvent("stream_unregister", d.handleStreamUnregister)
	d.tunnel.RegisterEvent("session_resumed", d.handleSessionResumed)
	d.tunnel.RegisterEvent("report_rate_limit", d.handleReportRateLimit)
}

type clipboardSetRequest struct {
	Data string `json:"data"`
}

func (d *Daemon) handleClipboardSet(conn *sshtunnel.Connection, payload json.RawMessage) (any, error) {
	var req clipboardSetRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, boxerrors.New(boxerrors.KindInternal, "daemon", "malformed clipboard_set payload", err)
	}
	if err := pkgclipboard.Set(req.Data, pkgclipboard.SelectionClipboard); err != nil {
		return nil, err
	}
	return map[string]bool{"ok": true}, nil
}

type containerNotifyRequest struct {
	Title   string `json:"title"`
	Message string `json:"message"`
	Urgency string `json:"urgency,omitempty"`
	Session string `json:"session,omitempty"`
}

// handleNotifyRequest answers a container-originated notify request the
// same way the CLI socket's notify action does, keyed by the
// connection's own container name.
func (d *Daemon) handleNotifyRequest(conn *sshtunnel.Connection, payload json.RawMessage) (any, error) {
	var req containerNotifyRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, boxerrors.New(boxerrors.KindInternal, "daemon", "malformed notify payload", err)
	}
	return d.dispatchNotification(conn.Name, req.Session, req.Title, req.Message, req.Urgency), nil
}

func (d *Daemon) handleGetSessions(conn *sshtunnel.Connection, payload json.RawMessage) (any, error) {
	sessions, fresh := d.sessionMeta.fresh(conn.Name, time.Now())
	if !fresh {
		return map[string]any{"sessions": []SessionInfo{}, "stale": true}, nil
	}
	return map[string]any{"sessions": sessions, "stale": false}, nil
}

// handleStateUpdate refreshes both per-container caches a state_update
// event feeds: the worktree list and the session listing (the latter
// timestamped, since completion queries filter it by age).
func (d *Daemon) handleStateUpdate(conn *sshtunnel.Connection, payload json.RawMessage) {
	var st struct {
		Worktrees []Worktree    `json:"worktrees"`
		Sessions  []SessionInfo `json:"sessions"`
	}
	if err := json.Unmarshal(payload, &st); err != nil {
		logger.Debug().Err(err).Str("container", conn.Name).Msg("daemon: malformed state_update")
		return
	}
	d.containerStates.set(conn.Name, containerState{Worktrees: st.Worktrees})
	d.sessionMeta.set(conn.Name, sessionMetadata{Sessions: st.Sessions, UpdatedAt: time.Now()})
}

func (d *Daemon) handleReportRateLimit(conn *sshtunnel.Connection, payload json.RawMessage) {
	var req struct {
		Agent           string    `json:"agent"`
		Limited         bool      `json:"limited"`
		ResetsAt        time.Time `json:"resets_at"`
		ResetsInSeconds int       `json:"resets_in_seconds,omitempty"`
		ErrorType       string    `json:"error_type,omitempty"`
	}
	if err := json.Unmarshal(payload, &req); err != nil {
		logger.Debug().Err(err).Str("container", conn.Name).Msg("daemon: malformed report_rate_limit")
		return
	}

	resetsAt := req.ResetsAt
	if resetsAt.IsZero() && req.ResetsInSeconds > 0 {
		resetsAt = time.Now().Add(time.Duration(req.ResetsInSeconds) * time.Second)
	}

	d.rateLimits.set(req.Agent, RateLimitEntry{
		Limited:    req.Limited,
		DetectedAt: time.Now(),
		ResetsAt:   resetsAt,
		ErrorType:  req.ErrorType,
		ReportedBy: conn.Name,
	})
}
