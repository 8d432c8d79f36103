package daemon

import (
	"encoding/json"

	"github.com/boxctl/boxctl/internal/logger"
	"github.com/boxctl/boxctl/internal/sshtunnel"
)

// handleStreamRegister records the session's initial buffer state and
// fans it out to anyone already subscribed.
func (d *Daemon) handleStreamRegister(conn *sshtunnel.Connection, payload json.RawMessage) {
	var buf sessionBuffer
	var env struct {
		Session string `json:"session"`
		sessionBuffer
	}
	if err := json.Unmarshal(payload, &env); err != nil {
		logger.Debug().Err(err).Str("container", conn.Name).Msg("daemon: malformed stream_register")
		return
	}
	buf = env.sessionBuffer
	key := sessionKey{Container: conn.Name, Session: env.Session}
	d.sessionBuffers.set(key, buf)
	d.streamSubscribers.fanOut(key, buf)
}

// handleStreamData updates the mirrored buffer for one session and fans
// it out to subscribers, without back-pressure.
func (d *Daemon) handleStreamData(conn *sshtunnel.Connection, payload json.RawMessage) {
	var env struct {
		Session string `json:"session"`
		sessionBuffer
	}
	if err := json.Unmarshal(payload, &env); err != nil {
		logger.Debug().Err(err).Str("container", conn.Name).Msg("daemon: malformed stream_data")
		return
	}
	key := sessionKey{Container: conn.Name, Session: env.Session}
	d.sessionBuffers.set(key, env.sessionBuffer)
	d.streamSubscribers.fanOut(key, env.sessionBuffer)
}

// handleStreamUnregister drops the mirrored buffer and subscriber list
// for a session that has ended.
func (d *Daemon) handleStreamUnregister(conn *sshtunnel.Connection, payload json.RawMessage) {
	var env struct {
		Session string `json:"session"`
	}
	if err := json.Unmarshal(payload, &env); err != nil {
		logger.Debug().Err(err).Str("container", conn.Name).Msg("daemon: malformed stream_unregister")
		return
	}
	key := sessionKey{Container: conn.Name, Session: env.Session}
	d.sessionBuffers.delete(key)
	d.streamSubscribers.clear(key)
}

// Subscribe registers fn to receive every future mirrored buffer update
// for container/session, used by a web dashboard or CLI "attach --view"
// path; it does not replay the last known buffer.
func (d *Daemon) Subscribe(container, session string, fn func(buffer string, cursorX, cursorY, width, height int)) {
	key := sessionKey{Container: container, Session: session}
	d.streamSubscribers.subscribe(key, func(b sessionBuffer) {
		fn(b.Buffer, b.CursorX, b.CursorY, b.PaneWidth, b.PaneHeight)
	})
}
