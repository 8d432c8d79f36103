// Package controlchannel multiplexes request/response and one-way event
// messages over a single SSH control channel. One
// Channel is created per SSH connection accepted by internal/sshtunnel; a
// writer goroutine serializes outbound frames with internal/framing while
// a reader goroutine classifies inbound frames by kind and dispatches them.
package controlchannel

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/boxctl/boxctl/internal/boxerrors"
	"github.com/boxctl/boxctl/internal/framing"
)

// Kind is the closed set of frame kinds carried by a control channel.
type Kind string

const (
	KindRequest  Kind = "request"
	KindResponse Kind = "response"
	KindEvent    Kind = "event"
)

// Frame is the wire shape of every control-channel message.
type Frame struct {
	Kind    Kind            `json:"kind"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	TS      int64           `json:"ts"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// RequestHandler answers a request frame's payload and returns the
// response payload (or an error, which the Channel renders as
// {ok:false, error:"..."}).
type RequestHandler func(payload json.RawMessage) (any, error)

// EventHandler processes a one-way event frame. Errors are logged by the
// caller and otherwise dropped.
type EventHandler func(payload json.RawMessage)

// outboundQueueSize bounds the writer's pending-frame queue; Emit and
// Request block once it is full until the writer drains it.
const outboundQueueSize = 256

// DefaultRequestTimeout is the deadline applied to Request calls that
// don't supply their own context deadline.
const DefaultRequestTimeout = 10 * time.Second

// pending is one in-flight host-originated request awaiting its response.
type pending struct {
	resultCh chan json.RawMessage
	errCh    chan error
}

// Channel is one multiplexed control channel over an underlying
// io.ReadWriteCloser (typically an SSH channel).
type Channel struct {
	rwc io.ReadWriteCloser

	name string // container name this channel belongs to, for error context

	writeCh chan Frame
	closeCh chan struct{}
	closed  atomic.Bool

	nextID uint64

	pendingMu sync.Mutex
	pending   map[string]*pending

	handlersMu      sync.RWMutex
	requestHandlers map[string]RequestHandler
	eventHandlers   map[string]EventHandler

	wg sync.WaitGroup
}

// New wraps rwc in a Channel named name (the connecting container's
// name), ready for RegisterRequest/RegisterEvent calls and Run.
func New(rwc io.ReadWriteCloser, name string) *Channel {
	return &Channel{
		rwc:             rwc,
		name:            name,
		writeCh:         make(chan Frame, outboundQueueSize),
		closeCh:         make(chan struct{}),
		pending:         make(map[string]*pending),
		requestHandlers: make(map[string]RequestHandler),
		eventHandlers:   make(map[string]EventHandler),
	}
}

// Name returns the container name this channel was created for.
func (c *Channel) Name() string { return c.name }

// RegisterRequest installs the handler for inbound requests of the given
// type. Unregistered types yield {ok:false, error:"unknown"}.
func (c *Channel) RegisterRequest(typ string, h RequestHandler) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.requestHandlers[typ] = h
}

// RegisterEvent installs the handler for inbound one-way events of the
// given type. Unregistered event types are silently dropped.
func (c *Channel) RegisterEvent(typ string, h EventHandler) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.eventHandlers[typ] = h
}

// Run starts the writer and reader loops and blocks until the channel is
// closed or the underlying stream errors. Callers typically invoke this
// in its own goroutine per connection.
func (c *Channel) Run() error {
	c.wg.Add(1)
	go c.writeLoop()

	err := c.readLoop()
	c.Close()
	c.wg.Wait()
	return err
}

// Close shuts down the channel, failing every pending request with a
// disconnect error and closing the underlying stream.
func (c *Channel) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(c.closeCh)

	c.pendingMu.Lock()
	for id, p := range c.pending {
		p.errCh <- boxerrors.ErrNotConnected(c.name)
		delete(c.pending, id)
	}
	c.pendingMu.Unlock()

	return c.rwc.Close()
}

// writeLoop serializes outbound frames from writeCh onto the wire.
func (c *Channel) writeLoop() {
	defer c.wg.Done()
	for {
		select {
		case <-c.closeCh:
			return
		case f := <-c.writeCh:
			if err := framing.Encode(c.rwc, f); err != nil {
				return
			}
		}
	}
}

// readLoop reads frames off the wire and dispatches them by kind.
func (c *Channel) readLoop() error {
	for {
		raw, err := framing.ReadFrame(c.rwc)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("controlchannel: read frame: %w", err)
		}

		var f Frame
		if err := json.Unmarshal(raw, &f); err != nil {
			// Malformed frame; drop the connection.
			return fmt.Errorf("controlchannel: %w", boxerrors.New(boxerrors.KindInternal, "controlchannel", "invalid frame payload", err))
		}

		switch f.Kind {
		case KindResponse:
			c.dispatchResponse(f)
		case KindRequest:
			go c.dispatchRequest(f)
		case KindEvent:
			go c.dispatchEvent(f)
		}
	}
}

func (c *Channel) dispatchResponse(f Frame) {
	c.pendingMu.Lock()
	p, ok := c.pending[f.ID]
	if ok {
		delete(c.pending, f.ID)
	}
	c.pendingMu.Unlock()
	if !ok {
		return // late response to a reclaimed/timed-out slot; discard
	}
	p.resultCh <- f.Payload
}

// responseEnvelope is the {ok, ...} shape every request handler's
// response is wrapped in.
type responseEnvelope struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

func (c *Channel) dispatchRequest(f Frame) {
	c.handlersMu.RLock()
	h, ok := c.requestHandlers[f.Type]
	c.handlersMu.RUnlock()

	var resp any
	if !ok {
		resp = responseEnvelope{OK: false, Error: "unknown"}
	} else {
		result, err := h(f.Payload)
		if err != nil {
			resp = responseEnvelope{OK: false, Error: err.Error()}
		} else {
			resp = result
		}
	}

	c.sendFrame(Frame{
		Kind: KindResponse,
		Type: f.Type,
		ID:   f.ID,
		TS:   time.Now().Unix(),
	}, resp)
}

func (c *Channel) dispatchEvent(f Frame) {
	c.handlersMu.RLock()
	h, ok := c.eventHandlers[f.Type]
	c.handlersMu.RUnlock()
	if ok {
		h(f.Payload)
	}
}

// sendFrame marshals payload into f.Payload and enqueues f for the writer.
func (c *Channel) sendFrame(f Frame, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	f.Payload = data
	select {
	case c.writeCh <- f:
	case <-c.closeCh:
	}
}

// Emit sends a one-way event frame of type typ carrying payload. Emit
// never blocks the caller beyond the bounded writer queue.
func (c *Channel) Emit(typ string, payload any) {
	c.sendFrame(Frame{Kind: KindEvent, Type: typ, TS: time.Now().Unix()}, payload)
}

// Request sends a host-originated request of type typ carrying payload
// and blocks for the matching response, a timeout, or channel closure.
// The pending-request slot is always reclaimed before Request returns.
func (c *Channel) Request(typ string, payload any, timeout time.Duration) (json.RawMessage, error) {
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}

	id := fmt.Sprintf("%d", atomic.AddUint64(&c.nextID, 1))
	p := &pending{resultCh: make(chan json.RawMessage, 1), errCh: make(chan error, 1)}

	c.pendingMu.Lock()
	c.pending[id] = p
	c.pendingMu.Unlock()

	data, err := json.Marshal(payload)
	if err != nil {
		c.reclaim(id)
		return nil, fmt.Errorf("controlchannel: marshal request payload: %w", err)
	}

	select {
	case c.writeCh <- Frame{Kind: KindRequest, Type: typ, ID: id, TS: time.Now().Unix(), Payload: data}:
	case <-c.closeCh:
		c.reclaim(id)
		return nil, boxerrors.ErrNotConnected(c.name)
	}

	select {
	case result := <-p.resultCh:
		return result, nil
	case err := <-p.errCh:
		return nil, err
	case <-c.closeCh:
		c.reclaim(id)
		return nil, boxerrors.ErrNotConnected(c.name)
	case <-time.After(timeout):
		c.reclaim(id)
		return nil, boxerrors.ErrTimeout(fmt.Sprintf("controlchannel.Request(%s)", typ), nil)
	}
}

// reclaim removes id from the pending table without delivering a result,
// used when a request fails before a response could possibly arrive.
func (c *Channel) reclaim(id string) {
	c.pendingMu.Lock()
	delete(c.pending, id)
	c.pendingMu.Unlock()
}

// Pending returns the number of in-flight host-originated requests,
// exposed for tests asserting the "pending slot reclaimed" invariant.
func (c *Channel) Pending() int {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	return len(c.pending)
}
