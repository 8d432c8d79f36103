// Package sshtunnel implements the host-side SSH server every container
// dials to reach boxctld: it listens on a Unix socket speaking SSH, identifies a container by its SSH username, and hands
// each connection's control channel to internal/controlchannel. Port
// forwarding is negotiated over that control channel and realized with
// plain SSH channels rather than the RFC 4254 tcpip-forward global
// request, so forwarding stays testable without a real SSH client.
package sshtunnel

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/crypto/ssh"
	"golang.org/x/sync/errgroup"

	"github.com/boxctl/boxctl/internal/boxerrors"
	"github.com/boxctl/boxctl/internal/controlchannel"
	"github.com/boxctl/boxctl/internal/logger"
)

// ControlChannelType is the SSH channel type a container opens to carry
// the framed JSON control protocol.
const ControlChannelType = "boxctl-control"

// ForwardChannelType is the SSH channel type the server opens back to a
// container to tunnel one accepted remote-forward connection.
const ForwardChannelType = "boxctl-forward"

// Direction selects which side's listener a forward request describes.
type Direction string

const (
	DirectionRemote Direction = "remote" // host listens, tunnels into the container
	DirectionLocal  Direction = "local"  // container listens, tunnels into the host
)

// ForwardRecord describes one active port forward, as exposed to
// internal/daemon's get_active_ports handler.
type ForwardRecord struct {
	HostPort      int    `json:"host_port"`
	ContainerPort int    `json:"container_port"`
	ListenHost    string `json:"listen_host,omitempty"`
	Name          string `json:"name,omitempty"`
}

// forwardChannelHeader is sent as the extra-data payload of the
// ForwardChannelType channel the server opens toward a container so the
// container knows which local service to connect the tunneled bytes to.
type forwardChannelHeader struct {
	ContainerPort int `json:"container_port"`
}

// BindAddressResolver returns the current set of local addresses remote
// forwards should listen on.
type BindAddressResolver func() []string

// Connection is one live SSH session from a container, tracked for the
// lifetime of that session.
type Connection struct {
	Name    string
	Channel *controlchannel.Channel

	sshConn *ssh.ServerConn

	mu             sync.Mutex
	remoteForwards map[int]*remoteForward // keyed by host_port
	localForwards  map[int]ForwardRecord  // keyed by host_port, display only
}

type remoteForward struct {
	record    ForwardRecord
	listeners []net.Listener
}

// RemoteForwards returns a snapshot of the connection's active remote forwards.
func (c *Connection) RemoteForwards() []ForwardRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]ForwardRecord, 0, len(c.remoteForwards))
	for _, rf := range c.remoteForwards {
		out = append(out, rf.record)
	}
	return out
}

// LocalForwards returns a snapshot of the connection's recorded local forwards.
func (c *Connection) LocalForwards() []ForwardRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]ForwardRecord, 0, len(c.localForwards))
	for _, f := range c.localForwards {
		out = append(out, f)
	}
	return out
}

// RequestHandler answers a control-channel request, with the originating
// Connection available for context (container name, forward tables).
type RequestHandler func(conn *Connection, payload json.RawMessage) (any, error)

// EventHandler processes a one-way control-channel event.
type EventHandler func(conn *Connection, payload json.RawMessage)

// LifecycleHandler is invoked when a container connects or disconnects.
type LifecycleHandler func(conn *Connection)

// ChannelHandler services one client-opened SSH channel of a
// non-control type (e.g. the credential agent-forwarding bridges). The
// handler owns ch's lifetime and must close it.
type ChannelHandler func(conn *Connection, extraData []byte, ch ssh.Channel)

// OpenChannel lets server-side code open an additional SSH channel toward
// this container, of any registered type.
func (c *Connection) OpenChannel(channelType string, extraData []byte) (ssh.Channel, error) {
	ch, reqs, err := c.sshConn.OpenChannel(channelType, extraData)
	if err != nil {
		return nil, err
	}
	go ssh.DiscardRequests(reqs)
	return ch, nil
}

// Server is the host-side SSH tunnel endpoint.
type Server struct {
	signer        ssh.Signer
	bindAddresses BindAddressResolver

	mu          sync.Mutex
	connections map[string]*Connection
	listener    net.Listener

	allowedMu    sync.Mutex
	allowedPorts map[int]struct{}

	handlersMu      sync.RWMutex
	requestHandlers map[string]RequestHandler
	eventHandlers   map[string]EventHandler
	channelHandlers map[string]ChannelHandler
	onConnect       LifecycleHandler
	onDisconnect    LifecycleHandler

	wg sync.WaitGroup
}

// New creates a Server that signs its SSH handshake with signer and
// resolves remote-forward bind addresses via bindAddresses.
func New(signer ssh.Signer, bindAddresses BindAddressResolver) *Server {
	return &Server{
		signer:          signer,
		bindAddresses:   bindAddresses,
		connections:     make(map[string]*Connection),
		allowedPorts:    make(map[int]struct{}),
		requestHandlers: make(map[string]RequestHandler),
		eventHandlers:   make(map[string]EventHandler),
		channelHandlers: make(map[string]ChannelHandler),
	}
}

// RegisterChannel installs the handler for client-opened SSH channels of
// type typ (anything other than the built-in control/forward types).
func (s *Server) RegisterChannel(typ string, h ChannelHandler) {
	s.handlersMu.Lock()
	defer s.handlersMu.Unlock()
	s.channelHandlers[typ] = h
}

// RegisterRequest installs the handler for inbound requests of type typ,
// applied to every connection's control channel.
func (s *Server) RegisterRequest(typ string, h RequestHandler) {
	s.handlersMu.Lock()
	defer s.handlersMu.Unlock()
	s.requestHandlers[typ] = h
}

// RegisterEvent installs the handler for inbound events of type typ,
// applied to every connection's control channel.
func (s *Server) RegisterEvent(typ string, h EventHandler) {
	s.handlersMu.Lock()
	defer s.handlersMu.Unlock()
	s.eventHandlers[typ] = h
}

// OnConnect registers the callback fired when a container's SSH session
// is accepted, before its control channel starts serving (internal
// _container_connect event).
func (s *Server) OnConnect(h LifecycleHandler) { s.onConnect = h }

// OnDisconnect registers the callback fired once a container's session
// ends and its tables should be reaped (internal _container_disconnect).
func (s *Server) OnDisconnect(h LifecycleHandler) { s.onDisconnect = h }

// AddAllowedPort extends the remote-forward allowlist at runtime
// (the add_allowed_port operation).
func (s *Server) AddAllowedPort(port int) {
	s.allowedMu.Lock()
	defer s.allowedMu.Unlock()
	s.allowedPorts[port] = struct{}{}
}

func (s *Server) isPortAllowed(port int) bool {
	s.allowedMu.Lock()
	defer s.allowedMu.Unlock()
	_, ok := s.allowedPorts[port]
	return ok
}

// Listen binds the SSH server to a Unix socket at path, removing any
// stale socket file first.
func (s *Server) Listen(path string) error {
	_ = removeStaleSocket(path)
	l, err := net.Listen("unix", path)
	if err != nil {
		return fmt.Errorf("sshtunnel: listen on %s: %w", path, err)
	}
	s.listener = l
	return nil
}

// Serve accepts connections until the listener is closed. Each accepted
// connection is handshaked and serviced on its own goroutine.
func (s *Server) Serve() error {
	for {
		raw, err := s.listener.Accept()
		if err != nil {
			return err
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(raw)
		}()
	}
}

// Stop closes the listener and waits for in-flight connections to finish
// their graceful shutdown, bounded by ctx's deadline.
func (s *Server) Stop(ctx context.Context) error {
	if s.listener != nil {
		_ = s.listener.Close()
	}

	s.mu.Lock()
	conns := make([]*Connection, 0, len(s.connections))
	for _, c := range s.connections {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		_ = c.sshConn.Close()
	}

	done := make(chan struct{})
	go func() { s.wg.Wait(); close(done) }()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Connections returns a snapshot of every live container connection.
func (s *Server) Connections() []*Connection {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Connection, 0, len(s.connections))
	for _, c := range s.connections {
		out = append(out, c)
	}
	return out
}

// Connection looks up a container's live connection by name.
func (s *Server) Connection(name string) (*Connection, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.connections[name]
	return c, ok
}

func (s *Server) serverConfig() *ssh.ServerConfig {
	cfg := &ssh.ServerConfig{
		NoClientAuth: true, // position-based trust: Unix socket permissions authenticate the peer
	}
	cfg.AddHostKey(s.signer)
	return cfg
}

func (s *Server) handleConn(raw net.Conn) {
	defer raw.Close()

	sshConn, chans, reqs, err := ssh.NewServerConn(raw, s.serverConfig())
	if err != nil {
		logger.Debug().Err(err).Msg("sshtunnel: handshake failed")
		return
	}
	defer sshConn.Close()

	name := sshConn.User()
	conn := &Connection{
		Name:           name,
		sshConn:        sshConn,
		remoteForwards: make(map[int]*remoteForward),
		localForwards:  make(map[int]ForwardRecord),
	}

	s.mu.Lock()
	s.connections[name] = conn
	s.mu.Unlock()

	if s.onConnect != nil {
		s.onConnect(conn)
	}

	go ssh.DiscardRequests(reqs)

	var controlWG sync.WaitGroup
	for newChan := range chans {
		switch newChan.ChannelType() {
		case ControlChannelType:
			ch, chReqs, err := newChan.Accept()
			if err != nil {
				continue
			}
			go ssh.DiscardRequests(chReqs)
			cc := controlchannel.New(ch, name)
			s.installHandlers(conn, cc)
			conn.Channel = cc
			controlWG.Add(1)
			go func() {
				defer controlWG.Done()
				_ = cc.Run()
			}()
		default:
			s.handlersMu.RLock()
			h, ok := s.channelHandlers[newChan.ChannelType()]
			s.handlersMu.RUnlock()
			if !ok {
				_ = newChan.Reject(ssh.UnknownChannelType, "unsupported channel type")
				continue
			}
			ch, chReqs, err := newChan.Accept()
			if err != nil {
				continue
			}
			go ssh.DiscardRequests(chReqs)
			extra := newChan.ExtraData()
			go h(conn, extra, ch)
		}
	}

	controlWG.Wait()
	s.teardownForwards(conn)

	s.mu.Lock()
	// A reconnect under the same name may already have replaced this
	// entry; only remove it if it is still ours.
	if cur, ok := s.connections[name]; ok && cur == conn {
		delete(s.connections, name)
	}
	s.mu.Unlock()

	if s.onDisconnect != nil {
		s.onDisconnect(conn)
	}
}

func (s *Server) installHandlers(conn *Connection, cc *controlchannel.Channel) {
	s.handlersMu.RLock()
	defer s.handlersMu.RUnlock()
	for typ, h := range s.requestHandlers {
		h := h
		cc.RegisterRequest(typ, func(payload json.RawMessage) (any, error) {
			return h(conn, payload)
		})
	}
	for typ, h := range s.eventHandlers {
		h := h
		cc.RegisterEvent(typ, func(payload json.RawMessage) {
			h(conn, payload)
		})
	}
	// port_add/port_remove are handled by the server itself, since they
	// must also manage listeners; registering them here replaces any
	// handler of the same type registered above.
	cc.RegisterRequest("port_add", func(payload json.RawMessage) (any, error) {
		return s.handlePortAdd(conn, payload)
	})
	cc.RegisterRequest("port_remove", func(payload json.RawMessage) (any, error) {
		return s.handlePortRemove(conn, payload)
	})
	cc.RegisterEvent("local_forwards_registered", func(payload json.RawMessage) {
		s.handleLocalForwardsRegistered(conn, payload)
	})
	cc.RegisterEvent("forward_removed", func(payload json.RawMessage) {
		s.handleForwardRemoved(conn, payload)
	})
	cc.RegisterRequest("ping", func(json.RawMessage) (any, error) {
		return map[string]bool{"ok": true}, nil
	})
}

type portAddRequest struct {
	Direction     Direction `json:"direction"`
	HostPort      int       `json:"host_port"`
	ContainerPort int       `json:"container_port"`
	Name          string    `json:"name,omitempty"`
}

type portAddResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

func (s *Server) handlePortAdd(conn *Connection, payload json.RawMessage) (any, error) {
	var req portAddRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return portAddResponse{OK: false, Error: "missing_field"}, nil
	}
	if req.ContainerPort == 0 {
		req.ContainerPort = req.HostPort
	}
	if req.Name == "" {
		// Forwards added without a caller-supplied label still need a
		// stable display name for get_active_ports; derive one rather
		// than leaving it blank.
		req.Name = "fwd-" + uuid.NewString()[:8]
	}

	switch req.Direction {
	case DirectionLocal:
		conn.mu.Lock()
		conn.localForwards[req.HostPort] = ForwardRecord{
			HostPort: req.HostPort, ContainerPort: req.ContainerPort, Name: req.Name,
		}
		conn.mu.Unlock()
		return portAddResponse{OK: true}, nil
	default: // remote
		if !s.isPortAllowed(req.HostPort) {
			return portAddResponse{OK: false, Error: string(boxerrors.KindForwardDenied)}, nil
		}
		if err := s.startRemoteForward(conn, req.HostPort, req.ContainerPort, req.Name); err != nil {
			return portAddResponse{OK: false, Error: err.Error()}, nil
		}
		return portAddResponse{OK: true}, nil
	}
}

type portRemoveRequest struct {
	Direction Direction `json:"direction"`
	HostPort  int       `json:"host_port"`
}

func (s *Server) handlePortRemove(conn *Connection, payload json.RawMessage) (any, error) {
	var req portRemoveRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return portAddResponse{OK: false, Error: "missing_field"}, nil
	}
	switch req.Direction {
	case DirectionLocal:
		conn.mu.Lock()
		delete(conn.localForwards, req.HostPort)
		conn.mu.Unlock()
	default:
		s.stopRemoteForward(conn, req.HostPort)
	}
	return portAddResponse{OK: true}, nil
}

func (s *Server) handleLocalForwardsRegistered(conn *Connection, payload json.RawMessage) {
	var list []ForwardRecord
	if err := json.Unmarshal(payload, &list); err != nil {
		return
	}
	conn.mu.Lock()
	conn.localForwards = make(map[int]ForwardRecord, len(list))
	for _, f := range list {
		conn.localForwards[f.HostPort] = f
	}
	conn.mu.Unlock()
}

func (s *Server) handleForwardRemoved(conn *Connection, payload json.RawMessage) {
	var rec ForwardRecord
	if err := json.Unmarshal(payload, &rec); err != nil {
		return
	}
	conn.mu.Lock()
	delete(conn.localForwards, rec.HostPort)
	delete(conn.remoteForwards, rec.HostPort)
	conn.mu.Unlock()
}

// startRemoteForward begins listening on hostPort across every bind
// address, tunneling accepted connections into the container's
// containerPort over a fresh SSH channel.
func (s *Server) startRemoteForward(conn *Connection, hostPort, containerPort int, name string) error {
	addrs := s.bindAddresses()
	if len(addrs) == 0 {
		addrs = []string{"127.0.0.1"}
	}

	listeners := make([]net.Listener, 0, len(addrs))
	for _, addr := range addrs {
		l, err := net.Listen("tcp", fmt.Sprintf("%s:%d", addr, hostPort))
		if err != nil {
			for _, existing := range listeners {
				existing.Close()
			}
			return boxerrors.ErrPortConflict(hostPort, err)
		}
		listeners = append(listeners, l)
	}

	rf := &remoteForward{
		record: ForwardRecord{HostPort: hostPort, ContainerPort: containerPort, Name: name},
		listeners: listeners,
	}

	conn.mu.Lock()
	conn.remoteForwards[hostPort] = rf
	conn.mu.Unlock()

	for _, l := range listeners {
		go s.acceptForwardedConns(conn, l, containerPort)
	}
	return nil
}

func (s *Server) acceptForwardedConns(conn *Connection, l net.Listener, containerPort int) {
	for {
		c, err := l.Accept()
		if err != nil {
			return
		}
		go s.tunnelForwardedConn(conn, c, containerPort)
	}
}

func (s *Server) tunnelForwardedConn(conn *Connection, local net.Conn, containerPort int) {
	defer local.Close()

	header, err := json.Marshal(forwardChannelHeader{ContainerPort: containerPort})
	if err != nil {
		return
	}
	ch, reqs, err := conn.sshConn.OpenChannel(ForwardChannelType, header)
	if err != nil {
		return
	}
	defer ch.Close()
	go ssh.DiscardRequests(reqs)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); io.Copy(ch, local); ch.CloseWrite() }()
	go func() { defer wg.Done(); io.Copy(local, ch) }()
	wg.Wait()
}

// stopRemoteForward tears down hostPort's listeners for conn.
func (s *Server) stopRemoteForward(conn *Connection, hostPort int) {
	conn.mu.Lock()
	rf, ok := conn.remoteForwards[hostPort]
	if ok {
		delete(conn.remoteForwards, hostPort)
	}
	conn.mu.Unlock()
	if !ok {
		return
	}
	for _, l := range rf.listeners {
		l.Close()
	}
}

func (s *Server) teardownForwards(conn *Connection) {
	conn.mu.Lock()
	forwards := conn.remoteForwards
	conn.remoteForwards = make(map[int]*remoteForward)
	conn.mu.Unlock()
	for _, rf := range forwards {
		for _, l := range rf.listeners {
			l.Close()
		}
	}
}

// Rebind tears down and re-establishes every active remote forward
// against the current bind-address set, with no request replay required
// from the container.
func (s *Server) Rebind() {
	var g errgroup.Group
	for _, conn := range s.Connections() {
		g.Go(func() error {
			s.rebindConnection(conn)
			return nil
		})
	}
	_ = g.Wait()
}

// rebindConnection re-establishes one connection's remote forwards against
// the current bind-address set. Forwards within a connection are replaced
// in order, with no request replay from the container; separate
// connections are rebound concurrently by Rebind's errgroup.
func (s *Server) rebindConnection(conn *Connection) {
	conn.mu.Lock()
	snapshot := make([]remoteForward, 0, len(conn.remoteForwards))
	for _, rf := range conn.remoteForwards {
		snapshot = append(snapshot, *rf)
	}
	conn.mu.Unlock()

	for _, rf := range snapshot {
		s.stopRemoteForward(conn, rf.record.HostPort)
		if err := s.startRemoteForward(conn, rf.record.HostPort, rf.record.ContainerPort, rf.record.Name); err != nil {
			logger.Warn().Err(err).Int("port", rf.record.HostPort).Msg("sshtunnel: rebind failed")
		}
	}
}

func removeStaleSocket(path string) error {
	err := os.Remove(path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// GenerateHostKey creates an ephemeral ed25519 host key for the SSH
// server; boxctld regenerates one at each startup rather than persisting
// it, since the trust boundary is the Unix socket, not the SSH identity.
func GenerateHostKey() (ssh.Signer, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("sshtunnel: generate host key: %w", err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		return nil, fmt.Errorf("sshtunnel: wrap host key: %w", err)
	}
	return signer, nil
}
