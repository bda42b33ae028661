package transport

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/danmuck/netwire/internal/observability"
	"github.com/danmuck/netwire/internal/protocol"
	"github.com/danmuck/netwire/internal/wire"
)

// defaultAcceptSlice bounds how long a worker blocks in Accept before
// it checks for shutdown and polls its endpoints, when no AcceptTimeout
// is configured.
const defaultAcceptSlice = 200 * time.Millisecond

// Handler processes one inbound protocol message. A non-nil returned
// message is sent back on the same endpoint with the request's id.
type Handler func(srv *Server, ep *Endpoint, msg *protocol.Message) (*protocol.Message, error)

// ServerConfig binds listener and dispatch behavior for one server.
type ServerConfig struct {
	BindAddress            string
	Port                   int
	Backlog                int
	AcceptTimeout          time.Duration
	OperationTimeout       time.Duration
	IdleTimeout            time.Duration
	TLS                    *tls.Config
	Workers                int
	EnableProtocolDispatch bool
	Codec                  protocol.Codec
	DefaultHandler         Handler
	ConnectionCallback     func(ep *Endpoint)
	ErrorCallback          func(ep *Endpoint, err error)
}

func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		BindAddress:            "0.0.0.0",
		Backlog:                128,
		AcceptTimeout:          5 * time.Second,
		OperationTimeout:       15 * time.Second,
		IdleTimeout:            60 * time.Second,
		Workers:                0,
		EnableProtocolDispatch: true,
		Codec:                  protocol.JSONCodec{},
	}
}

// Server owns a listening socket, the registry of accepted endpoints
// and the per-message-type handler table. With Workers > 0 it runs its
// own accept-and-dispatch loops; otherwise Accept and PollEndpoints
// drive it manually (or through the context worker pool).
type Server struct {
	cfg ServerConfig
	ctx *NetworkContext

	mu        sync.Mutex
	endpoints []*Endpoint
	listener  net.Listener
	base      *net.TCPListener
	running   bool

	handlerMu sync.RWMutex
	handlers  map[uint16]Handler

	nextID  atomic.Uint32
	pending *pendingTable

	// sendFlags carries the context-wide compression/encryption flag
	// bits stamped on every outbound protocol packet.
	sendFlags uint32

	stop chan struct{}
	wg   sync.WaitGroup
}

// NewServer creates a standalone server. Servers created through a
// NetworkContext are additionally registered for shared polling.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Port < 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("%w: port %d", ErrInvalidParameters, cfg.Port)
	}
	if cfg.Codec == nil {
		cfg.Codec = protocol.JSONCodec{}
	}
	if strings.TrimSpace(cfg.BindAddress) == "" {
		cfg.BindAddress = "0.0.0.0"
	}
	if cfg.OperationTimeout <= 0 {
		cfg.OperationTimeout = 15 * time.Second
	}
	return &Server{
		cfg:      cfg,
		handlers: make(map[uint16]Handler),
		pending:  newPendingTable(),
		stop:     make(chan struct{}),
	}, nil
}

// Start begins listening and, if workers are configured, launches the
// accept-and-dispatch loops.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("%w: server already started", ErrInvalidState)
	}

	addr := net.JoinHostPort(s.cfg.BindAddress, strconv.Itoa(s.cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("%w: listen %s: %v", ErrOperationFailed, addr, err)
	}
	base, ok := ln.(*net.TCPListener)
	if !ok {
		_ = ln.Close()
		return fmt.Errorf("%w: unexpected listener type", ErrOperationFailed)
	}
	s.base = base
	s.listener = ln
	if s.cfg.TLS != nil {
		s.listener = tls.NewListener(base, s.cfg.TLS)
	}
	s.running = true

	for i := 0; i < s.cfg.Workers; i++ {
		s.wg.Add(1)
		go s.workerLoop(i)
	}
	log.Info().Str("addr", ln.Addr().String()).Int("workers", s.cfg.Workers).
		Bool("tls", s.cfg.TLS != nil).Msg("server_listening")
	return nil
}

// Addr returns the bound listener address, useful with port 0.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.base == nil {
		return nil
	}
	return s.base.Addr()
}

// acceptSlice is the per-iteration accept wait for the worker loop:
// the configured AcceptTimeout, or a short default so workers keep
// polling their endpoints between idle accept passes.
func (s *Server) acceptSlice() time.Duration {
	if s.cfg.AcceptTimeout > 0 {
		return s.cfg.AcceptTimeout
	}
	return defaultAcceptSlice
}

func (s *Server) workerLoop(id int) {
	defer s.wg.Done()
	slice := s.acceptSlice()
	for {
		select {
		case <-s.stop:
			return
		default:
		}
		if ep, err := s.Accept(slice); err == nil {
			log.Debug().Int("worker", id).Str("peer", ep.PeerID()).Msg("connection_accepted")
		} else if !errors.Is(err, ErrTimeout) && !errors.Is(err, ErrInvalidState) {
			s.reportError(nil, err)
		}
		s.PollEndpoints(10 * time.Millisecond)
	}
}

// Accept waits up to timeout for one inbound connection and registers
// it. A timeout of 0 is a non-blocking poll.
func (s *Server) Accept(timeout time.Duration) (*Endpoint, error) {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: server not started", ErrInvalidState)
	}
	base, lis := s.base, s.listener
	s.mu.Unlock()

	deadline := time.Now()
	if timeout > 0 {
		deadline = deadline.Add(timeout)
	}
	if err := base.SetDeadline(deadline); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOperationFailed, err)
	}
	conn, err := lis.Accept()
	if err != nil {
		return nil, classifyNetError(err)
	}

	// Complete the handshake eagerly so a poll deadline can never
	// interrupt it later and wedge the connection.
	if tlsConn, ok := conn.(*tls.Conn); ok {
		_ = tlsConn.SetDeadline(time.Now().Add(s.cfg.OperationTimeout))
		if err := tlsConn.Handshake(); err != nil {
			_ = tlsConn.Close()
			return nil, fmt.Errorf("%w: tls handshake: %v", ErrOperationFailed, err)
		}
		_ = tlsConn.SetDeadline(time.Time{})
	}

	ep, err := newEndpoint(conn, KindServer, s.eventSink)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if s.ctx != nil {
		if err := s.ctx.registerEndpoint(ep); err != nil {
			_ = ep.Close()
			return nil, err
		}
	}
	if s.cfg.OperationTimeout > 0 {
		_ = ep.SetOption(OptionTimeout, s.cfg.OperationTimeout)
	}

	s.mu.Lock()
	s.endpoints = append(s.endpoints, ep)
	s.mu.Unlock()

	if s.cfg.ConnectionCallback != nil {
		s.cfg.ConnectionCallback(ep)
	}
	return ep, nil
}

// Disconnect removes and closes one accepted endpoint.
func (s *Server) Disconnect(ep *Endpoint) error {
	if ep == nil {
		return ErrInvalidParameters
	}
	if !s.removeEndpoint(ep) {
		return fmt.Errorf("%w: endpoint not owned by server", ErrNotFound)
	}
	s.pending.dropEndpoint(ep)
	if s.ctx != nil {
		s.ctx.deregisterEndpoint(ep)
	}
	return ep.Close()
}

// Send writes pkt to one accepted endpoint.
func (s *Server) Send(ep *Endpoint, pkt *wire.Packet, timeout time.Duration) error {
	if ep == nil || pkt == nil {
		return ErrInvalidParameters
	}
	if !s.ownsEndpoint(ep) {
		return fmt.Errorf("%w: endpoint not owned by server", ErrNotFound)
	}
	if _, err := ep.sendPacket(pkt, timeout); err != nil {
		s.reportError(ep, err)
		return err
	}
	observability.RecordPacketSent("server", pkt.Len())
	return nil
}

// Receive reads one framed packet from one accepted endpoint.
func (s *Server) Receive(ep *Endpoint, timeout time.Duration) (*wire.Packet, error) {
	if ep == nil {
		return nil, ErrInvalidParameters
	}
	if !s.ownsEndpoint(ep) {
		return nil, fmt.Errorf("%w: endpoint not owned by server", ErrNotFound)
	}
	pkt, err := ep.receivePacket(timeout)
	if err != nil {
		if errors.Is(err, ErrConnectionClosed) {
			s.dropPeer(ep)
		} else if !errors.Is(err, ErrTimeout) {
			s.reportError(ep, err)
		}
		return nil, err
	}
	observability.RecordPacketReceived("server", pkt.Len())
	return pkt, nil
}

// SendMessage mirrors the client operation against one accepted
// endpoint: serialize, tag with a fresh id, optionally wait for the
// correlated response.
func (s *Server) SendMessage(ep *Endpoint, msg *protocol.Message, timeout time.Duration, expectResponse bool) (*protocol.Message, error) {
	if ep == nil || msg == nil {
		return nil, ErrInvalidParameters
	}
	if !s.ownsEndpoint(ep) {
		return nil, fmt.Errorf("%w: endpoint not owned by server", ErrNotFound)
	}
	if timeout <= 0 {
		timeout = s.cfg.OperationTimeout
	}

	id := s.nextID.Add(1)
	msg.ID = id
	payload, err := s.cfg.Codec.SerializeMessage(msg)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidParameters, err)
	}
	pkt := wire.NewFromBytes(payload, true)
	pkt.Type = msg.Type
	pkt.ID = id
	pkt.SetFlag(wire.FlagProtocol | s.sendFlags)

	if expectResponse {
		s.pending.add(id, ep, timeout)
	}
	start := time.Now()
	if err := s.Send(ep, pkt, timeout); err != nil {
		s.pending.remove(id)
		return nil, err
	}
	if !expectResponse {
		return nil, nil
	}

	deadline := start.Add(timeout)
	for {
		if resp, ok := s.pending.takeCompleted(id); ok {
			ep.recordLatency(time.Since(start))
			return resp, nil
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}
		slice := pollSlice
		if remaining < slice {
			slice = remaining
		}
		s.PollEndpoints(slice)
	}
	s.pending.remove(id)
	return nil, fmt.Errorf("%w: request %d", ErrTimeout, id)
}

// Broadcast sends pkt to every currently connected endpoint. Failures
// on individual endpoints are recorded and reported, never
// short-circuited; the call itself only fails on invalid input.
func (s *Server) Broadcast(pkt *wire.Packet, timeout time.Duration) (sent int, failed int, err error) {
	if pkt == nil {
		return 0, 0, ErrInvalidParameters
	}
	for _, ep := range s.Endpoints() {
		if ep.State() != StateConnected {
			failed++
			s.reportError(ep, fmt.Errorf("%w: broadcast to %s", ErrConnectionClosed, ep.PeerID()))
			continue
		}
		if _, serr := ep.sendPacket(pkt, timeout); serr != nil {
			failed++
			s.reportError(ep, serr)
			if errors.Is(serr, ErrConnectionClosed) {
				s.dropPeer(ep)
			}
			continue
		}
		observability.RecordPacketSent("server", pkt.Len())
		sent++
	}
	return sent, failed, nil
}

// RegisterHandler maps one inbound message type to a handler. The
// latest registration wins.
func (s *Server) RegisterHandler(msgType uint16, h Handler) error {
	if h == nil {
		return ErrInvalidParameters
	}
	s.handlerMu.Lock()
	defer s.handlerMu.Unlock()
	s.handlers[msgType] = h
	return nil
}

// PollEndpoints polls every accepted endpoint for one readable packet
// and dispatches protocol messages to the handler table. Endpoints
// quiet past the configured IdleTimeout are disconnected. A failing
// endpoint never aborts the loop. It returns the number of packets
// consumed.
func (s *Server) PollEndpoints(timeout time.Duration) int {
	if timeout <= 0 {
		timeout = time.Millisecond
	}
	processed := 0
	for _, ep := range s.Endpoints() {
		if ep.State() != StateConnected {
			continue
		}
		if s.cfg.IdleTimeout > 0 && time.Since(ep.lastActive()) > s.cfg.IdleTimeout {
			log.Debug().Str("peer", ep.PeerID()).Dur("idle", time.Since(ep.lastActive())).
				Msg("idle_endpoint_disconnected")
			s.dropPeer(ep)
			continue
		}
		pkt, err := ep.receivePacket(timeout)
		if err != nil {
			if errors.Is(err, ErrConnectionClosed) {
				s.dropPeer(ep)
			} else if !errors.Is(err, ErrTimeout) && !errors.Is(err, ErrInvalidState) {
				s.reportError(ep, err)
			}
			continue
		}
		processed++
		observability.RecordPacketReceived("server", pkt.Len())
		s.dispatchPacket(ep, pkt)
	}
	return processed
}

func (s *Server) dispatchPacket(ep *Endpoint, pkt *wire.Packet) {
	if !pkt.HasFlag(wire.FlagProtocol) || !s.cfg.EnableProtocolDispatch {
		return
	}
	msg, err := s.cfg.Codec.DeserializeMessage(pkt.Data())
	if err != nil {
		s.reportError(ep, fmt.Errorf("%w: %v", ErrOperationFailed, err))
		return
	}
	if msg.Type == protocol.MsgResponse {
		if !s.pending.complete(msg.ID, msg) {
			log.Debug().Uint32("request_id", msg.ID).Msg("late_response_discarded")
		}
		return
	}

	s.handlerMu.RLock()
	handler := s.handlers[msg.Type]
	s.handlerMu.RUnlock()
	if handler == nil {
		handler = s.cfg.DefaultHandler
	}
	if handler == nil {
		log.Debug().Uint16("msg_type", msg.Type).Msg("no_handler_registered")
		return
	}

	resp, err := handler(s, ep, msg)
	if err != nil {
		s.reportError(ep, fmt.Errorf("%w: handler: %v", ErrOperationFailed, err))
		return
	}
	if resp == nil {
		return
	}
	resp.ID = msg.ID
	payload, err := s.cfg.Codec.SerializeMessage(resp)
	if err != nil {
		s.reportError(ep, fmt.Errorf("%w: %v", ErrOperationFailed, err))
		return
	}
	out := wire.NewFromBytes(payload, true)
	out.Type = resp.Type
	out.ID = pkt.ID
	out.SetFlag(wire.FlagProtocol | s.sendFlags)
	if err := s.Send(ep, out, s.cfg.OperationTimeout); err != nil {
		log.Warn().Str("peer", ep.PeerID()).Err(err).Msg("response_send_failed")
	}
}

// Endpoints returns a snapshot of the accepted-endpoint registry.
func (s *Server) Endpoints() []*Endpoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Endpoint, len(s.endpoints))
	copy(out, s.endpoints)
	return out
}

// Stop closes the listener, joins the workers and releases every
// accepted endpoint.
func (s *Server) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return fmt.Errorf("%w: server not started", ErrInvalidState)
	}
	s.running = false
	lis := s.listener
	s.listener = nil
	s.base = nil
	eps := s.endpoints
	s.endpoints = nil
	s.mu.Unlock()

	close(s.stop)
	if lis != nil {
		_ = lis.Close()
	}
	s.wg.Wait()

	for _, ep := range eps {
		s.pending.dropEndpoint(ep)
		if s.ctx != nil {
			s.ctx.deregisterEndpoint(ep)
		}
		if ep.State() != StateDisconnected {
			_ = ep.Close()
		}
	}
	log.Info().Msg("server_stopped")
	return nil
}

func (s *Server) ownsEndpoint(ep *Endpoint) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.endpoints {
		if e == ep {
			return true
		}
	}
	return false
}

func (s *Server) removeEndpoint(ep *Endpoint) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, e := range s.endpoints {
		if e == ep {
			s.endpoints = append(s.endpoints[:i], s.endpoints[i+1:]...)
			return true
		}
	}
	return false
}

func (s *Server) dropPeer(ep *Endpoint) {
	if !s.removeEndpoint(ep) {
		return
	}
	s.pending.dropEndpoint(ep)
	if s.ctx != nil {
		s.ctx.deregisterEndpoint(ep)
	}
	if ep.State() != StateDisconnected {
		_ = ep.Close()
	}
}

func (s *Server) reportError(ep *Endpoint, err error) {
	observability.RecordTransportError("server")
	if s.cfg.ErrorCallback != nil {
		s.cfg.ErrorCallback(ep, err)
	}
	if s.ctx != nil {
		s.ctx.DispatchEvent(Event{Type: EventError, Endpoint: ep, Err: err})
	}
}

func (s *Server) eventSink(ev Event) {
	switch ev.Type {
	case EventConnect:
		observability.RecordConnection("server")
	case EventDisconnect:
		observability.RecordDisconnection("server")
	}
	if s.ctx != nil {
		s.ctx.DispatchEvent(ev)
	}
}
