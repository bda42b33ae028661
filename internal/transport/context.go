package transport

import (
	"crypto/tls"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/danmuck/netwire/internal/protocol"
	"github.com/danmuck/netwire/internal/wire"
)

// Config aggregates context-wide limits and defaults.
type Config struct {
	PoolSize            int
	MaxConnections      int
	MaxEndpoints        int
	MaxHandlersPerEvent int
	DefaultTimeout      time.Duration
	PollInterval        time.Duration
	EnableCompression   bool
	EnableEncryption    bool
	EnableTLS           bool
	TLS                 *tls.Config
}

func DefaultConfig() Config {
	return Config{
		PoolSize:            2,
		MaxConnections:      64,
		MaxEndpoints:        256,
		MaxHandlersPerEvent: 16,
		DefaultTimeout:      30 * time.Second,
		PollInterval:        100 * time.Millisecond,
	}
}

// NetworkContext is the top-level transport object: registries of all
// clients, servers and endpoints, the shared worker pool, the global
// event dispatch matrix and the aggregate statistics. No process-wide
// state survives outside a live context.
type NetworkContext struct {
	cfg Config

	clientsMu sync.Mutex
	clients   map[*Client]struct{}

	serversMu sync.Mutex
	servers   map[*Server]struct{}

	endpointsMu sync.Mutex
	endpoints   map[*Endpoint]struct{}

	handlersMu sync.RWMutex
	handlers   [eventTypeCount][]EventCallback

	stats Stats

	poolMu   sync.Mutex
	poolCond *sync.Cond
	poolStop bool
	workSet  bool
	wg       sync.WaitGroup

	tickerStop chan struct{}

	closedMu sync.Mutex
	closed   bool
}

// NewNetworkContext creates the context and starts its worker pool.
// Each worker blocks on the pool condition variable and, when woken,
// polls every registered client and server once.
func NewNetworkContext(cfg Config) (*NetworkContext, error) {
	if cfg.PoolSize < 0 || cfg.MaxConnections < 0 || cfg.MaxEndpoints < 0 {
		return nil, ErrInvalidParameters
	}
	def := DefaultConfig()
	if cfg.MaxConnections == 0 {
		cfg.MaxConnections = def.MaxConnections
	}
	if cfg.MaxEndpoints == 0 {
		cfg.MaxEndpoints = def.MaxEndpoints
	}
	if cfg.MaxHandlersPerEvent == 0 {
		cfg.MaxHandlersPerEvent = def.MaxHandlersPerEvent
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = def.DefaultTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}

	ctx := &NetworkContext{
		cfg:        cfg,
		clients:    make(map[*Client]struct{}),
		servers:    make(map[*Server]struct{}),
		endpoints:  make(map[*Endpoint]struct{}),
		tickerStop: make(chan struct{}),
	}
	ctx.poolCond = sync.NewCond(&ctx.poolMu)

	for i := 0; i < cfg.PoolSize; i++ {
		ctx.wg.Add(1)
		go ctx.workerLoop(i)
	}
	if cfg.PoolSize > 0 {
		ctx.wg.Add(1)
		go ctx.wakeLoop()
	}
	return ctx, nil
}

func (nc *NetworkContext) workerLoop(id int) {
	defer nc.wg.Done()
	for {
		nc.poolMu.Lock()
		for !nc.workSet && !nc.poolStop {
			nc.poolCond.Wait()
		}
		if nc.poolStop {
			nc.poolMu.Unlock()
			return
		}
		nc.workSet = false
		nc.poolMu.Unlock()

		nc.pollAll()
	}
}

func (nc *NetworkContext) wakeLoop() {
	defer nc.wg.Done()
	ticker := time.NewTicker(nc.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			nc.Wake()
		case <-nc.tickerStop:
			return
		}
	}
}

// Wake signals the worker pool to run one poll pass.
func (nc *NetworkContext) Wake() {
	nc.poolMu.Lock()
	nc.workSet = true
	nc.poolMu.Unlock()
	nc.poolCond.Broadcast()
}

// pollAll runs one readiness pass over every registered client and
// server. Registry locks are released before any polling I/O happens.
func (nc *NetworkContext) pollAll() {
	nc.clientsMu.Lock()
	clients := make([]*Client, 0, len(nc.clients))
	for c := range nc.clients {
		clients = append(clients, c)
	}
	nc.clientsMu.Unlock()

	nc.serversMu.Lock()
	servers := make([]*Server, 0, len(nc.servers))
	for s := range nc.servers {
		servers = append(servers, s)
	}
	nc.serversMu.Unlock()

	for _, c := range clients {
		c.ProcessEvents(time.Millisecond)
	}
	for _, s := range servers {
		s.PollEndpoints(time.Millisecond)
	}
}

// packetFlags derives the flag bits every outbound protocol packet of
// this context carries. The transforms themselves belong to the codec
// collaborator; the flags announce them on the wire.
func (nc *NetworkContext) packetFlags() uint32 {
	var mask uint32
	if nc.cfg.EnableCompression {
		mask |= wire.FlagCompressed
	}
	if nc.cfg.EnableEncryption {
		mask |= wire.FlagEncrypted
	}
	return mask
}

// CreateClient constructs a client owned by this context.
func (nc *NetworkContext) CreateClient(cfg ClientConfig) (*Client, error) {
	if err := nc.ensureOpen(); err != nil {
		return nil, err
	}
	nc.clientsMu.Lock()
	defer nc.clientsMu.Unlock()
	if len(nc.clients) >= nc.cfg.MaxConnections {
		return nil, fmt.Errorf("%w: client registry full", ErrCapacityExceeded)
	}
	if cfg.OperationTimeout <= 0 {
		cfg.OperationTimeout = nc.cfg.DefaultTimeout
	}
	c := NewClient(cfg)
	c.ctx = nc
	c.sendFlags = nc.packetFlags()
	nc.clients[c] = struct{}{}
	return c, nil
}

// CreateServer constructs a server owned by this context.
func (nc *NetworkContext) CreateServer(cfg ServerConfig) (*Server, error) {
	if err := nc.ensureOpen(); err != nil {
		return nil, err
	}
	nc.serversMu.Lock()
	defer nc.serversMu.Unlock()
	if len(nc.servers) >= nc.cfg.MaxConnections {
		return nil, fmt.Errorf("%w: server registry full", ErrCapacityExceeded)
	}
	if cfg.OperationTimeout <= 0 {
		cfg.OperationTimeout = nc.cfg.DefaultTimeout
	}
	s, err := NewServer(cfg)
	if err != nil {
		return nil, err
	}
	s.ctx = nc
	s.sendFlags = nc.packetFlags()
	nc.servers[s] = struct{}{}
	return s, nil
}

// RemoveClient deregisters and closes a client.
func (nc *NetworkContext) RemoveClient(c *Client) error {
	if c == nil {
		return ErrInvalidParameters
	}
	nc.clientsMu.Lock()
	_, ok := nc.clients[c]
	delete(nc.clients, c)
	nc.clientsMu.Unlock()
	if !ok {
		return fmt.Errorf("%w: client not registered", ErrNotFound)
	}
	if err := c.Close(); err != nil && !isAlreadyClosed(err) {
		return err
	}
	return nil
}

// RemoveServer deregisters and stops a server.
func (nc *NetworkContext) RemoveServer(s *Server) error {
	if s == nil {
		return ErrInvalidParameters
	}
	nc.serversMu.Lock()
	_, ok := nc.servers[s]
	delete(nc.servers, s)
	nc.serversMu.Unlock()
	if !ok {
		return fmt.Errorf("%w: server not registered", ErrNotFound)
	}
	if err := s.Stop(); err != nil && !isAlreadyClosed(err) {
		return err
	}
	return nil
}

// Connect is the create-client-then-connect convenience operation.
func (nc *NetworkContext) Connect(address string, port int) (*Client, *Endpoint, error) {
	cfg := DefaultClientConfig()
	cfg.OperationTimeout = nc.cfg.DefaultTimeout
	if nc.cfg.EnableTLS {
		cfg.TLS = nc.cfg.TLS
	}
	c, err := nc.CreateClient(cfg)
	if err != nil {
		return nil, nil, err
	}
	ep, err := c.Connect(address, port)
	if err != nil {
		_ = nc.RemoveClient(c)
		return nil, nil, err
	}
	nc.Wake()
	return c, ep, nil
}

// Listen is the create-server-then-start convenience operation.
func (nc *NetworkContext) Listen(cfg ServerConfig) (*Server, error) {
	if nc.cfg.EnableTLS && cfg.TLS == nil {
		cfg.TLS = nc.cfg.TLS
	}
	s, err := nc.CreateServer(cfg)
	if err != nil {
		return nil, err
	}
	if err := s.Start(); err != nil {
		_ = nc.RemoveServer(s)
		return nil, err
	}
	nc.Wake()
	return s, nil
}

// SendMessage routes msg to the client or server that owns ep,
// determined by the endpoint kind.
func (nc *NetworkContext) SendMessage(ep *Endpoint, msg *protocol.Message, timeout time.Duration, expectResponse bool) (*protocol.Message, error) {
	if ep == nil || msg == nil {
		return nil, ErrInvalidParameters
	}
	switch ep.Kind() {
	case KindClient:
		nc.clientsMu.Lock()
		var owner *Client
		for c := range nc.clients {
			if c.ownsEndpoint(ep) {
				owner = c
				break
			}
		}
		nc.clientsMu.Unlock()
		if owner == nil {
			return nil, fmt.Errorf("%w: endpoint has no owning client", ErrNotFound)
		}
		return owner.SendMessageTo(ep, msg, timeout, expectResponse)
	case KindServer:
		nc.serversMu.Lock()
		var owner *Server
		for s := range nc.servers {
			if s.ownsEndpoint(ep) {
				owner = s
				break
			}
		}
		nc.serversMu.Unlock()
		if owner == nil {
			return nil, fmt.Errorf("%w: endpoint has no owning server", ErrNotFound)
		}
		return owner.SendMessage(ep, msg, timeout, expectResponse)
	}
	return nil, ErrInvalidParameters
}

// RegisterEventHandler appends a global handler for one event type.
// Handlers run in registration order; each type has a bounded handler
// list.
func (nc *NetworkContext) RegisterEventHandler(t EventType, cb EventCallback) error {
	if t >= eventTypeCount || cb == nil {
		return ErrInvalidParameters
	}
	nc.handlersMu.Lock()
	defer nc.handlersMu.Unlock()
	if len(nc.handlers[t]) >= nc.cfg.MaxHandlersPerEvent {
		return fmt.Errorf("%w: handler table for %s full", ErrCapacityExceeded, t)
	}
	nc.handlers[t] = append(nc.handlers[t], cb)
	return nil
}

// DispatchEvent fans ev out to the global handlers registered for its
// type and folds it into the aggregate statistics.
func (nc *NetworkContext) DispatchEvent(ev Event) {
	nc.stats.recordEvent(ev)

	nc.handlersMu.RLock()
	handlers := make([]EventCallback, len(nc.handlers[ev.Type]))
	copy(handlers, nc.handlers[ev.Type])
	nc.handlersMu.RUnlock()

	for _, cb := range handlers {
		cb(ev)
	}
}

// registerEndpoint weakly tracks an endpoint owned by a client or
// server of this context.
func (nc *NetworkContext) registerEndpoint(ep *Endpoint) error {
	nc.endpointsMu.Lock()
	defer nc.endpointsMu.Unlock()
	if len(nc.endpoints) >= nc.cfg.MaxEndpoints {
		return fmt.Errorf("%w: endpoint registry full", ErrCapacityExceeded)
	}
	nc.endpoints[ep] = struct{}{}
	return nil
}

func (nc *NetworkContext) deregisterEndpoint(ep *Endpoint) {
	nc.endpointsMu.Lock()
	defer nc.endpointsMu.Unlock()
	delete(nc.endpoints, ep)
}

// Endpoints returns info snapshots for every tracked endpoint.
func (nc *NetworkContext) Endpoints() []EndpointInfo {
	nc.endpointsMu.Lock()
	eps := make([]*Endpoint, 0, len(nc.endpoints))
	for ep := range nc.endpoints {
		eps = append(eps, ep)
	}
	nc.endpointsMu.Unlock()

	infos := make([]EndpointInfo, 0, len(eps))
	for _, ep := range eps {
		infos = append(infos, ep.Info())
	}
	return infos
}

// Stats returns a snapshot of the aggregate counters.
func (nc *NetworkContext) Stats() StatsSnapshot {
	return nc.stats.Snapshot()
}

func (nc *NetworkContext) ensureOpen() error {
	nc.closedMu.Lock()
	defer nc.closedMu.Unlock()
	if nc.closed {
		return fmt.Errorf("%w: context closed", ErrInvalidState)
	}
	return nil
}

// Close stops the worker pool, stops every server, closes every
// client and releases the registries. The context is unusable
// afterward.
func (nc *NetworkContext) Close() error {
	nc.closedMu.Lock()
	if nc.closed {
		nc.closedMu.Unlock()
		return fmt.Errorf("%w: context closed", ErrInvalidState)
	}
	nc.closed = true
	nc.closedMu.Unlock()

	if nc.cfg.PoolSize > 0 {
		close(nc.tickerStop)
	}
	nc.poolMu.Lock()
	nc.poolStop = true
	nc.poolMu.Unlock()
	nc.poolCond.Broadcast()
	nc.wg.Wait()

	nc.serversMu.Lock()
	servers := make([]*Server, 0, len(nc.servers))
	for s := range nc.servers {
		servers = append(servers, s)
	}
	nc.servers = make(map[*Server]struct{})
	nc.serversMu.Unlock()
	for _, s := range servers {
		if err := s.Stop(); err != nil && !isAlreadyClosed(err) {
			log.Warn().Err(err).Msg("server_stop_failed")
		}
	}

	nc.clientsMu.Lock()
	clients := make([]*Client, 0, len(nc.clients))
	for c := range nc.clients {
		clients = append(clients, c)
	}
	nc.clients = make(map[*Client]struct{})
	nc.clientsMu.Unlock()
	for _, c := range clients {
		if err := c.Close(); err != nil && !isAlreadyClosed(err) {
			log.Warn().Err(err).Msg("client_close_failed")
		}
	}

	nc.endpointsMu.Lock()
	nc.endpoints = make(map[*Endpoint]struct{})
	nc.endpointsMu.Unlock()
	return nil
}

func isAlreadyClosed(err error) bool {
	return errors.Is(err, ErrInvalidState)
}
