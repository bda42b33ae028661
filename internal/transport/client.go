package transport

import (
	"crypto/tls"
	"errors"
	"fmt"
	"math/rand"
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

// pollSlice is the read-deadline slice used while waiting for a
// response inside SendMessage.
const pollSlice = 50 * time.Millisecond

// ClientConfig carries connection and correlation defaults for one
// client.
type ClientConfig struct {
	ConnectTimeout   time.Duration
	OperationTimeout time.Duration
	TLS              *tls.Config
	Reconnect        bool
	MaxReconnects    int
	Backoff          BackoffConfig
	Codec            protocol.Codec
	ErrorCallback    func(ep *Endpoint, err error)
}

func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		ConnectTimeout:   5 * time.Second,
		OperationTimeout: 15 * time.Second,
		MaxReconnects:    5,
		Backoff:          DefaultBackoffConfig(),
		Codec:            protocol.JSONCodec{},
	}
}

// Client owns dialed endpoints, the request-id counter and the
// pending-request table correlating outbound requests with inbound
// responses.
type Client struct {
	cfg ClientConfig
	ctx *NetworkContext

	mu          sync.Mutex
	endpoints   []*Endpoint
	lastAddress string
	lastPort    int
	closed      bool

	nextID       atomic.Uint32
	pending      *pendingTable
	reconnecting atomic.Bool

	// sendFlags carries the context-wide compression/encryption flag
	// bits stamped on every outbound protocol packet.
	sendFlags uint32
}

// NewClient creates a standalone client. Clients created through a
// NetworkContext are additionally registered for shared polling.
func NewClient(cfg ClientConfig) *Client {
	if cfg.Codec == nil {
		cfg.Codec = protocol.JSONCodec{}
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	if cfg.OperationTimeout <= 0 {
		cfg.OperationTimeout = 15 * time.Second
	}
	if cfg.MaxReconnects <= 0 {
		cfg.MaxReconnects = 5
	}
	return &Client{
		cfg:     cfg,
		pending: newPendingTable(),
	}
}

// Connect dials address:port within the configured connect timeout,
// wraps the connection in an endpoint and registers it with the client
// and (when owned) the context. A malformed address reports
// ErrInvalidParameters, an elapsed deadline ErrTimeout, anything else
// ErrOperationFailed.
func (c *Client) Connect(address string, port int) (*Endpoint, error) {
	address = strings.TrimSpace(address)
	if address == "" || port <= 0 || port > 65535 {
		return nil, fmt.Errorf("%w: address %q port %d", ErrInvalidParameters, address, port)
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: client closed", ErrInvalidState)
	}
	c.mu.Unlock()

	target := net.JoinHostPort(address, strconv.Itoa(port))
	dialer := net.Dialer{Timeout: c.cfg.ConnectTimeout}
	conn, err := dialer.Dial("tcp", target)
	if err != nil {
		return nil, classifyDialError(target, err)
	}

	if c.cfg.TLS != nil {
		tlsConn := tls.Client(conn, c.cfg.TLS)
		_ = tlsConn.SetDeadline(time.Now().Add(c.cfg.ConnectTimeout))
		if err := tlsConn.Handshake(); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("%w: tls handshake: %v", ErrOperationFailed, err)
		}
		_ = tlsConn.SetDeadline(time.Time{})
		conn = tlsConn
	}

	ep, err := newEndpoint(conn, KindClient, c.eventSink)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if c.ctx != nil {
		if err := c.ctx.registerEndpoint(ep); err != nil {
			_ = ep.Close()
			return nil, err
		}
	}

	c.mu.Lock()
	c.endpoints = append(c.endpoints, ep)
	c.lastAddress = address
	c.lastPort = port
	c.mu.Unlock()

	log.Debug().Str("peer", ep.PeerID()).Bool("secure", ep.Info().Secure).Msg("client_connected")
	return ep, nil
}

// classifyDialError maps a dial failure onto the boundary error set.
// Malformed addresses and unresolvable hostnames are the caller's
// fault; an elapsed deadline is a timeout; everything else is an
// operation failure.
func classifyDialError(target string, err error) error {
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return fmt.Errorf("%w: connect %s", ErrTimeout, target)
	}
	var aerr *net.AddrError
	if errors.As(err, &aerr) {
		return fmt.Errorf("%w: %v", ErrInvalidParameters, err)
	}
	var derr *net.DNSError
	if errors.As(err, &derr) && derr.IsNotFound {
		return fmt.Errorf("%w: %v", ErrInvalidParameters, err)
	}
	return fmt.Errorf("%w: connect %s: %v", ErrOperationFailed, target, err)
}

// Disconnect drains pending requests bound to ep, removes it from the
// registries and closes it. Requests in flight on the endpoint are
// discarded, not completed.
func (c *Client) Disconnect(ep *Endpoint) error {
	if ep == nil {
		return ErrInvalidParameters
	}
	if !c.removeEndpoint(ep) {
		return fmt.Errorf("%w: endpoint not owned by client", ErrNotFound)
	}
	dropped := c.pending.dropEndpoint(ep)
	if dropped > 0 {
		log.Debug().Int("dropped", dropped).Str("peer", ep.PeerID()).Msg("pending_requests_discarded")
	}
	if c.ctx != nil {
		c.ctx.deregisterEndpoint(ep)
	}
	return ep.Close()
}

// Send writes pkt to ep, retrying partial writes until the whole frame
// is flushed or the timeout elapses.
func (c *Client) Send(ep *Endpoint, pkt *wire.Packet, timeout time.Duration) error {
	if ep == nil || pkt == nil {
		return ErrInvalidParameters
	}
	if !c.ownsEndpoint(ep) {
		return fmt.Errorf("%w: endpoint not owned by client", ErrNotFound)
	}
	if _, err := ep.sendPacket(pkt, timeout); err != nil {
		c.reportError(ep, err)
		return err
	}
	observability.RecordPacketSent("client", pkt.Len())
	return nil
}

// Receive reads one framed packet from ep. A closed peer reports
// ErrConnectionClosed and drops the endpoint from the registries.
func (c *Client) Receive(ep *Endpoint, timeout time.Duration) (*wire.Packet, error) {
	if ep == nil {
		return nil, ErrInvalidParameters
	}
	if !c.ownsEndpoint(ep) {
		return nil, fmt.Errorf("%w: endpoint not owned by client", ErrNotFound)
	}
	pkt, err := ep.receivePacket(timeout)
	if err != nil {
		if errors.Is(err, ErrConnectionClosed) {
			c.handlePeerClose(ep)
		} else if !errors.Is(err, ErrTimeout) {
			c.reportError(ep, err)
		}
		return nil, err
	}
	observability.RecordPacketReceived("client", pkt.Len())
	return pkt, nil
}

// SendMessage serializes msg through the codec, sends it as a
// PROTOCOL-flagged packet with a fresh request id and, when a response
// is expected, polls ProcessEvents until the response arrives or the
// deadline passes. The pending entry is removed either way; a late
// response is discarded.
func (c *Client) SendMessage(msg *protocol.Message, timeout time.Duration, expectResponse bool) (*protocol.Message, error) {
	ep, err := c.primaryEndpoint()
	if err != nil {
		return nil, err
	}
	return c.SendMessageTo(ep, msg, timeout, expectResponse)
}

// SendMessageTo is SendMessage addressed at one specific endpoint.
func (c *Client) SendMessageTo(ep *Endpoint, msg *protocol.Message, timeout time.Duration, expectResponse bool) (*protocol.Message, error) {
	if ep == nil || msg == nil {
		return nil, ErrInvalidParameters
	}
	if !c.ownsEndpoint(ep) {
		return nil, fmt.Errorf("%w: endpoint not owned by client", ErrNotFound)
	}
	if timeout <= 0 {
		timeout = c.cfg.OperationTimeout
	}

	id := c.nextID.Add(1)
	msg.ID = id
	payload, err := c.cfg.Codec.SerializeMessage(msg)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidParameters, err)
	}

	pkt := wire.NewFromBytes(payload, true)
	pkt.Type = msg.Type
	pkt.ID = id
	pkt.SetFlag(wire.FlagProtocol | c.sendFlags)

	if expectResponse {
		c.pending.add(id, ep, timeout)
	}
	start := time.Now()
	if err := c.Send(ep, pkt, timeout); err != nil {
		c.pending.remove(id)
		return nil, err
	}
	if !expectResponse {
		return nil, nil
	}

	deadline := start.Add(timeout)
	for {
		if resp, ok := c.pending.takeCompleted(id); ok {
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
		c.ProcessEvents(slice)
	}
	c.pending.remove(id)
	return nil, fmt.Errorf("%w: request %d", ErrTimeout, id)
}

// ProcessEvents polls every live endpoint for readability once,
// resolves pending requests from arriving protocol packets and
// garbage-collects entries whose own deadlines elapsed. A timeout of 0
// is a non-blocking poll. It returns the number of packets consumed.
func (c *Client) ProcessEvents(timeout time.Duration) int {
	if timeout <= 0 {
		timeout = time.Millisecond
	}
	processed := 0
	for _, ep := range c.Endpoints() {
		if ep.State() != StateConnected {
			continue
		}
		pkt, err := ep.receivePacket(timeout)
		if err != nil {
			if errors.Is(err, ErrConnectionClosed) {
				c.handlePeerClose(ep)
			} else if !errors.Is(err, ErrTimeout) && !errors.Is(err, ErrInvalidState) {
				c.reportError(ep, err)
			}
			continue
		}
		processed++
		observability.RecordPacketReceived("client", pkt.Len())
		c.consumePacket(ep, pkt)
	}

	for _, id := range c.pending.expire(time.Now()) {
		log.Debug().Uint32("request_id", id).Msg("pending_request_expired")
	}
	return processed
}

func (c *Client) consumePacket(ep *Endpoint, pkt *wire.Packet) {
	if !pkt.HasFlag(wire.FlagProtocol) {
		return
	}
	msg, err := c.cfg.Codec.DeserializeMessage(pkt.Data())
	if err != nil {
		c.reportError(ep, fmt.Errorf("%w: %v", ErrOperationFailed, err))
		return
	}
	if !c.pending.complete(msg.ID, msg) {
		log.Debug().Uint32("request_id", msg.ID).Msg("late_response_discarded")
	}
}

// Endpoints returns a snapshot of the client's endpoint registry.
func (c *Client) Endpoints() []*Endpoint {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Endpoint, len(c.endpoints))
	copy(out, c.endpoints)
	return out
}

// PendingRequests returns the number of in-flight request entries.
func (c *Client) PendingRequests() int {
	return c.pending.len()
}

// Close disconnects every endpoint and marks the client unusable.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("%w: client closed", ErrInvalidState)
	}
	c.closed = true
	eps := make([]*Endpoint, len(c.endpoints))
	copy(eps, c.endpoints)
	c.endpoints = nil
	c.mu.Unlock()

	for _, ep := range eps {
		c.pending.dropEndpoint(ep)
		if c.ctx != nil {
			c.ctx.deregisterEndpoint(ep)
		}
		if ep.State() != StateDisconnected {
			_ = ep.Close()
		}
	}
	return nil
}

func (c *Client) primaryEndpoint() (*Endpoint, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ep := range c.endpoints {
		if ep.State() == StateConnected {
			return ep, nil
		}
	}
	return nil, fmt.Errorf("%w: no connected endpoint", ErrNotFound)
}

func (c *Client) ownsEndpoint(ep *Endpoint) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.endpoints {
		if e == ep {
			return true
		}
	}
	return false
}

func (c *Client) removeEndpoint(ep *Endpoint) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, e := range c.endpoints {
		if e == ep {
			c.endpoints = append(c.endpoints[:i], c.endpoints[i+1:]...)
			return true
		}
	}
	return false
}

// handlePeerClose tears down an endpoint whose peer went away and,
// when enabled, kicks off the reconnect policy. The policy only
// re-establishes the connection; requests that were in flight stay
// discarded.
func (c *Client) handlePeerClose(ep *Endpoint) {
	if !c.removeEndpoint(ep) {
		return
	}
	c.pending.dropEndpoint(ep)
	if c.ctx != nil {
		c.ctx.deregisterEndpoint(ep)
	}
	if ep.State() != StateDisconnected {
		_ = ep.Close()
	}

	c.mu.Lock()
	shouldReconnect := c.cfg.Reconnect && !c.closed && c.lastAddress != ""
	c.mu.Unlock()
	if shouldReconnect {
		go c.reconnect()
	}
}

func (c *Client) reconnect() {
	if !c.reconnecting.CompareAndSwap(false, true) {
		return
	}
	defer c.reconnecting.Store(false)

	c.mu.Lock()
	address, port := c.lastAddress, c.lastPort
	c.mu.Unlock()

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	for attempt := 1; attempt <= c.cfg.MaxReconnects; attempt++ {
		time.Sleep(NextBackoffDelay(c.cfg.Backoff, attempt, rng))
		c.mu.Lock()
		closed := c.closed
		c.mu.Unlock()
		if closed {
			return
		}
		if _, err := c.Connect(address, port); err == nil {
			log.Info().Str("address", address).Int("port", port).Int("attempt", attempt).Msg("client_reconnected")
			return
		}
		log.Warn().Str("address", address).Int("port", port).Int("attempt", attempt).Msg("reconnect_failed")
	}
}

func (c *Client) reportError(ep *Endpoint, err error) {
	observability.RecordTransportError("client")
	if c.cfg.ErrorCallback != nil {
		c.cfg.ErrorCallback(ep, err)
	}
	if c.ctx != nil {
		c.ctx.DispatchEvent(Event{Type: EventError, Endpoint: ep, Err: err})
	}
}

func (c *Client) eventSink(ev Event) {
	switch ev.Type {
	case EventConnect:
		observability.RecordConnection("client")
	case EventDisconnect:
		observability.RecordDisconnection("client")
	}
	if c.ctx != nil {
		c.ctx.DispatchEvent(ev)
	}
}
