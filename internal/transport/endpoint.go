package transport

import (
	"bytes"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/danmuck/netwire/internal/wire"
)

// Kind distinguishes dialed endpoints from accepted ones.
type Kind uint8

const (
	KindClient Kind = iota
	KindServer
)

func (k Kind) String() string {
	if k == KindServer {
		return "server"
	}
	return "client"
}

// State is the endpoint lifecycle state. Transitions are
// one-directional; Disconnected is terminal and reached exactly once.
type State uint8

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateDisconnecting
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	}
	return "disconnected"
}

// DefaultEndpointTimeout bounds blocking I/O when the caller passes 0.
const DefaultEndpointTimeout = 30 * time.Second

// EndpointInfo is a plain snapshot of endpoint identity and addresses.
type EndpointInfo struct {
	Kind         Kind
	State        State
	PeerAddress  string
	PeerPort     int
	LocalAddress string
	LocalPort    int
	PeerID       string
	Secure       bool
	ConnectedAt  time.Time
}

// Endpoint owns one live connection. It wraps the raw conn in a
// close-once guard: after Close succeeds every further operation
// reports ErrInvalidState, so a stale registry reference can never
// double-close or write through a freed handle.
type Endpoint struct {
	mu    sync.Mutex
	state State
	conn  net.Conn

	kind         Kind
	secure       bool
	peerAddress  string
	peerPort     int
	localAddress string
	localPort    int
	peerID       string
	connectedAt  time.Time

	timeout time.Duration
	limits  wire.Limits

	// readMu and writeMu serialize framed I/O per direction so that
	// concurrent pollers never interleave partial frames on the wire.
	readMu  sync.Mutex
	writeMu sync.Mutex

	userMu   sync.Mutex
	userData any

	cbMu      sync.RWMutex
	callbacks map[EventType]EventCallback
	sink      EventCallback

	statsMu         sync.Mutex
	bytesSent       uint64
	bytesReceived   uint64
	packetsSent     uint64
	packetsReceived uint64
	latency         time.Duration
	lastActivity    time.Time

	optMu    sync.Mutex
	recorded map[Option]any
}

// newEndpoint wraps an established connection. It captures peer and
// local addresses from the connection itself, defaults the I/O timeout
// and derives the peer id as "address:port". The sink receives every
// event the endpoint emits, after the per-type callback.
func newEndpoint(conn net.Conn, kind Kind, sink EventCallback) (*Endpoint, error) {
	if conn == nil {
		return nil, ErrInvalidParameters
	}
	ep := &Endpoint{
		state:       StateConnected,
		conn:        conn,
		kind:        kind,
		connectedAt: time.Now(),
		timeout:     DefaultEndpointTimeout,
		limits:      wire.DefaultLimits(),
		callbacks:   make(map[EventType]EventCallback),
		sink:        sink,
		recorded:    make(map[Option]any),
	}
	if _, ok := conn.(*tls.Conn); ok {
		ep.secure = true
	}
	ep.peerAddress, ep.peerPort = splitAddr(conn.RemoteAddr())
	ep.localAddress, ep.localPort = splitAddr(conn.LocalAddr())
	ep.peerID = net.JoinHostPort(ep.peerAddress, strconv.Itoa(ep.peerPort))
	ep.emit(Event{Type: EventConnect, Endpoint: ep})
	return ep, nil
}

func splitAddr(addr net.Addr) (string, int) {
	if addr == nil {
		return "", 0
	}
	host, portStr, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String(), 0
	}
	port, _ := strconv.Atoi(portStr)
	return host, port
}

// Kind returns whether the endpoint was dialed or accepted.
func (ep *Endpoint) Kind() Kind {
	return ep.kind
}

// State returns the current lifecycle state.
func (ep *Endpoint) State() State {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	return ep.state
}

// PeerID returns the derived "address:port" peer identifier.
func (ep *Endpoint) PeerID() string {
	return ep.peerID
}

// Info returns a snapshot of endpoint identity and addresses.
func (ep *Endpoint) Info() EndpointInfo {
	ep.mu.Lock()
	state := ep.state
	ep.mu.Unlock()
	return EndpointInfo{
		Kind:         ep.kind,
		State:        state,
		PeerAddress:  ep.peerAddress,
		PeerPort:     ep.peerPort,
		LocalAddress: ep.localAddress,
		LocalPort:    ep.localPort,
		PeerID:       ep.peerID,
		Secure:       ep.secure,
		ConnectedAt:  ep.connectedAt,
	}
}

// SetUserData attaches opaque caller data to the endpoint.
func (ep *Endpoint) SetUserData(v any) {
	ep.userMu.Lock()
	defer ep.userMu.Unlock()
	ep.userData = v
}

// UserData returns the data set by SetUserData.
func (ep *Endpoint) UserData() any {
	ep.userMu.Lock()
	defer ep.userMu.Unlock()
	return ep.userData
}

// SetEventCallback registers cb for one event type. The latest
// registration for a type wins; a nil cb removes it.
func (ep *Endpoint) SetEventCallback(t EventType, cb EventCallback) error {
	if t >= eventTypeCount {
		return ErrInvalidParameters
	}
	ep.cbMu.Lock()
	defer ep.cbMu.Unlock()
	if cb == nil {
		delete(ep.callbacks, t)
		return nil
	}
	ep.callbacks[t] = cb
	return nil
}

func (ep *Endpoint) emit(ev Event) {
	ep.cbMu.RLock()
	cb := ep.callbacks[ev.Type]
	sink := ep.sink
	ep.cbMu.RUnlock()
	if cb != nil {
		cb(ev)
	}
	if sink != nil {
		sink(ev)
	}
}

// Stats refreshes uptime and returns a counter snapshot.
func (ep *Endpoint) Stats() EndpointStats {
	ep.statsMu.Lock()
	defer ep.statsMu.Unlock()
	return EndpointStats{
		BytesSent:       ep.bytesSent,
		BytesReceived:   ep.bytesReceived,
		PacketsSent:     ep.packetsSent,
		PacketsReceived: ep.packetsReceived,
		Uptime:          time.Since(ep.connectedAt),
		Latency:         ep.latency,
	}
}

func (ep *Endpoint) recordLatency(d time.Duration) {
	ep.statsMu.Lock()
	defer ep.statsMu.Unlock()
	ep.latency = d
}

// lastActive returns the time of the last completed send or receive,
// falling back to the connect time for endpoints that never moved a
// packet. Timed-out polls do not count as activity.
func (ep *Endpoint) lastActive() time.Time {
	ep.statsMu.Lock()
	defer ep.statsMu.Unlock()
	if ep.lastActivity.IsZero() {
		return ep.connectedAt
	}
	return ep.lastActivity
}

// Close releases the endpoint exactly once: it fires EventDisconnect
// if the endpoint was still connected, closes the connection (which
// also releases any TLS state) and transitions to the terminal
// Disconnected state. A second Close reports ErrInvalidState.
func (ep *Endpoint) Close() error {
	ep.mu.Lock()
	if ep.state == StateDisconnected {
		ep.mu.Unlock()
		return fmt.Errorf("%w: endpoint already closed", ErrInvalidState)
	}
	wasConnected := ep.state == StateConnected || ep.state == StateDisconnecting
	conn := ep.conn
	ep.state = StateDisconnected
	ep.conn = nil
	ep.mu.Unlock()

	if wasConnected {
		ep.emit(Event{Type: EventDisconnect, Endpoint: ep})
	}
	if conn != nil {
		if err := conn.Close(); err != nil {
			return fmt.Errorf("%w: %v", ErrOperationFailed, err)
		}
	}
	return nil
}

// markBroken transitions a connected endpoint to Disconnecting after
// the peer side went away. Close still performs the actual release.
func (ep *Endpoint) markBroken() {
	ep.mu.Lock()
	if ep.state == StateConnected {
		ep.state = StateDisconnecting
	}
	ep.mu.Unlock()
}

// liveConn returns the connection handle iff the endpoint is usable
// for I/O. The handle is only valid while the state is Connected.
func (ep *Endpoint) liveConn() (net.Conn, error) {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	switch ep.state {
	case StateConnected:
		return ep.conn, nil
	case StateDisconnected:
		return nil, fmt.Errorf("%w: endpoint closed", ErrInvalidState)
	default:
		return nil, ErrConnectionClosed
	}
}

// resolveTimeout maps a zero caller timeout to the configured default.
// The default is read under ep.mu because SetOption may retune it while
// another goroutine is in an I/O path.
func (ep *Endpoint) resolveTimeout(timeout time.Duration) time.Duration {
	if timeout > 0 {
		return timeout
	}
	ep.mu.Lock()
	defer ep.mu.Unlock()
	return ep.timeout
}

// sendPacket frames pkt and writes it fully, retrying partial writes
// until every byte is flushed or the deadline passes. No endpoint lock
// is held during the write.
func (ep *Endpoint) sendPacket(pkt *wire.Packet, timeout time.Duration) (int, error) {
	if pkt == nil {
		return 0, ErrInvalidParameters
	}
	conn, err := ep.liveConn()
	if err != nil {
		return 0, err
	}

	var buf bytes.Buffer
	if err := wire.WritePacket(&buf, pkt, ep.limits); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidParameters, err)
	}
	frame := buf.Bytes()

	ep.writeMu.Lock()
	defer ep.writeMu.Unlock()
	deadline := time.Now().Add(ep.resolveTimeout(timeout))
	if err := conn.SetWriteDeadline(deadline); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrOperationFailed, err)
	}
	written := 0
	for written < len(frame) {
		n, err := conn.Write(frame[written:])
		written += n
		if err != nil {
			// Partial writes are retried; hard errors are not.
			if n > 0 && !isFatalNetError(err) && time.Now().Before(deadline) {
				continue
			}
			return written, classifyNetError(err)
		}
	}

	ep.statsMu.Lock()
	ep.bytesSent += uint64(written)
	ep.packetsSent++
	ep.lastActivity = time.Now()
	ep.statsMu.Unlock()
	ep.emit(Event{Type: EventDataSent, Endpoint: ep, Bytes: pkt.Len()})
	return written, nil
}

// receivePacket reads one framed packet: the fixed-size header and
// length prefix first, then exactly the announced payload bytes. A
// closed peer surfaces as ErrConnectionClosed and flips the endpoint
// out of Connected.
func (ep *Endpoint) receivePacket(timeout time.Duration) (*wire.Packet, error) {
	conn, err := ep.liveConn()
	if err != nil {
		return nil, err
	}
	ep.readMu.Lock()
	if err := conn.SetReadDeadline(time.Now().Add(ep.resolveTimeout(timeout))); err != nil {
		ep.readMu.Unlock()
		return nil, fmt.Errorf("%w: %v", ErrOperationFailed, err)
	}
	pkt, err := wire.ReadPacket(conn, ep.limits)
	ep.readMu.Unlock()
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
			ep.markBroken()
			return nil, ErrConnectionClosed
		}
		return nil, classifyNetError(err)
	}

	framed := wire.HeaderLen + 4 + pkt.Len()
	ep.statsMu.Lock()
	ep.bytesReceived += uint64(framed)
	ep.packetsReceived++
	ep.lastActivity = time.Now()
	ep.statsMu.Unlock()
	ep.emit(Event{Type: EventDataReceived, Endpoint: ep, Bytes: pkt.Len()})
	return pkt, nil
}

func isFatalNetError(err error) bool {
	var nerr net.Error
	if errors.As(err, &nerr) {
		return !nerr.Timeout()
	}
	return true
}

func classifyNetError(err error) error {
	if err == nil {
		return nil
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return ErrConnectionClosed
	}
	return fmt.Errorf("%w: %v", ErrOperationFailed, err)
}
