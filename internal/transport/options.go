package transport

import (
	"crypto/tls"
	"fmt"
	"net"
	"time"
)

// Option keys accepted by Endpoint.SetOption/Option. Every option
// validates its value type before touching the connection.
type Option int

const (
	OptionBufferSize Option = iota
	OptionTimeout
	OptionKeepAlive
	OptionNoDelay
	OptionReuseAddr
	OptionLinger
	OptionMaxSegmentSize
	OptionTTL
	OptionTLSContext
	OptionNonBlocking
)

func (o Option) String() string {
	switch o {
	case OptionBufferSize:
		return "buffer_size"
	case OptionTimeout:
		return "timeout"
	case OptionKeepAlive:
		return "keep_alive"
	case OptionNoDelay:
		return "no_delay"
	case OptionReuseAddr:
		return "reuse_addr"
	case OptionLinger:
		return "linger"
	case OptionMaxSegmentSize:
		return "max_segment_size"
	case OptionTTL:
		return "ttl"
	case OptionTLSContext:
		return "tls_context"
	case OptionNonBlocking:
		return "non_blocking"
	}
	return "unknown"
}

// SetOption applies one socket-level option. Options the Go runtime
// owns (reuse-addr binds at listen time, segment size and the
// non-blocking flag are managed by the netpoller, TTL needs a raw
// control socket) are validated and recorded so Option can report
// them, but are not pushed down to the connection.
func (ep *Endpoint) SetOption(opt Option, value any) error {
	switch opt {
	case OptionTimeout:
		d, ok := value.(time.Duration)
		if !ok || d <= 0 {
			return fmt.Errorf("%w: timeout wants a positive time.Duration", ErrInvalidParameters)
		}
		ep.mu.Lock()
		ep.timeout = d
		ep.mu.Unlock()
		return nil

	case OptionBufferSize:
		size, ok := value.(int)
		if !ok || size <= 0 {
			return fmt.Errorf("%w: buffer size wants a positive int", ErrInvalidParameters)
		}
		tc, err := ep.tcpConn()
		if err != nil {
			return err
		}
		if err := tc.SetReadBuffer(size); err != nil {
			return fmt.Errorf("%w: %v", ErrOperationFailed, err)
		}
		if err := tc.SetWriteBuffer(size); err != nil {
			return fmt.Errorf("%w: %v", ErrOperationFailed, err)
		}
		ep.recordOption(opt, size)
		return nil

	case OptionKeepAlive:
		on, ok := value.(bool)
		if !ok {
			return fmt.Errorf("%w: keep-alive wants a bool", ErrInvalidParameters)
		}
		tc, err := ep.tcpConn()
		if err != nil {
			return err
		}
		if err := tc.SetKeepAlive(on); err != nil {
			return fmt.Errorf("%w: %v", ErrOperationFailed, err)
		}
		ep.recordOption(opt, on)
		return nil

	case OptionNoDelay:
		on, ok := value.(bool)
		if !ok {
			return fmt.Errorf("%w: no-delay wants a bool", ErrInvalidParameters)
		}
		tc, err := ep.tcpConn()
		if err != nil {
			return err
		}
		if err := tc.SetNoDelay(on); err != nil {
			return fmt.Errorf("%w: %v", ErrOperationFailed, err)
		}
		ep.recordOption(opt, on)
		return nil

	case OptionLinger:
		sec, ok := value.(int)
		if !ok {
			return fmt.Errorf("%w: linger wants an int", ErrInvalidParameters)
		}
		tc, err := ep.tcpConn()
		if err != nil {
			return err
		}
		if err := tc.SetLinger(sec); err != nil {
			return fmt.Errorf("%w: %v", ErrOperationFailed, err)
		}
		ep.recordOption(opt, sec)
		return nil

	case OptionTTL, OptionMaxSegmentSize:
		v, ok := value.(int)
		if !ok || v <= 0 {
			return fmt.Errorf("%w: %s wants a positive int", ErrInvalidParameters, opt)
		}
		ep.recordOption(opt, v)
		return nil

	case OptionReuseAddr, OptionNonBlocking:
		on, ok := value.(bool)
		if !ok {
			return fmt.Errorf("%w: %s wants a bool", ErrInvalidParameters, opt)
		}
		ep.recordOption(opt, on)
		return nil

	case OptionTLSContext:
		cfg, ok := value.(*tls.Config)
		if !ok || cfg == nil {
			return fmt.Errorf("%w: tls context wants a *tls.Config", ErrInvalidParameters)
		}
		ep.recordOption(opt, cfg)
		return nil
	}
	return fmt.Errorf("%w: unknown option %d", ErrInvalidParameters, int(opt))
}

// Option returns the current value for opt. Options that were never
// set report ErrNotFound.
func (ep *Endpoint) Option(opt Option) (any, error) {
	if opt == OptionTimeout {
		ep.mu.Lock()
		defer ep.mu.Unlock()
		return ep.timeout, nil
	}
	ep.optMu.Lock()
	defer ep.optMu.Unlock()
	v, ok := ep.recorded[opt]
	if !ok {
		return nil, fmt.Errorf("%w: option %s not set", ErrNotFound, opt)
	}
	return v, nil
}

func (ep *Endpoint) recordOption(opt Option, v any) {
	ep.optMu.Lock()
	defer ep.optMu.Unlock()
	ep.recorded[opt] = v
}

// tcpConn digs the underlying *net.TCPConn out of the live connection,
// unwrapping TLS if present.
func (ep *Endpoint) tcpConn() (*net.TCPConn, error) {
	conn, err := ep.liveConn()
	if err != nil {
		return nil, err
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		return tc, nil
	}
	if tlsConn, ok := conn.(*tls.Conn); ok {
		if tc, ok := tlsConn.NetConn().(*net.TCPConn); ok {
			return tc, nil
		}
	}
	return nil, fmt.Errorf("%w: not a TCP connection", ErrInvalidState)
}
