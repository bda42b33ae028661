package transport

import (
	"bytes"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/danmuck/netwire/internal/protocol"
	"github.com/danmuck/netwire/internal/testutil/testlog"
	"github.com/danmuck/netwire/internal/wire"
)

// startServer starts a loopback server on an ephemeral port and returns
// it with its bound port.
func startServer(t *testing.T, cfg ServerConfig) (*Server, int) {
	t.Helper()
	cfg.BindAddress = "127.0.0.1"
	cfg.Port = 0
	if cfg.Codec == nil {
		cfg.Codec = protocol.JSONCodec{}
	}
	srv, err := NewServer(cfg)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	if err := srv.Start(); err != nil {
		t.Fatalf("start server: %v", err)
	}
	t.Cleanup(func() { _ = srv.Stop() })
	return srv, srv.Addr().(*net.TCPAddr).Port
}

func TestClientServerMessageRoundTrip(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultServerConfig()
	cfg.Workers = 1
	cfg.DefaultHandler = func(_ *Server, _ *Endpoint, msg *protocol.Message) (*protocol.Message, error) {
		return &protocol.Message{
			Type:   protocol.MsgResponse,
			Method: msg.Method,
			Body:   append([]byte("echo:"), msg.Body...),
		}, nil
	}
	_, port := startServer(t, cfg)

	client := NewClient(DefaultClientConfig())
	defer client.Close()
	if _, err := client.Connect("127.0.0.1", port); err != nil {
		t.Fatalf("connect: %v", err)
	}

	resp, err := client.SendMessage(&protocol.Message{
		Type:   protocol.MsgRequest,
		Method: "invoke",
		Body:   []byte("payload"),
	}, 5*time.Second, true)
	if err != nil {
		t.Fatalf("send message: %v", err)
	}
	if resp.Type != protocol.MsgResponse || resp.Method != "invoke" {
		t.Fatalf("response header: %+v", resp)
	}
	if !bytes.Equal(resp.Body, []byte("echo:payload")) {
		t.Fatalf("response body: %q", resp.Body)
	}
	if client.PendingRequests() != 0 {
		t.Fatalf("pending table not drained: %d", client.PendingRequests())
	}
}

func TestRegisteredHandlerBeatsDefault(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultServerConfig()
	cfg.Workers = 1
	cfg.DefaultHandler = func(_ *Server, _ *Endpoint, _ *protocol.Message) (*protocol.Message, error) {
		return &protocol.Message{Type: protocol.MsgResponse, Body: []byte("default")}, nil
	}
	srv, port := startServer(t, cfg)
	if err := srv.RegisterHandler(protocol.MsgRequest, func(_ *Server, _ *Endpoint, _ *protocol.Message) (*protocol.Message, error) {
		return &protocol.Message{Type: protocol.MsgResponse, Body: []byte("typed")}, nil
	}); err != nil {
		t.Fatalf("register handler: %v", err)
	}
	if err := srv.RegisterHandler(protocol.MsgRequest, nil); !errors.Is(err, ErrInvalidParameters) {
		t.Fatalf("nil handler: expected ErrInvalidParameters, got %v", err)
	}

	client := NewClient(DefaultClientConfig())
	defer client.Close()
	if _, err := client.Connect("127.0.0.1", port); err != nil {
		t.Fatalf("connect: %v", err)
	}
	resp, err := client.SendMessage(&protocol.Message{Type: protocol.MsgRequest, Method: "m"}, 5*time.Second, true)
	if err != nil {
		t.Fatalf("send message: %v", err)
	}
	if string(resp.Body) != "typed" {
		t.Fatalf("expected typed handler, got %q", resp.Body)
	}
}

func TestSendMessageTimeout(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultServerConfig()
	cfg.Workers = 1
	cfg.EnableProtocolDispatch = false
	_, port := startServer(t, cfg)

	client := NewClient(DefaultClientConfig())
	defer client.Close()
	if _, err := client.Connect("127.0.0.1", port); err != nil {
		t.Fatalf("connect: %v", err)
	}

	start := time.Now()
	_, err := client.SendMessage(&protocol.Message{Type: protocol.MsgRequest, Method: "m"}, 300*time.Millisecond, true)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed < 300*time.Millisecond || elapsed > 3*time.Second {
		t.Fatalf("timeout after %v", elapsed)
	}
	if client.PendingRequests() != 0 {
		t.Fatalf("timed-out entry not removed: %d", client.PendingRequests())
	}
}

func TestSendMessageFireAndForget(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultServerConfig()
	cfg.Workers = 1
	_, port := startServer(t, cfg)

	client := NewClient(DefaultClientConfig())
	defer client.Close()
	if _, err := client.Connect("127.0.0.1", port); err != nil {
		t.Fatalf("connect: %v", err)
	}
	resp, err := client.SendMessage(&protocol.Message{Type: protocol.MsgEvent, Method: "notify"}, time.Second, false)
	if err != nil {
		t.Fatalf("send event: %v", err)
	}
	if resp != nil {
		t.Fatalf("fire-and-forget returned a response: %+v", resp)
	}
	if client.PendingRequests() != 0 {
		t.Fatalf("event left a pending entry")
	}
}

func TestConnectValidation(t *testing.T) {
	testlog.Start(t)
	client := NewClient(DefaultClientConfig())
	defer client.Close()
	if _, err := client.Connect("", 80); !errors.Is(err, ErrInvalidParameters) {
		t.Fatalf("empty address: expected ErrInvalidParameters, got %v", err)
	}
	if _, err := client.Connect("127.0.0.1", 0); !errors.Is(err, ErrInvalidParameters) {
		t.Fatalf("port 0: expected ErrInvalidParameters, got %v", err)
	}
	if _, err := client.Connect("127.0.0.1", 70000); !errors.Is(err, ErrInvalidParameters) {
		t.Fatalf("port 70000: expected ErrInvalidParameters, got %v", err)
	}
}

func TestConnectRefused(t *testing.T) {
	testlog.Start(t)
	// Bind then close to get a port nothing listens on.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	_ = ln.Close()

	cfg := DefaultClientConfig()
	cfg.ConnectTimeout = time.Second
	client := NewClient(cfg)
	defer client.Close()
	if _, err := client.Connect("127.0.0.1", port); !errors.Is(err, ErrOperationFailed) {
		t.Fatalf("expected ErrOperationFailed, got %v", err)
	}
}

func TestClassifyDialError(t *testing.T) {
	testlog.Start(t)
	cases := []struct {
		name string
		err  error
		want error
	}{
		{"unresolvable host", &net.OpError{Op: "dial", Err: &net.DNSError{Err: "no such host", Name: "nowhere", IsNotFound: true}}, ErrInvalidParameters},
		{"dns server failure", &net.DNSError{Err: "server misbehaving", Name: "nowhere", IsTemporary: true}, ErrOperationFailed},
		{"malformed address", &net.AddrError{Err: "too many colons", Addr: "a:b:c"}, ErrInvalidParameters},
		{"dial timeout", &net.DNSError{Err: "i/o timeout", Name: "slow", IsTimeout: true}, ErrTimeout},
		{"refused", errors.New("connection refused"), ErrOperationFailed},
	}
	for _, tc := range cases {
		if got := classifyDialError("host:1", tc.err); !errors.Is(got, tc.want) {
			t.Fatalf("%s: classified as %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestDisconnectUnownedEndpoint(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultServerConfig()
	cfg.Workers = 1
	_, port := startServer(t, cfg)

	owner := NewClient(DefaultClientConfig())
	defer owner.Close()
	ep, err := owner.Connect("127.0.0.1", port)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}

	other := NewClient(DefaultClientConfig())
	defer other.Close()
	if err := other.Disconnect(ep); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := owner.Disconnect(ep); err != nil {
		t.Fatalf("owner disconnect: %v", err)
	}
	if ep.State() != StateDisconnected {
		t.Fatalf("endpoint not closed: %v", ep.State())
	}
}

func TestBroadcastCountsFailures(t *testing.T) {
	testlog.Start(t)
	srv, port := startServer(t, DefaultServerConfig())

	clients := make([]*Client, 3)
	for i := range clients {
		clients[i] = NewClient(DefaultClientConfig())
		defer clients[i].Close()
		if _, err := clients[i].Connect("127.0.0.1", port); err != nil {
			t.Fatalf("connect %d: %v", i, err)
		}
		if _, err := srv.Accept(time.Second); err != nil {
			t.Fatalf("accept %d: %v", i, err)
		}
	}
	eps := srv.Endpoints()
	if len(eps) != 3 {
		t.Fatalf("accepted %d endpoints", len(eps))
	}
	if err := eps[0].Close(); err != nil {
		t.Fatalf("close endpoint: %v", err)
	}

	pkt := wire.NewFromBytes([]byte("announce"), false)
	sent, failed, err := srv.Broadcast(pkt, time.Second)
	if err != nil {
		t.Fatalf("broadcast: %v", err)
	}
	if sent != 2 || failed != 1 {
		t.Fatalf("broadcast sent=%d failed=%d", sent, failed)
	}
	if _, _, err := srv.Broadcast(nil, time.Second); !errors.Is(err, ErrInvalidParameters) {
		t.Fatalf("nil packet: expected ErrInvalidParameters, got %v", err)
	}
}

func TestAcceptNonBlocking(t *testing.T) {
	testlog.Start(t)
	srv, _ := startServer(t, DefaultServerConfig())
	start := time.Now()
	if _, err := srv.Accept(0); !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Fatalf("non-blocking accept took %v", time.Since(start))
	}
}

func TestWorkerAcceptSliceFromConfig(t *testing.T) {
	testlog.Start(t)
	srv, err := NewServer(ServerConfig{AcceptTimeout: 75 * time.Millisecond})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	if got := srv.acceptSlice(); got != 75*time.Millisecond {
		t.Fatalf("accept slice %v", got)
	}
	srv, err = NewServer(ServerConfig{})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	if got := srv.acceptSlice(); got != defaultAcceptSlice {
		t.Fatalf("fallback accept slice %v", got)
	}
}

func TestIdleEndpointsReaped(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultServerConfig()
	cfg.IdleTimeout = 100 * time.Millisecond
	srv, port := startServer(t, cfg)

	client := NewClient(DefaultClientConfig())
	defer client.Close()
	if _, err := client.Connect("127.0.0.1", port); err != nil {
		t.Fatalf("connect: %v", err)
	}
	ep, err := srv.Accept(time.Second)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}

	// Still inside the idle window: the endpoint survives a poll pass.
	srv.PollEndpoints(time.Millisecond)
	if len(srv.Endpoints()) != 1 {
		t.Fatalf("fresh endpoint reaped early")
	}

	time.Sleep(150 * time.Millisecond)
	srv.PollEndpoints(time.Millisecond)
	if len(srv.Endpoints()) != 0 {
		t.Fatalf("idle endpoint not reaped")
	}
	if ep.State() != StateDisconnected {
		t.Fatalf("reaped endpoint not closed: %v", ep.State())
	}
}

func TestServerStopTwice(t *testing.T) {
	testlog.Start(t)
	srv, err := NewServer(ServerConfig{BindAddress: "127.0.0.1", Port: 0})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	if err := srv.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := srv.Stop(); err != nil {
		t.Fatalf("first stop: %v", err)
	}
	if err := srv.Stop(); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("second stop: expected ErrInvalidState, got %v", err)
	}
}

func TestServerStopClosesEndpoints(t *testing.T) {
	testlog.Start(t)
	srv, port := startServer(t, DefaultServerConfig())
	client := NewClient(DefaultClientConfig())
	defer client.Close()
	if _, err := client.Connect("127.0.0.1", port); err != nil {
		t.Fatalf("connect: %v", err)
	}
	ep, err := srv.Accept(time.Second)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if err := srv.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if ep.State() != StateDisconnected {
		t.Fatalf("accepted endpoint survived stop: %v", ep.State())
	}
}

func TestRawSendReceive(t *testing.T) {
	testlog.Start(t)
	srv, port := startServer(t, DefaultServerConfig())
	client := NewClient(DefaultClientConfig())
	defer client.Close()
	cep, err := client.Connect("127.0.0.1", port)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	sep, err := srv.Accept(time.Second)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}

	pkt := wire.NewFromBytes([]byte("raw bytes"), false)
	pkt.Type = 200
	if err := client.Send(cep, pkt, time.Second); err != nil {
		t.Fatalf("client send: %v", err)
	}
	got, err := srv.Receive(sep, time.Second)
	if err != nil {
		t.Fatalf("server receive: %v", err)
	}
	if got.Type != 200 || !bytes.Equal(got.Data(), pkt.Data()) {
		t.Fatalf("received %+v %q", got, got.Data())
	}

	reply := wire.NewFromBytes([]byte("reply"), false)
	if err := srv.Send(sep, reply, time.Second); err != nil {
		t.Fatalf("server send: %v", err)
	}
	back, err := client.Receive(cep, time.Second)
	if err != nil {
		t.Fatalf("client receive: %v", err)
	}
	if !bytes.Equal(back.Data(), []byte("reply")) {
		t.Fatalf("reply payload %q", back.Data())
	}
}
