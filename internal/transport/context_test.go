package transport

import (
	"bytes"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/netwire/internal/protocol"
	"github.com/danmuck/netwire/internal/testutil/testlog"
	"github.com/danmuck/netwire/internal/wire"
)

func newTestContext(t *testing.T, cfg Config) *NetworkContext {
	t.Helper()
	nc, err := NewNetworkContext(cfg)
	if err != nil {
		t.Fatalf("new context: %v", err)
	}
	t.Cleanup(func() {
		_ = nc.Close()
	})
	return nc
}

func TestContextConnectListenRoundTrip(t *testing.T) {
	testlog.Start(t)
	nc := newTestContext(t, DefaultConfig())

	srv, err := nc.Listen(ServerConfig{
		BindAddress:            "127.0.0.1",
		Port:                   0,
		Workers:                1,
		EnableProtocolDispatch: true,
		DefaultHandler: func(_ *Server, _ *Endpoint, msg *protocol.Message) (*protocol.Message, error) {
			return &protocol.Message{Type: protocol.MsgResponse, Body: msg.Body}, nil
		},
	})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := srv.Addr().(*net.TCPAddr).Port

	_, ep, err := nc.Connect("127.0.0.1", port)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	resp, err := nc.SendMessage(ep, &protocol.Message{
		Type:   protocol.MsgRequest,
		Method: "invoke",
		Body:   []byte("routed"),
	}, 5*time.Second, true)
	if err != nil {
		t.Fatalf("send message: %v", err)
	}
	if !bytes.Equal(resp.Body, []byte("routed")) {
		t.Fatalf("response body %q", resp.Body)
	}

	infos := nc.Endpoints()
	if len(infos) < 1 {
		t.Fatalf("endpoint registry empty")
	}
	snap := nc.Stats()
	if snap.Connections == 0 || snap.PacketsSent == 0 {
		t.Fatalf("stats not recorded: %+v", snap)
	}
}

func TestContextSendMessageUnownedEndpoint(t *testing.T) {
	testlog.Start(t)
	nc := newTestContext(t, DefaultConfig())
	ep, _ := tcpPair(t)
	if _, err := nc.SendMessage(ep, &protocol.Message{Type: protocol.MsgRequest, Method: "m"}, time.Second, true); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestContextClientCapacity(t *testing.T) {
	testlog.Start(t)
	nc := newTestContext(t, Config{PoolSize: 0, MaxConnections: 1})
	if _, err := nc.CreateClient(DefaultClientConfig()); err != nil {
		t.Fatalf("first client: %v", err)
	}
	if _, err := nc.CreateClient(DefaultClientConfig()); !errors.Is(err, ErrCapacityExceeded) {
		t.Fatalf("expected ErrCapacityExceeded, got %v", err)
	}
}

func TestContextHandlerCapacityAndOrder(t *testing.T) {
	testlog.Start(t)
	nc := newTestContext(t, Config{PoolSize: 0, MaxHandlersPerEvent: 2})

	var mu sync.Mutex
	var order []int
	for i := 0; i < 2; i++ {
		i := i
		if err := nc.RegisterEventHandler(EventError, func(Event) {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		}); err != nil {
			t.Fatalf("register %d: %v", i, err)
		}
	}
	if err := nc.RegisterEventHandler(EventError, func(Event) {}); !errors.Is(err, ErrCapacityExceeded) {
		t.Fatalf("expected ErrCapacityExceeded, got %v", err)
	}
	if err := nc.RegisterEventHandler(eventTypeCount, func(Event) {}); !errors.Is(err, ErrInvalidParameters) {
		t.Fatalf("out-of-range type: expected ErrInvalidParameters, got %v", err)
	}

	nc.DispatchEvent(Event{Type: EventError, Err: ErrOperationFailed})
	mu.Lock()
	defer mu.Unlock()
	if len(order) != 2 || order[0] != 0 || order[1] != 1 {
		t.Fatalf("handlers ran out of order: %v", order)
	}
	if nc.Stats().Errors != 1 {
		t.Fatalf("error not counted: %+v", nc.Stats())
	}
}

func TestContextStampsCompressionEncryptionFlags(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultConfig()
	cfg.PoolSize = 0
	cfg.EnableCompression = true
	cfg.EnableEncryption = true
	nc := newTestContext(t, cfg)

	srv, port := startServer(t, DefaultServerConfig())
	client, err := nc.CreateClient(DefaultClientConfig())
	if err != nil {
		t.Fatalf("create client: %v", err)
	}
	ep, err := client.Connect("127.0.0.1", port)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	sep, err := srv.Accept(time.Second)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}

	if _, err := client.SendMessageTo(ep, &protocol.Message{
		Type:   protocol.MsgEvent,
		Method: "notify",
	}, time.Second, false); err != nil {
		t.Fatalf("send event: %v", err)
	}
	pkt, err := srv.Receive(sep, time.Second)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if !pkt.HasFlag(wire.FlagProtocol | wire.FlagCompressed | wire.FlagEncrypted) {
		t.Fatalf("flags not stamped: %#x", pkt.Flags)
	}
}

func TestContextRemoveClient(t *testing.T) {
	testlog.Start(t)
	nc := newTestContext(t, Config{PoolSize: 0})
	c, err := nc.CreateClient(DefaultClientConfig())
	if err != nil {
		t.Fatalf("create client: %v", err)
	}
	if err := nc.RemoveClient(c); err != nil {
		t.Fatalf("remove client: %v", err)
	}
	if err := nc.RemoveClient(c); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second remove: expected ErrNotFound, got %v", err)
	}
}

func TestContextCloseOnce(t *testing.T) {
	testlog.Start(t)
	nc, err := NewNetworkContext(DefaultConfig())
	if err != nil {
		t.Fatalf("new context: %v", err)
	}
	srv, err := nc.Listen(ServerConfig{BindAddress: "127.0.0.1", Port: 0})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	if err := nc.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := nc.Close(); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("second close: expected ErrInvalidState, got %v", err)
	}
	if err := srv.Stop(); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("server should already be stopped, got %v", err)
	}
	if _, err := nc.CreateClient(DefaultClientConfig()); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("create after close: expected ErrInvalidState, got %v", err)
	}
}

func TestContextPoolDrivesDispatch(t *testing.T) {
	testlog.Start(t)
	// No explicit polling: the context worker pool must deliver the
	// response by itself.
	nc := newTestContext(t, Config{PoolSize: 2, PollInterval: 20 * time.Millisecond})

	srv, err := nc.Listen(ServerConfig{
		BindAddress:            "127.0.0.1",
		Port:                   0,
		EnableProtocolDispatch: true,
		DefaultHandler: func(_ *Server, _ *Endpoint, msg *protocol.Message) (*protocol.Message, error) {
			return &protocol.Message{Type: protocol.MsgResponse, Body: msg.Body}, nil
		},
	})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := srv.Addr().(*net.TCPAddr).Port

	client, ep, err := nc.Connect("127.0.0.1", port)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}

	// The pool only polls registered endpoints; accepting is driven here.
	deadline := time.Now().Add(2 * time.Second)
	for len(srv.Endpoints()) == 0 && time.Now().Before(deadline) {
		if _, err := srv.Accept(50 * time.Millisecond); err != nil && !errors.Is(err, ErrTimeout) {
			t.Fatalf("accept: %v", err)
		}
	}
	if len(srv.Endpoints()) == 0 {
		t.Fatalf("connection never accepted")
	}

	resp, err := client.SendMessageTo(ep, &protocol.Message{
		Type:   protocol.MsgRequest,
		Method: "invoke",
		Body:   []byte("pooled"),
	}, 5*time.Second, true)
	if err != nil {
		t.Fatalf("send message: %v", err)
	}
	if !bytes.Equal(resp.Body, []byte("pooled")) {
		t.Fatalf("response body %q", resp.Body)
	}
}
