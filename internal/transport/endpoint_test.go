package transport

import (
	"bytes"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/danmuck/netwire/internal/testutil/testlog"
	"github.com/danmuck/netwire/internal/wire"
)

// tcpPair returns both sides of one loopback TCP connection wrapped in
// endpoints.
func tcpPair(t *testing.T) (*Endpoint, *Endpoint) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	type accepted struct {
		conn net.Conn
		err  error
	}
	ch := make(chan accepted, 1)
	go func() {
		conn, err := ln.Accept()
		ch <- accepted{conn, err}
	}()

	dialConn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	got := <-ch
	if got.err != nil {
		t.Fatalf("accept: %v", got.err)
	}

	client, err := newEndpoint(dialConn, KindClient, nil)
	if err != nil {
		t.Fatalf("client endpoint: %v", err)
	}
	server, err := newEndpoint(got.conn, KindServer, nil)
	if err != nil {
		t.Fatalf("server endpoint: %v", err)
	}
	t.Cleanup(func() {
		if client.State() != StateDisconnected {
			_ = client.Close()
		}
		if server.State() != StateDisconnected {
			_ = server.Close()
		}
	})
	return client, server
}

func TestEndpointCloseOnce(t *testing.T) {
	testlog.Start(t)
	ep, _ := tcpPair(t)
	if ep.State() != StateConnected {
		t.Fatalf("fresh endpoint state %v", ep.State())
	}
	if err := ep.Close(); err != nil {
		t.Fatalf("first close: %v", err)
	}
	if ep.State() != StateDisconnected {
		t.Fatalf("state after close %v", ep.State())
	}
	if err := ep.Close(); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("second close: expected ErrInvalidState, got %v", err)
	}
	if _, err := ep.sendPacket(wire.New(0), time.Second); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("send after close: expected ErrInvalidState, got %v", err)
	}
	if _, err := ep.receivePacket(time.Second); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("receive after close: expected ErrInvalidState, got %v", err)
	}
}

func TestEndpointSendReceive(t *testing.T) {
	testlog.Start(t)
	client, server := tcpPair(t)

	pkt := wire.NewFromBytes([]byte("over the wire"), false)
	pkt.Type = 5
	pkt.ID = 11
	n, err := client.sendPacket(pkt, time.Second)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if n != wire.HeaderLen+4+pkt.Len() {
		t.Fatalf("framed size %d", n)
	}

	got, err := server.receivePacket(time.Second)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if got.Type != 5 || got.ID != 11 || !bytes.Equal(got.Data(), pkt.Data()) {
		t.Fatalf("received packet mismatch: %+v %q", got, got.Data())
	}

	cs, ss := client.Stats(), server.Stats()
	if cs.PacketsSent != 1 || cs.BytesSent == 0 {
		t.Fatalf("client stats: %+v", cs)
	}
	if ss.PacketsReceived != 1 || ss.BytesReceived != uint64(n) {
		t.Fatalf("server stats: %+v", ss)
	}
}

func TestEndpointReceiveTimeout(t *testing.T) {
	testlog.Start(t)
	_, server := tcpPair(t)
	start := time.Now()
	_, err := server.receivePacket(100 * time.Millisecond)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Fatalf("timeout took %v", time.Since(start))
	}
	if server.State() != StateConnected {
		t.Fatalf("timeout must not break the endpoint: %v", server.State())
	}
}

func TestEndpointPeerClose(t *testing.T) {
	testlog.Start(t)
	client, server := tcpPair(t)
	if err := client.Close(); err != nil {
		t.Fatalf("close client side: %v", err)
	}
	if _, err := server.receivePacket(time.Second); !errors.Is(err, ErrConnectionClosed) {
		t.Fatalf("expected ErrConnectionClosed, got %v", err)
	}
	if server.State() == StateConnected {
		t.Fatalf("endpoint still connected after peer close")
	}
}

func TestEndpointEventCallbacks(t *testing.T) {
	testlog.Start(t)
	client, server := tcpPair(t)

	var sent, received []int
	if err := client.SetEventCallback(EventDataSent, func(ev Event) {
		sent = append(sent, ev.Bytes)
	}); err != nil {
		t.Fatalf("set callback: %v", err)
	}
	if err := server.SetEventCallback(EventDataReceived, func(ev Event) {
		received = append(received, ev.Bytes)
	}); err != nil {
		t.Fatalf("set callback: %v", err)
	}
	if err := client.SetEventCallback(eventTypeCount, func(Event) {}); !errors.Is(err, ErrInvalidParameters) {
		t.Fatalf("out-of-range type: expected ErrInvalidParameters, got %v", err)
	}

	pkt := wire.NewFromBytes([]byte("abc"), false)
	if _, err := client.sendPacket(pkt, time.Second); err != nil {
		t.Fatalf("send: %v", err)
	}
	if _, err := server.receivePacket(time.Second); err != nil {
		t.Fatalf("receive: %v", err)
	}
	if len(sent) != 1 || sent[0] != 3 {
		t.Fatalf("sent callback: %v", sent)
	}
	if len(received) != 1 || received[0] != 3 {
		t.Fatalf("received callback: %v", received)
	}

	// Latest registration wins; nil removes.
	fired := false
	_ = client.SetEventCallback(EventDataSent, func(Event) { fired = true })
	sent = nil
	if _, err := client.sendPacket(pkt, time.Second); err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(sent) != 0 || !fired {
		t.Fatalf("replacement callback not in effect")
	}
	_ = client.SetEventCallback(EventDataSent, nil)
	fired = false
	if _, err := client.sendPacket(pkt, time.Second); err != nil {
		t.Fatalf("send: %v", err)
	}
	if fired {
		t.Fatalf("removed callback still fired")
	}
}

func TestEndpointUserData(t *testing.T) {
	testlog.Start(t)
	ep, _ := tcpPair(t)
	if ep.UserData() != nil {
		t.Fatalf("fresh endpoint carries user data")
	}
	ep.SetUserData("session-7")
	if got := ep.UserData(); got != "session-7" {
		t.Fatalf("user data %v", got)
	}
}

func TestEndpointInfo(t *testing.T) {
	testlog.Start(t)
	client, server := tcpPair(t)
	ci, si := client.Info(), server.Info()
	if ci.Kind != KindClient || si.Kind != KindServer {
		t.Fatalf("kinds: %v %v", ci.Kind, si.Kind)
	}
	if ci.PeerPort != si.LocalPort {
		t.Fatalf("address mismatch: client peer %d server local %d", ci.PeerPort, si.LocalPort)
	}
	if ci.Secure || si.Secure {
		t.Fatalf("plain TCP endpoint reported secure")
	}
	if ci.PeerID == "" || ci.ConnectedAt.IsZero() {
		t.Fatalf("identity not captured: %+v", ci)
	}
}
