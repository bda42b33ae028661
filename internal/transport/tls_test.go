package transport

import (
	"bytes"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"net"
	"os"
	"testing"
	"time"

	"github.com/danmuck/netwire/internal/protocol"
	"github.com/danmuck/netwire/internal/testutil/testlog"
	"github.com/danmuck/netwire/internal/testutil/tlstest"
)

func loopbackTLSConfigs(t *testing.T, mutual bool) (*tls.Config, *tls.Config) {
	t.Helper()
	dir := t.TempDir()
	ca := tlstest.NewAuthority(t, dir, "netwire-test-ca")
	certPath, keyPath := ca.IssueServerCert(t, dir, "netwire-server",
		[]string{"localhost"}, []net.IP{net.ParseIP("127.0.0.1")})

	serverCert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		t.Fatalf("load server keypair: %v", err)
	}
	caPEM, err := os.ReadFile(ca.CAFile())
	if err != nil {
		t.Fatalf("read ca: %v", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		t.Fatalf("append ca cert")
	}

	serverCfg := &tls.Config{
		Certificates: []tls.Certificate{serverCert},
		MinVersion:   tls.VersionTLS12,
	}
	clientCfg := &tls.Config{
		RootCAs:    pool,
		ServerName: "localhost",
		MinVersion: tls.VersionTLS12,
	}
	if mutual {
		clientCertPath, clientKeyPath := ca.IssueClientCert(t, dir, "netwire-client")
		clientCert, err := tls.LoadX509KeyPair(clientCertPath, clientKeyPath)
		if err != nil {
			t.Fatalf("load client keypair: %v", err)
		}
		serverCfg.ClientCAs = pool
		serverCfg.ClientAuth = tls.RequireAndVerifyClientCert
		clientCfg.Certificates = []tls.Certificate{clientCert}
	}
	return serverCfg, clientCfg
}

func TestTLSMessageRoundTrip(t *testing.T) {
	testlog.Start(t)
	serverTLS, clientTLS := loopbackTLSConfigs(t, false)

	cfg := DefaultServerConfig()
	cfg.Workers = 1
	cfg.TLS = serverTLS
	cfg.DefaultHandler = func(_ *Server, _ *Endpoint, msg *protocol.Message) (*protocol.Message, error) {
		return &protocol.Message{Type: protocol.MsgResponse, Body: msg.Body}, nil
	}
	_, port := startServer(t, cfg)

	ccfg := DefaultClientConfig()
	ccfg.TLS = clientTLS
	client := NewClient(ccfg)
	defer client.Close()
	ep, err := client.Connect("127.0.0.1", port)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if !ep.Info().Secure {
		t.Fatalf("TLS endpoint not marked secure")
	}

	resp, err := client.SendMessage(&protocol.Message{
		Type:   protocol.MsgRequest,
		Method: "invoke",
		Body:   []byte("over tls"),
	}, 5*time.Second, true)
	if err != nil {
		t.Fatalf("send message: %v", err)
	}
	if !bytes.Equal(resp.Body, []byte("over tls")) {
		t.Fatalf("response body %q", resp.Body)
	}
}

func TestMutualTLSRoundTrip(t *testing.T) {
	testlog.Start(t)
	serverTLS, clientTLS := loopbackTLSConfigs(t, true)

	cfg := DefaultServerConfig()
	cfg.Workers = 1
	cfg.TLS = serverTLS
	cfg.DefaultHandler = func(_ *Server, _ *Endpoint, msg *protocol.Message) (*protocol.Message, error) {
		return &protocol.Message{Type: protocol.MsgResponse, Body: msg.Body}, nil
	}
	_, port := startServer(t, cfg)

	ccfg := DefaultClientConfig()
	ccfg.TLS = clientTLS
	client := NewClient(ccfg)
	defer client.Close()
	if _, err := client.Connect("127.0.0.1", port); err != nil {
		t.Fatalf("mutual tls connect: %v", err)
	}
	resp, err := client.SendMessage(&protocol.Message{
		Type:   protocol.MsgRequest,
		Method: "invoke",
		Body:   []byte("mutual"),
	}, 5*time.Second, true)
	if err != nil {
		t.Fatalf("send message: %v", err)
	}
	if !bytes.Equal(resp.Body, []byte("mutual")) {
		t.Fatalf("response body %q", resp.Body)
	}
}

func TestTLSHandshakeRejectsUntrustedServer(t *testing.T) {
	testlog.Start(t)
	serverTLS, _ := loopbackTLSConfigs(t, false)

	cfg := DefaultServerConfig()
	cfg.Workers = 1
	cfg.TLS = serverTLS
	_, port := startServer(t, cfg)

	// Client trusts a different authority.
	_, strangerClientTLS := loopbackTLSConfigs(t, false)
	ccfg := DefaultClientConfig()
	ccfg.TLS = strangerClientTLS
	client := NewClient(ccfg)
	defer client.Close()
	if _, err := client.Connect("127.0.0.1", port); !errors.Is(err, ErrOperationFailed) {
		t.Fatalf("expected ErrOperationFailed on untrusted cert, got %v", err)
	}
}
