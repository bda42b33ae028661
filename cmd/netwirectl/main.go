package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/danmuck/netwire/internal/config"
	"github.com/danmuck/netwire/internal/observability"
	"github.com/danmuck/netwire/internal/protocol"
	"github.com/danmuck/netwire/internal/transport"
)

func main() {
	addr := flag.String("addr", "127.0.0.1", "server address")
	port := flag.Int("port", 9300, "server port")
	method := flag.String("method", "ping", "request method")
	body := flag.String("body", "", "request body")
	timeout := flag.Duration("timeout", 5*time.Second, "request timeout")
	configPath := flag.String("config", "", "optional node config for tls settings")
	flag.Parse()

	observability.InitLogger("netwirectl")

	cfg := transport.DefaultClientConfig()
	cfg.ConnectTimeout = *timeout
	cfg.OperationTimeout = *timeout
	if *configPath != "" {
		node, err := config.LoadNodeConfig(*configPath)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to load config")
		}
		clientTLS, err := node.Security.BuildClientTLS()
		if err != nil {
			log.Fatal().Err(err).Msg("failed to build client tls")
		}
		cfg.TLS = clientTLS
	}

	netctx, err := transport.NewNetworkContext(transport.DefaultConfig())
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create network context")
	}
	defer netctx.Close()

	client, err := netctx.CreateClient(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create client")
	}
	ep, err := client.Connect(*addr, *port)
	if err != nil {
		log.Fatal().Err(err).Str("addr", *addr).Int("port", *port).Msg("connect failed")
	}
	log.Info().Str("peer", ep.PeerID()).Msg("connected")

	resp, err := client.SendMessage(&protocol.Message{
		Type:   protocol.MsgRequest,
		Method: *method,
		Body:   []byte(*body),
	}, *timeout, true)
	if err != nil {
		log.Error().Err(err).Msg("request failed")
		os.Exit(1)
	}
	fmt.Printf("id=%d method=%s body=%s\n", resp.ID, resp.Method, string(resp.Body))
}
