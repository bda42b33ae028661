package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/danmuck/netwire/internal/admin"
	"github.com/danmuck/netwire/internal/config"
	"github.com/danmuck/netwire/internal/observability"
	"github.com/danmuck/netwire/internal/protocol"
	"github.com/danmuck/netwire/internal/transport"
)

func main() {
	configPath := flag.String("config", "cmd/netwired/config.toml", "path to node config")
	flag.Parse()

	observability.InitLogger("netwired")
	cfg, err := config.LoadNodeConfig(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load node config")
	}
	log.Info().Str("path", *configPath).Str("name", cfg.Name).Msg("loaded node config")

	serverTLS, err := cfg.Security.BuildServerTLS()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build server tls")
	}

	netctx, err := transport.NewNetworkContext(transport.Config{
		PoolSize:       cfg.Context.PoolSize,
		MaxConnections: cfg.Context.MaxConnections,
		MaxEndpoints:   cfg.Context.MaxEndpoints,
		DefaultTimeout: cfg.Context.DefaultTimeoutDuration(),
		PollInterval:   cfg.Context.PollIntervalDuration(),
		EnableTLS:      serverTLS != nil,
		TLS:            serverTLS,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create network context")
	}

	srv, err := netctx.Listen(transport.ServerConfig{
		BindAddress:            cfg.Listener.Bind,
		Port:                   cfg.Listener.Port,
		Backlog:                cfg.Listener.Backlog,
		Workers:                cfg.Listener.Workers,
		AcceptTimeout:          cfg.Timeouts.ConnectDuration(),
		OperationTimeout:       cfg.Timeouts.OperationDuration(),
		IdleTimeout:            cfg.Timeouts.IdleDuration(),
		TLS:                    serverTLS,
		EnableProtocolDispatch: cfg.Listener.ProtocolDispatch,
		DefaultHandler:         echoHandler,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to start listener")
	}
	log.Info().Stringer("addr", srv.Addr()).Bool("tls", serverTLS != nil).Msg("listener started")

	var adminSrv *admin.Server
	if cfg.Admin.Enabled {
		adminSrv = admin.New(cfg.Name, cfg.Admin.Addr, cfg.Admin.CorsOrigins, cfg.Admin.AuthToken, netctx)
		go func() {
			if err := adminSrv.Start(); err != nil {
				log.Error().Err(err).Msg("admin server stopped")
			}
		}()
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	got := <-sig
	log.Info().Str("signal", got.String()).Msg("shutting down")

	if adminSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := adminSrv.Stop(ctx); err != nil {
			log.Warn().Err(err).Msg("admin shutdown")
		}
		cancel()
	}
	if err := netctx.Close(); err != nil {
		log.Warn().Err(err).Msg("context shutdown")
	}
	log.Info().Msg("stopped")
}

// echoHandler answers any request whose type has no registered handler
// by reflecting the body back.
func echoHandler(_ *transport.Server, _ *transport.Endpoint, msg *protocol.Message) (*protocol.Message, error) {
	return &protocol.Message{
		Type:   protocol.MsgResponse,
		Method: msg.Method,
		Body:   msg.Body,
	}, nil
}
