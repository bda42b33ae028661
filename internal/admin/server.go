// Package admin serves the debug/observability HTTP surface for one
// NetworkContext: health, aggregate statistics, the endpoint registry
// and prometheus metrics.
package admin

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/danmuck/netwire/internal/auth"
	"github.com/danmuck/netwire/internal/observability"
	"github.com/danmuck/netwire/internal/transport"
)

type Server struct {
	name      string
	addr      string
	netctx    *transport.NetworkContext
	validator auth.Validator
	router    *gin.Engine
	httpSrv   *http.Server
	started   time.Time
}

// New builds the admin surface. An empty authToken leaves the /v1
// routes open; /healthz and /metrics are always unauthenticated.
func New(name, addr string, corsOrigins []string, authToken string, netctx *transport.NetworkContext) *Server {
	observability.RegisterMetrics()
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(log.Logger))
	r.Use(observability.RequestMetricsMiddleware())
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(corsOrigins),
		AllowMethods: []string{"GET"},
		AllowHeaders: []string{"Origin", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	s := &Server{
		name:    name,
		addr:    addr,
		netctx:  netctx,
		router:  r,
		started: time.Now(),
	}
	if authToken != "" {
		s.validator = auth.StaticToken{Token: authToken}
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "ok",
			"node":      s.name,
			"uptime":    time.Since(s.started).String(),
			"component": "netwire-admin",
		})
	})

	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := s.router.Group("/v1")
	if s.validator != nil {
		v1.Use(s.requireToken())
	}

	v1.GET("/stats", func(c *gin.Context) {
		snap := s.netctx.Stats()
		c.JSON(http.StatusOK, gin.H{
			"connections":      snap.Connections,
			"disconnections":   snap.Disconnections,
			"packets_sent":     snap.PacketsSent,
			"packets_received": snap.PacketsReceived,
			"bytes_sent":       snap.BytesSent,
			"bytes_received":   snap.BytesReceived,
			"errors":           snap.Errors,
		})
	})

	v1.GET("/endpoints", func(c *gin.Context) {
		infos := s.netctx.Endpoints()
		out := make([]gin.H, 0, len(infos))
		for _, info := range infos {
			out = append(out, gin.H{
				"kind":         info.Kind.String(),
				"state":        info.State.String(),
				"peer_id":      info.PeerID,
				"local":        info.LocalAddress,
				"local_port":   info.LocalPort,
				"secure":       info.Secure,
				"connected_at": info.ConnectedAt,
			})
		}
		c.JSON(http.StatusOK, gin.H{"endpoints": out})
	})
}

func (s *Server) requireToken() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
		if err := s.validator.Validate(token); err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}

// Start serves the admin API until Stop is called.
func (s *Server) Start() error {
	s.httpSrv = &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	log.Info().Str("addr", s.addr).Msg("admin_listening")
	if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// Router exposes the gin engine for tests.
func (s *Server) Router() *gin.Engine {
	return s.router
}

func normalizeOrigins(origins []string) []string {
	out := make([]string, 0, len(origins))
	for _, o := range origins {
		o = strings.TrimSpace(o)
		if o != "" {
			out = append(out, o)
		}
	}
	if len(out) == 0 {
		out = []string{"http://localhost:5173"}
	}
	return out
}
