// Package api terminates the client-facing chat protocols and bridges them
// onto the CodeWhisperer upstream.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/kirobridge/kirobridge/internal/config"
	"github.com/kirobridge/kirobridge/internal/logging"
	"github.com/kirobridge/kirobridge/internal/metrics"
	"github.com/kirobridge/kirobridge/internal/registry"
	"github.com/kirobridge/kirobridge/internal/tokenizer"
)

// Forwarder sends one conversation payload upstream.
type Forwarder interface {
	Send(ctx context.Context, payload []byte) (*http.Response, error)
}

// AuthSource exposes the slice of the token manager the handlers need.
type AuthSource interface {
	GetAccessToken(ctx context.Context) (string, error)
	GetProfileArn() string
}

// Server wires the HTTP surface to the translation pipeline.
type Server struct {
	cfg      *config.Config
	auth     AuthSource
	upstream Forwarder
	models   *registry.Cache
	counter  *tokenizer.Counter
	dumper   *logging.Dumper
	catalog  registry.Doer
	version  string

	engine *gin.Engine
	http   *http.Server
}

// Options carries the server's collaborators.
type Options struct {
	Config   *config.Config
	Auth     AuthSource
	Upstream Forwarder
	Models   *registry.Cache
	Counter  *tokenizer.Counter
	// Catalog is the HTTP client used for lazy model-catalog refreshes.
	Catalog registry.Doer
	// Version is the build version reported by the status endpoints.
	Version string
}

// New assembles the engine, middleware chain, and routes.
func New(opts Options) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		cfg:      opts.Config,
		auth:     opts.Auth,
		upstream: opts.Upstream,
		models:   opts.Models,
		counter:  opts.Counter,
		catalog:  opts.Catalog,
		version:  opts.Version,
	}
	if s.version == "" {
		s.version = "dev"
	}
	if opts.Config.DebugMode != config.DebugOff {
		s.dumper = logging.NewDumper(opts.Config.DebugDir, opts.Config.DebugMode == config.DebugErrors)
	}

	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(corsMiddleware())
	engine.Use(metrics.Middleware())
	engine.Use(decompressMiddleware())

	engine.GET("/", s.handleRoot)
	engine.GET("/health", s.handleHealth)
	engine.GET("/metrics", metrics.Handler())

	auth := authMiddleware(opts.Config.ProxyAPIKey)
	v1 := engine.Group("/v1", auth)
	v1.GET("/models", s.handleListModels)
	v1.POST("/chat/completions", s.handleChatCompletions)
	v1.POST("/messages", s.handleClaudeMessages)
	v1.POST("/messages/count_tokens", s.handleCountTokens)

	s.engine = engine
	s.http = &http.Server{
		Addr:              opts.Config.Addr(),
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.engine }

// Run serves until ctx is cancelled, then drains in-flight requests.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		log.Infof("listening on %s", s.http.Addr)
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	log.Info("shutting down")
	return s.http.Shutdown(shutdownCtx)
}

func (s *Server) handleRoot(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"message": "kirobridge is running",
		"version": s.version,
	})
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now().Format(time.RFC3339),
		"version":   s.version,
	})
}
