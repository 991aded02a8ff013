// Package main starts the kirobridge gateway: an OpenAI and Anthropic
// compatible HTTP front for the Kiro/CodeWhisperer API, reusing the local
// kiro-cli credential store for upstream authentication.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"

	"github.com/kirobridge/kirobridge/internal/api"
	"github.com/kirobridge/kirobridge/internal/auth/credstore"
	kiroauth "github.com/kirobridge/kirobridge/internal/auth/kiro"
	"github.com/kirobridge/kirobridge/internal/config"
	"github.com/kirobridge/kirobridge/internal/httpclient"
	"github.com/kirobridge/kirobridge/internal/logging"
	"github.com/kirobridge/kirobridge/internal/metrics"
	"github.com/kirobridge/kirobridge/internal/registry"
	"github.com/kirobridge/kirobridge/internal/tokenizer"
	"github.com/kirobridge/kirobridge/internal/upstream"
)

var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	var configPath string
	var logFile string
	flag.StringVar(&configPath, "config", "", "optional YAML config file")
	flag.StringVar(&logFile, "log-file", "", "optional log file (rotated)")
	flag.Parse()

	// .env is a convenience for local runs; a missing file is not an error.
	if err := godotenv.Load(); err == nil {
		log.Debug("loaded environment from .env")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Errorf("configuration invalid: %v", err)
		os.Exit(1)
	}

	logging.Setup(cfg.LogLevel, logFile)
	log.Infof("kirobridge %s (%s, built %s)", Version, Commit, BuildDate)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Errorf("startup failed: %v", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	metrics.Register()

	store, err := credstore.New(cfg.CredentialDBFile)
	if err != nil {
		return fmt.Errorf("open credential store: %w", err)
	}

	auth, err := kiroauth.NewManager(store, cfg.TokenRefreshThreshold)
	if err != nil {
		return fmt.Errorf("load credentials: %w", err)
	}

	// Re-login via kiro-cli rewrites the store; invalidate so the next
	// request picks up the new refresh token.
	if err = store.Watch(ctx, auth.Invalidate); err != nil {
		log.Warnf("credential store watcher unavailable: %v", err)
	}

	client := httpclient.New(httpclient.Options{
		MaxConnections: cfg.HTTPMaxConnections,
		ConnectTimeout: cfg.HTTPConnectTimeout,
		RequestTimeout: cfg.HTTPRequestTimeout,
		MaxRetries:     cfg.HTTPMaxRetries,
	}, auth)

	models := registry.NewCache()
	if err = models.LoadCatalog(ctx, client, auth, cfg.Region); err != nil {
		return fmt.Errorf("initial model catalog load: %w", err)
	}

	counter, err := tokenizer.New()
	if err != nil {
		return fmt.Errorf("load tokenizer: %w", err)
	}

	server := api.New(api.Options{
		Config:   cfg,
		Auth:     auth,
		Upstream: upstream.New(client, auth),
		Models:   models,
		Counter:  counter,
		Catalog:  client,
		Version:  Version,
	})
	return server.Run(ctx)
}
