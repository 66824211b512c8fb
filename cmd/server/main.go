// Callshield - Real-time scam call protection backend
package main

import (
	"context"
	"os"
	"time"

	"github.com/mbd888/callshield/internal/config"
	"github.com/mbd888/callshield/internal/logging"
	"github.com/mbd888/callshield/internal/server"
	"github.com/mbd888/callshield/internal/traces"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	// Create logger
	logger := logging.New("info", "text")

	logger.Info("starting callshield",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
	)

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger.Info("configuration loaded",
		"env", cfg.Env,
		"upstream", cfg.UpstreamWSURL,
		"session_ttl", cfg.SessionTTL.String(),
	)

	// Tracing (no-op without an OTLP endpoint configured)
	shutdownTraces, err := traces.Init(context.Background(), cfg.OTLPEndpoint, logger)
	if err != nil {
		logger.Error("failed to init tracing", "error", err)
		os.Exit(1)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTraces(ctx); err != nil {
			logger.Warn("tracer shutdown", "error", err)
		}
	}()

	// Create and run server
	srv, err := server.New(cfg, server.WithLogger(logger))
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()
	if err := srv.Run(ctx); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
