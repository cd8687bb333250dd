// Oddsight - entitlement and API quota service for the odds platform
package main

import (
	"context"
	"os"

	"github.com/oddsight/oddsight/internal/config"
	"github.com/oddsight/oddsight/internal/logging"
	"github.com/oddsight/oddsight/internal/server"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	logger := logging.New("info", "text")

	logger.Info("starting oddsight entitlement service",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
	)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger.Info("configuration loaded",
		"env", cfg.Env,
		"free_cycle_limit", cfg.FreeCycleLimit,
		"cycle_length", cfg.CycleLength,
		"billing", cfg.BillingEnabled(),
	)

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
