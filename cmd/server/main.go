// Contrata - escrow payments for a services marketplace
package main

import (
	"context"
	"os"

	"github.com/mbd888/contrata/internal/config"
	"github.com/mbd888/contrata/internal/logging"
	"github.com/mbd888/contrata/internal/server"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	logger := logging.New("info", "text")

	logger.Info("starting contrata",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
	)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger = logging.New(cfg.LogLevel, cfg.LogFormat)
	logger.Info("configuration loaded",
		"env", cfg.Env,
		"processor", processorName(cfg),
		"currency", cfg.DefaultCurrency,
		"platform_fee_bps", cfg.PlatformFeeBPS,
		"auto_release_window", cfg.AutoReleaseWindow.String(),
	)

	srv, err := server.New(cfg, server.WithLogger(logger))
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	if err := srv.Run(context.Background()); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}

func processorName(cfg *config.Config) string {
	if cfg.UsesStripe() {
		return "stripe"
	}
	return "sandbox"
}
