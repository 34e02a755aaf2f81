package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/skobkin/gpumon/internal/app"
	"github.com/skobkin/gpumon/internal/config"
	"github.com/skobkin/gpumon/internal/logging"
	"github.com/skobkin/gpumon/internal/version"
)

var (
	buildVersion = "dev"
	buildCommit  = ""
	buildTime    = ""
)

func main() {
	version.Set(version.Info{
		Version:   buildVersion,
		Commit:    buildCommit,
		BuildTime: buildTime,
	})

	cfg, err := config.Load()
	if err != nil {
		handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})
		slog.New(handler).Error("failed to load configuration", "err", err)
		os.Exit(1)
	}

	logger, closer, err := logging.New(cfg.Log)
	if err != nil {
		handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})
		slog.New(handler).Error("failed to initialise logging", "err", err)
		os.Exit(1)
	}

	logger.Info("gpumon starting",
		"version", version.Current().Version,
		"interval", cfg.CheckInterval,
		"util_threshold", cfg.UtilThreshold,
		"temp_threshold", cfg.TempThreshold,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)

	err = app.Run(ctx, logger, cfg)
	stop()
	if err != nil {
		logger.Error("application error", "err", err)
		_ = closer.Close()
		os.Exit(1)
	}
	_ = closer.Close()
}
