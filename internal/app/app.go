// Package app wires up and runs the application services.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/skobkin/gpumon/internal/clock"
	"github.com/skobkin/gpumon/internal/config"
	"github.com/skobkin/gpumon/internal/gpu"
	"github.com/skobkin/gpumon/internal/httpserver"
	"github.com/skobkin/gpumon/internal/monitor"
	"github.com/skobkin/gpumon/internal/notify"
	"github.com/skobkin/gpumon/internal/procscan"
	"github.com/skobkin/gpumon/internal/smi"
	"github.com/skobkin/gpumon/internal/telemetry"
	"github.com/skobkin/gpumon/internal/version"
)

const shutdownTimeout = 10 * time.Second

// Sinks builds the delivery sinks enabled by cfg. An empty result means
// alerts are only logged.
func Sinks(cfg config.Config) ([]notify.Sink, error) {
	var sinks []notify.Sink

	if cfg.Slack.WebhookURL != "" {
		slack, err := notify.NewSlackWebhook(notify.SlackConfig{
			WebhookURL: cfg.Slack.WebhookURL,
			Username:   cfg.Slack.Username,
			IconEmoji:  cfg.Slack.IconEmoji,
			UserAgent:  version.UserAgent(),
		})
		if err != nil {
			return nil, fmt.Errorf("init slack sink: %w", err)
		}
		sinks = append(sinks, slack)
	}

	if cfg.Telegram.Enabled() {
		telegram, err := notify.NewTelegram(notify.TelegramConfig{
			BotToken: cfg.Telegram.BotToken,
			ChatID:   cfg.Telegram.ChatID,
		})
		if err != nil {
			return nil, fmt.Errorf("init telegram sink: %w", err)
		}
		sinks = append(sinks, telegram)
	}

	return sinks, nil
}

// Thresholds converts configured limits for the telemetry reader.
func Thresholds(cfg config.Config) telemetry.Thresholds {
	return telemetry.Thresholds{
		UtilizationPct: cfg.UtilThreshold,
		TemperatureC:   cfg.TempThreshold,
	}
}

// Run bootstraps the application lifecycle. It returns nil when ctx is
// canceled and *monitor.FaultError when the loop crashed.
func Run(ctx context.Context, baseLogger *slog.Logger, cfg config.Config) error {
	appLogger := baseLogger.With("component", "app")

	client := smi.NewClient(cfg.SMI.Path, cfg.SMI.Timeout, smi.ExecRunner{}, baseLogger.With("component", "smi"))

	var resolver gpu.Resolver
	if cfg.ResolveNames {
		resolver = gpu.NewPCIDatabase()
	}
	gpus, err := gpu.Inventory(ctx, client, resolver, baseLogger.With("component", "gpu_inventory"))
	if err != nil {
		appLogger.Warn("gpu inventory unavailable", "err", err)
	} else {
		appLogger.Info("discovered GPUs", "count", len(gpus))
	}

	sinks, err := Sinks(cfg)
	if err != nil {
		return err
	}
	notifier := notify.New(sinks, baseLogger.With("component", "notify"))
	notifier.SetLabels(gpu.Labels(gpus))
	appLogger.Info("notification sinks configured", "sinks", notifier.SinkNames())

	clk := clock.Real()
	reader, err := telemetry.NewReader(client, Thresholds(cfg), clk, baseLogger.With("component", "telemetry"))
	if err != nil {
		return fmt.Errorf("init telemetry reader: %w", err)
	}
	appLogger.Info("telemetry configured",
		"smi_path", client.Path(),
		"util_threshold", reader.Thresholds().UtilizationPct,
		"temp_threshold", reader.Thresholds().TemperatureC,
	)

	mon, err := monitor.New(monitor.Options{
		Interval:       cfg.CheckInterval,
		NotifyRecovery: cfg.NotifyRecovery,
		Reader:         reader,
		Notifier:       notifier,
		Clock:          clk,
		Logger:         baseLogger,
	})
	if err != nil {
		return fmt.Errorf("init monitor: %w", err)
	}

	var processes httpserver.ProcessSource
	if cfg.HTTP.Enabled() && cfg.Proc.Enable {
		scanner, err := procscan.NewScanner(procscan.Options{
			Source:      client,
			ProcRoot:    cfg.Proc.Root,
			GPUs:        gpus,
			Clock:       clk,
			MinInterval: procscan.DefaultMinInterval,
			Logger:      baseLogger,
		})
		if err != nil {
			return fmt.Errorf("init process scanner: %w", err)
		}
		defer scanner.Close()
		processes = scanner
	}

	loopCtx, loopCancel := context.WithCancel(ctx)
	defer loopCancel()

	monitorErrCh := make(chan error, 1)
	go func() {
		monitorErrCh <- mon.Run(loopCtx)
	}()

	if !cfg.HTTP.Enabled() {
		err := <-monitorErrCh
		if err == nil {
			appLogger.Info("shutdown complete")
		}
		return err
	}

	srv := httpserver.New(cfg.HTTP, baseLogger.With("component", "http"), gpus, mon, notifier, processes)
	appLogger.Info("starting HTTP server", "listen_addr", cfg.HTTP.ListenAddr)

	httpErrCh := make(chan error, 1)
	go func() {
		httpErrCh <- srv.Start()
	}()

	shutdownHTTP := func() error {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("http shutdown: %w", err)
		}
		if err := <-httpErrCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}

	select {
	case err := <-httpErrCh:
		loopCancel()
		if loopErr := <-monitorErrCh; loopErr != nil {
			return loopErr
		}
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case err := <-monitorErrCh:
		if shutdownErr := shutdownHTTP(); shutdownErr != nil {
			appLogger.Warn("http shutdown", "err", shutdownErr)
		}
		if err == nil {
			appLogger.Info("shutdown complete")
		}
		return err
	}
}
