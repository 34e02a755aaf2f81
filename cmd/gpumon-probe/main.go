package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/skobkin/gpumon/internal/alert"
	"github.com/skobkin/gpumon/internal/app"
	"github.com/skobkin/gpumon/internal/clock"
	"github.com/skobkin/gpumon/internal/config"
	"github.com/skobkin/gpumon/internal/gpu"
	"github.com/skobkin/gpumon/internal/monitor"
	"github.com/skobkin/gpumon/internal/notify"
	"github.com/skobkin/gpumon/internal/procscan"
	"github.com/skobkin/gpumon/internal/smi"
	"github.com/skobkin/gpumon/internal/telemetry"
)

const (
	exitHealthy   = 0
	exitError     = 1
	exitUnhealthy = 2
)

type options struct {
	smiPath       string
	timeout       time.Duration
	utilThreshold int
	tempThreshold int
	inventory     bool
	processes     bool
	jsonOutput    bool
	notify        bool
}

type probeResult struct {
	Snapshot  telemetry.Snapshot `json:"snapshot"`
	GPUs      []gpu.Info         `json:"gpus,omitempty"`
	Processes []procscan.Process `json:"processes,omitempty"`
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func parseFlags(args []string, cfg config.Config, stderr io.Writer) (options, error) {
	opts := options{
		smiPath:       cfg.SMI.Path,
		timeout:       cfg.SMI.Timeout,
		utilThreshold: cfg.UtilThreshold,
		tempThreshold: cfg.TempThreshold,
	}

	flagSet := pflag.NewFlagSet("gpumon-probe", pflag.ContinueOnError)
	flagSet.SetOutput(stderr)
	flagSet.StringVar(&opts.smiPath, "smi", opts.smiPath, "path to nvidia-smi")
	flagSet.DurationVar(&opts.timeout, "timeout", opts.timeout, "timeout for each nvidia-smi call")
	flagSet.IntVar(&opts.utilThreshold, "util-threshold", opts.utilThreshold, "utilization alert threshold in percent")
	flagSet.IntVar(&opts.tempThreshold, "temp-threshold", opts.tempThreshold, "temperature alert threshold in °C")
	flagSet.BoolVar(&opts.inventory, "inventory", false, "also list GPUs with resolved names")
	flagSet.BoolVar(&opts.processes, "processes", false, "also list compute processes per GPU")
	flagSet.BoolVar(&opts.jsonOutput, "json", false, "print the result as JSON")
	flagSet.BoolVar(&opts.notify, "notify", false, "send the result through the configured sinks")
	flagSet.Usage = func() {
		fmt.Fprintf(stderr, "Run one GPU health check and print the result.\n\nUsage:\n  gpumon-probe [flags]\n\nFlags:\n%s", flagSet.FlagUsages())
	}

	if err := flagSet.Parse(args); err != nil {
		return options{}, err
	}
	if flagSet.NArg() > 0 {
		return options{}, fmt.Errorf("unexpected argument: %s", flagSet.Arg(0))
	}
	if opts.timeout <= 0 {
		return options{}, errors.New("--timeout must be > 0")
	}
	return opts, nil
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load configuration", "err", err)
		return exitError
	}

	opts, err := parseFlags(args, cfg, stderr)
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return exitHealthy
		}
		logger.Error("invalid arguments", "err", err)
		return exitError
	}

	client := smi.NewClient(opts.smiPath, opts.timeout, smi.ExecRunner{}, logger.With("component", "smi"))

	var result probeResult
	var labels map[int]string
	if opts.inventory {
		var resolver gpu.Resolver
		if cfg.ResolveNames {
			resolver = gpu.NewPCIDatabase()
		}
		result.GPUs, err = gpu.Inventory(ctx, client, resolver, logger.With("component", "gpu_inventory"))
		if err != nil {
			logger.Warn("gpu inventory unavailable", "err", err)
		}
		labels = gpu.Labels(result.GPUs)
	}

	clk := clock.Real()
	reader, err := telemetry.NewReader(client, telemetry.Thresholds{
		UtilizationPct: opts.utilThreshold,
		TemperatureC:   opts.tempThreshold,
	}, clk, logger.With("component", "telemetry"))
	if err != nil {
		logger.Error("init telemetry reader", "err", err)
		return exitError
	}
	result.Snapshot = reader.Read(ctx)

	if opts.processes {
		scanner, err := procscan.NewScanner(procscan.Options{
			Source:   client,
			ProcRoot: cfg.Proc.Root,
			GPUs:     result.GPUs,
			Clock:    clk,
			Logger:   logger,
		})
		if err != nil {
			logger.Error("init process scanner", "err", err)
			return exitError
		}
		listing, err := scanner.Scan(ctx)
		_ = scanner.Close()
		if err != nil {
			logger.Warn("process listing unavailable", "err", err)
		}
		result.Processes = listing.Processes
	}

	headline := headlineFor(result.Snapshot, clk.Now())
	if opts.jsonOutput {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(result); err != nil {
			logger.Error("encode probe output", "err", err)
			return exitError
		}
	} else {
		printText(stdout, headline, result, labels)
		fmt.Fprintf(stdout, "\nChecked with %s (alert above %d%% utilization or %d°C)\n",
			client.Path(), reader.Thresholds().UtilizationPct, reader.Thresholds().TemperatureC)
	}

	if opts.notify {
		sinks, err := app.Sinks(cfg)
		if err != nil {
			logger.Error("init sinks", "err", err)
			return exitError
		}
		notifier := notify.New(sinks, logger.With("component", "notify"))
		notifier.SetLabels(labels)
		notifier.Notify(ctx, headline, &result.Snapshot)
		for sink, failures := range notifier.Failures() {
			if failures > 0 {
				logger.Error("notification not delivered", "sink", sink)
				return exitError
			}
		}
	}

	if !result.Snapshot.Healthy {
		return exitUnhealthy
	}
	return exitHealthy
}

func headlineFor(snapshot telemetry.Snapshot, now time.Time) string {
	if snapshot.Healthy {
		return "✅ All GPUs healthy at " + now.Format(monitor.TimestampLayout)
	}
	return monitor.AlertMessage(alert.CategoryOf(snapshot), now)
}

func printText(w io.Writer, headline string, result probeResult, labels map[int]string) {
	if len(result.GPUs) > 0 {
		fmt.Fprintln(w, "GPUs:")
		for _, info := range result.GPUs {
			fmt.Fprintf(w, "- %d %s (bus %s, pci id %s)\n", info.Index, displayName(info), info.PCIBusID, info.PCIID)
		}
		fmt.Fprintln(w)
	}
	fmt.Fprintln(w, notify.Render(headline, &result.Snapshot, labels).Text())

	if len(result.Processes) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, "Processes:")
		for _, proc := range result.Processes {
			fmt.Fprintf(w, "- gpu %s pid %d %s %s mem %s\n", gpuLabel(proc), proc.PID, orDash(proc.User), orDash(proc.Name), memLabel(proc))
		}
	}
}

func gpuLabel(proc procscan.Process) string {
	if proc.GPUIndex == nil {
		return proc.GPUBusID
	}
	return strconv.Itoa(*proc.GPUIndex)
}

func memLabel(proc procscan.Process) string {
	if proc.UsedMemoryMiB == nil {
		return "n/a"
	}
	return strconv.FormatUint(*proc.UsedMemoryMiB, 10) + "MiB"
}

func orDash(value string) string {
	if value == "" {
		return "-"
	}
	return value
}

func displayName(info gpu.Info) string {
	if info.Name == "" {
		return "unknown"
	}
	return info.Name
}
