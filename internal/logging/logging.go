// Package logging builds the process slog.Logger from configuration.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/skobkin/gpumon/internal/config"
)

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// New returns a logger writing to stderr and, when cfg.File is set, to a
// rotating file as well. The returned closer flushes the file.
func New(cfg config.LogConfig) (*slog.Logger, io.Closer, error) {
	return build(os.Stderr, cfg)
}

func build(console io.Writer, cfg config.LogConfig) (*slog.Logger, io.Closer, error) {
	out := console
	var closer io.Closer = nopCloser{}

	if cfg.File != "" {
		rotator := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
		}
		out = io.MultiWriter(console, rotator)
		closer = rotator
	}

	handler, err := newHandler(out, cfg)
	if err != nil {
		_ = closer.Close()
		return nil, nil, err
	}
	return slog.New(handler), closer, nil
}

func newHandler(w io.Writer, cfg config.LogConfig) (slog.Handler, error) {
	opts := &slog.HandlerOptions{Level: cfg.Level}
	switch cfg.Format {
	case "", "text":
		return slog.NewTextHandler(w, opts), nil
	case "json":
		return slog.NewJSONHandler(w, opts), nil
	default:
		return nil, fmt.Errorf("unsupported log format %q", cfg.Format)
	}
}
