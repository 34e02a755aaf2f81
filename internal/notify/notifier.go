// Package notify renders status snapshots and delivers them to chat sinks.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"sync/atomic"

	"github.com/skobkin/gpumon/internal/telemetry"
)

// Sink delivers a rendered message to one destination.
type Sink interface {
	Name() string
	Send(ctx context.Context, msg Message) error
}

// Notifier fans a message out to every configured sink. Delivery errors are
// logged and counted, never returned.
type Notifier struct {
	sinks  []Sink
	logger *slog.Logger

	labelsMu sync.RWMutex
	labels   map[int]string

	delivered atomic.Uint64
	failures  map[string]*atomic.Uint64
}

// New constructs a Notifier. With no sinks, messages go to the log.
func New(sinks []Sink, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	failures := make(map[string]*atomic.Uint64, len(sinks))
	for _, sink := range sinks {
		failures[sink.Name()] = &atomic.Uint64{}
	}
	return &Notifier{
		sinks:    sinks,
		logger:   logger,
		failures: failures,
	}
}

// SetLabels installs device display names used when rendering.
func (n *Notifier) SetLabels(labels map[int]string) {
	n.labelsMu.Lock()
	defer n.labelsMu.Unlock()
	n.labels = maps.Clone(labels)
}

// Notify renders and delivers message. snapshot may be nil.
func (n *Notifier) Notify(ctx context.Context, message string, snapshot *telemetry.Snapshot) {
	n.labelsMu.RLock()
	rendered := Render(message, snapshot, n.labels)
	n.labelsMu.RUnlock()

	if len(n.sinks) == 0 {
		n.logger.Info("no delivery endpoint configured, alert written to log only",
			"summary", rendered.Summary,
			"text", rendered.Text(),
		)
		return
	}

	for _, sink := range n.sinks {
		msg := rendered
		if escaper, ok := sink.(Escaper); ok {
			n.labelsMu.RLock()
			msg = RenderEscaped(message, snapshot, n.labels, escaper.Escape)
			n.labelsMu.RUnlock()
		}
		if err := n.send(ctx, sink, msg); err != nil {
			n.failures[sink.Name()].Add(1)
			n.logger.Warn("failed to deliver notification", "sink", sink.Name(), "err", err)
			continue
		}
		n.delivered.Add(1)
		n.logger.Debug("notification delivered", "sink", sink.Name())
	}
}

func (n *Notifier) send(ctx context.Context, sink Sink, msg Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{value: r}
		}
	}()
	return sink.Send(ctx, msg)
}

// SinkNames returns the configured sink names.
func (n *Notifier) SinkNames() []string {
	names := make([]string, 0, len(n.sinks))
	for _, sink := range n.sinks {
		names = append(names, sink.Name())
	}
	return names
}

// Delivered returns the number of successful sink deliveries.
func (n *Notifier) Delivered() uint64 { return n.delivered.Load() }

// Failures returns delivery failure counts keyed by sink name.
func (n *Notifier) Failures() map[string]uint64 {
	out := make(map[string]uint64, len(n.failures))
	for name, counter := range n.failures {
		out[name] = counter.Load()
	}
	return out
}

type panicError struct{ value any }

func (e *panicError) Error() string { return fmt.Sprintf("sink panicked: %v", e.value) }
