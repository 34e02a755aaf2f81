// Package monitor runs the poll cycle: read telemetry, log it, deduplicate
// alerts and hand notifications to the configured sinks. The latest status
// is cached for the HTTP surface and fanned out to subscribers.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/skobkin/gpumon/internal/alert"
	"github.com/skobkin/gpumon/internal/clock"
	"github.com/skobkin/gpumon/internal/telemetry"
)

// TimestampLayout formats times inside notification messages.
const TimestampLayout = "2006-01-02 15:04:05"

// Reader produces one snapshot per call. *telemetry.Reader satisfies it.
type Reader interface {
	Read(ctx context.Context) telemetry.Snapshot
}

// Notifier delivers a message. Delivery failures are handled by the
// implementation. *notify.Notifier satisfies it.
type Notifier interface {
	Notify(ctx context.Context, message string, snapshot *telemetry.Snapshot)
}

// Options configures a Monitor.
type Options struct {
	Interval       time.Duration
	Cooldown       time.Duration
	NotifyRecovery bool
	Reader         Reader
	Notifier       Notifier
	Clock          clock.Clock
	Logger         *slog.Logger
	// NewAlertID defaults to uuid.NewString.
	NewAlertID func() string
}

// FaultError wraps a panic that escaped a cycle.
type FaultError struct {
	Value any
	Stack []byte
}

func (e *FaultError) Error() string { return fmt.Sprintf("monitor fault: %v", e.Value) }

func (e *FaultError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}

// Monitor owns the deduplicator and the poll loop.
type Monitor struct {
	interval       time.Duration
	notifyRecovery bool
	reader         Reader
	notifier       Notifier
	clock          clock.Clock
	dedup          *alert.Deduplicator
	newAlertID     func() string
	logger         *slog.Logger

	cycles          atomic.Uint64
	notifications   atomic.Uint64
	suppressed      atomic.Uint64
	telemetryErrors atomic.Uint64
	recoveries      atomic.Uint64

	mu          sync.RWMutex
	latest      *Status
	lastAlert   *LastAlert
	subscribers map[*subscriber]struct{}
	closed      bool
}

// New validates opts and builds a Monitor.
func New(opts Options) (*Monitor, error) {
	if opts.Interval <= 0 {
		return nil, fmt.Errorf("interval must be > 0")
	}
	if opts.Reader == nil {
		return nil, errors.New("reader is required")
	}
	if opts.Notifier == nil {
		return nil, errors.New("notifier is required")
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.NewAlertID == nil {
		opts.NewAlertID = uuid.NewString
	}

	return &Monitor{
		interval:       opts.Interval,
		notifyRecovery: opts.NotifyRecovery,
		reader:         opts.Reader,
		notifier:       opts.Notifier,
		clock:          opts.Clock,
		dedup:          alert.NewDeduplicator(opts.Cooldown),
		newAlertID:     opts.NewAlertID,
		logger:         opts.Logger.With("component", "monitor"),
		subscribers:    make(map[*subscriber]struct{}),
	}, nil
}

// Interval returns the poll interval.
func (m *Monitor) Interval() time.Duration { return m.interval }

// Run executes cycles until ctx is canceled, waiting Interval between them.
// Cancellation returns nil. A panic inside a cycle is returned as
// *FaultError after a final best-effort alert.
func (m *Monitor) Run(ctx context.Context) (err error) {
	defer m.closeSubscribers()
	defer func() {
		recovered := recover()
		if recovered == nil {
			return
		}
		fault := &FaultError{Value: recovered, Stack: debug.Stack()}
		m.logger.Error("monitor loop crashed", "err", fault, "stack", string(fault.Stack))
		m.sendFinalAlert(context.WithoutCancel(ctx), fault)
		err = fault
	}()

	m.logger.Info("monitor started", "interval", m.interval, "cooldown", m.dedup.Cooldown())

	for {
		m.Cycle(ctx)

		select {
		case <-ctx.Done():
			m.logger.Info("monitor stopping", "reason", ctx.Err())
			return nil
		case <-m.clock.After(m.interval):
		}
	}
}

// Cycle runs one read, evaluate and notify pass and publishes the result.
func (m *Monitor) Cycle(ctx context.Context) alert.Decision {
	snapshot := m.reader.Read(ctx)
	if ctx.Err() != nil {
		// Shutdown interrupted the read; nothing is evaluated or sent.
		return alert.Decision{}
	}
	now := m.clock.Now()
	cycle := m.cycles.Add(1)

	m.logSnapshot(snapshot)
	if snapshot.Err() != "" {
		m.telemetryErrors.Add(1)
	}

	decision := m.dedup.Evaluate(snapshot, now)
	var fired *LastAlert

	switch {
	case decision.Notify:
		fired = &LastAlert{
			ID:       m.newAlertID(),
			Category: decision.Category,
			Message:  AlertMessage(decision.Category, now),
			SentAt:   now,
		}
		m.logger.Warn("sending alert", "alert_id", fired.ID, "category", fired.Category)
		m.notifier.Notify(ctx, fired.Message, &snapshot)
		m.notifications.Add(1)
	case decision.Suppressed:
		m.suppressed.Add(1)
		m.logger.Info("alert suppressed by cooldown",
			"category", decision.Category,
			"last_sent", decision.LastSent,
			"next_after", decision.LastSent.Add(m.dedup.Cooldown()),
		)
	case decision.Recovered:
		m.recoveries.Add(1)
		m.logger.Info("all alerts cleared")
		if m.notifyRecovery {
			m.notifier.Notify(ctx, "✅ All GPUs healthy again at "+now.Format(TimestampLayout), nil)
		}
	}

	m.publish(cycle, snapshot, decision, fired)
	return decision
}

func (m *Monitor) logSnapshot(snapshot telemetry.Snapshot) {
	if snapshot.Healthy {
		m.logger.Info("all gpus healthy", "devices", len(snapshot.Readings))
		return
	}
	for _, reading := range snapshot.Readings {
		if reading.Error != "" {
			m.logger.Warn("telemetry unavailable", "err", reading.Error)
			continue
		}
		for _, issue := range reading.Issues {
			m.logger.Warn("gpu issue", "gpu_id", reading.ID, "issue", issue)
		}
	}
}

func (m *Monitor) sendFinalAlert(ctx context.Context, fault *FaultError) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("final alert failed", "err", r)
		}
	}()
	m.notifier.Notify(ctx, fmt.Sprintf("Unexpected error in GPU monitor: %v", fault.Value), nil)
}

// AlertMessage is the notification headline for category at now.
func AlertMessage(category alert.Category, now time.Time) string {
	ts := now.Format(TimestampLayout)
	if category == alert.CategoryError {
		return "❌ Error checking GPU status at " + ts
	}
	return "❌ GPU issues detected at " + ts
}

// Stats holds loop counters since start.
type Stats struct {
	Cycles          uint64 `json:"cycles"`
	Notifications   uint64 `json:"notifications"`
	Suppressed      uint64 `json:"suppressed"`
	TelemetryErrors uint64 `json:"telemetry_errors"`
	Recoveries      uint64 `json:"recoveries"`
}

// Stats returns a snapshot of the loop counters.
func (m *Monitor) Stats() Stats {
	return Stats{
		Cycles:          m.cycles.Load(),
		Notifications:   m.notifications.Load(),
		Suppressed:      m.suppressed.Load(),
		TelemetryErrors: m.telemetryErrors.Load(),
		Recoveries:      m.recoveries.Load(),
	}
}
