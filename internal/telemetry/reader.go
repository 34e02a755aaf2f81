// Package telemetry reads per-GPU metrics from nvidia-smi and classifies them
// against alert thresholds.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/skobkin/gpumon/internal/clock"
)

// ErrUnavailable matches every failure to obtain telemetry: command errors
// and unparseable output.
var ErrUnavailable = errors.New("telemetry unavailable")

// Fields is the nvidia-smi query, in the order ParseRows expects.
var Fields = []string{
	"index",
	"utilization.gpu",
	"utilization.memory",
	"temperature.gpu",
	"memory.used",
	"memory.total",
}

// Querier is satisfied by *smi.Client.
type Querier interface {
	Query(ctx context.Context, fields ...string) ([][]string, error)
}

// ParseError reports a field that is not an integer. Row is the 1-based
// device row among those that carried enough columns, not the raw output
// line.
type ParseError struct {
	Row   int
	Field string
	Value string
	Err   error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %s in device row %d: %q: %v", e.Field, e.Row, e.Value, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

func (e *ParseError) Is(target error) bool { return target == ErrUnavailable }

type unavailableError struct{ err error }

func (e *unavailableError) Error() string { return e.err.Error() }

func (e *unavailableError) Unwrap() []error { return []error{ErrUnavailable, e.err} }

// Reader produces one Snapshot per call.
type Reader struct {
	source     Querier
	thresholds Thresholds
	clock      clock.Clock
	logger     *slog.Logger
}

// NewReader constructs a Reader over the given source.
func NewReader(source Querier, thresholds Thresholds, clk clock.Clock, logger *slog.Logger) (*Reader, error) {
	if source == nil {
		return nil, errors.New("telemetry source is required")
	}
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reader{
		source:     source,
		thresholds: thresholds,
		clock:      clk,
		logger:     logger,
	}, nil
}

// Thresholds returns the limits the reader classifies against.
func (r *Reader) Thresholds() Thresholds { return r.thresholds }

// Query runs the telemetry command and returns classified readings. Errors
// match ErrUnavailable.
func (r *Reader) Query(ctx context.Context) ([]DeviceReading, error) {
	rows, err := r.source.Query(ctx, Fields...)
	if err != nil {
		return nil, &unavailableError{err: err}
	}

	readings, err := ParseRows(rows)
	if err != nil {
		return nil, err
	}
	for i := range readings {
		readings[i].Issues = Classify(readings[i], r.thresholds)
	}
	return readings, nil
}

// Read returns the cycle snapshot. Failures become the sentinel error form.
func (r *Reader) Read(ctx context.Context) Snapshot {
	now := r.clock.Now()
	readings, err := r.Query(ctx)
	if err != nil {
		r.logger.Warn("telemetry read failed", "err", err)
		return ErrorSnapshot(now, err.Error())
	}
	return Evaluate(now, readings)
}

// ParseRows converts split nvidia-smi rows into readings. Issues are left
// empty. Rows from smi.SplitRows already have enough columns; short rows
// from other callers are skipped and not counted in ParseError.Row.
func ParseRows(rows [][]string) ([]DeviceReading, error) {
	readings := make([]DeviceReading, 0, len(rows))
	row := 0
	for _, fields := range rows {
		if len(fields) < len(Fields) {
			continue
		}
		row++
		values := make([]int, len(Fields))
		for j, field := range Fields {
			value, err := strconv.Atoi(fields[j])
			if err != nil {
				return nil, &ParseError{Row: row, Field: field, Value: fields[j], Err: err}
			}
			values[j] = value
		}
		readings = append(readings, DeviceReading{
			ID:                 values[0],
			ComputeUtilization: values[1],
			MemoryUtilization:  values[2],
			Temperature:        values[3],
			MemoryUsed:         values[4],
			MemoryTotal:        values[5],
			Issues:             []string{},
		})
	}
	return readings, nil
}

// Classify returns the threshold issues for a reading.
func Classify(reading DeviceReading, thresholds Thresholds) []string {
	issues := []string{}
	if reading.ComputeUtilization > thresholds.UtilizationPct {
		issues = append(issues, fmt.Sprintf("High GPU utilization: %d%%", reading.ComputeUtilization))
	}
	if reading.Temperature > thresholds.TemperatureC {
		issues = append(issues, fmt.Sprintf("High temperature: %d°C", reading.Temperature))
	}
	return issues
}
