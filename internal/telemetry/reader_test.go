package telemetry

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/skobkin/gpumon/internal/clock"
	"github.com/skobkin/gpumon/internal/smi"
)

type fakeRunner struct {
	out []byte
	err error
}

func (f fakeRunner) Run(context.Context, string, ...string) ([]byte, error) {
	return f.out, f.err
}

var defaultThresholds = Thresholds{UtilizationPct: 95, TemperatureC: 85}

func newTestReader(t *testing.T, runner smi.Runner) (*Reader, *clock.FakeClock) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	clk := clock.Fake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	client := smi.NewClient("nvidia-smi", time.Second, runner, logger)
	reader, err := NewReader(client, defaultThresholds, clk, logger)
	if err != nil {
		t.Fatalf("NewReader returned error: %v", err)
	}
	return reader, clk
}

func TestReadHighUtilization(t *testing.T) {
	t.Parallel()

	reader, clk := newTestReader(t, fakeRunner{out: []byte("0,96,10,70,1000,8000\n")})
	if reader.Thresholds() != defaultThresholds {
		t.Fatalf("unexpected thresholds %+v", reader.Thresholds())
	}
	snapshot := reader.Read(context.Background())

	if snapshot.Healthy {
		t.Fatal("expected unhealthy snapshot")
	}
	if !snapshot.Timestamp.Equal(clk.Now()) {
		t.Fatalf("unexpected timestamp %s", snapshot.Timestamp)
	}
	if snapshot.Err() != "" {
		t.Fatalf("unexpected error entry %q", snapshot.Err())
	}
	if len(snapshot.Readings) != 1 {
		t.Fatalf("expected 1 reading, got %d", len(snapshot.Readings))
	}

	got := snapshot.Readings[0]
	if got.ID != 0 || got.ComputeUtilization != 96 || got.MemoryUtilization != 10 ||
		got.Temperature != 70 || got.MemoryUsed != 1000 || got.MemoryTotal != 8000 {
		t.Fatalf("unexpected reading %+v", got)
	}
	if len(got.Issues) != 1 || got.Issues[0] != "High GPU utilization: 96%" {
		t.Fatalf("unexpected issues %v", got.Issues)
	}
}

func TestReadHealthyMultipleDevices(t *testing.T) {
	t.Parallel()

	reader, _ := newTestReader(t, fakeRunner{out: []byte("0, 10, 5, 40, 100, 8000\n1, 95, 50, 85, 4000, 8000\n")})
	snapshot := reader.Read(context.Background())

	if !snapshot.Healthy {
		t.Fatalf("expected healthy snapshot, got %+v", snapshot)
	}
	if len(snapshot.Readings) != 2 {
		t.Fatalf("expected 2 readings, got %d", len(snapshot.Readings))
	}
	for _, reading := range snapshot.Readings {
		if len(reading.Issues) != 0 {
			t.Fatalf("device %d should have no issues, got %v", reading.ID, reading.Issues)
		}
	}
}

func TestReadSkipsShortLines(t *testing.T) {
	t.Parallel()

	out := "0,10,5,40,100,8000\ngarbage,line\n1,20,5,41,100,8000\n"
	reader, _ := newTestReader(t, fakeRunner{out: []byte(out)})
	snapshot := reader.Read(context.Background())

	if !snapshot.Healthy {
		t.Fatalf("short line must not affect verdict: %+v", snapshot)
	}
	if len(snapshot.Readings) != 2 {
		t.Fatalf("expected 2 readings, got %d", len(snapshot.Readings))
	}
	if snapshot.Readings[1].ID != 1 {
		t.Fatalf("unexpected second reading %+v", snapshot.Readings[1])
	}
}

func TestReadUnparseableFieldIsSnapshotError(t *testing.T) {
	t.Parallel()

	reader, _ := newTestReader(t, fakeRunner{out: []byte("0,10,5,40,100,8000\n1,[N/A],5,41,100,8000\n")})
	snapshot := reader.Read(context.Background())

	if snapshot.Healthy {
		t.Fatal("expected unhealthy snapshot")
	}
	if len(snapshot.Readings) != 1 || snapshot.Err() == "" {
		t.Fatalf("expected sentinel error entry, got %+v", snapshot.Readings)
	}
	if !strings.Contains(snapshot.Err(), "utilization.gpu") {
		t.Fatalf("error should name the field: %q", snapshot.Err())
	}
}

func TestReadCommandFailure(t *testing.T) {
	t.Parallel()

	runErr := &smi.CommandError{Path: "nvidia-smi", Err: errors.New("exit status 9"), Stderr: "driver not loaded"}
	reader, _ := newTestReader(t, fakeRunner{err: runErr})
	snapshot := reader.Read(context.Background())

	if snapshot.Healthy {
		t.Fatal("expected unhealthy snapshot")
	}
	if !strings.Contains(snapshot.Err(), "driver not loaded") {
		t.Fatalf("error should include stderr: %q", snapshot.Err())
	}
}

func TestQueryErrorsMatchUnavailable(t *testing.T) {
	t.Parallel()

	failing, _ := newTestReader(t, fakeRunner{err: errors.New("boom")})
	_, err := failing.Query(context.Background())
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("command error should match ErrUnavailable: %v", err)
	}
	var cmdErr *smi.CommandError
	if !errors.As(err, &cmdErr) {
		t.Fatalf("command error should unwrap to *smi.CommandError: %T", err)
	}

	garbled, _ := newTestReader(t, fakeRunner{out: []byte("x,1,2,3,4,5\n")})
	_, err = garbled.Query(context.Background())
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("parse error should match ErrUnavailable: %v", err)
	}
	var parseErr *ParseError
	if !errors.As(err, &parseErr) || parseErr.Field != "index" || parseErr.Row != 1 {
		t.Fatalf("unexpected parse error %#v", err)
	}
}

func TestParseRowsCountsOnlyDeviceRows(t *testing.T) {
	t.Parallel()

	rows := [][]string{
		{"0", "10", "5", "40", "100", "16000"},
		{"partial"},
		{"1", "n/a", "5", "40", "100", "16000"},
	}
	_, err := ParseRows(rows)
	var parseErr *ParseError
	if !errors.As(err, &parseErr) {
		t.Fatalf("expected *ParseError, got %v", err)
	}
	if parseErr.Row != 2 || parseErr.Field != "utilization.gpu" || parseErr.Value != "n/a" {
		t.Fatalf("unexpected parse error %+v", parseErr)
	}
	if !strings.Contains(parseErr.Error(), "device row 2") {
		t.Fatalf("unexpected message %q", parseErr.Error())
	}
}

func TestClassifyBoundaries(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name   string
		util   int
		temp   int
		issues []string
	}{
		{"AtThresholds", 95, 85, nil},
		{"UtilOneAbove", 96, 85, []string{"High GPU utilization: 96%"}},
		{"TempOneAbove", 95, 86, []string{"High temperature: 86°C"}},
		{"Both", 100, 90, []string{"High GPU utilization: 100%", "High temperature: 90°C"}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got := Classify(DeviceReading{ComputeUtilization: tc.util, Temperature: tc.temp}, defaultThresholds)
			if len(got) != len(tc.issues) {
				t.Fatalf("expected %v, got %v", tc.issues, got)
			}
			for i := range got {
				if got[i] != tc.issues[i] {
					t.Fatalf("expected %v, got %v", tc.issues, got)
				}
			}
		})
	}
}

func TestEvaluate(t *testing.T) {
	t.Parallel()

	ts := time.Unix(100, 0)
	empty := Evaluate(ts, nil)
	if !empty.Healthy || empty.Readings == nil {
		t.Fatalf("no devices should be healthy with an empty slice: %+v", empty)
	}

	mixed := Evaluate(ts, []DeviceReading{{ID: 0}, {ID: 1, Issues: []string{"hot"}}})
	if mixed.Healthy {
		t.Fatal("any issue must make the snapshot unhealthy")
	}
	if mixed.Issues() != 1 {
		t.Fatalf("expected 1 issue, got %d", mixed.Issues())
	}

	sentinel := ErrorSnapshot(ts, "nope")
	if sentinel.Healthy || sentinel.Err() != "nope" {
		t.Fatalf("unexpected sentinel %+v", sentinel)
	}
}
