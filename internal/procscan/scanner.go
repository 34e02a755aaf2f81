// Package procscan lists GPU compute processes reported by nvidia-smi and
// enriches them with owner and command line from /proc.
package procscan

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/skobkin/gpumon/internal/clock"
	"github.com/skobkin/gpumon/internal/gpu"
)

// Fields is the --query-compute-apps column order. process_name is last
// because it may contain commas.
var Fields = []string{"gpu_bus_id", "pid", "used_memory", "process_name"}

// DefaultMinInterval bounds how often nvidia-smi is invoked for process
// listings; calls inside the window reuse the previous snapshot.
const DefaultMinInterval = 2 * time.Second

// Querier runs a compute-apps query. *smi.Client satisfies it.
type Querier interface {
	QueryApps(ctx context.Context, fields ...string) ([][]string, error)
}

// Scanner produces process snapshots on demand.
type Scanner struct {
	source      Querier
	proc        *procReader
	busIndex    map[string]int
	clock       clock.Clock
	minInterval time.Duration
	logger      *slog.Logger

	mu       sync.Mutex
	latest   Snapshot
	lastScan time.Time
}

// Options configures a Scanner.
type Options struct {
	Source Querier
	// ProcRoot is opened for enrichment; an unreadable root only disables it.
	ProcRoot    string
	GPUs        []gpu.Info
	Clock       clock.Clock
	MinInterval time.Duration
	Logger      *slog.Logger
}

// NewScanner builds a Scanner. Call Close to release the proc root.
func NewScanner(opts Options) (*Scanner, error) {
	if opts.Source == nil {
		return nil, fmt.Errorf("process source is required")
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.MinInterval < 0 {
		return nil, fmt.Errorf("min interval must be >= 0")
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	logger := opts.Logger.With("component", "procscan")

	busIndex := make(map[string]int, len(opts.GPUs))
	for _, info := range opts.GPUs {
		if key := normalizeBusID(info.PCIBusID); key != "" {
			busIndex[key] = info.Index
		}
	}

	var proc *procReader
	if opts.ProcRoot != "" {
		root, err := os.OpenRoot(opts.ProcRoot)
		if err != nil {
			logger.Warn("proc root unavailable; processes will not be enriched", "proc_root", opts.ProcRoot, "err", err)
		} else {
			proc = newProcReader(root)
		}
	}

	return &Scanner{
		source:      opts.Source,
		proc:        proc,
		busIndex:    busIndex,
		clock:       opts.Clock,
		minInterval: opts.MinInterval,
		logger:      logger,
	}, nil
}

// Scan returns the current process list, reusing the previous one when it
// is younger than the configured minimum interval.
func (s *Scanner) Scan(ctx context.Context) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	if !s.lastScan.IsZero() && now.Sub(s.lastScan) < s.minInterval {
		return s.latest, nil
	}

	rows, err := s.source.QueryApps(ctx, Fields...)
	if err != nil {
		return Snapshot{}, fmt.Errorf("query compute apps: %w", err)
	}

	processes := make([]Process, 0, len(rows))
	for _, row := range rows {
		proc, ok := s.parseRow(row)
		if !ok {
			s.logger.Debug("skipping malformed process row", "row", strings.Join(row, ","))
			continue
		}
		processes = append(processes, proc)
	}
	sortProcesses(processes)

	s.latest = Snapshot{Timestamp: now, Processes: processes}
	s.lastScan = now
	s.logger.Debug("process scan complete", "processes", len(processes))
	return s.latest, nil
}

// Close releases the proc root.
func (s *Scanner) Close() error {
	if s.proc == nil || s.proc.root == nil {
		return nil
	}
	return s.proc.root.Close()
}

func (s *Scanner) parseRow(row []string) (Process, bool) {
	if len(row) < len(Fields) {
		return Process{}, false
	}
	pid, err := strconv.Atoi(row[1])
	if err != nil || pid <= 0 {
		return Process{}, false
	}

	proc := Process{
		GPUBusID: row[0],
		PID:      pid,
		Name:     strings.TrimSpace(strings.Join(row[3:], ",")),
	}
	if idx, ok := s.busIndex[normalizeBusID(row[0])]; ok {
		proc.GPUIndex = &idx
	}
	if mem, err := strconv.ParseUint(row[2], 10, 64); err == nil {
		proc.UsedMemoryMiB = &mem
	}

	if info, ok := s.proc.read(pid); ok {
		if info.hasUID {
			uid := info.uid
			proc.UID = &uid
			proc.User = info.user
		}
		proc.Command = info.command
		if proc.Name == "" || proc.Name == "[N/A]" {
			proc.Name = info.name
		}
	}
	if proc.Name == "[N/A]" {
		proc.Name = ""
	}
	return proc, true
}

func sortProcesses(processes []Process) {
	sort.SliceStable(processes, func(i, j int) bool {
		a, b := processes[i], processes[j]
		ai, bi := gpuOrder(a), gpuOrder(b)
		if ai != bi {
			return ai < bi
		}
		am, bm := memOrder(a), memOrder(b)
		if am != bm {
			return am > bm
		}
		return a.PID < b.PID
	})
}

func gpuOrder(p Process) int {
	if p.GPUIndex == nil {
		return int(^uint(0) >> 1)
	}
	return *p.GPUIndex
}

func memOrder(p Process) uint64 {
	if p.UsedMemoryMiB == nil {
		return 0
	}
	return *p.UsedMemoryMiB
}

// normalizeBusID maps the 8 and 4 digit PCI domain forms nvidia-smi uses in
// different queries onto one key.
func normalizeBusID(id string) string {
	id = strings.ToLower(strings.TrimSpace(id))
	if id == "" {
		return ""
	}
	domain, rest, ok := strings.Cut(id, ":")
	if !ok || strings.Count(rest, ":") != 1 {
		return id
	}
	value, err := strconv.ParseUint(domain, 16, 32)
	if err != nil {
		return id
	}
	return fmt.Sprintf("%04x:%s", value, rest)
}
