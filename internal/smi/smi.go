// Package smi runs nvidia-smi queries and splits their csv output into rows.
package smi

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"
)

// DefaultPath is the command looked up on PATH when none is configured.
const DefaultPath = "nvidia-smi"

// Runner executes an external command and returns its standard output.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

// Run executes name with args. Stderr is captured into the returned
// *CommandError when the command fails.
func (ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = fmt.Errorf("%w (%v)", ctxErr, err)
		}
		return nil, &CommandError{
			Path:   name,
			Err:    err,
			Stderr: strings.TrimSpace(stderr.String()),
		}
	}
	return stdout.Bytes(), nil
}

// CommandError reports a failed nvidia-smi invocation.
type CommandError struct {
	Path   string
	Err    error
	Stderr string
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("run %s: %v", e.Path, e.Err)
	if e.Stderr != "" {
		msg += "\n" + e.Stderr
	}
	return msg
}

func (e *CommandError) Unwrap() error { return e.Err }

// Client issues --query-gpu and --query-compute-apps requests.
type Client struct {
	path    string
	timeout time.Duration
	runner  Runner
	logger  *slog.Logger
}

// NewClient constructs a Client. A zero timeout disables the per-call deadline.
func NewClient(path string, timeout time.Duration, runner Runner, logger *slog.Logger) *Client {
	if path == "" {
		path = DefaultPath
	}
	if runner == nil {
		runner = ExecRunner{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		path:    path,
		timeout: timeout,
		runner:  runner,
		logger:  logger,
	}
}

// Path returns the command the client invokes.
func (c *Client) Path() string { return c.path }

// Query asks nvidia-smi for the given fields and returns one row per device.
// Rows with fewer columns than requested are dropped.
func (c *Client) Query(ctx context.Context, fields ...string) ([][]string, error) {
	return c.query(ctx, "--query-gpu", fields)
}

// QueryApps lists compute processes, one row per process per device.
func (c *Client) QueryApps(ctx context.Context, fields ...string) ([][]string, error) {
	return c.query(ctx, "--query-compute-apps", fields)
}

func (c *Client) query(ctx context.Context, flag string, fields []string) ([][]string, error) {
	if len(fields) == 0 {
		return nil, errors.New("no query fields")
	}

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	args := []string{
		flag + "=" + strings.Join(fields, ","),
		"--format=csv,noheader,nounits",
	}

	start := time.Now()
	out, err := c.runner.Run(ctx, c.path, args...)
	if err != nil {
		var cmdErr *CommandError
		if !errors.As(err, &cmdErr) {
			err = &CommandError{Path: c.path, Err: err}
		}
		return nil, err
	}
	c.logger.Debug("nvidia-smi query complete", "query", flag, "fields", len(fields), "bytes", len(out), "duration", time.Since(start))

	return SplitRows(out, len(fields)), nil
}

// SplitRows splits csv output into trimmed fields, skipping blank lines and
// lines with fewer than minFields columns.
func SplitRows(out []byte, minFields int) [][]string {
	var rows [][]string
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		parts := strings.Split(line, ",")
		if len(parts) < minFields {
			continue
		}
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		rows = append(rows, parts)
	}
	return rows
}
