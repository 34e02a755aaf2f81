package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const fakeSMIScript = `#!/bin/sh
case "$1" in
--query-gpu=index,pci.bus_id*)
	echo "0, 00000000:65:00.0, 0x1EB810DE, 0x12A210DE, Tesla T4"
	;;
--query-compute-apps=*)
	echo "00000000:65:00.0, 4242, 1536, python3"
	;;
*)
	echo "0, 97, 40, 70, 1000, 16000"
	echo "1, 10, 5, 45, 200, 16000"
	;;
esac
`

func writeFakeSMI(t *testing.T) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "nvidia-smi")
	if err := os.WriteFile(path, []byte(fakeSMIScript), 0o755); err != nil {
		t.Fatalf("write fake nvidia-smi: %v", err)
	}
	return path
}

func TestRunJSONUnhealthy(t *testing.T) {
	t.Setenv("APP_ENV_FILE", "")
	smiPath := writeFakeSMI(t)

	var stdout, stderr bytes.Buffer
	code := run(context.Background(), []string{"--smi", smiPath, "--json", "--inventory"}, &stdout, &stderr)
	if code != exitUnhealthy {
		t.Fatalf("expected exit %d, got %d (stderr %q)", exitUnhealthy, code, stderr.String())
	}

	var result probeResult
	if err := json.Unmarshal(stdout.Bytes(), &result); err != nil {
		t.Fatalf("decode output: %v (%q)", err, stdout.String())
	}
	if result.Snapshot.Healthy || len(result.Snapshot.Readings) != 2 {
		t.Fatalf("unexpected snapshot %+v", result.Snapshot)
	}
	if issues := result.Snapshot.Readings[0].Issues; len(issues) != 1 || issues[0] != "High GPU utilization: 97%" {
		t.Fatalf("unexpected issues %v", issues)
	}
	if len(result.GPUs) != 1 || result.GPUs[0].Name != "Tesla T4" || result.GPUs[0].PCIID != "10de:1eb8" {
		t.Fatalf("unexpected inventory %+v", result.GPUs)
	}
}

func TestRunTextHealthyWithRaisedThreshold(t *testing.T) {
	t.Setenv("APP_ENV_FILE", "")
	smiPath := writeFakeSMI(t)

	var stdout, stderr bytes.Buffer
	code := run(context.Background(), []string{"--smi", smiPath, "--util-threshold", "99", "--temp-threshold", "85"}, &stdout, &stderr)
	if code != exitHealthy {
		t.Fatalf("expected exit %d, got %d (stderr %q)", exitHealthy, code, stderr.String())
	}

	out := stdout.String()
	if !strings.Contains(out, "✅ All GPUs healthy at ") || !strings.Contains(out, "*GPU 0*") || !strings.Contains(out, "*GPU 1*") {
		t.Fatalf("unexpected text output %q", out)
	}
	if !strings.Contains(out, "Checked with "+smiPath+" (alert above 99% utilization or 85°C)") {
		t.Fatalf("missing settings line in %q", out)
	}
}

func TestRunListsProcesses(t *testing.T) {
	t.Setenv("APP_ENV_FILE", "")
	t.Setenv("APP_PROC_ROOT", t.TempDir())
	smiPath := writeFakeSMI(t)

	var stdout, stderr bytes.Buffer
	code := run(context.Background(), []string{"--smi", smiPath, "--inventory", "--processes", "--util-threshold", "99"}, &stdout, &stderr)
	if code != exitHealthy {
		t.Fatalf("expected exit %d, got %d (stderr %q)", exitHealthy, code, stderr.String())
	}
	if !strings.Contains(stdout.String(), "- gpu 0 pid 4242 - python3 mem 1536MiB") {
		t.Fatalf("unexpected process output %q", stdout.String())
	}
}

func TestRunTelemetryFailure(t *testing.T) {
	t.Setenv("APP_ENV_FILE", "")

	var stdout, stderr bytes.Buffer
	missing := filepath.Join(t.TempDir(), "missing")
	code := run(context.Background(), []string{"--smi", missing}, &stdout, &stderr)
	if code != exitUnhealthy {
		t.Fatalf("expected exit %d, got %d", exitUnhealthy, code)
	}
	if !strings.Contains(stdout.String(), "❌ Error checking GPU status at ") || !strings.Contains(stdout.String(), "*Telemetry*") {
		t.Fatalf("unexpected output %q", stdout.String())
	}
}

func TestRunInvalidFlags(t *testing.T) {
	t.Setenv("APP_ENV_FILE", "")

	var stdout, stderr bytes.Buffer
	if code := run(context.Background(), []string{"--timeout", "0s"}, &stdout, &stderr); code != exitError {
		t.Fatalf("expected exit %d for zero timeout, got %d", exitError, code)
	}
	if code := run(context.Background(), []string{"extra"}, &stdout, &stderr); code != exitError {
		t.Fatalf("expected exit %d for positional argument, got %d", exitError, code)
	}
	if code := run(context.Background(), []string{"--help"}, &stdout, &stderr); code != exitHealthy {
		t.Fatalf("expected exit %d for --help, got %d", exitHealthy, code)
	}
}
