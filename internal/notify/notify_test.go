package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/skobkin/gpumon/internal/telemetry"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func sampleSnapshot() *telemetry.Snapshot {
	snapshot := telemetry.Evaluate(time.Unix(0, 0), []telemetry.DeviceReading{
		{ID: 0, ComputeUtilization: 96, MemoryUtilization: 10, Temperature: 70, MemoryUsed: 1000, MemoryTotal: 8000,
			Issues: []string{"High GPU utilization: 96%"}},
		{ID: 1, ComputeUtilization: 12, MemoryUtilization: 3, Temperature: 41, MemoryUsed: 10, MemoryTotal: 8000,
			Issues: []string{}},
	})
	return &snapshot
}

func TestRenderDevices(t *testing.T) {
	t.Parallel()

	msg := Render("❌ GPU issues detected at 2026-01-01 00:00:00", sampleSnapshot(), map[int]string{0: "NVIDIA A100"})

	if msg.Summary != "GPU Alert" {
		t.Fatalf("unexpected summary %q", msg.Summary)
	}
	if len(msg.Sections) != 2 {
		t.Fatalf("expected header and device sections, got %d", len(msg.Sections))
	}
	if msg.Sections[0] != "*🚨 GPU Alert*\n❌ GPU issues detected at 2026-01-01 00:00:00" {
		t.Fatalf("unexpected header %q", msg.Sections[0])
	}

	want := "*GPU 0 (NVIDIA A100)*\n" +
		"• ⚡ GPU: 96% | 🧠 Mem: 10% (1000/8000 MiB) | 🌡️ 70°C\n" +
		"• ⚠️ High GPU utilization: 96%" +
		"\n\n" +
		"*GPU 1*\n" +
		"• ⚡ GPU: 12% | 🧠 Mem: 3% (10/8000 MiB) | 🌡️ 41°C"
	if msg.Sections[1] != want {
		t.Fatalf("unexpected device section:\n%s\nwant:\n%s", msg.Sections[1], want)
	}
}

func TestRenderErrorEntryAndNilSnapshot(t *testing.T) {
	t.Parallel()

	snapshot := telemetry.ErrorSnapshot(time.Unix(0, 0), "run nvidia-smi: exit status 9")
	msg := Render("❌ Error checking GPU status", &snapshot, nil)
	if len(msg.Sections) != 2 || msg.Sections[1] != "*Telemetry*\nError: run nvidia-smi: exit status 9" {
		t.Fatalf("unexpected sections %q", msg.Sections)
	}
	if strings.Contains(msg.Sections[1], "⚡") {
		t.Fatal("error entry must not render metrics")
	}

	bare := Render("Unexpected error in GPU monitor: boom", nil, nil)
	if len(bare.Sections) != 1 {
		t.Fatalf("nil snapshot should render header only, got %q", bare.Sections)
	}
}

func TestSlackWebhookPayload(t *testing.T) {
	t.Parallel()

	var (
		mu      sync.Mutex
		payload SlackMessage
		agent   string
		ctype   string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		agent = r.Header.Get("User-Agent")
		ctype = r.Header.Get("Content-Type")
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Errorf("decode payload: %v", err)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	sink, err := NewSlackWebhook(SlackConfig{WebhookURL: srv.URL, UserAgent: "gpumon/test"})
	if err != nil {
		t.Fatalf("NewSlackWebhook returned error: %v", err)
	}

	msg := Render("hello", sampleSnapshot(), nil)
	if err := sink.Send(context.Background(), msg); err != nil {
		t.Fatalf("Send returned error: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if payload.Text != "GPU Alert" || payload.Username != "GPU Monitor" || payload.IconEmoji != ":desktop_computer:" {
		t.Fatalf("unexpected payload envelope %+v", payload)
	}
	if len(payload.Blocks) != 2 {
		t.Fatalf("expected 2 blocks, got %d", len(payload.Blocks))
	}
	for _, block := range payload.Blocks {
		if block.Type != "section" || block.Text.Type != "mrkdwn" || block.Text.Text == "" {
			t.Fatalf("unexpected block %+v", block)
		}
	}
	if agent != "gpumon/test" {
		t.Fatalf("unexpected user agent %q", agent)
	}
	if ctype != "application/json" {
		t.Fatalf("unexpected content type %q", ctype)
	}
}

func TestSlackWebhookNon2xx(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "invalid_token", http.StatusForbidden)
	}))
	defer srv.Close()

	sink, err := NewSlackWebhook(SlackConfig{WebhookURL: srv.URL})
	if err != nil {
		t.Fatalf("NewSlackWebhook returned error: %v", err)
	}

	err = sink.Send(context.Background(), Render("x", nil, nil))
	if err == nil || !strings.Contains(err.Error(), "403") || !strings.Contains(err.Error(), "invalid_token") {
		t.Fatalf("expected status error, got %v", err)
	}
}

func TestSlackWebhookTimeout(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	sink, err := NewSlackWebhook(SlackConfig{WebhookURL: srv.URL, Timeout: 50 * time.Millisecond})
	if err != nil {
		t.Fatalf("NewSlackWebhook returned error: %v", err)
	}
	if err := sink.Send(context.Background(), Render("x", nil, nil)); err == nil {
		t.Fatal("expected timeout error")
	}
}

func TestNewSlackWebhookRequiresURL(t *testing.T) {
	t.Parallel()

	if _, err := NewSlackWebhook(SlackConfig{}); err == nil {
		t.Fatal("expected error for empty URL")
	}
}

type recordingSink struct {
	name string
	err  error
	mu   sync.Mutex
	msgs []Message
}

func (s *recordingSink) Name() string { return s.name }

func (s *recordingSink) Send(_ context.Context, msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, msg)
	return s.err
}

type panickingSink struct{}

func (panickingSink) Name() string { return "broken" }

func (panickingSink) Send(context.Context, Message) error { panic("nil map") }

func TestNotifierSwallowsFailures(t *testing.T) {
	t.Parallel()

	failing := &recordingSink{name: "slack", err: errors.New("connection refused")}
	ok := &recordingSink{name: "telegram"}
	n := New([]Sink{failing, panickingSink{}, ok}, discardLogger())
	n.SetLabels(map[int]string{0: "Tesla T4"})

	n.Notify(context.Background(), "❌ GPU issues detected", sampleSnapshot())

	if len(ok.msgs) != 1 || len(failing.msgs) != 1 {
		t.Fatalf("every sink should be attempted: ok=%d failing=%d", len(ok.msgs), len(failing.msgs))
	}
	if !strings.Contains(ok.msgs[0].Text(), "GPU 0 (Tesla T4)") {
		t.Fatalf("labels not applied: %q", ok.msgs[0].Text())
	}

	failures := n.Failures()
	if failures["slack"] != 1 || failures["broken"] != 1 || failures["telegram"] != 0 {
		t.Fatalf("unexpected failure counts %v", failures)
	}
	if n.Delivered() != 1 {
		t.Fatalf("expected 1 delivery, got %d", n.Delivered())
	}
	if got := n.SinkNames(); len(got) != 3 || got[0] != "slack" {
		t.Fatalf("unexpected sink names %v", got)
	}
}

type escapingSink struct {
	recordingSink
}

func (*escapingSink) Escape(text string) string { return strings.ReplaceAll(text, "*", `\*`) }

func TestNotifierEscapesForEscaperSinks(t *testing.T) {
	t.Parallel()

	plain := &recordingSink{name: "slack"}
	escaping := &escapingSink{recordingSink{name: "telegram"}}
	n := New([]Sink{plain, escaping}, discardLogger())

	n.Notify(context.Background(), "boom *x*", nil)

	if got := plain.msgs[0].Sections[0]; !strings.HasSuffix(got, "boom *x*") {
		t.Fatalf("plain sink must get raw text, got %q", got)
	}
	if got := escaping.msgs[0].Sections[0]; !strings.HasSuffix(got, `boom \*x\*`) {
		t.Fatalf("escaping sink must get escaped text, got %q", got)
	}
}

func TestNotifierConsoleFallback(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	n := New(nil, slog.New(slog.NewTextHandler(&buf, nil)))
	n.Notify(context.Background(), "❌ Error checking GPU status", nil)

	out := buf.String()
	if !strings.Contains(out, "no delivery endpoint configured") || !strings.Contains(out, "Error checking GPU status") {
		t.Fatalf("expected alert in log output, got %q", out)
	}
	if len(n.Failures()) != 0 {
		t.Fatalf("console fallback is not a failure: %v", n.Failures())
	}
}
