package notify

import (
	"fmt"
	"strings"

	"github.com/skobkin/gpumon/internal/telemetry"
)

const (
	// Summary is the plain-text fallback carried by every message.
	Summary = "GPU Alert"

	headerPrefix = "*🚨 GPU Alert*\n"
)

// Message is a rendered alert, ready for a sink. Sections are markdown
// flavoured paragraphs in display order.
type Message struct {
	Summary  string
	Sections []string
}

// Text joins the sections the way chat clients show them.
func (m Message) Text() string {
	return strings.Join(m.Sections, "\n\n")
}

// Escaper is implemented by sinks whose markup needs free text escaped.
// Escape is applied to text that comes from outside the renderer (the
// headline, issue strings and telemetry error output) before markup is added.
type Escaper interface {
	Escape(text string) string
}

// Render builds the message for an alert. The device section is omitted
// when snapshot is nil. labels maps device index to a display name.
func Render(message string, snapshot *telemetry.Snapshot, labels map[int]string) Message {
	return RenderEscaped(message, snapshot, labels, nil)
}

// RenderEscaped is Render with free text passed through escape first. A nil
// escape leaves text unchanged.
func RenderEscaped(message string, snapshot *telemetry.Snapshot, labels map[int]string, escape func(string) string) Message {
	if escape == nil {
		escape = func(text string) string { return text }
	}
	out := Message{
		Summary:  Summary,
		Sections: []string{headerPrefix + escape(message)},
	}
	if snapshot == nil || len(snapshot.Readings) == 0 {
		return out
	}

	details := make([]string, 0, len(snapshot.Readings))
	for _, reading := range snapshot.Readings {
		details = append(details, renderReading(reading, labels, escape))
	}
	out.Sections = append(out.Sections, strings.Join(details, "\n\n"))
	return out
}

func renderReading(reading telemetry.DeviceReading, labels map[int]string, escape func(string) string) string {
	if reading.Error != "" {
		return "*Telemetry*\nError: " + escape(reading.Error)
	}

	var b strings.Builder
	b.WriteString("*GPU ")
	b.WriteString(fmt.Sprint(reading.ID))
	if name := labels[reading.ID]; name != "" {
		b.WriteString(" (")
		b.WriteString(name)
		b.WriteString(")")
	}
	b.WriteString("*")

	fmt.Fprintf(&b, "\n• ⚡ GPU: %d%% | 🧠 Mem: %d%% (%d/%d MiB) | 🌡️ %d°C",
		reading.ComputeUtilization,
		reading.MemoryUtilization,
		reading.MemoryUsed,
		reading.MemoryTotal,
		reading.Temperature,
	)

	if len(reading.Issues) > 0 {
		flagged := make([]string, len(reading.Issues))
		for i, issue := range reading.Issues {
			flagged[i] = "⚠️ " + escape(issue)
		}
		b.WriteString("\n• ")
		b.WriteString(strings.Join(flagged, " | "))
	}
	return b.String()
}
