package components

import (
	"fmt"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/shipflow/overlay/internal/events"
	"github.com/shipflow/overlay/internal/stream"
)

var eventLogANSIPattern = regexp.MustCompile(`\x1b\[[0-9;]*m`)

func TestResolveEventLogLineCount(t *testing.T) {
	t.Parallel()

	if got := ResolveEventLogLineCount(140, 40); got != 8 {
		t.Fatalf("standard line count = %d, want 8", got)
	}
	if got := ResolveEventLogLineCount(80, 40); got != 4 {
		t.Fatalf("compact line count = %d, want 4", got)
	}
	if got := ResolveEventLogLineCount(140, 12); got != 2 {
		t.Fatalf("small terminal line count = %d, want 2", got)
	}
}

func TestBuildEventLogViewportAutoScrollsAndCapsEntries(t *testing.T) {
	t.Parallel()

	entries := make([]EventLogEntry, 0, 60)
	for i := 0; i < 60; i++ {
		entries = append(entries, EventLogEntry{
			Severity:  "INFO",
			Timestamp: fmt.Sprintf("14:00:%02d", i),
			Kind:      "status",
			Message:   fmt.Sprintf("event-%02d", i),
		})
	}

	auto := BuildEventLogViewport(EventLogConfig{Width: 120, Height: 4, Events: entries, AutoScroll: true, MaxEntries: 50})
	paused := BuildEventLogViewport(EventLogConfig{Width: 120, Height: 4, Events: entries, MaxEntries: 50})

	if auto.YOffset <= paused.YOffset {
		t.Fatalf("expected auto-scroll to move viewport to bottom (auto=%d paused=%d)", auto.YOffset, paused.YOffset)
	}
	rendered := stripANSIEventLog(auto.View())
	if strings.Contains(rendered, "event-00") {
		t.Fatalf("expected max-entry cap to drop oldest events\n%s", rendered)
	}
	if !strings.Contains(rendered, "event-59") {
		t.Fatalf("expected latest event in viewport\n%s", rendered)
	}
}

func TestRenderEventLogAppliesSeverityFiltering(t *testing.T) {
	t.Parallel()

	rendered := stripANSIEventLog(RenderEventLog(EventLogConfig{
		Width:      120,
		Height:     4,
		AutoScroll: true,
		Events: []EventLogEntry{
			{Severity: "INFO", Timestamp: "14:00:01", Kind: "status", Message: "info-entry"},
			{Severity: "WARN", Timestamp: "14:00:02", Kind: "status", Message: "warn-entry"},
			{Severity: "ERROR", Timestamp: "14:00:03", Kind: "done", Message: "error-entry"},
		},
		SeverityFilter: []string{"error"},
	}))

	if !strings.Contains(rendered, "[ERROR]") {
		t.Fatalf("expected filtered ERROR row\n%s", rendered)
	}
	if strings.Contains(rendered, "[INFO]") || strings.Contains(rendered, "[WARN]") {
		t.Fatalf("expected INFO/WARN rows filtered out\n%s", rendered)
	}
}

func TestRenderEventLogEmptyShowsPlaceholder(t *testing.T) {
	t.Parallel()

	rendered := stripANSIEventLog(RenderEventLog(EventLogConfig{Width: 60}))
	if !strings.Contains(rendered, "Waiting for the agent") {
		t.Fatalf("expected placeholder\n%s", rendered)
	}
}

func TestEntryFromEvent(t *testing.T) {
	t.Parallel()

	at := time.Date(2026, 3, 1, 14, 30, 5, 0, time.UTC)
	stamp := at.Local().Format("15:04:05")

	tests := []struct {
		name  string
		event stream.Event
		want  EventLogEntry
	}{
		{
			name:  "status",
			event: stream.Status("Thinking…"),
			want:  EventLogEntry{Severity: "INFO", Timestamp: stamp, Kind: "status", Message: "Thinking…"},
		},
		{
			name:  "stderr status is a warning",
			event: stream.Status("[stderr] deprecated flag"),
			want:  EventLogEntry{Severity: "WARN", Timestamp: stamp, Kind: "status", Message: "[stderr] deprecated flag"},
		},
		{
			name:  "assistant",
			event: stream.Assistant("Made it blue."),
			want:  EventLogEntry{Severity: "INFO", Timestamp: stamp, Kind: "assistant", Message: "Made it blue."},
		},
		{
			name:  "session",
			event: stream.Event{Kind: stream.KindSession, SessionID: "abc"},
			want:  EventLogEntry{Severity: "INFO", Timestamp: stamp, Kind: "session", Message: "undo available (abc)"},
		},
		{
			name:  "successful done",
			event: stream.Event{Kind: stream.KindDone, Success: true, Summary: "Updated."},
			want:  EventLogEntry{Severity: "INFO", Timestamp: stamp, Kind: "done", Message: "Updated."},
		},
		{
			name:  "failed done without error text",
			event: stream.Event{Kind: stream.KindDone},
			want:  EventLogEntry{Severity: "ERROR", Timestamp: stamp, Kind: "done", Message: "failed"},
		},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, ok := EntryFromEvent(events.Stream("chat-1", at, tc.event))
			if !ok || got != tc.want {
				t.Fatalf("EntryFromEvent() = %+v, %v, want %+v", got, ok, tc.want)
			}
		})
	}

	if _, ok := EntryFromEvent(events.Event{Kind: events.KindSessionUpdated, SessionID: "chat-1", At: at}); ok {
		t.Fatal("session updates must not produce log rows")
	}
}

func TestRenderEventLogRowFormat(t *testing.T) {
	t.Parallel()

	rendered := stripANSIEventLog(RenderEventLog(EventLogConfig{
		Width:      120,
		Height:     4,
		AutoScroll: true,
		Events: []EventLogEntry{
			{Severity: "INFO", Timestamp: "14:30:05", Kind: "status", Message: "Building changes…"},
		},
	}))

	for _, expected := range []string{"[INFO]", "14:30:05", "status", "Building changes…"} {
		if !strings.Contains(rendered, expected) {
			t.Fatalf("event row missing %q\n%s", expected, rendered)
		}
	}
}

func stripANSIEventLog(value string) string {
	return eventLogANSIPattern.ReplaceAllString(value, "")
}
