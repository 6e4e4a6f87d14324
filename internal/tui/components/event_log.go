package components

import (
	"fmt"
	"slices"
	"strings"

	"github.com/charmbracelet/bubbles/viewport"
	"github.com/charmbracelet/lipgloss"

	"github.com/shipflow/overlay/internal/events"
	"github.com/shipflow/overlay/internal/stream"
	"github.com/shipflow/overlay/internal/tui/theme"
)

const (
	eventLogCompactWidthThreshold = 100
	eventLogStandardLines         = 8
	eventLogCompactLines          = 4
	eventLogSmallTerminalLines    = 2
	eventLogDefaultMaxEntries     = 50
	eventLogMinWidth              = 24
)

// EventLogEntry is one rendered stream line.
type EventLogEntry struct {
	Severity  string
	Timestamp string
	Kind      string
	Message   string
}

// EntryFromEvent converts a stream event from the bus into a log row. Other
// kinds report false.
func EntryFromEvent(event events.Event) (EventLogEntry, bool) {
	payload, ok := event.Payload.(stream.Event)
	if event.Kind != events.KindStream || !ok {
		return EventLogEntry{}, false
	}
	entry := EventLogEntry{
		Severity:  strings.ToUpper(event.Level.String()),
		Timestamp: event.At.Local().Format("15:04:05"),
		Kind:      string(payload.Kind),
	}
	switch payload.Kind {
	case stream.KindStatus:
		entry.Message = payload.Message
	case stream.KindAssistant:
		entry.Message = payload.Text
	case stream.KindSession:
		entry.Message = "undo available (" + payload.SessionID + ")"
	case stream.KindDone:
		fallback := "completed"
		entry.Message = strings.TrimSpace(payload.Summary)
		if !payload.Success {
			fallback = "failed"
			entry.Message = strings.TrimSpace(payload.Error)
		}
		if entry.Message == "" {
			entry.Message = fallback
		}
	}
	return entry, true
}

// EventLogConfig contains render-time settings for the event log.
type EventLogConfig struct {
	Width          int
	Height         int
	TerminalHeight int
	Events         []EventLogEntry
	MaxEntries     int
	AutoScroll     bool
	SeverityFilter []string
}

// ResolveEventLogLineCount computes visible viewport lines for the layout.
func ResolveEventLogLineCount(width int, terminalHeight int) int {
	if terminalHeight > 0 && terminalHeight < 20 {
		return eventLogSmallTerminalLines
	}
	if width > 0 && width < eventLogCompactWidthThreshold {
		return eventLogCompactLines
	}
	return eventLogStandardLines
}

// BuildEventLogViewport constructs a viewport over the formatted entries.
func BuildEventLogViewport(config EventLogConfig) viewport.Model {
	width := max(config.Width, eventLogMinWidth)
	height := ResolveEventLogLineCount(config.Width, config.TerminalHeight)
	if config.Height > 0 && config.Height < height {
		height = config.Height
	}
	height = max(height, 2)

	lines := formatEventLines(config.Events, config.SeverityFilter, config.MaxEntries)
	if len(lines) == 0 {
		lines = []string{lipgloss.NewStyle().Foreground(theme.MutedColor).Faint(true).Render("Waiting for the agent…")}
	}

	model := viewport.New(width, height)
	model.SetContent(strings.Join(lines, "\n"))
	if config.AutoScroll {
		model.GotoBottom()
	}
	return model
}

// RenderEventLog renders the event viewport.
func RenderEventLog(config EventLogConfig) string {
	return BuildEventLogViewport(config).View()
}

func formatEventLines(entries []EventLogEntry, severityFilter []string, maxEntries int) []string {
	allowed := normalizeSeverityFilter(severityFilter)
	rows := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !slices.Contains(allowed, normalizeSeverity(entry.Severity)) {
			continue
		}
		rows = append(rows, renderEventRow(entry))
	}

	limit := maxEntries
	if limit <= 0 {
		limit = eventLogDefaultMaxEntries
	}
	if len(rows) > limit {
		rows = append([]string(nil), rows[len(rows)-limit:]...)
	}
	return rows
}

func renderEventRow(entry EventLogEntry) string {
	severity := normalizeSeverity(entry.Severity)
	timestamp := strings.TrimSpace(entry.Timestamp)
	if timestamp == "" {
		timestamp = "--:--:--"
	}
	kind := strings.TrimSpace(entry.Kind)
	if kind == "" {
		kind = "event"
	}
	message := strings.TrimSpace(entry.Message)
	if message == "" {
		message = "(no message)"
	}

	severityStyle := lipgloss.NewStyle().Foreground(theme.InfoColor).Bold(true)
	switch severity {
	case "WARN":
		severityStyle = lipgloss.NewStyle().Foreground(theme.CautionColor).Bold(true)
	case "ERROR":
		severityStyle = lipgloss.NewStyle().Foreground(theme.FailureColor).Bold(true)
	}

	return lipgloss.JoinHorizontal(
		lipgloss.Left,
		severityStyle.Render(fmt.Sprintf("[%s]", severity)),
		" ",
		lipgloss.NewStyle().Foreground(theme.SubtleColor).Render(timestamp),
		" ",
		lipgloss.NewStyle().Foreground(theme.MutedColor).Render(fmt.Sprintf("%-9s", kind)),
		" ",
		lipgloss.NewStyle().Foreground(theme.TextColor).Render(message),
	)
}

func normalizeSeverityFilter(filter []string) []string {
	all := []string{"INFO", "WARN", "ERROR"}
	allowed := make([]string, 0, len(filter))
	for _, severity := range filter {
		normalized := normalizeSeverity(severity)
		if normalized != "" && !slices.Contains(allowed, normalized) {
			allowed = append(allowed, normalized)
		}
	}
	if len(allowed) == 0 {
		return all
	}
	return allowed
}

func normalizeSeverity(severity string) string {
	switch strings.ToUpper(strings.TrimSpace(severity)) {
	case "INFO":
		return "INFO"
	case "WARN", "WARNING":
		return "WARN"
	case "ERROR", "FAILED":
		return "ERROR"
	default:
		return ""
	}
}
