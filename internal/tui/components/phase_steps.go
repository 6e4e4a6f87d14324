package components

import (
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/shipflow/overlay/internal/tui/theme"
)

// RenderPhaseSteps renders the status sequence as a step line with the
// current phase emphasized and earlier phases marked done. When finished is
// set every step is done. Compact mode keeps only each label's first word.
func RenderPhaseSteps(steps []string, current int, finished, compact bool) string {
	if len(steps) == 0 {
		return ""
	}
	if current < 0 {
		current = 0
	}
	if current >= len(steps) {
		current = len(steps) - 1
	}

	separator := " -> "
	if compact {
		separator = " > "
	}

	parts := make([]string, 0, len(steps)*2-1)
	for i, step := range steps {
		label := strings.TrimSpace(step)
		if compact {
			if first, _, ok := strings.Cut(label, " "); ok {
				label = first
			}
		}
		done := finished || i < current
		parts = append(parts, stepStyle(!finished && i == current, done).Render(label))
		if i < len(steps)-1 {
			parts = append(parts, lipgloss.NewStyle().Foreground(theme.SubtleColor).Faint(true).Render(separator))
		}
	}
	return strings.Join(parts, "")
}

func stepStyle(isCurrent, isDone bool) lipgloss.Style {
	switch {
	case isCurrent:
		return lipgloss.NewStyle().Foreground(theme.AccentColor).Bold(true)
	case isDone:
		return lipgloss.NewStyle().Foreground(theme.SuccessColor).Faint(true)
	default:
		return lipgloss.NewStyle().Foreground(theme.MutedColor).Faint(true)
	}
}
