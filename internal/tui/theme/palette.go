// Package theme holds the terminal palette shared by the progress view.
package theme

import (
	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
)

const (
	// Accent marks the active session and the current phase.
	Accent = "#FF9966"
	// Info marks informational text such as stream status lines.
	Info = "#9999CC"
	// Planning marks the planning phase.
	Planning = "#CC99CC"
	// Success marks applied changes.
	Success = "#33FF33"
	// Failure marks errors.
	Failure = "#FF3333"
	// Caution marks warnings and pending undo.
	Caution = "#FFCC00"
	// Muted marks secondary text and inactive steps.
	Muted = "#52526A"
	// Text is the primary foreground.
	Text = "#F5F6FA"
	// Subtle is the secondary foreground.
	Subtle = "#CCCCCC"
)

const (
	IconDone    = "✓"
	IconWorking = "●"
	IconIdle    = "○"
	IconFailed  = "✗"
	IconAlert   = "⚠"
	IconUndo    = "↺"
)

var (
	AccentColor   = profileColor(Accent, "209", "11")
	InfoColor     = profileColor(Info, "146", "12")
	PlanningColor = profileColor(Planning, "182", "13")
	SuccessColor  = profileColor(Success, "46", "10")
	FailureColor  = profileColor(Failure, "203", "9")
	CautionColor  = profileColor(Caution, "220", "11")
	MutedColor    = profileColor(Muted, "60", "8")
	TextColor     = profileColor(Text, "255", "15")
	SubtleColor   = profileColor(Subtle, "252", "7")
)

var (
	// TitleStyle renders the view heading.
	TitleStyle = lipgloss.NewStyle().Foreground(AccentColor).Bold(true)
	// LabelStyle renders field labels.
	LabelStyle = lipgloss.NewStyle().Foreground(MutedColor)
	// ValueStyle renders field values.
	ValueStyle = lipgloss.NewStyle().Foreground(TextColor)
	// SuccessStyle renders applied summaries.
	SuccessStyle = lipgloss.NewStyle().Foreground(SuccessColor).Bold(true)
	// ErrorStyle renders failure messages.
	ErrorStyle = lipgloss.NewStyle().Foreground(FailureColor).Bold(true)
	// HintStyle renders the key help line.
	HintStyle = lipgloss.NewStyle().Foreground(MutedColor).Faint(true)

	// PanelBorder frames the session panel.
	PanelBorder = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(MutedColor).
			Padding(0, 1)
)

var colorProfileFn = lipgloss.ColorProfile

func profileColor(hex, ansi256, ansi string) lipgloss.TerminalColor {
	switch colorProfileFn() {
	case termenv.ANSI256, termenv.ANSI:
		complete := lipgloss.CompleteColor{TrueColor: hex, ANSI256: ansi256, ANSI: ansi}
		return lipgloss.CompleteAdaptiveColor{Light: complete, Dark: complete}
	default:
		return lipgloss.AdaptiveColor{Light: hex, Dark: hex}
	}
}
