package components

import (
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/shipflow/overlay/internal/tui/theme"
)

// BadgeOpt configures optional rendering behavior for RenderStatusBadge.
type BadgeOpt func(*badgeOptions)

type badgeOptions struct {
	showIcon bool
	bold     bool
}

type badgeVariant struct {
	icon  string
	label string
	color lipgloss.TerminalColor
}

// Session statuses and undo statuses share one badge vocabulary.
var statusBadgeVariants = map[string]badgeVariant{
	"idle":       {icon: theme.IconIdle, label: "IDLE", color: theme.MutedColor},
	"submitting": {icon: theme.IconWorking, label: "WORKING", color: theme.AccentColor},
	"success":    {icon: theme.IconDone, label: "APPLIED", color: theme.SuccessColor},
	"error":      {icon: theme.IconFailed, label: "FAILED", color: theme.FailureColor},
	"pending":    {icon: theme.IconUndo, label: "REVERTING", color: theme.CautionColor},
	"reverted":   {icon: theme.IconUndo, label: "REVERTED", color: theme.InfoColor},
}

// WithBadgeIcon controls whether the icon is shown (default: true).
func WithBadgeIcon(show bool) BadgeOpt {
	return func(options *badgeOptions) {
		options.showIcon = show
	}
}

// WithBadgeBold controls whether the badge text is bold (default: false).
func WithBadgeBold(bold bool) BadgeOpt {
	return func(options *badgeOptions) {
		options.bold = bold
	}
}

// RenderStatusBadge renders `[icon] LABEL` for a session or undo status.
// Unknown statuses render upper-cased with an alert icon.
func RenderStatusBadge(status string, opts ...BadgeOpt) string {
	options := badgeOptions{showIcon: true}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}

	variant, ok := statusBadgeVariants[strings.ToLower(strings.TrimSpace(status))]
	if !ok {
		variant = badgeVariant{
			icon:  theme.IconAlert,
			label: strings.ToUpper(strings.TrimSpace(status)),
			color: theme.MutedColor,
		}
		if variant.label == "" {
			variant.label = "UNKNOWN"
		}
	}

	content := variant.label
	if options.showIcon {
		content = variant.icon + " " + variant.label
	}
	return lipgloss.NewStyle().
		Foreground(variant.color).
		Bold(options.bold).
		Render(content)
}
