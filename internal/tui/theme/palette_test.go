package theme

import (
	"testing"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
)

func TestProfileColorFollowsTerminalProfile(t *testing.T) {
	previous := colorProfileFn
	t.Cleanup(func() { colorProfileFn = previous })

	colorProfileFn = func() termenv.Profile { return termenv.TrueColor }
	if _, ok := profileColor(Accent, "209", "11").(lipgloss.AdaptiveColor); !ok {
		t.Fatal("true color profile should use an adaptive hex color")
	}

	colorProfileFn = func() termenv.Profile { return termenv.ANSI256 }
	complete, ok := profileColor(Accent, "209", "11").(lipgloss.CompleteAdaptiveColor)
	if !ok {
		t.Fatal("ANSI256 profile should use a complete adaptive color")
	}
	if complete.Dark.ANSI256 != "209" || complete.Dark.ANSI != "11" {
		t.Fatalf("fallbacks = %q/%q, want 209/11", complete.Dark.ANSI256, complete.Dark.ANSI)
	}
}

func TestIconsAreDistinct(t *testing.T) {
	icons := []string{IconDone, IconWorking, IconIdle, IconFailed, IconAlert, IconUndo}
	seen := map[string]struct{}{}
	for _, icon := range icons {
		if icon == "" {
			t.Fatal("icon must not be empty")
		}
		if _, dup := seen[icon]; dup {
			t.Fatalf("duplicate icon %q", icon)
		}
		seen[icon] = struct{}{}
	}
}
