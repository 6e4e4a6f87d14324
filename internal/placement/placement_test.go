package placement

import (
	"testing"

	"github.com/shipflow/overlay/internal/geom"
)

var desktop = geom.Size{Width: 1280, Height: 800}

func rect(top, left, width, height float64) *geom.Rect {
	return &geom.Rect{Top: top, Left: left, Width: width, Height: height}
}

func TestPlaceAnchorCandidates(t *testing.T) {
	popover := geom.Size{Width: 300, Height: 150}
	tests := []struct {
		name     string
		anchor   *geom.Rect
		pointer  *geom.Point
		viewport geom.Size
		popover  geom.Size
		want     Result
	}{
		{
			name:   "below the anchor when it fits",
			anchor: rect(100, 100, 200, 50),
			want:   Result{Side: SideBottom, Top: 174, Left: 50},
		},
		{
			name:   "above when the bottom overflows",
			anchor: rect(700, 100, 200, 50),
			want:   Result{Side: SideTop, Top: 526, Left: 50},
		},
		{
			name:   "right of a tall anchor",
			anchor: rect(50, 100, 200, 700),
			want:   Result{Side: SideRight, Top: 325, Left: 324},
		},
		{
			name:   "left of a tall anchor on the right edge",
			anchor: rect(50, 900, 360, 700),
			want:   Result{Side: SideLeft, Top: 325, Left: 576},
		},
		{
			name:   "first fitting candidate without a pointer",
			anchor: rect(-100, 0, 1280, 50),
			want:   Result{Side: SideBottom, Top: -26, Left: 490},
		},
		{
			name:   "least overflow with earlier side winning ties",
			anchor: rect(0, 0, 1280, 800),
			want:   Result{Side: SideBottom, Top: 824, Left: 490},
		},
		{
			name:    "pointer placement when no candidate is perfect",
			anchor:  rect(-100, 0, 1280, 50),
			pointer: &geom.Point{X: 600, Y: 300},
			want:    Result{Side: SidePointer, Top: 288, Left: 616},
		},
		{
			name:    "pointer placement flips left near the right edge",
			anchor:  rect(-100, 0, 1280, 50),
			pointer: &geom.Point{X: 1200, Y: 5},
			want:    Result{Side: SidePointer, Top: 12, Left: 884},
		},
		{
			name:    "perfect anchor candidate beats the pointer",
			anchor:  rect(100, 100, 200, 50),
			pointer: &geom.Point{X: 5, Y: 5},
			want:    Result{Side: SideBottom, Top: 174, Left: 50},
		},
		{
			name:    "pointer only",
			pointer: &geom.Point{X: 100, Y: 100},
			want:    Result{Side: SidePointer, Top: 88, Left: 116},
		},
		{
			name:     "popover wider than the viewport is centered on the clamp axis",
			anchor:   rect(50, 50, 10, 10),
			viewport: geom.Size{Width: 200, Height: 200},
			popover:  geom.Size{Width: 300, Height: 100},
			want:     Result{Side: SideBottom, Top: 84, Left: -50},
		},
		{
			name:   "fractional coordinates round half up",
			anchor: rect(100.5, 100.25, 200, 50),
			want:   Result{Side: SideBottom, Top: 175, Left: 50},
		},
		{
			name: "nothing to anchor to",
			want: Centered,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			viewport := tt.viewport
			if viewport == (geom.Size{}) {
				viewport = desktop
			}
			size := tt.popover
			if size == (geom.Size{}) {
				size = popover
			}
			got := Place(Input{Anchor: tt.anchor, Popover: size, Pointer: tt.pointer, Viewport: viewport})
			if got.Side != tt.want.Side || got.Top != tt.want.Top || got.Left != tt.want.Left {
				t.Fatalf("Place() = %s (%v, %v), want %s (%v, %v)",
					got.Side, got.Top, got.Left, tt.want.Side, tt.want.Top, tt.want.Left)
			}
		})
	}
}

func TestPlaceUnmeasuredPopoverIsCentered(t *testing.T) {
	got := Place(Input{Anchor: rect(100, 100, 200, 50), Viewport: desktop})
	if got.Side != SideCentered {
		t.Fatalf("side = %s, want centered", got.Side)
	}
	css := got.CSS()
	if css["top"] != "20%" || css["left"] != "50%" || css["transform"] != "translate(-50%, -50%)" {
		t.Fatalf("css = %v", css)
	}
}

func TestPlaceIsDeterministic(t *testing.T) {
	in := Input{
		Anchor:   rect(333.3, 777.7, 123.4, 56.7),
		Popover:  geom.Size{Width: 320, Height: 180},
		Pointer:  &geom.Point{X: 800, Y: 400},
		Viewport: desktop,
	}
	first := Place(in)
	for i := 0; i < 100; i++ {
		got := Place(in)
		if got.Side != first.Side || got.Top != first.Top || got.Left != first.Left {
			t.Fatalf("iteration %d = %+v, want %+v", i, got, first)
		}
	}
}

func TestCandidatesOverflowAndFits(t *testing.T) {
	candidates := Candidates(geom.Rect{Top: 0, Left: 0, Width: 1280, Height: 800}, geom.Size{Width: 300, Height: 150}, desktop)
	if len(candidates) != 4 {
		t.Fatalf("candidates = %d, want 4", len(candidates))
	}
	wantSides := []Side{SideBottom, SideTop, SideRight, SideLeft}
	wantOverflow := []float64{186, 186, 336, 336}
	for i, c := range candidates {
		if c.Side != wantSides[i] {
			t.Fatalf("candidate %d side = %s, want %s", i, c.Side, wantSides[i])
		}
		if c.Fits {
			t.Fatalf("candidate %s should not fit", c.Side)
		}
		if c.Overflow != wantOverflow[i] {
			t.Fatalf("candidate %s overflow = %v, want %v", c.Side, c.Overflow, wantOverflow[i])
		}
	}
}

func TestResultCSS(t *testing.T) {
	css := Result{Side: SideBottom, Top: 174, Left: 50}.CSS()
	if css["top"] != "174px" || css["left"] != "50px" {
		t.Fatalf("css = %v", css)
	}
	if _, ok := css["transform"]; ok {
		t.Fatal("pixel placement must not carry a transform")
	}
}
