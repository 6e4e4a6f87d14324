// Package placement computes on-screen coordinates for the chat popover.
// Everything here is a pure function of the anchor, the popover size, the
// pointer, and the viewport.
package placement

import (
	"math"
	"strconv"

	"github.com/shipflow/overlay/internal/geom"
)

const (
	// ViewportMargin keeps the popover this far from every viewport edge.
	ViewportMargin = 12
	// AnchorGap separates the popover from its anchor rectangle.
	AnchorGap = 24
	// PointerHorizontalGap separates a pointer-relative popover from the pointer.
	PointerHorizontalGap = 16
	// PointerVerticalOffset raises a pointer-relative popover above the pointer.
	PointerVerticalOffset = 12
)

// Side names a candidate position relative to the anchor.
type Side string

const (
	SideBottom   Side = "bottom"
	SideTop      Side = "top"
	SideRight    Side = "right"
	SideLeft     Side = "left"
	SidePointer  Side = "pointer"
	SideCentered Side = "centered"
)

// Candidate is one evaluated position.
type Candidate struct {
	Side     Side
	Top      float64
	Left     float64
	Fits     bool
	Overflow float64
}

// Input describes one placement pass. Anchor and Pointer are optional; a
// zero Popover size means the popover has not been measured yet.
type Input struct {
	Anchor   *geom.Rect
	Popover  geom.Size
	Pointer  *geom.Point
	Viewport geom.Size
}

// Result is the resolved popover style. Centered results carry the fixed
// CSS fallback instead of pixel coordinates.
type Result struct {
	Side      Side
	Top       float64
	Left      float64
	Candidate *Candidate
}

// Centered is the fallback used when nothing else resolves.
var Centered = Result{Side: SideCentered}

// CSS returns the inline style for r.
func (r Result) CSS() map[string]string {
	if r.Side == SideCentered {
		return map[string]string{
			"top":       "20%",
			"left":      "50%",
			"transform": "translate(-50%, -50%)",
		}
	}
	return map[string]string{
		"top":  formatPx(r.Top),
		"left": formatPx(r.Left),
	}
}

// Candidates evaluates the four anchor-relative positions in preference
// order: bottom, top, right, left.
func Candidates(anchor geom.Rect, popover, viewport geom.Size) []Candidate {
	center := anchor.Center()
	clampH := func(v float64) float64 { return clamp(v, popover.Width, viewport.Width) }
	clampV := func(v float64) float64 { return clamp(v, popover.Height, viewport.Height) }
	overflow := func(top, left float64) float64 {
		return math.Max(ViewportMargin-top, 0) +
			math.Max(top+popover.Height-(viewport.Height-ViewportMargin), 0) +
			math.Max(ViewportMargin-left, 0) +
			math.Max(left+popover.Width-(viewport.Width-ViewportMargin), 0)
	}

	bottomTop := anchor.Bottom() + AnchorGap
	bottomLeft := clampH(center.X - popover.Width/2)
	topTop := anchor.Top - AnchorGap - popover.Height
	topLeft := clampH(center.X - popover.Width/2)
	rightLeft := anchor.Right() + AnchorGap
	rightTop := clampV(center.Y - popover.Height/2)
	leftLeft := anchor.Left - AnchorGap - popover.Width
	leftTop := clampV(center.Y - popover.Height/2)

	return []Candidate{
		{
			Side:     SideBottom,
			Top:      bottomTop,
			Left:     bottomLeft,
			Fits:     bottomTop+popover.Height <= viewport.Height-ViewportMargin,
			Overflow: overflow(bottomTop, bottomLeft),
		},
		{
			Side:     SideTop,
			Top:      topTop,
			Left:     topLeft,
			Fits:     topTop >= ViewportMargin,
			Overflow: overflow(topTop, topLeft),
		},
		{
			Side:     SideRight,
			Top:      rightTop,
			Left:     rightLeft,
			Fits:     rightLeft+popover.Width <= viewport.Width-ViewportMargin,
			Overflow: overflow(rightTop, rightLeft),
		},
		{
			Side:     SideLeft,
			Top:      leftTop,
			Left:     leftLeft,
			Fits:     leftLeft >= ViewportMargin,
			Overflow: overflow(leftTop, leftLeft),
		},
	}
}

// Place resolves the popover position. The first candidate that fits with
// zero overflow wins. Without a pointer the first fitting candidate, then the
// least-overflowing one, is used. With a pointer and no perfect candidate the
// popover sits beside the pointer instead. Coordinates are rounded to whole
// pixels.
func Place(in Input) Result {
	if in.Popover.Width <= 0 && in.Popover.Height <= 0 {
		return Centered
	}

	if in.Anchor != nil {
		candidates := Candidates(*in.Anchor, in.Popover, in.Viewport)
		for i := range candidates {
			if candidates[i].Fits && candidates[i].Overflow == 0 {
				return fromCandidate(candidates[i])
			}
		}
		if in.Pointer == nil {
			for i := range candidates {
				if candidates[i].Fits {
					return fromCandidate(candidates[i])
				}
			}
			best := candidates[0]
			for _, candidate := range candidates[1:] {
				if candidate.Overflow < best.Overflow {
					best = candidate
				}
			}
			return fromCandidate(best)
		}
	}

	if in.Pointer != nil {
		return beside(*in.Pointer, in.Popover, in.Viewport)
	}
	return Centered
}

func beside(pointer geom.Point, popover, viewport geom.Size) Result {
	top := clamp(pointer.Y-PointerVerticalOffset, popover.Height, viewport.Height)
	left := pointer.X + PointerHorizontalGap
	if left+popover.Width > viewport.Width-ViewportMargin {
		left = pointer.X - PointerHorizontalGap - popover.Width
	}
	left = clamp(left, popover.Width, viewport.Width)
	return Result{Side: SidePointer, Top: round(top), Left: round(left)}
}

func fromCandidate(c Candidate) Result {
	chosen := c
	return Result{Side: c.Side, Top: round(c.Top), Left: round(c.Left), Candidate: &chosen}
}

// clamp keeps a popover of length size inside [margin, extent-margin-size].
// When the popover is larger than that window it is centered instead.
func clamp(value, size, extent float64) float64 {
	lo := float64(ViewportMargin)
	hi := extent - ViewportMargin - size
	if lo > hi {
		return (extent - size) / 2
	}
	return math.Min(math.Max(value, lo), hi)
}

// round matches browser rounding: halves go toward positive infinity.
func round(v float64) float64 {
	return math.Floor(v + 0.5)
}

func formatPx(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64) + "px"
}
