// Package geom holds the viewport geometry shared by the document model,
// selection capture, and popover placement.
package geom

// Point is a viewport coordinate in CSS pixels.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Size is a measured width and height.
type Size struct {
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Rect is a viewport-relative bounding box, as returned by getBoundingClientRect.
type Rect struct {
	Top    float64 `json:"top"`
	Left   float64 `json:"left"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Right returns the x coordinate of the right edge.
func (r Rect) Right() float64 { return r.Left + r.Width }

// Bottom returns the y coordinate of the bottom edge.
func (r Rect) Bottom() float64 { return r.Top + r.Height }

// Center returns the midpoint of the rectangle.
func (r Rect) Center() Point {
	return Point{X: r.Left + r.Width/2, Y: r.Top + r.Height/2}
}

// Empty reports whether the rectangle has no area.
func (r Rect) Empty() bool {
	return r.Width <= 0 || r.Height <= 0
}

// Contains reports whether p lies inside r. The right and bottom edges are
// exclusive.
func (r Rect) Contains(p Point) bool {
	if r.Empty() {
		return false
	}
	return p.X >= r.Left && p.X < r.Right() && p.Y >= r.Top && p.Y < r.Bottom()
}

// Translate returns r shifted by dx, dy.
func (r Rect) Translate(dx, dy float64) Rect {
	r.Left += dx
	r.Top += dy
	return r
}
