// Package damage tracks dirty areas of a pixel buffer as a set of
// rectangles with union semantics. Regions only grow; clearing resets
// them to empty.
package damage

import "image"

// MaxRects bounds how many rectangles a region keeps before it collapses
// to its bounding box. Damage is a hint, so over-approximating is safe.
const MaxRects = 64

// Region accumulates damaged rectangles in buffer-local coordinates.
// The zero value is an empty region ready for use.
type Region struct {
	rects []image.Rectangle
}

// Add unions r into the region. Empty rectangles are ignored. A rectangle
// already covered by a single existing entry is dropped, and existing
// entries swallowed by r are removed.
func (g *Region) Add(r image.Rectangle) {
	r = r.Canon()
	if r.Empty() {
		return
	}
	for _, have := range g.rects {
		if r.In(have) {
			return
		}
	}
	kept := g.rects[:0]
	for _, have := range g.rects {
		if !have.In(r) {
			kept = append(kept, have)
		}
	}
	g.rects = append(kept, r)
	if len(g.rects) > MaxRects {
		b := g.Bounds()
		g.rects = append(g.rects[:0], b)
	}
}

// AddRegion unions every rectangle of other into the region.
func (g *Region) AddRegion(other *Region) {
	for _, r := range other.rects {
		g.Add(r)
	}
}

// Clear resets the region to empty.
func (g *Region) Clear() {
	g.rects = g.rects[:0]
}

// Empty reports whether the region contains no damage.
func (g *Region) Empty() bool {
	return len(g.rects) == 0
}

// Bounds returns the bounding box of all accumulated rectangles.
func (g *Region) Bounds() image.Rectangle {
	var b image.Rectangle
	for _, r := range g.rects {
		b = b.Union(r)
	}
	return b
}

// Rects returns the accumulated rectangles. The slice is owned by the
// region and only valid until the next mutation.
func (g *Region) Rects() []image.Rectangle {
	return g.rects
}

// Covers reports whether the region fully covers r.
func (g *Region) Covers(r image.Rectangle) bool {
	r = r.Canon()
	if r.Empty() {
		return true
	}
	for _, have := range g.rects {
		if !r.Overlaps(have) {
			continue
		}
		in := r.Intersect(have)
		if in == r {
			return true
		}
		for _, piece := range subtract(r, in) {
			if !g.Covers(piece) {
				return false
			}
		}
		return true
	}
	return false
}

// subtract returns the parts of r not covered by in, where in is a
// non-empty sub-rectangle of r.
func subtract(r, in image.Rectangle) []image.Rectangle {
	var out []image.Rectangle
	if in.Min.Y > r.Min.Y {
		out = append(out, image.Rect(r.Min.X, r.Min.Y, r.Max.X, in.Min.Y))
	}
	if in.Max.Y < r.Max.Y {
		out = append(out, image.Rect(r.Min.X, in.Max.Y, r.Max.X, r.Max.Y))
	}
	if in.Min.X > r.Min.X {
		out = append(out, image.Rect(r.Min.X, in.Min.Y, in.Min.X, in.Max.Y))
	}
	if in.Max.X < r.Max.X {
		out = append(out, image.Rect(in.Max.X, in.Min.Y, r.Max.X, in.Max.Y))
	}
	return out
}
