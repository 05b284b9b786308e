package damage

import (
	"image"
	"testing"
)

func TestAddUnion(t *testing.T) {
	var g Region
	g.Add(image.Rect(0, 0, 10, 10))
	g.Add(image.Rect(5, 5, 15, 15))

	if g.Empty() {
		t.Fatal("region empty after adds")
	}
	if got, want := g.Bounds(), image.Rect(0, 0, 15, 15); got != want {
		t.Errorf("Bounds() = %v, want %v", got, want)
	}
	for _, r := range []image.Rectangle{
		image.Rect(0, 0, 10, 10),
		image.Rect(5, 5, 15, 15),
	} {
		if !g.Covers(r) {
			t.Errorf("region does not cover %v", r)
		}
	}
	// The corner outside both rectangles must stay uncovered.
	if g.Covers(image.Rect(11, 0, 15, 4)) {
		t.Error("region covers area outside the union")
	}
}

func TestAddDropsContained(t *testing.T) {
	tests := []struct {
		name  string
		adds  []image.Rectangle
		nwant int
	}{
		{
			name: "smaller after larger",
			adds: []image.Rectangle{
				image.Rect(0, 0, 100, 100),
				image.Rect(10, 10, 20, 20),
			},
			nwant: 1,
		},
		{
			name: "larger swallows earlier",
			adds: []image.Rectangle{
				image.Rect(10, 10, 20, 20),
				image.Rect(0, 0, 100, 100),
			},
			nwant: 1,
		},
		{
			name: "disjoint kept apart",
			adds: []image.Rectangle{
				image.Rect(0, 0, 10, 10),
				image.Rect(50, 50, 60, 60),
			},
			nwant: 2,
		},
		{
			name: "empty ignored",
			adds: []image.Rectangle{
				image.Rect(0, 0, 10, 10),
				image.Rect(5, 5, 5, 5),
			},
			nwant: 1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var g Region
			for _, r := range tt.adds {
				g.Add(r)
			}
			if got := len(g.Rects()); got != tt.nwant {
				t.Errorf("len(Rects()) = %d, want %d", got, tt.nwant)
			}
		})
	}
}

func TestClear(t *testing.T) {
	var g Region
	g.Add(image.Rect(0, 0, 10, 10))
	g.Clear()
	if !g.Empty() {
		t.Error("region not empty after Clear")
	}
	if got := g.Bounds(); !got.Empty() {
		t.Errorf("Bounds() = %v after Clear, want empty", got)
	}
}

func TestAddRegion(t *testing.T) {
	var a, b Region
	a.Add(image.Rect(0, 0, 10, 10))
	b.Add(image.Rect(20, 20, 30, 30))
	b.Add(image.Rect(40, 40, 50, 50))

	a.AddRegion(&b)
	if got := len(a.Rects()); got != 3 {
		t.Errorf("len(Rects()) = %d, want 3", got)
	}
	if !a.Covers(image.Rect(40, 40, 50, 50)) {
		t.Error("merged region misses donor rectangle")
	}
}

func TestCollapsePastMaxRects(t *testing.T) {
	var g Region
	for i := 0; i < MaxRects+10; i++ {
		x := i * 10
		g.Add(image.Rect(x, 0, x+5, 5))
	}
	if got := len(g.Rects()); got > MaxRects {
		t.Errorf("len(Rects()) = %d, want <= %d", got, MaxRects)
	}
	// Collapse may over-approximate but must never lose coverage.
	for i := 0; i < MaxRects+10; i++ {
		x := i * 10
		if !g.Covers(image.Rect(x, 0, x+5, 5)) {
			t.Fatalf("collapse lost coverage of rect %d", i)
		}
	}
}
