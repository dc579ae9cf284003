package annotation

import "math"

// Point is a position in image space unless stated otherwise.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

func (p Point) Add(dx, dy float64) Point {
	return Point{X: p.X + dx, Y: p.Y + dy}
}

func (p Point) Sub(q Point) Point {
	return Point{X: p.X - q.X, Y: p.Y - q.Y}
}

// Rect is an axis-aligned rectangle with its origin at the top-left corner.
type Rect struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// RectFromCorners builds a normalized rectangle from two opposite corners.
func RectFromCorners(a, b Point) Rect {
	return Rect{
		X:      math.Min(a.X, b.X),
		Y:      math.Min(a.Y, b.Y),
		Width:  math.Abs(b.X - a.X),
		Height: math.Abs(b.Y - a.Y),
	}
}

func (r Rect) MaxX() float64 { return r.X + r.Width }
func (r Rect) MaxY() float64 { return r.Y + r.Height }

// Contains reports whether p lies inside r, edges included.
func (r Rect) Contains(p Point) bool {
	return p.X >= r.X && p.X <= r.MaxX() && p.Y >= r.Y && p.Y <= r.MaxY()
}

// Inflate grows the rectangle by d on every side.
func (r Rect) Inflate(d float64) Rect {
	return Rect{X: r.X - d, Y: r.Y - d, Width: r.Width + 2*d, Height: r.Height + 2*d}
}

// Intersects reports whether the two rectangles overlap or touch.
func (r Rect) Intersects(o Rect) bool {
	return r.X <= o.MaxX() && o.X <= r.MaxX() && r.Y <= o.MaxY() && o.Y <= r.MaxY()
}

// MaxCoordinate bounds every image-space coordinate an object may reach.
const MaxCoordinate = 1 << 20

func inRange(v float64) bool {
	return !math.IsNaN(v) && math.Abs(v) <= MaxCoordinate
}

func (r Rect) inRange() bool {
	return inRange(r.X) && inRange(r.Y) && inRange(r.MaxX()) && inRange(r.MaxY())
}

// distanceToSegment returns the euclidean distance from p to the segment ab.
func distanceToSegment(p, a, b Point) float64 {
	dx := b.X - a.X
	dy := b.Y - a.Y
	lengthSq := dx*dx + dy*dy
	if lengthSq == 0 {
		return math.Hypot(p.X-a.X, p.Y-a.Y)
	}
	t := ((p.X-a.X)*dx + (p.Y-a.Y)*dy) / lengthSq
	t = math.Max(0, math.Min(1, t))
	projX := a.X + t*dx
	projY := a.Y + t*dy
	return math.Hypot(p.X-projX, p.Y-projY)
}

// distanceToPolyline returns the smallest distance from p to any segment of path.
func distanceToPolyline(p Point, path []Point) float64 {
	switch len(path) {
	case 0:
		return math.Inf(1)
	case 1:
		return math.Hypot(p.X-path[0].X, p.Y-path[0].Y)
	}
	best := math.Inf(1)
	for i := 1; i < len(path); i++ {
		if d := distanceToSegment(p, path[i-1], path[i]); d < best {
			best = d
		}
	}
	return best
}
