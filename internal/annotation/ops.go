package annotation

import (
	"fmt"
	"math"
	"strings"
	"time"
	"unicode/utf8"
)

// HitTolerance is the minimum pick distance for strokes, in screen pixels.
const HitTolerance = 6.0

const (
	textAdvance    = 0.6
	textLineHeight = 1.2
)

// HitTest reports whether the image-space point p picks the object at the
// given zoom. Boxes and text use their bounding box; drawings use the
// distance to the polyline with a tolerance of HitTolerance screen pixels.
func HitTest(obj Object, p Point, zoom float64) bool {
	switch o := obj.(type) {
	case Box:
		return o.Rect().Contains(p)
	case Text:
		return textBounds(o).Contains(p)
	case Drawing:
		return distanceToPolyline(p, o.Path) <= strokeTolerance(o, zoom)
	default:
		panic(fmt.Sprintf("annotation: unexpected object type %T", obj))
	}
}

func strokeTolerance(d Drawing, zoom float64) float64 {
	if zoom <= 0 {
		zoom = 1
	}
	return math.Max(HitTolerance/zoom, d.StrokeWidth/2)
}

// BoundingBox returns the image-space extent of the object. Drawing bounds
// include half the stroke width.
func BoundingBox(obj Object) Rect {
	switch o := obj.(type) {
	case Box:
		return o.Rect()
	case Text:
		return textBounds(o)
	case Drawing:
		if len(o.Path) == 0 {
			return Rect{X: o.Base.Position.X, Y: o.Base.Position.Y}
		}
		minX, minY := o.Path[0].X, o.Path[0].Y
		maxX, maxY := minX, minY
		for _, pt := range o.Path[1:] {
			minX = math.Min(minX, pt.X)
			minY = math.Min(minY, pt.Y)
			maxX = math.Max(maxX, pt.X)
			maxY = math.Max(maxY, pt.Y)
		}
		r := Rect{X: minX, Y: minY, Width: maxX - minX, Height: maxY - minY}
		return r.Inflate(o.StrokeWidth / 2)
	default:
		panic(fmt.Sprintf("annotation: unexpected object type %T", obj))
	}
}

// textBounds estimates the rendered extent from rune counts. Position is
// the top-left corner of the first line.
func textBounds(t Text) Rect {
	lines := strings.Split(t.Content, "\n")
	widest := 0
	for _, line := range lines {
		if n := utf8.RuneCountInString(line); n > widest {
			widest = n
		}
	}
	return Rect{
		X:      t.Base.Position.X,
		Y:      t.Base.Position.Y,
		Width:  float64(widest) * textAdvance * t.FontSize,
		Height: float64(len(lines)) * textLineHeight * t.FontSize,
	}
}

// Translate moves the object by (dx, dy) in image space.
func Translate(obj Object, dx, dy float64) Object {
	switch o := obj.(type) {
	case Box:
		o.Base.Position = o.Base.Position.Add(dx, dy)
		return o
	case Text:
		o.Base.Position = o.Base.Position.Add(dx, dy)
		return o
	case Drawing:
		path := make([]Point, len(o.Path))
		for i, pt := range o.Path {
			path[i] = pt.Add(dx, dy)
		}
		o.Path = path
		o.Base.Position = o.Base.Position.Add(dx, dy)
		return o
	default:
		panic(fmt.Sprintf("annotation: unexpected object type %T", obj))
	}
}

// Resize grows the box by (dx, dy) keeping its top-left corner. It fails with
// ErrInvalidGeometry when either resulting dimension is not positive or the
// far corner passes MaxCoordinate; the receiver is never modified.
func Resize(b Box, dx, dy float64) (Box, error) {
	w := b.Width + dx
	h := b.Height + dy
	if w <= 0 || h <= 0 {
		return b, fmt.Errorf("%w: resize to %gx%g", ErrInvalidGeometry, w, h)
	}
	out := b
	out.Width = w
	out.Height = h
	if err := checkExtent(out); err != nil {
		return b, err
	}
	return out, nil
}

// ClampResize is Resize with both dimensions clamped to [MinBoxSize, MaxCoordinate].
func ClampResize(b Box, dx, dy float64) Box {
	dx = math.Min(math.Max(dx, MinBoxSize-b.Width), MaxCoordinate-b.Rect().MaxX())
	dy = math.Min(math.Max(dy, MinBoxSize-b.Height), MaxCoordinate-b.Rect().MaxY())
	out, err := Resize(b, dx, dy)
	if err != nil {
		return b
	}
	return out
}

// Touch stamps the modification time. ModifiedAt never moves backwards.
func Touch(obj Object, now time.Time) Object {
	meta := obj.Meta()
	if now.After(meta.ModifiedAt) {
		meta.ModifiedAt = now
	}
	return withMeta(obj, meta)
}

// Reissue returns a copy of the object under a new id with fresh timestamps.
func Reissue(obj Object, id string, now time.Time) Object {
	meta := obj.Meta()
	meta.ID = id
	meta.CreatedAt = now
	meta.ModifiedAt = now
	return withMeta(Clone(obj), meta)
}

func withMeta(obj Object, meta Meta) Object {
	switch o := obj.(type) {
	case Box:
		o.Base = meta
		return o
	case Text:
		o.Base = meta
		return o
	case Drawing:
		o.Base = meta
		return o
	default:
		panic(fmt.Sprintf("annotation: unexpected object type %T", obj))
	}
}

// Clone returns a deep copy. Only drawings share backing storage.
func Clone(obj Object) Object {
	if d, ok := obj.(Drawing); ok {
		d.Path = append([]Point(nil), d.Path...)
		return d
	}
	return obj
}

func CloneList(objects []Object) []Object {
	if objects == nil {
		return nil
	}
	out := make([]Object, len(objects))
	for i, obj := range objects {
		out[i] = Clone(obj)
	}
	return out
}

// TopmostAt returns the last object in z-order that p hits.
func TopmostAt(objects []Object, p Point, zoom float64) (Object, bool) {
	for i := len(objects) - 1; i >= 0; i-- {
		if HitTest(objects[i], p, zoom) {
			return objects[i], true
		}
	}
	return nil, false
}

// Intersecting returns the ids of all objects whose bounds intersect r.
func Intersecting(objects []Object, r Rect) []string {
	var ids []string
	for _, obj := range objects {
		if BoundingBox(obj).Intersects(r) {
			ids = append(ids, obj.Meta().ID)
		}
	}
	return ids
}

// Replace returns a new list with the object of the same id swapped in.
func Replace(objects []Object, obj Object) []Object {
	out := CloneList(objects)
	if i := IndexOf(out, obj.Meta().ID); i >= 0 {
		out[i] = obj
	}
	return out
}

// Validate checks the variant invariants of a decoded or edited object.
func Validate(obj Object) error {
	if obj.Meta().ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidGeometry)
	}
	switch o := obj.(type) {
	case Box:
		if o.Width <= 0 || o.Height <= 0 {
			return fmt.Errorf("%w: box %s is %gx%g", ErrInvalidGeometry, o.Base.ID, o.Width, o.Height)
		}
		if !o.Category.Valid() {
			return fmt.Errorf("box %s: unknown color category %q", o.Base.ID, o.Category)
		}
	case Text:
		if o.FontSize <= 0 {
			return fmt.Errorf("%w: text %s font size %g", ErrInvalidGeometry, o.Base.ID, o.FontSize)
		}
	case Drawing:
		if len(o.Path) < 2 {
			return fmt.Errorf("%w: drawing %s has %d points", ErrInvalidGeometry, o.Base.ID, len(o.Path))
		}
		if o.StrokeWidth <= 0 {
			return fmt.Errorf("%w: drawing %s stroke width %g", ErrInvalidGeometry, o.Base.ID, o.StrokeWidth)
		}
	default:
		panic(fmt.Sprintf("annotation: unexpected object type %T", obj))
	}
	return checkExtent(obj)
}

// checkExtent rejects objects reaching beyond MaxCoordinate or styled past
// MaxStrokeWidth and MaxFontSize. NaN and infinities fail as well.
func checkExtent(obj Object) error {
	switch o := obj.(type) {
	case Text:
		if !(o.FontSize <= MaxFontSize) {
			return fmt.Errorf("%w: font size %g exceeds %g", ErrInvalidGeometry, o.FontSize, float64(MaxFontSize))
		}
	case Drawing:
		if !(o.StrokeWidth <= MaxStrokeWidth) {
			return fmt.Errorf("%w: stroke width %g exceeds %g", ErrInvalidGeometry, o.StrokeWidth, float64(MaxStrokeWidth))
		}
	}
	if !BoundingBox(obj).inRange() {
		return fmt.Errorf("%w: %s %s lies outside ±%d", ErrInvalidGeometry, obj.Kind(), obj.Meta().ID, MaxCoordinate)
	}
	return nil
}
