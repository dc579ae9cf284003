// Package annotation holds the markup object model: boxes, text labels and
// free-hand drawings placed over a blueprint in image-space coordinates.
//
// Objects are immutable values. Every operation returns a new object and the
// set of variants is closed: Box, Text and Drawing are the only types that
// implement Object.
package annotation

import (
	"errors"
	"fmt"
	"image/color"
	"time"
)

// ErrInvalidGeometry is returned when an operation would produce an object
// with a non-positive size or an otherwise impossible shape.
var ErrInvalidGeometry = errors.New("invalid geometry")

// MinBoxSize is the smallest width or height a committed box may have.
const MinBoxSize = 1.0

const (
	MaxStrokeWidth = 256
	MaxFontSize    = 512
)

type Kind string

const (
	KindBox     Kind = "box"
	KindText    Kind = "text"
	KindDrawing Kind = "drawing"
)

// ColorCategory is the single source of both the color and the semantic
// label of a box.
type ColorCategory string

const (
	CategoryGray ColorCategory = "gray"
	CategoryRed  ColorCategory = "red"
	CategoryBlue ColorCategory = "blue"
)

var categoryLabels = map[ColorCategory]string{
	CategoryGray: "material-zone",
	CategoryRed:  "work-in-progress",
	CategoryBlue: "work-complete",
}

var categoryColors = map[ColorCategory]color.RGBA{
	CategoryGray: {R: 0x6b, G: 0x72, B: 0x80, A: 0xff},
	CategoryRed:  {R: 0xdc, G: 0x26, B: 0x26, A: 0xff},
	CategoryBlue: {R: 0x25, G: 0x63, B: 0xeb, A: 0xff},
}

func (c ColorCategory) Valid() bool {
	_, ok := categoryLabels[c]
	return ok
}

// Label returns the semantic label bound to the category.
func (c ColorCategory) Label() string {
	return categoryLabels[c]
}

// RGBA returns the display color bound to the category.
func (c ColorCategory) RGBA() color.RGBA {
	return categoryColors[c]
}

// Categories lists the categories in legend order.
func Categories() []ColorCategory {
	return []ColorCategory{CategoryGray, CategoryRed, CategoryBlue}
}

// Meta carries the fields shared by every variant.
type Meta struct {
	ID         string
	Position   Point
	CreatedAt  time.Time
	ModifiedAt time.Time
}

// Object is implemented by Box, Text and Drawing only.
type Object interface {
	Kind() Kind
	Meta() Meta
	isObject()
}

type Box struct {
	Base     Meta
	Width    float64
	Height   float64
	Category ColorCategory
}

type Text struct {
	Base      Meta
	Content   string
	FontSize  float64
	FontColor string
}

// Drawing is a free-hand stroke. Path holds absolute image-space points and
// Base.Position always equals Path[0].
type Drawing struct {
	Base        Meta
	Path        []Point
	StrokeColor string
	StrokeWidth float64
}

func (Box) Kind() Kind     { return KindBox }
func (Text) Kind() Kind    { return KindText }
func (Drawing) Kind() Kind { return KindDrawing }

func (b Box) Meta() Meta     { return b.Base }
func (t Text) Meta() Meta    { return t.Base }
func (d Drawing) Meta() Meta { return d.Base }

func (Box) isObject()     {}
func (Text) isObject()    {}
func (Drawing) isObject() {}

// Label is derived from the category, never stored.
func (b Box) Label() string { return b.Category.Label() }

// Rect returns the box geometry as a rectangle.
func (b Box) Rect() Rect {
	return Rect{X: b.Base.Position.X, Y: b.Base.Position.Y, Width: b.Width, Height: b.Height}
}

func NewBox(id string, at Point, width, height float64, category ColorCategory, now time.Time) (Box, error) {
	if width <= 0 || height <= 0 {
		return Box{}, fmt.Errorf("%w: box %gx%g", ErrInvalidGeometry, width, height)
	}
	if !category.Valid() {
		return Box{}, fmt.Errorf("unknown color category %q", category)
	}
	b := Box{
		Base:     Meta{ID: id, Position: at, CreatedAt: now, ModifiedAt: now},
		Width:    width,
		Height:   height,
		Category: category,
	}
	if err := checkExtent(b); err != nil {
		return Box{}, err
	}
	return b, nil
}

func NewText(id string, at Point, content string, fontSize float64, fontColor string, now time.Time) (Text, error) {
	if fontSize <= 0 {
		return Text{}, fmt.Errorf("%w: font size %g", ErrInvalidGeometry, fontSize)
	}
	t := Text{
		Base:      Meta{ID: id, Position: at, CreatedAt: now, ModifiedAt: now},
		Content:   content,
		FontSize:  fontSize,
		FontColor: fontColor,
	}
	if err := checkExtent(t); err != nil {
		return Text{}, err
	}
	return t, nil
}

func NewDrawing(id string, path []Point, strokeColor string, strokeWidth float64, now time.Time) (Drawing, error) {
	if len(path) < 2 {
		return Drawing{}, fmt.Errorf("%w: drawing needs at least 2 points, got %d", ErrInvalidGeometry, len(path))
	}
	if strokeWidth <= 0 {
		return Drawing{}, fmt.Errorf("%w: stroke width %g", ErrInvalidGeometry, strokeWidth)
	}
	points := append([]Point(nil), path...)
	d := Drawing{
		Base:        Meta{ID: id, Position: points[0], CreatedAt: now, ModifiedAt: now},
		Path:        points,
		StrokeColor: strokeColor,
		StrokeWidth: strokeWidth,
	}
	if err := checkExtent(d); err != nil {
		return Drawing{}, err
	}
	return d, nil
}

// IDs returns the ids of objects in z-order.
func IDs(objects []Object) []string {
	ids := make([]string, 0, len(objects))
	for _, obj := range objects {
		ids = append(ids, obj.Meta().ID)
	}
	return ids
}

// IndexOf returns the z-index of the object with the given id, or -1.
func IndexOf(objects []Object, id string) int {
	for i, obj := range objects {
		if obj.Meta().ID == id {
			return i
		}
	}
	return -1
}
