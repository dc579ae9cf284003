package export

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	_ "image/jpeg"
	"image/png"
	"math"
	"strconv"
	"strings"
	"sync"
	"unicode/utf8"

	_ "golang.org/x/image/bmp"
	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/goregular"
	"golang.org/x/image/font/opentype"
	"golang.org/x/image/math/fixed"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"sitemark/api/internal/annotation"
)

const (
	boxFillAlpha     = 0x40
	boxOutline       = 3
	boxLabelFontSize = 14
)

var (
	goregularFont *opentype.Font
	fontErr       error
	fontOnce      sync.Once
)

// canvas is one rasterization pass. Faces are not safe for concurrent use,
// so each pass keeps its own.
type canvas struct {
	dst   *image.RGBA
	faces map[float64]font.Face
}

func (c *canvas) face(size float64) (font.Face, error) {
	fontOnce.Do(func() {
		goregularFont, fontErr = opentype.Parse(goregular.TTF)
	})
	if fontErr != nil {
		return nil, fontErr
	}
	size = math.Max(1, math.Round(size))
	if face, ok := c.faces[size]; ok {
		return face, nil
	}
	face, err := opentype.NewFace(goregularFont, &opentype.FaceOptions{Size: size, DPI: 72, Hinting: font.HintingFull})
	if err != nil {
		return nil, err
	}
	c.faces[size] = face
	return face, nil
}

// DecodeBlueprint decodes a PNG, JPEG, BMP, TIFF or WebP image.
func DecodeBlueprint(data []byte) (image.Image, string, error) {
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrBlueprintUnreadable, err)
	}
	return img, format, nil
}

// BlueprintSize reads only the image header.
func BlueprintSize(data []byte) (width, height int, err error) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %v", ErrBlueprintUnreadable, err)
	}
	return cfg.Width, cfg.Height, nil
}

// Rasterize composites objects over the blueprint in image space. Later
// objects are drawn on top of earlier ones.
func Rasterize(blueprint image.Image, objects []annotation.Object) (*image.RGBA, error) {
	bounds := blueprint.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
	draw.Draw(dst, dst.Bounds(), blueprint, bounds.Min, draw.Src)
	c := &canvas{dst: dst, faces: map[float64]font.Face{}}
	defer func() {
		for _, face := range c.faces {
			_ = face.Close()
		}
	}()

	area := annotation.Rect{Width: float64(dst.Bounds().Dx()), Height: float64(dst.Bounds().Dy())}
	for _, obj := range objects {
		if !annotation.BoundingBox(obj).Inflate(drawMargin(obj)).Intersects(area) {
			continue
		}
		switch o := obj.(type) {
		case annotation.Box:
			if err := c.drawBox(o); err != nil {
				return nil, err
			}
		case annotation.Text:
			if err := c.drawText(o.Content, o.Base.Position, o.FontSize, parseHexColor(o.FontColor)); err != nil {
				return nil, err
			}
		case annotation.Drawing:
			drawStroke(dst, o)
		default:
			panic(fmt.Sprintf("export: unexpected object type %T", obj))
		}
	}
	return dst, nil
}

// EncodePNG encodes with default compression so equal images give equal bytes.
func EncodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// drawMargin covers paint that falls outside the bounding box: box outlines
// and glyphs wider than the estimated text advance.
func drawMargin(obj annotation.Object) float64 {
	switch o := obj.(type) {
	case annotation.Box:
		return boxOutline
	case annotation.Text:
		return o.FontSize
	default:
		return 0
	}
}

// clampRect trims r to bounds grown by margin, so edges that were off-canvas
// stay off-canvas.
func clampRect(r annotation.Rect, bounds image.Rectangle, margin float64) annotation.Rect {
	minX := math.Max(r.X, float64(bounds.Min.X)-margin)
	minY := math.Max(r.Y, float64(bounds.Min.Y)-margin)
	maxX := math.Min(r.MaxX(), float64(bounds.Max.X)+margin)
	maxY := math.Min(r.MaxY(), float64(bounds.Max.Y)+margin)
	return annotation.Rect{X: minX, Y: minY, Width: math.Max(0, maxX-minX), Height: math.Max(0, maxY-minY)}
}

func pixelRect(r annotation.Rect) image.Rectangle {
	return image.Rect(
		int(math.Floor(r.X)), int(math.Floor(r.Y)),
		int(math.Ceil(r.MaxX())), int(math.Ceil(r.MaxY())),
	)
}

func (c *canvas) drawBox(b annotation.Box) error {
	col := b.Category.RGBA()
	rect := pixelRect(clampRect(b.Rect(), c.dst.Bounds(), boxOutline+1))
	fill := color.NRGBA{R: col.R, G: col.G, B: col.B, A: boxFillAlpha}
	draw.Draw(c.dst, rect.Intersect(c.dst.Bounds()), image.NewUniform(fill), image.Point{}, draw.Over)
	drawRect(c.dst, rect, col, boxOutline)

	labelAt := annotation.Point{X: b.Base.Position.X + boxOutline, Y: b.Base.Position.Y + boxOutline}
	return c.drawText(b.Label(), labelAt, boxLabelFontSize, col)
}

// drawText draws each line with its top-left at the given position.
func (c *canvas) drawText(content string, at annotation.Point, size float64, col color.Color) error {
	size = math.Min(size, annotation.MaxFontSize)
	lines := strings.Split(content, "\n")
	lineHeight := size * 1.2
	bounds := c.dst.Bounds()
	// glyph advances never exceed one em
	reach := annotation.Rect{X: at.X, Y: at.Y, Width: size * float64(utf8.RuneCountInString(content)), Height: lineHeight * float64(len(lines))}
	if !reach.Intersects(annotation.Rect{Width: float64(bounds.Dx()), Height: float64(bounds.Dy())}) {
		return nil
	}
	face, err := c.face(size)
	if err != nil {
		return fmt.Errorf("load font: %w", err)
	}
	ascent := face.Metrics().Ascent.Ceil()
	d := &font.Drawer{Dst: c.dst, Src: image.NewUniform(col), Face: face}
	for i, line := range lines {
		d.Dot = fixed.P(round(at.X), round(at.Y+float64(i)*lineHeight)+ascent)
		d.DrawString(line)
	}
	return nil
}

func drawStroke(dst *image.RGBA, d annotation.Drawing) {
	col := parseHexColor(d.StrokeColor)
	thick := int(math.Max(1, math.Round(math.Min(d.StrokeWidth, annotation.MaxStrokeWidth))))
	bounds := dst.Bounds()
	margin := float64(thick)
	clip := annotation.Rect{
		X:      float64(bounds.Min.X) - margin,
		Y:      float64(bounds.Min.Y) - margin,
		Width:  float64(bounds.Dx()) + 2*margin,
		Height: float64(bounds.Dy()) + 2*margin,
	}
	for i := 1; i < len(d.Path); i++ {
		a, b, ok := clipSegment(d.Path[i-1], d.Path[i], clip)
		if !ok {
			continue
		}
		drawLine(dst, round(a.X), round(a.Y), round(b.X), round(b.Y), col, thick)
	}
}

// clipSegment trims ab to r (Liang-Barsky). ok is false when no part of the
// segment lies inside r or an endpoint is not finite.
func clipSegment(a, b annotation.Point, r annotation.Rect) (annotation.Point, annotation.Point, bool) {
	for _, v := range [4]float64{a.X, a.Y, b.X, b.Y} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return a, b, false
		}
	}
	dx, dy := b.X-a.X, b.Y-a.Y
	t0, t1 := 0.0, 1.0
	edges := [4][2]float64{
		{-dx, a.X - r.X},
		{dx, r.MaxX() - a.X},
		{-dy, a.Y - r.Y},
		{dy, r.MaxY() - a.Y},
	}
	for _, e := range edges {
		p, q := e[0], e[1]
		if p == 0 {
			if q < 0 {
				return a, b, false
			}
			continue
		}
		t := q / p
		if p < 0 {
			if t > t1 {
				return a, b, false
			}
			t0 = math.Max(t0, t)
		} else {
			if t < t0 {
				return a, b, false
			}
			t1 = math.Min(t1, t)
		}
	}
	return annotation.Point{X: a.X + t0*dx, Y: a.Y + t0*dy}, annotation.Point{X: a.X + t1*dx, Y: a.Y + t1*dy}, true
}

func round(v float64) int { return int(math.Round(v)) }

func setThickPixel(img *image.RGBA, x, y, thick int, col color.Color) {
	r := thick / 2
	area := image.Rect(x-r, y-r, x+r+1, y+r+1).Intersect(img.Bounds())
	for py := area.Min.Y; py < area.Max.Y; py++ {
		for px := area.Min.X; px < area.Max.X; px++ {
			img.Set(px, py, col)
		}
	}
}

// drawLine is Bresenham with a square brush.
func drawLine(img *image.RGBA, x0, y0, x1, y1 int, col color.Color, thick int) {
	dx := abs(x1 - x0)
	dy := abs(y1 - y0)
	sx, sy := 1, 1
	if x0 > x1 {
		sx = -1
	}
	if y0 > y1 {
		sy = -1
	}
	e := dx - dy
	for {
		setThickPixel(img, x0, y0, thick, col)
		if x0 == x1 && y0 == y1 {
			return
		}
		e2 := 2 * e
		if e2 > -dy {
			e -= dy
			x0 += sx
		}
		if e2 < dx {
			e += dx
			y0 += sy
		}
	}
}

func drawRect(img *image.RGBA, rect image.Rectangle, col color.Color, thick int) {
	drawLine(img, rect.Min.X, rect.Min.Y, rect.Max.X-1, rect.Min.Y, col, thick)
	drawLine(img, rect.Max.X-1, rect.Min.Y, rect.Max.X-1, rect.Max.Y-1, col, thick)
	drawLine(img, rect.Max.X-1, rect.Max.Y-1, rect.Min.X, rect.Max.Y-1, col, thick)
	drawLine(img, rect.Min.X, rect.Max.Y-1, rect.Min.X, rect.Min.Y, col, thick)
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

// parseHexColor accepts #rgb and #rrggbb. Anything else renders black.
func parseHexColor(s string) color.RGBA {
	s = strings.TrimPrefix(strings.TrimSpace(s), "#")
	if len(s) == 3 {
		s = string([]byte{s[0], s[0], s[1], s[1], s[2], s[2]})
	}
	black := color.RGBA{A: 0xff}
	if len(s) != 6 {
		return black
	}
	v, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return black
	}
	return color.RGBA{R: uint8(v >> 16), G: uint8(v >> 8), B: uint8(v), A: 0xff}
}
