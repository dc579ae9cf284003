package export

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sitemark/api/internal/annotation"
)

var t0 = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

func whitePNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.White)
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

type fakePDF struct {
	html string
	size PageSize
	err  error
}

func (f *fakePDF) RenderPDF(_ context.Context, html string, size PageSize) ([]byte, error) {
	f.html = html
	f.size = size
	if f.err != nil {
		return nil, f.err
	}
	return []byte("%PDF-1.4 fake"), nil
}

func TestBlueprintSize(t *testing.T) {
	w, h, err := BlueprintSize(whitePNG(t, 40, 20))
	require.NoError(t, err)
	assert.Equal(t, 40, w)
	assert.Equal(t, 20, h)

	_, _, err = BlueprintSize([]byte("not an image"))
	assert.ErrorIs(t, err, ErrBlueprintUnreadable)
}

func TestRasterizeDrawsInZOrder(t *testing.T) {
	blueprint, _, err := DecodeBlueprint(whitePNG(t, 200, 200))
	require.NoError(t, err)

	red, err := annotation.NewBox("r", annotation.Point{X: 10, Y: 10}, 100, 100, annotation.CategoryRed, t0)
	require.NoError(t, err)
	blue, err := annotation.NewBox("b", annotation.Point{X: 60, Y: 60}, 100, 100, annotation.CategoryBlue, t0)
	require.NoError(t, err)
	pen, err := annotation.NewDrawing("d", []annotation.Point{{X: 0, Y: 190}, {X: 199, Y: 190}}, "#00ff00", 3, t0)
	require.NoError(t, err)

	flat, err := Rasterize(blueprint, []annotation.Object{red, blue, pen})
	require.NoError(t, err)

	assert.Equal(t, color.RGBA{R: 255, G: 255, B: 255, A: 255}, flat.RGBAAt(5, 5), "untouched area")
	assert.Equal(t, annotation.CategoryRed.RGBA(), flat.RGBAAt(10, 50), "red outline")
	assert.Equal(t, annotation.CategoryBlue.RGBA(), flat.RGBAAt(109, 60), "blue outline drawn over red box")
	assert.Equal(t, color.RGBA{G: 255, A: 255}, flat.RGBAAt(100, 190), "stroke")

	tinted := flat.RGBAAt(40, 80)
	assert.NotEqual(t, color.RGBA{R: 255, G: 255, B: 255, A: 255}, tinted)
	assert.Greater(t, tinted.R, tinted.B, "red fill tint")
}

func TestRasterizeText(t *testing.T) {
	blueprint, _, err := DecodeBlueprint(whitePNG(t, 120, 60))
	require.NoError(t, err)
	label, err := annotation.NewText("t", annotation.Point{X: 5, Y: 5}, "HOLD", 20, "#000", t0)
	require.NoError(t, err)

	flat, err := Rasterize(blueprint, []annotation.Object{label})
	require.NoError(t, err)

	dark := 0
	for y := 5; y < 30; y++ {
		for x := 5; x < 70; x++ {
			if flat.RGBAAt(x, y).R < 128 {
				dark++
			}
		}
	}
	assert.Greater(t, dark, 20)
}

func TestParseHexColor(t *testing.T) {
	assert.Equal(t, color.RGBA{R: 0xdc, G: 0x26, B: 0x26, A: 0xff}, parseHexColor("#dc2626"))
	assert.Equal(t, color.RGBA{R: 0xff, G: 0x00, B: 0xff, A: 0xff}, parseHexColor("#f0f"))
	assert.Equal(t, color.RGBA{A: 0xff}, parseHexColor("tomato"))
}

func TestRenderBuildsPreviewAndPDF(t *testing.T) {
	box, err := annotation.NewBox("r", annotation.Point{X: 1, Y: 1}, 5, 5, annotation.CategoryGray, t0)
	require.NoError(t, err)
	pdf := &fakePDF{}
	svc := NewService(pdf, nil)
	in := Input{
		Title:       "Level 2 / Slab",
		SiteID:      "site-1",
		Revision:    3,
		GeneratedAt: t0,
		Blueprint:   whitePNG(t, 64, 32),
		Objects:     []annotation.Object{box},
	}

	first, err := svc.Render(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, "image/png", first.Preview.MimeType)
	assert.Equal(t, "Level-2--Slab.png", first.Preview.Filename)
	require.NotNil(t, first.PDF)
	assert.Equal(t, "application/pdf", first.PDF.MimeType)

	assert.Contains(t, pdf.html, "data:image/png;base64,")
	assert.Contains(t, pdf.html, "material-zone (1)")
	assert.Contains(t, pdf.html, "work-complete (0)")
	assert.Contains(t, pdf.html, "Revision 3")
	assert.Greater(t, pdf.size.Width, pdf.size.Height)

	second, err := svc.Render(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, first.Preview.Data, second.Preview.Data, "previews are deterministic")
}

func TestRenderWithoutPDF(t *testing.T) {
	out, err := NewService(nil, nil).Render(context.Background(), Input{Title: "x", Blueprint: whitePNG(t, 8, 8)})
	require.NoError(t, err)
	assert.Nil(t, out.PDF)
	assert.True(t, strings.HasPrefix(string(out.Preview.Data), "\x89PNG"))
}

func TestRenderSurfacesPDFFailure(t *testing.T) {
	crash := errors.New("browser crashed")
	svc := NewService(&fakePDF{err: crash}, nil)
	_, err := svc.Render(context.Background(), Input{Title: "x", Blueprint: whitePNG(t, 8, 8)})
	assert.True(t, errors.Is(err, crash))
}

func TestRenderKeepsPreviewWhenBrowserMissing(t *testing.T) {
	svc := NewService(&fakePDF{err: fmt.Errorf("%w: chromium not found", ErrPDFDependencyMissing)}, nil)
	out, err := svc.Render(context.Background(), Input{Title: "x", Blueprint: whitePNG(t, 8, 8)})
	require.NoError(t, err)
	assert.Nil(t, out.PDF)
	assert.True(t, strings.HasPrefix(string(out.Preview.Data), "\x89PNG"))
}

func TestRasterizeClipsOffCanvasGeometry(t *testing.T) {
	blueprint, _, err := DecodeBlueprint(whitePNG(t, 50, 50))
	require.NoError(t, err)

	// literals bypass the constructor range checks, as rows written before them would
	wide := annotation.Box{Base: annotation.Meta{ID: "w", Position: annotation.Point{X: 10, Y: 10}}, Width: 2e8, Height: 20, Category: annotation.CategoryRed}
	far := annotation.Box{Base: annotation.Meta{ID: "f", Position: annotation.Point{X: -1e12, Y: -1e12}}, Width: 5, Height: 5, Category: annotation.CategoryBlue}
	stroke := annotation.Drawing{
		Base:        annotation.Meta{ID: "s", Position: annotation.Point{X: 1, Y: 45}},
		Path:        []annotation.Point{{X: 1, Y: 45}, {X: 1e19, Y: 45}},
		StrokeColor: "#00ff00",
		StrokeWidth: 1,
	}
	label := annotation.Text{Base: annotation.Meta{ID: "t", Position: annotation.Point{X: 1e15, Y: 3}}, Content: "FAR", FontSize: 12, FontColor: "#000"}

	done := make(chan *image.RGBA, 1)
	go func() {
		flat, err := Rasterize(blueprint, []annotation.Object{wide, far, stroke, label})
		assert.NoError(t, err)
		done <- flat
	}()

	select {
	case flat := <-done:
		require.NotNil(t, flat)
		assert.Equal(t, annotation.CategoryRed.RGBA(), flat.RGBAAt(10, 20), "left edge of wide box")
		assert.Equal(t, annotation.CategoryRed.RGBA(), flat.RGBAAt(40, 10), "top edge of wide box")
		assert.Equal(t, color.RGBA{G: 255, A: 255}, flat.RGBAAt(30, 45), "visible part of stroke")
		assert.Equal(t, color.RGBA{R: 255, G: 255, B: 255, A: 255}, flat.RGBAAt(2, 2))
	case <-time.After(5 * time.Second):
		t.Fatal("rasterizing off-canvas geometry did not finish")
	}
}

func TestClipSegment(t *testing.T) {
	r := annotation.Rect{Width: 10, Height: 10}

	a, b, ok := clipSegment(annotation.Point{X: -5, Y: 5}, annotation.Point{X: 15, Y: 5}, r)
	require.True(t, ok)
	assert.Equal(t, annotation.Point{X: 0, Y: 5}, a)
	assert.Equal(t, annotation.Point{X: 10, Y: 5}, b)

	_, _, ok = clipSegment(annotation.Point{X: -5, Y: -5}, annotation.Point{X: -1, Y: 20}, r)
	assert.False(t, ok, "segment left of the rectangle")

	_, _, ok = clipSegment(annotation.Point{X: 1, Y: 1}, annotation.Point{X: math.Inf(1), Y: 1}, r)
	assert.False(t, ok, "infinite endpoint")
}

func TestSanitizeFilename(t *testing.T) {
	assert.Equal(t, "markup", sanitizeFilename("///"))
	assert.Equal(t, "North-wing_v2", sanitizeFilename("North wing_v2"))
	assert.Len(t, sanitizeFilename(strings.Repeat("a", 80)), 50)
}
