// Package viewport maps between screen pixels and blueprint image pixels.
//
// The mapping is screen = image*zoom + pan, with pan expressed in screen
// pixels. State is a plain value; every operation returns a new State.
package viewport

import (
	"errors"
	"math"

	"sitemark/api/internal/annotation"
)

const (
	MinZoom  = 0.25
	MaxZoom  = 5.0
	ZoomStep = 1.25

	// MinVisible is how many screen pixels of the image must stay on screen
	// while panning at zoom <= 1.
	MinVisible = 32.0
)

var ErrInvalidImageSize = errors.New("image dimensions must be positive")

type State struct {
	Zoom         float64 `json:"zoom"`
	PanX         float64 `json:"panX"`
	PanY         float64 `json:"panY"`
	ImageWidth   float64 `json:"imageWidth"`
	ImageHeight  float64 `json:"imageHeight"`
	ScreenWidth  float64 `json:"screenWidth"`
	ScreenHeight float64 `json:"screenHeight"`
}

// New returns an identity viewport for an image of the given size.
func New(imageWidth, imageHeight, screenWidth, screenHeight float64) (State, error) {
	if imageWidth <= 0 || imageHeight <= 0 {
		return State{}, ErrInvalidImageSize
	}
	return State{
		Zoom:         1,
		ImageWidth:   imageWidth,
		ImageHeight:  imageHeight,
		ScreenWidth:  screenWidth,
		ScreenHeight: screenHeight,
	}, nil
}

func ClampZoom(z float64) float64 {
	if math.IsNaN(z) {
		return 1
	}
	return math.Max(MinZoom, math.Min(MaxZoom, z))
}

func (s State) ImageToScreen(p annotation.Point) annotation.Point {
	return annotation.Point{X: p.X*s.Zoom + s.PanX, Y: p.Y*s.Zoom + s.PanY}
}

func (s State) ScreenToImage(p annotation.Point) annotation.Point {
	return annotation.Point{X: (p.X - s.PanX) / s.Zoom, Y: (p.Y - s.PanY) / s.Zoom}
}

// ZoomAt sets the zoom level, keeping the image point under the pivot fixed
// on screen. Pan is not clamped here so the pivot property always holds.
func (s State) ZoomAt(zoom float64, pivot annotation.Point) State {
	anchor := s.ScreenToImage(pivot)
	s.Zoom = ClampZoom(zoom)
	s.PanX = pivot.X - anchor.X*s.Zoom
	s.PanY = pivot.Y - anchor.Y*s.Zoom
	return s
}

func (s State) ZoomIn(pivot annotation.Point) State {
	return s.ZoomAt(s.Zoom*ZoomStep, pivot)
}

func (s State) ZoomOut(pivot annotation.Point) State {
	return s.ZoomAt(s.Zoom/ZoomStep, pivot)
}

// PanBy shifts the view by a screen-space delta. At zoom <= 1 the result is
// clamped so the image cannot leave the screen entirely.
func (s State) PanBy(dx, dy float64) State {
	s.PanX += dx
	s.PanY += dy
	if s.Zoom > 1 {
		return s
	}
	s.PanX = clampAxis(s.PanX, s.ImageWidth*s.Zoom, s.ScreenWidth)
	s.PanY = clampAxis(s.PanY, s.ImageHeight*s.Zoom, s.ScreenHeight)
	return s
}

func clampAxis(pan, extent, screen float64) float64 {
	if screen <= 0 {
		return pan
	}
	keep := math.Min(MinVisible, math.Min(extent, screen))
	lo := keep - extent
	hi := screen - keep
	return math.Max(lo, math.Min(hi, pan))
}

// Fit zooms so the whole image is visible and centers it.
func (s State) Fit() State {
	if s.ScreenWidth <= 0 || s.ScreenHeight <= 0 {
		return s
	}
	s.Zoom = ClampZoom(math.Min(s.ScreenWidth/s.ImageWidth, s.ScreenHeight/s.ImageHeight))
	s.PanX = (s.ScreenWidth - s.ImageWidth*s.Zoom) / 2
	s.PanY = (s.ScreenHeight - s.ImageHeight*s.Zoom) / 2
	return s
}

// Resize updates the screen dimensions. Image dimensions never change.
func (s State) Resize(screenWidth, screenHeight float64) State {
	s.ScreenWidth = screenWidth
	s.ScreenHeight = screenHeight
	return s
}

// VisibleImageRect returns the part of image space currently on screen.
func (s State) VisibleImageRect() annotation.Rect {
	a := s.ScreenToImage(annotation.Point{})
	b := s.ScreenToImage(annotation.Point{X: s.ScreenWidth, Y: s.ScreenHeight})
	return annotation.RectFromCorners(a, b)
}
