// Package overlay draws the analytics engine's per-frame instructions onto
// a frame. It holds no decision logic: what to draw comes entirely from a
// crowd.FrameResult.
package overlay

import (
	"image"
	"image/color"
	"image/draw"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// Canvas is the drawing surface a frame is rendered onto. Implementations
// exist for in-memory RGBA images (ImageCanvas) and OpenCV matrices
// (video/cv.MatFrame).
type Canvas interface {
	Bounds() image.Rectangle
	// Rect strokes the outline of r with the given line thickness.
	Rect(r image.Rectangle, c color.RGBA, thickness int)
	// Text draws s with its baseline-left corner at the given point.
	Text(s string, at image.Point, scale float64, c color.RGBA, thickness int)
}

// ImageCanvas implements Canvas on an *image.RGBA using the fixed 7x13
// bitmap font. Scale is approximated by stroke thickness because the bitmap
// face has a single size.
type ImageCanvas struct {
	Img *image.RGBA
}

// NewImageCanvas allocates a blank canvas of the given size.
func NewImageCanvas(width, height int) *ImageCanvas {
	return &ImageCanvas{Img: image.NewRGBA(image.Rect(0, 0, width, height))}
}

// Bounds returns the image bounds.
func (c *ImageCanvas) Bounds() image.Rectangle {
	return c.Img.Bounds()
}

// Rect strokes r inward from its edges. Thickness below 1 draws nothing.
func (c *ImageCanvas) Rect(r image.Rectangle, col color.RGBA, thickness int) {
	r = r.Canon()
	if thickness < 1 || r.Empty() {
		return
	}
	src := image.NewUniform(col)
	t := thickness
	if t*2 > r.Dx() || t*2 > r.Dy() {
		draw.Draw(c.Img, r, src, image.Point{}, draw.Src)
		return
	}
	edges := []image.Rectangle{
		image.Rect(r.Min.X, r.Min.Y, r.Max.X, r.Min.Y+t),
		image.Rect(r.Min.X, r.Max.Y-t, r.Max.X, r.Max.Y),
		image.Rect(r.Min.X, r.Min.Y+t, r.Min.X+t, r.Max.Y-t),
		image.Rect(r.Max.X-t, r.Min.Y+t, r.Max.X, r.Max.Y-t),
	}
	for _, e := range edges {
		draw.Draw(c.Img, e.Intersect(c.Img.Bounds()), src, image.Point{}, draw.Src)
	}
}

// Text draws s in the basic face. Thickness > 1 is emulated by redrawing
// with one-pixel horizontal offsets.
func (c *ImageCanvas) Text(s string, at image.Point, scale float64, col color.RGBA, thickness int) {
	if s == "" {
		return
	}
	passes := thickness
	if scale > 1 {
		passes = int(float64(passes) * scale)
	}
	if passes < 1 {
		passes = 1
	}
	d := font.Drawer{
		Dst:  c.Img,
		Src:  image.NewUniform(col),
		Face: basicfont.Face7x13,
	}
	for i := 0; i < passes; i++ {
		d.Dot = fixed.P(at.X+i, at.Y)
		d.DrawString(s)
	}
}

// TextWidth returns the advance of s in the canvas font.
func TextWidth(s string) int {
	return font.MeasureString(basicfont.Face7x13, s).Round()
}
