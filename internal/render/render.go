// Package render draws recognition results: a box around every face and, for
// recognized faces, a label plate above the box.
package render

import (
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"io"
	"math"

	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/andresmejia3/facetag/internal/types"
)

// Output modes.
const (
	ModeComposite = "composite"
	ModeOverlay   = "overlay"
)

// Output formats.
const (
	FormatPNG  = "png"
	FormatJPEG = "jpeg"
)

// Style controls the overlay look. Colors are non-premultiplied.
type Style struct {
	Stroke      color.NRGBA
	StrokeWidth int
	LabelFill   color.NRGBA
	LabelText   color.Color
	Padding     int
	LabelHeight int
	Face        font.Face
}

// DefaultStyle is a cyan stroke with a cyan label plate and black text.
func DefaultStyle() Style {
	return Style{
		Stroke:      color.NRGBA{R: 0, G: 255, B: 255, A: 230}, // 0.9 alpha
		StrokeWidth: 4,
		LabelFill:   color.NRGBA{R: 0, G: 255, B: 255, A: 204}, // 0.8 alpha
		LabelText:   color.Black,
		Padding:     10,
		LabelHeight: 30,
		Face:        basicfont.Face7x13,
	}
}

// Renderer draws overlays. The zero value is not usable; use New.
type Renderer struct {
	style       Style
	jpegQuality int
}

func New(style Style, jpegQuality int) *Renderer {
	if style.Face == nil {
		style.Face = basicfont.Face7x13
	}
	if jpegQuality <= 0 || jpegQuality > 100 {
		jpegQuality = 90
	}
	return &Renderer{style: style, jpegQuality: jpegQuality}
}

// Overlay draws faces on a transparent canvas of the given size.
func (r *Renderer) Overlay(width, height int, faces []types.RecognizedFace) *image.RGBA {
	canvas := image.NewRGBA(image.Rect(0, 0, width, height))
	r.draw(canvas, faces)
	return canvas
}

// Composite draws faces over a copy of img.
func (r *Renderer) Composite(img image.Image, faces []types.RecognizedFace) *image.RGBA {
	b := img.Bounds()
	canvas := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(canvas, canvas.Bounds(), img, b.Min, draw.Src)
	r.draw(canvas, faces)
	return canvas
}

// Render produces the image for mode.
func (r *Renderer) Render(mode string, img image.Image, faces []types.RecognizedFace) (*image.RGBA, error) {
	switch mode {
	case ModeComposite, "":
		return r.Composite(img, faces), nil
	case ModeOverlay:
		b := img.Bounds()
		return r.Overlay(b.Dx(), b.Dy(), faces), nil
	default:
		return nil, fmt.Errorf("unknown render mode %q", mode)
	}
}

// Encode writes img as png or jpeg.
func (r *Renderer) Encode(w io.Writer, img image.Image, format string) error {
	switch format {
	case FormatPNG, "":
		return png.Encode(w, img)
	case FormatJPEG, "jpg":
		return jpeg.Encode(w, img, &jpeg.Options{Quality: r.jpegQuality})
	default:
		return fmt.Errorf("unknown image format %q", format)
	}
}

// ContentType is the MIME type for format.
func ContentType(format string) string {
	if format == FormatJPEG || format == "jpg" {
		return "image/jpeg"
	}
	return "image/png"
}

// draw strokes every box first and then the label plates, so plates stay on
// top of neighbouring boxes.
func (r *Renderer) draw(dst *image.RGBA, faces []types.RecognizedFace) {
	for _, f := range faces {
		r.strokeBox(dst, f.Box)
	}
	for _, f := range faces {
		if f.Match.Label == "" || f.Match.Label == types.UnknownLabel {
			continue
		}
		r.drawLabel(dst, f.Box, f.Match.Label)
	}
}

// strokeBox draws a stroke centered on the box outline.
func (r *Renderer) strokeBox(dst *image.RGBA, box types.BoundingBox) {
	half := float64(r.style.StrokeWidth) / 2
	outer := rect(box.X-half, box.Y-half, box.X+box.Width+half, box.Y+box.Height+half)
	inner := rect(box.X+half, box.Y+half, box.X+box.Width-half, box.Y+box.Height-half)
	if inner.Empty() {
		fill(dst, outer, r.style.Stroke)
		return
	}

	// Four non-overlapping bands so translucent corners are not blended twice.
	fill(dst, image.Rect(outer.Min.X, outer.Min.Y, outer.Max.X, inner.Min.Y), r.style.Stroke)
	fill(dst, image.Rect(outer.Min.X, inner.Max.Y, outer.Max.X, outer.Max.Y), r.style.Stroke)
	fill(dst, image.Rect(outer.Min.X, inner.Min.Y, inner.Min.X, inner.Max.Y), r.style.Stroke)
	fill(dst, image.Rect(inner.Max.X, inner.Min.Y, outer.Max.X, inner.Max.Y), r.style.Stroke)
}

// LabelRect is where the plate for label goes on a canvas of the given bounds:
// centered over the box, Padding above it, or inside the top of the box when
// there is no room above.
func (r *Renderer) LabelRect(bounds image.Rectangle, box types.BoundingBox, label string) image.Rectangle {
	textWidth := font.MeasureString(r.style.Face, label).Ceil()
	w := float64(textWidth + 2*r.style.Padding)
	h := float64(r.style.LabelHeight)

	x := box.X + box.Width/2 - w/2
	y := box.Y - h - float64(r.style.Padding)
	if y < float64(bounds.Min.Y) {
		y = box.Y + float64(r.style.StrokeWidth)
	}
	return rect(x, y, x+w, y+h)
}

func (r *Renderer) drawLabel(dst *image.RGBA, box types.BoundingBox, label string) {
	plate := r.LabelRect(dst.Bounds(), box, label)
	fill(dst, plate, r.style.LabelFill)

	metrics := r.style.Face.Metrics()
	textWidth := font.MeasureString(r.style.Face, label)
	textHeight := metrics.Ascent + metrics.Descent

	// Center horizontally and vertically in the plate.
	originX := fixed.I(plate.Min.X+plate.Max.X)/2 - textWidth/2
	originY := fixed.I(plate.Min.Y+plate.Max.Y)/2 - textHeight/2 + metrics.Ascent

	d := &font.Drawer{
		Dst:  dst,
		Src:  image.NewUniform(r.style.LabelText),
		Face: r.style.Face,
		Dot:  fixed.Point26_6{X: originX, Y: originY},
	}
	d.DrawString(label)
}

func fill(dst *image.RGBA, area image.Rectangle, c color.Color) {
	area = area.Intersect(dst.Bounds())
	if area.Empty() {
		return
	}
	draw.Draw(dst, area, image.NewUniform(c), image.Point{}, draw.Over)
}

func rect(x0, y0, x1, y1 float64) image.Rectangle {
	return image.Rect(
		int(math.Round(x0)),
		int(math.Round(y0)),
		int(math.Round(x1)),
		int(math.Round(y1)),
	)
}
