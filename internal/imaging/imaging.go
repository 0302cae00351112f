// Package imaging decodes uploaded and reference images and shrinks them to the
// size the face models are fed with.
package imaging

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

// ErrInvalidImage is returned for payloads no registered decoder accepts.
var ErrInvalidImage = errors.New("invalid image")

const jpegQuality = 90

// Decode decodes any registered image format.
func Decode(data []byte) (image.Image, string, error) {
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}
	return img, format, nil
}

// Fit scales img down so its longest edge is at most maxEdge, keeping the aspect
// ratio. It returns the image and the applied factors per axis, which differ
// slightly because sizes are rounded to whole pixels (1 when untouched).
// maxEdge <= 0 disables resizing.
func Fit(img image.Image, maxEdge int) (image.Image, float64, float64) {
	bounds := img.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	if maxEdge <= 0 || (width <= maxEdge && height <= maxEdge) {
		return img, 1, 1
	}

	var newWidth, newHeight int
	if width > height {
		newWidth = maxEdge
		newHeight = max(1, height*maxEdge/width)
	} else {
		newHeight = maxEdge
		newWidth = max(1, width*maxEdge/height)
	}

	dst := image.NewRGBA(image.Rect(0, 0, newWidth, newHeight))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, bounds, draw.Over, nil)
	return dst, float64(newWidth) / float64(width), float64(newHeight) / float64(height)
}

// Prepared is an image ready to be handed to a detection backend.
type Prepared struct {
	// Original is the decoded input at full size.
	Original image.Image
	// Data is what the backend receives: the input bytes, or a re-encoded
	// JPEG when the image had to be shrunk.
	Data []byte
	// ScaleX and ScaleY map backend coordinates back to Original (divide by them).
	ScaleX, ScaleY float64
}

// Prepare decodes data and shrinks it to maxEdge when needed.
func Prepare(data []byte, maxEdge int) (*Prepared, error) {
	img, _, err := Decode(data)
	if err != nil {
		return nil, err
	}

	fitted, sx, sy := Fit(img, maxEdge)
	if sx == 1 && sy == 1 {
		return &Prepared{Original: img, Data: data, ScaleX: 1, ScaleY: 1}, nil
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, fitted, &jpeg.Options{Quality: jpegQuality}); err != nil {
		return nil, fmt.Errorf("failed to encode resized image: %w", err)
	}
	return &Prepared{Original: img, Data: buf.Bytes(), ScaleX: sx, ScaleY: sy}, nil
}
