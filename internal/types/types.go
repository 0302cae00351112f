package types

import (
	"encoding/json"
	"errors"
	"image"
	"math"
	"time"

	"github.com/google/uuid"
)

// UnknownLabel is reported for faces with no gallery entry within the match threshold.
const UnknownLabel = "unknown"

// ErrDimensionMismatch is returned when two descriptors of different length meet.
var ErrDimensionMismatch = errors.New("descriptor dimension mismatch")

// ErrNonFinite is returned for descriptors containing NaN or infinite values.
var ErrNonFinite = errors.New("descriptor has non-finite values")

// Vector is a face descriptor as produced by the recognition model (typically 128-d).
type Vector []float32

// Finite reports whether every value is a real number.
func (v Vector) Finite() bool {
	for _, x := range v {
		if math.IsNaN(float64(x)) || math.IsInf(float64(x), 0) {
			return false
		}
	}
	return true
}

// Clone returns a copy that does not share the backing array.
func (v Vector) Clone() Vector {
	if v == nil {
		return nil
	}
	out := make(Vector, len(v))
	copy(out, v)
	return out
}

// Point is a single landmark position in pixel space.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// BoundingBox locates a face in pixel space of the image it was detected in.
type BoundingBox struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Scale multiplies the box by per-axis factors, e.g. to map detections made on a
// downscaled copy back onto the original image.
func (b BoundingBox) Scale(sx, sy float64) BoundingBox {
	return BoundingBox{X: b.X * sx, Y: b.Y * sy, Width: b.Width * sx, Height: b.Height * sy}
}

// Rect rounds the box to an integer rectangle.
func (b BoundingBox) Rect() image.Rectangle {
	return image.Rect(
		int(math.Round(b.X)),
		int(math.Round(b.Y)),
		int(math.Round(b.X+b.Width)),
		int(math.Round(b.Y+b.Height)),
	)
}

// Area is Width*Height.
func (b BoundingBox) Area() float64 {
	return b.Width * b.Height
}

// Detection is one face reported by the backend for one image.
type Detection struct {
	Box       BoundingBox `json:"box"`
	Score     float64     `json:"score"`
	Landmarks []Point     `json:"landmarks,omitempty"`
	Vector    Vector      `json:"-"`
}

// LabeledEmbedding is a reference descriptor with the name it stands for.
type LabeledEmbedding struct {
	Label  string `json:"label"`
	Vector Vector `json:"-"`
}

// MatchResult is the outcome of matching one descriptor against the gallery.
type MatchResult struct {
	Label    string  `json:"label"`
	Distance float64 `json:"distance"`
}

// Known reports whether the match resolved to a gallery label.
func (m MatchResult) Known() bool {
	return m.Label != UnknownLabel
}

// MarshalJSON writes an infinite distance (empty gallery) as null.
func (m MatchResult) MarshalJSON() ([]byte, error) {
	out := struct {
		Label    string   `json:"label"`
		Distance *float64 `json:"distance"`
	}{Label: m.Label}
	if !math.IsInf(m.Distance, 0) && !math.IsNaN(m.Distance) {
		d := m.Distance
		out.Distance = &d
	}
	return json.Marshal(out)
}

// RecognizedFace pairs a detection with its match.
type RecognizedFace struct {
	Detection
	Match MatchResult `json:"match"`
}

// Recognition is the full result for one uploaded image.
type Recognition struct {
	ID        uuid.UUID        `json:"id"`
	Digest    string           `json:"digest"`
	Width     int              `json:"width"`
	Height    int              `json:"height"`
	Faces     []RecognizedFace `json:"faces"`
	CreatedAt time.Time        `json:"created_at"`
}

// ErrorResult captures the error object returned by an inference server on failure
type ErrorResult struct {
	Error string `json:"error"`
}
