// Package detector defines the capability interface the rest of facetag uses to
// reach a face detection/recognition model, and composes per-stage
// implementations (locate, landmarks, embed) into that interface.
package detector

import (
	"context"

	"github.com/andresmejia3/facetag/internal/types"
)

// Backend is everything the orchestrator needs from a face library.
type Backend interface {
	// Name identifies the backend (and its model) for logs and descriptor caching.
	Name() string
	// LoadModels blocks until the model weights are loaded and the backend can serve requests.
	LoadModels(ctx context.Context) error
	// DetectAll returns every face found in the encoded image, with descriptors.
	DetectAll(ctx context.Context, image []byte) ([]types.Detection, error)
	// DetectSingle returns the most confident face, or nil when there is none.
	DetectSingle(ctx context.Context, image []byte) (*types.Detection, error)
}

// Located is a face box produced by the detection stage.
type Located struct {
	Box   types.BoundingBox
	Score float64
}

// ModelLoader loads model weights for a staged backend.
type ModelLoader interface {
	LoadModels(ctx context.Context) error
}

// Locator finds face boxes in an image.
type Locator interface {
	Locate(ctx context.Context, image []byte) ([]Located, error)
}

// Landmarker extracts facial landmarks for one located face.
type Landmarker interface {
	Landmarks(ctx context.Context, image []byte, box types.BoundingBox) ([]types.Point, error)
}

// Embedder computes the identity descriptor for one aligned face.
type Embedder interface {
	Embed(ctx context.Context, image []byte, box types.BoundingBox, landmarks []types.Point) (types.Vector, error)
}

// MostConfident picks the detection with the highest score. Equal scores
// fall back to the larger box, then to the earlier detection.
func MostConfident(dets []types.Detection) *types.Detection {
	if len(dets) == 0 {
		return nil
	}
	best := 0
	for i := 1; i < len(dets); i++ {
		if moreConfident(dets[i].Score, dets[i].Box, dets[best].Score, dets[best].Box) {
			best = i
		}
	}
	d := dets[best]
	return &d
}

// moreConfident orders faces by score, then by box area.
func moreConfident(score float64, box types.BoundingBox, bestScore float64, bestBox types.BoundingBox) bool {
	if score != bestScore {
		return score > bestScore
	}
	return box.Area() > bestBox.Area()
}
