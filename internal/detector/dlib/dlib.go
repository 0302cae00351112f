//go:build dlib

// Package dlib runs face detection and recognition in-process through dlib.
// It needs libdlib and the model files (shape_predictor_5_face_landmarks.dat,
// dlib_face_recognition_resnet_model_v1.dat, mmod_human_face_detector.dat).
package dlib

import (
	"context"
	"fmt"
	"sync"

	"github.com/Kagami/go-face"

	"github.com/andresmejia3/facetag/internal/detector"
	"github.com/andresmejia3/facetag/internal/types"
)

// Backend wraps a go-face recognizer. The recognizer is not safe for
// concurrent use, so calls are serialized.
type Backend struct {
	modelDir string

	mu  sync.Mutex
	rec *face.Recognizer
}

func New(modelDir string) *Backend {
	return &Backend{modelDir: modelDir}
}

func (b *Backend) Name() string { return "dlib" }

func (b *Backend) LoadModels(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.rec != nil {
		return nil
	}
	rec, err := face.NewRecognizer(b.modelDir)
	if err != nil {
		return fmt.Errorf("failed to load dlib models from %s: %w", b.modelDir, err)
	}
	b.rec = rec
	return nil
}

func (b *Backend) DetectAll(ctx context.Context, image []byte) ([]types.Detection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.rec == nil {
		return nil, fmt.Errorf("dlib models not loaded")
	}

	faces, err := b.rec.Recognize(image)
	if err != nil {
		return nil, fmt.Errorf("dlib recognize: %w", err)
	}
	dets := make([]types.Detection, 0, len(faces))
	for _, f := range faces {
		dets = append(dets, toDetection(f))
	}
	return dets, nil
}

// DetectSingle keeps the largest face. go-face's RecognizeSingle refuses
// images with more than one face, which reference photos often have.
func (b *Backend) DetectSingle(ctx context.Context, image []byte) (*types.Detection, error) {
	dets, err := b.DetectAll(ctx, image)
	if err != nil {
		return nil, err
	}
	return detector.MostConfident(dets), nil
}

// Close frees the dlib recognizer.
func (b *Backend) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.rec != nil {
		b.rec.Close()
		b.rec = nil
	}
}

func toDetection(f face.Face) types.Detection {
	r := f.Rectangle
	det := types.Detection{
		Box: types.BoundingBox{
			X:      float64(r.Min.X),
			Y:      float64(r.Min.Y),
			Width:  float64(r.Dx()),
			Height: float64(r.Dy()),
		},
		// dlib's HOG detector does not report a confidence.
		Score:  1,
		Vector: types.Vector(f.Descriptor[:]).Clone(),
	}
	for _, p := range f.Shapes {
		det.Landmarks = append(det.Landmarks, types.Point{X: float64(p.X), Y: float64(p.Y)})
	}
	return det
}
