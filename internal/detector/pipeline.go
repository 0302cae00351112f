package detector

import (
	"context"
	"fmt"

	"github.com/andresmejia3/facetag/internal/types"
)

// Pipeline runs detect -> landmarks -> embed sequentially for every face.
type Pipeline struct {
	name       string
	loader     ModelLoader
	locator    Locator
	landmarker Landmarker
	embedder   Embedder
}

// NewPipeline composes stage implementations into a Backend. loader may be nil
// when the stages need no explicit warm-up.
func NewPipeline(name string, loader ModelLoader, locator Locator, landmarker Landmarker, embedder Embedder) *Pipeline {
	return &Pipeline{
		name:       name,
		loader:     loader,
		locator:    locator,
		landmarker: landmarker,
		embedder:   embedder,
	}
}

func (p *Pipeline) Name() string { return p.name }

func (p *Pipeline) LoadModels(ctx context.Context) error {
	if p.loader == nil {
		return nil
	}
	return p.loader.LoadModels(ctx)
}

func (p *Pipeline) DetectAll(ctx context.Context, image []byte) ([]types.Detection, error) {
	located, err := p.locator.Locate(ctx, image)
	if err != nil {
		return nil, fmt.Errorf("locate faces: %w", err)
	}

	dets := make([]types.Detection, 0, len(located))
	for i, loc := range located {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		det, err := p.describe(ctx, image, loc)
		if err != nil {
			return nil, fmt.Errorf("face %d: %w", i, err)
		}
		dets = append(dets, det)
	}
	return dets, nil
}

// DetectSingle only runs landmarks and embedding for the most confident box,
// chosen the same way as MostConfident.
func (p *Pipeline) DetectSingle(ctx context.Context, image []byte) (*types.Detection, error) {
	located, err := p.locator.Locate(ctx, image)
	if err != nil {
		return nil, fmt.Errorf("locate faces: %w", err)
	}
	if len(located) == 0 {
		return nil, nil
	}

	best := located[0]
	for _, loc := range located[1:] {
		if moreConfident(loc.Score, loc.Box, best.Score, best.Box) {
			best = loc
		}
	}

	det, err := p.describe(ctx, image, best)
	if err != nil {
		return nil, err
	}
	return &det, nil
}

func (p *Pipeline) describe(ctx context.Context, image []byte, loc Located) (types.Detection, error) {
	landmarks, err := p.landmarker.Landmarks(ctx, image, loc.Box)
	if err != nil {
		return types.Detection{}, fmt.Errorf("landmarks: %w", err)
	}
	vec, err := p.embedder.Embed(ctx, image, loc.Box, landmarks)
	if err != nil {
		return types.Detection{}, fmt.Errorf("embed: %w", err)
	}
	return types.Detection{
		Box:       loc.Box,
		Score:     loc.Score,
		Landmarks: landmarks,
		Vector:    vec,
	}, nil
}
