//go:build !dlib

package dlib

import (
	"context"
	"errors"

	"github.com/andresmejia3/facetag/internal/types"
)

// ErrUnavailable is returned when the binary was built without the dlib tag.
var ErrUnavailable = errors.New("dlib backend not compiled in (rebuild with -tags dlib)")

type Backend struct{}

func New(modelDir string) *Backend { return &Backend{} }

func (b *Backend) Name() string { return "dlib" }

func (b *Backend) LoadModels(ctx context.Context) error { return ErrUnavailable }

func (b *Backend) DetectAll(ctx context.Context, image []byte) ([]types.Detection, error) {
	return nil, ErrUnavailable
}

func (b *Backend) DetectSingle(ctx context.Context, image []byte) (*types.Detection, error) {
	return nil, ErrUnavailable
}

func (b *Backend) Close() {}
