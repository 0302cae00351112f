// Package gallery holds the reference descriptors faces are matched against
// and builds them from labeled reference images.
package gallery

import (
	"fmt"
	"iter"

	"github.com/andresmejia3/facetag/internal/types"
)

// Gallery is an ordered, read-only list of labeled descriptors. It is safe to
// share between goroutines once built.
type Gallery struct {
	entries []types.LabeledEmbedding
	dim     int
}

// New copies entries into a gallery. All descriptors must have the same,
// non-zero length and only finite values.
func New(entries []types.LabeledEmbedding) (*Gallery, error) {
	g := &Gallery{entries: make([]types.LabeledEmbedding, 0, len(entries))}
	for i, e := range entries {
		if len(e.Vector) == 0 {
			return nil, fmt.Errorf("entry %d (%s): empty descriptor", i, e.Label)
		}
		if !e.Vector.Finite() {
			return nil, fmt.Errorf("entry %d (%s): %w", i, e.Label, types.ErrNonFinite)
		}
		if g.dim == 0 {
			g.dim = len(e.Vector)
		} else if len(e.Vector) != g.dim {
			return nil, fmt.Errorf("entry %d (%s): %w: %d != %d", i, e.Label, types.ErrDimensionMismatch, len(e.Vector), g.dim)
		}
		g.entries = append(g.entries, types.LabeledEmbedding{Label: e.Label, Vector: e.Vector.Clone()})
	}
	return g, nil
}

// Len is the number of entries. A nil gallery is empty.
func (g *Gallery) Len() int {
	if g == nil {
		return 0
	}
	return len(g.entries)
}

// Dim is the descriptor length, 0 for an empty gallery.
func (g *Gallery) Dim() int {
	if g == nil {
		return 0
	}
	return g.dim
}

// At returns entry i. The vector is shared; callers must not modify it.
func (g *Gallery) At(i int) types.LabeledEmbedding {
	return g.entries[i]
}

// All yields the entries in order without copying.
func (g *Gallery) All() iter.Seq2[int, types.LabeledEmbedding] {
	return func(yield func(int, types.LabeledEmbedding) bool) {
		if g == nil {
			return
		}
		for i, e := range g.entries {
			if !yield(i, e) {
				return
			}
		}
	}
}

// Entries returns a deep copy of the entries.
func (g *Gallery) Entries() []types.LabeledEmbedding {
	out := make([]types.LabeledEmbedding, 0, g.Len())
	for _, e := range g.All() {
		out = append(out, types.LabeledEmbedding{Label: e.Label, Vector: e.Vector.Clone()})
	}
	return out
}

// Labels returns the labels in gallery order. A label appears once per entry.
func (g *Gallery) Labels() []string {
	out := make([]string, 0, g.Len())
	for _, e := range g.All() {
		out = append(out, e.Label)
	}
	return out
}
