package matcher

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/andresmejia3/facetag/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewIndex(t *testing.T) {
	g := mustGallery(t, entry("a", 1, 0))

	idx, err := NewIndex("", g, 0)
	require.NoError(t, err)
	assert.IsType(t, &Linear{}, idx)

	idx, err = NewIndex("hnsw", g, 0)
	require.NoError(t, err)
	assert.IsType(t, &HNSW{}, idx)
	assert.Equal(t, 1, idx.Len())

	_, err = NewIndex("kdtree", g, 0)
	assert.Error(t, err)
}

// Queries close to a gallery entry must resolve identically through both indexes.
func TestHNSWAgreesWithLinear(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	entries := make([]types.LabeledEmbedding, 200)
	for i := range entries {
		entries[i] = types.LabeledEmbedding{Label: fmt.Sprintf("person-%03d", i), Vector: randomVector(rng, 32)}
	}
	g := mustGallery(t, entries...)

	linear := NewLinear(g)
	graph := NewHNSW(g, 16)

	for i := 0; i < 50; i++ {
		target := entries[rng.Intn(len(entries))].Vector
		q := target.Clone()
		for j := range q {
			q[j] += (rng.Float32() - 0.5) * 0.01
		}

		want, err := linear.Match(q, DefaultThreshold)
		require.NoError(t, err)
		got, err := graph.Match(q, DefaultThreshold)
		require.NoError(t, err)
		assert.Equal(t, want.Label, got.Label)
		assert.InDelta(t, want.Distance, got.Distance, 1e-9)
	}
}

// Above the exact limit the graph answers; every answer must still be an
// exactly scored gallery entry and never closer than the true minimum.
func TestHNSWGraphRescoresExactly(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	entries := make([]types.LabeledEmbedding, 300)
	for i := range entries {
		entries[i] = types.LabeledEmbedding{Label: fmt.Sprintf("person-%03d", i), Vector: randomVector(rng, 16)}
	}
	g := mustGallery(t, entries...)
	h := newHNSW(g, 4, 0)
	require.NotNil(t, h.graph, "gallery above the exact limit should build a graph")

	byLabel := make(map[string]types.Vector, len(entries))
	for _, e := range entries {
		byLabel[e.Label] = e.Vector
	}

	for i := 0; i < 20; i++ {
		q := randomVector(rng, 16)
		want, err := FindBestMatch(q, g, 100)
		require.NoError(t, err)
		got, err := h.Match(q, 100)
		require.NoError(t, err)

		require.Contains(t, byLabel, got.Label)
		assert.InDelta(t, EuclideanDistance(q, byLabel[got.Label]), got.Distance, 1e-9)
		assert.GreaterOrEqual(t, got.Distance+1e-9, want.Distance)
	}
}

func TestHNSWSmallGalleryIsExact(t *testing.T) {
	g := mustGallery(t,
		entry("first", 1, 0),
		entry("second", -1, 0),
	)
	h := NewHNSW(g, 0)
	assert.Nil(t, h.graph)

	got, err := h.Match(types.Vector{0, 0}, 2)
	require.NoError(t, err)
	assert.Equal(t, "first", got.Label)
}

func TestHNSWDimensionMismatch(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	entries := make([]types.LabeledEmbedding, 20)
	for i := range entries {
		entries[i] = types.LabeledEmbedding{Label: "x", Vector: randomVector(rng, 8)}
	}
	h := NewHNSW(mustGallery(t, entries...), 4)

	_, err := h.Match(types.Vector{1, 2}, DefaultThreshold)
	assert.ErrorIs(t, err, types.ErrDimensionMismatch)
}
