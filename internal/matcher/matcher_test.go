package matcher

import (
	"math"
	"math/rand"
	"testing"

	"github.com/andresmejia3/facetag/internal/gallery"
	"github.com/andresmejia3/facetag/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustGallery(t *testing.T, entries ...types.LabeledEmbedding) *gallery.Gallery {
	t.Helper()
	g, err := gallery.New(entries)
	require.NoError(t, err)
	return g
}

func entry(label string, v ...float32) types.LabeledEmbedding {
	return types.LabeledEmbedding{Label: label, Vector: v}
}

func TestFindBestMatch(t *testing.T) {
	g := mustGallery(t,
		entry("Alice", 0, 0),
		entry("Bob", 3, 4),
	)

	tests := []struct {
		name      string
		query     types.Vector
		threshold float64
		label     string
		distance  float64
	}{
		{"exact", types.Vector{0, 0}, 0.6, "Alice", 0},
		{"near", types.Vector{0.3, 0.4}, 0.6, "Alice", 0.5},
		{"at threshold", types.Vector{0.375, 0.5}, 0.625, "Alice", 0.625},
		{"just above threshold", types.Vector{0.375, 0.5}, 0.6, types.UnknownLabel, 0.625},
		{"too far", types.Vector{1.5, 2}, 0.6, types.UnknownLabel, 2.5},
		{"closer to bob", types.Vector{3, 3.5}, 0.6, "Bob", 0.5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := FindBestMatch(tt.query, g, tt.threshold)
			require.NoError(t, err)
			assert.Equal(t, tt.label, got.Label)
			assert.InDelta(t, tt.distance, got.Distance, 1e-6)
		})
	}
}

func TestFindBestMatchEmptyGallery(t *testing.T) {
	got, err := FindBestMatch(types.Vector{1, 2, 3}, mustGallery(t), DefaultThreshold)
	require.NoError(t, err)
	assert.Equal(t, types.UnknownLabel, got.Label)
	assert.True(t, math.IsInf(got.Distance, 1))

	got, err = FindBestMatch(types.Vector{1}, nil, DefaultThreshold)
	require.NoError(t, err)
	assert.False(t, got.Known())
}

func TestFindBestMatchTieGoesToFirst(t *testing.T) {
	g := mustGallery(t,
		entry("first", 1, 0),
		entry("second", -1, 0),
		entry("third", 1, 0),
	)
	got, err := FindBestMatch(types.Vector{0, 0}, g, 2)
	require.NoError(t, err)
	assert.Equal(t, "first", got.Label)
	assert.Equal(t, 1.0, got.Distance)
}

func TestFindBestMatchDimensionMismatch(t *testing.T) {
	g := mustGallery(t, entry("a", 1, 2, 3))
	_, err := FindBestMatch(types.Vector{1, 2}, g, DefaultThreshold)
	assert.ErrorIs(t, err, types.ErrDimensionMismatch)
}

func TestFindBestMatchDuplicateLabels(t *testing.T) {
	g := mustGallery(t,
		entry("Carol", 10, 10),
		entry("Carol", 0.1, 0),
	)
	got, err := FindBestMatch(types.Vector{0, 0}, g, DefaultThreshold)
	require.NoError(t, err)
	assert.Equal(t, "Carol", got.Label)
	assert.InDelta(t, 0.1, got.Distance, 1e-6)
}

func TestFindBestMatchNonFiniteQuery(t *testing.T) {
	g := mustGallery(t, entry("Rachel", 0, 0), entry("Ross", 1, 1))

	for _, q := range []types.Vector{
		{float32(math.NaN()), 0},
		{float32(math.Inf(1)), 0},
		{float32(math.Inf(-1)), float32(math.NaN())},
	} {
		got, err := FindBestMatch(q, g, DefaultThreshold)
		require.NoError(t, err)
		assert.Equal(t, types.UnknownLabel, got.Label)
		assert.True(t, math.IsInf(got.Distance, 1), "distance %v", got.Distance)

		got, err = NewHNSW(g, 0).Match(q, DefaultThreshold)
		require.NoError(t, err)
		assert.Equal(t, types.UnknownLabel, got.Label)
	}
}

func TestEuclideanDistanceProperties(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 100; i++ {
		a, b := randomVector(rng, 128), randomVector(rng, 128)
		assert.InDelta(t, EuclideanDistance(a, b), EuclideanDistance(b, a), 1e-12)
		assert.Zero(t, EuclideanDistance(a, a))
		assert.GreaterOrEqual(t, EuclideanDistance(a, b), 0.0)
	}
}

// The reported distance is the true minimum over the gallery.
func TestFindBestMatchIsMinimum(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	entries := make([]types.LabeledEmbedding, 50)
	for i := range entries {
		entries[i] = types.LabeledEmbedding{Label: string(rune('A' + i%26)), Vector: randomVector(rng, 16)}
	}
	g := mustGallery(t, entries...)

	for i := 0; i < 20; i++ {
		q := randomVector(rng, 16)
		got, err := FindBestMatch(q, g, math.Inf(1))
		require.NoError(t, err)

		min := math.Inf(1)
		for _, e := range entries {
			min = math.Min(min, EuclideanDistance(q, e.Vector))
		}
		assert.Equal(t, min, got.Distance)
	}
}

func randomVector(rng *rand.Rand, dim int) types.Vector {
	v := make(types.Vector, dim)
	for i := range v {
		v[i] = rng.Float32()*2 - 1
	}
	return v
}
