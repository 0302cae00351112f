// Package matcher resolves face descriptors to gallery labels by Euclidean
// nearest neighbour with a rejection threshold.
package matcher

import (
	"fmt"
	"math"

	"github.com/andresmejia3/facetag/internal/gallery"
	"github.com/andresmejia3/facetag/internal/types"
)

// DefaultThreshold is the largest distance still accepted as the same person.
// 0.6 is the customary cut-off for 128-d dlib/face-api descriptors.
const DefaultThreshold = 0.6

// EuclideanDistance is sqrt(sum((a[i]-b[i])^2)), accumulated in float64.
// Callers must pass vectors of equal length.
func EuclideanDistance(a, b types.Vector) float64 {
	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return math.Sqrt(sum)
}

// FindBestMatch returns the gallery entry closest to query. The first entry
// with the minimum distance wins. Distances above threshold come back as
// "unknown" together with the distance; an empty gallery yields
// {"unknown", +Inf}.
func FindBestMatch(query types.Vector, g *gallery.Gallery, threshold float64) (types.MatchResult, error) {
	if g == nil || g.Len() == 0 {
		return unmatched(), nil
	}
	if len(query) != g.Dim() {
		return types.MatchResult{}, fmt.Errorf("%w: query has %d values, gallery has %d", types.ErrDimensionMismatch, len(query), g.Dim())
	}

	best := 0
	bestDist := distance(query, g.At(0).Vector)
	for i := 1; i < g.Len(); i++ {
		if d := distance(query, g.At(i).Vector); d < bestDist {
			best, bestDist = i, d
		}
	}
	return decide(g.At(best).Label, bestDist, threshold), nil
}

// distance is EuclideanDistance with NaN mapped to +Inf, so a corrupt
// descriptor never matches and never wins a comparison.
func distance(a, b types.Vector) float64 {
	d := EuclideanDistance(a, b)
	if math.IsNaN(d) {
		return math.Inf(1)
	}
	return d
}

func decide(label string, dist, threshold float64) types.MatchResult {
	if dist <= threshold {
		return types.MatchResult{Label: label, Distance: dist}
	}
	return types.MatchResult{Label: types.UnknownLabel, Distance: dist}
}

func unmatched() types.MatchResult {
	return types.MatchResult{Label: types.UnknownLabel, Distance: math.Inf(1)}
}
