package matcher

import (
	"fmt"
	"slices"

	"github.com/coder/hnsw"

	"github.com/andresmejia3/facetag/internal/gallery"
	"github.com/andresmejia3/facetag/internal/types"
)

// HNSW graph parameters.
const (
	HNSWMaxNeighbors = 16
	HNSWDefaultK     = 8
	hnswEfSearch     = 64
	// HNSWExactLimit is the gallery size up to which HNSW scans every entry.
	// The graph search is approximate and may miss the nearest entry.
	HNSWExactLimit = 1024
)

// Index answers best-match queries against one gallery.
type Index interface {
	Match(query types.Vector, threshold float64) (types.MatchResult, error)
	Len() int
}

// Linear scans every entry. It is exact and the default.
type Linear struct {
	g *gallery.Gallery
}

func NewLinear(g *gallery.Gallery) *Linear {
	return &Linear{g: g}
}

func (l *Linear) Match(query types.Vector, threshold float64) (types.MatchResult, error) {
	return FindBestMatch(query, l.g, threshold)
}

func (l *Linear) Len() int { return l.g.Len() }

// HNSW looks up candidates in a navigable small-world graph and re-scores
// them exactly, so the threshold and tie-break rules match Linear. Galleries
// of at most HNSWExactLimit entries are scanned linearly.
type HNSW struct {
	g     *gallery.Gallery
	k     int
	graph *hnsw.Graph[int]
}

// NewHNSW builds the graph over g. k <= 0 uses HNSWDefaultK.
func NewHNSW(g *gallery.Gallery, k int) *HNSW {
	return newHNSW(g, k, HNSWExactLimit)
}

func newHNSW(g *gallery.Gallery, k, exactLimit int) *HNSW {
	if k <= 0 {
		k = HNSWDefaultK
	}
	h := &HNSW{g: g, k: k}
	if g.Len() <= max(k, exactLimit) {
		return h
	}

	graph := hnsw.NewGraph[int]()
	graph.M = HNSWMaxNeighbors
	graph.EfSearch = hnswEfSearch
	graph.Distance = hnsw.EuclideanDistance
	for i, e := range g.All() {
		graph.Add(hnsw.MakeNode(i, []float32(e.Vector)))
	}
	h.graph = graph
	return h
}

func (h *HNSW) Len() int { return h.g.Len() }

func (h *HNSW) Match(query types.Vector, threshold float64) (types.MatchResult, error) {
	if h.graph == nil {
		return FindBestMatch(query, h.g, threshold)
	}
	if len(query) != h.g.Dim() {
		return types.MatchResult{}, fmt.Errorf("%w: query has %d values, gallery has %d", types.ErrDimensionMismatch, len(query), h.g.Dim())
	}

	neighbors := h.graph.Search([]float32(query), max(h.k, h.graph.EfSearch))
	if len(neighbors) == 0 {
		return unmatched(), nil
	}
	positions := make([]int, len(neighbors))
	for i, n := range neighbors {
		positions[i] = n.Key
	}
	// Gallery order decides ties, as in FindBestMatch.
	slices.Sort(positions)

	best := positions[0]
	bestDist := distance(query, h.g.At(best).Vector)
	for _, pos := range positions[1:] {
		if d := distance(query, h.g.At(pos).Vector); d < bestDist {
			best, bestDist = pos, d
		}
	}
	return decide(h.g.At(best).Label, bestDist, threshold), nil
}

// NewIndex builds the index named by kind ("linear" or "hnsw").
func NewIndex(kind string, g *gallery.Gallery, k int) (Index, error) {
	switch kind {
	case "", "linear":
		return NewLinear(g), nil
	case "hnsw":
		return NewHNSW(g, k), nil
	default:
		return nil, fmt.Errorf("unknown index %q (want linear or hnsw)", kind)
	}
}
