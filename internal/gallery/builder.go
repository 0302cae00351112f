package gallery

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/andresmejia3/facetag/internal/detector"
	"github.com/andresmejia3/facetag/internal/imaging"
	"github.com/andresmejia3/facetag/internal/metrics"
	"github.com/andresmejia3/facetag/internal/types"
	"github.com/andresmejia3/facetag/internal/utils"
)

// DefaultMaxEdge is the longest edge reference images are shrunk to before detection.
const DefaultMaxEdge = 2400

const maxReferenceBytes = 32 * 1024 * 1024

// Reference is one configured reference image.
type Reference struct {
	Source string `yaml:"source" json:"source"`
	Label  string `yaml:"label" json:"label"`
}

// EmbeddingCache stores descriptors keyed by image digest and backend, so that
// restarts do not run the models over unchanged references again.
type EmbeddingCache interface {
	LookupEmbedding(ctx context.Context, digest, backend string) (types.Vector, bool, error)
	SaveEmbedding(ctx context.Context, digest, backend, label string, vec types.Vector) error
}

// Outcome of one reference.
type Outcome struct {
	Reference Reference
	Label     string
	Cached    bool
	Err       error
}

// Report summarizes a build.
type Report struct {
	Loaded  []Outcome
	Skipped []Outcome // no face found
	Failed  []Outcome // fetch, decode or detection error
}

// ErrNoFace marks references without a detectable face.
var ErrNoFace = errors.New("no face found")

// Builder turns references into a gallery using a detection backend.
type Builder struct {
	Backend     detector.Backend
	BaseDir     string
	MaxEdge     int
	Concurrency int
	Cache       EmbeddingCache
	HTTPClient  *http.Client
	Logger      *zap.Logger
	// Progress is called once per finished reference, from any goroutine.
	Progress func(Outcome)
}

type task struct {
	index int
	ref   Reference
}

type result struct {
	outcome Outcome
	vec     types.Vector
}

// Build processes refs concurrently and returns the gallery in refs order.
// Per-reference failures are reported, not returned; only cancellation aborts.
func (b *Builder) Build(ctx context.Context, refs []Reference) (*Gallery, Report, error) {
	logger := b.logger()
	workers := b.Concurrency
	if workers < 1 {
		workers = 1
	}
	if workers > len(refs) {
		workers = max(1, len(refs))
	}

	results := make([]result, len(refs))
	tasks := make(chan task)
	var wg sync.WaitGroup

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for t := range tasks {
				vec, cached, err := b.process(ctx, t.ref)
				out := Outcome{Reference: t.ref, Label: Label(t.ref), Cached: cached, Err: err}
				results[t.index] = result{outcome: out, vec: vec}
				if b.Progress != nil {
					b.Progress(out)
				}
			}
		}()
	}

feed:
	for i, ref := range refs {
		select {
		case tasks <- task{index: i, ref: ref}:
		case <-ctx.Done():
			break feed
		}
	}
	close(tasks)
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, Report{}, err
	}

	var report Report
	var entries []types.LabeledEmbedding
	dim := 0
	for _, r := range results {
		out := r.outcome
		switch {
		case errors.Is(out.Err, ErrNoFace):
			logger.Warn("no face in reference image", zap.String("source", out.Reference.Source), zap.String("label", out.Label))
			report.Skipped = append(report.Skipped, out)
			continue
		case out.Err != nil:
			logger.Error("reference image failed", zap.String("source", out.Reference.Source), zap.Error(out.Err))
			report.Failed = append(report.Failed, out)
			continue
		}

		if !r.vec.Finite() {
			out.Err = types.ErrNonFinite
			logger.Error("reference descriptor is corrupt", zap.String("source", out.Reference.Source), zap.Error(out.Err))
			report.Failed = append(report.Failed, out)
			continue
		}
		if dim == 0 {
			dim = len(r.vec)
		} else if len(r.vec) != dim {
			out.Err = fmt.Errorf("%w: %d != %d", types.ErrDimensionMismatch, len(r.vec), dim)
			logger.Error("reference descriptor size differs", zap.String("source", out.Reference.Source), zap.Error(out.Err))
			report.Failed = append(report.Failed, out)
			continue
		}
		entries = append(entries, types.LabeledEmbedding{Label: out.Label, Vector: r.vec})
		report.Loaded = append(report.Loaded, out)
	}

	g, err := New(entries)
	if err != nil {
		return nil, report, err
	}
	logger.Info("gallery built",
		zap.Int("entries", g.Len()),
		zap.Int("skipped", len(report.Skipped)),
		zap.Int("failed", len(report.Failed)),
		zap.Int("dim", g.Dim()))
	return g, report, nil
}

// process computes (or fetches from cache) the descriptor of one reference.
func (b *Builder) process(ctx context.Context, ref Reference) (types.Vector, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	data, err := b.fetch(ctx, ref.Source)
	if err != nil {
		return nil, false, err
	}

	digest := utils.ImageDigest(data)
	cacheKey := b.cacheKey()
	if b.Cache != nil {
		vec, ok, err := b.Cache.LookupEmbedding(ctx, digest, cacheKey)
		if err != nil {
			b.logger().Warn("descriptor cache lookup failed", zap.String("source", ref.Source), zap.Error(err))
		} else {
			metrics.CountCache(ok)
			if ok {
				return vec, true, nil
			}
		}
	}

	prepared, err := imaging.Prepare(data, b.maxEdge())
	if err != nil {
		return nil, false, err
	}
	det, err := b.Backend.DetectSingle(ctx, prepared.Data)
	if err != nil {
		return nil, false, fmt.Errorf("detect: %w", err)
	}
	if det == nil || len(det.Vector) == 0 {
		return nil, false, ErrNoFace
	}

	if b.Cache != nil {
		if err := b.Cache.SaveEmbedding(ctx, digest, cacheKey, Label(ref), det.Vector); err != nil {
			b.logger().Warn("descriptor cache save failed", zap.String("source", ref.Source), zap.Error(err))
		}
	}
	return det.Vector, false, nil
}

// fetch reads a local file (relative to BaseDir) or downloads an http(s) URL.
func (b *Builder) fetch(ctx context.Context, source string) ([]byte, error) {
	if strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://") {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, source, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
		client := b.HTTPClient
		if client == nil {
			client = http.DefaultClient
		}
		resp, err := client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("fetch %s: %w", source, err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("fetch %s: status %d", source, resp.StatusCode)
		}
		return io.ReadAll(io.LimitReader(resp.Body, maxReferenceBytes))
	}

	path := source
	if !filepath.IsAbs(path) && b.BaseDir != "" {
		path = filepath.Join(b.BaseDir, path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return data, nil
}

func (b *Builder) cacheKey() string {
	return fmt.Sprintf("%s@%d", b.Backend.Name(), b.maxEdge())
}

func (b *Builder) maxEdge() int {
	if b.MaxEdge == 0 {
		return DefaultMaxEdge
	}
	return b.MaxEdge
}

func (b *Builder) logger() *zap.Logger {
	if b.Logger == nil {
		return zap.NewNop()
	}
	return b.Logger
}

// Label is the configured label, or the source file name without its extension.
func Label(ref Reference) string {
	if ref.Label != "" {
		return ref.Label
	}
	name := ref.Source
	if i := strings.IndexAny(name, "?#"); i >= 0 && strings.Contains(name, "://") {
		name = name[:i]
	}
	name = filepath.Base(filepath.FromSlash(name))
	return strings.TrimSuffix(name, filepath.Ext(name))
}
