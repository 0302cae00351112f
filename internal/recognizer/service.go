// Package recognizer ties the pieces together: it loads the models, builds the
// gallery, and turns uploaded images into labeled faces and overlays.
package recognizer

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/andresmejia3/facetag/internal/detector"
	"github.com/andresmejia3/facetag/internal/gallery"
	"github.com/andresmejia3/facetag/internal/imaging"
	"github.com/andresmejia3/facetag/internal/matcher"
	"github.com/andresmejia3/facetag/internal/metrics"
	"github.com/andresmejia3/facetag/internal/render"
	"github.com/andresmejia3/facetag/internal/types"
	"github.com/andresmejia3/facetag/internal/utils"
)

// ErrNotReady is returned by Recognize before Start has completed.
var ErrNotReady = errors.New("recognizer is not ready: models or gallery still loading")

// ErrInvalidImage is returned for uploads that cannot be decoded.
var ErrInvalidImage = imaging.ErrInvalidImage

// Recorder persists recognition results.
type Recorder interface {
	RecordRecognition(ctx context.Context, rec *types.Recognition) error
}

// Options configures a Service.
type Options struct {
	Backend    detector.Backend
	Builder    *gallery.Builder
	References []gallery.Reference
	// Threshold nil uses matcher.DefaultThreshold; 0 accepts exact matches only.
	Threshold *float64
	// Index is "linear" (default) or "hnsw"; Candidates is the HNSW k.
	Index      string
	Candidates int
	// MaxEdge shrinks uploads before detection; 0 sends them at full size.
	MaxEdge  int
	Renderer *render.Renderer
	Recorder Recorder
	Logger   *zap.Logger
}

// Service is safe for concurrent use once Start has returned.
type Service struct {
	opts      Options
	logger    *zap.Logger
	threshold float64

	startOnce sync.Once
	startErr  error

	mu      sync.RWMutex
	ready   bool
	gallery *gallery.Gallery
	index   matcher.Index
	report  gallery.Report
}

func New(opts Options) *Service {
	threshold := matcher.DefaultThreshold
	if opts.Threshold != nil {
		threshold = *opts.Threshold
	}
	if opts.Renderer == nil {
		opts.Renderer = render.New(render.DefaultStyle(), 0)
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{opts: opts, logger: logger, threshold: threshold}
}

// Start loads the models and builds the gallery. Only the first call does the
// work; later calls return its result.
func (s *Service) Start(ctx context.Context) error {
	s.startOnce.Do(func() {
		s.startErr = s.start(ctx)
	})
	return s.startErr
}

func (s *Service) start(ctx context.Context) error {
	started := time.Now()
	s.logger.Info("loading models", zap.String("backend", s.opts.Backend.Name()))
	if err := s.opts.Backend.LoadModels(ctx); err != nil {
		return fmt.Errorf("failed to load models: %w", err)
	}
	s.logger.Info("models loaded", zap.Duration("took", time.Since(started)))

	builder := s.opts.Builder
	if builder == nil {
		builder = &gallery.Builder{}
	}
	builder.Backend = s.opts.Backend
	if builder.Logger == nil {
		builder.Logger = s.logger
	}

	g, report, err := builder.Build(ctx, s.opts.References)
	if err != nil {
		return fmt.Errorf("failed to build gallery: %w", err)
	}
	index, err := matcher.NewIndex(s.opts.Index, g, s.opts.Candidates)
	if err != nil {
		return err
	}
	metrics.GalleryEntries.Set(float64(g.Len()))

	s.mu.Lock()
	s.gallery = g
	s.index = index
	s.report = report
	s.ready = true
	s.mu.Unlock()

	s.logger.Info("recognizer ready",
		zap.Int("gallery", g.Len()),
		zap.String("index", s.opts.Index),
		zap.Float64("threshold", s.threshold),
		zap.Duration("took", time.Since(started)))
	return nil
}

// Ready reports whether Start completed successfully.
func (s *Service) Ready() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ready
}

// Gallery returns the reference gallery, nil before Start.
func (s *Service) Gallery() *gallery.Gallery {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.gallery
}

// Report returns the gallery build report.
func (s *Service) Report() gallery.Report {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.report
}

// Threshold is the match threshold in use.
func (s *Service) Threshold() float64 { return s.threshold }

// Result is a recognition together with the decoded upload, for rendering.
type Result struct {
	*types.Recognition
	Image image.Image `json:"-"`
}

// Recognize detects every face in data and matches it against the gallery.
// Detection failures are logged and yield a result without faces.
func (s *Service) Recognize(ctx context.Context, data []byte) (*Result, error) {
	s.mu.RLock()
	ready, index := s.ready, s.index
	s.mu.RUnlock()
	if !ready {
		return nil, ErrNotReady
	}

	prepared, err := imaging.Prepare(data, s.opts.MaxEdge)
	if err != nil {
		return nil, err
	}
	bounds := prepared.Original.Bounds()
	rec := &types.Recognition{
		ID:        uuid.New(),
		Digest:    utils.ImageDigest(data),
		Width:     bounds.Dx(),
		Height:    bounds.Dy(),
		Faces:     []types.RecognizedFace{},
		CreatedAt: time.Now().UTC(),
	}
	log := s.logger.With(zap.String("recognition", rec.ID.String()), zap.String("digest", utils.ShortDigest(rec.Digest)))

	started := time.Now()
	dets, err := s.opts.Backend.DetectAll(ctx, prepared.Data)
	metrics.ObserveDetection(s.opts.Backend.Name(), started, err)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		log.Error("face detection failed", zap.Error(err))
		dets = nil
	}

	invX, invY := 1/prepared.ScaleX, 1/prepared.ScaleY
	for _, det := range dets {
		det.Box = det.Box.Scale(invX, invY)
		for i := range det.Landmarks {
			det.Landmarks[i] = types.Point{X: det.Landmarks[i].X * invX, Y: det.Landmarks[i].Y * invY}
		}

		match, err := index.Match(det.Vector, s.threshold)
		if err != nil {
			log.Error("face could not be matched", zap.Error(err))
			match = types.MatchResult{Label: types.UnknownLabel, Distance: math.Inf(1)}
		}
		metrics.CountFace(match.Known())
		rec.Faces = append(rec.Faces, types.RecognizedFace{Detection: det, Match: match})
	}
	log.Debug("recognized", zap.Int("faces", len(rec.Faces)))

	if s.opts.Recorder != nil {
		if err := s.opts.Recorder.RecordRecognition(ctx, rec); err != nil {
			log.Warn("failed to record recognition", zap.Error(err))
		}
	}
	return &Result{Recognition: rec, Image: prepared.Original}, nil
}

// Render writes the overlay for res in the given mode and format.
func (s *Service) Render(w io.Writer, res *Result, mode, format string) error {
	img, err := s.opts.Renderer.Render(mode, res.Image, res.Faces)
	if err != nil {
		return err
	}
	return s.opts.Renderer.Encode(w, img, format)
}
