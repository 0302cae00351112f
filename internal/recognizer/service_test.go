package recognizer

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andresmejia3/facetag/internal/gallery"
	"github.com/andresmejia3/facetag/internal/types"
	"github.com/andresmejia3/facetag/internal/utils"
)

// stubBackend serves detections by image digest and counts model loads.
type stubBackend struct {
	mu       sync.Mutex
	loads    int
	loadErr  error
	detErr   error
	byDigest map[string][]types.Detection
}

func (s *stubBackend) Name() string { return "stub" }

func (s *stubBackend) LoadModels(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loads++
	return s.loadErr
}

func (s *stubBackend) DetectAll(ctx context.Context, img []byte) ([]types.Detection, error) {
	if s.detErr != nil {
		return nil, s.detErr
	}
	dets := s.byDigest[utils.ImageDigest(img)]
	out := make([]types.Detection, len(dets))
	copy(out, dets)
	return out, nil
}

func (s *stubBackend) DetectSingle(ctx context.Context, img []byte) (*types.Detection, error) {
	dets, err := s.DetectAll(ctx, img)
	if err != nil || len(dets) == 0 {
		return nil, err
	}
	return &dets[0], nil
}

type memRecorder struct {
	mu   sync.Mutex
	recs []*types.Recognition
	err  error
}

func (m *memRecorder) RecordRecognition(ctx context.Context, rec *types.Recognition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recs = append(m.recs, rec)
	return m.err
}

func solidPNG(t *testing.T, w, h int, c color.Color) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func detection(x, y float64, vec ...float32) types.Detection {
	return types.Detection{Box: types.BoundingBox{X: x, Y: y, Width: 20, Height: 20}, Score: 0.9, Vector: vec}
}

// fixture builds a service whose gallery holds "Sheldon" at (0,0) and "Penny" at (1,1).
func fixture(t *testing.T) (*Service, *stubBackend, *memRecorder) {
	t.Helper()
	dir := t.TempDir()
	sheldon := solidPNG(t, 8, 8, color.RGBA{R: 255, A: 255})
	penny := solidPNG(t, 8, 8, color.RGBA{G: 255, A: 255})
	require.NoError(t, os.WriteFile(filepath.Join(dir, "Sheldon.jpg"), sheldon, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "Penny.png"), penny, 0o644))

	backend := &stubBackend{byDigest: map[string][]types.Detection{
		utils.ImageDigest(sheldon): {detection(0, 0, 0, 0)},
		utils.ImageDigest(penny):   {detection(0, 0, 1, 1)},
	}}
	rec := &memRecorder{}
	svc := New(Options{
		Backend:    backend,
		Builder:    &gallery.Builder{BaseDir: dir},
		References: []gallery.Reference{{Source: "Sheldon.jpg"}, {Source: "Penny.png"}},
		Recorder:   rec,
	})
	return svc, backend, rec
}

func TestRecognizeBeforeStart(t *testing.T) {
	svc, _, _ := fixture(t)
	assert.False(t, svc.Ready())
	assert.Nil(t, svc.Gallery())

	_, err := svc.Recognize(context.Background(), solidPNG(t, 4, 4, color.White))
	assert.ErrorIs(t, err, ErrNotReady)
}

func TestStartIsIdempotent(t *testing.T) {
	svc, backend, _ := fixture(t)
	require.NoError(t, svc.Start(context.Background()))
	require.NoError(t, svc.Start(context.Background()))

	assert.Equal(t, 1, backend.loads)
	assert.True(t, svc.Ready())
	assert.Equal(t, []string{"Sheldon", "Penny"}, svc.Gallery().Labels())
}

func TestStartFailsWhenModelsDoNotLoad(t *testing.T) {
	svc, backend, _ := fixture(t)
	backend.loadErr = errors.New("weights missing")

	err := svc.Start(context.Background())
	require.Error(t, err)
	assert.ErrorContains(t, err, "weights missing")
	assert.False(t, svc.Ready())
}

func TestRecognizeMatchesFaces(t *testing.T) {
	svc, backend, rec := fixture(t)
	require.NoError(t, svc.Start(context.Background()))

	upload := solidPNG(t, 100, 80, color.Gray{Y: 90})
	backend.byDigest[utils.ImageDigest(upload)] = []types.Detection{
		detection(10, 10, 0.1, 0),   // near Sheldon
		detection(50, 10, 0.9, 1.1), // near Penny
		detection(70, 40, 5, 5),     // stranger
	}

	res, err := svc.Recognize(context.Background(), upload)
	require.NoError(t, err)
	assert.Equal(t, 100, res.Width)
	assert.Equal(t, 80, res.Height)
	require.Len(t, res.Faces, 3)
	assert.Equal(t, "Sheldon", res.Faces[0].Match.Label)
	assert.Equal(t, "Penny", res.Faces[1].Match.Label)
	assert.Equal(t, types.UnknownLabel, res.Faces[2].Match.Label)
	assert.Greater(t, res.Faces[2].Match.Distance, 0.6)

	require.Len(t, rec.recs, 1)
	assert.Equal(t, res.ID, rec.recs[0].ID)
}

func TestZeroThresholdAcceptsExactMatchesOnly(t *testing.T) {
	base, backend, _ := fixture(t)
	opts := base.opts
	zero := 0.0
	opts.Threshold = &zero
	svc := New(opts)
	require.NoError(t, svc.Start(context.Background()))
	assert.Zero(t, svc.Threshold())

	upload := solidPNG(t, 60, 40, color.Gray{Y: 120})
	backend.byDigest[utils.ImageDigest(upload)] = []types.Detection{
		detection(0, 0, 1, 1),    // exactly Penny
		detection(30, 0, 0.1, 0), // close to Sheldon, but not identical
	}

	res, err := svc.Recognize(context.Background(), upload)
	require.NoError(t, err)
	require.Len(t, res.Faces, 2)
	assert.Equal(t, "Penny", res.Faces[0].Match.Label)
	assert.Zero(t, res.Faces[0].Match.Distance)
	assert.Equal(t, types.UnknownLabel, res.Faces[1].Match.Label)
}

func TestDefaultThreshold(t *testing.T) {
	svc, _, _ := fixture(t)
	assert.Equal(t, 0.6, svc.Threshold())
}

func TestRecognizeScalesBoxesBack(t *testing.T) {
	svc, backend, _ := fixture(t)
	svc.opts.MaxEdge = 50
	require.NoError(t, svc.Start(context.Background()))

	upload := solidPNG(t, 200, 100, color.Gray{Y: 30})
	// The backend sees a 50x25 JPEG; answer every image with one face.
	stub := &scaledBackend{stubBackend: backend, det: detection(10, 5, 0, 0)}
	svc.opts.Backend = stub

	res, err := svc.Recognize(context.Background(), upload)
	require.NoError(t, err)
	require.Len(t, res.Faces, 1)
	assert.InDelta(t, 40, res.Faces[0].Box.X, 1e-9)
	assert.InDelta(t, 20, res.Faces[0].Box.Y, 1e-9)
	assert.InDelta(t, 80, res.Faces[0].Box.Width, 1e-9)
	assert.Equal(t, 50, stub.sawWidth)
}

func TestRecognizeScalesEachAxisSeparately(t *testing.T) {
	svc, backend, _ := fixture(t)
	svc.opts.MaxEdge = 1600
	require.NoError(t, svc.Start(context.Background()))

	// 10x5000 shrinks to 3x1600: x by 0.3, y by 0.32.
	upload := solidPNG(t, 10, 5000, color.Gray{Y: 30})
	det := detection(0.3, 160, 0, 0)
	det.Landmarks = []types.Point{{X: 1.5, Y: 320}}
	stub := &scaledBackend{stubBackend: backend, det: det}
	svc.opts.Backend = stub

	res, err := svc.Recognize(context.Background(), upload)
	require.NoError(t, err)
	require.Len(t, res.Faces, 1)
	assert.Equal(t, 3, stub.sawWidth)
	f := res.Faces[0]
	assert.InDelta(t, 1, f.Box.X, 1e-9)
	assert.InDelta(t, 500, f.Box.Y, 1e-9)
	assert.InDelta(t, 62.5, f.Box.Height, 1e-9)
	assert.InDelta(t, 5, f.Landmarks[0].X, 1e-9)
	assert.InDelta(t, 1000, f.Landmarks[0].Y, 1e-9)
}

// scaledBackend returns det for any image and records the width it was sent.
type scaledBackend struct {
	*stubBackend
	det      types.Detection
	sawWidth int
}

func (s *scaledBackend) DetectAll(ctx context.Context, img []byte) ([]types.Detection, error) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(img))
	if err != nil {
		return nil, err
	}
	s.sawWidth = cfg.Width
	return []types.Detection{s.det}, nil
}

func TestRecognizeDetectionErrorMeansNoFaces(t *testing.T) {
	svc, backend, rec := fixture(t)
	require.NoError(t, svc.Start(context.Background()))
	backend.detErr = errors.New("worker crashed")

	res, err := svc.Recognize(context.Background(), solidPNG(t, 10, 10, color.White))
	require.NoError(t, err)
	assert.Empty(t, res.Faces)
	assert.Len(t, rec.recs, 1)
}

func TestRecognizeInvalidImage(t *testing.T) {
	svc, _, _ := fixture(t)
	require.NoError(t, svc.Start(context.Background()))

	_, err := svc.Recognize(context.Background(), []byte("definitely not an image"))
	assert.ErrorIs(t, err, ErrInvalidImage)
}

func TestRecorderErrorIsNotFatal(t *testing.T) {
	svc, _, rec := fixture(t)
	rec.err = errors.New("db down")
	require.NoError(t, svc.Start(context.Background()))

	_, err := svc.Recognize(context.Background(), solidPNG(t, 10, 10, color.White))
	assert.NoError(t, err)
}

func TestEmptyGalleryLabelsEverythingUnknown(t *testing.T) {
	backend := &stubBackend{byDigest: map[string][]types.Detection{}}
	svc := New(Options{Backend: backend})
	require.NoError(t, svc.Start(context.Background()))

	upload := solidPNG(t, 10, 10, color.Black)
	backend.byDigest[utils.ImageDigest(upload)] = []types.Detection{detection(1, 1, 0.5, 0.5)}

	res, err := svc.Recognize(context.Background(), upload)
	require.NoError(t, err)
	require.Len(t, res.Faces, 1)
	assert.False(t, res.Faces[0].Match.Known())
}

func TestRender(t *testing.T) {
	svc, backend, _ := fixture(t)
	require.NoError(t, svc.Start(context.Background()))
	upload := solidPNG(t, 120, 120, color.White)
	backend.byDigest[utils.ImageDigest(upload)] = []types.Detection{detection(40, 60, 0, 0)}

	res, err := svc.Recognize(context.Background(), upload)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, svc.Render(&buf, res, "overlay", "png"))
	img, err := png.Decode(&buf)
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 120, 120), img.Bounds())

	assert.Error(t, svc.Render(&bytes.Buffer{}, res, "hologram", "png"))
}
