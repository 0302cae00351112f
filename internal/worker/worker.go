package worker

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/andresmejia3/facetag/internal/detector"
	"github.com/andresmejia3/facetag/internal/types"
	"github.com/andresmejia3/facetag/internal/utils" // Using the SafeCommand wrapper
)

// Protocol opcodes. Every request is [u32 len][op][payload], every response is
// [u32 len][status][body]. I, D, M and E operate on the worker's current image.
const (
	opLoadModels byte = 'L'
	opSetImage   byte = 'I'
	opLocate     byte = 'D'
	opLandmarks  byte = 'M'
	opEmbed      byte = 'E'
)

const (
	statusOK    byte = 0
	statusError byte = 1
)

// maxResponse guards against reading garbage lengths from a confused worker.
const maxResponse = 64 * 1024 * 1024

// ErrWorker wraps errors reported by the worker itself.
var ErrWorker = errors.New("worker error")

// ErrBroken is returned by a worker whose pipes are no longer in a known state.
var ErrBroken = errors.New("worker is broken")

// Config describes how to start an inference worker process.
type Config struct {
	Command     string
	Args        []string
	ModelDir    string
	ReadTimeout time.Duration
}

// Worker is one external inference process.
type Worker struct {
	ID       int
	Cmd      *utils.SafeCommand
	Stdin    io.WriteCloser
	DataPipe io.ReadCloser

	modelDir    string
	readTimeout time.Duration

	mu      sync.Mutex
	current string // digest of the image the worker holds
	broken  bool
}

// New starts a worker process. The process gets its requests on stdin and
// writes responses to FD 3 so that stray prints on stdout cannot corrupt the stream.
func New(ctx context.Context, id int, cfg Config) (*Worker, error) {
	// 1. Initialize the SafeCommand we built
	proc := utils.NewSafeCommand(ctx, cfg.Command, cfg.Args...)

	// Create a side-channel pipe (FD 3) for clean data transfer
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create pipe: %w", err)
	}
	// Pass the write-end to the child process. It will appear as FD 3.
	proc.Cmd.ExtraFiles = []*os.File{w}

	stdin, err := proc.StdinPipe()
	if err != nil {
		w.Close() // Prevent FD leak
		r.Close() // Close read-end too!
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}

	if err := proc.Start(); err != nil {
		w.Close() // Close write end if start fails
		r.Close() // Close read-end too!
		return nil, fmt.Errorf("worker %d failed to start: %w", id, err)
	}

	// Close the write-end in the parent so only the child holds it
	w.Close()

	return &Worker{
		ID:          id,
		Cmd:         proc,
		Stdin:       stdin,
		DataPipe:    r,
		modelDir:    cfg.ModelDir,
		readTimeout: cfg.ReadTimeout,
	}, nil
}

// Broken reports whether the worker hit a transport failure and must be replaced.
func (w *Worker) Broken() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.broken
}

// LoadModels asks the worker to load its weights from the configured model dir.
func (w *Worker) LoadModels(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, err := w.communicate(ctx, opLoadModels, []byte(w.modelDir))
	return err
}

// Locate returns the face boxes in image.
func (w *Worker) Locate(ctx context.Context, image []byte) ([]detector.Located, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.ensureImage(ctx, image); err != nil {
		return nil, err
	}
	body, err := w.communicate(ctx, opLocate, nil)
	if err != nil {
		return nil, err
	}
	return decodeLocated(body)
}

// Landmarks returns landmark points for one box of image.
func (w *Worker) Landmarks(ctx context.Context, image []byte, box types.BoundingBox) ([]types.Point, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.ensureImage(ctx, image); err != nil {
		return nil, err
	}
	body, err := w.communicate(ctx, opLandmarks, encodeBox(box))
	if err != nil {
		return nil, err
	}
	return decodePoints(body)
}

// Embed returns the descriptor for one aligned face of image.
func (w *Worker) Embed(ctx context.Context, image []byte, box types.BoundingBox, landmarks []types.Point) (types.Vector, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.ensureImage(ctx, image); err != nil {
		return nil, err
	}
	payload := encodeBox(box)
	payload = append(payload, encodePoints(landmarks)...)
	body, err := w.communicate(ctx, opEmbed, payload)
	if err != nil {
		return nil, err
	}
	return decodeVector(body)
}

// ensureImage uploads image unless the worker already holds it. Callers hold w.mu.
func (w *Worker) ensureImage(ctx context.Context, image []byte) error {
	digest := utils.ImageDigest(image)
	if digest == w.current {
		return nil
	}
	if _, err := w.communicate(ctx, opSetImage, image); err != nil {
		w.current = ""
		return err
	}
	w.current = digest
	return nil
}

// communicate performs one request/response exchange. Callers hold w.mu.
func (w *Worker) communicate(ctx context.Context, op byte, payload []byte) ([]byte, error) {
	if w.broken {
		return nil, ErrBroken
	}

	type reply struct {
		body []byte
		err  error
	}
	done := make(chan reply, 1)
	go func() {
		body, err := w.roundTrip(op, payload)
		done <- reply{body, err}
	}()

	var timeout <-chan time.Time
	if w.readTimeout > 0 {
		timer := time.NewTimer(w.readTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case r := <-done:
		if r.err != nil && !errors.Is(r.err, ErrWorker) {
			// The stream position is unknown after a transport error.
			w.broken = true
		}
		return r.body, r.err
	case <-ctx.Done():
		w.abandon()
		return nil, ctx.Err()
	case <-timeout:
		w.abandon()
		return nil, fmt.Errorf("worker %d: no response within %s", w.ID, w.readTimeout)
	}
}

// abandon kills the process so the pending read unblocks; the worker is unusable afterwards.
func (w *Worker) abandon() {
	w.broken = true
	if w.Cmd != nil && w.Cmd.Process != nil {
		_ = w.Cmd.Process.Kill()
	}
}

func (w *Worker) roundTrip(op byte, payload []byte) ([]byte, error) {
	// Protocol: [Length][Op][Payload]
	if err := binary.Write(w.Stdin, binary.BigEndian, uint32(len(payload)+1)); err != nil {
		return nil, err
	}
	if _, err := w.Stdin.Write([]byte{op}); err != nil {
		return nil, err
	}
	if len(payload) > 0 {
		if _, err := w.Stdin.Write(payload); err != nil {
			return nil, err
		}
	}

	// Read Result from the clean DataPipe
	header := make([]byte, 4)
	if _, err := io.ReadFull(w.DataPipe, header); err != nil {
		return nil, err // This is where we catch a worker that died during startup
	}

	respLen := binary.BigEndian.Uint32(header)
	if respLen == 0 || respLen > maxResponse {
		return nil, fmt.Errorf("invalid response length %d", respLen)
	}
	resp := make([]byte, respLen)
	if _, err := io.ReadFull(w.DataPipe, resp); err != nil {
		return nil, err
	}

	switch resp[0] {
	case statusOK:
		return resp[1:], nil
	case statusError:
		return nil, decodeError(resp[1:])
	default:
		return nil, fmt.Errorf("unknown response status %d", resp[0])
	}
}

// Close shuts the worker down and waits for the process to exit.
func (w *Worker) Close() {
	if w.Stdin != nil {
		w.Stdin.Close()
	}
	if w.DataPipe != nil {
		w.DataPipe.Close()
	}
	if w.Cmd != nil {
		w.Cmd.Wait()
	}
}

// --- wire encoding ---

func decodeError(body []byte) error {
	r := bytes.NewReader(body)
	var n uint32
	if err := binary.Read(r, binary.BigEndian, &n); err != nil || int(n) > r.Len() {
		return fmt.Errorf("%w: malformed error message", ErrWorker)
	}
	msg := make([]byte, n)
	io.ReadFull(r, msg)
	return fmt.Errorf("%w: %s", ErrWorker, msg)
}

func encodeBox(b types.BoundingBox) []byte {
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.BigEndian, [4]float32{float32(b.X), float32(b.Y), float32(b.Width), float32(b.Height)})
	return buf.Bytes()
}

func encodePoints(pts []types.Point) []byte {
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.BigEndian, uint32(len(pts)))
	for _, p := range pts {
		binary.Write(buf, binary.BigEndian, [2]float32{float32(p.X), float32(p.Y)})
	}
	return buf.Bytes()
}

type wireFace struct {
	Box   [4]float32
	Score float32
}

func decodeLocated(body []byte) ([]detector.Located, error) {
	r := bytes.NewReader(body)
	var n uint32
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return nil, fmt.Errorf("read face count: %w", err)
	}
	if int(n)*binary.Size(wireFace{}) > r.Len() {
		return nil, fmt.Errorf("face count %d exceeds payload", n)
	}

	out := make([]detector.Located, 0, n)
	for i := uint32(0); i < n; i++ {
		var f wireFace
		if err := binary.Read(r, binary.BigEndian, &f); err != nil {
			return nil, fmt.Errorf("read face %d: %w", i, err)
		}
		out = append(out, detector.Located{
			Box: types.BoundingBox{
				X:      float64(f.Box[0]),
				Y:      float64(f.Box[1]),
				Width:  float64(f.Box[2]),
				Height: float64(f.Box[3]),
			},
			Score: float64(f.Score),
		})
	}
	return out, nil
}

func decodePoints(body []byte) ([]types.Point, error) {
	r := bytes.NewReader(body)
	var n uint32
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return nil, fmt.Errorf("read landmark count: %w", err)
	}
	if int(n)*8 > r.Len() {
		return nil, fmt.Errorf("landmark count %d exceeds payload", n)
	}
	raw := make([][2]float32, n)
	if err := binary.Read(r, binary.BigEndian, raw); err != nil {
		return nil, fmt.Errorf("read landmarks: %w", err)
	}
	pts := make([]types.Point, n)
	for i, p := range raw {
		pts[i] = types.Point{X: float64(p[0]), Y: float64(p[1])}
	}
	return pts, nil
}

func decodeVector(body []byte) (types.Vector, error) {
	r := bytes.NewReader(body)
	var dim uint32
	if err := binary.Read(r, binary.BigEndian, &dim); err != nil {
		return nil, fmt.Errorf("read descriptor size: %w", err)
	}
	if dim == 0 || int(dim)*4 > r.Len() {
		return nil, fmt.Errorf("invalid descriptor size %d", dim)
	}
	vec := make(types.Vector, dim)
	if err := binary.Read(r, binary.BigEndian, []float32(vec)); err != nil {
		return nil, fmt.Errorf("read descriptor: %w", err)
	}
	if !vec.Finite() {
		return nil, types.ErrNonFinite
	}
	return vec, nil
}
