package worker

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"math"
	"testing"

	"github.com/andresmejia3/facetag/internal/types"
)

// MockCloser wraps a bytes.Buffer to satisfy io.ReadCloser and io.WriteCloser interfaces.
// This allows us to use in-memory buffers as if they were OS Pipes.
type MockCloser struct {
	*bytes.Buffer
}

func (m *MockCloser) Close() error { return nil }

// queueOK appends an OK response frame with the given body.
func queueOK(pipe *MockCloser, body []byte) {
	binary.Write(pipe, binary.BigEndian, uint32(len(body)+1))
	pipe.WriteByte(statusOK)
	pipe.Write(body)
}

// queueError appends an error response frame.
func queueError(pipe *MockCloser, msg string) {
	payload := new(bytes.Buffer)
	payload.WriteByte(statusError)
	binary.Write(payload, binary.BigEndian, uint32(len(msg)))
	payload.WriteString(msg)

	binary.Write(pipe, binary.BigEndian, uint32(payload.Len()))
	pipe.Write(payload.Bytes())
}

func newMockWorker() (*Worker, *MockCloser, *MockCloser) {
	// stdinMock simulates the pipe TO the worker (we write to it)
	stdinMock := &MockCloser{Buffer: new(bytes.Buffer)}
	// dataPipeMock simulates the pipe FROM the worker (we read from it)
	dataPipeMock := &MockCloser{Buffer: new(bytes.Buffer)}

	w := &Worker{
		ID:       1,
		Stdin:    stdinMock,
		DataPipe: dataPipeMock,
		modelDir: "/models",
		// Cmd is nil because we aren't testing process management, just the protocol
	}
	return w, stdinMock, dataPipeMock
}

// readRequest pops one request frame from the stdin mock.
func readRequest(t *testing.T, stdin *MockCloser) (byte, []byte) {
	t.Helper()
	var n uint32
	if err := binary.Read(stdin, binary.BigEndian, &n); err != nil {
		t.Fatalf("read request length: %v", err)
	}
	frame := make([]byte, n)
	if _, err := stdin.Read(frame); err != nil {
		t.Fatalf("read request frame: %v", err)
	}
	return frame[0], frame[1:]
}

func TestLocate(t *testing.T) {
	w, stdin, data := newMockWorker()

	// Response to the image upload, then to the locate request.
	queueOK(data, nil)
	body := new(bytes.Buffer)
	binary.Write(body, binary.BigEndian, uint32(2))
	binary.Write(body, binary.BigEndian, wireFace{Box: [4]float32{10, 20, 30, 40}, Score: 0.9})
	binary.Write(body, binary.BigEndian, wireFace{Box: [4]float32{50, 60, 70, 80}, Score: 0.4})
	queueOK(data, body.Bytes())

	inputFrame := []byte{0xDE, 0xAD, 0xBE, 0xEF} // Fake image bytes
	located, err := w.Locate(context.Background(), inputFrame)
	if err != nil {
		t.Fatalf("Locate failed: %v", err)
	}

	// Verify the requests sent TO the worker
	op, payload := readRequest(t, stdin)
	if op != opSetImage || !bytes.Equal(payload, inputFrame) {
		t.Errorf("Expected image upload first, got op %q payload %X", op, payload)
	}
	if op, _ := readRequest(t, stdin); op != opLocate {
		t.Errorf("Expected locate op, got %q", op)
	}

	if len(located) != 2 {
		t.Fatalf("Expected 2 faces, got %d", len(located))
	}
	if located[0].Box != (types.BoundingBox{X: 10, Y: 20, Width: 30, Height: 40}) {
		t.Errorf("Unexpected first box %+v", located[0].Box)
	}
	// Use epsilon for float comparison
	if math.Abs(located[1].Score-0.4) > 1e-6 {
		t.Errorf("Expected score approx 0.4, got %f", located[1].Score)
	}
}

func TestImageIsUploadedOnce(t *testing.T) {
	w, stdin, data := newMockWorker()
	img := []byte("same image")

	queueOK(data, nil) // image upload
	pts := new(bytes.Buffer)
	binary.Write(pts, binary.BigEndian, uint32(1))
	binary.Write(pts, binary.BigEndian, [2]float32{1.5, 2.5})
	queueOK(data, pts.Bytes())

	vec := new(bytes.Buffer)
	binary.Write(vec, binary.BigEndian, uint32(3))
	binary.Write(vec, binary.BigEndian, []float32{0.5, -0.25, 1})
	queueOK(data, vec.Bytes())

	box := types.BoundingBox{X: 1, Y: 2, Width: 3, Height: 4}
	landmarks, err := w.Landmarks(context.Background(), img, box)
	if err != nil {
		t.Fatalf("Landmarks failed: %v", err)
	}
	if len(landmarks) != 1 || landmarks[0] != (types.Point{X: 1.5, Y: 2.5}) {
		t.Fatalf("Unexpected landmarks %+v", landmarks)
	}

	got, err := w.Embed(context.Background(), img, box, landmarks)
	if err != nil {
		t.Fatalf("Embed failed: %v", err)
	}
	if len(got) != 3 || got[1] != -0.25 {
		t.Errorf("Unexpected descriptor %v", got)
	}

	ops := []byte{}
	for stdin.Len() > 0 {
		op, _ := readRequest(t, stdin)
		ops = append(ops, op)
	}
	if string(ops) != string([]byte{opSetImage, opLandmarks, opEmbed}) {
		t.Errorf("Expected ops I,M,E got %q", ops)
	}
}

func TestLoadModelsSendsModelDir(t *testing.T) {
	w, stdin, data := newMockWorker()
	queueOK(data, nil)

	if err := w.LoadModels(context.Background()); err != nil {
		t.Fatalf("LoadModels failed: %v", err)
	}
	op, payload := readRequest(t, stdin)
	if op != opLoadModels || string(payload) != "/models" {
		t.Errorf("Expected L /models, got %q %q", op, payload)
	}
}

func TestWorkerError(t *testing.T) {
	w, _, data := newMockWorker()

	errMsg := "Exception: model weights not found"
	queueError(data, errMsg)

	err := w.LoadModels(context.Background())

	if err == nil {
		t.Fatal("Expected error, got nil")
	}
	if !errors.Is(err, ErrWorker) {
		t.Errorf("Expected ErrWorker, got %v", err)
	}
	if err.Error() != "worker error: "+errMsg {
		t.Errorf("Expected error message '%s', got '%v'", "worker error: "+errMsg, err)
	}
	// A reported error leaves the stream in a known state.
	if w.Broken() {
		t.Error("Worker should not be marked broken after a reported error")
	}
}

func TestTruncatedResponseBreaksWorker(t *testing.T) {
	w, _, data := newMockWorker()
	binary.Write(data, binary.BigEndian, uint32(100)) // promises 100 bytes, delivers none

	if err := w.LoadModels(context.Background()); err == nil {
		t.Fatal("Expected error on truncated response")
	}
	if !w.Broken() {
		t.Fatal("Expected worker to be marked broken")
	}
	if err := w.LoadModels(context.Background()); !errors.Is(err, ErrBroken) {
		t.Errorf("Expected ErrBroken on reuse, got %v", err)
	}
}

func TestDecodeVectorRejectsBadSize(t *testing.T) {
	body := new(bytes.Buffer)
	binary.Write(body, binary.BigEndian, uint32(128))
	binary.Write(body, binary.BigEndian, []float32{1, 2}) // far too short

	if _, err := decodeVector(body.Bytes()); err == nil {
		t.Error("Expected error for short descriptor payload")
	}
}

func TestDecodeVectorRejectsNaN(t *testing.T) {
	body := new(bytes.Buffer)
	binary.Write(body, binary.BigEndian, uint32(2))
	binary.Write(body, binary.BigEndian, []float32{float32(math.NaN()), 1})

	if _, err := decodeVector(body.Bytes()); !errors.Is(err, types.ErrNonFinite) {
		t.Errorf("Expected ErrNonFinite, got %v", err)
	}
}
