// Package httpapi is a detector.Backend backed by a face embedding server that
// accepts multipart image uploads (InsightFace / face-api style sidecars).
package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"github.com/andresmejia3/facetag/internal/detector"
	"github.com/andresmejia3/facetag/internal/types"
)

const defaultBaseURL = "http://localhost:8000"

var errEmptyEmbedding = errors.New("empty embedding returned")

// Client talks to the embedding server.
type Client struct {
	baseURL string
	client  *http.Client
}

// New creates a client. timeout <= 0 leaves the http.Client without a deadline.
func New(baseURL string, timeout time.Duration) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

// faceDetection is a single face in the server response.
type faceDetection struct {
	FaceIndex int         `json:"face_index"`
	Embedding []float32   `json:"embedding"`
	BBox      []float64   `json:"bbox"` // [x1, y1, x2, y2]
	DetScore  float64     `json:"det_score"`
	Landmarks [][]float64 `json:"kps,omitempty"`
}

// faceResponse is the body of POST /embed/face.
type faceResponse struct {
	FacesCount int             `json:"faces_count"`
	Faces      []faceDetection `json:"faces"`
	Model      string          `json:"model"`
}

func (c *Client) Name() string { return "http:" + c.baseURL }

// LoadModels waits until the server reports healthy. The server owns its
// weights; a healthy response means they are loaded.
func (c *Client) LoadModels(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("embedding server unreachable: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("embedding server not ready (status %d)", resp.StatusCode)
	}
	return nil
}

func (c *Client) DetectAll(ctx context.Context, image []byte) ([]types.Detection, error) {
	body, err := c.postMultipartImage(ctx, "/embed/face", image)
	if err != nil {
		return nil, err
	}

	var faceResp faceResponse
	if err := json.Unmarshal(body, &faceResp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	dets := make([]types.Detection, 0, len(faceResp.Faces))
	for _, f := range faceResp.Faces {
		if len(f.BBox) != 4 {
			return nil, fmt.Errorf("face %d: bbox has %d values", f.FaceIndex, len(f.BBox))
		}
		if len(f.Embedding) == 0 {
			return nil, fmt.Errorf("face %d: %w", f.FaceIndex, errEmptyEmbedding)
		}
		det := types.Detection{
			Box: types.BoundingBox{
				X:      f.BBox[0],
				Y:      f.BBox[1],
				Width:  f.BBox[2] - f.BBox[0],
				Height: f.BBox[3] - f.BBox[1],
			},
			Score:  f.DetScore,
			Vector: types.Vector(f.Embedding),
		}
		for _, kp := range f.Landmarks {
			if len(kp) >= 2 {
				det.Landmarks = append(det.Landmarks, types.Point{X: kp[0], Y: kp[1]})
			}
		}
		dets = append(dets, det)
	}
	return dets, nil
}

// DetectSingle uses the same endpoint and keeps the most confident face.
func (c *Client) DetectSingle(ctx context.Context, image []byte) (*types.Detection, error) {
	dets, err := c.DetectAll(ctx, image)
	if err != nil {
		return nil, err
	}
	return detector.MostConfident(dets), nil
}

// postMultipartImage posts imageData as the "file" form field to endpoint.
func (c *Client) postMultipartImage(ctx context.Context, endpoint string, imageData []byte) ([]byte, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", `form-data; name="file"; filename="image"`)
	h.Set("Content-Type", http.DetectContentType(imageData))
	part, err := writer.CreatePart(h)
	if err != nil {
		return nil, fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(imageData); err != nil {
		return nil, fmt.Errorf("failed to write image data: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, &buf)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var apiErr types.ErrorResult
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error != "" {
			return nil, fmt.Errorf("API error (status %d): %s", resp.StatusCode, apiErr.Error)
		}
		return nil, fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(body))
	}

	return body, nil
}
