package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newServer(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(srv.URL+"/", 0)
}

func TestDetectAllParsesFaces(t *testing.T) {
	var gotImage []byte
	c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/embed/face", r.URL.Path)
		require.Equal(t, http.MethodPost, r.Method)

		file, _, err := r.FormFile("file")
		require.NoError(t, err)
		gotImage, _ = io.ReadAll(file)

		json.NewEncoder(w).Encode(faceResponse{
			FacesCount: 2,
			Faces: []faceDetection{
				{FaceIndex: 0, BBox: []float64{10, 20, 50, 80}, DetScore: 0.7, Embedding: []float32{0.1, 0.2}},
				{FaceIndex: 1, BBox: []float64{100, 100, 140, 150}, DetScore: 0.95, Embedding: []float32{0.3, 0.4},
					Landmarks: [][]float64{{110, 120}, {130, 120}}},
			},
			Model: "buffalo_l",
		})
	})

	dets, err := c.DetectAll(context.Background(), []byte("jpeg bytes"))
	require.NoError(t, err)
	require.Len(t, dets, 2)
	assert.Equal(t, []byte("jpeg bytes"), gotImage)

	assert.Equal(t, 10.0, dets[0].Box.X)
	assert.Equal(t, 40.0, dets[0].Box.Width)
	assert.Equal(t, 60.0, dets[0].Box.Height)
	assert.Len(t, dets[1].Landmarks, 2)

	best, err := c.DetectSingle(context.Background(), []byte("jpeg bytes"))
	require.NoError(t, err)
	require.NotNil(t, best)
	assert.InDelta(t, 0.95, best.Score, 1e-9)
}

func TestDetectSingleNoFace(t *testing.T) {
	c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"faces_count":0,"faces":[],"model":"m"}`))
	})

	det, err := c.DetectSingle(context.Background(), []byte("img"))
	require.NoError(t, err)
	assert.Nil(t, det)
}

func TestAPIErrorIsSurfaced(t *testing.T) {
	c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		w.Write([]byte(`{"error":"cannot decode image"}`))
	})

	_, err := c.DetectAll(context.Background(), []byte("img"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cannot decode image")
	assert.Contains(t, err.Error(), "422")
}

func TestMalformedBoxIsRejected(t *testing.T) {
	c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"faces":[{"bbox":[1,2,3],"embedding":[0.1]}]}`))
	})

	_, err := c.DetectAll(context.Background(), []byte("img"))
	assert.Error(t, err)
}

func TestLoadModelsProbesHealth(t *testing.T) {
	healthy := false
	c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/health", r.URL.Path)
		if !healthy {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"status":"ok"}`))
	})

	assert.Error(t, c.LoadModels(context.Background()))
	healthy = true
	assert.NoError(t, c.LoadModels(context.Background()))
}
