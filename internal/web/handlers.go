package web

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"go.uber.org/zap"

	logpkg "github.com/andresmejia3/facetag/internal/logger"
	"github.com/andresmejia3/facetag/internal/recognizer"
	"github.com/andresmejia3/facetag/internal/render"
)

// respondJSON sends a JSON response.
func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// respondError sends an error response.
func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"ready":   s.svc.Ready(),
		"gallery": s.svc.Gallery().Len(),
	})
}

func (s *Server) gallery(w http.ResponseWriter, r *http.Request) {
	if !s.svc.Ready() {
		respondError(w, http.StatusServiceUnavailable, recognizer.ErrNotReady.Error())
		return
	}
	g := s.svc.Gallery()
	respondJSON(w, http.StatusOK, map[string]any{
		"labels":    g.Labels(),
		"dim":       g.Dim(),
		"threshold": s.svc.Threshold(),
	})
}

func (s *Server) recognize(w http.ResponseWriter, r *http.Request) {
	res, ok := s.runRecognition(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, res.Recognition)
}

func (s *Server) recognizeOverlay(w http.ResponseWriter, r *http.Request) {
	res, ok := s.runRecognition(w, r)
	if !ok {
		return
	}
	s.writeImage(w, r, res)
}

func (s *Server) latest(w http.ResponseWriter, r *http.Request) {
	res, ok := s.board.Latest(sessionID(r))
	if !ok {
		respondError(w, http.StatusNotFound, "no result yet")
		return
	}
	respondJSON(w, http.StatusOK, res.Recognition)
}

func (s *Server) latestOverlay(w http.ResponseWriter, r *http.Request) {
	res, ok := s.board.Latest(sessionID(r))
	if !ok {
		respondError(w, http.StatusNotFound, "no result yet")
		return
	}
	s.writeImage(w, r, res)
}

// runRecognition reads the "file" upload, recognizes it and publishes the
// result for the client. It writes the error response itself.
func (s *Server) runRecognition(w http.ResponseWriter, r *http.Request) (*recognizer.Result, bool) {
	if !s.svc.Ready() {
		respondError(w, http.StatusServiceUnavailable, recognizer.ErrNotReady.Error())
		return nil, false
	}
	ticket := s.board.Ticket()

	data, status, err := s.readUpload(w, r)
	if err != nil {
		respondError(w, status, err.Error())
		return nil, false
	}

	res, err := s.svc.Recognize(r.Context(), data)
	switch {
	case err == nil:
	case errors.Is(err, recognizer.ErrNotReady):
		respondError(w, http.StatusServiceUnavailable, err.Error())
		return nil, false
	case errors.Is(err, recognizer.ErrInvalidImage):
		respondError(w, http.StatusBadRequest, err.Error())
		return nil, false
	default:
		logpkg.FromContext(r.Context()).Error("recognition failed", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "recognition failed")
		return nil, false
	}

	s.board.Publish(sessionID(r), ticket, res)
	return res, true
}

func (s *Server) readUpload(w http.ResponseWriter, r *http.Request) ([]byte, int, error) {
	if r.ContentLength > s.opts.MaxUploadSize {
		return nil, http.StatusRequestEntityTooLarge, errors.New("upload too large")
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.opts.MaxUploadSize)
	if err := r.ParseMultipartForm(s.opts.MaxUploadSize); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, http.StatusRequestEntityTooLarge, errors.New("upload too large")
		}
		return nil, http.StatusBadRequest, errors.New("expected a multipart form with a file field")
	}
	file, _, err := r.FormFile("file")
	if err != nil {
		return nil, http.StatusBadRequest, errors.New("missing file field")
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return nil, http.StatusBadRequest, errors.New("failed to read upload")
	}
	if len(data) == 0 {
		return nil, http.StatusBadRequest, errors.New("empty upload")
	}
	return data, http.StatusOK, nil
}

func (s *Server) writeImage(w http.ResponseWriter, r *http.Request, res *recognizer.Result) {
	mode := r.URL.Query().Get("mode")
	if mode == "" {
		mode = s.opts.RenderMode
	}
	format := r.URL.Query().Get("format")
	if format == "" {
		format = s.opts.RenderFormat
	}

	var buf bytes.Buffer
	if err := s.svc.Render(&buf, res, mode, format); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	w.Header().Set("Content-Type", render.ContentType(format))
	w.Header().Set("X-Recognition-ID", res.ID.String())
	w.WriteHeader(http.StatusOK)
	w.Write(buf.Bytes())
}
