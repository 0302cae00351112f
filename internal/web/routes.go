package web

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/andresmejia3/facetag/internal/web/static"
)

func (s *Server) setupRoutes() {
	s.router.Get("/", s.index)
	s.router.Handle("/metrics", promhttp.Handler())

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.health)
		r.Get("/gallery", s.gallery)

		r.Group(func(r chi.Router) {
			r.Use(session)
			r.Post("/recognize", s.recognize)
			r.Post("/recognize/overlay", s.recognizeOverlay)
			r.Get("/latest", s.latest)
			r.Get("/latest/overlay", s.latestOverlay)
		})
	})
}

func (s *Server) index(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(static.Index)
}
