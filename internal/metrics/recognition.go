package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Recognition pipeline metrics.
var (
	DetectionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "facetag",
			Name:      "detection_duration_seconds",
			Help:      "Time spent in the detection backend per image",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"backend", "status"},
	)

	FacesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "facetag",
			Name:      "faces_total",
			Help:      "Faces detected in uploaded images, by match outcome",
		},
		[]string{"outcome"}, // "known" / "unknown"
	)

	GalleryEntries = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "facetag",
			Name:      "gallery_entries",
			Help:      "Number of labeled descriptors in the gallery",
		},
	)

	EmbeddingCacheTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "facetag",
			Name:      "embedding_cache_total",
			Help:      "Reference descriptor cache hits and misses",
		},
		[]string{"result"}, // "hit" / "miss"
	)
)

func init() {
	prometheus.MustRegister(DetectionDuration)
	prometheus.MustRegister(FacesTotal)
	prometheus.MustRegister(GalleryEntries)
	prometheus.MustRegister(EmbeddingCacheTotal)
}

// ObserveDetection records one backend call.
func ObserveDetection(backend string, start time.Time, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	DetectionDuration.WithLabelValues(backend, status).Observe(time.Since(start).Seconds())
}

// CountFace records the outcome of matching one face.
func CountFace(known bool) {
	if known {
		FacesTotal.WithLabelValues("known").Inc()
		return
	}
	FacesTotal.WithLabelValues("unknown").Inc()
}

// CountCache records a descriptor cache lookup.
func CountCache(hit bool) {
	if hit {
		EmbeddingCacheTotal.WithLabelValues("hit").Inc()
		return
	}
	EmbeddingCacheTotal.WithLabelValues("miss").Inc()
}
