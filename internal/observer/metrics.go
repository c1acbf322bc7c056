package observer

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsObserver counts events and observes stage and pipeline
// durations on a private registry, so multiple pipelines in one
// process never collide on registration.
type MetricsObserver struct {
	registry *prometheus.Registry

	events           *prometheus.CounterVec
	stageDuration    *prometheus.HistogramVec
	pipelineDuration prometheus.Histogram

	mu             sync.Mutex
	pipelineStarts map[string]time.Time
	stageStarts    map[string]time.Time
}

// NewMetricsObserver creates a metrics observer with its own registry.
func NewMetricsObserver() *MetricsObserver {
	o := &MetricsObserver{
		registry: prometheus.NewRegistry(),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "artemis_pipeline_events_total",
			Help: "Pipeline lifecycle events by type.",
		}, []string{"type"}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "artemis_stage_duration_seconds",
			Help:    "Wall time per stage execution.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}, []string{"stage"}),
		pipelineDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "artemis_pipeline_duration_seconds",
			Help:    "Wall time per pipeline run.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}),
		pipelineStarts: make(map[string]time.Time),
		stageStarts:    make(map[string]time.Time),
	}
	o.registry.MustRegister(o.events, o.stageDuration, o.pipelineDuration)
	return o
}

// Handler serves the observer's registry for scraping.
func (o *MetricsObserver) Handler() http.Handler {
	return promhttp.HandlerFor(o.registry, promhttp.HandlerOpts{})
}

func (o *MetricsObserver) Notify(e Event) {
	o.events.WithLabelValues(string(e.Type)).Inc()

	o.mu.Lock()
	defer o.mu.Unlock()

	switch e.Type {
	case PipelineStarted:
		o.pipelineStarts[e.CardID] = e.Timestamp
	case PipelineCompleted, PipelineFailed:
		if start, ok := o.pipelineStarts[e.CardID]; ok {
			o.pipelineDuration.Observe(e.Timestamp.Sub(start).Seconds())
			delete(o.pipelineStarts, e.CardID)
		}
	case StageStarted:
		o.stageStarts[e.CardID+"/"+e.Stage] = e.Timestamp
	case StageCompleted, StageFailed:
		key := e.CardID + "/" + e.Stage
		if start, ok := o.stageStarts[key]; ok {
			o.stageDuration.WithLabelValues(e.Stage).Observe(e.Timestamp.Sub(start).Seconds())
			delete(o.stageStarts, key)
		}
	}
}
