// Package metrics exposes pipeline counters to Prometheus and keeps a short
// in-memory history of recent renders.
//
// Recorder satisfies the recorder interfaces of prepcache, imagegen,
// scoring, refine and ledger, so one value is threaded through the whole
// pipeline. A nil *Recorder is a no-op.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "rugcomposer"

// Recorder owns the pipeline collectors.
type Recorder struct {
	renders         *prometheus.CounterVec
	renderDuration  *prometheus.HistogramVec
	upstreamCalls   *prometheus.CounterVec
	maskFallbacks   prometheus.Counter
	prepCacheEvents *prometheus.CounterVec
	candidateScore  prometheus.Histogram
	rejected        prometheus.Counter
	refinements     *prometheus.CounterVec
	ledgerConsumes  *prometheus.CounterVec

	gatherer prometheus.Gatherer
}

// NewRecorder creates the collectors and registers them with registerer.
// A nil registerer uses a fresh registry, which keeps tests and repeated
// construction from colliding on the default one.
func NewRecorder(registerer prometheus.Registerer) *Recorder {
	var gatherer prometheus.Gatherer
	if registerer == nil {
		registry := prometheus.NewRegistry()
		registerer, gatherer = registry, registry
	} else if g, ok := registerer.(prometheus.Gatherer); ok {
		gatherer = g
	} else {
		gatherer = prometheus.DefaultGatherer
	}

	r := &Recorder{
		renders: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "renders_total",
			Help:      "Render requests by mode and final status.",
		}, []string{"mode", "status"}),
		renderDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "render_duration_seconds",
			Help:      "End-to-end render latency.",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 20, 30, 60, 90, 120, 180, 300},
		}, []string{"mode"}),
		upstreamCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_calls_total",
			Help:      "Calls to the image edit service by kind and outcome.",
		}, []string{"kind", "outcome"}),
		maskFallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mask_fallbacks_total",
			Help:      "Renders retried without a mask after a mask rejection.",
		}),
		prepCacheEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "prep_cache_events_total",
			Help:      "Preparation cache hits, misses and evictions.",
		}, []string{"event"}),
		candidateScore: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "candidate_score",
			Help:      "Finite candidate scores; lower is better.",
			Buckets:   []float64{1, 2, 5, 10, 20, 40, 80, 160, 320, 640},
		}),
		rejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "candidates_rejected_total",
			Help:      "Candidates scored as unusable.",
		}),
		refinements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "refinement_total",
			Help:      "Refinement stage runs by stage and outcome.",
		}, []string{"stage", "outcome"}),
		ledgerConsumes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_consume_total",
			Help:      "Credit consume attempts by outcome.",
		}, []string{"outcome"}),
		gatherer: gatherer,
	}

	registerer.MustRegister(
		r.renders,
		r.renderDuration,
		r.upstreamCalls,
		r.maskFallbacks,
		r.prepCacheEvents,
		r.candidateScore,
		r.rejected,
		r.refinements,
		r.ledgerConsumes,
	)
	return r
}

// Handler serves the exposition format for the registry r was built on.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(r.gatherer, promhttp.HandlerOpts{})
}

// ObserveRender counts one finished render and its latency.
func (r *Recorder) ObserveRender(mode, status string, elapsed time.Duration) {
	if r == nil {
		return
	}
	r.renders.WithLabelValues(mode, status).Inc()
	r.renderDuration.WithLabelValues(mode).Observe(elapsed.Seconds())
}

func (r *Recorder) RecordUpstreamCall(kind, outcome string) {
	if r == nil {
		return
	}
	r.upstreamCalls.WithLabelValues(kind, outcome).Inc()
}

func (r *Recorder) RecordMaskFallback() {
	if r == nil {
		return
	}
	r.maskFallbacks.Inc()
}

func (r *Recorder) RecordPrepCacheEvent(event string) {
	if r == nil {
		return
	}
	r.prepCacheEvents.WithLabelValues(event).Inc()
}

func (r *Recorder) ObserveCandidateScore(score float64) {
	if r == nil {
		return
	}
	r.candidateScore.Observe(score)
}

func (r *Recorder) RecordCandidateRejected() {
	if r == nil {
		return
	}
	r.rejected.Inc()
}

func (r *Recorder) RecordRefinement(stage, outcome string) {
	if r == nil {
		return
	}
	r.refinements.WithLabelValues(stage, outcome).Inc()
}

func (r *Recorder) RecordLedgerConsume(outcome string) {
	if r == nil {
		return
	}
	r.ledgerConsumes.WithLabelValues(outcome).Inc()
}
