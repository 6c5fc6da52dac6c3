package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"rugcomposer/imagegen"
	"rugcomposer/ledger"
	"rugcomposer/prepcache"
	"rugcomposer/refine"
	"rugcomposer/scoring"
)

var (
	_ prepcache.EventRecorder = (*Recorder)(nil)
	_ imagegen.CallRecorder   = (*Recorder)(nil)
	_ scoring.Recorder        = (*Recorder)(nil)
	_ refine.Recorder         = (*Recorder)(nil)
	_ ledger.Recorder         = (*Recorder)(nil)
)

func TestRecorder_Counters(t *testing.T) {
	registry := prometheus.NewRegistry()
	r := NewRecorder(registry)

	r.ObserveRender("preview", "success", 1500*time.Millisecond)
	r.ObserveRender("preview", "success", time.Second)
	r.RecordUpstreamCall(imagegen.CallPrimary, imagegen.OutcomeError)
	r.RecordMaskFallback()
	r.RecordPrepCacheEvent(prepcache.EventHit)
	r.RecordPrepCacheEvent(prepcache.EventHit)
	r.RecordCandidateRejected()
	r.RecordRefinement(refine.StageShadow, refine.OutcomeSkipped)
	r.RecordLedgerConsume(ledger.OutcomeLimitReached)

	cases := []struct {
		name string
		c    prometheus.Collector
		want float64
	}{
		{"renders", r.renders.WithLabelValues("preview", "success"), 2},
		{"upstream", r.upstreamCalls.WithLabelValues(imagegen.CallPrimary, imagegen.OutcomeError), 1},
		{"fallbacks", r.maskFallbacks, 1},
		{"cache hits", r.prepCacheEvents.WithLabelValues(prepcache.EventHit), 2},
		{"rejected", r.rejected, 1},
		{"refinement", r.refinements.WithLabelValues(refine.StageShadow, refine.OutcomeSkipped), 1},
		{"ledger", r.ledgerConsumes.WithLabelValues(ledger.OutcomeLimitReached), 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := testutil.ToFloat64(tc.c); got != tc.want {
				t.Errorf("got %v, want %v", got, tc.want)
			}
		})
	}

	if n := testutil.CollectAndCount(r.renderDuration); n != 1 {
		t.Errorf("render_duration_seconds series = %d, want 1", n)
	}
}

func TestRecorder_NilIsNoop(t *testing.T) {
	var r *Recorder
	r.ObserveRender("normal", "failed", time.Second)
	r.RecordUpstreamCall(imagegen.CallShadow, imagegen.OutcomeSuccess)
	r.RecordMaskFallback()
	r.RecordPrepCacheEvent(prepcache.EventMiss)
	r.ObserveCandidateScore(3)
	r.RecordCandidateRejected()
	r.RecordRefinement(refine.StagePolish, refine.OutcomeApplied)
	r.RecordLedgerConsume(ledger.OutcomeAllowed)
}

func TestRecorder_Handler(t *testing.T) {
	r := NewRecorder(nil)
	r.ObserveCandidateScore(12.5)

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body := rec.Body.String()
	for _, name := range []string{"rugcomposer_candidate_score_count 1", "rugcomposer_mask_fallbacks_total 0"} {
		if !strings.Contains(body, name) {
			t.Errorf("exposition missing %q", name)
		}
	}
}
