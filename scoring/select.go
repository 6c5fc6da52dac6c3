package scoring

import (
	"math"

	"go.uber.org/zap"

	"rugcomposer/core"
	"rugcomposer/logging"
)

// Recorder observes scoring outcomes.
type Recorder interface {
	ObserveCandidateScore(score float64)
	RecordCandidateRejected()
}

// Scorer evaluates a set of candidates and picks one.
type Scorer struct {
	thresholds Thresholds
	logger     *logging.Logger
	recorder   Recorder
}

// Selection is the outcome of scoring a candidate set.
type Selection struct {
	Index   int
	Metrics Metrics
	All     []Metrics
}

// NewScorer creates a Scorer. recorder may be nil.
func NewScorer(cfg core.RenderPipelineConfig, logger *logging.Logger, recorder Recorder) *Scorer {
	return &Scorer{
		thresholds: ThresholdsFromConfig(cfg),
		logger:     logger.Named("scorer"),
		recorder:   recorder,
	}
}

// ScoreAll computes metrics for every candidate and selects the best one.
// With a single candidate no comparison happens, but its metrics are still
// computed so refinement can be gated on them. A candidate that cannot be
// decoded is treated as rejected.
func (s *Scorer) ScoreAll(candidates [][]byte, room, scoreMask []byte) Selection {
	all := make([]Metrics, len(candidates))
	for i, candidate := range candidates {
		m, err := Score(candidate, room, scoreMask, s.thresholds)
		if err != nil {
			s.logger.Warn("Candidate could not be scored", zap.Int("candidate", i), zap.Error(err))
			m = rejected()
		}
		all[i] = m
		s.observe(m)

		s.logger.Debug("Candidate scored",
			zap.Int("candidate", i),
			zap.Float64("score", m.Score),
			zap.Float64("rug_area_ratio", m.RugAreaRatio),
			zap.Float64("inside_diff", m.InsideMeanDiff),
			zap.Float64("outside_diff", m.OutsideMeanDiff),
			zap.Float64("edge_contrast", m.EdgeContrast),
			zap.Bool("rejected", m.Rejected),
		)
	}

	if len(all) == 0 {
		return Selection{Index: -1}
	}
	idx := 0
	if len(all) > 1 {
		idx = Select(all)
	}
	return Selection{Index: idx, Metrics: all[idx], All: all}
}

func (s *Scorer) observe(m Metrics) {
	if s.recorder == nil {
		return
	}
	if m.Rejected {
		s.recorder.RecordCandidateRejected()
		return
	}
	s.recorder.ObserveCandidateScore(m.Score)
}

// Select returns the index of the lowest score. Ties keep the earliest
// candidate, so when every candidate is rejected the first one is returned.
func Select(metrics []Metrics) int {
	best := 0
	for i := 1; i < len(metrics); i++ {
		if metrics[i].Score < metrics[best].Score {
			best = i
		}
	}
	return best
}

func rejected() Metrics {
	return Metrics{Score: math.Inf(1), RugAreaRatio: 1, Rejected: true}
}
