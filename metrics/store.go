package metrics

import (
	"sync"
	"time"
)

// Render statuses recorded in the history.
const (
	RenderStatusSuccess      = "success"
	RenderStatusFailed       = "failed"
	RenderStatusLimitReached = "limit_reached"
)

// RenderRecord summarizes one finished render.
type RenderRecord struct {
	AttemptID    string        `json:"attemptId"`
	Mode         string        `json:"mode"`
	Status       string        `json:"status"`
	Duration     time.Duration `json:"duration"`
	FallbackUsed bool          `json:"fallbackUsed"`
	Finished     time.Time     `json:"finished"`
}

// ModeStats aggregates renders of one mode.
type ModeStats struct {
	Count       int64         `json:"count"`
	SuccessRate float64       `json:"successRate"`
	AvgDuration time.Duration `json:"avgDuration"`
}

// RenderSummary is the snapshot served to operators.
type RenderSummary struct {
	TotalRenders int64                 `json:"totalRenders"`
	TotalSuccess int64                 `json:"totalSuccess"`
	TotalFailed  int64                 `json:"totalFailed"`
	ByMode       map[string]*ModeStats `json:"byMode"`
	Uptime       time.Duration         `json:"uptime"`
	Recent       []RenderRecord        `json:"recent"`
}

type modeStats struct {
	count         int64
	successCount  int64
	totalDuration time.Duration
}

// RenderStore keeps a fixed-size ring of recent renders plus running
// per-mode totals since process start. It is safe for concurrent use and
// a nil *RenderStore ignores writes.
type RenderStore struct {
	mu sync.RWMutex

	history []RenderRecord
	cap     int
	head    int
	size    int

	total   int64
	success int64
	failed  int64
	byMode  map[string]*modeStats

	started time.Time
}

// NewRenderStore creates a store retaining capacity records. Values below
// one fall back to 100.
func NewRenderStore(capacity int, started time.Time) *RenderStore {
	if capacity < 1 {
		capacity = 100
	}
	return &RenderStore{
		history: make([]RenderRecord, capacity),
		cap:     capacity,
		byMode:  make(map[string]*modeStats),
		started: started,
	}
}

// Record adds rec to the ring and the totals.
func (s *RenderStore) Record(rec RenderRecord) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.history[s.head] = rec
	s.head = (s.head + 1) % s.cap
	if s.size < s.cap {
		s.size++
	}

	s.total++
	if rec.Status == RenderStatusSuccess {
		s.success++
	} else {
		s.failed++
	}

	stats, ok := s.byMode[rec.Mode]
	if !ok {
		stats = &modeStats{}
		s.byMode[rec.Mode] = stats
	}
	stats.count++
	if rec.Status == RenderStatusSuccess {
		stats.successCount++
	}
	stats.totalDuration += rec.Duration
}

// Recent returns up to limit records, newest first.
func (s *RenderStore) Recent(limit int) []RenderRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.recentLocked(limit)
}

func (s *RenderStore) recentLocked(limit int) []RenderRecord {
	if limit <= 0 || s.size == 0 {
		return []RenderRecord{}
	}
	if limit > s.size {
		limit = s.size
	}
	out := make([]RenderRecord, limit)
	for i := range limit {
		out[i] = s.history[(s.head-1-i+s.cap)%s.cap]
	}
	return out
}

// Summary returns totals, per-mode stats and the recentLimit newest records.
func (s *RenderStore) Summary(recentLimit int) RenderSummary {
	s.mu.RLock()
	defer s.mu.RUnlock()

	summary := RenderSummary{
		TotalRenders: s.total,
		TotalSuccess: s.success,
		TotalFailed:  s.failed,
		ByMode:       make(map[string]*ModeStats, len(s.byMode)),
		Uptime:       time.Since(s.started),
		Recent:       s.recentLocked(recentLimit),
	}
	for mode, stats := range s.byMode {
		summary.ByMode[mode] = &ModeStats{
			Count:       stats.count,
			SuccessRate: float64(stats.successCount) / float64(stats.count) * 100,
			AvgDuration: stats.totalDuration / time.Duration(stats.count),
		}
	}
	return summary
}
