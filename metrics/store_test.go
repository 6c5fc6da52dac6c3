package metrics

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestRenderStore_RecentNewestFirst(t *testing.T) {
	s := NewRenderStore(3, time.Now())
	for i := range 5 {
		s.Record(RenderRecord{AttemptID: fmt.Sprintf("a%d", i), Mode: "preview", Status: RenderStatusSuccess})
	}

	got := s.Recent(10)
	want := []string{"a4", "a3", "a2"}
	if len(got) != len(want) {
		t.Fatalf("Recent() len = %d, want %d", len(got), len(want))
	}
	for i, id := range want {
		if got[i].AttemptID != id {
			t.Errorf("Recent()[%d] = %s, want %s", i, got[i].AttemptID, id)
		}
	}

	if got := s.Recent(0); len(got) != 0 {
		t.Errorf("Recent(0) len = %d, want 0", len(got))
	}
}

func TestRenderStore_Summary(t *testing.T) {
	s := NewRenderStore(10, time.Now().Add(-time.Minute))
	s.Record(RenderRecord{Mode: "normal", Status: RenderStatusSuccess, Duration: 4 * time.Second})
	s.Record(RenderRecord{Mode: "normal", Status: RenderStatusFailed, Duration: 2 * time.Second})
	s.Record(RenderRecord{Mode: "preview", Status: RenderStatusLimitReached, Duration: time.Second})

	sum := s.Summary(2)
	if sum.TotalRenders != 3 || sum.TotalSuccess != 1 || sum.TotalFailed != 2 {
		t.Errorf("totals = %d/%d/%d, want 3/1/2", sum.TotalRenders, sum.TotalSuccess, sum.TotalFailed)
	}
	normal := sum.ByMode["normal"]
	if normal == nil || normal.Count != 2 || normal.SuccessRate != 50 || normal.AvgDuration != 3*time.Second {
		t.Errorf("normal stats = %+v", normal)
	}
	if len(sum.Recent) != 2 || sum.Recent[0].Mode != "preview" {
		t.Errorf("recent = %+v", sum.Recent)
	}
	if sum.Uptime < time.Minute {
		t.Errorf("Uptime = %v, want >= 1m", sum.Uptime)
	}
}

func TestRenderStore_Concurrent(t *testing.T) {
	s := NewRenderStore(8, time.Now())
	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Record(RenderRecord{Mode: "preview", Status: RenderStatusSuccess})
			_ = s.Summary(4)
		}()
	}
	wg.Wait()

	if got := s.Summary(0).TotalRenders; got != 50 {
		t.Errorf("TotalRenders = %d, want 50", got)
	}
}

func TestRenderStore_NilIgnoresWrites(t *testing.T) {
	var s *RenderStore
	s.Record(RenderRecord{Mode: "preview"})
}
