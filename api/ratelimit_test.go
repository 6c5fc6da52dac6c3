package api

import (
	"context"
	"testing"
	"time"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }

func TestRateLimiter_FixedWindow(t *testing.T) {
	clock := &fakeClock{t: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
	rl := NewRateLimiter(3, time.Minute)
	rl.now = clock.now

	for i := range 3 {
		if ok, _ := rl.Allow("10.0.0.1"); !ok {
			t.Fatalf("request %d refused", i+1)
		}
	}

	clock.t = clock.t.Add(20 * time.Second)
	ok, retry := rl.Allow("10.0.0.1")
	if ok {
		t.Fatal("fourth request admitted")
	}
	if retry != 40*time.Second {
		t.Errorf("retry after = %v, want 40s", retry)
	}

	if ok, _ := rl.Allow("10.0.0.2"); !ok {
		t.Error("other client refused")
	}

	clock.t = clock.t.Add(40 * time.Second)
	if ok, _ := rl.Allow("10.0.0.1"); !ok {
		t.Error("request refused after the window reset")
	}
}

func TestRateLimiter_Cleanup(t *testing.T) {
	clock := &fakeClock{t: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
	rl := NewRateLimiter(10, time.Minute)
	rl.now = clock.now

	rl.Allow("a")
	clock.t = clock.t.Add(30 * time.Second)
	rl.Allow("b")

	clock.t = clock.t.Add(45 * time.Second)
	if removed := rl.Cleanup(); removed != 1 {
		t.Errorf("Cleanup() removed %d, want 1", removed)
	}
	if rl.Count() != 1 {
		t.Errorf("Count() = %d, want 1", rl.Count())
	}
}

func TestRateLimiter_CleanupTickerStops(t *testing.T) {
	rl := NewRateLimiter(1, time.Millisecond)
	rl.Allow("a")

	ctx, cancel := context.WithCancel(context.Background())
	rl.StartCleanupTicker(ctx, 5*time.Millisecond)

	deadline := time.Now().Add(time.Second)
	for rl.Count() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if rl.Count() != 0 {
		t.Errorf("Count() = %d after ticker ran", rl.Count())
	}
}
