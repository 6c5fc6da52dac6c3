package core

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

func TestNewUpstreamError_Codes(t *testing.T) {
	tests := []struct {
		category UpstreamCategory
		wantCode string
	}{
		{UpstreamMaskFormat, CodeUpstreamMaskFormat},
		{UpstreamBilling, CodeUpstreamBilling},
		{UpstreamInvalidCredentials, CodeUpstreamAuth},
		{UpstreamRateLimited, CodeUpstreamRateLimit},
		{UpstreamUnknown, CodeUpstreamUnknown},
	}

	for _, tt := range tests {
		t.Run(string(tt.category), func(t *testing.T) {
			err := NewUpstreamError(tt.category, errors.New("boom"))
			if err.Code != tt.wantCode {
				t.Errorf("Code = %q, want %q", err.Code, tt.wantCode)
			}
			if err.Kind != KindUpstream {
				t.Errorf("Kind = %q, want %q", err.Kind, KindUpstream)
			}
		})
	}
}

// TestRenderError_Unwrap tests that the cause stays reachable through wrapping.
func TestRenderError_Unwrap(t *testing.T) {
	cause := errors.New("socket closed")
	wrapped := fmt.Errorf("render: %w", NewNetworkError(cause))

	if !errors.Is(wrapped, cause) {
		t.Error("errors.Is() = false, want true for wrapped cause")
	}
	renderErr, ok := AsRenderError(wrapped)
	if !ok {
		t.Fatal("AsRenderError() ok = false, want true")
	}
	if renderErr.Kind != KindNetwork {
		t.Errorf("Kind = %q, want %q", renderErr.Kind, KindNetwork)
	}
	if GetErrorCode(wrapped) != CodeNetwork {
		t.Errorf("GetErrorCode() = %q, want %q", GetErrorCode(wrapped), CodeNetwork)
	}
	if !strings.Contains(renderErr.Error(), "socket closed") {
		t.Errorf("Error() = %q, want cause text", renderErr.Error())
	}
}

func TestTruncateMessage(t *testing.T) {
	long := strings.Repeat("x", 400)
	if got := TruncateMessage(long, MaxAttemptErrorLength); len(got) != 300 {
		t.Errorf("len(TruncateMessage()) = %d, want 300", len(got))
	}
	if got := TruncateMessage("short", 300); got != "short" {
		t.Errorf("TruncateMessage() = %q, want %q", got, "short")
	}

	// "é" is two bytes; cutting at 3 would split the second one.
	if got := TruncateMessage("ééé", 3); got != "é" {
		t.Errorf("TruncateMessage() = %q, want %q", got, "é")
	}
}

func TestWindowRecord(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rec := NewWindowRecord(start, time.Minute)

	for i := 0; i < 59; i++ {
		rec = rec.Increment(start.Add(time.Second), time.Minute)
	}
	if rec.Count != 60 || rec.Exceeds(60) {
		t.Fatalf("Count = %d, Exceeds(60) = %v, want 60 and false", rec.Count, rec.Exceeds(60))
	}

	rec = rec.Increment(start.Add(2*time.Second), time.Minute)
	if !rec.Exceeds(60) {
		t.Error("Exceeds(60) = false after 61 requests, want true")
	}
	if got := rec.RetryAfter(start.Add(20 * time.Second)); got != 40*time.Second {
		t.Errorf("RetryAfter() = %v, want 40s", got)
	}

	rec = rec.Increment(start.Add(time.Minute), time.Minute)
	if rec.Count != 1 {
		t.Errorf("Count after window expiry = %d, want 1", rec.Count)
	}
}
