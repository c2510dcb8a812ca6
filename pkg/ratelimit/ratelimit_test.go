package ratelimit

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"
)

func TestAllowPerKey(t *testing.T) {
	l := NewLimiter(1, 1)

	if !l.Allow("audio") {
		t.Error("first request for key should be allowed")
	}
	if l.Allow("audio") {
		t.Error("second immediate request for key should be limited")
	}
	// Different key has its own bucket
	if !l.Allow("face") {
		t.Error("first request for a different key should be allowed")
	}
}

func TestWaitRespectsContext(t *testing.T) {
	l := NewLimiter(0.001, 1)
	l.Allow("visual") // drain the bucket

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if err := l.Wait(ctx, "visual"); err == nil {
		t.Error("Wait should fail when context expires before a token is available")
	}
}

func TestIPKeyFunc(t *testing.T) {
	tests := []struct {
		name       string
		remoteAddr string
		xff        string
		expected   string
	}{
		{"plain remote addr", "10.0.0.1:4123", "", "10.0.0.1"},
		{"forwarded for", "10.0.0.1:4123", "203.0.113.9", "203.0.113.9"},
		{"forwarded chain", "10.0.0.1:4123", "203.0.113.9, 70.41.3.18", "203.0.113.9"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/jobs", nil)
			r.RemoteAddr = tt.remoteAddr
			if tt.xff != "" {
				r.Header.Set("X-Forwarded-For", tt.xff)
			}
			if got := IPKeyFunc(r); got != tt.expected {
				t.Errorf("IPKeyFunc() = %q, want %q", got, tt.expected)
			}
		})
	}
}
