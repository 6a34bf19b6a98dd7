package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestLimiter(t *testing.T) {
	// The bucket starts full with 2 tokens
	limiter := NewLimiter(10, 2)

	if !limiter.Allow("client") {
		t.Error("First request should be allowed")
	}
	if !limiter.Allow("client") {
		t.Error("Second request should be allowed")
	}
	if limiter.Allow("client") {
		t.Error("Third request should be rate limited")
	}
	if !limiter.Allow("other-client") {
		t.Error("Keys must not share a bucket")
	}

	// 10 req/s refills one token every 100ms
	time.Sleep(150 * time.Millisecond)

	if !limiter.Allow("client") {
		t.Error("Request after refill should be allowed")
	}
}

func TestMiddleware(t *testing.T) {
	limiter := NewLimiter(1, 1)
	handler := limiter.Middleware(func(r *http.Request) string { return "k" })(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusAccepted)
		}),
	)

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/jobs/conversions", nil))
	if rr.Code != http.StatusAccepted {
		t.Fatalf("first request: got status %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/jobs/conversions", nil))
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("second request: got status %d, want 429", rr.Code)
	}
	if got := rr.Header().Get("Retry-After"); got != "1" {
		t.Errorf("Retry-After = %q, want 1", got)
	}
}

func TestCleanupOldLimiters(t *testing.T) {
	limiter := NewLimiter(10, 2)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	limiter.now = func() time.Time { return now }

	limiter.Allow("stale")
	now = now.Add(time.Hour)
	limiter.Allow("fresh")

	if removed := limiter.CleanupOldLimiters(30 * time.Minute); removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}
	if limiter.Size() != 1 {
		t.Errorf("size = %d, want 1", limiter.Size())
	}
}

func TestIPKeyFunc(t *testing.T) {
	tests := []struct {
		name       string
		remoteAddr string
		xff        string
		want       string
	}{
		{"remote addr", "192.0.2.1:5555", "", "192.0.2.1"},
		{"forwarded chain", "10.0.0.1:80", "203.0.113.9, 10.0.0.1", "203.0.113.9"},
		{"no port", "192.0.2.7", "", "192.0.2.7"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.RemoteAddr = tt.remoteAddr
			if tt.xff != "" {
				r.Header.Set("X-Forwarded-For", tt.xff)
			}
			if got := IPKeyFunc(r); got != tt.want {
				t.Errorf("IPKeyFunc() = %q, want %q", got, tt.want)
			}
		})
	}
}
