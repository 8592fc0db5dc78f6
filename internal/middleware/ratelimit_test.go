package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestUserLimiter_PerUserBuckets(t *testing.T) {
	l := NewUserLimiter(1, 2, time.Minute)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	if !l.Allow("a") || !l.Allow("a") {
		t.Fatal("burst of 2 should be allowed")
	}
	if l.Allow("a") {
		t.Fatal("third request in the same instant should be throttled")
	}
	if !l.Allow("b") {
		t.Fatal("other users have their own bucket")
	}

	now = now.Add(time.Second)
	if !l.Allow("a") {
		t.Fatal("bucket should refill after one second")
	}
}

func TestUserLimiter_Disabled(t *testing.T) {
	l := NewUserLimiter(0, 0, 0)
	if l != nil {
		t.Fatal("expected nil limiter when rps is 0")
	}
	for i := 0; i < 100; i++ {
		if !l.Allow("a") {
			t.Fatal("nil limiter must allow everything")
		}
	}
}

func TestUserLimiter_EvictsIdle(t *testing.T) {
	l := NewUserLimiter(1, 1, time.Minute)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	l.Allow("idle")
	now = now.Add(2 * time.Minute)
	for i := 0; i < 511; i++ {
		l.Allow("busy")
	}
	if _, ok := l.byKey["idle"]; ok {
		t.Error("idle entry should have been evicted")
	}
}

func TestRateLimit_Returns429(t *testing.T) {
	l := NewUserLimiter(1, 1, time.Minute)
	now := time.Now()
	l.now = func() time.Time { return now }

	h := injectSession(uuid.New(), RateLimit(l)(ok200))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("first request: expected 200, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second request: expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("missing Retry-After")
	}
	if code := decodeCode(t, rec); code != "rate_limited" {
		t.Errorf("code = %q", code)
	}
}
