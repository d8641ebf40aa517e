package httpapi

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"qms/dispatch-service/internal/logging"
)

func TestRateLimiterPerCounter(t *testing.T) {
	limiter := NewRateLimiter(RateLimitConfig{IPPerMinute: 600, IPBurst: 100, CounterPerMinute: 60, CounterBurst: 2})
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	limiter.counterLimiter.now = func() time.Time { return now }
	handler := limiter.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	send := func(counterID string) int {
		req := httptest.NewRequest(http.MethodPost, "/api/counter/next", nil)
		req.Header.Set("X-Counter-ID", counterID)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec.Code
	}

	if code := send("c1"); code != http.StatusOK {
		t.Fatalf("first request: %d", code)
	}
	if code := send("c1"); code != http.StatusOK {
		t.Fatalf("second request: %d", code)
	}
	if code := send("c1"); code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 after burst, got %d", code)
	}
	if code := send("c2"); code != http.StatusOK {
		t.Fatalf("other counter should have its own bucket, got %d", code)
	}

	now = now.Add(time.Second)
	if code := send("c1"); code != http.StatusOK {
		t.Fatalf("expected refill after one second, got %d", code)
	}
}

func TestRateLimiterIgnoresCounterOutsideCounterEndpoints(t *testing.T) {
	limiter := NewRateLimiter(RateLimitConfig{IPPerMinute: 600, IPBurst: 100, CounterPerMinute: 60, CounterBurst: 1})
	handler := limiter.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/api/overview", nil)
		req.Header.Set("X-Counter-ID", "c1")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i, rec.Code)
		}
	}
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.5:4321"
	if ip := clientIP(req); ip != "10.0.0.5" {
		t.Fatalf("unexpected ip %q", ip)
	}
	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	if ip := clientIP(req); ip != "203.0.113.9" {
		t.Fatalf("unexpected forwarded ip %q", ip)
	}
}

func TestLoggingMiddlewareRecordsStatus(t *testing.T) {
	var buf bytes.Buffer
	logger := logging.New(&buf, "info")
	handler := LoggingMiddleware(logger, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	}))

	before := requestsErrors.Value()
	req := httptest.NewRequest(http.MethodPost, "/api/counter/complete", nil)
	req.Header.Set("X-Counter-ID", "c7")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	out := buf.String()
	for _, want := range []string{"msg=request", "status=409", "counter=c7", "path=/api/counter/complete"} {
		if !strings.Contains(out, want) {
			t.Fatalf("log line %q missing %q", out, want)
		}
	}
	if requestsErrors.Value() != before+1 {
		t.Fatalf("expected error counter to advance")
	}
}
