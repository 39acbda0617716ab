package httpx

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestMemoryLimiterWindow(t *testing.T) {
	l := NewMemoryLimiter(2, time.Minute)
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	for i := 0; i < 2; i++ {
		if ok, _ := l.Allow(context.Background(), "1.2.3.4"); !ok {
			t.Fatalf("request %d should pass", i)
		}
	}
	if ok, _ := l.Allow(context.Background(), "1.2.3.4"); ok {
		t.Fatal("third request in window should be limited")
	}
	if ok, _ := l.Allow(context.Background(), "5.6.7.8"); !ok {
		t.Fatal("other client should have its own bucket")
	}

	now = now.Add(61 * time.Second)
	if ok, _ := l.Allow(context.Background(), "1.2.3.4"); !ok {
		t.Fatal("window reset should allow again")
	}
}

type failingLimiter struct{}

func (failingLimiter) Allow(context.Context, string) (bool, error) {
	return false, errors.New("redis down")
}

func TestRateLimitFailOpenAndClosed(t *testing.T) {
	open := Chain(okHandler(), RateLimit(failingLimiter{}, nil, nil, true))
	rec := httptest.NewRecorder()
	open.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("fail-open should serve, got %d", rec.Code)
	}

	closed := Chain(okHandler(), RateLimit(failingLimiter{}, nil, nil, false))
	rec = httptest.NewRecorder()
	closed.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("fail-closed should 503, got %d", rec.Code)
	}
}

func TestRateLimitReturns429(t *testing.T) {
	h := Chain(okHandler(), WithRequestID, RateLimit(NewMemoryLimiter(1, time.Minute), nil, nil, false))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.1:5000"

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("first request: got %d", rec.Code)
	}
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second request: got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"request_id"`) {
		t.Fatalf("error body should carry request id: %s", rec.Body.String())
	}
}

func TestRequestIDPropagatesOrMints(t *testing.T) {
	var seen string
	h := WithRequestID(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		seen = RequestIDFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, "abc-123")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if seen != "abc-123" || rec.Header().Get(RequestIDHeader) != "abc-123" {
		t.Fatalf("expected inbound id to propagate, got %q", seen)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if seen == "" || seen == "abc-123" {
		t.Fatalf("expected a fresh id, got %q", seen)
	}
}

func TestCORSPreflight(t *testing.T) {
	h := Chain(okHandler(), WithCORS(DefaultCORSPolicy([]string{"https://hotel.example"})))

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/bookings", nil)
	req.Header.Set("Origin", "https://hotel.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204 preflight, got %d", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "https://hotel.example" {
		t.Fatalf("missing allow origin header")
	}

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Origin", "https://evil.example")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Fatal("unexpected allow origin for unknown origin")
	}
}

func TestRedisLimiterWindowKey(t *testing.T) {
	l := NewRedisLimiter(nil, 5, time.Minute, "slot-service:rl:")
	at := time.Date(2026, 3, 1, 9, 0, 10, 0, time.UTC)
	a := l.windowKey("1.2.3.4", at)
	b := l.windowKey("1.2.3.4", at.Add(40*time.Second))
	c := l.windowKey("1.2.3.4", at.Add(time.Minute))
	if a != b {
		t.Fatalf("same window should share a key: %q vs %q", a, b)
	}
	if a == c {
		t.Fatalf("next window should use a new key, got %q twice", a)
	}
	if !strings.HasPrefix(a, "slot-service:rl:1.2.3.4:") {
		t.Fatalf("unexpected key %q", a)
	}
}

func TestAccessLogQuietPaths(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	failing := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/readyz" {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("ok"))
	})
	h := WithAccessLog(logger, "/healthz", "/readyz")(failing)

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if buf.Len() != 0 {
		t.Fatalf("quiet path logged: %s", buf.String())
	}

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if !strings.Contains(buf.String(), `"status":503`) || !strings.Contains(buf.String(), `"level":"ERROR"`) {
		t.Fatalf("failing quiet path should be logged at error: %s", buf.String())
	}

	buf.Reset()
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/v1/slots", nil))
	if !strings.Contains(buf.String(), `"bytes":2`) {
		t.Fatalf("expected byte count in log: %s", buf.String())
	}
}
