package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestReadyzRequiredAndOptional(t *testing.T) {
	mux := NewBaseMuxWithReady(
		ReadyCheck{Name: "db", Check: func(context.Context) error { return nil }},
		ReadyCheck{Name: "nats", Optional: true, Check: func(context.Context) error { return errors.New("down") }},
	)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with only optional failures, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "nats: down") {
		t.Fatalf("expected degraded body, got %q", rec.Body.String())
	}

	mux = NewBaseMuxWithReady(
		ReadyCheck{Name: "db", Check: func(context.Context) error { return errors.New("refused") }},
	)
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestLoggerLevelAndServiceTag(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&buf, "slot-service", "warn")
	logger.Info("hidden")
	logger.Warn("shown")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected one line, got %d: %q", len(lines), buf.String())
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("invalid json log line: %v", err)
	}
	if entry["service"] != "slot-service" || entry["msg"] != "shown" {
		t.Fatalf("unexpected entry: %v", entry)
	}
	if ParseLevel("DEBUG") != slog.LevelDebug {
		t.Fatal("expected debug level")
	}
}
