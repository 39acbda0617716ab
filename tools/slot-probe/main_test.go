package main

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/shuttlehq/shuttle-core/libs/auth"
)

func TestToken_SignsVerifiableToken(t *testing.T) {
	var out bytes.Buffer
	args := []string{"token", "-secret", "s3cret", "-role", "Driver", "-user", "drv-1", "-hotel", "h-1"}
	if err := run(context.Background(), args, &out); err != nil {
		t.Fatalf("run: %v", err)
	}
	p, err := auth.NewVerifier("s3cret", "").Verify(strings.TrimSpace(out.String()))
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if p.UserID != "drv-1" || p.HotelID != "h-1" || p.Role != auth.RoleDriver {
		t.Fatalf("unexpected principal %+v", p)
	}
}

func TestToken_RejectsBadInput(t *testing.T) {
	cases := [][]string{
		{"token", "-user", "u"},
		{"token", "-secret", "s", "-role", "pilot", "-user", "u"},
		{"token", "-secret", "s"},
	}
	for _, args := range cases {
		t.Setenv("JWT_SECRET", "")
		if err := run(context.Background(), args, &bytes.Buffer{}); err == nil {
			t.Fatalf("expected error for %v", args)
		}
	}
}

func TestHealth_HTTPOnly(t *testing.T) {
	var ready atomic.Bool
	ready.Store(true)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/readyz" || !ready.Load() {
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	var out bytes.Buffer
	if err := run(context.Background(), []string{"health", "-grpc", "", "-http", srv.URL}, &out); err != nil {
		t.Fatalf("expected healthy, got %v (%s)", err, out.String())
	}

	ready.Store(false)
	out.Reset()
	if err := run(context.Background(), []string{"health", "-grpc", "", "-http", srv.URL}, &out); err == nil {
		t.Fatal("expected failure when /readyz is 503")
	}
	if !strings.Contains(out.String(), "FAIL") {
		t.Fatalf("expected FAIL line, got %q", out.String())
	}
}

func TestRun_UnknownCommand(t *testing.T) {
	if err := run(context.Background(), []string{"bogus"}, &bytes.Buffer{}); err == nil {
		t.Fatal("expected error")
	}
}
