package ratelimit

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.RequestsPerSecond != 100 {
		t.Errorf("RequestsPerSecond = %v, want 100", cfg.RequestsPerSecond)
	}
	if cfg.Burst != 200 {
		t.Errorf("Burst = %d, want 200", cfg.Burst)
	}
}

func TestNew_FillsZeroValues(t *testing.T) {
	rl := New(RateLimitConfig{})

	if rl == nil {
		t.Fatal("New() returned nil")
	}

	// Zero RequestsPerSecond/Burst should fall back to sane defaults rather
	// than produce a limiter that blocks forever.
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := rl.Wait(ctx); err != nil {
		t.Errorf("Wait() error = %v, want nil", err)
	}
}

func TestRateLimiter_Wait_RespectsLimit(t *testing.T) {
	rl := New(RateLimitConfig{RequestsPerSecond: 1000, Burst: 1})

	ctx := context.Background()

	if err := rl.Wait(ctx); err != nil {
		t.Fatalf("first Wait() error = %v", err)
	}

	// Burst of 1 is exhausted; a second Wait with a canceled context should
	// return immediately with an error rather than blocking.
	cancelCtx, cancel := context.WithCancel(ctx)
	cancel()

	if err := rl.Wait(cancelCtx); err == nil {
		t.Error("Wait() with canceled context error = nil, want error")
	}
}

func TestRateLimitedClient_Do_DelegatesToWrappedClient(t *testing.T) {
	var gotPath string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := NewRateLimitedClient(server.Client(), RateLimitConfig{RequestsPerSecond: 1000, Burst: 10})

	req, err := http.NewRequest(http.MethodGet, server.URL+"/webhook", nil)
	if err != nil {
		t.Fatalf("NewRequest() error = %v", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	if gotPath != "/webhook" {
		t.Errorf("path = %q, want %q", gotPath, "/webhook")
	}
}

func TestRateLimitedClient_Do_WaitsForToken(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := NewRateLimitedClient(server.Client(), RateLimitConfig{RequestsPerSecond: 1, Burst: 1})

	req1, _ := http.NewRequest(http.MethodGet, server.URL, nil)
	if resp, err := client.Do(req1); err != nil {
		t.Fatalf("first Do() error = %v", err)
	} else {
		resp.Body.Close()
	}

	// Second request shares the same single-token burst and a context with
	// no time left to wait for a refill, so it must fail instead of hang.
	ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond)
	defer cancel()
	req2, _ := http.NewRequest(http.MethodGet, server.URL, nil)
	req2 = req2.WithContext(ctx)

	if _, err := client.Do(req2); err == nil {
		t.Error("second Do() error = nil, want error from exhausted rate limit")
	}
}
