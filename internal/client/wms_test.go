package client

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"wms-proxy-go/internal/config"
	"wms-proxy-go/internal/metrics"
	"wms-proxy-go/internal/model"
)

func testConfig(timeout int) *config.Config {
	return &config.Config{
		Upstream: config.UpstreamConfig{
			TimeoutSeconds:  timeout,
			IdleConnections: 10,
		},
	}
}

func TestWMSClient_Fetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Errorf("method = %q, want GET", r.Method)
		}
		if got := r.Header.Get("X-Test"); got != "1" {
			t.Errorf("X-Test = %q, want %q", got, "1")
		}
		w.Header().Set("Content-Type", "image/png")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("PNGDATA"))
	}))
	defer srv.Close()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	c := NewWMSClient(testConfig(10), logger, metrics.New())

	resp, err := c.Fetch(context.Background(), srv.URL+"/wms", http.Header{"X-Test": {"1"}})
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("StatusCode = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	if resp.ContentType != "image/png" {
		t.Errorf("ContentType = %q, want %q", resp.ContentType, "image/png")
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(body) != "PNGDATA" {
		t.Errorf("body = %q, want %q", string(body), "PNGDATA")
	}
}

func TestWMSClient_Fetch_Non2xxPassesThrough(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/vnd.ogc.se_xml")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`<ServiceExceptionReport/>`))
	}))
	defer srv.Close()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	c := NewWMSClient(testConfig(10), logger, nil)

	resp, err := c.Fetch(context.Background(), srv.URL, nil)
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("StatusCode = %d, want %d", resp.StatusCode, http.StatusBadRequest)
	}
}

func TestWMSClient_Fetch_Unreachable(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	c := NewWMSClient(testConfig(1), logger, nil)

	_, err := c.Fetch(context.Background(), "http://127.0.0.1:1/nonexistent", http.Header{})
	if err == nil {
		t.Fatal("Fetch() expected error for unreachable host, got nil")
	}
	if !errors.Is(err, model.ErrUpstreamUnavailable) {
		t.Errorf("Fetch() error = %v, want ErrUpstreamUnavailable", err)
	}
}

func TestWMSClient_Fetch_Timeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	c := NewWMSClient(testConfig(1), logger, nil)

	start := time.Now()
	_, err := c.Fetch(context.Background(), srv.URL, http.Header{})
	if err == nil {
		t.Fatal("Fetch() expected timeout error, got nil")
	}
	if !errors.Is(err, model.ErrUpstreamUnavailable) {
		t.Errorf("Fetch() error = %v, want ErrUpstreamUnavailable", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("Fetch() took %v, want bounded by the 1s timeout", elapsed)
	}
}

func TestWMSClient_Fetch_CanceledContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	c := NewWMSClient(testConfig(30), logger, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.Fetch(ctx, srv.URL+"/slow", http.Header{})
	if err == nil {
		t.Fatal("Fetch() expected error for canceled context, got nil")
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Fetch() error = %v, want context.Canceled in chain", err)
	}
}

func TestWMSClient_CircuitBreakerOpens(t *testing.T) {
	cfg := testConfig(1)
	cfg.Upstream.CircuitBreaker = config.CircuitBreakerConfig{
		Enabled:          true,
		FailureThreshold: 2,
		OpenSeconds:      60,
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	c := NewWMSClient(cfg, logger, metrics.New())

	for i := 0; i < 2; i++ {
		_, err := c.Fetch(context.Background(), "http://127.0.0.1:1/down", http.Header{})
		if err == nil {
			t.Fatalf("attempt %d: expected error, got nil", i)
		}
		if errors.Is(err, ErrCircuitOpen) {
			t.Fatalf("attempt %d: breaker opened too early", i)
		}
	}

	_, err := c.Fetch(context.Background(), "http://127.0.0.1:1/down", http.Header{})
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("Fetch() error = %v, want ErrCircuitOpen", err)
	}
	if !errors.Is(err, model.ErrUpstreamUnavailable) {
		t.Errorf("Fetch() error = %v, want ErrUpstreamUnavailable", err)
	}
}

func TestWMSClient_CircuitBreakerIgnoresHTTPErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	cfg := testConfig(5)
	cfg.Upstream.CircuitBreaker = config.CircuitBreakerConfig{
		Enabled:          true,
		FailureThreshold: 1,
		OpenSeconds:      60,
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	c := NewWMSClient(cfg, logger, nil)

	for i := 0; i < 3; i++ {
		resp, err := c.Fetch(context.Background(), srv.URL, http.Header{})
		if err != nil {
			t.Fatalf("attempt %d: Fetch() error = %v", i, err)
		}
		_ = resp.Body.Close()
	}
}
