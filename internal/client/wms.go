// Package client provides the upstream HTTP client for the private WMS.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/sony/gobreaker"

	"wms-proxy-go/internal/config"
	"wms-proxy-go/internal/metrics"
	"wms-proxy-go/internal/model"
)

// ErrCircuitOpen is returned (wrapped in model.ErrUpstreamUnavailable) while the
// breaker rejects requests.
var ErrCircuitOpen = errors.New("upstream circuit breaker open")

// WMSClient sends GET requests to the upstream WMS. It never retries.
type WMSClient struct {
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// NewWMSClient creates a WMSClient with connection pooling and timeouts.
// The upstream timeout bounds connecting and waiting for response headers
// only; bodies are read at the pace of the caller.
// The metrics parameter is optional; pass nil to disable upstream metrics recording.
func NewWMSClient(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *WMSClient {
	timeout := time.Duration(cfg.Upstream.TimeoutSeconds) * time.Second
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		MaxIdleConns:          cfg.Upstream.IdleConnections,
		MaxIdleConnsPerHost:   cfg.Upstream.IdleConnections,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   timeout,
		ResponseHeaderTimeout: timeout,
		DialContext: (&net.Dialer{
			Timeout:   timeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}

	c := &WMSClient{
		// No Client.Timeout: it would also cut off streamed bodies.
		httpClient: &http.Client{Transport: transport},
		logger:  logger.With("component", "wms_client"),
		metrics: m,
	}
	if cb := cfg.Upstream.CircuitBreaker; cb.Enabled {
		c.breaker = c.newBreaker(cb)
	}
	return c
}

func (c *WMSClient) newBreaker(cfg config.CircuitBreakerConfig) *gobreaker.CircuitBreaker {
	threshold := uint32(cfg.FailureThreshold) //nolint:gosec // validated positive in config
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "upstream",
		MaxRequests: 1,
		Timeout:     time.Duration(cfg.OpenSeconds) * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		// A client hanging up is not an upstream fault.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.logger.Warn("circuit breaker state change",
				"name", name,
				"from", from.String(),
				"to", to.String(),
			)
			if c.metrics != nil {
				c.metrics.BreakerTransitions.WithLabelValues(from.String(), to.String()).Inc()
			}
		},
	})
}

// Fetch issues a single GET to rawURL. The context controls the lifetime of the
// upstream request: when the client disconnects, the upstream call is canceled.
// Non-2xx responses are returned as-is. The caller closes the response body.
func (c *WMSClient) Fetch(ctx context.Context, rawURL string, header http.Header) (*model.UpstreamResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("%w: build upstream request: %w", model.ErrUpstreamUnavailable, err)
	}
	if header != nil {
		req.Header = header
	}

	resp, err := c.do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", model.ErrUpstreamUnavailable, err)
	}
	return &model.UpstreamResponse{
		StatusCode:  resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Body:        resp.Body,
	}, nil
}

func (c *WMSClient) do(req *http.Request) (*http.Response, error) {
	if c.breaker == nil {
		return c.roundTrip(req)
	}
	v, err := c.breaker.Execute(func() (interface{}, error) {
		return c.roundTrip(req)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("%w: %w", ErrCircuitOpen, err)
	}
	if err != nil {
		return nil, err
	}
	return v.(*http.Response), nil
}

func (c *WMSClient) roundTrip(req *http.Request) (*http.Response, error) {
	c.logger.Debug("upstream request",
		"method", req.Method,
		"url", req.URL.Redacted(),
	)

	start := time.Now()
	resp, err := c.httpClient.Do(req) //nolint:bodyclose // body ownership transfers to caller via UpstreamResponse
	duration := time.Since(start).Seconds()

	if c.metrics != nil {
		c.metrics.UpstreamDuration.WithLabelValues(metrics.NormalizeMethod(req.Method)).Observe(duration)
	}
	if err != nil {
		return nil, fmt.Errorf("upstream request: %w", err)
	}
	if c.metrics != nil {
		c.metrics.UpstreamResponses.WithLabelValues(metrics.NormalizeMethod(req.Method), strconv.Itoa(resp.StatusCode)).Inc()
	}
	return resp, nil
}
