// Package service implements the request pipeline between the HTTP layer and
// the upstream WMS: parameter normalization, BBOX reprojection, upstream URL
// construction and response dispatch.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"wms-proxy-go/internal/config"
	"wms-proxy-go/internal/metrics"
	"wms-proxy-go/internal/model"
	"wms-proxy-go/internal/params"
	"wms-proxy-go/internal/reproject"
)

// hopByHopHeaders belong to a single connection and are never forwarded.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// RemoveHopByHop deletes the hop-by-hop headers from h, including any header
// named in a Connection field.
func RemoveHopByHop(h http.Header) {
	for _, v := range h.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, name := range hopByHopHeaders {
		h.Del(name)
	}
}

// Fetcher issues a single upstream GET. *client.WMSClient implements it.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string, header http.Header) (*model.UpstreamResponse, error)
}

// Exchange describes one forwarded request for logging.
type Exchange struct {
	Path         string
	Params       params.Map
	UpstreamURL  string
	Reprojection reproject.Result
}

// ProxyService handles the forwarding logic for proxy requests.
type ProxyService struct {
	fetcher     Fetcher
	reprojector *reproject.Reprojector
	baseURL     *url.URL
	logger      *slog.Logger
	metrics     *metrics.Metrics
}

// NewProxyService creates a ProxyService. The metrics parameter is optional.
func NewProxyService(f Fetcher, r *reproject.Reprojector, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *ProxyService {
	return &ProxyService{
		fetcher:     f,
		reprojector: r,
		baseURL:     cfg.UpstreamURL(),
		logger:      logger.With("component", "proxy_service"),
		metrics:     m,
	}
}

// Forward normalizes and reprojects the request parameters, then sends the
// request upstream. A reprojection failure wraps model.ErrReprojection and no
// upstream request is made. The returned Exchange is non-nil whenever
// normalization ran, including on error. The caller closes the response body.
func (s *ProxyService) Forward(ctx context.Context, pr *model.ProxyRequest) (*model.UpstreamResponse, *Exchange, error) {
	path, m := params.Normalize(pr.Path, pr.RawQuery)
	ex := &Exchange{Path: path, Params: m}

	res, err := s.reprojector.Apply(m)
	s.recordReprojection(res, err)
	if err != nil {
		return nil, ex, err
	}
	ex.Reprojection = res
	if res.Applied {
		s.logger.Debug("bbox reprojected",
			"key", res.Key,
			"axis_order", res.Order.String(),
			"from", res.Original,
			"to", res.BBox,
		)
	}

	ex.UpstreamURL = s.upstreamURL(path, m)
	s.logger.Info("forwarding request",
		"params", m,
		"upstream_url", ex.UpstreamURL,
	)

	resp, err := s.fetcher.Fetch(ctx, ex.UpstreamURL, filterRequestHeaders(pr.Header))
	if err != nil {
		return nil, ex, fmt.Errorf("forward to upstream: %w", err)
	}
	return resp, ex, nil
}

func (s *ProxyService) recordReprojection(res reproject.Result, err error) {
	if s.metrics == nil {
		return
	}
	result := metrics.ReprojectSkipped
	switch {
	case err != nil:
		result = metrics.ReprojectFailed
	case res.Applied:
		result = metrics.ReprojectApplied
	}
	s.metrics.ReprojectionsTotal.WithLabelValues(result).Inc()
}

// upstreamURL resolves path against the base URL as a relative reference, so
// only the base's last segment is replaced, and attaches the parameter map on
// top of the base's own query.
func (s *ProxyService) upstreamURL(path string, m params.Map) string {
	u := s.baseURL.ResolveReference(&url.URL{Path: strings.TrimLeft(path, "/")})
	u.RawQuery = m.Encode(s.baseURL.Query())
	return u.String()
}

// filterRequestHeaders copies src without hop-by-hop headers, Host, and
// Accept-Encoding. Only Content-Type is relayed back to the client, so bodies
// must arrive identity-encoded.
func filterRequestHeaders(src http.Header) http.Header {
	dst := src.Clone()
	if dst == nil {
		return make(http.Header)
	}
	RemoveHopByHop(dst)
	dst.Del("Host")
	dst.Del("Accept-Encoding")
	return dst
}
