package handler

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"

	"github.com/labstack/echo/v4"

	"wms-proxy-go/internal/client"
	"wms-proxy-go/internal/config"
	"wms-proxy-go/internal/metrics"
	"wms-proxy-go/internal/model"
	"wms-proxy-go/internal/service"
)

// ProxyHandler forwards WMS requests to the upstream server.
type ProxyHandler struct {
	service    *service.ProxyService
	dispatcher *service.Dispatcher
	chunkSize  int
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// NewProxyHandler creates a ProxyHandler. The metrics parameter is optional.
func NewProxyHandler(svc *service.ProxyService, d *service.Dispatcher, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *ProxyHandler {
	return &ProxyHandler{
		service:    svc,
		dispatcher: d,
		chunkSize:  cfg.Upstream.ChunkSize,
		logger:     logger.With("component", "proxy_handler"),
		metrics:    m,
	}
}

// Handle proxies the request upstream. XML replies are rewritten and sent in
// one piece; anything else is streamed in chunks. Only Content-Type is copied
// from the upstream response.
func (h *ProxyHandler) Handle(c echo.Context) error {
	req := c.Request()

	pr := &model.ProxyRequest{
		Path:     req.URL.EscapedPath(),
		RawQuery: req.URL.RawQuery,
		Header:   req.Header,
	}

	resp, ex, err := h.service.Forward(req.Context(), pr)
	if err != nil {
		return h.mapError(c, ex, err)
	}

	reply, err := h.dispatcher.Dispatch(resp)
	if err != nil {
		return h.mapError(c, ex, err)
	}

	if reply.Buffered() {
		return c.Blob(reply.StatusCode, reply.ContentType, reply.Data)
	}
	defer func() { _ = resp.Body.Close() }()

	if reply.ContentType != "" {
		c.Response().Header().Set(echo.HeaderContentType, reply.ContentType)
	} else {
		// A present but nil entry suppresses net/http content sniffing.
		c.Response().Header()[echo.HeaderContentType] = nil
	}
	c.Response().WriteHeader(reply.StatusCode)

	// The status line is already out, so a mid-stream failure can only be
	// logged; the client sees a truncated body.
	n, err := service.CopyChunks(c.Response(), reply.Stream, h.chunkSize)
	if h.metrics != nil {
		h.metrics.StreamedBytes.Add(float64(n))
	}
	if err != nil {
		h.logger.Error("streaming response body",
			"err", err,
			"path", req.URL.Path,
			"bytes", n,
		)
	}
	return nil
}

func (h *ProxyHandler) mapError(c echo.Context, ex *service.Exchange, err error) error {
	attrs := []any{"err", err, "path", c.Request().URL.Path}
	if ex != nil {
		attrs = append(attrs, "params", ex.Params)
		if ex.UpstreamURL != "" {
			attrs = append(attrs, "upstream_url", ex.UpstreamURL)
		}
	}
	h.logger.Error("proxy error", attrs...)

	status, msg := statusFor(err)
	return c.String(status, msg)
}

// statusFor maps a pipeline error onto the status code and plain-text body
// returned to the client.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, model.ErrReprojection):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, model.ErrXMLTooLarge):
		return http.StatusBadGateway, "upstream XML response too large"
	case errors.Is(err, model.ErrMalformedXML):
		return http.StatusBadGateway, "upstream returned malformed XML"
	case errors.Is(err, client.ErrCircuitOpen):
		return http.StatusServiceUnavailable, "upstream temporarily unavailable"
	case errors.Is(err, context.DeadlineExceeded), isTimeout(err):
		return http.StatusGatewayTimeout, "upstream request timed out"
	case errors.Is(err, context.Canceled):
		return http.StatusBadGateway, "client disconnected"
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return http.StatusBadGateway, "upstream host unreachable"
	}
	return http.StatusBadGateway, "upstream request failed"
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
