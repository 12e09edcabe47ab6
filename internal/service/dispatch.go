package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"wms-proxy-go/internal/config"
	"wms-proxy-go/internal/metrics"
	"wms-proxy-go/internal/model"
	"wms-proxy-go/internal/xlink"
)

// Dispatcher turns an upstream response into a Reply: XML bodies are
// buffered and link-rewritten, everything else is streamed.
type Dispatcher struct {
	rewriter    *xlink.Rewriter
	maxXMLBytes int64
	readTimeout time.Duration
	logger      *slog.Logger
	metrics     *metrics.Metrics
}

// NewDispatcher creates a Dispatcher. The metrics parameter is optional.
func NewDispatcher(rw *xlink.Rewriter, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *Dispatcher {
	return &Dispatcher{
		rewriter:    rw,
		maxXMLBytes: cfg.Upstream.MaxXMLBytes,
		readTimeout: time.Duration(cfg.Upstream.TimeoutSeconds) * time.Second,
		logger:      logger.With("component", "dispatcher"),
		metrics:     m,
	}
}

// IsXML reports whether a content type selects the rewrite path. The match is
// a case-sensitive substring test so both text/xml and
// application/vnd.ogc.wms_xml qualify.
func IsXML(contentType string) bool {
	return strings.Contains(contentType, "xml")
}

// Dispatch consumes resp. For XML it reads and closes the body and returns the
// rewritten bytes; otherwise the returned Reply streams resp.Body and the
// caller still owns closing it. The upstream status code is kept either way.
func (d *Dispatcher) Dispatch(resp *model.UpstreamResponse) (*model.Reply, error) {
	reply := &model.Reply{
		StatusCode:  resp.StatusCode,
		ContentType: resp.ContentType,
	}
	if !IsXML(resp.ContentType) {
		reply.Stream = resp.Body
		return reply, nil
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := d.readXML(resp.Body)
	if err != nil {
		d.recordRewrite(err, xlink.Stats{})
		return nil, err
	}

	out, stats, err := d.rewriter.Rewrite(body)
	d.recordRewrite(err, stats)
	if err != nil {
		return nil, err
	}
	d.logger.Debug("xml rewritten",
		"content_type", resp.ContentType,
		"links", stats.Links,
		"rewritten", stats.Rewritten,
		"bytes_in", len(body),
		"bytes_out", len(out),
	)

	reply.Data = out
	return reply, nil
}

// readXML buffers an XML body. The whole read must finish within readTimeout;
// when it does not, the body is closed under the reader and the error wraps
// context.DeadlineExceeded.
func (d *Dispatcher) readXML(body io.ReadCloser) ([]byte, error) {
	if d.readTimeout <= 0 {
		return d.readLimited(body)
	}
	timer := time.AfterFunc(d.readTimeout, func() { _ = body.Close() })
	b, err := d.readLimited(body)
	if !timer.Stop() && err != nil {
		return nil, fmt.Errorf("%w: read body: %w", model.ErrUpstreamUnavailable, context.DeadlineExceeded)
	}
	return b, err
}

func (d *Dispatcher) readLimited(r io.Reader) ([]byte, error) {
	limit := d.maxXMLBytes
	if limit <= 0 {
		b, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("%w: read body: %w", model.ErrUpstreamUnavailable, err)
		}
		return b, nil
	}
	// One byte past the limit distinguishes "exactly at" from "over".
	b, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %w", model.ErrUpstreamUnavailable, err)
	}
	if int64(len(b)) > limit {
		return nil, fmt.Errorf("%w: more than %d bytes", model.ErrXMLTooLarge, limit)
	}
	return b, nil
}

func (d *Dispatcher) recordRewrite(err error, stats xlink.Stats) {
	if d.metrics == nil {
		return
	}
	switch {
	case err == nil:
		d.metrics.XMLRewritesTotal.WithLabelValues(metrics.RewriteOK).Inc()
		d.metrics.LinksRewritten.Add(float64(stats.Rewritten))
	case errors.Is(err, model.ErrXMLTooLarge):
		d.metrics.XMLRewritesTotal.WithLabelValues(metrics.RewriteTooLarge).Inc()
	case errors.Is(err, model.ErrMalformedXML):
		d.metrics.XMLRewritesTotal.WithLabelValues(metrics.RewriteMalformed).Inc()
	}
}

// CopyChunks copies r to w in chunks of at most size bytes, flushing after
// every write when w is an http.Flusher. Each read waits for the previous
// write to complete, so a slow client slows the upstream read.
func CopyChunks(w io.Writer, r io.Reader, size int) (int64, error) {
	if size <= 0 {
		size = 2048
	}
	flusher, _ := w.(http.Flusher)
	buf := make([]byte, size)

	var written int64
	for {
		n, rerr := r.Read(buf)
		if n > 0 {
			m, werr := w.Write(buf[:n])
			written += int64(m)
			if werr != nil {
				return written, werr
			}
			if m != n {
				return written, io.ErrShortWrite
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if rerr == io.EOF {
			return written, nil
		}
		if rerr != nil {
			return written, rerr
		}
	}
}
