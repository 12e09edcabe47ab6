// Package metrics provides Prometheus metrics for the proxy.
package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Default histogram buckets for request latency. WMS GetMap renders can be slow.
var defaultBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30}

// Reprojection outcome label values.
const (
	ReprojectApplied = "applied"
	ReprojectSkipped = "skipped"
	ReprojectFailed  = "failed"
)

// XML rewrite outcome label values.
const (
	RewriteOK        = "ok"
	RewriteMalformed = "malformed"
	RewriteTooLarge  = "too_large"
)

// Metrics holds all Prometheus metric collectors for the proxy.
type Metrics struct {
	Registry *prometheus.Registry

	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	UpstreamDuration   *prometheus.HistogramVec
	UpstreamResponses  *prometheus.CounterVec
	BreakerTransitions *prometheus.CounterVec

	ReprojectionsTotal *prometheus.CounterVec
	XMLRewritesTotal   *prometheus.CounterVec
	LinksRewritten     prometheus.Counter
	StreamedBytes      prometheus.Counter
}

// New creates a Metrics instance with a custom registry and all collectors registered.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wms_proxy_http_requests_total",
			Help: "Total inbound HTTP requests.",
		}, []string{"method", "status_code", "path_prefix"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "wms_proxy_http_request_duration_seconds",
			Help:    "Inbound HTTP request latency in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method", "status_code", "path_prefix"}),

		RequestsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "wms_proxy_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed.",
		}),

		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "wms_proxy_upstream_request_duration_seconds",
			Help:    "Upstream WMS call latency in seconds, up to response headers.",
			Buckets: defaultBuckets,
		}, []string{"method"}),

		UpstreamResponses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wms_proxy_upstream_responses_total",
			Help: "Total upstream responses by method and status code.",
		}, []string{"method", "status_code"}),

		BreakerTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wms_proxy_upstream_breaker_transitions_total",
			Help: "Upstream circuit breaker state changes.",
		}, []string{"from", "to"}),

		ReprojectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wms_proxy_bbox_reprojections_total",
			Help: "BBOX reprojection attempts by result (applied, skipped, failed).",
		}, []string{"result"}),

		XMLRewritesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wms_proxy_xml_rewrites_total",
			Help: "XML documents passed through the link rewriter by outcome.",
		}, []string{"outcome"}),

		LinksRewritten: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "wms_proxy_xlinks_rewritten_total",
			Help: "XLink hrefs retargeted from the upstream host to the proxy.",
		}),

		StreamedBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "wms_proxy_streamed_bytes_total",
			Help: "Bytes of non-XML upstream bodies relayed to clients.",
		}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.RequestsInFlight,
		m.UpstreamDuration,
		m.UpstreamResponses,
		m.BreakerTransitions,
		m.ReprojectionsTotal,
		m.XMLRewritesTotal,
		m.LinksRewritten,
		m.StreamedBytes,
	)

	return m
}

// knownMethods lists the allowed HTTP method label values (bounded cardinality).
var knownMethods = map[string]bool{
	"GET": true, "POST": true, "PUT": true, "DELETE": true,
	"PATCH": true, "HEAD": true, "OPTIONS": true,
}

// NormalizeMethod returns a bounded HTTP method label for Prometheus metrics.
// Non-standard methods are mapped to "other" to prevent cardinality explosion.
func NormalizeMethod(method string) string {
	if knownMethods[method] {
		return method
	}
	return "other"
}

// knownPrefixes lists the proxy's own routes. Everything else is forwarded.
var knownPrefixes = []string{"/healthz", "/proxy/status", "/metrics"}

// NormalizePath returns a bounded path label for Prometheus metrics. Forwarded
// paths are arbitrary, so they all share the "wms" label.
func NormalizePath(path string) string {
	for _, prefix := range knownPrefixes {
		if path == prefix || strings.HasPrefix(path, prefix+"/") || strings.HasPrefix(path, prefix+"?") {
			return prefix
		}
	}
	return "wms"
}
