// Package metrics provides Prometheus metrics for the proxy.
package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Default histogram buckets for page and asset latency.
var defaultBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30}

// DefaultRoutes are the path label values used when New is called without routes.
var DefaultRoutes = []string{"/proxy", "/health", "/metrics"}

// Metrics holds all Prometheus metric collectors for the proxy.
type Metrics struct {
	Registry *prometheus.Registry

	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	UpstreamDuration  *prometheus.HistogramVec
	UpstreamResponses *prometheus.CounterVec
	DispatchErrors    *prometheus.CounterVec
	TunnelsActive     prometheus.Gauge

	routes []string
}

// New creates a Metrics instance with a custom registry and all collectors
// registered. routes bounds the path_prefix label; anything else is "other".
func New(routes ...string) *Metrics {
	reg := prometheus.NewRegistry()

	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	if len(routes) == 0 {
		routes = DefaultRoutes
	}
	normalized := make([]string, 0, len(routes))
	for _, r := range routes {
		if r = strings.TrimSuffix(r, "/"); r != "" {
			normalized = append(normalized, r)
		}
	}

	m := &Metrics{
		Registry: reg,
		routes:   normalized,

		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "voicenav_proxy_http_requests_total",
			Help: "Total inbound HTTP requests.",
		}, []string{"method", "status_code", "path_prefix"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "voicenav_proxy_http_request_duration_seconds",
			Help:    "Inbound HTTP request latency in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method", "status_code", "path_prefix"}),

		RequestsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "voicenav_proxy_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed.",
		}),

		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "voicenav_proxy_upstream_request_duration_seconds",
			Help:    "Time until upstream response headers, in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method"}),

		UpstreamResponses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "voicenav_proxy_upstream_responses_total",
			Help: "Total upstream responses by method and status code.",
		}, []string{"method", "status_code"}),

		DispatchErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "voicenav_proxy_dispatch_errors_total",
			Help: "Failed upstream dispatches by error kind.",
		}, []string{"kind"}),

		TunnelsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "voicenav_proxy_tunnels_active",
			Help: "Number of WebSocket tunnels currently relaying.",
		}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.RequestsInFlight,
		m.UpstreamDuration,
		m.UpstreamResponses,
		m.DispatchErrors,
		m.TunnelsActive,
	)

	return m
}

// PathLabel returns the bounded path label for path using the routes given to New.
func (m *Metrics) PathLabel(path string) string {
	return NormalizePath(path, m.routes)
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

// NormalizePath returns the first prefix that path falls under, or "other".
// Proxied paths embed arbitrary hosts, so the raw path is never a label.
func NormalizePath(path string, prefixes []string) string {
	for _, prefix := range prefixes {
		if path == prefix || strings.HasPrefix(path, prefix+"/") || strings.HasPrefix(path, prefix+"?") {
			return prefix
		}
	}
	return "other"
}
