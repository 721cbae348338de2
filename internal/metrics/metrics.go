// Package metrics provides Prometheus metrics for the proxy.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Default histogram buckets for origin latency.
var defaultBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10}

// Route label values for requests that never matched a configured route.
const (
	RouteInvalid  = "invalid"
	RouteInternal = "internal"
)

// Challenge outcome label values.
const (
	ChallengeRetried    = "retried"
	ChallengeNoLocation = "no_location"
)

// Metrics holds all Prometheus metric collectors for the proxy.
type Metrics struct {
	Registry *prometheus.Registry

	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	OriginDuration   *prometheus.HistogramVec
	OriginResponses  *prometheus.CounterVec
	Challenges       *prometheus.CounterVec
	CookiesRewritten prometheus.Counter
}

// New creates a Metrics instance with a custom registry and all collectors registered.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "a11yplan_proxy_http_requests_total",
			Help: "Total inbound HTTP requests.",
		}, []string{"method", "status_code", "route"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "a11yplan_proxy_http_request_duration_seconds",
			Help:    "Inbound HTTP request latency in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method", "status_code", "route"}),

		RequestsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "a11yplan_proxy_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed.",
		}),

		OriginDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "a11yplan_proxy_origin_request_duration_seconds",
			Help:    "Origin call latency in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method"}),

		OriginResponses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "a11yplan_proxy_origin_responses_total",
			Help: "Total origin responses by method and status code.",
		}, []string{"method", "status_code"}),

		Challenges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "a11yplan_proxy_challenges_total",
			Help: "Bot-protection challenges seen on first origin calls, by outcome.",
		}, []string{"outcome"}),

		CookiesRewritten: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "a11yplan_proxy_cookies_rewritten_total",
			Help: "Set-Cookie values re-scoped to the public domain.",
		}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.RequestsInFlight,
		m.OriginDuration,
		m.OriginResponses,
		m.Challenges,
		m.CookiesRewritten,
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

// NormalizeRoute returns a bounded route label. Route names come from the
// static route table, so only the empty name needs mapping.
func NormalizeRoute(name string) string {
	if name == "" {
		return RouteInvalid
	}
	return name
}
