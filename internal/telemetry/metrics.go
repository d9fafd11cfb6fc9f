package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// HTTPRequestDuration tracks HTTP request latency across all endpoints.
var HTTPRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "brandowl",
		Subsystem: "api",
		Name:      "request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	},
	[]string{"method", "path", "status"},
)

var RequestsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "brandowl",
		Subsystem: "api",
		Name:      "requests_total",
		Help:      "Total HTTP requests by path and status.",
	},
	[]string{"method", "path", "status"},
)

var AIRequestsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "brandowl",
		Subsystem: "ai",
		Name:      "requests_total",
		Help:      "Total provider calls by task, model, and outcome.",
	},
	[]string{"task", "model", "outcome"},
)

var AITokensTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "brandowl",
		Subsystem: "ai",
		Name:      "tokens_total",
		Help:      "Total tokens consumed by task.",
	},
	[]string{"task"},
)

var AICostUSDTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "brandowl",
		Subsystem: "ai",
		Name:      "cost_usd_total",
		Help:      "Total provider spend in USD by task.",
	},
	[]string{"task"},
)

var BreakerTransitionsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "brandowl",
		Name:      "circuit_breaker_transitions_total",
		Help:      "Circuit breaker state transitions by breaker name and new state.",
	},
	[]string{"name", "state"},
)

var QueueDepth = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "brandowl",
		Subsystem: "queue",
		Name:      "depth",
		Help:      "Current render queue depth.",
	},
)

var JobsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "brandowl",
		Subsystem: "jobs",
		Name:      "total",
		Help:      "Render jobs by terminal state.",
	},
	[]string{"state"},
)

var CacheHitsTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "brandowl",
		Subsystem: "cache",
		Name:      "hits_total",
		Help:      "Total cache hits.",
	},
)

var CacheMissesTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "brandowl",
		Subsystem: "cache",
		Name:      "misses_total",
		Help:      "Total cache misses.",
	},
)

var ErrorsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "brandowl",
		Name:      "errors_total",
		Help:      "Errors surfaced to clients by kind.",
	},
	[]string{"kind"},
)

var RateLimitedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "brandowl",
		Name:      "rate_limited_total",
		Help:      "Requests rejected by the rate limiter per endpoint.",
	},
	[]string{"endpoint"},
)

var WorkersRunning = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "brandowl",
		Subsystem: "workers",
		Name:      "running",
		Help:      "Number of running render workers.",
	},
)

// All returns the service-specific collectors for registration.
func All() []prometheus.Collector {
	return []prometheus.Collector{
		RequestsTotal,
		AIRequestsTotal,
		AITokensTotal,
		AICostUSDTotal,
		BreakerTransitionsTotal,
		QueueDepth,
		JobsTotal,
		CacheHitsTotal,
		CacheMissesTotal,
		ErrorsTotal,
		RateLimitedTotal,
		WorkersRunning,
	}
}

// NewMetricsRegistry creates a Prometheus registry with Go/process collectors,
// the shared HTTPRequestDuration metric, and any additional service-specific
// collectors passed as arguments.
func NewMetricsRegistry(extra ...prometheus.Collector) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		HTTPRequestDuration,
	)
	for _, c := range extra {
		reg.MustRegister(c)
	}
	return reg
}
