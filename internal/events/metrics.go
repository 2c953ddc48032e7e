package events

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vyrodovalexey/avagate/internal/circuitbreaker"
)

const namespace = "gateway"

// Metrics holds the gateway's Prometheus collectors. Each instance owns its
// registry so tests and multiple gateways never collide.
type Metrics struct {
	registry *prometheus.Registry

	RequestsTotal          *prometheus.CounterVec
	RequestDuration        *prometheus.HistogramVec
	ErrorsTotal            *prometheus.CounterVec
	RateLimitRejections    *prometheus.CounterVec
	IdempotencyReplays     prometheus.Counter
	StoreDegraded          *prometheus.CounterVec
	AuthzDenials           *prometheus.CounterVec
	BackendAttempts        *prometheus.CounterVec
	BackendAttemptDuration *prometheus.HistogramVec
	CircuitBreakerState    *prometheus.GaugeVec
	CircuitTransitions     *prometheus.CounterVec
	WebhookDeliveries      *prometheus.CounterVec
	EventsDropped          *prometheus.CounterVec
}

// NewMetrics creates and registers the gateway metrics. Go runtime and
// process collectors are registered alongside.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		RequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "requests_total",
				Help:      "Total number of requests handled by the pipeline",
			},
			[]string{"route", "method", "status"},
		),
		RequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "request_duration_seconds",
				Help:      "End to end pipeline duration",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"route", "method"},
		),
		ErrorsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_total",
				Help:      "Total number of error responses by code",
			},
			[]string{"code"},
		),
		RateLimitRejections: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ratelimit",
				Name:      "rejections_total",
				Help:      "Requests rejected by the rate limiter",
			},
			[]string{"reason", "tier"},
		),
		IdempotencyReplays: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "idempotency",
				Name:      "replays_total",
				Help:      "Responses served from the idempotency cache",
			},
		),
		StoreDegraded: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "store_degraded_total",
				Help:      "Store failures the pipeline tolerated by failing open",
			},
			[]string{"component", "operation"},
		),
		AuthzDenials: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "authz",
				Name:      "denials_total",
				Help:      "Authorization denials by code",
			},
			[]string{"code"},
		),
		BackendAttempts: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "backend",
				Name:      "attempts_total",
				Help:      "Backend call attempts by outcome",
			},
			[]string{"backend", "outcome"},
		),
		BackendAttemptDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "backend",
				Name:      "attempt_duration_seconds",
				Help:      "Duration of single backend attempts",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"backend"},
		),
		CircuitBreakerState: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "circuit_breaker",
				Name:      "state",
				Help:      "Circuit breaker state (0=closed, 1=open, 2=half_open, 3=recovering)",
			},
			[]string{"backend"},
		),
		CircuitTransitions: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "circuit_breaker",
				Name:      "transitions_total",
				Help:      "Circuit breaker state transitions",
			},
			[]string{"backend", "from", "to"},
		),
		WebhookDeliveries: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "webhook",
				Name:      "deliveries_total",
				Help:      "Webhook deliveries by final status",
			},
			[]string{"status"},
		),
		EventsDropped: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "events",
				Name:      "sink_errors_total",
				Help:      "Events a sink failed to accept",
			},
			[]string{"sink"},
		),
	}
}

// Registry returns the registry holding the collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the metrics in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) observeRequest(route, method string, status int, d time.Duration) {
	if route == "" {
		route = "unmatched"
	}
	m.RequestsTotal.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	m.RequestDuration.WithLabelValues(route, method).Observe(d.Seconds())
}

func (m *Metrics) setBreakerState(backend string, s circuitbreaker.State) {
	m.CircuitBreakerState.WithLabelValues(backend).Set(float64(s))
}
