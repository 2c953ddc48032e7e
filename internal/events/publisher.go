// Package events publishes audit events and metrics for every request the
// gateway handles.
//
// Metrics are recorded for every request. Events are fanned out to the
// configured sinks for every failed request and for a sampled share of
// successful ones. A failing sink never affects the response.
package events

import (
	"context"
	"math/rand/v2"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/vyrodovalexey/avagate/internal/apierror"
	"github.com/vyrodovalexey/avagate/internal/async"
	"github.com/vyrodovalexey/avagate/internal/backend"
	"github.com/vyrodovalexey/avagate/internal/circuitbreaker"
	"github.com/vyrodovalexey/avagate/internal/model"
	"github.com/vyrodovalexey/avagate/internal/observability"
	"github.com/vyrodovalexey/avagate/internal/ratelimit"
)

// Event types.
const (
	TypeRequest           = "request.completed"
	TypeAuthzDenied       = "authz.denied"
	TypeBreakerTransition = "circuit_breaker.transition"
	TypeWebhookDelivery   = "webhook.delivery"
)

// Event is one audit record.
type Event struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	OccurredAt time.Time      `json:"occurred_at"`
	RequestID  string         `json:"request_id,omitempty"`
	TraceID    string         `json:"trace_id,omitempty"`
	ConsumerID string         `json:"consumer_id,omitempty"`
	TenantID   string         `json:"tenant_id,omitempty"`
	RouteID    string         `json:"route_id,omitempty"`
	Method     string         `json:"method,omitempty"`
	Path       string         `json:"path,omitempty"`
	Status     int            `json:"status,omitempty"`
	DurationMs float64        `json:"duration_ms,omitempty"`
	ErrorCode  string         `json:"error_code,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
}

// Sink receives published events.
type Sink interface {
	Name() string
	Emit(ctx context.Context, e *Event) error
}

// RequestOutcome summarizes one pipeline run.
type RequestOutcome struct {
	Request   *model.RequestContext
	RouteID   string
	Status    int
	Duration  time.Duration
	Err       error
	RateLimit *ratelimit.Decision
}

// Option configures a Publisher.
type Option func(*Publisher)

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) Option {
	return func(p *Publisher) {
		p.logger = logger
	}
}

// WithSink adds a sink.
func WithSink(s Sink) Option {
	return func(p *Publisher) {
		p.sinks = append(p.sinks, s)
	}
}

// WithMetrics sets the metrics the publisher records into.
func WithMetrics(m *Metrics) Option {
	return func(p *Publisher) {
		p.metrics = m
	}
}

// WithSampler overrides the random source used for sampling. It must return
// values in [0, 1).
func WithSampler(fn func() float64) Option {
	return func(p *Publisher) {
		p.sample = fn
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(p *Publisher) {
		p.now = now
	}
}

// Publisher records metrics and emits events.
type Publisher struct {
	logger       observability.Logger
	metrics      *Metrics
	sinks        []Sink
	samplingRate float64
	sample       func() float64
	now          func() time.Time
}

// NewPublisher creates a Publisher. samplingRate is the share of successful
// requests emitted as events; failed requests are always emitted.
func NewPublisher(samplingRate float64, opts ...Option) *Publisher {
	p := &Publisher{
		logger:       observability.NopLogger(),
		samplingRate: min(max(samplingRate, 0), 1),
		sample:       rand.Float64,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.metrics == nil {
		p.metrics = NewMetrics()
	}
	return p
}

// Metrics returns the collectors the publisher records into.
func (p *Publisher) Metrics() *Metrics {
	return p.metrics
}

// PublishRequest records the outcome of a request.
func (p *Publisher) PublishRequest(ctx context.Context, out RequestOutcome) {
	rc := out.Request
	p.metrics.observeRequest(out.RouteID, rc.Method, out.Status, out.Duration)

	var code string
	if out.Err != nil {
		code = string(apierror.From(out.Err).Code)
		p.metrics.ErrorsTotal.WithLabelValues(code).Inc()
	}
	if d := out.RateLimit; d != nil && !d.Allowed {
		p.metrics.RateLimitRejections.WithLabelValues(string(d.Reason), d.Tier).Inc()
	}
	if rc.IsReplayed {
		p.metrics.IdempotencyReplays.Inc()
	}

	if out.Status < 400 && !p.sampled() {
		return
	}

	e := p.newEvent(TypeRequest, rc)
	e.RouteID = out.RouteID
	e.Status = out.Status
	e.DurationMs = float64(out.Duration.Microseconds()) / 1000
	e.ErrorCode = code
	if rc.IsReplayed {
		e.Details = map[string]any{"replayed": true}
	}
	p.emit(ctx, e)
}

// PublishAuthzDenial records an authorization denial. It has the signature
// of authz.DenialHook.
func (p *Publisher) PublishAuthzDenial(ctx context.Context, rc *model.RequestContext, routeID string, err *apierror.GatewayError) {
	p.metrics.AuthzDenials.WithLabelValues(string(err.Code)).Inc()

	e := p.newEvent(TypeAuthzDenied, rc)
	e.RouteID = routeID
	e.Status = err.Status()
	e.ErrorCode = string(err.Code)
	if len(err.Details) > 0 {
		e.Details = err.Details
	}
	p.emit(ctx, e)
}

// PublishBreakerTransition records a circuit breaker state change.
func (p *Publisher) PublishBreakerTransition(t circuitbreaker.Transition) {
	p.metrics.setBreakerState(t.Name, t.To)
	p.metrics.CircuitTransitions.WithLabelValues(t.Name, t.From.String(), t.To.String()).Inc()

	e := p.newEvent(TypeBreakerTransition, nil)
	e.OccurredAt = t.At
	e.Details = map[string]any{
		"backend": t.Name,
		"from":    t.From.String(),
		"to":      t.To.String(),
	}
	p.emit(context.Background(), e)
}

// ObserveAttempt records one backend attempt.
func (p *Publisher) ObserveAttempt(a backend.Attempt) {
	name := "unknown"
	if a.Target != nil {
		name = a.Target.Key()
	}
	p.metrics.BackendAttempts.WithLabelValues(name, attemptOutcome(a)).Inc()
	p.metrics.BackendAttemptDuration.WithLabelValues(name).Observe(a.Duration.Seconds())
}

// ObserveDelivery records the final outcome of a webhook delivery.
func (p *Publisher) ObserveDelivery(ctx context.Context, op *model.AsyncOperation, d async.Delivery) {
	p.metrics.WebhookDeliveries.WithLabelValues(string(d.Status)).Inc()

	e := p.newEvent(TypeWebhookDelivery, nil)
	e.ConsumerID = op.ConsumerID
	e.TenantID = op.TenantID
	e.RouteID = op.RouteID
	e.Details = map[string]any{
		"operation_id": op.ID,
		"status":       string(d.Status),
		"attempts":     d.Attempts,
	}
	if d.Err != nil {
		e.Details["error"] = d.Err.Error()
	}
	p.emit(ctx, e)
}

// RateLimitDegraded counts a rate limiter store failure that was ignored.
func (p *Publisher) RateLimitDegraded() {
	p.metrics.StoreDegraded.WithLabelValues("ratelimit", "take").Inc()
}

// IdempotencyDegraded counts an idempotency store failure that was ignored.
func (p *Publisher) IdempotencyDegraded(op string) {
	p.metrics.StoreDegraded.WithLabelValues("idempotency", op).Inc()
}

func (p *Publisher) sampled() bool {
	if p.samplingRate <= 0 {
		return false
	}
	return p.sample() < p.samplingRate
}

func (p *Publisher) newEvent(typ string, rc *model.RequestContext) *Event {
	e := &Event{
		ID:         uuid.NewString(),
		Type:       typ,
		OccurredAt: p.now().UTC(),
	}
	if rc != nil {
		e.RequestID = rc.RequestID
		e.TraceID = rc.TraceID
		e.ConsumerID = rc.ConsumerID
		e.TenantID = rc.TenantID
		e.Method = rc.Method
		e.Path = rc.Path
	}
	return e
}

func (p *Publisher) emit(ctx context.Context, e *Event) {
	for _, s := range p.sinks {
		if err := s.Emit(ctx, e); err != nil {
			p.metrics.EventsDropped.WithLabelValues(s.Name()).Inc()
			p.logger.Warn("event sink failed",
				observability.String("sink", s.Name()),
				observability.String("event_type", e.Type),
				observability.String("event_id", e.ID),
				observability.Error(err),
			)
		}
	}
}

func attemptOutcome(a backend.Attempt) string {
	if a.Err != nil {
		return "error"
	}
	return strconv.Itoa(a.Status/100) + "xx"
}
