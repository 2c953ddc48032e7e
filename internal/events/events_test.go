package events

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/avagate/internal/apierror"
	"github.com/vyrodovalexey/avagate/internal/async"
	"github.com/vyrodovalexey/avagate/internal/backend"
	"github.com/vyrodovalexey/avagate/internal/circuitbreaker"
	"github.com/vyrodovalexey/avagate/internal/config"
	"github.com/vyrodovalexey/avagate/internal/model"
	"github.com/vyrodovalexey/avagate/internal/observability"
	"github.com/vyrodovalexey/avagate/internal/ratelimit"
	"github.com/vyrodovalexey/avagate/internal/registry"
)

type recordingSink struct {
	mu     sync.Mutex
	name   string
	err    error
	events []*Event
}

func (s *recordingSink) Name() string { return s.name }

func (s *recordingSink) Emit(_ context.Context, e *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return s.err
}

func (s *recordingSink) all() []*Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Event(nil), s.events...)
}

type fakeNATS struct {
	subjects []string
	payloads [][]byte
	err      error
}

func (f *fakeNATS) Publish(subject string, data []byte) error {
	f.subjects = append(f.subjects, subject)
	f.payloads = append(f.payloads, data)
	return f.err
}

func testRC() *model.RequestContext {
	return &model.RequestContext{
		RequestID:  "req-1",
		TraceID:    "trace-1",
		Method:     http.MethodGet,
		Path:       "/v1/orders",
		ConsumerID: "c1",
		TenantID:   "t1",
	}
}

func fixedSampler(v float64) func() float64 {
	return func() float64 { return v }
}

// ============================================================
// Request publishing
// ============================================================

func TestPublishRequest_Sampling(t *testing.T) {
	tests := []struct {
		name      string
		rate      float64
		sample    float64
		status    int
		err       error
		wantEvent bool
	}{
		{name: "success sampled in", rate: 0.5, sample: 0.2, status: 200, wantEvent: true},
		{name: "success sampled out", rate: 0.5, sample: 0.7, status: 200},
		{name: "success with zero rate", rate: 0, sample: 0, status: 200},
		{name: "client error always", rate: 0, sample: 0.9, status: 404, err: apierror.New(apierror.CodeRouteNotFound, "no route"), wantEvent: true},
		{name: "server error always", rate: 0, sample: 0.9, status: 502, err: apierror.New(apierror.CodeBackendError, "bad gateway"), wantEvent: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sink := &recordingSink{name: "rec"}
			p := NewPublisher(tt.rate, WithSink(sink), WithSampler(fixedSampler(tt.sample)))

			p.PublishRequest(context.Background(), RequestOutcome{
				Request:  testRC(),
				RouteID:  "orders",
				Status:   tt.status,
				Duration: 15 * time.Millisecond,
				Err:      tt.err,
			})

			m := p.Metrics()
			assert.Equal(t, 1, testutil.CollectAndCount(m.RequestsTotal))
			if tt.wantEvent {
				require.Len(t, sink.all(), 1)
				e := sink.all()[0]
				assert.Equal(t, TypeRequest, e.Type)
				assert.Equal(t, "req-1", e.RequestID)
				assert.Equal(t, "orders", e.RouteID)
				assert.Equal(t, tt.status, e.Status)
				assert.InDelta(t, 15.0, e.DurationMs, 0.001)
				assert.NotEmpty(t, e.ID)
			} else {
				assert.Empty(t, sink.all())
			}
		})
	}
}

func TestPublishRequest_Metrics(t *testing.T) {
	p := NewPublisher(0)
	rc := testRC()
	rc.IsReplayed = true

	p.PublishRequest(context.Background(), RequestOutcome{
		Request: rc,
		RouteID: "orders",
		Status:  http.StatusOK,
	})
	p.PublishRequest(context.Background(), RequestOutcome{
		Request:   testRC(),
		Status:    http.StatusTooManyRequests,
		Err:       apierror.New(apierror.CodeBurstExceeded, "slow down"),
		RateLimit: &ratelimit.Decision{Reason: ratelimit.ReasonBurst, Tier: "basic"},
	})

	m := p.Metrics()
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RequestsTotal.WithLabelValues("orders", "GET", "200")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RequestsTotal.WithLabelValues("unmatched", "GET", "429")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ErrorsTotal.WithLabelValues("E9401")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RateLimitRejections.WithLabelValues("burst", "basic")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.IdempotencyReplays))
}

func TestPublish_SinkErrorsAreContained(t *testing.T) {
	failing := &recordingSink{name: "broken", err: errors.New("disk full")}
	ok := &recordingSink{name: "ok"}
	p := NewPublisher(1, WithSink(failing), WithSink(ok), WithLogger(observability.NopLogger()))

	assert.NotPanics(t, func() {
		p.PublishRequest(context.Background(), RequestOutcome{Request: testRC(), Status: 200})
	})
	assert.Len(t, ok.all(), 1)
	assert.Equal(t, 1.0, testutil.ToFloat64(p.Metrics().EventsDropped.WithLabelValues("broken")))
}

// ============================================================
// Component hooks
// ============================================================

func TestPublishAuthzDenial(t *testing.T) {
	sink := &recordingSink{name: "rec"}
	p := NewPublisher(0, WithSink(sink))

	err := apierror.New(apierror.CodeInsufficientScope, "missing scope").WithDetail("missing_scopes", []string{"orders:write"})
	p.PublishAuthzDenial(context.Background(), testRC(), "orders", err)

	require.Len(t, sink.all(), 1)
	e := sink.all()[0]
	assert.Equal(t, TypeAuthzDenied, e.Type)
	assert.Equal(t, "E9503", e.ErrorCode)
	assert.Equal(t, http.StatusForbidden, e.Status)
	assert.Contains(t, e.Details, "missing_scopes")
	assert.Equal(t, 1.0, testutil.ToFloat64(p.Metrics().AuthzDenials.WithLabelValues("E9503")))
}

func TestPublishBreakerTransition(t *testing.T) {
	sink := &recordingSink{name: "rec"}
	p := NewPublisher(0, WithSink(sink))
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	p.PublishBreakerTransition(circuitbreaker.Transition{
		Name: "orders@10.0.0.1:8080",
		From: circuitbreaker.StateClosed,
		To:   circuitbreaker.StateOpen,
		At:   at,
	})

	m := p.Metrics()
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CircuitBreakerState.WithLabelValues("orders@10.0.0.1:8080")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CircuitTransitions.WithLabelValues(
		"orders@10.0.0.1:8080", circuitbreaker.StateClosed.String(), circuitbreaker.StateOpen.String())))

	require.Len(t, sink.all(), 1)
	assert.Equal(t, at, sink.all()[0].OccurredAt)
	assert.Equal(t, TypeBreakerTransition, sink.all()[0].Type)
}

func TestObserveAttempt(t *testing.T) {
	p := NewPublisher(0)
	target := model.NewBackendTarget("orders", "10.0.0.1", 8080, "http")

	p.ObserveAttempt(backend.Attempt{Target: target, Number: 1, Status: 503, Duration: time.Millisecond})
	p.ObserveAttempt(backend.Attempt{Target: target, Number: 2, Err: errors.New("reset")})
	p.ObserveAttempt(backend.Attempt{Target: target, Number: 3, Status: 200})

	m := p.Metrics()
	key := target.Key()
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BackendAttempts.WithLabelValues(key, "5xx")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BackendAttempts.WithLabelValues(key, "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BackendAttempts.WithLabelValues(key, "2xx")))
}

func TestObserveDelivery(t *testing.T) {
	sink := &recordingSink{name: "rec"}
	p := NewPublisher(0, WithSink(sink))
	op := &model.AsyncOperation{ID: "op-1", ConsumerID: "c1", RouteID: "reports"}

	p.ObserveDelivery(context.Background(), op, async.Delivery{
		Status:   model.DeliveryDeadLetter,
		Attempts: 4,
		Err:      errors.New("status 500"),
	})

	assert.Equal(t, 1.0, testutil.ToFloat64(p.Metrics().WebhookDeliveries.WithLabelValues("dead_letter")))
	require.Len(t, sink.all(), 1)
	e := sink.all()[0]
	assert.Equal(t, "op-1", e.Details["operation_id"])
	assert.Equal(t, 4, e.Details["attempts"])
	assert.Equal(t, "status 500", e.Details["error"])
}

func TestDegradedCounters(t *testing.T) {
	p := NewPublisher(0)
	p.RateLimitDegraded()
	p.IdempotencyDegraded("check")
	p.IdempotencyDegraded("check")

	m := p.Metrics()
	assert.Equal(t, 1.0, testutil.ToFloat64(m.StoreDegraded.WithLabelValues("ratelimit", "take")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.StoreDegraded.WithLabelValues("idempotency", "check")))
}

// ============================================================
// Sinks
// ============================================================

func TestRegistrySink(t *testing.T) {
	reg, err := registry.NewStatic(context.Background(), &config.GatewayConfig{}, nil)
	require.NoError(t, err)

	p := NewPublisher(1, WithSink(NewRegistrySink(reg)))
	p.PublishRequest(context.Background(), RequestOutcome{Request: testRC(), RouteID: "orders", Status: 201})

	records := reg.Events()
	require.Len(t, records, 1)
	assert.Equal(t, TypeRequest, records[0].Type)

	var e Event
	require.NoError(t, json.Unmarshal(records[0].Payload, &e))
	assert.Equal(t, records[0].ID, e.ID)
	assert.Equal(t, 201, e.Status)
	assert.Equal(t, "c1", e.ConsumerID)
}

func TestNATSSink(t *testing.T) {
	pub := &fakeNATS{}
	sink := NewNATSSink(pub, "")

	err := sink.Emit(context.Background(), &Event{ID: "e1", Type: TypeRequest, Status: 200})
	require.NoError(t, err)
	require.Len(t, pub.subjects, 1)
	assert.Equal(t, "gateway.events.request.completed", pub.subjects[0])

	var e Event
	require.NoError(t, json.Unmarshal(pub.payloads[0], &e))
	assert.Equal(t, "e1", e.ID)

	pub.err = errors.New("nats: connection closed")
	err = sink.Emit(context.Background(), &Event{ID: "e2", Type: TypeRequest})
	assert.ErrorContains(t, err, "connection closed")
}

func TestLogSink(t *testing.T) {
	sink := NewLogSink(observability.NopLogger())
	assert.Equal(t, "log", sink.Name())
	assert.NoError(t, sink.Emit(context.Background(), &Event{ID: "e1", Type: TypeRequest, Status: 503, Details: map[string]any{"a": 1}}))
}

func TestConnectNATS_Unreachable(t *testing.T) {
	_, err := ConnectNATS("nats://127.0.0.1:1", "avagate-test", observability.NopLogger())
	assert.Error(t, err)
}

// ============================================================
// Exposition
// ============================================================

func TestMetricsHandler(t *testing.T) {
	p := NewPublisher(0)
	p.PublishRequest(context.Background(), RequestOutcome{Request: testRC(), RouteID: "orders", Status: 200})

	rec := httptest.NewRecorder()
	p.Metrics().Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, `gateway_requests_total{method="GET",route="orders",status="200"} 1`), body)
	assert.Contains(t, body, "go_goroutines")
}

func TestMetricsRegistry_Gather(t *testing.T) {
	p := NewPublisher(0)
	p.PublishRequest(context.Background(), RequestOutcome{
		Request: testRC(),
		RouteID: "orders",
		Status:  503,
		Err:     apierror.New(apierror.CodeCircuitOpen, "circuit open"),
	})

	families, err := p.Metrics().Registry().Gather()
	require.NoError(t, err)

	var errorsTotal *dto.MetricFamily
	for _, mf := range families {
		if mf.GetName() == "gateway_errors_total" {
			errorsTotal = mf
		}
	}
	require.NotNil(t, errorsTotal)
	require.Len(t, errorsTotal.GetMetric(), 1)

	m := errorsTotal.GetMetric()[0]
	assert.Equal(t, dto.MetricType_COUNTER, errorsTotal.GetType())
	assert.Equal(t, 1.0, m.GetCounter().GetValue())
	require.Len(t, m.GetLabel(), 1)
	assert.Equal(t, "code", m.GetLabel()[0].GetName())
	assert.Equal(t, string(apierror.CodeCircuitOpen), m.GetLabel()[0].GetValue())
}
