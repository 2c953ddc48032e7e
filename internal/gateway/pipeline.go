package gateway

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vyrodovalexey/avagate/internal/apierror"
	"github.com/vyrodovalexey/avagate/internal/async"
	"github.com/vyrodovalexey/avagate/internal/auth"
	"github.com/vyrodovalexey/avagate/internal/events"
	"github.com/vyrodovalexey/avagate/internal/model"
	"github.com/vyrodovalexey/avagate/internal/observability"
	"github.com/vyrodovalexey/avagate/internal/ratelimit"
	"github.com/vyrodovalexey/avagate/internal/response"
)

// TracerName names the pipeline's tracer.
const TracerName = "github.com/vyrodovalexey/avagate/gateway"

// Authenticator resolves the caller of a request.
type Authenticator interface {
	Authenticate(ctx context.Context, rc *model.RequestContext) (*auth.Identity, error)
}

// Idempotency replays and records responses by idempotency key.
type Idempotency interface {
	Check(ctx context.Context, rc *model.RequestContext) (*model.GatewayResponse, error)
	Store(ctx context.Context, rc *model.RequestContext, resp *model.GatewayResponse)
	Release(ctx context.Context, rc *model.RequestContext)
}

// RateLimiter takes tokens from the caller's bucket.
type RateLimiter interface {
	Check(ctx context.Context, rc *model.RequestContext, cost int) (*ratelimit.Decision, error)
}

// Router maps a request to a route, then picks its backend.
type Router interface {
	Resolve(rc *model.RequestContext) (*model.RouteMatch, error)
	Select(rc *model.RequestContext, match *model.RouteMatch) error
}

// Authorizer enforces route access rules.
type Authorizer interface {
	Authorize(ctx context.Context, rc *model.RequestContext, match *model.RouteMatch) error
}

// Validator rejects malformed input.
type Validator interface {
	Validate(rc *model.RequestContext) error
}

// Executor calls the selected backend.
type Executor interface {
	Execute(ctx context.Context, rc *model.RequestContext, match *model.RouteMatch) (*model.GatewayResponse, error)
}

// Operations accepts async work and serves operation polls.
type Operations interface {
	MatchPoll(method, path string) (string, bool)
	Accept(ctx context.Context, rc *model.RequestContext, routeID string, run async.RunFunc) (*model.GatewayResponse, error)
	Poll(ctx context.Context, rc *model.RequestContext, id string) (*model.GatewayResponse, error)
}

// Stages are the components a Pipeline sequences. Every field is required.
type Stages struct {
	Auth        Authenticator
	Idempotency Idempotency
	RateLimit   RateLimiter
	Router      Router
	Authz       Authorizer
	Validator   Validator
	Executor    Executor
	Operations  Operations
	Formatter   *response.Formatter
	Events      *events.Publisher
}

// PipelineOption configures a Pipeline.
type PipelineOption func(*Pipeline)

// WithPipelineLogger sets the logger.
func WithPipelineLogger(logger observability.Logger) PipelineOption {
	return func(p *Pipeline) {
		p.logger = logger
	}
}

// WithTracerProvider sets the provider spans are started from.
func WithTracerProvider(tp trace.TracerProvider) PipelineOption {
	return func(p *Pipeline) {
		p.tracer = tp.Tracer(TracerName)
	}
}

// WithPipelineClock overrides the time source.
func WithPipelineClock(now func() time.Time) PipelineOption {
	return func(p *Pipeline) {
		p.now = now
	}
}

// Pipeline runs one request through every stage in order:
// authenticate, idempotency check, rate limit, route, authorize, validate,
// select a backend, execute (or accept as an async operation), store the
// idempotent response, format, publish.
type Pipeline struct {
	stages Stages
	logger observability.Logger
	tracer trace.Tracer
	now    func() time.Time
}

// NewPipeline creates a Pipeline.
func NewPipeline(stages Stages, opts ...PipelineOption) (*Pipeline, error) {
	if stages.Auth == nil || stages.Idempotency == nil || stages.RateLimit == nil ||
		stages.Router == nil || stages.Authz == nil || stages.Validator == nil ||
		stages.Executor == nil || stages.Operations == nil || stages.Formatter == nil ||
		stages.Events == nil {
		return nil, errors.New("pipeline: every stage is required")
	}

	p := &Pipeline{
		stages: stages,
		logger: observability.NopLogger(),
		tracer: otel.GetTracerProvider().Tracer(TracerName),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// outcome is what the stages learned about a request, for the formatter
// and the publisher.
type outcome struct {
	rateLimit *ratelimit.Decision
	route     *model.RouteDefinition
}

func (o *outcome) meta() response.Meta {
	return response.Meta{RateLimit: o.rateLimit, Route: o.route}
}

func (o *outcome) routeID() string {
	if o.route == nil {
		return ""
	}
	return o.route.ID
}

// Handle runs rc through the pipeline. It never fails: every error becomes
// a formatted error response.
func (p *Pipeline) Handle(ctx context.Context, rc *model.RequestContext) *model.GatewayResponse {
	start := p.now()

	ctx, span := p.tracer.Start(ctx, "gateway.request",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("http.request.method", rc.Method),
			attribute.String("url.path", rc.Path),
			attribute.String("gateway.request_id", rc.RequestID),
		),
	)
	defer span.End()

	// A recording span owns fresh ids; otherwise keep the generated ones.
	if span.IsRecording() {
		sc := span.SpanContext()
		rc.TraceID = sc.TraceID().String()
		rc.SpanID = sc.SpanID().String()
	}
	ctx = observability.ContextWithRequestID(ctx, rc.RequestID)
	ctx = observability.ContextWithTraceID(ctx, rc.TraceID)
	ctx = observability.ContextWithSpanID(ctx, rc.SpanID)

	out := &outcome{}
	resp, err := p.process(ctx, rc, out)

	if err != nil {
		resp = p.stages.Formatter.FormatError(rc, err, out.meta())
		gerr := apierror.From(err)
		span.SetStatus(codes.Error, gerr.Message)
		span.SetAttributes(attribute.String("gateway.error_code", string(gerr.Code)))
		if gerr.Status() >= 500 {
			p.logger.WithContext(ctx).Error("request failed",
				observability.String("code", string(gerr.Code)),
				observability.Error(err),
			)
		}
	} else {
		resp = p.stages.Formatter.Format(rc, resp, out.meta())
	}
	span.SetAttributes(
		attribute.Int("http.response.status_code", resp.Status),
		attribute.String("gateway.route_id", out.routeID()),
		attribute.String("gateway.consumer_id", rc.ConsumerID),
	)

	p.stages.Events.PublishRequest(ctx, events.RequestOutcome{
		Request:   rc,
		RouteID:   out.routeID(),
		Status:    resp.Status,
		Duration:  p.now().Sub(start),
		Err:       err,
		RateLimit: out.rateLimit,
	})
	return resp
}

func (p *Pipeline) process(ctx context.Context, rc *model.RequestContext, out *outcome) (*model.GatewayResponse, error) {
	id, err := p.stages.Auth.Authenticate(ctx, rc)
	if err != nil {
		return nil, err
	}
	rc.SetIdentity(id.Consumer, id.Scopes)
	ctx = observability.ContextWithConsumerID(ctx, rc.ConsumerID)

	cached, err := p.stages.Idempotency.Check(ctx, rc)
	if err != nil {
		return nil, err
	}
	if cached != nil {
		return cached, nil
	}

	resp, err := p.admitted(ctx, rc, out)
	if err != nil {
		p.stages.Idempotency.Release(ctx, rc)
		return nil, err
	}
	p.stages.Idempotency.Store(ctx, rc, resp)
	return resp, nil
}

// admitted runs the stages after the idempotency check. The in-flight
// idempotency lock, if any, is held for its whole duration.
func (p *Pipeline) admitted(ctx context.Context, rc *model.RequestContext, out *outcome) (*model.GatewayResponse, error) {
	match, routeErr := p.stages.Router.Resolve(rc)
	cost := 1
	if routeErr == nil {
		cost = match.Route.Cost()
	}
	decision, err := p.stages.RateLimit.Check(ctx, rc, cost)
	out.rateLimit = decision
	if err != nil {
		return nil, err
	}

	if opID, ok := p.stages.Operations.MatchPoll(rc.Method, rc.Path); ok {
		return p.stages.Operations.Poll(ctx, rc, opID)
	}

	if routeErr != nil {
		return nil, routeErr
	}
	out.route = match.Route

	if err := p.stages.Authz.Authorize(ctx, rc, match); err != nil {
		return nil, err
	}
	if err := p.stages.Validator.Validate(rc); err != nil {
		return nil, err
	}
	// Backend selection moves balancer state, so it waits for admission.
	if err := p.stages.Router.Select(rc, match); err != nil {
		return nil, err
	}

	if match.Route.Async {
		return p.stages.Operations.Accept(ctx, rc, match.Route.ID, func(ctx context.Context) (*model.GatewayResponse, error) {
			return p.stages.Executor.Execute(ctx, rc, match)
		})
	}
	return p.stages.Executor.Execute(ctx, rc, match)
}
