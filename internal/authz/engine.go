package authz

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/vyrodovalexey/avagate/internal/apierror"
	"github.com/vyrodovalexey/avagate/internal/model"
	"github.com/vyrodovalexey/avagate/internal/observability"
)

// HeaderTenantID selects the tenant a request acts on.
const HeaderTenantID = "X-Tenant-ID"

// PathParamTenantID is the path parameter that carries a tenant.
const PathParamTenantID = "tenant_id"

// Policy engine names.
const (
	EngineCEL  = "cel"
	EngineRego = "rego"
	EngineHTTP = "http"
)

// Input is the document a policy evaluator sees.
type Input struct {
	Subject     map[string]any `json:"subject"`
	Request     map[string]any `json:"request"`
	Resource    string         `json:"resource"`
	Action      string         `json:"action"`
	Environment map[string]any `json:"environment"`
	Now         time.Time      `json:"now"`
}

// Map returns the input as a generic document.
func (in *Input) Map() map[string]any {
	return map[string]any{
		"subject":     in.Subject,
		"request":     in.Request,
		"resource":    in.Resource,
		"action":      in.Action,
		"environment": in.Environment,
		"now":         in.Now.UTC().Format(time.RFC3339Nano),
	}
}

// Evaluator evaluates one attribute policy.
type Evaluator interface {
	Evaluate(ctx context.Context, policy *model.PolicyRef, input *Input) (bool, error)
}

// DenialHook observes authorization denials.
type DenialHook func(ctx context.Context, rc *model.RequestContext, routeID string, err *apierror.GatewayError)

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// WithEvaluator registers an evaluator for an engine name, replacing the
// built-in one.
func WithEvaluator(engine string, ev Evaluator) Option {
	return func(e *Engine) {
		e.evaluators[engine] = ev
	}
}

// WithDenialHook registers a callback invoked on every denial.
func WithDenialHook(hook DenialHook) Option {
	return func(e *Engine) {
		e.onDeny = hook
	}
}

// WithEnvironment sets static attributes exposed to policies as environment.
func WithEnvironment(env map[string]any) Option {
	return func(e *Engine) {
		e.environment = env
	}
}

// Engine is the authorization stage of the pipeline.
type Engine struct {
	evaluators  map[string]Evaluator
	environment map[string]any
	onDeny      DenialHook
	logger      observability.Logger
	now         func() time.Time
}

// New creates an Engine with the CEL, Rego and HTTP evaluators installed.
func New(opts ...Option) (*Engine, error) {
	e := &Engine{
		evaluators: make(map[string]Evaluator, 3),
		logger:     observability.NopLogger(),
		now:        time.Now,
	}

	for _, opt := range opts {
		opt(e)
	}

	if _, ok := e.evaluators[EngineCEL]; !ok {
		cel, err := NewCELEvaluator()
		if err != nil {
			return nil, fmt.Errorf("failed to create CEL evaluator: %w", err)
		}
		e.evaluators[EngineCEL] = cel
	}
	if _, ok := e.evaluators[EngineRego]; !ok {
		e.evaluators[EngineRego] = NewRegoEvaluator()
	}
	if _, ok := e.evaluators[EngineHTTP]; !ok {
		e.evaluators[EngineHTTP] = NewHTTPEvaluator(WithHTTPLogger(e.logger))
	}

	return e, nil
}

// Authorize returns nil when the identity on rc may call the matched route.
func (e *Engine) Authorize(ctx context.Context, rc *model.RequestContext, match *model.RouteMatch) error {
	gerr := e.authorize(ctx, rc, match)
	if gerr == nil {
		return nil
	}

	routeID := ""
	if match != nil && match.Route != nil {
		routeID = match.Route.ID
	}
	e.logger.WithContext(ctx).Info("authorization denied",
		observability.String("consumer_id", rc.ConsumerID),
		observability.String("route_id", routeID),
		observability.String("code", string(gerr.Code)),
	)
	if e.onDeny != nil {
		e.onDeny(ctx, rc, routeID, gerr)
	}
	return gerr
}

func (e *Engine) authorize(ctx context.Context, rc *model.RequestContext, match *model.RouteMatch) *apierror.GatewayError {
	consumer := rc.Consumer
	if consumer == nil {
		return apierror.New(apierror.CodeConsumerInactive, "no authenticated consumer")
	}
	if !consumer.IsActive() {
		return apierror.Newf(apierror.CodeConsumerInactive, "consumer is %s", consumer.Status).
			WithDetail("status", string(consumer.Status))
	}

	route := match.Route

	if tenant := RequestedTenant(rc, match); tenant != "" && tenant != consumer.TenantID {
		return apierror.New(apierror.CodeTenantMismatch, "cross-tenant access denied").
			WithDetail("tenant_id", tenant)
	}

	if missing := missingScopes(rc.Scopes, route.RequiredScopes); len(missing) > 0 {
		return apierror.New(apierror.CodeInsufficientScope, "insufficient scope").
			WithDetail("missing_scopes", missing)
	}

	if route.MinRole != "" && consumer.HighestRole().Rank() < route.MinRole.Rank() {
		return apierror.Newf(apierror.CodeInsufficientRole, "role %s required", route.MinRole).
			WithDetail("required_role", string(route.MinRole))
	}

	if route.Policy != nil {
		return e.evaluatePolicy(ctx, rc, match)
	}
	return nil
}

func (e *Engine) evaluatePolicy(ctx context.Context, rc *model.RequestContext, match *model.RouteMatch) *apierror.GatewayError {
	policy := match.Route.Policy
	ev, ok := e.evaluators[policy.Engine]
	if !ok {
		return apierror.Newf(apierror.CodePolicyDenied, "unknown policy engine %q", policy.Engine)
	}

	allowed, err := ev.Evaluate(ctx, policy, e.buildInput(rc, match))
	if err != nil {
		e.logger.WithContext(ctx).Warn("policy evaluation failed",
			observability.String("engine", policy.Engine),
			observability.String("route_id", match.Route.ID),
			observability.Error(err),
		)
		return apierror.Wrap(apierror.CodePolicyDenied, "policy evaluation failed", err)
	}
	if !allowed {
		return apierror.New(apierror.CodePolicyDenied, "denied by policy")
	}
	return nil
}

func (e *Engine) buildInput(rc *model.RequestContext, match *model.RouteMatch) *Input {
	consumer := rc.Consumer

	roles := make([]any, 0, len(consumer.Roles))
	for _, r := range consumer.Roles {
		roles = append(roles, string(r))
	}
	attrs := make(map[string]any, len(consumer.Attributes))
	for k, v := range consumer.Attributes {
		attrs[k] = v
	}
	headers := make(map[string]any, len(rc.Headers))
	for k := range rc.Headers {
		headers[strings.ToLower(k)] = rc.Headers.Get(k)
	}
	params := make(map[string]any, len(match.PathParams))
	for k, v := range match.PathParams {
		params[k] = v
	}
	query := make(map[string]any, len(rc.Query))
	for k := range rc.Query {
		query[k] = rc.Query.Get(k)
	}

	env := map[string]any{}
	for k, v := range e.environment {
		env[k] = v
	}

	return &Input{
		Subject: map[string]any{
			"id":         consumer.ID,
			"name":       consumer.Name,
			"tenant_id":  consumer.TenantID,
			"roles":      roles,
			"role":       string(consumer.HighestRole()),
			"scopes":     toAnySlice(rc.Scopes),
			"attributes": attrs,
		},
		Request: map[string]any{
			"method":      rc.Method,
			"path":        rc.Path,
			"client_ip":   rc.ClientIP,
			"headers":     headers,
			"query":       query,
			"path_params": params,
			"tenant_id":   RequestedTenant(rc, match),
		},
		Resource:    match.Route.ID,
		Action:      rc.Method,
		Environment: env,
		Now:         e.now(),
	}
}

// RequestedTenant returns the tenant a request names through the tenant
// header or path parameter, or "" if it names none.
func RequestedTenant(rc *model.RequestContext, match *model.RouteMatch) string {
	if rc.Headers != nil {
		if t := strings.TrimSpace(rc.Headers.Get(HeaderTenantID)); t != "" {
			return t
		}
	}
	if match != nil {
		return match.PathParams[PathParamTenantID]
	}
	return ""
}

func missingScopes(have, required []string) []string {
	if len(required) == 0 {
		return nil
	}
	held := make(map[string]struct{}, len(have))
	for _, s := range have {
		held[s] = struct{}{}
	}
	var missing []string
	for _, s := range required {
		if _, ok := held[s]; !ok {
			missing = append(missing, s)
		}
	}
	return missing
}

func toAnySlice(in []string) []any {
	out := make([]any, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}
