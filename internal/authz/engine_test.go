package authz

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/avagate/internal/apierror"
	"github.com/vyrodovalexey/avagate/internal/model"
)

func activeConsumer() *model.ConsumerProfile {
	return &model.ConsumerProfile{
		ID:         "c-1",
		Name:       "acme-bot",
		TenantID:   "acme",
		Status:     model.ConsumerActive,
		Roles:      []model.Role{model.RoleDeveloper},
		Scopes:     []string{"agents:read", "agents:write"},
		Attributes: map[string]string{"plan": "gold"},
	}
}

func newRequest(consumer *model.ConsumerProfile) *model.RequestContext {
	rc := &model.RequestContext{
		Method:   http.MethodGet,
		Path:     "/agents/42",
		Headers:  http.Header{},
		ClientIP: "10.1.2.3",
	}
	rc.SetIdentity(consumer, consumer.Scopes)
	return rc
}

func newMatch(route *model.RouteDefinition, params map[string]string) *model.RouteMatch {
	if route.ID == "" {
		route.ID = "agents"
	}
	return &model.RouteMatch{Route: route, PathParams: params}
}

func newEngine(t *testing.T, opts ...Option) *Engine {
	t.Helper()
	e, err := New(opts...)
	require.NoError(t, err)
	return e
}

func codeOf(t *testing.T, err error) apierror.Code {
	t.Helper()
	var gerr *apierror.GatewayError
	require.True(t, errors.As(err, &gerr), "expected GatewayError, got %v", err)
	return gerr.Code
}

// ============================================================
// Static checks
// ============================================================

func TestAuthorize_StaticChecks(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(c *model.ConsumerProfile, rc *model.RequestContext)
		route    model.RouteDefinition
		params   map[string]string
		wantCode apierror.Code
	}{
		{
			name:  "allowed with no requirements",
			route: model.RouteDefinition{},
		},
		{
			name:     "suspended consumer",
			mutate:   func(c *model.ConsumerProfile, _ *model.RequestContext) { c.Status = model.ConsumerSuspended },
			route:    model.RouteDefinition{},
			wantCode: apierror.CodeConsumerInactive,
		},
		{
			name:     "pending consumer",
			mutate:   func(c *model.ConsumerProfile, _ *model.RequestContext) { c.Status = model.ConsumerPending },
			route:    model.RouteDefinition{},
			wantCode: apierror.CodeConsumerInactive,
		},
		{
			name: "tenant header mismatch",
			mutate: func(_ *model.ConsumerProfile, rc *model.RequestContext) {
				rc.Headers.Set(HeaderTenantID, "globex")
			},
			route:    model.RouteDefinition{},
			wantCode: apierror.CodeTenantMismatch,
		},
		{
			name: "tenant header match",
			mutate: func(_ *model.ConsumerProfile, rc *model.RequestContext) {
				rc.Headers.Set(HeaderTenantID, "acme")
			},
			route: model.RouteDefinition{},
		},
		{
			name:     "tenant path param mismatch",
			route:    model.RouteDefinition{},
			params:   map[string]string{"tenant_id": "globex"},
			wantCode: apierror.CodeTenantMismatch,
		},
		{
			name:   "tenant path param match",
			route:  model.RouteDefinition{},
			params: map[string]string{"tenant_id": "acme"},
		},
		{
			name:  "scopes superset",
			route: model.RouteDefinition{RequiredScopes: []string{"agents:read"}},
		},
		{
			name:     "missing scope",
			route:    model.RouteDefinition{RequiredScopes: []string{"agents:read", "agents:delete"}},
			wantCode: apierror.CodeInsufficientScope,
		},
		{
			name:  "role meets minimum",
			route: model.RouteDefinition{MinRole: model.RoleGuest},
		},
		{
			name:  "role equals minimum",
			route: model.RouteDefinition{MinRole: model.RoleDeveloper},
		},
		{
			name:     "role below minimum",
			route:    model.RouteDefinition{MinRole: model.RoleAdmin},
			wantCode: apierror.CodeInsufficientRole,
		},
		{
			name:     "no roles",
			mutate:   func(c *model.ConsumerProfile, _ *model.RequestContext) { c.Roles = nil },
			route:    model.RouteDefinition{MinRole: model.RoleGuest},
			wantCode: apierror.CodeInsufficientRole,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			consumer := activeConsumer()
			rc := newRequest(consumer)
			if tt.mutate != nil {
				tt.mutate(consumer, rc)
			}
			route := tt.route

			err := newEngine(t).Authorize(context.Background(), rc, newMatch(&route, tt.params))
			if tt.wantCode == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Equal(t, tt.wantCode, codeOf(t, err))
			assert.Equal(t, http.StatusForbidden, apierror.From(err).Status())
		})
	}
}

func TestAuthorize_CheckOrder(t *testing.T) {
	consumer := activeConsumer()
	consumer.Status = model.ConsumerSuspended
	rc := newRequest(consumer)
	rc.Headers.Set(HeaderTenantID, "globex")

	route := model.RouteDefinition{RequiredScopes: []string{"nope"}, MinRole: model.RoleAdmin}
	err := newEngine(t).Authorize(context.Background(), rc, newMatch(&route, nil))
	assert.Equal(t, apierror.CodeConsumerInactive, codeOf(t, err))

	consumer.Status = model.ConsumerActive
	err = newEngine(t).Authorize(context.Background(), rc, newMatch(&route, nil))
	assert.Equal(t, apierror.CodeTenantMismatch, codeOf(t, err))

	rc.Headers.Del(HeaderTenantID)
	err = newEngine(t).Authorize(context.Background(), rc, newMatch(&route, nil))
	assert.Equal(t, apierror.CodeInsufficientScope, codeOf(t, err))
}

func TestAuthorize_MissingScopesDetail(t *testing.T) {
	rc := newRequest(activeConsumer())
	route := model.RouteDefinition{RequiredScopes: []string{"agents:read", "billing:read", "billing:write"}}

	err := newEngine(t).Authorize(context.Background(), rc, newMatch(&route, nil))
	gerr := apierror.From(err)
	require.NotNil(t, gerr)
	assert.Equal(t, []string{"billing:read", "billing:write"}, gerr.Details["missing_scopes"])
}

func TestAuthorize_DenialHook(t *testing.T) {
	var gotRoute string
	var gotCode apierror.Code
	e := newEngine(t, WithDenialHook(func(_ context.Context, _ *model.RequestContext, routeID string, err *apierror.GatewayError) {
		gotRoute = routeID
		gotCode = err.Code
	}))

	route := model.RouteDefinition{ID: "admin", MinRole: model.RoleAdmin}
	err := e.Authorize(context.Background(), newRequest(activeConsumer()), newMatch(&route, nil))
	require.Error(t, err)
	assert.Equal(t, "admin", gotRoute)
	assert.Equal(t, apierror.CodeInsufficientRole, gotCode)
}

// ============================================================
// CEL policies
// ============================================================

func TestAuthorize_CELPolicy(t *testing.T) {
	fixed := time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC)

	tests := []struct {
		name     string
		expr     string
		wantCode apierror.Code
	}{
		{name: "subject attribute", expr: `subject.attributes.plan == "gold"`},
		{name: "role list", expr: `"developer" in subject.roles`},
		{name: "request method and resource", expr: `action == "GET" && resource == "agents"`},
		{name: "path param", expr: `request.path_params.id == "42"`},
		{name: "ip range", expr: `ip_in_range(request.client_ip, "10.0.0.0/8")`},
		{name: "ip out of range", expr: `ip_in_range(request.client_ip, "192.168.0.0/16")`, wantCode: apierror.CodePolicyDenied},
		{name: "time window", expr: `now.getHours() >= 9 && now.getHours() < 17`},
		{name: "false expression", expr: `subject.tenant_id == "globex"`, wantCode: apierror.CodePolicyDenied},
		{name: "compile error denies", expr: `subject.(`, wantCode: apierror.CodePolicyDenied},
		{name: "non-bool result denies", expr: `subject.id`, wantCode: apierror.CodePolicyDenied},
		{name: "missing key denies", expr: `subject.attributes.region == "eu"`, wantCode: apierror.CodePolicyDenied},
	}

	e := newEngine(t, WithClock(func() time.Time { return fixed }))
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			route := model.RouteDefinition{Policy: &model.PolicyRef{Engine: EngineCEL, Expression: tt.expr}}
			err := e.Authorize(context.Background(), newRequest(activeConsumer()),
				newMatch(&route, map[string]string{"id": "42"}))
			if tt.wantCode == "" {
				assert.NoError(t, err)
				return
			}
			assert.Equal(t, tt.wantCode, codeOf(t, err))
		})
	}
}

func TestCELEvaluator_CachesPrograms(t *testing.T) {
	ev, err := NewCELEvaluator()
	require.NoError(t, err)

	require.NoError(t, ev.Compile(`action == "GET"`))
	require.Error(t, ev.Compile(`action ==`))
	assert.Len(t, ev.programs, 1)
}

// ============================================================
// Rego policies
// ============================================================

const regoModule = `package gateway.authz

default allow := false

allow if {
	input.subject.role == "developer"
	input.request.method == "GET"
}

allow if {
	"admin" in input.subject.roles
}
`

func TestAuthorize_RegoPolicy(t *testing.T) {
	e := newEngine(t)

	t.Run("allow", func(t *testing.T) {
		route := model.RouteDefinition{Policy: &model.PolicyRef{Engine: EngineRego, Module: regoModule}}
		err := e.Authorize(context.Background(), newRequest(activeConsumer()), newMatch(&route, nil))
		assert.NoError(t, err)
	})

	t.Run("deny", func(t *testing.T) {
		rc := newRequest(activeConsumer())
		rc.Method = http.MethodDelete
		route := model.RouteDefinition{Policy: &model.PolicyRef{Engine: EngineRego, Module: regoModule}}
		err := e.Authorize(context.Background(), rc, newMatch(&route, nil))
		assert.Equal(t, apierror.CodePolicyDenied, codeOf(t, err))
	})

	t.Run("custom query", func(t *testing.T) {
		route := model.RouteDefinition{Policy: &model.PolicyRef{
			Engine:     EngineRego,
			Expression: "data.gateway.authz.allow",
			Module:     regoModule,
		}}
		err := e.Authorize(context.Background(), newRequest(activeConsumer()), newMatch(&route, nil))
		assert.NoError(t, err)
	})

	t.Run("undefined query denies", func(t *testing.T) {
		route := model.RouteDefinition{Policy: &model.PolicyRef{
			Engine:     EngineRego,
			Expression: "data.gateway.authz.missing",
			Module:     regoModule,
		}}
		err := e.Authorize(context.Background(), newRequest(activeConsumer()), newMatch(&route, nil))
		assert.Equal(t, apierror.CodePolicyDenied, codeOf(t, err))
	})

	t.Run("syntax error denies", func(t *testing.T) {
		route := model.RouteDefinition{Policy: &model.PolicyRef{Engine: EngineRego, Module: "package broken\nallow if {"}}
		err := e.Authorize(context.Background(), newRequest(activeConsumer()), newMatch(&route, nil))
		assert.Equal(t, apierror.CodePolicyDenied, codeOf(t, err))
	})
}

// ============================================================
// External decision endpoint
// ============================================================

func TestAuthorize_HTTPPolicy(t *testing.T) {
	var gotInput map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Input map[string]any `json:"input"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		gotInput = body.Input

		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/v1/data/bool-allow":
			_, _ = w.Write([]byte(`{"result": true}`))
		case "/v1/data/object-allow":
			_, _ = w.Write([]byte(`{"result": {"allow": true, "reason": "ok"}}`))
		case "/v1/data/deny":
			_, _ = w.Write([]byte(`{"result": false}`))
		case "/v1/data/undefined":
			_, _ = w.Write([]byte(`{}`))
		case "/v1/data/garbage":
			_, _ = w.Write([]byte(`{"result": "yes"}`))
		default:
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	defer srv.Close()

	tests := []struct {
		path     string
		wantCode apierror.Code
	}{
		{path: "/v1/data/bool-allow"},
		{path: "/v1/data/object-allow"},
		{path: "/v1/data/deny", wantCode: apierror.CodePolicyDenied},
		{path: "/v1/data/undefined", wantCode: apierror.CodePolicyDenied},
		{path: "/v1/data/garbage", wantCode: apierror.CodePolicyDenied},
		{path: "/v1/data/broken", wantCode: apierror.CodePolicyDenied},
	}

	e := newEngine(t)
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			route := model.RouteDefinition{Policy: &model.PolicyRef{Engine: EngineHTTP, URL: srv.URL + tt.path}}
			err := e.Authorize(context.Background(), newRequest(activeConsumer()), newMatch(&route, nil))
			if tt.wantCode == "" {
				assert.NoError(t, err)
			} else {
				assert.Equal(t, tt.wantCode, codeOf(t, err))
			}
		})
	}

	require.NotNil(t, gotInput)
	assert.Equal(t, "agents", gotInput["resource"])
	subject, ok := gotInput["subject"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "c-1", subject["id"])
}

func TestAuthorize_HTTPPolicyUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	route := model.RouteDefinition{Policy: &model.PolicyRef{Engine: EngineHTTP, URL: url}}
	err := newEngine(t).Authorize(context.Background(), newRequest(activeConsumer()), newMatch(&route, nil))
	assert.Equal(t, apierror.CodePolicyDenied, codeOf(t, err))
}

func TestAuthorize_UnknownEngine(t *testing.T) {
	route := model.RouteDefinition{Policy: &model.PolicyRef{Engine: "xacml"}}
	err := newEngine(t).Authorize(context.Background(), newRequest(activeConsumer()), newMatch(&route, nil))
	assert.Equal(t, apierror.CodePolicyDenied, codeOf(t, err))
}

type stubEvaluator struct {
	allowed bool
	err     error
}

func (s stubEvaluator) Evaluate(context.Context, *model.PolicyRef, *Input) (bool, error) {
	return s.allowed, s.err
}

func TestAuthorize_EvaluatorErrorFailsSecure(t *testing.T) {
	e := newEngine(t, WithEvaluator(EngineCEL, stubEvaluator{allowed: true, err: errors.New("boom")}))
	route := model.RouteDefinition{Policy: &model.PolicyRef{Engine: EngineCEL, Expression: "true"}}

	err := e.Authorize(context.Background(), newRequest(activeConsumer()), newMatch(&route, nil))
	assert.Equal(t, apierror.CodePolicyDenied, codeOf(t, err))
}
