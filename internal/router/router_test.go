package router

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/vyrodovalexey/avagate/internal/apierror"
	"github.com/vyrodovalexey/avagate/internal/model"
)

func target(id string, port int) *model.BackendTarget {
	return model.NewBackendTarget(id, "10.0.0.1", port, "http")
}

func request(method, path string) *model.RequestContext {
	return &model.RequestContext{Method: method, Path: path, Headers: http.Header{}, ClientIP: "192.0.2.10"}
}

func codeOf(err error) apierror.Code {
	return apierror.From(err).Code
}

// ============================================================================
// Patterns
// ============================================================================

func TestCompilePattern(t *testing.T) {
	tests := []struct {
		pattern    string
		path       string
		wantMatch  bool
		wantParams map[string]string
	}{
		{"/v1/users/{id}", "/v1/users/42", true, map[string]string{"id": "42"}},
		{"/v1/users/{id}", "/v1/users/42/orders", false, nil},
		{"/v1/users/{id}", "/v1/users/", false, nil},
		{"/v1/{tenant_id}/orders/{order}", "/v1/t1/orders/o-9", true, map[string]string{"tenant_id": "t1", "order": "o-9"}},
		{"/static/*.css", "/static/site.css", true, map[string]string{}},
		{"/static/*.css", "/static/a/site.css", false, nil},
		{"/files/**", "/files/a/b/c.txt", true, map[string]string{}},
		{"/files/**", "/files/", true, map[string]string{}},
		{"/v1.0/health", "/v1x0/health", false, nil},
		{"/v1/items", "/v1/items", true, map[string]string{}},
		{"/v1/items", "/v1/items/", false, nil},
	}

	for _, tt := range tests {
		t.Run(tt.pattern+" "+tt.path, func(t *testing.T) {
			p, err := CompilePattern(tt.pattern)
			require.NoError(t, err)
			params, ok := p.Match(tt.path)
			assert.Equal(t, tt.wantMatch, ok)
			if tt.wantMatch {
				assert.Equal(t, tt.wantParams, params)
			}
		})
	}
}

func TestCompilePattern_Invalid(t *testing.T) {
	for _, p := range []string{"v1/users", "/users/{id", "/users/{}", "/users/{1x}", "/a/{id}/{id}", "/a/}"} {
		_, err := CompilePattern(p)
		assert.Error(t, err, p)
	}
}

func TestPattern_SegmentParamNeverSpansSlash(t *testing.T) {
	p, err := CompilePattern("/v1/users/{id}")
	require.NoError(t, err)

	rapid.Check(t, func(t *rapid.T) {
		seg := rapid.StringMatching(`[a-zA-Z0-9_\-.]{1,12}`).Draw(t, "segment")
		params, ok := p.Match("/v1/users/" + seg)
		if !ok || params["id"] != seg {
			t.Fatalf("expected %q to match as id", seg)
		}
		if _, ok := p.Match("/v1/users/" + seg + "/" + seg); ok {
			t.Fatalf("nested path must not match")
		}
	})
}

// ============================================================================
// Matching
// ============================================================================

func newRouter(t *testing.T, defs ...*model.RouteDefinition) *Router {
	t.Helper()
	r := New()
	require.NoError(t, r.Load(defs))
	return r
}

// routeRequest resolves and selects in one step.
func routeRequest(r *Router, rc *model.RequestContext) (*model.RouteMatch, error) {
	m, err := r.Resolve(rc)
	if err != nil {
		return nil, err
	}
	if err := r.Select(rc, m); err != nil {
		return nil, err
	}
	return m, nil
}

func TestMatch_FirstMatchWinsAndMethodFilter(t *testing.T) {
	r := newRouter(t,
		&model.RouteDefinition{ID: "create", Pattern: "/orders", Methods: []string{"POST"}, Backends: []*model.BackendTarget{target("w", 1)}},
		&model.RouteDefinition{ID: "any", Pattern: "/orders", Backends: []*model.BackendTarget{target("r", 2)}},
		&model.RouteDefinition{ID: "one", Pattern: "/orders/{id}", Backends: []*model.BackendTarget{target("r", 2)}},
	)

	m, err := routeRequest(r, request(http.MethodPost, "/orders"))
	require.NoError(t, err)
	assert.Equal(t, "create", m.Route.ID)

	m, err = routeRequest(r, request(http.MethodGet, "/orders"))
	require.NoError(t, err)
	assert.Equal(t, "any", m.Route.ID)

	m, err = routeRequest(r, request(http.MethodGet, "/orders/7"))
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"id": "7"}, m.PathParams)

	_, err = routeRequest(r, request(http.MethodGet, "/invoices"))
	assert.Equal(t, apierror.CodeRouteNotFound, codeOf(err))
	assert.Equal(t, http.StatusNotFound, apierror.From(err).Status())
}

func TestMatch_APIVersion(t *testing.T) {
	r := newRouter(t,
		&model.RouteDefinition{ID: "v2", Pattern: "/orders", APIVersion: "2", Backends: []*model.BackendTarget{target("v2", 2)}},
		&model.RouteDefinition{ID: "v1", Pattern: "/orders", APIVersion: "1", Backends: []*model.BackendTarget{target("v1", 1)}},
		&model.RouteDefinition{ID: "beta", Pattern: "/beta", APIVersion: "3", Backends: []*model.BackendTarget{target("b", 3)}},
		&model.RouteDefinition{ID: "plain", Pattern: "/plain", Backends: []*model.BackendTarget{target("p", 4)}},
	)

	rc := request(http.MethodGet, "/orders")
	rc.Headers.Set(HeaderAPIVersion, "1")
	m, err := routeRequest(r, rc)
	require.NoError(t, err)
	assert.Equal(t, "v1", m.Route.ID)

	m, err = routeRequest(r, request(http.MethodGet, "/orders"))
	require.NoError(t, err)
	assert.Equal(t, "v2", m.Route.ID)

	rc = request(http.MethodGet, "/beta")
	rc.Headers.Set(HeaderAPIVersion, "9")
	_, err = routeRequest(r, rc)
	assert.Equal(t, apierror.CodeVersionNotFound, codeOf(err))

	rc = request(http.MethodGet, "/plain")
	rc.Headers.Set(HeaderAPIVersion, "9")
	m, err = routeRequest(r, rc)
	require.NoError(t, err)
	assert.Equal(t, "plain", m.Route.ID)
}

func TestMatch_NoHealthyReplica(t *testing.T) {
	a, b := target("a", 1), target("b", 2)
	open := map[*model.BackendTarget]bool{}
	r := New(WithAvailability(func(t *model.BackendTarget) bool { return !open[t] }))
	require.NoError(t, r.Load([]*model.RouteDefinition{{ID: "r", Pattern: "/x", Backends: []*model.BackendTarget{a, b}}}))

	a.SetHealthy(false)
	m, err := routeRequest(r, request(http.MethodGet, "/x"))
	require.NoError(t, err)
	assert.Same(t, b, m.Backend)

	open[b] = true
	_, err = routeRequest(r, request(http.MethodGet, "/x"))
	assert.Equal(t, apierror.CodeReplicasUnavailable, codeOf(err))
	assert.Equal(t, http.StatusServiceUnavailable, apierror.From(err).Status())
}

func TestResolve_IgnoresBackendHealth(t *testing.T) {
	a := target("a", 1)
	r := newRouter(t, &model.RouteDefinition{ID: "r", Pattern: "/x/{id}", TokenCost: 5, Backends: []*model.BackendTarget{a}})
	a.SetHealthy(false)

	m, err := r.Resolve(request(http.MethodGet, "/x/9"))
	require.NoError(t, err)
	assert.Equal(t, "r", m.Route.ID)
	assert.Equal(t, 5, m.Route.Cost())
	assert.Equal(t, "9", m.PathParams["id"])
	assert.Nil(t, m.Backend)

	_, err = r.Resolve(request(http.MethodGet, "/y"))
	assert.Equal(t, apierror.CodeRouteNotFound, codeOf(err))
}

func TestResolve_DoesNotAdvanceRoundRobin(t *testing.T) {
	a, b := target("a", 1), target("b", 2)
	r := newRouter(t, &model.RouteDefinition{ID: "r", Pattern: "/x", Backends: []*model.BackendTarget{a, b}})

	for i := 0; i < 3; i++ {
		_, err := r.Resolve(request(http.MethodGet, "/x"))
		require.NoError(t, err)
	}

	first, err := routeRequest(r, request(http.MethodGet, "/x"))
	require.NoError(t, err)
	second, err := routeRequest(r, request(http.MethodGet, "/x"))
	require.NoError(t, err)
	assert.NotSame(t, first.Backend, second.Backend)
	assert.Same(t, a, first.Backend)
}

func TestSelect_RouteRemovedByReload(t *testing.T) {
	r := newRouter(t, &model.RouteDefinition{ID: "r", Pattern: "/x", Backends: []*model.BackendTarget{target("a", 1)}})
	m, err := r.Resolve(request(http.MethodGet, "/x"))
	require.NoError(t, err)

	require.NoError(t, r.Load([]*model.RouteDefinition{{ID: "other", Pattern: "/y", Backends: []*model.BackendTarget{target("a", 1)}}}))

	err = r.Select(request(http.MethodGet, "/x"), m)
	assert.Equal(t, apierror.CodeRouteNotFound, codeOf(err))
}

func TestLoad_CarriesHealthAcrossReload(t *testing.T) {
	r := New()
	old := target("svc", 1)
	require.NoError(t, r.Load([]*model.RouteDefinition{{ID: "r", Pattern: "/x", Backends: []*model.BackendTarget{old}}}))
	old.SetHealthy(false)

	fresh := target("svc", 1)
	require.NoError(t, r.Load([]*model.RouteDefinition{{ID: "r", Pattern: "/x", Backends: []*model.BackendTarget{fresh}}}))
	assert.False(t, fresh.Healthy())
	assert.Len(t, r.Targets(), 1)
}

func TestLoad_CarriesInFlightCountAcrossReload(t *testing.T) {
	r := New()
	old := target("svc", 1)
	require.NoError(t, r.Load([]*model.RouteDefinition{{ID: "r", Pattern: "/x", Backends: []*model.BackendTarget{old}}}))
	old.Acquire()
	old.Acquire()

	fresh := target("svc", 1)
	require.NoError(t, r.Load([]*model.RouteDefinition{{ID: "r", Pattern: "/x", Backends: []*model.BackendTarget{fresh}}}))
	assert.Equal(t, int64(2), fresh.ActiveRequests())

	old.Release()
	assert.Equal(t, int64(1), fresh.ActiveRequests())
	fresh.Release()
	assert.Equal(t, int64(0), old.ActiveRequests())
}

func TestLoad_RejectsInvalidTable(t *testing.T) {
	r := newRouter(t, &model.RouteDefinition{ID: "r", Pattern: "/x", Backends: []*model.BackendTarget{target("a", 1)}})

	err := r.Load([]*model.RouteDefinition{
		{ID: "dup", Pattern: "/a"},
		{ID: "dup", Pattern: "/b"},
	})
	assert.Error(t, err)
	assert.Error(t, r.Load([]*model.RouteDefinition{{ID: "bad", Pattern: "/{"}}))
	assert.Len(t, r.Routes(), 1)
}

// ============================================================================
// Balancers
// ============================================================================

func TestRoundRobin(t *testing.T) {
	targets := []*model.BackendTarget{target("a", 1), target("b", 2), target("c", 3)}
	b := &RoundRobin{}

	var got []*model.BackendTarget
	for i := 0; i < 6; i++ {
		got = append(got, b.Pick(targets, ""))
	}
	assert.Equal(t, append(append([]*model.BackendTarget{}, targets...), targets...), got)
}

func TestLeastConnections(t *testing.T) {
	a, b, c := target("a", 1), target("b", 2), target("c", 3)
	a.Acquire()
	a.Acquire()
	b.Acquire()

	lc := LeastConnections{}
	assert.Same(t, c, lc.Pick([]*model.BackendTarget{a, b, c}, ""))

	c.Acquire()
	c.Acquire()
	assert.Same(t, b, lc.Pick([]*model.BackendTarget{a, b, c}, ""))

	a.Release()
	a.Release()
	assert.Same(t, a, lc.Pick([]*model.BackendTarget{a, b, c}, ""))
	assert.Equal(t, int64(0), a.ActiveRequests())
}

func TestRandomAndWeightedStayInSet(t *testing.T) {
	a, b := target("a", 1), target("b", 2)
	b.Weight = 0
	targets := []*model.BackendTarget{a, b}
	for i := 0; i < 50; i++ {
		assert.Contains(t, targets, Random{}.Pick(targets, ""))
		assert.Contains(t, targets, Weighted{}.Pick(targets, ""))
	}
}

func TestWeighted_Distribution(t *testing.T) {
	heavy, light := target("heavy", 1), target("light", 2)
	heavy.Weight = 9
	light.Weight = 1

	counts := map[*model.BackendTarget]int{}
	for i := 0; i < 5000; i++ {
		counts[Weighted{}.Pick([]*model.BackendTarget{heavy, light}, "")]++
	}
	assert.Greater(t, counts[heavy], counts[light]*4)
}

func TestConsistentHash_Properties(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(2, 8).Draw(t, "targets")
		targets := make([]*model.BackendTarget, n)
		for i := range targets {
			targets[i] = target("svc", 8000+i)
		}
		key := rapid.String().Draw(t, "key")

		first := ConsistentHash{}.Pick(targets, key)
		for i := 0; i < 3; i++ {
			if got := (ConsistentHash{}).Pick(targets, key); got != first {
				t.Fatalf("key %q moved from %s to %s", key, first.Key(), got.Key())
			}
		}

		// Removing a target that does not own the key leaves it in place.
		drop := rapid.IntRange(0, n-1).Draw(t, "drop")
		if targets[drop] == first {
			return
		}
		rest := append(append([]*model.BackendTarget{}, targets[:drop]...), targets[drop+1:]...)
		if got := (ConsistentHash{}).Pick(rest, key); got != first {
			t.Fatalf("key %q moved after removing an unrelated target", key)
		}
	})
}

func TestConsistentHash_SpreadsKeys(t *testing.T) {
	targets := []*model.BackendTarget{target("svc", 1), target("svc", 2), target("svc", 3)}
	seen := map[*model.BackendTarget]bool{}
	for _, k := range []string{"alice", "bob", "carol", "dave", "erin", "frank", "grace", "heidi", "ivan", "judy"} {
		seen[ConsistentHash{}.Pick(targets, k)] = true
	}
	assert.Greater(t, len(seen), 1)
}

func TestMatch_ConsistentHashUsesHeader(t *testing.T) {
	targets := []*model.BackendTarget{target("svc", 1), target("svc", 2), target("svc", 3)}
	r := newRouter(t, &model.RouteDefinition{
		ID: "r", Pattern: "/carts/{id}", Strategy: model.StrategyConsistentHash,
		HashHeader: "X-Cart-ID", Backends: targets,
	})

	rc := request(http.MethodGet, "/carts/1")
	rc.Headers.Set("X-Cart-ID", "cart-77")
	first, err := routeRequest(r, rc)
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		m, err := routeRequest(r, rc)
		require.NoError(t, err)
		assert.Same(t, first.Backend, m.Backend)
	}
	assert.Same(t, ConsistentHash{}.Pick(targets, "cart-77"), first.Backend)
}
