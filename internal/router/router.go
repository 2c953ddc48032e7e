package router

import (
	"fmt"
	"sync"

	"github.com/vyrodovalexey/avagate/internal/apierror"
	"github.com/vyrodovalexey/avagate/internal/model"
	"github.com/vyrodovalexey/avagate/internal/observability"
)

// HeaderAPIVersion selects among versioned routes sharing a pattern.
const HeaderAPIVersion = "X-API-Version"

// compiledRoute is a route definition with its matcher and balancer.
type compiledRoute struct {
	def      *model.RouteDefinition
	pattern  *Pattern
	balancer Balancer
}

// Option configures a Router.
type Option func(*Router)

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) Option {
	return func(r *Router) {
		r.logger = logger
	}
}

// WithAvailability adds a check a target must pass, besides its health
// flag, to be selectable. The backend executor uses it to exclude targets
// whose circuit is open.
func WithAvailability(fn func(*model.BackendTarget) bool) Option {
	return func(r *Router) {
		r.available = fn
	}
}

// Router holds the route table.
type Router struct {
	mu        sync.RWMutex
	routes    []*compiledRoute
	logger    observability.Logger
	available func(*model.BackendTarget) bool
}

// New creates an empty Router.
func New(opts ...Option) *Router {
	r := &Router{
		logger:    observability.NopLogger(),
		available: func(*model.BackendTarget) bool { return true },
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Load replaces the route table. Health flags, in-flight counters and
// balancer state carry over for targets and routes that survive the reload. On error the previous
// table is kept.
func (r *Router) Load(defs []*model.RouteDefinition) error {
	compiled := make([]*compiledRoute, 0, len(defs))
	ids := make(map[string]bool, len(defs))
	for _, def := range defs {
		if ids[def.ID] {
			return fmt.Errorf("duplicate route id %q", def.ID)
		}
		ids[def.ID] = true

		p, err := CompilePattern(def.Pattern)
		if err != nil {
			return fmt.Errorf("route %q: %w", def.ID, err)
		}
		compiled = append(compiled, &compiledRoute{def: def, pattern: p})
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	previous := make(map[string]*compiledRoute, len(r.routes))
	targets := make(map[string]*model.BackendTarget)
	for _, cr := range r.routes {
		previous[cr.def.ID] = cr
		for _, t := range cr.def.Backends {
			targets[t.Key()] = t
		}
	}

	for _, cr := range compiled {
		for _, t := range cr.def.Backends {
			if prev, ok := targets[t.Key()]; ok && prev != t {
				t.Adopt(prev)
			}
		}
		if prev, ok := previous[cr.def.ID]; ok && prev.def.Strategy == cr.def.Strategy {
			cr.balancer = prev.balancer
		} else {
			cr.balancer = NewBalancer(cr.def.Strategy)
		}
	}

	r.routes = compiled
	r.logger.Info("route table loaded", observability.Int("routes", len(compiled)))
	return nil
}

// Routes returns the loaded definitions in registration order.
func (r *Router) Routes() []*model.RouteDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*model.RouteDefinition, len(r.routes))
	for i, cr := range r.routes {
		out[i] = cr.def
	}
	return out
}

// Targets returns every distinct backend target in the table.
func (r *Router) Targets() []*model.BackendTarget {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[*model.BackendTarget]bool)
	var out []*model.BackendTarget
	for _, cr := range r.routes {
		for _, t := range cr.def.Backends {
			if !seen[t] {
				seen[t] = true
				out = append(out, t)
			}
		}
	}
	return out
}

// Resolve finds the route for rc without selecting a backend, so nothing
// about balancer state changes. It fails with E9101 when nothing matches
// and E9102 when only other API versions match.
func (r *Router) Resolve(rc *model.RequestContext) (*model.RouteMatch, error) {
	cr, params, err := r.lookup(rc)
	if err != nil {
		return nil, err
	}
	return &model.RouteMatch{Route: cr.def, PathParams: params}, nil
}

// Select picks the backend for a match returned by Resolve. It fails with
// E9103 when the route has no selectable target and E9101 when the route
// was removed by a reload in between.
func (r *Router) Select(rc *model.RequestContext, match *model.RouteMatch) error {
	route := r.compiled(match.Route)
	if route == nil {
		return apierror.New(apierror.CodeRouteNotFound, "route not found").
			WithDetail("path", rc.Path)
	}

	healthy := make([]*model.BackendTarget, 0, len(route.def.Backends))
	for _, t := range route.def.Backends {
		if t.Healthy() && r.available(t) {
			healthy = append(healthy, t)
		}
	}
	if len(healthy) == 0 {
		return apierror.New(apierror.CodeReplicasUnavailable, "all replicas unavailable").
			WithDetail("route_id", route.def.ID)
	}

	match.Backend = route.balancer.Pick(healthy, hashKey(route.def, rc))
	return nil
}

// compiled finds the table entry for def, or for the route that replaced it.
func (r *Router) compiled(def *model.RouteDefinition) *compiledRoute {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var byID *compiledRoute
	for _, cr := range r.routes {
		if cr.def == def {
			return cr
		}
		if byID == nil && cr.def.ID == def.ID {
			byID = cr
		}
	}
	return byID
}

func (r *Router) lookup(rc *model.RequestContext) (*compiledRoute, map[string]string, error) {
	r.mu.RLock()
	routes := r.routes
	r.mu.RUnlock()

	version := rc.Headers.Get(HeaderAPIVersion)

	var (
		route       *compiledRoute
		params      map[string]string
		fallback    *compiledRoute
		fallbackPrm map[string]string
		otherFound  bool
	)
	for _, cr := range routes {
		if !cr.def.AllowsMethod(rc.Method) {
			continue
		}
		p, ok := cr.pattern.Match(rc.Path)
		if !ok {
			continue
		}
		if version == "" || cr.def.APIVersion == version {
			route, params = cr, p
			break
		}
		if cr.def.APIVersion == "" {
			if fallback == nil {
				fallback, fallbackPrm = cr, p
			}
			continue
		}
		otherFound = true
	}
	if route == nil {
		route, params = fallback, fallbackPrm
	}

	if route == nil {
		if otherFound {
			return nil, nil, apierror.New(apierror.CodeVersionNotFound, "api version not found").
				WithDetail("api_version", version)
		}
		return nil, nil, apierror.New(apierror.CodeRouteNotFound, "route not found").
			WithDetail("path", rc.Path)
	}
	return route, params, nil
}

// hashKey is the configured header value, else the consumer id, else the
// client IP.
func hashKey(def *model.RouteDefinition, rc *model.RequestContext) string {
	if def.HashHeader != "" {
		if v := rc.Headers.Get(def.HashHeader); v != "" {
			return v
		}
	}
	if rc.ConsumerID != "" {
		return rc.ConsumerID
	}
	return rc.ClientIP
}
