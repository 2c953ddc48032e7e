package model

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

// Strategy names a backend selection algorithm.
type Strategy string

// Load balancing strategies.
const (
	StrategyRoundRobin       Strategy = "round_robin"
	StrategyLeastConnections Strategy = "least_connections"
	StrategyRandom           Strategy = "random"
	StrategyWeighted         Strategy = "weighted"
	StrategyConsistentHash   Strategy = "consistent_hash"
)

// RetryPolicy controls backend retries for a route.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	// RetryOn lists the backend statuses that trigger a retry.
	RetryOn []int
}

// Retryable reports whether status is in the retry set.
func (p RetryPolicy) Retryable(status int) bool {
	for _, s := range p.RetryOn {
		if s == status {
			return true
		}
	}
	return false
}

// PolicyRef points at an attribute based policy evaluated for a route.
type PolicyRef struct {
	// Engine is one of "cel", "rego" or "http".
	Engine string
	// Expression is a CEL expression or a rego query.
	Expression string
	// Module is rego source when Engine is "rego".
	Module string
	// URL is the decision endpoint when Engine is "http".
	URL string
}

// RouteDefinition describes how a family of request paths is served.
type RouteDefinition struct {
	ID         string
	Pattern    string
	Methods    []string
	APIVersion string
	Deprecated bool
	Sunset     string

	Backends   []*BackendTarget
	Strategy   Strategy
	HashHeader string

	RequiredScopes []string
	MinRole        Role
	Policy         *PolicyRef

	TokenCost int
	Timeout   time.Duration
	Retry     RetryPolicy
	Async     bool
}

// AllowsMethod reports whether the route serves method. An empty method
// list serves every method.
func (r *RouteDefinition) AllowsMethod(method string) bool {
	if len(r.Methods) == 0 {
		return true
	}
	for _, m := range r.Methods {
		if strings.EqualFold(m, method) || m == "*" {
			return true
		}
	}
	return false
}

// Cost returns the number of rate limit tokens a request consumes.
func (r *RouteDefinition) Cost() int {
	if r.TokenCost < 1 {
		return 1
	}
	return r.TokenCost
}

// BackendTarget is one replica able to serve a route. Create targets with
// NewBackendTarget.
type BackendTarget struct {
	ServiceID string
	Host      string
	Port      int
	// Protocol is http, https or grpc.
	Protocol string
	Weight   int
	BasePath string

	healthy atomic.Bool
	// active is shared with the target this one replaced on reload, so
	// requests started before the reload release the same counter.
	active *atomic.Int64
}

// NewBackendTarget creates a target that starts healthy.
func NewBackendTarget(serviceID, host string, port int, protocol string) *BackendTarget {
	t := &BackendTarget{
		ServiceID: serviceID,
		Host:      host,
		Port:      port,
		Protocol:  protocol,
		Weight:    1,
		active:    new(atomic.Int64),
	}
	t.healthy.Store(true)
	return t
}

// Adopt takes over the health flag and in-flight counter of prev, the
// target b replaces. It must be called before b is visible to requests.
func (b *BackendTarget) Adopt(prev *BackendTarget) {
	b.healthy.Store(prev.Healthy())
	b.active = prev.active
}

// Healthy reports the last known health of the target.
func (b *BackendTarget) Healthy() bool {
	return b.healthy.Load()
}

// SetHealthy updates the health flag.
func (b *BackendTarget) SetHealthy(healthy bool) {
	b.healthy.Store(healthy)
}

// Acquire records a request in flight to the target.
func (b *BackendTarget) Acquire() {
	b.active.Add(1)
}

// Release records the end of a request started with Acquire.
func (b *BackendTarget) Release() {
	b.active.Add(-1)
}

// ActiveRequests returns the number of requests in flight.
func (b *BackendTarget) ActiveRequests() int64 {
	return b.active.Load()
}

// Key identifies the target across route reloads.
func (b *BackendTarget) Key() string {
	return b.ServiceID + "@" + b.Address()
}

// Address returns host:port.
func (b *BackendTarget) Address() string {
	return net.JoinHostPort(b.Host, strconv.Itoa(b.Port))
}

// Scheme returns the URL scheme used to reach the target.
func (b *BackendTarget) Scheme() string {
	if b.Protocol == "https" {
		return "https"
	}
	return "http"
}

// URL builds the upstream URL for path and rawQuery.
func (b *BackendTarget) URL(path, rawQuery string) string {
	base := strings.TrimSuffix(b.BasePath, "/")
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	u := fmt.Sprintf("%s://%s%s%s", b.Scheme(), b.Address(), base, path)
	if rawQuery != "" {
		u += "?" + rawQuery
	}
	return u
}

// RouteMatch is the result of routing: the matched route, the extracted
// path parameters and exactly one selected healthy backend. Backend is nil
// until the router's Select runs; the executor never sees such a match.
type RouteMatch struct {
	Route      *RouteDefinition
	Backend    *BackendTarget
	PathParams map[string]string
}
