package circuitbreaker

import (
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/vyrodovalexey/avagate/internal/observability"
)

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) Option {
	return func(r *Registry) {
		r.logger = logger
	}
}

// WithClock overrides the time source of every breaker.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		r.now = now
	}
}

// WithRandom overrides the source used to shed traffic while recovering.
// fn must return values in [0, 1).
func WithRandom(fn func() float64) Option {
	return func(r *Registry) {
		r.random = fn
	}
}

// WithTransitionHook registers fn to observe every state change.
func WithTransitionHook(fn func(Transition)) Option {
	return func(r *Registry) {
		r.hooks = append(r.hooks, fn)
	}
}

// Registry holds one breaker per backend target.
type Registry struct {
	breakers sync.Map
	settings Settings
	logger   observability.Logger
	now      func() time.Time
	random   func() float64
	hooks    []func(Transition)
}

// NewRegistry creates a registry whose breakers share settings.
func NewRegistry(settings Settings, opts ...Option) *Registry {
	r := &Registry{
		settings: settings,
		logger:   observability.NopLogger(),
		now:      time.Now,
		random:   rand.Float64,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Get returns the breaker for name, creating it on first use.
func (r *Registry) Get(name string) *Breaker {
	if v, ok := r.breakers.Load(name); ok {
		return v.(*Breaker)
	}
	b := newBreaker(name, r.settings, r.now, r.random, r.onTransition)
	actual, loaded := r.breakers.LoadOrStore(name, b)
	if !loaded {
		r.logger.Debug("created circuit breaker", observability.String("name", name))
	}
	return actual.(*Breaker)
}

// IsOpen reports whether the breaker for name exists and is open.
func (r *Registry) IsOpen(name string) bool {
	v, ok := r.breakers.Load(name)
	if !ok {
		return false
	}
	return v.(*Breaker).State() == StateOpen
}

// Snapshots returns the state of every breaker sorted by name.
func (r *Registry) Snapshots() []Snapshot {
	var out []Snapshot
	r.breakers.Range(func(_, v any) bool {
		out = append(out, v.(*Breaker).Snapshot())
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (r *Registry) onTransition(t Transition) {
	r.logger.Warn("circuit breaker state changed",
		observability.String("name", t.Name),
		observability.String("from", t.From.String()),
		observability.String("to", t.To.String()),
	)
	for _, h := range r.hooks {
		h(t)
	}
}
