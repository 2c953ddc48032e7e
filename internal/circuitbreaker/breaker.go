// Package circuitbreaker implements a per-backend circuit breaker with a
// gradual recovery phase.
//
// A breaker moves CLOSED → OPEN when the error rate over a rolling window
// crosses the threshold, OPEN → HALF_OPEN after the open timeout,
// HALF_OPEN → RECOVERING after enough consecutive probe successes, and
// RECOVERING → CLOSED once the traffic ramp reaches 100%. Any failure in
// HALF_OPEN or RECOVERING reopens the circuit.
package circuitbreaker

import (
	"errors"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/vyrodovalexey/avagate/internal/config"
)

// State represents the state of a circuit breaker.
type State int

const (
	// StateClosed passes all requests.
	StateClosed State = iota
	// StateOpen rejects all requests.
	StateOpen
	// StateHalfOpen passes requests as probes.
	StateHalfOpen
	// StateRecovering passes a linearly growing share of requests.
	StateRecovering
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	case StateRecovering:
		return "recovering"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is returned when a request is not admitted.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// Transition describes a state change.
type Transition struct {
	Name string
	From State
	To   State
	At   time.Time
}

// Settings are the breaker thresholds.
type Settings struct {
	ErrorRateThreshold       float64
	MinRequests              int
	Window                   time.Duration
	OpenTimeout              time.Duration
	HalfOpenSuccessThreshold int
	RampUpDuration           time.Duration
	InitialRampPercent       float64
}

// SettingsFromConfig converts the config section, filling unset values.
func SettingsFromConfig(cfg config.CircuitBreakerConfig) Settings {
	s := Settings{
		ErrorRateThreshold:       cfg.ErrorRateThreshold,
		MinRequests:              cfg.MinRequestsThreshold,
		Window:                   cfg.Window.Duration(),
		OpenTimeout:              cfg.OpenTimeout.Duration(),
		HalfOpenSuccessThreshold: cfg.HalfOpenSuccessThreshold,
		RampUpDuration:           cfg.RampUpDuration.Duration(),
		InitialRampPercent:       cfg.InitialRampPercent,
	}
	if s.ErrorRateThreshold <= 0 {
		s.ErrorRateThreshold = 0.5
	}
	if s.MinRequests <= 0 {
		s.MinRequests = 10
	}
	if s.OpenTimeout <= 0 {
		s.OpenTimeout = 30 * time.Second
	}
	if s.HalfOpenSuccessThreshold <= 0 {
		s.HalfOpenSuccessThreshold = 3
	}
	if s.InitialRampPercent <= 0 || s.InitialRampPercent > 100 {
		s.InitialRampPercent = 10
	}
	return s
}

// Snapshot is a point in time view of a breaker.
type Snapshot struct {
	Name        string    `json:"name"`
	State       string    `json:"state"`
	Requests    int       `json:"requests"`
	Failures    int       `json:"failures"`
	RampPercent float64   `json:"ramp_percent"`
	Since       time.Time `json:"since"`
}

// Breaker is a single circuit. All methods are safe for concurrent use.
type Breaker struct {
	name     string
	settings Settings
	now      func() time.Time
	random   func() float64
	notify   func(Transition)

	mu                sync.Mutex
	state             State
	since             time.Time
	windowStart       time.Time
	requests          int
	failures          int
	halfOpenSuccesses int
}

func newBreaker(name string, settings Settings, now func() time.Time, random func() float64, notify func(Transition)) *Breaker {
	t := now()
	return &Breaker{
		name:        name,
		settings:    settings,
		now:         now,
		random:      random,
		notify:      notify,
		state:       StateClosed,
		since:       t,
		windowStart: t,
	}
}

// New creates a standalone breaker.
func New(name string, settings Settings) *Breaker {
	return newBreaker(name, settings, time.Now, rand.Float64, func(Transition) {})
}

// Name returns the breaker name.
func (b *Breaker) Name() string {
	return b.name
}

// Allow reports whether a request may proceed. It returns ErrCircuitOpen
// when the circuit is open or a recovering circuit sheds the request.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	now := b.now()
	var fired []Transition
	defer func() {
		b.mu.Unlock()
		b.fire(fired)
	}()

	fired = b.advance(now, fired)

	switch b.state {
	case StateOpen:
		return ErrCircuitOpen
	case StateRecovering:
		if b.random()*100 >= b.rampPercent(now) {
			return ErrCircuitOpen
		}
	}
	return nil
}

// RecordSuccess records a successful backend call.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	now := b.now()
	var fired []Transition
	defer func() {
		b.mu.Unlock()
		b.fire(fired)
	}()

	fired = b.advance(now, fired)

	switch b.state {
	case StateClosed:
		b.requests++
	case StateHalfOpen:
		b.halfOpenSuccesses++
		if b.halfOpenSuccesses >= b.settings.HalfOpenSuccessThreshold {
			fired = b.transition(StateRecovering, now, fired)
		}
	case StateRecovering:
		if b.rampPercent(now) >= 100 {
			fired = b.transition(StateClosed, now, fired)
		}
	}
}

// RecordFailure records a failed backend call.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	now := b.now()
	var fired []Transition
	defer func() {
		b.mu.Unlock()
		b.fire(fired)
	}()

	fired = b.advance(now, fired)

	switch b.state {
	case StateClosed:
		b.requests++
		b.failures++
		if b.requests >= b.settings.MinRequests &&
			float64(b.failures)/float64(b.requests) >= b.settings.ErrorRateThreshold {
			fired = b.transition(StateOpen, now, fired)
		}
	case StateHalfOpen, StateRecovering:
		fired = b.transition(StateOpen, now, fired)
	}
}

// State returns the current state, applying any time based transition.
func (b *Breaker) State() State {
	b.mu.Lock()
	now := b.now()
	fired := b.advance(now, nil)
	s := b.state
	b.mu.Unlock()
	b.fire(fired)
	return s
}

// Snapshot returns the current counters.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	now := b.now()
	fired := b.advance(now, nil)
	s := Snapshot{
		Name:     b.name,
		State:    b.state.String(),
		Requests: b.requests,
		Failures: b.failures,
		Since:    b.since,
	}
	switch b.state {
	case StateClosed:
		s.RampPercent = 100
	case StateRecovering:
		s.RampPercent = b.rampPercent(now)
	}
	b.mu.Unlock()
	b.fire(fired)
	return s
}

// advance applies time based transitions. Callers hold mu.
func (b *Breaker) advance(now time.Time, fired []Transition) []Transition {
	switch b.state {
	case StateClosed:
		if b.settings.Window > 0 && now.Sub(b.windowStart) >= b.settings.Window {
			b.resetCounters(now)
		}
	case StateOpen:
		if now.Sub(b.since) >= b.settings.OpenTimeout {
			fired = b.transition(StateHalfOpen, now, fired)
		}
	case StateRecovering:
		if b.rampPercent(now) >= 100 {
			fired = b.transition(StateClosed, now, fired)
		}
	}
	return fired
}

// rampPercent is the share of traffic admitted while recovering. Callers
// hold mu.
func (b *Breaker) rampPercent(now time.Time) float64 {
	initial := b.settings.InitialRampPercent
	if b.settings.RampUpDuration <= 0 {
		return 100
	}
	elapsed := now.Sub(b.since)
	if elapsed >= b.settings.RampUpDuration {
		return 100
	}
	return initial + (100-initial)*float64(elapsed)/float64(b.settings.RampUpDuration)
}

func (b *Breaker) transition(to State, now time.Time, fired []Transition) []Transition {
	if b.state == to {
		return fired
	}
	from := b.state
	b.state = to
	b.since = now

	switch to {
	case StateClosed:
		b.resetCounters(now)
	case StateHalfOpen:
		b.halfOpenSuccesses = 0
	}
	return append(fired, Transition{Name: b.name, From: from, To: to, At: now})
}

func (b *Breaker) resetCounters(now time.Time) {
	b.requests = 0
	b.failures = 0
	b.windowStart = now
}

func (b *Breaker) fire(fired []Transition) {
	for _, t := range fired {
		b.notify(t)
	}
}
