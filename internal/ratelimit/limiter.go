// Package ratelimit enforces per-consumer token buckets with a daily quota.
//
// Bucket state lives in a shared Store so every gateway replica draws from
// the same budget. The Redis store evaluates the whole decision in a single
// Lua script; the memory store runs the same algorithm in process for
// single-node deployments and tests.
package ratelimit

import (
	"context"
	"math"
	"time"

	"github.com/vyrodovalexey/avagate/internal/apierror"
	"github.com/vyrodovalexey/avagate/internal/config"
	"github.com/vyrodovalexey/avagate/internal/model"
	"github.com/vyrodovalexey/avagate/internal/observability"
)

// Reason explains a rejection.
type Reason string

const (
	ReasonNone  Reason = ""
	ReasonBurst Reason = "burst"
	ReasonQuota Reason = "daily_quota"
)

// Decision is the outcome of one rate limit check.
type Decision struct {
	Allowed bool
	Reason  Reason
	Tier    string

	// Limit is the burst capacity of the tier.
	Limit int
	// Remaining is the number of whole tokens left.
	Remaining int
	// ResetAt is when the bucket will be full again.
	ResetAt time.Time
	// RetryAfter is set on rejection.
	RetryAfter time.Duration

	DailyUsed  int64
	DailyReset time.Time

	// Degraded is set when the store failed and the request was let through.
	Degraded bool
}

// Store atomically applies one take against the bucket at key.
type Store interface {
	Take(ctx context.Context, key string, tier config.TierConfig, required int, now time.Time) (*BucketState, error)
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) Option {
	return func(l *Limiter) {
		l.logger = logger
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		l.now = now
	}
}

// WithDegradedHook is called whenever a store failure is ignored.
func WithDegradedHook(fn func()) Option {
	return func(l *Limiter) {
		l.onDegraded = fn
	}
}

// Limiter resolves the consumer's tier and checks its bucket.
type Limiter struct {
	store      Store
	cfg        config.RateLimitConfig
	logger     observability.Logger
	now        func() time.Time
	onDegraded func()
}

// New creates a Limiter over store.
func New(store Store, cfg config.RateLimitConfig, opts ...Option) *Limiter {
	l := &Limiter{
		store:      store,
		cfg:        cfg,
		logger:     observability.NopLogger(),
		now:        time.Now,
		onDegraded: func() {},
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Check takes cost tokens from the consumer's bucket. The returned decision
// is non-nil even on rejection so callers can emit rate limit headers; the
// error is E9401 for burst exhaustion or E9402 for the daily quota.
func (l *Limiter) Check(ctx context.Context, rc *model.RequestContext, cost int) (*Decision, error) {
	if cost <= 0 {
		cost = 1
	}
	tier, tierName := l.cfg.Tier(rc.RateLimitTier)
	now := l.now()

	if tier.RPSLimit <= 0 || tier.BurstCapacity <= 0 {
		return &Decision{Allowed: true, Tier: tierName, Limit: tier.BurstCapacity}, nil
	}

	state, err := l.store.Take(ctx, bucketKey(rc.ConsumerID), tier, cost, now)
	if err != nil {
		l.onDegraded()
		if !l.cfg.FailOpen {
			return nil, apierror.Wrap(apierror.CodeServiceUnavailable, "rate limiter unavailable", err)
		}
		l.logger.WithContext(ctx).Warn("rate limit store unavailable, allowing request",
			observability.String("consumer_id", rc.ConsumerID),
			observability.Error(err),
		)
		return &Decision{Allowed: true, Degraded: true, Tier: tierName, Limit: tier.BurstCapacity, Remaining: tier.BurstCapacity}, nil
	}

	d := state.decision(tier, cost, now)
	d.Tier = tierName

	switch d.Reason {
	case ReasonBurst:
		return d, apierror.New(apierror.CodeBurstExceeded, "rate limit exceeded").
			WithDetail("tier", tierName).
			WithRetryAfter(d.RetryAfter)
	case ReasonQuota:
		return d, apierror.New(apierror.CodeQuotaExceeded, "daily quota exceeded").
			WithDetail("tier", tierName).
			WithDetail("daily_quota", tier.DailyQuota).
			WithRetryAfter(d.RetryAfter)
	}
	return d, nil
}

func bucketKey(consumerID string) string {
	return "ratelimit:" + consumerID
}

// NextDailyReset returns the next UTC midnight strictly after now.
func NextDailyReset(now time.Time) time.Time {
	y, m, d := now.UTC().Date()
	return time.Date(y, m, d+1, 0, 0, 0, 0, time.UTC)
}

func secondsToDuration(s float64) time.Duration {
	if s <= 0 || math.IsNaN(s) {
		return 0
	}
	return time.Duration(math.Round(s*1e6)) * time.Microsecond
}
