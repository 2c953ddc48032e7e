package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/vyrodovalexey/avagate/internal/config"
)

// stateTTL bounds how long idle bucket state is kept.
const stateTTL = 24 * time.Hour

// BucketState is the persisted state of one consumer's bucket after a take.
type BucketState struct {
	Tokens     float64
	LastRefill time.Time
	DailyUsed  int64
	DailyReset time.Time
	Reason     Reason
}

// take applies the algorithm to s in place: reset the daily counter when
// due, refill, then reject or consume.
func (s *BucketState) take(tier config.TierConfig, required int, now time.Time) {
	burst := float64(tier.BurstCapacity)

	if s.LastRefill.IsZero() {
		s.Tokens = burst
		s.LastRefill = now
	}
	if s.DailyReset.IsZero() || !now.Before(s.DailyReset) {
		s.DailyUsed = 0
		s.DailyReset = NextDailyReset(now)
	}

	if elapsed := now.Sub(s.LastRefill).Seconds(); elapsed > 0 {
		s.Tokens = math.Min(burst, s.Tokens+elapsed*tier.RPSLimit)
		s.LastRefill = now
	}

	switch {
	case tier.DailyQuota > 0 && s.DailyUsed+int64(required) > tier.DailyQuota:
		s.Reason = ReasonQuota
	case s.Tokens < float64(required):
		s.Reason = ReasonBurst
	default:
		s.Reason = ReasonNone
		s.Tokens -= float64(required)
		s.DailyUsed += int64(required)
	}
}

func (s *BucketState) decision(tier config.TierConfig, required int, now time.Time) *Decision {
	d := &Decision{
		Allowed:    s.Reason == ReasonNone,
		Reason:     s.Reason,
		Limit:      tier.BurstCapacity,
		Remaining:  int(math.Floor(s.Tokens)),
		DailyUsed:  s.DailyUsed,
		DailyReset: s.DailyReset,
	}
	if d.Remaining < 0 {
		d.Remaining = 0
	}
	d.ResetAt = now.Add(secondsToDuration((float64(tier.BurstCapacity) - s.Tokens) / tier.RPSLimit))

	switch s.Reason {
	case ReasonBurst:
		d.RetryAfter = secondsToDuration(float64(required) / tier.RPSLimit)
	case ReasonQuota:
		d.RetryAfter = s.DailyReset.Sub(now)
	}
	return d
}

type memoryEntry struct {
	state   BucketState
	touched time.Time
}

// MemoryStore keeps buckets in process.
type MemoryStore struct {
	mu      sync.Mutex
	buckets map[string]*memoryEntry
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{buckets: make(map[string]*memoryEntry)}
}

// Take implements Store.
func (m *MemoryStore) Take(_ context.Context, key string, tier config.TierConfig, required int, now time.Time) (*BucketState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.buckets[key]
	if !ok || now.Sub(e.touched) > stateTTL {
		e = &memoryEntry{}
		m.buckets[key] = e
	}
	e.state.take(tier, required, now)
	e.touched = now

	out := e.state
	return &out, nil
}

// Sweep drops buckets idle for longer than the state TTL.
func (m *MemoryStore) Sweep(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for k, e := range m.buckets {
		if now.Sub(e.touched) > stateTTL {
			delete(m.buckets, k)
			removed++
		}
	}
	return removed
}
