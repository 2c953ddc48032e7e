package router

import (
	"math/rand/v2"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	"github.com/dgryski/go-rendezvous"

	"github.com/vyrodovalexey/avagate/internal/model"
)

// Balancer selects one target from a non-empty list of healthy targets.
type Balancer interface {
	Pick(targets []*model.BackendTarget, key string) *model.BackendTarget
}

// NewBalancer returns the balancer for strategy, defaulting to round robin.
func NewBalancer(strategy model.Strategy) Balancer {
	switch strategy {
	case model.StrategyLeastConnections:
		return LeastConnections{}
	case model.StrategyRandom:
		return Random{}
	case model.StrategyWeighted:
		return Weighted{}
	case model.StrategyConsistentHash:
		return ConsistentHash{}
	default:
		return &RoundRobin{}
	}
}

// RoundRobin rotates through targets with a shared index.
type RoundRobin struct {
	next atomic.Uint64
}

// Pick implements Balancer.
func (b *RoundRobin) Pick(targets []*model.BackendTarget, _ string) *model.BackendTarget {
	idx := b.next.Add(1) - 1
	return targets[idx%uint64(len(targets))]
}

// LeastConnections picks the target with the fewest requests in flight.
// Callers bracket the backend call with Acquire and Release on the target.
type LeastConnections struct{}

// Pick implements Balancer.
func (LeastConnections) Pick(targets []*model.BackendTarget, _ string) *model.BackendTarget {
	selected := targets[0]
	for _, t := range targets[1:] {
		if t.ActiveRequests() < selected.ActiveRequests() {
			selected = t
		}
	}
	return selected
}

// Random picks uniformly.
type Random struct{}

// Pick implements Balancer.
func (Random) Pick(targets []*model.BackendTarget, _ string) *model.BackendTarget {
	return targets[rand.IntN(len(targets))]
}

// Weighted picks randomly in proportion to target weight.
type Weighted struct{}

// Pick implements Balancer.
func (Weighted) Pick(targets []*model.BackendTarget, _ string) *model.BackendTarget {
	total := 0
	for _, t := range targets {
		total += weightOf(t)
	}
	r := rand.IntN(total)
	for _, t := range targets {
		r -= weightOf(t)
		if r < 0 {
			return t
		}
	}
	return targets[len(targets)-1]
}

func weightOf(t *model.BackendTarget) int {
	if t.Weight < 1 {
		return 1
	}
	return t.Weight
}

// ConsistentHash maps a key to a target with rendezvous hashing, so the
// same key keeps landing on the same target and only keys owned by a
// removed target move when the set changes.
type ConsistentHash struct{}

// Pick implements Balancer.
func (ConsistentHash) Pick(targets []*model.BackendTarget, key string) *model.BackendTarget {
	if len(targets) == 1 {
		return targets[0]
	}
	nodes := make([]string, len(targets))
	byNode := make(map[string]*model.BackendTarget, len(targets))
	for i, t := range targets {
		nodes[i] = t.Key()
		byNode[nodes[i]] = t
	}
	return byNode[rendezvous.New(nodes, xxhash.Sum64String).Lookup(key)]
}
