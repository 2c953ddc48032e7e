package authz

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/open-policy-agent/opa/v1/rego"

	"github.com/vyrodovalexey/avagate/internal/model"
)

// DefaultRegoQuery is evaluated when a rego policy names no query.
const DefaultRegoQuery = "data.gateway.authz.allow"

// RegoEvaluator evaluates embedded Rego modules. Prepared queries are cached
// per module and query.
type RegoEvaluator struct {
	mu      sync.RWMutex
	queries map[string]*rego.PreparedEvalQuery
}

// NewRegoEvaluator creates a Rego evaluator.
func NewRegoEvaluator() *RegoEvaluator {
	return &RegoEvaluator{queries: make(map[string]*rego.PreparedEvalQuery)}
}

// Evaluate queries the policy module with input. An undefined result denies.
func (r *RegoEvaluator) Evaluate(ctx context.Context, policy *model.PolicyRef, input *Input) (bool, error) {
	pq, err := r.prepare(ctx, policy)
	if err != nil {
		return false, err
	}

	rs, err := pq.Eval(ctx, rego.EvalInput(input.Map()))
	if err != nil {
		return false, fmt.Errorf("rego evaluation: %w", err)
	}
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return false, nil
	}

	allowed, ok := rs[0].Expressions[0].Value.(bool)
	if !ok {
		return false, fmt.Errorf("rego query returned %T, want bool", rs[0].Expressions[0].Value)
	}
	return allowed, nil
}

func (r *RegoEvaluator) prepare(ctx context.Context, policy *model.PolicyRef) (*rego.PreparedEvalQuery, error) {
	query := policy.Expression
	if query == "" {
		query = DefaultRegoQuery
	}
	sum := sha256.Sum256([]byte(query + "\x00" + policy.Module))
	key := hex.EncodeToString(sum[:])

	r.mu.RLock()
	pq, ok := r.queries[key]
	r.mu.RUnlock()
	if ok {
		return pq, nil
	}

	prepared, err := rego.New(
		rego.Query(query),
		rego.Module("policy.rego", policy.Module),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("prepare rego query: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.queries[key]; ok {
		return existing, nil
	}
	r.queries[key] = &prepared
	return &prepared, nil
}
