package async

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/vyrodovalexey/avagate/internal/cache"
	"github.com/vyrodovalexey/avagate/internal/model"
)

const operationKeyPrefix = "operation:"

// ErrOperationNotFound is returned when no record exists for an id.
var ErrOperationNotFound = errors.New("operation not found")

// Store persists operations as JSON in the shared cache. Records expire with
// the operation.
type Store struct {
	cache cache.Store
	now   func() time.Time
}

// NewStore creates an operation store over c.
func NewStore(c cache.Store) *Store {
	return &Store{cache: c, now: time.Now}
}

// Save writes op, replacing any previous record.
func (s *Store) Save(ctx context.Context, op *model.AsyncOperation) error {
	data, err := json.Marshal(op)
	if err != nil {
		return fmt.Errorf("marshal operation: %w", err)
	}
	ttl := op.ExpiresAt.Sub(s.now())
	if ttl < time.Second {
		ttl = time.Second
	}
	if err := s.cache.Set(ctx, operationKeyPrefix+op.ID, data, ttl); err != nil {
		return fmt.Errorf("save operation %s: %w", op.ID, err)
	}
	return nil
}

// Get loads the operation with id.
func (s *Store) Get(ctx context.Context, id string) (*model.AsyncOperation, error) {
	data, err := s.cache.Get(ctx, operationKeyPrefix+id)
	if errors.Is(err, cache.ErrCacheMiss) {
		return nil, ErrOperationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load operation %s: %w", id, err)
	}

	var op model.AsyncOperation
	if err := json.Unmarshal(data, &op); err != nil {
		return nil, fmt.Errorf("decode operation %s: %w", id, err)
	}
	return &op, nil
}

// Update loads id, applies fn and saves the result.
func (s *Store) Update(ctx context.Context, id string, fn func(op *model.AsyncOperation)) (*model.AsyncOperation, error) {
	op, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	fn(op)
	op.UpdatedAt = s.now().UTC()
	if err := s.Save(ctx, op); err != nil {
		return nil, err
	}
	return op, nil
}
