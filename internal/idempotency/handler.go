// Package idempotency replays stored responses for repeated requests that
// carry the same Idempotency-Key.
package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/vyrodovalexey/avagate/internal/apierror"
	"github.com/vyrodovalexey/avagate/internal/cache"
	"github.com/vyrodovalexey/avagate/internal/config"
	"github.com/vyrodovalexey/avagate/internal/model"
	"github.com/vyrodovalexey/avagate/internal/observability"
)

// Header names.
const (
	HeaderIdempotencyKey = "Idempotency-Key"
	HeaderReplayed       = "X-Idempotency-Replayed"
)

const keyPrefix = "idempotency:"

// Option configures a Handler.
type Option func(*Handler)

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) Option {
	return func(h *Handler) {
		h.logger = logger
	}
}

// WithDegradedHook is called with the failed operation whenever a cache
// failure is ignored.
func WithDegradedHook(fn func(op string)) Option {
	return func(h *Handler) {
		h.onDegraded = fn
	}
}

// Handler looks up and stores responses keyed by consumer and idempotency key.
type Handler struct {
	store      cache.Store
	ttl        time.Duration
	lockTTL    time.Duration
	failOpen   bool
	logger     observability.Logger
	onDegraded func(op string)
}

// New creates a Handler over store.
func New(store cache.Store, cfg config.IdempotencyConfig, opts ...Option) *Handler {
	h := &Handler{
		store:      store,
		ttl:        cfg.TTL.Duration(),
		lockTTL:    cfg.LockTTL.Duration(),
		failOpen:   cfg.FailOpen,
		logger:     observability.NopLogger(),
		onDegraded: func(string) {},
	}
	if h.ttl <= 0 {
		h.ttl = 24 * time.Hour
	}
	if h.lockTTL <= 0 {
		h.lockTTL = time.Minute
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// ValidKey reports whether key is a UUID v4.
func ValidKey(key string) bool {
	id, err := uuid.Parse(key)
	return err == nil && id.Version() == 4 && id.Variant() == uuid.RFC4122
}

// Check returns the stored response for the request's idempotency key, or
// nil when the request should proceed. A request without a key always
// proceeds. When no response is stored, an in-flight lock is taken so a
// concurrent duplicate is rejected with E9604 until Store or Release runs.
func (h *Handler) Check(ctx context.Context, rc *model.RequestContext) (*model.GatewayResponse, error) {
	if rc.IdempotencyKey == "" {
		return nil, nil
	}
	if !ValidKey(rc.IdempotencyKey) {
		return nil, apierror.New(apierror.CodeInvalidIdempotencyKey, "invalid idempotency key format")
	}

	key := storageKey(rc)
	resp, err := h.lookup(ctx, rc, key)
	if err != nil {
		return nil, h.degraded(ctx, "lookup", err)
	}
	if resp != nil {
		return resp, nil
	}

	acquired, err := h.store.SetNX(ctx, key+":lock", []byte(rc.RequestID), h.lockTTL)
	if err != nil {
		return nil, h.degraded(ctx, "lock", err)
	}
	if !acquired {
		return nil, apierror.New(apierror.CodeRequestInProgress, "a request with this idempotency key is in progress")
	}

	// The first request may have stored its response and released the lock
	// between the lookup above and SetNX.
	resp, err = h.lookup(ctx, rc, key)
	if err != nil {
		if err = h.degraded(ctx, "lookup", err); err != nil {
			h.Release(ctx, rc)
		}
		return nil, err
	}
	if resp != nil {
		h.Release(ctx, rc)
	}
	return resp, nil
}

// lookup returns the stored response for key, or nil when there is none.
// Only store failures are returned as errors.
func (h *Handler) lookup(ctx context.Context, rc *model.RequestContext, key string) (*model.GatewayResponse, error) {
	data, err := h.store.Get(ctx, key)
	if errors.Is(err, cache.ErrCacheMiss) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var resp model.GatewayResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		h.logger.Warn("discarding unreadable idempotent response",
			observability.String("key", key),
			observability.Error(err),
		)
		return nil, nil
	}
	rc.IsReplayed = true
	if resp.Headers == nil {
		resp.Headers = http.Header{}
	}
	resp.Headers.Set(HeaderReplayed, "true")
	return &resp, nil
}

// Store persists resp when it is 2xx and releases the in-flight lock.
// Failures are logged and never returned to the caller.
func (h *Handler) Store(ctx context.Context, rc *model.RequestContext, resp *model.GatewayResponse) {
	if rc.IdempotencyKey == "" || rc.IsReplayed || !ValidKey(rc.IdempotencyKey) {
		return
	}
	defer h.Release(ctx, rc)

	if resp == nil || !resp.IsSuccess() {
		return
	}

	stored := resp.Clone()
	stored.Headers.Del(HeaderReplayed)
	data, err := json.Marshal(stored)
	if err != nil {
		h.logger.Error("failed to encode idempotent response", observability.Error(err))
		return
	}
	if err := h.store.Set(ctx, storageKey(rc), data, h.ttl); err != nil {
		_ = h.degraded(ctx, "store", err)
	}
}

// Release drops the in-flight lock without storing a response.
func (h *Handler) Release(ctx context.Context, rc *model.RequestContext) {
	if rc.IdempotencyKey == "" {
		return
	}
	if err := h.store.Delete(ctx, storageKey(rc)+":lock"); err != nil {
		h.logger.Debug("failed to release idempotency lock", observability.Error(err))
	}
}

func (h *Handler) degraded(ctx context.Context, op string, err error) error {
	h.onDegraded(op)
	if !h.failOpen {
		return apierror.Wrap(apierror.CodeServiceUnavailable, "idempotency store unavailable", err)
	}
	h.logger.WithContext(ctx).Warn("idempotency store unavailable, proceeding",
		observability.String("operation", op),
		observability.Error(err),
	)
	return nil
}

func storageKey(rc *model.RequestContext) string {
	return keyPrefix + rc.ConsumerID + ":" + rc.IdempotencyKey
}
