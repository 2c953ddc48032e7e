package idempotency

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/avagate/internal/apierror"
	"github.com/vyrodovalexey/avagate/internal/cache"
	"github.com/vyrodovalexey/avagate/internal/config"
	"github.com/vyrodovalexey/avagate/internal/model"
)

const validKey = "3fa85f64-5717-4562-b3fc-2c963f66afa6"

func newHandler(t *testing.T, store cache.Store) *Handler {
	t.Helper()
	return New(store, config.DefaultConfig().Idempotency)
}

func newRequest(consumer, key string) *model.RequestContext {
	return &model.RequestContext{
		RequestID:      "req-1",
		Method:         http.MethodPost,
		Path:           "/orders",
		Headers:        http.Header{},
		ConsumerID:     consumer,
		IdempotencyKey: key,
	}
}

func created() *model.GatewayResponse {
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	return &model.GatewayResponse{Status: http.StatusCreated, Headers: h, Body: []byte(`{"id":"o-1"}`)}
}

// ============================================================================
// Key format
// ============================================================================

func TestValidKey(t *testing.T) {
	tests := []struct {
		key  string
		want bool
	}{
		{validKey, true},
		{"3FA85F64-5717-4562-B3FC-2C963F66AFA6", true},
		{"3fa85f64-5717-1562-b3fc-2c963f66afa6", false},
		{"not-a-uuid", false},
		{"", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ValidKey(tt.key), tt.key)
	}
}

// ============================================================================
// Check / Store
// ============================================================================

func TestCheck_NoKeyProceeds(t *testing.T) {
	h := newHandler(t, cache.NewMemory(0))
	resp, err := h.Check(context.Background(), newRequest("acme", ""))
	assert.NoError(t, err)
	assert.Nil(t, resp)
}

func TestCheck_InvalidKey(t *testing.T) {
	h := newHandler(t, cache.NewMemory(0))
	_, err := h.Check(context.Background(), newRequest("acme", "abc"))
	require.Error(t, err)
	assert.Equal(t, apierror.CodeInvalidIdempotencyKey, apierror.From(err).Code)
}

func TestStoreThenReplay(t *testing.T) {
	ctx := context.Background()
	h := newHandler(t, cache.NewMemory(0))

	first := newRequest("acme", validKey)
	resp, err := h.Check(ctx, first)
	require.NoError(t, err)
	require.Nil(t, resp)
	h.Store(ctx, first, created())

	second := newRequest("acme", validKey)
	replayed, err := h.Check(ctx, second)
	require.NoError(t, err)
	require.NotNil(t, replayed)
	assert.True(t, second.IsReplayed)
	assert.Equal(t, http.StatusCreated, replayed.Status)
	assert.Equal(t, `{"id":"o-1"}`, string(replayed.Body))
	assert.Equal(t, "true", replayed.Headers.Get(HeaderReplayed))
	assert.Equal(t, "application/json", replayed.Headers.Get("Content-Type"))
}

func TestStore_NonSuccessNotCached(t *testing.T) {
	ctx := context.Background()
	h := newHandler(t, cache.NewMemory(0))

	first := newRequest("acme", validKey)
	_, err := h.Check(ctx, first)
	require.NoError(t, err)
	h.Store(ctx, first, &model.GatewayResponse{Status: http.StatusBadGateway})

	second := newRequest("acme", validKey)
	resp, err := h.Check(ctx, second)
	require.NoError(t, err)
	assert.Nil(t, resp)
	assert.False(t, second.IsReplayed)
}

func TestCheck_KeysAreScopedPerConsumer(t *testing.T) {
	ctx := context.Background()
	h := newHandler(t, cache.NewMemory(0))

	first := newRequest("acme", validKey)
	_, err := h.Check(ctx, first)
	require.NoError(t, err)
	h.Store(ctx, first, created())

	resp, err := h.Check(ctx, newRequest("globex", validKey))
	require.NoError(t, err)
	assert.Nil(t, resp)
}

func TestCheck_ConcurrentDuplicateRejected(t *testing.T) {
	ctx := context.Background()
	h := newHandler(t, cache.NewMemory(0))

	first := newRequest("acme", validKey)
	_, err := h.Check(ctx, first)
	require.NoError(t, err)

	_, err = h.Check(ctx, newRequest("acme", validKey))
	require.Error(t, err)
	assert.Equal(t, apierror.CodeRequestInProgress, apierror.From(err).Code)
	assert.Equal(t, http.StatusConflict, apierror.From(err).Status())

	h.Release(ctx, first)
	_, err = h.Check(ctx, newRequest("acme", validKey))
	assert.NoError(t, err)
}

// interleavingStore runs onMiss once, right after the first cache miss.
type interleavingStore struct {
	cache.Store
	onMiss func()
}

func (s *interleavingStore) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := s.Store.Get(ctx, key)
	if errors.Is(err, cache.ErrCacheMiss) && s.onMiss != nil {
		run := s.onMiss
		s.onMiss = nil
		run()
	}
	return data, err
}

func TestCheck_ReplaysResponseStoredBeforeLock(t *testing.T) {
	ctx := context.Background()
	store := &interleavingStore{Store: cache.NewMemory(0)}
	h := newHandler(t, store)

	first := newRequest("acme", validKey)
	second := newRequest("acme", validKey)
	second.RequestID = "req-2"

	store.onMiss = func() {
		resp, err := h.Check(ctx, first)
		require.NoError(t, err)
		require.Nil(t, resp)
		h.Store(ctx, first, created())
	}

	resp, err := h.Check(ctx, second)
	require.NoError(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusCreated, resp.Status)
	assert.Equal(t, `{"id":"o-1"}`, string(resp.Body))
	assert.True(t, second.IsReplayed)

	_, err = store.Store.Get(ctx, storageKey(second)+":lock")
	assert.ErrorIs(t, err, cache.ErrCacheMiss)
}

// ============================================================================
// Degraded store
// ============================================================================

type brokenStore struct {
	cache.Store
}

func (brokenStore) Get(context.Context, string) ([]byte, error) {
	return nil, cache.ErrUnavailable
}

func (brokenStore) SetNX(context.Context, string, []byte, time.Duration) (bool, error) {
	return false, cache.ErrUnavailable
}

func (brokenStore) Set(context.Context, string, []byte, time.Duration) error {
	return cache.ErrUnavailable
}

func (brokenStore) Delete(context.Context, string) error {
	return cache.ErrUnavailable
}

func TestCheck_FailOpen(t *testing.T) {
	var ops []string
	h := New(brokenStore{}, config.DefaultConfig().Idempotency, WithDegradedHook(func(op string) {
		ops = append(ops, op)
	}))

	rc := newRequest("acme", validKey)
	resp, err := h.Check(context.Background(), rc)
	assert.NoError(t, err)
	assert.Nil(t, resp)

	h.Store(context.Background(), rc, created())
	assert.Equal(t, []string{"lookup", "store"}, ops)
}

func TestCheck_FailClosed(t *testing.T) {
	cfg := config.DefaultConfig().Idempotency
	cfg.FailOpen = false
	h := New(brokenStore{}, cfg)

	_, err := h.Check(context.Background(), newRequest("acme", validKey))
	require.Error(t, err)
	assert.True(t, errors.Is(err, apierror.ErrServer))
}

func TestRedisBackedReplay(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()

	store := cache.NewRedis(ctx, cache.RedisConfig{Address: mr.Addr()})
	t.Cleanup(func() { _ = store.Close() })

	h := newHandler(t, store)
	first := newRequest("acme", validKey)
	_, err := h.Check(ctx, first)
	require.NoError(t, err)
	assert.True(t, mr.Exists("idempotency:acme:"+validKey+":lock"))

	h.Store(ctx, first, created())
	assert.True(t, mr.Exists("idempotency:acme:"+validKey))
	assert.False(t, mr.Exists("idempotency:acme:"+validKey+":lock"))
	assert.Equal(t, 24*time.Hour, mr.TTL("idempotency:acme:"+validKey))
}
