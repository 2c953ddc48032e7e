package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupMiniRedis(t *testing.T) (*miniredis.Miniredis, *Redis) {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := NewRedisFromClient(client, RedisConfig{KeyPrefix: "test:", BreakerFailures: 2, BreakerTimeout: time.Minute})
	t.Cleanup(func() { _ = store.Close() })
	return mr, store
}

// ============================================================================
// Contract shared by every Store
// ============================================================================

func storeContract(t *testing.T, s Store) {
	ctx := context.Background()

	t.Run("get missing", func(t *testing.T) {
		_, err := s.Get(ctx, "missing")
		assert.ErrorIs(t, err, ErrCacheMiss)
	})

	t.Run("set and get", func(t *testing.T) {
		require.NoError(t, s.Set(ctx, "k", []byte("v"), time.Minute))
		v, err := s.Get(ctx, "k")
		require.NoError(t, err)
		assert.Equal(t, []byte("v"), v)

		ok, err := s.Exists(ctx, "k")
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("setnx", func(t *testing.T) {
		ok, err := s.SetNX(ctx, "lock", []byte("1"), time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = s.SetNX(ctx, "lock", []byte("2"), time.Minute)
		require.NoError(t, err)
		assert.False(t, ok)

		v, err := s.Get(ctx, "lock")
		require.NoError(t, err)
		assert.Equal(t, []byte("1"), v)
	})

	t.Run("delete", func(t *testing.T) {
		require.NoError(t, s.Set(ctx, "gone", []byte("x"), 0))
		require.NoError(t, s.Delete(ctx, "gone"))
		_, err := s.Get(ctx, "gone")
		assert.ErrorIs(t, err, ErrCacheMiss)
	})

	t.Run("lists", func(t *testing.T) {
		require.NoError(t, s.PushList(ctx, "dlq", []byte("a")))
		require.NoError(t, s.PushList(ctx, "dlq", []byte("b")))

		n, err := s.ListLen(ctx, "dlq")
		require.NoError(t, err)
		assert.Equal(t, int64(2), n)

		v, err := s.PopList(ctx, "dlq")
		require.NoError(t, err)
		assert.Equal(t, []byte("a"), v)
		v, err = s.PopList(ctx, "dlq")
		require.NoError(t, err)
		assert.Equal(t, []byte("b"), v)

		_, err = s.PopList(ctx, "dlq")
		assert.ErrorIs(t, err, ErrCacheMiss)
	})

	t.Run("ping", func(t *testing.T) {
		assert.NoError(t, s.Ping(ctx))
	})
}

func TestMemory_Contract(t *testing.T) {
	m := NewMemory(time.Minute)
	defer m.Close()
	storeContract(t, m)
}

func TestRedis_Contract(t *testing.T) {
	_, store := setupMiniRedis(t)
	storeContract(t, store)
}

// ============================================================================
// Memory specifics
// ============================================================================

func TestMemory_Expiry(t *testing.T) {
	m := NewMemory(0)
	defer m.Close()

	now := time.Now()
	m.now = func() time.Time { return now }

	ctx := context.Background()
	require.NoError(t, m.Set(ctx, "k", []byte("v"), time.Second))

	now = now.Add(2 * time.Second)
	_, err := m.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrCacheMiss)

	// An expired key no longer blocks SetNX.
	ok, err := m.SetNX(ctx, "k", []byte("w"), time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	now = now.Add(2 * time.Second)
	m.sweep()
	assert.Empty(t, m.entries)
}

func TestMemory_CloseIsIdempotent(t *testing.T) {
	m := NewMemory(time.Millisecond)
	assert.NoError(t, m.Close())
	assert.NoError(t, m.Close())
}

// ============================================================================
// Redis specifics
// ============================================================================

func TestRedis_KeyPrefix(t *testing.T) {
	mr, store := setupMiniRedis(t)
	require.NoError(t, store.Set(context.Background(), "k", []byte("v"), time.Minute))

	assert.True(t, mr.Exists("test:k"))
	mr.FastForward(2 * time.Minute)
	assert.False(t, mr.Exists("test:k"))
}

func TestRedis_BreakerOpensWhenServerDown(t *testing.T) {
	mr, store := setupMiniRedis(t)

	var transitions []string
	store.onStateChange = func(from, to string) {
		transitions = append(transitions, from+"->"+to)
	}

	mr.Close()
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := store.Get(ctx, "k")
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrCacheMiss)
	}

	_, err := store.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, []string{"closed->open"}, transitions)
	assert.Error(t, store.Ping(ctx))
}

func TestRedis_MissDoesNotTripBreaker(t *testing.T) {
	_, store := setupMiniRedis(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := store.Get(ctx, "absent")
		assert.ErrorIs(t, err, ErrCacheMiss)
	}
	require.NoError(t, store.Set(ctx, "k", []byte("v"), 0))
}

func TestNewRedis_UnreachableIsNotFatal(t *testing.T) {
	store := NewRedis(context.Background(), RedisConfig{
		Address:     "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
	})
	defer store.Close()
	assert.Error(t, store.Ping(context.Background()))
}
