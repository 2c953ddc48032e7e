package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"

	"github.com/vyrodovalexey/avagate/internal/observability"
)

// RedisConfig configures the Redis store.
type RedisConfig struct {
	Address      string
	Password     string
	DB           int
	PoolSize     int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	KeyPrefix    string

	BreakerFailures uint32
	BreakerTimeout  time.Duration
}

// StateChangeFunc observes store breaker transitions.
type StateChangeFunc func(from, to string)

// RedisOption configures a Redis store.
type RedisOption func(*Redis)

// WithRedisLogger sets the logger.
func WithRedisLogger(logger observability.Logger) RedisOption {
	return func(r *Redis) {
		r.logger = logger
	}
}

// WithStateChange registers a hook for store breaker transitions.
func WithStateChange(fn StateChangeFunc) RedisOption {
	return func(r *Redis) {
		r.onStateChange = fn
	}
}

// Redis is a Store backed by Redis. Every round-trip runs through a
// gobreaker circuit breaker so an unreachable server costs callers a fast
// ErrUnavailable instead of a dial timeout per request.
type Redis struct {
	client        redis.UniversalClient
	keyPrefix     string
	breaker       *gobreaker.CircuitBreaker
	logger        observability.Logger
	onStateChange StateChangeFunc
}

// NewRedis connects to Redis. A failed initial ping is logged but not
// fatal; the breaker and readiness probe surface the outage.
func NewRedis(ctx context.Context, cfg RedisConfig, opts ...RedisOption) *Redis {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	r := NewRedisFromClient(client, cfg, opts...)
	if err := client.Ping(ctx).Err(); err != nil {
		r.logger.Warn("redis not reachable at startup",
			observability.String("address", cfg.Address),
			observability.Error(err),
		)
	}
	return r
}

// NewRedisFromClient wraps an existing client.
func NewRedisFromClient(client redis.UniversalClient, cfg RedisConfig, opts ...RedisOption) *Redis {
	r := &Redis{
		client:    client,
		keyPrefix: cfg.KeyPrefix,
		logger:    observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(r)
	}

	failures := cfg.BreakerFailures
	if failures == 0 {
		failures = 5
	}
	timeout := cfg.BreakerTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	r.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "redis",
		MaxRequests: 1,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, redis.Nil)
		},
		OnStateChange: func(_ string, from, to gobreaker.State) {
			r.logger.Warn("redis store breaker state changed",
				observability.String("from", from.String()),
				observability.String("to", to.String()),
			)
			if r.onStateChange != nil {
				r.onStateChange(from.String(), to.String())
			}
		},
	})

	return r
}

// Key returns key with the configured prefix applied.
func (r *Redis) Key(key string) string {
	return r.keyPrefix + key
}

// Execute runs fn against the client under the store breaker. It is the
// entry point for callers that need commands beyond Store, such as scripts.
func (r *Redis) Execute(fn func(client redis.UniversalClient) (any, error)) (any, error) {
	res, err := r.breaker.Execute(func() (interface{}, error) {
		return fn(r.client)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return res, err
}

func (r *Redis) exec(fn func(client redis.UniversalClient) error) error {
	_, err := r.Execute(func(c redis.UniversalClient) (any, error) {
		return nil, fn(c)
	})
	return err
}

// Get retrieves a value.
func (r *Redis) Get(ctx context.Context, key string) ([]byte, error) {
	var val []byte
	err := r.exec(func(c redis.UniversalClient) error {
		var err error
		val, err = c.Get(ctx, r.Key(key)).Bytes()
		return err
	})
	if errors.Is(err, redis.Nil) {
		return nil, ErrCacheMiss
	}
	return val, err
}

// Set stores a value.
func (r *Redis) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return r.exec(func(c redis.UniversalClient) error {
		return c.Set(ctx, r.Key(key), value, ttl).Err()
	})
}

// SetNX stores a value if absent.
func (r *Redis) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	var ok bool
	err := r.exec(func(c redis.UniversalClient) error {
		var err error
		ok, err = c.SetNX(ctx, r.Key(key), value, ttl).Result()
		return err
	})
	return ok, err
}

// Delete removes a key.
func (r *Redis) Delete(ctx context.Context, key string) error {
	return r.exec(func(c redis.UniversalClient) error {
		return c.Del(ctx, r.Key(key)).Err()
	})
}

// Exists reports whether a key exists.
func (r *Redis) Exists(ctx context.Context, key string) (bool, error) {
	var n int64
	err := r.exec(func(c redis.UniversalClient) error {
		var err error
		n, err = c.Exists(ctx, r.Key(key)).Result()
		return err
	})
	return n > 0, err
}

// PushList appends to a list.
func (r *Redis) PushList(ctx context.Context, key string, value []byte) error {
	return r.exec(func(c redis.UniversalClient) error {
		return c.RPush(ctx, r.Key(key), value).Err()
	})
}

// PopList pops the head of a list.
func (r *Redis) PopList(ctx context.Context, key string) ([]byte, error) {
	var val []byte
	err := r.exec(func(c redis.UniversalClient) error {
		var err error
		val, err = c.LPop(ctx, r.Key(key)).Bytes()
		return err
	})
	if errors.Is(err, redis.Nil) {
		return nil, ErrCacheMiss
	}
	return val, err
}

// ListLen returns the length of a list.
func (r *Redis) ListLen(ctx context.Context, key string) (int64, error) {
	var n int64
	err := r.exec(func(c redis.UniversalClient) error {
		var err error
		n, err = c.LLen(ctx, r.Key(key)).Result()
		return err
	})
	return n, err
}

// Ping checks connectivity. It bypasses the breaker so readiness reflects
// the real server state.
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close closes the client.
func (r *Redis) Close() error {
	return r.client.Close()
}
