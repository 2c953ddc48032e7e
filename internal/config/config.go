package config

import (
	"net/http"
	"time"

	"github.com/vyrodovalexey/avagate/internal/observability"
)

// GatewayConfig is the root configuration document.
type GatewayConfig struct {
	Server         ServerConfig               `yaml:"server" toml:"server"`
	Logging        observability.LogConfig    `yaml:"logging" toml:"logging"`
	Tracing        observability.TracerConfig `yaml:"tracing" toml:"tracing"`
	Redis          RedisConfig                `yaml:"redis" toml:"redis"`
	Registry       RegistryConfig             `yaml:"registry" toml:"registry"`
	RateLimit      RateLimitConfig            `yaml:"rate_limit" toml:"rate_limit"`
	Validation     ValidationConfig           `yaml:"validation" toml:"validation"`
	Idempotency    IdempotencyConfig          `yaml:"idempotency" toml:"idempotency"`
	CircuitBreaker CircuitBreakerConfig       `yaml:"circuit_breaker" toml:"circuit_breaker"`
	Backend        BackendConfig              `yaml:"backend" toml:"backend"`
	Async          AsyncConfig                `yaml:"async" toml:"async"`
	Events         EventsConfig               `yaml:"events" toml:"events"`
	Security       SecurityConfig             `yaml:"security" toml:"security"`
	Authz          AuthzConfig                `yaml:"authz" toml:"authz"`
	Vault          VaultConfig                `yaml:"vault" toml:"vault"`
	Consumers      []ConsumerConfig           `yaml:"consumers" toml:"consumers"`
	Routes         []RouteConfig              `yaml:"routes" toml:"routes"`
}

// ServerConfig configures the inbound HTTP listener.
type ServerConfig struct {
	Address         string   `yaml:"address" toml:"address"`
	ReadTimeout     Duration `yaml:"read_timeout" toml:"read_timeout"`
	WriteTimeout    Duration `yaml:"write_timeout" toml:"write_timeout"`
	IdleTimeout     Duration `yaml:"idle_timeout" toml:"idle_timeout"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout" toml:"shutdown_timeout"`
	// TrustedProxies may set X-Forwarded-For and forward client certificate
	// fingerprints. Empty trusts none.
	TrustedProxies []string `yaml:"trusted_proxies" toml:"trusted_proxies"`
}

// RedisConfig configures the shared store. An empty address selects the
// in-process store, suitable for a single gateway instance.
type RedisConfig struct {
	Address      string   `yaml:"address" toml:"address"`
	Password     string   `yaml:"password" toml:"password"`
	DB           int      `yaml:"db" toml:"db"`
	PoolSize     int      `yaml:"pool_size" toml:"pool_size"`
	DialTimeout  Duration `yaml:"dial_timeout" toml:"dial_timeout"`
	ReadTimeout  Duration `yaml:"read_timeout" toml:"read_timeout"`
	WriteTimeout Duration `yaml:"write_timeout" toml:"write_timeout"`
	KeyPrefix    string   `yaml:"key_prefix" toml:"key_prefix"`

	// BreakerFailures consecutive store failures open the store breaker.
	BreakerFailures uint32 `yaml:"breaker_failures" toml:"breaker_failures"`
	// BreakerTimeout is how long the store breaker stays open.
	BreakerTimeout Duration `yaml:"breaker_timeout" toml:"breaker_timeout"`
}

// Registry types.
const (
	RegistryStatic = "static"
	RegistrySQLite = "sqlite"
)

// RegistryConfig selects where consumers and routes come from.
type RegistryConfig struct {
	Type            string   `yaml:"type" toml:"type"`
	SQLitePath      string   `yaml:"sqlite_path" toml:"sqlite_path"`
	RefreshInterval Duration `yaml:"refresh_interval" toml:"refresh_interval"`
}

// TierConfig holds the limits of one rate limit tier.
type TierConfig struct {
	RPSLimit      float64 `yaml:"rps_limit" toml:"rps_limit" json:"rps_limit"`
	BurstCapacity int     `yaml:"burst_capacity" toml:"burst_capacity" json:"burst_capacity"`
	DailyQuota    int64   `yaml:"daily_quota" toml:"daily_quota" json:"daily_quota"`
}

// RateLimitConfig configures the per-consumer token bucket.
type RateLimitConfig struct {
	DefaultTier string                `yaml:"default_tier" toml:"default_tier"`
	Tiers       map[string]TierConfig `yaml:"tiers" toml:"tiers"`
	FailOpen    bool                  `yaml:"fail_open" toml:"fail_open"`
}

// Tier returns the limits for name, falling back to the default tier.
func (c RateLimitConfig) Tier(name string) (TierConfig, string) {
	if t, ok := c.Tiers[name]; ok && name != "" {
		return t, name
	}
	return c.Tiers[c.DefaultTier], c.DefaultTier
}

// ValidationConfig holds request validation limits.
type ValidationConfig struct {
	MaxHeaderCount   int      `yaml:"max_header_count" toml:"max_header_count"`
	MaxHeaderSize    int      `yaml:"max_header_size" toml:"max_header_size"`
	MaxQueryLength   int      `yaml:"max_query_length" toml:"max_query_length"`
	MaxBodySize      int64    `yaml:"max_body_size" toml:"max_body_size"`
	ForbiddenHeaders []string `yaml:"forbidden_headers" toml:"forbidden_headers"`
}

// IdempotencyConfig configures response replay.
type IdempotencyConfig struct {
	TTL      Duration `yaml:"ttl" toml:"ttl"`
	LockTTL  Duration `yaml:"lock_ttl" toml:"lock_ttl"`
	FailOpen bool     `yaml:"fail_open" toml:"fail_open"`
}

// CircuitBreakerConfig configures the per-backend breaker.
type CircuitBreakerConfig struct {
	ErrorRateThreshold       float64  `yaml:"error_rate_threshold" toml:"error_rate_threshold"`
	MinRequestsThreshold     int      `yaml:"min_requests_threshold" toml:"min_requests_threshold"`
	Window                   Duration `yaml:"window" toml:"window"`
	OpenTimeout              Duration `yaml:"open_timeout" toml:"open_timeout"`
	HalfOpenSuccessThreshold int      `yaml:"half_open_success_threshold" toml:"half_open_success_threshold"`
	RampUpDuration           Duration `yaml:"ramp_up_duration" toml:"ramp_up_duration"`
	InitialRampPercent       float64  `yaml:"initial_ramp_percent" toml:"initial_ramp_percent"`
}

// RetryConfig configures backend retries.
type RetryConfig struct {
	MaxRetries int      `yaml:"max_retries" toml:"max_retries" json:"max_retries"`
	BaseDelay  Duration `yaml:"base_delay" toml:"base_delay" json:"base_delay"`
	MaxDelay   Duration `yaml:"max_delay" toml:"max_delay" json:"max_delay"`
	RetryOn    []int    `yaml:"retry_on" toml:"retry_on" json:"retry_on,omitempty"`
}

// HealthCheckConfig configures active backend health checks.
type HealthCheckConfig struct {
	Enabled            bool     `yaml:"enabled" toml:"enabled"`
	Interval           Duration `yaml:"interval" toml:"interval"`
	Timeout            Duration `yaml:"timeout" toml:"timeout"`
	Path               string   `yaml:"path" toml:"path"`
	GRPCService        string   `yaml:"grpc_service" toml:"grpc_service"`
	HealthyThreshold   int      `yaml:"healthy_threshold" toml:"healthy_threshold"`
	UnhealthyThreshold int      `yaml:"unhealthy_threshold" toml:"unhealthy_threshold"`
}

// BackendConfig configures the outbound connection pool.
type BackendConfig struct {
	DefaultTimeout      Duration          `yaml:"default_timeout" toml:"default_timeout"`
	MaxIdleConns        int               `yaml:"max_idle_conns" toml:"max_idle_conns"`
	MaxIdleConnsPerHost int               `yaml:"max_idle_conns_per_host" toml:"max_idle_conns_per_host"`
	IdleConnTimeout     Duration          `yaml:"idle_conn_timeout" toml:"idle_conn_timeout"`
	Retry               RetryConfig       `yaml:"retry" toml:"retry"`
	HealthCheck         HealthCheckConfig `yaml:"health_check" toml:"health_check"`
}

// WebhookDeliveryConfig configures outbound webhook delivery.
type WebhookDeliveryConfig struct {
	Timeout             Duration `yaml:"timeout" toml:"timeout"`
	MaxRetries          int      `yaml:"max_retries" toml:"max_retries"`
	BaseDelay           Duration `yaml:"base_delay" toml:"base_delay"`
	DeliveriesPerSecond float64  `yaml:"deliveries_per_second" toml:"deliveries_per_second"`
	Burst               int      `yaml:"burst" toml:"burst"`
	DeadLetterKey       string   `yaml:"dead_letter_key" toml:"dead_letter_key"`
}

// AsyncConfig configures long-running operations.
type AsyncConfig struct {
	OperationTTL   Duration              `yaml:"operation_ttl" toml:"operation_ttl"`
	PollPathPrefix string                `yaml:"poll_path_prefix" toml:"poll_path_prefix"`
	Webhook        WebhookDeliveryConfig `yaml:"webhook" toml:"webhook"`
}

// EventsConfig configures audit events.
type EventsConfig struct {
	LogSamplingRate float64 `yaml:"log_sampling_rate" toml:"log_sampling_rate"`
	PersistAudit    bool    `yaml:"persist_audit" toml:"persist_audit"`
	NATSURL         string  `yaml:"nats_url" toml:"nats_url"`
	NATSSubject     string  `yaml:"nats_subject" toml:"nats_subject"`
}

// SecurityConfig configures response hardening.
type SecurityConfig struct {
	HSTSMaxAge           int      `yaml:"hsts_max_age" toml:"hsts_max_age"`
	InternalHeaders      []string `yaml:"internal_headers" toml:"internal_headers"`
	InternalHeaderPrefix string   `yaml:"internal_header_prefix" toml:"internal_header_prefix"`
}

// AuthzConfig configures route policy evaluation.
type AuthzConfig struct {
	// Environment is exposed to every policy as "environment".
	Environment map[string]string `yaml:"environment" toml:"environment"`
	// OPAHeaders are sent with every external decision request.
	OPAHeaders map[string]string `yaml:"opa_headers" toml:"opa_headers"`
	OPATimeout Duration          `yaml:"opa_timeout" toml:"opa_timeout"`
}

// VaultConfig configures the Vault secret backend.
type VaultConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Address string `yaml:"address" toml:"address"`
	Token   string `yaml:"token" toml:"token"`
	Mount   string `yaml:"mount" toml:"mount"`
}

// DefaultConfig returns a configuration with every default applied.
func DefaultConfig() *GatewayConfig {
	return &GatewayConfig{
		Server: ServerConfig{
			Address:         ":8080",
			ReadTimeout:     Duration(30 * time.Second),
			WriteTimeout:    Duration(60 * time.Second),
			IdleTimeout:     Duration(120 * time.Second),
			ShutdownTimeout: Duration(30 * time.Second),
		},
		Logging: observability.DefaultLogConfig(),
		Tracing: observability.TracerConfig{
			ServiceName:  "avagate",
			SamplingRate: 1.0,
		},
		Redis: RedisConfig{
			PoolSize:        50,
			DialTimeout:     Duration(5 * time.Second),
			ReadTimeout:     Duration(500 * time.Millisecond),
			WriteTimeout:    Duration(500 * time.Millisecond),
			KeyPrefix:       "avagate:",
			BreakerFailures: 5,
			BreakerTimeout:  Duration(10 * time.Second),
		},
		Registry: RegistryConfig{Type: RegistryStatic},
		RateLimit: RateLimitConfig{
			DefaultTier: "standard",
			Tiers: map[string]TierConfig{
				"free":     {RPSLimit: 1, BurstCapacity: 5, DailyQuota: 1_000},
				"standard": {RPSLimit: 10, BurstCapacity: 20, DailyQuota: 100_000},
				"premium":  {RPSLimit: 100, BurstCapacity: 200, DailyQuota: 10_000_000},
			},
			FailOpen: true,
		},
		Validation: ValidationConfig{
			MaxHeaderCount: 100,
			MaxHeaderSize:  8 * 1024,
			MaxQueryLength: 4 * 1024,
			MaxBodySize:    10 * 1024 * 1024,
			ForbiddenHeaders: []string{
				"X-Internal-Token",
				"X-Backend-Authorization",
				"X-Original-URL",
				"X-Rewrite-URL",
			},
		},
		Idempotency: IdempotencyConfig{
			TTL:      Duration(24 * time.Hour),
			LockTTL:  Duration(60 * time.Second),
			FailOpen: true,
		},
		CircuitBreaker: CircuitBreakerConfig{
			ErrorRateThreshold:       0.5,
			MinRequestsThreshold:     10,
			Window:                   Duration(60 * time.Second),
			OpenTimeout:              Duration(30 * time.Second),
			HalfOpenSuccessThreshold: 3,
			RampUpDuration:           Duration(60 * time.Second),
			InitialRampPercent:       10,
		},
		Backend: BackendConfig{
			DefaultTimeout:      Duration(30 * time.Second),
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 20,
			IdleConnTimeout:     Duration(90 * time.Second),
			Retry: RetryConfig{
				MaxRetries: 2,
				BaseDelay:  Duration(100 * time.Millisecond),
				MaxDelay:   Duration(2 * time.Second),
				RetryOn: []int{
					http.StatusBadGateway,
					http.StatusServiceUnavailable,
					http.StatusGatewayTimeout,
				},
			},
			HealthCheck: HealthCheckConfig{
				Interval:           Duration(10 * time.Second),
				Timeout:            Duration(5 * time.Second),
				Path:               "/health",
				HealthyThreshold:   2,
				UnhealthyThreshold: 3,
			},
		},
		Async: AsyncConfig{
			OperationTTL:   Duration(30 * 24 * time.Hour),
			PollPathPrefix: "/v1/operations",
			Webhook: WebhookDeliveryConfig{
				Timeout:             Duration(10 * time.Second),
				MaxRetries:          3,
				BaseDelay:           Duration(time.Second),
				DeliveriesPerSecond: 50,
				Burst:               10,
				DeadLetterKey:       "webhook:dead_letter",
			},
		},
		Events: EventsConfig{
			LogSamplingRate: 0.1,
			PersistAudit:    true,
			NATSSubject:     "avagate.events",
		},
		Security: SecurityConfig{
			HSTSMaxAge: 31536000,
			InternalHeaders: []string{
				"X-Backend-Auth",
				"X-Backend-Authorization",
				"X-Upstream-Token",
				"Server",
				"X-Powered-By",
			},
			InternalHeaderPrefix: "X-Internal-",
		},
		Authz: AuthzConfig{OPATimeout: Duration(2 * time.Second)},
		Vault: VaultConfig{Mount: "secret"},
	}
}
