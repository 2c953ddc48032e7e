package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/vyrodovalexey/avagate/internal/model"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Path    string
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s: %s", e.Path, e.Message)
	}
	return e.Message
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

// Error implements the error interface.
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d validation errors:\n", len(e))
	for i := range e {
		fmt.Fprintf(&sb, "  %d. %s\n", i+1, e[i].Error())
	}
	return sb.String()
}

// HasErrors returns true if there are validation errors.
func (e ValidationErrors) HasErrors() bool {
	return len(e) > 0
}

var validStrategies = map[model.Strategy]bool{
	model.StrategyRoundRobin:       true,
	model.StrategyLeastConnections: true,
	model.StrategyRandom:           true,
	model.StrategyWeighted:         true,
	model.StrategyConsistentHash:   true,
}

var validAuthMethods = map[model.AuthMethod]bool{
	model.AuthMethodAPIKey: true,
	model.AuthMethodJWT:    true,
	model.AuthMethodMTLS:   true,
}

var validStatuses = map[model.ConsumerStatus]bool{
	model.ConsumerActive:    true,
	model.ConsumerSuspended: true,
	model.ConsumerPending:   true,
	model.ConsumerDeleted:   true,
}

var validEngines = map[string]bool{"cel": true, "rego": true, "http": true}

// Validator validates gateway configuration.
type Validator struct {
	errors ValidationErrors
}

// ValidateConfig validates a gateway configuration.
func ValidateConfig(cfg *GatewayConfig) error {
	v := &Validator{}
	return v.Validate(cfg)
}

// Validate validates the configuration and returns any errors.
func (v *Validator) Validate(cfg *GatewayConfig) error {
	v.errors = nil
	if cfg == nil {
		v.addError("", "configuration is nil")
		return v.errors
	}

	v.validateServer(&cfg.Server)
	v.validateRegistry(&cfg.Registry)
	v.validateRateLimit(&cfg.RateLimit)
	v.validateLimits(&cfg.Validation)
	v.validateBreaker(&cfg.CircuitBreaker)
	v.validateAsync(&cfg.Async)

	if cfg.Events.LogSamplingRate < 0 || cfg.Events.LogSamplingRate > 1 {
		v.addError("events.log_sampling_rate", "must be between 0 and 1")
	}
	if cfg.Vault.Enabled && cfg.Vault.Address == "" {
		v.addError("vault.address", "is required when vault is enabled")
	}

	v.validateConsumers(cfg)
	_ = v.ValidateRoutes(cfg.Routes)

	if v.errors.HasErrors() {
		return v.errors
	}
	return nil
}

func (v *Validator) addError(path, message string) {
	v.errors = append(v.errors, ValidationError{Path: path, Message: message})
}

func (v *Validator) validateServer(s *ServerConfig) {
	if s.Address == "" {
		v.addError("server.address", "is required")
	}
}

func (v *Validator) validateRegistry(r *RegistryConfig) {
	switch r.Type {
	case RegistryStatic:
	case RegistrySQLite:
		if r.SQLitePath == "" {
			v.addError("registry.sqlite_path", "is required for the sqlite registry")
		}
	default:
		v.addError("registry.type", fmt.Sprintf("unknown registry type %q", r.Type))
	}
}

func (v *Validator) validateRateLimit(r *RateLimitConfig) {
	if len(r.Tiers) == 0 {
		v.addError("rate_limit.tiers", "at least one tier is required")
		return
	}
	if _, ok := r.Tiers[r.DefaultTier]; !ok {
		v.addError("rate_limit.default_tier", fmt.Sprintf("tier %q is not defined", r.DefaultTier))
	}
	for name, t := range r.Tiers {
		path := "rate_limit.tiers." + name
		if t.RPSLimit <= 0 {
			v.addError(path+".rps_limit", "must be positive")
		}
		if t.BurstCapacity <= 0 {
			v.addError(path+".burst_capacity", "must be positive")
		}
		if t.DailyQuota <= 0 {
			v.addError(path+".daily_quota", "must be positive")
		}
	}
}

func (v *Validator) validateLimits(l *ValidationConfig) {
	if l.MaxHeaderCount <= 0 {
		v.addError("validation.max_header_count", "must be positive")
	}
	if l.MaxHeaderSize <= 0 {
		v.addError("validation.max_header_size", "must be positive")
	}
	if l.MaxQueryLength <= 0 {
		v.addError("validation.max_query_length", "must be positive")
	}
	if l.MaxBodySize <= 0 {
		v.addError("validation.max_body_size", "must be positive")
	}
}

func (v *Validator) validateBreaker(c *CircuitBreakerConfig) {
	if c.ErrorRateThreshold <= 0 || c.ErrorRateThreshold > 1 {
		v.addError("circuit_breaker.error_rate_threshold", "must be in (0, 1]")
	}
	if c.MinRequestsThreshold <= 0 {
		v.addError("circuit_breaker.min_requests_threshold", "must be positive")
	}
	if c.OpenTimeout.Duration() <= 0 {
		v.addError("circuit_breaker.open_timeout", "must be positive")
	}
	if c.HalfOpenSuccessThreshold <= 0 {
		v.addError("circuit_breaker.half_open_success_threshold", "must be positive")
	}
	if c.InitialRampPercent <= 0 || c.InitialRampPercent > 100 {
		v.addError("circuit_breaker.initial_ramp_percent", "must be in (0, 100]")
	}
}

func (v *Validator) validateAsync(a *AsyncConfig) {
	if a.OperationTTL.Duration() <= 0 {
		v.addError("async.operation_ttl", "must be positive")
	}
	if !strings.HasPrefix(a.PollPathPrefix, "/") {
		v.addError("async.poll_path_prefix", "must start with /")
	}
	if a.Webhook.DeadLetterKey == "" {
		v.addError("async.webhook.dead_letter_key", "is required")
	}
}

func (v *Validator) validateConsumers(cfg *GatewayConfig) {
	seen := make(map[string]bool, len(cfg.Consumers))
	for i := range cfg.Consumers {
		c := &cfg.Consumers[i]
		path := fmt.Sprintf("consumers[%d]", i)
		if c.ID == "" {
			v.addError(path+".id", "is required")
		} else if seen[c.ID] {
			v.addError(path+".id", fmt.Sprintf("duplicate consumer %q", c.ID))
		}
		seen[c.ID] = true

		method := model.AuthMethod(c.AuthMethod)
		if !validAuthMethods[method] {
			v.addError(path+".auth_method", fmt.Sprintf("unknown auth method %q", c.AuthMethod))
		}
		switch method {
		case model.AuthMethodAPIKey:
			if c.KeyID == "" || c.CredentialHash == "" {
				v.addError(path, "api_key consumers need key_id and credential_hash")
			}
		case model.AuthMethodJWT:
			if c.PublicKeyPEM == "" {
				v.addError(path+".public_key_pem", "is required for jwt consumers")
			}
		case model.AuthMethodMTLS:
			if c.CertFingerprint == "" {
				v.addError(path+".cert_fingerprint", "is required for mtls consumers")
			}
		}

		if c.Status != "" && !validStatuses[model.ConsumerStatus(c.Status)] {
			v.addError(path+".status", fmt.Sprintf("unknown status %q", c.Status))
		}
		for _, r := range c.Roles {
			if !model.Role(r).Valid() {
				v.addError(path+".roles", fmt.Sprintf("unknown role %q", r))
			}
		}
		if c.RateLimitTier != "" {
			if _, ok := cfg.RateLimit.Tiers[c.RateLimitTier]; !ok {
				v.addError(path+".rate_limit_tier", fmt.Sprintf("tier %q is not defined", c.RateLimitTier))
			}
		}
		if c.CredentialExpiresAt != "" {
			if _, err := time.Parse(time.RFC3339, c.CredentialExpiresAt); err != nil {
				v.addError(path+".credential_expires_at", "must be RFC3339")
			}
		}
		if c.Webhook != nil && c.Webhook.URL == "" {
			v.addError(path+".webhook.url", "is required")
		}
	}
}

// ValidateRoutes checks route declarations. It is exported so route sets
// loaded from other registries get the same checks.
func (v *Validator) ValidateRoutes(routes []RouteConfig) error {
	start := len(v.errors)
	seen := make(map[string]bool, len(routes))
	for i := range routes {
		r := &routes[i]
		path := fmt.Sprintf("routes[%d]", i)
		if r.ID == "" {
			v.addError(path+".id", "is required")
		} else if seen[r.ID] {
			v.addError(path+".id", fmt.Sprintf("duplicate route %q", r.ID))
		}
		seen[r.ID] = true

		if !strings.HasPrefix(r.Path, "/") {
			v.addError(path+".path", "must start with /")
		}
		if len(r.Backends) == 0 {
			v.addError(path+".backends", "at least one backend is required")
		}
		for j, b := range r.Backends {
			bp := fmt.Sprintf("%s.backends[%d]", path, j)
			if b.Host == "" {
				v.addError(bp+".host", "is required")
			}
			if b.Port <= 0 || b.Port > 65535 {
				v.addError(bp+".port", "must be between 1 and 65535")
			}
			switch b.Protocol {
			case "", "http", "https", "grpc":
			default:
				v.addError(bp+".protocol", fmt.Sprintf("unknown protocol %q", b.Protocol))
			}
		}
		if r.Strategy != "" && !validStrategies[model.Strategy(r.Strategy)] {
			v.addError(path+".strategy", fmt.Sprintf("unknown strategy %q", r.Strategy))
		}
		if r.MinRole != "" && !model.Role(r.MinRole).Valid() {
			v.addError(path+".min_role", fmt.Sprintf("unknown role %q", r.MinRole))
		}
		if r.Policy != nil && !validEngines[r.Policy.Engine] {
			v.addError(path+".policy.engine", fmt.Sprintf("unknown policy engine %q", r.Policy.Engine))
		}
		if r.TokenCost < 0 {
			v.addError(path+".token_cost", "must not be negative")
		}
	}
	if len(v.errors) > start {
		return v.errors[start:]
	}
	return nil
}
