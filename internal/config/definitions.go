package config

import (
	"strings"
	"time"

	"github.com/vyrodovalexey/avagate/internal/model"
)

// WebhookConfig is a consumer's webhook subscription.
type WebhookConfig struct {
	URL        string   `yaml:"url" toml:"url" json:"url"`
	Secret     string   `yaml:"secret" toml:"secret" json:"secret"`
	MaxRetries int      `yaml:"max_retries" toml:"max_retries" json:"max_retries,omitempty"`
	BaseDelay  Duration `yaml:"base_delay" toml:"base_delay" json:"base_delay,omitempty"`
}

// ConsumerConfig declares a consumer. It is also the persisted form used by
// the SQLite registry.
type ConsumerConfig struct {
	ID                  string            `yaml:"id" toml:"id" json:"id"`
	Name                string            `yaml:"name" toml:"name" json:"name,omitempty"`
	TenantID            string            `yaml:"tenant_id" toml:"tenant_id" json:"tenant_id,omitempty"`
	Status              string            `yaml:"status" toml:"status" json:"status,omitempty"`
	AuthMethod          string            `yaml:"auth_method" toml:"auth_method" json:"auth_method"`
	KeyID               string            `yaml:"key_id" toml:"key_id" json:"key_id,omitempty"`
	CredentialHash      string            `yaml:"credential_hash" toml:"credential_hash" json:"credential_hash,omitempty"`
	PublicKeyPEM        string            `yaml:"public_key_pem" toml:"public_key_pem" json:"public_key_pem,omitempty"`
	CertFingerprint     string            `yaml:"cert_fingerprint" toml:"cert_fingerprint" json:"cert_fingerprint,omitempty"`
	CredentialExpiresAt string            `yaml:"credential_expires_at" toml:"credential_expires_at" json:"credential_expires_at,omitempty"`
	Roles               []string          `yaml:"roles" toml:"roles" json:"roles,omitempty"`
	Scopes              []string          `yaml:"scopes" toml:"scopes" json:"scopes,omitempty"`
	RateLimitTier       string            `yaml:"rate_limit_tier" toml:"rate_limit_tier" json:"rate_limit_tier,omitempty"`
	Webhook             *WebhookConfig    `yaml:"webhook" toml:"webhook" json:"webhook,omitempty"`
	Attributes          map[string]string `yaml:"attributes" toml:"attributes" json:"attributes,omitempty"`
}

// NormalizeFingerprint lowercases a certificate fingerprint and drops colons.
func NormalizeFingerprint(fp string) string {
	return strings.ToLower(strings.ReplaceAll(strings.TrimSpace(fp), ":", ""))
}

// Profile converts the declaration into a consumer profile. Secret
// references in the webhook config are returned unresolved.
func (c ConsumerConfig) Profile() (*model.ConsumerProfile, error) {
	p := &model.ConsumerProfile{
		ID:              c.ID,
		Name:            c.Name,
		TenantID:        c.TenantID,
		Status:          model.ConsumerStatus(c.Status),
		AuthMethod:      model.AuthMethod(c.AuthMethod),
		KeyID:           c.KeyID,
		CredentialHash:  c.CredentialHash,
		PublicKeyPEM:    c.PublicKeyPEM,
		CertFingerprint: NormalizeFingerprint(c.CertFingerprint),
		Scopes:          append([]string(nil), c.Scopes...),
		RateLimitTier:   c.RateLimitTier,
		Attributes:      c.Attributes,
	}
	if p.Status == "" {
		p.Status = model.ConsumerActive
	}
	for _, r := range c.Roles {
		p.Roles = append(p.Roles, model.Role(r))
	}
	if c.CredentialExpiresAt != "" {
		t, err := time.Parse(time.RFC3339, c.CredentialExpiresAt)
		if err != nil {
			return nil, err
		}
		p.CredentialExpiresAt = t
	}
	if c.Webhook != nil {
		p.Webhook = &model.WebhookConfig{
			URL:        c.Webhook.URL,
			Secret:     c.Webhook.Secret,
			MaxRetries: c.Webhook.MaxRetries,
			BaseDelay:  c.Webhook.BaseDelay.Duration(),
		}
	}
	return p, nil
}

// BackendTargetConfig declares one backend replica.
type BackendTargetConfig struct {
	ServiceID string `yaml:"service_id" toml:"service_id" json:"service_id"`
	Host      string `yaml:"host" toml:"host" json:"host"`
	Port      int    `yaml:"port" toml:"port" json:"port"`
	Protocol  string `yaml:"protocol" toml:"protocol" json:"protocol,omitempty"`
	Weight    int    `yaml:"weight" toml:"weight" json:"weight,omitempty"`
	BasePath  string `yaml:"base_path" toml:"base_path" json:"base_path,omitempty"`
}

// PolicyConfig attaches an attribute based policy to a route.
type PolicyConfig struct {
	Engine     string `yaml:"engine" toml:"engine" json:"engine"`
	Expression string `yaml:"expression" toml:"expression" json:"expression,omitempty"`
	Module     string `yaml:"module" toml:"module" json:"module,omitempty"`
	URL        string `yaml:"url" toml:"url" json:"url,omitempty"`
}

// RouteConfig declares a route. It is also the persisted form used by the
// SQLite registry.
type RouteConfig struct {
	ID             string                `yaml:"id" toml:"id" json:"id"`
	Path           string                `yaml:"path" toml:"path" json:"path"`
	Methods        []string              `yaml:"methods" toml:"methods" json:"methods,omitempty"`
	APIVersion     string                `yaml:"api_version" toml:"api_version" json:"api_version,omitempty"`
	Deprecated     bool                  `yaml:"deprecated" toml:"deprecated" json:"deprecated,omitempty"`
	Sunset         string                `yaml:"sunset" toml:"sunset" json:"sunset,omitempty"`
	Backends       []BackendTargetConfig `yaml:"backends" toml:"backends" json:"backends"`
	Strategy       string                `yaml:"strategy" toml:"strategy" json:"strategy,omitempty"`
	HashHeader     string                `yaml:"hash_header" toml:"hash_header" json:"hash_header,omitempty"`
	RequiredScopes []string              `yaml:"required_scopes" toml:"required_scopes" json:"required_scopes,omitempty"`
	MinRole        string                `yaml:"min_role" toml:"min_role" json:"min_role,omitempty"`
	Policy         *PolicyConfig         `yaml:"policy" toml:"policy" json:"policy,omitempty"`
	TokenCost      int                   `yaml:"token_cost" toml:"token_cost" json:"token_cost,omitempty"`
	Timeout        Duration              `yaml:"timeout" toml:"timeout" json:"timeout,omitempty"`
	Retry          *RetryConfig          `yaml:"retry" toml:"retry" json:"retry,omitempty"`
	Async          bool                  `yaml:"async" toml:"async" json:"async,omitempty"`
}

// Definition converts the declaration into a route definition, filling
// timeout and retry policy from the backend defaults.
func (r RouteConfig) Definition(defaults BackendConfig) *model.RouteDefinition {
	def := &model.RouteDefinition{
		ID:             r.ID,
		Pattern:        r.Path,
		Methods:        upper(r.Methods),
		APIVersion:     r.APIVersion,
		Deprecated:     r.Deprecated,
		Sunset:         r.Sunset,
		Strategy:       model.Strategy(r.Strategy),
		HashHeader:     r.HashHeader,
		RequiredScopes: r.RequiredScopes,
		MinRole:        model.Role(r.MinRole),
		TokenCost:      r.TokenCost,
		Timeout:        r.Timeout.Duration(),
		Async:          r.Async,
	}
	if def.Strategy == "" {
		def.Strategy = model.StrategyRoundRobin
	}
	if def.Timeout <= 0 {
		def.Timeout = defaults.DefaultTimeout.Duration()
	}

	retry := defaults.Retry
	if r.Retry != nil {
		retry = *r.Retry
		if len(retry.RetryOn) == 0 {
			retry.RetryOn = defaults.Retry.RetryOn
		}
	}
	def.Retry = model.RetryPolicy{
		MaxRetries: retry.MaxRetries,
		BaseDelay:  retry.BaseDelay.Duration(),
		MaxDelay:   retry.MaxDelay.Duration(),
		RetryOn:    retry.RetryOn,
	}

	if r.Policy != nil {
		def.Policy = &model.PolicyRef{
			Engine:     r.Policy.Engine,
			Expression: r.Policy.Expression,
			Module:     r.Policy.Module,
			URL:        r.Policy.URL,
		}
	}

	for _, b := range r.Backends {
		protocol := b.Protocol
		if protocol == "" {
			protocol = "http"
		}
		target := model.NewBackendTarget(b.ServiceID, b.Host, b.Port, protocol)
		if b.Weight > 0 {
			target.Weight = b.Weight
		}
		target.BasePath = b.BasePath
		def.Backends = append(def.Backends, target)
	}
	return def
}

func upper(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		out = append(out, strings.ToUpper(s))
	}
	return out
}
