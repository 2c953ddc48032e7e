package model

import (
	"time"
)

// AuthMethod is the credential type a consumer authenticates with.
type AuthMethod string

// Supported authentication methods.
const (
	AuthMethodAPIKey AuthMethod = "api_key"
	AuthMethodJWT    AuthMethod = "jwt"
	AuthMethodMTLS   AuthMethod = "mtls"
)

// ConsumerStatus is the lifecycle state of a consumer.
type ConsumerStatus string

// Consumer statuses. Only active consumers are authorized.
const (
	ConsumerActive    ConsumerStatus = "active"
	ConsumerSuspended ConsumerStatus = "suspended"
	ConsumerPending   ConsumerStatus = "pending"
	ConsumerDeleted   ConsumerStatus = "deleted"
)

// Role is a coarse authorization level.
type Role string

// Roles ordered by privilege: admin > developer > guest.
const (
	RoleGuest     Role = "guest"
	RoleDeveloper Role = "developer"
	RoleAdmin     Role = "admin"
)

var roleRank = map[Role]int{
	RoleGuest:     1,
	RoleDeveloper: 2,
	RoleAdmin:     3,
}

// Rank returns the position of r in the role hierarchy. Unknown roles rank 0.
func (r Role) Rank() int {
	return roleRank[r]
}

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	_, ok := roleRank[r]
	return ok
}

// ConsumerProfile is the identity and authorization record of a caller.
// The gateway only reads profiles; they are owned by the consumer registry.
type ConsumerProfile struct {
	ID       string
	Name     string
	TenantID string
	Status   ConsumerStatus

	AuthMethod AuthMethod
	// KeyID identifies an API key without revealing it.
	KeyID string
	// CredentialHash is the bcrypt hash of the full API key.
	CredentialHash string
	// PublicKeyPEM verifies RS256 tokens issued for this consumer.
	PublicKeyPEM string
	// CertFingerprint is the lowercase hex SHA-256 of the client certificate.
	CertFingerprint     string
	CredentialExpiresAt time.Time

	Roles         []Role
	Scopes        []string
	RateLimitTier string
	Webhook       *WebhookConfig
	Attributes    map[string]string
}

// IsActive reports whether the consumer may be authorized.
func (c *ConsumerProfile) IsActive() bool {
	return c.Status == ConsumerActive
}

// CredentialExpired reports whether the credential has expired at now.
func (c *ConsumerProfile) CredentialExpired(now time.Time) bool {
	return !c.CredentialExpiresAt.IsZero() && !now.Before(c.CredentialExpiresAt)
}

// HighestRole returns the most privileged role held by the consumer.
func (c *ConsumerProfile) HighestRole() Role {
	var best Role
	for _, r := range c.Roles {
		if r.Rank() > best.Rank() {
			best = r
		}
	}
	return best
}
