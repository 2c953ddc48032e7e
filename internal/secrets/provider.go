// Package secrets resolves secret references found in configuration.
//
// A reference is one of:
//
//	env:NAME              the value of environment variable NAME
//	vault:path#field      field of the KV v2 secret at path
//	anything else         used literally
package secrets

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Errors returned by providers.
var (
	ErrSecretNotFound        = errors.New("secret not found")
	ErrProviderNotConfigured = errors.New("provider not configured")
	ErrInvalidReference      = errors.New("invalid secret reference")
)

// Provider looks up one field of a named secret.
type Provider interface {
	GetField(ctx context.Context, path, field string) (string, error)
}

// Resolver dispatches references to the provider registered for their scheme.
type Resolver struct {
	providers map[string]Provider
}

// NewResolver creates a resolver that understands env: references.
// Additional schemes are registered with Register.
func NewResolver() *Resolver {
	return &Resolver{
		providers: map[string]Provider{
			"env": EnvProvider{},
		},
	}
}

// Register adds a provider for scheme.
func (r *Resolver) Register(scheme string, p Provider) {
	r.providers[scheme] = p
}

// Resolve returns the secret value for ref. Values without a known scheme
// prefix are returned unchanged.
func (r *Resolver) Resolve(ctx context.Context, ref string) (string, error) {
	scheme, rest, ok := strings.Cut(ref, ":")
	if !ok {
		return ref, nil
	}
	p, known := r.providers[scheme]
	if !known {
		if scheme == "vault" {
			return "", fmt.Errorf("%w: vault", ErrProviderNotConfigured)
		}
		return ref, nil
	}

	path, field, _ := strings.Cut(rest, "#")
	if path == "" {
		return "", fmt.Errorf("%w: %q", ErrInvalidReference, ref)
	}
	v, err := p.GetField(ctx, path, field)
	if err != nil {
		return "", fmt.Errorf("resolving %s secret %s: %w", scheme, path, err)
	}
	return v, nil
}
