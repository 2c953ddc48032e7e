package secrets

import (
	"context"
	"errors"
	"fmt"

	vault "github.com/hashicorp/vault/api"
)

// VaultConfig configures the Vault provider.
type VaultConfig struct {
	Address string
	Token   string
	// Mount is the KV v2 mount path, "secret" by default.
	Mount string
}

// VaultProvider reads fields from a KV v2 secrets engine.
type VaultProvider struct {
	client *vault.Client
	kv     *vault.KVv2
}

// NewVaultProvider creates a Vault backed provider.
func NewVaultProvider(cfg VaultConfig) (*VaultProvider, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("%w: vault address is required", ErrProviderNotConfigured)
	}
	mount := cfg.Mount
	if mount == "" {
		mount = "secret"
	}

	vcfg := vault.DefaultConfig()
	vcfg.Address = cfg.Address
	client, err := vault.NewClient(vcfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}
	if cfg.Token != "" {
		client.SetToken(cfg.Token)
	}

	return &VaultProvider{client: client, kv: client.KVv2(mount)}, nil
}

// GetField reads field of the secret at path. An empty field is only
// accepted when the secret holds exactly one value.
func (p *VaultProvider) GetField(ctx context.Context, path, field string) (string, error) {
	secret, err := p.kv.Get(ctx, path)
	if err != nil {
		if errors.Is(err, vault.ErrSecretNotFound) {
			return "", ErrSecretNotFound
		}
		return "", err
	}

	if field == "" {
		if len(secret.Data) != 1 {
			return "", fmt.Errorf("%w: field required for %s", ErrInvalidReference, path)
		}
		for _, v := range secret.Data {
			return fmt.Sprint(v), nil
		}
	}

	v, ok := secret.Data[field]
	if !ok {
		return "", ErrSecretNotFound
	}
	s, ok := v.(string)
	if !ok {
		return fmt.Sprint(v), nil
	}
	return s, nil
}

// HealthCheck reports whether Vault is reachable and unsealed.
func (p *VaultProvider) HealthCheck(ctx context.Context) error {
	health, err := p.client.Sys().HealthWithContext(ctx)
	if err != nil {
		return err
	}
	if health.Sealed {
		return errors.New("vault is sealed")
	}
	return nil
}
