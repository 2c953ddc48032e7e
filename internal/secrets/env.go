package secrets

import (
	"context"
	"os"
)

// EnvProvider reads secrets from environment variables. The field part of
// a reference is ignored.
type EnvProvider struct{}

// GetField returns the value of the environment variable path.
func (EnvProvider) GetField(_ context.Context, path, _ string) (string, error) {
	v, ok := os.LookupEnv(path)
	if !ok {
		return "", ErrSecretNotFound
	}
	return v, nil
}
