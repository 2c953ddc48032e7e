package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/vyrodovalexey/avagate/internal/apierror"
	"github.com/vyrodovalexey/avagate/internal/model"
)

// dummyHash is compared against when the key id is unknown so lookups of
// unknown and known ids take similar time.
var dummyHash, _ = bcrypt.GenerateFromPassword([]byte("avagate-unknown-key"), bcrypt.DefaultCost)

func (a *Authenticator) authenticateAPIKey(ctx context.Context, key string) (*Identity, error) {
	invalid := apierror.New(apierror.CodeInvalidKey, "invalid key")

	keyID, ok := SplitAPIKey(key)
	if !ok {
		return nil, invalid
	}

	consumer, err := a.consumers.FindConsumer(ctx, model.AuthMethodAPIKey, keyID)
	if err != nil {
		_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(key))
		return nil, lookupFailure(err, invalid)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(consumer.CredentialHash), []byte(key)); err != nil {
		return nil, invalid
	}

	return &Identity{
		Consumer: consumer,
		Method:   model.AuthMethodAPIKey,
		Scopes:   consumer.Scopes,
	}, nil
}

// SplitAPIKey returns the key id of a <key_id>_<secret> API key.
func SplitAPIKey(key string) (string, bool) {
	i := strings.LastIndexByte(key, '_')
	if i <= 0 || i == len(key)-1 {
		return "", false
	}
	return key[:i], true
}

// GenerateAPIKey returns a new random key for keyID.
func GenerateAPIKey(keyID string) (string, error) {
	if keyID == "" || strings.ContainsAny(keyID, ". ") {
		return "", fmt.Errorf("invalid key id %q", keyID)
	}
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	secret := strings.NewReplacer("_", "A", "-", "B").Replace(base64.RawURLEncoding.EncodeToString(buf))
	return keyID + "_" + secret, nil
}

// HashAPIKey returns the bcrypt hash stored for key.
func HashAPIKey(key string, cost int) (string, error) {
	if _, ok := SplitAPIKey(key); !ok {
		return "", fmt.Errorf("api key must have the form <key_id>_<secret>")
	}
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	h, err := bcrypt.GenerateFromPassword([]byte(key), cost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}
