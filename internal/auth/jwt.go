package auth

import (
	"context"
	"crypto/sha256"
	"strings"
	"sync"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jws"
	"github.com/lestrrat-go/jwx/v2/jwt"

	"github.com/vyrodovalexey/avagate/internal/apierror"
	"github.com/vyrodovalexey/avagate/internal/model"
	"github.com/vyrodovalexey/avagate/internal/observability"
)

// keyCache holds parsed consumer public keys, keyed by the PEM digest so a
// rotated key is parsed again.
type keyCache struct {
	keys sync.Map
}

func newKeyCache() *keyCache {
	return &keyCache{}
}

func (c *keyCache) get(pem string) (jwk.Key, error) {
	sum := sha256.Sum256([]byte(pem))
	if k, ok := c.keys.Load(sum); ok {
		return k.(jwk.Key), nil
	}
	key, err := jwk.ParseKey([]byte(pem), jwk.WithPEM(true))
	if err != nil {
		return nil, err
	}
	c.keys.Store(sum, key)
	return key, nil
}

func (a *Authenticator) authenticateJWT(ctx context.Context, raw string) (*Identity, error) {
	// Claims are read before verification only to find the consumer whose
	// key verifies the signature.
	tok, err := jwt.ParseInsecure([]byte(raw))
	if err != nil || tok.Subject() == "" {
		return nil, apierror.New(apierror.CodeInvalidToken, "invalid token")
	}

	consumer, err := a.consumers.GetConsumer(ctx, tok.Subject())
	if err != nil {
		return nil, lookupFailure(err, apierror.New(apierror.CodeInvalidToken, "invalid token"))
	}
	if consumer.AuthMethod != model.AuthMethodJWT || consumer.PublicKeyPEM == "" {
		return nil, apierror.New(apierror.CodeInvalidToken, "invalid token")
	}

	key, err := a.keys.get(consumer.PublicKeyPEM)
	if err != nil {
		a.logger.Error("unusable consumer public key",
			observability.String("consumer_id", consumer.ID),
			observability.Error(err),
		)
		return nil, apierror.New(apierror.CodeInvalidSignature, "invalid signature")
	}

	if _, err := jws.Verify([]byte(raw), jws.WithKey(jwa.RS256, key)); err != nil {
		return nil, apierror.New(apierror.CodeInvalidSignature, "invalid signature")
	}

	now := a.now()
	if exp := tok.Expiration(); !exp.IsZero() && !now.Before(exp) {
		return nil, apierror.New(apierror.CodeTokenExpired, "token expired")
	}
	if nbf := tok.NotBefore(); !nbf.IsZero() && now.Before(nbf) {
		return nil, apierror.New(apierror.CodeInvalidToken, "token not yet valid")
	}

	return &Identity{
		Consumer: consumer,
		Method:   model.AuthMethodJWT,
		Scopes:   tokenScopes(tok, consumer.Scopes),
	}, nil
}

// tokenScopes narrows the consumer's scopes to those granted by the scope
// or scp claim. Tokens without either claim carry the consumer's scopes.
func tokenScopes(tok jwt.Token, granted []string) []string {
	var claimed []string
	if v, ok := tok.Get("scope"); ok {
		if s, ok := v.(string); ok {
			claimed = strings.Fields(s)
		}
	} else if v, ok := tok.Get("scp"); ok {
		switch s := v.(type) {
		case string:
			claimed = strings.Fields(s)
		case []interface{}:
			for _, item := range s {
				if str, ok := item.(string); ok {
					claimed = append(claimed, str)
				}
			}
		}
	} else {
		return granted
	}

	allowed := make(map[string]bool, len(granted))
	for _, s := range granted {
		allowed[s] = true
	}
	out := make([]string, 0, len(claimed))
	for _, s := range claimed {
		if allowed[s] {
			out = append(out, s)
		}
	}
	return out
}
