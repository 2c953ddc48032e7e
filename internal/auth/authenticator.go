package auth

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/vyrodovalexey/avagate/internal/apierror"
	"github.com/vyrodovalexey/avagate/internal/model"
	"github.com/vyrodovalexey/avagate/internal/observability"
	"github.com/vyrodovalexey/avagate/internal/registry"
)

// Header names read by the authenticator.
const (
	HeaderAuthorization   = "Authorization"
	HeaderCertFingerprint = "X-Client-Cert-Fingerprint"
)

// ConsumerSource is the subset of the registry used for lookups.
type ConsumerSource interface {
	GetConsumer(ctx context.Context, id string) (*model.ConsumerProfile, error)
	FindConsumer(ctx context.Context, method model.AuthMethod, credentialID string) (*model.ConsumerProfile, error)
}

// Identity is the outcome of a successful authentication.
type Identity struct {
	Consumer *model.ConsumerProfile
	Method   model.AuthMethod
	Scopes   []string
}

// Option configures an Authenticator.
type Option func(*Authenticator)

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) Option {
	return func(a *Authenticator) {
		a.logger = logger
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(a *Authenticator) {
		a.now = now
	}
}

// Authenticator verifies API keys, JWTs and client certificate fingerprints.
type Authenticator struct {
	consumers ConsumerSource
	keys      *keyCache
	logger    observability.Logger
	now       func() time.Time
}

// New creates an Authenticator backed by consumers.
func New(consumers ConsumerSource, opts ...Option) *Authenticator {
	a := &Authenticator{
		consumers: consumers,
		keys:      newKeyCache(),
		logger:    observability.NopLogger(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Authenticate resolves the caller of rc. Failures are *apierror.GatewayError
// values in the authentication range, or E9003 when the registry is down.
func (a *Authenticator) Authenticate(ctx context.Context, rc *model.RequestContext) (*Identity, error) {
	token := bearerToken(rc.Headers.Get(HeaderAuthorization))
	fingerprint := rc.Headers.Get(HeaderCertFingerprint)

	if token == "" && fingerprint == "" {
		return nil, apierror.New(apierror.CodeMissingCredentials, "missing credentials")
	}

	var bearerErr error
	if token != "" {
		var id *Identity
		if isJWT(token) {
			id, bearerErr = a.authenticateJWT(ctx, token)
		} else {
			id, bearerErr = a.authenticateAPIKey(ctx, token)
		}
		if bearerErr == nil {
			return a.checkExpiry(id)
		}
		if fingerprint == "" {
			return nil, bearerErr
		}
	}

	id, err := a.authenticateMTLS(ctx, fingerprint)
	if err != nil {
		if bearerErr != nil {
			return nil, bearerErr
		}
		return nil, err
	}
	return a.checkExpiry(id)
}

func (a *Authenticator) checkExpiry(id *Identity) (*Identity, error) {
	if id.Consumer.CredentialExpired(a.now()) {
		return nil, apierror.New(apierror.CodeCredentialExpired, "credential expired").
			WithDetail("consumer_id", id.Consumer.ID)
	}
	return id, nil
}

// lookupFailure maps a registry error: a missing consumer becomes the
// method specific error, anything else means the data layer is down.
func lookupFailure(err error, notFound *apierror.GatewayError) error {
	if errors.Is(err, registry.ErrNotFound) {
		return notFound
	}
	return apierror.Wrap(apierror.CodeServiceUnavailable, "consumer registry unavailable", err)
}

func bearerToken(header string) string {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

// isJWT reports whether token has the three-segment compact JWS shape.
func isJWT(token string) bool {
	return strings.Count(token, ".") == 2
}
