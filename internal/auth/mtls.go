package auth

import (
	"context"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"

	"github.com/vyrodovalexey/avagate/internal/apierror"
	"github.com/vyrodovalexey/avagate/internal/config"
	"github.com/vyrodovalexey/avagate/internal/model"
)

func (a *Authenticator) authenticateMTLS(ctx context.Context, fingerprint string) (*Identity, error) {
	invalid := apierror.New(apierror.CodeInvalidCertificate, "invalid certificate")

	fp := config.NormalizeFingerprint(fingerprint)
	if len(fp) != sha256.Size*2 {
		return nil, invalid
	}
	if _, err := hex.DecodeString(fp); err != nil {
		return nil, invalid
	}

	consumer, err := a.consumers.FindConsumer(ctx, model.AuthMethodMTLS, fp)
	if err != nil {
		return nil, lookupFailure(err, invalid)
	}

	return &Identity{
		Consumer: consumer,
		Method:   model.AuthMethodMTLS,
		Scopes:   consumer.Scopes,
	}, nil
}

// CertificateFingerprint returns the lowercase hex SHA-256 of cert.
func CertificateFingerprint(cert *x509.Certificate) string {
	sum := sha256.Sum256(cert.Raw)
	return hex.EncodeToString(sum[:])
}
