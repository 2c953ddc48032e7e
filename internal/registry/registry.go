// Package registry is the gateway's view of the consumer and route data
// layer. The gateway only reads consumers and routes and appends audit
// events; ownership of that data lies elsewhere.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/vyrodovalexey/avagate/internal/model"
)

// ErrNotFound is returned when a consumer does not exist.
var ErrNotFound = errors.New("not found")

// EventRecord is an audit event as persisted by the data layer.
type EventRecord struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	OccurredAt time.Time       `json:"occurred_at"`
	Payload    json.RawMessage `json:"payload"`
}

// Registry is the data layer contract consumed by the pipeline.
type Registry interface {
	// GetConsumer returns the consumer with id.
	GetConsumer(ctx context.Context, id string) (*model.ConsumerProfile, error)

	// FindConsumer resolves a consumer by credential: the key id for API
	// keys or the certificate fingerprint for mTLS.
	FindConsumer(ctx context.Context, method model.AuthMethod, credentialID string) (*model.ConsumerProfile, error)

	// GetRouteDefinitions returns routes in registration order.
	GetRouteDefinitions(ctx context.Context) ([]*model.RouteDefinition, error)

	// PersistEvent appends an audit event.
	PersistEvent(ctx context.Context, event EventRecord) error

	Ping(ctx context.Context) error
	Close() error
}

// SecretResolver turns secret references into values.
type SecretResolver interface {
	Resolve(ctx context.Context, ref string) (string, error)
}
