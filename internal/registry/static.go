package registry

import (
	"context"
	"fmt"
	"sync"

	"github.com/vyrodovalexey/avagate/internal/config"
	"github.com/vyrodovalexey/avagate/internal/model"
)

const maxStaticEvents = 1000

// Static serves consumers and routes declared in the configuration file.
// Audit events are kept in a bounded in-memory buffer.
type Static struct {
	mu            sync.RWMutex
	consumers     map[string]*model.ConsumerProfile
	byKeyID       map[string]*model.ConsumerProfile
	byFingerprint map[string]*model.ConsumerProfile
	routes        []*model.RouteDefinition

	eventsMu sync.Mutex
	events   []EventRecord
}

// NewStatic builds a registry from cfg. Webhook secrets are resolved with
// secrets when it is non-nil.
func NewStatic(ctx context.Context, cfg *config.GatewayConfig, secrets SecretResolver) (*Static, error) {
	s := &Static{}
	if err := s.Reload(ctx, cfg, secrets); err != nil {
		return nil, err
	}
	return s, nil
}

// Reload replaces consumers and routes with those in cfg.
func (s *Static) Reload(ctx context.Context, cfg *config.GatewayConfig, secrets SecretResolver) error {
	consumers := make(map[string]*model.ConsumerProfile, len(cfg.Consumers))
	byKeyID := make(map[string]*model.ConsumerProfile)
	byFingerprint := make(map[string]*model.ConsumerProfile)

	for _, cc := range cfg.Consumers {
		p, err := profileFromConfig(ctx, cc, secrets)
		if err != nil {
			return err
		}
		consumers[p.ID] = p
		if p.KeyID != "" {
			byKeyID[p.KeyID] = p
		}
		if p.CertFingerprint != "" {
			byFingerprint[p.CertFingerprint] = p
		}
	}

	routes := make([]*model.RouteDefinition, 0, len(cfg.Routes))
	for _, rc := range cfg.Routes {
		routes = append(routes, rc.Definition(cfg.Backend))
	}

	s.mu.Lock()
	s.consumers = consumers
	s.byKeyID = byKeyID
	s.byFingerprint = byFingerprint
	s.routes = routes
	s.mu.Unlock()
	return nil
}

func profileFromConfig(ctx context.Context, cc config.ConsumerConfig, secrets SecretResolver) (*model.ConsumerProfile, error) {
	p, err := cc.Profile()
	if err != nil {
		return nil, fmt.Errorf("consumer %s: %w", cc.ID, err)
	}
	if p.Webhook != nil && secrets != nil {
		secret, err := secrets.Resolve(ctx, p.Webhook.Secret)
		if err != nil {
			return nil, fmt.Errorf("consumer %s webhook secret: %w", cc.ID, err)
		}
		p.Webhook.Secret = secret
	}
	return p, nil
}

// GetConsumer implements Registry.
func (s *Static) GetConsumer(_ context.Context, id string) (*model.ConsumerProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if p, ok := s.consumers[id]; ok {
		return p, nil
	}
	return nil, ErrNotFound
}

// FindConsumer implements Registry.
func (s *Static) FindConsumer(_ context.Context, method model.AuthMethod, credentialID string) (*model.ConsumerProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var p *model.ConsumerProfile
	switch method {
	case model.AuthMethodAPIKey:
		p = s.byKeyID[credentialID]
	case model.AuthMethodMTLS:
		p = s.byFingerprint[config.NormalizeFingerprint(credentialID)]
	}
	if p == nil || p.AuthMethod != method {
		return nil, ErrNotFound
	}
	return p, nil
}

// GetRouteDefinitions implements Registry.
func (s *Static) GetRouteDefinitions(context.Context) ([]*model.RouteDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*model.RouteDefinition(nil), s.routes...), nil
}

// PersistEvent implements Registry.
func (s *Static) PersistEvent(_ context.Context, event EventRecord) error {
	s.eventsMu.Lock()
	defer s.eventsMu.Unlock()
	if len(s.events) >= maxStaticEvents {
		s.events = s.events[1:]
	}
	s.events = append(s.events, event)
	return nil
}

// Events returns a copy of the buffered audit events.
func (s *Static) Events() []EventRecord {
	s.eventsMu.Lock()
	defer s.eventsMu.Unlock()
	return append([]EventRecord(nil), s.events...)
}

// Ping implements Registry.
func (s *Static) Ping(context.Context) error { return nil }

// Close implements Registry.
func (s *Static) Close() error { return nil }
