package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/vyrodovalexey/avagate/internal/config"
	"github.com/vyrodovalexey/avagate/internal/model"
	"github.com/vyrodovalexey/avagate/internal/observability"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS consumers (
	id               TEXT PRIMARY KEY,
	auth_method      TEXT NOT NULL,
	key_id           TEXT,
	cert_fingerprint TEXT,
	doc              TEXT NOT NULL,
	updated_at       TEXT NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_consumers_key_id
	ON consumers(key_id) WHERE key_id IS NOT NULL AND key_id != '';
CREATE UNIQUE INDEX IF NOT EXISTS idx_consumers_fingerprint
	ON consumers(cert_fingerprint) WHERE cert_fingerprint IS NOT NULL AND cert_fingerprint != '';

CREATE TABLE IF NOT EXISTS routes (
	id         TEXT PRIMARY KEY,
	position   INTEGER NOT NULL,
	doc        TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS audit_events (
	id          TEXT PRIMARY KEY,
	type        TEXT NOT NULL,
	occurred_at TEXT NOT NULL,
	payload     TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_audit_events_type ON audit_events(type, occurred_at);
`

// SQLite is a Registry stored in a SQLite database. Consumers and routes
// are kept as JSON documents in the same shape as the configuration file.
type SQLite struct {
	db      *sql.DB
	backend config.BackendConfig
	secrets SecretResolver
	logger  observability.Logger
}

// SQLiteOption configures the SQLite registry.
type SQLiteOption func(*SQLite)

// WithSQLiteLogger sets the logger.
func WithSQLiteLogger(logger observability.Logger) SQLiteOption {
	return func(s *SQLite) {
		s.logger = logger
	}
}

// WithSecretResolver resolves consumer webhook secrets on read.
func WithSecretResolver(r SecretResolver) SQLiteOption {
	return func(s *SQLite) {
		s.secrets = r
	}
}

// OpenSQLite opens or creates the database at path. backend supplies route
// defaults for timeouts and retries.
func OpenSQLite(path string, backend config.BackendConfig, opts ...SQLiteOption) (*SQLite, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if path == ":memory:" {
		// Each pooled connection would otherwise see its own empty database.
		db.SetMaxOpenConns(1)
	} else if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	s := &SQLite{
		db:      db,
		backend: backend,
		logger:  observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.logger.Info("sqlite registry opened", observability.String("path", path))
	return s, nil
}

// UpsertConsumer inserts or replaces a consumer.
func (s *SQLite) UpsertConsumer(ctx context.Context, c config.ConsumerConfig) error {
	doc, err := json.Marshal(c)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO consumers (id, auth_method, key_id, cert_fingerprint, doc, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			auth_method = excluded.auth_method,
			key_id = excluded.key_id,
			cert_fingerprint = excluded.cert_fingerprint,
			doc = excluded.doc,
			updated_at = excluded.updated_at`,
		c.ID, c.AuthMethod, c.KeyID, config.NormalizeFingerprint(c.CertFingerprint),
		string(doc), time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("upserting consumer %s: %w", c.ID, err)
	}
	return nil
}

// UpsertRoute inserts or replaces a route at position.
func (s *SQLite) UpsertRoute(ctx context.Context, position int, r config.RouteConfig) error {
	doc, err := json.Marshal(r)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO routes (id, position, doc, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			position = excluded.position,
			doc = excluded.doc,
			updated_at = excluded.updated_at`,
		r.ID, position, string(doc), time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("upserting route %s: %w", r.ID, err)
	}
	return nil
}

// DeleteRoute removes a route.
func (s *SQLite) DeleteRoute(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM routes WHERE id = ?`, id)
	return err
}

// Seed imports consumers and routes from cfg.
func (s *SQLite) Seed(ctx context.Context, cfg *config.GatewayConfig) error {
	for _, c := range cfg.Consumers {
		if err := s.UpsertConsumer(ctx, c); err != nil {
			return err
		}
	}
	for i, r := range cfg.Routes {
		if err := s.UpsertRoute(ctx, i, r); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLite) scanConsumer(ctx context.Context, row *sql.Row) (*model.ConsumerProfile, error) {
	var doc string
	if err := row.Scan(&doc); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("reading consumer: %w", err)
	}

	var cc config.ConsumerConfig
	if err := json.Unmarshal([]byte(doc), &cc); err != nil {
		return nil, fmt.Errorf("decoding consumer: %w", err)
	}
	return profileFromConfig(ctx, cc, s.secrets)
}

// GetConsumer implements Registry.
func (s *SQLite) GetConsumer(ctx context.Context, id string) (*model.ConsumerProfile, error) {
	return s.scanConsumer(ctx, s.db.QueryRowContext(ctx, `SELECT doc FROM consumers WHERE id = ?`, id))
}

// FindConsumer implements Registry.
func (s *SQLite) FindConsumer(ctx context.Context, method model.AuthMethod, credentialID string) (*model.ConsumerProfile, error) {
	var row *sql.Row
	switch method {
	case model.AuthMethodAPIKey:
		row = s.db.QueryRowContext(ctx,
			`SELECT doc FROM consumers WHERE key_id = ? AND auth_method = ?`, credentialID, string(method))
	case model.AuthMethodMTLS:
		row = s.db.QueryRowContext(ctx,
			`SELECT doc FROM consumers WHERE cert_fingerprint = ? AND auth_method = ?`,
			config.NormalizeFingerprint(credentialID), string(method))
	default:
		return nil, ErrNotFound
	}
	return s.scanConsumer(ctx, row)
}

// GetRouteDefinitions implements Registry.
func (s *SQLite) GetRouteDefinitions(ctx context.Context) ([]*model.RouteDefinition, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT doc FROM routes ORDER BY position, id`)
	if err != nil {
		return nil, fmt.Errorf("querying routes: %w", err)
	}
	defer rows.Close()

	var routes []*model.RouteDefinition
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var rc config.RouteConfig
		if err := json.Unmarshal([]byte(doc), &rc); err != nil {
			return nil, fmt.Errorf("decoding route: %w", err)
		}
		routes = append(routes, rc.Definition(s.backend))
	}
	return routes, rows.Err()
}

// PersistEvent implements Registry.
func (s *SQLite) PersistEvent(ctx context.Context, event EventRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_events (id, type, occurred_at, payload) VALUES (?, ?, ?, ?)`,
		event.ID, event.Type, event.OccurredAt.UTC().Format(time.RFC3339Nano), string(event.Payload),
	)
	if err != nil {
		return fmt.Errorf("persisting event %s: %w", event.ID, err)
	}
	return nil
}

// CountEvents returns the number of persisted events of eventType, or all
// events when eventType is empty.
func (s *SQLite) CountEvents(ctx context.Context, eventType string) (int, error) {
	var n int
	var err error
	if eventType == "" {
		err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM audit_events`).Scan(&n)
	} else {
		err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM audit_events WHERE type = ?`, eventType).Scan(&n)
	}
	return n, err
}

// Ping implements Registry.
func (s *SQLite) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close implements Registry.
func (s *SQLite) Close() error {
	return s.db.Close()
}
