package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/querywave/querywave/internal/quota"
	"github.com/querywave/querywave/internal/registry"
	"github.com/querywave/querywave/internal/schema"
)

// Store persists registry schemas and quota windows. It satisfies both
// registry.Persister and quota.Persister.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) HealthCheck(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping store db: %w", err)
	}
	return nil
}

func (s *Store) SaveSchema(ctx context.Context, stored registry.StoredSchema) error {
	specsJSON, err := json.Marshal(stored.Specs)
	if err != nil {
		return fmt.Errorf("marshal schema specs: %w", err)
	}

	query := `
INSERT INTO schema_record (schema_id, specs_json, created_at, expires_at)
VALUES ($1, $2::jsonb, $3, $4)
ON CONFLICT (schema_id)
DO UPDATE SET specs_json = EXCLUDED.specs_json, expires_at = EXCLUDED.expires_at`
	if _, err := s.db.ExecContext(ctx, query, stored.SchemaID, string(specsJSON), stored.CreatedAt, stored.ExpiresAt); err != nil {
		return fmt.Errorf("save schema: %w", err)
	}
	return nil
}

func (s *Store) DeleteSchema(ctx context.Context, schemaID string) error {
	query := `
DELETE FROM schema_record
WHERE schema_id = $1`
	if _, err := s.db.ExecContext(ctx, query, schemaID); err != nil {
		return fmt.Errorf("delete schema: %w", err)
	}
	return nil
}

func (s *Store) ListSchemas(ctx context.Context) ([]registry.StoredSchema, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT schema_id, specs_json, created_at, expires_at
FROM schema_record
ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("list schemas: %w", err)
	}
	defer func() { _ = rows.Close() }()

	schemas := make([]registry.StoredSchema, 0)
	for rows.Next() {
		var stored registry.StoredSchema
		var specsJSON []byte
		if err := rows.Scan(&stored.SchemaID, &specsJSON, &stored.CreatedAt, &stored.ExpiresAt); err != nil {
			return nil, fmt.Errorf("scan schema row: %w", err)
		}
		var specs []schema.TableSpec
		if err := json.Unmarshal(specsJSON, &specs); err != nil {
			return nil, fmt.Errorf("unmarshal schema specs for %s: %w", stored.SchemaID, err)
		}
		stored.Specs = specs
		schemas = append(schemas, stored)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate schema rows: %w", err)
	}
	return schemas, nil
}

func (s *Store) UpsertWindow(ctx context.Context, w quota.StoredWindow) error {
	query := `
INSERT INTO quota_window (client_id, class, window_start, request_count)
VALUES ($1, $2, $3, $4)
ON CONFLICT (client_id, class)
DO UPDATE SET window_start = EXCLUDED.window_start, request_count = EXCLUDED.request_count`
	if _, err := s.db.ExecContext(ctx, query, w.ClientID, string(w.Class), w.Start, w.Count); err != nil {
		return fmt.Errorf("upsert quota window: %w", err)
	}
	return nil
}

func (s *Store) ListWindows(ctx context.Context) ([]quota.StoredWindow, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT client_id, class, window_start, request_count
FROM quota_window
ORDER BY client_id ASC, class ASC`)
	if err != nil {
		return nil, fmt.Errorf("list quota windows: %w", err)
	}
	defer func() { _ = rows.Close() }()

	windows := make([]quota.StoredWindow, 0)
	for rows.Next() {
		var w quota.StoredWindow
		var class string
		if err := rows.Scan(&w.ClientID, &class, &w.Start, &w.Count); err != nil {
			return nil, fmt.Errorf("scan quota window row: %w", err)
		}
		w.Class = quota.Class(class)
		windows = append(windows, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate quota window rows: %w", err)
	}
	return windows, nil
}
