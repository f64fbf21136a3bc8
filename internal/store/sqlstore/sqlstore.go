// Package sqlstore fetches record payloads from the relational tier for
// consistency inspection. Records live in a single table keyed by the
// logical record key, with the payload held as a JSON column.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"helmsman/internal/api"

	_ "modernc.org/sqlite"
)

// Store implements api.StoreFetcher against a SQLite database.
type Store struct {
	db *sql.DB
}

// Open opens (and if needed initializes) the database at path. Use
// ":memory:" for an ephemeral store in tests.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database: %w", err)
	}
	// modernc's driver is not safe for concurrent writes over multiple
	// connections on one file.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) init() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS records (
			key        TEXT PRIMARY KEY,
			payload    TEXT NOT NULL,
			updated_at INTEGER NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("initializing records table: %w", err)
	}
	return nil
}

// Kind identifies this store in consistency reports.
func (s *Store) Kind() api.StoreKind { return api.StoreRelational }

// Fetch retrieves and decodes the record row. A missing row is a clean miss.
func (s *Store) Fetch(ctx context.Context, key string) (api.FetchResult, error) {
	var raw string
	var updatedAt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT payload, updated_at FROM records WHERE key = ?`, key,
	).Scan(&raw, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return api.FetchResult{}, nil
	}
	if err != nil {
		return api.FetchResult{}, fmt.Errorf("querying record %s: %w", key, err)
	}

	var payload map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return api.FetchResult{}, fmt.Errorf("decoding record %s: %w", key, err)
	}
	return api.FetchResult{
		Found:     true,
		Payload:   payload,
		UpdatedAt: time.Unix(updatedAt, 0),
	}, nil
}

// Put inserts or replaces a record, used by ingestion and by tests.
func (s *Store) Put(ctx context.Context, key string, payload map[string]interface{}, updatedAt time.Time) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding record %s: %w", key, err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO records (key, payload, updated_at) VALUES (?, ?, ?)`,
		key, string(raw), updatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("writing record %s: %w", key, err)
	}
	return nil
}

// Ping verifies the database is reachable, used by the readiness endpoint.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
