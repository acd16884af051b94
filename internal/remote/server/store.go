package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

var errDocNotFound = errors.New("document not found")

const documentsSchema = `
CREATE TABLE IF NOT EXISTS documents (
	tenant TEXT NOT NULL,
	collection TEXT NOT NULL,
	id TEXT NOT NULL,
	data TEXT NOT NULL DEFAULT '{}',
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	PRIMARY KEY (tenant, collection, id)
);
CREATE INDEX IF NOT EXISTS idx_documents_collection ON documents(tenant, collection);
`

// docStore persists documents for the development server.
type docStore struct {
	db *sql.DB
}

// openDocStore opens the SQLite file at path, or a private in-memory
// database when path is empty.
func openDocStore(path string) (*docStore, error) {
	dsn := "file::memory:"
	if path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create server database directory: %w", err)
		}
		dsn = "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open server database: %w", err)
	}
	// One connection keeps the in-memory database shared and serializes writes.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(documentsSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create documents table: %w", err)
	}
	return &docStore{db: db}, nil
}

func (s *docStore) Close() error {
	return s.db.Close()
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

func stripID(data map[string]any) map[string]any {
	out := make(map[string]any, len(data))
	for k, v := range data {
		if k != "id" {
			out[k] = v
		}
	}
	return out
}

func withID(data map[string]any, id string) map[string]any {
	out := stripID(data)
	out["id"] = id
	return out
}

func (s *docStore) create(ctx context.Context, tenant, collection string, data map[string]any) (map[string]any, error) {
	id := uuid.NewString()
	if err := s.put(ctx, tenant, collection, id, data); err != nil {
		return nil, err
	}
	return withID(data, id), nil
}

// put creates or replaces a document.
func (s *docStore) put(ctx context.Context, tenant, collection, id string, data map[string]any) error {
	b, err := json.Marshal(stripID(data))
	if err != nil {
		return fmt.Errorf("failed to encode document: %w", err)
	}
	ts := now()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO documents (tenant, collection, id, data, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant, collection, id) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`,
		tenant, collection, id, string(b), ts, ts)
	if err != nil {
		return fmt.Errorf("failed to store document: %w", err)
	}
	return nil
}

func (s *docStore) get(ctx context.Context, tenant, collection, id string) (map[string]any, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM documents WHERE tenant = ? AND collection = ? AND id = ?`,
		tenant, collection, id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errDocNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load document: %w", err)
	}
	var data map[string]any
	if err := json.Unmarshal([]byte(raw), &data); err != nil {
		return nil, fmt.Errorf("failed to decode document: %w", err)
	}
	return data, nil
}

// patch merges fields into an existing document. A null value removes the key.
func (s *docStore) patch(ctx context.Context, tenant, collection, id string, fields map[string]any) (map[string]any, error) {
	data, err := s.get(ctx, tenant, collection, id)
	if err != nil {
		return nil, err
	}
	for k, v := range fields {
		if k == "id" {
			continue
		}
		if v == nil {
			delete(data, k)
			continue
		}
		data[k] = v
	}
	if err := s.put(ctx, tenant, collection, id, data); err != nil {
		return nil, err
	}
	return withID(data, id), nil
}

func (s *docStore) delete(ctx context.Context, tenant, collection, id string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM documents WHERE tenant = ? AND collection = ? AND id = ?`,
		tenant, collection, id)
	if err != nil {
		return fmt.Errorf("failed to delete document: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to delete document: %w", err)
	}
	if n == 0 {
		return errDocNotFound
	}
	return nil
}

func (s *docStore) list(ctx context.Context, tenant, collection string) ([]map[string]any, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, data FROM documents WHERE tenant = ? AND collection = ? ORDER BY created_at, id`,
		tenant, collection)
	if err != nil {
		return nil, fmt.Errorf("failed to list documents: %w", err)
	}
	defer rows.Close()

	out := []map[string]any{}
	for rows.Next() {
		var id, raw string
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, fmt.Errorf("failed to scan document: %w", err)
		}
		var data map[string]any
		if err := json.Unmarshal([]byte(raw), &data); err != nil {
			return nil, fmt.Errorf("failed to decode document %s: %w", id, err)
		}
		out = append(out, withID(data, id))
	}
	return out, rows.Err()
}
