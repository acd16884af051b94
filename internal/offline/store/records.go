package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/thisai/crmsync/internal/offline/schema"
)

const recordColumns = "id, origin, state, pending_sync, saved_at, synced_at, data"

// rowScanner is implemented by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*schema.Record, error) {
	var (
		rec      schema.Record
		origin   string
		state    string
		pending  int
		savedAt  string
		syncedAt sql.NullString
		data     string
	)
	if err := row.Scan(&rec.ID, &origin, &state, &pending, &savedAt, &syncedAt, &data); err != nil {
		return nil, err
	}
	rec.Origin = schema.Origin(origin)
	rec.State = schema.SyncState(state)
	rec.PendingSync = pending != 0
	rec.SavedAt = parseTimeString(savedAt)
	if syncedAt.Valid && syncedAt.String != "" {
		t := parseTimeString(syncedAt.String)
		rec.SyncedAt = &t
	}
	if err := json.Unmarshal([]byte(data), &rec.Fields); err != nil {
		return nil, fmt.Errorf("failed to decode record %s: %w", rec.ID, err)
	}
	if rec.Fields == nil {
		rec.Fields = map[string]any{}
	}
	return &rec, nil
}

func recordArgs(rec *schema.Record) ([]any, error) {
	data, err := json.Marshal(rec.Fields)
	if err != nil {
		return nil, fmt.Errorf("failed to encode record %s: %w", rec.ID, err)
	}
	var synced any
	if rec.SyncedAt != nil {
		synced = timeString(*rec.SyncedAt)
	}
	pending := 0
	if rec.PendingSync {
		pending = 1
	}
	return []any{rec.ID, string(rec.Origin), string(rec.State), pending, timeString(rec.SavedAt), synced, string(data)}, nil
}

func upsertSQL(store string) string {
	return fmt.Sprintf(`
		INSERT INTO %s (%s) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			origin = excluded.origin,
			state = excluded.state,
			pending_sync = excluded.pending_sync,
			saved_at = excluded.saved_at,
			synced_at = excluded.synced_at,
			data = excluded.data`, store, recordColumns)
}

// Put upserts rec into store.
func (db *DB) Put(ctx context.Context, store string, rec *schema.Record) error {
	if err := db.checkOpen(); err != nil {
		return err
	}
	if err := db.hasStore(store); err != nil {
		return err
	}
	if err := rec.Validate(); err != nil {
		return err
	}
	args, err := recordArgs(rec)
	if err != nil {
		return err
	}
	if _, err := db.conn.ExecContext(ctx, upsertSQL(store), args...); err != nil {
		return fmt.Errorf("failed to put %s/%s: %w", store, rec.ID, err)
	}
	return nil
}

// GetAll returns every record in store.
func (db *DB) GetAll(ctx context.Context, store string) ([]*schema.Record, error) {
	if err := db.checkOpen(); err != nil {
		return nil, err
	}
	if err := db.hasStore(store); err != nil {
		return nil, err
	}

	rows, err := db.conn.QueryContext(ctx, fmt.Sprintf("SELECT %s FROM %s", recordColumns, store))
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", store, err)
	}
	defer rows.Close()

	var out []*schema.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan %s row: %w", store, err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating %s: %w", store, err)
	}
	return out, nil
}

// Get returns one record or an error wrapping schema.ErrNotFound.
func (db *DB) Get(ctx context.Context, store, id string) (*schema.Record, error) {
	if err := db.checkOpen(); err != nil {
		return nil, err
	}
	if err := db.hasStore(store); err != nil {
		return nil, err
	}

	row := db.conn.QueryRowContext(ctx, fmt.Sprintf("SELECT %s FROM %s WHERE id = ?", recordColumns, store), id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s/%s", schema.ErrNotFound, store, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get %s/%s: %w", store, id, err)
	}
	return rec, nil
}

// Delete removes a record. Missing records are ignored.
func (db *DB) Delete(ctx context.Context, store, id string) error {
	if err := db.checkOpen(); err != nil {
		return err
	}
	if err := db.hasStore(store); err != nil {
		return err
	}
	if _, err := db.conn.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE id = ?", store), id); err != nil {
		return fmt.Errorf("failed to delete %s/%s: %w", store, id, err)
	}
	return nil
}

// Replace deletes oldID and upserts rec in one transaction.
func (db *DB) Replace(ctx context.Context, store, oldID string, rec *schema.Record) error {
	if err := db.checkOpen(); err != nil {
		return err
	}
	if err := db.hasStore(store); err != nil {
		return err
	}
	if err := rec.Validate(); err != nil {
		return err
	}
	args, err := recordArgs(rec)
	if err != nil {
		return err
	}

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE id = ?", store), oldID); err != nil {
		return fmt.Errorf("failed to delete %s/%s: %w", store, oldID, err)
	}
	if _, err := tx.ExecContext(ctx, upsertSQL(store), args...); err != nil {
		return fmt.Errorf("failed to insert %s/%s: %w", store, rec.ID, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Clear removes every record from store.
func (db *DB) Clear(ctx context.Context, store string) error {
	if err := db.checkOpen(); err != nil {
		return err
	}
	if err := db.hasStore(store); err != nil {
		return err
	}
	if _, err := db.conn.ExecContext(ctx, "DELETE FROM "+store); err != nil {
		return fmt.Errorf("failed to clear %s: %w", store, err)
	}
	return nil
}

// GetMeta returns the cache metadata for store.
func (db *DB) GetMeta(ctx context.Context, store string) (*schema.CacheMeta, error) {
	if err := db.checkOpen(); err != nil {
		return nil, err
	}

	meta := &schema.CacheMeta{Store: store}
	var lastSync sql.NullString
	err := db.conn.QueryRowContext(ctx,
		`SELECT last_sync, item_count, version FROM cache_meta WHERE store = ?`, store,
	).Scan(&lastSync, &meta.ItemCount, &meta.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return meta, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get cache meta for %s: %w", store, err)
	}
	if lastSync.Valid && lastSync.String != "" {
		t := parseTimeString(lastSync.String)
		meta.LastSync = &t
	}
	return meta, nil
}

// PutMeta upserts cache metadata.
func (db *DB) PutMeta(ctx context.Context, meta *schema.CacheMeta) error {
	if err := db.checkOpen(); err != nil {
		return err
	}

	var lastSync any
	if meta.LastSync != nil {
		lastSync = timeString(*meta.LastSync)
	}
	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO cache_meta (store, last_sync, item_count, version) VALUES (?, ?, ?, ?)
		ON CONFLICT(store) DO UPDATE SET
			last_sync = excluded.last_sync,
			item_count = excluded.item_count,
			version = excluded.version`,
		meta.Store, lastSync, meta.ItemCount, meta.Version)
	if err != nil {
		return fmt.Errorf("failed to put cache meta for %s: %w", meta.Store, err)
	}
	return nil
}

// GetFlag reads a durable flag.
func (db *DB) GetFlag(ctx context.Context, key string) (string, bool, error) {
	if err := db.checkOpen(); err != nil {
		return "", false, err
	}

	var value string
	err := db.conn.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to get flag %s: %w", key, err)
	}
	return value, true, nil
}

// SetFlag writes a durable flag.
func (db *DB) SetFlag(ctx context.Context, key, value string) error {
	if err := db.checkOpen(); err != nil {
		return err
	}

	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, timeString(time.Now()))
	if err != nil {
		return fmt.Errorf("failed to set flag %s: %w", key, err)
	}
	return nil
}
