package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/thisai/crmsync/internal/offline/schema"
)

// The methods below persist sync queue entries in the sync_queue table.

const entryColumns = "id, seq, type, store, record_id, origin, data, ts, retry_count, status, last_error"

func scanEntry(row rowScanner) (*schema.QueueEntry, error) {
	var (
		e         schema.QueueEntry
		typ       string
		origin    string
		data      sql.NullString
		ts        int64
		status    string
		lastError sql.NullString
	)
	if err := row.Scan(&e.ID, &e.Seq, &typ, &e.Store, &e.RecordID, &origin, &data, &ts, &e.RetryCount, &status, &lastError); err != nil {
		return nil, err
	}
	e.Type = schema.Op(typ)
	e.Origin = schema.Origin(origin)
	e.Timestamp = time.Unix(0, ts)
	e.Status = schema.QueueStatus(status)
	e.LastError = lastError.String
	if data.Valid && data.String != "" && data.String != "null" {
		if err := json.Unmarshal([]byte(data.String), &e.Data); err != nil {
			return nil, fmt.Errorf("failed to decode queue entry %s: %w", e.ID, err)
		}
	}
	return &e, nil
}

func entryData(e *schema.QueueEntry) (any, error) {
	if e.Data == nil {
		return nil, nil
	}
	b, err := json.Marshal(e.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to encode queue entry %s: %w", e.ID, err)
	}
	return string(b), nil
}

// InsertEntry appends e to the queue and assigns its sequence number.
func (db *DB) InsertEntry(ctx context.Context, e *schema.QueueEntry) error {
	if err := db.checkOpen(); err != nil {
		return err
	}
	if err := e.Validate(); err != nil {
		return err
	}
	data, err := entryData(e)
	if err != nil {
		return err
	}

	err = db.conn.QueryRowContext(ctx, `
		INSERT INTO sync_queue (id, seq, type, store, record_id, origin, data, ts, retry_count, status, last_error)
		VALUES (?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM sync_queue), ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING seq`,
		e.ID, string(e.Type), e.Store, e.RecordID, string(e.Origin), data,
		e.Timestamp.UnixNano(), e.RetryCount, string(e.Status), nullString(e.LastError),
	).Scan(&e.Seq)
	if err != nil {
		return fmt.Errorf("failed to insert queue entry: %w", err)
	}
	return nil
}

// ListEntries returns every queue entry in FIFO order.
func (db *DB) ListEntries(ctx context.Context) ([]*schema.QueueEntry, error) {
	if err := db.checkOpen(); err != nil {
		return nil, err
	}

	rows, err := db.conn.QueryContext(ctx,
		fmt.Sprintf("SELECT %s FROM sync_queue ORDER BY ts, seq", entryColumns))
	if err != nil {
		return nil, fmt.Errorf("failed to query sync queue: %w", err)
	}
	defer rows.Close()

	var out []*schema.QueueEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan queue entry: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sync queue: %w", err)
	}
	return out, nil
}

// UpdateEntry rewrites a queued entry. Missing entries yield schema.ErrNotFound.
func (db *DB) UpdateEntry(ctx context.Context, e *schema.QueueEntry) error {
	if err := db.checkOpen(); err != nil {
		return err
	}
	data, err := entryData(e)
	if err != nil {
		return err
	}

	res, err := db.conn.ExecContext(ctx, `
		UPDATE sync_queue
		SET record_id = ?, origin = ?, data = ?, retry_count = ?, status = ?, last_error = ?
		WHERE id = ?`,
		e.RecordID, string(e.Origin), data, e.RetryCount, string(e.Status), nullString(e.LastError), e.ID)
	if err != nil {
		return fmt.Errorf("failed to update queue entry %s: %w", e.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update queue entry %s: %w", e.ID, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: queue entry %s", schema.ErrNotFound, e.ID)
	}
	return nil
}

// DeleteEntry removes a queue entry. Missing entries are ignored.
func (db *DB) DeleteEntry(ctx context.Context, id string) error {
	if err := db.checkOpen(); err != nil {
		return err
	}
	if _, err := db.conn.ExecContext(ctx, `DELETE FROM sync_queue WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete queue entry %s: %w", id, err)
	}
	return nil
}

// ClearEntries empties the queue.
func (db *DB) ClearEntries(ctx context.Context) error {
	if err := db.checkOpen(); err != nil {
		return err
	}
	if _, err := db.conn.ExecContext(ctx, `DELETE FROM sync_queue`); err != nil {
		return fmt.Errorf("failed to clear sync queue: %w", err)
	}
	return nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
