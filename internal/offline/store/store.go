// Package store provides the durable local store for the offline-first data
// layer.
//
// Two implementations share the LocalStore contract:
//
//   - DB: one SQLite database (ncruces/go-sqlite3, WAL mode) with one table
//     per entity store plus sync_queue, cache_meta, kv and schema_migrations.
//   - FlatStore: one JSON array file per entity store. It doubles as the
//     legacy flat-list mirror and as the degraded fallback when the database
//     cannot be opened.
//
// Resilient combines the two so that storage errors never reach the caller
// as hard failures.
package store

import (
	"context"
	"time"

	"github.com/thisai/crmsync/internal/offline/schema"
)

// LocalStore is a keyed, per-entity-store persistent record store.
//
// All methods are safe for concurrent use. Operations are atomic per key;
// no cross-key transactions are offered except Replace.
type LocalStore interface {
	// Put upserts rec into store. Idempotent.
	Put(ctx context.Context, store string, rec *schema.Record) error

	// GetAll returns every record held for store. Order is unspecified.
	GetAll(ctx context.Context, store string) ([]*schema.Record, error)

	// Get returns one record or an error wrapping schema.ErrNotFound.
	Get(ctx context.Context, store, id string) (*schema.Record, error)

	// Delete removes a record. Deleting an absent key is not an error.
	Delete(ctx context.Context, store, id string) error

	// Replace deletes oldID and inserts rec in one step. It is the ID-remap
	// primitive: the two rows never coexist.
	Replace(ctx context.Context, store, oldID string, rec *schema.Record) error

	// Clear removes every record from store.
	Clear(ctx context.Context, store string) error

	// Close releases resources.
	Close() error
}

// MetaStore persists per-store cache metadata.
type MetaStore interface {
	// GetMeta returns the metadata for store. A store that was never
	// refreshed yields a zero CacheMeta, not an error.
	GetMeta(ctx context.Context, store string) (*schema.CacheMeta, error)
	PutMeta(ctx context.Context, meta *schema.CacheMeta) error
}

// Flags is a small durable key/value space for one-shot markers such as the
// legacy migration completion flag.
type Flags interface {
	GetFlag(ctx context.Context, key string) (string, bool, error)
	SetFlag(ctx context.Context, key, value string) error
}

// StoreStats summarizes one entity store.
type StoreStats struct {
	Store   string `json:"store" yaml:"store"`
	Count   int    `json:"count" yaml:"count"`
	Pending int    `json:"pending" yaml:"pending"`
}

// ResetEvent describes a destructive recreation of the local database.
// Records that existed only locally were lost when it fired.
type ResetEvent struct {
	Path          string    `json:"path"`
	OnDiskVersion int       `json:"on_disk_version"`
	WantVersion   int       `json:"want_version"`
	Reason        string    `json:"reason"`
	At            time.Time `json:"at"`
}

func timeString(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTimeString(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
