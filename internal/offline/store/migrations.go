package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/thisai/crmsync/internal/offline/schema"
)

// migration is one additive schema step. Applied migrations are recorded in
// schema_migrations together with a checksum of their SQL.
type migration struct {
	version     int
	description string
	stores      []string
	sql         string
}

func entityTable(name string) string {
	return fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS %[1]s (
		id TEXT PRIMARY KEY,
		origin TEXT NOT NULL,
		state TEXT NOT NULL,
		pending_sync INTEGER NOT NULL DEFAULT 0,
		saved_at TEXT NOT NULL,
		synced_at TEXT,
		data TEXT NOT NULL DEFAULT '{}'
	);
	CREATE INDEX IF NOT EXISTS idx_%[1]s_pending ON %[1]s(pending_sync);
	`, name)
}

const coreTables = `
	CREATE TABLE IF NOT EXISTS sync_queue (
		id TEXT PRIMARY KEY,
		seq INTEGER NOT NULL,
		type TEXT NOT NULL,
		store TEXT NOT NULL,
		record_id TEXT NOT NULL,
		origin TEXT NOT NULL,
		data TEXT,
		ts INTEGER NOT NULL,
		retry_count INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'pending',
		last_error TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_sync_queue_order ON sync_queue(ts, seq);
	CREATE INDEX IF NOT EXISTS idx_sync_queue_record ON sync_queue(store, record_id);
	CREATE INDEX IF NOT EXISTS idx_sync_queue_status ON sync_queue(status);

	CREATE TABLE IF NOT EXISTS cache_meta (
		store TEXT PRIMARY KEY,
		last_sync TEXT,
		item_count INTEGER NOT NULL DEFAULT 0,
		version INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS kv (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
`

var migrations = []migration{
	{
		version:     1,
		description: "core entity tables, sync queue, cache metadata",
		stores: []string{
			schema.StoreItems,
			schema.StoreParties,
			schema.StoreInvoices,
			schema.StoreExpenses,
			schema.StoreQuotations,
		},
	},
	{
		version:     2,
		description: "payments",
		stores:      []string{schema.StorePayments},
	},
	{
		version:     3,
		description: "delivery challans",
		stores:      []string{schema.StoreDeliveryChallans},
	},
}

func init() {
	for i := range migrations {
		var b strings.Builder
		if migrations[i].version == 1 {
			b.WriteString(coreTables)
		}
		for _, s := range migrations[i].stores {
			b.WriteString(entityTable(s))
		}
		migrations[i].sql = b.String()
	}
}

// LatestVersion returns the newest schema version this build can apply.
func LatestVersion() int {
	return migrations[len(migrations)-1].version
}

func (m migration) checksum() string {
	sum := sha256.Sum256([]byte(m.sql))
	return hex.EncodeToString(sum[:])
}

func findMigration(version int) (migration, bool) {
	for _, m := range migrations {
		if m.version == version {
			return m, true
		}
	}
	return migration{}, false
}

// AppliedMigration is one row of schema_migrations.
type AppliedMigration struct {
	Version     int
	AppliedAt   time.Time
	Description string
	Checksum    string
}

// AppliedMigrations returns the migration history in version order.
func (db *DB) AppliedMigrations(ctx context.Context) ([]AppliedMigration, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT version, applied_at, description, checksum FROM schema_migrations ORDER BY version`)
	if err != nil {
		return nil, fmt.Errorf("failed to query migrations: %w", err)
	}
	defer rows.Close()

	var out []AppliedMigration
	for rows.Next() {
		var m AppliedMigration
		var appliedAt string
		if err := rows.Scan(&m.Version, &appliedAt, &m.Description, &m.Checksum); err != nil {
			return nil, fmt.Errorf("failed to scan migration: %w", err)
		}
		m.AppliedAt = parseTimeString(appliedAt)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating migrations: %w", err)
	}
	return out, nil
}

// migrate verifies the recorded history and applies missing versions up to
// want. History it cannot reconcile yields a *SchemaMismatchError.
func (db *DB) migrate(ctx context.Context, want int) error {
	const history = `
	CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		applied_at TEXT NOT NULL,
		description TEXT NOT NULL,
		checksum TEXT NOT NULL
	)`
	if _, err := db.conn.ExecContext(ctx, history); err != nil {
		return fmt.Errorf("failed to create schema_migrations: %w", err)
	}

	applied, err := db.AppliedMigrations(ctx)
	if err != nil {
		return err
	}

	onDisk := 0
	done := make(map[int]bool, len(applied))
	for _, a := range applied {
		if a.Version > onDisk {
			onDisk = a.Version
		}
		done[a.Version] = true
	}

	for _, a := range applied {
		known, ok := findMigration(a.Version)
		if !ok {
			return &SchemaMismatchError{OnDisk: onDisk, Want: want,
				Reason: fmt.Sprintf("database has unknown schema version %d", a.Version)}
		}
		if known.checksum() != a.Checksum {
			return &SchemaMismatchError{OnDisk: onDisk, Want: want,
				Reason: fmt.Sprintf("checksum mismatch for schema version %d", a.Version)}
		}
	}
	if onDisk > want {
		return &SchemaMismatchError{OnDisk: onDisk, Want: want,
			Reason: "database is newer than the requested schema"}
	}

	for _, m := range migrations {
		if m.version > want || done[m.version] {
			continue
		}
		if err := db.apply(ctx, m); err != nil {
			return fmt.Errorf("failed to apply schema version %d: %w", m.version, err)
		}
		db.logger.Printf("Applied schema version %d (%s)", m.version, m.description)
	}

	db.version = want
	return nil
}

func (db *DB) apply(ctx context.Context, m migration) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, m.sql); err != nil {
		return fmt.Errorf("failed to execute migration SQL: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO schema_migrations (version, applied_at, description, checksum) VALUES (?, ?, ?, ?)`,
		m.version, timeString(time.Now()), m.description, m.checksum())
	if err != nil {
		return fmt.Errorf("failed to record migration: %w", err)
	}

	return tx.Commit()
}
