package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	"github.com/thisai/crmsync/internal/offline/schema"
)

// DefaultDriver is the database/sql driver used when Options.Driver is empty.
const DefaultDriver = "sqlite3"

type driverInfo struct {
	// dsn builds the connection string for path.
	dsn func(path string) string
	// dsnPragmas is true when dsn already applies per-connection pragmas.
	dsnPragmas bool
}

var drivers = map[string]driverInfo{
	"sqlite3": {
		dsn: func(path string) string {
			return fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_txlock=immediate", path)
		},
		dsnPragmas: true,
	},
}

// Options configures Open.
type Options struct {
	// Driver selects the database/sql driver ("sqlite3" by default; "libsql"
	// when built with the libsql tag).
	Driver string

	// TargetVersion caps the schema version applied on open (0 = latest).
	TargetVersion int

	// AllowDestructiveReset lets Open destroy and recreate a database whose
	// schema cannot be reconciled. Without it Open returns a
	// *SchemaMismatchError instead.
	AllowDestructiveReset bool

	// OnReset is called after a destructive reset.
	OnReset func(ResetEvent)

	// Logger for store activity (default: stderr logger).
	Logger *log.Logger
}

// DB is the SQLite-backed local store.
type DB struct {
	conn    *sql.DB
	path    string
	driver  string
	version int
	reset   *ResetEvent
	logger  *log.Logger
}

// Open opens (creating if needed) the local database at path and brings its
// schema up to date.
//
// The caller MUST call Close() when done.
//
// Example:
//
//	db, err := store.Open(".crmsync/offline.db", nil)
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
func Open(path string, opts *Options) (*DB, error) {
	return OpenContext(context.Background(), path, opts)
}

// OpenContext is Open with context support.
func OpenContext(ctx context.Context, path string, opts *Options) (*DB, error) {
	if opts == nil {
		opts = &Options{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[store] ", log.LstdFlags)
	}
	driver := opts.Driver
	if driver == "" {
		driver = DefaultDriver
	}
	if _, ok := drivers[driver]; !ok {
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
	want := opts.TargetVersion
	if want <= 0 || want > LatestVersion() {
		want = LatestVersion()
	}

	db, err := openConn(path, driver, logger)
	if err != nil {
		return nil, err
	}

	err = db.migrate(ctx, want)
	if err == nil {
		return db, nil
	}
	_ = db.Close()

	var mismatch *SchemaMismatchError
	if !errors.As(err, &mismatch) || !opts.AllowDestructiveReset {
		return nil, err
	}

	logger.Printf("WARNING: destroying local database %s (on disk v%d, want v%d): %s; unsynced local records are lost",
		path, mismatch.OnDisk, mismatch.Want, mismatch.Reason)

	if err := removeDatabaseFiles(path); err != nil {
		return nil, fmt.Errorf("failed to remove database for reset: %w", err)
	}

	db, err = openConn(path, driver, logger)
	if err != nil {
		return nil, err
	}
	if err := db.migrate(ctx, want); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to migrate recreated database: %w", err)
	}

	event := ResetEvent{
		Path:          path,
		OnDiskVersion: mismatch.OnDisk,
		WantVersion:   mismatch.Want,
		Reason:        mismatch.Reason,
		At:            time.Now(),
	}
	db.reset = &event
	if opts.OnReset != nil {
		opts.OnReset(event)
	}
	return db, nil
}

func openConn(path, driver string, logger *log.Logger) (*DB, error) {
	// Ensure parent directory exists
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	info := drivers[driver]
	conn, err := sql.Open(driver, info.dsn(path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	db := &DB{
		conn:   conn,
		path:   path,
		driver: driver,
		logger: logger,
	}

	// WAL persists in the file; the other pragmas are per connection.
	if _, err := db.conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if !info.dsnPragmas {
		if _, err := db.conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to set busy timeout: %w", err)
		}
		if _, err := db.conn.Exec("PRAGMA foreign_keys=ON"); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
		}
	}

	return db, nil
}

// Destroy removes the database at path with its WAL and shared-memory
// files. The database must not be open.
func Destroy(path string) error {
	return removeDatabaseFiles(path)
}

func removeDatabaseFiles(path string) error {
	for _, p := range []string{path, path + "-wal", path + "-shm"} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}

// RawDB returns the underlying sql.DB connection.
func (db *DB) RawDB() *sql.DB {
	return db.conn
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// Version returns the schema version applied to the database.
func (db *DB) Version() int {
	return db.version
}

// ResetEvent returns the destructive reset performed by Open, if any.
func (db *DB) ResetEvent() *ResetEvent {
	return db.reset
}

// Close closes the database connection.
// Performs a WAL checkpoint to ensure all changes are persisted.
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}

	if _, err := db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		db.logger.Printf("Warning: failed to checkpoint WAL: %v", err)
	}

	if err := db.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	db.conn = nil
	return nil
}

func (db *DB) checkOpen() error {
	if db.conn == nil {
		return ErrClosed
	}
	return nil
}

// Stats returns row and pending-sync counts for every entity store present
// in the schema.
func (db *DB) Stats(ctx context.Context) ([]StoreStats, error) {
	if err := db.checkOpen(); err != nil {
		return nil, err
	}

	var stats []StoreStats
	for _, name := range db.stores() {
		var s StoreStats
		s.Store = name
		query := fmt.Sprintf("SELECT COUNT(*), COALESCE(SUM(pending_sync), 0) FROM %s", name)
		if err := db.conn.QueryRowContext(ctx, query).Scan(&s.Count, &s.Pending); err != nil {
			return nil, fmt.Errorf("failed to count %s: %w", name, err)
		}
		stats = append(stats, s)
	}
	return stats, nil
}

// ClearAll empties every entity table, the sync queue and cache metadata.
// The schema and migration history are kept.
func (db *DB) ClearAll(ctx context.Context) error {
	if err := db.checkOpen(); err != nil {
		return err
	}

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	tables := append(db.stores(), "sync_queue", "cache_meta")
	for _, table := range tables {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("failed to clear %s: %w", table, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// stores lists the entity tables created by the applied migrations.
func (db *DB) stores() []string {
	var out []string
	for _, m := range migrations {
		if m.version > db.version {
			break
		}
		out = append(out, m.stores...)
	}
	return out
}

// hasStore reports whether the applied schema has a table for store.
func (db *DB) hasStore(store string) error {
	if err := schema.CheckStore(store); err != nil {
		return err
	}
	for _, s := range db.stores() {
		if s == store {
			return nil
		}
	}
	return fmt.Errorf("store %q requires a newer schema than v%d", store, db.version)
}
