// Package migrate imports flat-list records kept by earlier releases into
// the remote store.
//
// The import runs at most once successfully per tenant. A run that cannot
// reach the remote store, or that fails on any row, leaves the completion
// flag unset so the next start retries; rows already migrated are detected
// and never sent twice.
package migrate

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/thisai/crmsync/internal/offline/store"
	"github.com/thisai/crmsync/internal/remote"
)

// Version is bumped when the import has to run again on every device.
const Version = "v1"

// DefaultCollections are the flat lists written by earlier releases.
var DefaultCollections = []string{"items", "parties", "invoices", "expenses", "quotations", "leads"}

// idPattern accepts the IDs the remote store and earlier releases produce.
var idPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_\-.:]{0,127}$`)

// LegacySource yields the raw rows of a legacy collection.
type LegacySource interface {
	LoadLegacy(ctx context.Context, collection string) ([]map[string]any, error)
}

// legacyFiles is implemented by sources backed by files that can be copied
// before a run.
type legacyFiles interface {
	LegacyPath(collection string) string
}

// Options configures one migration run.
type Options struct {
	Tenant      string
	Collections []string
	Source      LegacySource
	Flags       store.Flags
	Remote      remote.Client

	// DryRun reports what would be migrated without writing anything.
	DryRun bool
	// Backup copies each legacy file before the run.
	Backup    bool
	BackupDir string

	Logger *log.Logger
}

// CollectionResult is the outcome for one collection.
type CollectionResult struct {
	Found    int `json:"found" yaml:"found"`
	Migrated int `json:"migrated" yaml:"migrated"`
	Skipped  int `json:"skipped" yaml:"skipped"`
	Failed   int `json:"failed" yaml:"failed"`
}

// Result summarizes a run.
type Result struct {
	Found           int                          `json:"found" yaml:"found"`
	Migrated        int                          `json:"migrated" yaml:"migrated"`
	Skipped         int                          `json:"skipped" yaml:"skipped"`
	AlreadyComplete bool                         `json:"already_complete" yaml:"already_complete"`
	Completed       bool                         `json:"completed" yaml:"completed"`
	DryRun          bool                         `json:"dry_run,omitempty" yaml:"dry_run,omitempty"`
	BackupCreated   []string                     `json:"backup_created,omitempty" yaml:"backup_created,omitempty"`
	Errors          []string                     `json:"errors,omitempty" yaml:"errors,omitempty"`
	Collections     map[string]*CollectionResult `json:"collections" yaml:"collections"`
}

// FlagKey returns the completion flag key for a tenant.
func FlagKey(tenant string) string {
	if tenant == "" {
		tenant = "default"
	}
	return fmt.Sprintf("legacy_data_migrated_%s:%s", Version, tenant)
}

// rowFlagKey records the remote ID minted for a row that had no usable ID.
func rowFlagKey(tenant, collection, hash string) string {
	return fmt.Sprintf("%s:%s:%s", FlagKey(tenant), collection, hash)
}

// ValidID reports whether id can be sent to the remote store as is.
func ValidID(id string) bool {
	return idPattern.MatchString(id)
}

// Migrate runs the legacy import.
func Migrate(ctx context.Context, opts Options) (*Result, error) {
	if opts.Source == nil || opts.Flags == nil || opts.Remote == nil {
		return nil, fmt.Errorf("migrate: source, flags and remote are required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[migrate] ", log.LstdFlags)
	}
	collections := opts.Collections
	if len(collections) == 0 {
		collections = DefaultCollections
	}

	result := &Result{
		DryRun:      opts.DryRun,
		Collections: make(map[string]*CollectionResult, len(collections)),
	}

	flag := FlagKey(opts.Tenant)
	if v, ok, err := opts.Flags.GetFlag(ctx, flag); err != nil {
		return nil, fmt.Errorf("failed to read migration flag: %w", err)
	} else if ok && v == "1" {
		result.AlreadyComplete = true
		return result, nil
	}

	rows := make(map[string][]map[string]any, len(collections))
	for _, c := range collections {
		rs, err := opts.Source.LoadLegacy(ctx, c)
		if err != nil {
			// Unreadable lists are treated as empty; nothing to import.
			result.Errors = append(result.Errors, fmt.Sprintf("%s: failed to read legacy list: %v", c, err))
			continue
		}
		rows[c] = rs
		result.Collections[c] = &CollectionResult{Found: len(rs)}
		result.Found += len(rs)
	}
	if result.Found == 0 && len(result.Errors) == 0 {
		if !opts.DryRun {
			if err := opts.Flags.SetFlag(ctx, flag, "1"); err != nil {
				return result, fmt.Errorf("failed to set migration flag: %w", err)
			}
			result.Completed = true
		}
		return result, nil
	}

	if opts.Backup && !opts.DryRun {
		created, err := backup(opts.Source, opts.BackupDir, collections)
		result.BackupCreated = created
		if err != nil {
			return result, fmt.Errorf("failed to create backup: %w", err)
		}
	}

	remoteIDs, err := fetchIDs(ctx, opts.Remote, rows)
	if err != nil {
		// Remote unreachable: leave the flag unset and retry next start.
		logger.Printf("Remote store unreachable, migration postponed: %v", err)
		return result, fmt.Errorf("failed to list remote documents: %w", err)
	}

	for _, c := range collections {
		cr := result.Collections[c]
		if cr == nil {
			continue
		}
		for i, row := range rows[c] {
			ok, err := migrateRow(ctx, opts, c, row, remoteIDs[c])
			switch {
			case err != nil:
				cr.Failed++
				result.Errors = append(result.Errors, fmt.Sprintf("%s[%d]: %v", c, i, err))
			case ok:
				cr.Migrated++
			default:
				cr.Skipped++
			}
		}
		result.Migrated += cr.Migrated
		result.Skipped += cr.Skipped
	}

	if opts.DryRun {
		return result, nil
	}
	if len(result.Errors) > 0 {
		logger.Printf("Migration incomplete: %d migrated, %d errors", result.Migrated, len(result.Errors))
		return result, nil
	}
	if err := opts.Flags.SetFlag(ctx, flag, "1"); err != nil {
		return result, fmt.Errorf("failed to set migration flag: %w", err)
	}
	result.Completed = true
	logger.Printf("Migrated %d legacy records (%d found, %d skipped)", result.Migrated, result.Found, result.Skipped)
	return result, nil
}

// fetchIDs lists every collection that has legacy rows, concurrently.
func fetchIDs(ctx context.Context, client remote.Client, rows map[string][]map[string]any) (map[string]map[string]bool, error) {
	var mu sync.Mutex
	out := make(map[string]map[string]bool, len(rows))

	g, gctx := errgroup.WithContext(ctx)
	for c, rs := range rows {
		if len(rs) == 0 {
			continue
		}
		c := c
		g.Go(func() error {
			docs, err := client.List(gctx, c)
			if err != nil {
				return fmt.Errorf("%s: %w", c, err)
			}
			ids := remote.IDs(docs)
			mu.Lock()
			out[c] = ids
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// migrateRow imports one row. It reports whether the row was sent.
func migrateRow(ctx context.Context, opts Options, collection string, row map[string]any, existing map[string]bool) (bool, error) {
	if row == nil {
		return false, nil
	}
	// Rows carrying sync metadata were written by the current layer and are
	// governed by the sync queue.
	if _, ok := row["_origin"]; ok {
		return false, nil
	}

	payload := payloadOf(row)
	id, _ := row["id"].(string)

	if ValidID(id) {
		if existing[id] {
			return false, nil
		}
		if opts.DryRun {
			return true, nil
		}
		if err := opts.Remote.CreateWithID(ctx, collection, id, payload); err != nil {
			return false, err
		}
		return true, nil
	}

	hash, err := contentHash(payload)
	if err != nil {
		return false, err
	}
	key := rowFlagKey(opts.Tenant, collection, hash)
	minted, done, err := opts.Flags.GetFlag(ctx, key)
	if err != nil {
		return false, fmt.Errorf("failed to read row flag: %w", err)
	}
	if done && existing[minted] {
		return false, nil
	}
	if opts.DryRun {
		return true, nil
	}
	newID, err := opts.Remote.Create(ctx, collection, payload)
	if err != nil {
		return false, err
	}
	if err := opts.Flags.SetFlag(ctx, key, newID); err != nil {
		return true, fmt.Errorf("created %s but failed to record it: %w", newID, err)
	}
	return true, nil
}

// payloadOf strips the ID and underscore-prefixed keys from a row.
func payloadOf(row map[string]any) map[string]any {
	out := make(map[string]any, len(row))
	for k, v := range row {
		if k == "id" || strings.HasPrefix(k, "_") {
			continue
		}
		out[k] = v
	}
	return out
}

// contentHash is a stable digest of a payload. encoding/json sorts map keys.
func contentHash(payload map[string]any) (string, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to hash row: %w", err)
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:8]), nil
}

// backup copies each existing legacy file, returning the created paths.
func backup(src LegacySource, dir string, collections []string) ([]string, error) {
	files, ok := src.(legacyFiles)
	if !ok {
		return nil, nil
	}
	stamp := time.Now().Format("20060102-150405")
	sorted := append([]string(nil), collections...)
	sort.Strings(sorted)

	var created []string
	for _, c := range sorted {
		path := files.LegacyPath(c)
		if path == "" {
			continue
		}
		if _, err := os.Stat(path); os.IsNotExist(err) {
			continue
		}
		dst := path + ".backup." + stamp
		if dir != "" {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return created, err
			}
			dst = filepath.Join(dir, filepath.Base(dst))
		}
		if err := copyFile(path, dst); err != nil {
			return created, err
		}
		created = append(created, dst)
	}
	return created, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
