package store

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sort"
	"sync"

	"github.com/thisai/crmsync/internal/offline/schema"
)

// Durable is everything a concrete store offers: records, cache metadata,
// flags and sync queue persistence. DB and FlatStore both implement it.
type Durable interface {
	LocalStore
	MetaStore
	Flags

	InsertEntry(ctx context.Context, e *schema.QueueEntry) error
	ListEntries(ctx context.Context) ([]*schema.QueueEntry, error)
	UpdateEntry(ctx context.Context, e *schema.QueueEntry) error
	DeleteEntry(ctx context.Context, id string) error
	ClearEntries(ctx context.Context) error
}

var (
	_ Durable = (*DB)(nil)
	_ Durable = (*FlatStore)(nil)
	_ Durable = (*Resilient)(nil)
)

// Resilient fronts a primary store with a flat fallback.
//
// Record writes go to both: the fallback doubles as the legacy flat-list
// mirror. Every other operation uses the primary and retries on the
// fallback when the primary fails. When the primary could not be opened the
// store runs degraded on the fallback alone.
//
// A record write that reached only the fallback is tracked until a later
// primary write for the same record succeeds, and reads honour it: the
// fallback copy is served in place of the primary's, and a record deleted
// only from the fallback stays hidden.
type Resilient struct {
	primary  Durable
	fallback *FlatStore
	openErr  error
	logger   *log.Logger

	mu sync.Mutex
	// diverged maps store -> id -> whether the record lives in the fallback.
	diverged map[string]map[string]bool
	// cleared marks stores whose primary Clear failed; they read from the
	// fallback only.
	cleared map[string]bool
}

// NewResilient wraps primary (nil for degraded mode) and fallback (nil for a
// memory-only fallback).
func NewResilient(primary Durable, fallback *FlatStore, logger *log.Logger) *Resilient {
	if fallback == nil {
		fallback = NewMemoryStore()
	}
	if logger == nil {
		logger = log.New(os.Stderr, "[store] ", log.LstdFlags)
	}
	return &Resilient{
		primary:  primary,
		fallback: fallback,
		logger:   logger,
		diverged: make(map[string]map[string]bool),
		cleared:  make(map[string]bool),
	}
}

// OpenResilient opens the database at path and falls back to the flat store
// when it cannot. It never fails: storage problems leave the store degraded
// and are reported by OpenError.
func OpenResilient(ctx context.Context, path string, opts *Options, fallback *FlatStore) *Resilient {
	var logger *log.Logger
	if opts != nil {
		logger = opts.Logger
	}

	db, err := OpenContext(ctx, path, opts)
	if err != nil {
		r := NewResilient(nil, fallback, logger)
		r.openErr = err
		r.logger.Printf("Local database unavailable, running degraded on flat store: %v", err)
		return r
	}
	return NewResilient(db, fallback, logger)
}

// Degraded reports whether the store is running on the fallback alone.
func (r *Resilient) Degraded() bool {
	return r.primary == nil
}

// OpenError returns the error that forced degraded mode, if any.
func (r *Resilient) OpenError() error {
	return r.openErr
}

// DB returns the primary database, or nil when the primary is not a *DB.
func (r *Resilient) DB() *DB {
	db, _ := r.primary.(*DB)
	return db
}

// Fallback returns the flat store.
func (r *Resilient) Fallback() *FlatStore {
	return r.fallback
}

func (r *Resilient) warn(op string, err error) {
	r.logger.Printf("Warning: primary store %s failed, using fallback: %v", op, err)
}

func (r *Resilient) divert(store, id string, live bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.diverged[store] == nil {
		r.diverged[store] = make(map[string]bool)
	}
	r.diverged[store][id] = live
}

func (r *Resilient) settle(store string, ids ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range ids {
		delete(r.diverged[store], id)
	}
}

// divergence returns a copy of the diverged records of store and whether
// the store reads from the fallback only.
func (r *Resilient) divergence(store string) (map[string]bool, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]bool, len(r.diverged[store]))
	for id, live := range r.diverged[store] {
		out[id] = live
	}
	return out, r.cleared[store]
}

func (r *Resilient) resetDivergence(store string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.diverged, store)
	delete(r.cleared, store)
}

// Put writes rec to the primary and the mirror.
func (r *Resilient) Put(ctx context.Context, store string, rec *schema.Record) error {
	primaryOK := false
	if r.primary != nil {
		err := r.primary.Put(ctx, store, rec)
		if err != nil && isCallerError(err) {
			return err
		}
		if err != nil {
			r.warn("put", err)
		}
		primaryOK = err == nil
	}
	if err := r.fallback.Put(ctx, store, rec); err != nil {
		return err
	}
	switch {
	case primaryOK:
		r.settle(store, rec.ID)
	case r.primary != nil:
		r.divert(store, rec.ID, true)
	}
	return nil
}

// GetAll reads the primary, or the fallback when the primary fails. Records
// whose last write reached only the fallback are read from there.
func (r *Resilient) GetAll(ctx context.Context, store string) ([]*schema.Record, error) {
	if r.primary == nil {
		return r.fallback.GetAll(ctx, store)
	}
	diverged, cleared := r.divergence(store)
	if cleared {
		return r.fallback.GetAll(ctx, store)
	}

	recs, err := r.primary.GetAll(ctx, store)
	if err != nil {
		if isCallerError(err) {
			return nil, err
		}
		r.warn("read", err)
		return r.fallback.GetAll(ctx, store)
	}
	if len(diverged) == 0 {
		return recs, nil
	}

	out := recs[:0]
	for _, rec := range recs {
		if _, ok := diverged[rec.ID]; !ok {
			out = append(out, rec)
		}
	}
	ids := make([]string, 0, len(diverged))
	for id, live := range diverged {
		if live {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	for _, id := range ids {
		rec, err := r.fallback.Get(ctx, store, id)
		if schema.IsNotFound(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// Get reads the primary and falls back to the mirror when the record is
// absent there or the primary fails.
func (r *Resilient) Get(ctx context.Context, store, id string) (*schema.Record, error) {
	if r.primary != nil {
		diverged, cleared := r.divergence(store)
		live, ok := diverged[id]
		switch {
		case ok && !live:
			return nil, fmt.Errorf("%w: %s/%s", schema.ErrNotFound, store, id)
		case ok || cleared:
			return r.fallback.Get(ctx, store, id)
		}
		rec, err := r.primary.Get(ctx, store, id)
		if err == nil {
			return rec, nil
		}
		if !schema.IsNotFound(err) {
			if isCallerError(err) {
				return nil, err
			}
			r.warn("get", err)
		}
	}
	return r.fallback.Get(ctx, store, id)
}

// Delete removes the record from both stores.
func (r *Resilient) Delete(ctx context.Context, store, id string) error {
	primaryOK := false
	if r.primary != nil {
		err := r.primary.Delete(ctx, store, id)
		if err != nil && isCallerError(err) {
			return err
		}
		if err != nil {
			r.warn("delete", err)
		}
		primaryOK = err == nil
	}
	if err := r.fallback.Delete(ctx, store, id); err != nil {
		return err
	}
	switch {
	case primaryOK:
		r.settle(store, id)
	case r.primary != nil:
		r.divert(store, id, false)
	}
	return nil
}

// Replace remaps the record in both stores.
func (r *Resilient) Replace(ctx context.Context, store, oldID string, rec *schema.Record) error {
	primaryOK := false
	if r.primary != nil {
		err := r.primary.Replace(ctx, store, oldID, rec)
		if err != nil && isCallerError(err) {
			return err
		}
		if err != nil {
			r.warn("replace", err)
		}
		primaryOK = err == nil
	}
	if err := r.fallback.Replace(ctx, store, oldID, rec); err != nil {
		return err
	}
	switch {
	case primaryOK:
		r.settle(store, oldID, rec.ID)
	case r.primary != nil:
		r.divert(store, oldID, false)
		r.divert(store, rec.ID, true)
	}
	return nil
}

// Clear empties store in both stores.
func (r *Resilient) Clear(ctx context.Context, store string) error {
	primaryOK := false
	if r.primary != nil {
		err := r.primary.Clear(ctx, store)
		if err != nil && isCallerError(err) {
			return err
		}
		if err != nil {
			r.warn("clear", err)
		}
		primaryOK = err == nil
	}
	if err := r.fallback.Clear(ctx, store); err != nil {
		return err
	}
	r.resetDivergence(store)
	if !primaryOK && r.primary != nil {
		r.mu.Lock()
		r.cleared[store] = true
		r.mu.Unlock()
	}
	return nil
}

// Close closes both stores.
func (r *Resilient) Close() error {
	var errs []error
	if r.primary != nil {
		errs = append(errs, r.primary.Close())
	}
	errs = append(errs, r.fallback.Close())
	return errors.Join(errs...)
}

// GetMeta reads cache metadata.
func (r *Resilient) GetMeta(ctx context.Context, store string) (*schema.CacheMeta, error) {
	if r.primary != nil {
		m, err := r.primary.GetMeta(ctx, store)
		if err == nil {
			return m, nil
		}
		r.warn("get meta", err)
	}
	return r.fallback.GetMeta(ctx, store)
}

// PutMeta writes cache metadata.
func (r *Resilient) PutMeta(ctx context.Context, meta *schema.CacheMeta) error {
	if r.primary != nil {
		err := r.primary.PutMeta(ctx, meta)
		if err == nil {
			return nil
		}
		r.warn("put meta", err)
	}
	return r.fallback.PutMeta(ctx, meta)
}

// GetFlag reads a flag from the primary, then the fallback.
func (r *Resilient) GetFlag(ctx context.Context, key string) (string, bool, error) {
	if r.primary != nil {
		v, ok, err := r.primary.GetFlag(ctx, key)
		if err == nil && ok {
			return v, true, nil
		}
		if err != nil {
			r.warn("get flag", err)
		}
	}
	return r.fallback.GetFlag(ctx, key)
}

// SetFlag writes a flag.
func (r *Resilient) SetFlag(ctx context.Context, key, value string) error {
	if r.primary != nil {
		err := r.primary.SetFlag(ctx, key, value)
		if err == nil {
			return nil
		}
		r.warn("set flag", err)
	}
	return r.fallback.SetFlag(ctx, key, value)
}

// InsertEntry queues e on the primary, or the fallback when that fails.
func (r *Resilient) InsertEntry(ctx context.Context, e *schema.QueueEntry) error {
	if r.primary != nil {
		err := r.primary.InsertEntry(ctx, e)
		if err == nil {
			return nil
		}
		if isCallerError(err) {
			return err
		}
		r.warn("enqueue", err)
	}
	return r.fallback.InsertEntry(ctx, e)
}

// ListEntries merges the entries held by both stores in FIFO order.
func (r *Resilient) ListEntries(ctx context.Context) ([]*schema.QueueEntry, error) {
	var out []*schema.QueueEntry
	if r.primary != nil {
		entries, err := r.primary.ListEntries(ctx)
		if err != nil {
			r.warn("list queue", err)
		}
		out = append(out, entries...)
	}
	entries, err := r.fallback.ListEntries(ctx)
	if err != nil {
		return nil, err
	}
	out = append(out, entries...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out, nil
}

// UpdateEntry updates the entry wherever it is held.
func (r *Resilient) UpdateEntry(ctx context.Context, e *schema.QueueEntry) error {
	if r.primary != nil {
		err := r.primary.UpdateEntry(ctx, e)
		if err == nil {
			return nil
		}
		if !schema.IsNotFound(err) {
			r.warn("update queue entry", err)
		}
	}
	return r.fallback.UpdateEntry(ctx, e)
}

// DeleteEntry removes the entry from both stores.
func (r *Resilient) DeleteEntry(ctx context.Context, id string) error {
	if r.primary != nil {
		if err := r.primary.DeleteEntry(ctx, id); err != nil {
			r.warn("delete queue entry", err)
		}
	}
	return r.fallback.DeleteEntry(ctx, id)
}

// ClearEntries empties the queue in both stores.
func (r *Resilient) ClearEntries(ctx context.Context) error {
	if r.primary != nil {
		if err := r.primary.ClearEntries(ctx); err != nil {
			r.warn("clear queue", err)
		}
	}
	return r.fallback.ClearEntries(ctx)
}

// Stats returns per-store counts from the primary database, or from the
// fallback when degraded.
func (r *Resilient) Stats(ctx context.Context) ([]StoreStats, error) {
	if db := r.DB(); db != nil {
		stats, err := db.Stats(ctx)
		if err == nil {
			return stats, nil
		}
		r.warn("stats", err)
	}

	var stats []StoreStats
	for _, name := range schema.AllStores() {
		recs, err := r.fallback.GetAll(ctx, name)
		if err != nil {
			return nil, err
		}
		s := StoreStats{Store: name, Count: len(recs)}
		for _, rec := range recs {
			if rec.PendingSync {
				s.Pending++
			}
		}
		stats = append(stats, s)
	}
	return stats, nil
}

// ClearAll empties every store, the queue and cache metadata.
func (r *Resilient) ClearAll(ctx context.Context) error {
	if db := r.DB(); db != nil {
		if err := db.ClearAll(ctx); err != nil {
			return err
		}
	}
	for _, name := range schema.AllStores() {
		if err := r.fallback.Clear(ctx, name); err != nil {
			return err
		}
		r.resetDivergence(name)
		if err := r.fallback.PutMeta(ctx, &schema.CacheMeta{Store: name}); err != nil {
			return err
		}
	}
	return r.fallback.ClearEntries(ctx)
}

// isCallerError reports errors the fallback would return as well.
func isCallerError(err error) bool {
	return errors.Is(err, schema.ErrInvalidRecord) || errors.Is(err, schema.ErrUnknownStore)
}
