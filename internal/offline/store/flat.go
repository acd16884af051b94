package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/thisai/crmsync/internal/offline/schema"
)

// Files kept by FlatStore next to the per-store mirror files.
const (
	QueueFileName = "sync_queue.json"
	FlagsFileName = "flags.json"
	MetaFileName  = "cache_meta.json"
)

// LegacyKey returns the flat-list key under which records of a collection
// were kept before the database existed.
func LegacyKey(collection string) string {
	return "thisai_crm_" + collection
}

// LegacyFileName returns the mirror file name for a collection.
func LegacyFileName(collection string) string {
	return LegacyKey(collection) + ".json"
}

// SnapshotFileName returns the file holding a collection's pre-existing rows,
// set aside the first time the mirror file is loaded.
func SnapshotFileName(collection string) string {
	return LegacyKey(collection) + ".legacy.json"
}

// FlatStore keeps each entity store as one JSON array file. With an empty
// directory it is memory-only and loses everything on exit.
type FlatStore struct {
	dir string

	mu      sync.Mutex
	records map[string][]*schema.Record
	loaded  map[string]bool
	queue   []*schema.QueueEntry
	seq     int64
	flags   map[string]string
	meta    map[string]*schema.CacheMeta
	closed  bool
}

// NewFlatStore opens a flat store rooted at dir ("" for memory-only).
func NewFlatStore(dir string) (*FlatStore, error) {
	f := &FlatStore{
		dir:     dir,
		records: make(map[string][]*schema.Record),
		loaded:  make(map[string]bool),
		flags:   make(map[string]string),
		meta:    make(map[string]*schema.CacheMeta),
	}
	if dir == "" {
		return f, nil
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create mirror directory: %w", err)
	}
	if err := readJSON(filepath.Join(dir, QueueFileName), &f.queue); err != nil {
		return nil, err
	}
	for _, e := range f.queue {
		if e.Seq > f.seq {
			f.seq = e.Seq
		}
	}
	if err := readJSON(filepath.Join(dir, FlagsFileName), &f.flags); err != nil {
		return nil, err
	}
	if err := readJSON(filepath.Join(dir, MetaFileName), &f.meta); err != nil {
		return nil, err
	}
	if f.flags == nil {
		f.flags = make(map[string]string)
	}
	if f.meta == nil {
		f.meta = make(map[string]*schema.CacheMeta)
	}
	return f, nil
}

// NewMemoryStore returns an ephemeral FlatStore.
func NewMemoryStore() *FlatStore {
	f, _ := NewFlatStore("")
	return f
}

// Dir returns the mirror directory ("" when memory-only).
func (f *FlatStore) Dir() string {
	return f.dir
}

// Ephemeral reports whether the store keeps nothing on disk.
func (f *FlatStore) Ephemeral() bool {
	return f.dir == ""
}

// LoadLegacy returns the raw rows of a collection's flat list. Rows are
// returned as stored, including any metadata keys. Once the mirror has been
// loaded, rows written by earlier releases are read from the snapshot taken
// at that point, so later mirror rewrites do not hide them. A missing file
// yields an empty list.
func (f *FlatStore) LoadLegacy(ctx context.Context, collection string) ([]map[string]any, error) {
	if f.dir == "" {
		f.mu.Lock()
		defer f.mu.Unlock()
		var rows []map[string]any
		for _, rec := range f.records[collection] {
			b, err := json.Marshal(rec)
			if err != nil {
				return nil, err
			}
			var row map[string]any
			if err := json.Unmarshal(b, &row); err != nil {
				return nil, err
			}
			rows = append(rows, row)
		}
		return rows, nil
	}

	path := filepath.Join(f.dir, SnapshotFileName(collection))
	if _, err := os.Stat(path); err != nil {
		path = filepath.Join(f.dir, LegacyFileName(collection))
	}
	var rows []map[string]any
	if err := readJSON(path, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

// snapshotLegacy copies rows without sync metadata into the snapshot file
// before the mirror file is first rewritten. Caller holds f.mu.
func (f *FlatStore) snapshotLegacy(store string) error {
	snap := filepath.Join(f.dir, SnapshotFileName(store))
	if _, err := os.Stat(snap); err == nil {
		return nil
	}
	var rows []map[string]any
	if err := readJSON(filepath.Join(f.dir, LegacyFileName(store)), &rows); err != nil {
		return err
	}
	var legacy []map[string]any
	for _, row := range rows {
		if _, ok := row["_origin"]; !ok && row != nil {
			legacy = append(legacy, row)
		}
	}
	if len(legacy) == 0 {
		return nil
	}
	return writeJSON(snap, legacy)
}

// LegacyPath returns the file LoadLegacy reads for a collection.
func (f *FlatStore) LegacyPath(collection string) string {
	if f.dir == "" {
		return ""
	}
	snap := filepath.Join(f.dir, SnapshotFileName(collection))
	if _, err := os.Stat(snap); err == nil {
		return snap
	}
	return filepath.Join(f.dir, LegacyFileName(collection))
}

// load reads a store's file on first access. Caller holds f.mu.
func (f *FlatStore) load(store string) error {
	if f.loaded[store] || f.dir == "" {
		f.loaded[store] = true
		return nil
	}

	if err := f.snapshotLegacy(store); err != nil {
		return err
	}
	var recs []*schema.Record
	if err := readJSON(filepath.Join(f.dir, LegacyFileName(store)), &recs); err != nil {
		return err
	}
	now := time.Now()
	for _, r := range recs {
		r.SetDefaults(now)
	}
	f.records[store] = recs
	f.loaded[store] = true
	return nil
}

func (f *FlatStore) begin(store string) error {
	if f.closed {
		return ErrClosed
	}
	if err := schema.CheckStore(store); err != nil {
		return err
	}
	return f.load(store)
}

func (f *FlatStore) persist(store string) error {
	if f.dir == "" {
		return nil
	}
	recs := f.records[store]
	if recs == nil {
		recs = []*schema.Record{}
	}
	return writeJSON(filepath.Join(f.dir, LegacyFileName(store)), recs)
}

func (f *FlatStore) indexOf(store, id string) int {
	for i, r := range f.records[store] {
		if r.ID == id {
			return i
		}
	}
	return -1
}

// Put upserts rec.
func (f *FlatStore) Put(ctx context.Context, store string, rec *schema.Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.begin(store); err != nil {
		return err
	}
	if err := rec.Validate(); err != nil {
		return err
	}
	if i := f.indexOf(store, rec.ID); i >= 0 {
		f.records[store][i] = rec.Clone()
	} else {
		f.records[store] = append(f.records[store], rec.Clone())
	}
	return f.persist(store)
}

// GetAll returns copies of every record in store.
func (f *FlatStore) GetAll(ctx context.Context, store string) ([]*schema.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.begin(store); err != nil {
		return nil, err
	}
	out := make([]*schema.Record, 0, len(f.records[store]))
	for _, r := range f.records[store] {
		out = append(out, r.Clone())
	}
	return out, nil
}

// Get returns a copy of one record.
func (f *FlatStore) Get(ctx context.Context, store, id string) (*schema.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.begin(store); err != nil {
		return nil, err
	}
	i := f.indexOf(store, id)
	if i < 0 {
		return nil, fmt.Errorf("%w: %s/%s", schema.ErrNotFound, store, id)
	}
	return f.records[store][i].Clone(), nil
}

// Delete removes a record if present.
func (f *FlatStore) Delete(ctx context.Context, store, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.begin(store); err != nil {
		return err
	}
	i := f.indexOf(store, id)
	if i < 0 {
		return nil
	}
	recs := f.records[store]
	f.records[store] = append(recs[:i:i], recs[i+1:]...)
	return f.persist(store)
}

// Replace removes oldID and upserts rec, writing the file once.
func (f *FlatStore) Replace(ctx context.Context, store, oldID string, rec *schema.Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.begin(store); err != nil {
		return err
	}
	if err := rec.Validate(); err != nil {
		return err
	}
	if i := f.indexOf(store, oldID); i >= 0 {
		recs := f.records[store]
		f.records[store] = append(recs[:i:i], recs[i+1:]...)
	}
	if i := f.indexOf(store, rec.ID); i >= 0 {
		f.records[store][i] = rec.Clone()
	} else {
		f.records[store] = append(f.records[store], rec.Clone())
	}
	return f.persist(store)
}

// Clear empties store.
func (f *FlatStore) Clear(ctx context.Context, store string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.begin(store); err != nil {
		return err
	}
	f.records[store] = nil
	return f.persist(store)
}

// Close marks the store closed. Data is already on disk.
func (f *FlatStore) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// GetMeta returns cache metadata for store.
func (f *FlatStore) GetMeta(ctx context.Context, store string) (*schema.CacheMeta, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if m, ok := f.meta[store]; ok {
		out := *m
		return &out, nil
	}
	return &schema.CacheMeta{Store: store}, nil
}

// PutMeta stores cache metadata.
func (f *FlatStore) PutMeta(ctx context.Context, meta *schema.CacheMeta) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	m := *meta
	f.meta[meta.Store] = &m
	if f.dir == "" {
		return nil
	}
	return writeJSON(filepath.Join(f.dir, MetaFileName), f.meta)
}

// GetFlag reads a flag.
func (f *FlatStore) GetFlag(ctx context.Context, key string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	v, ok := f.flags[key]
	return v, ok, nil
}

// SetFlag writes a flag.
func (f *FlatStore) SetFlag(ctx context.Context, key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.flags[key] = value
	if f.dir == "" {
		return nil
	}
	return writeJSON(filepath.Join(f.dir, FlagsFileName), f.flags)
}

func (f *FlatStore) persistQueue() error {
	if f.dir == "" {
		return nil
	}
	q := f.queue
	if q == nil {
		q = []*schema.QueueEntry{}
	}
	return writeJSON(filepath.Join(f.dir, QueueFileName), q)
}

func cloneEntry(e *schema.QueueEntry) *schema.QueueEntry {
	out := *e
	if e.Data != nil {
		rec := &schema.Record{Fields: e.Data}
		out.Data = rec.Clone().Fields
	}
	return &out
}

// InsertEntry appends e to the queue and assigns its sequence number.
func (f *FlatStore) InsertEntry(ctx context.Context, e *schema.QueueEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return ErrClosed
	}
	if err := e.Validate(); err != nil {
		return err
	}
	f.seq++
	e.Seq = f.seq
	f.queue = append(f.queue, cloneEntry(e))
	return f.persistQueue()
}

// ListEntries returns copies of every queue entry in FIFO order.
func (f *FlatStore) ListEntries(ctx context.Context) ([]*schema.QueueEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return nil, ErrClosed
	}
	out := make([]*schema.QueueEntry, 0, len(f.queue))
	for _, e := range f.queue {
		out = append(out, cloneEntry(e))
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out, nil
}

// UpdateEntry rewrites a queued entry.
func (f *FlatStore) UpdateEntry(ctx context.Context, e *schema.QueueEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return ErrClosed
	}
	for i, cur := range f.queue {
		if cur.ID == e.ID {
			f.queue[i] = cloneEntry(e)
			return f.persistQueue()
		}
	}
	return fmt.Errorf("%w: queue entry %s", schema.ErrNotFound, e.ID)
}

// DeleteEntry removes a queue entry if present.
func (f *FlatStore) DeleteEntry(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return ErrClosed
	}
	for i, cur := range f.queue {
		if cur.ID == id {
			f.queue = append(f.queue[:i:i], f.queue[i+1:]...)
			return f.persistQueue()
		}
	}
	return nil
}

// ClearEntries empties the queue.
func (f *FlatStore) ClearEntries(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return ErrClosed
	}
	f.queue = nil
	return f.persistQueue()
}

func readJSON(path string, v any) error {
	// #nosec G304 - path is built from the configured mirror directory
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", filepath.Base(path), err)
	}
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("invalid JSON in %s: %w", filepath.Base(path), err)
	}
	return nil
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", filepath.Base(path), err)
	}

	// Write atomically via temp file
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}
