package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/thisai/crmsync/internal/offline/schema"
)

// brokenDBPath returns a database path whose parent is a regular file, so
// opening it always fails.
func brokenDBPath(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	blocker := filepath.Join(dir, "not-a-dir")
	if err := os.WriteFile(blocker, []byte("x"), 0600); err != nil {
		t.Fatal(err)
	}
	return filepath.Join(blocker, "offline.db")
}

func TestOpenResilient_DegradesOnOpenFailure(t *testing.T) {
	ctx := context.Background()
	r := OpenResilient(ctx, brokenDBPath(t), &Options{Logger: quietLogger()}, nil)
	defer r.Close()

	if !r.Degraded() {
		t.Fatal("Degraded() = false, want true")
	}
	if r.OpenError() == nil {
		t.Error("OpenError() = nil, want the open failure")
	}
	if r.DB() != nil {
		t.Error("DB() should be nil when degraded")
	}

	rec := schema.NewLocalRecord("item", map[string]any{"name": "Notebook"}, time.Now())
	if err := r.Put(ctx, schema.StoreItems, rec); err != nil {
		t.Fatalf("Put() in degraded mode failed: %v", err)
	}
	all, err := r.GetAll(ctx, schema.StoreItems)
	if err != nil {
		t.Fatalf("GetAll() in degraded mode failed: %v", err)
	}
	if len(all) != 1 || all[0].ID != rec.ID {
		t.Errorf("GetAll() = %v, want the degraded write", all)
	}

	e := schema.NewQueueEntry(schema.OpCreate, schema.StoreItems, rec, time.Now())
	if err := r.InsertEntry(ctx, e); err != nil {
		t.Fatalf("InsertEntry() in degraded mode failed: %v", err)
	}
	entries, err := r.ListEntries(ctx)
	if err != nil || len(entries) != 1 {
		t.Errorf("ListEntries() = %v, %v; want one entry", entries, err)
	}

	stats, err := r.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats() failed: %v", err)
	}
	for _, s := range stats {
		if s.Store == schema.StoreItems && (s.Count != 1 || s.Pending != 1) {
			t.Errorf("items stats = %+v, want 1/1", s)
		}
	}
}

func TestOpenResilient_MismatchWithoutResetDegrades(t *testing.T) {
	path := testDBPath(t)
	tamper(t, path, `UPDATE schema_migrations SET checksum = 'x' WHERE version = 1`)

	r := OpenResilient(context.Background(), path, &Options{Logger: quietLogger()}, nil)
	defer r.Close()

	if !r.Degraded() {
		t.Fatal("Degraded() = false, want true")
	}
	if !IsSchemaMismatch(r.OpenError()) {
		t.Errorf("OpenError() = %v, want schema mismatch", r.OpenError())
	}
}

func TestResilient_MirrorsWrites(t *testing.T) {
	ctx := context.Background()
	mirror, err := NewFlatStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFlatStore() failed: %v", err)
	}
	r := OpenResilient(ctx, testDBPath(t), &Options{Logger: quietLogger()}, mirror)
	defer r.Close()

	if r.Degraded() {
		t.Fatalf("Degraded() = true: %v", r.OpenError())
	}

	rec := schema.NewLocalRecord("expense", map[string]any{"category": "rent"}, time.Now())
	if err := r.Put(ctx, schema.StoreExpenses, rec); err != nil {
		t.Fatalf("Put() failed: %v", err)
	}
	if _, err := mirror.Get(ctx, schema.StoreExpenses, rec.ID); err != nil {
		t.Errorf("mirror missing write: %v", err)
	}
	if _, err := r.DB().Get(ctx, schema.StoreExpenses, rec.ID); err != nil {
		t.Errorf("primary missing write: %v", err)
	}

	remote := rec.Remap("exp-1", time.Now())
	if err := r.Replace(ctx, schema.StoreExpenses, rec.ID, remote); err != nil {
		t.Fatalf("Replace() failed: %v", err)
	}
	mirrored, _ := mirror.GetAll(ctx, schema.StoreExpenses)
	if len(mirrored) != 1 || mirrored[0].ID != "exp-1" {
		t.Errorf("mirror after Replace = %v", mirrored)
	}

	if err := r.Delete(ctx, schema.StoreExpenses, "exp-1"); err != nil {
		t.Fatalf("Delete() failed: %v", err)
	}
	if _, err := r.Get(ctx, schema.StoreExpenses, "exp-1"); !schema.IsNotFound(err) {
		t.Errorf("Get() after Delete = %v, want ErrNotFound", err)
	}
}

func TestResilient_GetFallsBackToMirror(t *testing.T) {
	ctx := context.Background()
	mirror := NewMemoryStore()
	legacy := schema.NewLocalRecord("item", map[string]any{"name": "Legacy"}, time.Now())
	if err := mirror.Put(ctx, schema.StoreItems, legacy); err != nil {
		t.Fatal(err)
	}

	r := OpenResilient(ctx, testDBPath(t), &Options{Logger: quietLogger()}, mirror)
	defer r.Close()

	got, err := r.Get(ctx, schema.StoreItems, legacy.ID)
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if got.String("name") != "Legacy" {
		t.Errorf("Get() = %+v, want mirror record", got)
	}
}

func TestLocks_SerializesSameRecord(t *testing.T) {
	l := NewLocks()
	unlock := l.Lock(schema.StoreItems, "a")

	acquired := make(chan struct{})
	go func() {
		u := l.Lock(schema.StoreItems, "a")
		close(acquired)
		u()
	}()

	// A different record is independent.
	l.Lock(schema.StoreItems, "b")()

	select {
	case <-acquired:
		t.Fatal("second Lock() acquired a held record")
	case <-time.After(20 * time.Millisecond):
	}

	unlock()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second Lock() never acquired the record")
	}

	deadline := time.Now().Add(time.Second)
	for l.Len() != 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if l.Len() != 0 {
		t.Errorf("Len() = %d after all unlocks, want 0", l.Len())
	}
}

// flakyStore is a primary whose record writes can be made to fail.
type flakyStore struct {
	Durable
	failPut    bool
	failDelete bool
}

var errDiskIO = errors.New("disk I/O error")

func (f *flakyStore) Put(ctx context.Context, store string, rec *schema.Record) error {
	if f.failPut {
		return errDiskIO
	}
	return f.Durable.Put(ctx, store, rec)
}

func (f *flakyStore) Delete(ctx context.Context, store, id string) error {
	if f.failDelete {
		return errDiskIO
	}
	return f.Durable.Delete(ctx, store, id)
}

func TestResilient_FailedPrimaryPutStaysVisible(t *testing.T) {
	ctx := context.Background()
	primary := &flakyStore{Durable: NewMemoryStore(), failPut: true}
	r := NewResilient(primary, nil, quietLogger())

	rec := schema.NewLocalRecord("expense", map[string]any{"category": "rent", "amount": float64(25000)}, time.Now())
	if err := r.Put(ctx, schema.StoreExpenses, rec); err != nil {
		t.Fatalf("Put() failed: %v", err)
	}

	all, err := r.GetAll(ctx, schema.StoreExpenses)
	if err != nil {
		t.Fatalf("GetAll() failed: %v", err)
	}
	if len(all) != 1 || all[0].ID != rec.ID {
		t.Fatalf("GetAll() = %v, want the fallback-only write", all)
	}

	// The primary recovers and takes the next write.
	primary.failPut = false
	rec.Merge(map[string]any{"amount": float64(26000)})
	if err := r.Put(ctx, schema.StoreExpenses, rec); err != nil {
		t.Fatalf("Put() failed: %v", err)
	}
	all, err = r.GetAll(ctx, schema.StoreExpenses)
	if err != nil {
		t.Fatalf("GetAll() failed: %v", err)
	}
	if len(all) != 1 || all[0].Fields["amount"] != float64(26000) {
		t.Errorf("GetAll() after recovery = %v, want one updated record", all)
	}
}

func TestResilient_FailedPrimaryDeleteStaysHidden(t *testing.T) {
	ctx := context.Background()
	primary := &flakyStore{Durable: NewMemoryStore()}
	r := NewResilient(primary, nil, quietLogger())

	rec := schema.NewRemoteRecord("srv-1", map[string]any{"name": "Acme"}, time.Now())
	if err := r.Put(ctx, schema.StoreParties, rec); err != nil {
		t.Fatalf("Put() failed: %v", err)
	}

	primary.failDelete = true
	if err := r.Delete(ctx, schema.StoreParties, "srv-1"); err != nil {
		t.Fatalf("Delete() failed: %v", err)
	}
	if all, err := r.GetAll(ctx, schema.StoreParties); err != nil || len(all) != 0 {
		t.Errorf("GetAll() = %v, %v; want empty", all, err)
	}
	if _, err := r.Get(ctx, schema.StoreParties, "srv-1"); !schema.IsNotFound(err) {
		t.Errorf("Get() = %v, want ErrNotFound", err)
	}
}
