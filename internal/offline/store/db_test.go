package store

import (
	"context"
	"io"
	"log"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/thisai/crmsync/internal/offline/schema"
)

// testDBPath returns a temporary path for test databases
func testDBPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "offline.db")
}

func quietLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

// setupTestDB opens a fully migrated database that is closed on cleanup.
func setupTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(testDBPath(t), &Options{Logger: quietLogger()})
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestOpen_Success(t *testing.T) {
	path := testDBPath(t)
	db, err := Open(path, &Options{Logger: quietLogger()})
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer db.Close()

	if db.Path() != path {
		t.Errorf("Path() = %q, want %q", db.Path(), path)
	}
	if db.Version() != LatestVersion() {
		t.Errorf("Version() = %d, want %d", db.Version(), LatestVersion())
	}
	if db.ResetEvent() != nil {
		t.Errorf("ResetEvent() = %+v, want nil", db.ResetEvent())
	}

	tables := append(schema.AllStores(), "sync_queue", "cache_meta", "kv", "schema_migrations")
	for _, table := range tables {
		var count int
		err := db.conn.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&count)
		if err != nil {
			t.Fatalf("Failed to query table %s: %v", table, err)
		}
		if count != 1 {
			t.Errorf("Table %s does not exist", table)
		}
	}
}

func TestOpen_UnsupportedDriver(t *testing.T) {
	if _, err := Open(testDBPath(t), &Options{Driver: "oracle", Logger: quietLogger()}); err == nil {
		t.Fatal("Open() with unknown driver should fail")
	}
}

func TestDB_PutGet(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Millisecond)
	rec := schema.NewLocalRecord("item", map[string]any{
		"name":  "Basmati Rice",
		"stock": float64(10),
		"tax":   map[string]any{"gst": float64(5)},
	}, now)

	if err := db.Put(ctx, schema.StoreItems, rec); err != nil {
		t.Fatalf("Put() failed: %v", err)
	}

	got, err := db.Get(ctx, schema.StoreItems, rec.ID)
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if diff := cmp.Diff(rec, got); diff != "" {
		t.Errorf("Get() mismatch (-want +got):\n%s", diff)
	}

	// Put is an upsert.
	rec.Merge(map[string]any{"stock": float64(8)})
	if err := db.Put(ctx, schema.StoreItems, rec); err != nil {
		t.Fatalf("second Put() failed: %v", err)
	}
	all, err := db.GetAll(ctx, schema.StoreItems)
	if err != nil {
		t.Fatalf("GetAll() failed: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("GetAll() returned %d records, want 1", len(all))
	}
	if stock, _ := all[0].Number("stock"); stock != 8 {
		t.Errorf("stock = %v, want 8", stock)
	}
}

func TestDB_GetNotFound(t *testing.T) {
	db := setupTestDB(t)

	_, err := db.Get(context.Background(), schema.StoreParties, "missing")
	if !schema.IsNotFound(err) {
		t.Errorf("Get() error = %v, want ErrNotFound", err)
	}
}

func TestDB_UnknownStore(t *testing.T) {
	db := setupTestDB(t)
	rec := schema.NewLocalRecord("lead", nil, time.Now())

	if err := db.Put(context.Background(), "leads", rec); err == nil {
		t.Error("Put() into unknown store should fail")
	}
}

func TestDB_DeleteIdempotent(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	rec := schema.NewRemoteRecord("srv-1", map[string]any{"name": "Acme"}, time.Now())
	if err := db.Put(ctx, schema.StoreParties, rec); err != nil {
		t.Fatalf("Put() failed: %v", err)
	}

	for i := 0; i < 2; i++ {
		if err := db.Delete(ctx, schema.StoreParties, rec.ID); err != nil {
			t.Fatalf("Delete() #%d failed: %v", i+1, err)
		}
	}
	if _, err := db.Get(ctx, schema.StoreParties, rec.ID); !schema.IsNotFound(err) {
		t.Errorf("record still present after delete: %v", err)
	}
}

func TestDB_Replace(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	now := time.Now()

	local := schema.NewLocalRecord("expense", map[string]any{"category": "rent", "amount": float64(25000)}, now)
	if err := db.Put(ctx, schema.StoreExpenses, local); err != nil {
		t.Fatalf("Put() failed: %v", err)
	}

	remote := local.Remap("exp-42", now)
	if err := db.Replace(ctx, schema.StoreExpenses, local.ID, remote); err != nil {
		t.Fatalf("Replace() failed: %v", err)
	}

	all, err := db.GetAll(ctx, schema.StoreExpenses)
	if err != nil {
		t.Fatalf("GetAll() failed: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("GetAll() returned %d records, want 1", len(all))
	}
	got := all[0]
	if got.ID != "exp-42" || got.Origin != schema.OriginRemote || got.PendingSync {
		t.Errorf("after Replace got id=%s origin=%s pending=%v", got.ID, got.Origin, got.PendingSync)
	}
	if got.String("category") != "rent" {
		t.Errorf("category = %q, want rent", got.String("category"))
	}
}

func TestDB_StatsAndClearAll(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	now := time.Now()

	for i := 0; i < 3; i++ {
		if err := db.Put(ctx, schema.StoreInvoices, schema.NewLocalRecord("invoice", nil, now)); err != nil {
			t.Fatalf("Put() failed: %v", err)
		}
	}
	if err := db.Put(ctx, schema.StoreInvoices, schema.NewRemoteRecord("inv-1", nil, now)); err != nil {
		t.Fatalf("Put() failed: %v", err)
	}

	stats, err := db.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats() failed: %v", err)
	}
	var invoices StoreStats
	for _, s := range stats {
		if s.Store == schema.StoreInvoices {
			invoices = s
		}
	}
	if invoices.Count != 4 || invoices.Pending != 3 {
		t.Errorf("invoice stats = %+v, want count 4 pending 3", invoices)
	}

	if err := db.ClearAll(ctx); err != nil {
		t.Fatalf("ClearAll() failed: %v", err)
	}
	all, err := db.GetAll(ctx, schema.StoreInvoices)
	if err != nil {
		t.Fatalf("GetAll() failed: %v", err)
	}
	if len(all) != 0 {
		t.Errorf("GetAll() after ClearAll = %d records, want 0", len(all))
	}
}

func TestDB_MetaAndFlags(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	meta, err := db.GetMeta(ctx, schema.StoreItems)
	if err != nil {
		t.Fatalf("GetMeta() failed: %v", err)
	}
	if meta.LastSync != nil || meta.ItemCount != 0 {
		t.Errorf("GetMeta() on fresh store = %+v, want zero", meta)
	}

	synced := time.Now().UTC().Truncate(time.Millisecond)
	want := &schema.CacheMeta{Store: schema.StoreItems, LastSync: &synced, ItemCount: 12, Version: LatestVersion()}
	if err := db.PutMeta(ctx, want); err != nil {
		t.Fatalf("PutMeta() failed: %v", err)
	}
	got, err := db.GetMeta(ctx, schema.StoreItems)
	if err != nil {
		t.Fatalf("GetMeta() failed: %v", err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("GetMeta() mismatch (-want +got):\n%s", diff)
	}

	if _, ok, err := db.GetFlag(ctx, "migrated"); err != nil || ok {
		t.Errorf("GetFlag() on missing key = ok %v err %v", ok, err)
	}
	if err := db.SetFlag(ctx, "migrated", "true"); err != nil {
		t.Fatalf("SetFlag() failed: %v", err)
	}
	if v, ok, err := db.GetFlag(ctx, "migrated"); err != nil || !ok || v != "true" {
		t.Errorf("GetFlag() = %q, %v, %v; want true, true, nil", v, ok, err)
	}
}

func TestDB_QueueBackend(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	now := time.Now()

	rec := schema.NewLocalRecord("item", map[string]any{"stock": float64(10)}, now)
	first := schema.NewQueueEntry(schema.OpCreate, schema.StoreItems, rec, now)
	second := schema.NewQueueEntry(schema.OpUpdate, schema.StoreItems, rec, now) // same timestamp
	earlier := schema.NewQueueEntry(schema.OpDelete, schema.StoreItems, rec, now.Add(-time.Second))

	for _, e := range []*schema.QueueEntry{first, second, earlier} {
		if err := db.InsertEntry(ctx, e); err != nil {
			t.Fatalf("InsertEntry() failed: %v", err)
		}
	}
	if second.Seq <= first.Seq {
		t.Errorf("seq not increasing: first %d second %d", first.Seq, second.Seq)
	}

	entries, err := db.ListEntries(ctx)
	if err != nil {
		t.Fatalf("ListEntries() failed: %v", err)
	}
	var ids []string
	for _, e := range entries {
		ids = append(ids, e.ID)
	}
	if diff := cmp.Diff([]string{earlier.ID, first.ID, second.ID}, ids); diff != "" {
		t.Errorf("FIFO order mismatch (-want +got):\n%s", diff)
	}
	if entries[1].Data["stock"] != float64(10) {
		t.Errorf("entry data = %v, want stock 10", entries[1].Data)
	}
	if entries[0].Data != nil {
		t.Errorf("delete entry data = %v, want nil", entries[0].Data)
	}

	first.Status = schema.StatusFailed
	first.RetryCount = 1
	first.LastError = "boom"
	if err := db.UpdateEntry(ctx, first); err != nil {
		t.Fatalf("UpdateEntry() failed: %v", err)
	}
	if err := db.UpdateEntry(ctx, &schema.QueueEntry{ID: "missing"}); !schema.IsNotFound(err) {
		t.Errorf("UpdateEntry() of missing entry = %v, want ErrNotFound", err)
	}

	if err := db.DeleteEntry(ctx, earlier.ID); err != nil {
		t.Fatalf("DeleteEntry() failed: %v", err)
	}
	entries, err = db.ListEntries(ctx)
	if err != nil {
		t.Fatalf("ListEntries() failed: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("ListEntries() = %d entries, want 2", len(entries))
	}
	if entries[0].Status != schema.StatusFailed || entries[0].LastError != "boom" {
		t.Errorf("updated entry = %+v", entries[0])
	}

	if err := db.ClearEntries(ctx); err != nil {
		t.Fatalf("ClearEntries() failed: %v", err)
	}
	entries, _ = db.ListEntries(ctx)
	if len(entries) != 0 {
		t.Errorf("ListEntries() after clear = %d, want 0", len(entries))
	}
}

func TestDB_ClosedOperations(t *testing.T) {
	db, err := Open(testDBPath(t), &Options{Logger: quietLogger()})
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Errorf("second Close() = %v, want nil", err)
	}

	if _, err := db.GetAll(context.Background(), schema.StoreItems); err != ErrClosed {
		t.Errorf("GetAll() on closed db = %v, want ErrClosed", err)
	}
}
