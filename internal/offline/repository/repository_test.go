package repository

import (
	"context"
	"errors"
	"io"
	"log"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/thisai/crmsync/internal/connectivity"
	"github.com/thisai/crmsync/internal/offline/queue"
	"github.com/thisai/crmsync/internal/offline/schema"
	"github.com/thisai/crmsync/internal/offline/store"
	"github.com/thisai/crmsync/internal/remote"
)

func quietLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

type fixture struct {
	store   *store.Resilient
	queue   *queue.Queue
	remote  *remote.Memory
	monitor *connectivity.Monitor
	set     *Set
}

// setupTestSet wires a repository set over a temporary SQLite store and an
// in-memory remote.
func setupTestSet(t *testing.T, online bool) *fixture {
	t.Helper()
	return setupWithStore(t, online, filepath.Join(t.TempDir(), "offline.db"))
}

func setupWithStore(t *testing.T, online bool, dbPath string) *fixture {
	t.Helper()

	logger := quietLogger()
	st := store.OpenResilient(context.Background(), dbPath, &store.Options{Logger: logger}, nil)
	t.Cleanup(func() { st.Close() })

	f := &fixture{
		store:   st,
		queue:   queue.New(st, logger),
		remote:  remote.NewMemory(),
		monitor: connectivity.NewMonitor(online),
	}
	set, err := NewSet(Options{
		Store:  st,
		Queue:  f.queue,
		Remote: f.remote,
		Online: f.monitor,
		Logger: logger,
	})
	if err != nil {
		t.Fatalf("NewSet() failed: %v", err)
	}
	f.set = set
	t.Cleanup(set.Wait)
	return f
}

func (f *fixture) entries(t *testing.T) []*schema.QueueEntry {
	t.Helper()
	entries, err := f.queue.All(context.Background())
	if err != nil {
		t.Fatalf("All() failed: %v", err)
	}
	return entries
}

// seedRemote stores a confirmed record both remotely and in the local cache.
func (f *fixture) seedRemote(t *testing.T, store, id string, fields map[string]any) {
	t.Helper()
	entity, err := Lookup(store)
	if err != nil {
		t.Fatal(err)
	}
	f.remote.Seed(entity.Collection, id, fields)
	rec := schema.NewRemoteRecord(id, fields, time.Now().Add(-time.Hour))
	if err := f.store.Put(context.Background(), store, rec); err != nil {
		t.Fatalf("Put() failed: %v", err)
	}
}

func TestCreate_Offline(t *testing.T) {
	f := setupTestSet(t, false)
	ctx := context.Background()

	rec, err := f.set.Expenses.Create(ctx, map[string]any{"category": "rent", "amount": float64(25000)})
	if err != nil {
		t.Fatalf("Create() failed: %v", err)
	}
	if rec.Origin != schema.OriginLocal || rec.State != schema.StateLocal || !rec.PendingSync {
		t.Errorf("offline create = %+v, want local, pending", rec)
	}
	if rec.SyncedAt != nil {
		t.Errorf("SyncedAt = %v, want nil", rec.SyncedAt)
	}

	entries := f.entries(t)
	if len(entries) != 1 || entries[0].Type != schema.OpCreate || entries[0].RecordID != rec.ID {
		t.Fatalf("queue = %v, want one create for %s", entries, rec.ID)
	}
	if f.remote.Calls(remote.MethodCreate) != 0 {
		t.Error("offline create reached the remote store")
	}

	// Legacy mirror holds the write too.
	if _, err := f.store.Fallback().Get(ctx, schema.StoreExpenses, rec.ID); err != nil {
		t.Errorf("mirror Get() failed: %v", err)
	}
}

func TestCreate_OnlineConfirmsImmediately(t *testing.T) {
	f := setupTestSet(t, true)
	ctx := context.Background()

	rec, err := f.set.Items.Create(ctx, map[string]any{"name": "Notebook", "stock": float64(10)})
	if err != nil {
		t.Fatalf("Create() failed: %v", err)
	}
	if rec.Origin != schema.OriginRemote || rec.PendingSync || rec.SyncedAt == nil {
		t.Errorf("online create = %+v, want remote-confirmed", rec)
	}
	if _, ok := f.remote.Doc("items", rec.ID); !ok {
		t.Errorf("remote store has no document %s", rec.ID)
	}

	all, err := f.store.GetAll(ctx, schema.StoreItems)
	if err != nil {
		t.Fatalf("GetAll() failed: %v", err)
	}
	if len(all) != 1 || all[0].ID != rec.ID {
		t.Errorf("local rows = %v, want only %s", all, rec.ID)
	}
	if n := len(f.entries(t)); n != 0 {
		t.Errorf("queue length = %d, want 0", n)
	}
}

func TestCreate_RemoteFailureQueues(t *testing.T) {
	f := setupTestSet(t, true)
	ctx := context.Background()
	f.remote.FailNext(remote.MethodCreate, 1)

	rec, err := f.set.Items.Create(ctx, map[string]any{"name": "Pen"})
	if err != nil {
		t.Fatalf("Create() must not surface remote failures: %v", err)
	}
	if rec.Origin != schema.OriginLocal || rec.State != schema.StateLocal || !rec.PendingSync {
		t.Errorf("record = %+v, want local and pending", rec)
	}
	entries := f.entries(t)
	if len(entries) != 1 || entries[0].Type != schema.OpCreate {
		t.Errorf("queue = %v, want one create", entries)
	}
}

func TestCreate_Validation(t *testing.T) {
	f := setupTestSet(t, false)

	_, err := f.set.Expenses.Create(context.Background(), map[string]any{"category": " "})
	if !errors.Is(err, schema.ErrInvalidRecord) {
		t.Errorf("Create() error = %v, want ErrInvalidRecord", err)
	}
}

// gatedClient holds remote creates until released.
type gatedClient struct {
	*remote.Memory
	started chan struct{}
	release chan struct{}
}

func (g *gatedClient) Create(ctx context.Context, collection string, data map[string]any) (string, error) {
	close(g.started)
	<-g.release
	return g.Memory.Create(ctx, collection, data)
}

func TestCreate_DeleteWhileInFlight(t *testing.T) {
	f := setupTestSet(t, true)
	ctx := context.Background()

	gated := &gatedClient{Memory: f.remote, started: make(chan struct{}), release: make(chan struct{})}
	opts := f.set.Options()
	opts.Remote = gated
	repo, err := New(Items, opts)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	type result struct {
		rec *schema.Record
		err error
	}
	done := make(chan result, 1)
	go func() {
		rec, err := repo.Create(ctx, map[string]any{"name": "Stapler"})
		done <- result{rec, err}
	}()
	<-gated.started

	all, _ := f.store.GetAll(ctx, schema.StoreItems)
	if len(all) != 1 || all[0].State != schema.StateSyncingCreate {
		t.Fatalf("in-flight row = %v, want one syncing_create row", all)
	}
	localID := all[0].ID

	if err := repo.Delete(ctx, localID); err != nil {
		t.Fatalf("Delete() failed: %v", err)
	}
	close(gated.release)
	res := <-done
	if res.err != nil {
		t.Fatalf("Create() failed: %v", res.err)
	}

	entries := f.entries(t)
	if len(entries) != 1 {
		t.Fatalf("queue = %v, want the retargeted delete", entries)
	}
	e := entries[0]
	if e.Type != schema.OpDelete || e.RecordID != res.rec.ID || e.Origin != schema.OriginRemote {
		t.Errorf("entry = %+v, want delete of %s with remote origin", e, res.rec.ID)
	}
	if all, _ := f.store.GetAll(ctx, schema.StoreItems); len(all) != 0 {
		t.Errorf("deleted record resurrected: %v", all)
	}
}

// lateAckClient stores a create remotely and holds back the acknowledgement.
type lateAckClient struct {
	*remote.Memory
	stored  chan struct{}
	release chan struct{}
}

func (c *lateAckClient) Create(ctx context.Context, collection string, data map[string]any) (string, error) {
	id, err := c.Memory.Create(ctx, collection, data)
	close(c.stored)
	<-c.release
	return id, err
}

func TestList_WaitsForInFlightCreate(t *testing.T) {
	f := setupTestSet(t, true)
	ctx := context.Background()

	client := &lateAckClient{Memory: f.remote, stored: make(chan struct{}), release: make(chan struct{})}
	opts := f.set.Options()
	opts.Remote = client
	repo, err := New(Items, opts)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	t.Cleanup(repo.Wait)

	created := make(chan *schema.Record, 1)
	go func() {
		rec, err := repo.Create(ctx, map[string]any{"name": "Stapler"})
		if err != nil {
			t.Errorf("Create() failed: %v", err)
		}
		created <- rec
	}()
	<-client.stored

	listed := make(chan []*schema.Record, 1)
	go func() {
		recs, err := repo.List(ctx)
		if err != nil {
			t.Errorf("List() failed: %v", err)
		}
		listed <- recs
	}()

	select {
	case recs := <-listed:
		t.Fatalf("List() returned %v while the create was unconfirmed", recs)
	case <-time.After(50 * time.Millisecond):
	}
	close(client.release)

	rec := <-created
	recs := <-listed
	if len(recs) != 1 || recs[0].ID != rec.ID {
		t.Errorf("List() = %v, want only %s", recs, rec.ID)
	}
}

func TestList_MergePrecedence(t *testing.T) {
	f := setupTestSet(t, true)
	ctx := context.Background()

	// Local copy is stale, remote is current.
	f.seedRemote(t, schema.StoreItems, "srv-1", map[string]any{"name": "Notebook", "stock": float64(10)})
	f.remote.Seed("items", "srv-1", map[string]any{"name": "Notebook", "stock": float64(4)})

	f.monitor.Set(false)
	draft, err := f.set.Items.Create(ctx, map[string]any{"name": "Draft"})
	if err != nil {
		t.Fatal(err)
	}
	f.monitor.Set(true)

	got, err := f.set.Items.List(ctx)
	if err != nil {
		t.Fatalf("List() failed: %v", err)
	}
	byID := map[string]*schema.Record{}
	for _, r := range got {
		byID[r.ID] = r
	}
	if len(got) != 2 {
		t.Fatalf("List() returned %d rows, want 2", len(got))
	}
	if stock, _ := byID["srv-1"].Number("stock"); stock != 4 {
		t.Errorf("stock = %v, want remote value 4", stock)
	}
	if _, ok := byID[draft.ID]; !ok {
		t.Error("local-only record missing from merged read")
	}

	f.set.Items.Wait()
	cached, err := f.store.Get(ctx, schema.StoreItems, "srv-1")
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if stock, _ := cached.Number("stock"); stock != 4 {
		t.Errorf("background refresh left stock = %v, want 4", stock)
	}
	meta, _ := f.store.GetMeta(ctx, schema.StoreItems)
	if meta.LastSync == nil || meta.ItemCount != 1 {
		t.Errorf("cache meta = %+v, want last sync set and 1 remote row", meta)
	}
}

func TestList_RemoteFailureServesLocal(t *testing.T) {
	f := setupTestSet(t, true)
	ctx := context.Background()
	f.seedRemote(t, schema.StoreParties, "srv-p", map[string]any{"companyName": "Acme"})
	f.remote.FailNext(remote.MethodList, 1)

	got, err := f.set.Parties.List(ctx)
	if err != nil {
		t.Fatalf("List() failed: %v", err)
	}
	if len(got) != 1 || got[0].ID != "srv-p" {
		t.Errorf("List() = %v, want the cached row", got)
	}
}

func TestList_SortedByRecency(t *testing.T) {
	f := setupTestSet(t, false)
	ctx := context.Background()

	for _, d := range []string{"2026-01-10", "2026-03-01", "2026-02-14"} {
		if _, err := f.set.Expenses.Create(ctx, map[string]any{"category": "travel", "amount": float64(1), "date": d}); err != nil {
			t.Fatal(err)
		}
	}
	got, err := f.set.Expenses.List(ctx)
	if err != nil {
		t.Fatalf("List() failed: %v", err)
	}
	var dates []string
	for _, r := range got {
		dates = append(dates, r.String("date"))
	}
	want := []string{"2026-03-01", "2026-02-14", "2026-01-10"}
	if diff := cmp.Diff(want, dates); diff != "" {
		t.Errorf("order mismatch (-want +got):\n%s", diff)
	}
}

func TestUpdate_NotFound(t *testing.T) {
	f := setupTestSet(t, true)

	_, err := f.set.Items.Update(context.Background(), "missing", map[string]any{"stock": 1})
	if !schema.IsNotFound(err) {
		t.Errorf("Update() error = %v, want not found", err)
	}
}

func TestUpdate_OnlineDirect(t *testing.T) {
	f := setupTestSet(t, true)
	ctx := context.Background()
	f.seedRemote(t, schema.StoreItems, "srv-1", map[string]any{"name": "Notebook", "stock": float64(10), "note": "x"})

	rec, err := f.set.Items.Update(ctx, "srv-1", map[string]any{"stock": float64(8), "note": nil})
	if err != nil {
		t.Fatalf("Update() failed: %v", err)
	}
	if rec.PendingSync || rec.SyncedAt == nil {
		t.Errorf("record = %+v, want synced", rec)
	}

	doc, _ := f.remote.Doc("items", "srv-1")
	want := map[string]any{"id": "srv-1", "name": "Notebook", "stock": float64(8)}
	if diff := cmp.Diff(want, doc); diff != "" {
		t.Errorf("remote doc mismatch (-want +got):\n%s", diff)
	}
	if n := len(f.entries(t)); n != 0 {
		t.Errorf("queue length = %d, want 0", n)
	}
}

func TestUpdate_LocalRecordIsQueued(t *testing.T) {
	f := setupTestSet(t, false)
	ctx := context.Background()

	rec, err := f.set.Items.Create(ctx, map[string]any{"name": "Pencil", "stock": float64(10)})
	if err != nil {
		t.Fatal(err)
	}
	f.monitor.Set(true)

	if _, err := f.set.Items.Update(ctx, rec.ID, map[string]any{"stock": float64(8)}); err != nil {
		t.Fatalf("Update() failed: %v", err)
	}
	if f.remote.Calls(remote.MethodUpdate) != 0 {
		t.Error("update of an unconfirmed record reached the remote store")
	}

	entries := f.entries(t)
	if len(entries) != 2 {
		t.Fatalf("queue length = %d, want 2", len(entries))
	}
	if entries[0].Type != schema.OpCreate || entries[1].Type != schema.OpUpdate {
		t.Errorf("queue order = %s, %s; want create, update", entries[0].Type, entries[1].Type)
	}
	if entries[1].Origin != schema.OriginLocal {
		t.Errorf("update origin = %s, want local", entries[1].Origin)
	}
}

func TestUpdate_StaysBehindQueuedWrites(t *testing.T) {
	f := setupTestSet(t, false)
	ctx := context.Background()
	f.seedRemote(t, schema.StoreItems, "srv-1", map[string]any{"name": "Notebook", "stock": float64(10)})

	if _, err := f.set.Items.Update(ctx, "srv-1", map[string]any{"stock": float64(8)}); err != nil {
		t.Fatal(err)
	}
	f.monitor.Set(true)
	if _, err := f.set.Items.Update(ctx, "srv-1", map[string]any{"stock": float64(5)}); err != nil {
		t.Fatal(err)
	}

	if f.remote.Calls(remote.MethodUpdate) != 0 {
		t.Error("update jumped ahead of a queued one")
	}
	if n := len(f.entries(t)); n != 2 {
		t.Errorf("queue length = %d, want 2", n)
	}
}

func TestDelete_OfflineRemoteRecord(t *testing.T) {
	f := setupTestSet(t, false)
	ctx := context.Background()
	f.seedRemote(t, schema.StoreItems, "srv-1", map[string]any{"name": "Notebook"})

	if err := f.set.Items.Delete(ctx, "srv-1"); err != nil {
		t.Fatalf("Delete() failed: %v", err)
	}
	entries := f.entries(t)
	if len(entries) != 1 || entries[0].Type != schema.OpDelete {
		t.Fatalf("queue = %v, want one delete", entries)
	}

	got, _ := f.set.Items.List(ctx)
	if len(got) != 0 {
		t.Errorf("offline List() = %v, want empty", got)
	}

	// Online, the remote copy still exists but the queued delete hides it.
	f.monitor.Set(true)
	got, _ = f.set.Items.List(ctx)
	if len(got) != 0 {
		t.Errorf("online List() = %v, want empty", got)
	}
	f.set.Items.Wait()
	if _, err := f.store.Get(ctx, schema.StoreItems, "srv-1"); !schema.IsNotFound(err) {
		t.Errorf("background refresh resurrected the record: %v", err)
	}

	// Deleting again is a no-op.
	if err := f.set.Items.Delete(ctx, "srv-1"); err != nil {
		t.Fatalf("second Delete() failed: %v", err)
	}
	if n := len(f.entries(t)); n != 1 {
		t.Errorf("queue length after second delete = %d, want 1", n)
	}
}

func TestDelete_OnlineRemoteRecord(t *testing.T) {
	f := setupTestSet(t, true)
	ctx := context.Background()
	f.seedRemote(t, schema.StoreItems, "srv-1", map[string]any{"name": "Notebook"})

	if err := f.set.Items.Delete(ctx, "srv-1"); err != nil {
		t.Fatalf("Delete() failed: %v", err)
	}
	if f.remote.Count("items") != 0 {
		t.Error("remote document survived an online delete")
	}
	if err := f.set.Items.Delete(ctx, "srv-1"); err != nil {
		t.Errorf("second Delete() failed: %v", err)
	}
	if n := len(f.entries(t)); n != 0 {
		t.Errorf("queue length = %d, want 0", n)
	}
}

func TestDelete_LocalRecordCancelsQueue(t *testing.T) {
	f := setupTestSet(t, false)
	ctx := context.Background()

	rec, err := f.set.Items.Create(ctx, map[string]any{"name": "Eraser"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.set.Items.Update(ctx, rec.ID, map[string]any{"stock": float64(2)}); err != nil {
		t.Fatal(err)
	}
	f.monitor.Set(true)

	if err := f.set.Items.Delete(ctx, rec.ID); err != nil {
		t.Fatalf("Delete() failed: %v", err)
	}
	if n := len(f.entries(t)); n != 0 {
		t.Errorf("queue length = %d, want 0", n)
	}
	if f.remote.Calls(remote.MethodDelete) != 0 {
		t.Error("delete of a never-sent record reached the remote store")
	}
}

func TestDegradedStore(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "not-a-dir")
	if err := os.WriteFile(blocker, []byte("x"), 0600); err != nil {
		t.Fatal(err)
	}
	f := setupWithStore(t, false, filepath.Join(blocker, "offline.db"))
	if !f.store.Degraded() {
		t.Fatal("store should be degraded")
	}
	ctx := context.Background()

	rec, err := f.set.Items.Create(ctx, map[string]any{"name": "Notebook"})
	if err != nil {
		t.Fatalf("Create() on degraded store failed: %v", err)
	}
	if err := rec.Validate(); err != nil {
		t.Errorf("degraded create returned invalid record: %v", err)
	}

	got, err := f.set.Items.List(ctx)
	if err != nil {
		t.Fatalf("List() failed: %v", err)
	}
	if len(got) != 1 || got[0].ID != rec.ID {
		t.Errorf("List() = %v, want the degraded write", got)
	}
}

func TestSubscribe_AppliesEvents(t *testing.T) {
	f := setupTestSet(t, true)
	ctx := context.Background()

	events := make(chan remote.Event, 4)
	cancel, err := f.set.Items.Subscribe(ctx, func(ev remote.Event) { events <- ev })
	if err != nil {
		t.Fatalf("Subscribe() failed: %v", err)
	}
	defer cancel()

	if err := f.remote.CreateWithID(ctx, "items", "srv-9", map[string]any{"name": "Pushed"}); err != nil {
		t.Fatal(err)
	}
	select {
	case ev := <-events:
		if ev.ID != "srv-9" {
			t.Errorf("event ID = %s, want srv-9", ev.ID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no event delivered")
	}

	rec, err := f.store.Get(ctx, schema.StoreItems, "srv-9")
	if err != nil {
		t.Fatalf("pushed record not cached: %v", err)
	}
	if rec.String("name") != "Pushed" {
		t.Errorf("name = %q, want Pushed", rec.String("name"))
	}
}

func TestSet(t *testing.T) {
	f := setupTestSet(t, false)
	ctx := context.Background()

	if _, err := f.set.For("leads"); !errors.Is(err, schema.ErrUnknownStore) {
		t.Errorf("For(leads) error = %v, want ErrUnknownStore", err)
	}
	repo, err := f.set.For(schema.StoreInvoices)
	if err != nil || repo != f.set.Invoices {
		t.Fatalf("For(invoices) = %v, %v", repo, err)
	}
	if len(f.set.All()) != len(schema.AllStores()) {
		t.Errorf("All() returned %d repositories", len(f.set.All()))
	}

	if _, err := f.set.Invoices.Create(ctx, map[string]any{"invoiceNumber": "INV-1"}); err != nil {
		t.Fatal(err)
	}
	stats, err := f.set.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats() failed: %v", err)
	}
	if stats.Queue.Pending != 1 {
		t.Errorf("pending entries = %d, want 1", stats.Queue.Pending)
	}
	for _, s := range stats.Stores {
		want := 0
		if s.Store == schema.StoreInvoices {
			want = 1
		}
		if s.Records != want || s.PendingRecords != want {
			t.Errorf("%s stats = %+v, want %d record(s)", s.Store, s, want)
		}
	}
}
