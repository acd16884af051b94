package migrate

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/thisai/crmsync/internal/offline/store"
	"github.com/thisai/crmsync/internal/remote"
)

func writeLegacy(t *testing.T, dir, collection string, rows []map[string]any) {
	t.Helper()
	data, err := json.Marshal(rows)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, store.LegacyFileName(collection)), data, 0600); err != nil {
		t.Fatalf("failed to write legacy file: %v", err)
	}
}

func setupMigration(t *testing.T) (string, *store.FlatStore, *remote.Memory) {
	t.Helper()
	dir := t.TempDir()
	writeLegacy(t, dir, "invoices", []map[string]any{
		{"id": "inv_1", "invoiceNumber": "INV-001", "total": 100},
		{"id": "inv_2", "invoiceNumber": "INV-002", "total": 200},
		{"id": "inv_3", "invoiceNumber": "INV-003", "total": 300},
		{"id": "inv_4", "invoiceNumber": "INV-004", "total": 400},
		{"id": "inv_5", "invoiceNumber": "INV-005", "total": 500},
	})
	src, err := store.NewFlatStore(dir)
	if err != nil {
		t.Fatalf("NewFlatStore() failed: %v", err)
	}
	mem := remote.NewMemory()
	mem.Seed("invoices", "inv_2", map[string]any{"invoiceNumber": "INV-002", "total": 200})
	mem.Seed("invoices", "inv_4", map[string]any{"invoiceNumber": "INV-004", "total": 400})
	return dir, src, mem
}

func testOptions(src *store.FlatStore, mem *remote.Memory) Options {
	return Options{
		Tenant: "acme",
		Source: src,
		Flags:  src,
		Remote: mem,
		Logger: log.New(io.Discard, "", 0),
	}
}

func TestMigrate_CreatesOnlyMissingRows(t *testing.T) {
	_, src, mem := setupMigration(t)
	ctx := context.Background()

	res, err := Migrate(ctx, testOptions(src, mem))
	if err != nil {
		t.Fatalf("Migrate() failed: %v", err)
	}
	if res.Found != 5 || res.Migrated != 3 || res.Skipped != 2 {
		t.Errorf("result = found %d migrated %d skipped %d, want 5/3/2", res.Found, res.Migrated, res.Skipped)
	}
	if !res.Completed || len(res.Errors) != 0 {
		t.Errorf("Completed = %v, Errors = %v", res.Completed, res.Errors)
	}
	if got := mem.Count("invoices"); got != 5 {
		t.Errorf("remote invoices = %d, want 5", got)
	}
	if got := mem.Calls(remote.MethodCreateWithID); got != 3 {
		t.Errorf("CreateWithID calls = %d, want 3", got)
	}
	if doc, ok := mem.Doc("invoices", "inv_3"); !ok || doc["invoiceNumber"] != "INV-003" {
		t.Errorf("inv_3 = %v, %v", doc, ok)
	}

	v, ok, err := src.GetFlag(ctx, FlagKey("acme"))
	if err != nil || !ok || v != "1" {
		t.Errorf("completion flag = %q, %v, %v", v, ok, err)
	}
}

func TestMigrate_SecondRunCreatesNothing(t *testing.T) {
	_, src, mem := setupMigration(t)
	ctx := context.Background()

	if _, err := Migrate(ctx, testOptions(src, mem)); err != nil {
		t.Fatalf("Migrate() failed: %v", err)
	}
	before := mem.Calls(remote.MethodCreateWithID) + mem.Calls(remote.MethodCreate)

	res, err := Migrate(ctx, testOptions(src, mem))
	if err != nil {
		t.Fatalf("second Migrate() failed: %v", err)
	}
	if !res.AlreadyComplete || res.Migrated != 0 {
		t.Errorf("second run = %+v, want AlreadyComplete", res)
	}
	if after := mem.Calls(remote.MethodCreateWithID) + mem.Calls(remote.MethodCreate); after != before {
		t.Errorf("create calls went from %d to %d", before, after)
	}

	// Another tenant has its own flag but still finds every row present.
	opts := testOptions(src, mem)
	opts.Tenant = ""
	res, err = Migrate(ctx, opts)
	if err != nil {
		t.Fatalf("Migrate(default tenant) failed: %v", err)
	}
	if res.Migrated != 0 || res.Skipped != 5 || !res.Completed {
		t.Errorf("default tenant run = %+v", res)
	}
	if got := mem.Count("invoices"); got != 5 {
		t.Errorf("remote invoices = %d, want 5", got)
	}
}

func TestMigrate_PartialFailureWithholdsFlag(t *testing.T) {
	_, src, mem := setupMigration(t)
	ctx := context.Background()

	mem.FailNext(remote.MethodCreateWithID, 1)
	res, err := Migrate(ctx, testOptions(src, mem))
	if err != nil {
		t.Fatalf("Migrate() failed: %v", err)
	}
	if res.Completed || len(res.Errors) != 1 || res.Migrated != 2 {
		t.Errorf("result = %+v, want 2 migrated and 1 error", res)
	}
	if _, ok, _ := src.GetFlag(ctx, FlagKey("acme")); ok {
		t.Error("completion flag set after a failed row")
	}

	res, err = Migrate(ctx, testOptions(src, mem))
	if err != nil {
		t.Fatalf("retry Migrate() failed: %v", err)
	}
	if !res.Completed || res.Migrated != 1 || res.Skipped != 4 {
		t.Errorf("retry = %+v, want 1 migrated and 4 skipped", res)
	}
	if got := mem.Count("invoices"); got != 5 {
		t.Errorf("remote invoices = %d, want 5", got)
	}
}

func TestMigrate_RowsWithoutIDAreNotDuplicated(t *testing.T) {
	dir := t.TempDir()
	writeLegacy(t, dir, "expenses", []map[string]any{
		{"category": "travel", "amount": 40},
		{"id": "", "category": "rent", "amount": 900},
		{"id": "bad id with spaces", "category": "food", "amount": 12},
	})
	writeLegacy(t, dir, "parties", []map[string]any{
		{"id": "party_1", "name": "Acme"},
	})
	src, err := store.NewFlatStore(dir)
	if err != nil {
		t.Fatalf("NewFlatStore() failed: %v", err)
	}
	mem := remote.NewMemory()
	ctx := context.Background()

	// The parties row fails, so the run is retried.
	mem.FailNext(remote.MethodCreateWithID, 1)
	res, err := Migrate(ctx, testOptions(src, mem))
	if err != nil {
		t.Fatalf("Migrate() failed: %v", err)
	}
	if res.Completed {
		t.Fatal("run with a failed row must not complete")
	}
	if got := mem.Count("expenses"); got != 3 {
		t.Fatalf("remote expenses = %d, want 3", got)
	}

	res, err = Migrate(ctx, testOptions(src, mem))
	if err != nil {
		t.Fatalf("retry Migrate() failed: %v", err)
	}
	if !res.Completed {
		t.Errorf("retry did not complete: %v", res.Errors)
	}
	if got := mem.Count("expenses"); got != 3 {
		t.Errorf("remote expenses after retry = %d, want 3", got)
	}
	if cr := res.Collections["expenses"]; cr == nil || cr.Skipped != 3 {
		t.Errorf("expenses result = %+v, want 3 skipped", cr)
	}
	for _, doc := range mem.Docs("expenses") {
		if strings.HasPrefix(doc["id"].(string), "bad") {
			t.Errorf("invalid legacy id was sent: %v", doc)
		}
	}
}

func TestMigrate_RemoteUnreachable(t *testing.T) {
	_, src, mem := setupMigration(t)
	ctx := context.Background()

	mem.SetOffline(true)
	if _, err := Migrate(ctx, testOptions(src, mem)); err == nil {
		t.Fatal("Migrate() succeeded with the remote offline")
	}
	if _, ok, _ := src.GetFlag(ctx, FlagKey("acme")); ok {
		t.Error("completion flag set while offline")
	}

	mem.SetOffline(false)
	res, err := Migrate(ctx, testOptions(src, mem))
	if err != nil || !res.Completed || res.Migrated != 3 {
		t.Errorf("Migrate() after reconnect = %+v, %v", res, err)
	}
}

func TestMigrate_DryRun(t *testing.T) {
	_, src, mem := setupMigration(t)
	ctx := context.Background()

	opts := testOptions(src, mem)
	opts.DryRun = true
	res, err := Migrate(ctx, opts)
	if err != nil {
		t.Fatalf("Migrate(dry run) failed: %v", err)
	}
	if res.Migrated != 3 || res.Completed {
		t.Errorf("dry run = %+v, want 3 reported and not completed", res)
	}
	if got := mem.Count("invoices"); got != 2 {
		t.Errorf("dry run wrote to remote: %d invoices", got)
	}
	if _, ok, _ := src.GetFlag(ctx, FlagKey("acme")); ok {
		t.Error("dry run set the completion flag")
	}
}

func TestMigrate_SkipsRowsWithSyncMetadata(t *testing.T) {
	dir := t.TempDir()
	writeLegacy(t, dir, "items", []map[string]any{
		{"id": "item_1", "name": "Bolt"},
		{"id": "item_2", "name": "Nut", "_origin": "local", "_state": "local"},
	})
	src, err := store.NewFlatStore(dir)
	if err != nil {
		t.Fatalf("NewFlatStore() failed: %v", err)
	}
	mem := remote.NewMemory()

	res, err := Migrate(context.Background(), testOptions(src, mem))
	if err != nil {
		t.Fatalf("Migrate() failed: %v", err)
	}
	if res.Migrated != 1 || res.Skipped != 1 {
		t.Errorf("result = %+v, want 1 migrated and 1 skipped", res)
	}
	if _, ok := mem.Doc("items", "item_2"); ok {
		t.Error("row governed by the sync queue was migrated")
	}
}

func TestMigrate_Backup(t *testing.T) {
	dir, src, mem := setupMigration(t)

	opts := testOptions(src, mem)
	opts.Backup = true
	opts.BackupDir = filepath.Join(dir, "backups")
	res, err := Migrate(context.Background(), opts)
	if err != nil {
		t.Fatalf("Migrate() failed: %v", err)
	}
	if len(res.BackupCreated) != 1 {
		t.Fatalf("BackupCreated = %v, want one file", res.BackupCreated)
	}
	if !strings.Contains(res.BackupCreated[0], ".backup.") {
		t.Errorf("backup path %q lacks the .backup. suffix", res.BackupCreated[0])
	}
	if _, err := os.Stat(res.BackupCreated[0]); err != nil {
		t.Errorf("backup file missing: %v", err)
	}
}

func TestValidID(t *testing.T) {
	tests := []struct {
		id   string
		want bool
	}{
		{"inv_1", true},
		{"srv_000001", true},
		{"item_1712345678901_ab12cd34", true},
		{"", false},
		{"has space", false},
		{"_leading", false},
		{strings.Repeat("a", 129), false},
	}
	for _, tt := range tests {
		if got := ValidID(tt.id); got != tt.want {
			t.Errorf("ValidID(%q) = %v, want %v", tt.id, got, tt.want)
		}
	}
}
