package schema

import (
	"strings"
	"testing"
	"time"
)

func TestNewQueueEntry(t *testing.T) {
	now := time.Now()
	rec := NewLocalRecord("item", map[string]any{"name": "Soap", "hsn": nil}, now)

	create := NewQueueEntry(OpCreate, StoreItems, rec, now)
	if !strings.HasPrefix(create.ID, "sync_") {
		t.Errorf("ID = %q, want sync_ prefix", create.ID)
	}
	if create.Status != StatusPending || create.RetryCount != 0 {
		t.Errorf("new entry status = %s retry = %d, want pending/0", create.Status, create.RetryCount)
	}
	if create.Origin != OriginLocal {
		t.Errorf("Origin = %s, want local", create.Origin)
	}
	if _, ok := create.Data["hsn"]; ok {
		t.Error("create payload must be sanitized")
	}
	if err := create.Validate(); err != nil {
		t.Errorf("Validate() = %v", err)
	}

	del := NewQueueEntry(OpDelete, StoreItems, rec, now)
	if del.Data != nil {
		t.Errorf("delete payload = %v, want nil", del.Data)
	}
}

func TestQueueEntry_Validate(t *testing.T) {
	now := time.Now()
	valid := func() QueueEntry {
		return QueueEntry{ID: "sync_1", Type: OpUpdate, Store: StoreItems, RecordID: "a", Timestamp: now}
	}

	tests := []struct {
		name    string
		mutate  func(e *QueueEntry)
		wantErr bool
	}{
		{"valid", func(e *QueueEntry) {}, false},
		{"missing id", func(e *QueueEntry) { e.ID = "" }, true},
		{"bad type", func(e *QueueEntry) { e.Type = "upsert" }, true},
		{"bad store", func(e *QueueEntry) { e.Store = "leads" }, true},
		{"missing record id", func(e *QueueEntry) { e.RecordID = "" }, true},
		{"zero timestamp", func(e *QueueEntry) { e.Timestamp = time.Time{} }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := valid()
			tt.mutate(&e)
			if err := e.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestQueueEntry_Before(t *testing.T) {
	t0 := time.Now()
	a := &QueueEntry{Timestamp: t0, Seq: 2}
	b := &QueueEntry{Timestamp: t0, Seq: 3}
	c := &QueueEntry{Timestamp: t0.Add(time.Millisecond), Seq: 1}

	if !a.Before(b) {
		t.Error("same timestamp should order by seq")
	}
	if !b.Before(c) {
		t.Error("earlier timestamp should come first regardless of seq")
	}
	if c.Before(a) {
		t.Error("later entry ordered before earlier one")
	}
}

func TestQueueEntry_Replayable(t *testing.T) {
	tests := map[QueueStatus]bool{
		StatusPending: true,
		StatusFailed:  true,
		StatusSyncing: false,
	}
	for status, want := range tests {
		e := &QueueEntry{Status: status}
		if got := e.Replayable(); got != want {
			t.Errorf("Replayable(%s) = %v, want %v", status, got, want)
		}
	}
}
