package remote

import (
	"context"
	"errors"
	"testing"
)

func TestMemory_FailureInjection(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	m.FailNext(MethodCreate, 2)
	for i := 0; i < 2; i++ {
		if _, err := m.Create(ctx, "items", map[string]any{"name": "x"}); !errors.Is(err, ErrUnavailable) {
			t.Fatalf("Create() #%d = %v, want ErrUnavailable", i+1, err)
		}
	}
	id, err := m.Create(ctx, "items", map[string]any{"name": "x"})
	if err != nil {
		t.Fatalf("third Create() failed: %v", err)
	}
	if m.Calls(MethodCreate) != 3 {
		t.Errorf("Calls(create) = %d, want 3", m.Calls(MethodCreate))
	}
	if m.Count("items") != 1 {
		t.Errorf("Count() = %d, want 1", m.Count("items"))
	}

	m.SetOffline(true)
	if err := m.Update(ctx, "items", id, map[string]any{"name": "y"}); !IsRetryable(err) {
		t.Errorf("Update() while offline = %v, want retryable", err)
	}
	if err := m.Ping(ctx); err == nil {
		t.Error("Ping() while offline should fail")
	}
	m.SetOffline(false)

	if err := m.Delete(ctx, "items", "nope"); !IsNotFound(err) {
		t.Errorf("Delete() of missing doc = %v, want ErrNotFound", err)
	}
}

func TestMemory_DocumentsAreCopies(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	data := map[string]any{"stock": 10}
	id, _ := m.Create(ctx, "items", data)
	data["stock"] = 99

	doc, ok := m.Doc("items", id)
	if !ok || doc["stock"] != 10 {
		t.Errorf("Doc() = %v, want stock 10", doc)
	}
	doc["stock"] = 1
	again, _ := m.Doc("items", id)
	if again["stock"] != 10 {
		t.Error("Doc() leaked internal state")
	}
}

func TestMemory_Subscribe(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	var got []Event
	cancel, err := m.Subscribe(ctx, "parties", func(ev Event) { got = append(got, ev) })
	if err != nil {
		t.Fatalf("Subscribe() failed: %v", err)
	}

	id, _ := m.Create(ctx, "parties", map[string]any{"name": "A"})
	_ = m.Update(ctx, "parties", id, map[string]any{"name": "B"})
	_, _ = m.Create(ctx, "items", map[string]any{"name": "other collection"})
	_ = m.Delete(ctx, "parties", id)
	cancel()
	_, _ = m.Create(ctx, "parties", map[string]any{"name": "after cancel"})

	want := []EventType{EventCreated, EventUpdated, EventDeleted}
	if len(got) != len(want) {
		t.Fatalf("received %d events, want %d", len(got), len(want))
	}
	for i, ev := range got {
		if ev.Type != want[i] {
			t.Errorf("event %d = %s, want %s", i, ev.Type, want[i])
		}
	}
}
