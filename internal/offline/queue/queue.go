// Package queue implements the sync outbox: an ordered, durable list of
// mutations awaiting replay against the remote store.
//
// Entries are never collapsed. Two updates of the same record stay two
// entries and are replayed in the order they were issued.
package queue

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/thisai/crmsync/internal/offline/schema"
)

// Backend persists queue entries. store.DB, store.FlatStore and
// store.Resilient implement it.
type Backend interface {
	// InsertEntry appends e and assigns e.Seq.
	InsertEntry(ctx context.Context, e *schema.QueueEntry) error
	// ListEntries returns every entry ordered by timestamp, then seq.
	ListEntries(ctx context.Context) ([]*schema.QueueEntry, error)
	// UpdateEntry rewrites e, returning schema.ErrNotFound if it is gone.
	UpdateEntry(ctx context.Context, e *schema.QueueEntry) error
	// DeleteEntry removes an entry. Missing entries are ignored.
	DeleteEntry(ctx context.Context, id string) error
	// ClearEntries removes every entry.
	ClearEntries(ctx context.Context) error
}

// Counts summarizes the queue for pending-sync counters.
type Counts struct {
	Pending int `json:"pending" yaml:"pending"`
	Failed  int `json:"failed" yaml:"failed"`
	Syncing int `json:"syncing" yaml:"syncing"`
}

// Total returns the number of entries not yet confirmed.
func (c Counts) Total() int {
	return c.Pending + c.Failed + c.Syncing
}

// Queue is the sync outbox.
type Queue struct {
	backend Backend
	logger  *log.Logger
	now     func() time.Time

	mu sync.Mutex
}

// New creates a queue over backend.
func New(backend Backend, logger *log.Logger) *Queue {
	if logger == nil {
		logger = log.New(os.Stderr, "[queue] ", log.LstdFlags)
	}
	return &Queue{
		backend: backend,
		logger:  logger,
		now:     time.Now,
	}
}

// SetClock replaces the time source. Used by tests.
func (q *Queue) SetClock(now func() time.Time) {
	q.now = now
}

// Enqueue appends a pending entry for rec.
func (q *Queue) Enqueue(ctx context.Context, op schema.Op, store string, rec *schema.Record) (*schema.QueueEntry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	e := schema.NewQueueEntry(op, store, rec, q.now())
	if err := q.backend.InsertEntry(ctx, e); err != nil {
		return nil, fmt.Errorf("failed to enqueue %s %s/%s: %w", op, store, rec.ID, err)
	}
	return e, nil
}

// All returns every entry in FIFO order.
func (q *Queue) All(ctx context.Context) ([]*schema.QueueEntry, error) {
	entries, err := q.backend.ListEntries(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list sync queue: %w", err)
	}
	return entries, nil
}

// Pending returns pending and failed entries in FIFO order.
func (q *Queue) Pending(ctx context.Context) ([]*schema.QueueEntry, error) {
	entries, err := q.All(ctx)
	if err != nil {
		return nil, err
	}
	out := entries[:0]
	for _, e := range entries {
		if e.Replayable() {
			out = append(out, e)
		}
	}
	return out, nil
}

// MarkSyncing flags e as being replayed.
func (q *Queue) MarkSyncing(ctx context.Context, e *schema.QueueEntry) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	e.Status = schema.StatusSyncing
	if err := q.backend.UpdateEntry(ctx, e); err != nil {
		return fmt.Errorf("failed to mark %s syncing: %w", e.ID, err)
	}
	return nil
}

// Complete removes a successfully replayed entry.
func (q *Queue) Complete(ctx context.Context, e *schema.QueueEntry) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.backend.DeleteEntry(ctx, e.ID); err != nil {
		return fmt.Errorf("failed to complete %s: %w", e.ID, err)
	}
	return nil
}

// Fail records a replay failure. The entry stays queued for the next drain.
func (q *Queue) Fail(ctx context.Context, e *schema.QueueEntry, cause error) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	e.RetryCount++
	e.Status = schema.StatusFailed
	if cause != nil {
		e.LastError = cause.Error()
	}
	if err := q.backend.UpdateEntry(ctx, e); err != nil {
		return fmt.Errorf("failed to record failure of %s: %w", e.ID, err)
	}
	return nil
}

// Defer returns an entry to pending without counting a failure.
func (q *Queue) Defer(ctx context.Context, e *schema.QueueEntry) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if e.Status != schema.StatusSyncing {
		return nil
	}
	e.Status = schema.StatusPending
	if err := q.backend.UpdateEntry(ctx, e); err != nil {
		return fmt.Errorf("failed to defer %s: %w", e.ID, err)
	}
	return nil
}

// Recover resets entries left in syncing state by an interrupted drain.
func (q *Queue) Recover(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	entries, err := q.backend.ListEntries(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list sync queue: %w", err)
	}
	n := 0
	for _, e := range entries {
		if e.Status != schema.StatusSyncing {
			continue
		}
		e.Status = schema.StatusPending
		if err := q.backend.UpdateEntry(ctx, e); err != nil {
			return n, fmt.Errorf("failed to recover %s: %w", e.ID, err)
		}
		n++
	}
	if n > 0 {
		q.logger.Printf("Recovered %d interrupted queue entries", n)
	}
	return n, nil
}

// Retarget points every entry for oldID at newID and marks the target as
// remote-confirmed. It is called once a create has been confirmed.
func (q *Queue) Retarget(ctx context.Context, store, oldID, newID string) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	entries, err := q.backend.ListEntries(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list sync queue: %w", err)
	}
	n := 0
	for _, e := range entries {
		if e.Store != store || e.RecordID != oldID {
			continue
		}
		e.RecordID = newID
		e.Origin = schema.OriginRemote
		if err := q.backend.UpdateEntry(ctx, e); err != nil {
			return n, fmt.Errorf("failed to retarget %s: %w", e.ID, err)
		}
		n++
	}
	return n, nil
}

// CancelRecord drops every entry for a record. Used when a record that never
// reached the remote store is deleted locally.
func (q *Queue) CancelRecord(ctx context.Context, store, id string) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	entries, err := q.backend.ListEntries(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list sync queue: %w", err)
	}
	n := 0
	for _, e := range entries {
		if e.Store != store || e.RecordID != id {
			continue
		}
		if err := q.backend.DeleteEntry(ctx, e.ID); err != nil {
			return n, fmt.Errorf("failed to cancel %s: %w", e.ID, err)
		}
		n++
	}
	return n, nil
}

// ForRecord returns the entries targeting one record in FIFO order.
func (q *Queue) ForRecord(ctx context.Context, store, id string) ([]*schema.QueueEntry, error) {
	entries, err := q.All(ctx)
	if err != nil {
		return nil, err
	}
	var out []*schema.QueueEntry
	for _, e := range entries {
		if e.Store == store && e.RecordID == id {
			out = append(out, e)
		}
	}
	return out, nil
}

// HasPending reports whether any entry still targets the record.
func (q *Queue) HasPending(ctx context.Context, store, id string) (bool, error) {
	entries, err := q.ForRecord(ctx, store, id)
	if err != nil {
		return false, err
	}
	return len(entries) > 0, nil
}

// Counts returns entry counts by status.
func (q *Queue) Counts(ctx context.Context) (Counts, error) {
	entries, err := q.All(ctx)
	if err != nil {
		return Counts{}, err
	}
	var c Counts
	for _, e := range entries {
		switch e.Status {
		case schema.StatusPending:
			c.Pending++
		case schema.StatusFailed:
			c.Failed++
		case schema.StatusSyncing:
			c.Syncing++
		}
	}
	return c, nil
}

// Since returns entries queued at or after t.
func (q *Queue) Since(ctx context.Context, t time.Time) ([]*schema.QueueEntry, error) {
	entries, err := q.All(ctx)
	if err != nil {
		return nil, err
	}
	out := entries[:0]
	for _, e := range entries {
		if !e.Timestamp.Before(t) {
			out = append(out, e)
		}
	}
	return out, nil
}

// Clear removes every entry.
func (q *Queue) Clear(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.backend.ClearEntries(ctx); err != nil {
		return fmt.Errorf("failed to clear sync queue: %w", err)
	}
	return nil
}
