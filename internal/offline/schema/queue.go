package schema

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Op is the kind of mutation held by a queue entry.
type Op string

const (
	OpCreate Op = "create"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// Valid reports whether op is a known mutation kind.
func (op Op) Valid() bool {
	return op == OpCreate || op == OpUpdate || op == OpDelete
}

// QueueStatus is the replay status of a queue entry.
type QueueStatus string

const (
	StatusPending QueueStatus = "pending"
	StatusSyncing QueueStatus = "syncing"
	StatusFailed  QueueStatus = "failed"
)

// QueueEntry is one mutation awaiting replay against the remote store.
type QueueEntry struct {
	ID       string `json:"id" yaml:"id"`
	Type     Op     `json:"type" yaml:"type"`
	Store    string `json:"store" yaml:"store"`
	RecordID string `json:"record_id" yaml:"record_id"`

	// Origin is the origin of RecordID. Entries targeting a record whose
	// create has not been confirmed carry OriginLocal until Retarget
	// rewrites them.
	Origin Origin `json:"origin" yaml:"origin"`

	// Data is the record document for create/update, nil for delete.
	Data map[string]any `json:"data,omitempty" yaml:"data,omitempty"`

	Timestamp  time.Time   `json:"timestamp" yaml:"timestamp"`
	Seq        int64       `json:"seq" yaml:"seq"`
	RetryCount int         `json:"retry_count" yaml:"retry_count"`
	Status     QueueStatus `json:"status" yaml:"status"`
	LastError  string      `json:"last_error,omitempty" yaml:"last_error,omitempty"`
}

// NewQueueEntry builds a pending entry for rec. For deletes only the ID is kept.
func NewQueueEntry(op Op, store string, rec *Record, now time.Time) *QueueEntry {
	e := &QueueEntry{
		ID:        NewQueueID(now),
		Type:      op,
		Store:     store,
		RecordID:  rec.ID,
		Origin:    rec.Origin,
		Timestamp: now,
		Status:    StatusPending,
	}
	if op != OpDelete {
		e.Data = rec.Sanitized()
	}
	return e
}

// NewQueueID returns an identifier for a queue entry.
func NewQueueID(now time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("sync_%d_%s", now.UnixMilli(), suffix)
}

// Validate checks the entry's required fields.
func (e *QueueEntry) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("queue entry id is required")
	}
	if !e.Type.Valid() {
		return fmt.Errorf("invalid queue entry type %q", e.Type)
	}
	if err := CheckStore(e.Store); err != nil {
		return err
	}
	if e.RecordID == "" {
		return fmt.Errorf("queue entry record_id is required")
	}
	if e.Timestamp.IsZero() {
		return fmt.Errorf("queue entry timestamp is required")
	}
	return nil
}

// Replayable reports whether a drain should pick the entry up.
func (e *QueueEntry) Replayable() bool {
	return e.Status == StatusPending || e.Status == StatusFailed
}

// Before orders entries FIFO: timestamp first, then sequence number.
func (e *QueueEntry) Before(other *QueueEntry) bool {
	if !e.Timestamp.Equal(other.Timestamp) {
		return e.Timestamp.Before(other.Timestamp)
	}
	return e.Seq < other.Seq
}

// CacheMeta records when a store was last refreshed from the remote store.
type CacheMeta struct {
	Store     string     `json:"store" yaml:"store"`
	LastSync  *time.Time `json:"last_sync,omitempty" yaml:"last_sync,omitempty"`
	ItemCount int        `json:"item_count" yaml:"item_count"`
	Version   int        `json:"version" yaml:"version"`
}
