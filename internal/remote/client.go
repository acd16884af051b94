// Package remote defines the remote document store the offline layer syncs
// with, plus two implementations: HTTPClient for the crmsync server and
// Memory, an in-process store used by tests and benchmarks.
//
// Documents are flat JSON objects. The remote store owns the "id" key; it
// is returned by List and assigned by Create.
package remote

import (
	"context"
	"time"
)

// Client is the collection-scoped document API consumed by repositories,
// the sync engine and the legacy migration shim.
type Client interface {
	// Create stores data and returns the ID the remote store assigned.
	Create(ctx context.Context, collection string, data map[string]any) (string, error)

	// CreateWithID stores data under a caller-chosen ID.
	CreateWithID(ctx context.Context, collection, id string, data map[string]any) error

	// Update merges patch into an existing document.
	Update(ctx context.Context, collection, id string, patch map[string]any) error

	// Delete removes a document. A missing document yields ErrNotFound.
	Delete(ctx context.Context, collection, id string) error

	// List returns every document in the collection.
	List(ctx context.Context, collection string) ([]map[string]any, error)
}

// Pinger is implemented by clients that can check reachability cheaply.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Subscriber is implemented by clients with push updates. Not every remote
// store supports it.
type Subscriber interface {
	// Subscribe calls fn for every change in collection until the returned
	// cancel function is called or ctx ends.
	Subscribe(ctx context.Context, collection string, fn func(Event)) (cancel func(), err error)
}

// EventType is the kind of change carried by an Event.
type EventType string

const (
	EventCreated EventType = "created"
	EventUpdated EventType = "updated"
	EventDeleted EventType = "deleted"
)

// Event is one change pushed by the remote store.
type Event struct {
	Type       EventType      `json:"type"`
	Collection string         `json:"collection"`
	ID         string         `json:"id"`
	Data       map[string]any `json:"data,omitempty"`
	At         time.Time      `json:"at"`
}

// IDs returns the set of document IDs in a List result.
func IDs(docs []map[string]any) map[string]bool {
	out := make(map[string]bool, len(docs))
	for _, d := range docs {
		if id, ok := d["id"].(string); ok && id != "" {
			out[id] = true
		}
	}
	return out
}
