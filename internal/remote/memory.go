package remote

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Method names a Client operation for failure injection and call counting.
type Method string

const (
	MethodCreate       Method = "create"
	MethodCreateWithID Method = "create_with_id"
	MethodUpdate       Method = "update"
	MethodDelete       Method = "delete"
	MethodList         Method = "list"
	MethodPing         Method = "ping"
)

// Memory is an in-process remote store. It supports going offline, failing
// the next N calls of a method, call counting and subscriptions.
type Memory struct {
	mu      sync.Mutex
	docs    map[string]map[string]map[string]any
	nextID  int
	offline bool
	failing map[Method]int
	calls   map[Method]int
	latency time.Duration

	subs   map[string]map[int]func(Event)
	subSeq int
}

var (
	_ Client     = (*Memory)(nil)
	_ Pinger     = (*Memory)(nil)
	_ Subscriber = (*Memory)(nil)
)

// NewMemory returns an empty, online store.
func NewMemory() *Memory {
	return &Memory{
		docs:    make(map[string]map[string]map[string]any),
		failing: make(map[Method]int),
		calls:   make(map[Method]int),
		subs:    make(map[string]map[int]func(Event)),
	}
}

// SetOffline makes every call fail with ErrUnavailable while true.
func (m *Memory) SetOffline(offline bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.offline = offline
}

// FailNext makes the next n calls of method fail with ErrUnavailable.
func (m *Memory) FailNext(method Method, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failing[method] = n
}

// SetLatency delays every call by d.
func (m *Memory) SetLatency(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.latency = d
}

// Calls returns how many times method was invoked, failed calls included.
func (m *Memory) Calls(method Method) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[method]
}

// Seed stores a document directly, bypassing failure injection.
func (m *Memory) Seed(collection, id string, data map[string]any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.put(collection, id, data)
}

// Docs returns copies of every document in a collection, ordered by ID.
func (m *Memory) Docs(collection string) []map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.list(collection)
}

// Doc returns a copy of one document.
func (m *Memory) Doc(collection, id string) (map[string]any, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.docs[collection][id]
	if !ok {
		return nil, false
	}
	return withID(d, id), true
}

// Count returns the number of documents in a collection.
func (m *Memory) Count(collection string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.docs[collection])
}

// enter records a call and applies latency and failure injection.
func (m *Memory) enter(ctx context.Context, method Method) error {
	m.mu.Lock()
	m.calls[method]++
	latency := m.latency
	offline := m.offline
	fail := m.failing[method] > 0
	if fail {
		m.failing[method]--
	}
	m.mu.Unlock()

	if latency > 0 {
		select {
		case <-time.After(latency):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if offline {
		return fmt.Errorf("%w: offline", ErrUnavailable)
	}
	if fail {
		return fmt.Errorf("%w: injected %s failure", ErrUnavailable, method)
	}
	return nil
}

func (m *Memory) put(collection, id string, data map[string]any) {
	if m.docs[collection] == nil {
		m.docs[collection] = make(map[string]map[string]any)
	}
	doc := make(map[string]any, len(data))
	for k, v := range data {
		if k == "id" {
			continue
		}
		doc[k] = v
	}
	m.docs[collection][id] = doc
}

func (m *Memory) list(collection string) []map[string]any {
	ids := make([]string, 0, len(m.docs[collection]))
	for id := range m.docs[collection] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]map[string]any, 0, len(ids))
	for _, id := range ids {
		out = append(out, withID(m.docs[collection][id], id))
	}
	return out
}

func withID(doc map[string]any, id string) map[string]any {
	out := make(map[string]any, len(doc)+1)
	for k, v := range doc {
		out[k] = v
	}
	out["id"] = id
	return out
}

func (m *Memory) emit(ev Event) {
	m.mu.Lock()
	fns := make([]func(Event), 0, len(m.subs[ev.Collection]))
	for _, fn := range m.subs[ev.Collection] {
		fns = append(fns, fn)
	}
	m.mu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
}

// Ping fails while offline.
func (m *Memory) Ping(ctx context.Context) error {
	return m.enter(ctx, MethodPing)
}

// Create stores data under a new ID.
func (m *Memory) Create(ctx context.Context, collection string, data map[string]any) (string, error) {
	if err := m.enter(ctx, MethodCreate); err != nil {
		return "", err
	}
	m.mu.Lock()
	m.nextID++
	id := fmt.Sprintf("srv_%06d", m.nextID)
	m.put(collection, id, data)
	doc := withID(m.docs[collection][id], id)
	m.mu.Unlock()

	m.emit(Event{Type: EventCreated, Collection: collection, ID: id, Data: doc, At: time.Now()})
	return id, nil
}

// CreateWithID stores data under id, replacing any existing document.
func (m *Memory) CreateWithID(ctx context.Context, collection, id string, data map[string]any) error {
	if err := m.enter(ctx, MethodCreateWithID); err != nil {
		return err
	}
	if id == "" {
		return &StatusError{Code: 400, Message: "id is required"}
	}
	m.mu.Lock()
	m.put(collection, id, data)
	doc := withID(m.docs[collection][id], id)
	m.mu.Unlock()

	m.emit(Event{Type: EventCreated, Collection: collection, ID: id, Data: doc, At: time.Now()})
	return nil
}

// Update merges patch into an existing document.
func (m *Memory) Update(ctx context.Context, collection, id string, patch map[string]any) error {
	if err := m.enter(ctx, MethodUpdate); err != nil {
		return err
	}
	m.mu.Lock()
	doc, ok := m.docs[collection][id]
	if !ok {
		m.mu.Unlock()
		return &StatusError{Code: 404, Message: fmt.Sprintf("%s/%s not found", collection, id)}
	}
	for k, v := range patch {
		switch {
		case k == "id":
		case v == nil:
			delete(doc, k)
		default:
			doc[k] = v
		}
	}
	out := withID(doc, id)
	m.mu.Unlock()

	m.emit(Event{Type: EventUpdated, Collection: collection, ID: id, Data: out, At: time.Now()})
	return nil
}

// Delete removes a document.
func (m *Memory) Delete(ctx context.Context, collection, id string) error {
	if err := m.enter(ctx, MethodDelete); err != nil {
		return err
	}
	m.mu.Lock()
	if _, ok := m.docs[collection][id]; !ok {
		m.mu.Unlock()
		return &StatusError{Code: 404, Message: fmt.Sprintf("%s/%s not found", collection, id)}
	}
	delete(m.docs[collection], id)
	m.mu.Unlock()

	m.emit(Event{Type: EventDeleted, Collection: collection, ID: id, At: time.Now()})
	return nil
}

// List returns every document in a collection.
func (m *Memory) List(ctx context.Context, collection string) ([]map[string]any, error) {
	if err := m.enter(ctx, MethodList); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.list(collection), nil
}

// Subscribe registers fn for changes in collection. Events are delivered
// synchronously on the goroutine that made the change.
func (m *Memory) Subscribe(ctx context.Context, collection string, fn func(Event)) (func(), error) {
	m.mu.Lock()
	if m.offline {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: offline", ErrUnavailable)
	}
	if m.subs[collection] == nil {
		m.subs[collection] = make(map[int]func(Event))
	}
	m.subSeq++
	id := m.subSeq
	m.subs[collection][id] = fn
	m.mu.Unlock()

	var once sync.Once
	done := make(chan struct{})
	cancel := func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs[collection], id)
			m.mu.Unlock()
			close(done)
		})
	}
	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-done:
		}
	}()
	return cancel, nil
}
