package sync

import (
	"context"
	"time"
)

// Status is the sync health shown to users: pending counters, last sync time
// and the last error. It is informational and never blocks data entry.
type Status struct {
	Online       bool         `json:"online" yaml:"online"`
	Syncing      bool         `json:"syncing" yaml:"syncing"`
	PendingCount int          `json:"pending_count" yaml:"pending_count"`
	FailedCount  int          `json:"failed_count" yaml:"failed_count"`
	LastSyncTime *time.Time   `json:"last_sync_time,omitempty" yaml:"last_sync_time,omitempty"`
	LastError    string       `json:"last_error,omitempty" yaml:"last_error,omitempty"`
	LastResult   *DrainResult `json:"last_result,omitempty" yaml:"last_result,omitempty"`
}

// Status returns the current status with fresh queue counts.
func (e *Engine) Status(ctx context.Context) Status {
	e.mu.Lock()
	st := e.status
	e.mu.Unlock()

	st.Online = e.online.Online()
	counts, err := e.queue.Counts(ctx)
	if err != nil {
		e.logger.Printf("Warning: failed to count queue: %v", err)
		return st
	}
	st.PendingCount = counts.Pending + counts.Syncing
	st.FailedCount = counts.Failed
	return st
}

// Subscribe registers fn for status changes: drain start and finish, and
// pulls. The returned function unsubscribes.
func (e *Engine) Subscribe(fn func(Status)) func() {
	e.mu.Lock()
	defer e.mu.Unlock()

	id := e.nextSub
	e.nextSub++
	e.subs[id] = fn
	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.subs, id)
	}
}

func (e *Engine) setSyncing(syncing bool) {
	e.mu.Lock()
	e.status.Syncing = syncing
	e.mu.Unlock()
	e.notify(context.Background())
}

func (e *Engine) finish(ctx context.Context, res *DrainResult, err error) {
	e.mu.Lock()
	e.status.Syncing = false
	e.status.LastResult = res
	switch {
	case err != nil:
		e.status.LastError = err.Error()
	case res.Failed > 0:
		e.status.LastError = res.Errors[len(res.Errors)-1]
	default:
		t := e.now()
		e.status.LastSyncTime = &t
		e.status.LastError = ""
	}
	e.mu.Unlock()
	e.notify(context.WithoutCancel(ctx))
}

func (e *Engine) recordError(err error) {
	e.mu.Lock()
	e.status.LastError = err.Error()
	e.mu.Unlock()
}

func (e *Engine) notify(ctx context.Context) {
	e.mu.Lock()
	if e.closed || len(e.subs) == 0 {
		e.mu.Unlock()
		return
	}
	fns := make([]func(Status), 0, len(e.subs))
	for _, fn := range e.subs {
		fns = append(fns, fn)
	}
	e.mu.Unlock()

	st := e.Status(ctx)
	for _, fn := range fns {
		fn(st)
	}
}
