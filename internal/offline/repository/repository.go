// Package repository implements the offline-first read/write contract shared
// by every business entity.
//
// Writes always land in the local store first. When the device is online a
// repository also tries the remote store immediately; any write that cannot
// be confirmed is appended to the sync queue for the sync engine to replay.
// Connectivity problems are never returned to callers.
//
// Each record moves through a small state machine:
//
//	local ──remote create started──▶ syncing_create ──confirmed──▶ remote
//	  ▲                                     │
//	  └────────── remote create failed ─────┘
//
// Updates and deletes of a record that is not remote yet are queued with its
// local ID. The queue rewrites them to the remote ID once the create is
// confirmed.
package repository

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/thisai/crmsync/internal/connectivity"
	"github.com/thisai/crmsync/internal/offline/merge"
	"github.com/thisai/crmsync/internal/offline/queue"
	"github.com/thisai/crmsync/internal/offline/schema"
	"github.com/thisai/crmsync/internal/offline/store"
	"github.com/thisai/crmsync/internal/remote"
)

// ErrSubscribeUnsupported is returned by Subscribe when the remote client has
// no push updates.
var ErrSubscribeUnsupported = errors.New("remote store does not support subscriptions")

// Options holds the collaborators shared by every repository.
type Options struct {
	Store  merge.Target
	Queue  *queue.Queue
	Remote remote.Client
	Online connectivity.Signal
	// Locks serializes work on one record. Repositories and the sync engine
	// must share the same registry.
	Locks  *store.Locks
	Logger *log.Logger
}

func (o *Options) validate() error {
	if o.Store == nil {
		return fmt.Errorf("local store is required")
	}
	if o.Queue == nil {
		return fmt.Errorf("sync queue is required")
	}
	if o.Remote == nil {
		return fmt.Errorf("remote client is required")
	}
	if o.Online == nil {
		return fmt.Errorf("connectivity signal is required")
	}
	return nil
}

// Repository is the offline-first repository for one entity.
type Repository struct {
	entity Entity
	store  merge.Target
	queue  *queue.Queue
	remote remote.Client
	online connectivity.Signal
	locks  *store.Locks
	logger *log.Logger
	now    func() time.Time

	refreshes sync.WaitGroup

	// creates is read-held while a create is in flight and write-held by
	// readers that combine a remote fetch with local rows, so a record is
	// never seen under its local and its remote ID at once.
	creates sync.RWMutex
}

// New creates a repository for entity.
func New(entity Entity, opts Options) (*Repository, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if err := schema.CheckStore(entity.Store); err != nil {
		return nil, err
	}
	if opts.Locks == nil {
		opts.Locks = store.NewLocks()
	}
	if opts.Logger == nil {
		opts.Logger = log.New(os.Stderr, "[repository] ", log.LstdFlags)
	}
	return &Repository{
		entity: entity,
		store:  opts.Store,
		queue:  opts.Queue,
		remote: opts.Remote,
		online: opts.Online,
		locks:  opts.Locks,
		logger: opts.Logger,
		now:    time.Now,
	}, nil
}

// Entity returns the entity served by the repository.
func (r *Repository) Entity() Entity {
	return r.entity
}

// SetClock replaces the time source. Used by tests.
func (r *Repository) SetClock(now func() time.Time) {
	r.now = now
}

// Create stores a new record. The returned record carries the remote ID when
// the remote store confirmed it immediately and a local ID otherwise.
func (r *Repository) Create(ctx context.Context, fields map[string]any) (*schema.Record, error) {
	if err := r.entity.Validate(fields); err != nil {
		return nil, err
	}
	rec := schema.NewLocalRecord(r.entity.Prefix, fields, r.now())

	if !r.online.Online() {
		if err := r.saveQueued(ctx, schema.OpCreate, rec); err != nil {
			return nil, err
		}
		return rec.Clone(), nil
	}

	release := r.InFlight()
	defer release()

	rec.PendingSync = false
	rec.State = schema.StateSyncingCreate
	unlock := r.locks.Lock(r.entity.Store, rec.ID)
	err := r.store.Put(ctx, r.entity.Store, rec)
	unlock()
	if err != nil {
		return nil, fmt.Errorf("failed to save %s: %w", rec.ID, err)
	}

	id, err := r.remote.Create(ctx, r.entity.Collection, rec.Sanitized())
	// The outcome is recorded even if the caller has gone away.
	bg := context.WithoutCancel(ctx)
	if err != nil {
		r.logger.Printf("Remote create of %s failed, queued for sync: %v", rec.ID, err)
		cur, err := r.abortCreate(bg, rec.ID, true)
		if err != nil {
			return nil, err
		}
		if cur == nil {
			out := rec.Clone()
			out.State = schema.StateLocal
			out.PendingSync = true
			return out, nil
		}
		return cur, nil
	}

	confirmed, err := r.ConfirmCreate(bg, rec.ID, id)
	if err != nil {
		return nil, err
	}
	if confirmed == nil {
		// Deleted while the create was in flight. The queued delete now
		// targets the remote ID.
		return rec.Remap(id, r.now()), nil
	}
	return confirmed, nil
}

// List returns every record, newest first. Online, the local rows are merged
// with a fresh remote fetch and the local store is refreshed in the
// background.
func (r *Repository) List(ctx context.Context) ([]*schema.Record, error) {
	if !r.online.Online() {
		return r.listLocal(ctx)
	}

	r.creates.Lock()
	fetchedAt := r.now()
	docs, err := r.remote.List(ctx, r.entity.Collection)
	if err != nil {
		r.creates.Unlock()
		r.logger.Printf("Remote read of %s failed, serving local data: %v", r.entity.Collection, err)
		return r.listLocal(ctx)
	}

	local, err := r.store.GetAll(ctx, r.entity.Store)
	if err != nil {
		r.creates.Unlock()
		return nil, fmt.Errorf("failed to read %s: %w", r.entity.Store, err)
	}
	deleted, err := r.queuedDeletes(ctx)
	r.creates.Unlock()
	if err != nil {
		r.logger.Printf("Warning: %v", err)
	}

	fetched := merge.Records(docs, fetchedAt)
	out := merge.Merge(local, fetched, deleted, fetchedAt)
	merge.SortByRecency(out, r.entity.RecencyField)

	r.refresh(ctx, merge.Refresh{
		Store:   r.entity.Store,
		Remote:  fetched,
		Deleted: deleted,
		Now:     fetchedAt,
	})
	return out, nil
}

func (r *Repository) listLocal(ctx context.Context) ([]*schema.Record, error) {
	recs, err := r.store.GetAll(ctx, r.entity.Store)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", r.entity.Store, err)
	}
	merge.SortByRecency(recs, r.entity.RecencyField)
	return recs, nil
}

func (r *Repository) refresh(ctx context.Context, job merge.Refresh) {
	r.refreshes.Add(1)
	go func() {
		defer r.refreshes.Done()
		res, err := merge.Apply(context.WithoutCancel(ctx), r.store, r.locks, job)
		if err != nil {
			r.logger.Printf("Background refresh of %s failed: %v", job.Store, err)
			return
		}
		if res.Removed > 0 || res.SkippedPending > 0 {
			r.logger.Printf("Refreshed %s: %d upserted, %d removed, %d pending kept",
				job.Store, res.Upserted, res.Removed, res.SkippedPending)
		}
	}()
}

// Refresh fetches the collection and writes it into the local store,
// waiting for the result. Unlike List it fails when the remote store does.
func (r *Repository) Refresh(ctx context.Context) (*merge.Result, error) {
	r.creates.Lock()
	fetchedAt := r.now()
	docs, err := r.remote.List(ctx, r.entity.Collection)
	r.creates.Unlock()
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", r.entity.Collection, err)
	}
	deleted, err := r.queuedDeletes(ctx)
	if err != nil {
		return nil, err
	}
	return merge.Apply(ctx, r.store, r.locks, merge.Refresh{
		Store:   r.entity.Store,
		Remote:  merge.Records(docs, fetchedAt),
		Deleted: deleted,
		Now:     fetchedAt,
	})
}

// Wait blocks until background refreshes started by List have finished.
func (r *Repository) Wait() {
	r.refreshes.Wait()
}

// Get returns one record from the local store.
func (r *Repository) Get(ctx context.Context, id string) (*schema.Record, error) {
	rec, err := r.store.Get(ctx, r.entity.Store, id)
	if err != nil {
		if schema.IsNotFound(err) {
			return nil, fmt.Errorf("%s %s: %w", r.entity.Prefix, id, schema.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to read %s: %w", id, err)
	}
	return rec, nil
}

// Update merges patch into the record. A nil value removes a field.
func (r *Repository) Update(ctx context.Context, id string, patch map[string]any) (*schema.Record, error) {
	unlock := r.locks.Lock(r.entity.Store, id)
	defer unlock()

	cur, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	cur.Merge(patch)
	cur.SavedAt = r.now()

	queued := r.hasQueued(ctx, id)
	direct := r.online.Online() && cur.Origin == schema.OriginRemote && !queued
	cur.PendingSync = !direct
	if err := r.store.Put(ctx, r.entity.Store, cur); err != nil {
		return nil, fmt.Errorf("failed to save %s: %w", id, err)
	}

	if direct {
		err := r.remote.Update(ctx, r.entity.Collection, id, remotePatch(patch))
		if err == nil {
			synced := r.now()
			cur.SyncedAt = &synced
			if err := r.store.Put(context.WithoutCancel(ctx), r.entity.Store, cur); err != nil {
				return nil, fmt.Errorf("failed to save %s: %w", id, err)
			}
			return cur.Clone(), nil
		}
		r.logger.Printf("Remote update of %s failed, queued for sync: %v", id, err)
		ctx = context.WithoutCancel(ctx)
		cur.PendingSync = true
		if err := r.store.Put(ctx, r.entity.Store, cur); err != nil {
			return nil, fmt.Errorf("failed to save %s: %w", id, err)
		}
	}

	if _, err := r.queue.Enqueue(ctx, schema.OpUpdate, r.entity.Store, cur); err != nil {
		return nil, err
	}
	return cur.Clone(), nil
}

// Delete removes the record locally and from the remote store. Deleting an
// unknown or already deleted ID is not an error.
func (r *Repository) Delete(ctx context.Context, id string) error {
	unlock := r.locks.Lock(r.entity.Store, id)
	defer unlock()

	cur, err := r.store.Get(ctx, r.entity.Store, id)
	if err != nil && !schema.IsNotFound(err) {
		return fmt.Errorf("failed to read %s: %w", id, err)
	}
	if err := r.store.Delete(ctx, r.entity.Store, id); err != nil {
		return fmt.Errorf("failed to delete %s: %w", id, err)
	}

	if cur != nil && cur.Origin == schema.OriginLocal {
		if cur.State == schema.StateSyncingCreate {
			// The create may land remotely. Queue the delete so it is
			// retargeted with the create's other entries.
			_, err := r.queue.Enqueue(ctx, schema.OpDelete, r.entity.Store, cur)
			return err
		}
		if _, err := r.queue.CancelRecord(ctx, r.entity.Store, id); err != nil {
			return err
		}
		return nil
	}

	target := cur
	if target == nil {
		// Not cached locally, e.g. seen only through a merged read.
		target = &schema.Record{ID: id, Origin: schema.OriginRemote, State: schema.StateRemote}
	}

	entries, err := r.queue.ForRecord(ctx, r.entity.Store, id)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.Type == schema.OpDelete {
			return nil
		}
	}

	if r.online.Online() && len(entries) == 0 {
		err := r.remote.Delete(ctx, r.entity.Collection, id)
		if err == nil || remote.IsNotFound(err) {
			return nil
		}
		r.logger.Printf("Remote delete of %s failed, queued for sync: %v", id, err)
		ctx = context.WithoutCancel(ctx)
	}
	_, err = r.queue.Enqueue(ctx, schema.OpDelete, r.entity.Store, target)
	return err
}

// InFlight marks a create as in flight until release is called. Callers
// that send a create themselves hold it from BeginCreate until the create is
// confirmed or aborted.
func (r *Repository) InFlight() (release func()) {
	r.creates.RLock()
	return r.creates.RUnlock
}

// BeginCreate moves a local record into syncing_create before its create is
// sent. It returns schema.ErrNotFound when the record is gone.
func (r *Repository) BeginCreate(ctx context.Context, id string) (*schema.Record, error) {
	unlock := r.locks.Lock(r.entity.Store, id)
	defer unlock()

	cur, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if cur.Origin != schema.OriginLocal {
		return cur, nil
	}
	cur.State = schema.StateSyncingCreate
	if err := r.store.Put(ctx, r.entity.Store, cur); err != nil {
		return nil, fmt.Errorf("failed to save %s: %w", id, err)
	}
	return cur, nil
}

// ConfirmCreate performs the ID remap after the remote store accepted a
// create: queued entries are retargeted and the local row is replaced by one
// under remoteID. It returns nil when the local record was deleted while the
// create was in flight.
func (r *Repository) ConfirmCreate(ctx context.Context, localID, remoteID string) (*schema.Record, error) {
	unlock := r.locks.Lock(r.entity.Store, localID)
	defer unlock()

	if _, err := r.queue.Retarget(ctx, r.entity.Store, localID, remoteID); err != nil {
		return nil, err
	}
	entries, err := r.queue.ForRecord(ctx, r.entity.Store, remoteID)
	if err != nil {
		return nil, err
	}
	// The confirmed create's own entry may still be queued.
	pending := false
	for _, e := range entries {
		if e.Type != schema.OpCreate {
			pending = true
		}
	}

	cur, err := r.store.Get(ctx, r.entity.Store, localID)
	if schema.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", localID, err)
	}

	confirmed := cur.Remap(remoteID, r.now())
	confirmed.PendingSync = pending
	if err := r.store.Replace(ctx, r.entity.Store, localID, confirmed); err != nil {
		return nil, fmt.Errorf("failed to remap %s to %s: %w", localID, remoteID, err)
	}
	r.logger.Printf("Confirmed %s as %s", localID, remoteID)
	return confirmed.Clone(), nil
}

// AbortCreate returns a record to the local state after its create failed.
// If the record was deleted meanwhile, every entry queued for it is dropped
// since it never existed remotely, and gone is true.
func (r *Repository) AbortCreate(ctx context.Context, id string) (gone bool, err error) {
	cur, err := r.abortCreate(ctx, id, false)
	return cur == nil && err == nil, err
}

// abortCreate resets the record and, with requeue, queues its create with
// the current content. It returns nil when the record is gone.
func (r *Repository) abortCreate(ctx context.Context, id string, requeue bool) (*schema.Record, error) {
	unlock := r.locks.Lock(r.entity.Store, id)
	defer unlock()

	cur, err := r.store.Get(ctx, r.entity.Store, id)
	if schema.IsNotFound(err) {
		if _, err := r.queue.CancelRecord(ctx, r.entity.Store, id); err != nil {
			return nil, err
		}
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", id, err)
	}
	cur.State = schema.StateLocal
	cur.PendingSync = true
	if err := r.store.Put(ctx, r.entity.Store, cur); err != nil {
		return nil, fmt.Errorf("failed to save %s: %w", id, err)
	}
	if requeue {
		if _, err := r.queue.Enqueue(ctx, schema.OpCreate, r.entity.Store, cur); err != nil {
			return nil, err
		}
	}
	return cur.Clone(), nil
}

// Settle clears the pending flag once no queue entry targets the record.
func (r *Repository) Settle(ctx context.Context, id string) error {
	unlock := r.locks.Lock(r.entity.Store, id)
	defer unlock()

	if r.hasQueued(ctx, id) {
		return nil
	}
	cur, err := r.store.Get(ctx, r.entity.Store, id)
	if schema.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", id, err)
	}
	if !cur.PendingSync || cur.Origin != schema.OriginRemote {
		return nil
	}
	synced := r.now()
	cur.PendingSync = false
	cur.SyncedAt = &synced
	if err := r.store.Put(ctx, r.entity.Store, cur); err != nil {
		return fmt.Errorf("failed to save %s: %w", id, err)
	}
	return nil
}

// Subscribe applies remote push events to the local cache and forwards them
// to fn. Records with unsynced local edits are left alone.
func (r *Repository) Subscribe(ctx context.Context, fn func(remote.Event)) (func(), error) {
	sub, ok := r.remote.(remote.Subscriber)
	if !ok {
		return nil, ErrSubscribeUnsupported
	}

	// Events are applied on their own goroutine: a client may deliver them
	// while the writer still holds the record lock.
	events := make(chan remote.Event, 64)
	done := make(chan struct{})
	cancel, err := sub.Subscribe(ctx, r.entity.Collection, func(ev remote.Event) {
		select {
		case events <- ev:
		case <-done:
		}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", r.entity.Collection, err)
	}

	bg := context.WithoutCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-done:
				return
			case ev := <-events:
				if err := r.applyEvent(bg, ev); err != nil {
					r.logger.Printf("Failed to apply %s event for %s: %v", ev.Type, ev.ID, err)
				}
				if fn != nil {
					fn(ev)
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			close(done)
			wg.Wait()
		})
	}, nil
}

func (r *Repository) applyEvent(ctx context.Context, ev remote.Event) error {
	if ev.ID == "" {
		return nil
	}
	// A created event may race the remap of the create that caused it.
	r.creates.Lock()
	defer r.creates.Unlock()
	unlock := r.locks.Lock(r.entity.Store, ev.ID)
	defer unlock()

	if r.hasQueued(ctx, ev.ID) {
		return nil
	}
	cur, err := r.store.Get(ctx, r.entity.Store, ev.ID)
	if err != nil && !schema.IsNotFound(err) {
		return err
	}
	if cur != nil && cur.PendingSync {
		return nil
	}

	switch ev.Type {
	case remote.EventDeleted:
		return r.store.Delete(ctx, r.entity.Store, ev.ID)
	case remote.EventCreated, remote.EventUpdated:
		return r.store.Put(ctx, r.entity.Store, schema.NewRemoteRecord(ev.ID, ev.Data, r.now()))
	}
	return nil
}

// saveQueued writes rec and queues op for it under the record lock.
func (r *Repository) saveQueued(ctx context.Context, op schema.Op, rec *schema.Record) error {
	unlock := r.locks.Lock(r.entity.Store, rec.ID)
	defer unlock()

	if err := r.store.Put(ctx, r.entity.Store, rec); err != nil {
		return fmt.Errorf("failed to save %s: %w", rec.ID, err)
	}
	_, err := r.queue.Enqueue(ctx, op, r.entity.Store, rec)
	return err
}

func (r *Repository) hasQueued(ctx context.Context, id string) bool {
	queued, err := r.queue.HasPending(ctx, r.entity.Store, id)
	if err != nil {
		// Assume queued so the write keeps its place behind earlier ones.
		r.logger.Printf("Warning: %v", err)
		return true
	}
	return queued
}

// queuedDeletes returns the IDs with a delete waiting in the queue.
func (r *Repository) queuedDeletes(ctx context.Context) (map[string]bool, error) {
	entries, err := r.queue.All(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]bool)
	for _, e := range entries {
		if e.Store == r.entity.Store && e.Type == schema.OpDelete {
			out[e.RecordID] = true
		}
	}
	return out, nil
}

// remotePatch drops identity and metadata keys but keeps nil values, which
// ask the remote store to remove a field.
func remotePatch(patch map[string]any) map[string]any {
	out := make(map[string]any, len(patch))
	for k, v := range patch {
		if k == "id" || strings.HasPrefix(k, "_") {
			continue
		}
		out[k] = v
	}
	return out
}
