package sync

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	gosync "sync"
	"time"

	"github.com/gofrs/flock"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/thisai/crmsync/internal/connectivity"
	"github.com/thisai/crmsync/internal/offline/merge"
	"github.com/thisai/crmsync/internal/offline/queue"
	"github.com/thisai/crmsync/internal/offline/repository"
	"github.com/thisai/crmsync/internal/offline/schema"
	"github.com/thisai/crmsync/internal/remote"
)

// ErrDrainInProgress is returned by Lock when another process holds the
// drain lock. Drain itself reports the conflict as a skipped result.
var ErrDrainInProgress = errors.New("sync drain already in progress")

// maxPasses bounds the extra passes a drain makes for deferred entries.
const maxPasses = 8

// Config configures an Engine.
type Config struct {
	// LockPath enables a cross-process drain lock file.
	LockPath string

	// PullConcurrency bounds parallel collection fetches in Pull (default 4).
	PullConcurrency int

	Logger *log.Logger
}

// DrainResult summarizes one drain.
type DrainResult struct {
	Attempted int `json:"attempted" yaml:"attempted"`
	Succeeded int `json:"succeeded" yaml:"succeeded"`
	Failed    int `json:"failed" yaml:"failed"`
	// Deferred entries target a record whose create is not confirmed or
	// that failed earlier in the drain.
	Deferred int `json:"deferred" yaml:"deferred"`
	// Cancelled entries targeted a record deleted before it ever reached
	// the remote store.
	Cancelled int           `json:"cancelled" yaml:"cancelled"`
	Recovered int           `json:"recovered" yaml:"recovered"`
	Passes    int           `json:"passes" yaml:"passes"`
	Skipped   bool          `json:"skipped" yaml:"skipped"`
	Offline   bool          `json:"offline" yaml:"offline"`
	Duration  time.Duration `json:"duration" yaml:"duration"`
	Errors    []string      `json:"errors,omitempty" yaml:"errors,omitempty"`
}

// Engine replays the sync queue.
type Engine struct {
	repos  *repository.Set
	queue  *queue.Queue
	remote remote.Client
	online connectivity.Signal
	logger *log.Logger
	now    func() time.Time

	sem         *semaphore.Weighted
	fileLock    *flock.Flock
	pullWorkers int

	trigger chan struct{}

	mu      gosync.Mutex
	status  Status
	subs    map[int]func(Status)
	nextSub int
	closed  bool
}

// New creates an engine over the repository set's queue, remote client and
// connectivity signal.
func New(repos *repository.Set, cfg Config) (*Engine, error) {
	if repos == nil {
		return nil, fmt.Errorf("repository set is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[sync] ", log.LstdFlags)
	}
	if cfg.PullConcurrency <= 0 {
		cfg.PullConcurrency = 4
	}
	opts := repos.Options()
	e := &Engine{
		repos:       repos,
		queue:       opts.Queue,
		remote:      opts.Remote,
		online:      opts.Online,
		logger:      cfg.Logger,
		now:         time.Now,
		sem:         semaphore.NewWeighted(1),
		pullWorkers: cfg.PullConcurrency,
		trigger:     make(chan struct{}, 1),
		subs:        make(map[int]func(Status)),
	}
	if cfg.LockPath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.LockPath), 0755); err != nil {
			return nil, fmt.Errorf("failed to create lock directory: %w", err)
		}
		e.fileLock = flock.New(cfg.LockPath)
	}
	return e, nil
}

// SetClock replaces the time source. Used by tests.
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
}

// Lock takes the cross-process drain lock for maintenance commands such as
// a destructive reset. It returns ErrDrainInProgress when it is held.
func (e *Engine) Lock() (unlock func(), err error) {
	if !e.sem.TryAcquire(1) {
		return nil, ErrDrainInProgress
	}
	if e.fileLock == nil {
		return func() { e.sem.Release(1) }, nil
	}
	ok, err := e.fileLock.TryLock()
	if err != nil {
		e.sem.Release(1)
		return nil, fmt.Errorf("failed to acquire drain lock: %w", err)
	}
	if !ok {
		e.sem.Release(1)
		return nil, ErrDrainInProgress
	}
	return func() {
		if err := e.fileLock.Unlock(); err != nil {
			e.logger.Printf("Warning: failed to release drain lock: %v", err)
		}
		e.sem.Release(1)
	}, nil
}

// Drain replays every pending and failed entry. It returns an error only for
// local storage failures; remote failures are recorded on the entries.
func (e *Engine) Drain(ctx context.Context) (*DrainResult, error) {
	if !e.online.Online() {
		return &DrainResult{Offline: true}, nil
	}
	unlock, err := e.Lock()
	if errors.Is(err, ErrDrainInProgress) {
		return &DrainResult{Skipped: true}, nil
	}
	if err != nil {
		return nil, err
	}
	defer unlock()

	e.setSyncing(true)
	start := e.now()
	res, err := e.drain(ctx)
	res.Duration = e.now().Sub(start)
	e.finish(ctx, res, err)

	if err != nil {
		return res, err
	}
	if res.Attempted > 0 {
		e.logger.Printf("Drain complete: %d replayed, %d failed, %d deferred, %d cancelled in %v",
			res.Succeeded, res.Failed, res.Deferred, res.Cancelled, res.Duration)
	}
	return res, nil
}

func (e *Engine) drain(ctx context.Context) (*DrainResult, error) {
	res := &DrainResult{}

	// Nothing else drains while we hold the lock, so syncing entries are
	// leftovers from an interrupted run.
	n, err := e.queue.Recover(ctx)
	if err != nil {
		return res, err
	}
	res.Recovered = n

	for res.Passes < maxPasses {
		res.Passes++
		p, err := e.pass(ctx, res)
		if err != nil {
			return res, err
		}
		res.Deferred = p.deferred
		if res.Offline || p.confirmed == 0 || p.deferred == 0 {
			break
		}
	}
	return res, nil
}

type passStats struct {
	confirmed int
	deferred  int
}

func (e *Engine) pass(ctx context.Context, res *DrainResult) (passStats, error) {
	var p passStats

	entries, err := e.queue.Pending(ctx)
	if err != nil {
		return p, err
	}

	blocked := make(map[string]bool)
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return p, err
		}
		if !e.online.Online() {
			res.Offline = true
			return p, nil
		}

		key := entry.Store + "/" + entry.RecordID
		if blocked[key] {
			p.deferred++
			continue
		}
		if entry.Type != schema.OpCreate && entry.Origin == schema.OriginLocal {
			// Waiting for the record's create; Retarget rewrites it.
			p.deferred++
			continue
		}

		repo, err := e.repos.For(entry.Store)
		if err != nil {
			return p, err
		}
		if err := e.queue.MarkSyncing(ctx, entry); err != nil {
			if schema.IsNotFound(err) {
				// Cancelled or retargeted since the pass started.
				continue
			}
			return p, err
		}
		res.Attempted++

		out, err := e.replay(ctx, repo, entry)
		// Bookkeeping after a remote call finishes even if ctx ends.
		bg := context.WithoutCancel(ctx)
		switch {
		case err != nil && ctx.Err() != nil:
			// Interrupted, not failed: the entry goes back untouched.
			if derr := e.queue.Defer(bg, entry); derr != nil && !schema.IsNotFound(derr) {
				return p, derr
			}
			return p, ctx.Err()
		case err != nil:
			res.Failed++
			res.Errors = append(res.Errors, fmt.Sprintf("%s %s/%s: %v", entry.Type, entry.Store, entry.RecordID, err))
			blocked[key] = true
			e.logger.Printf("Replay of %s %s/%s failed (attempt %d): %v",
				entry.Type, entry.Store, entry.RecordID, entry.RetryCount+1, err)
			if ferr := e.queue.Fail(bg, entry, err); ferr != nil && !schema.IsNotFound(ferr) {
				return p, ferr
			}
		case out == outcomeCancelled:
			res.Cancelled++
		default:
			res.Succeeded++
			if out == outcomeConfirmed {
				p.confirmed++
			}
			if err := e.queue.Complete(bg, entry); err != nil {
				return p, err
			}
			if entry.Type != schema.OpDelete {
				if err := repo.Settle(bg, entry.RecordID); err != nil {
					return p, err
				}
			}
		}
	}
	return p, nil
}

type outcome int

const (
	outcomeDone outcome = iota
	outcomeConfirmed
	outcomeCancelled
)

func (e *Engine) replay(ctx context.Context, repo *repository.Repository, entry *schema.QueueEntry) (outcome, error) {
	collection := repo.Entity().Collection
	switch entry.Type {
	case schema.OpCreate:
		return e.replayCreate(ctx, repo, entry)

	case schema.OpUpdate:
		err := e.remote.Update(ctx, collection, entry.RecordID, entry.Data)
		if remote.IsNotFound(err) {
			// Gone remotely. If it is gone locally too a later delete
			// finishes the job; otherwise keep retrying.
			if _, gerr := repo.Get(ctx, entry.RecordID); schema.IsNotFound(gerr) {
				return outcomeDone, nil
			}
		}
		return outcomeDone, err

	case schema.OpDelete:
		err := e.remote.Delete(ctx, collection, entry.RecordID)
		if err == nil || remote.IsNotFound(err) {
			return outcomeDone, nil
		}
		return outcomeDone, err
	}
	return outcomeDone, fmt.Errorf("unknown queue entry type %q", entry.Type)
}

func (e *Engine) replayCreate(ctx context.Context, repo *repository.Repository, entry *schema.QueueEntry) (outcome, error) {
	if entry.Origin == schema.OriginRemote {
		// Confirmed and retargeted by a drain that stopped before
		// completing the entry. Sending it again would duplicate the record.
		return outcomeDone, nil
	}
	release := repo.InFlight()
	defer release()

	data := entry.Data
	rec, err := repo.BeginCreate(ctx, entry.RecordID)
	switch {
	case schema.IsNotFound(err):
		// The local row is gone. With a delete queued behind the create
		// the record never needs to exist remotely.
		if e.deleteQueued(ctx, entry) {
			if _, err := e.queue.CancelRecord(ctx, entry.Store, entry.RecordID); err != nil {
				return outcomeDone, err
			}
			return outcomeCancelled, nil
		}
	case err != nil:
		return outcomeDone, err
	case data == nil:
		data = rec.Sanitized()
	}

	id, err := e.remote.Create(ctx, repo.Entity().Collection, data)
	bg := context.WithoutCancel(ctx)
	if err != nil {
		gone, aerr := repo.AbortCreate(bg, entry.RecordID)
		if aerr != nil {
			return outcomeDone, aerr
		}
		if gone {
			return outcomeCancelled, nil
		}
		return outcomeDone, err
	}

	if _, err := repo.ConfirmCreate(bg, entry.RecordID, id); err != nil {
		return outcomeDone, err
	}
	return outcomeConfirmed, nil
}

func (e *Engine) deleteQueued(ctx context.Context, entry *schema.QueueEntry) bool {
	entries, err := e.queue.ForRecord(ctx, entry.Store, entry.RecordID)
	if err != nil {
		return false
	}
	for _, other := range entries {
		if other.Type == schema.OpDelete {
			return true
		}
	}
	return false
}

// PullResult is the refresh outcome per store.
type PullResult struct {
	Stores   map[string]*merge.Result `json:"stores" yaml:"stores"`
	Offline  bool                     `json:"offline" yaml:"offline"`
	Duration time.Duration            `json:"duration" yaml:"duration"`
}

// Pull refreshes the local cache of the given stores (all when empty) from
// the remote store. Collections are fetched concurrently.
func (e *Engine) Pull(ctx context.Context, stores ...string) (*PullResult, error) {
	res := &PullResult{Stores: make(map[string]*merge.Result)}
	if !e.online.Online() {
		res.Offline = true
		return res, nil
	}
	if len(stores) == 0 {
		stores = schema.AllStores()
	}

	start := e.now()
	var mu gosync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.pullWorkers)
	for _, name := range stores {
		repo, err := e.repos.For(name)
		if err != nil {
			return nil, err
		}
		g.Go(func() error {
			r, err := repo.Refresh(gctx)
			if err != nil {
				return err
			}
			mu.Lock()
			res.Stores[repo.Entity().Store] = r
			mu.Unlock()
			return nil
		})
	}
	err := g.Wait()
	res.Duration = e.now().Sub(start)
	if err != nil {
		e.recordError(err)
		return res, fmt.Errorf("failed to pull: %w", err)
	}

	e.mu.Lock()
	t := e.now()
	e.status.LastSyncTime = &t
	e.mu.Unlock()
	e.notify(ctx)
	return res, nil
}

// Trigger requests a drain from Run without blocking. Requests made while
// one is already pending are merged.
func (e *Engine) Trigger() {
	select {
	case e.trigger <- struct{}{}:
	default:
	}
}

// Run drains on every Trigger until ctx is done.
func (e *Engine) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.trigger:
			if _, err := e.Drain(ctx); err != nil && ctx.Err() == nil {
				e.logger.Printf("Drain failed: %v", err)
			}
		}
	}
}

// Close stops notifications. The queue itself is owned by the caller.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	e.subs = make(map[int]func(Status))
	if e.fileLock != nil {
		return e.fileLock.Close()
	}
	return nil
}
