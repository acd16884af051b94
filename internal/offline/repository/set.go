package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/thisai/crmsync/internal/offline/queue"
	"github.com/thisai/crmsync/internal/offline/schema"
)

// Set holds one repository per entity, all sharing the same store, queue,
// remote client and lock registry.
type Set struct {
	Items            *Repository
	Parties          *Repository
	Invoices         *Repository
	Expenses         *Repository
	Quotations       *Repository
	Payments         *Repository
	DeliveryChallans *Repository

	opts    Options
	byStore map[string]*Repository
}

// NewSet creates repositories for every entity.
func NewSet(opts Options) (*Set, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	s := &Set{byStore: make(map[string]*Repository)}
	for _, e := range Entities() {
		repo, err := New(e, opts)
		if err != nil {
			return nil, fmt.Errorf("failed to create %s repository: %w", e.Store, err)
		}
		// New fills defaults; share them across the set.
		opts.Locks = repo.locks
		opts.Logger = repo.logger
		s.byStore[e.Store] = repo
	}
	s.opts = opts

	s.Items = s.byStore[schema.StoreItems]
	s.Parties = s.byStore[schema.StoreParties]
	s.Invoices = s.byStore[schema.StoreInvoices]
	s.Expenses = s.byStore[schema.StoreExpenses]
	s.Quotations = s.byStore[schema.StoreQuotations]
	s.Payments = s.byStore[schema.StorePayments]
	s.DeliveryChallans = s.byStore[schema.StoreDeliveryChallans]
	return s, nil
}

// For returns the repository for a store name.
func (s *Set) For(store string) (*Repository, error) {
	repo, ok := s.byStore[store]
	if !ok {
		return nil, fmt.Errorf("%w: %q", schema.ErrUnknownStore, store)
	}
	return repo, nil
}

// All returns the repositories in store order.
func (s *Set) All() []*Repository {
	out := make([]*Repository, 0, len(s.byStore))
	for _, name := range schema.AllStores() {
		out = append(out, s.byStore[name])
	}
	return out
}

// Options returns the shared collaborators, with defaults filled in.
func (s *Set) Options() Options {
	return s.opts
}

// SetClock replaces the time source of every repository.
func (s *Set) SetClock(now func() time.Time) {
	for _, r := range s.byStore {
		r.SetClock(now)
	}
}

// Wait blocks until every background refresh has finished.
func (s *Set) Wait() {
	for _, r := range s.byStore {
		r.Wait()
	}
}

// StoreStatus is the sync health of one store.
type StoreStatus struct {
	Store          string     `json:"store" yaml:"store"`
	Records        int        `json:"records" yaml:"records"`
	PendingRecords int        `json:"pending_records" yaml:"pending_records"`
	LastSync       *time.Time `json:"last_sync,omitempty" yaml:"last_sync,omitempty"`
	RemoteCount    int        `json:"remote_count" yaml:"remote_count"`
}

// Stats is the pending-sync summary shown by the status panel.
type Stats struct {
	Stores []StoreStatus `json:"stores" yaml:"stores"`
	Queue  queue.Counts  `json:"queue" yaml:"queue"`
}

// Stats reads the per-store counters and queue counts.
func (s *Set) Stats(ctx context.Context) (*Stats, error) {
	out := &Stats{}
	for _, r := range s.All() {
		recs, err := r.store.GetAll(ctx, r.entity.Store)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", r.entity.Store, err)
		}
		st := StoreStatus{Store: r.entity.Store, Records: len(recs)}
		for _, rec := range recs {
			if rec.PendingSync {
				st.PendingRecords++
			}
		}
		meta, err := r.store.GetMeta(ctx, r.entity.Store)
		if err != nil {
			return nil, fmt.Errorf("failed to read cache meta for %s: %w", r.entity.Store, err)
		}
		st.LastSync = meta.LastSync
		st.RemoteCount = meta.ItemCount
		out.Stores = append(out.Stores, st)
	}

	counts, err := s.opts.Queue.Counts(ctx)
	if err != nil {
		return nil, err
	}
	out.Queue = counts
	return out, nil
}
