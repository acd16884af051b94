// Package merge reconciles the local store with a fresh remote fetch.
//
// Merge builds the read-all result handed to callers. Apply writes the
// fetched rows back into the local store in the background.
package merge

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/thisai/crmsync/internal/offline/schema"
	"github.com/thisai/crmsync/internal/offline/store"
)

// Records converts remote documents into remote-origin records. Documents
// without an ID are skipped.
func Records(docs []map[string]any, now time.Time) []*schema.Record {
	out := make([]*schema.Record, 0, len(docs))
	for _, d := range docs {
		rec, err := schema.FromDocument(d, now)
		if err != nil {
			continue
		}
		out = append(out, rec)
	}
	return out
}

// Merge combines local rows with a remote fetch:
//
//   - a remote row replaces any local row with the same ID
//   - local-origin rows (no remote counterpart yet) are appended
//   - remote-origin local rows missing remotely are kept only while they
//     carry unsynced edits; otherwise they were deleted remotely
//
// IDs in deleted have a delete queued locally and are left out even if the
// remote store still has them. Local rows confirmed at or after fetchedAt
// are kept: the fetch predates them. A zero fetchedAt disables that rule.
func Merge(local, remote []*schema.Record, deleted map[string]bool, fetchedAt time.Time) []*schema.Record {
	out := make([]*schema.Record, 0, len(local)+len(remote))
	seen := make(map[string]bool, len(remote))

	for _, r := range remote {
		if deleted[r.ID] || seen[r.ID] {
			continue
		}
		seen[r.ID] = true
		out = append(out, r)
	}

	for _, l := range local {
		if seen[l.ID] || deleted[l.ID] {
			continue
		}
		switch {
		case l.Origin == schema.OriginLocal:
			out = append(out, l)
		case l.PendingSync, confirmedSince(l, fetchedAt):
			out = append(out, l)
		}
		seen[l.ID] = true
	}
	return out
}

func confirmedSince(rec *schema.Record, t time.Time) bool {
	return !t.IsZero() && rec.SyncedAt != nil && !rec.SyncedAt.Before(t)
}

// SortByRecency orders records newest first by field, falling back to
// SavedAt. Ties are broken by ID for a stable result.
func SortByRecency(recs []*schema.Record, field string) {
	sort.SliceStable(recs, func(i, j int) bool {
		ti, tj := recs[i].RecencyTime(field), recs[j].RecencyTime(field)
		if !ti.Equal(tj) {
			return ti.After(tj)
		}
		return recs[i].ID < recs[j].ID
	})
}

// Target is what Apply writes to.
type Target interface {
	store.LocalStore
	store.MetaStore
}

// Refresh describes one background refresh of a store.
type Refresh struct {
	Store   string
	Remote  []*schema.Record
	Deleted map[string]bool
	// Now is when the remote fetch started. Rows confirmed after it are
	// not treated as stale.
	Now time.Time
}

// Result summarizes what Apply changed.
type Result struct {
	Upserted       int `json:"upserted" yaml:"upserted"`
	Removed        int `json:"removed" yaml:"removed"`
	SkippedPending int `json:"skipped_pending" yaml:"skipped_pending"`
}

// Apply writes a remote fetch into the local store. Local rows with unsynced
// edits are left alone, local-origin rows are kept, and remote-origin rows
// the remote store no longer has are removed. Cache metadata is updated last.
func Apply(ctx context.Context, target Target, locks *store.Locks, r Refresh) (*Result, error) {
	if locks == nil {
		locks = store.NewLocks()
	}
	if r.Now.IsZero() {
		r.Now = time.Now()
	}
	res := &Result{}

	remoteIDs := make(map[string]bool, len(r.Remote))
	for _, rec := range r.Remote {
		remoteIDs[rec.ID] = true
		if r.Deleted[rec.ID] {
			continue
		}
		skipped, err := upsert(ctx, target, locks, r.Store, rec)
		if err != nil {
			return res, err
		}
		if skipped {
			res.SkippedPending++
		} else {
			res.Upserted++
		}
	}

	local, err := target.GetAll(ctx, r.Store)
	if err != nil {
		return res, fmt.Errorf("failed to read %s: %w", r.Store, err)
	}
	for _, l := range local {
		if remoteIDs[l.ID] || l.Origin != schema.OriginRemote {
			continue
		}
		removed, err := removeStale(ctx, target, locks, r.Store, l.ID, r.Now)
		if err != nil {
			return res, err
		}
		if removed {
			res.Removed++
		}
	}

	meta := &schema.CacheMeta{
		Store:     r.Store,
		LastSync:  &r.Now,
		ItemCount: len(r.Remote),
		Version:   store.LatestVersion(),
	}
	if err := target.PutMeta(ctx, meta); err != nil {
		return res, fmt.Errorf("failed to update cache meta for %s: %w", r.Store, err)
	}
	return res, nil
}

func upsert(ctx context.Context, target Target, locks *store.Locks, name string, rec *schema.Record) (bool, error) {
	unlock := locks.Lock(name, rec.ID)
	defer unlock()

	cur, err := target.Get(ctx, name, rec.ID)
	if err == nil && cur.PendingSync {
		return true, nil
	}
	if err != nil && !schema.IsNotFound(err) {
		return false, fmt.Errorf("failed to read %s/%s: %w", name, rec.ID, err)
	}
	if err := target.Put(ctx, name, rec); err != nil {
		return false, fmt.Errorf("failed to refresh %s/%s: %w", name, rec.ID, err)
	}
	return false, nil
}

func removeStale(ctx context.Context, target Target, locks *store.Locks, name, id string, fetchedAt time.Time) (bool, error) {
	unlock := locks.Lock(name, id)
	defer unlock()

	cur, err := target.Get(ctx, name, id)
	if schema.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read %s/%s: %w", name, id, err)
	}
	if cur.PendingSync || cur.Origin != schema.OriginRemote || confirmedSince(cur, fetchedAt) {
		return false, nil
	}
	if err := target.Delete(ctx, name, id); err != nil {
		return false, fmt.Errorf("failed to remove %s/%s: %w", name, id, err)
	}
	return true, nil
}
