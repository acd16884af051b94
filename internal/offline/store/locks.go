package store

import "sync"

// Locks serializes work on individual records. Repositories and the sync
// engine share one instance so an ID remap never interleaves with a local
// edit of the same record.
type Locks struct {
	mu    sync.Mutex
	locks map[string]*recordLock
}

type recordLock struct {
	mu   sync.Mutex
	refs int
}

// NewLocks returns an empty lock registry.
func NewLocks() *Locks {
	return &Locks{locks: make(map[string]*recordLock)}
}

// Lock blocks until the record is free and returns its unlock function.
func (l *Locks) Lock(store, id string) func() {
	key := store + "/" + id

	l.mu.Lock()
	rl, ok := l.locks[key]
	if !ok {
		rl = &recordLock{}
		l.locks[key] = rl
	}
	rl.refs++
	l.mu.Unlock()

	rl.mu.Lock()
	return func() {
		rl.mu.Unlock()

		l.mu.Lock()
		rl.refs--
		if rl.refs == 0 {
			delete(l.locks, key)
		}
		l.mu.Unlock()
	}
}

// Len returns the number of records currently locked or waited on.
func (l *Locks) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
