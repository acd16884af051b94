// Package loadtest exercises the offline write path under concurrency.
//
// A run starts the device offline, lets a number of writers create records
// concurrently against a SQLite-backed repository set, then reconnects and
// drains the queue into an in-memory remote store. The report carries the
// write and drain latencies plus a duplicate check: every offline create
// must reach the remote store exactly once.
package loadtest

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/thisai/crmsync/internal/connectivity"
	"github.com/thisai/crmsync/internal/offline/queue"
	"github.com/thisai/crmsync/internal/offline/repository"
	"github.com/thisai/crmsync/internal/offline/schema"
	"github.com/thisai/crmsync/internal/offline/store"
	offsync "github.com/thisai/crmsync/internal/offline/sync"
	"github.com/thisai/crmsync/internal/remote"
)

// loadKey tags every generated record so remote copies can be matched back
// to the write that produced them.
const loadKey = "loadKey"

// Config controls a load run.
type Config struct {
	// Writers is the number of concurrent writers (default 10).
	Writers int

	// WritesPerWriter is the number of creates each writer issues (default 20).
	WritesPerWriter int

	// Dir holds the run's database. Empty means a temporary directory that is
	// removed afterwards.
	Dir string

	// Driver selects the database/sql driver (default store.DefaultDriver).
	Driver string

	// RemoteLatency is added to every remote call during the drain.
	RemoteLatency time.Duration

	// Logger for store and engine activity (default: discarded)
	Logger *log.Logger
}

// DefaultConfig returns a small run suitable for a laptop.
func DefaultConfig() Config {
	return Config{Writers: 10, WritesPerWriter: 20}
}

// LatencyStats captures timing for one kind of operation.
type LatencyStats struct {
	Min       time.Duration   `json:"min" yaml:"min"`
	Max       time.Duration   `json:"max" yaml:"max"`
	Mean      time.Duration   `json:"mean" yaml:"mean"`
	P50       time.Duration   `json:"p50" yaml:"p50"`
	P95       time.Duration   `json:"p95" yaml:"p95"`
	P99       time.Duration   `json:"p99" yaml:"p99"`
	Total     int             `json:"total" yaml:"total"`
	Errors    int             `json:"errors" yaml:"errors"`
	Durations []time.Duration `json:"-" yaml:"-"`
}

// Report is the outcome of a load run.
type Report struct {
	Writes     *LatencyStats        `json:"writes" yaml:"writes"`
	Drain      *offsync.DrainResult `json:"drain" yaml:"drain"`
	Created    map[string]int       `json:"created" yaml:"created"`
	Remote     map[string]int       `json:"remote" yaml:"remote"`
	Duplicates int                  `json:"duplicates" yaml:"duplicates"`
	Missing    int                  `json:"missing" yaml:"missing"`
	// Unconfirmed counts records still carrying a device-minted ID after
	// the drain.
	Unconfirmed int           `json:"unconfirmed" yaml:"unconfirmed"`
	Elapsed     time.Duration `json:"elapsed" yaml:"elapsed"`
}

// OK reports whether every write reached the remote store exactly once.
func (r *Report) OK() bool {
	return r.Writes.Errors == 0 && r.Duplicates == 0 && r.Missing == 0 && r.Unconfirmed == 0
}

// workload rotates writers across stores with different required fields.
var workload = []struct {
	store  string
	fields func(writer, n int) map[string]any
}{
	{schema.StoreItems, func(w, n int) map[string]any {
		return map[string]any{"name": fmt.Sprintf("Item %d-%d", w, n), "price": float64(n)}
	}},
	{schema.StoreExpenses, func(w, n int) map[string]any {
		return map[string]any{"category": "travel", "amount": float64(10 + n)}
	}},
	{schema.StoreParties, func(w, n int) map[string]any {
		return map[string]any{"name": fmt.Sprintf("Party %d-%d", w, n)}
	}},
}

// Run executes a load run.
func Run(ctx context.Context, cfg Config) (*Report, error) {
	if cfg.Writers <= 0 {
		cfg.Writers = 10
	}
	if cfg.WritesPerWriter <= 0 {
		cfg.WritesPerWriter = 20
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(io.Discard, "", 0)
	}
	dir := cfg.Dir
	if dir == "" {
		tmp, err := os.MkdirTemp("", "crmsync-loadtest-")
		if err != nil {
			return nil, fmt.Errorf("failed to create temp dir: %w", err)
		}
		defer os.RemoveAll(tmp)
		dir = tmp
	}

	started := time.Now()
	st := store.OpenResilient(ctx, filepath.Join(dir, "loadtest.db"), &store.Options{Driver: cfg.Driver, Logger: cfg.Logger}, nil)
	defer st.Close()
	if err := st.OpenError(); err != nil {
		return nil, fmt.Errorf("failed to open load test database: %w", err)
	}

	monitor := connectivity.NewMonitor(false)
	mem := remote.NewMemory()
	repos, err := repository.NewSet(repository.Options{
		Store:  st,
		Queue:  queue.New(st, cfg.Logger),
		Remote: mem,
		Online: monitor,
		Logger: cfg.Logger,
	})
	if err != nil {
		return nil, err
	}
	defer repos.Wait()

	engine, err := offsync.New(repos, offsync.Config{Logger: cfg.Logger})
	if err != nil {
		return nil, err
	}
	defer engine.Close()

	report := &Report{
		Created: make(map[string]int),
		Remote:  make(map[string]int),
	}
	keys, writes := runWriters(ctx, repos, cfg)
	report.Writes = writes
	for _, k := range keys {
		report.Created[k.store]++
	}

	monitor.Set(true)
	mem.SetLatency(cfg.RemoteLatency)
	report.Drain, err = engine.Drain(ctx)
	if err != nil {
		return nil, fmt.Errorf("drain failed: %w", err)
	}

	if err := verify(ctx, st, mem, keys, report); err != nil {
		return nil, err
	}
	report.Elapsed = time.Since(started)
	return report, nil
}

type written struct {
	store string
	key   string
}

// runWriters issues the offline creates and returns the key of every
// successful write.
func runWriters(ctx context.Context, repos *repository.Set, cfg Config) ([]written, *LatencyStats) {
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		keys      []written
		durations []time.Duration
		errCount  int
	)

	for w := 0; w < cfg.Writers; w++ {
		wg.Add(1)
		go func(writer int) {
			defer wg.Done()

			for n := 0; n < cfg.WritesPerWriter; n++ {
				job := workload[(writer+n)%len(workload)]
				repo, err := repos.For(job.store)
				if err != nil {
					mu.Lock()
					errCount++
					mu.Unlock()
					continue
				}
				fields := job.fields(writer, n)
				key := fmt.Sprintf("w%03d-%05d", writer, n)
				fields[loadKey] = key

				start := time.Now()
				_, err = repo.Create(ctx, fields)
				elapsed := time.Since(start)

				mu.Lock()
				durations = append(durations, elapsed)
				if err != nil {
					errCount++
				} else {
					keys = append(keys, written{store: job.store, key: key})
				}
				mu.Unlock()
			}
		}(w)
	}
	wg.Wait()

	stats := computeLatencyStats(durations)
	stats.Errors = errCount
	return keys, stats
}

// verify compares the remote collections against the writes.
func verify(ctx context.Context, st *store.Resilient, mem *remote.Memory, keys []written, report *Report) error {
	want := make(map[string]map[string]bool)
	for _, k := range keys {
		if want[k.store] == nil {
			want[k.store] = make(map[string]bool)
		}
		want[k.store][k.key] = true
	}

	for storeName, expected := range want {
		entity, err := repository.Lookup(storeName)
		if err != nil {
			return err
		}
		seen := make(map[string]int)
		for _, doc := range mem.Docs(entity.Collection) {
			if key, ok := doc[loadKey].(string); ok {
				seen[key]++
			}
		}
		report.Remote[storeName] = mem.Count(entity.Collection)
		for key := range expected {
			switch n := seen[key]; {
			case n == 0:
				report.Missing++
			case n > 1:
				report.Duplicates += n - 1
			}
		}

		recs, err := st.GetAll(ctx, storeName)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", storeName, err)
		}
		for _, rec := range recs {
			if rec.Origin == schema.OriginLocal {
				report.Unconfirmed++
			}
		}
	}
	return nil
}

// computeLatencyStats calculates statistics from a slice of durations.
func computeLatencyStats(durations []time.Duration) *LatencyStats {
	if len(durations) == 0 {
		return &LatencyStats{}
	}

	sorted := make([]time.Duration, len(durations))
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i] < sorted[j]
	})

	var sum time.Duration
	for _, d := range durations {
		sum += d
	}

	return &LatencyStats{
		Min:       sorted[0],
		Max:       sorted[len(sorted)-1],
		Mean:      sum / time.Duration(len(durations)),
		P50:       sorted[len(sorted)*50/100],
		P95:       sorted[len(sorted)*95/100],
		P99:       sorted[len(sorted)*99/100],
		Total:     len(durations),
		Durations: sorted,
	}
}

// Print writes a human readable summary to w.
func (r *Report) Print(w io.Writer) {
	s := r.Writes
	fmt.Fprintf(w, "Offline writes:\n")
	fmt.Fprintf(w, "  Total:         %d\n", s.Total)
	fmt.Fprintf(w, "  Errors:        %d\n", s.Errors)
	fmt.Fprintf(w, "  Min:           %v\n", s.Min)
	fmt.Fprintf(w, "  P50 (Median):  %v\n", s.P50)
	fmt.Fprintf(w, "  Mean:          %v\n", s.Mean)
	fmt.Fprintf(w, "  P95:           %v\n", s.P95)
	fmt.Fprintf(w, "  P99:           %v\n", s.P99)
	fmt.Fprintf(w, "  Max:           %v\n", s.Max)
	if r.Drain != nil {
		fmt.Fprintf(w, "Drain:\n")
		fmt.Fprintf(w, "  Succeeded:     %d\n", r.Drain.Succeeded)
		fmt.Fprintf(w, "  Failed:        %d\n", r.Drain.Failed)
		fmt.Fprintf(w, "  Passes:        %d\n", r.Drain.Passes)
		fmt.Fprintf(w, "  Duration:      %v\n", r.Drain.Duration)
	}
	fmt.Fprintf(w, "Duplicates: %d  Missing: %d  Unconfirmed: %d\n", r.Duplicates, r.Missing, r.Unconfirmed)
}
