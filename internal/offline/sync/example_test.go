package sync_test

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"

	"github.com/thisai/crmsync/internal/connectivity"
	"github.com/thisai/crmsync/internal/offline/queue"
	"github.com/thisai/crmsync/internal/offline/repository"
	"github.com/thisai/crmsync/internal/offline/schema"
	"github.com/thisai/crmsync/internal/offline/store"
	"github.com/thisai/crmsync/internal/offline/sync"
	"github.com/thisai/crmsync/internal/remote"
)

// An expense saved while offline is queued, then replayed and remapped to
// the ID the remote store assigns once the device reconnects.
func ExampleEngine_Drain() {
	ctx := context.Background()
	logger := log.New(io.Discard, "", 0)

	dir, err := os.MkdirTemp("", "crmsync-example-")
	if err != nil {
		log.Fatal(err)
	}
	defer os.RemoveAll(dir)

	st := store.OpenResilient(ctx, filepath.Join(dir, "offline.db"), &store.Options{Logger: logger}, nil)
	defer st.Close()

	monitor := connectivity.NewMonitor(false)
	cloud := remote.NewMemory()
	repos, err := repository.NewSet(repository.Options{
		Store:  st,
		Queue:  queue.New(st, logger),
		Remote: cloud,
		Online: monitor,
		Logger: logger,
	})
	if err != nil {
		log.Fatal(err)
	}
	defer repos.Wait()

	engine, err := sync.New(repos, sync.Config{Logger: logger})
	if err != nil {
		log.Fatal(err)
	}
	defer engine.Close()

	rec, err := repos.Expenses.Create(ctx, map[string]any{"category": "fuel", "amount": 42.0})
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println("saved offline:", rec.Origin == schema.OriginLocal, rec.PendingSync)

	monitor.Set(true)
	res, err := engine.Drain(ctx)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println("replayed:", res.Succeeded, "failed:", res.Failed)

	recs, err := st.GetAll(ctx, schema.StoreExpenses)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println("remote copies:", cloud.Count("expenses"))
	fmt.Println("confirmed:", len(recs) == 1 && recs[0].Origin == schema.OriginRemote && !recs[0].PendingSync)

	// Output:
	// saved offline: true true
	// replayed: 1 failed: 0
	// remote copies: 1
	// confirmed: true
}
