// Package sync drains the sync queue against the remote store.
//
// Overview
//
// Repositories append a queue entry for every write the remote store did not
// confirm at write time. The Engine replays those entries in FIFO order once
// the device is online:
//
//	Sync queue (pending, failed)
//	     │  FIFO by timestamp, then seq
//	     ▼
//	  Engine.Drain ──create──▶ remote.Create ──▶ ID remap + retarget
//	               ──update──▶ remote.Update ──▶ clear pending flag
//	               ──delete──▶ remote.Delete (not found counts as done)
//
// A successful replay removes the entry. A failed one is marked failed with
// its retry count incremented and stays queued for the next drain; there is
// no retry ceiling.
//
// Ordering
//
// Within one drain, a failed entry blocks every later entry for the same
// record, so an update is never applied ahead of the create or update it
// follows. Updates and deletes still addressed to a local ID are deferred
// until the record's create is confirmed; when a create confirms during a
// drain, deferred entries are retried in a further pass of the same drain.
//
// Concurrency
//
// Drains are single-flight. A drain requested while another runs returns a
// result with Skipped set. When a lock file is configured, the same holds
// across processes sharing a data directory:
//
//	engine, err := sync.New(repos, sync.Config{LockPath: "data/drain.lock"})
//	if err != nil {
//	    return err
//	}
//	defer engine.Close()
//
//	res, err := engine.Drain(ctx)
//	if err != nil {
//	    return err
//	}
//	fmt.Printf("replayed %d, failed %d\n", res.Succeeded, res.Failed)
package sync
