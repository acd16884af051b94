package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"

	"github.com/thisai/crmsync/internal/connectivity"
	"github.com/thisai/crmsync/internal/logging"
	"github.com/thisai/crmsync/internal/offline/queue"
	"github.com/thisai/crmsync/internal/offline/repository"
	"github.com/thisai/crmsync/internal/offline/store"
	offsync "github.com/thisai/crmsync/internal/offline/sync"
	"github.com/thisai/crmsync/internal/remote"
)

// app is the wired offline stack shared by the commands.
type app struct {
	logs    *logging.Output
	logger  *log.Logger
	store   *store.Resilient
	mirror  *store.FlatStore
	queue   *queue.Queue
	remote  remote.Client
	pinger  remote.Pinger
	monitor *connectivity.Monitor
	repos   *repository.Set
	engine  *offsync.Engine

	// resets collects destructive schema resets seen while opening.
	resets []store.ResetEvent
}

// openApp wires the store, queue, remote client, connectivity monitor,
// repositories and sync engine from cfg. The monitor starts offline unless
// a remote is configured and answers a ping.
func openApp(ctx context.Context) (*app, error) {
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}

	logs, err := logging.Open(logging.Options{
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
		Stderr:     verbose,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open log: %w", err)
	}
	a := &app{logs: logs, logger: logs.Logger("crmsync")}

	a.mirror, err = store.NewFlatStore(cfg.Store.MirrorDir)
	if err != nil {
		a.logger.Printf("Warning: flat mirror unavailable, using memory: %v", err)
		a.mirror = nil
	}
	a.store = store.OpenResilient(ctx, cfg.Store.Path, &store.Options{
		Driver:                cfg.Store.Driver,
		AllowDestructiveReset: cfg.Store.AllowDestructiveReset,
		OnReset:               func(ev store.ResetEvent) { a.resets = append(a.resets, ev) },
		Logger:                logs.Logger("store"),
	}, a.mirror)
	if a.mirror == nil {
		a.mirror = a.store.Fallback()
	}
	if err := a.store.OpenError(); err != nil && store.IsSchemaMismatch(err) {
		a.logger.Printf("Local database schema mismatch, run 'crmsync reset' to recreate it: %v", err)
	}

	a.queue = queue.New(a.store, logs.Logger("queue"))
	a.monitor = connectivity.NewMonitor(false)
	a.monitor.ForceOffline(forceOff)

	if cfg.Remote.URL == "" {
		// Without a remote every operation stays local and queued.
		mem := remote.NewMemory()
		mem.SetOffline(true)
		a.remote = mem
		a.monitor.ForceOffline(true)
	} else {
		client, err := remote.NewHTTPClient(remote.HTTPConfig{
			BaseURL:   cfg.Remote.URL,
			Token:     cfg.Remote.Token,
			Tenant:    cfg.Tenant,
			Timeout:   cfg.Remote.Timeout,
			RateLimit: cfg.Remote.RateLimit,
			Burst:     cfg.Remote.Burst,
			Logger:    logs.Logger("remote"),
		})
		if err != nil {
			a.Close()
			return nil, err
		}
		a.remote = client
		a.pinger = client
	}

	a.repos, err = repository.NewSet(repository.Options{
		Store:  a.store,
		Queue:  a.queue,
		Remote: a.remote,
		Online: a.monitor,
		Logger: logs.Logger("repository"),
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	a.engine, err = offsync.New(a.repos, offsync.Config{
		LockPath: cfg.LockPath(),
		Logger:   logs.Logger("sync"),
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

// probe pings the remote once and updates the monitor.
func (a *app) probe(ctx context.Context) bool {
	if a.pinger == nil || a.monitor.Forced() {
		return false
	}
	return a.prober().ProbeOnce(ctx)
}

func (a *app) prober() *connectivity.Prober {
	return connectivity.NewProber(a.pinger, a.monitor, cfg.Sync.ProbeInterval, cfg.Remote.Timeout, a.logs.Logger("connectivity"))
}

// requireOnline probes the remote and fails when it cannot be reached.
func (a *app) requireOnline(ctx context.Context) error {
	if cfg.Remote.URL == "" {
		return errors.New("no remote store configured (set remote.url or CRMSYNC_REMOTE_URL)")
	}
	if forceOff {
		return errors.New("offline mode is forced (--offline)")
	}
	if !a.probe(ctx) {
		return fmt.Errorf("remote store %s is unreachable", cfg.Remote.URL)
	}
	return nil
}

// Close waits for background refreshes and releases everything.
func (a *app) Close() error {
	var errs []error
	if a.repos != nil {
		a.repos.Wait()
	}
	if a.engine != nil {
		errs = append(errs, a.engine.Close())
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	if a.logs != nil {
		errs = append(errs, a.logs.Close())
	}
	return errors.Join(errs...)
}
