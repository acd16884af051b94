// Package daemon schedules queue drains and cache refreshes for a running
// crmsync process.
//
// The daemon:
//  1. Drains the sync queue shortly after the device comes back online
//  2. Drains periodically while online, as a safety net
//  3. Refreshes the entity caches from the remote store periodically
//  4. Runs the legacy migration once, the first time the remote is reachable
//  5. Mirrors the engine status into the offline settings file
//  6. Handles graceful shutdown
package daemon

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	gosync "sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/thisai/crmsync/internal/connectivity"
	"github.com/thisai/crmsync/internal/offline/migrate"
	"github.com/thisai/crmsync/internal/offline/sync"
	"github.com/thisai/crmsync/internal/remote"
	"github.com/thisai/crmsync/internal/settings"
)

// Config holds configuration for the daemon.
type Config struct {
	// DrainInterval is how often to drain while online.
	DrainInterval time.Duration

	// OnlineDelay is how long the device must stay online before the
	// reconnect drain starts. Flapping connections reset the wait.
	OnlineDelay time.Duration

	// PullInterval is how often to refresh every cache (0 disables).
	PullInterval time.Duration

	// ProbeInterval is how often to ping the remote when a Pinger is set.
	ProbeInterval time.Duration

	// Pinger, when set, drives the connectivity monitor.
	Pinger remote.Pinger

	// OfflineMarker forces offline mode while the file exists ("" disables).
	OfflineMarker string

	// SettingsPath receives the sync status and is re-read when changed
	// ("" disables). Automatic drains are skipped while auto_sync is off.
	SettingsPath string

	// Migration runs once on the first reconnect (nil disables).
	Migration *migrate.Options

	// Logger for daemon activity
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		DrainInterval: 30 * time.Second,
		OnlineDelay:   2 * time.Second,
		PullInterval:  5 * time.Minute,
		ProbeInterval: 15 * time.Second,
		Logger:        log.New(os.Stderr, "[daemon] ", log.LstdFlags),
	}
}

// Stats counts daemon activity.
type Stats struct {
	Drains     int64 `json:"drains"`
	Pulls      int64 `json:"pulls"`
	Reconnects int64 `json:"reconnects"`
	Migrated   bool  `json:"migrated"`
}

// Daemon drives an Engine from connectivity changes and timers.
type Daemon struct {
	engine  *sync.Engine
	monitor *connectivity.Monitor
	config  *Config

	prober  *connectivity.Prober
	signal  *connectivity.FileSignal
	watcher *fsnotify.Watcher

	reconnect chan struct{}

	settingsMu gosync.Mutex
	autoSync   bool

	migrated   atomic.Bool
	drains     atomic.Int64
	pulls      atomic.Int64
	reconnects atomic.Int64

	ctx      context.Context
	cancel   context.CancelFunc
	wg       gosync.WaitGroup
	stopOnce gosync.Once
	unsubs   []func()
}

// New creates a daemon with the default configuration.
func New(engine *sync.Engine, monitor *connectivity.Monitor) (*Daemon, error) {
	return NewWithConfig(engine, monitor, DefaultConfig())
}

// NewWithConfig creates a daemon with custom configuration.
func NewWithConfig(engine *sync.Engine, monitor *connectivity.Monitor, config *Config) (*Daemon, error) {
	if engine == nil {
		return nil, fmt.Errorf("engine cannot be nil")
	}
	if monitor == nil {
		return nil, fmt.Errorf("monitor cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.DrainInterval <= 0 {
		return nil, fmt.Errorf("drain interval must be positive")
	}
	if config.OnlineDelay < 0 {
		return nil, fmt.Errorf("online delay cannot be negative")
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[daemon] ", log.LstdFlags)
	}

	d := &Daemon{
		engine:    engine,
		monitor:   monitor,
		config:    config,
		reconnect: make(chan struct{}, 1),
		autoSync:  true,
	}
	if config.Pinger != nil {
		d.prober = connectivity.NewProber(config.Pinger, monitor, config.ProbeInterval, 0, config.Logger)
	}
	if config.OfflineMarker != "" {
		signal, err := connectivity.NewFileSignal(config.OfflineMarker, monitor, config.Logger)
		if err != nil {
			return nil, err
		}
		d.signal = signal
	}

	d.ctx, d.cancel = context.WithCancel(context.Background())
	return d, nil
}

// Start begins the daemon's operation.
//
// The daemon will:
//  1. Load the settings file and start watching it
//  2. Start the connectivity sources (marker file, prober)
//  3. Drain immediately when already online
//  4. Drain and pull on their timers
//
// This blocks until ctx is cancelled or Stop is called.
func (d *Daemon) Start(ctx context.Context) error {
	d.config.Logger.Println("Starting daemon")

	if d.config.SettingsPath != "" {
		d.reloadSettings()
		if err := d.watchSettings(); err != nil {
			d.config.Logger.Printf("Warning: settings changes will not be picked up: %v", err)
		}
		d.unsubs = append(d.unsubs, d.engine.Subscribe(d.saveStatus))
	}

	if d.signal != nil {
		if err := d.signal.Start(); err != nil {
			return fmt.Errorf("failed to watch offline marker: %w", err)
		}
	}

	d.unsubs = append(d.unsubs, d.monitor.Subscribe(func(online bool) {
		if online {
			d.signalReconnect()
		}
	}))

	d.wg.Add(4)
	go func() {
		defer d.wg.Done()
		d.engine.Run(d.ctx)
	}()
	go d.reconnectLoop()
	go d.drainLoop()
	go d.pullLoop()

	if d.prober != nil {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.prober.Run(d.ctx)
		}()
	}

	if d.monitor.Online() {
		d.signalReconnect()
	}

	select {
	case <-ctx.Done():
		d.config.Logger.Println("Shutdown signal received")
		return d.Stop()
	case <-d.ctx.Done():
		return nil
	}
}

// Stop gracefully shuts down the daemon. It is safe to call more than once.
func (d *Daemon) Stop() error {
	d.stopOnce.Do(func() {
		d.config.Logger.Println("Stopping daemon")
		d.cancel()

		for _, unsub := range d.unsubs {
			unsub()
		}
		if d.signal != nil {
			if err := d.signal.Stop(); err != nil {
				d.config.Logger.Printf("Error stopping offline marker watch: %v", err)
			}
		}
		if d.watcher != nil {
			if err := d.watcher.Close(); err != nil {
				d.config.Logger.Printf("Error closing settings watcher: %v", err)
			}
		}

		d.wg.Wait()
		d.config.Logger.Println("Daemon stopped")
	})
	return nil
}

// Stats returns activity counters.
func (d *Daemon) Stats() Stats {
	return Stats{
		Drains:     d.drains.Load(),
		Pulls:      d.pulls.Load(),
		Reconnects: d.reconnects.Load(),
		Migrated:   d.migrated.Load(),
	}
}

func (d *Daemon) signalReconnect() {
	select {
	case d.reconnect <- struct{}{}:
	default:
	}
}

// reconnectLoop debounces online transitions and drains once the device
// has stayed online for OnlineDelay.
func (d *Daemon) reconnectLoop() {
	defer d.wg.Done()

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return

		case <-d.reconnect:
			timer.Reset(d.config.OnlineDelay)

		case <-timer.C:
			if !d.monitor.Online() {
				continue
			}
			d.reconnects.Add(1)
			d.runMigration()
			if !d.autoSyncEnabled() {
				continue
			}
			d.config.Logger.Println("Online, draining sync queue")
			d.drains.Add(1)
			d.engine.Trigger()
		}
	}
}

// drainLoop is the periodic safety-net drain.
func (d *Daemon) drainLoop() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.DrainInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return

		case <-ticker.C:
			if !d.monitor.Online() || !d.autoSyncEnabled() {
				continue
			}
			d.drains.Add(1)
			d.engine.Trigger()
		}
	}
}

// pullLoop refreshes every cache periodically.
func (d *Daemon) pullLoop() {
	defer d.wg.Done()

	if d.config.PullInterval <= 0 {
		return
	}
	ticker := time.NewTicker(d.config.PullInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return

		case <-ticker.C:
			if !d.monitor.Online() {
				continue
			}
			res, err := d.engine.Pull(d.ctx)
			if err != nil {
				d.config.Logger.Printf("Error refreshing caches: %v", err)
				continue
			}
			if !res.Offline {
				d.pulls.Add(1)
			}
		}
	}
}

// runMigration runs the legacy import until it completes once.
func (d *Daemon) runMigration() {
	if d.config.Migration == nil || d.migrated.Load() {
		return
	}
	res, err := migrate.Migrate(d.ctx, *d.config.Migration)
	if err != nil {
		d.config.Logger.Printf("Legacy migration postponed: %v", err)
		return
	}
	if res.Completed || res.AlreadyComplete {
		d.migrated.Store(true)
		if res.Migrated > 0 {
			d.config.Logger.Printf("Legacy migration complete: %d records imported", res.Migrated)
		}
		return
	}
	d.config.Logger.Printf("Legacy migration incomplete: %d errors, will retry on next reconnect", len(res.Errors))
}

func (d *Daemon) autoSyncEnabled() bool {
	d.settingsMu.Lock()
	defer d.settingsMu.Unlock()
	return d.autoSync
}

func (d *Daemon) reloadSettings() {
	s, err := settings.Load(d.config.SettingsPath)
	if err != nil {
		d.config.Logger.Printf("Warning: %v", err)
		return
	}
	d.settingsMu.Lock()
	changed := d.autoSync != s.AutoSync
	d.autoSync = s.AutoSync
	d.settingsMu.Unlock()
	if changed {
		d.config.Logger.Printf("Auto sync %s", map[bool]string{true: "enabled", false: "disabled"}[s.AutoSync])
	}
}

// saveStatus writes the engine status into the settings file.
func (d *Daemon) saveStatus(st sync.Status) {
	_, err := settings.Update(d.config.SettingsPath, func(s *settings.OfflineSync) {
		s.ApplyStatus(st)
	})
	if err != nil {
		d.config.Logger.Printf("Warning: failed to save sync status: %v", err)
	}
}

// watchSettings re-reads the settings file after it is written. Events are
// debounced: editors and Save write through a temp file and rename.
func (d *Daemon) watchSettings() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	dir := filepath.Dir(d.config.SettingsPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		_ = watcher.Close()
		return err
	}
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("failed to watch settings directory: %w", err)
	}
	d.watcher = watcher

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()

		const debounce = 100 * time.Millisecond
		timer := time.NewTimer(time.Hour)
		timer.Stop()
		defer timer.Stop()

		name := filepath.Base(d.config.SettingsPath)
		for {
			select {
			case <-d.ctx.Done():
				return

			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Base(event.Name) != name {
					continue
				}
				if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
					continue
				}
				timer.Reset(debounce)

			case <-timer.C:
				d.reloadSettings()

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				d.config.Logger.Printf("Watcher error: %v", err)
			}
		}
	}()
	return nil
}
