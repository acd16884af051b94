// Package settings persists the user's offline and sync preferences together
// with the last observed sync status, as a TOML file in the data directory.
package settings

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/thisai/crmsync/internal/offline/sync"
)

// FileName is the settings file kept in the data directory.
const FileName = "offline_sync.toml"

// SyncStatus is the coarse sync state shown next to the settings.
type SyncStatus string

const (
	StatusIdle    SyncStatus = "idle"
	StatusSyncing SyncStatus = "syncing"
	StatusError   SyncStatus = "error"
	StatusOffline SyncStatus = "offline"
	StatusSuccess SyncStatus = "success"
)

// Valid reports whether s is a known status.
func (s SyncStatus) Valid() bool {
	switch s {
	case StatusIdle, StatusSyncing, StatusError, StatusOffline, StatusSuccess:
		return true
	}
	return false
}

// Allowed values for the bounded choices.
var (
	SyncIntervals   = []int{15, 30, 60, 300}
	LocalCacheSizes = []int{100, 250, 500, 1000}
)

// OfflineSync holds the offline preferences.
type OfflineSync struct {
	OfflineFirstMode  bool `toml:"offline_first_mode" json:"offline_first_mode"`
	EnableOfflineMode bool `toml:"enable_offline_mode" json:"enable_offline_mode"`

	AutoSync bool `toml:"auto_sync" json:"auto_sync"`
	// SyncInterval is in seconds.
	SyncInterval   int  `toml:"sync_interval" json:"sync_interval"`
	SyncOnlyOnWifi bool `toml:"sync_only_on_wifi" json:"sync_only_on_wifi"`
	InstantSync    bool `toml:"instant_sync" json:"instant_sync"`

	// LocalCacheSize is in megabytes.
	LocalCacheSize int  `toml:"local_cache_size" json:"local_cache_size"`
	CacheItems     bool `toml:"cache_items" json:"cache_items"`
	CacheParties   bool `toml:"cache_parties" json:"cache_parties"`
	CacheInvoices  bool `toml:"cache_invoices" json:"cache_invoices"`

	LastSyncTime     *time.Time `toml:"last_sync_time,omitempty" json:"last_sync_time,omitempty"`
	PendingSyncCount int        `toml:"pending_sync_count" json:"pending_sync_count"`
	SyncStatus       SyncStatus `toml:"sync_status" json:"sync_status"`
	LastSyncError    string     `toml:"last_sync_error,omitempty" json:"last_sync_error,omitempty"`
}

// Default returns the settings used when no file exists.
func Default() OfflineSync {
	return OfflineSync{
		OfflineFirstMode:  true,
		EnableOfflineMode: true,
		AutoSync:          true,
		SyncInterval:      30,
		SyncOnlyOnWifi:    false,
		InstantSync:       true,
		LocalCacheSize:    250,
		CacheItems:        true,
		CacheParties:      true,
		CacheInvoices:     true,
		SyncStatus:        StatusIdle,
	}
}

// Path returns the settings file path inside dataDir.
func Path(dataDir string) string {
	return filepath.Join(dataDir, FileName)
}

// Load reads path over the defaults: keys absent from the file keep their
// default value. A missing file yields the defaults.
func Load(path string) (OfflineSync, error) {
	s := Default()
	if _, err := toml.DecodeFile(path, &s); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Default(), nil
		}
		return Default(), fmt.Errorf("failed to read settings: %w", err)
	}
	if !s.SyncStatus.Valid() {
		s.SyncStatus = StatusIdle
	}
	return s, nil
}

// Validate checks the bounded choices.
func (s OfflineSync) Validate() error {
	if !contains(SyncIntervals, s.SyncInterval) {
		return fmt.Errorf("sync_interval must be one of %v, got %d", SyncIntervals, s.SyncInterval)
	}
	if !contains(LocalCacheSizes, s.LocalCacheSize) {
		return fmt.Errorf("local_cache_size must be one of %v, got %d", LocalCacheSizes, s.LocalCacheSize)
	}
	if !s.SyncStatus.Valid() {
		return fmt.Errorf("invalid sync_status %q", s.SyncStatus)
	}
	return nil
}

// Interval returns SyncInterval as a duration.
func (s OfflineSync) Interval() time.Duration {
	return time.Duration(s.SyncInterval) * time.Second
}

// Save writes s to path atomically.
func Save(path string, s OfflineSync) error {
	if err := s.Validate(); err != nil {
		return err
	}
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(s); err != nil {
		return fmt.Errorf("failed to encode settings: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create settings directory: %w", err)
	}

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, buf.Bytes(), 0600); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}

// Update loads path, applies fn and saves the result.
func Update(path string, fn func(*OfflineSync)) (OfflineSync, error) {
	s, err := Load(path)
	if err != nil {
		return s, err
	}
	fn(&s)
	return s, Save(path, s)
}

// ApplyStatus copies the engine status onto the settings record. The last
// sync time and error are kept when the status carries none.
func (s *OfflineSync) ApplyStatus(st sync.Status) {
	s.PendingSyncCount = st.PendingCount
	switch {
	case st.Syncing:
		s.SyncStatus = StatusSyncing
	case !st.Online:
		s.SyncStatus = StatusOffline
	case st.LastError != "":
		s.SyncStatus = StatusError
		s.LastSyncError = st.LastError
	case st.LastSyncTime != nil:
		s.SyncStatus = StatusSuccess
		s.LastSyncError = ""
	default:
		s.SyncStatus = StatusIdle
	}
	if st.LastSyncTime != nil {
		t := *st.LastSyncTime
		s.LastSyncTime = &t
	}
}

func contains(vals []int, v int) bool {
	for _, x := range vals {
		if x == v {
			return true
		}
	}
	return false
}
