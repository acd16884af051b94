package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// isolate points HOME and the working directory at an empty temp dir.
func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("HOME", dir)
	t.Chdir(dir)
	return dir
}

func TestLoad_Defaults(t *testing.T) {
	home := isolate(t)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.DataDir != filepath.Join(home, ".crmsync") {
		t.Errorf("DataDir = %q", cfg.DataDir)
	}
	if cfg.Store.Path != filepath.Join(cfg.DataDir, "crmsync.db") {
		t.Errorf("Store.Path = %q", cfg.Store.Path)
	}
	if cfg.Sync.Interval != 30*time.Second || cfg.Sync.OnlineDelay != 2*time.Second {
		t.Errorf("Sync = %+v", cfg.Sync)
	}
	if cfg.Sync.PullInterval != 5*time.Minute || cfg.Sync.ProbeInterval != 15*time.Second {
		t.Errorf("Sync = %+v", cfg.Sync)
	}
	if cfg.Dashboard.Port != 8080 || cfg.Server.Addr != ":8787" {
		t.Errorf("Dashboard.Port = %d, Server.Addr = %q", cfg.Dashboard.Port, cfg.Server.Addr)
	}
	if cfg.LockPath() != filepath.Join(cfg.DataDir, "drain.lock") {
		t.Errorf("LockPath() = %q", cfg.LockPath())
	}
}

func TestLoad_FileThenEnv(t *testing.T) {
	dir := isolate(t)
	path := filepath.Join(dir, "crmsync.yaml")
	content := `
data_dir: /var/lib/crmsync
tenant: acme
remote:
  url: http://localhost:8787
  timeout: 5s
sync:
  interval: 1m
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CRMSYNC_TENANT", "globex")
	t.Setenv("CRMSYNC_SYNC_PULL_INTERVAL", "10m")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.DataDir != "/var/lib/crmsync" {
		t.Errorf("DataDir = %q", cfg.DataDir)
	}
	if cfg.Tenant != "globex" {
		t.Errorf("Tenant = %q, want env override globex", cfg.Tenant)
	}
	if cfg.Remote.URL != "http://localhost:8787" || cfg.Remote.Timeout != 5*time.Second {
		t.Errorf("Remote = %+v", cfg.Remote)
	}
	if cfg.Sync.Interval != time.Minute || cfg.Sync.PullInterval != 10*time.Minute {
		t.Errorf("Sync = %+v", cfg.Sync)
	}
}

func TestLoad_DotEnv(t *testing.T) {
	dir := isolate(t)
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte("CRMSYNC_REMOTE_TOKEN=secret\n"), 0600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CRMSYNC_REMOTE_TOKEN", "")
	os.Unsetenv("CRMSYNC_REMOTE_TOKEN")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.Remote.Token != "secret" {
		t.Errorf("Remote.Token = %q, want value from .env", cfg.Remote.Token)
	}
}

func TestLoad_ExplicitFileMissing(t *testing.T) {
	dir := isolate(t)
	if _, err := Load(filepath.Join(dir, "nope.toml")); err == nil {
		t.Error("Load() with a missing explicit file should fail")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults", func(*Config) {}, false},
		{"no data dir", func(c *Config) { c.DataDir = "" }, true},
		{"relative url", func(c *Config) { c.Remote.URL = "localhost" }, true},
		{"absolute url", func(c *Config) { c.Remote.URL = "https://api.example.com" }, false},
		{"zero interval", func(c *Config) { c.Sync.Interval = 0 }, true},
		{"negative delay", func(c *Config) { c.Sync.OnlineDelay = -time.Second }, true},
		{"bad port", func(c *Config) { c.Dashboard.Port = 70000 }, true},
		{"negative burst", func(c *Config) { c.Remote.Burst = -1 }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
