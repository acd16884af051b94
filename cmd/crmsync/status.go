package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/thisai/crmsync/internal/offline/repository"
	"github.com/thisai/crmsync/internal/offline/store"
	offsync "github.com/thisai/crmsync/internal/offline/sync"
	"github.com/thisai/crmsync/internal/settings"
	"github.com/thisai/crmsync/internal/ui"
)

// statusReport is the machine-readable form of 'crmsync status'.
type statusReport struct {
	Tenant   string                   `json:"tenant" yaml:"tenant"`
	Database string                   `json:"database" yaml:"database"`
	Degraded bool                     `json:"degraded" yaml:"degraded"`
	Remote   string                   `json:"remote,omitempty" yaml:"remote,omitempty"`
	Sync     offsync.Status           `json:"sync" yaml:"sync"`
	Stores   []repository.StoreStatus `json:"stores" yaml:"stores"`
	Settings settings.OfflineSync     `json:"settings" yaml:"settings"`
	Resets   []store.ResetEvent       `json:"resets,omitempty" yaml:"resets,omitempty"`
}

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "sync",
	Short:   "Show sync status and pending-sync counters",
	Long: `Show whether the remote store is reachable, how many queued changes are
waiting, and per-store record counts.

Status is informational. Pending or failed changes never block data entry.`,
	Run: func(cmd *cobra.Command, args []string) {
		format := formatFlag(cmd)
		ctx := cmd.Context()

		a, err := openApp(ctx)
		if err != nil {
			exitf("%v", err)
		}
		defer a.Close()

		report, err := buildStatus(ctx, a)
		if err != nil {
			exitf("%v", err)
		}
		if err := render(os.Stdout, format, report, report.print); err != nil {
			exitf("%v", err)
		}
	},
}

func buildStatus(ctx context.Context, a *app) (*statusReport, error) {
	a.probe(ctx)

	stats, err := a.repos.Stats(ctx)
	if err != nil {
		return nil, err
	}
	prefs, err := settings.Load(cfg.SettingsPath())
	if err != nil {
		a.logger.Printf("Warning: %v", err)
		prefs = settings.Default()
	}
	return &statusReport{
		Tenant:   cfg.Tenant,
		Database: cfg.Store.Path,
		Degraded: a.store.Degraded(),
		Remote:   cfg.Remote.URL,
		Sync:     a.engine.Status(ctx),
		Stores:   stats.Stores,
		Settings: prefs,
		Resets:   a.resets,
	}, nil
}

func (r *statusReport) print(w io.Writer) {
	fmt.Fprintf(w, "\n%s Sync Status\n\n", ui.RenderAccent("📊"))

	conn := ui.RenderPass("online")
	switch {
	case r.Remote == "":
		conn = ui.RenderMuted("no remote configured")
	case !r.Sync.Online:
		conn = ui.RenderWarn("offline")
	}
	lastSync := "never"
	if r.Sync.LastSyncTime != nil {
		lastSync = r.Sync.LastSyncTime.Local().Format("2006-01-02 15:04:05")
	}
	autoSync := "on"
	if !r.Settings.AutoSync {
		autoSync = "off"
	}
	fmt.Fprint(w, ui.KeyValue([][2]string{
		{"Tenant", r.Tenant},
		{"Connection", conn},
		{"Pending", strconv.Itoa(r.Sync.PendingCount)},
		{"Failed", strconv.Itoa(r.Sync.FailedCount)},
		{"Last sync", lastSync},
		{"Auto sync", fmt.Sprintf("%s (every %v)", autoSync, r.Settings.Interval())},
		{"Database", r.Database},
	}))

	if r.Degraded {
		fmt.Fprintf(w, "\n%s Local database unavailable: running on the flat-file fallback\n", ui.RenderWarn("⚠"))
	}
	if r.Sync.LastError != "" {
		fmt.Fprintf(w, "\n%s Last error: %s\n", ui.RenderFail("✗"), r.Sync.LastError)
	}
	for _, ev := range r.Resets {
		fmt.Fprintf(w, "\n%s Local database was reset at %s (schema v%d, want v%d): %s\n",
			ui.RenderWarn("⚠"), ev.At.Format(time.RFC3339), ev.OnDiskVersion, ev.WantVersion, ev.Reason)
	}

	rows := make([][]string, 0, len(r.Stores))
	for _, s := range r.Stores {
		synced := "-"
		if s.LastSync != nil {
			synced = s.LastSync.Local().Format("2006-01-02 15:04")
		}
		rows = append(rows, []string{s.Store, strconv.Itoa(s.Records), strconv.Itoa(s.PendingRecords), strconv.Itoa(s.RemoteCount), synced})
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, ui.Table([]string{"STORE", "RECORDS", "PENDING", "REMOTE", "LAST SYNC"}, rows))
}

func init() {
	addOutputFlag(statusCmd)
	rootCmd.AddCommand(statusCmd)
}
