package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/thisai/crmsync/internal/offline/daemon"
	"github.com/thisai/crmsync/internal/offline/dashboard"
	"github.com/thisai/crmsync/internal/offline/migrate"
	"github.com/thisai/crmsync/internal/ui"
)

var daemonCmd = &cobra.Command{
	Use:     "daemon",
	GroupID: "sync",
	Short:   "Run the sync daemon (foreground)",
	Long: `Run the sync daemon in the foreground.

The daemon will:
  1. Probe the remote store and track connectivity
  2. Drain the sync queue shortly after every reconnect
  3. Drain on the sync interval while online and auto sync is on
  4. Refresh local caches on the pull interval
  5. Import legacy flat-file data once, on the first reconnect
  6. Keep offline_sync.toml up to date with the sync status

Creating the offline marker file forces offline mode until it is removed.
With --dashboard-port the sync health dashboard is served as well.`,
	Run: func(cmd *cobra.Command, args []string) {
		port, _ := cmd.Flags().GetInt("dashboard-port")

		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		a, err := openApp(ctx)
		if err != nil {
			exitf("%v", err)
		}
		defer a.Close()

		migration := a.migrationOptions(migrate.Options{})
		d, err := daemon.NewWithConfig(a.engine, a.monitor, &daemon.Config{
			DrainInterval: cfg.Sync.Interval,
			OnlineDelay:   cfg.Sync.OnlineDelay,
			PullInterval:  cfg.Sync.PullInterval,
			ProbeInterval: cfg.Sync.ProbeInterval,
			Pinger:        a.pinger,
			OfflineMarker: cfg.Sync.OfflineMarker,
			SettingsPath:  cfg.SettingsPath(),
			Migration:     &migration,
			Logger:        a.logs.Logger("daemon"),
		})
		if err != nil {
			exitf("failed to create daemon: %v", err)
		}

		if port > 0 {
			server, err := startDashboard(a, port)
			if err != nil {
				exitf("%v", err)
			}
			defer server.Stop()
		}

		fmt.Printf("%s Starting sync daemon...\n", ui.RenderAccent("🚀"))
		fmt.Printf("   Tenant: %s\n", cfg.Tenant)
		fmt.Printf("   Database: %s\n", cfg.Store.Path)
		if cfg.Remote.URL != "" {
			fmt.Printf("   Remote: %s\n", cfg.Remote.URL)
		} else {
			fmt.Printf("   Remote: %s\n", ui.RenderWarn("none configured, changes stay queued"))
		}
		fmt.Printf("   Settings: %s\n", cfg.SettingsPath())
		if cfg.Sync.OfflineMarker != "" {
			fmt.Printf("   Offline marker: %s\n", cfg.Sync.OfflineMarker)
		}
		if port > 0 {
			fmt.Printf("   Dashboard: http://localhost:%d\n", port)
		}
		fmt.Printf("\nPress Ctrl+C to stop\n\n")

		if err := d.Start(ctx); err != nil {
			exitf("daemon stopped with error: %v", err)
		}
		stats := d.Stats()
		fmt.Printf("%s Daemon stopped (%d drains, %d pulls, %d reconnects)\n",
			ui.RenderPass("✓"), stats.Drains, stats.Pulls, stats.Reconnects)
	},
}

// startDashboard serves the sync health dashboard for a's engine and
// monitor, replaying any schema resets seen while opening.
func startDashboard(a *app, port int) (*dashboard.Server, error) {
	server := dashboard.NewServer(&dashboard.Config{
		Port:   port,
		Logger: a.logs.Logger("dashboard"),
	})
	handler := dashboard.NewHandler(server, a.engine, a.repos, a.logs.Logger("dashboard"))
	for _, ev := range a.resets {
		handler.OnSchemaReset(ev)
	}
	handler.Attach(a.monitor)

	if err := server.Start(); err != nil {
		handler.Detach()
		return nil, fmt.Errorf("failed to start dashboard: %w", err)
	}
	return server, nil
}

var dashboardCmd = &cobra.Command{
	Use:     "dashboard",
	GroupID: "advanced",
	Short:   "Serve the sync health dashboard",
	Long: `Start a WebSocket dashboard that shows sync status in real time.

Messages:
- status: connectivity, pending/failed counters and per-store counts
- drain_complete: summary of a finished queue drain
- connectivity: the device went online or offline
- schema_reset: the local database was recreated

Endpoints:
  ws://localhost:8080/ws     live feed
  http://localhost:8080/status   current status as JSON
  http://localhost:8080/health   liveness check

The dashboard does not drain the queue itself; run 'crmsync daemon
--dashboard-port' for both.`,
	Run: func(cmd *cobra.Command, args []string) {
		port, _ := cmd.Flags().GetInt("port")
		if !cmd.Flags().Changed("port") {
			port = cfg.Dashboard.Port
		}

		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		a, err := openApp(ctx)
		if err != nil {
			exitf("%v", err)
		}
		defer a.Close()

		server, err := startDashboard(a, port)
		if err != nil {
			exitf("%v", err)
		}

		if a.pinger != nil && !a.monitor.Forced() {
			go a.prober().Run(ctx)
		}

		fmt.Printf("Dashboard server started on http://localhost:%d\n", port)
		fmt.Printf("WebSocket endpoint: ws://localhost:%d/ws\n", port)
		fmt.Printf("Health check: http://localhost:%d/health\n", port)
		fmt.Println("\nPress Ctrl+C to stop...")

		<-ctx.Done()

		fmt.Println("\nShutting down dashboard server...")
		if err := server.Stop(); err != nil {
			exitf("during shutdown: %v", err)
		}
		fmt.Println("Dashboard server stopped")
	},
}

func init() {
	daemonCmd.Flags().Int("dashboard-port", 0, "Also serve the dashboard on this port (0 disables)")
	dashboardCmd.Flags().IntP("port", "p", 8080, "Port to listen on")
	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(dashboardCmd)
}
