package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/thisai/crmsync/internal/logging"
	"github.com/thisai/crmsync/internal/remote/server"
	"github.com/thisai/crmsync/internal/ui"
)

var serveCmd = &cobra.Command{
	Use:     "serve",
	GroupID: "advanced",
	Short:   "Run a development remote document store",
	Long: `Run a small multi-tenant document store that speaks the same HTTP API the
sync client uses. It is meant for development and for testing offline
behaviour: stop it to simulate an outage, start it again to reconnect.

Documents are kept in SQLite (server.db_path) or in memory when no path is
set. Tenants are selected with the X-Tenant-ID header.`,
	Run: func(cmd *cobra.Command, args []string) {
		addr, _ := cmd.Flags().GetString("addr")
		if !cmd.Flags().Changed("addr") {
			addr = cfg.Server.Addr
		}

		logger, closer, err := logging.New("server", logging.Options{
			File:       cfg.Log.File,
			MaxSizeMB:  cfg.Log.MaxSizeMB,
			MaxBackups: cfg.Log.MaxBackups,
			MaxAgeDays: cfg.Log.MaxAgeDays,
			Stderr:     verbose,
		})
		if err != nil {
			exitf("failed to open log: %v", err)
		}
		defer closer.Close()

		srv, err := server.New(&server.Config{
			Addr:   addr,
			DBPath: cfg.Server.DBPath,
			Token:  cfg.Server.Token,
			Logger: logger,
		})
		if err != nil {
			exitf("%v", err)
		}
		if err := srv.Start(); err != nil {
			exitf("%v", err)
		}

		storage := cfg.Server.DBPath
		if storage == "" {
			storage = "memory (lost on exit)"
		}
		fmt.Printf("%s Document store listening on %s\n", ui.RenderPass("✓"), srv.Addr())
		fmt.Printf("   Storage: %s\n", storage)
		if cfg.Server.Token == "" {
			fmt.Printf("   %s No token set: requests are not authenticated\n", ui.RenderWarn("⚠"))
		}
		fmt.Println("\nPress Ctrl+C to stop...")

		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()
		<-ctx.Done()

		fmt.Println("\nShutting down document store...")
		if err := srv.Stop(); err != nil {
			exitf("during shutdown: %v", err)
		}
	},
}

func init() {
	serveCmd.Flags().String("addr", ":8787", "Address to listen on")
	rootCmd.AddCommand(serveCmd)
}
