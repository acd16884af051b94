package main

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/thisai/crmsync/internal/offline/store"
	offsync "github.com/thisai/crmsync/internal/offline/sync"
	"github.com/thisai/crmsync/internal/ui"
)

var resetCmd = &cobra.Command{
	Use:     "reset",
	GroupID: "maint",
	Short:   "Destroy and recreate the local database",
	Long: `Delete every cached record and every queued change, then recreate the
local database with the current schema.

Queued changes that have not synced are lost. Use this when the database
schema cannot be reconciled (see 'crmsync status') or the cache is corrupt.
Legacy flat-file data waiting for 'crmsync migrate legacy' is kept.`,
	Run: func(cmd *cobra.Command, args []string) {
		yes, _ := cmd.Flags().GetBool("yes")
		ctx := cmd.Context()

		a, err := openApp(ctx)
		if err != nil {
			exitf("%v", err)
		}
		closed := false
		defer func() {
			if !closed {
				a.Close()
			}
		}()

		unlock, err := a.engine.Lock()
		if errors.Is(err, offsync.ErrDrainInProgress) {
			exitf("a sync is running; stop the daemon before resetting")
		}
		if err != nil {
			exitf("%v", err)
		}
		unlock = sync.OnceFunc(unlock)
		defer unlock()

		counts, err := a.queue.Counts(ctx)
		if err != nil {
			a.logger.Printf("Warning: could not count queued changes: %v", err)
		}

		if !yes {
			if !ui.IsTerminal(os.Stdin) {
				exitf("refusing to reset without confirmation; pass --yes")
			}
			title := fmt.Sprintf("Reset the local database at %s?", cfg.Store.Path)
			desc := "All cached records will be deleted."
			if n := counts.Total(); n > 0 {
				desc = fmt.Sprintf("%d unsynced change(s) will be lost.", n)
			}
			confirmed := false
			err := huh.NewConfirm().
				Title(title).
				Description(desc).
				Affirmative("Reset").
				Negative("Cancel").
				Value(&confirmed).
				Run()
			if err != nil {
				exitf("%v", err)
			}
			if !confirmed {
				fmt.Println("Reset cancelled")
				return
			}
		}

		if err := a.store.ClearAll(ctx); err != nil {
			a.logger.Printf("Warning: failed to clear stores before reset: %v", err)
		}
		unlock()
		if err := a.Close(); err != nil {
			a.logger.Printf("Warning: %v", err)
		}
		closed = true

		if err := store.Destroy(cfg.Store.Path); err != nil {
			exitf("failed to remove database: %v", err)
		}
		db, err := store.OpenContext(ctx, cfg.Store.Path, &store.Options{Driver: cfg.Store.Driver})
		if err != nil {
			exitf("failed to recreate database: %v", err)
		}
		version := db.Version()
		if err := db.Close(); err != nil {
			exitf("%v", err)
		}

		fmt.Printf("%s Local database recreated at schema v%d\n", ui.RenderPass("✓"), version)
		if n := counts.Total(); n > 0 {
			fmt.Printf("   %s %d unsynced change(s) discarded\n", ui.RenderWarn("⚠"), n)
		}
	},
}

func init() {
	resetCmd.Flags().BoolP("yes", "y", false, "Skip the confirmation prompt")
	rootCmd.AddCommand(resetCmd)
}
