package main

import (
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/spf13/cobra"

	offsync "github.com/thisai/crmsync/internal/offline/sync"
	"github.com/thisai/crmsync/internal/ui"
)

var syncCmd = &cobra.Command{
	Use:     "sync",
	GroupID: "sync",
	Short:   "Replay queued changes against the remote store",
	Long: `Drain the sync queue: replay every pending create, update and delete in
the order it was made. Confirmed creates remap their local IDs to the remote
IDs, and later queued changes follow the new ID.

Only one drain runs at a time across processes. If another drain holds the
lock, this command reports it and exits without doing anything.`,
	Run: func(cmd *cobra.Command, args []string) {
		format := formatFlag(cmd)
		ctx := cmd.Context()

		a, err := openApp(ctx)
		if err != nil {
			exitf("%v", err)
		}
		defer a.Close()

		if err := a.requireOnline(ctx); err != nil {
			exitf("%v", err)
		}

		if format == formatText {
			fmt.Printf("%s Draining sync queue...\n", ui.RenderAccent("🔄"))
		}
		res, err := a.engine.Drain(ctx)
		if err != nil {
			exitf("drain failed: %v", err)
		}
		if res.Skipped {
			exitf("%v", offsync.ErrDrainInProgress)
		}
		if err := render(os.Stdout, format, res, func(w io.Writer) { printDrain(w, res) }); err != nil {
			exitf("%v", err)
		}
		if res.Failed > 0 {
			os.Exit(2)
		}
	},
}

func printDrain(w io.Writer, res *offsync.DrainResult) {
	if res.Offline {
		fmt.Fprintf(w, "%s Went offline during the drain; remaining changes stay queued\n", ui.RenderWarn("⚠"))
	}
	mark := ui.RenderPass("✓")
	if res.Failed > 0 {
		mark = ui.RenderWarn("⚠")
	}
	fmt.Fprintf(w, "%s Drain complete in %v\n", mark, res.Duration.Round(time.Millisecond))
	fmt.Fprintf(w, "   Replayed: %d\n", res.Succeeded)
	fmt.Fprintf(w, "   Failed: %d\n", res.Failed)
	fmt.Fprintf(w, "   Deferred: %d\n", res.Deferred)
	if res.Cancelled > 0 {
		fmt.Fprintf(w, "   Cancelled: %d\n", res.Cancelled)
	}
	if res.Recovered > 0 {
		fmt.Fprintf(w, "   Recovered from interrupted drain: %d\n", res.Recovered)
	}
	for _, e := range res.Errors {
		fmt.Fprintf(w, "   %s %s\n", ui.RenderFail("✗"), e)
	}
}

var pullCmd = &cobra.Command{
	Use:     "pull [store...]",
	GroupID: "sync",
	Short:   "Refresh local caches from the remote store",
	Long: `Fetch every collection (or the named stores) from the remote store and
merge it into the local cache. Records with queued local edits keep their
local version until the queue drains.`,
	Run: func(cmd *cobra.Command, args []string) {
		format := formatFlag(cmd)
		ctx := cmd.Context()

		a, err := openApp(ctx)
		if err != nil {
			exitf("%v", err)
		}
		defer a.Close()

		if err := a.requireOnline(ctx); err != nil {
			exitf("%v", err)
		}
		res, err := a.engine.Pull(ctx, args...)
		if err != nil {
			exitf("%v", err)
		}
		if err := render(os.Stdout, format, res, func(w io.Writer) {
			fmt.Fprintf(w, "%s Pull complete in %v\n", ui.RenderPass("✓"), res.Duration.Round(time.Millisecond))
			names := make([]string, 0, len(res.Stores))
			for name := range res.Stores {
				names = append(names, name)
			}
			sort.Strings(names)
			for _, name := range names {
				r := res.Stores[name]
				fmt.Fprintf(w, "   %s: %d upserted, %d removed, %d pending kept\n", name, r.Upserted, r.Removed, r.SkippedPending)
			}
		}); err != nil {
			exitf("%v", err)
		}
	},
}

func init() {
	addOutputFlag(syncCmd)
	addOutputFlag(pullCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(pullCmd)
}
