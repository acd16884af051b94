package main

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/spf13/cobra"

	"github.com/thisai/crmsync/internal/offline/schema"
	"github.com/thisai/crmsync/internal/ui"
)

var queueCmd = &cobra.Command{
	Use:     "queue",
	GroupID: "sync",
	Short:   "Inspect the sync queue",
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queued changes in replay order",
	Long: `List queued changes oldest first, the order a drain replays them.

--since accepts an RFC 3339 timestamp, a Go duration ("90m" means the last
90 minutes) or a natural language expression such as "yesterday" or
"last monday".`,
	Run: func(cmd *cobra.Command, args []string) {
		format := formatFlag(cmd)
		sinceText, _ := cmd.Flags().GetString("since")
		failedOnly, _ := cmd.Flags().GetBool("failed")
		ctx := cmd.Context()

		a, err := openApp(ctx)
		if err != nil {
			exitf("%v", err)
		}
		defer a.Close()

		var entries []*schema.QueueEntry
		if sinceText != "" {
			since, err := parseSince(sinceText, time.Now())
			if err != nil {
				exitf("%v", err)
			}
			entries, err = a.queue.Since(ctx, since)
			if err != nil {
				exitf("%v", err)
			}
		} else {
			entries, err = a.queue.All(ctx)
			if err != nil {
				exitf("%v", err)
			}
		}
		if failedOnly {
			kept := entries[:0]
			for _, e := range entries {
				if e.Status == schema.StatusFailed {
					kept = append(kept, e)
				}
			}
			entries = kept
		}
		if entries == nil {
			entries = []*schema.QueueEntry{}
		}

		if err := render(os.Stdout, format, entries, func(w io.Writer) { printQueue(w, entries) }); err != nil {
			exitf("%v", err)
		}
	},
}

func printQueue(w io.Writer, entries []*schema.QueueEntry) {
	if len(entries) == 0 {
		fmt.Fprintf(w, "%s Sync queue is empty\n", ui.RenderPass("✓"))
		return
	}
	rows := make([][]string, 0, len(entries))
	for _, e := range entries {
		status := string(e.Status)
		switch e.Status {
		case schema.StatusFailed:
			status = ui.RenderFail(status)
		case schema.StatusSyncing:
			status = ui.RenderAccent(status)
		}
		lastErr := e.LastError
		if len(lastErr) > 48 {
			lastErr = lastErr[:45] + "..."
		}
		rows = append(rows, []string{
			strconv.FormatInt(e.Seq, 10),
			e.Timestamp.Local().Format("01-02 15:04:05"),
			string(e.Type),
			e.Store,
			e.RecordID,
			status,
			strconv.Itoa(e.RetryCount),
			lastErr,
		})
	}
	fmt.Fprintln(w, ui.Table([]string{"SEQ", "QUEUED", "OP", "STORE", "RECORD", "STATUS", "RETRIES", "LAST ERROR"}, rows))
}

// parseSince resolves a --since value relative to now.
func parseSince(text string, now time.Time) (time.Time, error) {
	text = strings.TrimSpace(text)
	if t, err := time.Parse(time.RFC3339, text); err == nil {
		return t, nil
	}
	if t, err := time.ParseInLocation("2006-01-02", text, now.Location()); err == nil {
		return t, nil
	}
	if d, err := time.ParseDuration(text); err == nil {
		if d < 0 {
			d = -d
		}
		return now.Add(-d), nil
	}

	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	r, err := w.Parse(text, now)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse --since %q: %w", text, err)
	}
	if r == nil {
		return time.Time{}, fmt.Errorf("could not understand --since %q", text)
	}
	return r.Time, nil
}

func init() {
	queueListCmd.Flags().String("since", "", "Only entries queued at or after this time")
	queueListCmd.Flags().Bool("failed", false, "Only entries whose last replay failed")
	addOutputFlag(queueListCmd)
	queueCmd.AddCommand(queueListCmd)
	rootCmd.AddCommand(queueCmd)
}
