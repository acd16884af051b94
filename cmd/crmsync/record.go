package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/thisai/crmsync/internal/offline/repository"
	"github.com/thisai/crmsync/internal/offline/schema"
	"github.com/thisai/crmsync/internal/ui"
)

var recordCmd = &cobra.Command{
	Use:     "record",
	GroupID: "data",
	Short:   "Create, read, update and delete business records",
	Long: `Work with records in one store: items, parties, invoices, expenses,
quotations, payments or delivery_challans.

Writes go straight to the remote store when it is reachable. Offline they
are saved locally, marked pending and queued for the next sync. Fields are
given as key=value; values that parse as JSON (numbers, true/false, quoted
strings, objects, arrays) keep their type, anything else is a string.

Examples:
  crmsync record create items name=Tape price=12.5
  crmsync record list expenses -o json
  crmsync record update parties party_1712345678901_ab12cd34 phone=5550100
  crmsync record delete invoices inv_42`,
}

// withRepo opens the app, probes the remote and resolves the store argument.
func withRepo(cmd *cobra.Command, storeName string, fn func(a *app, repo *repository.Repository)) {
	ctx := cmd.Context()
	a, err := openApp(ctx)
	if err != nil {
		exitf("%v", err)
	}
	defer a.Close()

	repo, err := a.repos.For(storeName)
	if err != nil {
		exitf("%v (stores: %s)", err, strings.Join(schema.AllStores(), ", "))
	}
	a.probe(ctx)
	fn(a, repo)
}

var recordCreateCmd = &cobra.Command{
	Use:   "create <store> key=value...",
	Short: "Create a record",
	Args:  cobra.MinimumNArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		format := formatFlag(cmd)
		fields, err := parseFields(args[1:])
		if err != nil {
			exitf("%v", err)
		}
		withRepo(cmd, args[0], func(a *app, repo *repository.Repository) {
			rec, err := repo.Create(cmd.Context(), fields)
			if err != nil {
				exitf("%v", err)
			}
			printRecordResult(format, "Created", rec)
		})
	},
}

var recordListCmd = &cobra.Command{
	Use:   "list <store>",
	Short: "List records, newest first",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		format := formatFlag(cmd)
		withRepo(cmd, args[0], func(a *app, repo *repository.Repository) {
			recs, err := repo.List(cmd.Context())
			if err != nil {
				exitf("%v", err)
			}
			if recs == nil {
				recs = []*schema.Record{}
			}
			if err := render(os.Stdout, format, recs, func(w io.Writer) { printRecords(w, recs) }); err != nil {
				exitf("%v", err)
			}
		})
	},
}

var recordGetCmd = &cobra.Command{
	Use:   "get <store> <id>",
	Short: "Show one record",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		format := formatFlag(cmd)
		withRepo(cmd, args[0], func(a *app, repo *repository.Repository) {
			rec, err := repo.Get(cmd.Context(), args[1])
			if err != nil {
				exitf("%v", err)
			}
			if err := render(os.Stdout, format, rec, func(w io.Writer) { printRecord(w, rec) }); err != nil {
				exitf("%v", err)
			}
		})
	},
}

var recordUpdateCmd = &cobra.Command{
	Use:   "update <store> <id> key=value...",
	Short: "Update fields of a record",
	Args:  cobra.MinimumNArgs(3),
	Run: func(cmd *cobra.Command, args []string) {
		format := formatFlag(cmd)
		patch, err := parseFields(args[2:])
		if err != nil {
			exitf("%v", err)
		}
		withRepo(cmd, args[0], func(a *app, repo *repository.Repository) {
			rec, err := repo.Update(cmd.Context(), args[1], patch)
			if err != nil {
				exitf("%v", err)
			}
			printRecordResult(format, "Updated", rec)
		})
	},
}

var recordDeleteCmd = &cobra.Command{
	Use:   "delete <store> <id>",
	Short: "Delete a record",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		withRepo(cmd, args[0], func(a *app, repo *repository.Repository) {
			if err := repo.Delete(cmd.Context(), args[1]); err != nil {
				exitf("%v", err)
			}
			suffix := ""
			if !a.monitor.Online() {
				suffix = " (queued for sync)"
			}
			fmt.Printf("%s Deleted %s/%s%s\n", ui.RenderPass("✓"), args[0], args[1], suffix)
		})
	},
}

// parseFields turns key=value arguments into a field map.
func parseFields(args []string) (map[string]any, error) {
	fields := make(map[string]any, len(args))
	for _, arg := range args {
		key, raw, ok := strings.Cut(arg, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid field %q: want key=value", arg)
		}
		if key == "id" || strings.HasPrefix(key, "_") {
			return nil, fmt.Errorf("field %q is reserved", key)
		}
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			v = raw
		}
		fields[key] = v
	}
	return fields, nil
}

func printRecordResult(format outputFormat, verb string, rec *schema.Record) {
	err := render(os.Stdout, format, rec, func(w io.Writer) {
		suffix := ""
		if rec.PendingSync {
			suffix = " " + ui.RenderWarn("(pending sync)")
		}
		fmt.Fprintf(w, "%s %s %s%s\n", ui.RenderPass("✓"), verb, rec.ID, suffix)
		printRecord(w, rec)
	})
	if err != nil {
		exitf("%v", err)
	}
}

func printRecord(w io.Writer, rec *schema.Record) {
	pairs := [][2]string{
		{"id", rec.ID},
		{"origin", string(rec.Origin)},
		{"state", string(rec.State)},
	}
	if rec.PendingSync {
		pairs = append(pairs, [2]string{"pending", "yes"})
	}
	for _, name := range rec.FieldNames() {
		pairs = append(pairs, [2]string{name, formatValue(rec.Fields[name])})
	}
	fmt.Fprint(w, ui.KeyValue(pairs))
}

func printRecords(w io.Writer, recs []*schema.Record) {
	if len(recs) == 0 {
		fmt.Fprintln(w, ui.RenderMuted("No records"))
		return
	}
	// Columns are the union of business fields, capped to keep rows readable.
	seen := make(map[string]bool)
	var cols []string
	for _, r := range recs {
		for _, name := range r.FieldNames() {
			if !seen[name] {
				seen[name] = true
				cols = append(cols, name)
			}
		}
	}
	sort.Strings(cols)
	if len(cols) > 5 {
		cols = cols[:5]
	}

	header := append([]string{"ID", "SYNC"}, upper(cols)...)
	rows := make([][]string, 0, len(recs))
	for _, r := range recs {
		sync := ui.RenderPass("synced")
		if r.PendingSync {
			sync = ui.RenderWarn("pending")
		}
		row := []string{r.ID, sync}
		for _, c := range cols {
			row = append(row, formatValue(r.Fields[c]))
		}
		rows = append(rows, row)
	}
	fmt.Fprintln(w, ui.Table(header, rows))
	fmt.Fprintf(w, "%d records\n", len(recs))
}

func formatValue(v any) string {
	switch v := v.(type) {
	case nil:
		return ""
	case string:
		return v
	case map[string]any, []any:
		b, _ := json.Marshal(v)
		return string(b)
	default:
		return fmt.Sprint(v)
	}
}

func upper(ss []string) []string {
	out := make([]string, len(ss))
	for i, s := range ss {
		out[i] = strings.ToUpper(s)
	}
	return out
}

func init() {
	for _, c := range []*cobra.Command{recordCreateCmd, recordListCmd, recordGetCmd, recordUpdateCmd} {
		addOutputFlag(c)
	}
	recordCmd.AddCommand(recordCreateCmd, recordListCmd, recordGetCmd, recordUpdateCmd, recordDeleteCmd)
	rootCmd.AddCommand(recordCmd)
}
