package main

import (
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/spf13/cobra"

	"github.com/thisai/crmsync/internal/offline/migrate"
	"github.com/thisai/crmsync/internal/ui"
)

var migrateCmd = &cobra.Command{
	Use:     "migrate",
	GroupID: "maint",
	Short:   "Data migrations",
}

var migrateLegacyCmd = &cobra.Command{
	Use:   "legacy",
	Short: "Import records saved by the old flat-file cache",
	Long: `Upload rows from the legacy flat-list files (thisai_crm_<collection>.json)
that the remote store does not have yet.

The import runs at most once per tenant: a completion flag is stored only
when every row made it. Re-running after a partial failure creates only the
rows still missing, so nothing is duplicated. The daemon runs the same
import on its first reconnect.`,
	Run: func(cmd *cobra.Command, args []string) {
		format := formatFlag(cmd)
		dryRun, _ := cmd.Flags().GetBool("dry-run")
		backup, _ := cmd.Flags().GetBool("backup")
		backupDir, _ := cmd.Flags().GetString("backup-dir")
		collections, _ := cmd.Flags().GetStringSlice("collections")
		ctx := cmd.Context()

		a, err := openApp(ctx)
		if err != nil {
			exitf("%v", err)
		}
		defer a.Close()

		if err := a.requireOnline(ctx); err != nil {
			exitf("%v", err)
		}

		res, err := migrate.Migrate(ctx, a.migrationOptions(migrate.Options{
			Collections: collections,
			DryRun:      dryRun,
			Backup:      backup,
			BackupDir:   backupDir,
		}))
		if err != nil {
			exitf("migration failed: %v", err)
		}
		if err := render(os.Stdout, format, res, func(w io.Writer) { printMigration(w, res) }); err != nil {
			exitf("%v", err)
		}
		if len(res.Errors) > 0 {
			os.Exit(2)
		}
	},
}

// migrationOptions fills the collaborators of a migration run from the app.
func (a *app) migrationOptions(opts migrate.Options) migrate.Options {
	opts.Tenant = cfg.Tenant
	opts.Source = a.mirror
	opts.Flags = a.store
	opts.Remote = a.remote
	opts.Logger = a.logs.Logger("migrate")
	if opts.Backup && opts.BackupDir == "" {
		opts.BackupDir = cfg.DataDir
	}
	return opts
}

func printMigration(w io.Writer, res *migrate.Result) {
	switch {
	case res.AlreadyComplete:
		fmt.Fprintf(w, "%s Legacy data already migrated for tenant %s\n", ui.RenderPass("✓"), cfg.Tenant)
		return
	case res.DryRun:
		fmt.Fprintf(w, "%s Dry run: nothing was written\n", ui.RenderAccent("ℹ"))
	case res.Completed:
		fmt.Fprintf(w, "%s Legacy migration complete\n", ui.RenderPass("✓"))
	default:
		fmt.Fprintf(w, "%s Legacy migration incomplete; it will be retried\n", ui.RenderWarn("⚠"))
	}

	names := make([]string, 0, len(res.Collections))
	for name := range res.Collections {
		names = append(names, name)
	}
	sort.Strings(names)
	rows := make([][]string, 0, len(names))
	for _, name := range names {
		c := res.Collections[name]
		rows = append(rows, []string{name, fmt.Sprint(c.Found), fmt.Sprint(c.Migrated), fmt.Sprint(c.Skipped), fmt.Sprint(c.Failed)})
	}
	if len(rows) > 0 {
		fmt.Fprintln(w, ui.Table([]string{"COLLECTION", "FOUND", "MIGRATED", "SKIPPED", "FAILED"}, rows))
	}
	for _, path := range res.BackupCreated {
		fmt.Fprintf(w, "   Backup: %s\n", path)
	}
	for _, e := range res.Errors {
		fmt.Fprintf(w, "   %s %s\n", ui.RenderFail("✗"), e)
	}
}

func init() {
	migrateLegacyCmd.Flags().Bool("dry-run", false, "Report what would be migrated without writing")
	migrateLegacyCmd.Flags().Bool("backup", false, "Copy each legacy file before migrating")
	migrateLegacyCmd.Flags().String("backup-dir", "", "Directory for backups (default: data dir)")
	migrateLegacyCmd.Flags().StringSlice("collections", nil, "Collections to import (default: all legacy collections)")
	addOutputFlag(migrateLegacyCmd)
	migrateCmd.AddCommand(migrateLegacyCmd)
	rootCmd.AddCommand(migrateCmd)
}
