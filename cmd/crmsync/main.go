// Command crmsync manages the offline-first sync layer: the local record
// cache, the sync queue and the daemon that drains it.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/thisai/crmsync/internal/config"
)

var (
	cfgFile   string
	tenant    string
	dataDir   string
	forceOff  bool
	verbose   bool
	cfg       *config.Config
	buildInfo = "dev"
)

var rootCmd = &cobra.Command{
	Use:   "crmsync",
	Short: "Offline-first sync for billing and CRM records",
	Long: `crmsync keeps a local cache of business records (items, parties, invoices,
expenses, quotations, payments and delivery challans) usable while offline.

Writes made offline are queued and replayed against the remote document store
when connectivity returns. Locally minted IDs are remapped to the IDs the
remote store assigns.`,
	Version:       buildInfo,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		if tenant != "" {
			loaded.Tenant = tenant
		}
		if dataDir != "" {
			loaded.DataDir = dataDir
			loaded.Store.Path = ""
			loaded.Store.MirrorDir = ""
			loaded, err = reload(loaded)
			if err != nil {
				return err
			}
		}
		cfg = loaded
		return nil
	},
}

// reload re-resolves paths after a data dir override.
func reload(c *config.Config) (*config.Config, error) {
	c.ResolvePaths()
	return c, c.Validate()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Config file (default: ./crmsync.yaml or ~/.config/crmsync/crmsync.yaml)")
	rootCmd.PersistentFlags().StringVar(&tenant, "tenant", "", "Tenant ID (overrides config)")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "Data directory (overrides config)")
	rootCmd.PersistentFlags().BoolVar(&forceOff, "offline", false, "Work offline: never contact the remote store")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Also write logs to stderr when logging to a file")

	rootCmd.AddGroup(
		&cobra.Group{ID: "data", Title: "Working With Records:"},
		&cobra.Group{ID: "sync", Title: "Sync:"},
		&cobra.Group{ID: "advanced", Title: "Advanced:"},
		&cobra.Group{ID: "maint", Title: "Maintenance:"},
	)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
