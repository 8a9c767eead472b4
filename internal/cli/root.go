// Package cli wires the chanisolator command tree: the long-lived
// interceptor service (`run`) and the management commands that edit and
// report on the shared store directly. Management commands never talk to the
// running service; the store's change marker carries their edits to it.
package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/ppiankov/chanisolator/internal/config"
	"github.com/ppiankov/chanisolator/internal/store"
)

var (
	cfgPath string
	dbPath  string

	cfg *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "chanisolator",
	Short: "HTLC allow-list enforcement for LND channels",
	Long: "Intercepts every HTLC forwarded toward an isolated channel and fails it\n" +
		"unless the source channel is on the operator's exception list.",
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(cfgPath)
		if err != nil {
			return err
		}
		if dbPath != "" {
			cfg.DBPath = dbPath
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "Path to config YAML")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "Path to the isolation database (overrides config)")
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// openStore opens the shared database, creating its directory on first use.
func openStore() (*store.Store, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0700); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}
	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", cfg.DBPath, err)
	}
	return st, nil
}
