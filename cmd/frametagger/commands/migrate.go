package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/TechnicallyBob202/FrameTagger/internal/catalog"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply catalog schema migrations",
	Long: `Open the catalog database, apply any pending migrations and print the
resulting schema version. serve does the same on startup; this is for
upgrading a database ahead of a deploy.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := loadConfig()
		if err != nil {
			return err
		}
		store, err := catalog.Open(cfg.DBPath, log)
		if err != nil {
			return err
		}
		defer store.Close()

		version, err := store.SchemaVersion()
		if err != nil {
			return fmt.Errorf("read schema version: %w", err)
		}
		if jsonOutput {
			return printJSON(map[string]any{"db_path": cfg.DBPath, "version": version})
		}
		fmt.Printf("%s: schema version %d\n", cfg.DBPath, version)
		return nil
	},
}
