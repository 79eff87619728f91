package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/TechnicallyBob202/FrameTagger/internal/catalog"
	"github.com/TechnicallyBob202/FrameTagger/internal/scanner"
)

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Rescan every registered folder once",
	Long: `Walk every library folder and add images the catalog does not know yet.
Existing rows are left alone. Run it while serve is stopped, or point it at
the same database and let SQLite serialize the writers.`,
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

		sc := scanner.New(store, scanner.Options{
			Checksums:   cfg.ScanChecksums,
			Concurrency: cfg.ScanConcurrency,
			Root:        cfg.BrowseRoot,
		}, log)
		res, err := sc.RescanAll(cmd.Context())
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(res)
		}
		fmt.Printf("added %d, skipped %d\n", res.Added, res.Skipped)
		return nil
	},
}
