package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/TechnicallyBob202/FrameTagger/internal/config"
	"github.com/TechnicallyBob202/FrameTagger/internal/logging"
)

var (
	// Global flags
	configPath string
	logLevel   string
	jsonOutput bool
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "frametagger",
	Short: "FrameTagger - image catalog and Frame TV upload service",
	Long: `FrameTagger catalogs local image folders, lets you tag and filter them,
and turns uploads into 3840x2160 images ready for a Samsung Frame TV.

Commands:
  serve    - Run the HTTP API and/or the upload worker
  migrate  - Apply catalog schema migrations
  scan     - Rescan every registered folder once
  upload   - Upload files to a running server
  prefs    - Show or change client preferences`,
	SilenceUsage: true,
}

// Execute runs the root command
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "YAML config file (environment variables override it)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug|info|warn|error (overrides LOG_LEVEL)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")

	rootCmd.AddCommand(serveCmd, migrateCmd, scanCmd, uploadCmd, prefsCmd)
}

func loadConfig() (config.Config, *slog.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return cfg, nil, err
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	return cfg, logging.New(cfg.LogLevel), nil
}
