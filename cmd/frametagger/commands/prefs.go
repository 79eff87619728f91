package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/TechnicallyBob202/FrameTagger/internal/client"
)

var statePath string

var prefsCmd = &cobra.Command{
	Use:   "prefs",
	Short: "Show or change client preferences",
	Long: `Manage the client state file (theme and the dismissed info banner).

Subcommands:
  show            - Print the current preferences
  set-theme THEME - Set the theme to light, dark or auto
  dismiss-banner  - Hide the info banner for good`,
}

var prefsShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the current preferences",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := loadPrefs()
		if err != nil {
			return err
		}
		return printPrefs(st)
	},
}

var prefsThemeCmd = &cobra.Command{
	Use:   "set-theme THEME",
	Short: "Set the theme to light, dark or auto",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := loadPrefs()
		if err != nil {
			return err
		}
		if err := st.SetTheme(args[0]); err != nil {
			return err
		}
		return printPrefs(st)
	},
}

var prefsBannerCmd = &cobra.Command{
	Use:   "dismiss-banner",
	Short: "Hide the info banner",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := loadPrefs()
		if err != nil {
			return err
		}
		if err := st.DismissInfoBanner(); err != nil {
			return err
		}
		return printPrefs(st)
	},
}

func init() {
	prefsCmd.PersistentFlags().StringVar(&statePath, "state", "", "State file path (default: user config dir)")
	prefsCmd.AddCommand(prefsShowCmd, prefsThemeCmd, prefsBannerCmd)
}

func loadPrefs() (*client.AppState, error) {
	path := statePath
	if path == "" {
		p, err := client.DefaultStatePath()
		if err != nil {
			return nil, err
		}
		path = p
	}
	return client.LoadState(path)
}

func printPrefs(st *client.AppState) error {
	if jsonOutput {
		return printJSON(st.Prefs)
	}
	fmt.Printf("state file:       %s\n", st.Path())
	fmt.Printf("theme:            %s\n", st.Prefs.Theme)
	fmt.Printf("banner dismissed: %t\n", st.Prefs.InfoBannerDismissed)
	return nil
}
