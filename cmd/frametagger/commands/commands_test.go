package commands

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TechnicallyBob202/FrameTagger/internal/client"
	"github.com/TechnicallyBob202/FrameTagger/internal/config"
)

func TestRootHasSubcommands(t *testing.T) {
	names := map[string]bool{}
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"serve", "migrate", "scan", "upload", "prefs"} {
		assert.True(t, names[want], want)
	}
}

func TestCleanupInterval(t *testing.T) {
	a := assert.New(t)
	st := &appState{cfg: config.Config{CleanupSchedule: "@every 15m"}}
	a.Equal(15*time.Minute, st.cleanupInterval())

	st.cfg.CleanupSchedule = "0 * * * *"
	a.Equal(time.Hour, st.cleanupInterval())

	st.cfg.CleanupSchedule = "@every nonsense"
	a.Equal(time.Hour, st.cleanupInterval())
}

func TestPrefsSetTheme(t *testing.T) {
	statePath = filepath.Join(t.TempDir(), "state.yaml")
	t.Cleanup(func() { statePath = "" })

	rootCmd.SetArgs([]string{"prefs", "set-theme", "dark"})
	require.NoError(t, rootCmd.Execute())

	st, err := client.LoadState(statePath)
	require.NoError(t, err)
	assert.Equal(t, client.ThemeDark, st.Prefs.Theme)

	rootCmd.SetArgs([]string{"prefs", "set-theme", "purple"})
	assert.Error(t, rootCmd.Execute())
}

func TestMigrateCreatesDatabase(t *testing.T) {
	db := filepath.Join(t.TempDir(), "catalog.db")
	t.Setenv("DB_PATH", db)

	rootCmd.SetArgs([]string{"migrate"})
	require.NoError(t, rootCmd.Execute())

	_, err := os.Stat(db)
	assert.NoError(t, err)
}
