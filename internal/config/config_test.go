package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_FileThenEnv(t *testing.T) {
	a := assert.New(t)

	path := filepath.Join(t.TempDir(), "frametagger.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
api_addr: ":9000"
db_path: /srv/ft/catalog.db
browse_root: /photos
job_ttl: 2h
watch_folders: true
`), 0o644))

	t.Setenv("API_ADDR", ":9100")
	t.Setenv("SCAN_CHECKSUMS", "false")

	cfg, err := Load(path)
	require.NoError(t, err)

	a.Equal(":9100", cfg.APIAddr)
	a.Equal("/srv/ft/catalog.db", cfg.DBPath)
	a.Equal("/photos", cfg.BrowseRoot)
	a.Equal(2*time.Hour, cfg.JobTTL)
	a.True(cfg.WatchFolders)
	a.False(cfg.ScanChecksums)
	a.Equal("FrameReady", cfg.FrameReadyDir)
	a.False(cfg.UseRedis())
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Defaults().DBPath, cfg.DBPath)
	assert.Equal(t, int64(512<<20), cfg.MaxUploadBytes())
}

func TestValidate(t *testing.T) {
	cfg := Defaults()
	cfg.FrameReadyDir = "a/b"
	assert.Error(t, cfg.Validate())

	cfg = Defaults()
	cfg.Concurrency = 0
	assert.Error(t, cfg.Validate())
}

func TestEnvHelpersFallBackOnGarbage(t *testing.T) {
	t.Setenv("FT_TEST_INT", "abc")
	t.Setenv("FT_TEST_DURATION", "-5s")
	t.Setenv("FT_TEST_BOOL", "maybe")

	assert.Equal(t, 7, envInt("FT_TEST_INT", 7))
	assert.Equal(t, time.Minute, envDuration("FT_TEST_DURATION", time.Minute))
	assert.True(t, envBool("FT_TEST_BOOL", true))
}
