package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, "./kelda-data", cfg.DataDir)
	require.Equal(t, "info", cfg.Logger.Level)
	require.NotZero(t, cfg.Engine.PageSize)
	require.NotZero(t, cfg.Engine.BufferPoolPages)
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kelda.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
data_dir: /var/lib/kelda
engine:
  buffer_pool_pages: 4096
  checkpoint_interval: 30s
logger:
  level: debug
  format: console
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "/var/lib/kelda", cfg.DataDir)
	require.Equal(t, 4096, cfg.Engine.BufferPoolPages)
	require.Equal(t, 30*time.Second, cfg.Engine.CheckpointInterval)
	require.Equal(t, "debug", cfg.Logger.Level)
	require.Equal(t, "console", cfg.Logger.Format)
	// Untouched fields keep their defaults.
	require.NotZero(t, cfg.Engine.PageSize)
	require.Equal(t, "keldadb", cfg.Telemetry.ServiceName)
}

func TestLoadRejectsBadValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kelda.yaml")
	require.NoError(t, os.WriteFile(path, []byte("data_dir: \"\"\n"), 0o644))
	_, err := Load(path)
	require.Error(t, err)

	require.NoError(t, os.WriteFile(path, []byte("engine:\n  page_size: 1000\n"), 0o644))
	_, err = Load(path)
	require.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}
