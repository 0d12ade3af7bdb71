package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "/run/wardend.socket", cfg.Daemon.SocketPath)
	assert.Equal(t, 3000, cfg.Container.MaxTotal)
}

func TestLoadMergesOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wardend.yaml")
	data := `
daemon:
  max_clients: 32
  freezer_wait_timeout: 2s
container:
  kill_timeout: 250ms
  max_log_size: 64M
volumes:
  enable_quota: false
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 32, cfg.Daemon.MaxClients)
	assert.Equal(t, 2*time.Second, cfg.Daemon.FreezerWaitTimeout)
	assert.Equal(t, 250*time.Millisecond, cfg.Container.KillTimeout)
	assert.Equal(t, int64(64*1024*1024), cfg.Container.MaxLogSize.Bytes())
	assert.False(t, cfg.Volumes.EnableQuota)
	// untouched sections keep defaults
	assert.Equal(t, "/place/warden_layers", cfg.Volumes.LayerDir)
}

func TestSizeAcceptsPlainNumbers(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wardend.yaml")
	require.NoError(t, os.WriteFile(path, []byte("keyval:\n  tmpfs_size: 1048576\n"), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, int64(1048576), cfg.Keyval.TmpfsSize.Bytes())
}

func TestLoadRejectsBadWorkerCounts(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wardend.yaml")
	require.NoError(t, os.WriteFile(path, []byte("daemon:\n  rpc_workers: 0\n"), 0644))

	_, err := Load(path)
	assert.Error(t, err)
}
