package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BamaHodl/Fulcrum/config"
)

func TestDefaultConfig(t *testing.T) {
	assert := assert.New(t)

	cfg := config.DefaultConfig()
	assert.NotNil(cfg.Node)
	assert.NotNil(cfg.Sync)
	assert.NotNil(cfg.Server)
	assert.NotNil(cfg.Instrumentation)

	assert.Equal(5000*time.Millisecond, cfg.Sync.PollInterval)
	assert.Equal(4, cfg.Sync.Parallelism)

	// check the root dir stuff
	cfg.SetRoot("/foo")
	cfg.DBPath = "/opt/data"
	assert.Equal("/opt/data", cfg.DBDir())

	cfg.DBPath = "data"
	assert.Equal("/foo/data", cfg.DBDir())
}

func TestConfigValidateBasic(t *testing.T) {
	cfg := config.DefaultConfig()
	require.NoError(t, cfg.ValidateBasic())

	// tamper with poll-interval
	cfg.Sync.PollInterval = -10 * time.Second
	require.Error(t, cfg.ValidateBasic())
	cfg.Sync.PollInterval = time.Second

	// tamper with parallelism
	cfg.Sync.Parallelism = 0
	require.Error(t, cfg.ValidateBasic())
	cfg.Sync.Parallelism = 4

	// tamper with log format
	cfg.LogFormat = "xml"
	require.Error(t, cfg.ValidateBasic())
	cfg.LogFormat = config.LogFormatJSON

	// tamper with the node address
	cfg.Node.Remote = ""
	require.Error(t, cfg.ValidateBasic())
}

func TestEnsureRoot(t *testing.T) {
	require := require.New(t)

	tmpDir := t.TempDir()
	config.EnsureRoot(tmpDir)

	for _, dir := range []string{"config", "data"} {
		fi, err := os.Stat(filepath.Join(tmpDir, dir))
		require.NoError(err)
		require.True(fi.IsDir())
	}
}

func TestWriteConfigFile(t *testing.T) {
	require := require.New(t)

	tmpDir := t.TempDir()
	config.EnsureRoot(tmpDir)

	cfg := config.DefaultConfig()
	cfg.Node.Username = "rpcuser"
	require.NoError(config.WriteConfigFile(tmpDir, cfg))

	data, err := os.ReadFile(filepath.Join(tmpDir, "config", "config.toml"))
	require.NoError(err)
	require.Contains(string(data), `username = "rpcuser"`)
	require.Contains(string(data), `poll-interval = "5s"`)
}
