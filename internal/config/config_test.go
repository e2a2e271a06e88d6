package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsWithoutFileOrEnv(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadMissingFileIsNotAnError(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadOverlaysFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hub.yaml")
	require.NoError(t, os.WriteFile(path, []byte("host: 127.0.0.1\nport: 9001\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", cfg.Host)
	assert.Equal(t, 9001, cfg.Port)
	// Untouched fields keep their defaults.
	assert.Equal(t, Default().WSPath, cfg.WSPath)
}

func TestEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hub.yaml")
	require.NoError(t, os.WriteFile(path, []byte("port: 9001\n"), 0o644))

	t.Setenv("HUB_PORT", "9500")
	t.Setenv("HUB_SAVE_INTERVAL", "1m")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9500, cfg.Port)
	assert.Equal(t, time.Minute, cfg.SaveInterval)
}

func TestAddressBuild(t *testing.T) {
	cfg := Default()
	cfg.Host = "example.test"
	cfg.Port = 443
	addr := cfg.Address()
	assert.Equal(t, "example.test:443", addr.String())
}
