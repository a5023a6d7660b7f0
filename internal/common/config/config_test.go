package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := LoadWithPath(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.Equal(t, 8170, cfg.Server.Port)
	assert.Equal(t, "opencode", cfg.Serve.Binary)
	assert.Equal(t, 14097, cfg.Serve.PortMin)
	assert.Equal(t, 14200, cfg.Serve.PortMax)
	assert.Equal(t, 30*time.Second, cfg.Serve.ReadyTimeoutDuration())
	assert.False(t, cfg.Gateway.Enabled)
	assert.False(t, cfg.Worktree.Enabled)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	yaml := `
server:
  port: 9001
serve:
  binary: oc-dev
  portMin: 15000
  portMax: 15010
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	cfg, err := LoadWithPath(dir)
	require.NoError(t, err)
	assert.Equal(t, 9001, cfg.Server.Port)
	assert.Equal(t, "oc-dev", cfg.Serve.Binary)
	assert.Equal(t, 15000, cfg.Serve.PortMin)
	assert.Equal(t, 15010, cfg.Serve.PortMax)
}

func TestValidateGatewayEnabled(t *testing.T) {
	dir := t.TempDir()
	yaml := `
gateway:
  enabled: true
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	_, err := LoadWithPath(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "gateway.url is required")
	assert.Contains(t, err.Error(), "gateway.token is required")
}

func TestValidatePortRange(t *testing.T) {
	dir := t.TempDir()
	yaml := `
serve:
  portMin: 15000
  portMax: 14000
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	_, err := LoadWithPath(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "serve.portMax")
}

func TestExpandedPath(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	s := StoreConfig{Path: "~/.ocproxy/ocproxy.db"}
	got, err := s.ExpandedPath()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, ".ocproxy", "ocproxy.db"), got)

	s = StoreConfig{Path: "/var/lib/ocproxy.db"}
	got, err = s.ExpandedPath()
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/ocproxy.db", got)
}
