package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	for _, key := range []string{"MUXD_LISTEN", "MUXD_TMUX_BIN", "MUXD_TMUX_SOCKET"} {
		t.Setenv(key, "")
	}
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "tmux", cfg.Tmux.Bin)
	assert.Equal(t, ModePipe, cfg.Tmux.Mode)
	assert.Equal(t, 5*time.Second, cfg.Monitor.CommandTimeout())
	assert.Equal(t, 256, cfg.Monitor.CommandQueueMax)
	assert.Equal(t, 5*time.Second, cfg.Monitor.ResyncInterval())
	assert.Equal(t, 3*time.Second, cfg.Monitor.ShutdownGrace())
	assert.Equal(t, 16*time.Millisecond, cfg.Monitor.PublishInterval())
	assert.Equal(t, 2000, cfg.Monitor.ScrollbackLines)
	assert.Equal(t, 80, cfg.Broker.DefaultCols)
	assert.Equal(t, 24, cfg.Broker.DefaultRows)
	assert.Equal(t, 4*time.Second, cfg.Broker.TeardownWait())
	assert.Equal(t, "127.0.0.1:7681", cfg.Server.Listen)
	assert.Equal(t, "/metrics", cfg.Server.MetricsPath)
	assert.Equal(t, 50.0, cfg.Server.CommandsPerSecond)
	assert.Equal(t, 100, cfg.Server.CommandBurst)
}

func TestLoadConfigFile(t *testing.T) {
	path := writeConfig(t, `
tmux:
  bin: /opt/tmux/bin/tmux
  socket: /tmp/muxd.sock
  mode: pty
  create_session: true
  version: "3.5a"
monitor:
  command_timeout_ms: 1500
  resync_interval_ms: -1
  workarounds_path: /etc/muxd/workarounds.yaml
broker:
  default_cols: 132
server:
  listen: 0.0.0.0:9000
  allowed_origins: ["https://console.example"]
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "/opt/tmux/bin/tmux", cfg.Tmux.Bin)
	assert.Equal(t, ModePTY, cfg.Tmux.Mode)
	assert.True(t, cfg.Tmux.CreateSession)
	assert.Equal(t, "3.5a", cfg.Tmux.Version)
	assert.Equal(t, 1500*time.Millisecond, cfg.Monitor.CommandTimeout())
	assert.Zero(t, cfg.Monitor.ResyncInterval())
	assert.Equal(t, "/etc/muxd/workarounds.yaml", cfg.Monitor.WorkaroundsPath)
	assert.Equal(t, 132, cfg.Broker.DefaultCols)
	assert.Equal(t, 24, cfg.Broker.DefaultRows)
	assert.Equal(t, "0.0.0.0:9000", cfg.Server.Listen)
	assert.Equal(t, []string{"https://console.example"}, cfg.Server.AllowedOrigins)
}

func TestLoadConfigResyncInterval(t *testing.T) {
	for _, tc := range []struct {
		doc  string
		want time.Duration
	}{
		{"monitor:\n  resync_interval_ms: 0\n", 0},
		{"monitor:\n  resync_interval_ms: -1\n", 0},
		{"monitor:\n  resync_interval_ms: 250\n", 250 * time.Millisecond},
		{"monitor:\n  command_queue_max: 16\n", 5 * time.Second},
	} {
		cfg, err := LoadConfig(writeConfig(t, tc.doc))
		require.NoError(t, err, tc.doc)
		assert.Equal(t, tc.want, cfg.Monitor.ResyncInterval(), tc.doc)
	}
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	t.Setenv("MUXD_LISTEN", "127.0.0.1:9999")
	t.Setenv("MUXD_TMUX_BIN", "/usr/local/bin/tmux")
	t.Setenv("MUXD_TMUX_SOCKET", "/run/tmux.sock")

	cfg, err := LoadConfig(writeConfig(t, "server:\n  listen: 127.0.0.1:1\n"))
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9999", cfg.Server.Listen)
	assert.Equal(t, "/usr/local/bin/tmux", cfg.Tmux.Bin)
	assert.Equal(t, "/run/tmux.sock", cfg.Tmux.Socket)
}

func TestLoadConfigErrors(t *testing.T) {
	_, err := LoadConfig(writeConfig(t, "tmux: [unclosed"))
	assert.Error(t, err)

	_, err = LoadConfig(writeConfig(t, "tmux:\n  mode: serial\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tmux.mode")

	_, err = LoadConfig(writeConfig(t, "monitor:\n  command_timeout_ms: -5\n"))
	assert.Error(t, err)
}
