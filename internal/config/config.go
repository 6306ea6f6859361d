package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Tmux    TmuxConfig    `yaml:"tmux"`
	Monitor MonitorConfig `yaml:"monitor"`
	Broker  BrokerConfig  `yaml:"broker"`
	Server  ServerConfig  `yaml:"server"`
}

type TmuxConfig struct {
	Bin    string `yaml:"bin"`
	Socket string `yaml:"socket"`
	// Mode is "pipe" (tmux -C) or "pty" (tmux -CC under a pseudo-terminal).
	Mode          string `yaml:"mode"`
	CreateSession bool   `yaml:"create_session"`
	// Version overrides the detected server version for workaround matching.
	Version string `yaml:"version"`
}

type MonitorConfig struct {
	CommandTimeoutMs int `yaml:"command_timeout_ms"`
	CommandQueueMax  int `yaml:"command_queue_max"`
	// ResyncIntervalMs is nil when unset so that an explicit 0 can
	// disable periodic resync.
	ResyncIntervalMs  *int   `yaml:"resync_interval_ms"`
	ShutdownGraceMs   int    `yaml:"shutdown_grace_ms"`
	PublishIntervalMs int    `yaml:"publish_interval_ms"`
	ScrollbackLines   int    `yaml:"scrollback_lines"`
	SnapshotBuffer    int    `yaml:"snapshot_buffer"`
	WorkaroundsPath   string `yaml:"workarounds_path"`
}

type BrokerConfig struct {
	DefaultCols    int `yaml:"default_cols"`
	DefaultRows    int `yaml:"default_rows"`
	TeardownWaitMs int `yaml:"teardown_wait_ms"`
	ViewerBuffer   int `yaml:"viewer_buffer"`
}

type ServerConfig struct {
	Listen            string   `yaml:"listen"`
	MetricsPath       string   `yaml:"metrics_path"`
	AllowedOrigins    []string `yaml:"allowed_origins"`
	CommandsPerSecond float64  `yaml:"commands_per_second"`
	CommandBurst      int      `yaml:"command_burst"`
}

const (
	ModePipe = "pipe"
	ModePTY  = "pty"
)

// LoadConfig reads the YAML file at path and fills in defaults. A missing
// file is not an error; defaults and environment overrides still apply.
func LoadConfig(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, err
		}
		if err == nil {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("parse %s: %w", path, err)
			}
		}
	}

	cfg.ApplyDefaults()

	// Environment overrides
	if v := os.Getenv("MUXD_LISTEN"); v != "" {
		cfg.Server.Listen = v
	}
	if v := os.Getenv("MUXD_TMUX_BIN"); v != "" {
		cfg.Tmux.Bin = v
	}
	if v := os.Getenv("MUXD_TMUX_SOCKET"); v != "" {
		cfg.Tmux.Socket = v
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ApplyDefaults sets every zero field to its default.
func (cfg *Config) ApplyDefaults() {
	if cfg.Tmux.Bin == "" {
		cfg.Tmux.Bin = "tmux"
	}
	if cfg.Tmux.Mode == "" {
		cfg.Tmux.Mode = ModePipe
	}
	if cfg.Monitor.CommandTimeoutMs == 0 {
		cfg.Monitor.CommandTimeoutMs = 5000
	}
	if cfg.Monitor.CommandQueueMax == 0 {
		cfg.Monitor.CommandQueueMax = 256
	}
	if cfg.Monitor.ResyncIntervalMs == nil {
		interval := 5000
		cfg.Monitor.ResyncIntervalMs = &interval
	}
	if cfg.Monitor.ShutdownGraceMs == 0 {
		cfg.Monitor.ShutdownGraceMs = 3000
	}
	if cfg.Monitor.PublishIntervalMs == 0 {
		cfg.Monitor.PublishIntervalMs = 16
	}
	if cfg.Monitor.ScrollbackLines == 0 {
		cfg.Monitor.ScrollbackLines = 2000
	}
	if cfg.Monitor.SnapshotBuffer == 0 {
		cfg.Monitor.SnapshotBuffer = 8
	}
	if cfg.Broker.DefaultCols == 0 {
		cfg.Broker.DefaultCols = 80
	}
	if cfg.Broker.DefaultRows == 0 {
		cfg.Broker.DefaultRows = 24
	}
	if cfg.Broker.TeardownWaitMs == 0 {
		cfg.Broker.TeardownWaitMs = 4000
	}
	if cfg.Broker.ViewerBuffer == 0 {
		cfg.Broker.ViewerBuffer = 4
	}
	if cfg.Server.Listen == "" {
		cfg.Server.Listen = "127.0.0.1:7681"
	}
	if cfg.Server.MetricsPath == "" {
		cfg.Server.MetricsPath = "/metrics"
	}
	if cfg.Server.CommandsPerSecond == 0 {
		cfg.Server.CommandsPerSecond = 50
	}
	if cfg.Server.CommandBurst == 0 {
		cfg.Server.CommandBurst = 100
	}
}

func (cfg *Config) Validate() error {
	switch cfg.Tmux.Mode {
	case ModePipe, ModePTY:
	default:
		return fmt.Errorf("tmux.mode must be %q or %q, got %q", ModePipe, ModePTY, cfg.Tmux.Mode)
	}
	if cfg.Monitor.CommandTimeoutMs < 0 || cfg.Monitor.ShutdownGraceMs < 0 {
		return fmt.Errorf("monitor timeouts must not be negative")
	}
	if cfg.Monitor.CommandQueueMax < 1 || cfg.Monitor.ScrollbackLines < 1 {
		return fmt.Errorf("monitor queue and scrollback sizes must be positive")
	}
	return nil
}

func (m MonitorConfig) CommandTimeout() time.Duration {
	return time.Duration(m.CommandTimeoutMs) * time.Millisecond
}

func (m MonitorConfig) ShutdownGrace() time.Duration {
	return time.Duration(m.ShutdownGraceMs) * time.Millisecond
}

// ResyncInterval returns zero when periodic resync is disabled, which a
// zero or negative resync_interval_ms asks for.
func (m MonitorConfig) ResyncInterval() time.Duration {
	if m.ResyncIntervalMs == nil || *m.ResyncIntervalMs <= 0 {
		return 0
	}
	return time.Duration(*m.ResyncIntervalMs) * time.Millisecond
}

func (m MonitorConfig) PublishInterval() time.Duration {
	if m.PublishIntervalMs <= 0 {
		return 0
	}
	return time.Duration(m.PublishIntervalMs) * time.Millisecond
}

func (b BrokerConfig) TeardownWait() time.Duration {
	return time.Duration(b.TeardownWaitMs) * time.Millisecond
}
