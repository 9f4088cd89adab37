// Package config loads the recorder's tunables from YAML.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Buffer strategies.
const (
	BufferSHM    = "shm"
	BufferDMABuf = "dmabuf"
)

// Config represents the recorder configuration
type Config struct {
	MaxConsecutiveErrors int           `yaml:"max_consecutive_errors"` // capture/push failures before aborting (default: 10)
	NegotiateTimeout     time.Duration `yaml:"negotiate_timeout"`      // bound on buffer format negotiation (default: 5s)
	CaptureTimeout       time.Duration `yaml:"capture_timeout"`        // bound on a single frame copy (default: 2s)
	DrainTimeout         time.Duration `yaml:"drain_timeout"`          // bound on pipeline EOS drain (default: 5s)
	StopGrace            time.Duration `yaml:"stop_grace"`             // SIGTERM → SIGKILL escalation delay (default: 5s)
	StopPoll             time.Duration `yaml:"stop_poll"`              // liveness poll interval while stopping (default: 100ms)
	ThroughputEvery      int           `yaml:"throughput_every"`       // log throughput every N frames (default: 60)

	BufferStrategy string `yaml:"buffer_strategy"` // shm, dmabuf
	RenderNode     string `yaml:"render_node"`     // DRM render node for dmabuf (default: /dev/dri/renderD128)
	OverlayCursor  bool   `yaml:"overlay_cursor"`  // draw the cursor into recordings

	LogLevel        string `yaml:"log_level"`        // debug, info, warn, error
	LogFile         string `yaml:"log_file"`         // optional path; stderr when empty
	MetricsTextfile string `yaml:"metrics_textfile"` // optional prometheus textfile written on exit
}

// Default returns the configuration used when no file exists.
func Default() Config {
	cfg := Config{}
	applyDefaults(&cfg)
	return cfg
}

// DefaultPath is $XDG_CONFIG_HOME/snappea/recorder.yaml, falling back to
// ~/.config.
func DefaultPath() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "snappea", "recorder.yaml")
}

// Load reads and parses a YAML configuration file. An empty path loads
// DefaultPath; a missing default file yields the defaults, while a missing
// explicit file is an error.
func Load(path string) (*Config, error) {
	explicit := path != ""
	if !explicit {
		path = DefaultPath()
	}

	cfg := Config{}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist) && !explicit:
	default:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}
