package config

import (
	"fmt"
	"strings"
	"time"
)

func applyDefaults(cfg *Config) {
	if cfg.MaxConsecutiveErrors == 0 {
		cfg.MaxConsecutiveErrors = 10
	}
	if cfg.NegotiateTimeout == 0 {
		cfg.NegotiateTimeout = 5 * time.Second
	}
	if cfg.CaptureTimeout == 0 {
		cfg.CaptureTimeout = 2 * time.Second
	}
	if cfg.DrainTimeout == 0 {
		cfg.DrainTimeout = 5 * time.Second
	}
	if cfg.StopGrace == 0 {
		cfg.StopGrace = 5 * time.Second
	}
	if cfg.StopPoll == 0 {
		cfg.StopPoll = 100 * time.Millisecond
	}
	if cfg.ThroughputEvery == 0 {
		cfg.ThroughputEvery = 60
	}
	if cfg.BufferStrategy == "" {
		cfg.BufferStrategy = BufferSHM
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
}

// Validate fills defaults and checks the configuration is usable.
func Validate(cfg *Config) error {
	applyDefaults(cfg)

	if cfg.MaxConsecutiveErrors < 1 {
		return fmt.Errorf("max_consecutive_errors must be >= 1, got %d", cfg.MaxConsecutiveErrors)
	}
	if cfg.ThroughputEvery < 1 {
		return fmt.Errorf("throughput_every must be >= 1, got %d", cfg.ThroughputEvery)
	}

	durations := []struct {
		name  string
		value time.Duration
	}{
		{"negotiate_timeout", cfg.NegotiateTimeout},
		{"capture_timeout", cfg.CaptureTimeout},
		{"drain_timeout", cfg.DrainTimeout},
		{"stop_grace", cfg.StopGrace},
		{"stop_poll", cfg.StopPoll},
	}
	for _, d := range durations {
		if d.value < 0 {
			return fmt.Errorf("%s must be positive, got %s", d.name, d.value)
		}
	}
	if cfg.StopPoll > cfg.StopGrace {
		return fmt.Errorf("stop_poll (%s) must not exceed stop_grace (%s)", cfg.StopPoll, cfg.StopGrace)
	}

	cfg.BufferStrategy = strings.ToLower(cfg.BufferStrategy)
	switch cfg.BufferStrategy {
	case BufferSHM, BufferDMABuf:
	default:
		return fmt.Errorf("buffer_strategy must be %q or %q, got %q", BufferSHM, BufferDMABuf, cfg.BufferStrategy)
	}

	switch strings.ToLower(cfg.LogLevel) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn or error, got %q", cfg.LogLevel)
	}

	return nil
}
