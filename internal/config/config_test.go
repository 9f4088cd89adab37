package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "recorder.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if *cfg != Default() {
		t.Errorf("missing default file should yield defaults, got %+v", cfg)
	}
	if cfg.MaxConsecutiveErrors != 10 || cfg.NegotiateTimeout != 5*time.Second ||
		cfg.StopGrace != 5*time.Second || cfg.StopPoll != 100*time.Millisecond ||
		cfg.ThroughputEvery != 60 || cfg.BufferStrategy != BufferSHM {
		t.Errorf("unexpected defaults: %+v", cfg)
	}
}

func TestLoad_File(t *testing.T) {
	path := writeConfig(t, `
max_consecutive_errors: 3
negotiate_timeout: 750ms
stop_grace: 2s
buffer_strategy: DMABUF
render_node: /dev/dri/renderD129
overlay_cursor: true
log_level: debug
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.MaxConsecutiveErrors != 3 {
		t.Errorf("max_consecutive_errors = %d", cfg.MaxConsecutiveErrors)
	}
	if cfg.NegotiateTimeout != 750*time.Millisecond {
		t.Errorf("negotiate_timeout = %s", cfg.NegotiateTimeout)
	}
	if cfg.BufferStrategy != BufferDMABuf {
		t.Errorf("buffer_strategy = %q", cfg.BufferStrategy)
	}
	if !cfg.OverlayCursor || cfg.RenderNode != "/dev/dri/renderD129" {
		t.Errorf("cfg = %+v", cfg)
	}
	// Unset fields still get defaults.
	if cfg.CaptureTimeout != 2*time.Second {
		t.Errorf("capture_timeout = %s", cfg.CaptureTimeout)
	}
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{"bad yaml", "max_consecutive_errors: [", "parse"},
		{"bad strategy", "buffer_strategy: vulkan", "buffer_strategy"},
		{"bad level", "log_level: loud", "log_level"},
		{"negative errors", "max_consecutive_errors: -1", "max_consecutive_errors"},
		{"poll exceeds grace", "stop_grace: 100ms\nstop_poll: 1s", "stop_poll"},
		{"negative duration", "capture_timeout: -1s", "capture_timeout"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("an explicit missing file must be an error")
	}
}
