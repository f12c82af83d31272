package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, yaml string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9090
  host: "127.0.0.1"
  auth_token: "secret"
  allowed_origins:
    - "http://localhost:3000"
    - "https://ops.example.com"
stream:
  fps: 15
registry:
  max_sessions: 4
log_level: debug
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Errorf("Server.Port = %d, want 9090", cfg.Server.Port)
	}
	if cfg.Server.Host != "127.0.0.1" {
		t.Errorf("Server.Host = %q, want 127.0.0.1", cfg.Server.Host)
	}
	if cfg.Server.AuthToken != "secret" {
		t.Errorf("Server.AuthToken = %q, want secret", cfg.Server.AuthToken)
	}
	if len(cfg.Server.AllowedOrigins) != 2 {
		t.Errorf("AllowedOrigins = %v, want 2 entries", cfg.Server.AllowedOrigins)
	}
	if cfg.Stream.FPS != 15 {
		t.Errorf("Stream.FPS = %d, want 15", cfg.Stream.FPS)
	}
	if cfg.Registry.MaxSessions != 4 {
		t.Errorf("Registry.MaxSessions = %d, want 4", cfg.Registry.MaxSessions)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want debug", cfg.LogLevel)
	}
}

func TestLoadDefaults(t *testing.T) {
	// Unspecified sections keep their defaults.
	cfg, err := Load(writeConfig(t, `server: {port: 9000}`))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Emulator.BootTimeout != 60*time.Second {
		t.Errorf("BootTimeout = %s, want 60s", cfg.Emulator.BootTimeout)
	}
	if cfg.Emulator.ProbeInterval != 500*time.Millisecond {
		t.Errorf("ProbeInterval = %s, want 500ms", cfg.Emulator.ProbeInterval)
	}
	if cfg.Stream.FPS != 10 {
		t.Errorf("Stream.FPS = %d, want 10", cfg.Stream.FPS)
	}
	if cfg.Registry.PortMin != 5554 || cfg.Registry.PortMax != 5584 {
		t.Errorf("port range = %d..%d, want 5554..5584", cfg.Registry.PortMin, cfg.Registry.PortMax)
	}
	if cfg.Registry.MaxSessions != 0 {
		t.Errorf("MaxSessions = %d, want 0 (unlimited)", cfg.Registry.MaxSessions)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		wantOK bool
	}{
		{"Defaults", func(c *Config) {}, true},
		{"FPSZero", func(c *Config) { c.Stream.FPS = 0 }, false},
		{"FPSTooHigh", func(c *Config) { c.Stream.FPS = 60 }, false},
		{"BufferZero", func(c *Config) { c.Stream.SubscriberBuffer = 0 }, false},
		{"InvertedPortRange", func(c *Config) { c.Registry.PortMin = 5584; c.Registry.PortMax = 5554 }, false},
		{"NegativeMaxSessions", func(c *Config) { c.Registry.MaxSessions = -1 }, false},
		{"ZeroProbeInterval", func(c *Config) { c.Emulator.ProbeInterval = 0 }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantOK && err != nil {
				t.Errorf("Validate: unexpected error: %v", err)
			}
			if !tt.wantOK && err == nil {
				t.Error("Validate: expected error, got nil")
			}
		})
	}
}

func TestFrameInterval(t *testing.T) {
	cfg := Default()
	cfg.Stream.FPS = 20
	if got := cfg.FrameInterval(); got != 50*time.Millisecond {
		t.Errorf("FrameInterval = %s, want 50ms", got)
	}
}
