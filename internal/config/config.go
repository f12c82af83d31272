package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Emulator EmulatorConfig `yaml:"emulator"`
	Stream   StreamConfig   `yaml:"stream"`
	Registry RegistryConfig `yaml:"registry"`
	LogLevel string         `yaml:"log_level"`
}

type ServerConfig struct {
	Port           int      `yaml:"port"`
	Host           string   `yaml:"host"`
	AuthToken      string   `yaml:"auth_token"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type EmulatorConfig struct {
	ADBPath            string        `yaml:"adb_path"`
	EmulatorPath       string        `yaml:"emulator_path"`
	BootTimeout        time.Duration `yaml:"boot_timeout"`
	VideoTimeout       time.Duration `yaml:"video_timeout"`
	ProbeInterval      time.Duration `yaml:"probe_interval"`
	KillGrace          time.Duration `yaml:"kill_grace"`
	StartupCrashWindow time.Duration `yaml:"startup_crash_window"`
}

type StreamConfig struct {
	FPS               int           `yaml:"fps"`
	SubscriberBuffer  int           `yaml:"subscriber_buffer"`
	CaptureTimeout    time.Duration `yaml:"capture_timeout"`
	MaxCaptureRetries int           `yaml:"max_capture_retries"`
}

type RegistryConfig struct {
	IdleTimeout   time.Duration `yaml:"idle_timeout"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	MaxSessions   int           `yaml:"max_sessions"`
	PortMin       int           `yaml:"port_min"`
	PortMax       int           `yaml:"port_max"`
}

// Default returns the built-in configuration. Load starts from this and
// overlays whatever the yaml file provides.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:           8000,
			Host:           "0.0.0.0",
			AllowedOrigins: []string{"http://localhost:3000"},
		},
		Emulator: EmulatorConfig{
			BootTimeout:        60 * time.Second,
			VideoTimeout:       30 * time.Second,
			ProbeInterval:      500 * time.Millisecond,
			KillGrace:          5 * time.Second,
			StartupCrashWindow: 3 * time.Second,
		},
		Stream: StreamConfig{
			FPS:               10,
			SubscriberBuffer:  8,
			CaptureTimeout:    5 * time.Second,
			MaxCaptureRetries: 5,
		},
		Registry: RegistryConfig{
			IdleTimeout:   5 * time.Minute,
			SweepInterval: 30 * time.Second,
			MaxSessions:   0, // unlimited
			PortMin:       5554,
			PortMax:       5584,
		},
		LogLevel: "info",
	}
}

// Load reads the yaml config at path, overlaying it onto the defaults.
// A missing file is an error; an empty file yields the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects values the rest of the system cannot work with.
func (c *Config) Validate() error {
	if c.Stream.FPS < 1 || c.Stream.FPS > 30 {
		return fmt.Errorf("stream.fps must be within 1..30, got %d", c.Stream.FPS)
	}
	if c.Stream.SubscriberBuffer < 1 {
		return fmt.Errorf("stream.subscriber_buffer must be positive, got %d", c.Stream.SubscriberBuffer)
	}
	if c.Registry.PortMin > c.Registry.PortMax {
		return fmt.Errorf("registry.port_min %d exceeds port_max %d", c.Registry.PortMin, c.Registry.PortMax)
	}
	if c.Registry.MaxSessions < 0 {
		return fmt.Errorf("registry.max_sessions must not be negative, got %d", c.Registry.MaxSessions)
	}
	if c.Emulator.ProbeInterval <= 0 {
		return fmt.Errorf("emulator.probe_interval must be positive, got %s", c.Emulator.ProbeInterval)
	}
	return nil
}

// FrameInterval converts the configured fps into the capture tick period.
func (c *Config) FrameInterval() time.Duration {
	return time.Second / time.Duration(c.Stream.FPS)
}
