package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/chaz8081/simpleble/internal/ble"
	"github.com/chaz8081/simpleble/internal/platform"
)

// Config holds all application configuration.
type Config struct {
	BLE      BLEConfig `yaml:"ble"`
	LogLevel string    `yaml:"log_level"`
}

// BLEConfig holds BLE client settings.
type BLEConfig struct {
	Adapter             string        `yaml:"adapter"`           // HCI controller checked through BlueZ
	OperationTimeout    time.Duration `yaml:"operation_timeout"` // lock wait included
	ScanDuration        time.Duration `yaml:"scan_duration"`
	MessageBufferSize   int           `yaml:"message_buffer_size"`
	MessageBufferReplay int           `yaml:"message_buffer_replay"`
	DeviceCacheSize     int           `yaml:"device_cache_size"`
	FragmentedMessages  bool          `yaml:"fragmented_messages"`
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "simpleble")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Default returns a Config with sensible default values.
func Default() *Config {
	opts := ble.DefaultOptions()
	return &Config{
		BLE: BLEConfig{
			Adapter:             platform.DefaultAdapter,
			OperationTimeout:    opts.OperationTimeout,
			ScanDuration:        opts.ScanDuration,
			MessageBufferSize:   opts.MessageBufferSize,
			MessageBufferReplay: opts.MessageReplay,
			DeviceCacheSize:     opts.DeviceCacheSize,
			FragmentedMessages:  opts.FragmentedMessages,
		},
		LogLevel: "info",
	}
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(expandTilde(path))
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	return cfg, nil
}

// WriteDefault writes the default config to DefaultConfigPath. It returns
// the written path, or "" without touching anything if a config exists.
func WriteDefault() (string, error) {
	path := DefaultConfigPath()
	if _, err := os.Stat(path); err == nil {
		return "", nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("creating config dir: %w", err)
	}

	data, err := yaml.Marshal(Default())
	if err != nil {
		return "", fmt.Errorf("encoding default config: %w", err)
	}
	header := "# simpleble configuration\n# Durations use Go syntax (7s, 1m30s).\n\n"
	if err := os.WriteFile(path, append([]byte(header), data...), 0644); err != nil {
		return "", fmt.Errorf("writing config file: %w", err)
	}
	return path, nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	if c.BLE.Adapter == "" {
		return fmt.Errorf("ble.adapter must not be empty")
	}

	if c.BLE.OperationTimeout <= 0 {
		return fmt.Errorf("ble.operation_timeout must be > 0")
	}

	if c.BLE.ScanDuration <= 0 {
		return fmt.Errorf("ble.scan_duration must be > 0")
	}

	if c.BLE.MessageBufferSize < 1 {
		return fmt.Errorf("ble.message_buffer_size must be >= 1")
	}

	if c.BLE.MessageBufferReplay < 0 || c.BLE.MessageBufferReplay > c.BLE.MessageBufferSize {
		return fmt.Errorf("ble.message_buffer_replay must be between 0 and message_buffer_size, got %d", c.BLE.MessageBufferReplay)
	}

	if c.BLE.DeviceCacheSize < 1 {
		return fmt.Errorf("ble.device_cache_size must be >= 1")
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	return nil
}

// Options converts the BLE section to client options.
func (c *Config) Options() ble.Options {
	return ble.Options{
		OperationTimeout:   c.BLE.OperationTimeout,
		ScanDuration:       c.BLE.ScanDuration,
		MessageBufferSize:  c.BLE.MessageBufferSize,
		MessageReplay:      c.BLE.MessageBufferReplay,
		DeviceCacheSize:    c.BLE.DeviceCacheSize,
		FragmentedMessages: c.BLE.FragmentedMessages,
	}
}

// SlogLevel returns the configured log level.
func (c *Config) SlogLevel() slog.Level {
	return ParseLogLevel(c.LogLevel)
}

// ParseLogLevel maps a level name to a slog.Level, defaulting to info.
func ParseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// expandTilde replaces a leading ~ with the user's home directory.
func expandTilde(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
