// Package collabconfig loads server configuration with a priority
// cascade: defaults < global config file < env vars < flags.
package collabconfig

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config holds all resolved configuration values for the gateway.
type Config struct {
	ListenAddr     string        `json:"listen_addr"`
	ConnectTimeout time.Duration `json:"connect_timeout"`
	SendBufferSize int           `json:"send_buffer_size"`
	CookieName     string        `json:"cookie_name"`
	MetricsAddr    string        `json:"metrics_addr"`
}

// FlagOverrides holds values explicitly set via command-line flags.
// A nil pointer means the flag was not set, so lower-priority values
// are kept.
type FlagOverrides struct {
	ListenAddr     *string
	ConnectTimeout *time.Duration
	SendBufferSize *int
	CookieName     *string
	MetricsAddr    *string
}

// Defaults returns the base configuration with sensible defaults.
func Defaults() Config {
	return Config{
		ListenAddr:     ":3000",
		ConnectTimeout: 10 * time.Second,
		SendBufferSize: 256,
		CookieName:     "HEDGEDOC_SESSION",
		MetricsAddr:    ":9090",
	}
}

// Load builds the final configuration by applying the priority cascade:
// defaults < global config file < env vars < flags.
func Load(configPath string, flags *FlagOverrides) (Config, error) {
	cfg := Defaults()

	if configPath != "" {
		if err := loadJSONFile(&cfg, configPath); err != nil {
			return cfg, fmt.Errorf("config file: %w", err)
		}
	}

	loadEnvVars(&cfg)

	if flags != nil {
		applyFlags(&cfg, flags)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// fileConfig uses pointers to distinguish "not set" from zero values.
type fileConfig struct {
	ListenAddr     *string `json:"listen_addr"`
	ConnectTimeout *int    `json:"connect_timeout_ms"`
	SendBufferSize *int    `json:"send_buffer_size"`
	CookieName     *string `json:"cookie_name"`
	MetricsAddr    *string `json:"metrics_addr"`
}

func loadJSONFile(cfg *Config, path string) error {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		if os.IsNotExist(err) {
			return nil // missing config file is fine
		}
		return err
	}

	var fc fileConfig
	if err := json.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	if fc.ListenAddr != nil {
		cfg.ListenAddr = *fc.ListenAddr
	}
	if fc.ConnectTimeout != nil {
		cfg.ConnectTimeout = time.Duration(*fc.ConnectTimeout) * time.Millisecond
	}
	if fc.SendBufferSize != nil {
		cfg.SendBufferSize = *fc.SendBufferSize
	}
	if fc.CookieName != nil {
		cfg.CookieName = *fc.CookieName
	}
	if fc.MetricsAddr != nil {
		cfg.MetricsAddr = *fc.MetricsAddr
	}
	return nil
}

func loadEnvVars(cfg *Config) {
	if v := os.Getenv("COLLAB_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("COLLAB_CONNECT_TIMEOUT_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			cfg.ConnectTimeout = time.Duration(ms) * time.Millisecond
		}
	}
	if v := os.Getenv("COLLAB_SEND_BUFFER_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.SendBufferSize = n
		}
	}
	if v := os.Getenv("COLLAB_COOKIE_NAME"); v != "" {
		cfg.CookieName = v
	}
	if v := os.Getenv("COLLAB_METRICS_ADDR"); v != "" {
		cfg.MetricsAddr = v
	}
}

func applyFlags(cfg *Config, flags *FlagOverrides) {
	if flags.ListenAddr != nil {
		cfg.ListenAddr = *flags.ListenAddr
	}
	if flags.ConnectTimeout != nil {
		cfg.ConnectTimeout = *flags.ConnectTimeout
	}
	if flags.SendBufferSize != nil {
		cfg.SendBufferSize = *flags.SendBufferSize
	}
	if flags.CookieName != nil {
		cfg.CookieName = *flags.CookieName
	}
	if flags.MetricsAddr != nil {
		cfg.MetricsAddr = *flags.MetricsAddr
	}
}

// Validate checks that configuration values are within acceptable ranges.
func (c Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen_addr must not be empty")
	}
	if c.ConnectTimeout <= 0 {
		return fmt.Errorf("connect_timeout must be positive, got %s", c.ConnectTimeout)
	}
	if c.SendBufferSize <= 0 {
		return fmt.Errorf("send_buffer_size must be positive, got %d", c.SendBufferSize)
	}
	if c.CookieName == "" {
		return fmt.Errorf("cookie_name must not be empty")
	}
	return nil
}
