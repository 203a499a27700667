// Package config loads the daemon configuration from a TOML file.
// A missing file yields defaults; a present file is validated on load.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config holds every tunable the daemon accepts.
type Config struct {
	ListenAddress  string   `toml:"ListenAddress"`
	Bootstrap      []string `toml:"Bootstrap"`
	Nickname       string   `toml:"Nickname"`
	DataDir        string   `toml:"DataDir"`
	SendRateMillis int      `toml:"SendRateMillis"` // send pump interval

	MetricsAddress string `toml:"MetricsAddress"` // empty disables the metrics listener

	LogLevel      string `toml:"LogLevel"`
	LogFile       string `toml:"LogFile"` // empty logs to stderr
	LogMaxSizeMB  int    `toml:"LogMaxSizeMB"`
	LogMaxBackups int    `toml:"LogMaxBackups"`
	LogMaxAgeDays int    `toml:"LogMaxAgeDays"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		ListenAddress:  "0.0.0.0:4242",
		Bootstrap:      []string{},
		DataDir:        filepath.Join(home, ".bitchat"),
		SendRateMillis: 50,
		LogLevel:       "info",
		LogMaxSizeMB:   100,
		LogMaxBackups:  5,
		LogMaxAgeDays:  30,
	}
}

// Load reads the configuration at path, filling unset fields with defaults.
// A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects values the daemon cannot run with.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.ListenAddress) == "" {
		return fmt.Errorf("config: ListenAddress must not be empty")
	}
	if c.SendRateMillis <= 0 {
		return fmt.Errorf("config: SendRateMillis must be positive, got %d", c.SendRateMillis)
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: unknown LogLevel %q", c.LogLevel)
	}
	if c.LogMaxSizeMB < 0 || c.LogMaxBackups < 0 || c.LogMaxAgeDays < 0 {
		return fmt.Errorf("config: log rotation settings must not be negative")
	}
	return nil
}

// SendRate returns the send pump interval as a duration.
func (c *Config) SendRate() time.Duration {
	return time.Duration(c.SendRateMillis) * time.Millisecond
}
