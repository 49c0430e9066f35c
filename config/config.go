/*
Package config loads the service configuration.

PURPOSE:
  YAML file plus defaults. The CLI layers flag overrides on top of the
  loaded value; nothing here reads flags itself.

EXAMPLE (config.yaml):
  listen_addr: ":5002"
  db_path: "./data/tecnotouch.db"
  log_level: "info"
  machine:
    ip: "192.168.1.61"
    password: "22062"
    timeout_seconds: 30
  fetch:
    hard_timeout_seconds: 120
    auto_interval_minutes: 60
    window_days: 7
*/
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Machine describes the vending machine's embedded admin panel.
type Machine struct {
	IP             string `yaml:"ip"`
	Password       string `yaml:"password"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// Timeout is the per-request HTTP timeout toward the machine.
func (m Machine) Timeout() time.Duration {
	return time.Duration(m.TimeoutSeconds) * time.Second
}

// Fetch bounds the end-to-end download runs.
type Fetch struct {
	HardTimeoutSeconds  int `yaml:"hard_timeout_seconds"`
	AutoIntervalMinutes int `yaml:"auto_interval_minutes"` // 0 disables scheduled fetches
	WindowDays          int `yaml:"window_days"`
}

// HardTimeout is the ceiling on one full download-and-import run.
func (f Fetch) HardTimeout() time.Duration {
	return time.Duration(f.HardTimeoutSeconds) * time.Second
}

// AutoInterval is the cadence of scheduled fetches; zero disables them.
func (f Fetch) AutoInterval() time.Duration {
	return time.Duration(f.AutoIntervalMinutes) * time.Minute
}

// Config is the full service configuration.
type Config struct {
	ListenAddr string  `yaml:"listen_addr"`
	DBPath     string  `yaml:"db_path"`
	LogLevel   string  `yaml:"log_level"`
	LogPretty  bool    `yaml:"log_pretty"`
	Machine    Machine `yaml:"machine"`
	Fetch      Fetch   `yaml:"fetch"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		ListenAddr: ":5002",
		DBPath:     "./data/tecnotouch.db",
		LogLevel:   "info",
		Machine: Machine{
			IP:             "192.168.1.61",
			Password:       "22062",
			TimeoutSeconds: 30,
		},
		Fetch: Fetch{
			HardTimeoutSeconds: 120,
			WindowDays:         7,
		},
	}
}

// Load reads path and merges it over Default. An empty path returns the
// defaults unchanged.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	if cfg.Machine.TimeoutSeconds <= 0 {
		cfg.Machine.TimeoutSeconds = 30
	}
	if cfg.Fetch.HardTimeoutSeconds <= 0 {
		cfg.Fetch.HardTimeoutSeconds = 120
	}
	if cfg.Fetch.WindowDays <= 0 {
		cfg.Fetch.WindowDays = 7
	}
	return cfg, nil
}
