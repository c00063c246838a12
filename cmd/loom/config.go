package main

import (
	"os"
	"path/filepath"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"
)

// Config represents the loom configuration file (~/.config/loom/config.yaml).
// Fields are pointers so "not set" is distinguishable from zero values.
type Config struct {
	DeviceID       *int64 `yaml:"device_id"`
	Dispatchers    *int64 `yaml:"dispatchers"`
	Parallelism    *int64 `yaml:"parallelism"`
	ArenaMB        *int64 `yaml:"arena_mb"`
	WatchdogCycles *int64 `yaml:"watchdog_cycles"`

	ControlBinary string `yaml:"control_binary"`
	VectorBinary  string `yaml:"vector_binary"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	ServerAddress string `yaml:"server_address"`
}

func configPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "loom", "config.yaml")
}

// applyLaunchConfig applies config file defaults to the shared launch flags
// when the corresponding CLI flag was not explicitly set.
func applyLaunchConfig(c *cli.Command, cfg Config) {
	if cfg.DeviceID != nil && !c.IsSet("device") {
		deviceID = *cfg.DeviceID
	}
	if cfg.Dispatchers != nil && !c.IsSet("dispatchers") {
		dispatchers = *cfg.Dispatchers
	}
	if cfg.Parallelism != nil && !c.IsSet("parallelism") {
		parallelism = *cfg.Parallelism
	}
	if cfg.ArenaMB != nil && !c.IsSet("arena-mb") {
		arenaMB = *cfg.ArenaMB
	}
	if cfg.WatchdogCycles != nil && !c.IsSet("watchdog-cycles") {
		watchdogCycles = *cfg.WatchdogCycles
	}
	if cfg.ControlBinary != "" && !c.IsSet("control-binary") {
		controlBinary = cfg.ControlBinary
	}
	if cfg.VectorBinary != "" && !c.IsSet("vector-binary") {
		vectorBinary = cfg.VectorBinary
	}
	if cfg.LogLevel != "" && !c.IsSet("log-level") {
		logLevel = cfg.LogLevel
	}
	if cfg.LogFormat != "" && !c.IsSet("log-format") {
		logFormat = cfg.LogFormat
	}
}

// LoadConfig reads the config file. Returns a zero Config if the file doesn't exist.
func LoadConfig() Config {
	path := configPath()
	if path == "" {
		return Config{}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}
	}
	return cfg
}
