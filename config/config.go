package config

import (
	"fmt"
	"os"
	"runtime"

	"gopkg.in/yaml.v3"

	"tooltalk-server/driver"
)

const (
	DefaultControllerPort  = driver.DefaultTCPPort
	DefaultListen          = ":8989"
	DefaultResultsDir      = "results"
	DefaultScanIntervalSec = 20
)

// Config holds the server settings. Transport selection lives here: a
// controller IP selects the TCP transport, otherwise the serial port is
// used.
type Config struct {
	SerialPort      string `yaml:"serial_port"`
	ControllerIP    string `yaml:"controller_ip"`
	ControllerPort  int    `yaml:"controller_port"`
	Simulation      bool   `yaml:"simulation"`
	ResultsDir      string `yaml:"results_dir"`
	Listen          string `yaml:"listen"`
	LogLevel        string `yaml:"log_level"`
	Scan            bool   `yaml:"scan"`
	ScanIntervalSec int    `yaml:"scan_interval_sec"`
}

// Load reads a YAML config file. A missing file yields the defaults so the
// server runs without any configuration at all. Environment variables
// TOOLTALK_SERIAL_PORT and TOOLTALK_CONTROLLER_IP override the file.
func Load(path string) (Config, error) {
	var cfg Config

	data, err := os.ReadFile(path)
	if err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return Config{}, err
	}

	if env := os.Getenv("TOOLTALK_SERIAL_PORT"); env != "" {
		cfg.SerialPort = env
	}
	if env := os.Getenv("TOOLTALK_CONTROLLER_IP"); env != "" {
		cfg.ControllerIP = env
	}

	ApplyDefaults(&cfg)
	return cfg, nil
}

// ApplyDefaults fills unset fields.
func ApplyDefaults(cfg *Config) {
	if cfg.SerialPort == "" {
		cfg.SerialPort = "/dev/ttyUSB0"
		if runtime.GOOS == "windows" {
			cfg.SerialPort = "COM3"
		}
	}
	if cfg.ControllerPort == 0 {
		cfg.ControllerPort = DefaultControllerPort
	}
	if cfg.ResultsDir == "" {
		cfg.ResultsDir = DefaultResultsDir
	}
	if cfg.Listen == "" {
		cfg.Listen = DefaultListen
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.ScanIntervalSec == 0 {
		cfg.ScanIntervalSec = DefaultScanIntervalSec
	}
}

// Validate rejects configurations the server cannot act on.
func Validate(cfg Config) error {
	if cfg.ControllerPort < 1 || cfg.ControllerPort > 65535 {
		return fmt.Errorf("controller_port %d out of range", cfg.ControllerPort)
	}
	if !cfg.Simulation && cfg.SerialPort == "" && cfg.ControllerIP == "" {
		return fmt.Errorf("either serial_port or controller_ip is required")
	}
	return nil
}

// Endpoint returns the link endpoint this configuration selects.
func (c Config) Endpoint() string {
	if c.ControllerIP != "" {
		return driver.NetworkEndpoint(c.ControllerIP, c.ControllerPort)
	}
	return c.SerialPort
}
