package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"scanserver/internal/devices"
)

// Config holds runtime parameters for the service.
// Zero values mean "unspecified" and will be replaced by defaults in main.
type Config struct {
	Addr  string `json:"addr" yaml:"addr" toml:"addr"`
	Queue string `json:"queue" yaml:"queue" toml:"queue"`

	PollIntervalMS     int `json:"poll_interval_ms" yaml:"poll_interval_ms" toml:"poll_interval_ms"`
	PauseIntervalMS    int `json:"pause_interval_ms" yaml:"pause_interval_ms" toml:"pause_interval_ms"`
	GateIntervalMS     int `json:"gate_interval_ms" yaml:"gate_interval_ms" toml:"gate_interval_ms"`
	WaitTimeoutMS      int `json:"wait_timeout_ms" yaml:"wait_timeout_ms" toml:"wait_timeout_ms"`
	StageTimeoutMS     int `json:"stage_timeout_ms" yaml:"stage_timeout_ms" toml:"stage_timeout_ms"`
	StatusRetentionMin int `json:"status_retention_min" yaml:"status_retention_min" toml:"status_retention_min"`
	HistorySize        int `json:"history_size" yaml:"history_size" toml:"history_size"`

	LogLevel  string `json:"log_level" yaml:"log_level" toml:"log_level"`
	LogFormat string `json:"log_format" yaml:"log_format" toml:"log_format"`

	// Simulate runs the in-process device simulator.
	Simulate       bool               `json:"simulate" yaml:"simulate" toml:"simulate"`
	FailDevices    []string           `json:"fail_devices" yaml:"fail_devices" toml:"fail_devices"`
	StartPositions map[string]float64 `json:"start_positions" yaml:"start_positions" toml:"start_positions"`

	CORSOrigins []string `json:"cors_origins" yaml:"cors_origins" toml:"cors_origins"`

	// DevicesFile is a YAML device list; Devices are appended after it.
	DevicesFile string         `json:"devices_file" yaml:"devices_file" toml:"devices_file"`
	Devices     []devices.Spec `json:"devices" yaml:"devices" toml:"devices"`
}

// Load reads a configuration file based on its extension.
// Supports: .yaml/.yml, .json, .toml
func Load(path string) (Config, error) {
	var cfg Config
	if path == "" {
		return cfg, fmt.Errorf("empty config path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	case ".json":
		if err := json.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	case ".toml":
		if err := toml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	default:
		return cfg, fmt.Errorf("unsupported config extension: %s", ext)
	}
	return cfg, nil
}

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }

func (c Config) PollInterval() time.Duration  { return ms(c.PollIntervalMS) }
func (c Config) PauseInterval() time.Duration { return ms(c.PauseIntervalMS) }
func (c Config) GateInterval() time.Duration  { return ms(c.GateIntervalMS) }
func (c Config) WaitTimeout() time.Duration   { return ms(c.WaitTimeoutMS) }
func (c Config) StageTimeout() time.Duration  { return ms(c.StageTimeoutMS) }

func (c Config) StatusRetention() time.Duration {
	return time.Duration(c.StatusRetentionMin) * time.Minute
}

// DeviceSpecs returns the device list from DevicesFile followed by Devices.
// A relative DevicesFile is resolved against base.
func (c Config) DeviceSpecs(base string) ([]devices.Spec, error) {
	var specs []devices.Spec
	if c.DevicesFile != "" {
		p := c.DevicesFile
		if !filepath.IsAbs(p) && base != "" {
			p = filepath.Join(base, p)
		}
		fromFile, err := devices.ReadSpecs(p)
		if err != nil {
			return nil, err
		}
		specs = fromFile
	}
	return append(specs, c.Devices...), nil
}
