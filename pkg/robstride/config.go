package robstride

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
)

const DefaultConfigFile = "robstride.json"

// MotorConfig describes one motor in the config file.
type MotorConfig struct {
	Type string `json:"type"` // two-digit model suffix, e.g. "01"
	Name string `json:"name,omitempty"`
}

// Config holds the bus and motor configuration loaded from robstride.json.
type Config struct {
	// Endpoint is the serial port path or "can:IFACE".
	Endpoint string `json:"endpoint"`
	// Motors maps decimal bus ids to motor definitions.
	Motors map[string]MotorConfig `json:"motors"`
	// UpdateRate is the control loop frequency in Hz.
	UpdateRate float64 `json:"update_rate,omitempty"`
	// CANTimeoutMs is the firmware CAN watchdog, in milliseconds.
	CANTimeoutMs float64 `json:"can_timeout_ms,omitempty"`
}

// LoadConfig loads configuration from the default config file.
func LoadConfig() (*Config, error) {
	return LoadConfigFrom(DefaultConfigFile)
}

// LoadConfigFrom loads configuration from a specific file.
func LoadConfigFrom(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &cfg, nil
}

// Save saves configuration to the default config file.
func (c *Config) Save() error {
	return c.SaveTo(DefaultConfigFile)
}

// SaveTo saves configuration to a specific file.
func (c *Config) SaveTo(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// ConfigExists returns true if the default config file exists.
func ConfigExists() bool {
	_, err := os.Stat(DefaultConfigFile)
	return err == nil
}

// MotorDefs converts the file representation into the supervisor's motor
// map, rejecting bad ids and unknown motor types.
func (c *Config) MotorDefs() (map[uint8]MotorDef, error) {
	defs := make(map[uint8]MotorDef, len(c.Motors))
	for key, mc := range c.Motors {
		id, err := strconv.ParseUint(key, 10, 8)
		if err != nil {
			return nil, &ConfigError{Reason: fmt.Sprintf("bad motor id %q", key), Err: err}
		}
		typ, err := MotorTypeFromString(mc.Type)
		if err != nil {
			return nil, &ConfigError{Reason: fmt.Sprintf("motor %s", key), Err: err}
		}
		defs[uint8(id)] = MotorDef{Type: typ, Name: mc.Name}
	}
	return defs, nil
}

// SupervisorConfig expands the file into a ready-to-use supervisor
// configuration.
func (c *Config) SupervisorConfig() (SupervisorConfig, error) {
	defs, err := c.MotorDefs()
	if err != nil {
		return SupervisorConfig{}, err
	}
	return SupervisorConfig{
		Endpoint:     c.Endpoint,
		Motors:       defs,
		UpdateRate:   c.UpdateRate,
		CANTimeoutMs: c.CANTimeoutMs,
	}, nil
}
