package robstride

import (
	"errors"
	"path/filepath"
	"testing"
)

func TestConfigSaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "robstride.json")

	cfg := &Config{
		Endpoint: "/dev/ttyUSB0",
		Motors: map[string]MotorConfig{
			"1": {Type: "01", Name: "hip"},
			"2": {Type: "04"},
		},
		UpdateRate:   100,
		CANTimeoutMs: 250,
	}
	if err := cfg.SaveTo(path); err != nil {
		t.Fatalf("SaveTo: %v", err)
	}

	loaded, err := LoadConfigFrom(path)
	if err != nil {
		t.Fatalf("LoadConfigFrom: %v", err)
	}
	if loaded.Endpoint != cfg.Endpoint || loaded.UpdateRate != 100 || loaded.CANTimeoutMs != 250 {
		t.Errorf("loaded = %+v", loaded)
	}
	if len(loaded.Motors) != 2 || loaded.Motors["1"].Name != "hip" {
		t.Errorf("motors = %+v", loaded.Motors)
	}
}

func TestConfigMotorDefs(t *testing.T) {
	cfg := &Config{
		Motors: map[string]MotorConfig{
			"1": {Type: "01", Name: "hip"},
			"2": {Type: "04"},
		},
	}
	defs, err := cfg.MotorDefs()
	if err != nil {
		t.Fatalf("MotorDefs: %v", err)
	}
	if defs[1].Type != TypeRS01 || defs[1].Name != "hip" {
		t.Errorf("motor 1 = %+v", defs[1])
	}
	if defs[2].Type != TypeRS04 {
		t.Errorf("motor 2 = %+v", defs[2])
	}
}

func TestConfigMotorDefsErrors(t *testing.T) {
	tests := []struct {
		name   string
		motors map[string]MotorConfig
	}{
		{"non-numeric id", map[string]MotorConfig{"left": {Type: "01"}}},
		{"id out of range", map[string]MotorConfig{"300": {Type: "01"}}},
		{"unknown type", map[string]MotorConfig{"1": {Type: "99"}}},
	}

	for _, tt := range tests {
		cfg := &Config{Motors: tt.motors}
		_, err := cfg.MotorDefs()
		var cfgErr *ConfigError
		if !errors.As(err, &cfgErr) {
			t.Errorf("%s: err = %v, want ConfigError", tt.name, err)
		}
	}
}

func TestLoadConfigFromMissingFile(t *testing.T) {
	if _, err := LoadConfigFrom(filepath.Join(t.TempDir(), "nope.json")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestConfigSupervisorConfig(t *testing.T) {
	cfg := &Config{
		Endpoint:   "can:can0",
		Motors:     map[string]MotorConfig{"3": {Type: "02", Name: "wrist"}},
		UpdateRate: 200,
	}
	sc, err := cfg.SupervisorConfig()
	if err != nil {
		t.Fatalf("SupervisorConfig: %v", err)
	}
	if sc.Endpoint != "can:can0" || sc.UpdateRate != 200 {
		t.Errorf("got %+v", sc)
	}
	if sc.Motors[3] != (MotorDef{Type: TypeRS02, Name: "wrist"}) {
		t.Errorf("motors = %+v", sc.Motors)
	}
}
