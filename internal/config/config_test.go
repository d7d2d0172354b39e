package config

import (
	"os"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Serial.Baud != 9600 {
		t.Errorf("Serial.Baud = %d, want 9600", cfg.Serial.Baud)
	}
	if cfg.Sensor.BufferCapacity != 10000 {
		t.Errorf("Sensor.BufferCapacity = %d, want 10000", cfg.Sensor.BufferCapacity)
	}
}

func TestLoadConfigMissingFileFallsBackToDefaults(t *testing.T) {
	cfg := LoadConfig("/nonexistent/path/q-sensor.yaml")
	if cfg.Serial.Port != DefaultConfig().Serial.Port {
		t.Errorf("Serial.Port = %q, want default", cfg.Serial.Port)
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	os.Setenv("Q_SENSOR_PORT", "/dev/ttyACM9")
	os.Setenv("Q_SENSOR_BAUD", "115200")
	defer os.Unsetenv("Q_SENSOR_PORT")
	defer os.Unsetenv("Q_SENSOR_BAUD")

	cfg := LoadConfig("/nonexistent/path/q-sensor.yaml")
	if cfg.Serial.Port != "/dev/ttyACM9" {
		t.Errorf("Serial.Port = %q, want override", cfg.Serial.Port)
	}
	if cfg.Serial.Baud != 115200 {
		t.Errorf("Serial.Baud = %d, want 115200", cfg.Serial.Baud)
	}
}

func TestSaveRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/q-sensor.yaml"

	cfg := DefaultConfig()
	cfg.Sensor.Averaging = 250
	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded := LoadConfig(path)
	if loaded.Sensor.Averaging != 250 {
		t.Errorf("Sensor.Averaging = %d, want 250", loaded.Sensor.Averaging)
	}
}
