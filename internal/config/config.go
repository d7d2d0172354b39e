// Package config describes everything a demo/CLI entrypoint needs to run
// the engine against either a real port or the simulator.
package config

import (
	"log"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config is the top-level YAML-tagged configuration.
type Config struct {
	Serial   SerialConfig   `yaml:"serial"`
	Sensor   SensorDefaults `yaml:"sensor"`
	Recorder RecorderConfig `yaml:"recorder"`
	Logging  LoggingConfig  `yaml:"logging"`

	path string
}

// SerialConfig describes the transport the controller should open.
type SerialConfig struct {
	Port string `yaml:"port"`
	Baud int    `yaml:"baud"`
}

// SensorDefaults are the values the demo entrypoint applies right after
// connect, before starting acquisition.
type SensorDefaults struct {
	Averaging      int    `yaml:"averaging"`
	AdcRateHz      int    `yaml:"adc_rate_hz"`
	Mode           string `yaml:"mode"`
	Tag            string `yaml:"tag"`
	BufferCapacity int    `yaml:"buffer_capacity"`
}

// RecorderConfig describes the chunked recorder's session parameters.
type RecorderConfig struct {
	ChunkDir      string  `yaml:"chunk_dir"`
	RollIntervalS float64 `yaml:"roll_interval_s"`
	PollIntervalS float64 `yaml:"poll_interval_s"`
	SchemaVersion string  `yaml:"schema_version"`
	Mission       string  `yaml:"mission"`
	RateHz        float64 `yaml:"rate_hz"`
}

// LoggingConfig controls the default logger's verbosity.
type LoggingConfig struct {
	Debug bool `yaml:"debug"`
}

// DefaultConfig returns sane defaults for running the demo entrypoint
// against the bundled simulator.
func DefaultConfig() *Config {
	return &Config{
		Serial: SerialConfig{
			Port: "/dev/ttyUSB0",
			Baud: 9600,
		},
		Sensor: SensorDefaults{
			Averaging:      125,
			AdcRateHz:      125,
			Mode:           "freerun",
			Tag:            "",
			BufferCapacity: 10000,
		},
		Recorder: RecorderConfig{
			ChunkDir:      "./sessions",
			RollIntervalS: 60,
			PollIntervalS: 0.2,
			SchemaVersion: "1",
			Mission:       "",
			RateHz:        1.0,
		},
		Logging: LoggingConfig{Debug: false},
	}
}

// LoadConfig reads cfg from a YAML file, unmarshalling over the defaults so
// an incomplete file never zeroes out unset fields, then applies
// environment-variable overrides. Falls back to defaults if the file is
// missing or unparseable.
func LoadConfig(path string) *Config {
	cfg := DefaultConfig()
	cfg.path = path

	data, err := os.ReadFile(path)
	if err != nil {
		log.Printf("[config] no config at %s, using defaults", path)
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		log.Printf("[config] error parsing %s: %v, using defaults", path, err)
		cfg = DefaultConfig()
		cfg.path = path
	} else {
		log.Printf("[config] loaded from %s", path)
	}

	cfg.applyEnvOverrides()
	return cfg
}

// applyEnvOverrides reads Q_SENSOR_* environment variables and overrides
// the corresponding config value.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("Q_SENSOR_PORT"); v != "" {
		c.Serial.Port = v
	}
	if v := os.Getenv("Q_SENSOR_BAUD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Serial.Baud = n
		}
	}
	if v := os.Getenv("Q_SENSOR_CHUNK_DIR"); v != "" {
		c.Recorder.ChunkDir = v
	}
	if v := os.Getenv("Q_SENSOR_MISSION"); v != "" {
		c.Recorder.Mission = v
	}
	if v := os.Getenv("Q_SENSOR_ROLL_INTERVAL_S"); v != "" {
		if n, err := strconv.ParseFloat(v, 64); err == nil {
			c.Recorder.RollIntervalS = n
		}
	}
	if v := os.Getenv("Q_SENSOR_DEBUG"); v != "" {
		c.Logging.Debug = v == "1" || v == "true" || v == "yes"
	}
}

// Save writes the config back out to its YAML file, for round-tripping a
// generated default config.
func (c *Config) Save(path string) error {
	if path == "" {
		path = c.path
	}
	if path == "" {
		path = "./q-sensor.yaml"
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
