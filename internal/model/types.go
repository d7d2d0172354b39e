// Package model holds the data types shared by the wire codec, the transport,
// the ring buffer, the controller, and the recorder.
package model

import "time"

// Mode is an acquisition mode the instrument can be placed into.
type Mode string

const (
	ModeFreerun Mode = "freerun"
	ModePolled  Mode = "polled"
)

// Reading is one measurement pulled off the wire. Immutable once constructed.
type Reading struct {
	Timestamp time.Time
	SensorID  string
	Mode      Mode
	Value     float64
	TempC     *float64
	Vin       *float64
}

// SensorConfig is the instrument's observed configuration snapshot. Mutated
// only by the controller, only while in CONFIG_MENU, and only as the result
// of a completed menu exchange.
type SensorConfig struct {
	Averaging       int
	AdcRateHz       int
	Mode            Mode
	Tag             byte // 0 if not polled
	IncludeTemp     bool
	IncludeVin      bool
	SensorID        string
	FirmwareVersion string
	Preamble        string
	CalFactor       float64
}

// SamplePeriodS is averaging/adc_rate_hz, the device's internal averaging window.
func (c SensorConfig) SamplePeriodS() float64 {
	if c.AdcRateHz == 0 {
		return 0
	}
	return float64(c.Averaging) / float64(c.AdcRateHz)
}

// ValidAdcRates is the fixed set of ADC sample rates the device accepts.
var ValidAdcRates = []int{4, 8, 16, 33, 62, 125, 250, 500}

// IsValidAdcRate reports whether hz is one of ValidAdcRates.
func IsValidAdcRate(hz int) bool {
	for _, v := range ValidAdcRates {
		if v == hz {
			return true
		}
	}
	return false
}

// IsValidAveraging reports whether n is in the legal averaging range.
func IsValidAveraging(n int) bool {
	return n >= 1 && n <= 65535
}

// IsValidTag reports whether b is an uppercase ASCII letter.
func IsValidTag(b byte) bool {
	return b >= 'A' && b <= 'Z'
}

// ControllerState is the instrument controller's state-machine tag.
type ControllerState int

const (
	Disconnected ControllerState = iota
	ConfigMenu
	AcqFreerun
	AcqPolled
	Paused
	ErrorState
)

func (s ControllerState) String() string {
	switch s {
	case Disconnected:
		return "DISCONNECTED"
	case ConfigMenu:
		return "CONFIG_MENU"
	case AcqFreerun:
		return "ACQ_FREERUN"
	case AcqPolled:
		return "ACQ_POLLED"
	case Paused:
		return "PAUSED"
	case ErrorState:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ChunkRecord describes one finalized recorder chunk file. Immutable once finalized.
type ChunkRecord struct {
	Index       int       `json:"index"`
	Name        string    `json:"name"`
	ByteSize    int64     `json:"byte_size"`
	RowCount    int       `json:"row_count"`
	SHA256Hex   string    `json:"sha256_hex"`
	StartTS     time.Time `json:"start_ts"`
	EndTS       time.Time `json:"end_ts"`
	FinalizedAt time.Time `json:"finalized_at"`
}

// SessionDescriptor is the manifest's in-memory shape, returned by recorder verbs.
type SessionDescriptor struct {
	SessionID     string        `json:"session_id"`
	Mission       string        `json:"mission"`
	SchemaVersion string        `json:"schema_version"`
	RateHz        float64       `json:"rate_hz"`
	StartedAt     time.Time     `json:"started_at"`
	StoppedAt     *time.Time    `json:"stopped_at,omitempty"`
	RollIntervalS float64       `json:"roll_interval_s"`
	Chunks        []ChunkRecord `json:"chunks"`
}

// RecorderStatus is the snapshot returned by the recorder's status() verb.
type RecorderStatus struct {
	Running            bool
	Rows               int
	Bytes              int64
	Chunks             int
	CurrentChunkAgeS   float64
}
