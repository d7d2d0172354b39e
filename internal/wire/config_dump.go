package wire

import (
	"strconv"
	"strings"

	"github.com/Matthue7/q-sensor-engine/internal/model"
)

// configDumpMinFields is the minimum comma-separated field count of a "^"
// config dump line, used by Classify as a cheap pre-filter before the
// positional parse.
const configDumpMinFields = 11

// configDump positional layout, in the order the device emits them on "^".
// adc_rate_hz is deliberately absent: the device's config dump never
// includes it, a known gap in the protocol — callers must preserve whatever
// adc_rate_hz they already know (or query it separately) rather than expect
// ParseConfigDump to supply one. The device emits two literal tokens ("G"
// then "H") before the serial number, not one.
const (
	fieldAveraging = iota
	fieldBaudRate
	fieldCalFactor
	fieldDescription
	fieldELiteral
	fieldVersion
	fieldGLiteral
	fieldHLiteral
	fieldSerial
	fieldImmersion
	fieldDarkValue
	fieldSupplyVoltage
	fieldOperatingMode
	fieldTag
	fieldCount
)

func looksLikeConfigDump(line string) bool {
	fields := strings.Split(line, ",")
	if len(fields) < configDumpMinFields {
		return false
	}
	// The averaging field must parse as an integer; this is the cheapest
	// discriminator between a config dump and an unrelated comma-bearing
	// banner line.
	_, err := strconv.Atoi(strings.TrimSpace(fields[fieldAveraging]))
	return err == nil
}

// ParseConfigDump parses a line already classified as ConfigDump into a
// SensorConfig. AdcRateHz is left at 0; the controller must fill it in from
// its own prior knowledge, since the dump never carries it.
func ParseConfigDump(line string) (model.SensorConfig, error) {
	fields := strings.Split(strings.TrimRight(line, " \t"), ",")
	if len(fields) < configDumpMinFields {
		return model.SensorConfig{}, &model.InvalidLineError{Line: line}
	}
	for len(fields) < fieldCount {
		fields = append(fields, "")
	}

	averaging, err := strconv.Atoi(strings.TrimSpace(fields[fieldAveraging]))
	if err != nil {
		return model.SensorConfig{}, &model.InvalidLineError{Line: line}
	}
	calFactor, err := strconv.ParseFloat(strings.TrimSpace(fields[fieldCalFactor]), 64)
	if err != nil {
		calFactor = 0
	}

	cfg := model.SensorConfig{
		Averaging:       averaging,
		CalFactor:       calFactor,
		SensorID:        strings.TrimSpace(fields[fieldSerial]),
		FirmwareVersion: strings.TrimSpace(fields[fieldVersion]),
		Preamble:        strings.TrimSpace(fields[fieldDescription]),
	}

	// OperatingMode is "0" for freerun, "1" for polled.
	modeChar := strings.TrimSpace(fields[fieldOperatingMode])
	tagField := strings.TrimSpace(fields[fieldTag])
	if modeChar == "1" {
		cfg.Mode = model.ModePolled
		if len(tagField) > 0 {
			cfg.Tag = tagField[0]
		}
	} else {
		cfg.Mode = model.ModeFreerun
	}

	return cfg, nil
}
