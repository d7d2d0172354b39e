// Package wire implements the Q-Series instrument's wire protocol: building
// outbound menu/command bytes and classifying/parsing inbound lines. It is
// pure — no I/O, no state, no suspension. The transport strips line
// terminators before handing a line to this package.
package wire

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/Matthue7/q-sensor-engine/internal/model"
)

// Fixed protocol bytes. These are firmware properties, not configuration.
const (
	ESC = 0x1B
	CR  = '\r'
)

// Menu command letters.
const (
	CmdAveraging  = 'A'
	CmdRate       = 'R'
	CmdMode       = 'M'
	CmdConfigDump = '^'
	CmdExit       = 'X'
	CmdOutputs    = 'O'
	CmdQuiet      = 'Q'
	CmdRedisplay  = '?'
)

// MenuEnter returns the byte sequence that interrupts the device into its menu.
func MenuEnter() []byte { return []byte{ESC} }

// MenuCommand returns a single menu letter terminated by CR.
func MenuCommand(letter byte) []byte { return []byte{letter, CR} }

// NumericReply returns a decimal numeric argument terminated by CR, as sent
// in reply to a menu prompt for a value (averaging, rate, tag index, ...).
func NumericReply(n int) []byte { return append([]byte(strconv.Itoa(n)), CR) }

// PolledInit returns the polled-mode initialization handshake for tag.
func PolledInit(tag byte) []byte { return []byte(fmt.Sprintf("*%cQ000!%c", tag, CR)) }

// PolledQuery returns a single polled-mode query for tag.
func PolledQuery(tag byte) []byte { return []byte(fmt.Sprintf(">%c%c", tag, CR)) }

// MenuExit returns the "X" command. Sending it triggers a full hardware
// reset on the device; callers must sleep through the settle window
// themselves (the codec has no notion of time).
func MenuExit() []byte { return []byte{CmdExit, CR} }

// LineClass is the shape a single inbound line was classified as.
type LineClass int

const (
	Unknown LineClass = iota
	MenuPrompt
	BannerLine
	ConfigDump
	Echo
	FreerunReading
	PolledReading
	ErrorBanner
)

func (c LineClass) String() string {
	switch c {
	case MenuPrompt:
		return "MENU_PROMPT"
	case BannerLine:
		return "BANNER_LINE"
	case ConfigDump:
		return "CONFIG_DUMP"
	case Echo:
		return "ECHO"
	case FreerunReading:
		return "FREERUN_READING"
	case PolledReading:
		return "POLLED_READING"
	case ErrorBanner:
		return "ERROR_BANNER"
	default:
		return "UNKNOWN"
	}
}

var (
	menuPromptRe = regexp.MustCompile(`(?i)^\s*select the letter of the menu entry:\s*$`)
	polledLeadRe = regexp.MustCompile(`^[A-Z],`)
	numberRe     = `-?\d+(?:\.\d+)?`
	freerunRe    = regexp.MustCompile(`^[^-\d]*(` + numberRe + `)(?:,(` + numberRe + `))?(?:,(` + numberRe + `))?\s*$`)
	polledRe     = regexp.MustCompile(`^([A-Z]),(` + numberRe + `)(?:,(` + numberRe + `))?(?:,(` + numberRe + `))?\s*$`)
	echoRe       = regexp.MustCompile(`^\d+\s*$`)
)

// errorBanners maps a known, fixed device error string (matched as a
// substring) to a distinct tag. Each is a firmware-observed constant, not a
// pattern the codec infers.
var errorBanners = []struct {
	substr string
	tag    string
}{
	{"Invalid rate!!! Command is ignored.", "invalid_rate"},
	{"Invalid number, averaging set to 12", "invalid_averaging"},
	{"Bad TAG", "bad_tag"},
	{"I am confused", "confused"},
	{"Timed out waiting for response.", "response_timeout"},
}

// Classify determines the shape of a single line, without validating it
// against any caller expectation (e.g. an expected TAG). It never errors —
// ambiguous or unrecognized text classifies as Unknown, and the controller's
// policy decides what to do with it.
func Classify(line string) LineClass {
	trimmed := strings.TrimRight(line, " \t")
	if trimmed == "" {
		return Unknown
	}
	if menuPromptRe.MatchString(trimmed) {
		return MenuPrompt
	}
	for _, eb := range errorBanners {
		if strings.Contains(trimmed, eb.substr) {
			return ErrorBanner
		}
	}
	if strings.Count(trimmed, ",") >= configDumpMinFields-1 && looksLikeConfigDump(trimmed) {
		return ConfigDump
	}
	if polledLeadRe.MatchString(trimmed) && polledRe.MatchString(trimmed) {
		return PolledReading
	}
	if freerunRe.MatchString(trimmed) {
		return FreerunReading
	}
	if echoRe.MatchString(trimmed) {
		return Echo
	}
	return BannerLine
}

// ErrorBannerTag returns the tag for a line already classified as
// ErrorBanner, or "" if none matched (should not happen if Classify was
// called first).
func ErrorBannerTag(line string) string {
	for _, eb := range errorBanners {
		if strings.Contains(line, eb.substr) {
			return eb.tag
		}
	}
	return ""
}

// parsedReading is the intermediate result of parsing a data line, before the
// controller stamps it with a timestamp/sensor_id/mode and turns it into a
// model.Reading.
type parsedReading struct {
	Value float64
	TempC *float64
	Vin   *float64
}

// ParseFreerunLine parses a line already classified as FreerunReading.
func ParseFreerunLine(line string) (parsedReading, error) {
	trimmed := strings.TrimRight(line, " \t")
	m := freerunRe.FindStringSubmatch(trimmed)
	if m == nil {
		return parsedReading{}, &model.InvalidLineError{Line: line}
	}
	return parseNumericGroups(line, m[1], m[2], m[3])
}

// ParsePolledLine parses a line already classified as PolledReading,
// enforcing that its leading TAG matches expectedTag. A mismatch is a hard
// parse error (a *model.TagMismatchError, which errors.As also matches as
// *model.InvalidResponseError), not a skip-this-line condition.
func ParsePolledLine(line string, expectedTag byte) (parsedReading, error) {
	trimmed := strings.TrimRight(line, " \t")
	m := polledRe.FindStringSubmatch(trimmed)
	if m == nil {
		return parsedReading{}, &model.InvalidLineError{Line: line}
	}
	got := m[1][0]
	if got != expectedTag {
		return parsedReading{}, &model.TagMismatchError{Expected: expectedTag, Got: got}
	}
	return parseNumericGroups(line, m[2], m[3], m[4])
}

func parseNumericGroups(line, valueStr, tempStr, vinStr string) (parsedReading, error) {
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return parsedReading{}, &model.InvalidLineError{Line: line}
	}
	pr := parsedReading{Value: value}
	if tempStr != "" {
		t, err := strconv.ParseFloat(tempStr, 64)
		if err != nil {
			return parsedReading{}, &model.InvalidLineError{Line: line}
		}
		pr.TempC = &t
	}
	if vinStr != "" {
		v, err := strconv.ParseFloat(vinStr, 64)
		if err != nil {
			return parsedReading{}, &model.InvalidLineError{Line: line}
		}
		pr.Vin = &v
	}
	return pr, nil
}
