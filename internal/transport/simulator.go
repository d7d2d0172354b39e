package transport

import (
	"fmt"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Matthue7/q-sensor-engine/internal/model"
)

const menuPromptLine = "Select the letter of the menu entry:"

// Simulator is an in-process, scripted device model of a Q-Series
// instrument. It implements Transport so controller and recorder tests can
// run without real hardware. It models the device's menu state machine,
// config fields, and freerun/polled streaming closely enough to exercise
// every codepath the real transport does: power-on banner, menu prompt,
// config writes answered by the menu prompt (after an error banner for a
// rejected value), reset-to-exit,
// and both acquisition modes.
type Simulator struct {
	mu        sync.Mutex
	open      bool
	closeOnce sync.Once
	out       chan string
	inbuf     []byte

	cfg      model.SensorConfig
	running  bool // true once menu_exit() has reset the device into acquisition
	awaiting string

	streamStop chan struct{}
	rng        *rand.Rand
}

// NewSimulator constructs a simulator already "powered on": its boot banner
// is queued and waiting to be read, exactly as a real device would have one
// sitting in its UART buffer when the host first opens the port.
func NewSimulator() *Simulator {
	s := &Simulator{
		open: true,
		out:  make(chan string, 4096),
		cfg: model.SensorConfig{
			Averaging:       125,
			AdcRateHz:       125,
			Mode:            model.ModeFreerun,
			IncludeTemp:     true,
			IncludeVin:      false,
			SensorID:        "SIM001",
			FirmwareVersion: "4.003",
			Preamble:        "Q-Series Sensor",
			CalFactor:       1.0,
		},
		rng: rand.New(rand.NewSource(1)),
	}
	s.queueLine("Q-Series Sensor 2150 REV 4.003")
	s.queueLine("Serial: SIM001")
	return s
}

func (s *Simulator) IsOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open
}

func (s *Simulator) Close() error {
	s.mu.Lock()
	s.open = false
	if s.streamStop != nil {
		close(s.streamStop)
		s.streamStop = nil
	}
	s.mu.Unlock()
	s.closeOnce.Do(func() { close(s.out) })
	return nil
}

func (s *Simulator) FlushInput() error {
	s.mu.Lock()
	s.inbuf = nil
	s.mu.Unlock()
	for {
		select {
		case <-s.out:
		default:
			return nil
		}
	}
}

func (s *Simulator) ReadLine(timeout time.Duration) (string, bool, error) {
	select {
	case line, ok := <-s.out:
		if !ok {
			return "", false, &model.SerialIoError{Op: "read_line", Err: errClosed}
		}
		return line, true, nil
	case <-time.After(timeout):
		return "", false, nil
	}
}

func (s *Simulator) Write(data []byte) (int, error) {
	s.mu.Lock()
	if !s.open {
		s.mu.Unlock()
		return 0, &model.SerialIoError{Op: "write", Err: errClosed}
	}
	s.mu.Unlock()

	for _, b := range data {
		switch b {
		case 0x1B:
			s.handleEscape()
		case '\r', '\n':
			cmd := string(s.drainInbuf())
			s.handleCommand(cmd)
		default:
			s.mu.Lock()
			s.inbuf = append(s.inbuf, b)
			s.mu.Unlock()
		}
	}
	return len(data), nil
}

func (s *Simulator) drainInbuf() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	cmd := s.inbuf
	s.inbuf = nil
	return cmd
}

func (s *Simulator) queueLine(line string) {
	s.mu.Lock()
	open := s.open
	s.mu.Unlock()
	if !open {
		return
	}
	select {
	case s.out <- line:
	default:
		// Output queue is saturated; the real device has no infinite buffer
		// either, so the new line is simply dropped.
	}
}

func (s *Simulator) handleEscape() {
	s.mu.Lock()
	if s.running && s.streamStop != nil {
		close(s.streamStop)
		s.streamStop = nil
	}
	s.running = false
	s.awaiting = ""
	s.mu.Unlock()
	s.queueLine(menuPromptLine)
}

func (s *Simulator) handleCommand(raw string) {
	cmd := strings.TrimSpace(raw)

	s.mu.Lock()
	running := s.running
	s.mu.Unlock()

	if running {
		s.handleRunningCommand(cmd)
		return
	}

	s.mu.Lock()
	awaiting := s.awaiting
	s.mu.Unlock()

	if awaiting != "" {
		s.handleAwaitingReply(cmd)
		return
	}

	if cmd == "" {
		return
	}
	switch cmd[0] {
	case 'A':
		s.mu.Lock()
		s.awaiting = "averaging"
		s.mu.Unlock()
	case 'R':
		s.mu.Lock()
		s.awaiting = "rate"
		s.mu.Unlock()
	case 'M':
		s.mu.Lock()
		s.awaiting = "mode_value"
		s.mu.Unlock()
	case '^':
		s.queueLine(s.configDumpLine())
		s.queueLine(menuPromptLine)
	case 'X':
		s.handleExit()
	default:
		s.queueLine(menuPromptLine)
	}
}

func (s *Simulator) handleRunningCommand(cmd string) {
	switch {
	case strings.HasPrefix(cmd, ">") && len(cmd) == 2:
		s.emitPolledReading(cmd[1])
	case strings.HasPrefix(cmd, "*") && strings.HasSuffix(cmd, "Q000!"):
		// Polled init handshake; the device accepts it silently.
	}
}

func (s *Simulator) handleAwaitingReply(cmd string) {
	s.mu.Lock()
	awaiting := s.awaiting
	s.awaiting = ""
	s.mu.Unlock()

	switch awaiting {
	case "averaging":
		n, err := strconv.Atoi(cmd)
		if err != nil || !model.IsValidAveraging(n) {
			s.queueLine("****Invalid number, averaging set to 12")
			s.mu.Lock()
			s.cfg.Averaging = 12
			s.mu.Unlock()
		} else {
			s.mu.Lock()
			s.cfg.Averaging = n
			s.mu.Unlock()
		}
		s.queueLine(menuPromptLine)
	case "rate":
		n, err := strconv.Atoi(cmd)
		if err != nil || !model.IsValidAdcRate(n) {
			s.queueLine("Invalid rate!!! Command is ignored.")
		} else {
			s.mu.Lock()
			s.cfg.AdcRateHz = n
			s.mu.Unlock()
		}
		s.queueLine(menuPromptLine)
	case "mode_value":
		n, _ := strconv.Atoi(cmd)
		if n == 1 {
			s.mu.Lock()
			s.awaiting = "mode_tag"
			s.mu.Unlock()
			return
		}
		s.mu.Lock()
		s.cfg.Mode = model.ModeFreerun
		s.cfg.Tag = 0
		s.mu.Unlock()
		s.queueLine(menuPromptLine)
	case "mode_tag":
		if len(cmd) > 0 && model.IsValidTag(cmd[0]) {
			s.mu.Lock()
			s.cfg.Mode = model.ModePolled
			s.cfg.Tag = cmd[0]
			s.mu.Unlock()
		} else {
			s.queueLine(" Bad TAG ")
		}
		s.queueLine(menuPromptLine)
	}
}

func (s *Simulator) handleExit() {
	s.queueLine("Rebooting...")

	s.mu.Lock()
	s.running = true
	mode := s.cfg.Mode
	period := s.cfg.SamplePeriodS()
	stop := make(chan struct{})
	s.streamStop = stop
	s.mu.Unlock()

	if mode == model.ModeFreerun {
		go s.streamFreerun(period, stop)
	}
}

func (s *Simulator) streamFreerun(periodS float64, stop chan struct{}) {
	if periodS <= 0 {
		periodS = 1.0
	}
	ticker := time.NewTicker(time.Duration(periodS * float64(time.Second)))
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.queueLine(s.freerunLine())
		}
	}
}

func (s *Simulator) freerunLine() string {
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()
	value := 20 + s.rng.Float64()*5
	parts := []string{fmt.Sprintf("%.3f", value)}
	if cfg.IncludeTemp {
		parts = append(parts, fmt.Sprintf("%.1f", 22.0+s.rng.Float64()))
	}
	if cfg.IncludeVin {
		parts = append(parts, fmt.Sprintf("%.2f", 12.0+s.rng.Float64()*0.2))
	}
	return strings.Join(parts, ",")
}

func (s *Simulator) emitPolledReading(tag byte) {
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()
	if cfg.Tag != tag {
		s.queueLine(" Bad TAG ")
		return
	}
	value := 20 + s.rng.Float64()*5
	parts := []string{fmt.Sprintf("%c", tag), fmt.Sprintf("%.3f", value)}
	if cfg.IncludeTemp {
		parts = append(parts, fmt.Sprintf("%.1f", 22.0+s.rng.Float64()))
	}
	if cfg.IncludeVin {
		parts = append(parts, fmt.Sprintf("%.2f", 12.0+s.rng.Float64()*0.2))
	}
	s.queueLine(strings.Join(parts, ","))
}

func (s *Simulator) configDumpLine() string {
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()
	// OperatingMode is "0" for freerun, "1" for polled.
	modeChar := "0"
	tagField := "0"
	if cfg.Mode == model.ModePolled {
		modeChar = "1"
		tagField = string(cfg.Tag)
	}
	return fmt.Sprintf("%d,9600,%.2f,%s,E,%s,G,H,%s,1.000000,0.000000,12.345,%s,%s",
		cfg.Averaging, cfg.CalFactor, cfg.Preamble, cfg.FirmwareVersion, cfg.SensorID, modeChar, tagField)
}

// SetAdcRate lets tests seed the simulator's ADC rate directly, since the
// device's config dump never reports it (see internal/wire's ParseConfigDump).
func (s *Simulator) SetAdcRate(hz int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg.AdcRateHz = hz
}
