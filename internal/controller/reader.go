package controller

import (
	"time"

	"github.com/Matthue7/q-sensor-engine/internal/model"
	"github.com/Matthue7/q-sensor-engine/internal/transport"
	"github.com/Matthue7/q-sensor-engine/internal/wire"
)

// waitForPrompt blocks, re-issuing bounded ReadLine calls, until a line
// classifies as MENU_PROMPT or overallTimeout elapses. Error banners and
// other lines are logged and skipped — per the protocol's numeric-echo
// tolerance, the menu prompt's reappearance is the sole success signal.
// Caller holds mu.
func (c *Controller) waitForPrompt(overallTimeout time.Duration) error {
	deadline := time.Now().Add(overallTimeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return &model.MenuTimeoutError{WaitedFor: "menu prompt"}
		}
		line, ok, err := c.transport.ReadLine(boundedTimeout(remaining))
		if err != nil {
			return wireErr("read_line", err)
		}
		if !ok {
			continue
		}
		switch wire.Classify(line) {
		case wire.MenuPrompt:
			return nil
		case wire.ErrorBanner:
			if tag := wire.ErrorBannerTag(line); tag != "" {
				c.logger.Warnf("error banner while waiting for menu prompt: %q (%s)", line, tag)
			} else {
				c.logger.Warn(&model.UnknownErrorBannerError{Text: line})
			}
		default:
			c.logger.Debugf("ignoring line while waiting for menu prompt: %q", line)
		}
	}
}

// waitForConfigDump blocks until a line classifies as CONFIG_DUMP and parses
// successfully, or overallTimeout elapses. Caller holds mu.
func (c *Controller) waitForConfigDump(overallTimeout time.Duration) (model.SensorConfig, error) {
	deadline := time.Now().Add(overallTimeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return model.SensorConfig{}, &model.MenuTimeoutError{WaitedFor: "config dump"}
		}
		line, ok, err := c.transport.ReadLine(boundedTimeout(remaining))
		if err != nil {
			return model.SensorConfig{}, wireErr("read_line", err)
		}
		if !ok {
			continue
		}
		if wire.Classify(line) != wire.ConfigDump {
			c.logger.Debugf("ignoring line while waiting for config dump: %q", line)
			continue
		}
		return wire.ParseConfigDump(line)
	}
}

// readConfigSnapshotLocked sends "^", parses the resulting CONFIG_DUMP, and
// waits for the following MENU_PROMPT. adc_rate_hz is carried forward from
// the controller's prior knowledge (or defaulted to 125 on first connect)
// since the dump never reports it. Caller holds mu.
func (c *Controller) readConfigSnapshotLocked() error {
	if _, err := c.transport.Write(wire.MenuCommand(wire.CmdConfigDump)); err != nil {
		return wireErr("write", err)
	}
	cfg, err := c.waitForConfigDump(menuPromptWait)
	if err != nil {
		return err
	}
	if cfg.AdcRateHz == 0 {
		if c.cfg.AdcRateHz != 0 {
			cfg.AdcRateHz = c.cfg.AdcRateHz
		} else {
			cfg.AdcRateHz = 125
		}
	}
	c.cfg = cfg
	c.sensorID = cfg.SensorID
	return c.waitForPrompt(menuPromptWait)
}

func boundedTimeout(remaining time.Duration) time.Duration {
	if remaining > transport.DefaultReadLineTimeout {
		return transport.DefaultReadLineTimeout
	}
	return remaining
}

// freerunReaderLoop is the reader task for ACQ_FREERUN. It never takes mu
// except indirectly through c.buffer (which has its own lock) and through
// transitionToError (which takes only stateMu).
func (c *Controller) freerunReaderLoop(stop, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-stop:
			return
		default:
		}

		line, ok, err := c.transport.ReadLine(transport.DefaultReadLineTimeout)
		if err != nil {
			c.transitionToError(wireErr("read_line", err))
			return
		}
		if !ok {
			continue
		}

		class := wire.Classify(line)
		switch class {
		case wire.FreerunReading:
			c.handleFreerunLine(line)
		case wire.MenuPrompt:
			c.transitionToError(&model.InvalidResponseError{Reason: "unexpected menu prompt during freerun acquisition"})
			return
		default:
			c.logger.Debugf("dropping %s line during freerun acquisition: %q", class, line)
		}
	}
}

// handleFreerunLine parses a line already classified as FreerunReading and
// appends it, or logs and drops it if unparseable.
func (c *Controller) handleFreerunLine(line string) {
	pr, err := wire.ParseFreerunLine(line)
	if err != nil {
		c.logger.Warnf("dropping unparseable freerun line %q: %v", line, err)
		return
	}
	c.appendReading(model.ModeFreerun, pr.Value, pr.TempC, pr.Vin)
}

// handlePolledLine validates that line is a PolledReading with a matching
// TAG before appending. A TAG mismatch or parse failure is logged and
// dropped — never a state change, per the polled reader's failure policy.
func (c *Controller) handlePolledLine(line string, tag byte) {
	if class := wire.Classify(line); class != wire.PolledReading {
		c.logger.Debugf("dropping %s line during polled acquisition: %q", class, line)
		return
	}
	pr, err := wire.ParsePolledLine(line, tag)
	if err != nil {
		c.logger.Warnf("dropping line with parse error: %v", err)
		return
	}
	c.appendReading(model.ModePolled, pr.Value, pr.TempC, pr.Vin)
}

// polledReaderLoop is the reader task for ACQ_POLLED. It sends the
// polled_init handshake, waits for the device's internal averaging to warm
// up, then queries at 1/pollHz using a cancellable wait on stop.
func (c *Controller) polledReaderLoop(tag byte, pollHz float64, stop, done chan struct{}) {
	defer close(done)

	// c.cfg is read without mu: it is written only by verbs that run while no
	// reader task exists, and the spawning verb's writes happen before this
	// goroutine starts. Taking mu here could block on a Pause/Stop that holds
	// it while joining this very goroutine.
	samplePeriod := c.cfg.SamplePeriodS()

	if _, err := c.transport.Write(wire.PolledInit(tag)); err != nil {
		c.transitionToError(wireErr("write", err))
		return
	}

	warmup := time.Duration((samplePeriod + 0.5) * float64(time.Second))
	select {
	case <-stop:
		return
	case <-time.After(warmup):
	}

	interval := time.Duration(float64(time.Second) / pollHz)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		if _, err := c.transport.Write(wire.PolledQuery(tag)); err != nil {
			c.transitionToError(wireErr("write", err))
			return
		}
		line, ok, err := c.transport.ReadLine(transport.DefaultReadLineTimeout)
		if err != nil {
			c.transitionToError(wireErr("read_line", err))
			return
		}
		if !ok {
			continue
		}

		c.handlePolledLine(line, tag)
	}
}

// appendReading stamps and appends a reading to the ring buffer. sensorID is
// read without a lock: it is set only during connect/config-refresh, which
// never runs concurrently with an active reader task (connect runs from
// DISCONNECTED, config refreshes from CONFIG_MENU or, in Resume, from PAUSED
// before the reader is spawned), so it is effectively immutable for the
// lifetime of an acquisition run.
func (c *Controller) appendReading(mode model.Mode, value float64, tempC, vin *float64) {
	buf := c.RingBuffer()
	if buf == nil {
		return
	}
	buf.Append(model.Reading{
		Timestamp: time.Now().UTC(),
		SensorID:  c.sensorID,
		Mode:      mode,
		Value:     value,
		TempC:     tempC,
		Vin:       vin,
	})
}
