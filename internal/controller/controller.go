// Package controller implements the instrument controller state machine:
// it owns the transport and ring buffer, drives menu navigation over the
// wire codec, and runs a background reader task per acquisition mode.
package controller

import (
	"context"
	"sync"
	"time"

	"github.com/Matthue7/q-sensor-engine/internal/logging"
	"github.com/Matthue7/q-sensor-engine/internal/model"
	"github.com/Matthue7/q-sensor-engine/internal/ringbuffer"
	"github.com/Matthue7/q-sensor-engine/internal/transport"
	"github.com/Matthue7/q-sensor-engine/internal/wire"
)

// Fixed protocol timing constants. Observed properties of the device, not
// tunables.
const (
	openSettle      = 1200 * time.Millisecond
	menuPromptWait  = 3 * time.Second
	postResetSettle = 1500 * time.Millisecond
)

const defaultPollHz = 1.0

// TransportFactory opens a Transport for the given port/baud. Production
// code passes transport.Open; tests pass a factory that hands back a
// pre-built *transport.Simulator regardless of the arguments.
type TransportFactory func(port string, baud int) (transport.Transport, error)

// Controller is the instrument controller state machine described by the
// engine's component design. A zero Controller is not usable; construct one
// with New.
type Controller struct {
	logger logging.Logger
	open   TransportFactory

	// stateMu guards state alone. It is intentionally separate from mu so the
	// reader task can transition to ERROR without taking the verb lock that a
	// pause()/stop() call may be holding while blocked on the reader's join.
	stateMu sync.Mutex
	state   model.ControllerState

	// bufMu guards buffer alone, separately from mu, for the same reason
	// stateMu is separate: the reader task's own goroutine calls RingBuffer()
	// (via appendReading) to append readings, and must never block on mu
	// while a verb is itself blocked in joinReaderLocked waiting for that
	// same reader goroutine to exit.
	bufMu  sync.Mutex
	buffer *ringbuffer.RingBuffer

	// mu serializes public verbs and guards every other mutable field below.
	mu             sync.Mutex
	transport      transport.Transport
	bufferCapacity int
	cfg            model.SensorConfig
	sensorID       string
	lastPort       string
	lastBaud       int
	pollHz         float64
	pausedFrom     model.ControllerState
	readerStop     chan struct{}
	readerDone     chan struct{}
}

// New constructs a disconnected Controller. logger may be nil, in which case
// diagnostics are discarded. bufferCapacity is the ring buffer's fixed size,
// created fresh on every successful connect.
func New(logger logging.Logger, bufferCapacity int, open TransportFactory) *Controller {
	if logger == nil {
		logger = logging.NullLogger{}
	}
	return &Controller{
		logger:         logger,
		open:           open,
		bufferCapacity: bufferCapacity,
		state:          model.Disconnected,
	}
}

func (c *Controller) getState() model.ControllerState {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.state
}

func (c *Controller) setState(s model.ControllerState) {
	c.stateMu.Lock()
	c.state = s
	c.stateMu.Unlock()
}

// transitionToError is the only state mutation the reader task performs
// directly; it never takes mu.
func (c *Controller) transitionToError(err error) {
	c.setState(model.ErrorState)
	c.logger.Errorf("controller entering ERROR state: %v", err)
}

func wireErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &model.SerialIoError{Op: op, Err: err}
}

// State reports the controller's current state.
func (c *Controller) State() model.ControllerState { return c.getState() }

// IsConnected reports whether the controller holds an open transport.
func (c *Controller) IsConnected() bool { return c.getState() != model.Disconnected }

// RingBuffer returns the controller's ring buffer, or nil if never connected.
// The recorder uses this to read readings without going through the
// controller's own lock.
func (c *Controller) RingBuffer() *ringbuffer.RingBuffer {
	c.bufMu.Lock()
	defer c.bufMu.Unlock()
	return c.buffer
}

func (c *Controller) setBuffer(b *ringbuffer.RingBuffer) {
	c.bufMu.Lock()
	c.buffer = b
	c.bufMu.Unlock()
}

// Connect opens the transport, absorbs the device's power-on banner, enters
// the menu, and reads an initial config snapshot. On any failure the
// transport is closed and the controller remains DISCONNECTED.
func (c *Controller) Connect(port string, baud int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if st := c.getState(); st != model.Disconnected {
		return &model.InvalidStateError{Current: st, Attempted: "connect"}
	}

	tr, err := c.open(port, baud)
	if err != nil {
		return err
	}

	time.Sleep(openSettle)

	if err := tr.FlushInput(); err != nil {
		tr.Close()
		return wireErr("flush_input", err)
	}
	if _, err := tr.Write(wire.MenuEnter()); err != nil {
		tr.Close()
		return wireErr("write", err)
	}

	c.transport = tr

	if err := c.waitForPrompt(menuPromptWait); err != nil {
		c.transport.Close()
		c.transport = nil
		return err
	}
	if err := c.readConfigSnapshotLocked(); err != nil {
		c.transport.Close()
		c.transport = nil
		return err
	}

	c.setBuffer(ringbuffer.New(c.bufferCapacity))
	c.lastPort, c.lastBaud = port, baud
	c.setState(model.ConfigMenu)
	c.logger.Infof("connected to %s at %d baud, sensor_id=%s", port, baud, c.cfg.SensorID)
	return nil
}

// Disconnect best-effort stops any running reader, closes the transport, and
// clears the ring buffer. Infallible from any state, including ERROR.
func (c *Controller) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.readerStop != nil {
		c.joinReaderLocked(menuPromptWait)
	}
	if c.transport != nil {
		c.transport.Close()
		c.transport = nil
	}
	if c.buffer != nil {
		c.buffer.Clear()
	}
	c.setState(model.Disconnected)
	return nil
}

// GetConfig returns the controller's last observed SensorConfig. CONFIG_MENU
// only.
func (c *Controller) GetConfig() (model.SensorConfig, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if st := c.getState(); st != model.ConfigMenu {
		return model.SensorConfig{}, &model.InvalidStateError{Current: st, Attempted: "get_config"}
	}
	return c.cfg, nil
}

// SetAveraging issues the "A" menu command with n and refreshes the config
// snapshot on success. Range is validated before any bytes are sent.
func (c *Controller) SetAveraging(n int) (model.SensorConfig, error) {
	if !model.IsValidAveraging(n) {
		return model.SensorConfig{}, &model.InvalidConfigValueError{Field: "averaging", Value: n}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if st := c.getState(); st != model.ConfigMenu {
		return c.cfg, &model.InvalidStateError{Current: st, Attempted: "set_averaging"}
	}
	if err := c.configWriteLocked(wire.CmdAveraging, wire.NumericReply(n)); err != nil {
		return c.cfg, err
	}
	return c.cfg, nil
}

// SetAdcRate issues the "R" menu command with hz and refreshes the config
// snapshot on success. hz must be one of model.ValidAdcRates.
func (c *Controller) SetAdcRate(hz int) (model.SensorConfig, error) {
	if !model.IsValidAdcRate(hz) {
		return model.SensorConfig{}, &model.InvalidConfigValueError{Field: "adc_rate_hz", Value: hz}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if st := c.getState(); st != model.ConfigMenu {
		return c.cfg, &model.InvalidStateError{Current: st, Attempted: "set_adc_rate"}
	}
	if err := c.configWriteLocked(wire.CmdRate, wire.NumericReply(hz)); err != nil {
		return c.cfg, err
	}
	// The config dump never reports adc_rate_hz, so the refreshed snapshot
	// carries the previous value; record the rate the device just accepted.
	c.cfg.AdcRateHz = hz
	return c.cfg, nil
}

// SetMode issues the "M" menu command, selecting freerun or polled mode. tag
// is required and must be an uppercase letter iff mode is polled; it is
// ignored for freerun.
func (c *Controller) SetMode(mode model.Mode, tag byte) (model.SensorConfig, error) {
	if mode == model.ModePolled && !model.IsValidTag(tag) {
		return model.SensorConfig{}, &model.InvalidConfigValueError{Field: "tag", Value: string(tag)}
	}
	if mode != model.ModeFreerun && mode != model.ModePolled {
		return model.SensorConfig{}, &model.InvalidConfigValueError{Field: "mode", Value: string(mode)}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if st := c.getState(); st != model.ConfigMenu {
		return c.cfg, &model.InvalidStateError{Current: st, Attempted: "set_mode"}
	}

	if _, err := c.transport.Write(wire.MenuCommand(wire.CmdMode)); err != nil {
		return c.cfg, wireErr("write", err)
	}
	if mode == model.ModePolled {
		if _, err := c.transport.Write(wire.NumericReply(1)); err != nil {
			return c.cfg, wireErr("write", err)
		}
		if _, err := c.transport.Write(wire.MenuCommand(tag)); err != nil {
			return c.cfg, wireErr("write", err)
		}
	} else {
		if _, err := c.transport.Write(wire.NumericReply(0)); err != nil {
			return c.cfg, wireErr("write", err)
		}
	}
	if err := c.waitForPrompt(menuPromptWait); err != nil {
		return c.cfg, err
	}
	if err := c.readConfigSnapshotLocked(); err != nil {
		return c.cfg, err
	}
	return c.cfg, nil
}

// configWriteLocked implements the shared "issue menu letter, reply with
// value, wait for the prompt, refresh the snapshot" dialog. Caller holds mu
// and has already checked state.
func (c *Controller) configWriteLocked(letter byte, reply []byte) error {
	if _, err := c.transport.Write(wire.MenuCommand(letter)); err != nil {
		return wireErr("write", err)
	}
	if _, err := c.transport.Write(reply); err != nil {
		return wireErr("write", err)
	}
	if err := c.waitForPrompt(menuPromptWait); err != nil {
		return err
	}
	return c.readConfigSnapshotLocked()
}

// Start requires CONFIG_MENU. It exits the menu (triggering a device reset),
// settles, flushes, and spawns the reader task matching the current mode.
// pollHz is used only for polled mode; <= 0 defaults to 1.0 Hz.
func (c *Controller) Start(pollHz float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if st := c.getState(); st != model.ConfigMenu {
		return &model.InvalidStateError{Current: st, Attempted: "start"}
	}
	if pollHz <= 0 {
		pollHz = defaultPollHz
	}

	if _, err := c.transport.Write(wire.MenuExit()); err != nil {
		return wireErr("write", err)
	}
	time.Sleep(postResetSettle)
	if err := c.transport.FlushInput(); err != nil {
		return wireErr("flush_input", err)
	}

	c.pollHz = pollHz
	c.spawnReaderLocked()
	return nil
}

// spawnReaderLocked creates fresh stop/done channels and starts the reader
// goroutine matching c.cfg.Mode, transitioning to the corresponding
// acquisition state. Caller holds mu.
func (c *Controller) spawnReaderLocked() {
	stop := make(chan struct{})
	done := make(chan struct{})
	c.readerStop = stop
	c.readerDone = done

	if c.cfg.Mode == model.ModeFreerun {
		c.setState(model.AcqFreerun)
		go c.freerunReaderLoop(stop, done)
	} else {
		c.setState(model.AcqPolled)
		go c.polledReaderLoop(c.cfg.Tag, c.pollHz, stop, done)
	}
}

// Pause stops the reader task and returns to the menu without losing the
// acquisition mode, which Resume restores.
func (c *Controller) Pause() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.getState()
	if st != model.AcqFreerun && st != model.AcqPolled {
		return &model.InvalidStateError{Current: st, Attempted: "pause"}
	}
	c.pausedFrom = st

	if err := c.joinReaderLocked(menuPromptWait); err != nil {
		return err
	}
	if _, err := c.transport.Write(wire.MenuEnter()); err != nil {
		return wireErr("write", err)
	}
	if err := c.waitForPrompt(menuPromptWait); err != nil {
		return err
	}
	c.setState(model.Paused)
	return nil
}

// Resume refreshes the config snapshot, exits the menu again, and respawns
// the reader with the exact poll_hz recorded by the prior Start.
func (c *Controller) Resume() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if st := c.getState(); st != model.Paused {
		return &model.InvalidStateError{Current: st, Attempted: "resume"}
	}
	if err := c.readConfigSnapshotLocked(); err != nil {
		return err
	}
	if _, err := c.transport.Write(wire.MenuExit()); err != nil {
		return wireErr("write", err)
	}
	time.Sleep(postResetSettle)
	if err := c.transport.FlushInput(); err != nil {
		return wireErr("flush_input", err)
	}
	c.spawnReaderLocked()
	return nil
}

// Stop joins any running reader and always returns to CONFIG_MENU on
// success, whether called from an acquisition state or from PAUSED.
func (c *Controller) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.getState()
	if st != model.AcqFreerun && st != model.AcqPolled && st != model.Paused {
		return &model.InvalidStateError{Current: st, Attempted: "stop"}
	}
	if c.readerStop != nil {
		if err := c.joinReaderLocked(menuPromptWait); err != nil {
			return err
		}
	}
	if _, err := c.transport.Write(wire.MenuEnter()); err != nil {
		return wireErr("write", err)
	}
	if err := c.waitForPrompt(menuPromptWait); err != nil {
		return err
	}
	c.setState(model.ConfigMenu)
	return nil
}

// joinReaderLocked signals the reader's stop-flag and waits for it to exit.
// A join that times out escalates the controller to ERROR, matching the
// cancellation policy for both the reader task and the recorder's drain
// loop. Caller holds mu.
func (c *Controller) joinReaderLocked(timeout time.Duration) error {
	if c.readerStop == nil {
		return nil
	}
	stop, done := c.readerStop, c.readerDone
	close(stop)
	select {
	case <-done:
		c.readerStop, c.readerDone = nil, nil
		return nil
	case <-time.After(timeout):
		c.readerStop, c.readerDone = nil, nil
		err := &model.ConnectionLostError{Err: errReaderJoinTimeout}
		c.transitionToError(err)
		return err
	}
}

// Reconnect repeatedly attempts Disconnect-then-Connect against the last
// known good (port, baud), backing off from 1s up to a 60s cap, until it
// succeeds or ctx is cancelled.
func (c *Controller) Reconnect(ctx context.Context) error {
	c.mu.Lock()
	port, baud := c.lastPort, c.lastBaud
	c.mu.Unlock()
	if port == "" {
		return &model.InvalidStateError{Current: c.getState(), Attempted: "reconnect"}
	}

	c.Disconnect()

	delay := time.Second
	const maxDelay = 60 * time.Second
	for {
		if err := c.Connect(port, baud); err == nil {
			return nil
		}
		c.logger.Warnf("reconnect attempt failed, retrying in %v", delay)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
}

// Snapshot returns a copy of the current ring buffer contents in insertion
// order, or nil if never connected.
func (c *Controller) Snapshot() []model.Reading {
	buf := c.RingBuffer()
	if buf == nil {
		return nil
	}
	return buf.Snapshot()
}

// Latest returns the most recently appended reading, if any.
func (c *Controller) Latest() (model.Reading, bool) {
	snap := c.Snapshot()
	if len(snap) == 0 {
		return model.Reading{}, false
	}
	return snap[len(snap)-1], true
}

// ClearBuffer empties the ring buffer.
func (c *Controller) ClearBuffer() {
	buf := c.RingBuffer()
	if buf != nil {
		buf.Clear()
	}
}

var errReaderJoinTimeout = &joinTimeoutError{}

type joinTimeoutError struct{}

func (*joinTimeoutError) Error() string { return "reader task join timed out" }
