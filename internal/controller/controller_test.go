package controller

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Matthue7/q-sensor-engine/internal/model"
	"github.com/Matthue7/q-sensor-engine/internal/ringbuffer"
	"github.com/Matthue7/q-sensor-engine/internal/transport"
)

func simFactory(sim *transport.Simulator) TransportFactory {
	return func(port string, baud int) (transport.Transport, error) {
		return sim, nil
	}
}

func TestConnectConfigureFreerunStop(t *testing.T) {
	sim := transport.NewSimulator()
	c := New(nil, 1000, simFactory(sim))

	if err := c.Connect("SIM", 9600); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if st := c.State(); st != model.ConfigMenu {
		t.Fatalf("state after connect = %v, want CONFIG_MENU", st)
	}

	if _, err := c.SetAveraging(125); err != nil {
		t.Fatalf("SetAveraging: %v", err)
	}
	if _, err := c.SetAdcRate(125); err != nil {
		t.Fatalf("SetAdcRate: %v", err)
	}
	if _, err := c.SetMode(model.ModeFreerun, 0); err != nil {
		t.Fatalf("SetMode: %v", err)
	}

	if err := c.Start(0); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if st := c.State(); st != model.AcqFreerun {
		t.Fatalf("state after start = %v, want ACQ_FREERUN", st)
	}

	time.Sleep(3500 * time.Millisecond)

	snap := c.Snapshot()
	if len(snap) < 2 || len(snap) > 5 {
		t.Fatalf("len(snapshot) = %d, want roughly 3 at 1Hz over 3.5s", len(snap))
	}
	for _, r := range snap {
		if r.Mode != model.ModeFreerun {
			t.Errorf("reading mode = %v, want freerun", r.Mode)
		}
	}

	if err := c.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if st := c.State(); st != model.ConfigMenu {
		t.Fatalf("state after stop = %v, want CONFIG_MENU", st)
	}

	if err := c.Disconnect(); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if st := c.State(); st != model.Disconnected {
		t.Fatalf("state after disconnect = %v, want DISCONNECTED", st)
	}
}

func TestPolledAcquisition(t *testing.T) {
	sim := transport.NewSimulator()
	c := New(nil, 1000, simFactory(sim))

	if err := c.Connect("SIM", 9600); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if _, err := c.SetMode(model.ModePolled, 'A'); err != nil {
		t.Fatalf("SetMode: %v", err)
	}
	if _, err := c.SetAveraging(1); err != nil {
		t.Fatalf("SetAveraging: %v", err)
	}
	if _, err := c.SetAdcRate(500); err != nil {
		t.Fatalf("SetAdcRate: %v", err)
	}

	if err := c.Start(5.0); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if st := c.State(); st != model.AcqPolled {
		t.Fatalf("state after start = %v, want ACQ_POLLED", st)
	}

	time.Sleep(1500 * time.Millisecond)

	snap := c.Snapshot()
	if len(snap) == 0 {
		t.Fatal("expected at least one polled reading")
	}
	for _, r := range snap {
		if r.Mode != model.ModePolled {
			t.Errorf("reading mode = %v, want polled", r.Mode)
		}
	}

	if err := c.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestPauseResumePreservesMode(t *testing.T) {
	sim := transport.NewSimulator()
	c := New(nil, 1000, simFactory(sim))

	if err := c.Connect("SIM", 9600); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if _, err := c.SetAveraging(1); err != nil {
		t.Fatalf("SetAveraging: %v", err)
	}
	if _, err := c.SetAdcRate(8); err != nil {
		t.Fatalf("SetAdcRate: %v", err)
	}
	if err := c.Start(0); err != nil {
		t.Fatalf("Start: %v", err)
	}

	time.Sleep(500 * time.Millisecond)

	if err := c.Pause(); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if st := c.State(); st != model.Paused {
		t.Fatalf("state after pause = %v, want PAUSED", st)
	}

	before := len(c.Snapshot())
	time.Sleep(500 * time.Millisecond)
	if got := len(c.Snapshot()); got != before {
		t.Fatalf("snapshot grew while paused: before=%d after=%d", before, got)
	}

	if err := c.Resume(); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if st := c.State(); st != model.AcqFreerun {
		t.Fatalf("state after resume = %v, want ACQ_FREERUN", st)
	}

	time.Sleep(700 * time.Millisecond)
	if got := len(c.Snapshot()); got <= before {
		t.Fatalf("snapshot did not grow after resume: before=%d after=%d", before, got)
	}
}

func TestSetAdcRateRejectsOutOfRangeBeforeWire(t *testing.T) {
	sim := transport.NewSimulator()
	c := New(nil, 1000, simFactory(sim))

	if err := c.Connect("SIM", 9600); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	before, err := c.GetConfig()
	if err != nil {
		t.Fatalf("GetConfig: %v", err)
	}

	_, err = c.SetAdcRate(1000)
	var invalid *model.InvalidConfigValueError
	if !errors.As(err, &invalid) {
		t.Fatalf("SetAdcRate(1000) error = %v, want *InvalidConfigValueError", err)
	}

	after, err := c.GetConfig()
	if err != nil {
		t.Fatalf("GetConfig: %v", err)
	}
	if after.AdcRateHz != before.AdcRateHz {
		t.Fatalf("AdcRateHz changed after a rejected write: %d -> %d", before.AdcRateHz, after.AdcRateHz)
	}
}

func TestPolledReaderDropsTagMismatchWithoutStateChange(t *testing.T) {
	c := New(nil, 10, nil)
	c.buffer = ringbuffer.New(10)
	c.cfg = model.SensorConfig{Mode: model.ModePolled, Tag: 'A', Averaging: 1, AdcRateHz: 500}

	c.handlePolledLine("B,12.3", 'A')

	if got := c.buffer.Len(); got != 0 {
		t.Fatalf("buffer len = %d, want 0 after a TAG-mismatched line", got)
	}
	if st := c.State(); st != model.Disconnected {
		t.Fatalf("state = %v, want unchanged DISCONNECTED", st)
	}
}

func TestReconnectRetriesUntilSuccess(t *testing.T) {
	attempts := 0
	c := New(nil, 10, func(port string, baud int) (transport.Transport, error) {
		attempts++
		if attempts < 3 {
			return nil, &model.PortUnavailableError{Port: port}
		}
		return transport.NewSimulator(), nil
	})

	// Seed lastPort/lastBaud the way a prior successful Connect would.
	c.mu.Lock()
	c.lastPort, c.lastBaud = "SIM", 9600
	c.mu.Unlock()

	done := make(chan error, 1)
	go func() { done <- c.Reconnect(context.Background()) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Reconnect: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Reconnect did not converge in time")
	}
	if attempts < 3 {
		t.Fatalf("attempts = %d, want at least 3", attempts)
	}
}

