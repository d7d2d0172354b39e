// Command qsensor is the demo/CLI entrypoint: it wires a structured logger
// and a YAML-loaded configuration into a Controller/Recorder pair and drives
// them against either real hardware or the bundled simulator.
package main

import (
	"context"
	"flag"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/Matthue7/q-sensor-engine/internal/config"
	"github.com/Matthue7/q-sensor-engine/internal/controller"
	"github.com/Matthue7/q-sensor-engine/internal/logging"
	"github.com/Matthue7/q-sensor-engine/internal/model"
	"github.com/Matthue7/q-sensor-engine/internal/recorder"
	"github.com/Matthue7/q-sensor-engine/internal/transport"
)

func main() {
	configPath := flag.String("config", "./q-sensor.yaml", "Path to config file")
	demo := flag.Bool("demo", false, "Run against the bundled simulator instead of a real port")
	portOverride := flag.String("port", "", "Override the configured serial port")
	flag.Parse()

	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	log.Println("[main] q-sensor-engine starting")

	cfg := config.LoadConfig(*configPath)
	if *portOverride != "" {
		cfg.Serial.Port = *portOverride
	}

	logger := logging.NewDefaultLogger(cfg.Logging.Debug)
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var open controller.TransportFactory
	if *demo {
		open = func(port string, baud int) (transport.Transport, error) {
			return transport.NewSimulator(), nil
		}
	} else {
		open = func(port string, baud int) (transport.Transport, error) {
			return transport.Open(port, baud)
		}
	}

	ctrl := controller.New(logger, cfg.Sensor.BufferCapacity, open)

	if err := ctrl.Connect(cfg.Serial.Port, cfg.Serial.Baud); err != nil {
		logger.Errorf("initial connect failed, entering reconnect loop: %v", err)
		if err := ctrl.Reconnect(ctx); err != nil {
			logger.Errorf("reconnect abandoned: %v", err)
			return
		}
	}

	if err := applySensorDefaults(ctrl, cfg); err != nil {
		logger.Errorf("applying sensor defaults: %v", err)
	}

	mode := model.ModeFreerun
	if cfg.Sensor.Mode == string(model.ModePolled) {
		mode = model.ModePolled
	}
	pollHz := 0.0
	if mode == model.ModePolled {
		pollHz = 1.0
	}
	if err := ctrl.Start(pollHz); err != nil {
		logger.Errorf("start acquisition: %v", err)
		return
	}
	logger.Infof("acquisition running in %s mode", mode)

	rec := recorder.New(logger)
	if _, err := rec.Start(ctrl.RingBuffer(), ctrl.State(), cfg.Recorder.ChunkDir, recorder.StartOpts{
		Mission:       cfg.Recorder.Mission,
		SchemaVersion: cfg.Recorder.SchemaVersion,
		RateHz:        cfg.Recorder.RateHz,
		RollIntervalS: cfg.Recorder.RollIntervalS,
		PollIntervalS: cfg.Recorder.PollIntervalS,
	}); err != nil {
		logger.Errorf("starting recorder: %v", err)
	}

	watchConnection(ctx, ctrl, logger)

	<-ctx.Done()
	log.Println("[main] shutting down")

	if session, err := rec.Stop(); err != nil {
		logger.Errorf("recorder stop: %v", err)
	} else {
		logger.Infof("session %s recorded %d chunks", session.SessionID, len(session.Chunks))
	}
	if err := ctrl.Stop(); err != nil {
		logger.Errorf("controller stop: %v", err)
	}
	if err := ctrl.Disconnect(); err != nil {
		logger.Errorf("disconnect: %v", err)
	}
}

// applySensorDefaults applies the configured averaging/adc_rate/mode/tag
// while the controller is in CONFIG_MENU, right after connect.
func applySensorDefaults(ctrl *controller.Controller, cfg *config.Config) error {
	if _, err := ctrl.SetAveraging(cfg.Sensor.Averaging); err != nil {
		return err
	}
	if _, err := ctrl.SetAdcRate(cfg.Sensor.AdcRateHz); err != nil {
		return err
	}
	mode := model.ModeFreerun
	var tag byte
	if cfg.Sensor.Mode == string(model.ModePolled) && len(cfg.Sensor.Tag) > 0 {
		mode = model.ModePolled
		tag = cfg.Sensor.Tag[0]
	}
	_, err := ctrl.SetMode(mode, tag)
	return err
}

// watchConnection runs ctrl.Reconnect whenever the controller lands in
// ERROR, so a mid-session link failure doesn't end the process.
func watchConnection(ctx context.Context, ctrl *controller.Controller, logger logging.Logger) {
	go func() {
		ticker := time.NewTicker(2 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if ctrl.State() == model.ErrorState {
					logger.Warn("controller in ERROR, attempting reconnect")
					if err := ctrl.Reconnect(ctx); err != nil {
						logger.Errorf("reconnect failed: %v", err)
					}
				}
			}
		}
	}()
}
