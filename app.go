package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/Tutortoise/timberline/actuator"
	"github.com/Tutortoise/timberline/capture"
	"github.com/Tutortoise/timberline/config"
	"github.com/Tutortoise/timberline/console"
	"github.com/Tutortoise/timberline/detections"
	"github.com/Tutortoise/timberline/emitter"
	"github.com/Tutortoise/timberline/event"
	"github.com/Tutortoise/timberline/logging"
	"github.com/Tutortoise/timberline/pipeline"
	"github.com/Tutortoise/timberline/tracker"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
)

// App owns every long-running component of a run.
type App struct {
	cfg    *config.Config
	logger *logging.Logger
	runID  string

	paused   atomic.Bool
	bus      *event.Bus
	buffer   *capture.Buffer
	source   *capture.DirectorySource
	capturer *capture.Capturer
	detector detections.Detector
	merger   *detections.Merger
	set      *pipeline.Set
	pool     *pipeline.Pool
	tracker  *tracker.Tracker

	mqttClient mqtt.Client
	emitter    *emitter.EventEmitter
	control    *emitter.ControlHandler
	renderer   *console.Renderer
	server     *http.Server
	state      *AppState
}

type appOptions struct {
	// console, when set, receives one styled line per event
	console io.Writer
	verbose bool
}

// newApp builds all components without starting any of them. On error,
// whatever was already built is closed.
func newApp(ctx context.Context, cfg *config.Config, logger *logging.Logger, opts appOptions) (_ *App, err error) {
	app := &App{
		cfg:   cfg,
		runID: uuid.NewString()[:8],
		bus:   event.NewBus(),
	}
	app.logger = logger.WithRun(app.runID)
	defer func() {
		if err != nil {
			app.close()
		}
	}()

	app.buffer = capture.NewBuffer()
	app.source, err = capture.NewDirectorySource(cfg.Capture.Dir, cfg.Capture.Watch)
	if err != nil {
		return nil, err
	}
	app.capturer = capture.NewCapturer(app.source, app.buffer, &app.paused, cfg.Capture.CaptureInterval(), app.logger)

	app.detector, err = detections.New(cfg.Model, cfg.Pipeline.Workers)
	if err != nil {
		return nil, err
	}
	app.logger.Info("detector ready", "info", app.detector.Info())

	app.merger = detections.NewMerger(detections.MergerOptions{
		ConfThreshold: cfg.NMS.ConfThreshold,
		IoUThreshold:  cfg.NMS.IoUThreshold,
		ClassAware:    cfg.NMS.ClassAware,
		Labels:        cfg.Model.Labels,
	})
	app.set = pipeline.NewSet()
	app.pool = pipeline.NewPool(app.buffer, app.detector, app.merger, app.set, &app.paused, pipeline.Options{
		Workers: cfg.Pipeline.Workers,
		Idle:    cfg.Pipeline.Idle(),
		Paused:  cfg.Pipeline.Paused(),
	}, app.logger)

	if cfg.MQTT.Enabled {
		app.mqttClient, err = emitter.Connect(ctx, cfg.MQTT, app.logger)
		if err != nil {
			return nil, err
		}
		qos := byte(cfg.MQTT.QoS)
		app.emitter = emitter.NewEventEmitter(app.mqttClient, cfg.MQTT.TopicPrefix, qos, app.logger)
		app.emitter.Attach(app.bus)
		app.control = emitter.NewControlHandler(app.mqttClient, cfg.MQTT.TopicPrefix, qos, emitter.ControlCallbacks{
			OnGetStatus: app.statusData,
			OnPause:     func() error { app.setPaused(true, "mqtt"); return nil },
			OnResume:    func() error { app.setPaused(false, "mqtt"); return nil },
		}, app.logger)
	}

	input, err := app.newInput()
	if err != nil {
		return nil, err
	}
	ic := cfg.Interaction
	sensor := actuator.NewFrameSensor(app.buffer, ic.IconX, ic.IconY, ic.IconColor, ic.IconTolerance)
	controller := actuator.NewController(input, sensor, actuator.NewControllerOptions(ic), app.logger)

	app.tracker = tracker.New(app.set, controller, tracker.NewOptions(cfg),
		tracker.WithBus(app.bus),
		tracker.WithPause(&app.paused),
		tracker.WithLogger(app.logger),
	)

	if opts.console != nil {
		app.renderer = console.NewRenderer(opts.console, opts.verbose)
		app.renderer.Attach(app.bus)
	}

	app.state = &AppState{
		Detector:  app.detector,
		Merger:    app.merger,
		Set:       app.set,
		Sessions:  app.tracker,
		Workers:   app.pool,
		Frames:    app.buffer,
		Capture:   app.capturer,
		Emitter:   app.emitter,
		Selection: tracker.NewOptions(cfg).Selection,
		Paused:    app.setPaused,
		IsPaused:  app.paused.Load,
		StartedAt: time.Now(),
		Logger:    app.logger.WithComponent("status"),
	}
	if cfg.Status.Enabled {
		r := mux.NewRouter()
		app.state.addRoutes(r)
		app.server = &http.Server{
			Handler:      r,
			Addr:         cfg.Status.Addr,
			WriteTimeout: 60 * time.Second,
			ReadTimeout:  60 * time.Second,
		}
	}
	return app, nil
}

func (a *App) newInput() (actuator.Input, error) {
	switch a.cfg.Input.Kind {
	case "log":
		return actuator.NewLogInput(a.logger), nil
	case "mqtt":
		if a.mqttClient == nil {
			return nil, errors.New("input kind mqtt needs mqtt.enabled")
		}
		return actuator.NewMQTTInput(a.mqttClient, a.cfg.MQTT.TopicPrefix, byte(a.cfg.MQTT.QoS), a.logger), nil
	}
	return nil, fmt.Errorf("unknown input kind %q", a.cfg.Input.Kind)
}

// setPaused flips the shared pause flag and announces the change. It
// returns false when the flag already had the requested value.
func (a *App) setPaused(paused bool, source string) bool {
	if !a.paused.CompareAndSwap(!paused, paused) {
		return false
	}
	a.logger.Info("pause state changed", "paused", paused, "source", source)
	a.bus.Publish(event.NewPauseEvent(paused, source))
	return true
}

func (a *App) statusData() map[string]any {
	return a.state.status()
}

// Run starts every component and blocks until ctx is done, then stops them
// in reverse order.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	a.logger.Info("starting",
		"capture_dir", a.cfg.Capture.Dir,
		"workers", a.cfg.Pipeline.Workers,
		"provider", a.cfg.Model.Provider,
	)

	a.capturer.Start(ctx)
	a.pool.Start(ctx)

	if a.control != nil {
		if err := a.control.Start(ctx); err != nil {
			a.logger.Warn("control plane unavailable", "error", err)
		}
	}

	serverErr := make(chan error, 1)
	if a.server != nil {
		go func() {
			a.logger.Info("status server listening", "addr", a.server.Addr)
			if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serverErr <- err
			}
		}()
	}

	trackerDone := make(chan error, 1)
	go func() { trackerDone <- a.tracker.Run(ctx) }()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-serverErr:
		a.logger.Error("status server failed", "error", runErr)
	}

	cancel()
	a.shutdown()
	if err := <-trackerDone; err != nil && runErr == nil {
		runErr = err
	}
	a.close()
	return runErr
}

func (a *App) shutdown() {
	if a.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.server.Shutdown(ctx); err != nil {
			a.logger.Warn("status server shutdown", "error", err)
		}
	}
	if a.control != nil {
		if err := a.control.Stop(); err != nil {
			a.logger.Warn("control plane stop", "error", err)
		}
	}
	a.pool.Stop()
	a.capturer.Stop()
}

// close releases resources. Safe to call on a partially built App.
func (a *App) close() {
	if a.renderer != nil {
		a.renderer.Detach()
	}
	if a.emitter != nil {
		a.emitter.Detach()
	}
	if a.mqttClient != nil {
		a.mqttClient.Disconnect(250)
	}
	if a.detector != nil {
		if err := a.detector.Close(); err != nil {
			a.logger.Warn("detector close", "error", err)
		}
	}
	if a.source != nil {
		if err := a.source.Close(); err != nil {
			a.logger.Warn("capture source close", "error", err)
		}
	}
}
