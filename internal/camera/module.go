package camera

import (
	"context"
	"encoding/base64"
	"log/slog"
	"sync"

	"spectrabench/internal/bus"
)

// ModuleName is the bus address of the camera module.
const ModuleName = "Camera"

// LightModuleName is the bus address of the illuminator module.
const LightModuleName = "LightSource"

// Inbound command message types.
const (
	MsgCuvettePresent = "CuvettePresent"
	MsgTake           = "Take"
	MsgAnalyze        = "Analyze"
	MsgCalibrate      = "Calibrate"

	msgTurnedOn  = "TurnedOn"
	msgTurnedOff = "TurnedOff"
)

// Outbound event message types.
const (
	EventPictureTaken       = "PictureTaken"
	EventCalibrationStarted = "CalibrationStarted"
	EventCameraCalibrated   = "CameraCalibrated"
)

// AnalysisModuleName is where captured analysis pictures are sent.
const AnalysisModuleName = "Analysis"

// Module adapts a Controller to the message bus: it reacts to capture
// and calibration commands and to the illuminator's readiness
// acknowledgments.
type Module struct {
	bus        *bus.Bus
	controller *Controller
	logger     *slog.Logger

	ctx context.Context
	wg  sync.WaitGroup
}

// NewModule creates the bus adapter for the given Controller.
func NewModule(b *bus.Bus, controller *Controller, options ...func(*Module)) *Module {
	m := &Module{
		bus:        b,
		controller: controller,
		logger:     slog.Default(),
	}

	for _, option := range options {
		option(m)
	}

	return m
}

// WithModuleLogger sets the Module logger.
func WithModuleLogger(logger *slog.Logger) func(*Module) {
	return func(m *Module) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// Start attaches the module to the bus. ctx bounds all spawned work.
func (m *Module) Start(ctx context.Context) {
	m.ctx = ctx
	m.bus.Register(ModuleName, m.handle)
}

// Wait blocks until all spawned workers have finished.
func (m *Module) Wait() {
	m.wg.Wait()
}

func (m *Module) handle(msg bus.Message) {
	if msg.Sender == LightModuleName {
		switch msg.Type {
		case msgTurnedOn:
			m.controller.LightReady()
		case msgTurnedOff:
			m.controller.LightOff()
		}
		return
	}

	switch msg.Type {
	case MsgCuvettePresent, MsgAnalyze:
		m.capture(AnalysisModuleName, MsgAnalyze)
	case MsgTake:
		m.capture(bus.Broadcast, EventPictureTaken)
	case MsgCalibrate:
		m.calibrate()
	}
}

// capture takes a picture asynchronously and sends it, base64 encoded,
// to the destination. Failures are logged; the requester learns about
// them through the absence of a picture.
func (m *Module) capture(destination, msgType string) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		image, err := m.controller.Capture(m.ctx)
		if err != nil {
			m.logger.Error("failed to take a picture", "error", err)
			return
		}

		m.bus.Publish(ModuleName, destination, msgType, bus.Payload{
			"image": base64.StdEncoding.EncodeToString(image),
		})
	}()
}

func (m *Module) calibrate() {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		m.bus.Publish(ModuleName, bus.Broadcast, EventCalibrationStarted, bus.Payload{
			"message": "starting camera calibration",
		})

		best, err := m.controller.Calibrate(m.ctx)
		if err != nil {
			m.bus.Publish(ModuleName, bus.Broadcast, EventCameraCalibrated, bus.Payload{
				"status":  "error",
				"message": err.Error(),
			})
			return
		}

		m.bus.Publish(ModuleName, bus.Broadcast, EventCameraCalibrated, bus.Payload{
			"status": "success",
			"settings": map[string]any{
				"gain":       best.Settings.Gain,
				"exposure":   best.Settings.ExposureUs,
				"brightness": best.Brightness,
				"score":      best.Score,
			},
		})
	}()
}

// BusIlluminator drives the light source over the message bus.
type BusIlluminator struct {
	Bus *bus.Bus
}

func (l BusIlluminator) TurnOn() {
	l.Bus.Publish(ModuleName, LightModuleName, "TurnOn", nil)
}

func (l BusIlluminator) TurnOff() {
	l.Bus.Publish(ModuleName, LightModuleName, "TurnOff", nil)
}

func (l BusIlluminator) SetColor(color RGB) {
	l.Bus.Publish(ModuleName, LightModuleName, "SetColor", bus.Payload{
		"r": int(color.R),
		"g": int(color.G),
		"b": int(color.B),
	})
}

func (l BusIlluminator) Dim(brightness uint8) {
	l.Bus.Publish(ModuleName, LightModuleName, "Dim", bus.Payload{
		"brightness": int(brightness),
	})
}
