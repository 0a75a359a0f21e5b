// Package sensor monitors the cuvette slot and translates presence
// changes into instrument commands.
package sensor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"spectrabench/internal/bus"
)

// ModuleName is the bus address of the cuvette sensor.
const ModuleName = "CuvetteSensor"

// Mode selects what a cuvette insertion triggers.
type Mode string

const (
	// ModeAnalysis triggers a picture and an analysis run.
	ModeAnalysis Mode = "Analysis"

	// ModeAddSubstance triggers a reference spectrum capture.
	ModeAddSubstance Mode = "AddSubstance"
)

// Message types exchanged with the rest of the instrument.
const (
	msgCuvettePresent = "CuvettePresent"
	msgCuvetteAbsent  = "CuvetteAbsent"
	msgAddSubstance   = "AddSubstance"

	// EventModeChanged announces a sensor mode switch.
	EventModeChanged = "ModeChanged"
)

// DefaultPollInterval is how often the presence input is sampled.
const DefaultPollInterval = 100 * time.Millisecond

// Input reads the physical presence detector.
type Input interface {
	Present() (bool, error)
}

// Monitor polls an Input and publishes presence transitions. The
// active Mode decides the recipient: insertions trigger a camera
// capture in Analysis mode and a reference acquisition in AddSubstance
// mode.
type Monitor struct {
	bus      *bus.Bus
	input    Input
	interval time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	mode    Mode
	present bool

	wg sync.WaitGroup
}

// New creates a Monitor in Analysis mode.
func New(b *bus.Bus, input Input, options ...func(*Monitor)) *Monitor {
	m := &Monitor{
		bus:      b,
		input:    input,
		interval: DefaultPollInterval,
		logger:   slog.Default(),
		mode:     ModeAnalysis,
	}

	for _, option := range options {
		option(m)
	}

	return m
}

// WithLogger sets the Monitor logger.
func WithLogger(logger *slog.Logger) func(*Monitor) {
	return func(m *Monitor) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithPollInterval sets the presence sampling interval.
func WithPollInterval(interval time.Duration) func(*Monitor) {
	return func(m *Monitor) {
		if interval > 0 {
			m.interval = interval
		}
	}
}

// Mode returns the active sensor mode.
func (m *Monitor) Mode() Mode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mode
}

// Start attaches the Monitor to the bus and begins polling the
// presence input. The handler is registered before Start returns, so
// mode commands published afterwards are never missed. ctx bounds the
// polling loop.
func (m *Monitor) Start(ctx context.Context) {
	m.bus.Register(ModuleName, m.handle)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.loop(ctx)
	}()
}

// Wait blocks until the polling loop has stopped.
func (m *Monitor) Wait() {
	m.wg.Wait()
}

func (m *Monitor) loop(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.poll()
		}
	}
}

// poll samples the input once and publishes on a state change.
func (m *Monitor) poll() {
	present, err := m.input.Present()
	if err != nil {
		m.logger.Warn("presence read failed", "error", err)
		return
	}

	m.mu.Lock()
	if present == m.present {
		m.mu.Unlock()
		return
	}
	m.present = present
	mode := m.mode
	m.mu.Unlock()

	if present {
		m.onInserted(mode)
	} else {
		m.onRemoved(mode)
	}
}

func (m *Monitor) onInserted(mode Mode) {
	switch mode {
	case ModeAnalysis:
		m.logger.Info("cuvette detected")
		m.bus.Publish(ModuleName, "Camera", msgCuvettePresent, nil)
	case ModeAddSubstance:
		m.logger.Info("add substance requested")
		m.bus.Publish(ModuleName, "Analysis", msgAddSubstance, nil)
	}
}

func (m *Monitor) onRemoved(mode Mode) {
	m.logger.Info("cuvette removed")
	switch mode {
	case ModeAnalysis:
		m.bus.Publish(ModuleName, "Camera", msgCuvetteAbsent, nil)
	case ModeAddSubstance:
		m.bus.Publish(ModuleName, "Analysis", msgCuvetteAbsent, nil)
	}
}

// handle switches the sensor mode on Analysis and AddSubstance
// commands and announces the change.
func (m *Monitor) handle(msg bus.Message) {
	var mode Mode
	switch msg.Type {
	case string(ModeAnalysis):
		mode = ModeAnalysis
	case string(ModeAddSubstance):
		mode = ModeAddSubstance
	default:
		return
	}

	m.mu.Lock()
	changed := m.mode != mode
	m.mode = mode
	m.mu.Unlock()

	if !changed {
		return
	}

	m.logger.Info("sensor mode switched", slog.String("mode", string(mode)))
	m.bus.Publish(ModuleName, bus.Broadcast, EventModeChanged, bus.Payload{
		"mode": string(mode),
	})
}
