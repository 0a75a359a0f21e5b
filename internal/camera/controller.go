package camera

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Controller serializes access to the camera and drives the capture
// handshake with the illuminator.
type Controller struct {
	driver Driver
	illum  Illuminator
	scorer Scorer
	sink   SettingsSink

	timing Timing
	grid   CalibrationGrid
	logger *slog.Logger

	// captureMu makes captures mutually exclusive. Auto-calibration
	// holds it for the whole sweep.
	captureMu sync.Mutex

	// lightReady carries the illumination-ready acknowledgment from
	// the bus handler to a waiting capture. Buffered so the handler
	// never blocks.
	lightReady chan struct{}
}

// New creates a camera Controller.
func New(driver Driver, illum Illuminator, options ...func(*Controller)) *Controller {
	c := &Controller{
		driver:     driver,
		illum:      illum,
		timing:     DefaultTiming(),
		grid:       DefaultCalibrationGrid(),
		logger:     slog.Default(),
		lightReady: make(chan struct{}, 1),
	}

	for _, option := range options {
		option(c)
	}

	return c
}

// WithLogger sets the Controller logger.
func WithLogger(logger *slog.Logger) func(*Controller) {
	return func(c *Controller) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithScorer sets the frame quality scorer used by auto-calibration.
func WithScorer(scorer Scorer) func(*Controller) {
	return func(c *Controller) {
		c.scorer = scorer
	}
}

// WithSettingsSink sets where auto-calibration persists its result.
func WithSettingsSink(sink SettingsSink) func(*Controller) {
	return func(c *Controller) {
		c.sink = sink
	}
}

// WithTiming overrides the capture handshake delays.
func WithTiming(timing Timing) func(*Controller) {
	return func(c *Controller) {
		c.timing = timing
	}
}

// WithCalibrationGrid overrides the auto-calibration search space.
func WithCalibrationGrid(grid CalibrationGrid) func(*Controller) {
	return func(c *Controller) {
		c.grid = grid
	}
}

// LightReady signals that the illuminator confirmed it is on. Called
// from the bus handler goroutine.
func (c *Controller) LightReady() {
	select {
	case c.lightReady <- struct{}{}:
	default:
	}
}

// LightOff clears a pending readiness signal after the illuminator
// confirmed it turned off.
func (c *Controller) LightOff() {
	c.drainLightReady()
}

// Capture takes a single illuminated picture and returns it JPEG
// encoded. The illuminator is always turned off afterwards, and any
// stale readiness signal is cleared.
func (c *Controller) Capture(ctx context.Context) ([]byte, error) {
	c.captureMu.Lock()
	defer c.captureMu.Unlock()

	return c.capture(ctx)
}

// capture is the handshake body. The caller must hold captureMu.
func (c *Controller) capture(ctx context.Context) ([]byte, error) {
	c.drainLightReady()
	c.illum.TurnOn()

	defer func() {
		c.illum.TurnOff()
		c.drainLightReady()
	}()

	if !c.waitLightReady(ctx) {
		c.logger.Warn("light readiness not confirmed, capturing anyway",
			slog.Duration("timeout", c.timing.LightOnTimeout))
	}

	if err := sleep(ctx, c.timing.LightSettle); err != nil {
		return nil, err
	}

	c.driver.Settle()

	frame, err := c.driver.Grab(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCaptureFailed, err)
	}
	defer frame.Close()

	data, err := frame.Encode()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCaptureFailed, err)
	}

	return data, nil
}

// waitLightReady blocks until the illumination-ready acknowledgment
// arrives, the timeout expires or ctx is done. It reports whether the
// acknowledgment arrived.
func (c *Controller) waitLightReady(ctx context.Context) bool {
	timer := time.NewTimer(c.timing.LightOnTimeout)
	defer timer.Stop()

	select {
	case <-c.lightReady:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}

func (c *Controller) drainLightReady() {
	select {
	case <-c.lightReady:
	default:
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
