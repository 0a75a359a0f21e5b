package camera

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// ErrNoOptimalSettings is returned when the calibration sweep finds no
// configuration with a positive quality score.
var ErrNoOptimalSettings = errors.New("no optimal camera settings found")

// CalibrationGrid is the search space of the exhaustive calibration
// sweep. Axes are iterated in declaration order, gain outermost.
type CalibrationGrid struct {
	Gains      []float64
	Exposures  []int
	Colors     []RGB
	Brightness []uint8
}

// DefaultCalibrationGrid returns a coarse sweep over the usable control
// ranges of the reference camera and illuminator.
func DefaultCalibrationGrid() CalibrationGrid {
	grid := CalibrationGrid{
		Exposures:  []int{10000, 20000, 40000, 60000, 80000, 100000},
		Brightness: []uint8{55, 105, 155, 205, 255},
	}

	for gain := 1.0; gain <= 16.0; gain += 1.0 {
		grid.Gains = append(grid.Gains, gain)
	}

	levels := []uint8{55, 155, 255}
	for _, r := range levels {
		for _, g := range levels {
			for _, b := range levels {
				grid.Colors = append(grid.Colors, RGB{R: r, G: g, B: b})
			}
		}
	}

	return grid
}

// size returns the number of grid points.
func (g CalibrationGrid) size() int {
	return len(g.Gains) * len(g.Exposures) * len(g.Colors) * len(g.Brightness)
}

// CalibrationResult is the winning configuration of a sweep.
type CalibrationResult struct {
	Settings   Settings
	Color      RGB
	Brightness uint8
	Score      float64
}

// Calibrate sweeps the full calibration grid, scores a frame at every
// point and applies and persists the best configuration. Ties keep the
// earlier grid point. The sweep holds the capture lock for its whole
// duration.
func (c *Controller) Calibrate(ctx context.Context) (CalibrationResult, error) {
	if c.scorer == nil {
		return CalibrationResult{}, errors.New("calibration requires a frame scorer")
	}

	c.captureMu.Lock()
	defer c.captureMu.Unlock()

	c.logger.Info("starting camera calibration sweep", slog.Int("gridSize", c.grid.size()))

	c.illum.TurnOn()
	defer c.illum.TurnOff()

	var best CalibrationResult

	for _, gain := range c.grid.Gains {
		for _, exposure := range c.grid.Exposures {
			settings := Settings{Gain: gain, ExposureUs: exposure}

			if err := c.driver.Apply(settings); err != nil {
				return CalibrationResult{}, fmt.Errorf("applying camera settings: %w", err)
			}

			for _, color := range c.grid.Colors {
				c.illum.SetColor(color)

				for _, brightness := range c.grid.Brightness {
					if err := ctx.Err(); err != nil {
						return CalibrationResult{}, err
					}

					c.illum.Dim(brightness)

					if err := sleep(ctx, c.timing.ControlSettle); err != nil {
						return CalibrationResult{}, err
					}

					score, err := c.scoreFrame(ctx)
					if err != nil {
						c.logger.Warn("skipping calibration point", "error", err,
							slog.Float64("gain", gain),
							slog.Int("exposureUs", exposure))
						continue
					}

					if score > best.Score {
						best = CalibrationResult{
							Settings:   settings,
							Color:      color,
							Brightness: brightness,
							Score:      score,
						}
					}
				}
			}
		}
	}

	if best.Score <= 0 {
		return CalibrationResult{}, ErrNoOptimalSettings
	}

	if err := c.applyResult(best); err != nil {
		return CalibrationResult{}, err
	}

	c.logger.Info("camera calibration complete",
		slog.Float64("score", best.Score),
		slog.Float64("gain", best.Settings.Gain),
		slog.Int("exposureUs", best.Settings.ExposureUs),
		slog.Int("brightness", int(best.Brightness)))

	return best, nil
}

// scoreFrame grabs one frame at the current settings and rates it.
func (c *Controller) scoreFrame(ctx context.Context) (float64, error) {
	frame, err := c.driver.Grab(ctx)
	if err != nil {
		return 0, fmt.Errorf("grabbing frame: %w", err)
	}
	defer frame.Close()

	data, err := frame.Encode()
	if err != nil {
		return 0, fmt.Errorf("encoding frame: %w", err)
	}

	score, err := c.scorer.Score(data)
	if err != nil {
		return 0, fmt.Errorf("scoring frame: %w", err)
	}

	return score, nil
}

// applyResult activates the winning configuration and persists it.
func (c *Controller) applyResult(best CalibrationResult) error {
	if err := c.driver.Apply(best.Settings); err != nil {
		return fmt.Errorf("applying calibrated settings: %w", err)
	}

	c.illum.SetColor(best.Color)
	c.illum.Dim(best.Brightness)

	if c.sink == nil {
		return nil
	}

	settings := map[string]any{
		"gain":     best.Settings.Gain,
		"exposure": best.Settings.ExposureUs,
		"light": map[string]any{
			"red":        best.Color.R,
			"green":      best.Color.G,
			"blue":       best.Color.B,
			"brightness": best.Brightness,
		},
		"score": best.Score,
	}

	if err := c.sink.UpdateCameraSettings(settings); err != nil {
		return fmt.Errorf("persisting calibrated settings: %w", err)
	}

	return nil
}
