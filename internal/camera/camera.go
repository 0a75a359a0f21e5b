// Package camera manages the camera/illuminator pair: the capture
// timing handshake, capture exclusivity and the exhaustive
// auto-calibration search over camera and light settings.
package camera

import (
	"context"
	"errors"
	"time"
)

// ErrCaptureFailed is returned when a frame could not be captured or
// encoded.
var ErrCaptureFailed = errors.New("failed to capture picture")

// Settings are the manual camera controls applied before a capture.
type Settings struct {
	Gain       float64
	ExposureUs int
}

// RGB is an illuminator color.
type RGB struct {
	R, G, B uint8
}

// Frame is a single captured frame. Frames own native resources and
// must be closed by the receiver.
type Frame interface {
	// Encode serializes the frame to JPEG.
	Encode() ([]byte, error)
	Close()
}

// Driver is the camera hardware interface.
type Driver interface {
	// Apply sets manual camera controls. Implementations block until
	// the controls have taken effect.
	Apply(settings Settings) error

	// Settle blocks until the sensor pipeline is idle.
	Settle()

	// Grab captures one frame.
	Grab(ctx context.Context) (Frame, error)
}

// Illuminator is the light-source interface. Commands are requests to a
// remote module; confirmation arrives separately through the
// illumination-ready handshake.
type Illuminator interface {
	TurnOn()
	TurnOff()
	SetColor(color RGB)
	Dim(brightness uint8)
}

// Scorer rates the quality of an encoded frame for auto-calibration.
type Scorer interface {
	Score(frameJPEG []byte) (float64, error)
}

// SettingsSink persists the winning auto-calibration settings.
type SettingsSink interface {
	UpdateCameraSettings(settings map[string]any) error
}

// Timing holds the handshake delays of the capture protocol.
type Timing struct {
	// LightOnTimeout bounds the wait for the illumination-ready
	// acknowledgment. Expiry is a logged warning, not a failure.
	LightOnTimeout time.Duration `yaml:"lightOnTimeout"`

	// LightSettle is the delay between the acknowledgment (or its
	// timeout) and the capture.
	LightSettle time.Duration `yaml:"lightSettle"`

	// ControlSettle is the minimum delay after a settings change.
	ControlSettle time.Duration `yaml:"controlSettle"`
}

// DefaultTiming returns the handshake delays of the reference hardware.
func DefaultTiming() Timing {
	return Timing{
		LightOnTimeout: 2 * time.Second,
		LightSettle:    50 * time.Millisecond,
		ControlSettle:  20 * time.Millisecond,
	}
}
