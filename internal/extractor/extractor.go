// Package extractor converts a captured cuvette image into a
// one-dimensional intensity profile. The band holding the dispersed
// spectrum is selected either by a configured fixed rectangle or by the
// automatic band locator, then reduced by column-wise averaging.
package extractor

import (
	"errors"
	"fmt"
	"image"
	"io"
	"log/slog"

	"gocv.io/x/gocv"

	"spectrabench/internal/spectrum"
)

var (
	// ErrDecode is returned when the image payload cannot be decoded.
	ErrDecode = errors.New("failed to decode image data")

	// ErrInvalidRegion is returned when the configured or detected
	// region falls outside the image bounds or is empty.
	ErrInvalidRegion = errors.New("region of interest is invalid for the image dimensions")

	// ErrEmptyProfile is returned when extraction yields no samples.
	ErrEmptyProfile = errors.New("extracted intensity profile is empty")
)

// Policy selects how the spectral band is located within the image.
type Policy string

const (
	// PolicyFixed crops a configured rectangle, clamped to the image.
	PolicyFixed Policy = "fixed"

	// PolicyAuto locates the band by scoring edge-derived candidate
	// regions.
	PolicyAuto Policy = "auto"
)

// Config holds the extraction settings persisted with the instrument.
type Config struct {
	Policy Policy `json:"roi_policy" yaml:"roiPolicy"`

	// Fixed rectangle, used by PolicyFixed.
	X      int `json:"roi_x" yaml:"roiX"`
	Y      int `json:"roi_y" yaml:"roiY"`
	Width  int `json:"roi_width" yaml:"roiWidth"`
	Height int `json:"roi_height" yaml:"roiHeight"`

	Locator LocatorOptions `json:"-" yaml:"-"`
}

// DefaultConfig returns the factory extraction settings: the fixed band
// of the reference optical geometry.
func DefaultConfig() Config {
	return Config{
		Policy:  PolicyFixed,
		X:       110,
		Y:       720,
		Width:   300,
		Height:  10,
		Locator: DefaultLocatorOptions(),
	}
}

// Result is the outcome of a single extraction.
type Result struct {
	Profile spectrum.Profile
	Region  image.Rectangle

	// ROIJPEG is the cropped band encoded for observers. Nil when
	// encoding failed; extraction itself is unaffected.
	ROIJPEG []byte
}

// Notifier receives the encoded ROI of every successful extraction.
// Errors are logged and never fail the extraction.
type Notifier func(roiJPEG []byte) error

// WithLogger sets the logger for the extractor.
func WithLogger(logger *slog.Logger) func(*Extractor) {
	return func(e *Extractor) {
		e.logger = logger.With(slog.String("component", "extractor"))
	}
}

// WithNotifier sets the observer callback for cropped band images.
func WithNotifier(n Notifier) func(*Extractor) {
	return func(e *Extractor) {
		e.notify = n
	}
}

// Extractor turns raw captured images into intensity profiles.
type Extractor struct {
	config Config
	notify Notifier
	logger *slog.Logger
}

// New creates an Extractor with a discard logger and no notifier.
func New(config Config, options ...func(*Extractor)) *Extractor {
	e := Extractor{
		config: config,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}

	for _, option := range options {
		option(&e)
	}

	return &e
}

// Extract decodes the image, selects the spectral band per the
// configured policy and reduces it to a column-averaged profile.
func (e *Extractor) Extract(imageData []byte) (*Result, error) {
	img, err := gocv.IMDecode(imageData, gocv.IMReadColor)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	defer img.Close()

	if img.Empty() {
		return nil, ErrDecode
	}

	bounds := image.Rect(0, 0, img.Cols(), img.Rows())

	var region image.Rectangle
	switch e.config.Policy {
	case PolicyAuto:
		region = locateBand(img, e.config.Locator, e.logger)

	default:
		region = image.Rect(e.config.X, e.config.Y, e.config.X+e.config.Width, e.config.Y+e.config.Height)
	}

	region = region.Intersect(bounds)
	if region.Empty() {
		return nil, ErrInvalidRegion
	}

	e.logger.Info("using ROI",
		slog.Int("x", region.Min.X),
		slog.Int("y", region.Min.Y),
		slog.Int("width", region.Dx()),
		slog.Int("height", region.Dy()))

	roi := img.Region(region)
	defer roi.Close()

	gray := gocv.NewMat()
	defer gray.Close()
	gocv.CvtColor(roi, &gray, gocv.ColorBGRToGray)

	profile := columnMeans(gray)
	if len(profile) == 0 {
		return nil, ErrEmptyProfile
	}

	result := Result{
		Profile: profile,
		Region:  region,
		ROIJPEG: e.encodeROI(roi),
	}

	if e.notify != nil && result.ROIJPEG != nil {
		if err := e.notify(result.ROIJPEG); err != nil {
			e.logger.Warn("failed to notify observers of captured band", slog.Any("error", err))
		}
	}

	return &result, nil
}

// encodeROI encodes the cropped band for observers. Failure is reported
// as a nil slice, never as an extraction error.
func (e *Extractor) encodeROI(roi gocv.Mat) []byte {
	buf, err := gocv.IMEncode(gocv.JPEGFileExt, roi)
	if err != nil {
		e.logger.Warn("failed to encode ROI image", slog.Any("error", err))
		return nil
	}
	defer buf.Close()

	out := make([]byte, len(buf.GetBytes()))
	copy(out, buf.GetBytes())
	return out
}

// columnMeans reduces a grayscale band to one intensity sample per
// column.
func columnMeans(gray gocv.Mat) spectrum.Profile {
	rows, cols := gray.Rows(), gray.Cols()
	if rows == 0 || cols == 0 {
		return nil
	}

	profile := make(spectrum.Profile, cols)
	for x := 0; x < cols; x++ {
		var sum float64
		for y := 0; y < rows; y++ {
			sum += float64(gray.GetUCharAt(y, x))
		}
		profile[x] = sum / float64(rows)
	}
	return profile
}
