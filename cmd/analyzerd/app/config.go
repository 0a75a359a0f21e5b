package app

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"spectrabench/internal/camera"
	"spectrabench/internal/extractor"
)

// Config represents the main application configuration
type Config struct {
	Settings   Settings         `yaml:"settings"`
	Instrument InstrumentConfig `yaml:"instrument"`
	Camera     CameraConfig     `yaml:"camera"`
	Extractor  ExtractorConfig  `yaml:"extractor"`
	Sensor     SensorConfig     `yaml:"sensor"`
	Archive    ArchiveConfig    `yaml:"archive"`
	Wavelength WavelengthConfig `yaml:"wavelength"`
}

// Settings represents global application settings
type Settings struct {
	LogLevel string `yaml:"logLevel"`
	Device   string `yaml:"device"`
}

// Level parses the configured log level, defaulting to info.
func (s Settings) Level() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return level
}

// InstrumentConfig points at the instrument state files.
type InstrumentConfig struct {
	ConfigFile    string `yaml:"configFile"`
	ReferenceFile string `yaml:"referenceFile"`
}

// CameraConfig represents the camera device and handshake timing.
// Delays are in milliseconds; zero keeps the defaults.
type CameraConfig struct {
	// Device is a V4L2 index ("0") or a device path ("/dev/video0").
	Device string `yaml:"device"`

	LightOnTimeoutMs int `yaml:"lightOnTimeoutMs"`
	LightSettleMs    int `yaml:"lightSettleMs"`
	ControlSettleMs  int `yaml:"controlSettleMs"`
}

// ExtractorConfig selects the region-of-interest policy.
type ExtractorConfig struct {
	Policy string `yaml:"policy"`
	X      int    `yaml:"x"`
	Y      int    `yaml:"y"`
	Width  int    `yaml:"width"`
	Height int    `yaml:"height"`
}

// SensorConfig represents the cuvette presence sensor.
type SensorConfig struct {
	Enabled        bool   `yaml:"enabled"`
	ValueFile      string `yaml:"valueFile"`
	PollIntervalMs int    `yaml:"pollIntervalMs"`
}

// ArchiveConfig represents analysis archival settings.
type ArchiveConfig struct {
	Enabled       bool   `yaml:"enabled"`
	DataDirectory string `yaml:"dataDirectory"`
}

// WavelengthConfig is the pixel to nanometer affine mapping.
type WavelengthConfig struct {
	FactorNmPerPixel float64 `yaml:"factorNmPerPixel"`
	OffsetNm         float64 `yaml:"offsetNm"`
}

// LoadConfig reads and validates the YAML configuration at path.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading configuration: %w", err)
	}

	var config Config
	if err = yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("parsing configuration: %w", err)
	}

	if err = config.validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func (c *Config) validate() error {
	if c.Instrument.ConfigFile == "" {
		return fmt.Errorf("instrument.configFile is required")
	}
	if c.Instrument.ReferenceFile == "" {
		return fmt.Errorf("instrument.referenceFile is required")
	}
	if c.Camera.Device == "" {
		c.Camera.Device = "0"
	}
	if c.Settings.Device == "" {
		c.Settings.Device = "spectrabench"
	}
	if c.Sensor.Enabled && c.Sensor.ValueFile == "" {
		return fmt.Errorf("sensor.valueFile is required when the sensor is enabled")
	}

	switch c.Extractor.Policy {
	case "", string(extractor.PolicyFixed), string(extractor.PolicyAuto):
	default:
		return fmt.Errorf("unknown extractor policy %q", c.Extractor.Policy)
	}
	return nil
}

// timing builds the capture handshake delays, keeping defaults for
// unset values.
func (c *Config) timing() camera.Timing {
	timing := camera.DefaultTiming()
	if c.Camera.LightOnTimeoutMs > 0 {
		timing.LightOnTimeout = time.Duration(c.Camera.LightOnTimeoutMs) * time.Millisecond
	}
	if c.Camera.LightSettleMs > 0 {
		timing.LightSettle = time.Duration(c.Camera.LightSettleMs) * time.Millisecond
	}
	if c.Camera.ControlSettleMs > 0 {
		timing.ControlSettle = time.Duration(c.Camera.ControlSettleMs) * time.Millisecond
	}
	return timing
}

// extractorConfig builds the package-level extractor configuration,
// falling back to the reference hardware region.
func (c *Config) extractorConfig() extractor.Config {
	cfg := extractor.DefaultConfig()
	if c.Extractor.Policy != "" {
		cfg.Policy = extractor.Policy(c.Extractor.Policy)
	}
	if c.Extractor.Width > 0 && c.Extractor.Height > 0 {
		cfg.X = c.Extractor.X
		cfg.Y = c.Extractor.Y
		cfg.Width = c.Extractor.Width
		cfg.Height = c.Extractor.Height
	}
	return cfg
}
