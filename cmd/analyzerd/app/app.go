// Package app wires the instrument modules together and runs the
// analyzer daemon until it is signalled to stop.
package app

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"spectrabench/internal/analysis"
	"spectrabench/internal/archive"
	"spectrabench/internal/bus"
	"spectrabench/internal/camera"
	"spectrabench/internal/extractor"
	"spectrabench/internal/instrument"
	"spectrabench/internal/reference"
	"spectrabench/internal/sensor"
	"spectrabench/internal/spectrum"
)

const storageDir = "data"

// Run assembles the instrument and blocks until ctx is cancelled.
func Run(ctx context.Context, config *Config, logger *slog.Logger) error {
	b := bus.New(bus.WithLogger(logger))

	instrStore := instrument.NewStore(config.Instrument.ConfigFile,
		instrument.WithLogger(logger))
	refStore := reference.Open(config.Instrument.ReferenceFile,
		reference.WithLogger(logger))
	logger.Info("reference spectra loaded", slog.Int("records", refStore.Len()))

	recorder, closeArchive, err := createArchive(ctx, config)
	if err != nil {
		return err
	}
	defer closeArchive()

	controller, closeCamera, err := createCamera(b, config, instrStore, logger)
	if err != nil {
		return err
	}
	defer closeCamera()

	camModule := camera.NewModule(b, controller, camera.WithModuleLogger(logger))
	camModule.Start(ctx)
	defer camModule.Wait()

	ext := extractor.New(config.extractorConfig(),
		extractor.WithLogger(logger),
		extractor.WithNotifier(func(roiJPEG []byte) error {
			// The cropped region goes to the operator display only;
			// broadcasting it would feed it back into acquisition.
			b.Publish(analysis.ModuleName, "GUI", analysis.MsgPictureTaken, bus.Payload{
				"image": base64.StdEncoding.EncodeToString(roiJPEG),
			})
			return nil
		}))

	orchOptions := []func(*analysis.Orchestrator){
		analysis.WithLogger(logger),
		analysis.WithDetector(spectrum.NewDetector(spectrum.WithLogger(logger))),
	}
	if recorder != nil {
		orchOptions = append(orchOptions, analysis.WithRecorder(recorder))
	}
	if config.Wavelength.FactorNmPerPixel != 0 {
		orchOptions = append(orchOptions, analysis.WithWavelengthCalibration(spectrum.WavelengthCalibration{
			FactorNmPerPixel: config.Wavelength.FactorNmPerPixel,
			OffsetNm:         config.Wavelength.OffsetNm,
		}))
	}

	orch := analysis.New(b, controller, ext, refStore, instrStore, orchOptions...)
	orch.Start(ctx)
	defer orch.Wait()

	if config.Sensor.Enabled {
		monitorOptions := []func(*sensor.Monitor){sensor.WithLogger(logger)}
		if config.Sensor.PollIntervalMs > 0 {
			monitorOptions = append(monitorOptions,
				sensor.WithPollInterval(time.Duration(config.Sensor.PollIntervalMs)*time.Millisecond))
		}

		monitor := sensor.New(b, sensor.NewFileInput(config.Sensor.ValueFile), monitorOptions...)
		monitor.Start(ctx)
		defer monitor.Wait()
	}

	logger.Info("analyzer running", slog.String("device", config.Settings.Device))
	<-ctx.Done()
	logger.Info("shutting down")

	return nil
}

// createCamera opens the camera device and builds its controller with
// the bus-driven illuminator.
func createCamera(b *bus.Bus, config *Config, instrStore *instrument.Store,
	logger *slog.Logger) (*camera.Controller, func(), error) {

	driver, err := camera.OpenVideoDriver(cameraDevice(config.Camera.Device))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open camera: %w", err)
	}

	controller := camera.New(driver, camera.BusIlluminator{Bus: b},
		camera.WithLogger(logger),
		camera.WithScorer(camera.QualityScorer{}),
		camera.WithSettingsSink(instrStore),
		camera.WithTiming(config.timing()))

	return controller, func() {
		if err := driver.Close(); err != nil {
			logger.Warn("failed to close camera", "error", err)
		}
	}, nil
}

// cameraDevice maps a numeric device string to a capture index.
func cameraDevice(device string) any {
	if index, err := strconv.Atoi(device); err == nil {
		return index
	}
	return device
}

// createArchive opens a per-session analysis archive when enabled.
func createArchive(ctx context.Context, config *Config) (*archive.SessionRecorder, func(), error) {
	if !config.Archive.Enabled {
		return nil, func() {}, nil
	}

	dir := config.Archive.DataDirectory
	if dir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, nil, fmt.Errorf("failed to get current working directory: %w", err)
		}
		dir = filepath.Join(wd, storageDir)
	}

	stat, err := os.Stat(dir)
	if err != nil {
		return nil, nil, fmt.Errorf("archive directory '%s' is not usable: %w", dir, err)
	}
	if !stat.IsDir() {
		return nil, nil, fmt.Errorf("invalid archive directory '%s'", dir)
	}

	dbPath := filepath.Join(dir, fmt.Sprintf("spectra_session_%s.sqlite", time.Now().UTC().Format("20060102_150405")))
	store := archive.NewStore(dbPath)

	recorder, err := archive.NewSessionRecorder(ctx, store, config.Settings.Device, config)
	if err != nil {
		_ = store.Close()
		return nil, nil, err
	}

	return recorder, func() { _ = store.Close() }, nil
}
