package app

import (
	"context"
	"errors"
	"fmt"
	"image/jpeg"
	"image/png"
	"log/slog"
	"os"

	"spectrabench/internal/archive"
	"spectrabench/internal/spectrum"
)

func Run(ctx context.Context, config *Config, logger *slog.Logger) (err error) {
	store := archive.NewStore(config.DBPath)
	defer closeWithError(&err, store)

	run, err := store.Run(ctx, config.AnalysisID)
	if err != nil {
		return fmt.Errorf("loading analysis %d: %w", config.AnalysisID, err)
	}

	session, err := store.Session(ctx, run.SessionID)
	if err != nil {
		logger.Warn("Session details unavailable", "sessionId", run.SessionID, "error", err)
		session = nil
	}

	chart := &ChartData{
		Run:     run,
		Session: session,
		Calibration: spectrum.WavelengthCalibration{
			FactorNmPerPixel: config.FactorNmPerPixel,
			OffsetNm:         config.OffsetNm,
		},
	}

	renderer, err := NewRenderer()
	if err != nil {
		return fmt.Errorf("creating renderer: %w", err)
	}
	defer closeWithError(&err, renderer)

	img, err := renderer.Render(chart)
	if err != nil {
		return fmt.Errorf("rendering chart: %w", err)
	}

	out, err := os.Create(config.OutputFile)
	if err != nil {
		return fmt.Errorf("creating output file: %w", err)
	}
	defer closeWithError(&err, out)

	switch config.Format {
	case ImageJPEG:
		err = jpeg.Encode(out, img, &jpeg.Options{Quality: 95})
	default:
		err = png.Encode(out, img)
	}
	if err != nil {
		return fmt.Errorf("encoding %s image: %w", config.Format, err)
	}

	logger.Info("Chart written", "file", config.OutputFile,
		"samples", len(run.RawProfile), "peaks", len(run.Peaks))
	return nil
}

func closeWithError(err *error, c interface{ Close() error }) {
	if cerr := c.Close(); cerr != nil {
		*err = errors.Join(*err, cerr)
	}
}
