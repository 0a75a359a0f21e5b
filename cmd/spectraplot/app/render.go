package app

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"math"

	"spectrabench/internal/archive"
	"spectrabench/internal/spectrum"
)

const (
	// Border sizes in pixels
	topBorder    = 30
	leftBorder   = 80
	bottomBorder = 110
	rightBorder  = 30

	minPlotWidth = 640
	plotHeight   = 320

	tickMarkSize   = 5
	pixelsPerLabel = 120
)

var (
	rawColor       = color.RGBA{R: 70, G: 130, B: 180, A: 255}
	processedColor = color.RGBA{R: 230, G: 126, B: 34, A: 255}
	peakColor      = color.RGBA{R: 200, G: 30, B: 30, A: 255}
	gridColor      = color.RGBA{R: 220, G: 220, B: 220, A: 255}
)

// ChartData is everything needed to plot one archived analysis.
type ChartData struct {
	Run         *archive.Analysis
	Session     *archive.Session
	Calibration spectrum.WavelengthCalibration
}

// Renderer draws an archived analysis as a profile chart with a
// wavelength axis, an intensity axis and an info block.
type Renderer struct {
	annotator *annotator
}

func NewRenderer() (*Renderer, error) {
	ann, err := newAnnotator()
	if err != nil {
		return nil, err
	}
	return &Renderer{annotator: ann}, nil
}

func (r *Renderer) Close() error {
	return r.annotator.Close()
}

// Render draws the raw and processed curves with peak markers.
func (r *Renderer) Render(chart *ChartData) (*image.RGBA, error) {
	samples := len(chart.Run.RawProfile)
	if samples == 0 {
		return nil, fmt.Errorf("analysis %d has no profile data", chart.Run.ID)
	}

	plotWidth := samples
	if plotWidth < minPlotWidth {
		plotWidth = minPlotWidth
	}

	img := image.NewRGBA(image.Rect(0, 0,
		plotWidth+leftBorder+rightBorder,
		plotHeight+topBorder+bottomBorder))
	draw.Draw(img, img.Bounds(), image.White, image.Point{}, draw.Src)

	area := image.Rect(leftBorder, topBorder, leftBorder+plotWidth, topBorder+plotHeight)
	scale := newValueScale(chart.Run.RawProfile, chart.Run.Processed)

	drawFrame(img, area)

	for _, peak := range chart.Run.Peaks {
		x := sampleX(area, samples, peak.PixelIndex)
		drawLine(img, x, area.Min.Y, x, area.Max.Y-1, gridColor)
	}

	drawProfile(img, area, scale, chart.Run.RawProfile, rawColor)
	drawProfile(img, area, scale, chart.Run.Processed, processedColor)

	for _, peak := range chart.Run.Peaks {
		x := sampleX(area, samples, peak.PixelIndex)
		y := scale.y(area, peak.ProcessedIntensity)
		drawMarker(img, x, y, peakColor)
	}

	if err := r.annotator.annotate(img, area, scale, chart); err != nil {
		return nil, fmt.Errorf("drawing annotations: %w", err)
	}

	return img, nil
}

// valueScale maps intensity values onto plot rows.
type valueScale struct {
	min, max float64
}

func newValueScale(profiles ...spectrum.Profile) valueScale {
	s := valueScale{min: math.Inf(1), max: math.Inf(-1)}
	for _, p := range profiles {
		for _, v := range p {
			s.min = math.Min(s.min, v)
			s.max = math.Max(s.max, v)
		}
	}
	if !(s.max > s.min) {
		s.min, s.max = s.min-1, s.min+1
	}

	// 5% headroom keeps curves off the frame.
	pad := (s.max - s.min) * 0.05
	s.min -= pad
	s.max += pad
	return s
}

func (s valueScale) y(area image.Rectangle, value float64) int {
	ratio := (s.max - value) / (s.max - s.min)
	return area.Min.Y + int(ratio*float64(area.Dy()-1))
}

func sampleX(area image.Rectangle, samples, i int) int {
	if samples <= 1 {
		return area.Min.X
	}
	return area.Min.X + i*(area.Dx()-1)/(samples-1)
}

func drawProfile(img *image.RGBA, area image.Rectangle, scale valueScale, p spectrum.Profile, c color.Color) {
	samples := len(p)
	for i := 1; i < samples; i++ {
		drawLine(img,
			sampleX(area, samples, i-1), scale.y(area, p[i-1]),
			sampleX(area, samples, i), scale.y(area, p[i]),
			c)
	}
}

func drawFrame(img *image.RGBA, area image.Rectangle) {
	drawLine(img, area.Min.X, area.Min.Y, area.Max.X-1, area.Min.Y, color.Black)
	drawLine(img, area.Min.X, area.Max.Y-1, area.Max.X-1, area.Max.Y-1, color.Black)
	drawLine(img, area.Min.X, area.Min.Y, area.Min.X, area.Max.Y-1, color.Black)
	drawLine(img, area.Max.X-1, area.Min.Y, area.Max.X-1, area.Max.Y-1, color.Black)
}

func drawMarker(img *image.RGBA, x, y int, c color.Color) {
	for d := -3; d <= 3; d++ {
		img.Set(x+d, y, c)
		img.Set(x, y+d, c)
	}
}

// drawLine draws a straight segment using Bresenham's algorithm.
func drawLine(img *image.RGBA, x0, y0, x1, y1 int, c color.Color) {
	dx := abs(x1 - x0)
	dy := -abs(y1 - y0)

	sx, sy := 1, 1
	if x0 > x1 {
		sx = -1
	}
	if y0 > y1 {
		sy = -1
	}

	err := dx + dy
	for {
		img.Set(x0, y0, c)
		if x0 == x1 && y0 == y1 {
			return
		}
		e2 := 2 * err
		if e2 >= dy {
			err += dy
			x0 += sx
		}
		if e2 <= dx {
			err += dx
			y0 += sy
		}
	}
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
