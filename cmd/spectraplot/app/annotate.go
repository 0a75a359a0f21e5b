package app

import (
	"fmt"
	"image"
	"image/color"
	"math"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/golang/freetype"
	"github.com/golang/freetype/truetype"
	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/goregular"
)

const (
	dpi      = 96.0
	fontSize = 11.0
	spacing  = 1.4
)

type annotator struct {
	context  *freetype.Context
	fontFace font.Face
}

func newAnnotator() (*annotator, error) {
	parsedFont, err := freetype.ParseFont(goregular.TTF)
	if err != nil {
		return nil, fmt.Errorf("parsing font: %w", err)
	}

	ctx := freetype.NewContext()
	ctx.SetDPI(dpi)
	ctx.SetFont(parsedFont)
	ctx.SetFontSize(fontSize)
	ctx.SetHinting(font.HintingNone)
	ctx.SetSrc(image.Black)

	return &annotator{
		context: ctx,
		fontFace: truetype.NewFace(parsedFont, &truetype.Options{
			Size:    fontSize,
			DPI:     dpi,
			Hinting: font.HintingNone,
		}),
	}, nil
}

func (a *annotator) Close() error {
	if a.fontFace != nil {
		return a.fontFace.Close()
	}
	return nil
}

func (a *annotator) annotate(img *image.RGBA, area image.Rectangle, scale valueScale, chart *ChartData) error {
	a.context.SetClip(img.Bounds())
	a.context.SetDst(img)

	if err := a.drawWavelengthScale(img, area, chart); err != nil {
		return fmt.Errorf("drawing wavelength scale: %w", err)
	}
	if err := a.drawIntensityScale(img, area, scale); err != nil {
		return fmt.Errorf("drawing intensity scale: %w", err)
	}
	if err := a.drawInfoBlock(img, area, chart); err != nil {
		return fmt.Errorf("drawing info block: %w", err)
	}
	return nil
}

func (a *annotator) drawWavelengthScale(img *image.RGBA, area image.Rectangle, chart *ChartData) error {
	samples := len(chart.Run.RawProfile)
	nmMin := chart.Calibration.Wavelength(0)
	nmMax := chart.Calibration.Wavelength(samples - 1)
	if nmMax <= nmMin {
		return nil
	}

	step := niceStep(nmMax-nmMin, area.Dx()/pixelsPerLabel)
	metrics := a.fontFace.Metrics()
	textY := area.Max.Y + tickMarkSize + (metrics.Ascent + metrics.Descent).Round()

	for nm := math.Ceil(nmMin/step) * step; nm <= nmMax; nm += step {
		ratio := (nm - nmMin) / (nmMax - nmMin)
		x := area.Min.X + int(ratio*float64(area.Dx()-1))

		for y := area.Max.Y; y < area.Max.Y+tickMarkSize; y++ {
			img.Set(x, y, color.Black)
		}

		label := fmt.Sprintf("%.0f nm", nm)
		width := font.MeasureString(a.fontFace, label)
		pt := freetype.Pt(x-(width.Round()/2), textY)
		if _, err := a.context.DrawString(label, pt); err != nil {
			return fmt.Errorf("drawing wavelength label: %w", err)
		}
	}
	return nil
}

func (a *annotator) drawIntensityScale(img *image.RGBA, area image.Rectangle, scale valueScale) error {
	step := niceStep(scale.max-scale.min, area.Dy()/60)
	metrics := a.fontFace.Metrics()

	for v := math.Ceil(scale.min/step) * step; v <= scale.max; v += step {
		y := scale.y(area, v)

		for x := area.Min.X - tickMarkSize; x < area.Min.X; x++ {
			img.Set(x, y, color.Black)
		}

		label := humanize.CommafWithDigits(v, 1)
		width := font.MeasureString(a.fontFace, label)
		textY := y + metrics.Ascent.Round()/2
		pt := freetype.Pt(area.Min.X-tickMarkSize-width.Round()-4, textY)
		if _, err := a.context.DrawString(label, pt); err != nil {
			return fmt.Errorf("drawing intensity label: %w", err)
		}
	}
	return nil
}

func (a *annotator) drawInfoBlock(img *image.RGBA, area image.Rectangle, chart *ChartData) error {
	substances := "none"
	if len(chart.Run.Substances) > 0 {
		substances = strings.Join(chart.Run.Substances, ", ")
	}

	lines := []string{
		"Substances: " + substances,
		fmt.Sprintf("Captured: %s (%s)",
			chart.Run.CapturedAt.Format("2006-01-02 15:04:05 MST"),
			humanize.Time(chart.Run.CapturedAt)),
		fmt.Sprintf("Samples: %s; 1 px = %.2f nm; peaks: %d",
			humanize.Comma(int64(len(chart.Run.RawProfile))),
			chart.Calibration.FactorNmPerPixel,
			len(chart.Run.Peaks)),
	}

	if chart.Session != nil {
		lines = append(lines, fmt.Sprintf("Session %d on %s, started %s",
			chart.Session.ID, chart.Session.Device,
			humanize.Time(chart.Session.StartedAt)))
	}
	if len(chart.Run.Matches) > 0 {
		best := chart.Run.Matches[0]
		lines = append(lines, fmt.Sprintf("Best match: %s (similarity %.3f, rmse %.2f)",
			best.Substance, best.Similarity, best.RMSE))
	}

	// Below the wavelength labels.
	metrics := a.fontFace.Metrics()
	lineHeight := (metrics.Ascent + metrics.Descent).Round()
	pt := freetype.Pt(area.Min.X, area.Max.Y+tickMarkSize+3*lineHeight)

	for _, line := range lines {
		if _, err := a.context.DrawString(line, pt); err != nil {
			return fmt.Errorf("drawing info text: %w", err)
		}
		pt.Y += a.context.PointToFixed(fontSize * spacing)
	}
	return nil
}

// niceStep picks a 1/2/5-series step that yields roughly the desired
// number of labels.
func niceStep(valueRange float64, desired int) float64 {
	if desired < 2 {
		desired = 2
	}
	target := valueRange / float64(desired)

	magnitude := math.Pow(10, math.Floor(math.Log10(target)))
	for _, m := range []float64{1, 2, 5, 10} {
		if step := m * magnitude; step >= target {
			return step
		}
	}
	return magnitude * 10
}
