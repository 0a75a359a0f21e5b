package extractor

import (
	"image"
	"log/slog"
	"math"

	"gocv.io/x/gocv"
)

// LocatorOptions holds the automatic band locator tuning. The scoring
// weights and cutoffs are empirical; they are kept configurable rather
// than re-derived.
type LocatorOptions struct {
	// MinAreaFraction and MinAreaPixels bound candidate rectangles:
	// area >= max(MinAreaFraction * image area, MinAreaPixels).
	MinAreaFraction float64
	MinAreaPixels   float64

	// RatioCutoff rejects candidates whose aspect-ratio score falls
	// below it.
	RatioCutoff float64

	// PadHeightFraction and PadWidthFraction expand the winning
	// rectangle before cropping.
	PadHeightFraction float64
	PadWidthFraction  float64

	// FallbackHeightFraction and FallbackMinHeight size the centered
	// strip used when no candidate qualifies.
	FallbackHeightFraction float64
	FallbackMinHeight      int

	// Canny thresholds for the edge map the candidates grow from.
	CannyLow  float32
	CannyHigh float32
}

// DefaultLocatorOptions returns the tuned band locator settings.
func DefaultLocatorOptions() LocatorOptions {
	return LocatorOptions{
		MinAreaFraction:        0.002,
		MinAreaPixels:          500,
		RatioCutoff:            0.1,
		PadHeightFraction:      0.10,
		PadWidthFraction:       0.05,
		FallbackHeightFraction: 0.10,
		FallbackMinHeight:      20,
		CannyLow:               50,
		CannyHigh:              150,
	}
}

// orientation describes one structuring direction of the band search.
type orientation struct {
	name        string
	targetRatio float64
	closeKernel image.Point
	dilateKernel image.Point
}

var orientations = []orientation{
	{name: "horizontal", targetRatio: 5.0, closeKernel: image.Point{X: 21, Y: 3}, dilateKernel: image.Point{X: 11, Y: 3}},
	{name: "vertical", targetRatio: 0.2, closeKernel: image.Point{X: 3, Y: 21}, dilateKernel: image.Point{X: 3, Y: 11}},
}

// locateBand finds the most plausible spectral band rectangle in the
// image. It edge-detects the enhanced grayscale image, closes and
// dilates the edges along each structuring orientation, and scores each
// external contour's bounding rectangle by area, aspect ratio, mean
// intensity and contrast. The best rectangle across both orientations is
// padded and returned; when nothing qualifies a centered horizontal
// strip is used instead.
func locateBand(img gocv.Mat, opts LocatorOptions, logger *slog.Logger) image.Rectangle {
	width, height := img.Cols(), img.Rows()

	gray := gocv.NewMat()
	defer gray.Close()
	gocv.CvtColor(img, &gray, gocv.ColorBGRToGray)

	enhanced := gocv.NewMat()
	defer enhanced.Close()
	gocv.EqualizeHist(gray, &enhanced)

	blurred := gocv.NewMat()
	defer blurred.Close()
	gocv.GaussianBlur(enhanced, &blurred, image.Point{X: 5, Y: 5}, 0, 0, gocv.BorderDefault)

	edges := gocv.NewMat()
	defer edges.Close()
	gocv.Canny(blurred, &edges, opts.CannyLow, opts.CannyHigh)

	minArea := math.Max(opts.MinAreaFraction*float64(width*height), opts.MinAreaPixels)

	var best image.Rectangle
	var bestScore float64
	for _, o := range orientations {
		rect, score := bestCandidate(edges, gray, o, minArea, opts)
		if score > bestScore {
			best, bestScore = rect, score
		}
	}

	if bestScore <= 0 {
		logger.Warn("no spectral band candidate qualified; falling back to centered strip")
		return centeredStrip(width, height, opts)
	}

	logger.Info("spectral band located",
		slog.Int("x", best.Min.X),
		slog.Int("y", best.Min.Y),
		slog.Int("width", best.Dx()),
		slog.Int("height", best.Dy()),
		slog.Float64("score", bestScore))

	return pad(best, opts).Intersect(image.Rect(0, 0, width, height))
}

// bestCandidate closes and dilates the edge map along one orientation
// and returns the highest-scoring contour bounding rectangle.
func bestCandidate(edges, gray gocv.Mat, o orientation, minArea float64, opts LocatorOptions) (image.Rectangle, float64) {
	closeKernel := gocv.GetStructuringElement(gocv.MorphRect, o.closeKernel)
	defer closeKernel.Close()
	dilateKernel := gocv.GetStructuringElement(gocv.MorphRect, o.dilateKernel)
	defer dilateKernel.Close()

	processed := gocv.NewMat()
	defer processed.Close()
	gocv.MorphologyEx(edges, &processed, gocv.MorphClose, closeKernel)
	gocv.Dilate(processed, &processed, dilateKernel)

	contours := gocv.FindContours(processed, gocv.RetrievalExternal, gocv.ChainApproxSimple)
	defer contours.Close()

	var best image.Rectangle
	var bestScore float64
	for i := 0; i < contours.Size(); i++ {
		rect := gocv.BoundingRect(contours.At(i))

		area := float64(rect.Dx() * rect.Dy())
		if area < minArea {
			continue
		}

		ratio := aspectRatioScore(rect, o.targetRatio)
		if ratio < opts.RatioCutoff {
			continue
		}

		mean, stddev := regionStats(gray, rect)
		score := area * ratio * intensityScore(mean) * contrastScore(stddev)
		if score > bestScore {
			best, bestScore = rect, score
		}
	}

	return best, bestScore
}

// aspectRatioScore measures how close the rectangle's aspect ratio is to
// the target on a log scale: exp(-|ln(actual/target)|), 1.0 at a perfect
// match.
func aspectRatioScore(rect image.Rectangle, target float64) float64 {
	if rect.Dy() == 0 {
		return 0
	}
	actual := float64(rect.Dx()) / float64(rect.Dy())
	if actual <= 0 {
		return 0
	}
	return math.Exp(-math.Abs(math.Log(actual / target)))
}

// intensityScore favors brighter candidates: 0.5 + mean/255.
func intensityScore(mean float64) float64 {
	return 0.5 + mean/255
}

// contrastScore favors structured candidates: 0.5 + min(1, stddev/64).
func contrastScore(stddev float64) float64 {
	return 0.5 + math.Min(1, stddev/64)
}

// regionStats returns the mean and standard deviation of the grayscale
// pixels under the rectangle.
func regionStats(gray gocv.Mat, rect image.Rectangle) (float64, float64) {
	rect = rect.Intersect(image.Rect(0, 0, gray.Cols(), gray.Rows()))
	if rect.Empty() {
		return 0, 0
	}

	roi := gray.Region(rect)
	defer roi.Close()

	mean := gocv.NewMat()
	defer mean.Close()
	stddev := gocv.NewMat()
	defer stddev.Close()
	gocv.MeanStdDev(roi, &mean, &stddev)

	return mean.GetDoubleAt(0, 0), stddev.GetDoubleAt(0, 0)
}

// pad grows the rectangle by the configured height and width fractions.
func pad(rect image.Rectangle, opts LocatorOptions) image.Rectangle {
	padY := int(math.Round(float64(rect.Dy()) * opts.PadHeightFraction))
	padX := int(math.Round(float64(rect.Dx()) * opts.PadWidthFraction))
	return image.Rect(rect.Min.X-padX, rect.Min.Y-padY, rect.Max.X+padX, rect.Max.Y+padY)
}

// centeredStrip is the fallback band: a full-width horizontal strip
// centered vertically.
func centeredStrip(width, height int, opts LocatorOptions) image.Rectangle {
	stripHeight := int(float64(height) * opts.FallbackHeightFraction)
	if stripHeight < opts.FallbackMinHeight {
		stripHeight = opts.FallbackMinHeight
	}
	if stripHeight > height {
		stripHeight = height
	}

	top := (height - stripHeight) / 2
	return image.Rect(0, top, width, top+stripHeight)
}
