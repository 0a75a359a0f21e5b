package spectrum

import (
	"io"
	"log/slog"
	"sort"

	"gonum.org/v1/gonum/stat"
)

// DefaultMinPeakDistance is the minimum horizontal spacing, in samples,
// enforced between accepted peaks.
const DefaultMinPeakDistance = 5

// WithLogger sets the logger for the detector.
func WithLogger(logger *slog.Logger) func(*Detector) {
	return func(d *Detector) {
		d.logger = logger.With(slog.String("component", "valley-detector"))
	}
}

// WithMinDistance overrides the minimum spacing between accepted peaks.
func WithMinDistance(distance int) func(*Detector) {
	return func(d *Detector) {
		d.minDistance = distance
	}
}

// Detector finds absorbance valleys in an intensity profile. The profile
// is baseline-corrected, inverted so valleys become maxima, and searched
// with a dynamic height threshold of mean + stddev/2.
type Detector struct {
	minDistance int
	logger      *slog.Logger
}

// NewDetector creates a Detector with a discard logger and the default
// peak spacing.
func NewDetector(options ...func(*Detector)) *Detector {
	d := Detector{
		minDistance: DefaultMinPeakDistance,
		logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	}

	for _, option := range options {
		option(&d)
	}

	return &d
}

// Detect returns the indices of detected absorbance valleys and the
// baseline-corrected profile. A nil or empty baseline leaves the profile
// uncorrected; a baseline of different length is resampled to match. A
// numerically flat corrected profile yields no peaks.
func (d *Detector) Detect(profile, baseline Profile) ([]int, Profile) {
	if len(profile) == 0 {
		return nil, nil
	}

	corrected := profile.Clone()
	if len(baseline) > 0 {
		base := Resample(baseline, len(profile))
		corrected = Subtract(corrected, base)
	}

	if corrected.IsFlat() {
		d.logger.Warn("profile is nearly flat after baseline subtraction; no valleys detected")
		return nil, corrected
	}

	inverted := Invert(corrected)
	height := stat.Mean(inverted, nil) + stat.PopStdDev(inverted, nil)/2

	return FindPeaks(inverted, height, d.minDistance), corrected
}

// FindPeaks locates local maxima in the signal with value >= height,
// then enforces the minimum spacing by keeping peaks greedily from the
// highest down and discarding any peak closer than distance samples to
// one already kept. Indices are returned in ascending order.
func FindPeaks(signal []float64, height float64, distance int) []int {
	var candidates []int
	for i := 1; i < len(signal)-1; {
		if signal[i] <= signal[i-1] {
			i++
			continue
		}
		// Walk any plateau; the peak index is the plateau midpoint.
		j := i
		for j < len(signal)-1 && signal[j+1] == signal[i] {
			j++
		}
		if j < len(signal)-1 && signal[j+1] < signal[i] {
			mid := (i + j) / 2
			if signal[mid] >= height {
				candidates = append(candidates, mid)
			}
		}
		i = j + 1
	}

	if distance <= 1 || len(candidates) < 2 {
		return candidates
	}

	// Highest-first greedy selection, matching the conventional
	// peak-finding tie break.
	order := make([]int, len(candidates))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return signal[candidates[order[a]]] > signal[candidates[order[b]]]
	})

	removed := make([]bool, len(candidates))
	for _, oi := range order {
		if removed[oi] {
			continue
		}
		for k, c := range candidates {
			if k == oi || removed[k] {
				continue
			}
			if abs(c-candidates[oi]) < distance {
				removed[k] = true
			}
		}
	}

	var kept []int
	for i, c := range candidates {
		if !removed[i] {
			kept = append(kept, c)
		}
	}
	return kept
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
