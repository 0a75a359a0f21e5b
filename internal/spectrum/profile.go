// Package spectrum defines the one-dimensional intensity profile model
// and the numeric operations performed on it: piecewise-linear
// resampling, baseline correction and absorbance valley detection.
package spectrum

import (
	"gonum.org/v1/gonum/floats"
)

// flatTolerance bounds the max-min span below which a corrected profile
// is considered numerically flat.
const flatTolerance = 1e-9

// Profile is an ordered sequence of intensity samples, one per
// horizontal pixel of the extracted band. Operations return new slices;
// a Profile is never mutated in place.
type Profile []float64

// Clone returns an independent copy of the profile.
func (p Profile) Clone() Profile {
	if p == nil {
		return nil
	}
	out := make(Profile, len(p))
	copy(out, p)
	return out
}

// IsFlat reports whether the profile spans less than the floating
// tolerance between its minimum and maximum sample.
func (p Profile) IsFlat() bool {
	if len(p) == 0 {
		return true
	}
	return floats.Max(p)-floats.Min(p) <= flatTolerance
}

// Resample maps the profile onto n samples using piecewise-linear
// interpolation over a normalized [0,1] axis. Resampling to the
// profile's own length returns a copy unchanged; a single-sample
// profile broadcasts to a constant; an empty profile or n <= 0 yields
// an empty result.
func Resample(p Profile, n int) Profile {
	if len(p) == 0 || n <= 0 {
		return nil
	}
	if len(p) == n {
		return p.Clone()
	}

	out := make(Profile, n)
	if len(p) == 1 {
		for i := range out {
			out[i] = p[0]
		}
		return out
	}
	if n == 1 {
		out[0] = p[0]
		return out
	}

	// Both axes are normalized to [0,1] with endpoints included, so the
	// first and last samples are preserved exactly.
	scale := float64(len(p)-1) / float64(n-1)
	for i := range out {
		x := float64(i) * scale
		j := int(x)
		if j >= len(p)-1 {
			out[i] = p[len(p)-1]
			continue
		}
		frac := x - float64(j)
		out[i] = p[j] + (p[j+1]-p[j])*frac
	}
	return out
}

// Subtract returns p - q sample-wise. Panics unless lengths match;
// callers resample first.
func Subtract(p, q Profile) Profile {
	out := make(Profile, len(p))
	floats.SubTo(out, p, q)
	return out
}

// Invert reflects the profile about its maximum so that valleys become
// peaks.
func Invert(p Profile) Profile {
	if len(p) == 0 {
		return nil
	}
	max := floats.Max(p)
	out := make(Profile, len(p))
	for i, v := range p {
		out[i] = max - v
	}
	return out
}
