package spectrum

import (
	"testing"
)

// dipProfile builds a constant profile of the given level with a sharp
// dip of the given depth at index i.
func dipProfile(length int, level, depth float64, i int) Profile {
	p := make(Profile, length)
	for j := range p {
		p[j] = level
	}
	p[i] = level - depth
	return p
}

func TestDetect_SingleSharpDip(t *testing.T) {
	d := NewDetector()

	profile := dipProfile(100, 200, 80, 43)
	peaks, corrected := d.Detect(profile, nil)

	if len(peaks) != 1 {
		t.Fatalf("Expected exactly 1 peak, got %d at %v", len(peaks), peaks)
	}
	if peaks[0] != 43 {
		t.Errorf("Expected peak at index 43, got %d", peaks[0])
	}
	if len(corrected) != len(profile) {
		t.Errorf("Expected corrected length %d, got %d", len(profile), len(corrected))
	}
}

func TestDetect_FlatProfileNoPeaks(t *testing.T) {
	d := NewDetector()

	for _, level := range []float64{0, 100, 1e6} {
		p := make(Profile, 50)
		for i := range p {
			p[i] = level
		}

		peaks, _ := d.Detect(p, nil)
		if len(peaks) != 0 {
			t.Errorf("Level %v: expected no peaks on flat profile, got %v", level, peaks)
		}
	}
}

func TestDetect_BaselineCancellation(t *testing.T) {
	d := NewDetector()

	// Profile identical to the baseline: correction leaves a flat
	// profile, so no valleys regardless of the shared shape.
	baseline := make(Profile, 60)
	for i := range baseline {
		baseline[i] = 100 + float64(i%7)
	}

	peaks, corrected := d.Detect(baseline.Clone(), baseline)
	if len(peaks) != 0 {
		t.Errorf("Expected no peaks when profile equals baseline, got %v", peaks)
	}
	if !corrected.IsFlat() {
		t.Error("Expected flat corrected profile")
	}
}

func TestDetect_BaselineResampledToProfileLength(t *testing.T) {
	d := NewDetector()

	baseline := make(Profile, 50)
	for i := range baseline {
		baseline[i] = 100
	}

	profile := dipProfile(200, 100, 60, 88)
	peaks, corrected := d.Detect(profile, baseline)

	if len(corrected) != 200 {
		t.Fatalf("Expected corrected length 200, got %d", len(corrected))
	}
	if len(peaks) != 1 || peaks[0] != 88 {
		t.Errorf("Expected single peak at 88, got %v", peaks)
	}
}

func TestDetect_EmptyProfile(t *testing.T) {
	d := NewDetector()
	peaks, corrected := d.Detect(nil, nil)
	if peaks != nil || corrected != nil {
		t.Errorf("Expected nil results for empty profile, got %v, %v", peaks, corrected)
	}
}

func TestFindPeaks_MinimumSpacing(t *testing.T) {
	// Two candidate maxima 3 apart; the taller one must win.
	signal := []float64{0, 0, 10, 0, 12, 0, 0}
	peaks := FindPeaks(signal, 5, 5)

	if len(peaks) != 1 {
		t.Fatalf("Expected 1 peak, got %v", peaks)
	}
	if peaks[0] != 4 {
		t.Errorf("Expected the taller peak at index 4, got %d", peaks[0])
	}
}

func TestFindPeaks_KeepsDistantPeaks(t *testing.T) {
	signal := []float64{0, 10, 0, 0, 0, 0, 0, 11, 0}
	peaks := FindPeaks(signal, 5, 5)

	if len(peaks) != 2 {
		t.Fatalf("Expected 2 peaks, got %v", peaks)
	}
	if peaks[0] != 1 || peaks[1] != 7 {
		t.Errorf("Expected peaks at 1 and 7, got %v", peaks)
	}
}

func TestFindPeaks_HeightThreshold(t *testing.T) {
	signal := []float64{0, 3, 0, 8, 0}
	peaks := FindPeaks(signal, 5, 1)

	if len(peaks) != 1 || peaks[0] != 3 {
		t.Errorf("Expected only the peak above threshold at index 3, got %v", peaks)
	}
}

func TestFindPeaks_PlateauMidpoint(t *testing.T) {
	signal := []float64{0, 5, 5, 5, 0}
	peaks := FindPeaks(signal, 1, 1)

	if len(peaks) != 1 || peaks[0] != 2 {
		t.Errorf("Expected plateau midpoint at index 2, got %v", peaks)
	}
}

func TestFindPeaks_EdgesAreNotPeaks(t *testing.T) {
	signal := []float64{10, 1, 1, 1, 10}
	if peaks := FindPeaks(signal, 0, 1); len(peaks) != 0 {
		t.Errorf("Boundary samples must not be peaks, got %v", peaks)
	}
}
