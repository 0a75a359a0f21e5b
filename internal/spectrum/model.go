package spectrum

import "time"

// WavelengthCalibration is the affine pixel-to-wavelength mapping of the
// instrument. The constants depend on the optical geometry and are
// calibrated per unit, never derived in code.
type WavelengthCalibration struct {
	FactorNmPerPixel float64 `json:"pixel_to_nm_factor" yaml:"pixelToNmFactor"`
	OffsetNm         float64 `json:"pixel_to_nm_offset" yaml:"pixelToNmOffset"`
}

// DefaultCalibration returns the factory placeholder mapping.
func DefaultCalibration() WavelengthCalibration {
	return WavelengthCalibration{FactorNmPerPixel: 0.5, OffsetNm: 400}
}

// Wavelength converts a pixel index of the extracted band into an
// estimated wavelength in nanometers.
func (c WavelengthCalibration) Wavelength(pixel int) float64 {
	return float64(pixel)*c.FactorNmPerPixel + c.OffsetNm
}

// DetectedPeak is a single absorbance valley located in a profile.
type DetectedPeak struct {
	PixelIndex         int     `json:"pixel_index"`
	WavelengthNm       float64 `json:"wavelength_nm"`
	RawIntensity       float64 `json:"raw_intensity"`
	ProcessedIntensity float64 `json:"processed_intensity"`
}

// MatchResult scores one stored reference spectrum against an observed
// profile. Results order by similarity descending, then RMSE ascending.
type MatchResult struct {
	Substance  string    `json:"substance"`
	IonState   string    `json:"ion_state,omitempty"`
	Source     string    `json:"source,omitempty"`
	CapturedAt time.Time `json:"captured_at"`
	RMSE       float64   `json:"rmse"`
	Similarity float64   `json:"similarity"`
}
