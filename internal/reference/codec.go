package reference

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"spectrabench/internal/spectrum"
)

// marshalRecord serializes a record into the current full-spectrum row
// shape. The spectrum is a JSON numeric sequence; loaders also accept
// the older delimited token form.
func marshalRecord(rec Record) []string {
	values, _ := json.Marshal([]float64(rec.Spectrum))

	capturedAt := rec.CapturedAt
	if capturedAt.IsZero() {
		capturedAt = time.Now()
	}

	return []string{
		rec.Substance,
		rec.IonState,
		rec.Source,
		capturedAt.UTC().Format(time.RFC3339),
		strconv.FormatFloat(rec.Calibration.FactorNmPerPixel, 'g', -1, 64),
		strconv.FormatFloat(rec.Calibration.OffsetNm, 'g', -1, 64),
		strconv.Itoa(len(rec.Spectrum)),
		string(values),
	}
}

// parseSpectrum reads a serialized spectrum in either historical style:
// a JSON numeric sequence, or a whitespace/semicolon-delimited token
// list.
func parseSpectrum(raw string) (spectrum.Profile, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}

	if strings.HasPrefix(raw, "[") {
		var values []float64
		if err := json.Unmarshal([]byte(raw), &values); err != nil {
			return nil, fmt.Errorf("parsing JSON spectrum: %w", err)
		}
		return values, nil
	}

	tokens := strings.FieldsFunc(raw, func(r rune) bool {
		return r == ';' || r == ' ' || r == '\t' || r == '\n' || r == '\r'
	})

	values := make(spectrum.Profile, 0, len(tokens))
	for _, tok := range tokens {
		v, err := strconv.ParseFloat(tok, 64)
		if err != nil {
			return nil, fmt.Errorf("parsing spectrum token %q: %w", tok, err)
		}
		values = append(values, v)
	}
	return values, nil
}

func parseFloat(raw string) (float64, error) {
	return strconv.ParseFloat(strings.TrimSpace(raw), 64)
}
