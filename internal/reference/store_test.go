package reference

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"spectrabench/internal/spectrum"
)

func tempStorePath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "reference_spectra.csv")
}

func TestStore_MissingFileYieldsEmptyStore(t *testing.T) {
	s := Open(tempStorePath(t))
	if s.Len() != 0 {
		t.Errorf("Expected empty store for missing file, got %d records", s.Len())
	}
}

func TestStore_AppendReloadRoundTrip(t *testing.T) {
	path := tempStorePath(t)
	s := Open(path)

	recs := []Record{
		{Substance: "copper sulfate", IonState: "Cu2+", Source: "lab", Spectrum: spectrum.Profile{1, 2, 3}},
		{Substance: "potassium permanganate", IonState: "MnO4-", Source: "lab", Spectrum: spectrum.Profile{4, 5}},
		{Substance: "copper sulfate", IonState: "Cu2+", Source: "field", Spectrum: spectrum.Profile{7, 8, 9, 10}},
	}
	for i := range recs {
		recs[i].CapturedAt = time.Date(2026, 3, 1+i, 12, 0, 0, 0, time.UTC)
		recs[i].Calibration = spectrum.DefaultCalibration()
		if err := s.Append(recs[i]); err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
	}

	reloaded := Open(path)
	if reloaded.Len() != len(recs) {
		t.Fatalf("Expected %d records after reload, got %d", len(recs), reloaded.Len())
	}

	got := reloaded.Records()
	for i, want := range recs {
		if got[i].Substance != want.Substance {
			t.Errorf("Record %d: substance %q, want %q", i, got[i].Substance, want.Substance)
		}
		if got[i].IonState != want.IonState {
			t.Errorf("Record %d: ion state %q, want %q", i, got[i].IonState, want.IonState)
		}
		if !got[i].CapturedAt.Equal(want.CapturedAt) {
			t.Errorf("Record %d: captured at %v, want %v", i, got[i].CapturedAt, want.CapturedAt)
		}
		if len(got[i].Spectrum) != len(want.Spectrum) {
			t.Fatalf("Record %d: spectrum length %d, want %d", i, len(got[i].Spectrum), len(want.Spectrum))
		}
		for j := range want.Spectrum {
			if got[i].Spectrum[j] != want.Spectrum[j] {
				t.Errorf("Record %d sample %d: %v, want %v", i, j, got[i].Spectrum[j], want.Spectrum[j])
			}
		}
	}
}

func TestStore_HeaderWrittenOnce(t *testing.T) {
	path := tempStorePath(t)
	s := Open(path)

	for i := 0; i < 3; i++ {
		if err := s.Append(Record{Substance: "s", Spectrum: spectrum.Profile{1}}); err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if n := strings.Count(string(data), "substance,ion_state"); n != 1 {
		t.Errorf("Expected exactly 1 header row, found %d", n)
	}
}

func TestStore_LegacyRowsSkipped(t *testing.T) {
	path := tempStorePath(t)
	content := "wavelength,substance\n520.5,copper sulfate\n635.0,methylene blue\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	s := Open(path)
	if s.Len() != 0 {
		t.Errorf("Expected legacy rows to be skipped, got %d records", s.Len())
	}
}

func TestStore_DelimitedSpectrumAccepted(t *testing.T) {
	path := tempStorePath(t)
	content := strings.Join([]string{
		"substance,ion_state,source,captured_at,pixel_to_nm_factor,pixel_to_nm_offset,spectrum_length,spectrum_values",
		`iron chloride,Fe3+,lab,2026-01-10T09:00:00Z,0.5,400,4,"1.5 2.5;3.5 4.5"`,
		`bad row,,,,,,0,""`,
	}, "\n") + "\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	s := Open(path)
	if s.Len() != 1 {
		t.Fatalf("Expected 1 record (empty spectrum dropped), got %d", s.Len())
	}

	rec := s.Records()[0]
	want := spectrum.Profile{1.5, 2.5, 3.5, 4.5}
	if len(rec.Spectrum) != len(want) {
		t.Fatalf("Spectrum length %d, want %d", len(rec.Spectrum), len(want))
	}
	for i := range want {
		if rec.Spectrum[i] != want[i] {
			t.Errorf("Sample %d: %v, want %v", i, rec.Spectrum[i], want[i])
		}
	}
	if rec.Calibration.FactorNmPerPixel != 0.5 || rec.Calibration.OffsetNm != 400 {
		t.Errorf("Unexpected calibration %+v", rec.Calibration)
	}
}

func TestStore_CorruptFileFailsSoft(t *testing.T) {
	path := tempStorePath(t)
	if err := os.WriteFile(path, []byte("\x00\x01 not a csv"), 0o644); err != nil {
		t.Fatal(err)
	}

	s := Open(path)
	if s.Len() != 0 {
		t.Errorf("Expected empty store for corrupt file, got %d records", s.Len())
	}
}

func TestStore_AppendValidation(t *testing.T) {
	s := Open(tempStorePath(t))

	if err := s.Append(Record{Spectrum: spectrum.Profile{1}}); err == nil {
		t.Error("Expected error for record without substance")
	}
	if err := s.Append(Record{Substance: "x"}); err == nil {
		t.Error("Expected error for record without spectrum")
	}
}
