package instrument

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"spectrabench/internal/spectrum"
)

func newConfigFile(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestStore_BaselineRoundTrip(t *testing.T) {
	path := newConfigFile(t, `{"modules":{"analysis":{"reference_spectra_path":"ref.csv"}}}`)
	s := NewStore(path)

	if base, err := s.Baseline(); err != nil || base != nil {
		t.Fatalf("Expected no baseline before calibration, got %v, %v", base, err)
	}

	want := spectrum.Profile{100, 99.5, 98, 100}
	if err := s.SetBaseline(want); err != nil {
		t.Fatalf("SetBaseline: %v", err)
	}

	got, err := s.Baseline()
	if err != nil {
		t.Fatalf("Baseline: %v", err)
	}
	if len(got) != len(want) {
		t.Fatalf("Baseline length %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Sample %d: %v, want %v", i, got[i], want[i])
		}
	}
}

func TestStore_SetBaselinePreservesOtherKeys(t *testing.T) {
	path := newConfigFile(t, `{"system":{"name":"bench-1"},"modules":{"analysis":{"tolerance_nm":5}}}`)
	s := NewStore(path)

	if err := s.SetBaseline(spectrum.Profile{1, 2}); err != nil {
		t.Fatalf("SetBaseline: %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}

	var data map[string]any
	if err := json.Unmarshal(raw, &data); err != nil {
		t.Fatal(err)
	}

	system, _ := data["system"].(map[string]any)
	if system["name"] != "bench-1" {
		t.Error("Unrelated top-level key was lost")
	}

	analysis := data["modules"].(map[string]any)["analysis"].(map[string]any)
	if analysis["tolerance_nm"] != float64(5) {
		t.Error("Unrelated analysis key was lost")
	}
	if _, ok := analysis["base_intensity_profile"]; !ok {
		t.Error("Baseline key was not written")
	}
}

func TestStore_SetBaselineReplacesPriorValue(t *testing.T) {
	path := newConfigFile(t, `{}`)
	s := NewStore(path)

	if err := s.SetBaseline(spectrum.Profile{1, 2, 3}); err != nil {
		t.Fatal(err)
	}
	if err := s.SetBaseline(spectrum.Profile{9}); err != nil {
		t.Fatal(err)
	}

	got, err := s.Baseline()
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0] != 9 {
		t.Errorf("Expected replaced baseline [9], got %v", got)
	}
}

func TestStore_UpdateCameraSettings(t *testing.T) {
	path := newConfigFile(t, `{"modules":{"camera":{"resolution":[1920,1080],"gain":1.0}}}`)
	s := NewStore(path)

	err := s.UpdateCameraSettings(map[string]any{"gain": 2.4, "exposure": 30000})
	if err != nil {
		t.Fatalf("UpdateCameraSettings: %v", err)
	}

	raw, _ := os.ReadFile(path)
	var data map[string]any
	if err := json.Unmarshal(raw, &data); err != nil {
		t.Fatal(err)
	}

	camera := data["modules"].(map[string]any)["camera"].(map[string]any)
	if camera["gain"] != 2.4 {
		t.Errorf("gain = %v, want 2.4", camera["gain"])
	}
	if camera["exposure"] != float64(30000) {
		t.Errorf("exposure = %v, want 30000", camera["exposure"])
	}
	if _, ok := camera["resolution"]; !ok {
		t.Error("Unrelated camera key was lost")
	}
}

func TestStore_MissingFileIsAnError(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "absent.json"))

	if err := s.SetBaseline(spectrum.Profile{1}); err == nil {
		t.Error("Expected error when configuration file is missing")
	}
	if _, err := s.Baseline(); err == nil {
		t.Error("Expected error when configuration file is missing")
	}
}
