package analysis

import (
	"context"
	"encoding/base64"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"spectrabench/internal/bus"
	"spectrabench/internal/extractor"
	"spectrabench/internal/instrument"
	"spectrabench/internal/reference"
	"spectrabench/internal/spectrum"
)

type fakeCamera struct {
	mu    sync.Mutex
	image []byte
	err   error
	gate  chan struct{}
	calls int
}

func (c *fakeCamera) Capture(context.Context) ([]byte, error) {
	c.mu.Lock()
	c.calls++
	image, err, gate := c.image, c.err, c.gate
	c.mu.Unlock()

	if gate != nil {
		<-gate
	}
	return image, err
}

func (c *fakeCamera) setGate(gate chan struct{}) {
	c.mu.Lock()
	c.gate = gate
	c.mu.Unlock()
}

// fakeExtractor maps raw image bytes to canned profiles.
type fakeExtractor struct {
	profiles map[string]spectrum.Profile
}

func (e *fakeExtractor) Extract(imageData []byte) (*extractor.Result, error) {
	p, ok := e.profiles[string(imageData)]
	if !ok {
		return nil, extractor.ErrDecode
	}
	return &extractor.Result{Profile: p.Clone()}, nil
}

type collector struct {
	mu       sync.Mutex
	messages []bus.Message
}

func (c *collector) handle(msg bus.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, msg)
}

func (c *collector) count(msgType string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, msg := range c.messages {
		if msg.Type == msgType {
			n++
		}
	}
	return n
}

// waitFor blocks until the n-th message of the given type arrives.
func (c *collector) waitFor(t *testing.T, msgType string, n int) bus.Message {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		c.mu.Lock()
		seen := 0
		for _, msg := range c.messages {
			if msg.Type == msgType {
				seen++
				if seen == n {
					c.mu.Unlock()
					return msg
				}
			}
		}
		c.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s #%d", msgType, n)
	return bus.Message{}
}

type rig struct {
	bus    *bus.Bus
	camera *fakeCamera
	ext    *fakeExtractor
	store  *reference.Store
	config *instrument.Store
	orch   *Orchestrator
	events *collector
}

func newRig(t *testing.T) *rig {
	t.Helper()

	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.json")
	if err := os.WriteFile(cfgPath, []byte("{}\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	r := &rig{
		bus:    bus.New(bus.WithLogger(logger)),
		camera: &fakeCamera{image: []byte("img")},
		ext:    &fakeExtractor{profiles: map[string]spectrum.Profile{}},
		store:  reference.Open(filepath.Join(dir, "reference.csv"), reference.WithLogger(logger)),
		config: instrument.NewStore(cfgPath, instrument.WithLogger(logger)),
		events: &collector{},
	}
	r.bus.Register("Observer", r.events.handle)

	r.orch = New(r.bus, r.camera, r.ext, r.store, r.config, WithLogger(logger))
	return r
}

func (r *rig) start(t *testing.T) {
	t.Helper()
	r.orch.Start(context.Background())
	t.Cleanup(r.orch.Wait)
}

func (r *rig) send(msgType string, payload bus.Payload) {
	r.bus.Publish("Test", ModuleName, msgType, payload)
}

func (r *rig) waitIdle(t *testing.T) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if r.orch.Mode().State == StateIdle {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("orchestrator stuck in %s", r.orch.Mode().State)
}

func constant(value float64, n int) spectrum.Profile {
	p := make(spectrum.Profile, n)
	for i := range p {
		p[i] = value
	}
	return p
}

// dipped is 20 samples at level, 5 at level-depth, 25 at level again.
func dipped(level, depth float64) spectrum.Profile {
	p := constant(level, 50)
	for i := 20; i < 25; i++ {
		p[i] = level - depth
	}
	return p
}

func TestCalibrateStoresBaseline(t *testing.T) {
	r := newRig(t)
	r.ext.profiles["img"] = constant(100, 50)
	r.start(t)

	r.send(MsgCalibrate, nil)

	msg := r.events.waitFor(t, EventAnalysisCalibration, 2)
	if got := msg.String("status"); got != "completed" {
		t.Fatalf("status = %q, want completed", got)
	}
	r.waitIdle(t)

	baseline, err := r.config.Baseline()
	if err != nil {
		t.Fatalf("Baseline: %v", err)
	}
	if len(baseline) != 50 || baseline[0] != 100 {
		t.Errorf("persisted baseline = %d samples, first %v", len(baseline), baseline[0])
	}
}

func TestCalibrateSingleFlight(t *testing.T) {
	r := newRig(t)
	r.ext.profiles["img"] = constant(100, 50)
	gate := make(chan struct{})
	r.camera.setGate(gate)
	r.start(t)

	r.send(MsgCalibrate, nil)
	r.events.waitFor(t, EventAnalysisCalibration, 1)

	// Second request while the first is in flight is a no-op.
	r.send(MsgCalibrate, nil)
	if got := r.events.count(EventAnalysisCalibration); got != 1 {
		t.Fatalf("calibration events = %d, want 1", got)
	}

	close(gate)
	r.events.waitFor(t, EventAnalysisCalibration, 2)
	r.waitIdle(t)
	r.camera.setGate(nil)

	// After completion a new request is accepted again.
	r.send(MsgCalibrate, nil)
	msg := r.events.waitFor(t, EventAnalysisCalibration, 4)
	if got := msg.String("status"); got != "completed" {
		t.Fatalf("status = %q, want completed", got)
	}
}

func TestCalibrateCaptureFailure(t *testing.T) {
	r := newRig(t)
	r.camera.err = os.ErrDeadlineExceeded
	r.start(t)

	r.send(MsgCalibrate, nil)

	msg := r.events.waitFor(t, EventAnalysisCalibration, 2)
	if got := msg.String("status"); got != "error" {
		t.Fatalf("status = %q, want error", got)
	}
	r.waitIdle(t)
}

func TestAnalyzeWithoutReferences(t *testing.T) {
	r := newRig(t)
	r.start(t)

	r.send(MsgAnalyze, bus.Payload{"image": base64.StdEncoding.EncodeToString([]byte("img"))})

	msg := r.events.waitFor(t, EventAnalysisError, 1)
	if msg.String("message") == "" {
		t.Error("error event has no message")
	}
	if got := r.events.count(EventAnalysisComplete); got != 0 {
		t.Errorf("AnalysisComplete events = %d, want 0", got)
	}
}

func TestAnalyzeWithoutImage(t *testing.T) {
	r := newRig(t)
	seedReference(t, r.store, "Decoy", constant(-1, 50))
	r.start(t)

	r.send(MsgAnalyze, nil)
	r.events.waitFor(t, EventAnalysisError, 1)
}

func seedReference(t *testing.T, store *reference.Store, substance string, spec spectrum.Profile) {
	t.Helper()
	err := store.Append(reference.Record{
		Substance:   substance,
		Source:      "test",
		CapturedAt:  time.Now().UTC(),
		Calibration: spectrum.DefaultCalibration(),
		Spectrum:    spec,
	})
	if err != nil {
		t.Fatalf("seeding reference %s: %v", substance, err)
	}
}

func TestAnalyzeEndToEnd(t *testing.T) {
	r := newRig(t)

	baseline := constant(100, 50)
	if err := r.config.SetBaseline(baseline); err != nil {
		t.Fatal(err)
	}

	// corrected = profile - baseline: a dip of depth 60 at indices 20-24.
	corrected := spectrum.Subtract(dipped(100, 60), baseline)
	seedReference(t, r.store, "Methanol", corrected.Clone())
	seedReference(t, r.store, "Decoy", constant(-1, 50))

	r.ext.profiles["sample"] = dipped(100, 60)
	r.start(t)

	r.send(MsgAnalyze, bus.Payload{"image": base64.StdEncoding.EncodeToString([]byte("sample"))})

	msg := r.events.waitFor(t, EventAnalysisComplete, 1)
	r.waitIdle(t)

	identified, ok := msg.Payload["identified_substances"].([]string)
	if !ok || len(identified) == 0 {
		t.Fatalf("identified_substances = %#v", msg.Payload["identified_substances"])
	}
	if identified[0] != "Methanol" {
		t.Errorf("first identified substance = %q, want Methanol", identified[0])
	}

	processed, ok := msg.Payload["processed_spectrogram"].([]float64)
	if !ok || len(processed) != 50 {
		t.Fatalf("processed_spectrogram = %#v", msg.Payload["processed_spectrogram"])
	}
	if processed[22] != -60 || processed[0] != 0 {
		t.Errorf("processed dip = %v at 22, %v at 0; want -60 and 0", processed[22], processed[0])
	}

	peaks, ok := msg.Payload["details"].([]spectrum.DetectedPeak)
	if !ok || len(peaks) != 1 {
		t.Fatalf("details = %#v, want one detected peak", msg.Payload["details"])
	}
	if d := peaks[0].PixelIndex - 22; d < -2 || d > 2 {
		t.Errorf("peak at index %d, want near 22", peaks[0].PixelIndex)
	}

	matches, ok := msg.Payload["reference_matches"].([]spectrum.MatchResult)
	if !ok || len(matches) != 2 {
		t.Fatalf("reference_matches = %#v", msg.Payload["reference_matches"])
	}
	if matches[0].Substance != "Methanol" || math.Abs(matches[0].Similarity-1) > 1e-9 {
		t.Errorf("best match = %s similarity %v, want Methanol at 1",
			matches[0].Substance, matches[0].Similarity)
	}
}

func TestNewSubstanceFlow(t *testing.T) {
	r := newRig(t)
	if err := r.config.SetBaseline(constant(100, 50)); err != nil {
		t.Fatal(err)
	}
	r.ext.profiles["img"] = dipped(100, 60)
	r.start(t)

	r.send(MsgNewSubstanceName, bus.Payload{"name": "Sodium"})

	msg := r.events.waitFor(t, EventNewReferenceCapture, 2)
	r.waitIdle(t)

	if got := msg.String("status"); got != "completed" {
		t.Fatalf("status = %q, want completed", got)
	}
	if got := msg.String("substance"); got != "Sodium" {
		t.Errorf("substance = %q, want Sodium", got)
	}

	// diff = baseline - profile peaks at the first dip sample, pixel 20.
	wavelength, ok := msg.Payload["wavelength_nm"].(float64)
	if !ok || wavelength != 20*0.5+400 {
		t.Errorf("wavelength_nm = %v, want 410", msg.Payload["wavelength_nm"])
	}
	if intensity, ok := msg.Payload["intensity"].(float64); !ok || intensity != 60 {
		t.Errorf("intensity = %v, want 60", msg.Payload["intensity"])
	}

	if r.store.Len() != 1 {
		t.Fatalf("store has %d records, want 1", r.store.Len())
	}
	rec := r.store.Records()[0]
	if rec.Substance != "Sodium" || len(rec.Spectrum) != 50 || rec.Spectrum[20] != 60 {
		t.Errorf("stored record = %s, %d samples, [20]=%v", rec.Substance,
			len(rec.Spectrum), rec.Spectrum[20])
	}
}

func TestNewSubstanceRequiresBaseline(t *testing.T) {
	r := newRig(t)
	r.start(t)

	r.send(MsgNewSubstanceName, bus.Payload{"name": "Sodium"})

	msg := r.events.waitFor(t, EventNewReferenceCapture, 1)
	if got := msg.String("status"); got != "error" {
		t.Fatalf("status = %q, want error", got)
	}
}

func TestNewSubstanceRequiresName(t *testing.T) {
	r := newRig(t)
	r.start(t)

	r.send(MsgNewSubstanceName, bus.Payload{"name": "   "})

	msg := r.events.waitFor(t, EventNewReferenceCapture, 1)
	if got := msg.String("status"); got != "error" {
		t.Fatalf("status = %q, want error", got)
	}
}

func TestNewSubstanceRejectionKeepsCalibrationRunning(t *testing.T) {
	r := newRig(t)
	r.ext.profiles["img"] = constant(100, 50)
	gate := make(chan struct{})
	r.camera.setGate(gate)
	r.start(t)

	r.send(MsgCalibrate, nil)
	r.events.waitFor(t, EventAnalysisCalibration, 1)

	// No baseline exists yet, so the name reply is rejected. The
	// rejection must leave the in-flight calibration untouched.
	r.send(MsgNewSubstanceName, bus.Payload{"name": "Sodium"})
	msg := r.events.waitFor(t, EventNewReferenceCapture, 1)
	if got := msg.String("status"); got != "error" {
		t.Fatalf("status = %q, want error", got)
	}
	if got := r.orch.Mode().State; got != StateCalibrating {
		t.Fatalf("mode = %s, want Calibrating", got)
	}

	close(gate)
	msg = r.events.waitFor(t, EventAnalysisCalibration, 2)
	if got := msg.String("status"); got != "completed" {
		t.Fatalf("calibration status = %q, want completed", got)
	}
	r.waitIdle(t)

	baseline, err := r.config.Baseline()
	if err != nil {
		t.Fatalf("Baseline: %v", err)
	}
	if len(baseline) != 50 {
		t.Errorf("persisted baseline has %d samples, want 50", len(baseline))
	}
}

func TestNewSubstanceSingleFlight(t *testing.T) {
	r := newRig(t)
	if err := r.config.SetBaseline(constant(100, 50)); err != nil {
		t.Fatal(err)
	}
	r.ext.profiles["img"] = dipped(100, 60)
	gate := make(chan struct{})
	r.camera.setGate(gate)
	r.start(t)

	r.send(MsgNewSubstanceName, bus.Payload{"name": "First"})
	r.events.waitFor(t, EventNewReferenceCapture, 1)

	r.send(MsgNewSubstanceName, bus.Payload{"name": "Second"})
	msg := r.events.waitFor(t, EventNewReferenceCapture, 2)
	if got := msg.String("status"); got != "error" {
		t.Fatalf("second request status = %q, want error (rejected)", got)
	}
	if got := msg.String("substance"); got != "Second" {
		t.Errorf("rejected substance = %q, want Second", got)
	}

	close(gate)
	msg = r.events.waitFor(t, EventNewReferenceCapture, 3)
	if got := msg.String("status"); got != "completed" {
		t.Fatalf("first request status = %q, want completed", got)
	}
	r.waitIdle(t)
}

func TestDuplicateReferenceImageIgnored(t *testing.T) {
	r := newRig(t)
	if err := r.config.SetBaseline(constant(100, 50)); err != nil {
		t.Fatal(err)
	}
	r.ext.profiles["img"] = dipped(100, 60)
	r.start(t)

	r.send(MsgNewSubstanceName, bus.Payload{"name": "Sodium"})
	r.events.waitFor(t, EventNewReferenceCapture, 2)
	r.waitIdle(t)

	// A stray hardware notification after completion must not add a
	// second record.
	r.send(MsgPictureTaken, bus.Payload{
		"image": base64.StdEncoding.EncodeToString([]byte("img")),
	})
	r.orch.Wait()

	if r.store.Len() != 1 {
		t.Fatalf("store has %d records, want 1", r.store.Len())
	}
}

func TestAddSubstanceRequestsName(t *testing.T) {
	r := newRig(t)
	r.start(t)

	r.send(MsgAddSubstance, nil)

	r.events.waitFor(t, EventSubstanceNameRequest, 1)
	if r.orch.Mode().State != StateIdle {
		t.Errorf("mode = %s, want Idle", r.orch.Mode().State)
	}
}
