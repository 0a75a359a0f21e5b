// Package analysis orchestrates the acquisition pipeline: it reacts to
// command messages, drives the camera, extracts intensity profiles,
// detects absorbance valleys and matches them against the reference
// store.
package analysis

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"spectrabench/internal/bus"
	"spectrabench/internal/extractor"
	"spectrabench/internal/instrument"
	"spectrabench/internal/reference"
	"spectrabench/internal/spectrum"
)

// ModuleName is the bus address of the orchestrator.
const ModuleName = "Analysis"

// Inbound command message types.
const (
	MsgCalibrate        = "Calibrate"
	MsgAnalyze          = "Analyze"
	MsgAddSubstance     = "AddSubstance"
	MsgNewSubstanceName = "NewSubstanceName"
	MsgPictureTaken     = "PictureTaken"
)

// Outbound event message types.
const (
	EventAnalysisRequested    = "AnalysisRequested"
	EventAnalysisError        = "AnalysisError"
	EventAnalysisCalibration  = "AnalysisCalibration"
	EventNewReferenceCapture  = "NewReferenceCapture"
	EventAnalysisComplete     = "AnalysisComplete"
	EventSubstanceNameRequest = "SubstanceNameRequest"
)

// Capturer produces an encoded picture from the instrument camera.
type Capturer interface {
	Capture(ctx context.Context) ([]byte, error)
}

// Extractor turns an encoded picture into an intensity profile.
type Extractor interface {
	Extract(imageData []byte) (*extractor.Result, error)
}

// Run is one completed analysis, handed to a Recorder for archival.
type Run struct {
	CapturedAt time.Time
	Substances []string
	RawProfile spectrum.Profile
	Corrected  spectrum.Profile
	Peaks      []spectrum.DetectedPeak
	Matches    []spectrum.MatchResult
}

// Recorder archives completed analysis runs. Archival failures are
// logged and never fail an analysis.
type Recorder interface {
	RecordRun(ctx context.Context, run Run) error
}

// Orchestrator is the acquisition state machine. A single mutex guards
// mode transitions; each command either mutates state or spawns a
// worker goroutine, so bus dispatch never blocks.
type Orchestrator struct {
	bus       *bus.Bus
	camera    Capturer
	extractor Extractor
	detector  *spectrum.Detector
	store     *reference.Store
	config    *instrument.Store
	recorder  Recorder
	cal       spectrum.WavelengthCalibration
	logger    *slog.Logger

	mu       sync.Mutex
	mode     Mode
	baseline spectrum.Profile

	ctx context.Context
	wg  sync.WaitGroup
}

// New creates an Orchestrator. Call Start to load the persisted
// baseline and attach it to the bus.
func New(b *bus.Bus, camera Capturer, ext Extractor, store *reference.Store,
	config *instrument.Store, options ...func(*Orchestrator)) *Orchestrator {

	o := &Orchestrator{
		bus:       b,
		camera:    camera,
		extractor: ext,
		detector:  spectrum.NewDetector(),
		store:     store,
		config:    config,
		cal:       spectrum.DefaultCalibration(),
		logger:    slog.Default(),
	}

	for _, option := range options {
		option(o)
	}

	return o
}

// WithLogger sets the Orchestrator logger.
func WithLogger(logger *slog.Logger) func(*Orchestrator) {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithDetector replaces the valley detector.
func WithDetector(d *spectrum.Detector) func(*Orchestrator) {
	return func(o *Orchestrator) {
		o.detector = d
	}
}

// WithRecorder sets the archive for completed runs.
func WithRecorder(r Recorder) func(*Orchestrator) {
	return func(o *Orchestrator) {
		o.recorder = r
	}
}

// WithWavelengthCalibration sets the pixel to nanometer mapping.
func WithWavelengthCalibration(cal spectrum.WavelengthCalibration) func(*Orchestrator) {
	return func(o *Orchestrator) {
		o.cal = cal
	}
}

// Start loads the persisted baseline and registers the orchestrator on
// the bus. ctx bounds all spawned work.
func (o *Orchestrator) Start(ctx context.Context) {
	baseline, err := o.config.Baseline()
	if err != nil {
		o.logger.Warn("failed to load baseline profile", "error", err)
	} else if len(baseline) > 0 {
		o.baseline = baseline
		o.logger.Info("baseline profile loaded", slog.Int("samples", len(baseline)))
	}

	o.ctx = ctx
	o.bus.Register(ModuleName, o.handle)
}

// Wait blocks until all spawned workers have finished.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// Mode returns the current acquisition mode.
func (o *Orchestrator) Mode() Mode {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.mode
}

func (o *Orchestrator) handle(msg bus.Message) {
	switch msg.Type {
	case MsgCalibrate:
		o.startCalibration()
	case MsgAnalyze:
		o.handleAnalyze(msg)
	case MsgAddSubstance:
		o.handleAddSubstance()
	case MsgNewSubstanceName:
		o.handleNewSubstanceName(msg)
	case MsgPictureTaken:
		o.handlePictureTaken(msg)
	default:
		o.logger.Debug("ignoring message", slog.String("type", msg.Type),
			slog.String("sender", msg.Sender))
	}
}

// spawn runs fn on a tracked goroutine bound to the Start context.
func (o *Orchestrator) spawn(fn func(ctx context.Context)) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		fn(o.ctx)
	}()
}

func (o *Orchestrator) publish(msgType string, payload bus.Payload) {
	o.bus.Publish(ModuleName, bus.Broadcast, msgType, payload)
}

func (o *Orchestrator) publishError(message string) {
	o.publish(EventAnalysisError, bus.Payload{"message": message})
}

// setIdle restores the Idle mode. Safe to call on any exit path.
func (o *Orchestrator) setIdle() {
	o.mu.Lock()
	o.mode = Mode{State: StateIdle}
	o.mu.Unlock()
}

func (o *Orchestrator) inState(s State) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.mode.State == s
}

func (o *Orchestrator) baselineSnapshot() spectrum.Profile {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.baseline.Clone()
}

// startCalibration begins the baseline capture. Rejected unless Idle.
func (o *Orchestrator) startCalibration() {
	o.mu.Lock()
	if o.mode.State != StateIdle {
		mode := o.mode.State
		o.mu.Unlock()
		o.logger.Warn("calibration request ignored",
			slog.String("mode", mode.String()))
		return
	}
	o.mode = Mode{State: StateCalibrating}
	o.mu.Unlock()

	o.publish(EventAnalysisCalibration, bus.Payload{"status": "started"})
	o.logger.Info("starting baseline calibration")

	o.spawn(func(ctx context.Context) {
		image, err := o.camera.Capture(ctx)
		if err != nil {
			o.failCalibration(fmt.Sprintf("failed to capture calibration image: %v", err))
			return
		}
		o.handleImage(image)
	})
}

// completeCalibration extracts the baseline profile from the captured
// image and persists it. The mode returns to Idle on every exit path.
func (o *Orchestrator) completeCalibration(image []byte) {
	defer o.setIdle()

	result, err := o.extractor.Extract(image)
	if err != nil {
		o.failCalibration(fmt.Sprintf("failed to extract calibration profile: %v", err))
		return
	}

	baseline := result.Profile.Clone()

	o.mu.Lock()
	o.baseline = baseline
	o.mu.Unlock()

	if err := o.config.SetBaseline(baseline); err != nil {
		o.failCalibration(fmt.Sprintf("failed to persist baseline profile: %v", err))
		return
	}

	o.publish(EventAnalysisCalibration, bus.Payload{"status": "completed"})
	o.logger.Info("baseline calibration completed", slog.Int("samples", len(baseline)))
}

func (o *Orchestrator) failCalibration(message string) {
	o.setIdle()
	o.publish(EventAnalysisCalibration, bus.Payload{
		"status":  "error",
		"message": message,
	})
	o.logger.Error("calibration failed", slog.String("message", message))
}

// handleAnalyze runs the analysis pipeline on the supplied image, or
// completes a calibration in progress when the image is the requested
// baseline capture.
func (o *Orchestrator) handleAnalyze(msg bus.Message) {
	calibrating := o.inState(StateCalibrating)

	if !calibrating {
		o.publish(EventAnalysisRequested, bus.Payload{"status": "received"})
		if o.store.Len() == 0 {
			o.publishError("cannot analyze: reference data not loaded")
			return
		}
	}

	imageB64 := msg.String("image")
	if imageB64 == "" {
		const errorMsg = "analyze command received without image data"
		o.publishError(errorMsg)
		if calibrating {
			o.failCalibration(errorMsg)
		}
		return
	}

	image, err := base64.StdEncoding.DecodeString(imageB64)
	if err != nil {
		errorMsg := fmt.Sprintf("failed to decode image data: %v", err)
		o.publishError(errorMsg)
		if calibrating {
			o.failCalibration(errorMsg)
		}
		return
	}

	if calibrating {
		o.spawn(func(context.Context) {
			o.handleImage(image)
		})
		return
	}

	o.mu.Lock()
	if o.mode.State == StateIdle {
		o.mode = Mode{State: StateAnalyzing}
	}
	o.mu.Unlock()

	o.spawn(func(ctx context.Context) {
		o.performAnalysis(ctx, image)
	})
}

// performAnalysis runs the four pipeline phases: extraction, valley
// detection, reference matching and result publication.
func (o *Orchestrator) performAnalysis(ctx context.Context, image []byte) {
	defer o.exitAnalyzing()

	o.logger.Info("starting absorption spectrogram analysis")

	result, err := o.extractor.Extract(image)
	if err != nil {
		o.publish(EventAnalysisError, bus.Payload{"error": err.Error()})
		o.logger.Error("analysis failed", "error", err)
		return
	}

	indices, corrected := o.detector.Detect(result.Profile, o.baselineSnapshot())

	peaks := make([]spectrum.DetectedPeak, 0, len(indices))
	for _, i := range indices {
		peaks = append(peaks, spectrum.DetectedPeak{
			PixelIndex:         i,
			WavelengthNm:       o.cal.Wavelength(i),
			RawIntensity:       result.Profile[i],
			ProcessedIntensity: corrected[i],
		})
	}

	matches := o.store.Match(corrected)
	identified := reference.IdentifiedSubstances(matches)

	o.publish(EventAnalysisComplete, bus.Payload{
		"identified_substances": identified,
		"spectrogram_data":      []float64(result.Profile),
		"processed_spectrogram": []float64(corrected),
		"reference_matches":     matches,
		"details":               peaks,
	})
	o.logger.Info("analysis complete",
		slog.Int("peaks", len(peaks)),
		slog.Int("matches", len(matches)),
		slog.Any("substances", identified))

	if o.recorder == nil {
		return
	}

	run := Run{
		CapturedAt: time.Now().UTC(),
		Substances: identified,
		RawProfile: result.Profile,
		Corrected:  corrected,
		Peaks:      peaks,
		Matches:    matches,
	}
	if err := o.recorder.RecordRun(ctx, run); err != nil {
		o.logger.Warn("failed to archive analysis run", "error", err)
	}
}

func (o *Orchestrator) exitAnalyzing() {
	o.mu.Lock()
	if o.mode.State == StateAnalyzing {
		o.mode = Mode{State: StateIdle}
	}
	o.mu.Unlock()
}

// handleAddSubstance starts the name-request round trip with the
// operator interface. The acquisition itself starts when the name
// arrives.
func (o *Orchestrator) handleAddSubstance() {
	if !o.inState(StateIdle) {
		o.logger.Warn("add substance request ignored",
			slog.String("mode", o.Mode().State.String()))
		return
	}

	o.publish(EventSubstanceNameRequest, nil)
	o.logger.Info("new substance requested, awaiting name")
}

// handleNewSubstanceName begins a reference capture for the named
// substance. Requires a baseline and an Idle orchestrator; concurrent
// requests are rejected, not queued.
func (o *Orchestrator) handleNewSubstanceName(msg bus.Message) {
	name := strings.TrimSpace(msg.String("name"))
	if name == "" {
		o.rejectNewSubstance("", "substance name is empty")
		return
	}

	o.mu.Lock()
	if len(o.baseline) == 0 {
		o.mu.Unlock()
		o.rejectNewSubstance(name, "no baseline profile captured, calibrate first")
		return
	}
	if o.mode.State != StateIdle {
		o.mu.Unlock()
		o.rejectNewSubstance(name, "acquisition already in progress")
		return
	}
	o.mode = Mode{
		State:       StateAwaitingNewSubstanceImage,
		Substance:   name,
		RequestedAt: time.Now(),
	}
	o.mu.Unlock()

	o.publish(EventNewReferenceCapture, bus.Payload{
		"status":    "requested",
		"substance": name,
	})
	o.logger.Info("capturing reference spectrum", slog.String("substance", name))

	o.spawn(func(ctx context.Context) {
		image, err := o.camera.Capture(ctx)
		if err != nil {
			o.failNewSubstance(name, fmt.Sprintf("failed to capture reference image: %v", err))
			return
		}
		o.handleImage(image)
	})
}

// handlePictureTaken routes an externally captured image by mode.
func (o *Orchestrator) handlePictureTaken(msg bus.Message) {
	imageB64 := msg.String("image")
	if imageB64 == "" {
		o.logger.Warn("picture notification without image data",
			slog.String("sender", msg.Sender))
		return
	}

	image, err := base64.StdEncoding.DecodeString(imageB64)
	if err != nil {
		o.logger.Warn("failed to decode picture notification", "error", err)
		return
	}

	o.spawn(func(context.Context) {
		o.handleImage(image)
	})
}

// handleImage routes a captured image to the flow that is waiting for
// one. A duplicate arrival while a reference capture is already being
// processed is dropped.
func (o *Orchestrator) handleImage(image []byte) {
	o.mu.Lock()
	switch o.mode.State {
	case StateCalibrating:
		o.mu.Unlock()
		o.completeCalibration(image)

	case StateAwaitingNewSubstanceImage:
		substance := o.mode.Substance
		o.mode = Mode{State: StateProcessingNewSubstance, Substance: substance}
		o.mu.Unlock()
		o.processNewSubstance(image, substance)

	case StateProcessingNewSubstance:
		o.mu.Unlock()
		o.logger.Warn("duplicate reference image ignored")

	default:
		mode := o.mode.State
		o.mu.Unlock()
		o.logger.Warn("unexpected image dropped", slog.String("mode", mode.String()))
	}
}

// processNewSubstance builds a reference spectrum from the captured
// image as the baseline minus the sample profile, and appends it to
// the reference store. The mode returns to Idle on every exit path.
func (o *Orchestrator) processNewSubstance(image []byte, substance string) {
	defer o.setIdle()

	result, err := o.extractor.Extract(image)
	if err != nil {
		o.failNewSubstance(substance, fmt.Sprintf("failed to extract reference profile: %v", err))
		return
	}

	baseline := o.baselineSnapshot()
	if len(baseline) == 0 {
		o.failNewSubstance(substance, "baseline profile lost during acquisition")
		return
	}

	diff := spectrum.Subtract(spectrum.Resample(baseline, len(result.Profile)), result.Profile)
	if len(diff) == 0 {
		o.failNewSubstance(substance, "reference spectrum is empty")
		return
	}

	peak := argmax(diff)
	wavelength := o.cal.Wavelength(peak)
	intensity := diff[peak]

	rec := reference.Record{
		Substance:   substance,
		Source:      "captured",
		CapturedAt:  time.Now().UTC(),
		Calibration: o.cal,
		Spectrum:    diff,
	}
	if err := o.store.Append(rec); err != nil {
		o.failNewSubstance(substance, fmt.Sprintf("failed to store reference spectrum: %v", err))
		return
	}

	o.publish(EventNewReferenceCapture, bus.Payload{
		"status":        "completed",
		"substance":     substance,
		"wavelength_nm": wavelength,
		"intensity":     intensity,
	})
	o.logger.Info("reference spectrum stored",
		slog.String("substance", substance),
		slog.Float64("wavelengthNm", wavelength))
}

// rejectNewSubstance reports a request that never entered the
// acquisition flow. It must not touch the mode: another flow may be
// running.
func (o *Orchestrator) rejectNewSubstance(substance, message string) {
	o.publish(EventNewReferenceCapture, bus.Payload{
		"status":    "error",
		"substance": substance,
		"message":   message,
	})
	o.logger.Warn("new substance request rejected",
		slog.String("substance", substance),
		slog.String("message", message))
}

// failNewSubstance aborts an acquisition that holds the mode and
// releases it.
func (o *Orchestrator) failNewSubstance(substance, message string) {
	o.setIdle()
	o.publish(EventNewReferenceCapture, bus.Payload{
		"status":    "error",
		"substance": substance,
		"message":   message,
	})
	o.logger.Error("reference capture failed",
		slog.String("substance", substance),
		slog.String("message", message))
}

// argmax returns the index of the largest sample. The caller
// guarantees a non-empty slice.
func argmax(p spectrum.Profile) int {
	best := 0
	for i, v := range p {
		if v > p[best] {
			best = i
		}
	}
	return best
}
