package analysis

import "time"

// State is the acquisition state of the orchestrator.
type State int

const (
	// StateIdle accepts new commands.
	StateIdle State = iota

	// StateCalibrating waits for a baseline image.
	StateCalibrating

	// StateAnalyzing runs the analysis pipeline on a sample image.
	StateAnalyzing

	// StateAwaitingNewSubstanceImage waits for a reference capture.
	StateAwaitingNewSubstanceImage

	// StateProcessingNewSubstance builds and stores a reference
	// spectrum from a captured image.
	StateProcessingNewSubstance
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateCalibrating:
		return "Calibrating"
	case StateAnalyzing:
		return "Analyzing"
	case StateAwaitingNewSubstanceImage:
		return "AwaitingNewSubstanceImage"
	case StateProcessingNewSubstance:
		return "ProcessingNewSubstance"
	default:
		return "Unknown"
	}
}

// Mode is the full acquisition mode, carrying the pending substance of
// a reference capture. Exactly one Mode is active at a time.
type Mode struct {
	State       State
	Substance   string
	RequestedAt time.Time
}
