package archive

import (
	"encoding/json"
	"fmt"
	"time"

	"spectrabench/internal/analysis"
	"spectrabench/internal/spectrum"
)

func closeWithError(cl interface{ Close() error }, err *error) {
	if cErr := cl.Close(); cErr != nil && *err == nil {
		*err = cErr
	}
}

func rollbackWithError(rb interface{ Rollback() error }, err *error) {
	if cErr := rb.Rollback(); cErr != nil && *err == nil {
		*err = cErr
	}
}

// analysisData is the row shape of the analyses table. Profile and
// match columns hold JSON.
type analysisData struct {
	ID         int64
	SessionID  int64
	CapturedAt time.Time
	Substances string
	RawProfile string
	Processed  string
	Peaks      string
	Matches    string
}

func toAnalysisData(sessionID int64, run analysis.Run) (*analysisData, error) {
	data := analysisData{
		SessionID:  sessionID,
		CapturedAt: run.CapturedAt.UTC(),
	}

	columns := []struct {
		value any
		dst   *string
		name  string
	}{
		{orEmpty(run.Substances), &data.Substances, "substances"},
		{orEmptyProfile(run.RawProfile), &data.RawProfile, "raw profile"},
		{orEmptyProfile(run.Corrected), &data.Processed, "processed profile"},
		{orEmptyPeaks(run.Peaks), &data.Peaks, "peaks"},
		{orEmptyMatches(run.Matches), &data.Matches, "matches"},
	}
	for _, col := range columns {
		p, err := json.Marshal(col.value)
		if err != nil {
			return nil, fmt.Errorf("marshaling %s: %w", col.name, err)
		}
		*col.dst = string(p)
	}

	return &data, nil
}

func fromAnalysisData(data analysisData) (*Analysis, error) {
	a := Analysis{
		ID:         data.ID,
		SessionID:  data.SessionID,
		CapturedAt: data.CapturedAt,
	}

	columns := []struct {
		src  string
		dst  any
		name string
	}{
		{data.Substances, &a.Substances, "substances"},
		{data.RawProfile, &a.RawProfile, "raw profile"},
		{data.Processed, &a.Processed, "processed profile"},
		{data.Peaks, &a.Peaks, "peaks"},
		{data.Matches, &a.Matches, "matches"},
	}
	for _, col := range columns {
		if err := json.Unmarshal([]byte(col.src), col.dst); err != nil {
			return nil, fmt.Errorf("unmarshaling %s: %w", col.name, err)
		}
	}

	return &a, nil
}

// JSON null round-trips poorly for the reader side; archive empty
// collections as empty, not null.

func orEmpty(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}

func orEmptyProfile(v spectrum.Profile) spectrum.Profile {
	if v == nil {
		return spectrum.Profile{}
	}
	return v
}

func orEmptyPeaks(v []spectrum.DetectedPeak) []spectrum.DetectedPeak {
	if v == nil {
		return []spectrum.DetectedPeak{}
	}
	return v
}

func orEmptyMatches(v []spectrum.MatchResult) []spectrum.MatchResult {
	if v == nil {
		return []spectrum.MatchResult{}
	}
	return v
}
