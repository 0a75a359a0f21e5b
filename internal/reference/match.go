package reference

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"

	"spectrabench/internal/spectrum"
)

// identifiedLimit bounds how many substances an analysis reports.
const identifiedLimit = 3

// Match scores every stored spectrum against the observed corrected
// profile and returns the results ranked by cosine similarity
// descending, then RMSE ascending. Spectra that resample to empty are
// skipped. An empty store or profile yields no matches.
func (s *Store) Match(profile spectrum.Profile) []spectrum.MatchResult {
	if len(profile) == 0 {
		return nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	matches := make([]spectrum.MatchResult, 0, len(s.records))
	for _, rec := range s.records {
		resampled := spectrum.Resample(rec.Spectrum, len(profile))
		if len(resampled) == 0 {
			continue
		}

		matches = append(matches, spectrum.MatchResult{
			Substance:  rec.Substance,
			IonState:   rec.IonState,
			Source:     rec.Source,
			CapturedAt: rec.CapturedAt,
			RMSE:       rmse(profile, resampled),
			Similarity: cosineSimilarity(profile, resampled),
		})
	}

	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Similarity != matches[j].Similarity {
			return matches[i].Similarity > matches[j].Similarity
		}
		return matches[i].RMSE < matches[j].RMSE
	})

	return matches
}

// IdentifiedSubstances returns the ranked substance names of the top
// matches, collapsing repeated names, up to the reporting limit.
func IdentifiedSubstances(matches []spectrum.MatchResult) []string {
	var names []string
	for _, m := range matches {
		if containsName(names, m.Substance) {
			continue
		}
		names = append(names, m.Substance)
		if len(names) == identifiedLimit {
			break
		}
	}
	return names
}

func containsName(names []string, name string) bool {
	for _, n := range names {
		if n == name {
			return true
		}
	}
	return false
}

// rmse is the root-mean-square error between two equal-length profiles.
func rmse(a, b spectrum.Profile) float64 {
	var sum float64
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return math.Sqrt(sum / float64(len(a)))
}

// cosineSimilarity is dot(a,b)/(‖a‖·‖b‖), defined as 0 when either norm
// is zero.
func cosineSimilarity(a, b spectrum.Profile) float64 {
	normA := floats.Norm(a, 2)
	normB := floats.Norm(b, 2)
	if normA == 0 || normB == 0 {
		return 0
	}
	return floats.Dot(a, b) / (normA * normB)
}
