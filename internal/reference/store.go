// Package reference maintains the database of named reference spectra:
// an append-only CSV record file mirrored by an in-memory index, and the
// ranked matching of observed profiles against it.
package reference

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"spectrabench/internal/spectrum"
)

// ErrUnavailable is returned when an operation requires reference data
// and none is loaded.
var ErrUnavailable = errors.New("reference data not loaded")

// header is the current full-spectrum record shape. It is written
// exactly once, when the record file is created or found empty.
var header = []string{
	"substance",
	"ion_state",
	"source",
	"captured_at",
	"pixel_to_nm_factor",
	"pixel_to_nm_offset",
	"spectrum_length",
	"spectrum_values",
}

// Record is one stored reference spectrum. Records are immutable once
// appended; multiple records may share a substance name.
type Record struct {
	Substance   string
	IonState    string
	Source      string
	CapturedAt  time.Time
	Calibration spectrum.WavelengthCalibration
	Spectrum    spectrum.Profile
}

// WithLogger sets the logger for the store.
func WithLogger(logger *slog.Logger) func(*Store) {
	return func(s *Store) {
		s.logger = logger.With(slog.String("component", "reference-store"))
	}
}

// Store is the reference-spectrum database. Every append is persisted to
// the record file before the in-memory index is updated, under a single
// mutual-exclusion section, so readers never observe a half-written
// record and a crash mid-write cannot leave file and memory divergent.
type Store struct {
	path string

	mu      sync.RWMutex
	records []Record

	logger *slog.Logger
}

// Open loads the record file at path. Loading fails soft: a missing,
// empty or corrupt file yields an empty store and a log entry, so
// analysis can proceed without matches.
func Open(path string, options ...func(*Store)) *Store {
	s := Store{
		path:   path,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}

	for _, option := range options {
		option(&s)
	}

	if err := s.load(); err != nil {
		s.logger.Error("failed to load reference spectra; starting with an empty database",
			slog.String("path", path),
			slog.Any("error", err))
	} else {
		s.logger.Info("reference spectra loaded",
			slog.String("path", path),
			slog.Int("count", len(s.records)))
	}

	return &s
}

// Len returns the number of loaded records.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Records returns a snapshot of the stored records in insertion order.
func (s *Store) Records() []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Record, len(s.records))
	copy(out, s.records)
	return out
}

// Append persists one record and commits it to the in-memory index. The
// file write must succeed before memory is updated.
func (s *Store) Append(rec Record) error {
	if rec.Substance == "" {
		return fmt.Errorf("reference record requires a substance name")
	}
	if len(rec.Spectrum) == 0 {
		return fmt.Errorf("reference record requires a non-empty spectrum")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.writeRecord(rec); err != nil {
		return fmt.Errorf("persisting reference record: %w", err)
	}

	s.records = append(s.records, rec)
	return nil
}

func (s *Store) writeRecord(rec Record) (err error) {
	needHeader := true
	if info, statErr := os.Stat(s.path); statErr == nil && info.Size() > 0 {
		needHeader = false
	}

	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("opening record file: %w", err)
	}
	defer func() {
		if cErr := f.Close(); cErr != nil && err == nil {
			err = fmt.Errorf("closing record file: %w", cErr)
		}
	}()

	w := csv.NewWriter(f)
	if needHeader {
		if err = w.Write(header); err != nil {
			return fmt.Errorf("writing header: %w", err)
		}
	}
	if err = w.Write(marshalRecord(rec)); err != nil {
		return fmt.Errorf("writing record: %w", err)
	}

	w.Flush()
	if err = w.Error(); err != nil {
		return fmt.Errorf("flushing record: %w", err)
	}
	return nil
}

func (s *Store) load() error {
	f, err := os.Open(s.path)
	if err != nil {
		return fmt.Errorf("opening record file: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1

	head, err := r.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("record file is empty")
		}
		return fmt.Errorf("reading header: %w", err)
	}

	cols := make(map[string]int, len(head))
	for i, name := range head {
		cols[name] = i
	}

	_, legacy := cols["wavelength"]
	_, hasSpectrum := cols["spectrum_values"]
	if !hasSpectrum && !legacy {
		return fmt.Errorf("record file has an unrecognized header: %v", head)
	}

	var records []Record
	for line := 2; ; line++ {
		row, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("reading record on line %d: %w", line, err)
		}

		if !hasSpectrum {
			// Legacy single-peak rows carry a wavelength and a
			// substance but no spectrum to match against.
			s.logger.Warn("skipping legacy reference row without a full spectrum",
				slog.Int("line", line),
				slog.String("substance", field(row, cols, "substance")))
			continue
		}

		rec, ok := s.parseRecord(row, cols, line)
		if ok {
			records = append(records, rec)
		}
	}

	s.mu.Lock()
	s.records = records
	s.mu.Unlock()
	return nil
}

func (s *Store) parseRecord(row []string, cols map[string]int, line int) (Record, bool) {
	values, err := parseSpectrum(field(row, cols, "spectrum_values"))
	if err != nil {
		s.logger.Warn("skipping reference row with unreadable spectrum",
			slog.Int("line", line),
			slog.Any("error", err))
		return Record{}, false
	}
	if len(values) == 0 {
		s.logger.Warn("skipping reference row with an empty spectrum", slog.Int("line", line))
		return Record{}, false
	}

	rec := Record{
		Substance: field(row, cols, "substance"),
		IonState:  field(row, cols, "ion_state"),
		Source:    field(row, cols, "source"),
		Spectrum:  values,
	}

	if raw := field(row, cols, "captured_at"); raw != "" {
		if ts, err := time.Parse(time.RFC3339, raw); err == nil {
			rec.CapturedAt = ts.UTC()
		} else {
			s.logger.Warn("unreadable captured_at on reference row",
				slog.Int("line", line),
				slog.String("value", raw))
		}
	}

	rec.Calibration = spectrum.DefaultCalibration()
	if v, err := parseFloat(field(row, cols, "pixel_to_nm_factor")); err == nil {
		rec.Calibration.FactorNmPerPixel = v
	}
	if v, err := parseFloat(field(row, cols, "pixel_to_nm_offset")); err == nil {
		rec.Calibration.OffsetNm = v
	}

	return rec, true
}

func field(row []string, cols map[string]int, name string) string {
	i, ok := cols[name]
	if !ok || i >= len(row) {
		return ""
	}
	return row[i]
}
