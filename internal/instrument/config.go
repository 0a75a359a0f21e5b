// Package instrument persists instrument state that must survive
// restarts: the calibration baseline profile and the camera settings
// found by auto-calibration. State lives inside the shared JSON
// instrument configuration file under nested module keys, rewritten in
// place on every change.
package instrument

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"spectrabench/internal/spectrum"
)

const (
	modulesKey  = "modules"
	analysisKey = "analysis"
	cameraKey   = "camera"

	baselineKey = "base_intensity_profile"
)

// WithLogger sets the logger for the store.
func WithLogger(logger *slog.Logger) func(*Store) {
	return func(s *Store) {
		s.logger = logger.With(slog.String("component", "instrument-config"))
	}
}

// Store reads and rewrites the JSON instrument configuration file. All
// updates are read-modify-write under one mutex and land on disk via a
// temp-file rename, so a crash mid-write cannot truncate the file.
type Store struct {
	path string

	mu     sync.Mutex
	logger *slog.Logger
}

// NewStore creates a Store for the configuration file at path. The file
// must already exist; the instrument ships with one.
func NewStore(path string, options ...func(*Store)) *Store {
	s := Store{
		path:   path,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}

	for _, option := range options {
		option(&s)
	}

	return &s
}

// Baseline loads the persisted baseline intensity profile. A missing
// key yields nil without error: the instrument simply has not been
// calibrated yet.
func (s *Store) Baseline() (spectrum.Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := s.read()
	if err != nil {
		return nil, err
	}

	raw, ok := nested(data, modulesKey, analysisKey)[baselineKey].([]any)
	if !ok {
		return nil, nil
	}

	profile := make(spectrum.Profile, 0, len(raw))
	for i, v := range raw {
		f, ok := v.(float64)
		if !ok {
			return nil, fmt.Errorf("baseline profile sample %d is not numeric", i)
		}
		profile = append(profile, f)
	}
	return profile, nil
}

// SetBaseline replaces the persisted baseline profile.
func (s *Store) SetBaseline(profile spectrum.Profile) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := s.read()
	if err != nil {
		return err
	}

	nested(data, modulesKey, analysisKey)[baselineKey] = []float64(profile)
	return s.write(data)
}

// UpdateCameraSettings merges the given settings into the camera module
// section, preserving unrelated keys.
func (s *Store) UpdateCameraSettings(settings map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := s.read()
	if err != nil {
		return err
	}

	section := nested(data, modulesKey, cameraKey)
	for k, v := range settings {
		section[k] = v
	}
	return s.write(data)
}

func (s *Store) read() (map[string]any, error) {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("reading instrument configuration '%s': %w", s.path, err)
	}

	var data map[string]any
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("parsing instrument configuration '%s': %w", s.path, err)
	}
	if data == nil {
		data = make(map[string]any)
	}
	return data, nil
}

func (s *Store) write(data map[string]any) error {
	raw, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding instrument configuration: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("writing instrument configuration: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("replacing instrument configuration: %w", err)
	}

	s.logger.Debug("instrument configuration updated", slog.String("path", filepath.Base(s.path)))
	return nil
}

// nested walks (creating as needed) a chain of object keys and returns
// the innermost object.
func nested(data map[string]any, keys ...string) map[string]any {
	current := data
	for _, key := range keys {
		child, ok := current[key].(map[string]any)
		if !ok {
			child = make(map[string]any)
			current[key] = child
		}
		current = child
	}
	return current
}
