// Package settings implements the generic on-disk settings-blob store
// shared by the HaFX and X123 controllers: a fixed-layout struct is
// read-modify-written as one file per channel, matching the original's
// duplicated SettingsSaver::read_struct/write_struct pattern
// (HafxControl.cc/X123Control.cc) factored into one generic helper, in
// the style of the teacher's internal/config.go file-based loader (no
// config library — plain os.ReadFile/os.WriteFile).
package settings

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"
)

// Store persists one T per filename under Dir, using encoding/gob so any
// settings struct round-trips without a hand-written codec — unlike the
// wire records in pkg/wire, this is a purely internal on-disk
// representation with no external byte-layout contract, so gob (already
// reachable in the stdlib and idiomatic for this kind of "save Go struct
// to disk" job) is the right tool rather than a fixed manual layout.
type Store[T any] struct {
	Dir string
}

// NewStore returns a Store rooted at dir, creating it if necessary.
func NewStore[T any](dir string) (*Store[T], error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("settings: create dir %s: %w", dir, err)
	}
	return &Store[T]{Dir: dir}, nil
}

func (s *Store[T]) path(filename string) string {
	return filepath.Join(s.Dir, filename)
}

// Read loads and decodes filename's settings blob.
func (s *Store[T]) Read(filename string) (T, error) {
	var zero T
	data, err := os.ReadFile(s.path(filename))
	if err != nil {
		return zero, fmt.Errorf("settings: read %s: %w", filename, err)
	}
	var v T
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&v); err != nil {
		return zero, fmt.Errorf("settings: decode %s: %w", filename, err)
	}
	return v, nil
}

// Write encodes and persists v as filename's settings blob.
func (s *Store[T]) Write(filename string, v T) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return fmt.Errorf("settings: encode %s: %w", filename, err)
	}
	if err := os.WriteFile(s.path(filename), buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("settings: write %s: %w", filename, err)
	}
	return nil
}

// ReadModifyWrite reads the current blob for filename (or defaultVal if
// none exists, matching fetch_settings' factory fallback), applies
// merge to produce the new blob, persists it, and returns it — the
// shared RMW discipline spec.md §3 requires ("Settings on disk are
// always a complete blob: partial-field updates read-modify-write").
func ReadModifyWrite[T any](s *Store[T], filename string, defaultVal T, merge func(current T) T) (T, error) {
	current, err := s.Read(filename)
	if err != nil {
		current = defaultVal
	}
	updated := merge(current)
	if err := s.Write(filename, updated); err != nil {
		return updated, err
	}
	return updated, nil
}
