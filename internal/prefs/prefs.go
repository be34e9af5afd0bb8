// Package prefs persists the hint record of the last connected device so the
// receiver can reconnect on start-up without asking for an identifier again.
package prefs

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/pelletier/go-toml/v2"
)

// FileName is the record file inside the state directory.
const FileName = "device.toml"

// ErrNoRecord is returned by Load when nothing has been saved.
var ErrNoRecord = errors.New("prefs: no stored device")

// Record identifies the last connected device.
type Record struct {
	DeviceName    string `toml:"device_name"`
	DeviceAddress string `toml:"device_address"`
}

// Empty reports whether r carries no device.
func (r Record) Empty() bool {
	return r.DeviceName == "" && r.DeviceAddress == ""
}

// Store reads and writes the record under a state directory.
type Store struct {
	mu   sync.Mutex
	path string
}

// NewStore creates a store keeping its record in dir.
func NewStore(dir string) *Store {
	return &Store{path: filepath.Join(dir, FileName)}
}

// Path returns the record file path.
func (s *Store) Path() string { return s.path }

// Load returns the stored record, or ErrNoRecord.
func (s *Store) Load() (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return Record{}, ErrNoRecord
	}
	if err != nil {
		return Record{}, fmt.Errorf("prefs: read %s: %w", s.path, err)
	}
	var r Record
	if err := toml.Unmarshal(data, &r); err != nil {
		return Record{}, fmt.Errorf("prefs: parse %s: %w", s.path, err)
	}
	if r.Empty() {
		return Record{}, ErrNoRecord
	}
	return r, nil
}

// Save replaces the stored record. The file is written atomically.
func (s *Store) Save(r Record) error {
	data, err := toml.Marshal(r)
	if err != nil {
		return fmt.Errorf("prefs: encode: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("prefs: create %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, FileName+".*")
	if err != nil {
		return fmt.Errorf("prefs: create temp: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("prefs: write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("prefs: write: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("prefs: replace %s: %w", s.path, err)
	}
	return nil
}

// Clear removes the stored record. Clearing an empty store is not an error.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("prefs: remove %s: %w", s.path, err)
	}
	return nil
}
