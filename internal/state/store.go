// Package state persists the record of the active recording so other
// processes can find and stop it.
package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// FileName is the state file name inside the runtime directory.
const FileName = "snappea-recording.json"

// Region is the captured area in output-logical coordinates.
type Region struct {
	X      int32 `json:"x"`
	Y      int32 `json:"y"`
	Width  int32 `json:"width"`
	Height int32 `json:"height"`
}

// RecordingState describes the recorder process currently owning the
// screen capture.
type RecordingState struct {
	PID        int       `json:"pid"`
	OutputFile string    `json:"output_file"`
	Region     Region    `json:"region"`
	OutputName string    `json:"output_name"`
	StartedAt  time.Time `json:"started_at"`

	SessionID string `json:"session_id,omitempty"`
	Encoder   string `json:"encoder,omitempty"`
	Container string `json:"container,omitempty"`
	Framerate uint32 `json:"framerate,omitempty"`
}

// RuntimeDir is $XDG_RUNTIME_DIR, or the system temp dir when unset.
func RuntimeDir() string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return dir
	}
	return os.TempDir()
}

// DefaultPath returns the state file location.
func DefaultPath() string {
	return filepath.Join(RuntimeDir(), FileName)
}

// Store reads and writes one state file.
type Store struct {
	path string
}

// NewStore returns a store for path. An empty path uses DefaultPath.
func NewStore(path string) *Store {
	if path == "" {
		path = DefaultPath()
	}
	return &Store{path: path}
}

// Path returns the state file path.
func (s *Store) Path() string {
	return s.path
}

// Save replaces the state file. Readers see either the old or the new
// record, never a partial write.
func (s *Store) Save(st RecordingState) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create state directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, FileName+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

// Load returns the saved record, or nil when there is none. A file that
// does not parse is removed and treated as absent.
func (s *Store) Load() (*RecordingState, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read state: %w", err)
	}

	var st RecordingState
	if err := json.Unmarshal(data, &st); err != nil || st.PID <= 0 {
		slog.Warn("state: discarding corrupt state file", "path", s.path, "error", err)
		if rmErr := s.Remove(); rmErr != nil {
			slog.Warn("state: failed to remove corrupt state file", "path", s.path, "error", rmErr)
		}
		return nil, nil
	}
	return &st, nil
}

// Remove deletes the state file. A missing file is not an error.
func (s *Store) Remove() error {
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove state: %w", err)
	}
	return nil
}
