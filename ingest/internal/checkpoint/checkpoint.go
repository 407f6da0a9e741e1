// Package checkpoint persists the uploader's resumable cursor as a small
// JSON document. Writes are atomic (temp file + rename) so a crash can
// never leave a torn checkpoint; a malformed file on load is treated as
// "no checkpoint", never as a crash.
package checkpoint

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/natefinch/atomic"
)

// Checkpoint is the resumable state of one ingestion run.
type Checkpoint struct {
	Offset         int    `json:"offset"`
	BatchNum       int    `json:"batch_num"`
	TotalProcessed int    `json:"total_processed"`
	TotalFailed    int    `json:"total_failed"`
	Timestamp      string `json:"timestamp"`
}

// Store reads and writes the checkpoint file.
type Store struct {
	path   string
	logger *slog.Logger
}

// NewStore creates a Store for the given file path.
func NewStore(path string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{path: path, logger: logger}
}

// Path returns the checkpoint file location.
func (s *Store) Path() string { return s.path }

// Load returns the stored checkpoint, or nil when the file is absent. A
// file that fails to parse is logged and treated as absent.
func (s *Store) Load() (*Checkpoint, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			s.logger.Debug("checkpoint_not_found", "path", s.path)
			return nil, nil
		}
		return nil, fmt.Errorf("read checkpoint: %w", err)
	}

	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		s.logger.Warn("checkpoint_malformed",
			"path", s.path,
			"error", err)
		return nil, nil
	}

	s.logger.Info("checkpoint_loaded",
		"path", s.path,
		"offset", cp.Offset,
		"batch_num", cp.BatchNum,
		"total_processed", cp.TotalProcessed)
	return &cp, nil
}

// Save persists the checkpoint atomically, stamping the current time and
// creating the parent directory on demand.
func (s *Store) Save(cp Checkpoint) error {
	cp.Timestamp = time.Now().UTC().Format(time.RFC3339)

	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("checkpoint mkdir: %w", err)
		}
	}

	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}
	if err := atomic.WriteFile(s.path, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("write checkpoint: %w", err)
	}

	s.logger.Debug("checkpoint_saved",
		"offset", cp.Offset,
		"batch_num", cp.BatchNum,
		"total_processed", cp.TotalProcessed,
		"total_failed", cp.TotalFailed)
	return nil
}

// Delete removes the checkpoint file. Missing files are not an error.
func (s *Store) Delete() error {
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("delete checkpoint: %w", err)
	}
	return nil
}
