// Package snapshot provides SnapshotStore adapters for persisting the
// prediction model's materialized state between process runs.
package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mikey/mail-triage/internal/core"
)

// FileStore persists the model snapshot as a single JSON document,
// replaced atomically via a temp file and rename.
type FileStore struct {
	path   string
	mu     sync.Mutex
	logger *zap.Logger
}

// NewFileStore creates a file-backed snapshot store.
func NewFileStore(path string, logger *zap.Logger) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("%w: failed to create snapshot directory: %v", core.ErrStorage, err)
	}
	return &FileStore{path: path, logger: logger}, nil
}

// Save atomically replaces the stored snapshot.
func (s *FileStore) Save(ctx context.Context, snap core.ModelSnapshot) error {
	snap.SavedAt = time.Now().UTC()
	payload, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: failed to encode snapshot: %v", core.ErrStorage, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".snapshot-*.json")
	if err != nil {
		return fmt.Errorf("%w: failed to create temp snapshot: %v", core.ErrStorage, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("%w: failed to write snapshot: %v", core.ErrStorage, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("%w: failed to close snapshot: %v", core.ErrStorage, err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("%w: failed to replace snapshot: %v", core.ErrStorage, err)
	}

	s.logger.Debug("Saved model snapshot",
		zap.String("path", s.path),
		zap.Int("examples", snap.Examples),
		zap.Int("schema_version", snap.SchemaVersion))
	return nil
}

// Load returns the stored snapshot, or ErrNotFound when none exists.
func (s *FileStore) Load(ctx context.Context) (core.ModelSnapshot, error) {
	s.mu.Lock()
	payload, err := os.ReadFile(s.path)
	s.mu.Unlock()
	if err != nil {
		if os.IsNotExist(err) {
			return core.ModelSnapshot{}, fmt.Errorf("%w: no model snapshot at %s", core.ErrNotFound, s.path)
		}
		return core.ModelSnapshot{}, fmt.Errorf("%w: failed to read snapshot: %v", core.ErrStorage, err)
	}

	var snap core.ModelSnapshot
	if err := json.Unmarshal(payload, &snap); err != nil {
		return core.ModelSnapshot{}, fmt.Errorf("%w: failed to decode snapshot: %v", core.ErrStorage, err)
	}
	return snap, nil
}

// Close is a no-op for the file store.
func (s *FileStore) Close() error {
	return nil
}
