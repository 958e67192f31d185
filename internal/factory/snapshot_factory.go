package factory

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/mikey/mail-triage/internal/adapters/snapshot"
	"github.com/mikey/mail-triage/internal/config"
	"github.com/mikey/mail-triage/internal/core"
)

// SnapshotFactory creates model snapshot stores based on configuration
type SnapshotFactory struct {
	cfg    *config.Config
	logger *zap.Logger
}

// NewSnapshotFactory creates a new snapshot store factory
func NewSnapshotFactory(cfg *config.Config, logger *zap.Logger) *SnapshotFactory {
	return &SnapshotFactory{
		cfg:    cfg,
		logger: logger,
	}
}

// CreateSnapshotStore creates a snapshot store based on the configuration
func (f *SnapshotFactory) CreateSnapshotStore() (core.SnapshotStore, error) {
	snapshotType := f.cfg.GetString("snapshot.type")

	switch snapshotType {
	case "file":
		return snapshot.NewFileStore(f.cfg.GetString("snapshot.file_path"), f.logger)
	case "sqlite":
		sqlitePath := f.cfg.GetString("snapshot.sqlite_path")
		if err := os.MkdirAll(filepath.Dir(sqlitePath), 0755); err != nil {
			return nil, fmt.Errorf("failed to create SQLite directory: %w", err)
		}
		return snapshot.NewSQLiteStore(sqlitePath, f.logger)
	default:
		return nil, fmt.Errorf("unsupported snapshot type: %s", snapshotType)
	}
}

// GetFlushInterval returns the configured snapshot flush interval
func (f *SnapshotFactory) GetFlushInterval() (time.Duration, error) {
	return f.cfg.GetDuration("snapshot.flush_interval")
}
