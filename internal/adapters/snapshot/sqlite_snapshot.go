package snapshot

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/mikey/mail-triage/internal/core"
)

// SQLiteStore persists the model snapshot as a single row, so the snapshot
// can share a database file with the SQLite action log.
type SQLiteStore struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewSQLiteStore creates a SQLite-backed snapshot store.
func NewSQLiteStore(dbPath string, logger *zap.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open SQLite database: %v", core.ErrStorage, err)
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS model_snapshot (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			saved_at TEXT NOT NULL,
			payload TEXT NOT NULL
		)
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: failed to create table: %v", core.ErrStorage, err)
	}

	return &SQLiteStore{db: db, logger: logger}, nil
}

// Save atomically replaces the stored snapshot.
func (s *SQLiteStore) Save(ctx context.Context, snap core.ModelSnapshot) error {
	snap.SavedAt = time.Now().UTC()
	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("%w: failed to encode snapshot: %v", core.ErrStorage, err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO model_snapshot (id, saved_at, payload)
		VALUES (1, ?, ?)
	`, snap.SavedAt.Format(time.RFC3339Nano), string(payload))
	if err != nil {
		return fmt.Errorf("%w: failed to save snapshot: %v", core.ErrStorage, err)
	}

	s.logger.Debug("Saved model snapshot",
		zap.Int("examples", snap.Examples),
		zap.Int("schema_version", snap.SchemaVersion))
	return nil
}

// Load returns the stored snapshot, or ErrNotFound when none exists.
func (s *SQLiteStore) Load(ctx context.Context) (core.ModelSnapshot, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, `
		SELECT payload FROM model_snapshot WHERE id = 1
	`).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return core.ModelSnapshot{}, fmt.Errorf("%w: no model snapshot stored", core.ErrNotFound)
		}
		return core.ModelSnapshot{}, fmt.Errorf("%w: failed to read snapshot: %v", core.ErrStorage, err)
	}

	var snap core.ModelSnapshot
	if err := json.Unmarshal([]byte(payload), &snap); err != nil {
		return core.ModelSnapshot{}, fmt.Errorf("%w: failed to decode snapshot: %v", core.ErrStorage, err)
	}
	return snap, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

var (
	_ core.SnapshotStore = (*FileStore)(nil)
	_ core.SnapshotStore = (*SQLiteStore)(nil)
)
