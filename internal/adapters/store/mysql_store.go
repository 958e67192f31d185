package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/go-sql-driver/mysql"
	"go.uber.org/zap"

	"github.com/mikey/mail-triage/internal/core"
)

// MySQLStore is a MySQL implementation of the ActionStore interface, for
// deployments where several assistant processes share one action log.
type MySQLStore struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewMySQLStore creates a new MySQL-backed action store.
func NewMySQLStore(dsn string, logger *zap.Logger) (*MySQLStore, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open MySQL database: %v", core.ErrStorage, err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: failed to connect to MySQL database: %v", core.ErrStorage, err)
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS action_log (
			seq BIGINT AUTO_INCREMENT PRIMARY KEY,
			id VARCHAR(64) NOT NULL UNIQUE,
			email_folder VARCHAR(255) NOT NULL,
			email_uid INT UNSIGNED NOT NULL,
			kind VARCHAR(16) NOT NULL,
			target_folder VARCHAR(255) NOT NULL DEFAULT '',
			sender VARCHAR(255) NOT NULL DEFAULT '',
			thread_key VARCHAR(255) NOT NULL DEFAULT '',
			recorded_at VARCHAR(40) NOT NULL,
			schema_version INT NOT NULL,
			features TEXT NOT NULL,
			note TEXT NOT NULL,
			INDEX idx_recorded_at (recorded_at),
			INDEX idx_sender (sender),
			INDEX idx_thread_key (thread_key)
		)
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: failed to create table: %v", core.ErrStorage, err)
	}

	return &MySQLStore{db: db, logger: logger}, nil
}

// Record appends one action in a single INSERT.
func (s *MySQLStore) Record(ctx context.Context, action core.UserAction) (string, error) {
	if err := action.Validate(); err != nil {
		return "", err
	}
	normalizeAction(&action)

	payload, err := json.Marshal(action.Features.Features)
	if err != nil {
		return "", fmt.Errorf("%w: failed to encode feature vector: %v", core.ErrStorage, err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO action_log
			(id, email_folder, email_uid, kind, target_folder, sender, thread_key, recorded_at, schema_version, features, note)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, action.ID, action.EmailID.Folder, action.EmailID.UID, string(action.Kind),
		action.TargetFolder, action.Sender, action.ThreadKey,
		action.Timestamp.UTC().Format(recordedAtLayout),
		action.Features.SchemaVersion, string(payload), action.Note)
	if err != nil {
		return "", fmt.Errorf("%w: failed to append action: %v", core.ErrStorage, err)
	}

	s.logger.Debug("Recorded action",
		zap.String("record_id", action.ID),
		zap.String("kind", string(action.Kind)),
		zap.String("email_id", action.EmailID.String()))
	return action.ID, nil
}

// History returns matching actions, oldest first.
func (s *MySQLStore) History(ctx context.Context, filter core.HistoryFilter) ([]core.UserAction, error) {
	query, args := buildHistoryQuery(filter)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to query action log: %v", core.ErrStorage, err)
	}
	defer rows.Close()

	var actions []core.UserAction
	for rows.Next() {
		action, err := scanAction(rows)
		if err != nil {
			return nil, err
		}
		actions = append(actions, action)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: failed to read action log: %v", core.ErrStorage, err)
	}
	return actions, nil
}

// All returns every recorded action, oldest first.
func (s *MySQLStore) All(ctx context.Context) ([]core.UserAction, error) {
	return s.History(ctx, core.HistoryFilter{})
}

// Purge removes all recorded actions.
func (s *MySQLStore) Purge(ctx context.Context) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM action_log`)
	if err != nil {
		return 0, fmt.Errorf("%w: failed to purge action log: %v", core.ErrStorage, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		s.logger.Warn("Failed to count purged rows", zap.Error(err))
		return 0, nil
	}
	s.logger.Info("Purged action log", zap.Int64("removed", n))
	return n, nil
}

// Close closes the database connection.
func (s *MySQLStore) Close() error {
	return s.db.Close()
}

var (
	_ core.ActionStore = (*MemoryStore)(nil)
	_ core.ActionStore = (*SQLiteStore)(nil)
	_ core.ActionStore = (*MySQLStore)(nil)
)
