package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/mikey/mail-triage/internal/core"
)

// recordedAtLayout is RFC 3339 with fixed-width nanoseconds. RFC3339Nano
// trims trailing fractional zeros, which breaks the lexicographic order
// the recorded_at string comparisons depend on; zero-padding keeps UTC
// timestamps sorting in time order.
const recordedAtLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStore is a SQLite implementation of the ActionStore interface.
type SQLiteStore struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewSQLiteStore creates a new SQLite-backed action store.
func NewSQLiteStore(dbPath string, logger *zap.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open SQLite database: %v", core.ErrStorage, err)
	}

	// The seq column preserves append order for same-timestamp records.
	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS action_log (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			email_folder TEXT NOT NULL,
			email_uid INTEGER NOT NULL,
			kind TEXT NOT NULL,
			target_folder TEXT NOT NULL DEFAULT '',
			sender TEXT NOT NULL DEFAULT '',
			thread_key TEXT NOT NULL DEFAULT '',
			recorded_at TEXT NOT NULL,
			schema_version INTEGER NOT NULL,
			features TEXT NOT NULL,
			note TEXT NOT NULL DEFAULT ''
		)
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: failed to create table: %v", core.ErrStorage, err)
	}

	for _, stmt := range []string{
		`CREATE INDEX IF NOT EXISTS idx_action_log_recorded_at ON action_log(recorded_at)`,
		`CREATE INDEX IF NOT EXISTS idx_action_log_sender ON action_log(sender)`,
		`CREATE INDEX IF NOT EXISTS idx_action_log_thread_key ON action_log(thread_key)`,
	} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("%w: failed to create index: %v", core.ErrStorage, err)
		}
	}

	return &SQLiteStore{db: db, logger: logger}, nil
}

// Record appends one action in a single INSERT, so a failed write leaves
// no partial entry behind.
func (s *SQLiteStore) Record(ctx context.Context, action core.UserAction) (string, error) {
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
func (s *SQLiteStore) History(ctx context.Context, filter core.HistoryFilter) ([]core.UserAction, error) {
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
func (s *SQLiteStore) All(ctx context.Context) ([]core.UserAction, error) {
	return s.History(ctx, core.HistoryFilter{})
}

// Purge removes all recorded actions.
func (s *SQLiteStore) Purge(ctx context.Context) (int64, error) {
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
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// buildHistoryQuery composes a filtered SELECT over the action log.
// Fixed-width UTC timestamps compare lexicographically in time order, so
// the bounds stay plain string comparisons.
func buildHistoryQuery(filter core.HistoryFilter) (string, []any) {
	var (
		where []string
		args  []any
	)
	if filter.EmailID != nil {
		where = append(where, "email_folder = ? AND email_uid = ?")
		args = append(args, filter.EmailID.Folder, filter.EmailID.UID)
	}
	if filter.Kind != nil {
		where = append(where, "kind = ?")
		args = append(args, string(*filter.Kind))
	}
	if filter.Sender != nil {
		where = append(where, "sender = ?")
		args = append(args, *filter.Sender)
	}
	if filter.ThreadKey != nil {
		where = append(where, "thread_key = ?")
		args = append(args, *filter.ThreadKey)
	}
	if filter.Since != nil {
		where = append(where, "recorded_at >= ?")
		args = append(args, filter.Since.UTC().Format(recordedAtLayout))
	}
	if filter.Until != nil {
		where = append(where, "recorded_at <= ?")
		args = append(args, filter.Until.UTC().Format(recordedAtLayout))
	}

	query := `
		SELECT id, email_folder, email_uid, kind, target_folder, sender, thread_key, recorded_at, schema_version, features, note
		FROM action_log`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY recorded_at ASC, seq ASC"
	return query, args
}

// scanAction decodes one action_log row.
func scanAction(rows *sql.Rows) (core.UserAction, error) {
	var (
		action     core.UserAction
		kind       string
		recordedAt string
		payload    string
	)
	err := rows.Scan(&action.ID, &action.EmailID.Folder, &action.EmailID.UID,
		&kind, &action.TargetFolder, &action.Sender, &action.ThreadKey,
		&recordedAt, &action.Features.SchemaVersion, &payload, &action.Note)
	if err != nil {
		return core.UserAction{}, fmt.Errorf("%w: failed to scan action row: %v", core.ErrStorage, err)
	}

	action.Kind = core.ActionKind(kind)
	action.Timestamp, err = time.Parse(time.RFC3339Nano, recordedAt)
	if err != nil {
		return core.UserAction{}, fmt.Errorf("%w: failed to parse recorded_at: %v", core.ErrStorage, err)
	}
	if err := json.Unmarshal([]byte(payload), &action.Features.Features); err != nil {
		return core.UserAction{}, fmt.Errorf("%w: failed to decode feature vector: %v", core.ErrStorage, err)
	}
	return action, nil
}
