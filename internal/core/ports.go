package core

import (
	"context"
	"time"
)

// HistoryFilter narrows a History query. Nil fields match everything;
// time bounds are inclusive.
type HistoryFilter struct {
	EmailID   *MessageID
	Kind      *ActionKind
	Sender    *string
	ThreadKey *string
	Since     *time.Time
	Until     *time.Time
}

// Matches reports whether the action passes the filter.
func (f HistoryFilter) Matches(a UserAction) bool {
	if f.EmailID != nil && a.EmailID != *f.EmailID {
		return false
	}
	if f.Kind != nil && a.Kind != *f.Kind {
		return false
	}
	if f.Sender != nil && a.Sender != *f.Sender {
		return false
	}
	if f.ThreadKey != nil && a.ThreadKey != *f.ThreadKey {
		return false
	}
	if f.Since != nil && a.Timestamp.Before(*f.Since) {
		return false
	}
	if f.Until != nil && a.Timestamp.After(*f.Until) {
		return false
	}
	return true
}

// ActionStore is the durable, append-only log of user decisions.
type ActionStore interface {
	// Record appends one action and returns its record id. The write is
	// atomic: a failed Record leaves prior state intact.
	Record(ctx context.Context, action UserAction) (string, error)

	// History returns matching actions in chronological order, oldest
	// first. Calling it again with no intervening Record yields the same
	// results.
	History(ctx context.Context, filter HistoryFilter) ([]UserAction, error)

	// All returns every recorded action in chronological order; used for
	// full model rebuilds.
	All(ctx context.Context) ([]UserAction, error)

	// Purge removes all recorded actions. Administrative use only.
	Purge(ctx context.Context) (int64, error)

	Close() error
}

// SnapshotStore persists the prediction model's materialized state so
// predictions survive restarts without a full rebuild.
type SnapshotStore interface {
	// Save atomically replaces the stored snapshot.
	Save(ctx context.Context, snap ModelSnapshot) error

	// Load returns the stored snapshot, or ErrNotFound when none has been
	// saved yet.
	Load(ctx context.Context) (ModelSnapshot, error)

	Close() error
}
