// Package store provides ActionStore adapters: an in-memory log for tests
// and single-session use, and SQLite/MySQL logs for durable storage.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mikey/mail-triage/internal/core"
)

// MemoryStore is an in-memory implementation of the ActionStore interface.
type MemoryStore struct {
	mu      sync.RWMutex
	actions []core.UserAction
	logger  *zap.Logger
}

// NewMemoryStore creates a new in-memory action store.
func NewMemoryStore(logger *zap.Logger) *MemoryStore {
	return &MemoryStore{logger: logger}
}

// Record appends one action to the log.
func (s *MemoryStore) Record(ctx context.Context, action core.UserAction) (string, error) {
	if err := action.Validate(); err != nil {
		return "", err
	}
	normalizeAction(&action)
	// Detach from the caller's feature slice so later caller mutations
	// cannot reach the log.
	action.Features = action.Features.Clone()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.actions = append(s.actions, action)
	s.logger.Debug("Recorded action",
		zap.String("record_id", action.ID),
		zap.String("kind", string(action.Kind)),
		zap.String("email_id", action.EmailID.String()))
	return action.ID, nil
}

// History returns matching actions, oldest first.
func (s *MemoryStore) History(ctx context.Context, filter core.HistoryFilter) ([]core.UserAction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matched := make([]core.UserAction, 0, len(s.actions))
	for _, a := range s.actions {
		if filter.Matches(a) {
			a.Features = a.Features.Clone()
			matched = append(matched, a)
		}
	}
	sortChronological(matched)
	return matched, nil
}

// All returns every recorded action, oldest first.
func (s *MemoryStore) All(ctx context.Context) ([]core.UserAction, error) {
	return s.History(ctx, core.HistoryFilter{})
}

// Purge removes all recorded actions.
func (s *MemoryStore) Purge(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := int64(len(s.actions))
	s.actions = nil
	s.logger.Info("Purged action log", zap.Int64("removed", n))
	return n, nil
}

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() error {
	return nil
}

// normalizeAction fills in the generated id and timestamp when the caller
// left them unset.
func normalizeAction(action *core.UserAction) {
	if action.ID == "" {
		action.ID = uuid.NewString()
	}
	if action.Timestamp.IsZero() {
		action.Timestamp = time.Now().UTC()
	}
}

// sortChronological orders actions oldest first, preserving append order
// for equal timestamps.
func sortChronological(actions []core.UserAction) {
	sort.SliceStable(actions, func(i, j int) bool {
		return actions[i].Timestamp.Before(actions[j].Timestamp)
	})
}
