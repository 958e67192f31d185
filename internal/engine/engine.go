// Package engine orchestrates the action store, feature extractor, and
// prediction model behind the two calls the presentation layer makes:
// record a decision, or ask for one.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mikey/mail-triage/internal/bayes"
	"github.com/mikey/mail-triage/internal/core"
	"github.com/mikey/mail-triage/internal/features"
)

// Engine is the decision learning engine. Construct it with New, call
// Start before use, and Close on teardown; there is no ambient state.
type Engine struct {
	store     core.ActionStore
	extractor *features.Extractor
	model     *bayes.Model
	snapshots core.SnapshotStore
	logger    *zap.Logger

	flushInterval time.Duration
	stopOnce      sync.Once
	stopCh        chan struct{}
}

// New creates a learning engine from its collaborators.
func New(
	store core.ActionStore,
	extractor *features.Extractor,
	model *bayes.Model,
	snapshots core.SnapshotStore,
	logger *zap.Logger,
	flushInterval time.Duration,
) *Engine {
	return &Engine{
		store:         store,
		extractor:     extractor,
		model:         model,
		snapshots:     snapshots,
		logger:        logger,
		flushInterval: flushInterval,
		stopCh:        make(chan struct{}),
	}
}

// Start loads the persisted model snapshot and reconciles its schema
// version with the extractor's. A missing, stale, or unreadable snapshot
// triggers one rebuild from the action log; a rebuild failure is fatal.
func (e *Engine) Start(ctx context.Context) error {
	snap, err := e.snapshots.Load(ctx)
	switch {
	case err == nil:
		if restoreErr := e.model.Restore(snap); restoreErr != nil {
			e.logger.Warn("Snapshot unusable, rebuilding from action log",
				zap.Error(restoreErr),
				zap.Int("snapshot_schema", snap.SchemaVersion),
				zap.Int("extractor_schema", features.SchemaVersion))
			if err := e.rebuild(ctx); err != nil {
				return err
			}
		} else {
			e.logger.Info("Loaded model snapshot",
				zap.Int("examples", snap.Examples),
				zap.Int("schema_version", snap.SchemaVersion))
		}
	case errors.Is(err, core.ErrNotFound):
		e.logger.Info("No model snapshot found, rebuilding from action log")
		if err := e.rebuild(ctx); err != nil {
			return err
		}
	default:
		e.logger.Warn("Failed to load model snapshot, rebuilding from action log", zap.Error(err))
		if err := e.rebuild(ctx); err != nil {
			return err
		}
	}

	if e.flushInterval > 0 {
		go e.startFlushTask()
	}
	return nil
}

// rebuild replays the full action log into a fresh model.
func (e *Engine) rebuild(ctx context.Context) error {
	actions, err := e.store.All(ctx)
	if err != nil {
		return fmt.Errorf("rebuild failed: %w", err)
	}
	e.model.Rebuild(actions)
	return nil
}

// OnAction is the single integration point called whenever the user makes
// a decision: it extracts features, appends the action to the store, and
// incrementally updates the model.
func (e *Engine) OnAction(
	ctx context.Context,
	email *core.Email,
	kind core.ActionKind,
	targetFolder string,
	note string,
	dctx core.DecisionContext,
) (core.UserAction, error) {
	vec, err := e.extractor.Extract(email, dctx)
	if err != nil {
		return core.UserAction{}, err
	}

	action := core.UserAction{
		Kind:         kind,
		TargetFolder: targetFolder,
		EmailID:      email.ID,
		Sender:       email.From.Addr,
		ThreadKey:    email.ThreadKey(),
		Timestamp:    time.Now().UTC(),
		Features:     vec,
		Note:         note,
	}

	id, err := e.store.Record(ctx, action)
	if err != nil {
		return core.UserAction{}, err
	}
	action.ID = id

	if err := e.model.Update(vec, kind); err != nil {
		if !errors.Is(err, core.ErrSchemaMismatch) {
			return core.UserAction{}, err
		}
		// The recorded action is already in the log, so the rebuild picks
		// it up; no second Update.
		e.logger.Warn("Model schema stale, rebuilding", zap.Error(err))
		if err := e.rebuild(ctx); err != nil {
			return core.UserAction{}, err
		}
	}

	e.logger.Info("Recorded user action",
		zap.String("record_id", action.ID),
		zap.String("kind", string(kind)),
		zap.String("email_id", email.ID.String()),
		zap.Int("examples", e.model.Examples()))
	return action, nil
}

// PredictFor extracts features and queries the model. It records nothing
// and is safe to abandon.
func (e *Engine) PredictFor(ctx context.Context, email *core.Email, dctx core.DecisionContext) (core.Prediction, error) {
	vec, err := e.extractor.Extract(email, dctx)
	if err != nil {
		return core.Prediction{}, err
	}
	return e.model.Predict(vec), nil
}

// ContextFor derives the decision context for an email from the action
// log: how often the sender's messages were acted on, and which actions
// earlier messages of the same thread received.
func (e *Engine) ContextFor(ctx context.Context, email *core.Email) (core.DecisionContext, error) {
	dctx := core.DecisionContext{}

	if email.From.Addr != "" {
		sender := email.From.Addr
		history, err := e.store.History(ctx, core.HistoryFilter{Sender: &sender})
		if err != nil {
			return core.DecisionContext{}, err
		}
		dctx.SenderHistoryCount = len(history)
	}

	if key := email.ThreadKey(); key != "" {
		history, err := e.store.History(ctx, core.HistoryFilter{ThreadKey: &key})
		if err != nil {
			return core.DecisionContext{}, err
		}
		for _, a := range history {
			if a.EmailID == email.ID {
				continue
			}
			dctx.ThreadPriorActions = append(dctx.ThreadPriorActions, a.Kind)
		}
	}

	return dctx, nil
}

// Flush persists the current model snapshot.
func (e *Engine) Flush(ctx context.Context) error {
	return e.snapshots.Save(ctx, e.model.Snapshot())
}

// startFlushTask periodically persists the model snapshot so a crash
// between explicit flushes loses bounded work.
func (e *Engine) startFlushTask() {
	ticker := time.NewTicker(e.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := e.Flush(context.Background()); err != nil {
				e.logger.Error("Failed to flush model snapshot", zap.Error(err))
			}
		case <-e.stopCh:
			return
		}
	}
}

// Close flushes the snapshot and releases the stores.
func (e *Engine) Close(ctx context.Context) error {
	e.stopOnce.Do(func() { close(e.stopCh) })

	var errs []error
	if err := e.Flush(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := e.store.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := e.snapshots.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
