// Package workflow tracks each email's processing lifecycle and calls
// into the learning engine at the defined transition points: a prediction
// when an email is presented, a recorded action when the user decides.
package workflow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mikey/mail-triage/internal/core"
	"github.com/mikey/mail-triage/internal/engine"
)

// Machine drives the new → reviewing → actioned | skipped lifecycle, one
// state per email identifier. States live for the session; they are
// dropped when the email leaves tracked folders (Forget).
type Machine struct {
	engine *engine.Engine
	logger *zap.Logger

	// mu serializes transitions; reads return copies.
	mu     sync.Mutex
	states map[string]*core.WorkflowState
}

// New creates a workflow state machine bound to a learning engine.
func New(eng *engine.Engine, logger *zap.Logger) *Machine {
	return &Machine{
		engine: eng,
		logger: logger,
		states: make(map[string]*core.WorkflowState),
	}
}

// Observe registers an email on first sighting, creating its state as
// StateNew. Observing an already-tracked email changes nothing.
func (m *Machine) Observe(email *core.Email) core.WorkflowState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.ensure(email.ID)
}

// ensure returns the tracked state for the id, creating it when absent.
// Callers must hold mu.
func (m *Machine) ensure(id core.MessageID) *core.WorkflowState {
	key := id.String()
	st, ok := m.states[key]
	if !ok {
		st = &core.WorkflowState{
			EmailID:        id,
			Status:         core.StateNew,
			LastTransition: time.Now().UTC(),
		}
		m.states[key] = st
		m.logger.Debug("Tracking email", zap.String("email_id", key))
	}
	return st
}

// Present transitions an email into review and attaches the engine's
// prediction, so the presentation layer can render a proposed action.
// Presenting an email already under review is a no-op.
func (m *Machine) Present(ctx context.Context, email *core.Email) (core.WorkflowState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := m.ensure(email.ID)
	switch st.Status {
	case core.StateReviewing:
		return *st, nil
	case core.StateActioned:
		return *st, fmt.Errorf("%w: %s is already actioned; use Reopen for re-entry",
			core.ErrInvalidTransition, email.ID)
	}

	dctx, err := m.engine.ContextFor(ctx, email)
	if err != nil {
		return *st, err
	}
	pred, err := m.engine.PredictFor(ctx, email, dctx)
	if err != nil {
		return *st, err
	}

	st.Status = core.StateReviewing
	st.LastTransition = time.Now().UTC()
	st.LastPrediction = &pred

	m.logger.Info("Presented email for review",
		zap.String("email_id", email.ID.String()),
		zap.String("predicted", string(pred.Kind)),
		zap.Float64("confidence", pred.Confidence))
	return *st, nil
}

// Skip records an explicit deferral: the user saw the email and chose to
// decide later. Skipping an already-skipped email is a no-op.
func (m *Machine) Skip(id core.MessageID) (core.WorkflowState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.states[id.String()]
	if !ok {
		return core.WorkflowState{}, fmt.Errorf("%w: %s is not tracked", core.ErrInvalidTransition, id)
	}
	switch st.Status {
	case core.StateSkipped:
		return *st, nil
	case core.StateReviewing:
		st.Status = core.StateSkipped
		st.LastTransition = time.Now().UTC()
		m.logger.Info("Skipped email", zap.String("email_id", id.String()))
		return *st, nil
	default:
		return *st, fmt.Errorf("%w: cannot skip %s in state %q",
			core.ErrInvalidTransition, id, st.Status)
	}
}

// Decide records the user's decision through the learning engine and moves
// the email to its terminal state. The email must be under review.
// Repeating the decision with the identical kind is a no-op; a different
// kind on an actioned email is rejected.
func (m *Machine) Decide(
	ctx context.Context,
	email *core.Email,
	kind core.ActionKind,
	targetFolder string,
	note string,
) (core.WorkflowState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.states[email.ID.String()]
	if !ok {
		return core.WorkflowState{}, fmt.Errorf("%w: %s is not tracked", core.ErrInvalidTransition, email.ID)
	}
	switch st.Status {
	case core.StateActioned:
		if st.AppliedAction == kind {
			return *st, nil
		}
		return *st, fmt.Errorf("%w: %s already actioned with %q",
			core.ErrInvalidTransition, email.ID, st.AppliedAction)
	case core.StateReviewing:
		// Fall through to record.
	default:
		return *st, fmt.Errorf("%w: cannot action %s in state %q without review",
			core.ErrInvalidTransition, email.ID, st.Status)
	}

	dctx, err := m.engine.ContextFor(ctx, email)
	if err != nil {
		return *st, err
	}
	if _, err := m.engine.OnAction(ctx, email, kind, targetFolder, note, dctx); err != nil {
		return *st, err
	}

	st.Status = core.StateActioned
	st.LastTransition = time.Now().UTC()
	st.AppliedAction = kind
	return *st, nil
}

// Reopen is the exceptional re-entry path for an actioned email whose
// underlying message genuinely changed in the mailbox (re-flagged, new
// content). It requires a reason and is logged; without both, re-entry
// stays invalid.
func (m *Machine) Reopen(id core.MessageID, reason string) (core.WorkflowState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.states[id.String()]
	if !ok {
		return core.WorkflowState{}, fmt.Errorf("%w: %s is not tracked", core.ErrInvalidTransition, id)
	}
	if reason == "" {
		return *st, fmt.Errorf("%w: re-entry for %s requires a reason", core.ErrInvalidTransition, id)
	}
	switch st.Status {
	case core.StateReviewing:
		return *st, nil
	case core.StateActioned:
		st.Status = core.StateReviewing
		st.LastTransition = time.Now().UTC()
		st.AppliedAction = ""
		m.logger.Warn("Actioned email re-entered review",
			zap.String("email_id", id.String()),
			zap.String("reason", reason))
		return *st, nil
	default:
		return *st, fmt.Errorf("%w: cannot reopen %s in state %q",
			core.ErrInvalidTransition, id, st.Status)
	}
}

// StateOf returns a copy of the tracked state for the email, if any.
func (m *Machine) StateOf(id core.MessageID) (core.WorkflowState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.states[id.String()]
	if !ok {
		return core.WorkflowState{}, false
	}
	return *st, true
}

// Forget drops tracking for an email that was deleted or moved out of the
// tracked folders.
func (m *Machine) Forget(id core.MessageID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.states[id.String()]; ok {
		delete(m.states, id.String())
		m.logger.Debug("Stopped tracking email", zap.String("email_id", id.String()))
	}
}
