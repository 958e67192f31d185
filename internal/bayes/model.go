// Package bayes implements the prediction model: a Laplace-smoothed
// frequency classifier over categorical feature vectors. It was chosen
// over a black-box model because predictions must be explainable and must
// improve from single new data points without a batch retrain.
package bayes

import (
	"fmt"
	"math"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/mikey/mail-triage/internal/core"
)

// Model holds, for each action kind, counts of (feature name, feature
// value) co-occurrence, plus per-kind and global totals. The state is a
// materialized view of the action log: Rebuild over the log and an
// incremental Update per action produce identical counters.
type Model struct {
	mu            sync.RWMutex
	schemaVersion int
	examples      int
	kindTotals    map[core.ActionKind]int
	counts        map[core.ActionKind]map[string]map[string]int
	// values tracks the distinct values seen per feature across all
	// kinds; its size is the Laplace smoothing denominator.
	values map[string]map[string]struct{}
	logger *zap.Logger
}

// New creates an empty model bound to the given feature schema version.
func New(schemaVersion int, logger *zap.Logger) *Model {
	m := &Model{
		schemaVersion: schemaVersion,
		logger:        logger,
	}
	m.reset()
	return m
}

// reset clears all counters. Callers must hold mu.
func (m *Model) reset() {
	m.examples = 0
	m.kindTotals = make(map[core.ActionKind]int)
	m.counts = make(map[core.ActionKind]map[string]map[string]int)
	m.values = make(map[string]map[string]struct{})
}

// SchemaVersion returns the feature schema version the model counts
// against.
func (m *Model) SchemaVersion() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.schemaVersion
}

// Examples returns the number of training examples consumed.
func (m *Model) Examples() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.examples
}

// Update increments the counters for one (vector, action kind) pair in
// O(features) time. It fails with a schema mismatch when the vector was
// produced by a different extractor version; the caller must rebuild.
func (m *Model) Update(vec core.FeatureVector, kind core.ActionKind) error {
	if !kind.Valid() {
		return fmt.Errorf("%w: cannot train on action kind %q", core.ErrValidation, kind)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if vec.SchemaVersion != m.schemaVersion {
		return fmt.Errorf("%w: vector schema v%d, model schema v%d",
			core.ErrSchemaMismatch, vec.SchemaVersion, m.schemaVersion)
	}

	m.apply(vec, kind)
	return nil
}

// apply does the actual counting. Callers must hold mu.
func (m *Model) apply(vec core.FeatureVector, kind core.ActionKind) {
	byFeature, ok := m.counts[kind]
	if !ok {
		byFeature = make(map[string]map[string]int)
		m.counts[kind] = byFeature
	}
	for _, f := range vec.Features {
		byValue, ok := byFeature[f.Name]
		if !ok {
			byValue = make(map[string]int)
			byFeature[f.Name] = byValue
		}
		byValue[f.Value]++

		seen, ok := m.values[f.Name]
		if !ok {
			seen = make(map[string]struct{})
			m.values[f.Name] = seen
		}
		seen[f.Value] = struct{}{}
	}
	m.kindTotals[kind]++
	m.examples++
}

// Predict scores every action kind against the vector and returns the most
// likely one with a normalized confidence. A model with zero training
// examples, or a vector from another schema version, yields ActionNone
// with zero confidence rather than an error: the read path stays total.
func (m *Model) Predict(vec core.FeatureVector) core.Prediction {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.examples == 0 || vec.SchemaVersion != m.schemaVersion {
		return core.Prediction{Kind: core.ActionNone, Confidence: 0}
	}

	// Log-space likelihoods avoid underflow; Laplace smoothing avoids
	// zero-probability collapse on unseen feature values.
	scores := make(map[core.ActionKind]float64)
	for kind, total := range m.kindTotals {
		if total == 0 {
			continue
		}
		score := math.Log(float64(total) / float64(m.examples))
		for _, f := range vec.Features {
			count := m.counts[kind][f.Name][f.Value]
			card := len(m.values[f.Name])
			if card == 0 {
				card = 1
			}
			score += math.Log((float64(count) + 1) / float64(total+card))
		}
		scores[kind] = score
	}

	posteriors := normalize(scores)

	best := core.ActionNone
	for kind, p := range posteriors {
		if best == core.ActionNone || better(kind, p, best, posteriors[best], m.kindTotals) {
			best = kind
		}
	}

	return core.Prediction{
		Kind:       best,
		Confidence: posteriors[best],
		Posteriors: posteriors,
	}
}

// better reports whether candidate beats the incumbent: higher posterior
// wins; ties go to the kind with more recorded evidence, then to the
// lexicographically smaller kind so results are deterministic.
func better(kind core.ActionKind, p float64, incumbent core.ActionKind, incumbentP float64, totals map[core.ActionKind]int) bool {
	if p != incumbentP {
		return p > incumbentP
	}
	if totals[kind] != totals[incumbent] {
		return totals[kind] > totals[incumbent]
	}
	return kind < incumbent
}

// normalize converts log scores to a posterior distribution.
func normalize(scores map[core.ActionKind]float64) map[core.ActionKind]float64 {
	maxScore := math.Inf(-1)
	for _, s := range scores {
		if s > maxScore {
			maxScore = s
		}
	}
	var sum float64
	exp := make(map[core.ActionKind]float64, len(scores))
	for kind, s := range scores {
		e := math.Exp(s - maxScore)
		exp[kind] = e
		sum += e
	}
	posteriors := make(map[core.ActionKind]float64, len(scores))
	for kind, e := range exp {
		posteriors[kind] = e / sum
	}
	return posteriors
}

// Rebuild resets all counters and replays the actions in order. It is the
// sole recovery path from a schema change or inconsistent incremental
// state. Actions recorded under a different schema version are skipped:
// their key sets are not comparable with the current layout.
func (m *Model) Rebuild(actions []core.UserAction) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.reset()
	skipped := 0
	for _, a := range actions {
		if a.Features.SchemaVersion != m.schemaVersion || !a.Kind.Valid() {
			skipped++
			continue
		}
		m.apply(a.Features, a.Kind)
	}

	m.logger.Info("Rebuilt prediction model",
		zap.Int("examples", m.examples),
		zap.Int("skipped", skipped),
		zap.Int("schema_version", m.schemaVersion))
}

// Snapshot returns a deep copy of the model state for persistence.
func (m *Model) Snapshot() core.ModelSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snap := core.ModelSnapshot{
		SchemaVersion: m.schemaVersion,
		Examples:      m.examples,
		KindTotals:    make(map[core.ActionKind]int, len(m.kindTotals)),
		Counts:        make(map[core.ActionKind]map[string]map[string]int, len(m.counts)),
	}
	for kind, total := range m.kindTotals {
		snap.KindTotals[kind] = total
	}
	for kind, byFeature := range m.counts {
		featureCopy := make(map[string]map[string]int, len(byFeature))
		for name, byValue := range byFeature {
			valueCopy := make(map[string]int, len(byValue))
			for value, count := range byValue {
				valueCopy[value] = count
			}
			featureCopy[name] = valueCopy
		}
		snap.Counts[kind] = featureCopy
	}
	return snap
}

// Restore replaces the model state with a persisted snapshot. It rejects
// snapshots from another schema version (the caller must rebuild from the
// action log instead) and snapshots naming unrecognized action kinds.
func (m *Model) Restore(snap core.ModelSnapshot) error {
	if snap.SchemaVersion != m.SchemaVersion() {
		return fmt.Errorf("%w: snapshot schema v%d, model schema v%d",
			core.ErrSchemaMismatch, snap.SchemaVersion, m.SchemaVersion())
	}
	for kind := range snap.KindTotals {
		if !kind.Valid() {
			return fmt.Errorf("%w: snapshot has unrecognized action kind %q", core.ErrValidation, kind)
		}
	}
	for kind := range snap.Counts {
		if !kind.Valid() {
			return fmt.Errorf("%w: snapshot has unrecognized action kind %q", core.ErrValidation, kind)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.reset()
	m.examples = snap.Examples
	for kind, total := range snap.KindTotals {
		m.kindTotals[kind] = total
	}
	for kind, byFeature := range snap.Counts {
		featureCopy := make(map[string]map[string]int, len(byFeature))
		for name, byValue := range byFeature {
			valueCopy := make(map[string]int, len(byValue))
			for value, count := range byValue {
				valueCopy[value] = count
				seen, ok := m.values[name]
				if !ok {
					seen = make(map[string]struct{})
					m.values[name] = seen
				}
				seen[value] = struct{}{}
			}
			featureCopy[name] = valueCopy
		}
		m.counts[kind] = featureCopy
	}
	return nil
}

// Explain returns the per-kind posteriors of a prediction sorted by
// descending probability, for rendering to the user.
func Explain(pred core.Prediction) []core.ActionKind {
	kinds := make([]core.ActionKind, 0, len(pred.Posteriors))
	for kind := range pred.Posteriors {
		kinds = append(kinds, kind)
	}
	sort.Slice(kinds, func(i, j int) bool {
		pi, pj := pred.Posteriors[kinds[i]], pred.Posteriors[kinds[j]]
		if pi != pj {
			return pi > pj
		}
		return kinds[i] < kinds[j]
	})
	return kinds
}
