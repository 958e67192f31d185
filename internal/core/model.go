package core

import (
	"fmt"
	"strings"
	"time"
)

// MessageID identifies a message within a mailbox by folder and IMAP UID.
type MessageID struct {
	Folder string
	UID    uint32
}

func (id MessageID) String() string {
	return fmt.Sprintf("%s/%d", id.Folder, id.UID)
}

// IsZero reports whether the identifier is unset.
func (id MessageID) IsZero() bool {
	return id.Folder == "" && id.UID == 0
}

// Address is a parsed mailbox address.
type Address struct {
	Name string
	Addr string
}

// Domain returns the lowercased domain part of the address, or "" if the
// address has no domain.
func (a Address) Domain() string {
	parts := strings.Split(a.Addr, "@")
	if len(parts) != 2 || parts[1] == "" {
		return ""
	}
	return strings.ToLower(parts[1])
}

func (a Address) String() string {
	if a.Name != "" {
		return fmt.Sprintf("%s <%s>", a.Name, a.Addr)
	}
	return a.Addr
}

// Email is an immutable snapshot of a message at the time an operation runs.
// The core borrows it from the email source and never owns it.
type Email struct {
	ID              MessageID
	From            Address
	To              []Address
	Subject         string
	TextBody        string
	HTMLBody        string
	Date            time.Time
	Headers         map[string][]string
	MessageRef      string // RFC 5322 Message-ID header
	InReplyTo       string
	References      []string
	AttachmentCount int
	Seen            bool
	Flagged         bool
}

// Header returns the first value of the named header, case-insensitively.
func (e *Email) Header(name string) string {
	for k, vs := range e.Headers {
		if strings.EqualFold(k, name) && len(vs) > 0 {
			return vs[0]
		}
	}
	return ""
}

// ThreadKey returns the identifier that groups this message with the rest
// of its thread: the root of the References chain when present, otherwise
// the message being replied to, otherwise the message's own Message-ID.
func (e *Email) ThreadKey() string {
	if len(e.References) > 0 {
		return e.References[0]
	}
	if e.InReplyTo != "" {
		return e.InReplyTo
	}
	return e.MessageRef
}

// ActionKind enumerates the decisions a user can take on a message.
type ActionKind string

const (
	// ActionNone is only ever predicted, never recorded; it means the
	// model has no evidence to offer.
	ActionNone ActionKind = "none"

	ActionRead    ActionKind = "read"
	ActionArchive ActionKind = "archive"
	ActionDelete  ActionKind = "delete"
	ActionMove    ActionKind = "move"
	ActionFlag    ActionKind = "flag"
	ActionReply   ActionKind = "reply"
	ActionIgnore  ActionKind = "ignore"
)

// ActionKinds lists every recordable action kind.
var ActionKinds = []ActionKind{
	ActionRead,
	ActionArchive,
	ActionDelete,
	ActionMove,
	ActionFlag,
	ActionReply,
	ActionIgnore,
}

// Valid reports whether the kind is in the recordable set.
func (k ActionKind) Valid() bool {
	for _, known := range ActionKinds {
		if k == known {
			return true
		}
	}
	return false
}

// ParseActionKind converts a raw string to an ActionKind, rejecting values
// outside the recognized set.
func ParseActionKind(s string) (ActionKind, error) {
	k := ActionKind(strings.ToLower(strings.TrimSpace(s)))
	if !k.Valid() {
		return "", fmt.Errorf("%w: unrecognized action kind %q", ErrValidation, s)
	}
	return k, nil
}

// UserAction records one user decision on a message. Actions are created
// exactly once, never mutated, and only removed by an administrative purge.
type UserAction struct {
	ID           string
	Kind         ActionKind
	TargetFolder string // set only for ActionMove
	EmailID      MessageID
	Sender       string // denormalized for sender-frequency queries
	ThreadKey    string // denormalized for thread-history queries
	Timestamp    time.Time
	Features     FeatureVector
	Note         string
}

// Validate rejects malformed actions before any write happens.
func (a UserAction) Validate() error {
	if !a.Kind.Valid() {
		return fmt.Errorf("%w: unrecognized action kind %q", ErrValidation, a.Kind)
	}
	if a.Kind == ActionMove && a.TargetFolder == "" {
		return fmt.Errorf("%w: move action requires a target folder", ErrValidation)
	}
	if a.EmailID.IsZero() {
		return fmt.Errorf("%w: action has no email identifier", ErrValidation)
	}
	return a.Features.Validate()
}

// Feature is one named signal within a feature vector. All schema v1
// features are categorical.
type Feature struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// FeatureVector is an ordered, fully-populated set of named features
// together with the extractor schema version that produced it. Missing
// signals are represented by explicit neutral values, never absent keys.
type FeatureVector struct {
	SchemaVersion int       `json:"schema_version"`
	Features      []Feature `json:"features"`
}

// Get returns the value of the named feature.
func (v FeatureVector) Get(name string) (string, bool) {
	for _, f := range v.Features {
		if f.Name == name {
			return f.Value, true
		}
	}
	return "", false
}

// Validate checks schema version and feature name uniqueness.
func (v FeatureVector) Validate() error {
	if v.SchemaVersion <= 0 {
		return fmt.Errorf("%w: unknown feature schema version %d", ErrValidation, v.SchemaVersion)
	}
	seen := make(map[string]struct{}, len(v.Features))
	for _, f := range v.Features {
		if f.Name == "" {
			return fmt.Errorf("%w: feature with empty name", ErrValidation)
		}
		if _, dup := seen[f.Name]; dup {
			return fmt.Errorf("%w: duplicate feature %q", ErrValidation, f.Name)
		}
		seen[f.Name] = struct{}{}
	}
	return nil
}

// Clone returns a copy whose feature slice shares no backing storage with
// the receiver.
func (v FeatureVector) Clone() FeatureVector {
	out := v
	out.Features = append([]Feature(nil), v.Features...)
	return out
}

// Prediction is the model's answer for one email: the most likely action
// kind, how confident the model is, and the full per-kind posterior for
// auditability.
type Prediction struct {
	Kind       ActionKind
	Confidence float64
	Posteriors map[ActionKind]float64
}

// WorkflowStatus enumerates the processing lifecycle of one email.
type WorkflowStatus string

const (
	StateNew       WorkflowStatus = "new"
	StateReviewing WorkflowStatus = "reviewing"
	StateActioned  WorkflowStatus = "actioned"
	StateSkipped   WorkflowStatus = "skipped"
)

// WorkflowState tracks where one email sits in the triage lifecycle.
type WorkflowState struct {
	EmailID        MessageID
	Status         WorkflowStatus
	LastTransition time.Time
	LastPrediction *Prediction
	// AppliedAction is set when the email reaches StateActioned and makes
	// repeated identical Decide calls idempotent.
	AppliedAction ActionKind
}

// DecisionContext carries the historical context an adapter computed for
// one email before asking for a prediction or recording a decision.
type DecisionContext struct {
	SenderHistoryCount int
	ThreadPriorActions []ActionKind
}

// ModelSnapshot is the serializable state of the prediction model. It is a
// materialized view: always reconstructible by replaying the action log.
type ModelSnapshot struct {
	SchemaVersion int                                      `json:"schema_version"`
	Examples      int                                      `json:"examples"`
	KindTotals    map[ActionKind]int                       `json:"kind_totals"`
	Counts        map[ActionKind]map[string]map[string]int `json:"counts"`
	SavedAt       time.Time                                `json:"saved_at"`
}
