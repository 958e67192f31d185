package features

import (
	"fmt"
	"html"
	"regexp"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"
	"golang.org/x/text/cases"

	"github.com/mikey/mail-triage/internal/core"
)

// SchemaVersion identifies the feature layout produced by this extractor.
// Bump it whenever a feature is added, removed, or its value set changes;
// the learning engine rebuilds the model from the action log on mismatch.
const SchemaVersion = 1

// Feature names of schema v1, in vector order.
const (
	FeatSenderDomain      = "sender_domain"
	FeatSenderFrequency   = "sender_frequency"
	FeatSubjectTopic      = "subject_topic"
	FeatSubjectQuestion   = "subject_question"
	FeatBodyLength        = "body_length"
	FeatTimeOfDay         = "time_of_day"
	FeatDayOfWeek         = "day_of_week"
	FeatHasAttachment     = "has_attachment"
	FeatThreadDepth       = "thread_depth"
	FeatIsReply           = "is_reply"
	FeatImportance        = "importance"
	FeatThreadPriorAction = "thread_prior_action"
)

// Unknown is the neutral value absent signals degrade to. Every vector
// carries the full key set regardless of what the email provides.
const Unknown = "unknown"

// subjectTopics maps a topic label to the keywords that indicate it.
// Groups are checked in order; the first match wins.
var subjectTopics = []struct {
	topic    string
	keywords []string
}{
	{"billing", []string{"invoice", "receipt", "payment", "billing", "statement", "order"}},
	{"scheduling", []string{"meeting", "invite", "invitation", "calendar", "schedule", "appointment"}},
	{"alert", []string{"alert", "warning", "security", "verify", "urgent", "action required"}},
	{"promotional", []string{"sale", "offer", "discount", "newsletter", "unsubscribe", "deal", "% off"}},
}

var htmlTagPattern = regexp.MustCompile(`<[^>]*>`)

// Extractor turns an email snapshot plus its decision context into a
// schema-versioned feature vector. Extraction is deterministic: identical
// input always yields an identical vector.
type Extractor struct {
	logger *zap.Logger
}

// NewExtractor creates a new feature extractor.
func NewExtractor(logger *zap.Logger) *Extractor {
	return &Extractor{logger: logger}
}

// Extract computes the schema v1 vector for the email. It fails only when
// the email is missing its identifier; every other absent signal maps to
// an explicit neutral value.
func (x *Extractor) Extract(email *core.Email, dctx core.DecisionContext) (core.FeatureVector, error) {
	if email == nil {
		return core.FeatureVector{}, fmt.Errorf("%w: nil email", core.ErrExtraction)
	}
	if email.ID.IsZero() {
		return core.FeatureVector{}, fmt.Errorf("%w: email has no identifier", core.ErrExtraction)
	}

	// A Caser is stateful, so fold with a fresh one per call.
	subject := cases.Fold().String(email.Subject)

	vec := core.FeatureVector{
		SchemaVersion: SchemaVersion,
		Features: []core.Feature{
			{Name: FeatSenderDomain, Value: senderDomain(email)},
			{Name: FeatSenderFrequency, Value: frequencyBucket(dctx.SenderHistoryCount)},
			{Name: FeatSubjectTopic, Value: subjectTopic(subject)},
			{Name: FeatSubjectQuestion, Value: yesNo(strings.Contains(email.Subject, "?"))},
			{Name: FeatBodyLength, Value: bodyLengthBucket(bestBody(email))},
			{Name: FeatTimeOfDay, Value: timeOfDay(email)},
			{Name: FeatDayOfWeek, Value: dayOfWeek(email)},
			{Name: FeatHasAttachment, Value: yesNo(email.AttachmentCount > 0)},
			{Name: FeatThreadDepth, Value: threadDepthBucket(len(email.References))},
			{Name: FeatIsReply, Value: yesNo(email.InReplyTo != "")},
			{Name: FeatImportance, Value: importance(email)},
			{Name: FeatThreadPriorAction, Value: threadPriorAction(dctx)},
		},
	}

	x.logger.Debug("Extracted features",
		zap.String("email_id", email.ID.String()),
		zap.Int("schema_version", SchemaVersion))

	return vec, nil
}

func senderDomain(email *core.Email) string {
	if d := email.From.Domain(); d != "" {
		return d
	}
	return Unknown
}

func frequencyBucket(count int) string {
	switch {
	case count <= 0:
		return "none"
	case count <= 2:
		return "low"
	case count <= 9:
		return "medium"
	default:
		return "high"
	}
}

func subjectTopic(foldedSubject string) string {
	for _, group := range subjectTopics {
		for _, kw := range group.keywords {
			if strings.Contains(foldedSubject, kw) {
				return group.topic
			}
		}
	}
	return Unknown
}

// bestBody prefers the plain-text part and falls back to de-tagged HTML.
func bestBody(email *core.Email) string {
	if email.TextBody != "" {
		return email.TextBody
	}
	if email.HTMLBody != "" {
		return html.UnescapeString(htmlTagPattern.ReplaceAllString(email.HTMLBody, ""))
	}
	return ""
}

func bodyLengthBucket(body string) string {
	n := utf8.RuneCountInString(strings.TrimSpace(body))
	switch {
	case n == 0:
		return "empty"
	case n < 200:
		return "short"
	case n < 2000:
		return "medium"
	default:
		return "long"
	}
}

func timeOfDay(email *core.Email) string {
	if email.Date.IsZero() {
		return Unknown
	}
	switch hour := email.Date.Hour(); {
	case hour >= 5 && hour < 12:
		return "morning"
	case hour >= 12 && hour < 17:
		return "afternoon"
	case hour >= 17 && hour < 22:
		return "evening"
	default:
		return "night"
	}
}

func dayOfWeek(email *core.Email) string {
	if email.Date.IsZero() {
		return Unknown
	}
	return strings.ToLower(email.Date.Weekday().String())
}

func threadDepthBucket(refs int) string {
	switch {
	case refs == 0:
		return "none"
	case refs <= 2:
		return "shallow"
	default:
		return "deep"
	}
}

// importance reads the Importance and X-Priority headers. Normal is the
// neutral value: most mail carries neither marker.
func importance(email *core.Email) string {
	switch strings.ToLower(email.Header("Importance")) {
	case "high":
		return "high"
	case "low":
		return "low"
	}
	priority := strings.TrimSpace(email.Header("X-Priority"))
	if len(priority) > 0 {
		switch priority[0] {
		case '1', '2':
			return "high"
		case '4', '5':
			return "low"
		}
	}
	return "normal"
}

func threadPriorAction(dctx core.DecisionContext) string {
	if len(dctx.ThreadPriorActions) == 0 {
		return "none"
	}
	return string(dctx.ThreadPriorActions[len(dctx.ThreadPriorActions)-1])
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
