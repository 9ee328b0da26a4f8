// Package notification delivers pipeline outcome notifications. It owns the
// delivery state machine: once a job reaches its terminal success state, at
// most one successful send may exist per (job, notification type), enforced
// with conditional writes rather than read-then-check.
package notification

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Channel is the transport a notification is delivered over. Closed
// enumeration.
type Channel string

const (
	ChannelInApp Channel = "in_app"
	ChannelEmail Channel = "email"
	ChannelSMS   Channel = "sms"
)

// ValidChannel reports whether c is a known channel.
func ValidChannel(c Channel) bool {
	switch c {
	case ChannelInApp, ChannelEmail, ChannelSMS:
		return true
	}
	return false
}

// Priority is the urgency of a notification. Closed enumeration.
type Priority string

const (
	PriorityRoutine Priority = "routine"
	PriorityUrgent  Priority = "urgent"
	PriorityStat    Priority = "stat"
)

// ValidPriority reports whether p is a known priority.
func ValidPriority(p Priority) bool {
	switch p {
	case PriorityRoutine, PriorityUrgent, PriorityStat:
		return true
	}
	return false
}

// Type identifies the pipeline event a notification announces.
type Type string

const (
	TypeReportReady  Type = "report_ready"
	TypeReportFailed Type = "report_failed"
	TypeReviewNeeded Type = "review_needed"
)

// IntentStatus tracks an intent through the delivery state machine.
type IntentStatus string

const (
	IntentPending IntentStatus = "pending"
	IntentSending IntentStatus = "sending"
	IntentSent    IntentStatus = "sent"
	IntentFailed  IntentStatus = "failed"
)

// StaleSendingAfter is how long a sending intent may sit unchanged before a
// new claimer takes it over. A sender that crashed between claiming and
// recording leaves its intent in sending; without takeover the notification
// would never go out.
const StaleSendingAfter = 5 * time.Minute

// Intent is the persisted idempotency record for a delivery. The pair
// (JobID, Type) is unique; at most one intent per pair ever reaches sent.
type Intent struct {
	ID                     uuid.UUID    `json:"id"`
	SubjectUserID          uuid.UUID    `json:"subject_user_id"`
	JobID                  uuid.UUID    `json:"job_id"`
	Type                   Type         `json:"type"`
	Channel                Channel      `json:"channel"`
	Priority               Priority     `json:"priority"`
	Status                 IntentStatus `json:"status"`
	CreatedNotificationIDs []string     `json:"created_notification_ids,omitempty"`
	FailureCode            string       `json:"failure_code,omitempty"`
	Retryable              bool         `json:"retryable"`
	CreatedAt              time.Time    `json:"created_at"`
	UpdatedAt              time.Time    `json:"updated_at"`
}

// Message is the rendered payload handed to a channel sender.
type Message struct {
	Recipient uuid.UUID
	Subject   string
	Body      string
	Priority  Priority
}

// Sender delivers a message over one channel and returns the ids of the
// notifications it created.
type Sender interface {
	Send(ctx context.Context, msg *Message) (ids []string, err error)
}

// ErrConsentWithdrawn is returned by senders when the recipient withdrew
// consent between the gate check and the send. Non-retryable.
var ErrConsentWithdrawn = errors.New("recipient consent withdrawn")

// ConsentChecker answers whether a subject has consented to a channel.
// Consent gating happens strictly before any send is attempted.
type ConsentChecker interface {
	IsConsented(ctx context.Context, subjectID uuid.UUID, channel Channel) (bool, error)
}

// ---------------------------------------------------------------------------
// Template Engine
// ---------------------------------------------------------------------------

// Template defines a reusable notification template.
type Template struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// TemplateEngine manages notification templates and renders them with data.
type TemplateEngine struct {
	mu        sync.RWMutex
	templates map[string]*Template
}

// NewTemplateEngine creates a TemplateEngine with the built-in templates
// pre-registered.
func NewTemplateEngine() *TemplateEngine {
	e := &TemplateEngine{templates: make(map[string]*Template)}
	e.registerBuiltIn()
	return e
}

func (e *TemplateEngine) registerBuiltIn() {
	builtIn := []Template{
		{
			ID:      "report-ready",
			Name:    "Assessment Report Ready",
			Subject: "Your assessment report is ready",
			Body:    "The report for assessment {{assessment_id}} has been generated and is available for review.",
		},
		{
			ID:      "report-failed",
			Name:    "Assessment Report Failed",
			Subject: "Your assessment report could not be generated",
			Body:    "Report generation for assessment {{assessment_id}} did not complete. The care team has been notified.",
		},
		{
			ID:      "review-needed",
			Name:    "Clinician Review Needed",
			Subject: "An assessment report needs review",
			Body:    "The report for assessment {{assessment_id}} was flagged by validation and needs clinician review.",
		},
	}
	for i := range builtIn {
		t := builtIn[i]
		e.templates[t.ID] = &t
	}
}

// RegisterTemplate adds or replaces a template in the engine.
func (e *TemplateEngine) RegisterTemplate(t Template) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.templates[t.ID] = &t
}

// Render looks up a template by ID and performs {{key}} replacement using the
// supplied data map. Keys present in the template but absent from data are
// left as-is.
func (e *TemplateEngine) Render(templateID string, data map[string]string) (subject, body string, err error) {
	e.mu.RLock()
	t, ok := e.templates[templateID]
	e.mu.RUnlock()
	if !ok {
		return "", "", fmt.Errorf("template %q not found", templateID)
	}

	subject = t.Subject
	body = t.Body
	for k, v := range data {
		placeholder := "{{" + k + "}}"
		subject = strings.ReplaceAll(subject, placeholder, v)
		body = strings.ReplaceAll(body, placeholder, v)
	}
	return subject, body, nil
}

// templateFor maps a notification type to its built-in template id.
func templateFor(t Type) string {
	return strings.ReplaceAll(string(t), "_", "-")
}

// ---------------------------------------------------------------------------
// Mock Sender (test double)
// ---------------------------------------------------------------------------

// SendCall records a single call to a MockSender.
type SendCall struct {
	Recipient uuid.UUID
	Subject   string
	Body      string
}

// MockSender is a test double for Sender.
type MockSender struct {
	mu         sync.Mutex
	calls      []SendCall
	ShouldFail bool
	FailError  error
}

// Send records the call and optionally returns an error.
func (m *MockSender) Send(_ context.Context, msg *Message) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, SendCall{Recipient: msg.Recipient, Subject: msg.Subject, Body: msg.Body})
	if m.ShouldFail {
		if m.FailError != nil {
			return nil, m.FailError
		}
		return nil, errors.New("send failed")
	}
	return []string{uuid.New().String()}, nil
}

// Calls returns a copy of recorded send calls.
func (m *MockSender) Calls() []SendCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SendCall, len(m.calls))
	copy(out, m.calls)
	return out
}

// StaticConsent is a fixed-answer ConsentChecker for tests and development.
type StaticConsent bool

// IsConsented returns the static answer for every subject and channel.
func (s StaticConsent) IsConsented(context.Context, uuid.UUID, Channel) (bool, error) {
	return bool(s), nil
}
