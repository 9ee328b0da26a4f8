package notification

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ErrNotReady is returned when delivery is requested for a job whose
// readiness re-check fails.
var ErrNotReady = errors.New("job is not ready for delivery")

// IntentRepository persists delivery intents. Claim is the concurrency
// control for exactly-once delivery: it must be a conditional write, never a
// read-then-insert.
type IntentRepository interface {
	// Claim creates the intent for (JobID, Type) or takes over an existing
	// one that has not been sent. It returns claimed=true when the caller
	// holds the exclusive right to send; otherwise existing describes the
	// intent that already holds it.
	Claim(ctx context.Context, intent *Intent) (claimed bool, existing *Intent, err error)
	MarkSent(ctx context.Context, id uuid.UUID, notificationIDs []string) error
	MarkFailed(ctx context.Context, id uuid.UUID, failureCode string, retryable bool) error
	GetByJobAndType(ctx context.Context, jobID uuid.UUID, t Type) (*Intent, error)
}

// ReadinessFunc independently re-verifies that the condition a notification
// of the given type announces holds for the job. Checking cached status
// alone is insufficient because the artifact write and the status write are
// separate operations.
type ReadinessFunc func(ctx context.Context, jobID uuid.UUID, t Type) (bool, error)

// Delivery describes one requested notification delivery.
type Delivery struct {
	JobID         uuid.UUID
	SubjectUserID uuid.UUID
	Type          Type
	Channel       Channel
	Priority      Priority
	TemplateData  map[string]string
}

// Outcome reports how a delivery request concluded. Exactly one of Sent,
// AlreadyDelivered, InFlight, Skipped, or a non-empty FailureCode holds.
// AlreadyDelivered is only reported for an intent that actually reached the
// sent state; a claim lost to a concurrent sender is InFlight and must be
// retried, because that sender may still fail.
type Outcome struct {
	Sent             bool
	AlreadyDelivered bool
	InFlight         bool
	Skipped          bool
	NotificationIDs  []string
	FailureCode      string
	Retryable        bool
}

// Failed reports whether the send was attempted and did not succeed.
func (o *Outcome) Failed() bool { return o.FailureCode != "" }

// Engine executes the delivery state machine.
type Engine struct {
	intents     IntentRepository
	consent     ConsentChecker
	senders     map[Channel]Sender
	templates   *TemplateEngine
	readiness   ReadinessFunc
	sendTimeout time.Duration
	logger      zerolog.Logger
}

// NewEngine constructs a delivery engine. readiness may be nil when the
// caller performs its own readiness check.
func NewEngine(intents IntentRepository, consent ConsentChecker, senders map[Channel]Sender, templates *TemplateEngine, readiness ReadinessFunc, sendTimeout time.Duration, logger zerolog.Logger) *Engine {
	if sendTimeout <= 0 {
		sendTimeout = 10 * time.Second
	}
	return &Engine{
		intents:     intents,
		consent:     consent,
		senders:     senders,
		templates:   templates,
		readiness:   readiness,
		sendTimeout: sendTimeout,
		logger:      logger,
	}
}

// Deliver runs one delivery attempt: readiness re-check, consent gate,
// intent claim, send, record. Send failures are reported through the
// Outcome, not the error return; the error return is reserved for input and
// infrastructure errors.
func (e *Engine) Deliver(ctx context.Context, d Delivery) (*Outcome, error) {
	if !ValidChannel(d.Channel) {
		return nil, fmt.Errorf("invalid channel: %s", d.Channel)
	}
	if !ValidPriority(d.Priority) {
		return nil, fmt.Errorf("invalid priority: %s", d.Priority)
	}

	// (a) Defensive re-validation. Never trust a cached "ready" flag.
	if e.readiness != nil {
		ready, err := e.readiness(ctx, d.JobID, d.Type)
		if err != nil {
			return nil, fmt.Errorf("readiness check: %w", err)
		}
		if !ready {
			return nil, ErrNotReady
		}
	}

	// Consent gate, strictly before any send. No consent means the intent
	// is dropped, not retried; this is a deliberate skip, not a failure.
	consented, err := e.consent.IsConsented(ctx, d.SubjectUserID, d.Channel)
	if err != nil {
		return nil, fmt.Errorf("consent lookup: %w", err)
	}
	if !consented {
		e.logger.Info().
			Str("job_id", d.JobID.String()).
			Str("type", string(d.Type)).
			Str("channel", string(d.Channel)).
			Msg("delivery skipped: no consent for channel")
		return &Outcome{Skipped: true}, nil
	}

	// (b) Idempotency: claim the (job, type) intent with a conditional
	// write. Losing the claim means another delivery sent or is sending.
	intent := &Intent{
		ID:            uuid.New(),
		SubjectUserID: d.SubjectUserID,
		JobID:         d.JobID,
		Type:          d.Type,
		Channel:       d.Channel,
		Priority:      d.Priority,
		Status:        IntentSending,
	}
	claimed, existing, err := e.intents.Claim(ctx, intent)
	if err != nil {
		return nil, fmt.Errorf("claim intent: %w", err)
	}
	if !claimed {
		// The holder may still fail; only a sent intent is final.
		if existing == nil || existing.Status != IntentSent {
			return &Outcome{InFlight: true}, nil
		}
		return &Outcome{AlreadyDelivered: true, NotificationIDs: existing.CreatedNotificationIDs}, nil
	}

	// (c) Perform the send.
	sender, ok := e.senders[d.Channel]
	if !ok {
		return nil, fmt.Errorf("no sender registered for channel %s", d.Channel)
	}

	subject, body, err := e.templates.Render(templateFor(d.Type), d.TemplateData)
	if err != nil {
		return nil, fmt.Errorf("render notification: %w", err)
	}

	sendCtx, cancel := context.WithTimeout(ctx, e.sendTimeout)
	defer cancel()
	ids, sendErr := sender.Send(sendCtx, &Message{
		Recipient: d.SubjectUserID,
		Subject:   subject,
		Body:      body,
		Priority:  d.Priority,
	})

	// (d) Record the result.
	if sendErr != nil {
		code, retryable := classifySendFailure(sendErr)
		if err := e.intents.MarkFailed(ctx, intent.ID, code, retryable); err != nil {
			return nil, fmt.Errorf("mark intent failed: %w", err)
		}
		e.logger.Error().
			Err(sendErr).
			Str("job_id", d.JobID.String()).
			Str("type", string(d.Type)).
			Str("code", code).
			Bool("retryable", retryable).
			Msg("delivery send failed")
		return &Outcome{FailureCode: code, Retryable: retryable}, nil
	}

	if err := e.intents.MarkSent(ctx, intent.ID, ids); err != nil {
		return nil, fmt.Errorf("mark intent sent: %w", err)
	}
	return &Outcome{Sent: true, NotificationIDs: ids}, nil
}

// classifySendFailure maps a sender error to a failure code and retryability.
// Transient transport failures are retryable; consent withdrawn mid-flight is
// not.
func classifySendFailure(err error) (code string, retryable bool) {
	switch {
	case errors.Is(err, ErrConsentWithdrawn):
		return "CONSENT_WITHDRAWN", false
	case errors.Is(err, context.DeadlineExceeded):
		return "SEND_TIMEOUT", true
	default:
		return "SEND_FAILED", true
	}
}
