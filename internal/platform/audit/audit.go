// Package audit writes the pipeline's audit trail. Every event's metadata is
// passed through the redaction engine exactly once, at this boundary, before
// it leaves process memory; nothing downstream re-sanitizes. Events are
// constructed, redacted, and written in one pass and never mutated afterward.
package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/clinicore/clinicore/internal/platform/redact"
)

// Action identifies what the pipeline did.
type Action string

const (
	ActionJobCreated    Action = "job_created"
	ActionJobAdvanced   Action = "job_advanced"
	ActionJobFailed     Action = "job_failed"
	ActionRunCreated    Action = "run_created"
	ActionDuplicateHit  Action = "duplicate_hit"
	ActionDelivered     Action = "delivered"
	ActionDeliverySkip  Action = "delivery_skipped"
	ActionDeliveryError Action = "delivery_failed"
)

// Event is one audit trail entry.
type Event struct {
	ID         uuid.UUID      `json:"id"`
	SubjectID  *uuid.UUID     `json:"subject_id,omitempty"`
	JobID      *uuid.UUID     `json:"job_id,omitempty"`
	Action     Action         `json:"action"`
	Outcome    string         `json:"outcome"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	RecordedAt time.Time      `json:"recorded_at"`
}

// EventRepository persists audit events.
type EventRepository interface {
	Insert(ctx context.Context, e *Event) error
	ListByJob(ctx context.Context, jobID uuid.UUID, limit int) ([]*Event, error)
}

// Trail records pipeline audit events after redaction.
type Trail struct {
	repo      EventRepository
	sizeLimit int
	logger    zerolog.Logger
}

// NewTrail constructs a Trail. sizeLimit bounds each event's redacted
// metadata; non-positive means the redaction default.
func NewTrail(repo EventRepository, sizeLimit int, logger zerolog.Logger) *Trail {
	return &Trail{repo: repo, sizeLimit: sizeLimit, logger: logger}
}

// Record redacts the event's metadata and writes it. The caller's metadata
// map is not mutated. Audit failures are surfaced but must not abort the
// pipeline operation that produced them; callers log and continue.
func (t *Trail) Record(ctx context.Context, e *Event) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.RecordedAt.IsZero() {
		e.RecordedAt = time.Now().UTC()
	}
	if e.Metadata != nil {
		e.Metadata = redact.Map(e.Metadata, t.sizeLimit)
	}

	if err := t.repo.Insert(ctx, e); err != nil {
		return fmt.Errorf("audit insert: %w", err)
	}
	return nil
}

// RecordOrLog is Record with the failure policy applied: an audit write
// failure is logged and swallowed so the pipeline operation stands.
func (t *Trail) RecordOrLog(ctx context.Context, e *Event) {
	if err := t.Record(ctx, e); err != nil {
		t.logger.Error().Err(err).Str("action", string(e.Action)).Msg("audit write failed")
	}
}
