package job

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/clinicore/clinicore/internal/platform/audit"
)

// Service exposes job intake and status queries. Stage advancement lives on
// Pipeline; Service owns creation idempotency and the redacted read surface.
type Service struct {
	jobs     Repository
	pipeline *Pipeline
	trail    *audit.Trail
	logger   zerolog.Logger
}

// NewService constructs a job service.
func NewService(jobs Repository, pipeline *Pipeline, logger zerolog.Logger) *Service {
	return &Service{jobs: jobs, pipeline: pipeline, logger: logger}
}

// SetAuditTrail attaches an optional audit trail.
func (s *Service) SetAuditTrail(t *audit.Trail) { s.trail = t }

// CreateJob creates the job for (subjectID, correlationID), or returns the
// existing one when the pair was seen before. An empty correlationID gets a
// generated value, making the request unconditionally new. Calling twice
// with the same pair returns the same job both times with isNew=false the
// second time; exactly one row exists either way.
func (s *Service) CreateJob(ctx context.Context, subjectID uuid.UUID, correlationID string) (*Job, bool, error) {
	if correlationID == "" {
		correlationID = uuid.New().String()
	}

	j := &Job{
		SubjectID:     subjectID,
		CorrelationID: correlationID,
		Status:        StatusPending,
		Attempt:       0,
	}
	stored, isNew, err := s.jobs.CreateIdempotent(ctx, j)
	if err != nil {
		return nil, false, err
	}

	if isNew {
		s.auditCreate(ctx, stored)
	} else {
		s.logger.Info().
			Str("job_id", stored.ID.String()).
			Str("subject_id", subjectID.String()).
			Msg("job creation deduplicated by correlation id")
	}
	return stored, isNew, nil
}

// Advance runs one stage for the job.
func (s *Service) Advance(ctx context.Context, jobID uuid.UUID) (*Job, error) {
	return s.pipeline.Advance(ctx, jobID)
}

// GetStatus returns the redacted status snapshot: status, attempt, and the
// error list as persisted (entries were redacted at write time). Status and
// errors come from one read, never stitched from separate ones.
func (s *Service) GetStatus(ctx context.Context, jobID uuid.UUID) (*StatusSnapshot, error) {
	j, err := s.jobs.GetByID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	errs := j.Errors
	if errs == nil {
		errs = []ErrorEntry{}
	}
	return &StatusSnapshot{
		JobID:   j.ID,
		Status:  j.Status,
		Attempt: j.Attempt,
		Errors:  errs,
	}, nil
}

// ListBySubject returns jobs for a subject, newest first.
func (s *Service) ListBySubject(ctx context.Context, subjectID uuid.UUID, limit, offset int) ([]*Job, int, error) {
	return s.jobs.ListBySubject(ctx, subjectID, limit, offset)
}

func (s *Service) auditCreate(ctx context.Context, j *Job) {
	if s.trail == nil {
		return
	}
	jobID := j.ID
	subjectID := j.SubjectID
	s.trail.RecordOrLog(ctx, &audit.Event{
		JobID:     &jobID,
		SubjectID: &subjectID,
		Action:    audit.ActionJobCreated,
		Outcome:   "ok",
		Metadata: map[string]any{
			"status":  string(j.Status),
			"attempt": j.Attempt,
		},
	})
}
