package run

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/clinicore/clinicore/internal/platform/audit"
	"github.com/clinicore/clinicore/internal/platform/fingerprint"
	"github.com/clinicore/clinicore/internal/platform/redact"
)

// JobStarter kicks off the processing pipeline for a newly created run.
type JobStarter interface {
	StartJob(ctx context.Context, subjectID uuid.UUID, correlationID string) (uuid.UUID, error)
}

// Service is the deduplication gate for expensive analysis runs. The gate,
// not a uniqueness constraint alone, decides what counts as a duplicate:
// succeeded runs are reusable, in-flight runs mean "poll, don't recompute",
// failed runs don't count at all.
type Service struct {
	runs   Repository
	jobs   JobStarter
	trail  *audit.Trail
	logger zerolog.Logger
}

// NewService constructs a run service.
func NewService(runs Repository, logger zerolog.Logger) *Service {
	return &Service{runs: runs, logger: logger}
}

// SetJobStarter attaches the pipeline intake; new runs then start a job.
func (s *Service) SetJobStarter(j JobStarter) { s.jobs = j }

// SetAuditTrail attaches an optional audit trail.
func (s *Service) SetAuditTrail(t *audit.Trail) { s.trail = t }

// Check applies the dedup policy for one (subject, hash) pair. Duplicate
// short-circuits log a structured warning so unexpectedly high duplicate
// rates stay observable without polluting the error channel.
func (s *Service) Check(ctx context.Context, subjectID uuid.UUID, hash fingerprint.Digest) (*DuplicateCheck, error) {
	existing, err := s.runs.FindActiveOrSucceeded(ctx, subjectID, hash)
	if errors.Is(err, ErrNotFound) {
		return &DuplicateCheck{IsDuplicate: false}, nil
	}
	if err != nil {
		return nil, err
	}

	reason := ReasonReuse
	if existing.Status.Active() {
		reason = ReasonInFlight
	}
	id := existing.ID
	s.logger.Warn().
		Str("subject_id", subjectID.String()).
		Str("run_id", id.String()).
		Str("reason", reason).
		Str("hash", hash.Hex()).
		Msg("duplicate run short-circuited")
	return &DuplicateCheck{IsDuplicate: true, ExistingRunID: &id, Reason: reason}, nil
}

// CreateRun fingerprints the normalized input and either returns the
// existing non-failed run for that content or creates a new one and starts
// its pipeline job. Two concurrent calls with equivalent inputs converge on
// one run; the loser is reported as an in-flight duplicate.
func (s *Service) CreateRun(ctx context.Context, subjectID uuid.UUID, input map[string]any) (*Run, *DuplicateCheck, error) {
	digest, err := fingerprint.Fingerprint(input)
	if err != nil {
		return nil, nil, fmt.Errorf("fingerprint inputs: %w", err)
	}

	check, err := s.Check(ctx, subjectID, digest)
	if err != nil {
		return nil, nil, err
	}
	if check.IsDuplicate {
		existing, err := s.runs.GetByID(ctx, *check.ExistingRunID)
		if err != nil {
			return nil, nil, err
		}
		s.auditDuplicate(ctx, existing, check.Reason)
		return existing, check, nil
	}

	rn := &Run{
		SubjectID:  subjectID,
		InputsHash: digest,
		InputsMeta: inputsMeta(input, digest),
		Status:     StatusQueued,
	}
	stored, isNew, err := s.runs.CreateIdempotent(ctx, rn)
	if err != nil {
		return nil, nil, err
	}
	if !isNew {
		// Lost the insert race. The winner's run is authoritative.
		id := stored.ID
		check := &DuplicateCheck{IsDuplicate: true, ExistingRunID: &id, Reason: ReasonInFlight}
		s.auditDuplicate(ctx, stored, check.Reason)
		return stored, check, nil
	}

	if s.jobs != nil {
		jobID, err := s.jobs.StartJob(ctx, subjectID, CorrelationID(stored.ID))
		if err != nil {
			s.logger.Error().Err(err).Str("run_id", stored.ID.String()).Msg("pipeline job start failed")
		} else {
			if err := s.runs.SetJobID(ctx, stored.ID, jobID); err != nil {
				s.logger.Error().Err(err).Str("run_id", stored.ID.String()).Msg("run job link write failed")
			} else {
				stored.JobID = &jobID
			}
		}
	}

	s.audit(ctx, stored, audit.ActionRunCreated, "ok", map[string]any{
		"hash":    stored.InputsHash.Hex(),
		"version": stored.InputsHash.Version(),
		"status":  string(stored.Status),
	})
	return stored, &DuplicateCheck{IsDuplicate: false}, nil
}

// GetRun returns a run by id.
func (s *Service) GetRun(ctx context.Context, id uuid.UUID) (*Run, error) {
	return s.runs.GetByID(ctx, id)
}

// ListBySubject returns runs for a subject, newest first.
func (s *Service) ListBySubject(ctx context.Context, subjectID uuid.UUID, limit, offset int) ([]*Run, int, error) {
	return s.runs.ListBySubject(ctx, subjectID, limit, offset)
}

// MarkStatus transitions a run's status with a conditional write.
func (s *Service) MarkStatus(ctx context.Context, id uuid.UUID, from, to Status) error {
	if !from.Valid() || !to.Valid() {
		return fmt.Errorf("invalid run status transition %q -> %q", from, to)
	}
	return s.runs.UpdateStatus(ctx, id, from, to)
}

// ResolveJobOutcome settles the run that started a pipeline job once that
// job reaches a terminal state: succeeded when the job delivered, failed
// otherwise. Only succeeded runs count as reusable for dedup, and a failed
// run frees its inputs hash for a retry, so leaving a run active after its
// job finished would wedge the dedup gate. Both transitions are conditional;
// a run that already settled is left alone.
func (s *Service) ResolveJobOutcome(ctx context.Context, runID uuid.UUID, succeeded bool) error {
	to := StatusSucceeded
	if !succeeded {
		to = StatusFailed
	}
	for _, from := range []Status{StatusRunning, StatusQueued} {
		err := s.MarkStatus(ctx, runID, from, to)
		if err == nil {
			s.logger.Info().
				Str("run_id", runID.String()).
				Str("status", string(to)).
				Msg("run settled from job outcome")
			return nil
		}
		if !errors.Is(err, ErrConflict) {
			return err
		}
	}
	// Both conditional writes lost: the run already settled.
	return nil
}

// inputsMeta builds the stored snapshot of the hashed inputs: counts and
// hash bookkeeping only, never input values. The map still goes through the
// redactor before storage.
func inputsMeta(input map[string]any, digest fingerprint.Digest) map[string]any {
	return redact.Map(map[string]any{
		"count":   len(input),
		"hash":    digest.Hex(),
		"version": digest.Version(),
	}, 0)
}

func (s *Service) auditDuplicate(ctx context.Context, rn *Run, reason string) {
	s.audit(ctx, rn, audit.ActionDuplicateHit, "skipped", map[string]any{
		"hash":   rn.InputsHash.Hex(),
		"reason": reason,
		"status": string(rn.Status),
	})
}

func (s *Service) audit(ctx context.Context, rn *Run, action audit.Action, outcome string, meta map[string]any) {
	if s.trail == nil {
		return
	}
	subjectID := rn.SubjectID
	var jobID *uuid.UUID
	if rn.JobID != nil {
		id := *rn.JobID
		jobID = &id
	}
	s.trail.RecordOrLog(ctx, &audit.Event{
		SubjectID: &subjectID,
		JobID:     jobID,
		Action:    action,
		Outcome:   outcome,
		Metadata:  meta,
	})
}
