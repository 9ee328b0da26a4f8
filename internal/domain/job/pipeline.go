package job

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/clinicore/clinicore/internal/platform/audit"
	"github.com/clinicore/clinicore/internal/platform/generation"
	"github.com/clinicore/clinicore/internal/platform/notification"
)

// Deliverer runs one delivery attempt through the notification state
// machine.
type Deliverer interface {
	Deliver(ctx context.Context, d notification.Delivery) (*notification.Outcome, error)
}

// OutcomeFunc observes a job reaching a terminal state. Used to settle the
// run that started the job; implementations must be idempotent because
// concurrent invokers may both see the terminal transition.
type OutcomeFunc func(ctx context.Context, j *Job, succeeded bool)

// Pipeline drives jobs through their stages. Every stage is idempotent:
// re-invoking after a partial failure never double-applies side effects, so
// redundant concurrent invocations for the same job are safe. Invocation is
// triggered externally; the pipeline holds no scheduler.
type Pipeline struct {
	jobs        Repository
	artifacts   ArtifactRepository
	validations ValidationRepository
	assessments AssessmentSource
	gen         generation.Generator
	deliveries  Deliverer
	channel     notification.Channel
	priority    notification.Priority
	outcome     OutcomeFunc
	trail       *audit.Trail
	logger      zerolog.Logger
}

// NewPipeline wires a pipeline. gen is expected to already carry its timeout
// guard.
func NewPipeline(
	jobs Repository,
	artifacts ArtifactRepository,
	validations ValidationRepository,
	assessments AssessmentSource,
	gen generation.Generator,
	deliveries Deliverer,
	logger zerolog.Logger,
) *Pipeline {
	return &Pipeline{
		jobs:        jobs,
		artifacts:   artifacts,
		validations: validations,
		assessments: assessments,
		gen:         gen,
		deliveries:  deliveries,
		channel:     notification.ChannelInApp,
		priority:    notification.PriorityRoutine,
		logger:      logger,
	}
}

// SetAuditTrail attaches an optional audit trail.
func (p *Pipeline) SetAuditTrail(t *audit.Trail) { p.trail = t }

// SetDeliverer attaches the delivery engine after construction. The engine
// needs the pipeline's readiness check, so the two are wired in two steps.
func (p *Pipeline) SetDeliverer(d Deliverer) { p.deliveries = d }

// SetOutcomeFunc attaches an optional observer for terminal job states.
func (p *Pipeline) SetOutcomeFunc(f OutcomeFunc) { p.outcome = f }

// SetDeliveryChannel overrides the channel and priority used for outcome
// notifications.
func (p *Pipeline) SetDeliveryChannel(c notification.Channel, pr notification.Priority) {
	p.channel = c
	p.priority = pr
}

// Advance runs the stage matching the job's current status and returns the
// job as stored afterwards. Terminal jobs are returned unchanged. The
// attempt counter is bumped with a conditional write before any stage runs;
// once it would exceed MaxAttempts the invocation is rejected with
// ErrAttemptsExhausted and nothing is persisted.
func (p *Pipeline) Advance(ctx context.Context, jobID uuid.UUID) (*Job, error) {
	j, err := p.jobs.GetByID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if j.Status.Terminal() {
		return j, nil
	}
	if j.Attempt >= MaxAttempts {
		return nil, ErrAttemptsExhausted
	}

	if err := p.jobs.BumpAttempt(ctx, j.ID, j.Attempt); err != nil {
		if errors.Is(err, ErrConflict) {
			// Another invoker is working this job. Idempotent outcome.
			return p.jobs.GetByID(ctx, jobID)
		}
		return nil, err
	}
	j.Attempt++

	from := j.Status
	done := true
	var serr *StageError
	switch from {
	case StatusPending:
		serr = p.extract(ctx, j)
	case StatusExtracting:
		serr = p.generate(ctx, j)
	case StatusGenerating:
		serr = p.validate(ctx, j)
	case StatusValidating:
		serr = p.finalize(ctx, j)
	case StatusReady:
		done, serr = p.deliver(ctx, j)
	default:
		return nil, fmt.Errorf("job %s in unexpected status %s", j.ID, from)
	}

	if serr != nil {
		p.recordFailure(ctx, j, serr)
		return p.jobs.GetByID(ctx, jobID)
	}
	if !done {
		// Another sender holds the delivery claim and may still fail. Leave
		// the job where it is; a later invocation settles it.
		return p.jobs.GetByID(ctx, jobID)
	}

	to, ok := from.Next()
	if !ok {
		return nil, fmt.Errorf("no next status after %s", from)
	}
	if err := p.jobs.AdvanceStatus(ctx, j.ID, from, to); err != nil && !errors.Is(err, ErrConflict) {
		return nil, err
	}

	p.audit(ctx, j, audit.ActionJobAdvanced, "ok", map[string]any{
		"status_from": string(from),
		"status_to":   string(to),
		"attempt":     j.Attempt,
	})
	if to == StatusDelivered && p.outcome != nil {
		p.outcome(ctx, j, true)
	}
	return p.jobs.GetByID(ctx, jobID)
}

// extract verifies the upstream assessment artifact is present and usable.
// It writes nothing; presence is the stage's only concern.
func (p *Pipeline) extract(ctx context.Context, j *Job) *StageError {
	content, found, err := p.assessments.Load(ctx, j.SubjectID)
	if err != nil {
		return newStageError(CodeLoadFailed, "extract", err)
	}
	if !found {
		return newStageError(CodeLoadFailed, "extract", nil)
	}
	if len(content) == 0 {
		return newStageError(CodeNoData, "extract", nil)
	}
	return nil
}

// generate calls the generation function and upserts the resulting artifact
// keyed by job id, so a retried stage overwrites rather than duplicates.
func (p *Pipeline) generate(ctx context.Context, j *Job) *StageError {
	content, found, err := p.assessments.Load(ctx, j.SubjectID)
	if err != nil || !found {
		return newStageError(CodeLoadFailed, "generate", err)
	}

	res, err := p.gen.Generate(ctx, &generation.Request{SubjectID: j.SubjectID, Source: content})
	if err != nil {
		if errors.Is(err, generation.ErrTimeout) {
			return newStageError(CodeGenerationTimeout, "generate", err)
		}
		return newStageError(CodeGenerationFailed, "generate", err)
	}

	artifact := &ReportArtifact{JobID: j.ID, Sections: res.Sections, Model: res.Model}
	if err := p.artifacts.Upsert(ctx, artifact); err != nil {
		return newStageError(CodeStoreFailed, "generate", err)
	}
	return nil
}

// validate runs the rule set over the generated artifact and upserts the
// result keyed by job id. An existing result short-circuits to success: the
// stage already completed.
func (p *Pipeline) validate(ctx context.Context, j *Job) *StageError {
	if _, err := p.validations.GetByJobID(ctx, j.ID); err == nil {
		return nil
	} else if !errors.Is(err, ErrNotFound) {
		return newStageError(CodeStoreFailed, "validate", err)
	}

	artifact, err := p.artifacts.GetByJobID(ctx, j.ID)
	if err != nil {
		// The artifact write and the status write are separate operations;
		// absence here means a prior partial failure. Retry the stage.
		return newStageError(CodeLoadFailed, "validate", err)
	}

	result := runValidationRules(j.ID, artifact)
	if err := p.validations.Upsert(ctx, result); err != nil {
		return newStageError(CodeStoreFailed, "validate", err)
	}

	// A failing validation is a signal for downstream consumers, not a
	// pipeline error; the job still advances.
	if !result.Pass {
		p.logger.Warn().
			Str("job_id", j.ID.String()).
			Msg("validation flagged generated report")
	}
	return nil
}

// finalize confirms a terminal artifact exists before declaring the job
// ready for delivery.
func (p *Pipeline) finalize(ctx context.Context, j *Job) *StageError {
	if _, err := p.artifacts.GetByJobID(ctx, j.ID); err != nil {
		return newStageError(CodeLoadFailed, "ready", err)
	}
	return nil
}

// deliver hands the job to the delivery state machine. Sent, already
// delivered, and consent-skipped outcomes all complete the pipeline. A claim
// lost to a still-sending peer returns done=false: that send may yet fail,
// so the job stays in READY until the intent settles. A failed send keeps
// the job in READY too (or fails it, when non-retryable).
func (p *Pipeline) deliver(ctx context.Context, j *Job) (bool, *StageError) {
	if _, err := p.artifacts.GetByJobID(ctx, j.ID); err != nil {
		return false, newStageError(CodeLoadFailed, "deliver", err)
	}

	out, err := p.deliveries.Deliver(ctx, notification.Delivery{
		JobID:         j.ID,
		SubjectUserID: j.SubjectID,
		Type:          notification.TypeReportReady,
		Channel:       p.channel,
		Priority:      p.priority,
		TemplateData:  map[string]string{"assessment_id": j.SubjectID.String()},
	})
	if err != nil {
		return false, newStageError(CodeDeliveryFailed, "deliver", err)
	}
	if out.Failed() {
		serr := newStageError(CodeDeliveryFailed, "deliver", errors.New(out.FailureCode))
		serr.Retryable = out.Retryable
		return false, serr
	}
	if out.InFlight {
		p.logger.Info().
			Str("job_id", j.ID.String()).
			Msg("delivery claimed by a concurrent sender")
		return false, nil
	}

	switch {
	case out.Sent:
		p.audit(ctx, j, audit.ActionDelivered, "ok", map[string]any{
			"type":  string(notification.TypeReportReady),
			"count": len(out.NotificationIDs),
		})
	case out.Skipped:
		p.audit(ctx, j, audit.ActionDeliverySkip, "skipped", map[string]any{
			"channel": string(p.channel),
			"reason":  "no_consent",
		})
	}

	// Reports flagged by validation still go out; the care team gets a
	// separate review notice, exactly once per job.
	if v, verr := p.validations.GetByJobID(ctx, j.ID); verr == nil && !v.Pass {
		p.notifySecondary(ctx, j, notification.TypeReviewNeeded)
	}
	return true, nil
}

// notifySecondary sends an informational notification best-effort. Its
// outcome never changes the job's state; the intent table still bounds it
// to one send per (job, type).
func (p *Pipeline) notifySecondary(ctx context.Context, j *Job, t notification.Type) {
	if p.deliveries == nil {
		return
	}
	out, err := p.deliveries.Deliver(ctx, notification.Delivery{
		JobID:         j.ID,
		SubjectUserID: j.SubjectID,
		Type:          t,
		Channel:       p.channel,
		Priority:      p.priority,
		TemplateData:  map[string]string{"assessment_id": j.SubjectID.String()},
	})
	if err != nil || out.Failed() {
		p.logger.Warn().
			Err(err).
			Str("job_id", j.ID.String()).
			Str("type", string(t)).
			Msg("secondary notification not sent")
	}
}

// recordFailure persists the classified failure. Transient failures keep the
// job's status so a later invocation retries the same stage; terminal
// failures move it to FAILED. The entry's message comes from the closed
// per-code set; the raw cause is logged only.
func (p *Pipeline) recordFailure(ctx context.Context, j *Job, serr *StageError) {
	to := j.Status
	if !serr.Retryable {
		to = StatusFailed
	}

	entry := ErrorEntry{
		Code:       serr.Code,
		Message:    serr.Code.Message(),
		Stage:      serr.Stage,
		OccurredAt: time.Now().UTC(),
	}
	if err := p.jobs.RecordFailure(ctx, j.ID, j.Status, to, entry); err != nil {
		if errors.Is(err, ErrConflict) {
			// A concurrent invoker moved the job past this snapshot. The
			// failure is stale; the job's current state wins.
			p.logger.Warn().
				Str("job_id", j.ID.String()).
				Str("stage", serr.Stage).
				Msg("stale failure discarded, job already progressed")
			return
		}
		p.logger.Error().Err(err).Str("job_id", j.ID.String()).Msg("record failure write failed")
	}

	evt := p.logger.Warn()
	if !serr.Retryable {
		evt = p.logger.Error()
	}
	evt.
		Err(serr).
		Str("job_id", j.ID.String()).
		Str("stage", serr.Stage).
		Str("code", string(serr.Code)).
		Bool("retryable", serr.Retryable).
		Int("attempt", j.Attempt).
		Msg("stage failed")

	p.audit(ctx, j, audit.ActionJobFailed, "error", map[string]any{
		"code":      string(serr.Code),
		"stage":     serr.Stage,
		"attempt":   j.Attempt,
		"status_to": string(to),
	})

	if to == StatusFailed {
		if p.outcome != nil {
			p.outcome(ctx, j, false)
		}
		p.notifySecondary(ctx, j, notification.TypeReportFailed)
	}
}

func (p *Pipeline) audit(ctx context.Context, j *Job, action audit.Action, outcome string, meta map[string]any) {
	if p.trail == nil {
		return
	}
	jobID := j.ID
	subjectID := j.SubjectID
	p.trail.RecordOrLog(ctx, &audit.Event{
		JobID:     &jobID,
		SubjectID: &subjectID,
		Action:    action,
		Outcome:   outcome,
		Metadata:  meta,
	})
}

// Readiness independently re-verifies that the condition a notification
// announces actually holds. Wired into the notification engine as its
// re-check. For a ready report that means status READY and a terminal
// artifact present; a failure notice requires the job to actually be
// FAILED, and a review notice a failed validation result.
func (p *Pipeline) Readiness(ctx context.Context, jobID uuid.UUID, t notification.Type) (bool, error) {
	j, err := p.jobs.GetByID(ctx, jobID)
	if err != nil {
		return false, err
	}

	switch t {
	case notification.TypeReportFailed:
		return j.Status == StatusFailed, nil
	case notification.TypeReviewNeeded:
		v, err := p.validations.GetByJobID(ctx, jobID)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return false, nil
			}
			return false, err
		}
		return !v.Pass, nil
	}

	if j.Status != StatusReady {
		return false, nil
	}
	if _, err := p.artifacts.GetByJobID(ctx, jobID); err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// validation rule set for generated reports.
const maxSectionRunes = 20000

func runValidationRules(jobID uuid.UUID, a *ReportArtifact) *ValidationResult {
	rules := []RuleResult{
		{Rule: "sections-present", Severity: "error", Pass: len(a.Sections) > 0},
		{Rule: "no-empty-section", Severity: "error", Pass: noEmptySections(a.Sections)},
		{Rule: "summary-present", Severity: "warning", Pass: a.Sections["summary"] != ""},
		{Rule: "section-length", Severity: "warning", Pass: sectionsWithinLength(a.Sections)},
	}

	pass := true
	for _, r := range rules {
		if !r.Pass && r.Severity == "error" {
			pass = false
		}
	}
	return &ValidationResult{JobID: jobID, Pass: pass, Rules: rules}
}

func noEmptySections(sections map[string]string) bool {
	for _, s := range sections {
		if s == "" {
			return false
		}
	}
	return true
}

func sectionsWithinLength(sections map[string]string) bool {
	for _, s := range sections {
		if len([]rune(s)) > maxSectionRunes {
			return false
		}
	}
	return true
}
