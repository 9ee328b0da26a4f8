package job

import (
	"context"

	"github.com/google/uuid"
)

// Repository persists jobs. Conditional writes (AdvanceStatus, BumpAttempt)
// are the pipeline's concurrency control: zero rows affected surfaces as
// ErrConflict, never as silent success.
type Repository interface {
	// CreateIdempotent inserts j unless a job with the same
	// (SubjectID, CorrelationID) exists, in which case the existing job is
	// returned with isNew=false.
	CreateIdempotent(ctx context.Context, j *Job) (stored *Job, isNew bool, err error)
	GetByID(ctx context.Context, id uuid.UUID) (*Job, error)
	ListBySubject(ctx context.Context, subjectID uuid.UUID, limit, offset int) ([]*Job, int, error)
	// ListActive returns non-terminal jobs that still have attempts left,
	// oldest first, for the poll worker.
	ListActive(ctx context.Context, limit int) ([]*Job, error)
	// BumpAttempt increments the attempt counter from its expected current
	// value. ErrConflict when another invoker bumped first or the bound
	// would be exceeded.
	BumpAttempt(ctx context.Context, id uuid.UUID, from int) error
	// AdvanceStatus moves the job from one status to the next. ErrConflict
	// when the job is no longer in the from status.
	AdvanceStatus(ctx context.Context, id uuid.UUID, from, to Status) error
	// RecordFailure sets the status (unchanged for transient failures,
	// FAILED for terminal ones) and appends one error entry in the same
	// write, so status queries always see a coherent snapshot. The write is
	// conditional on the job still being in the from status; ErrConflict
	// means a concurrent invoker moved the job on and the stale failure
	// must be discarded.
	RecordFailure(ctx context.Context, id uuid.UUID, from, to Status, entry ErrorEntry) error
}

// ArtifactRepository persists generated report artifacts, one per job.
type ArtifactRepository interface {
	Upsert(ctx context.Context, a *ReportArtifact) error
	GetByJobID(ctx context.Context, jobID uuid.UUID) (*ReportArtifact, error)
}

// ValidationRepository persists validation results, one per job.
type ValidationRepository interface {
	Upsert(ctx context.Context, v *ValidationResult) error
	GetByJobID(ctx context.Context, jobID uuid.UUID) (*ValidationResult, error)
}

// AssessmentSource reads the upstream artifact the pipeline processes. found
// is false when no artifact exists for the subject yet.
type AssessmentSource interface {
	Load(ctx context.Context, subjectID uuid.UUID) (content map[string]any, found bool, err error)
}
