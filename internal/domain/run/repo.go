package run

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/clinicore/clinicore/internal/platform/fingerprint"
)

var (
	ErrNotFound = errors.New("run not found")
	// ErrConflict signals a conditional write that affected zero rows:
	// another request got there first. An idempotent outcome, not a failure.
	ErrConflict = errors.New("run was updated concurrently")
)

// Repository persists runs. The (SubjectID, InputsHash) pair is unique among
// non-failed runs; CreateIdempotent leans on that constraint so two
// concurrent creations for the same inputs converge on one row.
type Repository interface {
	// CreateIdempotent inserts r unless a non-failed run with the same
	// (SubjectID, InputsHash) exists, in which case the existing run is
	// returned with isNew=false.
	CreateIdempotent(ctx context.Context, r *Run) (stored *Run, isNew bool, err error)
	GetByID(ctx context.Context, id uuid.UUID) (*Run, error)
	// FindActiveOrSucceeded returns the non-failed run for the pair, or
	// ErrNotFound.
	FindActiveOrSucceeded(ctx context.Context, subjectID uuid.UUID, hash fingerprint.Digest) (*Run, error)
	ListBySubject(ctx context.Context, subjectID uuid.UUID, limit, offset int) ([]*Run, int, error)
	// UpdateStatus moves the run from one status to the next. ErrConflict
	// when the run is no longer in the from status.
	UpdateStatus(ctx context.Context, id uuid.UUID, from, to Status) error
	// SetJobID links the pipeline job created for this run.
	SetJobID(ctx context.Context, id, jobID uuid.UUID) error
}
