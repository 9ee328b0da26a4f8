package run

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/clinicore/clinicore/internal/platform/fingerprint"
)

// Status is a run's lifecycle state. Unlike pipeline jobs, runs have a flat
// lifecycle: they either complete or fail, with no intermediate stages
// exposed.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusRunning, StatusSucceeded, StatusFailed:
		return true
	}
	return false
}

// Active reports whether the run is still in flight.
func (s Status) Active() bool {
	return s == StatusQueued || s == StatusRunning
}

// Run is one on-demand analysis request, deduplicated by content: no two
// non-failed runs for the same subject may share an inputs hash. Failed
// runs do not count; an identical input may be retried after a failure.
type Run struct {
	ID         uuid.UUID          `json:"id"`
	SubjectID  uuid.UUID          `json:"subject_id"`
	InputsHash fingerprint.Digest `json:"inputs_hash"`
	// InputsMeta is a small descriptive snapshot of the hashed inputs,
	// redacted before storage. Never the inputs themselves.
	InputsMeta map[string]any `json:"inputs_meta,omitempty"`
	Status     Status         `json:"status"`
	// JobID links the pipeline job started for this run, when one was.
	JobID     *uuid.UUID `json:"job_id,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// DuplicateCheck is the dedup gate's verdict for one (subject, hash) pair.
type DuplicateCheck struct {
	IsDuplicate   bool       `json:"is_duplicate"`
	ExistingRunID *uuid.UUID `json:"existing_run_id,omitempty"`
	// Reason is "reuse" when the match succeeded and its artifact can be
	// reused, "in-flight" when the match is still queued or running.
	Reason string `json:"reason,omitempty"`
}

const (
	ReasonReuse    = "reuse"
	ReasonInFlight = "in-flight"
)

// correlationPrefix marks a pipeline job's correlation key as run-started.
const correlationPrefix = "run:"

// CorrelationID is the correlation key a run hands to the pipeline job it
// starts. The job's terminal outcome is routed back to the run through it.
func CorrelationID(runID uuid.UUID) string {
	return correlationPrefix + runID.String()
}

// RunIDFromCorrelation recovers the run id from a job correlation key. ok is
// false for jobs that were not started by a run.
func RunIDFromCorrelation(correlationID string) (uuid.UUID, bool) {
	raw, found := strings.CutPrefix(correlationID, correlationPrefix)
	if !found {
		return uuid.Nil, false
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}
