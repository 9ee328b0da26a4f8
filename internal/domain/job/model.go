package job

import (
	"time"

	"github.com/google/uuid"
)

// Status is a job's position in the processing pipeline. Jobs advance
// strictly forward through the ladder; FAILED is reachable from any
// non-terminal state; DELIVERED and FAILED are terminal.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusExtracting Status = "EXTRACTING"
	StatusGenerating Status = "GENERATING"
	StatusValidating Status = "VALIDATING"
	StatusReady      Status = "READY"
	StatusDelivered  Status = "DELIVERED"
	StatusFailed     Status = "FAILED"
)

// statusLadder is the forward order of non-failure statuses.
var statusLadder = []Status{
	StatusPending,
	StatusExtracting,
	StatusGenerating,
	StatusValidating,
	StatusReady,
	StatusDelivered,
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	if s == StatusFailed {
		return true
	}
	for _, l := range statusLadder {
		if s == l {
			return true
		}
	}
	return false
}

// Terminal reports whether no further stage may run for this status.
func (s Status) Terminal() bool {
	return s == StatusDelivered || s == StatusFailed
}

// Next returns the status one rung up the ladder. ok is false for terminal
// and unknown statuses. Stages never skip rungs.
func (s Status) Next() (Status, bool) {
	for i, l := range statusLadder {
		if s == l && i+1 < len(statusLadder) {
			return statusLadder[i+1], true
		}
	}
	return "", false
}

// MaxAttempts bounds stage invocations per job. Invoking a stage once the
// attempt counter has reached this value is an input error.
const MaxAttempts = 10

// ErrorEntry is one redacted failure record in a job's error list. Message
// is drawn from a closed per-code phrase set, never from raw error text.
type ErrorEntry struct {
	Code       Code      `json:"code"`
	Message    string    `json:"message"`
	Stage      string    `json:"stage"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Job is one logical unit of pipeline work: generate and deliver the report
// for one assessment under one correlation key. The pair
// (SubjectID, CorrelationID) is unique and is the dedup boundary for jobs.
// Jobs are owned exclusively by the pipeline; nothing else mutates Status.
type Job struct {
	ID            uuid.UUID    `json:"id"`
	SubjectID     uuid.UUID    `json:"subject_id"`
	CorrelationID string       `json:"correlation_id"`
	Status        Status       `json:"status"`
	Attempt       int          `json:"attempt"`
	Errors        []ErrorEntry `json:"errors,omitempty"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

// ReportArtifact is the generated report for a job, upserted keyed by job id
// so a retried generate stage overwrites rather than duplicates.
type ReportArtifact struct {
	JobID     uuid.UUID         `json:"job_id"`
	Sections  map[string]string `json:"sections"`
	Model     string            `json:"model,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// RuleResult is one validation rule's verdict.
type RuleResult struct {
	Rule     string `json:"rule"`
	Severity string `json:"severity"` // error | warning
	Pass     bool   `json:"pass"`
}

// ValidationResult is the persisted outcome of the validate stage, upserted
// keyed by job id. Its presence is what makes the stage resumable.
type ValidationResult struct {
	JobID     uuid.UUID    `json:"job_id"`
	Pass      bool         `json:"pass"`
	Rules     []RuleResult `json:"rules"`
	CreatedAt time.Time    `json:"created_at"`
}

// StatusSnapshot is the redacted view returned to status queries. It is
// always coherent: status and errors are read together.
type StatusSnapshot struct {
	JobID   uuid.UUID    `json:"job_id"`
	Status  Status       `json:"status"`
	Attempt int          `json:"attempt"`
	Errors  []ErrorEntry `json:"errors"`
}
