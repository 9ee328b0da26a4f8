package job

import (
	"errors"
	"fmt"
)

// Code classifies a stage failure. Codes are the reaction surface for
// callers: retryable codes mean re-invoking the same stage may succeed,
// terminal codes mean the job needs human review.
type Code string

const (
	// CodeLoadFailed: the upstream assessment artifact could not be read or
	// is not there yet. Retryable.
	CodeLoadFailed Code = "LOAD_FAILED"
	// CodeNoData: the upstream artifact exists but is empty. Terminal.
	CodeNoData Code = "NO_DATA"
	// CodeGenerationTimeout: the generation call exceeded its deadline.
	// Retryable.
	CodeGenerationTimeout Code = "GENERATION_TIMEOUT"
	// CodeGenerationFailed: the generation call errored. Retryable.
	CodeGenerationFailed Code = "GENERATION_FAILED"
	// CodeDeliveryFailed: the notification send failed. Retryability depends
	// on the delivery classification carried by the entry, exposed through
	// the StageError, not the code.
	CodeDeliveryFailed Code = "DELIVERY_FAILED"
	// CodeStoreFailed: a pipeline store write failed mid-stage. Retryable;
	// prior idempotent writes are unaffected.
	CodeStoreFailed Code = "STORE_FAILED"
)

// messages maps each code to the phrase persisted in a job's error list.
// The set is closed so persisted messages can never carry PHI; raw error
// detail goes to the log only.
var messages = map[Code]string{
	CodeLoadFailed:        "upstream assessment artifact unavailable",
	CodeNoData:            "upstream assessment artifact is empty",
	CodeGenerationTimeout: "report generation timed out",
	CodeGenerationFailed:  "report generation failed",
	CodeDeliveryFailed:    "notification delivery failed",
	CodeStoreFailed:       "pipeline store write failed",
}

// Message returns the closed-set phrase for the code.
func (c Code) Message() string {
	if m, ok := messages[c]; ok {
		return m
	}
	return "pipeline stage failed"
}

// Retryable reports the default retry classification for the code.
func (c Code) Retryable() bool {
	switch c {
	case CodeNoData:
		return false
	}
	return true
}

// Sentinel errors. These are input or conflict conditions rejected at the
// orchestration boundary; they are never persisted as job state.
var (
	ErrNotFound          = errors.New("job not found")
	ErrAttemptsExhausted = fmt.Errorf("attempt limit of %d reached", MaxAttempts)
	// ErrConflict signals that a conditional write affected zero rows:
	// another invocation advanced the job first. A successful idempotent
	// outcome, not a failure.
	ErrConflict = errors.New("job was advanced concurrently")
)

// StageError is a classified stage failure. The embedded cause is for
// logging only; what gets persisted is the code and its closed-set message.
type StageError struct {
	Code      Code
	Stage     string
	Retryable bool
	cause     error
}

func newStageError(code Code, stage string, cause error) *StageError {
	return &StageError{Code: code, Stage: stage, Retryable: code.Retryable(), cause: cause}
}

func (e *StageError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s stage: %s: %v", e.Stage, e.Code, e.cause)
	}
	return fmt.Sprintf("%s stage: %s", e.Stage, e.Code)
}

func (e *StageError) Unwrap() error { return e.cause }
