// Package generation wraps the black-box text generation call the pipeline
// depends on. The call itself is external; this package only pins down its
// contract: a bounded timeout, a JSON-shaped result, and a distinct timeout
// error so callers can classify it as transient.
package generation

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrTimeout is returned when the generation call exceeds its deadline.
// Callers classify it as a retryable transient failure.
var ErrTimeout = errors.New("generation timed out")

// Request carries the extracted assessment content handed to the generator.
type Request struct {
	SubjectID uuid.UUID      `json:"subject_id"`
	Source    map[string]any `json:"source"`
}

// Result is the JSON-shaped output of a generation call: report sections
// keyed by name.
type Result struct {
	Sections map[string]string `json:"sections"`
	Model    string            `json:"model,omitempty"`
}

// Generator is the external generation function.
type Generator interface {
	Generate(ctx context.Context, req *Request) (*Result, error)
}

// TimeoutGuard bounds every call to the wrapped generator and normalizes
// deadline expiry to ErrTimeout.
type TimeoutGuard struct {
	gen     Generator
	timeout time.Duration
}

// NewTimeoutGuard wraps gen with a per-call timeout.
func NewTimeoutGuard(gen Generator, timeout time.Duration) *TimeoutGuard {
	return &TimeoutGuard{gen: gen, timeout: timeout}
}

func (g *TimeoutGuard) Generate(ctx context.Context, req *Request) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	res, err := g.gen.Generate(ctx, req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, ErrTimeout
		}
		return nil, err
	}
	return res, nil
}

// GenerateCall records a single call to the mock generator.
type GenerateCall struct {
	SubjectID uuid.UUID
}

// MockGenerator is a test double for Generator.
type MockGenerator struct {
	mu         sync.Mutex
	calls      []GenerateCall
	Delay      time.Duration
	ShouldFail bool
	FailError  error
	Result     *Result
}

// Generate records the call, optionally sleeps past the caller's deadline,
// and returns the configured result or error.
func (m *MockGenerator) Generate(ctx context.Context, req *Request) (*Result, error) {
	m.mu.Lock()
	m.calls = append(m.calls, GenerateCall{SubjectID: req.SubjectID})
	m.mu.Unlock()

	if m.Delay > 0 {
		select {
		case <-time.After(m.Delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if m.ShouldFail {
		if m.FailError != nil {
			return nil, m.FailError
		}
		return nil, errors.New("generation failed")
	}
	if m.Result != nil {
		return m.Result, nil
	}
	return &Result{Sections: map[string]string{"summary": "generated summary"}}, nil
}

// Calls returns a copy of recorded generate calls.
func (m *MockGenerator) Calls() []GenerateCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]GenerateCall, len(m.calls))
	copy(out, m.calls)
	return out
}
