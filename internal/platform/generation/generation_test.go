package generation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestTimeoutGuard_Success(t *testing.T) {
	mock := &MockGenerator{Result: &Result{Sections: map[string]string{"summary": "ok"}}}
	g := NewTimeoutGuard(mock, time.Second)

	res, err := g.Generate(context.Background(), &Request{SubjectID: uuid.New()})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Sections["summary"] != "ok" {
		t.Errorf("unexpected result: %v", res.Sections)
	}
	if len(mock.Calls()) != 1 {
		t.Errorf("expected 1 call, got %d", len(mock.Calls()))
	}
}

func TestTimeoutGuard_DeadlineBecomesErrTimeout(t *testing.T) {
	mock := &MockGenerator{Delay: 200 * time.Millisecond}
	g := NewTimeoutGuard(mock, 10*time.Millisecond)

	_, err := g.Generate(context.Background(), &Request{SubjectID: uuid.New()})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}

func TestTimeoutGuard_OtherErrorsPassThrough(t *testing.T) {
	want := errors.New("model unavailable")
	mock := &MockGenerator{ShouldFail: true, FailError: want}
	g := NewTimeoutGuard(mock, time.Second)

	_, err := g.Generate(context.Background(), &Request{SubjectID: uuid.New()})
	if !errors.Is(err, want) {
		t.Fatalf("expected underlying error, got %v", err)
	}
}
