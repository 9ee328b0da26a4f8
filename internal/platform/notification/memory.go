package notification

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryIntentRepo is an in-memory IntentRepository with the same conditional
// claim semantics as the PostgreSQL implementation. Used in tests and in
// single-process development mode.
type MemoryIntentRepo struct {
	mu      sync.Mutex
	intents map[intentKey]*Intent
}

type intentKey struct {
	jobID uuid.UUID
	typ   Type
}

// NewMemoryIntentRepo creates an empty in-memory intent repository.
func NewMemoryIntentRepo() *MemoryIntentRepo {
	return &MemoryIntentRepo{intents: make(map[intentKey]*Intent)}
}

func (m *MemoryIntentRepo) Claim(_ context.Context, intent *Intent) (bool, *Intent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := intentKey{jobID: intent.JobID, typ: intent.Type}
	existing, ok := m.intents[key]
	if !ok {
		now := time.Now().UTC()
		stored := *intent
		stored.Status = IntentSending
		stored.CreatedAt = now
		stored.UpdatedAt = now
		m.intents[key] = &stored
		return true, nil, nil
	}

	stale := existing.Status == IntentSending && time.Since(existing.UpdatedAt) > StaleSendingAfter
	if existing.Status == IntentPending || existing.Status == IntentFailed || stale {
		existing.Status = IntentSending
		existing.UpdatedAt = time.Now().UTC()
		*intent = *existing
		return true, nil, nil
	}

	cp := *existing
	return false, &cp, nil
}

func (m *MemoryIntentRepo) MarkSent(_ context.Context, id uuid.UUID, notificationIDs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, i := range m.intents {
		if i.ID == id {
			i.Status = IntentSent
			i.CreatedNotificationIDs = notificationIDs
			i.FailureCode = ""
			i.UpdatedAt = time.Now().UTC()
		}
	}
	return nil
}

func (m *MemoryIntentRepo) MarkFailed(_ context.Context, id uuid.UUID, failureCode string, retryable bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, i := range m.intents {
		if i.ID == id && i.Status != IntentSent {
			i.Status = IntentFailed
			i.FailureCode = failureCode
			i.Retryable = retryable
			i.UpdatedAt = time.Now().UTC()
		}
	}
	return nil
}

func (m *MemoryIntentRepo) GetByJobAndType(_ context.Context, jobID uuid.UUID, t Type) (*Intent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if i, ok := m.intents[intentKey{jobID: jobID, typ: t}]; ok {
		cp := *i
		return &cp, nil
	}
	return nil, ErrIntentNotFound
}
