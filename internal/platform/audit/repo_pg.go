package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

type eventRepoPG struct{ pool *pgxpool.Pool }

// NewEventRepoPG returns an EventRepository backed by the audit_event table.
func NewEventRepoPG(pool *pgxpool.Pool) EventRepository {
	return &eventRepoPG{pool: pool}
}

func (r *eventRepoPG) Insert(ctx context.Context, e *Event) error {
	meta, err := json.Marshal(e.Metadata)
	if err != nil {
		return fmt.Errorf("marshal audit metadata: %w", err)
	}
	_, err = r.pool.Exec(ctx, `
		INSERT INTO audit_event (id, subject_id, job_id, action, outcome, metadata, recorded_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		e.ID, e.SubjectID, e.JobID, e.Action, e.Outcome, meta, e.RecordedAt)
	return err
}

func (r *eventRepoPG) ListByJob(ctx context.Context, jobID uuid.UUID, limit int) ([]*Event, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, subject_id, job_id, action, outcome, metadata, recorded_at
		FROM audit_event WHERE job_id = $1 ORDER BY recorded_at DESC LIMIT $2`,
		jobID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		var e Event
		var meta []byte
		if err := rows.Scan(&e.ID, &e.SubjectID, &e.JobID, &e.Action, &e.Outcome, &meta, &e.RecordedAt); err != nil {
			return nil, err
		}
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &e.Metadata); err != nil {
				return nil, fmt.Errorf("unmarshal audit metadata: %w", err)
			}
		}
		events = append(events, &e)
	}
	return events, rows.Err()
}

// MemoryEventRepo is an in-memory EventRepository for tests.
type MemoryEventRepo struct {
	mu     sync.Mutex
	events []*Event
}

// NewMemoryEventRepo creates an empty in-memory event repository.
func NewMemoryEventRepo() *MemoryEventRepo {
	return &MemoryEventRepo{}
}

func (m *MemoryEventRepo) Insert(_ context.Context, e *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *e
	m.events = append(m.events, &cp)
	return nil
}

func (m *MemoryEventRepo) ListByJob(_ context.Context, jobID uuid.UUID, limit int) ([]*Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Event
	for i := len(m.events) - 1; i >= 0 && len(out) < limit; i-- {
		e := m.events[i]
		if e.JobID != nil && *e.JobID == jobID {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

// Events returns a copy of all recorded events.
func (m *MemoryEventRepo) Events() []*Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Event, len(m.events))
	copy(out, m.events)
	return out
}
