package run

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/clinicore/clinicore/internal/platform/fingerprint"
)

type runRepoPG struct{ pool *pgxpool.Pool }

// NewRunRepoPG returns a Repository backed by the run table. The table
// carries a partial unique index on (subject_id, inputs_hash) excluding
// failed runs; that index is the dedup gate's race closure.
func NewRunRepoPG(pool *pgxpool.Pool) Repository {
	return &runRepoPG{pool: pool}
}

const runCols = `id, subject_id, inputs_hash, inputs_meta, status, job_id, created_at, updated_at`

func (r *runRepoPG) scanRun(row pgx.Row) (*Run, error) {
	var rn Run
	var metaJSON []byte
	err := row.Scan(&rn.ID, &rn.SubjectID, &rn.InputsHash, &metaJSON, &rn.Status,
		&rn.JobID, &rn.CreatedAt, &rn.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if len(metaJSON) > 0 {
		if err := json.Unmarshal(metaJSON, &rn.InputsMeta); err != nil {
			return nil, fmt.Errorf("unmarshal run inputs meta: %w", err)
		}
	}
	return &rn, nil
}

// CreateIdempotent relies on the partial unique index: a concurrent insert
// for the same non-failed (subject_id, inputs_hash) affects zero rows and
// the existing run is read back instead.
func (r *runRepoPG) CreateIdempotent(ctx context.Context, rn *Run) (*Run, bool, error) {
	metaJSON, err := json.Marshal(rn.InputsMeta)
	if err != nil {
		return nil, false, fmt.Errorf("marshal run inputs meta: %w", err)
	}

	id := uuid.New()
	tag, err := r.pool.Exec(ctx, `
		INSERT INTO run (id, subject_id, inputs_hash, inputs_meta, status)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (subject_id, inputs_hash) WHERE status <> 'failed' DO NOTHING`,
		id, rn.SubjectID, rn.InputsHash, metaJSON, rn.Status)
	if err != nil {
		return nil, false, err
	}
	if tag.RowsAffected() == 1 {
		stored, err := r.GetByID(ctx, id)
		return stored, true, err
	}

	stored, err := r.FindActiveOrSucceeded(ctx, rn.SubjectID, rn.InputsHash)
	if err != nil {
		return nil, false, err
	}
	return stored, false, nil
}

func (r *runRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Run, error) {
	return r.scanRun(r.pool.QueryRow(ctx, `SELECT `+runCols+` FROM run WHERE id = $1`, id))
}

func (r *runRepoPG) FindActiveOrSucceeded(ctx context.Context, subjectID uuid.UUID, hash fingerprint.Digest) (*Run, error) {
	return r.scanRun(r.pool.QueryRow(ctx, `
		SELECT `+runCols+` FROM run
		WHERE subject_id = $1 AND inputs_hash = $2 AND status <> 'failed'
		ORDER BY created_at DESC LIMIT 1`,
		subjectID, hash))
}

func (r *runRepoPG) ListBySubject(ctx context.Context, subjectID uuid.UUID, limit, offset int) ([]*Run, int, error) {
	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM run WHERE subject_id = $1`, subjectID).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.pool.Query(ctx,
		`SELECT `+runCols+` FROM run WHERE subject_id = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`,
		subjectID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		rn, err := r.scanRun(rows)
		if err != nil {
			return nil, 0, err
		}
		runs = append(runs, rn)
	}
	return runs, total, rows.Err()
}

func (r *runRepoPG) UpdateStatus(ctx context.Context, id uuid.UUID, from, to Status) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE run SET status = $3, updated_at = NOW() WHERE id = $1 AND status = $2`,
		id, from, to)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}
	return nil
}

func (r *runRepoPG) SetJobID(ctx context.Context, id, jobID uuid.UUID) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE run SET job_id = $2, updated_at = NOW() WHERE id = $1`,
		id, jobID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
