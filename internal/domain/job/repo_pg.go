package job

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type jobRepoPG struct{ pool *pgxpool.Pool }

// NewJobRepoPG returns a Repository backed by the job table.
func NewJobRepoPG(pool *pgxpool.Pool) Repository {
	return &jobRepoPG{pool: pool}
}

const jobCols = `id, subject_id, correlation_id, status, attempt, errors, created_at, updated_at`

func (r *jobRepoPG) scanJob(row pgx.Row) (*Job, error) {
	var j Job
	var errsJSON []byte
	err := row.Scan(&j.ID, &j.SubjectID, &j.CorrelationID, &j.Status, &j.Attempt,
		&errsJSON, &j.CreatedAt, &j.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if len(errsJSON) > 0 {
		if err := json.Unmarshal(errsJSON, &j.Errors); err != nil {
			return nil, fmt.Errorf("unmarshal job errors: %w", err)
		}
	}
	return &j, nil
}

// CreateIdempotent relies on the (subject_id, correlation_id) unique
// constraint: a concurrent duplicate insert affects zero rows and the
// existing job is read back instead.
func (r *jobRepoPG) CreateIdempotent(ctx context.Context, j *Job) (*Job, bool, error) {
	id := uuid.New()
	tag, err := r.pool.Exec(ctx, `
		INSERT INTO job (id, subject_id, correlation_id, status, attempt, errors)
		VALUES ($1,$2,$3,$4,$5,'[]'::jsonb)
		ON CONFLICT (subject_id, correlation_id) DO NOTHING`,
		id, j.SubjectID, j.CorrelationID, j.Status, j.Attempt)
	if err != nil {
		return nil, false, err
	}

	stored, err := r.scanJob(r.pool.QueryRow(ctx,
		`SELECT `+jobCols+` FROM job WHERE subject_id = $1 AND correlation_id = $2`,
		j.SubjectID, j.CorrelationID))
	if err != nil {
		return nil, false, err
	}
	return stored, tag.RowsAffected() == 1, nil
}

func (r *jobRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Job, error) {
	return r.scanJob(r.pool.QueryRow(ctx, `SELECT `+jobCols+` FROM job WHERE id = $1`, id))
}

func (r *jobRepoPG) ListBySubject(ctx context.Context, subjectID uuid.UUID, limit, offset int) ([]*Job, int, error) {
	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM job WHERE subject_id = $1`, subjectID).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.pool.Query(ctx,
		`SELECT `+jobCols+` FROM job WHERE subject_id = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`,
		subjectID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var items []*Job
	for rows.Next() {
		j, err := r.scanJob(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, j)
	}
	return items, total, rows.Err()
}

func (r *jobRepoPG) ListActive(ctx context.Context, limit int) ([]*Job, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+jobCols+` FROM job
		WHERE status NOT IN ($1, $2) AND attempt < $3
		ORDER BY updated_at ASC LIMIT $4`,
		StatusDelivered, StatusFailed, MaxAttempts, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*Job
	for rows.Next() {
		j, err := r.scanJob(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, j)
	}
	return items, rows.Err()
}

func (r *jobRepoPG) BumpAttempt(ctx context.Context, id uuid.UUID, from int) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE job SET attempt = attempt + 1, updated_at = NOW()
		WHERE id = $1 AND attempt = $2 AND attempt < $3`,
		id, from, MaxAttempts)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}
	return nil
}

func (r *jobRepoPG) AdvanceStatus(ctx context.Context, id uuid.UUID, from, to Status) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE job SET status = $3, updated_at = NOW()
		WHERE id = $1 AND status = $2`,
		id, from, to)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}
	return nil
}

// RecordFailure updates status and appends the error entry in one statement
// so a concurrent status query never sees one without the other. Conditional
// on the from status: a failure observed against an old snapshot must not
// drag a job back from progress a concurrent invoker already made.
func (r *jobRepoPG) RecordFailure(ctx context.Context, id uuid.UUID, from, to Status, entry ErrorEntry) error {
	entryJSON, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal error entry: %w", err)
	}
	tag, err := r.pool.Exec(ctx, `
		UPDATE job SET status = $3, errors = errors || $4::jsonb, updated_at = NOW()
		WHERE id = $1 AND status = $2`,
		id, from, to, entryJSON)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}
	return nil
}

type artifactRepoPG struct{ pool *pgxpool.Pool }

// NewArtifactRepoPG returns an ArtifactRepository backed by the
// report_artifact table.
func NewArtifactRepoPG(pool *pgxpool.Pool) ArtifactRepository {
	return &artifactRepoPG{pool: pool}
}

func (r *artifactRepoPG) Upsert(ctx context.Context, a *ReportArtifact) error {
	sections, err := json.Marshal(a.Sections)
	if err != nil {
		return fmt.Errorf("marshal artifact sections: %w", err)
	}
	_, err = r.pool.Exec(ctx, `
		INSERT INTO report_artifact (job_id, sections, model)
		VALUES ($1,$2,$3)
		ON CONFLICT (job_id) DO UPDATE
		SET sections = EXCLUDED.sections, model = EXCLUDED.model, updated_at = NOW()`,
		a.JobID, sections, a.Model)
	return err
}

func (r *artifactRepoPG) GetByJobID(ctx context.Context, jobID uuid.UUID) (*ReportArtifact, error) {
	var a ReportArtifact
	var sections []byte
	err := r.pool.QueryRow(ctx, `
		SELECT job_id, sections, model, created_at, updated_at
		FROM report_artifact WHERE job_id = $1`, jobID).
		Scan(&a.JobID, &sections, &a.Model, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(sections, &a.Sections); err != nil {
		return nil, fmt.Errorf("unmarshal artifact sections: %w", err)
	}
	return &a, nil
}

type validationRepoPG struct{ pool *pgxpool.Pool }

// NewValidationRepoPG returns a ValidationRepository backed by the
// validation_result table.
func NewValidationRepoPG(pool *pgxpool.Pool) ValidationRepository {
	return &validationRepoPG{pool: pool}
}

func (r *validationRepoPG) Upsert(ctx context.Context, v *ValidationResult) error {
	rules, err := json.Marshal(v.Rules)
	if err != nil {
		return fmt.Errorf("marshal validation rules: %w", err)
	}
	_, err = r.pool.Exec(ctx, `
		INSERT INTO validation_result (job_id, pass, rules)
		VALUES ($1,$2,$3)
		ON CONFLICT (job_id) DO UPDATE
		SET pass = EXCLUDED.pass, rules = EXCLUDED.rules`,
		v.JobID, v.Pass, rules)
	return err
}

func (r *validationRepoPG) GetByJobID(ctx context.Context, jobID uuid.UUID) (*ValidationResult, error) {
	var v ValidationResult
	var rules []byte
	err := r.pool.QueryRow(ctx, `
		SELECT job_id, pass, rules, created_at
		FROM validation_result WHERE job_id = $1`, jobID).
		Scan(&v.JobID, &v.Pass, &rules, &v.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(rules, &v.Rules); err != nil {
		return nil, fmt.Errorf("unmarshal validation rules: %w", err)
	}
	return &v, nil
}
