package notification

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrIntentNotFound is returned when no intent exists for a lookup.
var ErrIntentNotFound = errors.New("notification intent not found")

type intentRepoPG struct{ pool *pgxpool.Pool }

// NewIntentRepoPG returns an IntentRepository backed by PostgreSQL.
func NewIntentRepoPG(pool *pgxpool.Pool) IntentRepository {
	return &intentRepoPG{pool: pool}
}

const intentCols = `id, subject_user_id, job_id, type, channel, priority, status,
	created_notification_ids, failure_code, retryable, created_at, updated_at`

func (r *intentRepoPG) scanIntent(row pgx.Row) (*Intent, error) {
	var i Intent
	err := row.Scan(&i.ID, &i.SubjectUserID, &i.JobID, &i.Type, &i.Channel, &i.Priority,
		&i.Status, &i.CreatedNotificationIDs, &i.FailureCode, &i.Retryable,
		&i.CreatedAt, &i.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrIntentNotFound
	}
	return &i, err
}

// Claim inserts the intent, relying on the (job_id, type) unique constraint
// to arbitrate concurrent claims. A losing claimer may still take over an
// intent whose prior send failed, or one stuck in sending past
// StaleSendingAfter (its claimer crashed before recording); sent intents are
// never taken over.
func (r *intentRepoPG) Claim(ctx context.Context, intent *Intent) (bool, *Intent, error) {
	tag, err := r.pool.Exec(ctx, `
		INSERT INTO notification_intent (id, subject_user_id, job_id, type, channel, priority, status)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (job_id, type) DO NOTHING`,
		intent.ID, intent.SubjectUserID, intent.JobID, intent.Type,
		intent.Channel, intent.Priority, IntentSending)
	if err != nil {
		return false, nil, fmt.Errorf("insert intent: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil, nil
	}

	// Conditional takeover of a failed or abandoned prior attempt. Zero rows
	// means the existing intent is sent or actively sending.
	row := r.pool.QueryRow(ctx, `
		UPDATE notification_intent
		SET status = $3, updated_at = NOW()
		WHERE job_id = $1 AND type = $2
		  AND (status IN ($4, $5) OR (status = $3 AND updated_at < NOW() - make_interval(secs => $6)))
		RETURNING `+intentCols,
		intent.JobID, intent.Type, IntentSending, IntentPending, IntentFailed,
		StaleSendingAfter.Seconds())
	taken, err := r.scanIntent(row)
	if err == nil {
		*intent = *taken
		return true, nil, nil
	}
	if !errors.Is(err, ErrIntentNotFound) {
		return false, nil, fmt.Errorf("take over intent: %w", err)
	}

	existing, err := r.GetByJobAndType(ctx, intent.JobID, intent.Type)
	if err != nil {
		return false, nil, err
	}
	return false, existing, nil
}

func (r *intentRepoPG) MarkSent(ctx context.Context, id uuid.UUID, notificationIDs []string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE notification_intent
		SET status = $2, created_notification_ids = $3, failure_code = '', updated_at = NOW()
		WHERE id = $1`,
		id, IntentSent, notificationIDs)
	return err
}

func (r *intentRepoPG) MarkFailed(ctx context.Context, id uuid.UUID, failureCode string, retryable bool) error {
	// A sent intent stays sent even if a stale claimer reports late.
	_, err := r.pool.Exec(ctx, `
		UPDATE notification_intent
		SET status = $2, failure_code = $3, retryable = $4, updated_at = NOW()
		WHERE id = $1 AND status <> $5`,
		id, IntentFailed, failureCode, retryable, IntentSent)
	return err
}

func (r *intentRepoPG) GetByJobAndType(ctx context.Context, jobID uuid.UUID, t Type) (*Intent, error) {
	return r.scanIntent(r.pool.QueryRow(ctx,
		`SELECT `+intentCols+` FROM notification_intent WHERE job_id = $1 AND type = $2`,
		jobID, t))
}

type consentRepoPG struct{ pool *pgxpool.Pool }

// NewConsentRepoPG returns a ConsentChecker backed by the consent table.
func NewConsentRepoPG(pool *pgxpool.Pool) ConsentChecker {
	return &consentRepoPG{pool: pool}
}

func (r *consentRepoPG) IsConsented(ctx context.Context, subjectID uuid.UUID, channel Channel) (bool, error) {
	var consented bool
	err := r.pool.QueryRow(ctx, `
		SELECT granted FROM consent
		WHERE subject_id = $1 AND channel = $2`,
		subjectID, channel).Scan(&consented)
	if errors.Is(err, pgx.ErrNoRows) {
		// No recorded decision means no consent.
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("consent lookup: %w", err)
	}
	return consented, nil
}
