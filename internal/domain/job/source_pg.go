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

type assessmentSourcePG struct{ pool *pgxpool.Pool }

// NewAssessmentSourcePG returns an AssessmentSource reading the latest
// completed assessment for a subject from the assessment table.
func NewAssessmentSourcePG(pool *pgxpool.Pool) AssessmentSource {
	return &assessmentSourcePG{pool: pool}
}

func (s *assessmentSourcePG) Load(ctx context.Context, subjectID uuid.UUID) (map[string]any, bool, error) {
	var contentJSON []byte
	err := s.pool.QueryRow(ctx, `
		SELECT content FROM assessment
		WHERE subject_id = $1 AND completed_at IS NOT NULL
		ORDER BY completed_at DESC LIMIT 1`,
		subjectID).Scan(&contentJSON)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var content map[string]any
	if err := json.Unmarshal(contentJSON, &content); err != nil {
		return nil, false, fmt.Errorf("unmarshal assessment content: %w", err)
	}
	return content, true, nil
}
