package notification

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// InAppSender delivers messages by inserting rows the recipient's client
// polls for. The insert is the send; its id doubles as the notification id.
type InAppSender struct {
	pool *pgxpool.Pool
}

func NewInAppSender(pool *pgxpool.Pool) *InAppSender {
	return &InAppSender{pool: pool}
}

func (s *InAppSender) Send(ctx context.Context, msg *Message) ([]string, error) {
	id := uuid.New()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO notification (id, recipient_id, subject, body, priority)
		VALUES ($1,$2,$3,$4,$5)`,
		id, msg.Recipient, msg.Subject, msg.Body, msg.Priority)
	if err != nil {
		return nil, fmt.Errorf("insert notification: %w", err)
	}
	return []string{id.String()}, nil
}
