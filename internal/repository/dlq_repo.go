package repository

import (
	"context"
	"fmt"

	"app/internal/model"

	"github.com/jackc/pgx/v5/pgxpool"
)

type DLQRepository interface {
	Create(ctx context.Context, message *model.DeadLetterMessage) error
	List(ctx context.Context, status string, limit int) ([]model.DeadLetterMessage, error)
	UpdateStatus(ctx context.Context, id, status string) error
}

type dlqRepository struct {
	pool *pgxpool.Pool
}

func NewDLQRepository(pool *pgxpool.Pool) DLQRepository {
	return &dlqRepository{pool: pool}
}

func (r *dlqRepository) Create(ctx context.Context, message *model.DeadLetterMessage) error {
	const q = `
        INSERT INTO dead_letter_messages (queue_name, payload, failure_reason, status)
        VALUES ($1, $2, $3, $4)
    `
	_, err := r.pool.Exec(
		ctx,
		q,
		message.QueueName,
		message.Payload,
		message.FailureReason,
		message.Status,
	)
	if err != nil {
		return fmt.Errorf("inserting dead letter message: %w", err)
	}
	return nil
}

func (r *dlqRepository) List(ctx context.Context, status string, limit int) ([]model.DeadLetterMessage, error) {
	query := fmt.Sprintf(`
        SELECT id, queue_name, payload, failure_reason, status, created_at, updated_at
        FROM dead_letter_messages
        WHERE status = $1
        ORDER BY created_at DESC
        LIMIT %d
    `, limit)

	rows, err := r.pool.Query(ctx, query, status)
	if err != nil {
		return nil, fmt.Errorf("querying dead letter messages: %w", err)
	}
	defer rows.Close()

	var msgs []model.DeadLetterMessage
	for rows.Next() {
		var m model.DeadLetterMessage
		if err := rows.Scan(
			&m.ID,
			&m.QueueName,
			&m.Payload,
			&m.FailureReason,
			&m.Status,
			&m.CreatedAt,
			&m.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scanning dead letter row: %w", err)
		}
		msgs = append(msgs, m)
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating dead letter rows: %w", err)
	}

	return msgs, nil
}

func (r *dlqRepository) UpdateStatus(ctx context.Context, id, status string) error {
	const q = `
        UPDATE dead_letter_messages
        SET status = $2, updated_at = NOW()
        WHERE id = $1
    `
	result, err := r.pool.Exec(ctx, q, id, status)
	if err != nil {
		return fmt.Errorf("updating dead letter %s: %w", id, err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("dead letter message %s not found", id)
	}
	return nil
}
