package model

import "time"

// DeadLetterMessage represents a settlement job that exhausted its retries
// and was persisted for manual inspection.
type DeadLetterMessage struct {
	ID            string    `db:"id"`
	QueueName     string    `db:"queue_name"`
	Payload       string    `db:"payload"` // Should be a JSON string
	FailureReason *string   `db:"failure_reason"`
	Status        string    `db:"status"` // 'pending', 'requeued', 'resolved'
	CreatedAt     time.Time `db:"created_at"`
	UpdatedAt     time.Time `db:"updated_at"`
}
