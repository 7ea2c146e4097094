package service

import (
	"context"
	"encoding/json"
	"fmt"

	"app/internal/model"
	"app/internal/pgmq"
)

// SettlementJob is a deferred credit debit. One is enqueued whenever a
// response already went out but the consumption transaction failed, so the
// ledger can catch up asynchronously instead of losing the charge.
type SettlementJob struct {
	UserID          string                    `json:"user_id"`
	Credits         int                       `json:"credits"`
	OperationType   model.OperationType       `json:"operation_type"`
	AuthorizationID string                    `json:"authorization_id,omitempty"`
	ConversationID  *string                   `json:"conversation_id,omitempty"`
	MessageID       *string                   `json:"message_id,omitempty"`
	Metadata        model.TransactionMetadata `json:"metadata,omitempty"`
	Reason          string                    `json:"reason"`
}

// SettlementEnqueuer pushes settlement jobs onto the durable queue.
type SettlementEnqueuer interface {
	Enqueue(ctx context.Context, job SettlementJob) error
}

type pgmqSettlementEnqueuer struct {
	client *pgmq.Client
	queue  string
}

func NewSettlementEnqueuer(client *pgmq.Client, queue string) SettlementEnqueuer {
	return &pgmqSettlementEnqueuer{client: client, queue: queue}
}

func (e *pgmqSettlementEnqueuer) Enqueue(ctx context.Context, job SettlementJob) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshaling settlement job: %w", err)
	}
	if err := e.client.Send(ctx, e.queue, payload); err != nil {
		return fmt.Errorf("enqueuing settlement job: %w", err)
	}
	return nil
}
