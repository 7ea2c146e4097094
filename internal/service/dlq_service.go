package service

import (
	"context"
	"encoding/json"
	"fmt"

	"app/internal/model"
	"app/internal/pubsub"
	"app/internal/repository"

	"github.com/rs/zerolog"
)

// DLQService manages settlement jobs that exhausted their retries. Operators
// list them, requeue the fixable ones, and resolve the rest.
type DLQService interface {
	RecordFailure(ctx context.Context, queueName string, payload []byte, reason string) error
	List(ctx context.Context, status string, limit int) ([]model.DeadLetterMessage, error)
	Requeue(ctx context.Context, id string) error
	Resolve(ctx context.Context, id string) error
}

type dlqService struct {
	repo       repository.DLQRepository
	settlement SettlementEnqueuer
	publisher  pubsub.Publisher
	auditTopic string
	logger     zerolog.Logger
}

// NewDLQService creates a new DLQService. The publisher may be nil when audit
// events are disabled.
func NewDLQService(repo repository.DLQRepository, settlement SettlementEnqueuer, publisher pubsub.Publisher, auditTopic string, logger zerolog.Logger) DLQService {
	return &dlqService{
		repo:       repo,
		settlement: settlement,
		publisher:  publisher,
		auditTopic: auditTopic,
		logger:     logger.With().Str("service", "DLQService").Logger(),
	}
}

func (s *dlqService) RecordFailure(ctx context.Context, queueName string, payload []byte, reason string) error {
	msg := &model.DeadLetterMessage{
		QueueName:     queueName,
		Payload:       string(payload),
		FailureReason: &reason,
		Status:        "pending",
	}
	if err := s.repo.Create(ctx, msg); err != nil {
		s.logger.Error().Err(err).Str("queue", queueName).Msg("Failed to persist dead letter message")
		return err
	}

	if s.publisher != nil {
		event, err := json.Marshal(map[string]any{
			"event_type": "settlement_failed",
			"queue":      queueName,
			"reason":     reason,
			"payload":    json.RawMessage(payload),
		})
		if err == nil {
			if _, err := s.publisher.Publish(ctx, s.auditTopic, event); err != nil {
				s.logger.Warn().Err(err).Str("queue", queueName).Msg("Failed to publish settlement_failed event")
			}
		}
	}
	return nil
}

func (s *dlqService) List(ctx context.Context, status string, limit int) ([]model.DeadLetterMessage, error) {
	if status == "" {
		status = "pending"
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.repo.List(ctx, status, limit)
}

// Requeue pushes the stored job back onto the settlement queue and marks the
// dead letter as requeued. Payloads that no longer parse stay pending.
func (s *dlqService) Requeue(ctx context.Context, id string) error {
	msgs, err := s.repo.List(ctx, "pending", 200)
	if err != nil {
		return fmt.Errorf("loading dead letter messages: %w", err)
	}
	var target *model.DeadLetterMessage
	for i := range msgs {
		if msgs[i].ID == id {
			target = &msgs[i]
			break
		}
	}
	if target == nil {
		return fmt.Errorf("dead letter message %s not found or not pending", id)
	}

	var job SettlementJob
	if err := json.Unmarshal([]byte(target.Payload), &job); err != nil {
		return fmt.Errorf("dead letter payload is not a settlement job: %w", err)
	}
	if err := s.settlement.Enqueue(ctx, job); err != nil {
		return fmt.Errorf("requeuing settlement job: %w", err)
	}
	return s.repo.UpdateStatus(ctx, id, "requeued")
}

func (s *dlqService) Resolve(ctx context.Context, id string) error {
	return s.repo.UpdateStatus(ctx, id, "resolved")
}
