package settlement

import (
	"context"
	"encoding/json"
	"time"

	"app/internal/config"
	"app/internal/pgmq"
	"app/internal/service"

	"github.com/rs/zerolog"
)

// Worker drains the settlement queue: debits that failed after a response
// already shipped are retried here until they commit or exhaust their
// attempts and land in the dead letter queue.
type Worker struct {
	client     *pgmq.Client
	credits    service.CreditsService
	dlq        service.DLQService
	queue      string
	dlqQueue   string
	pollSec    int
	maxMsg     int
	maxRetries int
	backoff    time.Duration
	maxBackoff time.Duration
	logger     zerolog.Logger
}

func NewWorker(client *pgmq.Client, credits service.CreditsService, dlq service.DLQService, cfg *config.Config, logger zerolog.Logger) *Worker {
	return &Worker{
		client:     client,
		credits:    credits,
		dlq:        dlq,
		queue:      cfg.SettlementQueueName,
		dlqQueue:   cfg.SettlementDeadLetterQueueName,
		pollSec:    cfg.SettlementPollTimeoutSec,
		maxMsg:     cfg.SettlementPollMaxMsg,
		maxRetries: cfg.SettlementMaxRetries,
		backoff:    time.Duration(cfg.SettlementBackoffInitialSec) * time.Second,
		maxBackoff: time.Duration(cfg.SettlementBackoffMaxSec) * time.Second,
		logger:     logger.With().Str("service", "SettlementWorker").Logger(),
	}
}

// Run starts the settlement reconciler.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info().Str("queue", w.queue).Msg("Starting settlement reconciler")
	for {
		select {
		case <-ctx.Done():
			w.logger.Info().Msg("Shutting down settlement reconciler")
			return nil
		default:
		}

		msgs, err := w.client.ReadWithPoll(ctx, w.queue, w.pollSec, w.maxMsg)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			w.logger.Error().Err(err).Msg("Error reading settlement queue")
			time.Sleep(time.Second)
			continue
		}
		if len(msgs) == 0 {
			continue
		}

		for _, msg := range msgs {
			w.process(ctx, msg)
		}
	}
}

func (w *Worker) process(ctx context.Context, msg *pgmq.Message) {
	var job service.SettlementJob
	if err := json.Unmarshal(msg.Data, &job); err != nil {
		w.logger.Error().Err(err).Int64("msg_id", msg.ID).Msg("Settlement message is not a valid job; dead-lettering")
		w.deadLetter(ctx, msg, "invalid payload: "+err.Error())
		return
	}

	w.logger.Info().
		Int64("msg_id", msg.ID).
		Str("user_id", job.UserID).
		Int("credits", job.Credits).
		Int("attempt", msg.ReadCount).
		Msg("Processing settlement job")

	result := w.consume(ctx, job)
	if result.Success {
		w.delete(ctx, msg)
		w.logger.Info().Int64("msg_id", msg.ID).Str("user_id", job.UserID).Msg("Settlement committed")
		return
	}

	// An insufficient balance will not heal with retries; the user spent the
	// remainder elsewhere. Record it for manual follow-up.
	if result.Err != nil && (result.Err.Code == service.CodeInsufficientCredits || result.Err.Code == service.CodeDemoLimitReached) {
		w.logger.Warn().
			Int64("msg_id", msg.ID).
			Str("user_id", job.UserID).
			Msg("Settlement cannot be covered by the account; dead-lettering")
		w.deadLetter(ctx, msg, string(result.Err.Code))
		return
	}

	if msg.ReadCount >= w.maxRetries {
		reason := "retries exhausted"
		if result.Err != nil {
			reason = string(result.Err.Code)
		}
		w.logger.Error().
			Int64("msg_id", msg.ID).
			Str("user_id", job.UserID).
			Int("attempts", msg.ReadCount).
			Msg("Settlement retries exhausted; dead-lettering")
		w.deadLetter(ctx, msg, reason)
		return
	}

	// Leave the message in the queue; pgmq redelivers it after the
	// visibility timeout. Sleep a growing backoff so a down database is not
	// hammered.
	delay := w.backoff
	if msg.ReadCount > 1 {
		delay *= time.Duration(1 << uint(msg.ReadCount-1))
	}
	if delay > w.maxBackoff {
		delay = w.maxBackoff
	}
	w.logger.Warn().
		Int64("msg_id", msg.ID).
		Str("user_id", job.UserID).
		Dur("delay", delay).
		Msg("Settlement attempt failed; will retry")
	select {
	case <-ctx.Done():
	case <-time.After(delay):
	}
}

func (w *Worker) consume(ctx context.Context, job service.SettlementJob) service.ConsumeResult {
	if job.AuthorizationID != "" {
		return w.credits.ConsumeStreamingCredits(ctx, job.UserID, job.Credits, job.OperationType, job.AuthorizationID, job.Metadata, job.ConversationID, job.MessageID)
	}
	return w.credits.ConsumeCredits(ctx, job.UserID, job.Credits, job.OperationType, job.Metadata, job.ConversationID, job.MessageID)
}

func (w *Worker) deadLetter(ctx context.Context, msg *pgmq.Message, reason string) {
	if err := w.dlq.RecordFailure(ctx, w.queue, msg.Data, reason); err != nil {
		// Keep the message in the queue rather than lose it.
		return
	}
	if err := w.client.Send(ctx, w.dlqQueue, msg.Data); err != nil {
		w.logger.Error().Err(err).Int64("msg_id", msg.ID).Msg("Failed to copy message to dead letter queue")
	}
	w.delete(ctx, msg)
}

func (w *Worker) delete(ctx context.Context, msg *pgmq.Message) {
	if err := w.client.Delete(ctx, w.queue, []int64{msg.ID}); err != nil {
		w.logger.Error().Err(err).Int64("msg_id", msg.ID).Msg("Error deleting settlement message")
	}
}
