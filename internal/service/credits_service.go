package service

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"app/internal/model"
	"app/internal/pubsub"
	"app/internal/repository"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// CreditCheck is the result of a read-only balance check.
type CreditCheck struct {
	Available bool
	Credits   *model.UserCredits
	Err       *CreditsError
}

// ConsumeResult reports the outcome of a consumption attempt. The remaining
// balance is derived from the debit itself, not a second read.
type ConsumeResult struct {
	Success          bool
	RemainingCredits int
	Err              *CreditsError
}

// StreamingAuthorization links a pre-flight estimate to the post-hoc debit.
// It reserves nothing; the authoritative check happens at settlement.
type StreamingAuthorization struct {
	ID               string
	EstimatedCredits int
	Credits          *model.UserCredits
}

// CreditsService gates agent usage on the user's credit ledger.
type CreditsService interface {
	// CheckCreditsAvailable is a read-only check, safe to call repeatedly
	// and speculatively. It lazily creates a demo ledger row on first use.
	CheckCreditsAvailable(ctx context.Context, userID string, requiredCredits int) CreditCheck
	// ValidateStreamingPermissions layers demo policy (message length cap,
	// total and daily quotas) on top of the raw balance.
	ValidateStreamingPermissions(ctx context.Context, userID, messageContent string) *CreditsError
	// ConsumeCredits re-checks and debits atomically; the transaction-log
	// append is best-effort and never fails the debit.
	ConsumeCredits(ctx context.Context, userID string, creditsToConsume int, operationType model.OperationType, metadata model.TransactionMetadata, conversationID, messageID *string) ConsumeResult
	// PreAuthorizeStreamingCredits estimates the cost of a streamed exchange
	// and returns a correlation id for the later settlement.
	PreAuthorizeStreamingCredits(ctx context.Context, userID, messageContent string) (*StreamingAuthorization, *CreditsError)
	// ConsumeStreamingCredits settles a streamed exchange, tagging the
	// transaction with the pre-authorization id.
	ConsumeStreamingCredits(ctx context.Context, userID string, creditsToConsume int, operationType model.OperationType, authorizationID string, metadata model.TransactionMetadata, conversationID, messageID *string) ConsumeResult
	// NewStreamingMonitor builds the in-memory advisory counter for one
	// open stream.
	NewStreamingMonitor(userID string, estimatedCap int) *StreamingCreditsMonitor
	GetBalance(ctx context.Context, userID string) (*model.UserCredits, error)
	ListTransactions(ctx context.Context, userID string, limit int) ([]model.CreditTransaction, error)
}

type creditsService struct {
	repo       repository.CreditsRepository
	publisher  pubsub.Publisher
	auditTopic string
	logger     zerolog.Logger
	now        func() time.Time
}

// NewCreditsService creates a new CreditsService. The publisher may be nil
// when audit events are disabled.
func NewCreditsService(repo repository.CreditsRepository, publisher pubsub.Publisher, auditTopic string, logger zerolog.Logger) CreditsService {
	return &creditsService{
		repo:       repo,
		publisher:  publisher,
		auditTopic: auditTopic,
		logger:     logger.With().Str("service", "CreditsService").Logger(),
		now:        time.Now,
	}
}

func (s *creditsService) CheckCreditsAvailable(ctx context.Context, userID string, requiredCredits int) CreditCheck {
	credits, err := s.repo.GetOrCreateUserCredits(ctx, userID, DefaultDemoCredits)
	if err != nil {
		s.logger.Error().Err(err).Str("user_id", userID).Msg("Failed to load user credits")
		return CreditCheck{Available: false, Credits: nil, Err: newCreditsUnavailableError()}
	}

	if credits.IsDemo() {
		remaining := credits.DemoRemaining()
		if remaining < requiredCredits {
			return CreditCheck{Available: false, Credits: credits, Err: newDemoLimitError(requiredCredits, remaining)}
		}
		return CreditCheck{Available: true, Credits: credits}
	}

	remaining := credits.RemainingCredits
	if credits.Expired(s.now()) {
		remaining = 0
	}
	if remaining < requiredCredits {
		return CreditCheck{Available: false, Credits: credits, Err: newInsufficientCreditsError(requiredCredits, remaining)}
	}
	return CreditCheck{Available: true, Credits: credits}
}

func (s *creditsService) ValidateStreamingPermissions(ctx context.Context, userID, messageContent string) *CreditsError {
	check := s.CheckCreditsAvailable(ctx, userID, 1)
	if check.Err != nil {
		return check.Err
	}
	if !check.Credits.IsDemo() {
		return nil
	}

	if len(messageContent) > DemoMessageMaxLength {
		return &CreditsError{
			Code:       CodeDemoLimitReached,
			Message:    "Les messages du mode démo sont limités à 1000 caractères.",
			Suggestion: "Raccourcissez votre message ou passez à un forfait payant.",
		}
	}
	if check.Credits.DemoRemaining() < 1 {
		return newDemoLimitError(1, check.Credits.DemoRemaining())
	}

	dayStart := s.now().Truncate(24 * time.Hour)
	count, err := s.repo.CountTransactionsSince(ctx, userID, dayStart)
	if err != nil {
		// Quota counting is advisory; a read failure must not block a user
		// whose balance check already passed.
		s.logger.Warn().Err(err).Str("user_id", userID).Msg("Failed to count daily transactions")
		return nil
	}
	if count >= DemoDailyMessageLimit {
		return newDailyLimitError()
	}
	return nil
}

func (s *creditsService) ConsumeCredits(ctx context.Context, userID string, creditsToConsume int, operationType model.OperationType, metadata model.TransactionMetadata, conversationID, messageID *string) ConsumeResult {
	// Never trust a prior check: the balance may have changed between
	// authorization and consumption.
	check := s.CheckCreditsAvailable(ctx, userID, creditsToConsume)
	if !check.Available {
		return ConsumeResult{Success: false, RemainingCredits: 0, Err: check.Err}
	}

	// The debit itself is a conditional UPDATE, so a concurrent request that
	// also passed the check above cannot drive the balance negative.
	var remaining int
	var err error
	if check.Credits.IsDemo() {
		remaining, err = s.repo.ConsumeDemo(ctx, userID, creditsToConsume)
	} else {
		remaining, err = s.repo.ConsumePaid(ctx, userID, creditsToConsume)
	}
	if err != nil {
		if errors.Is(err, repository.ErrInsufficientBalance) {
			available := check.Credits.RemainingCredits
			if check.Credits.IsDemo() {
				available = check.Credits.DemoRemaining()
				return ConsumeResult{Success: false, RemainingCredits: 0, Err: newDemoLimitError(creditsToConsume, available)}
			}
			return ConsumeResult{Success: false, RemainingCredits: 0, Err: newInsufficientCreditsError(creditsToConsume, available)}
		}
		s.logger.Error().Err(err).Str("user_id", userID).Int("credits", creditsToConsume).Msg("Ledger debit failed")
		return ConsumeResult{Success: false, RemainingCredits: 0, Err: &CreditsError{
			Code:       CodeDatabaseError,
			Message:    "Une erreur est survenue lors du débit de vos crédits.",
			Suggestion: "Veuillez réessayer.",
		}}
	}

	tx := &model.CreditTransaction{
		UserID:         userID,
		ConversationID: conversationID,
		MessageID:      messageID,
		CreditsUsed:    creditsToConsume,
		OperationType:  operationType,
		Metadata:       metadata,
	}
	// The log is a best-effort audit trail, not authoritative: balance
	// correctness takes priority over audit completeness.
	if err := s.repo.InsertTransaction(ctx, tx); err != nil {
		s.logger.Error().Err(err).Str("user_id", userID).Msg("Failed to append credit transaction; debit already committed")
	}

	s.publishAuditEvent(ctx, "credit_transaction", map[string]any{
		"user_id":         userID,
		"credits_used":    creditsToConsume,
		"operation_type":  operationType,
		"conversation_id": conversationID,
		"message_id":      messageID,
		"remaining":       remaining,
		"at":              s.now().UTC().Format(time.RFC3339),
	})

	return ConsumeResult{Success: true, RemainingCredits: remaining}
}

func (s *creditsService) PreAuthorizeStreamingCredits(ctx context.Context, userID, messageContent string) (*StreamingAuthorization, *CreditsError) {
	estimated := CalculateChatCredits(messageContent, DetectSQL(messageContent), true)
	check := s.CheckCreditsAvailable(ctx, userID, estimated)
	if !check.Available {
		return nil, check.Err
	}
	return &StreamingAuthorization{
		ID:               uuid.NewString(),
		EstimatedCredits: estimated,
		Credits:          check.Credits,
	}, nil
}

func (s *creditsService) ConsumeStreamingCredits(ctx context.Context, userID string, creditsToConsume int, operationType model.OperationType, authorizationID string, metadata model.TransactionMetadata, conversationID, messageID *string) ConsumeResult {
	if metadata == nil {
		metadata = model.TransactionMetadata{}
	}
	metadata["streaming"] = true
	metadata["authorization_id"] = authorizationID
	return s.ConsumeCredits(ctx, userID, creditsToConsume, operationType, metadata, conversationID, messageID)
}

func (s *creditsService) NewStreamingMonitor(userID string, estimatedCap int) *StreamingCreditsMonitor {
	return newStreamingCreditsMonitor(userID, estimatedCap, s)
}

func (s *creditsService) GetBalance(ctx context.Context, userID string) (*model.UserCredits, error) {
	return s.repo.GetOrCreateUserCredits(ctx, userID, DefaultDemoCredits)
}

func (s *creditsService) ListTransactions(ctx context.Context, userID string, limit int) ([]model.CreditTransaction, error) {
	return s.repo.ListTransactions(ctx, userID, limit)
}

func (s *creditsService) publishAuditEvent(ctx context.Context, eventType string, payload map[string]any) {
	if s.publisher == nil {
		return
	}
	payload["event_type"] = eventType
	data, err := json.Marshal(payload)
	if err != nil {
		s.logger.Error().Err(err).Str("event_type", eventType).Msg("Failed to marshal audit event")
		return
	}
	if _, err := s.publisher.Publish(ctx, s.auditTopic, data); err != nil {
		s.logger.Warn().Err(err).Str("event_type", eventType).Msg("Failed to publish audit event")
	}
}
