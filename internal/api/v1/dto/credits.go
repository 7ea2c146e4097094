package dto

import (
	"time"

	"app/internal/model"
)

type CreditsBalanceDTO struct {
	SubscriptionType string     `json:"subscription_type"`
	TotalCredits     int        `json:"total_credits"`
	UsedCredits      int        `json:"used_credits"`
	RemainingCredits int        `json:"remaining_credits"`
	DemoCredits      int        `json:"demo_credits,omitempty"`
	DemoUsed         int        `json:"demo_used,omitempty"`
	DemoRemaining    int        `json:"demo_remaining,omitempty"`
	CreditsExpireAt  *time.Time `json:"credits_expire_at,omitempty"`
}

func NewCreditsBalanceDTO(c *model.UserCredits) CreditsBalanceDTO {
	return CreditsBalanceDTO{
		SubscriptionType: string(c.SubscriptionType),
		TotalCredits:     c.TotalCredits,
		UsedCredits:      c.UsedCredits,
		RemainingCredits: c.RemainingCredits,
		DemoCredits:      c.DemoCredits,
		DemoUsed:         c.DemoUsed,
		DemoRemaining:    c.DemoRemaining(),
		CreditsExpireAt:  c.CreditsExpireAt,
	}
}

type CreditTransactionDTO struct {
	ID             string                    `json:"id"`
	ConversationID *string                   `json:"conversation_id,omitempty"`
	MessageID      *string                   `json:"message_id,omitempty"`
	CreditsUsed    int                       `json:"credits_used"`
	OperationType  string                    `json:"operation_type"`
	Metadata       model.TransactionMetadata `json:"metadata,omitempty"`
	CreatedAt      time.Time                 `json:"created_at"`
}

func NewCreditTransactionDTO(t *model.CreditTransaction) CreditTransactionDTO {
	return CreditTransactionDTO{
		ID:             t.ID,
		ConversationID: t.ConversationID,
		MessageID:      t.MessageID,
		CreditsUsed:    t.CreditsUsed,
		OperationType:  string(t.OperationType),
		Metadata:       t.Metadata,
		CreatedAt:      t.CreatedAt,
	}
}
