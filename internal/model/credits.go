package model

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// SubscriptionType determines which counter pair governs authorization.
type SubscriptionType string

const (
	SubscriptionFree       SubscriptionType = "free"
	SubscriptionDemo       SubscriptionType = "demo"
	SubscriptionBasic      SubscriptionType = "basic"
	SubscriptionPremium    SubscriptionType = "premium"
	SubscriptionEnterprise SubscriptionType = "enterprise"
)

// OperationType classifies what a credit debit paid for.
type OperationType string

const (
	OperationChat     OperationType = "chat"
	OperationSQLQuery OperationType = "sql_query"
	OperationAnalysis OperationType = "analysis"
	OperationExport   OperationType = "export"
)

// UserCredits is the per-user ledger row. For paid accounts
// remaining_credits = total_credits - used_credits at all times; for demo
// accounts demo_used <= demo_credits.
type UserCredits struct {
	UserID           string           `db:"user_id" json:"user_id"`
	TotalCredits     int              `db:"total_credits" json:"total_credits"`
	UsedCredits      int              `db:"used_credits" json:"used_credits"`
	RemainingCredits int              `db:"remaining_credits" json:"remaining_credits"`
	DemoCredits      int              `db:"demo_credits" json:"demo_credits"`
	DemoUsed         int              `db:"demo_used" json:"demo_used"`
	SubscriptionType SubscriptionType `db:"subscription_type" json:"subscription_type"`
	CreditsExpireAt  *time.Time       `db:"credits_expire_at" json:"credits_expire_at,omitempty"`
	LastResetAt      time.Time        `db:"last_reset_at" json:"last_reset_at"`
	CreatedAt        time.Time        `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time        `db:"updated_at" json:"updated_at"`
}

// IsDemo reports whether the demo counter pair governs this account.
func (uc *UserCredits) IsDemo() bool {
	return uc.SubscriptionType == SubscriptionDemo
}

// DemoRemaining returns the demo messages still available.
func (uc *UserCredits) DemoRemaining() int {
	return uc.DemoCredits - uc.DemoUsed
}

// Expired reports whether the paid credits have expired. Expired credits are
// treated as zero remaining.
func (uc *UserCredits) Expired(now time.Time) bool {
	return uc.CreditsExpireAt != nil && now.After(*uc.CreditsExpireAt)
}

// CreditTransaction is one append-only ledger log entry.
type CreditTransaction struct {
	ID             string              `db:"id" json:"id"`
	UserID         string              `db:"user_id" json:"user_id"`
	ConversationID *string             `db:"conversation_id" json:"conversation_id,omitempty"`
	MessageID      *string             `db:"message_id" json:"message_id,omitempty"`
	CreditsUsed    int                 `db:"credits_used" json:"credits_used"`
	OperationType  OperationType       `db:"operation_type" json:"operation_type"`
	Metadata       TransactionMetadata `db:"metadata" json:"metadata"`
	CreatedAt      time.Time           `db:"created_at" json:"created_at"`
}

// TransactionMetadata is an open key/value bag (model used, processing time,
// streaming flag, ...). Informational only, never read for authorization.
type TransactionMetadata map[string]any

// Value implements the driver.Valuer interface for JSONB.
func (m TransactionMetadata) Value() (driver.Value, error) {
	if m == nil {
		return json.Marshal(map[string]any{})
	}
	return json.Marshal(m)
}

// Scan implements the sql.Scanner interface for JSONB.
func (m *TransactionMetadata) Scan(value interface{}) error {
	if value == nil {
		*m = make(TransactionMetadata)
		return nil
	}

	var bytes []byte
	switch v := value.(type) {
	case []byte:
		bytes = v
	case string:
		bytes = []byte(v)
	default:
		*m = make(TransactionMetadata)
		return fmt.Errorf("cannot scan %T into TransactionMetadata", value)
	}

	if len(bytes) == 0 {
		*m = make(TransactionMetadata)
		return nil
	}

	return json.Unmarshal(bytes, m)
}
