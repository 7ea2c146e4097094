package model

import "time"

// Profile represents a pharmacy staff account.
type Profile struct {
	UserID               string    `db:"user_id" json:"user_id"`
	Email                string    `db:"email" json:"email"`
	CodePS               string    `db:"code_ps" json:"code_ps"`
	PharmacyStatus       string    `db:"pharmacy_status" json:"pharmacy_status"` // 'pending', 'active', 'suspended'
	DemoCreditsRemaining int       `db:"demo_credits_remaining" json:"demo_credits_remaining"`
	CreatedAt            time.Time `db:"created_at" json:"created_at"`
	UpdatedAt            time.Time `db:"updated_at" json:"updated_at"`
}

// PharmacySecret maps a pharmacy code to its agent-side credentials.
type PharmacySecret struct {
	CodePS            string    `db:"code_ps" json:"code_ps"`
	DBID              string    `db:"db_id" json:"db_id"`
	LiteLLMVirtualKey string    `db:"litellm_virtual_key" json:"-"`
	CreatedAt         time.Time `db:"created_at" json:"created_at"`
}
