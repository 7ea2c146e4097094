package dto

import "app/internal/model"

type ChatMessageDTO struct {
	Role    string `json:"role" validate:"required,oneof=user assistant system"`
	Content string `json:"content" validate:"required"`
}

// ChatRequestDTO accepts both the current request shape and the legacy one
// (query/userId/codePs/conversationId) still sent by older frontend builds.
// Normalize folds the legacy fields into the canonical ones.
type ChatRequestDTO struct {
	Messages       []ChatMessageDTO `json:"messages" validate:"omitempty,dive"`
	ConversationID *string          `json:"conversation_id,omitempty"`
	UserID         string           `json:"user_id,omitempty"`
	PharmacyID     string           `json:"pharmacy_id,omitempty"`
	Stream         *bool            `json:"stream,omitempty"`
	Model          string           `json:"model,omitempty"`
	Temperature    float64          `json:"temperature,omitempty" validate:"omitempty,gte=0,lte=2"`
	MaxTokens      int              `json:"max_tokens,omitempty" validate:"omitempty,gt=0"`

	// Legacy shape
	LegacyQuery          string  `json:"query,omitempty"`
	LegacyUserID         string  `json:"userId,omitempty"`
	LegacyCodePS         string  `json:"codePs,omitempty"`
	LegacyConversationID *string `json:"conversationId,omitempty"`
}

// Normalize maps legacy fields onto the canonical ones. Canonical fields win
// when both are present.
func (d *ChatRequestDTO) Normalize() {
	if len(d.Messages) == 0 && d.LegacyQuery != "" {
		d.Messages = []ChatMessageDTO{{Role: "user", Content: d.LegacyQuery}}
	}
	if d.UserID == "" {
		d.UserID = d.LegacyUserID
	}
	if d.PharmacyID == "" {
		d.PharmacyID = d.LegacyCodePS
	}
	if d.ConversationID == nil {
		d.ConversationID = d.LegacyConversationID
	}
}

type ChatResponseDTO struct {
	Response         string           `json:"response"`
	SQLQuery         *string          `json:"sqlQuery,omitempty"`
	SQLResults       model.SQLResults `json:"sqlResults,omitempty"`
	ConversationID   string           `json:"conversationId"`
	CreditsUsed      int              `json:"creditsUsed"`
	RemainingCredits int              `json:"remainingCredits"`
}

// CreditsErrorDTO is the 402 payload. The fixed type field lets frontends
// route every credit denial to the same upgrade dialog.
type CreditsErrorDTO struct {
	Type       string `json:"type"`
	Code       string `json:"code"`
	Message    string `json:"message"`
	Required   int    `json:"required,omitempty"`
	Available  int    `json:"available,omitempty"`
	Suggestion string `json:"suggestion,omitempty"`
}

type ErrorDTO struct {
	Error ErrorBodyDTO `json:"error"`
}

type ErrorBodyDTO struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
