package dto

import (
	"time"

	"app/internal/model"
)

type ConversationResponseDTO struct {
	ID         string    `json:"id"`
	PharmacyID string    `json:"pharmacy_id"`
	Title      string    `json:"title"`
	Model      string    `json:"model"`
	Status     string    `json:"status"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

func NewConversationResponseDTO(c *model.Conversation) ConversationResponseDTO {
	return ConversationResponseDTO{
		ID:         c.ID,
		PharmacyID: c.PharmacyID,
		Title:      c.Title,
		Model:      c.Model,
		Status:     c.Status,
		CreatedAt:  c.CreatedAt,
		UpdatedAt:  c.UpdatedAt,
	}
}

type MessageResponseDTO struct {
	ID           string           `json:"id"`
	Role         string           `json:"role"`
	Content      string           `json:"content"`
	SQLQuery     *string          `json:"sql_query,omitempty"`
	SQLResults   model.SQLResults `json:"sql_results,omitempty"`
	CreditsUsed  int              `json:"credits_used"`
	ProcessingMs int64            `json:"processing_ms"`
	CreatedAt    time.Time        `json:"created_at"`
}

func NewMessageResponseDTO(m *model.Message) MessageResponseDTO {
	return MessageResponseDTO{
		ID:           m.ID,
		Role:         m.Role,
		Content:      m.Content,
		SQLQuery:     m.SQLQuery,
		SQLResults:   m.SQLResults,
		CreditsUsed:  m.CreditsUsed,
		ProcessingMs: m.ProcessingMs,
		CreatedAt:    m.CreatedAt,
	}
}
