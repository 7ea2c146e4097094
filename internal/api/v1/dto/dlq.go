package dto

import (
	"time"

	"app/internal/model"
)

type DeadLetterMessageDTO struct {
	ID            string    `json:"id"`
	QueueName     string    `json:"queue_name"`
	Payload       string    `json:"payload"`
	FailureReason *string   `json:"failure_reason,omitempty"`
	Status        string    `json:"status"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func NewDeadLetterMessageDTO(m *model.DeadLetterMessage) DeadLetterMessageDTO {
	return DeadLetterMessageDTO{
		ID:            m.ID,
		QueueName:     m.QueueName,
		Payload:       m.Payload,
		FailureReason: m.FailureReason,
		Status:        m.Status,
		CreatedAt:     m.CreatedAt,
		UpdatedAt:     m.UpdatedAt,
	}
}
