package model

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// Conversation represents a chat thread between a pharmacy user and the agent.
type Conversation struct {
	ID         string    `db:"id" json:"id"`
	UserID     string    `db:"user_id" json:"user_id"`
	PharmacyID string    `db:"pharmacy_id" json:"pharmacy_id"`
	Title      string    `db:"title" json:"title"`
	Model      string    `db:"model" json:"model"`
	Status     string    `db:"status" json:"status"` // 'active' or 'archived'
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
	UpdatedAt  time.Time `db:"updated_at" json:"updated_at"`
}

// Message represents one turn in a conversation. Assistant messages carry the
// extracted SQL query and its results as structured fields when present.
type Message struct {
	ID             string     `db:"id" json:"id"`
	ConversationID string     `db:"conversation_id" json:"conversation_id"`
	Role           string     `db:"role" json:"role"` // 'user' or 'assistant'
	Content        string     `db:"content" json:"content"`
	SQLQuery       *string    `db:"sql_query" json:"sql_query,omitempty"`
	SQLResults     SQLResults `db:"sql_results" json:"sql_results,omitempty"`
	CreditsUsed    int        `db:"credits_used" json:"credits_used"`
	ProcessingMs   int64      `db:"processing_ms" json:"processing_ms"`
	CreatedAt      time.Time  `db:"created_at" json:"created_at"`
}

// SQLResults holds the agent's query result rows (JSONB).
type SQLResults []map[string]any

// Value implements the driver.Valuer interface for JSONB.
func (r SQLResults) Value() (driver.Value, error) {
	if r == nil {
		return nil, nil
	}
	return json.Marshal(r)
}

// Scan implements the sql.Scanner interface for JSONB.
func (r *SQLResults) Scan(value interface{}) error {
	if value == nil {
		*r = nil
		return nil
	}

	var bytes []byte
	switch v := value.(type) {
	case []byte:
		bytes = v
	case string:
		bytes = []byte(v)
	default:
		return fmt.Errorf("cannot scan %T into SQLResults", value)
	}

	if len(bytes) == 0 {
		*r = nil
		return nil
	}

	return json.Unmarshal(bytes, r)
}
