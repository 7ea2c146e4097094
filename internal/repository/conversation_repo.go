package repository

import (
	"context"
	"errors"
	"fmt"

	"app/internal/model"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrConversationNotFound is returned when a conversation does not exist or
// is not owned by the caller.
var ErrConversationNotFound = errors.New("conversation not found")

type ConversationRepository interface {
	CreateConversation(ctx context.Context, userID, pharmacyID, title, model string) (*model.Conversation, error)
	GetConversation(ctx context.Context, conversationID, userID string) (*model.Conversation, error)
	ListConversations(ctx context.Context, userID string, limit, offset int) ([]model.Conversation, error)
	ArchiveConversation(ctx context.Context, conversationID, userID string) error
	// TouchConversation bumps the conversation's last-activity timestamp.
	TouchConversation(ctx context.Context, conversationID string) error
	CreateMessage(ctx context.Context, msg *model.Message) error
	GetMessage(ctx context.Context, messageID, conversationID, userID string) (*model.Message, error)
	ListMessages(ctx context.Context, conversationID, userID string, limit int) ([]model.Message, error)
}

type conversationRepo struct {
	pool *pgxpool.Pool
}

func NewConversationRepo(pool *pgxpool.Pool) ConversationRepository {
	return &conversationRepo{pool: pool}
}

func (r *conversationRepo) CreateConversation(ctx context.Context, userID, pharmacyID, title, modelName string) (*model.Conversation, error) {
	const q = `
		INSERT INTO conversations (user_id, pharmacy_id, title, model, status)
		VALUES ($1, $2, $3, $4, 'active')
		RETURNING id, user_id, pharmacy_id, title, model, status, created_at, updated_at
	`
	var conv model.Conversation
	err := r.pool.QueryRow(ctx, q, userID, pharmacyID, title, modelName).Scan(
		&conv.ID,
		&conv.UserID,
		&conv.PharmacyID,
		&conv.Title,
		&conv.Model,
		&conv.Status,
		&conv.CreatedAt,
		&conv.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("creating conversation: %w", err)
	}
	return &conv, nil
}

func (r *conversationRepo) GetConversation(ctx context.Context, conversationID, userID string) (*model.Conversation, error) {
	const q = `
		SELECT id, user_id, pharmacy_id, title, model, status, created_at, updated_at
		FROM conversations
		WHERE id = $1 AND user_id = $2 AND status = 'active'
	`
	var conv model.Conversation
	err := r.pool.QueryRow(ctx, q, conversationID, userID).Scan(
		&conv.ID,
		&conv.UserID,
		&conv.PharmacyID,
		&conv.Title,
		&conv.Model,
		&conv.Status,
		&conv.CreatedAt,
		&conv.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrConversationNotFound
		}
		return nil, fmt.Errorf("getting conversation: %w", err)
	}
	return &conv, nil
}

func (r *conversationRepo) ListConversations(ctx context.Context, userID string, limit, offset int) ([]model.Conversation, error) {
	query := fmt.Sprintf(`
		SELECT id, user_id, pharmacy_id, title, model, status, created_at, updated_at
		FROM conversations
		WHERE user_id = $1 AND status = 'active'
		ORDER BY updated_at DESC
		LIMIT %d OFFSET %d
	`, limit, offset)

	rows, err := r.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("querying conversations: %w", err)
	}
	defer rows.Close()

	var convs []model.Conversation
	for rows.Next() {
		var conv model.Conversation
		if err := rows.Scan(
			&conv.ID,
			&conv.UserID,
			&conv.PharmacyID,
			&conv.Title,
			&conv.Model,
			&conv.Status,
			&conv.CreatedAt,
			&conv.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scanning conversation row: %w", err)
		}
		convs = append(convs, conv)
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating conversation rows: %w", err)
	}

	return convs, nil
}

func (r *conversationRepo) ArchiveConversation(ctx context.Context, conversationID, userID string) error {
	const q = `
		UPDATE conversations
		SET status = 'archived', updated_at = NOW()
		WHERE id = $1 AND user_id = $2 AND status = 'active'
	`
	result, err := r.pool.Exec(ctx, q, conversationID, userID)
	if err != nil {
		return fmt.Errorf("archiving conversation: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrConversationNotFound
	}
	return nil
}

func (r *conversationRepo) TouchConversation(ctx context.Context, conversationID string) error {
	const q = `UPDATE conversations SET updated_at = NOW() WHERE id = $1`
	if _, err := r.pool.Exec(ctx, q, conversationID); err != nil {
		return fmt.Errorf("touching conversation %s: %w", conversationID, err)
	}
	return nil
}

func (r *conversationRepo) CreateMessage(ctx context.Context, msg *model.Message) error {
	const q = `
		INSERT INTO messages (conversation_id, role, content, sql_query, sql_results, credits_used, processing_ms)
		VALUES ($1, $2, $3, $4, $5::jsonb, $6, $7)
		RETURNING id, created_at
	`
	err := r.pool.QueryRow(ctx, q,
		msg.ConversationID,
		msg.Role,
		msg.Content,
		msg.SQLQuery,
		msg.SQLResults,
		msg.CreditsUsed,
		msg.ProcessingMs,
	).Scan(&msg.ID, &msg.CreatedAt)
	if err != nil {
		return fmt.Errorf("creating message: %w", err)
	}
	return nil
}

func (r *conversationRepo) GetMessage(ctx context.Context, messageID, conversationID, userID string) (*model.Message, error) {
	const q = `
		SELECT m.id, m.conversation_id, m.role, m.content, m.sql_query, m.sql_results, m.credits_used, m.processing_ms, m.created_at
		FROM messages m
		JOIN conversations c ON c.id = m.conversation_id
		WHERE m.id = $1 AND m.conversation_id = $2 AND c.user_id = $3
	`
	var msg model.Message
	err := r.pool.QueryRow(ctx, q, messageID, conversationID, userID).Scan(
		&msg.ID,
		&msg.ConversationID,
		&msg.Role,
		&msg.Content,
		&msg.SQLQuery,
		&msg.SQLResults,
		&msg.CreditsUsed,
		&msg.ProcessingMs,
		&msg.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("message not found: %w", err)
		}
		return nil, fmt.Errorf("getting message: %w", err)
	}
	return &msg, nil
}

func (r *conversationRepo) ListMessages(ctx context.Context, conversationID, userID string, limit int) ([]model.Message, error) {
	// Verify conversation ownership first
	const ownQ = `SELECT id FROM conversations WHERE id = $1 AND user_id = $2`
	var idCheck string
	err := r.pool.QueryRow(ctx, ownQ, conversationID, userID).Scan(&idCheck)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrConversationNotFound
		}
		return nil, fmt.Errorf("verifying conversation ownership: %w", err)
	}

	// Fetch the latest messages (ordered DESC, then reverse to get oldest first)
	query := fmt.Sprintf(`
		SELECT id, conversation_id, role, content, sql_query, sql_results, credits_used, processing_ms, created_at
		FROM messages
		WHERE conversation_id = $1
		ORDER BY created_at DESC
		LIMIT %d
	`, limit)

	rows, err := r.pool.Query(ctx, query, conversationID)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var messages []model.Message
	for rows.Next() {
		var msg model.Message
		if err := rows.Scan(
			&msg.ID,
			&msg.ConversationID,
			&msg.Role,
			&msg.Content,
			&msg.SQLQuery,
			&msg.SQLResults,
			&msg.CreditsUsed,
			&msg.ProcessingMs,
			&msg.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scanning message row: %w", err)
		}
		messages = append(messages, msg)
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating message rows: %w", err)
	}

	// Reverse to chronological order (oldest first)
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}

	return messages, nil
}
