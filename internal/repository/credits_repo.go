package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"app/internal/model"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrInsufficientBalance is returned when a conditional debit matched no row,
// i.e. the account does not hold the requested amount.
var ErrInsufficientBalance = errors.New("insufficient_balance")

// CreditsRepository owns the user_credits ledger and its append-only
// credit_transactions log.
type CreditsRepository interface {
	// GetOrCreateUserCredits loads the ledger row, creating a demo account
	// with the given trial allotment on first use.
	GetOrCreateUserCredits(ctx context.Context, userID string, demoAllotment int) (*model.UserCredits, error)
	// ConsumePaid debits a paid account. The check and the decrement are one
	// conditional UPDATE so the balance can never go negative under
	// concurrent requests. Returns the new remaining balance.
	ConsumePaid(ctx context.Context, userID string, amount int) (int, error)
	// ConsumeDemo debits a demo account the same way. Returns the demo
	// messages still available.
	ConsumeDemo(ctx context.Context, userID string, amount int) (int, error)
	// InsertTransaction appends one ledger log entry. The id is generated at
	// write time.
	InsertTransaction(ctx context.Context, tx *model.CreditTransaction) error
	// CountTransactionsSince counts ledger entries for a user created at or
	// after the given instant. Used for daily demo quotas.
	CountTransactionsSince(ctx context.Context, userID string, since time.Time) (int, error)
	// ListTransactions returns the most recent ledger entries, newest first.
	ListTransactions(ctx context.Context, userID string, limit int) ([]model.CreditTransaction, error)
}

type creditsRepo struct {
	pool *pgxpool.Pool
}

// NewCreditsRepo creates a new CreditsRepository.
func NewCreditsRepo(pool *pgxpool.Pool) CreditsRepository {
	return &creditsRepo{pool: pool}
}

const userCreditsColumns = `
	user_id, total_credits, used_credits, remaining_credits,
	demo_credits, demo_used, subscription_type, credits_expire_at,
	last_reset_at, created_at, updated_at
`

func scanUserCredits(row pgx.Row) (*model.UserCredits, error) {
	var uc model.UserCredits
	err := row.Scan(
		&uc.UserID,
		&uc.TotalCredits,
		&uc.UsedCredits,
		&uc.RemainingCredits,
		&uc.DemoCredits,
		&uc.DemoUsed,
		&uc.SubscriptionType,
		&uc.CreditsExpireAt,
		&uc.LastResetAt,
		&uc.CreatedAt,
		&uc.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &uc, nil
}

func (r *creditsRepo) GetOrCreateUserCredits(ctx context.Context, userID string, demoAllotment int) (*model.UserCredits, error) {
	// Lazy creation: new accounts start as demo with the trial allotment.
	const insertQ = `
		INSERT INTO user_credits (user_id, demo_credits, subscription_type, last_reset_at)
		VALUES ($1, $2, 'demo', NOW())
		ON CONFLICT (user_id) DO NOTHING
	`
	if _, err := r.pool.Exec(ctx, insertQ, userID, demoAllotment); err != nil {
		return nil, fmt.Errorf("creating credits row for user %s: %w", userID, err)
	}

	q := `SELECT ` + userCreditsColumns + ` FROM user_credits WHERE user_id = $1`
	uc, err := scanUserCredits(r.pool.QueryRow(ctx, q, userID))
	if err != nil {
		return nil, fmt.Errorf("fetching credits for user %s: %w", userID, err)
	}
	return uc, nil
}

func (r *creditsRepo) ConsumePaid(ctx context.Context, userID string, amount int) (int, error) {
	const q = `
		UPDATE user_credits
		SET used_credits = used_credits + $2,
		    remaining_credits = remaining_credits - $2,
		    updated_at = NOW()
		WHERE user_id = $1
		  AND remaining_credits >= $2
		  AND (credits_expire_at IS NULL OR credits_expire_at > NOW())
		RETURNING remaining_credits
	`
	var remaining int
	err := r.pool.QueryRow(ctx, q, userID, amount).Scan(&remaining)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrInsufficientBalance
		}
		return 0, fmt.Errorf("consuming %d credits for user %s: %w", amount, userID, err)
	}
	return remaining, nil
}

func (r *creditsRepo) ConsumeDemo(ctx context.Context, userID string, amount int) (int, error) {
	const q = `
		UPDATE user_credits
		SET demo_used = demo_used + $2,
		    updated_at = NOW()
		WHERE user_id = $1
		  AND demo_credits - demo_used >= $2
		RETURNING demo_credits - demo_used
	`
	var remaining int
	err := r.pool.QueryRow(ctx, q, userID, amount).Scan(&remaining)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrInsufficientBalance
		}
		return 0, fmt.Errorf("consuming %d demo credits for user %s: %w", amount, userID, err)
	}
	return remaining, nil
}

func (r *creditsRepo) InsertTransaction(ctx context.Context, tx *model.CreditTransaction) error {
	if tx.ID == "" {
		tx.ID = uuid.NewString()
	}
	const q = `
		INSERT INTO credit_transactions (id, user_id, conversation_id, message_id, credits_used, operation_type, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb)
		RETURNING created_at
	`
	err := r.pool.QueryRow(ctx, q,
		tx.ID,
		tx.UserID,
		tx.ConversationID,
		tx.MessageID,
		tx.CreditsUsed,
		tx.OperationType,
		tx.Metadata,
	).Scan(&tx.CreatedAt)
	if err != nil {
		return fmt.Errorf("inserting credit transaction for user %s: %w", tx.UserID, err)
	}
	return nil
}

func (r *creditsRepo) CountTransactionsSince(ctx context.Context, userID string, since time.Time) (int, error) {
	const q = `
		SELECT COUNT(*)
		FROM credit_transactions
		WHERE user_id = $1
		  AND created_at >= $2
	`
	var count int
	if err := r.pool.QueryRow(ctx, q, userID, since).Scan(&count); err != nil {
		return 0, fmt.Errorf("counting transactions for user %s: %w", userID, err)
	}
	return count, nil
}

func (r *creditsRepo) ListTransactions(ctx context.Context, userID string, limit int) ([]model.CreditTransaction, error) {
	query := fmt.Sprintf(`
		SELECT id, user_id, conversation_id, message_id, credits_used, operation_type, metadata, created_at
		FROM credit_transactions
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT %d
	`, limit)

	rows, err := r.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("querying credit transactions: %w", err)
	}
	defer rows.Close()

	var txs []model.CreditTransaction
	for rows.Next() {
		var tx model.CreditTransaction
		if err := rows.Scan(
			&tx.ID,
			&tx.UserID,
			&tx.ConversationID,
			&tx.MessageID,
			&tx.CreditsUsed,
			&tx.OperationType,
			&tx.Metadata,
			&tx.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scanning credit transaction row: %w", err)
		}
		txs = append(txs, tx)
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating credit transaction rows: %w", err)
	}

	return txs, nil
}
