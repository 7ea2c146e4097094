package repository

import (
	"context"
	"errors"
	"fmt"

	"app/internal/model"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrProfileNotFound is returned when no profile row exists for a user.
	ErrProfileNotFound = errors.New("profile not found")
	// ErrPharmacySecretNotFound is returned when a pharmacy code has no
	// agent credentials provisioned.
	ErrPharmacySecretNotFound = errors.New("pharmacy secret not found")
)

type ProfileRepository interface {
	GetProfile(ctx context.Context, userID string) (*model.Profile, error)
	GetPharmacySecret(ctx context.Context, codePS string) (*model.PharmacySecret, error)
}

type profileRepo struct {
	pool *pgxpool.Pool
}

func NewProfileRepo(pool *pgxpool.Pool) ProfileRepository {
	return &profileRepo{pool: pool}
}

func (r *profileRepo) GetProfile(ctx context.Context, userID string) (*model.Profile, error) {
	const q = `
		SELECT user_id, email, code_ps, pharmacy_status, demo_credits_remaining, created_at, updated_at
		FROM profiles
		WHERE user_id = $1
	`
	var p model.Profile
	err := r.pool.QueryRow(ctx, q, userID).Scan(
		&p.UserID,
		&p.Email,
		&p.CodePS,
		&p.PharmacyStatus,
		&p.DemoCreditsRemaining,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrProfileNotFound
		}
		return nil, fmt.Errorf("fetching profile for user %s: %w", userID, err)
	}
	return &p, nil
}

func (r *profileRepo) GetPharmacySecret(ctx context.Context, codePS string) (*model.PharmacySecret, error) {
	const q = `
		SELECT code_ps, db_id, litellm_virtual_key, created_at
		FROM pharmacy_secrets
		WHERE code_ps = $1
	`
	var s model.PharmacySecret
	err := r.pool.QueryRow(ctx, q, codePS).Scan(
		&s.CodePS,
		&s.DBID,
		&s.LiteLLMVirtualKey,
		&s.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPharmacySecretNotFound
		}
		return nil, fmt.Errorf("fetching pharmacy secret for code %s: %w", codePS, err)
	}
	return &s, nil
}
