package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lilseedabe/genbroker/internal/models"
)

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) Begin(ctx context.Context) (pgx.Tx, error) {
	return r.pool.Begin(ctx)
}

// CreateUser inserts a new member inside the signup transaction so the
// account row and its signup grant commit together.
func (r *Repository) CreateUser(ctx context.Context, tx pgx.Tx, email, passwordHash string) (*models.User, error) {
	u := &models.User{Email: email, MembershipStatus: models.MembershipActive}
	err := tx.QueryRow(ctx, `
		INSERT INTO users (email, password_hash, membership_status)
		VALUES ($1, $2, $3)
		RETURNING id, created_at
	`, email, passwordHash, models.MembershipActive).Scan(&u.ID, &u.CreatedAt)
	if err != nil {
		return nil, err
	}
	return u, nil
}

// GetUserByEmail returns the user and its password hash for login.
func (r *Repository) GetUserByEmail(ctx context.Context, email string) (*models.User, string, error) {
	var u models.User
	var hash string
	err := r.pool.QueryRow(ctx, `
		SELECT id, email, discord_id, membership_status, password_hash, created_at
		FROM users WHERE email = $1
	`, email).Scan(&u.ID, &u.Email, &u.DiscordID, &u.MembershipStatus, &hash, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, "", ErrUserNotFound
	}
	if err != nil {
		return nil, "", err
	}
	return &u, hash, nil
}

func (r *Repository) GetUserByID(ctx context.Context, id uuid.UUID) (*models.User, error) {
	var u models.User
	err := r.pool.QueryRow(ctx, `
		SELECT id, email, discord_id, membership_status, created_at
		FROM users WHERE id = $1
	`, id).Scan(&u.ID, &u.Email, &u.DiscordID, &u.MembershipStatus, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (r *Repository) LinkDiscord(ctx context.Context, userID uuid.UUID, discordID string) error {
	tag, err := r.pool.Exec(ctx, `UPDATE users SET discord_id = $2 WHERE id = $1`, userID, discordID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrUserNotFound
	}
	return nil
}

// ClaimCode marks a redemption code used and returns its grant amount. The
// WHERE used_by IS NULL guard makes the claim a compare-and-set: a code can
// only ever be redeemed once, no matter how many requests race on it.
func (r *Repository) ClaimCode(ctx context.Context, tx pgx.Tx, code string, userID uuid.UUID) (int64, error) {
	var grant int64
	err := tx.QueryRow(ctx, `
		UPDATE redemption_codes
		SET used_by = $2, used_at = now()
		WHERE code = $1 AND used_by IS NULL
		RETURNING grant_credits
	`, code, userID).Scan(&grant)
	if errors.Is(err, pgx.ErrNoRows) {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM redemption_codes WHERE code = $1)`, code).Scan(&exists); err != nil {
			return 0, err
		}
		if exists {
			return 0, ErrCodeAlreadyUsed
		}
		return 0, ErrCodeNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("claiming redemption code: %w", err)
	}
	return grant, nil
}

func (r *Repository) CreateAPIKey(ctx context.Context, userID uuid.UUID, keyHash, label string) (*models.APIKey, error) {
	k := &models.APIKey{UserID: userID, KeyHash: keyHash, Label: label}
	err := r.pool.QueryRow(ctx, `
		INSERT INTO api_keys (user_id, key_hash, label)
		VALUES ($1, $2, $3)
		RETURNING id, created_at
	`, userID, keyHash, label).Scan(&k.ID, &k.CreatedAt)
	if err != nil {
		return nil, err
	}
	return k, nil
}

// GetUserIDByKeyHash resolves an API key hash to its owner.
func (r *Repository) GetUserIDByKeyHash(ctx context.Context, keyHash string) (uuid.UUID, error) {
	var userID uuid.UUID
	err := r.pool.QueryRow(ctx, `SELECT user_id FROM api_keys WHERE key_hash = $1`, keyHash).Scan(&userID)
	if errors.Is(err, pgx.ErrNoRows) {
		return uuid.Nil, ErrInvalidAPIKey
	}
	if err != nil {
		return uuid.Nil, err
	}
	return userID, nil
}
