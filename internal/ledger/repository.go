package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lilseedabe/genbroker/internal/models"
)

// Repository implements AccountStore, ReservationStore and TransactionStore
// against Postgres. Balance mutations are single conditional statements so
// concurrent reserves cannot drive available_credits negative.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) Begin(ctx context.Context) (pgx.Tx, error) {
	return r.pool.Begin(ctx)
}

// --- accounts ---

// TryReserve atomically moves amount from available to reserved. The balance
// check and the decrement are one statement; zero rows affected means the
// user either has no account or not enough available credits.
func (r *Repository) TryReserve(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amount int64) error {
	result, err := tx.Exec(ctx, `
		UPDATE user_credits
		SET available_credits = available_credits - $1,
		    reserved_credits = reserved_credits + $1,
		    updated_at = now()
		WHERE user_id = $2 AND available_credits >= $1
	`, amount, userID)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrInsufficientCredits
	}
	return nil
}

// ApplySettlement removes the full reserved amount from reserved_credits,
// returns the unused remainder to available_credits, and counts the consumed
// portion as permanent spend against total_credits.
func (r *Repository) ApplySettlement(ctx context.Context, tx pgx.Tx, userID uuid.UUID, reserved, consumed int64) error {
	_, err := tx.Exec(ctx, `
		UPDATE user_credits
		SET reserved_credits = reserved_credits - $1,
		    available_credits = available_credits + $1 - $2,
		    total_credits = total_credits - $2,
		    updated_at = now()
		WHERE user_id = $3
	`, reserved, consumed, userID)
	return err
}

// ApplyRelease returns the full reserved amount to available_credits.
func (r *Repository) ApplyRelease(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amount int64) error {
	_, err := tx.Exec(ctx, `
		UPDATE user_credits
		SET reserved_credits = reserved_credits - $1,
		    available_credits = available_credits + $1,
		    updated_at = now()
		WHERE user_id = $2
	`, amount, userID)
	return err
}

// Grant adds to both total and available credits, creating the account row
// on first grant (membership signup).
func (r *Repository) Grant(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amount int64) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO user_credits (user_id, total_credits, available_credits, reserved_credits)
		VALUES ($1, $2, $2, 0)
		ON CONFLICT (user_id) DO UPDATE
		SET total_credits = user_credits.total_credits + $2,
		    available_credits = user_credits.available_credits + $2,
		    updated_at = now()
	`, userID, amount)
	return err
}

func (r *Repository) MarkRefilled(ctx context.Context, tx pgx.Tx, userID uuid.UUID, at time.Time) error {
	_, err := tx.Exec(ctx, `
		UPDATE user_credits SET last_refill = $1, updated_at = now() WHERE user_id = $2
	`, at, userID)
	return err
}

func (r *Repository) Get(ctx context.Context, userID uuid.UUID) (*models.CreditAccount, error) {
	var a models.CreditAccount
	err := r.pool.QueryRow(ctx, `
		SELECT user_id, total_credits, available_credits, reserved_credits, last_refill, created_at, updated_at
		FROM user_credits WHERE user_id = $1
	`, userID).Scan(&a.UserID, &a.TotalCredits, &a.AvailableCredits, &a.ReservedCredits, &a.LastRefill, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// ListLowBalance returns active-member accounts under the given available
// balance, for credit alerts.
func (r *Repository) ListLowBalance(ctx context.Context, threshold int64) ([]*models.CreditAccount, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT uc.user_id, uc.total_credits, uc.available_credits, uc.reserved_credits, uc.last_refill, uc.created_at, uc.updated_at
		FROM user_credits uc
		JOIN users u ON u.id = uc.user_id
		WHERE uc.available_credits < $1 AND u.membership_status = 'active'
	`, threshold)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.CreditAccount
	for rows.Next() {
		var a models.CreditAccount
		if err := rows.Scan(&a.UserID, &a.TotalCredits, &a.AvailableCredits, &a.ReservedCredits, &a.LastRefill, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, err
		}
		list = append(list, &a)
	}
	return list, rows.Err()
}

// ListRefillDue returns user ids of active members whose last refill is
// older than the given cutoff (or never refilled).
func (r *Repository) ListRefillDue(ctx context.Context, cutoff time.Time) ([]uuid.UUID, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT uc.user_id
		FROM user_credits uc
		JOIN users u ON u.id = uc.user_id
		WHERE u.membership_status = 'active'
		  AND (uc.last_refill IS NULL OR uc.last_refill < $1)
	`, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// --- reservations ---

func (r *Repository) Create(ctx context.Context, tx pgx.Tx, res *models.CreditReservation) error {
	return tx.QueryRow(ctx, `
		INSERT INTO credit_reservations (id, user_id, job_id, reserved_amount, status, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at
	`, res.ID, res.UserID, res.JobID, res.ReservedAmount, res.Status, res.ExpiresAt).Scan(&res.CreatedAt)
}

// GetForUpdate row-locks the reservation so settle, release and the expiry
// sweep serialize per reservation.
func (r *Repository) GetForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.CreditReservation, error) {
	var res models.CreditReservation
	err := tx.QueryRow(ctx, `
		SELECT id, user_id, job_id, reserved_amount, status, consumed_amount, refunded_amount, expires_at, settled_at, created_at
		FROM credit_reservations WHERE id = $1
		FOR UPDATE
	`, id).Scan(&res.ID, &res.UserID, &res.JobID, &res.ReservedAmount, &res.Status,
		&res.ConsumedAmount, &res.RefundedAmount, &res.ExpiresAt, &res.SettledAt, &res.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrReservationNotFound
	}
	if err != nil {
		return nil, err
	}
	return &res, nil
}

func (r *Repository) MarkConsumed(ctx context.Context, tx pgx.Tx, id uuid.UUID, consumed, refunded int64) error {
	_, err := tx.Exec(ctx, `
		UPDATE credit_reservations
		SET status = 'consumed', consumed_amount = $2, refunded_amount = $3, settled_at = now()
		WHERE id = $1
	`, id, consumed, refunded)
	return err
}

func (r *Repository) MarkReleased(ctx context.Context, tx pgx.Tx, id uuid.UUID) error {
	_, err := tx.Exec(ctx, `
		UPDATE credit_reservations SET status = 'released', settled_at = now() WHERE id = $1
	`, id)
	return err
}

// ListExpiredActive locks and returns active reservations past their TTL.
// SKIP LOCKED lets the sweep coexist with an in-flight settle or release on
// the same reservation; the skipped row is picked up next interval if still
// active.
func (r *Repository) ListExpiredActive(ctx context.Context, tx pgx.Tx, cutoff time.Time) ([]*models.CreditReservation, error) {
	rows, err := tx.Query(ctx, `
		SELECT id, user_id, job_id, reserved_amount, status, consumed_amount, refunded_amount, expires_at, settled_at, created_at
		FROM credit_reservations
		WHERE status = 'active' AND expires_at < $1
		FOR UPDATE SKIP LOCKED
	`, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanReservations(rows)
}

func (r *Repository) ListActiveByUser(ctx context.Context, userID uuid.UUID) ([]*models.CreditReservation, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, user_id, job_id, reserved_amount, status, consumed_amount, refunded_amount, expires_at, settled_at, created_at
		FROM credit_reservations
		WHERE user_id = $1 AND status = 'active'
		ORDER BY created_at DESC
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanReservations(rows)
}

func scanReservations(rows pgx.Rows) ([]*models.CreditReservation, error) {
	var list []*models.CreditReservation
	for rows.Next() {
		var res models.CreditReservation
		if err := rows.Scan(&res.ID, &res.UserID, &res.JobID, &res.ReservedAmount, &res.Status,
			&res.ConsumedAmount, &res.RefundedAmount, &res.ExpiresAt, &res.SettledAt, &res.CreatedAt); err != nil {
			return nil, err
		}
		list = append(list, &res)
	}
	return list, rows.Err()
}

// --- transactions ---

func (r *Repository) CreateTransaction(ctx context.Context, tx pgx.Tx, t *models.CreditTransaction) error {
	return tx.QueryRow(ctx, `
		INSERT INTO credit_transactions (id, user_id, type, amount, model, job_id, description)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at
	`, t.ID, t.UserID, t.Type, t.Amount, t.Model, t.JobID, t.Description).Scan(&t.CreatedAt)
}

func (r *Repository) ListByUser(ctx context.Context, userID uuid.UUID, limit, offset int, txType string) ([]*models.CreditTransaction, error) {
	query := `
		SELECT id, user_id, type, amount, model, job_id, description, created_at
		FROM credit_transactions
		WHERE user_id = $1`
	args := []any{userID}
	if txType != "" {
		query += ` AND type = $2 ORDER BY created_at DESC LIMIT $3 OFFSET $4`
		args = append(args, txType, limit, offset)
	} else {
		query += ` ORDER BY created_at DESC LIMIT $2 OFFSET $3`
		args = append(args, limit, offset)
	}
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTransactions(rows)
}

func (r *Repository) ListByUserSince(ctx context.Context, userID uuid.UUID, since time.Time) ([]*models.CreditTransaction, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, user_id, type, amount, model, job_id, description, created_at
		FROM credit_transactions
		WHERE user_id = $1 AND created_at >= $2
		ORDER BY created_at ASC
	`, userID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTransactions(rows)
}

func scanTransactions(rows pgx.Rows) ([]*models.CreditTransaction, error) {
	var list []*models.CreditTransaction
	for rows.Next() {
		var t models.CreditTransaction
		if err := rows.Scan(&t.ID, &t.UserID, &t.Type, &t.Amount, &t.Model, &t.JobID, &t.Description, &t.CreatedAt); err != nil {
			return nil, err
		}
		list = append(list, &t)
	}
	return list, rows.Err()
}
