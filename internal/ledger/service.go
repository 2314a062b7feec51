package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/lilseedabe/genbroker/internal/models"
)

// ErrInsufficientCredits is the normal, user-facing rejection when the
// available balance cannot cover a reservation.
var ErrInsufficientCredits = errors.New("insufficient credits")

// ErrReservationNotFound indicates a settle/release against an id that was
// never issued. Unlike an already-resolved reservation this is an integrity
// error and callers should log it loudly.
var ErrReservationNotFound = errors.New("reservation not found")

// ErrReservationExpired is returned by Settle when the reservation is still
// active but past its TTL; the sweep owns reclaiming it.
var ErrReservationExpired = errors.New("reservation expired")

var ErrAccountNotFound = errors.New("credit account not found")

var ErrInvalidAmount = errors.New("amount must be positive")

// ReservationTTL is how long a hold stays active before the sweep reclaims
// it, so a crashed worker cannot lock a user's credits forever.
const ReservationTTL = time.Hour

// SweepInterval is the cadence of the expired-reservation sweep.
const SweepInterval = 10 * time.Minute

// SettleResult reports the outcome of settling a reservation.
type SettleResult struct {
	Consumed int64
	Refunded int64
	// AlreadySettled is true when a prior settle took effect; the amounts
	// are that prior outcome and no balance was re-mutated.
	AlreadySettled bool
	// Released is true when the reservation was already released (sweep or
	// cancellation won the race); nothing was consumed.
	Released bool
}

// SweptReservation identifies one hold reclaimed by SweepExpired, including
// the job bound to it so the caller can fail that job.
type SweptReservation struct {
	ReservationID uuid.UUID
	UserID        uuid.UUID
	Amount        int64
	JobID         *string
}

// Balance is a user's account plus its outstanding holds.
type Balance struct {
	Account      *models.CreditAccount       `json:"account"`
	Reservations []*models.CreditReservation `json:"active_reservations"`
}

// UsageStats aggregates the transaction log over a trailing window.
type UsageStats struct {
	Days          int              `json:"days"`
	TotalConsumed int64            `json:"total_consumed"`
	TotalGranted  int64            `json:"total_granted"`
	TotalRefunded int64            `json:"total_refunded"`
	ModelUsage    map[string]int64 `json:"model_usage"`
	DailyConsumed map[string]int64 `json:"daily_consumed"`
}

// AccountStore is the minimal balance interface the service needs. The
// conditional check inside TryReserve is the no-double-spend guarantee.
type AccountStore interface {
	TryReserve(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amount int64) error
	ApplySettlement(ctx context.Context, tx pgx.Tx, userID uuid.UUID, reserved, consumed int64) error
	ApplyRelease(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amount int64) error
	Grant(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amount int64) error
	MarkRefilled(ctx context.Context, tx pgx.Tx, userID uuid.UUID, at time.Time) error
	Get(ctx context.Context, userID uuid.UUID) (*models.CreditAccount, error)
	ListLowBalance(ctx context.Context, threshold int64) ([]*models.CreditAccount, error)
	ListRefillDue(ctx context.Context, cutoff time.Time) ([]uuid.UUID, error)
}

// ReservationStore is the minimal reservation interface for the service.
type ReservationStore interface {
	Create(ctx context.Context, tx pgx.Tx, r *models.CreditReservation) error
	GetForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.CreditReservation, error)
	MarkConsumed(ctx context.Context, tx pgx.Tx, id uuid.UUID, consumed, refunded int64) error
	MarkReleased(ctx context.Context, tx pgx.Tx, id uuid.UUID) error
	ListExpiredActive(ctx context.Context, tx pgx.Tx, cutoff time.Time) ([]*models.CreditReservation, error)
	ListActiveByUser(ctx context.Context, userID uuid.UUID) ([]*models.CreditReservation, error)
}

// TransactionStore appends to and reads the audit log.
type TransactionStore interface {
	CreateTransaction(ctx context.Context, tx pgx.Tx, t *models.CreditTransaction) error
	ListByUser(ctx context.Context, userID uuid.UUID, limit, offset int, txType string) ([]*models.CreditTransaction, error)
	ListByUserSince(ctx context.Context, userID uuid.UUID, since time.Time) ([]*models.CreditTransaction, error)
}

// TxBeginner abstracts transaction creation so tests don't need a pgxpool.Pool.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

var (
	_ AccountStore     = (*Repository)(nil)
	_ ReservationStore = (*Repository)(nil)
	_ TransactionStore = (*Repository)(nil)
	_ TxBeginner       = (*Repository)(nil)
)

// Service is the single source of truth for spendable balances. All balance
// mutation goes through Reserve/Settle/Release/Grant; no other code path may
// write balances.
type Service struct {
	db           TxBeginner
	accounts     AccountStore
	reservations ReservationStore
	transactions TransactionStore
	logger       *slog.Logger
	now          func() time.Time
}

func NewService(db TxBeginner, accounts AccountStore, reservations ReservationStore, transactions TransactionStore, logger *slog.Logger) *Service {
	return &Service{
		db:           db,
		accounts:     accounts,
		reservations: reservations,
		transactions: transactions,
		logger:       logger,
		now:          time.Now,
	}
}

// ReserveTx places a hold inside the caller's transaction, so job creation
// and queue insertion commit or roll back together with the reservation.
func (s *Service) ReserveTx(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amount int64, jobID *string, model, description string) (*models.CreditReservation, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	if err := s.accounts.TryReserve(ctx, tx, userID, amount); err != nil {
		return nil, err
	}
	res := &models.CreditReservation{
		ID:             uuid.New(),
		UserID:         userID,
		JobID:          jobID,
		ReservedAmount: amount,
		Status:         models.ReservationActive,
		ExpiresAt:      s.now().Add(ReservationTTL),
	}
	if err := s.reservations.Create(ctx, tx, res); err != nil {
		return nil, err
	}
	if err := s.transactions.CreateTransaction(ctx, tx, &models.CreditTransaction{
		ID:          uuid.New(),
		UserID:      userID,
		Type:        models.TxTypeReserve,
		Amount:      amount,
		Model:       optional(model),
		JobID:       jobID,
		Description: description,
	}); err != nil {
		return nil, err
	}
	return res, nil
}

// Reserve is ReserveTx in its own transaction.
func (s *Service) Reserve(ctx context.Context, userID uuid.UUID, amount int64, jobID *string, model, description string) (*models.CreditReservation, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)
	res, err := s.ReserveTx(ctx, tx, userID, amount, jobID, model, description)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return res, nil
}

// Settle resolves an active reservation: actualCost is consumed permanently,
// the remainder returns to the available balance. A cost above the reserved
// amount is capped at it; the shortfall is the platform's loss, never the
// user's. Settling an already-consumed reservation returns the prior result
// without touching balances; an already-released one is a benign no-op.
func (s *Service) Settle(ctx context.Context, reservationID uuid.UUID, actualCost int64, model string) (*SettleResult, error) {
	if actualCost < 0 {
		return nil, ErrInvalidAmount
	}
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	res, err := s.reservations.GetForUpdate(ctx, tx, reservationID)
	if err != nil {
		return nil, err
	}
	switch res.Status {
	case models.ReservationConsumed:
		return &SettleResult{
			Consumed:       derefInt64(res.ConsumedAmount),
			Refunded:       derefInt64(res.RefundedAmount),
			AlreadySettled: true,
		}, nil
	case models.ReservationReleased:
		return &SettleResult{Released: true}, nil
	}
	if res.Expired(s.now()) {
		return nil, ErrReservationExpired
	}

	consumed := actualCost
	if consumed > res.ReservedAmount {
		s.logger.Warn("actual cost exceeds reservation, capping",
			"reservation_id", reservationID, "actual_cost", actualCost, "reserved", res.ReservedAmount)
		consumed = res.ReservedAmount
	}
	refunded := res.ReservedAmount - consumed

	if err := s.accounts.ApplySettlement(ctx, tx, res.UserID, res.ReservedAmount, consumed); err != nil {
		return nil, err
	}
	if err := s.reservations.MarkConsumed(ctx, tx, reservationID, consumed, refunded); err != nil {
		return nil, err
	}
	if err := s.transactions.CreateTransaction(ctx, tx, &models.CreditTransaction{
		ID:          uuid.New(),
		UserID:      res.UserID,
		Type:        models.TxTypeConsume,
		Amount:      consumed,
		Model:       optional(model),
		JobID:       res.JobID,
		Description: fmt.Sprintf("Consumed %d of %d reserved credits", consumed, res.ReservedAmount),
	}); err != nil {
		return nil, err
	}
	if refunded > 0 {
		if err := s.transactions.CreateTransaction(ctx, tx, &models.CreditTransaction{
			ID:          uuid.New(),
			UserID:      res.UserID,
			Type:        models.TxTypeRefund,
			Amount:      refunded,
			Model:       optional(model),
			JobID:       res.JobID,
			Description: fmt.Sprintf("Refund from reservation (reserved %d, used %d)", res.ReservedAmount, consumed),
		}); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return &SettleResult{Consumed: consumed, Refunded: refunded}, nil
}

// Release returns the full reserved amount to the available balance. It is
// idempotent: a reservation already consumed or released is a no-op and
// returns 0.
func (s *Service) Release(ctx context.Context, reservationID uuid.UUID, reason string) (int64, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	res, err := s.reservations.GetForUpdate(ctx, tx, reservationID)
	if err != nil {
		return 0, err
	}
	if res.Status != models.ReservationActive {
		return 0, nil
	}
	if err := s.releaseLocked(ctx, tx, res, reason); err != nil {
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return res.ReservedAmount, nil
}

// releaseLocked applies the release to a row-locked active reservation.
func (s *Service) releaseLocked(ctx context.Context, tx pgx.Tx, res *models.CreditReservation, reason string) error {
	if err := s.accounts.ApplyRelease(ctx, tx, res.UserID, res.ReservedAmount); err != nil {
		return err
	}
	if err := s.reservations.MarkReleased(ctx, tx, res.ID); err != nil {
		return err
	}
	return s.transactions.CreateTransaction(ctx, tx, &models.CreditTransaction{
		ID:          uuid.New(),
		UserID:      res.UserID,
		Type:        models.TxTypeRelease,
		Amount:      res.ReservedAmount,
		JobID:       res.JobID,
		Description: "Released reservation: " + reason,
	})
}

// Grant adds credits to a user's total and available balance.
func (s *Service) Grant(ctx context.Context, userID uuid.UUID, amount int64, description string) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)
	if err := s.GrantTx(ctx, tx, userID, amount, description); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// GrantTx is Grant inside the caller's transaction (used by signup so the
// user row and the grant commit together).
func (s *Service) GrantTx(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amount int64, description string) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	if err := s.accounts.Grant(ctx, tx, userID, amount); err != nil {
		return err
	}
	return s.transactions.CreateTransaction(ctx, tx, &models.CreditTransaction{
		ID:          uuid.New(),
		UserID:      userID,
		Type:        models.TxTypeGrant,
		Amount:      amount,
		Description: description,
	})
}

// MonthlyRefill grants the subscription allowance and stamps last_refill.
func (s *Service) MonthlyRefill(ctx context.Context, userID uuid.UUID, amount int64) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)
	if err := s.GrantTx(ctx, tx, userID, amount, "Monthly membership refill"); err != nil {
		return err
	}
	if err := s.accounts.MarkRefilled(ctx, tx, userID, s.now()); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// SweepExpired releases every active reservation past its TTL, restoring the
// held amount to the owner's available balance. Returns the swept holds so
// the caller can fail the jobs bound to them.
func (s *Service) SweepExpired(ctx context.Context) ([]SweptReservation, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	expired, err := s.reservations.ListExpiredActive(ctx, tx, s.now())
	if err != nil {
		return nil, err
	}
	swept := make([]SweptReservation, 0, len(expired))
	for _, res := range expired {
		if err := s.releaseLocked(ctx, tx, res, "expired"); err != nil {
			return nil, err
		}
		swept = append(swept, SweptReservation{
			ReservationID: res.ID,
			UserID:        res.UserID,
			Amount:        res.ReservedAmount,
			JobID:         res.JobID,
		})
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return swept, nil
}

// Balance returns the account with its outstanding holds.
func (s *Service) Balance(ctx context.Context, userID uuid.UUID) (*Balance, error) {
	account, err := s.accounts.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	reservations, err := s.reservations.ListActiveByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &Balance{Account: account, Reservations: reservations}, nil
}

// History returns the transaction log page for a user, newest first.
func (s *Service) History(ctx context.Context, userID uuid.UUID, limit, offset int, txType string) ([]*models.CreditTransaction, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.transactions.ListByUser(ctx, userID, limit, offset, txType)
}

// UsageStats aggregates consumption over the trailing window.
func (s *Service) UsageStats(ctx context.Context, userID uuid.UUID, days int) (*UsageStats, error) {
	if days <= 0 {
		days = 30
	}
	since := s.now().AddDate(0, 0, -days)
	txs, err := s.transactions.ListByUserSince(ctx, userID, since)
	if err != nil {
		return nil, err
	}
	stats := &UsageStats{
		Days:          days,
		ModelUsage:    make(map[string]int64),
		DailyConsumed: make(map[string]int64),
	}
	for _, t := range txs {
		switch t.Type {
		case models.TxTypeConsume:
			stats.TotalConsumed += t.Amount
			if t.Model != nil {
				stats.ModelUsage[*t.Model] += t.Amount
			}
			stats.DailyConsumed[t.CreatedAt.Format("2006-01-02")] += t.Amount
		case models.TxTypeGrant:
			stats.TotalGranted += t.Amount
		case models.TxTypeRefund:
			stats.TotalRefunded += t.Amount
		}
	}
	return stats, nil
}

// LowBalanceUsers lists active-membership accounts at or below threshold.
func (s *Service) LowBalanceUsers(ctx context.Context, threshold int64) ([]*models.CreditAccount, error) {
	return s.accounts.ListLowBalance(ctx, threshold)
}

// RefillDue lists users whose last refill is older than one month.
func (s *Service) RefillDue(ctx context.Context) ([]uuid.UUID, error) {
	return s.accounts.ListRefillDue(ctx, s.now().AddDate(0, -1, 0))
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func derefInt64(p *int64) int64 {
	if p == nil {
		return 0
	}
	return *p
}
