package models

import (
	"time"

	"github.com/google/uuid"
)

// Credit transaction types recorded in the append-only credit_transactions log.
const (
	TxTypeReserve = "reserve"
	TxTypeConsume = "consume"
	TxTypeRefund  = "refund"
	TxTypeRelease = "release"
	TxTypeGrant   = "grant"
)

// Reservation statuses. A reservation is active until exactly one of the
// terminal transitions (consumed, released) takes effect.
const (
	ReservationActive   = "active"
	ReservationConsumed = "consumed"
	ReservationReleased = "released"
)

// CreditAccount is a user's spendable balance. Mutated only through the
// ledger's reserve/settle/release/grant operations, never written directly.
type CreditAccount struct {
	UserID           uuid.UUID  `json:"user_id"`
	TotalCredits     int64      `json:"total_credits"`
	AvailableCredits int64      `json:"available_credits"`
	ReservedCredits  int64      `json:"reserved_credits"`
	LastRefill       *time.Time `json:"last_refill,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// CreditReservation is a hold against a user's available balance, placed
// before generation work starts and resolved by settle or release.
// ConsumedAmount and RefundedAmount are recorded on settle so a retried
// settle can return the prior result without re-mutating balances.
type CreditReservation struct {
	ID             uuid.UUID  `json:"id"`
	UserID         uuid.UUID  `json:"user_id"`
	JobID          *string    `json:"job_id,omitempty"`
	ReservedAmount int64      `json:"reserved_amount"`
	Status         string     `json:"status"`
	ConsumedAmount *int64     `json:"consumed_amount,omitempty"`
	RefundedAmount *int64     `json:"refunded_amount,omitempty"`
	ExpiresAt      time.Time  `json:"expires_at"`
	SettledAt      *time.Time `json:"settled_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// Expired reports whether the reservation's TTL has passed at the given instant.
func (r *CreditReservation) Expired(now time.Time) bool {
	return now.After(r.ExpiresAt)
}

// CreditTransaction is one row of the append-only audit log. Never mutated
// after insert; usage statistics are derived from it.
type CreditTransaction struct {
	ID          uuid.UUID `json:"id"`
	UserID      uuid.UUID `json:"user_id"`
	Type        string    `json:"type"`
	Amount      int64     `json:"amount"`
	Model       *string   `json:"model,omitempty"`
	JobID       *string   `json:"job_id,omitempty"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"created_at"`
}
