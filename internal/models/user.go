package models

import (
	"time"

	"github.com/google/uuid"
)

// Membership statuses.
const (
	MembershipActive    = "active"
	MembershipCancelled = "cancelled"
)

type User struct {
	ID               uuid.UUID `json:"id"`
	Email            string    `json:"email"`
	DiscordID        *string   `json:"discord_id,omitempty"`
	MembershipStatus string    `json:"membership_status"`
	CreatedAt        time.Time `json:"created_at"`
}

// RedemptionCode is a one-shot membership signup code minted by the admin
// CLI. Redeeming it creates the credit grant and marks the code used.
type RedemptionCode struct {
	Code         string     `json:"code"`
	GrantCredits int64      `json:"grant_credits"`
	UsedBy       *uuid.UUID `json:"used_by,omitempty"`
	UsedAt       *time.Time `json:"used_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

// APIKey authenticates the bot front end. Only the SHA-256 hash of the raw
// key is stored.
type APIKey struct {
	ID        uuid.UUID `json:"id"`
	UserID    uuid.UUID `json:"user_id"`
	KeyHash   string    `json:"-"`
	Label     string    `json:"label"`
	CreatedAt time.Time `json:"created_at"`
}
