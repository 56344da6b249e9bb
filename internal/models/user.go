package models

import (
	"time"

	"github.com/google/uuid"
)

type User struct {
	ID          uuid.UUID `json:"id" db:"id"`
	Email       string    `json:"email" db:"email" example:"client@example.com"`
	DisplayName string    `json:"display_name" db:"display_name"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}

// FreelancerProfile carries the spendable credit balance. Credits is only
// mutated by the credit ledger.
type FreelancerProfile struct {
	ID              uuid.UUID `json:"id" db:"id"`
	UserID          uuid.UUID `json:"user_id" db:"user_id"`
	Credits         int       `json:"credits" db:"credits"`
	Version         int       `json:"version" db:"version"` // for optimistic locking
	PayoutAccountID *string   `json:"payout_account_id,omitempty" db:"payout_account_id"`
	PayoutsEnabled  bool      `json:"payouts_enabled" db:"payouts_enabled"`
	UpdatedAt       time.Time `json:"updated_at" db:"updated_at"`
}

// Principal is a verified caller resolved to internal records.
// Freelancer is nil when the user has no freelancer profile.
type Principal struct {
	User       User
	Freelancer *FreelancerProfile
}

// IsFreelancer reports whether the principal owns a freelancer profile.
func (p *Principal) IsFreelancer() bool {
	return p != nil && p.Freelancer != nil
}
