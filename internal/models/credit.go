package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// CreditKind classifies a credit ledger entry.
type CreditKind string

const (
	CreditKindPurchase CreditKind = "purchase"
	CreditKindSpend    CreditKind = "spend"
	CreditKindRefund   CreditKind = "refund"
)

// CreditTransaction is an append-only ledger entry. Amount is signed and always
// equals the balance delta it recorded.
type CreditTransaction struct {
	ID             uuid.UUID  `json:"id" db:"id"`
	FreelancerID   uuid.UUID  `json:"freelancer_id" db:"freelancer_id"`
	Amount         int        `json:"amount" db:"amount"`
	Kind           CreditKind `json:"kind" db:"kind"`
	Description    string     `json:"description" db:"description"`
	Reference      string     `json:"reference" db:"reference"`
	IdempotencyKey *string    `json:"idempotency_key,omitempty" db:"idempotency_key"`
	BalanceAfter   int        `json:"balance_after" db:"balance_after"`
	CreatedAt      time.Time  `json:"created_at" db:"created_at"`
}

// CreditPackage is an entry of the fixed credit price list.
type CreditPackage struct {
	ID       string          `json:"id"`
	Credits  int             `json:"credits"`
	Price    decimal.Decimal `json:"price"`
	Currency string          `json:"currency"`
}

const (
	PurchaseIntentPending   = "pending"
	PurchaseIntentCompleted = "completed"
)

// PurchaseIntent records a freelancer's intention to buy a credit package
// before the payment processor confirms the checkout.
type PurchaseIntent struct {
	ID               uuid.UUID       `json:"id" db:"id"`
	FreelancerID     uuid.UUID       `json:"freelancer_id" db:"freelancer_id"`
	PackageID        string          `json:"package_id" db:"package_id"`
	Credits          int             `json:"credits" db:"credits"`
	Price            decimal.Decimal `json:"price" db:"price"`
	Currency         string          `json:"currency" db:"currency"`
	Status           string          `json:"status" db:"status"`
	PaymentReference *string         `json:"payment_reference,omitempty" db:"payment_reference"`
	CreatedAt        time.Time       `json:"created_at" db:"created_at"`
	CompletedAt      *time.Time      `json:"completed_at,omitempty" db:"completed_at"`
}
