package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Checkout metadata kinds echoed back by the payment processor.
const (
	PaymentKindServiceOrder  = "service_order"
	PaymentKindCreditPackage = "credit_package"
)

// Metadata keys understood by the reconciler.
const (
	MetaKind          = "kind"
	MetaFreelancerID  = "freelancer_id"
	MetaTitle         = "title"
	MetaRequirements  = "requirements"
	MetaDeliveryDays  = "delivery_days"
	MetaMaxRevisions  = "max_revisions"
	MetaIntentID      = "intent_id"
	MetaPackageID     = "package_id"
	MetaBuyerEmailKey = "buyer_email"
)

// PaymentEvent is an already-verified checkout-completed event.
type PaymentEvent struct {
	EventID          string          `json:"event_id"`
	PaymentReference string          `json:"payment_reference" validate:"required"`
	Amount           decimal.Decimal `json:"amount"`
	Currency         string          `json:"currency" validate:"required,len=3"`
	BuyerEmail       string          `json:"buyer_email"`
	Metadata         Metadata        `json:"metadata"`
}

// AccountEvent is an already-verified payout-account status change.
type AccountEvent struct {
	EventID         string `json:"event_id"`
	PayoutAccountID string `json:"payout_account_id" validate:"required"`
	PayoutsEnabled  bool   `json:"payouts_enabled"`
}

// PaymentTransaction is the accounting record linking an order to the
// external payment that funded it.
type PaymentTransaction struct {
	ID               uuid.UUID       `json:"id" db:"id"`
	OrderID          uuid.UUID       `json:"order_id" db:"order_id"`
	PaymentReference string          `json:"payment_reference" db:"payment_reference"`
	Amount           decimal.Decimal `json:"amount" db:"amount"`
	Currency         string          `json:"currency" db:"currency"`
	CreatedAt        time.Time       `json:"created_at" db:"created_at"`
}

// ReconcileOutcome tells the caller what a payment event did.
type ReconcileOutcome string

const (
	OutcomeOrderCreated    ReconcileOutcome = "order_created"
	OutcomeCreditsGranted  ReconcileOutcome = "credits_granted"
	OutcomeDuplicate       ReconcileOutcome = "duplicate"
	OutcomeGapFlagged      ReconcileOutcome = "reconciliation_gap"
	OutcomeAccountUpdated  ReconcileOutcome = "account_updated"
	OutcomeAccountNotFound ReconcileOutcome = "account_unknown"
)
