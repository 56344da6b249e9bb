package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type OrderStatus string

const (
	OrderPending           OrderStatus = "pending"
	OrderInProgress        OrderStatus = "in_progress"
	OrderDelivered         OrderStatus = "delivered"
	OrderRevisionRequested OrderStatus = "revision_requested"
	OrderCompleted         OrderStatus = "completed"
	OrderCancelled         OrderStatus = "cancelled"
)

// IsTerminal reports whether no further transition is possible.
func (s OrderStatus) IsTerminal() bool {
	return s == OrderCompleted || s == OrderCancelled
}

type EscrowStatus string

const (
	EscrowHeld     EscrowStatus = "held"
	EscrowReleased EscrowStatus = "released"
	EscrowRefunded EscrowStatus = "refunded"
)

// Order is a purchased service. Amount always equals
// PlatformFee + FreelancerEarnings at two decimal places.
type Order struct {
	ID                 uuid.UUID       `json:"id" db:"id"`
	ClientID           uuid.UUID       `json:"client_id" db:"client_id"`
	FreelancerID       uuid.UUID       `json:"freelancer_id" db:"freelancer_id"`
	Title              string          `json:"title" db:"title"`
	Requirements       string          `json:"requirements" db:"requirements"`
	Amount             decimal.Decimal `json:"amount" db:"amount"`
	PlatformFee        decimal.Decimal `json:"platform_fee" db:"platform_fee"`
	FreelancerEarnings decimal.Decimal `json:"freelancer_earnings" db:"freelancer_earnings"`
	Currency           string          `json:"currency" db:"currency"`
	Status             OrderStatus     `json:"status" db:"status"`
	EscrowStatus       EscrowStatus    `json:"escrow_status" db:"escrow_status"`
	DeliveryDays       int             `json:"delivery_days" db:"delivery_days"`
	DeliveryDeadline   time.Time       `json:"delivery_deadline" db:"delivery_deadline"`
	RevisionsUsed      int             `json:"revisions_used" db:"revisions_used"`
	MaxRevisions       int             `json:"max_revisions" db:"max_revisions"`
	PaymentReference   *string         `json:"payment_reference,omitempty" db:"payment_reference"`
	BuyerUnresolved    bool            `json:"buyer_unresolved" db:"buyer_unresolved"`
	ReconciliationGap  bool            `json:"reconciliation_gap" db:"reconciliation_gap"`
	DeliveredAt        *time.Time      `json:"delivered_at,omitempty" db:"delivered_at"`
	CompletedAt        *time.Time      `json:"completed_at,omitempty" db:"completed_at"`
	CancelledAt        *time.Time      `json:"cancelled_at,omitempty" db:"cancelled_at"`
	CreatedAt          time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at" db:"updated_at"`
}

// OrderEvent is one row of an order's transition history.
type OrderEvent struct {
	ID         uuid.UUID   `json:"id" db:"id"`
	OrderID    uuid.UUID   `json:"order_id" db:"order_id"`
	ActorID    uuid.UUID   `json:"actor_id" db:"actor_id"`
	FromStatus OrderStatus `json:"from_status" db:"from_status"`
	ToStatus   OrderStatus `json:"to_status" db:"to_status"`
	Message    string      `json:"message" db:"message"`
	CreatedAt  time.Time   `json:"created_at" db:"created_at"`
}
