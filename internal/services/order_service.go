package services

import (
	"context"
	"database/sql"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/leadmarket/backend/internal/audit"
	"github.com/leadmarket/backend/internal/database"
	apperrors "github.com/leadmarket/backend/internal/errors"
	"github.com/leadmarket/backend/internal/identity"
	"github.com/leadmarket/backend/internal/models"
	"github.com/leadmarket/backend/internal/notify"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
)

const (
	defaultDeliveryDays = 7
	maxDeliveryDays     = 365
)

// OrderService owns the order state machine:
//
//	pending -> in_progress -> delivered -> completed
//	delivered -> revision_requested -> delivered
//	pending | in_progress -> cancelled
//
// Escrow moves held -> released on completion and held -> refunded on
// cancellation. Terminal orders never move.
type OrderService struct {
	db       *sql.DB
	identity *IdentityResolver
	audit    *audit.Logger
	notifier *notify.Dispatcher
	currency string
	now      func() time.Time
}

func NewOrderService(db *sql.DB, resolver *IdentityResolver, auditLogger *audit.Logger, notifier *notify.Dispatcher, currency string) *OrderService {
	if currency == "" {
		currency = "USD"
	}
	return &OrderService{
		db:       db,
		identity: resolver,
		audit:    auditLogger,
		notifier: notifier,
		currency: strings.ToUpper(currency),
		now:      time.Now,
	}
}

// NewOrder is the input to Create. ClientID and FreelancerID are user IDs.
type NewOrder struct {
	ClientID         uuid.UUID
	FreelancerID     uuid.UUID
	Title            string
	Requirements     string
	Amount           decimal.Decimal
	Currency         string
	DeliveryDays     int
	MaxRevisions     int
	PaymentReference string
	BuyerUnresolved  bool
}

// OrderRequest is what a client submits when ordering directly.
type OrderRequest struct {
	FreelancerID uuid.UUID       `json:"freelancer_id" validate:"required"`
	Title        string          `json:"title" validate:"required,max=200"`
	Requirements string          `json:"requirements" validate:"max=5000"`
	Amount       decimal.Decimal `json:"amount"`
	Currency     string          `json:"currency" validate:"omitempty,len=3"`
	DeliveryDays int             `json:"delivery_days" validate:"omitempty,gte=1,lte=365"`
	MaxRevisions int             `json:"max_revisions" validate:"gte=0,lte=20"`
}

type actorRole int

const (
	roleClient actorRole = iota
	roleFreelancer
	roleEither
)

type orderTransition struct {
	name   string
	actor  actorRole
	from   []models.OrderStatus
	to     models.OrderStatus
	notify string
}

var (
	transitionStart = orderTransition{
		name:   "start",
		actor:  roleFreelancer,
		from:   []models.OrderStatus{models.OrderPending},
		to:     models.OrderInProgress,
		notify: notify.KindOrderStarted,
	}
	transitionDeliver = orderTransition{
		name:   "deliver",
		actor:  roleFreelancer,
		from:   []models.OrderStatus{models.OrderInProgress, models.OrderRevisionRequested},
		to:     models.OrderDelivered,
		notify: notify.KindOrderDelivered,
	}
	transitionApprove = orderTransition{
		name:   "approve",
		actor:  roleClient,
		from:   []models.OrderStatus{models.OrderDelivered},
		to:     models.OrderCompleted,
		notify: notify.KindOrderCompleted,
	}
	transitionRevision = orderTransition{
		name:   "request_revision",
		actor:  roleClient,
		from:   []models.OrderStatus{models.OrderDelivered},
		to:     models.OrderRevisionRequested,
		notify: notify.KindRevisionRequested,
	}
	transitionCancel = orderTransition{
		name:   "cancel",
		actor:  roleEither,
		from:   []models.OrderStatus{models.OrderPending, models.OrderInProgress},
		to:     models.OrderCancelled,
		notify: notify.KindOrderCancelled,
	}
)

// Create inserts an order in its own transaction and schedules notifications.
func (s *OrderService) Create(ctx context.Context, req NewOrder) (*models.Order, error) {
	return s.createWith(ctx, func(*sql.Tx) (NewOrder, error) { return req, nil })
}

// PlaceOrder creates an order with the verified caller as client.
func (s *OrderService) PlaceOrder(ctx context.Context, caller identity.Caller, req OrderRequest) (*models.Order, error) {
	return s.createWith(ctx, func(tx *sql.Tx) (NewOrder, error) {
		principal, err := s.identity.ResolveTx(ctx, tx, caller)
		if err != nil {
			return NewOrder{}, err
		}
		if principal.User.ID == req.FreelancerID {
			return NewOrder{}, apperrors.NewValidationError("freelancer_id", "cannot order from yourself")
		}
		return NewOrder{
			ClientID:     principal.User.ID,
			FreelancerID: req.FreelancerID,
			Title:        req.Title,
			Requirements: req.Requirements,
			Amount:       req.Amount,
			Currency:     req.Currency,
			DeliveryDays: req.DeliveryDays,
			MaxRevisions: req.MaxRevisions,
		}, nil
	})
}

// createWith builds the order request inside the transaction that inserts it.
func (s *OrderService) createWith(ctx context.Context, build func(tx *sql.Tx) (NewOrder, error)) (*models.Order, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	req, err := build(tx)
	if err != nil {
		return nil, err
	}
	order, err := s.CreateTx(ctx, tx, req)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	s.AnnounceCreated(order)
	return order, nil
}

// CreateTx inserts an order inside the caller's transaction. The caller calls
// AnnounceCreated after committing.
func (s *OrderService) CreateTx(ctx context.Context, tx *sql.Tx, req NewOrder) (*models.Order, error) {
	if err := s.validateNewOrder(&req); err != nil {
		return nil, err
	}
	if err := s.identity.EnsureUser(ctx, tx, req.FreelancerID); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	fee, earnings := SplitFee(req.Amount)
	order := &models.Order{
		ID:                 uuid.New(),
		ClientID:           req.ClientID,
		FreelancerID:       req.FreelancerID,
		Title:              req.Title,
		Requirements:       req.Requirements,
		Amount:             req.Amount.Round(moneyDecimalPlaces),
		PlatformFee:        fee,
		FreelancerEarnings: earnings,
		Currency:           req.Currency,
		Status:             models.OrderPending,
		EscrowStatus:       models.EscrowHeld,
		DeliveryDays:       req.DeliveryDays,
		DeliveryDeadline:   now.AddDate(0, 0, req.DeliveryDays),
		MaxRevisions:       req.MaxRevisions,
		BuyerUnresolved:    req.BuyerUnresolved,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if req.PaymentReference != "" {
		ref := req.PaymentReference
		order.PaymentReference = &ref
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO orders (id, client_id, freelancer_id, title, requirements, amount, platform_fee, freelancer_earnings,
			currency, status, escrow_status, delivery_days, delivery_deadline, revisions_used, max_revisions,
			payment_reference, buyer_unresolved, reconciliation_gap, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, 0, $14, $15, $16, FALSE, $17, $18)`,
		order.ID, order.ClientID, order.FreelancerID, order.Title, order.Requirements,
		order.Amount.StringFixed(moneyDecimalPlaces), order.PlatformFee.StringFixed(moneyDecimalPlaces),
		order.FreelancerEarnings.StringFixed(moneyDecimalPlaces), order.Currency, order.Status, order.EscrowStatus,
		order.DeliveryDays, order.DeliveryDeadline, order.MaxRevisions, nullString(req.PaymentReference),
		order.BuyerUnresolved, order.CreatedAt, order.UpdatedAt)
	if err != nil {
		switch {
		case database.IsForeignKeyViolation(err, database.ConstraintOrderClient):
			return nil, apperrors.NewNotFoundError("user", order.ClientID.String())
		case database.IsForeignKeyViolation(err, database.ConstraintOrderFreelancer):
			return nil, apperrors.NewNotFoundError("user", order.FreelancerID.String())
		}
		return nil, err
	}

	if err := s.appendEvent(ctx, tx, order.ID, order.ClientID, "", models.OrderPending, "order created", now); err != nil {
		return nil, err
	}
	return order, nil
}

// AnnounceCreated audits and notifies both parties about a committed order.
func (s *OrderService) AnnounceCreated(order *models.Order) {
	log.Printf("[ORDERS] Order %s created: amount=%s %s fee=%s earnings=%s",
		order.ID, order.Amount.StringFixed(2), order.Currency, order.PlatformFee.StringFixed(2), order.FreelancerEarnings.StringFixed(2))
	s.audit.LogTransition(order.ID.String(), order.ClientID.String(), "", string(order.Status))

	payload := map[string]string{
		"title":    order.Title,
		"amount":   order.Amount.StringFixed(2),
		"currency": order.Currency,
		"deadline": order.DeliveryDeadline.Format(time.RFC3339),
	}
	recipients := []uuid.UUID{order.FreelancerID}
	if !order.BuyerUnresolved {
		recipients = append(recipients, order.ClientID)
	}
	for _, userID := range recipients {
		s.notifier.Dispatch(notify.Notification{
			Kind:      notify.KindOrderCreated,
			Reference: order.ID.String(),
			Recipient: userID.String(),
			Payload:   payload,
		})
	}
}

// Start moves a pending order to in_progress. Freelancer only.
func (s *OrderService) Start(ctx context.Context, caller identity.Caller, orderID uuid.UUID) (*models.Order, error) {
	return s.transition(ctx, caller, orderID, transitionStart, "", nil)
}

// Deliver marks work delivered. Freelancer only; also closes a revision loop.
func (s *OrderService) Deliver(ctx context.Context, caller identity.Caller, orderID uuid.UUID, note string) (*models.Order, error) {
	return s.transition(ctx, caller, orderID, transitionDeliver, note, func(o *models.Order, now time.Time) error {
		o.DeliveredAt = &now
		return nil
	})
}

// Approve completes a delivered order and releases escrow. Client only.
func (s *OrderService) Approve(ctx context.Context, caller identity.Caller, orderID uuid.UUID) (*models.Order, error) {
	return s.transition(ctx, caller, orderID, transitionApprove, "", func(o *models.Order, now time.Time) error {
		o.EscrowStatus = models.EscrowReleased
		o.CompletedAt = &now
		return nil
	})
}

// RequestRevision sends a delivered order back to the freelancer. Client only.
// A positive MaxRevisions caps how often this can happen.
func (s *OrderService) RequestRevision(ctx context.Context, caller identity.Caller, orderID uuid.UUID, message string) (*models.Order, error) {
	message = strings.TrimSpace(message)
	if message == "" {
		return nil, apperrors.NewValidationError("message", "is required")
	}
	return s.transition(ctx, caller, orderID, transitionRevision, message, func(o *models.Order, _ time.Time) error {
		if o.MaxRevisions > 0 && o.RevisionsUsed >= o.MaxRevisions {
			return apperrors.NewPreconditionError(apperrors.ErrRevisionLimit, "order", o.ID.String())
		}
		o.RevisionsUsed++
		return nil
	})
}

// Cancel stops a pending or in-progress order and refunds escrow.
func (s *OrderService) Cancel(ctx context.Context, caller identity.Caller, orderID uuid.UUID, reason string) (*models.Order, error) {
	return s.transition(ctx, caller, orderID, transitionCancel, strings.TrimSpace(reason), func(o *models.Order, now time.Time) error {
		o.EscrowStatus = models.EscrowRefunded
		o.CancelledAt = &now
		return nil
	})
}

// Get returns the order to one of its parties.
func (s *OrderService) Get(ctx context.Context, caller identity.Caller, orderID uuid.UUID) (*models.Order, error) {
	principal, err := s.identity.Resolve(ctx, caller)
	if err != nil {
		return nil, err
	}

	row := s.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, orderID)
	order, err := scanOrder(row)
	if err == sql.ErrNoRows {
		return nil, apperrors.NewNotFoundError("order", orderID.String())
	}
	if err != nil {
		return nil, err
	}

	if principal.User.ID != order.ClientID && principal.User.ID != order.FreelancerID {
		return nil, apperrors.NewPreconditionError(apperrors.ErrWrongActor, "order", orderID.String())
	}
	return order, nil
}

// FindByPaymentReferenceTx returns nil without error when no order carries ref.
func (s *OrderService) FindByPaymentReferenceTx(ctx context.Context, tx *sql.Tx, ref string) (*models.Order, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE payment_reference = $1`, ref)
	order, err := scanOrder(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return order, nil
}

// MarkReconciliationGapTx flags an order whose accounting record is missing.
func (s *OrderService) MarkReconciliationGapTx(ctx context.Context, tx *sql.Tx, orderID uuid.UUID) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE orders SET reconciliation_gap = TRUE, updated_at = $1 WHERE id = $2`,
		s.now().UTC(), orderID)
	return err
}

// transition re-resolves the caller, locks the order, checks the actor and
// source status, and applies the change with a status-guarded update.
func (s *OrderService) transition(ctx context.Context, caller identity.Caller, orderID uuid.UUID, t orderTransition, message string, mutate func(*models.Order, time.Time) error) (*models.Order, error) {
	principal, err := s.identity.Resolve(ctx, caller)
	if err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1 FOR UPDATE`, orderID)
	order, err := scanOrder(row)
	if err == sql.ErrNoRows {
		return nil, apperrors.NewNotFoundError("order", orderID.String())
	}
	if err != nil {
		return nil, err
	}

	if !actorAllowed(t.actor, principal.User.ID, order) {
		log.Printf("[ORDERS] %s on order %s rejected for user %s", t.name, orderID, principal.User.ID)
		return nil, apperrors.NewPreconditionError(apperrors.ErrWrongActor, "order", orderID.String())
	}
	if !statusIn(order.Status, t.from) {
		return nil, apperrors.NewPreconditionError(apperrors.ErrInvalidTransition, "order", orderID.String())
	}

	now := s.now().UTC()
	from := order.Status
	order.Status = t.to
	order.UpdatedAt = now
	if mutate != nil {
		if err := mutate(order, now); err != nil {
			return nil, err
		}
	}

	result, err := tx.ExecContext(ctx, `
		UPDATE orders
		SET status = $1, escrow_status = $2, revisions_used = $3, delivered_at = $4, completed_at = $5,
			cancelled_at = $6, updated_at = $7
		WHERE id = $8 AND status = ANY($9)`,
		order.Status, order.EscrowStatus, order.RevisionsUsed, order.DeliveredAt, order.CompletedAt,
		order.CancelledAt, order.UpdatedAt, orderID, pq.Array(statusStrings(t.from)))
	if err != nil {
		return nil, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return nil, err
	}
	if rows == 0 {
		return nil, apperrors.NewPreconditionError(apperrors.ErrInvalidTransition, "order", orderID.String())
	}

	if err := s.appendEvent(ctx, tx, orderID, principal.User.ID, from, order.Status, message, now); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	log.Printf("[ORDERS] Order %s %s -> %s by %s", orderID, from, order.Status, principal.User.ID)
	s.audit.LogTransition(orderID.String(), principal.User.ID.String(), string(from), string(order.Status))
	s.notifyCounterparty(order, principal.User.ID, t.notify, message)

	return order, nil
}

func (s *OrderService) notifyCounterparty(order *models.Order, actorID uuid.UUID, kind, message string) {
	recipientID := order.ClientID
	if actorID == order.ClientID {
		recipientID = order.FreelancerID
	}
	payload := map[string]string{
		"title":  order.Title,
		"status": string(order.Status),
	}
	if message != "" {
		payload["message"] = message
	}
	s.notifier.Dispatch(notify.Notification{
		Kind:      kind,
		Reference: order.ID.String(),
		Recipient: recipientID.String(),
		Payload:   payload,
	})
}

func (s *OrderService) appendEvent(ctx context.Context, tx *sql.Tx, orderID, actorID uuid.UUID, from, to models.OrderStatus, message string, at time.Time) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO order_events (id, order_id, actor_id, from_status, to_status, message, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		uuid.New(), orderID, actorID, from, to, message, at)
	return err
}

func (s *OrderService) validateNewOrder(req *NewOrder) error {
	if req.ClientID == uuid.Nil {
		return apperrors.NewValidationError("client_id", "is required")
	}
	if req.FreelancerID == uuid.Nil {
		return apperrors.NewValidationError("freelancer_id", "is required")
	}
	if !req.Amount.Round(moneyDecimalPlaces).IsPositive() {
		return apperrors.NewValidationError("amount", "must be greater than zero")
	}
	req.Currency = strings.ToUpper(strings.TrimSpace(req.Currency))
	if req.Currency == "" {
		req.Currency = s.currency
	}
	if len(req.Currency) != 3 {
		return apperrors.NewValidationError("currency", "must be a three letter code")
	}
	if req.DeliveryDays == 0 {
		req.DeliveryDays = defaultDeliveryDays
	}
	if req.DeliveryDays < 1 || req.DeliveryDays > maxDeliveryDays {
		return apperrors.NewValidationError("delivery_days", "must be between 1 and 365")
	}
	if req.MaxRevisions < 0 {
		return apperrors.NewValidationError("max_revisions", "cannot be negative")
	}
	req.Title = strings.TrimSpace(req.Title)
	return nil
}

// actorAllowed compares the resolved caller with the stored parties. An
// order with an unresolved buyer has no trustworthy client, so client-only
// steps are refused on it.
func actorAllowed(role actorRole, userID uuid.UUID, order *models.Order) bool {
	isClient := userID == order.ClientID && !order.BuyerUnresolved
	isFreelancer := userID == order.FreelancerID
	switch role {
	case roleClient:
		return isClient
	case roleFreelancer:
		return isFreelancer
	default:
		return isClient || isFreelancer
	}
}

func statusIn(status models.OrderStatus, allowed []models.OrderStatus) bool {
	for _, a := range allowed {
		if status == a {
			return true
		}
	}
	return false
}

func statusStrings(statuses []models.OrderStatus) []string {
	out := make([]string, len(statuses))
	for i, st := range statuses {
		out[i] = string(st)
	}
	return out
}

const orderColumns = `id, client_id, freelancer_id, title, requirements, amount, platform_fee, freelancer_earnings,
	currency, status, escrow_status, delivery_days, delivery_deadline, revisions_used, max_revisions,
	payment_reference, buyer_unresolved, reconciliation_gap, delivered_at, completed_at, cancelled_at,
	created_at, updated_at`

func scanOrder(row *sql.Row) (*models.Order, error) {
	var o models.Order
	err := row.Scan(
		&o.ID, &o.ClientID, &o.FreelancerID, &o.Title, &o.Requirements, &o.Amount, &o.PlatformFee,
		&o.FreelancerEarnings, &o.Currency, &o.Status, &o.EscrowStatus, &o.DeliveryDays, &o.DeliveryDeadline,
		&o.RevisionsUsed, &o.MaxRevisions, &o.PaymentReference, &o.BuyerUnresolved, &o.ReconciliationGap,
		&o.DeliveredAt, &o.CompletedAt, &o.CancelledAt, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &o, nil
}
