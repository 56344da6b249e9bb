package services

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/leadmarket/backend/internal/audit"
	"github.com/leadmarket/backend/internal/database"
	apperrors "github.com/leadmarket/backend/internal/errors"
	"github.com/leadmarket/backend/internal/models"
	"github.com/leadmarket/backend/internal/notify"
)

// PaymentReconciler turns verified payment-processor events into orders and
// credit grants. Events arrive at least once and in any order, so every path
// is idempotent on the payment reference.
type PaymentReconciler struct {
	db        *sql.DB
	orders    *OrderService
	ledger    *CreditLedger
	catalog   *CreditCatalog
	identity  *IdentityResolver
	audit     *audit.Logger
	notifier  *notify.Dispatcher
	validator *ValidationHelper
}

func NewPaymentReconciler(db *sql.DB, orders *OrderService, ledger *CreditLedger, catalog *CreditCatalog, resolver *IdentityResolver, auditLogger *audit.Logger, notifier *notify.Dispatcher) *PaymentReconciler {
	return &PaymentReconciler{
		db:        db,
		orders:    orders,
		ledger:    ledger,
		catalog:   catalog,
		identity:  resolver,
		audit:     auditLogger,
		notifier:  notifier,
		validator: NewValidationHelper(),
	}
}

// ReconcileResult reports what an event did.
type ReconcileResult struct {
	Outcome models.ReconcileOutcome `json:"outcome"`
	OrderID *uuid.UUID              `json:"order_id,omitempty"`
	Balance *int                    `json:"balance,omitempty"`
}

// HandleCheckoutCompleted dispatches on the metadata kind the checkout was
// created with.
func (r *PaymentReconciler) HandleCheckoutCompleted(ctx context.Context, ev models.PaymentEvent) (*ReconcileResult, error) {
	if err := r.validator.Validate(&ev); err != nil {
		return nil, err
	}
	if !ev.Amount.IsPositive() {
		return nil, apperrors.NewValidationError("amount", "must be greater than zero")
	}

	switch kind := ev.Metadata.String(models.MetaKind); kind {
	case models.PaymentKindServiceOrder:
		return r.reconcileOrder(ctx, ev)
	case models.PaymentKindCreditPackage:
		return r.reconcileCredits(ctx, ev)
	default:
		return nil, apperrors.NewValidationError("metadata.kind", fmt.Sprintf("unsupported checkout kind %q", kind))
	}
}

// reconcileOrder creates the order and its accounting record in one
// transaction. A failed accounting insert is rolled back to a savepoint and
// the order is kept with its reconciliation gap flagged.
func (r *PaymentReconciler) reconcileOrder(ctx context.Context, ev models.PaymentEvent) (*ReconcileResult, error) {
	sellerID, err := uuid.Parse(ev.Metadata.String(models.MetaFreelancerID))
	if err != nil {
		return nil, apperrors.NewValidationError("metadata.freelancer_id", "must be a user id")
	}
	deliveryDays, err := metadataInt(ev.Metadata, models.MetaDeliveryDays)
	if err != nil {
		return nil, err
	}
	maxRevisions, err := metadataInt(ev.Metadata, models.MetaMaxRevisions)
	if err != nil {
		return nil, err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	existing, err := r.orders.FindByPaymentReferenceTx(ctx, tx, ev.PaymentReference)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		log.Printf("[RECONCILER] Payment %s already reconciled as order %s", ev.PaymentReference, existing.ID)
		r.audit.LogPayment(ev.PaymentReference, existing.ID.String(), ev.Amount.StringFixed(2), string(models.OutcomeDuplicate))
		return &ReconcileResult{Outcome: models.OutcomeDuplicate, OrderID: &existing.ID}, nil
	}

	buyerEmail := ev.BuyerEmail
	if buyerEmail == "" {
		buyerEmail = ev.Metadata.String(models.MetaBuyerEmailKey)
	}
	buyer, err := r.identity.LookupUserByEmail(ctx, tx, buyerEmail)
	if err != nil {
		return nil, err
	}
	clientID, unresolved := sellerID, true
	if buyer != nil {
		clientID, unresolved = buyer.ID, false
	}

	order, err := r.orders.CreateTx(ctx, tx, NewOrder{
		ClientID:         clientID,
		FreelancerID:     sellerID,
		Title:            ev.Metadata.String(models.MetaTitle),
		Requirements:     ev.Metadata.String(models.MetaRequirements),
		Amount:           ev.Amount,
		Currency:         ev.Currency,
		DeliveryDays:     deliveryDays,
		MaxRevisions:     maxRevisions,
		PaymentReference: ev.PaymentReference,
		BuyerUnresolved:  unresolved,
	})
	if err != nil {
		if database.IsUniqueViolation(err, database.ConstraintOrderPaymentRef) {
			log.Printf("[RECONCILER] Payment %s reconciled concurrently", ev.PaymentReference)
			return &ReconcileResult{Outcome: models.OutcomeDuplicate}, nil
		}
		r.audit.LogError(ev.PaymentReference, sellerID.String(), err)
		return nil, err
	}

	gapErr, err := r.recordAccounting(ctx, tx, order, ev)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	outcome := models.OutcomeOrderCreated
	if unresolved {
		log.Printf("[RECONCILER] Buyer %q for payment %s not found, attributed to seller %s", buyerEmail, ev.PaymentReference, sellerID)
		r.audit.WarnBuyerUnresolved(ev.PaymentReference, buyerEmail, sellerID.String())
	}
	if gapErr != nil {
		outcome = models.OutcomeGapFlagged
		log.Printf("[RECONCILER] Reconciliation gap on order %s: %v", order.ID, gapErr)
		r.audit.AlertReconciliationGap(ev.PaymentReference, order.ID.String(), gapErr)
	}
	r.audit.LogPayment(ev.PaymentReference, order.ID.String(), order.Amount.StringFixed(2), string(outcome))
	r.orders.AnnounceCreated(order)

	return &ReconcileResult{Outcome: outcome, OrderID: &order.ID}, nil
}

// recordAccounting writes the accounting record behind a savepoint. The first
// return value is the accounting failure that was converted into a gap flag;
// the second is a failure that must abort the whole transaction.
func (r *PaymentReconciler) recordAccounting(ctx context.Context, tx *sql.Tx, order *models.Order, ev models.PaymentEvent) (error, error) {
	if _, err := tx.ExecContext(ctx, `SAVEPOINT accounting`); err != nil {
		return nil, err
	}

	_, insertErr := tx.ExecContext(ctx, `
		INSERT INTO payment_transactions (id, order_id, payment_reference, amount, currency, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		uuid.New(), order.ID, ev.PaymentReference, order.Amount.StringFixed(2), order.Currency, time.Now().UTC())
	if insertErr == nil {
		if _, err := tx.ExecContext(ctx, `RELEASE SAVEPOINT accounting`); err != nil {
			return nil, err
		}
		return nil, nil
	}

	if _, err := tx.ExecContext(ctx, `ROLLBACK TO SAVEPOINT accounting`); err != nil {
		return nil, err
	}
	if err := r.orders.MarkReconciliationGapTx(ctx, tx, order.ID); err != nil {
		return nil, err
	}
	order.ReconciliationGap = true
	return insertErr, nil
}

// reconcileCredits grants a purchased credit package. The ledger's
// (reference, idempotency key) uniqueness makes redelivery a no-op.
func (r *PaymentReconciler) reconcileCredits(ctx context.Context, ev models.PaymentEvent) (*ReconcileResult, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var (
		intent       *models.PurchaseIntent
		freelancerID uuid.UUID
		packageID    string
		credits      int
		reference    string
	)
	if raw := ev.Metadata.String(models.MetaIntentID); raw != "" {
		intentID, err := uuid.Parse(raw)
		if err != nil {
			return nil, apperrors.NewValidationError("metadata.intent_id", "must be a uuid")
		}
		intent, err = r.catalog.LockIntentTx(ctx, tx, intentID)
		if err != nil {
			return nil, err
		}
		freelancerID, packageID, credits = intent.FreelancerID, intent.PackageID, intent.Credits
		reference = "intent:" + intent.ID.String()
	} else {
		pkg, ok := r.catalog.Package(ev.Metadata.String(models.MetaPackageID))
		if !ok {
			return nil, apperrors.NewValidationError("metadata.package_id", "unknown credit package")
		}
		freelancerID, err = uuid.Parse(ev.Metadata.String(models.MetaFreelancerID))
		if err != nil {
			return nil, apperrors.NewValidationError("metadata.freelancer_id", "must be a freelancer profile id")
		}
		packageID, credits = pkg.ID, pkg.Credits
		reference = "package:" + pkg.ID
	}

	if pkg, ok := r.catalog.Package(packageID); ok && (!pkg.Price.Equal(ev.Amount) || !strings.EqualFold(pkg.Currency, ev.Currency)) {
		expected := pkg.Price.StringFixed(2) + " " + pkg.Currency
		paid := ev.Amount.StringFixed(2) + " " + strings.ToUpper(ev.Currency)
		log.Printf("[RECONCILER] Payment %s paid %s for %s package priced %s", ev.PaymentReference, paid, pkg.ID, expected)
		r.audit.AlertPaymentMismatch(ev.PaymentReference, freelancerID.String(), pkg.ID, expected, paid)
	}

	result, err := r.ledger.CreditTx(ctx, tx, CreditRequest{
		FreelancerID:   freelancerID,
		Amount:         credits,
		Kind:           models.CreditKindPurchase,
		Reference:      reference,
		IdempotencyKey: ev.PaymentReference,
		Description:    fmt.Sprintf("Purchased %s package (%d credits)", packageID, credits),
	})
	if err != nil {
		if database.IsUniqueViolation(err, database.ConstraintCreditIdempotency) {
			return &ReconcileResult{Outcome: models.OutcomeDuplicate}, nil
		}
		return nil, err
	}

	if intent != nil && intent.Status == models.PurchaseIntentPending {
		if err := r.catalog.CompleteIntentTx(ctx, tx, intent.ID, ev.PaymentReference); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	balance := result.Balance
	if result.Duplicate {
		log.Printf("[RECONCILER] Payment %s already credited", ev.PaymentReference)
		r.audit.LogPayment(ev.PaymentReference, freelancerID.String(), ev.Amount.StringFixed(2), string(models.OutcomeDuplicate))
		return &ReconcileResult{Outcome: models.OutcomeDuplicate, Balance: &balance}, nil
	}

	r.ledger.AfterCommit(ctx, result.Entry)
	r.audit.LogPayment(ev.PaymentReference, freelancerID.String(), ev.Amount.StringFixed(2), string(models.OutcomeCreditsGranted))
	r.notifier.Dispatch(notify.Notification{
		Kind:      notify.KindCreditsPurchased,
		Reference: ev.PaymentReference,
		Recipient: freelancerID.String(),
		Payload: map[string]string{
			"package_id": packageID,
			"credits":    fmt.Sprint(credits),
			"balance":    fmt.Sprint(balance),
		},
	})
	return &ReconcileResult{Outcome: models.OutcomeCreditsGranted, Balance: &balance}, nil
}

// HandleAccountUpdated sets the payout eligibility flag of the freelancer
// owning the payout account. Repeating the event changes nothing.
func (r *PaymentReconciler) HandleAccountUpdated(ctx context.Context, ev models.AccountEvent) (*ReconcileResult, error) {
	if err := r.validator.Validate(&ev); err != nil {
		return nil, err
	}

	result, err := r.db.ExecContext(ctx, `
		UPDATE freelancer_profiles
		SET payouts_enabled = $1, updated_at = $2
		WHERE payout_account_id = $3`,
		ev.PayoutsEnabled, time.Now().UTC(), ev.PayoutAccountID)
	if err != nil {
		return nil, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return nil, err
	}
	if rows == 0 {
		log.Printf("[RECONCILER] Account event for unknown payout account %s", ev.PayoutAccountID)
		return &ReconcileResult{Outcome: models.OutcomeAccountNotFound}, nil
	}

	log.Printf("[RECONCILER] Payout account %s payouts_enabled=%v", ev.PayoutAccountID, ev.PayoutsEnabled)
	r.audit.LogPayment(ev.EventID, ev.PayoutAccountID, "", string(models.OutcomeAccountUpdated))
	return &ReconcileResult{Outcome: models.OutcomeAccountUpdated}, nil
}

// metadataInt reads an optional integer field; a present but non-integral
// value is rejected.
func metadataInt(m models.Metadata, key string) (int, error) {
	if _, present := m[key]; !present {
		return 0, nil
	}
	n, ok := m.Int(key)
	if !ok {
		return 0, apperrors.NewValidationError("metadata."+key, "must be a whole number")
	}
	return n, nil
}
