package services

import (
	"bytes"
	"context"
	"errors"
	"log"
	"net/http"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/leadmarket/backend/internal/audit"
	"github.com/leadmarket/backend/internal/database"
	apperrors "github.com/leadmarket/backend/internal/errors"
	"github.com/leadmarket/backend/internal/models"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	paymentRefQuery = `FROM orders WHERE payment_reference = \$1`
	userEmailQuery  = `SELECT id, email, display_name, created_at FROM users WHERE email = \$1`
	intentLockQuery = `FROM credit_purchase_intents WHERE id = \$1 FOR UPDATE`
)

func orderCheckout(seller testUser, ref, buyerEmail string) models.PaymentEvent {
	return models.PaymentEvent{
		EventID:          "evt_1",
		PaymentReference: ref,
		Amount:           decimal.NewFromInt(300),
		Currency:         "USD",
		BuyerEmail:       buyerEmail,
		Metadata: models.Metadata{
			models.MetaKind:         models.PaymentKindServiceOrder,
			models.MetaFreelancerID: seller.id.String(),
			models.MetaTitle:        "Landing page",
			models.MetaDeliveryDays: float64(10),
			models.MetaMaxRevisions: float64(2),
		},
	}
}

func (f *fixture) expectBuyerLookup(u *testUser, email string) {
	rows := sqlmock.NewRows([]string{"id", "email", "display_name", "created_at"})
	if u != nil {
		rows.AddRow(u.id.String(), u.email, "", f.now)
	}
	f.mock.ExpectQuery(userEmailQuery).WithArgs(email).WillReturnRows(rows)
}

func (f *fixture) expectOrderInsert(clientID, sellerID uuid.UUID, ref string, unresolved bool) {
	f.expectUserExists(sellerID, true)
	f.mock.ExpectExec(`INSERT INTO orders`).
		WithArgs(sqlmock.AnyArg(), clientID, sellerID, "Landing page", "", "300.00", "36.00", "264.00", "USD",
			"pending", "held", 10, sqlmock.AnyArg(), 2, ref, unresolved, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	f.mock.ExpectExec(`INSERT INTO order_events`).
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), clientID, "", "pending", "order created", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
}

func TestReconcile_ServiceOrder(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	buyer := newClient("buyer@example.com")
	seller := newFreelancer("seller@example.com", 0)

	f.mock.ExpectBegin()
	f.mock.ExpectQuery(paymentRefQuery).WithArgs("pi_100").WillReturnRows(sqlmock.NewRows(orderRowColumns))
	f.expectBuyerLookup(&buyer, buyer.email)
	f.expectOrderInsert(buyer.id, seller.id, "pi_100", false)
	f.mock.ExpectExec(`^SAVEPOINT accounting$`).WillReturnResult(sqlmock.NewResult(0, 0))
	f.mock.ExpectExec(`INSERT INTO payment_transactions`).
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), "pi_100", "300.00", "USD", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	f.mock.ExpectExec(`^RELEASE SAVEPOINT accounting$`).WillReturnResult(sqlmock.NewResult(0, 0))
	f.mock.ExpectCommit()

	result, err := f.reconciler.HandleCheckoutCompleted(ctx, orderCheckout(seller, "pi_100", "Buyer@Example.com"))
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeOrderCreated, result.Outcome)
	require.NotNil(t, result.OrderID)

	f.dispatcher.Wait()
	f.notifier.AssertCalled(t, "Notify", "order_created", seller.id.String())
	f.notifier.AssertCalled(t, "Notify", "order_created", buyer.id.String())
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestReconcile_ReplayIsDuplicate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	buyer := newClient("buyer@example.com")
	seller := newFreelancer("seller@example.com", 0)
	existing := newTestOrder(buyer, seller, models.OrderPending)

	f.mock.ExpectBegin()
	f.mock.ExpectQuery(paymentRefQuery).WithArgs("pi_100").WillReturnRows(f.orderRows(existing))
	f.mock.ExpectRollback()

	result, err := f.reconciler.HandleCheckoutCompleted(ctx, orderCheckout(seller, "pi_100", buyer.email))
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeDuplicate, result.Outcome)
	require.NotNil(t, result.OrderID)
	assert.Equal(t, existing.id, *result.OrderID)

	f.dispatcher.Wait()
	f.notifier.AssertNotCalled(t, "Notify", "order_created", seller.id.String())
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestReconcile_ConcurrentReplayIsDuplicate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	buyer := newClient("buyer@example.com")
	seller := newFreelancer("seller@example.com", 0)

	f.mock.ExpectBegin()
	f.mock.ExpectQuery(paymentRefQuery).WithArgs("pi_100").WillReturnRows(sqlmock.NewRows(orderRowColumns))
	f.expectBuyerLookup(&buyer, buyer.email)
	f.expectUserExists(seller.id, true)
	f.mock.ExpectExec(`INSERT INTO orders`).
		WillReturnError(&pq.Error{Code: "23505", Constraint: database.ConstraintOrderPaymentRef})
	f.mock.ExpectRollback()

	result, err := f.reconciler.HandleCheckoutCompleted(ctx, orderCheckout(seller, "pi_100", buyer.email))
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeDuplicate, result.Outcome)
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestReconcile_UnresolvedBuyer(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	seller := newFreelancer("seller@example.com", 0)

	ev := orderCheckout(seller, "pi_200", "")
	ev.Metadata[models.MetaBuyerEmailKey] = "ghost@example.com"

	f.mock.ExpectBegin()
	f.mock.ExpectQuery(paymentRefQuery).WithArgs("pi_200").WillReturnRows(sqlmock.NewRows(orderRowColumns))
	f.expectBuyerLookup(nil, "ghost@example.com")
	f.expectOrderInsert(seller.id, seller.id, "pi_200", true)
	f.mock.ExpectExec(`^SAVEPOINT accounting$`).WillReturnResult(sqlmock.NewResult(0, 0))
	f.mock.ExpectExec(`INSERT INTO payment_transactions`).WillReturnResult(sqlmock.NewResult(1, 1))
	f.mock.ExpectExec(`^RELEASE SAVEPOINT accounting$`).WillReturnResult(sqlmock.NewResult(0, 0))
	f.mock.ExpectCommit()

	result, err := f.reconciler.HandleCheckoutCompleted(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeOrderCreated, result.Outcome)

	f.dispatcher.Wait()
	f.notifier.AssertNumberOfCalls(t, "Notify", 1)
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestReconcile_AccountingFailureFlagsGap(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	buyer := newClient("buyer@example.com")
	seller := newFreelancer("seller@example.com", 0)

	f.mock.ExpectBegin()
	f.mock.ExpectQuery(paymentRefQuery).WithArgs("pi_300").WillReturnRows(sqlmock.NewRows(orderRowColumns))
	f.expectBuyerLookup(&buyer, buyer.email)
	f.expectOrderInsert(buyer.id, seller.id, "pi_300", false)
	f.mock.ExpectExec(`^SAVEPOINT accounting$`).WillReturnResult(sqlmock.NewResult(0, 0))
	f.mock.ExpectExec(`INSERT INTO payment_transactions`).
		WillReturnError(&pq.Error{Code: "23505", Constraint: database.ConstraintAccountingPaymentRef})
	f.mock.ExpectExec(`^ROLLBACK TO SAVEPOINT accounting$`).WillReturnResult(sqlmock.NewResult(0, 0))
	f.mock.ExpectExec(`UPDATE orders SET reconciliation_gap = TRUE, updated_at = \$1 WHERE id = \$2`).
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectCommit()

	result, err := f.reconciler.HandleCheckoutCompleted(ctx, orderCheckout(seller, "pi_300", buyer.email))
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeGapFlagged, result.Outcome)
	require.NotNil(t, result.OrderID)

	f.dispatcher.Wait()
	f.notifier.AssertCalled(t, "Notify", "order_created", seller.id.String())
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestReconcile_OrderFailureRollsBack(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	buyer := newClient("buyer@example.com")
	seller := newFreelancer("seller@example.com", 0)

	f.mock.ExpectBegin()
	f.mock.ExpectQuery(paymentRefQuery).WithArgs("pi_400").WillReturnRows(sqlmock.NewRows(orderRowColumns))
	f.expectBuyerLookup(&buyer, buyer.email)
	f.expectUserExists(seller.id, true)
	f.mock.ExpectExec(`INSERT INTO orders`).WillReturnError(errors.New("connection reset"))
	f.mock.ExpectRollback()

	_, err := f.reconciler.HandleCheckoutCompleted(ctx, orderCheckout(seller, "pi_400", buyer.email))
	require.Error(t, err)

	f.dispatcher.Wait()
	f.notifier.AssertNotCalled(t, "Notify", "order_created", seller.id.String())
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestReconcile_UnknownSellerIsTerminal(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	buyer := newClient("buyer@example.com")
	seller := newFreelancer("gone@example.com", 0)

	f.mock.ExpectBegin()
	f.mock.ExpectQuery(paymentRefQuery).WithArgs("pi_410").WillReturnRows(sqlmock.NewRows(orderRowColumns))
	f.expectBuyerLookup(&buyer, buyer.email)
	f.expectUserExists(seller.id, false)
	f.mock.ExpectRollback()

	_, err := f.reconciler.HandleCheckoutCompleted(ctx, orderCheckout(seller, "pi_410", buyer.email))
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
	assert.Equal(t, http.StatusNotFound, apperrors.HTTPStatus(err))
	assert.False(t, apperrors.IsRetryable(err))

	f.dispatcher.Wait()
	f.notifier.AssertNotCalled(t, "Notify", "order_created", buyer.id.String())
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestReconcile_RejectsMalformedEvents(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	seller := newFreelancer("seller@example.com", 0)

	cases := map[string]func(*models.PaymentEvent){
		"missing reference": func(ev *models.PaymentEvent) { ev.PaymentReference = "" },
		"zero amount":       func(ev *models.PaymentEvent) { ev.Amount = decimal.Zero },
		"bad currency":      func(ev *models.PaymentEvent) { ev.Currency = "US" },
		"unknown kind":      func(ev *models.PaymentEvent) { ev.Metadata[models.MetaKind] = "gift_card" },
		"bad seller":        func(ev *models.PaymentEvent) { ev.Metadata[models.MetaFreelancerID] = "nobody" },
		"fractional days":   func(ev *models.PaymentEvent) { ev.Metadata[models.MetaDeliveryDays] = 2.9 },
		"text revisions":    func(ev *models.PaymentEvent) { ev.Metadata[models.MetaMaxRevisions] = "two" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			ev := orderCheckout(seller, "pi_500", "")
			mutate(&ev)

			_, err := f.reconciler.HandleCheckoutCompleted(ctx, ev)
			assert.ErrorIs(t, err, apperrors.ErrInvalidInput)
		})
	}
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

var intentColumns = []string{
	"id", "freelancer_id", "package_id", "credits", "price", "currency", "status", "payment_reference",
	"created_at", "completed_at",
}

func creditCheckout(ref string, meta models.Metadata) models.PaymentEvent {
	meta[models.MetaKind] = models.PaymentKindCreditPackage
	return models.PaymentEvent{
		PaymentReference: ref,
		Amount:           decimal.RequireFromString("45.00"),
		Currency:         "USD",
		Metadata:         meta,
	}
}

func TestReconcile_CreditPackageIntent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	alice := newFreelancer("alice@example.com", 2)
	intentID := uuid.New()
	reference := "intent:" + intentID.String()

	f.mock.ExpectBegin()
	f.mock.ExpectQuery(intentLockQuery).WithArgs(intentID).
		WillReturnRows(sqlmock.NewRows(intentColumns).
			AddRow(intentID.String(), alice.profileID.String(), "standard", 10, "45.00", "USD", "pending", nil, f.now, nil))
	f.mock.ExpectQuery(`SELECT credits, version FROM freelancer_profiles WHERE id = \$1 FOR UPDATE`).
		WithArgs(alice.profileID).
		WillReturnRows(sqlmock.NewRows([]string{"credits", "version"}).AddRow(alice.credits, alice.version))
	f.mock.ExpectQuery(`SELECT id FROM credit_transactions WHERE reference = \$1 AND idempotency_key = \$2`).
		WithArgs(reference, "pi_credit").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	f.mock.ExpectExec(`INSERT INTO credit_transactions`).
		WithArgs(sqlmock.AnyArg(), alice.profileID, 10, "purchase", sqlmock.AnyArg(), reference, "pi_credit", 12, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	f.mock.ExpectExec(`UPDATE freelancer_profiles SET credits = \$1`).
		WithArgs(12, sqlmock.AnyArg(), alice.profileID, alice.version).
		WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectExec(`UPDATE credit_purchase_intents`).
		WithArgs("completed", "pi_credit", sqlmock.AnyArg(), intentID, "pending").
		WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectCommit()

	result, err := f.reconciler.HandleCheckoutCompleted(ctx, creditCheckout("pi_credit", models.Metadata{
		models.MetaIntentID: intentID.String(),
	}))
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeCreditsGranted, result.Outcome)
	require.NotNil(t, result.Balance)
	assert.Equal(t, 12, *result.Balance)

	f.dispatcher.Wait()
	f.notifier.AssertCalled(t, "Notify", "credits_purchased", alice.profileID.String())
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestReconcile_CreditPackageReplay(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	alice := newFreelancer("alice@example.com", 12)
	intentID := uuid.New()

	f.mock.ExpectBegin()
	f.mock.ExpectQuery(intentLockQuery).WithArgs(intentID).
		WillReturnRows(sqlmock.NewRows(intentColumns).
			AddRow(intentID.String(), alice.profileID.String(), "standard", 10, "45.00", "USD", "completed", "pi_credit", f.now, f.now))
	f.mock.ExpectQuery(`SELECT credits, version FROM freelancer_profiles WHERE id = \$1 FOR UPDATE`).
		WithArgs(alice.profileID).
		WillReturnRows(sqlmock.NewRows([]string{"credits", "version"}).AddRow(alice.credits, alice.version))
	f.mock.ExpectQuery(`SELECT id FROM credit_transactions WHERE reference = \$1 AND idempotency_key = \$2`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(uuid.NewString()))
	f.mock.ExpectCommit()

	result, err := f.reconciler.HandleCheckoutCompleted(ctx, creditCheckout("pi_credit", models.Metadata{
		models.MetaIntentID: intentID.String(),
	}))
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeDuplicate, result.Outcome)
	assert.Equal(t, 12, *result.Balance)

	f.dispatcher.Wait()
	f.notifier.AssertNotCalled(t, "Notify", "credits_purchased", alice.profileID.String())
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestReconcile_CreditPackageWithoutIntent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	bob := newFreelancer("bob@example.com", 0)

	f.mock.ExpectBegin()
	f.mock.ExpectQuery(`SELECT credits, version FROM freelancer_profiles WHERE id = \$1 FOR UPDATE`).
		WithArgs(bob.profileID).
		WillReturnRows(sqlmock.NewRows([]string{"credits", "version"}).AddRow(bob.credits, bob.version))
	f.mock.ExpectQuery(`SELECT id FROM credit_transactions`).
		WithArgs("package:starter", "pi_direct").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	f.mock.ExpectExec(`INSERT INTO credit_transactions`).
		WillReturnError(&pq.Error{Code: "23505", Constraint: database.ConstraintCreditIdempotency})
	f.mock.ExpectRollback()

	result, err := f.reconciler.HandleCheckoutCompleted(ctx, creditCheckout("pi_direct", models.Metadata{
		models.MetaPackageID:    "starter",
		models.MetaFreelancerID: bob.profileID.String(),
	}))
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeDuplicate, result.Outcome)

	f.mock.ExpectBegin()
	f.mock.ExpectRollback()
	_, err = f.reconciler.HandleCheckoutCompleted(ctx, creditCheckout("pi_direct", models.Metadata{
		models.MetaPackageID:    "platinum",
		models.MetaFreelancerID: bob.profileID.String(),
	}))
	assert.ErrorIs(t, err, apperrors.ErrInvalidInput)
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestReconcile_CreditPackagePriceMismatchAlerts(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	var buf bytes.Buffer
	f.reconciler.audit = audit.NewLoggerTo(log.New(&buf, "", 0))
	bob := newFreelancer("bob@example.com", 0)

	f.mock.ExpectBegin()
	f.mock.ExpectQuery(`SELECT credits, version FROM freelancer_profiles WHERE id = \$1 FOR UPDATE`).
		WithArgs(bob.profileID).
		WillReturnRows(sqlmock.NewRows([]string{"credits", "version"}).AddRow(bob.credits, bob.version))
	f.mock.ExpectQuery(`SELECT id FROM credit_transactions`).
		WithArgs("package:starter", "pi_cheap").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	f.mock.ExpectExec(`INSERT INTO credit_transactions`).WillReturnResult(sqlmock.NewResult(1, 1))
	f.mock.ExpectExec(`UPDATE freelancer_profiles SET credits = \$1`).
		WithArgs(5, sqlmock.AnyArg(), bob.profileID, bob.version).
		WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectCommit()

	ev := creditCheckout("pi_cheap", models.Metadata{
		models.MetaPackageID:    "starter",
		models.MetaFreelancerID: bob.profileID.String(),
	})
	ev.Amount = decimal.RequireFromString("2.50")

	result, err := f.reconciler.HandleCheckoutCompleted(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeCreditsGranted, result.Outcome)

	out := buf.String()
	assert.Contains(t, out, `"event_type":"PAYMENT_MISMATCH"`)
	assert.Contains(t, out, `"expected":"25.00 USD"`)
	assert.Contains(t, out, `"paid":"2.50 USD"`)

	f.dispatcher.Wait()
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestReconcile_AccountUpdated(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	const update = `UPDATE freelancer_profiles SET payouts_enabled = \$1, updated_at = \$2 WHERE payout_account_id = \$3`

	f.mock.ExpectExec(update).WithArgs(true, sqlmock.AnyArg(), "acct_1").WillReturnResult(sqlmock.NewResult(0, 1))
	result, err := f.reconciler.HandleAccountUpdated(ctx, models.AccountEvent{EventID: "evt_a", PayoutAccountID: "acct_1", PayoutsEnabled: true})
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeAccountUpdated, result.Outcome)

	// replaying the same event is harmless
	f.mock.ExpectExec(update).WithArgs(true, sqlmock.AnyArg(), "acct_1").WillReturnResult(sqlmock.NewResult(0, 1))
	result, err = f.reconciler.HandleAccountUpdated(ctx, models.AccountEvent{EventID: "evt_a", PayoutAccountID: "acct_1", PayoutsEnabled: true})
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeAccountUpdated, result.Outcome)

	f.mock.ExpectExec(update).WithArgs(false, sqlmock.AnyArg(), "acct_missing").WillReturnResult(sqlmock.NewResult(0, 0))
	result, err = f.reconciler.HandleAccountUpdated(ctx, models.AccountEvent{PayoutAccountID: "acct_missing"})
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeAccountNotFound, result.Outcome)

	_, err = f.reconciler.HandleAccountUpdated(ctx, models.AccountEvent{})
	assert.ErrorIs(t, err, apperrors.ErrInvalidInput)
	assert.NoError(t, f.mock.ExpectationsWereMet())
}
