package services

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/leadmarket/backend/internal/identity"
	"github.com/leadmarket/backend/internal/notify"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockNotifier struct {
	mock.Mock
}

func (m *MockNotifier) Notify(_ context.Context, n notify.Notification) error {
	args := m.Called(n.Kind, n.Recipient)
	return args.Error(0)
}

// fixture wires every service against one sqlmock database.
type fixture struct {
	db         *sql.DB
	mock       sqlmock.Sqlmock
	notifier   *MockNotifier
	dispatcher *notify.Dispatcher
	resolver   *IdentityResolver
	ledger     *CreditLedger
	claims     *LeadClaimService
	orders     *OrderService
	catalog    *CreditCatalog
	reconciler *PaymentReconciler
	now        time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, sqlMock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	notifier := &MockNotifier{}
	notifier.On("Notify", mock.Anything, mock.Anything).Return(nil).Maybe()
	dispatcher := notify.NewDispatcher(notifier, time.Second)

	f := &fixture{
		db:         db,
		mock:       sqlMock,
		notifier:   notifier,
		dispatcher: dispatcher,
		now:        time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC),
	}
	f.resolver = NewIdentityResolver(db)
	f.ledger = NewCreditLedger(db, nil, nil)
	f.claims = NewLeadClaimService(db, f.ledger, f.resolver, nil, nil, dispatcher)
	f.orders = NewOrderService(db, f.resolver, nil, dispatcher, "USD")
	f.orders.now = func() time.Time { return f.now }
	f.catalog = NewCreditCatalog(db, f.resolver, "USD")
	f.reconciler = NewPaymentReconciler(db, f.orders, f.ledger, f.catalog, f.resolver, nil, dispatcher)
	return f
}

// testUser is a user row plus an optional freelancer profile.
type testUser struct {
	id        uuid.UUID
	email     string
	profileID uuid.UUID
	credits   int
	version   int
}

func newClient(email string) testUser {
	return testUser{id: uuid.New(), email: email}
}

func newFreelancer(email string, credits int) testUser {
	return testUser{id: uuid.New(), email: email, profileID: uuid.New(), credits: credits, version: 1}
}

func (u testUser) caller() identity.Caller {
	return identity.NewCaller(u.email)
}

var principalColumns = []string{
	"id", "email", "display_name", "created_at",
	"f_id", "credits", "version", "payout_account_id", "payouts_enabled", "updated_at",
}

const resolveQuery = `FROM users u LEFT JOIN freelancer_profiles f ON f.user_id = u.id WHERE u.email = \$1`

func (f *fixture) expectResolve(u testUser) {
	rows := sqlmock.NewRows(principalColumns)
	if u.profileID == uuid.Nil {
		rows.AddRow(u.id.String(), u.email, "", f.now, nil, nil, nil, nil, nil, nil)
	} else {
		rows.AddRow(u.id.String(), u.email, "", f.now, u.profileID.String(), u.credits, u.version, nil, false, f.now)
	}
	f.mock.ExpectQuery(resolveQuery).WithArgs(u.email).WillReturnRows(rows)
}

func (f *fixture) expectUnknownUser(email string) {
	f.mock.ExpectQuery(resolveQuery).WithArgs(email).WillReturnRows(sqlmock.NewRows(principalColumns))
}

// expectDebit mirrors CreditLedger.DebitTx for a successful spend.
func (f *fixture) expectDebit(u testUser, amount int, reference string) {
	f.mock.ExpectQuery(`SELECT credits, version FROM freelancer_profiles WHERE id = \$1 FOR UPDATE`).
		WithArgs(u.profileID).
		WillReturnRows(sqlmock.NewRows([]string{"credits", "version"}).AddRow(u.credits, u.version))
	f.mock.ExpectExec(`INSERT INTO credit_transactions`).
		WithArgs(sqlmock.AnyArg(), u.profileID, -amount, "spend", sqlmock.AnyArg(), reference, nil, u.credits-amount, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	f.mock.ExpectExec(`UPDATE freelancer_profiles SET credits = \$1, version = version \+ 1, updated_at = \$2 WHERE id = \$3 AND version = \$4`).
		WithArgs(u.credits-amount, sqlmock.AnyArg(), u.profileID, u.version).
		WillReturnResult(sqlmock.NewResult(0, 1))
}
