package services

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	apperrors "github.com/leadmarket/backend/internal/errors"
	"github.com/leadmarket/backend/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreditCatalog_Packages(t *testing.T) {
	f := newFixture(t)

	packages := f.catalog.Packages()
	require.Len(t, packages, 3)
	for _, p := range packages {
		assert.Equal(t, "USD", p.Currency)
		assert.True(t, p.Price.IsPositive())
	}

	pro, ok := f.catalog.Package("pro")
	require.True(t, ok)
	assert.Equal(t, 25, pro.Credits)
	assert.Equal(t, "99.00", pro.Price.StringFixed(2))

	_, ok = f.catalog.Package("platinum")
	assert.False(t, ok)

	// callers get a copy
	packages[0].Credits = 1000
	starter, _ := f.catalog.Package("starter")
	assert.Equal(t, 5, starter.Credits)
}

func TestCreditCatalog_CreatePurchaseIntent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	alice := newFreelancer("alice@example.com", 0)

	f.expectResolve(alice)
	f.mock.ExpectExec(`INSERT INTO credit_purchase_intents`).
		WithArgs(sqlmock.AnyArg(), alice.profileID, "standard", 10, "45.00", "USD", "pending", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	checkout, err := f.catalog.CreatePurchaseIntent(ctx, alice.caller(), "standard")
	require.NoError(t, err)

	assert.Equal(t, models.PurchaseIntentPending, checkout.Intent.Status)
	assert.Equal(t, alice.profileID, checkout.Intent.FreelancerID)
	assert.Equal(t, models.PaymentKindCreditPackage, checkout.Metadata.String(models.MetaKind))
	assert.Equal(t, checkout.Intent.ID.String(), checkout.Metadata.String(models.MetaIntentID))
	assert.Equal(t, "standard", checkout.Metadata.String(models.MetaPackageID))
	assert.Equal(t, alice.profileID.String(), checkout.Metadata.String(models.MetaFreelancerID))
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestCreditCatalog_CreatePurchaseIntent_Rejected(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	client := newClient("client@example.com")

	_, err := f.catalog.CreatePurchaseIntent(ctx, client.caller(), "platinum")
	assert.ErrorIs(t, err, apperrors.ErrInvalidInput)

	f.expectResolve(client)
	_, err = f.catalog.CreatePurchaseIntent(ctx, client.caller(), "starter")
	assert.ErrorIs(t, err, apperrors.ErrNoFreelancerProfile)

	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestCreditCatalog_LockIntentNotFound(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	id := uuid.New()

	f.mock.ExpectBegin()
	f.mock.ExpectQuery(intentLockQuery).WithArgs(id).WillReturnRows(sqlmock.NewRows(intentColumns))
	f.mock.ExpectRollback()

	tx, err := f.db.Begin()
	require.NoError(t, err)
	_, err = f.catalog.LockIntentTx(ctx, tx, id)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
	require.NoError(t, tx.Rollback())

	assert.NoError(t, f.mock.ExpectationsWereMet())
}
