package services

import (
	"context"
	"database/sql"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/leadmarket/backend/internal/database"
	apperrors "github.com/leadmarket/backend/internal/errors"
	"github.com/leadmarket/backend/internal/identity"
	"github.com/leadmarket/backend/internal/models"
	"github.com/leadmarket/backend/internal/notify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// openTestDatabase connects to the Postgres named by MARKET_TEST_DATABASE_URL.
func openTestDatabase(t *testing.T) *sql.DB {
	t.Helper()
	dsn := os.Getenv("MARKET_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("MARKET_TEST_DATABASE_URL not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	db, err := database.Open(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, database.Migrate(ctx, db))
	return db
}

func seedUser(t *testing.T, db *sql.DB, freelancer bool) identity.Caller {
	t.Helper()
	email := uuid.NewString() + "@race.test"
	userID := uuid.New()
	_, err := db.Exec(`INSERT INTO users (id, email) VALUES ($1, $2)`, userID, email)
	require.NoError(t, err)
	if freelancer {
		_, err = db.Exec(`INSERT INTO freelancer_profiles (id, user_id) VALUES ($1, $2)`, uuid.New(), userID)
		require.NoError(t, err)
	}
	return identity.NewCaller(email)
}

func TestClaim_LastSlotRace(t *testing.T) {
	db := openTestDatabase(t)
	ctx := context.Background()

	resolver := NewIdentityResolver(db)
	ledger := NewCreditLedger(db, nil, nil)
	dispatcher := notify.NewDispatcher(notify.LogNotifier{}, time.Second)
	claims := NewLeadClaimService(db, ledger, resolver, nil, nil, dispatcher)

	client := seedUser(t, db, false)
	lead, err := claims.CreateLead(ctx, client, NewLead{Title: "Kitchen renovation", Budget: "$300", MaxSlots: 1})
	require.NoError(t, err)

	const racers = 8
	callers := make([]identity.Caller, racers)
	profiles := make([]uuid.UUID, racers)
	for i := range callers {
		callers[i] = seedUser(t, db, true)
		principal, err := resolver.Resolve(ctx, callers[i])
		require.NoError(t, err)
		profiles[i] = principal.Freelancer.ID

		_, err = ledger.Credit(ctx, CreditRequest{
			FreelancerID:   profiles[i],
			Amount:         10,
			Kind:           models.CreditKindPurchase,
			Reference:      "seed",
			IdempotencyKey: uuid.NewString(),
		})
		require.NoError(t, err)
	}

	var (
		wg      sync.WaitGroup
		start   = make(chan struct{})
		results = make([]error, racers)
	)
	for i := range callers {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, results[i] = claims.Claim(ctx, callers[i], lead.ID, models.ClaimShared)
		}(i)
	}
	close(start)
	wg.Wait()
	dispatcher.Wait()

	winners := 0
	for i, err := range results {
		balance, berr := ledger.GetBalance(ctx, profiles[i])
		require.NoError(t, berr)
		if err == nil {
			winners++
			assert.Equal(t, 10-ClaimCost(models.BudgetLow, models.ClaimShared), balance)
			continue
		}
		assert.ErrorIs(t, err, apperrors.ErrSlotsFull)
		assert.Equal(t, 10, balance, "a rejected claim must not spend credits")

		check, verr := ledger.Verify(ctx, profiles[i])
		require.NoError(t, verr)
		assert.True(t, check.Consistent)
	}
	assert.Equal(t, 1, winners)

	view, err := claims.GetStatus(ctx, lead.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, view.ClaimedSlots)
	assert.Equal(t, 0, view.RemainingSlots)
	assert.Equal(t, models.LeadStatusClosed, view.Status)
}
