package services

import (
	"context"
	"database/sql"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	apperrors "github.com/leadmarket/backend/internal/errors"
	"github.com/leadmarket/backend/internal/identity"
	"github.com/leadmarket/backend/internal/models"
	"github.com/shopspring/decimal"
)

// DefaultCreditPackages is the fixed price list.
func DefaultCreditPackages(currency string) []models.CreditPackage {
	return []models.CreditPackage{
		{ID: "starter", Credits: 5, Price: decimal.RequireFromString("25.00"), Currency: currency},
		{ID: "standard", Credits: 10, Price: decimal.RequireFromString("45.00"), Currency: currency},
		{ID: "pro", Credits: 25, Price: decimal.RequireFromString("99.00"), Currency: currency},
	}
}

// CreditCatalog offers credit packages and records purchase intents. The
// credits themselves are granted by the payment reconciler.
type CreditCatalog struct {
	db       *sql.DB
	identity *IdentityResolver
	packages []models.CreditPackage
}

func NewCreditCatalog(db *sql.DB, resolver *IdentityResolver, currency string) *CreditCatalog {
	if currency == "" {
		currency = "USD"
	}
	return &CreditCatalog{
		db:       db,
		identity: resolver,
		packages: DefaultCreditPackages(strings.ToUpper(currency)),
	}
}

// CheckoutIntent is handed to the payment processor. Metadata is echoed back
// on the checkout-completed event.
type CheckoutIntent struct {
	Intent   models.PurchaseIntent `json:"intent"`
	Metadata models.Metadata       `json:"metadata"`
}

func (c *CreditCatalog) Packages() []models.CreditPackage {
	out := make([]models.CreditPackage, len(c.packages))
	copy(out, c.packages)
	return out
}

func (c *CreditCatalog) Package(id string) (models.CreditPackage, bool) {
	for _, p := range c.packages {
		if p.ID == id {
			return p, true
		}
	}
	return models.CreditPackage{}, false
}

// CreatePurchaseIntent records a pending purchase of packageID by the caller.
func (c *CreditCatalog) CreatePurchaseIntent(ctx context.Context, caller identity.Caller, packageID string) (*CheckoutIntent, error) {
	pkg, ok := c.Package(packageID)
	if !ok {
		return nil, apperrors.NewValidationError("package_id", "unknown credit package")
	}

	principal, err := c.identity.Resolve(ctx, caller)
	if err != nil {
		return nil, err
	}
	if !principal.IsFreelancer() {
		return nil, apperrors.NewPreconditionError(apperrors.ErrNoFreelancerProfile, "user", principal.User.ID.String())
	}

	intent := models.PurchaseIntent{
		ID:           uuid.New(),
		FreelancerID: principal.Freelancer.ID,
		PackageID:    pkg.ID,
		Credits:      pkg.Credits,
		Price:        pkg.Price,
		Currency:     pkg.Currency,
		Status:       models.PurchaseIntentPending,
		CreatedAt:    time.Now().UTC(),
	}
	_, err = c.db.ExecContext(ctx, `
		INSERT INTO credit_purchase_intents (id, freelancer_id, package_id, credits, price, currency, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		intent.ID, intent.FreelancerID, intent.PackageID, intent.Credits, intent.Price.StringFixed(2),
		intent.Currency, intent.Status, intent.CreatedAt)
	if err != nil {
		return nil, apperrors.Wrap(err, "failed to record purchase intent")
	}

	log.Printf("[CREDITS] Purchase intent %s: %s (%d credits) for freelancer %s",
		intent.ID, pkg.ID, pkg.Credits, intent.FreelancerID)

	return &CheckoutIntent{
		Intent: intent,
		Metadata: models.Metadata{
			models.MetaKind:         models.PaymentKindCreditPackage,
			models.MetaIntentID:     intent.ID.String(),
			models.MetaPackageID:    pkg.ID,
			models.MetaFreelancerID: intent.FreelancerID.String(),
		},
	}, nil
}

// LockIntentTx loads and locks a purchase intent.
func (c *CreditCatalog) LockIntentTx(ctx context.Context, tx *sql.Tx, intentID uuid.UUID) (*models.PurchaseIntent, error) {
	var (
		intent models.PurchaseIntent
		ref    sql.NullString
		done   sql.NullTime
	)
	err := tx.QueryRowContext(ctx, `
		SELECT id, freelancer_id, package_id, credits, price, currency, status, payment_reference, created_at, completed_at
		FROM credit_purchase_intents
		WHERE id = $1
		FOR UPDATE`, intentID).Scan(
		&intent.ID, &intent.FreelancerID, &intent.PackageID, &intent.Credits, &intent.Price, &intent.Currency,
		&intent.Status, &ref, &intent.CreatedAt, &done)
	if err == sql.ErrNoRows {
		return nil, apperrors.NewNotFoundError("purchase_intent", intentID.String())
	}
	if err != nil {
		return nil, err
	}
	if ref.Valid {
		intent.PaymentReference = &ref.String
	}
	if done.Valid {
		intent.CompletedAt = &done.Time
	}
	return &intent, nil
}

// CompleteIntentTx marks a pending intent paid.
func (c *CreditCatalog) CompleteIntentTx(ctx context.Context, tx *sql.Tx, intentID uuid.UUID, paymentRef string) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE credit_purchase_intents
		SET status = $1, payment_reference = $2, completed_at = $3
		WHERE id = $4 AND status = $5`,
		models.PurchaseIntentCompleted, paymentRef, time.Now().UTC(), intentID, models.PurchaseIntentPending)
	return err
}
