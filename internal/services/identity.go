package services

import (
	"context"
	"database/sql"
	"strings"

	"github.com/google/uuid"
	apperrors "github.com/leadmarket/backend/internal/errors"
	"github.com/leadmarket/backend/internal/identity"
	"github.com/leadmarket/backend/internal/models"
)

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// IdentityResolver maps a verified caller to internal user and freelancer
// records. Client-asserted identifiers are never consulted.
type IdentityResolver struct {
	db *sql.DB
}

func NewIdentityResolver(db *sql.DB) *IdentityResolver {
	return &IdentityResolver{db: db}
}

// Resolve loads the principal for caller.
func (r *IdentityResolver) Resolve(ctx context.Context, caller identity.Caller) (*models.Principal, error) {
	return r.resolve(ctx, r.db, caller)
}

// ResolveTx is Resolve inside the caller's transaction.
func (r *IdentityResolver) ResolveTx(ctx context.Context, tx *sql.Tx, caller identity.Caller) (*models.Principal, error) {
	return r.resolve(ctx, tx, caller)
}

func (r *IdentityResolver) resolve(ctx context.Context, q queryer, caller identity.Caller) (*models.Principal, error) {
	if caller.IsZero() {
		return nil, apperrors.ErrUnauthenticated
	}

	var (
		p          models.Principal
		profileID  uuid.NullUUID
		credits    sql.NullInt64
		version    sql.NullInt64
		payoutAcct sql.NullString
		payoutsOn  sql.NullBool
		updatedAt  sql.NullTime
	)
	err := q.QueryRowContext(ctx, `
		SELECT u.id, u.email, u.display_name, u.created_at,
		       f.id, f.credits, f.version, f.payout_account_id, f.payouts_enabled, f.updated_at
		FROM users u
		LEFT JOIN freelancer_profiles f ON f.user_id = u.id
		WHERE u.email = $1`, strings.ToLower(caller.Email)).Scan(
		&p.User.ID, &p.User.Email, &p.User.DisplayName, &p.User.CreatedAt,
		&profileID, &credits, &version, &payoutAcct, &payoutsOn, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, apperrors.NewNotFoundError("user", caller.Email)
	}
	if err != nil {
		return nil, apperrors.Wrap(err, "failed to resolve caller")
	}

	if profileID.Valid {
		p.Freelancer = &models.FreelancerProfile{
			ID:             profileID.UUID,
			UserID:         p.User.ID,
			Credits:        int(credits.Int64),
			Version:        int(version.Int64),
			PayoutsEnabled: payoutsOn.Bool,
			UpdatedAt:      updatedAt.Time,
		}
		if payoutAcct.Valid {
			acct := payoutAcct.String
			p.Freelancer.PayoutAccountID = &acct
		}
	}
	return &p, nil
}

// EnsureUser returns a NotFoundError unless a user with id exists.
func (r *IdentityResolver) EnsureUser(ctx context.Context, q queryer, id uuid.UUID) error {
	var exists bool
	if err := q.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM users WHERE id = $1)`, id).Scan(&exists); err != nil {
		return apperrors.Wrap(err, "failed to look up user")
	}
	if !exists {
		return apperrors.NewNotFoundError("user", id.String())
	}
	return nil
}

// LookupUserByEmail returns nil without error when no user has the address.
func (r *IdentityResolver) LookupUserByEmail(ctx context.Context, q queryer, email string) (*models.User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return nil, nil
	}
	var u models.User
	err := q.QueryRowContext(ctx, `
		SELECT id, email, display_name, created_at FROM users WHERE email = $1`, email).
		Scan(&u.ID, &u.Email, &u.DisplayName, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}
