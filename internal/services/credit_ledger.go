package services

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/leadmarket/backend/internal/audit"
	"github.com/leadmarket/backend/internal/database"
	apperrors "github.com/leadmarket/backend/internal/errors"
	"github.com/leadmarket/backend/internal/models"
	"github.com/leadmarket/backend/internal/notify"
)

// CreditLedger owns freelancer credit balances and the append-only
// credit_transactions log. Every balance change writes exactly one log row
// whose amount equals the delta.
type CreditLedger struct {
	db    *sql.DB
	audit *audit.Logger
	feed  *notify.ChangeFeed
}

func NewCreditLedger(db *sql.DB, auditLogger *audit.Logger, feed *notify.ChangeFeed) *CreditLedger {
	return &CreditLedger{db: db, audit: auditLogger, feed: feed}
}

// CreditRequest describes a purchase or refund.
type CreditRequest struct {
	FreelancerID   uuid.UUID
	Amount         int
	Kind           models.CreditKind
	Reference      string
	IdempotencyKey string
	Description    string
}

// CreditResult is returned by Credit. Duplicate is set when the
// (reference, idempotency key) pair was already applied; Entry is nil then.
type CreditResult struct {
	Balance   int
	Duplicate bool
	Entry     *models.CreditTransaction
}

// LedgerCheck compares a balance with the sum of its log.
type LedgerCheck struct {
	FreelancerID uuid.UUID `json:"freelancer_id"`
	Balance      int       `json:"balance"`
	LogSum       int       `json:"log_sum"`
	Entries      int       `json:"entries"`
	Consistent   bool      `json:"consistent"`
}

// GetBalance returns 0 when the freelancer has no profile.
func (l *CreditLedger) GetBalance(ctx context.Context, freelancerID uuid.UUID) (int, error) {
	var credits int
	err := l.db.QueryRowContext(ctx, `SELECT credits FROM freelancer_profiles WHERE id = $1`, freelancerID).Scan(&credits)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, apperrors.Wrap(err, "failed to read balance")
	}
	return credits, nil
}

// DebitTx spends credits inside the caller's transaction. There is no
// standalone debit: whatever the credits pay for must be written in tx too.
func (l *CreditLedger) DebitTx(ctx context.Context, tx *sql.Tx, freelancerID uuid.UUID, amount int, description, reference string) (*models.CreditTransaction, error) {
	if amount <= 0 {
		return nil, apperrors.NewValidationError("amount", "debit amount must be positive")
	}

	profile, err := l.lockProfile(ctx, tx, freelancerID)
	if err != nil {
		return nil, err
	}

	if profile.Credits < amount {
		return nil, &apperrors.InsufficientCreditsError{Required: amount, Available: profile.Credits}
	}

	newBalance := profile.Credits - amount
	entry, err := l.appendEntry(ctx, tx, freelancerID, -amount, models.CreditKindSpend, description, reference, "", newBalance)
	if err != nil {
		return nil, err
	}
	if err := l.updateBalance(ctx, tx, freelancerID, newBalance, profile.Version); err != nil {
		return nil, err
	}
	return entry, nil
}

// Credit applies req in its own transaction.
func (l *CreditLedger) Credit(ctx context.Context, req CreditRequest) (*CreditResult, error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	result, err := l.CreditTx(ctx, tx, req)
	if err != nil {
		if database.IsUniqueViolation(err, database.ConstraintCreditIdempotency) {
			// lost a race with an identical request
			tx.Rollback()
			balance, berr := l.GetBalance(ctx, req.FreelancerID)
			if berr != nil {
				return nil, berr
			}
			return &CreditResult{Balance: balance, Duplicate: true}, nil
		}
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	if !result.Duplicate {
		l.AfterCommit(ctx, result.Entry)
	}
	return result, nil
}

// CreditTx applies req inside the caller's transaction. A previously applied
// (reference, idempotency key) pair is a no-op reporting the current balance.
func (l *CreditLedger) CreditTx(ctx context.Context, tx *sql.Tx, req CreditRequest) (*CreditResult, error) {
	if err := validateCreditRequest(req); err != nil {
		return nil, err
	}

	profile, err := l.lockProfile(ctx, tx, req.FreelancerID)
	if err != nil {
		return nil, err
	}

	if req.IdempotencyKey != "" {
		var existing uuid.UUID
		err := tx.QueryRowContext(ctx, `
			SELECT id FROM credit_transactions
			WHERE reference = $1 AND idempotency_key = $2`,
			req.Reference, req.IdempotencyKey).Scan(&existing)
		if err == nil {
			return &CreditResult{Balance: profile.Credits, Duplicate: true}, nil
		}
		if err != sql.ErrNoRows {
			return nil, err
		}
	}

	newBalance := profile.Credits + req.Amount
	entry, err := l.appendEntry(ctx, tx, req.FreelancerID, req.Amount, req.Kind, req.Description, req.Reference, req.IdempotencyKey, newBalance)
	if err != nil {
		return nil, err
	}
	if err := l.updateBalance(ctx, tx, req.FreelancerID, newBalance, profile.Version); err != nil {
		return nil, err
	}
	return &CreditResult{Balance: newBalance, Entry: entry}, nil
}

// AfterCommit audits committed entries and publishes the new balances.
// Callers owning the transaction invoke it once Commit succeeds.
func (l *CreditLedger) AfterCommit(ctx context.Context, entries ...*models.CreditTransaction) {
	for _, e := range entries {
		if e == nil {
			continue
		}
		l.audit.LogLedger(e.Reference, e.FreelancerID.String(), e.Amount, e.BalanceAfter, string(e.Kind))
		l.feed.BalanceChanged(ctx, e.FreelancerID.String(), e.BalanceAfter, e.Amount)
	}
}

// History lists the freelancer's log newest first.
func (l *CreditLedger) History(ctx context.Context, freelancerID uuid.UUID, limit int) ([]models.CreditTransaction, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := l.db.QueryContext(ctx, `
		SELECT id, freelancer_id, amount, kind, description, reference, idempotency_key, balance_after, created_at
		FROM credit_transactions
		WHERE freelancer_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, freelancerID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []models.CreditTransaction
	for rows.Next() {
		var (
			e   models.CreditTransaction
			key sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.FreelancerID, &e.Amount, &e.Kind, &e.Description, &e.Reference, &key, &e.BalanceAfter, &e.CreatedAt); err != nil {
			return nil, err
		}
		if key.Valid {
			k := key.String
			e.IdempotencyKey = &k
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Verify checks that the balance equals the sum of the freelancer's log.
func (l *CreditLedger) Verify(ctx context.Context, freelancerID uuid.UUID) (*LedgerCheck, error) {
	check := &LedgerCheck{FreelancerID: freelancerID}
	err := l.db.QueryRowContext(ctx, `
		SELECT p.credits, COALESCE(SUM(t.amount), 0), COUNT(t.id)
		FROM freelancer_profiles p
		LEFT JOIN credit_transactions t ON t.freelancer_id = p.id
		WHERE p.id = $1
		GROUP BY p.credits`, freelancerID).Scan(&check.Balance, &check.LogSum, &check.Entries)
	if err == sql.ErrNoRows {
		return nil, apperrors.NewNotFoundError("freelancer_profile", freelancerID.String())
	}
	if err != nil {
		return nil, err
	}
	check.Consistent = check.Balance == check.LogSum
	return check, nil
}

func validateCreditRequest(req CreditRequest) error {
	if req.FreelancerID == uuid.Nil {
		return apperrors.NewValidationError("freelancer_id", "is required")
	}
	if req.Amount <= 0 {
		return apperrors.NewValidationError("amount", "credit amount must be positive")
	}
	if req.Kind != models.CreditKindPurchase && req.Kind != models.CreditKindRefund {
		return apperrors.NewValidationError("kind", "must be purchase or refund")
	}
	if req.Reference == "" {
		return apperrors.NewValidationError("reference", "is required")
	}
	return nil
}

type lockedProfile struct {
	Credits int
	Version int
}

func (l *CreditLedger) lockProfile(ctx context.Context, tx *sql.Tx, freelancerID uuid.UUID) (*lockedProfile, error) {
	var p lockedProfile
	err := tx.QueryRowContext(ctx, `
		SELECT credits, version
		FROM freelancer_profiles
		WHERE id = $1
		FOR UPDATE`, freelancerID).Scan(&p.Credits, &p.Version)
	if err == sql.ErrNoRows {
		return nil, apperrors.NewNotFoundError("freelancer_profile", freelancerID.String())
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (l *CreditLedger) appendEntry(ctx context.Context, tx *sql.Tx, freelancerID uuid.UUID, amount int, kind models.CreditKind, description, reference, idempotencyKey string, balanceAfter int) (*models.CreditTransaction, error) {
	entry := &models.CreditTransaction{
		ID:           uuid.New(),
		FreelancerID: freelancerID,
		Amount:       amount,
		Kind:         kind,
		Description:  description,
		Reference:    reference,
		BalanceAfter: balanceAfter,
		CreatedAt:    time.Now().UTC(),
	}
	if idempotencyKey != "" {
		entry.IdempotencyKey = &idempotencyKey
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO credit_transactions (id, freelancer_id, amount, kind, description, reference, idempotency_key, balance_after, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		entry.ID, freelancerID, amount, kind, description, reference, nullString(idempotencyKey), balanceAfter, entry.CreatedAt)
	if err != nil {
		return nil, err
	}
	return entry, nil
}

func (l *CreditLedger) updateBalance(ctx context.Context, tx *sql.Tx, freelancerID uuid.UUID, newBalance, version int) error {
	result, err := tx.ExecContext(ctx, `
		UPDATE freelancer_profiles
		SET credits = $1, version = version + 1, updated_at = $2
		WHERE id = $3 AND version = $4`,
		newBalance, time.Now().UTC(), freelancerID, version)
	if err != nil {
		if database.IsCheckViolation(err, database.ConstraintCreditsNonNegative) {
			return apperrors.Wrapf(apperrors.ErrInsufficientCredits, "balance of %s would become %d", freelancerID, newBalance)
		}
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return fmt.Errorf("optimistic lock failed for freelancer profile %s", freelancerID)
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
