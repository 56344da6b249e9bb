package database

import (
	"context"
	"database/sql"
	"fmt"
	"log"
)

// Constraint names referenced by the services when classifying errors.
const (
	ConstraintClaimUnique          = "lead_claims_freelancer_lead_key"
	ConstraintOrderPaymentRef      = "orders_payment_reference_key"
	ConstraintAccountingPaymentRef = "payment_transactions_payment_reference_key"
	ConstraintCreditIdempotency    = "credit_transactions_idempotency_key"
	ConstraintLeadSlots            = "leads_slots_check"
	ConstraintCreditsNonNegative   = "freelancer_profiles_credits_check"
	ConstraintOrderClient          = "orders_client_id_fkey"
	ConstraintOrderFreelancer      = "orders_freelancer_id_fkey"
)

// migrations are applied in order; each is idempotent.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id           UUID PRIMARY KEY,
		email        TEXT NOT NULL UNIQUE,
		display_name TEXT NOT NULL DEFAULT '',
		created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS freelancer_profiles (
		id                UUID PRIMARY KEY,
		user_id           UUID NOT NULL UNIQUE REFERENCES users(id),
		credits           INTEGER NOT NULL DEFAULT 0,
		version           INTEGER NOT NULL DEFAULT 1,
		payout_account_id TEXT UNIQUE,
		payouts_enabled   BOOLEAN NOT NULL DEFAULT FALSE,
		updated_at        TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		CONSTRAINT freelancer_profiles_credits_check CHECK (credits >= 0)
	)`,
	`CREATE TABLE IF NOT EXISTS credit_transactions (
		id              UUID PRIMARY KEY,
		freelancer_id   UUID NOT NULL REFERENCES freelancer_profiles(id),
		amount          INTEGER NOT NULL,
		kind            TEXT NOT NULL CHECK (kind IN ('purchase', 'spend', 'refund')),
		description     TEXT NOT NULL DEFAULT '',
		reference       TEXT NOT NULL DEFAULT '',
		idempotency_key TEXT,
		balance_after   INTEGER NOT NULL,
		created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS credit_transactions_idempotency_key
		ON credit_transactions (reference, idempotency_key) WHERE idempotency_key IS NOT NULL`,
	`CREATE INDEX IF NOT EXISTS credit_transactions_freelancer_idx
		ON credit_transactions (freelancer_id, created_at DESC)`,
	`CREATE TABLE IF NOT EXISTS leads (
		id             UUID PRIMARY KEY,
		client_id      UUID NOT NULL REFERENCES users(id),
		title          TEXT NOT NULL,
		description    TEXT NOT NULL DEFAULT '',
		client_contact TEXT NOT NULL DEFAULT '',
		budget_bracket TEXT NOT NULL DEFAULT 'unspecified'
			CHECK (budget_bracket IN ('unspecified', 'low', 'mid', 'high')),
		status         TEXT NOT NULL DEFAULT 'open' CHECK (status IN ('open', 'closed')),
		max_slots      INTEGER NOT NULL CHECK (max_slots >= 1),
		claimed_slots  INTEGER NOT NULL DEFAULT 0 CHECK (claimed_slots >= 0),
		is_exclusive   BOOLEAN NOT NULL DEFAULT FALSE,
		created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		closed_at      TIMESTAMPTZ,
		CONSTRAINT leads_slots_check CHECK (
			claimed_slots <= max_slots AND (NOT is_exclusive OR (max_slots = 1 AND claimed_slots <= 1))
		)
	)`,
	`CREATE TABLE IF NOT EXISTS lead_claims (
		id            UUID PRIMARY KEY,
		lead_id       UUID NOT NULL REFERENCES leads(id),
		freelancer_id UUID NOT NULL REFERENCES freelancer_profiles(id),
		claim_type    TEXT NOT NULL CHECK (claim_type IN ('shared', 'exclusive')),
		credits_spent INTEGER NOT NULL,
		created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		CONSTRAINT lead_claims_freelancer_lead_key UNIQUE (freelancer_id, lead_id)
	)`,
	`CREATE TABLE IF NOT EXISTS orders (
		id                  UUID PRIMARY KEY,
		client_id           UUID NOT NULL CONSTRAINT orders_client_id_fkey REFERENCES users(id),
		freelancer_id       UUID NOT NULL CONSTRAINT orders_freelancer_id_fkey REFERENCES users(id),
		title               TEXT NOT NULL DEFAULT '',
		requirements        TEXT NOT NULL DEFAULT '',
		amount              NUMERIC(12,2) NOT NULL CHECK (amount > 0),
		platform_fee        NUMERIC(12,2) NOT NULL,
		freelancer_earnings NUMERIC(12,2) NOT NULL,
		currency            CHAR(3) NOT NULL,
		status              TEXT NOT NULL CHECK (status IN
			('pending', 'in_progress', 'delivered', 'revision_requested', 'completed', 'cancelled')),
		escrow_status       TEXT NOT NULL CHECK (escrow_status IN ('held', 'released', 'refunded')),
		delivery_days       INTEGER NOT NULL,
		delivery_deadline   TIMESTAMPTZ NOT NULL,
		revisions_used      INTEGER NOT NULL DEFAULT 0,
		max_revisions       INTEGER NOT NULL DEFAULT 0,
		payment_reference   TEXT,
		buyer_unresolved    BOOLEAN NOT NULL DEFAULT FALSE,
		reconciliation_gap  BOOLEAN NOT NULL DEFAULT FALSE,
		delivered_at        TIMESTAMPTZ,
		completed_at        TIMESTAMPTZ,
		cancelled_at        TIMESTAMPTZ,
		created_at          TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at          TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		CONSTRAINT orders_payment_reference_key UNIQUE (payment_reference),
		CONSTRAINT orders_fee_split_check CHECK (platform_fee + freelancer_earnings = amount)
	)`,
	`CREATE TABLE IF NOT EXISTS order_events (
		id          UUID PRIMARY KEY,
		order_id    UUID NOT NULL REFERENCES orders(id),
		actor_id    UUID NOT NULL,
		from_status TEXT NOT NULL,
		to_status   TEXT NOT NULL,
		message     TEXT NOT NULL DEFAULT '',
		created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS payment_transactions (
		id                UUID PRIMARY KEY,
		order_id          UUID NOT NULL UNIQUE REFERENCES orders(id),
		payment_reference TEXT NOT NULL,
		amount            NUMERIC(12,2) NOT NULL,
		currency          CHAR(3) NOT NULL,
		created_at        TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		CONSTRAINT payment_transactions_payment_reference_key UNIQUE (payment_reference)
	)`,
	`CREATE TABLE IF NOT EXISTS credit_purchase_intents (
		id                UUID PRIMARY KEY,
		freelancer_id     UUID NOT NULL REFERENCES freelancer_profiles(id),
		package_id        TEXT NOT NULL,
		credits           INTEGER NOT NULL CHECK (credits > 0),
		price             NUMERIC(12,2) NOT NULL,
		currency          CHAR(3) NOT NULL,
		status            TEXT NOT NULL DEFAULT 'pending' CHECK (status IN ('pending', 'completed')),
		payment_reference TEXT UNIQUE,
		created_at        TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		completed_at      TIMESTAMPTZ
	)`,
}

// Migrate applies the schema inside a single transaction.
func Migrate(ctx context.Context, db *sql.DB) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for i, stmt := range migrations {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	log.Printf("[DATABASE] Applied %d schema statements", len(migrations))
	return nil
}
