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
	"github.com/leadmarket/backend/internal/identity"
	"github.com/leadmarket/backend/internal/models"
	"github.com/leadmarket/backend/internal/notify"
)

// Shared claim cost per budget bracket. An exclusive claim costs double.
var bracketBaseCost = map[models.BudgetBracket]int{
	models.BudgetUnspecified: 3,
	models.BudgetLow:         2,
	models.BudgetMid:         4,
	models.BudgetHigh:        6,
}

const (
	defaultLeadSlots = 3
	maxLeadSlots     = 10
)

// ClaimCost returns the credits a claim of claimType costs on a lead in bracket.
func ClaimCost(bracket models.BudgetBracket, claimType models.ClaimType) int {
	base, ok := bracketBaseCost[bracket]
	if !ok {
		base = bracketBaseCost[models.BudgetUnspecified]
	}
	if claimType == models.ClaimExclusive {
		return base * 2
	}
	return base
}

// LeadClaimService enforces slot and exclusivity rules on leads and funds
// claims from the credit ledger in the same transaction.
type LeadClaimService struct {
	db       *sql.DB
	ledger   *CreditLedger
	identity *IdentityResolver
	audit    *audit.Logger
	feed     *notify.ChangeFeed
	notifier *notify.Dispatcher
}

func NewLeadClaimService(db *sql.DB, ledger *CreditLedger, resolver *IdentityResolver, auditLogger *audit.Logger, feed *notify.ChangeFeed, notifier *notify.Dispatcher) *LeadClaimService {
	return &LeadClaimService{
		db:       db,
		ledger:   ledger,
		identity: resolver,
		audit:    auditLogger,
		feed:     feed,
		notifier: notifier,
	}
}

// ClaimResult describes a committed claim.
type ClaimResult struct {
	Claim        models.LeadClaim  `json:"claim"`
	Balance      int               `json:"balance"`
	ClaimedSlots int               `json:"claimed_slots"`
	MaxSlots     int               `json:"max_slots"`
	IsExclusive  bool              `json:"is_exclusive"`
	LeadStatus   models.LeadStatus `json:"lead_status"`
}

// NewLead is the input to CreateLead. BudgetBracket wins over Budget when
// both are set; Budget is legacy free text normalized once here.
type NewLead struct {
	Title         string               `json:"title" validate:"required,max=200"`
	Description   string               `json:"description" validate:"max=5000"`
	ClientContact string               `json:"client_contact" validate:"omitempty,max=320"`
	Budget        string               `json:"budget" validate:"max=100"`
	BudgetBracket models.BudgetBracket `json:"budget_bracket" validate:"omitempty,oneof=unspecified low mid high"`
	MaxSlots      int                  `json:"max_slots" validate:"omitempty,gte=1,lte=10"`
	ExclusiveOnly bool                 `json:"exclusive_only"`
}

// Claim reserves access to leadID for the caller. The lead row lock
// serializes competing claims, so a loser re-checks against committed state
// and fails with a precondition error instead of over-subscribing the lead.
func (s *LeadClaimService) Claim(ctx context.Context, caller identity.Caller, leadID uuid.UUID, claimType models.ClaimType) (*ClaimResult, error) {
	if !claimType.Valid() {
		return nil, apperrors.NewValidationError("claim_type", "must be shared or exclusive")
	}

	principal, err := s.identity.Resolve(ctx, caller)
	if err != nil {
		return nil, err
	}
	if !principal.IsFreelancer() {
		return nil, apperrors.NewPreconditionError(apperrors.ErrNoFreelancerProfile, "user", principal.User.ID.String())
	}
	freelancerID := principal.Freelancer.ID

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	lead, err := s.lockLead(ctx, tx, leadID)
	if err != nil {
		return nil, err
	}

	// A lead that closed because it filled up is reported by the slot checks below.
	if lead.Status != models.LeadStatusOpen && lead.ClaimedSlots < lead.MaxSlots {
		return nil, apperrors.NewPreconditionError(apperrors.ErrLeadNotOpen, "lead", leadID.String())
	}

	var alreadyClaimed bool
	if err := tx.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM lead_claims WHERE lead_id = $1 AND freelancer_id = $2)`,
		leadID, freelancerID).Scan(&alreadyClaimed); err != nil {
		return nil, err
	}
	if alreadyClaimed {
		return nil, apperrors.NewPreconditionError(apperrors.ErrAlreadyClaimed, "lead", leadID.String())
	}

	switch claimType {
	case models.ClaimExclusive:
		if lead.ClaimedSlots > 0 {
			return nil, apperrors.NewPreconditionError(apperrors.ErrExclusiveUnavailable, "lead", leadID.String())
		}
	case models.ClaimShared:
		if lead.IsExclusive {
			return nil, apperrors.NewPreconditionError(apperrors.ErrLeadExclusive, "lead", leadID.String())
		}
		if lead.ClaimedSlots >= lead.MaxSlots {
			return nil, apperrors.NewPreconditionError(apperrors.ErrSlotsFull, "lead", leadID.String())
		}
	}

	cost := ClaimCost(lead.BudgetBracket, claimType)
	entry, err := s.ledger.DebitTx(ctx, tx, freelancerID, cost, fmt.Sprintf("Claimed lead: %s", lead.Title), leadID.String())
	if err != nil {
		return nil, err
	}

	claim := models.LeadClaim{
		ID:           uuid.New(),
		LeadID:       leadID,
		FreelancerID: freelancerID,
		ClaimType:    claimType,
		CreditsSpent: cost,
		CreatedAt:    time.Now().UTC(),
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO lead_claims (id, lead_id, freelancer_id, claim_type, credits_spent, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		claim.ID, claim.LeadID, claim.FreelancerID, claim.ClaimType, claim.CreditsSpent, claim.CreatedAt)
	if err != nil {
		if database.IsUniqueViolation(err, database.ConstraintClaimUnique) {
			return nil, apperrors.NewPreconditionError(apperrors.ErrAlreadyClaimed, "lead", leadID.String())
		}
		return nil, err
	}

	// An exclusive claim narrows the lead to a single slot.
	if claimType == models.ClaimExclusive {
		lead.MaxSlots = 1
		lead.IsExclusive = true
	}
	lead.ClaimedSlots++
	var closedAt *time.Time
	if lead.ClaimedSlots >= lead.MaxSlots {
		lead.Status = models.LeadStatusClosed
		now := claim.CreatedAt
		closedAt = &now
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE leads
		SET claimed_slots = $1, max_slots = $2, is_exclusive = $3, status = $4, closed_at = $5
		WHERE id = $6`,
		lead.ClaimedSlots, lead.MaxSlots, lead.IsExclusive, lead.Status, closedAt, leadID)
	if err != nil {
		if database.IsCheckViolation(err, database.ConstraintLeadSlots) {
			return nil, apperrors.NewPreconditionError(apperrors.ErrSlotsFull, "lead", leadID.String())
		}
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	log.Printf("[CLAIMS] Freelancer %s claimed lead %s (%s) for %d credits, slots %d/%d",
		freelancerID, leadID, claimType, cost, lead.ClaimedSlots, lead.MaxSlots)

	s.ledger.AfterCommit(ctx, entry)
	s.audit.LogClaim(leadID.String(), freelancerID.String(), string(claimType), cost, lead.ClaimedSlots, lead.MaxSlots)
	s.feed.SlotsChanged(ctx, leadID.String(), lead.ClaimedSlots, lead.MaxSlots, lead.IsExclusive, string(lead.Status))
	s.notifier.Dispatch(notify.Notification{
		Kind:      notify.KindLeadClaimed,
		Reference: leadID.String(),
		Recipient: principal.User.ID.String(),
		Payload: map[string]string{
			"lead_title": lead.Title,
			"claim_type": string(claimType),
		},
	})

	return &ClaimResult{
		Claim:        claim,
		Balance:      entry.BalanceAfter,
		ClaimedSlots: lead.ClaimedSlots,
		MaxSlots:     lead.MaxSlots,
		IsExclusive:  lead.IsExclusive,
		LeadStatus:   lead.Status,
	}, nil
}

// GetStatus needs no authentication. The description and client contact are
// only selected from the database when the caller holds a claim on the lead.
func (s *LeadClaimService) GetStatus(ctx context.Context, leadID uuid.UUID, caller *identity.Caller) (*models.LeadStatusView, error) {
	var freelancerID uuid.NullUUID
	if caller != nil && !caller.IsZero() {
		principal, err := s.identity.Resolve(ctx, *caller)
		switch {
		case err == nil:
			if principal.IsFreelancer() {
				freelancerID = uuid.NullUUID{UUID: principal.Freelancer.ID, Valid: true}
			}
		case apperrors.Is(err, apperrors.ErrNotFound):
			// unknown users see the anonymous view
		default:
			return nil, err
		}
	}

	var (
		view          models.LeadStatusView
		description   sql.NullString
		clientContact sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT l.id, l.title, l.budget_bracket, l.status, l.claimed_slots, l.max_slots, l.is_exclusive,
		       c.id IS NOT NULL,
		       CASE WHEN c.id IS NOT NULL THEN l.description END,
		       CASE WHEN c.id IS NOT NULL THEN l.client_contact END
		FROM leads l
		LEFT JOIN lead_claims c ON c.lead_id = l.id AND c.freelancer_id = $2
		WHERE l.id = $1`, leadID, freelancerID).Scan(
		&view.LeadID, &view.Title, &view.BudgetBracket, &view.Status, &view.ClaimedSlots, &view.MaxSlots,
		&view.IsExclusive, &view.AlreadyClaimed, &description, &clientContact)
	if err == sql.ErrNoRows {
		return nil, apperrors.NewNotFoundError("lead", leadID.String())
	}
	if err != nil {
		return nil, err
	}

	view.RemainingSlots = view.MaxSlots - view.ClaimedSlots
	if view.RemainingSlots < 0 {
		view.RemainingSlots = 0
	}
	view.SharedCost = ClaimCost(view.BudgetBracket, models.ClaimShared)
	view.ExclusiveCost = ClaimCost(view.BudgetBracket, models.ClaimExclusive)
	if description.Valid {
		view.Description = &description.String
	}
	if clientContact.Valid {
		view.ClientContact = &clientContact.String
	}
	return &view, nil
}

// CreateLead records a request on behalf of the caller. The budget bracket is
// fixed here; claims never look at free text.
func (s *LeadClaimService) CreateLead(ctx context.Context, caller identity.Caller, req NewLead) (*models.Lead, error) {
	title := strings.TrimSpace(req.Title)
	if title == "" {
		return nil, apperrors.NewValidationError("title", "is required")
	}
	if req.BudgetBracket != "" && !req.BudgetBracket.Valid() {
		return nil, apperrors.NewValidationError("budget_bracket", "must be one of unspecified, low, mid, high")
	}
	if req.MaxSlots < 0 || req.MaxSlots > maxLeadSlots {
		return nil, apperrors.NewValidationError("max_slots", fmt.Sprintf("must be between 1 and %d", maxLeadSlots))
	}

	principal, err := s.identity.Resolve(ctx, caller)
	if err != nil {
		return nil, err
	}

	bracket := req.BudgetBracket
	if bracket == "" {
		bracket = models.ParseBudgetBracket(req.Budget)
	}
	maxSlots := req.MaxSlots
	if maxSlots == 0 {
		maxSlots = defaultLeadSlots
	}
	if req.ExclusiveOnly {
		maxSlots = 1
	}
	contact := strings.TrimSpace(req.ClientContact)
	if contact == "" {
		contact = principal.User.Email
	}

	lead := &models.Lead{
		ID:            uuid.New(),
		ClientID:      principal.User.ID,
		Title:         title,
		Description:   req.Description,
		ClientContact: contact,
		BudgetBracket: bracket,
		Status:        models.LeadStatusOpen,
		MaxSlots:      maxSlots,
		IsExclusive:   req.ExclusiveOnly,
		CreatedAt:     time.Now().UTC(),
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO leads (id, client_id, title, description, client_contact, budget_bracket, status, max_slots, claimed_slots, is_exclusive, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 0, $9, $10)`,
		lead.ID, lead.ClientID, lead.Title, lead.Description, lead.ClientContact, lead.BudgetBracket,
		lead.Status, lead.MaxSlots, lead.IsExclusive, lead.CreatedAt)
	if err != nil {
		return nil, apperrors.Wrap(err, "failed to create lead")
	}

	log.Printf("[CLAIMS] Lead %s created by %s (bracket=%s, slots=%d, exclusive=%v)",
		lead.ID, lead.ClientID, lead.BudgetBracket, lead.MaxSlots, lead.IsExclusive)
	return lead, nil
}

// CloseLead closes an open lead; it is invoked by the external expiry
// scheduler. Closing an already closed lead is a no-op.
func (s *LeadClaimService) CloseLead(ctx context.Context, leadID uuid.UUID) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE leads SET status = $1, closed_at = $2
		WHERE id = $3 AND status = $4`,
		models.LeadStatusClosed, time.Now().UTC(), leadID, models.LeadStatusOpen)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows > 0 {
		log.Printf("[CLAIMS] Lead %s closed", leadID)
		return nil
	}

	var exists bool
	if err := s.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM leads WHERE id = $1)`, leadID).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return apperrors.NewNotFoundError("lead", leadID.String())
	}
	return nil
}

func (s *LeadClaimService) lockLead(ctx context.Context, tx *sql.Tx, leadID uuid.UUID) (*models.Lead, error) {
	var lead models.Lead
	err := tx.QueryRowContext(ctx, `
		SELECT id, title, budget_bracket, status, max_slots, claimed_slots, is_exclusive
		FROM leads
		WHERE id = $1
		FOR UPDATE`, leadID).Scan(
		&lead.ID, &lead.Title, &lead.BudgetBracket, &lead.Status, &lead.MaxSlots, &lead.ClaimedSlots, &lead.IsExclusive)
	if err == sql.ErrNoRows {
		return nil, apperrors.NewNotFoundError("lead", leadID.String())
	}
	if err != nil {
		return nil, err
	}
	return &lead, nil
}
