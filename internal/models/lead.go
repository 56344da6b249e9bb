package models

import (
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// BudgetBracket is the normalized budget tier of a lead. It is fixed when the
// lead is created and drives the claim cost.
type BudgetBracket string

const (
	BudgetUnspecified BudgetBracket = "unspecified"
	BudgetLow         BudgetBracket = "low"
	BudgetMid         BudgetBracket = "mid"
	BudgetHigh        BudgetBracket = "high"
)

// Budget thresholds used when normalizing free-text budgets.
const (
	BudgetLowCeiling = 500
	BudgetMidCeiling = 2000
)

func (b BudgetBracket) Valid() bool {
	switch b {
	case BudgetUnspecified, BudgetLow, BudgetMid, BudgetHigh:
		return true
	}
	return false
}

// ParseBudgetBracket normalizes a free-text budget ("under 500", "2,000",
// "500-2000", ">2000", "2000+") into a bracket. The largest number in the text
// decides the tier; a leading '>' or trailing '+' pushes an exact ceiling up
// into the next tier. Text without numbers maps to a bracket name when it is
// one, otherwise to BudgetUnspecified.
func ParseBudgetBracket(raw string) BudgetBracket {
	text := strings.ToLower(strings.TrimSpace(raw))
	if text == "" {
		return BudgetUnspecified
	}
	if b := BudgetBracket(text); b.Valid() {
		return b
	}

	text = strings.ReplaceAll(text, ",", "")
	above := strings.HasPrefix(text, ">") || strings.HasSuffix(text, "+") ||
		strings.HasPrefix(text, "over ") || strings.HasPrefix(text, "more than ")

	var (
		max   int
		found bool
		cur   strings.Builder
	)
	flush := func() {
		if cur.Len() == 0 {
			return
		}
		if n, err := strconv.Atoi(cur.String()); err == nil {
			if !found || n > max {
				max = n
			}
			found = true
		}
		cur.Reset()
	}
	fraction := false
	for _, r := range text {
		isDigit := r >= '0' && r <= '9'
		if fraction {
			if isDigit {
				continue
			}
			fraction = false
		}
		if isDigit {
			cur.WriteRune(r)
			continue
		}
		if r == '.' && cur.Len() > 0 {
			// drop the fractional part
			flush()
			fraction = true
			continue
		}
		flush()
	}
	flush()

	if !found {
		return BudgetUnspecified
	}
	switch {
	case max < BudgetLowCeiling, max == BudgetLowCeiling && !above:
		return BudgetLow
	case max < BudgetMidCeiling, max == BudgetMidCeiling && !above:
		return BudgetMid
	default:
		return BudgetHigh
	}
}

type LeadStatus string

const (
	LeadStatusOpen   LeadStatus = "open"
	LeadStatusClosed LeadStatus = "closed"
)

type ClaimType string

const (
	ClaimShared    ClaimType = "shared"
	ClaimExclusive ClaimType = "exclusive"
)

func (c ClaimType) Valid() bool {
	return c == ClaimShared || c == ClaimExclusive
}

// Lead is a client-submitted service request. Slot fields are only mutated by
// the claim coordinator.
type Lead struct {
	ID            uuid.UUID     `json:"id" db:"id"`
	ClientID      uuid.UUID     `json:"client_id" db:"client_id"`
	Title         string        `json:"title" db:"title"`
	Description   string        `json:"description" db:"description"`
	ClientContact string        `json:"client_contact" db:"client_contact"`
	BudgetBracket BudgetBracket `json:"budget_bracket" db:"budget_bracket"`
	Status        LeadStatus    `json:"status" db:"status"`
	MaxSlots      int           `json:"max_slots" db:"max_slots"`
	ClaimedSlots  int           `json:"claimed_slots" db:"claimed_slots"`
	IsExclusive   bool          `json:"is_exclusive" db:"is_exclusive"`
	CreatedAt     time.Time     `json:"created_at" db:"created_at"`
	ClosedAt      *time.Time    `json:"closed_at,omitempty" db:"closed_at"`
}

// RemainingSlots is never negative.
func (l *Lead) RemainingSlots() int {
	if l.ClaimedSlots >= l.MaxSlots {
		return 0
	}
	return l.MaxSlots - l.ClaimedSlots
}

type LeadClaim struct {
	ID           uuid.UUID `json:"id" db:"id"`
	LeadID       uuid.UUID `json:"lead_id" db:"lead_id"`
	FreelancerID uuid.UUID `json:"freelancer_id" db:"freelancer_id"`
	ClaimType    ClaimType `json:"claim_type" db:"claim_type"`
	CreditsSpent int       `json:"credits_spent" db:"credits_spent"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
}

// LeadStatusView is the public view of a lead's claim state. Description and
// ClientContact are only populated for callers holding a claim on the lead.
type LeadStatusView struct {
	LeadID         uuid.UUID     `json:"lead_id"`
	Title          string        `json:"title"`
	BudgetBracket  BudgetBracket `json:"budget_bracket"`
	Status         LeadStatus    `json:"status"`
	ClaimedSlots   int           `json:"claimed_slots"`
	MaxSlots       int           `json:"max_slots"`
	RemainingSlots int           `json:"remaining_slots"`
	IsExclusive    bool          `json:"is_exclusive"`
	AlreadyClaimed bool          `json:"already_claimed"`
	SharedCost     int           `json:"shared_cost"`
	ExclusiveCost  int           `json:"exclusive_cost"`
	Description    *string       `json:"description,omitempty"`
	ClientContact  *string       `json:"client_contact,omitempty"`
}
