package audit

import (
	"encoding/json"
	"log"
	"os"
	"time"
)

// Event types
const (
	EventCreditLedger      = "CREDIT_LEDGER"
	EventLeadClaim         = "LEAD_CLAIM"
	EventOrderTransition   = "ORDER_TRANSITION"
	EventPayment           = "PAYMENT"
	EventReconciliationGap = "RECONCILIATION_GAP"
	EventBuyerUnresolved   = "BUYER_UNRESOLVED"
	EventPaymentMismatch   = "PAYMENT_MISMATCH"
	EventError             = "ERROR"
)

// Severity levels; ALERT lines are picked up by operational alerting.
const (
	LevelInfo  = "INFO"
	LevelWarn  = "WARN"
	LevelAlert = "ALERT"
)

type AuditEvent struct {
	Timestamp time.Time `json:"timestamp"`
	EventType string    `json:"event_type"`
	Level     string    `json:"level"`
	Reference string    `json:"reference"`
	SubjectID string    `json:"subject_id,omitempty"`
	Amount    string    `json:"amount,omitempty"`
	Status    string    `json:"status"`
	Details   any       `json:"details,omitempty"`
}

// Logger writes one JSON line per audit event.
type Logger struct {
	out *log.Logger
}

func NewLogger() *Logger {
	return &Logger{out: log.New(os.Stderr, "", log.LstdFlags)}
}

// NewLoggerTo is used by tests to capture output.
func NewLoggerTo(out *log.Logger) *Logger {
	return &Logger{out: out}
}

// LogLedger records a credit balance mutation.
func (a *Logger) LogLedger(reference, freelancerID string, delta, balanceAfter int, kind string) {
	a.log(AuditEvent{
		EventType: EventCreditLedger,
		Level:     LevelInfo,
		Reference: reference,
		SubjectID: freelancerID,
		Amount:    itoa(delta),
		Status:    "SUCCESS",
		Details: map[string]any{
			"kind":          kind,
			"balance_after": balanceAfter,
		},
	})
}

// LogClaim records a committed lead claim.
func (a *Logger) LogClaim(leadID, freelancerID, claimType string, cost, claimedSlots, maxSlots int) {
	a.log(AuditEvent{
		EventType: EventLeadClaim,
		Level:     LevelInfo,
		Reference: leadID,
		SubjectID: freelancerID,
		Amount:    itoa(cost),
		Status:    "SUCCESS",
		Details: map[string]any{
			"claim_type":    claimType,
			"claimed_slots": claimedSlots,
			"max_slots":     maxSlots,
		},
	})
}

// LogTransition records an order status change.
func (a *Logger) LogTransition(orderID, actorID, from, to string) {
	a.log(AuditEvent{
		EventType: EventOrderTransition,
		Level:     LevelInfo,
		Reference: orderID,
		SubjectID: actorID,
		Status:    to,
		Details:   map[string]string{"from": from},
	})
}

// LogPayment records a reconciled payment event.
func (a *Logger) LogPayment(paymentRef, subjectID, amount, outcome string) {
	a.log(AuditEvent{
		EventType: EventPayment,
		Level:     LevelInfo,
		Reference: paymentRef,
		SubjectID: subjectID,
		Amount:    amount,
		Status:    outcome,
	})
}

// AlertReconciliationGap flags a captured payment whose bookkeeping is
// incomplete. It is not retried automatically.
func (a *Logger) AlertReconciliationGap(paymentRef, orderID string, err error) {
	a.log(AuditEvent{
		EventType: EventReconciliationGap,
		Level:     LevelAlert,
		Reference: paymentRef,
		SubjectID: orderID,
		Status:    "GAP",
		Details:   map[string]string{"error": err.Error()},
	})
}

// AlertPaymentMismatch flags a package purchase whose captured amount differs
// from the catalog price. The credits are granted regardless.
func (a *Logger) AlertPaymentMismatch(paymentRef, subjectID, packageID, expected, paid string) {
	a.log(AuditEvent{
		EventType: EventPaymentMismatch,
		Level:     LevelAlert,
		Reference: paymentRef,
		SubjectID: subjectID,
		Amount:    paid,
		Status:    "MISMATCH",
		Details:   map[string]string{"package_id": packageID, "expected": expected, "paid": paid},
	})
}

// WarnBuyerUnresolved flags an order attributed to a placeholder buyer.
func (a *Logger) WarnBuyerUnresolved(paymentRef, buyerEmail, placeholderID string) {
	a.log(AuditEvent{
		EventType: EventBuyerUnresolved,
		Level:     LevelWarn,
		Reference: paymentRef,
		SubjectID: placeholderID,
		Status:    "PLACEHOLDER",
		Details:   map[string]string{"buyer_email": buyerEmail},
	})
}

func (a *Logger) LogError(reference, subjectID string, err error) {
	a.log(AuditEvent{
		EventType: EventError,
		Level:     LevelWarn,
		Reference: reference,
		SubjectID: subjectID,
		Status:    "FAILED",
		Details:   map[string]string{"error": err.Error()},
	})
}

func (a *Logger) log(event AuditEvent) {
	if a == nil || a.out == nil {
		return
	}
	event.Timestamp = time.Now().UTC()
	data, _ := json.Marshal(event)
	a.out.Printf("AUDIT: %s", string(data))
}

func itoa(n int) string {
	b, _ := json.Marshal(n)
	return string(b)
}
