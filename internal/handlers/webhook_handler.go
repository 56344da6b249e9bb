package handlers

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/leadmarket/backend/internal/models"
	"github.com/leadmarket/backend/internal/services"
)

// Event types sent by the payment processor.
const (
	EventCheckoutCompleted = "checkout.completed"
	EventAccountUpdated    = "account.updated"
)

const SignatureHeader = "X-Payment-Signature"

var (
	errSignatureMissing  = errors.New("signature header missing")
	errSignatureMismatch = errors.New("signature mismatch")
	errSignatureExpired  = errors.New("signature timestamp outside tolerance")
)

type WebhookHandler struct {
	reconciler *services.PaymentReconciler
	secret     []byte
	tolerance  time.Duration
	now        func() time.Time
}

func NewWebhookHandler(reconciler *services.PaymentReconciler, secret string, tolerance time.Duration) *WebhookHandler {
	if tolerance <= 0 {
		tolerance = 5 * time.Minute
	}
	return &WebhookHandler{
		reconciler: reconciler,
		secret:     []byte(secret),
		tolerance:  tolerance,
		now:        time.Now,
	}
}

type webhookEnvelope struct {
	ID   string          `json:"id"`
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// HandlePayment verifies and applies a payment processor event
// @Summary Payment processor webhook
// @Tags Webhooks
// @Accept json
// @Produce json
// @Param X-Payment-Signature header string true "t=<unix>,v1=<hex>"
// @Success 200 {object} services.ReconcileResult
// @Failure 400 {object} services.ErrorResponse
// @Failure 401 {object} services.ErrorResponse
// @Router /webhooks/payments [post]
func (h *WebhookHandler) HandlePayment(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		services.SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}

	if err := h.verifySignature(r.Header.Get(SignatureHeader), body); err != nil {
		log.Printf("[WEBHOOK] Rejected event: %v", err)
		services.SendErrorResponse(w, "Invalid signature", http.StatusUnauthorized, nil)
		return
	}

	var env webhookEnvelope
	if err := json.Unmarshal(body, &env); err != nil || len(env.Data) == 0 {
		services.SendErrorResponse(w, "Invalid event payload", http.StatusBadRequest, nil)
		return
	}

	var result *services.ReconcileResult
	switch env.Type {
	case EventCheckoutCompleted:
		var ev models.PaymentEvent
		if err := json.Unmarshal(env.Data, &ev); err != nil {
			services.SendErrorResponse(w, "Invalid checkout event", http.StatusBadRequest, nil)
			return
		}
		ev.EventID = env.ID
		result, err = h.reconciler.HandleCheckoutCompleted(r.Context(), ev)
	case EventAccountUpdated:
		var ev models.AccountEvent
		if err := json.Unmarshal(env.Data, &ev); err != nil {
			services.SendErrorResponse(w, "Invalid account event", http.StatusBadRequest, nil)
			return
		}
		ev.EventID = env.ID
		result, err = h.reconciler.HandleAccountUpdated(r.Context(), ev)
	default:
		// acknowledged so the processor stops redelivering
		log.Printf("[WEBHOOK] Ignoring event %s of type %q", env.ID, env.Type)
		writeJSON(w, http.StatusOK, map[string]string{"outcome": "ignored"})
		return
	}

	if err != nil {
		log.Printf("[WEBHOOK] Event %s (%s) failed: %v", env.ID, env.Type, err)
		services.SendError(w, err)
		return
	}
	log.Printf("[WEBHOOK] Event %s (%s): %s", env.ID, env.Type, result.Outcome)
	writeJSON(w, http.StatusOK, result)
}

// verifySignature checks header "t=<unix>,v1=<hex>[,v1=<hex>...]" against
// HMAC-SHA256(secret, t + "." + body).
func (h *WebhookHandler) verifySignature(header string, body []byte) error {
	if header == "" || len(h.secret) == 0 {
		return errSignatureMissing
	}

	var (
		timestamp  string
		signatures [][]byte
	)
	for _, part := range strings.Split(header, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch key {
		case "t":
			timestamp = value
		case "v1":
			if sig, err := hex.DecodeString(value); err == nil {
				signatures = append(signatures, sig)
			}
		}
	}
	if timestamp == "" || len(signatures) == 0 {
		return errSignatureMissing
	}

	unix, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return errSignatureMissing
	}
	age := h.now().Sub(time.Unix(unix, 0))
	if age > h.tolerance || age < -h.tolerance {
		return errSignatureExpired
	}

	expected := SignPayload(h.secret, timestamp, body)
	for _, sig := range signatures {
		if hmac.Equal(sig, expected) {
			return nil
		}
	}
	return errSignatureMismatch
}

// SignPayload computes the v1 signature for timestamp and body.
func SignPayload(secret []byte, timestamp string, body []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	return mac.Sum(nil)
}
