package handlers

import (
	"net/http"
	"strconv"

	apperrors "github.com/leadmarket/backend/internal/errors"
	"github.com/leadmarket/backend/internal/models"
	"github.com/leadmarket/backend/internal/services"
)

type CreditHandler struct {
	ledger    *services.CreditLedger
	catalog   *services.CreditCatalog
	identity  *services.IdentityResolver
	validator *services.ValidationHelper
}

func NewCreditHandler(ledger *services.CreditLedger, catalog *services.CreditCatalog, resolver *services.IdentityResolver) *CreditHandler {
	return &CreditHandler{
		ledger:    ledger,
		catalog:   catalog,
		identity:  resolver,
		validator: services.NewValidationHelper(),
	}
}

// GetBalance returns the caller's spendable credits
// @Summary Credit balance
// @Tags Credits
// @Produce json
// @Security BearerAuth
// @Success 200 {object} object{freelancer_id=string,balance=int}
// @Router /credits/balance [get]
func (h *CreditHandler) GetBalance(w http.ResponseWriter, r *http.Request) {
	profile, ok := h.freelancer(w, r)
	if !ok {
		return
	}

	balance, err := h.ledger.GetBalance(r.Context(), profile.ID)
	if err != nil {
		services.SendError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"freelancer_id": profile.ID,
		"balance":       balance,
	})
}

// ListTransactions returns the caller's ledger, newest first.
func (h *CreditHandler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	profile, ok := h.freelancer(w, r)
	if !ok {
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			services.SendErrorResponse(w, "Invalid limit", http.StatusBadRequest, nil)
			return
		}
		limit = n
	}

	entries, err := h.ledger.History(r.Context(), profile.ID, limit)
	if err != nil {
		services.SendError(w, err)
		return
	}
	if entries == nil {
		entries = []models.CreditTransaction{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"transactions": entries})
}

// VerifyLedger compares the caller's balance with the sum of their ledger.
func (h *CreditHandler) VerifyLedger(w http.ResponseWriter, r *http.Request) {
	profile, ok := h.freelancer(w, r)
	if !ok {
		return
	}

	check, err := h.ledger.Verify(r.Context(), profile.ID)
	if err != nil {
		services.SendError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, check)
}

func (h *CreditHandler) ListPackages(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"packages": h.catalog.Packages()})
}

// CreatePurchaseIntent starts a credit package purchase
// @Summary Create purchase intent
// @Tags Credits
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body object{package_id=string} true "Package"
// @Success 201 {object} services.CheckoutIntent
// @Router /credits/purchase-intents [post]
func (h *CreditHandler) CreatePurchaseIntent(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}

	var req struct {
		PackageID string `json:"package_id" validate:"required"`
	}
	if !decodeJSON(w, r, &req, false) {
		return
	}
	if err := h.validator.ValidateStruct(&req); err != nil {
		services.SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	intent, err := h.catalog.CreatePurchaseIntent(r.Context(), caller, req.PackageID)
	if err != nil {
		services.SendError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, intent)
}

func (h *CreditHandler) freelancer(w http.ResponseWriter, r *http.Request) (*models.FreelancerProfile, bool) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return nil, false
	}
	principal, err := h.identity.Resolve(r.Context(), caller)
	if err != nil {
		services.SendError(w, err)
		return nil, false
	}
	if !principal.IsFreelancer() {
		services.SendError(w, apperrors.NewPreconditionError(apperrors.ErrNoFreelancerProfile, "user", principal.User.ID.String()))
		return nil, false
	}
	return principal.Freelancer, true
}
