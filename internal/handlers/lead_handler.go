package handlers

import (
	"log"
	"net/http"

	"github.com/leadmarket/backend/internal/identity"
	"github.com/leadmarket/backend/internal/models"
	"github.com/leadmarket/backend/internal/services"
)

type LeadHandler struct {
	claims    *services.LeadClaimService
	validator *services.ValidationHelper
}

func NewLeadHandler(claims *services.LeadClaimService) *LeadHandler {
	return &LeadHandler{
		claims:    claims,
		validator: services.NewValidationHelper(),
	}
}

// CreateLead records a service request from the authenticated client
// @Summary Create lead
// @Tags Leads
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body services.NewLead true "Lead"
// @Success 201 {object} models.Lead
// @Failure 400 {object} services.ErrorResponse
// @Router /leads [post]
func (h *LeadHandler) CreateLead(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}

	var req services.NewLead
	if !decodeJSON(w, r, &req, false) {
		return
	}
	if err := h.validator.ValidateStruct(&req); err != nil {
		services.SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	lead, err := h.claims.CreateLead(r.Context(), caller, req)
	if err != nil {
		services.SendError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, lead)
}

// ClaimLead spends credits for access to a lead
// @Summary Claim lead
// @Tags Leads
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param leadId path string true "Lead ID"
// @Param request body object{claim_type=string} true "shared or exclusive"
// @Success 201 {object} services.ClaimResult
// @Failure 402 {object} services.ErrorResponse
// @Failure 409 {object} services.ErrorResponse
// @Router /leads/{leadId}/claims [post]
func (h *LeadHandler) ClaimLead(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	leadID, ok := pathUUID(w, r, "leadId")
	if !ok {
		return
	}

	var req struct {
		ClaimType models.ClaimType `json:"claim_type" validate:"required,oneof=shared exclusive"`
	}
	if !decodeJSON(w, r, &req, false) {
		return
	}
	if err := h.validator.ValidateStruct(&req); err != nil {
		services.SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	result, err := h.claims.Claim(r.Context(), caller, leadID, req.ClaimType)
	if err != nil {
		log.Printf("[LEADS] Claim on %s by %s failed: %v", leadID, caller.Email, err)
		services.SendError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

// GetStatus returns the slot state of a lead. Anonymous callers get the
// redacted view.
func (h *LeadHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	leadID, ok := pathUUID(w, r, "leadId")
	if !ok {
		return
	}

	var caller *identity.Caller
	if c, ok := identity.FromContext(r.Context()); ok {
		caller = &c
	}

	view, err := h.claims.GetStatus(r.Context(), leadID, caller)
	if err != nil {
		services.SendError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}
