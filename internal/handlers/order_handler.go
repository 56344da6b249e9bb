package handlers

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"github.com/leadmarket/backend/internal/identity"
	"github.com/leadmarket/backend/internal/models"
	"github.com/leadmarket/backend/internal/services"
)

type OrderHandler struct {
	orders    *services.OrderService
	validator *services.ValidationHelper
}

func NewOrderHandler(orders *services.OrderService) *OrderHandler {
	return &OrderHandler{
		orders:    orders,
		validator: services.NewValidationHelper(),
	}
}

// PlaceOrder creates an order with the caller as client
// @Summary Place order
// @Tags Orders
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body services.OrderRequest true "Order"
// @Success 201 {object} models.Order
// @Failure 400 {object} services.ErrorResponse
// @Router /orders [post]
func (h *OrderHandler) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}

	var req services.OrderRequest
	if !decodeJSON(w, r, &req, false) {
		return
	}
	if err := h.validator.ValidateStruct(&req); err != nil {
		services.SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	order, err := h.orders.PlaceOrder(r.Context(), caller, req)
	if err != nil {
		services.SendError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, order)
}

func (h *OrderHandler) GetOrder(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	orderID, ok := pathUUID(w, r, "orderId")
	if !ok {
		return
	}

	order, err := h.orders.Get(r.Context(), caller, orderID)
	if err != nil {
		services.SendError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

type transitionFunc func(ctx context.Context, caller identity.Caller, orderID uuid.UUID, note string) (*models.Order, error)

// Start, Deliver, Approve, RequestRevision and Cancel share one shape: an
// order ID in the path and an optional {"message": "..."} body.

func (h *OrderHandler) Start(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, func(ctx context.Context, c identity.Caller, id uuid.UUID, _ string) (*models.Order, error) {
		return h.orders.Start(ctx, c, id)
	})
}

func (h *OrderHandler) Deliver(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.orders.Deliver)
}

func (h *OrderHandler) Approve(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, func(ctx context.Context, c identity.Caller, id uuid.UUID, _ string) (*models.Order, error) {
		return h.orders.Approve(ctx, c, id)
	})
}

func (h *OrderHandler) RequestRevision(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.orders.RequestRevision)
}

func (h *OrderHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.orders.Cancel)
}

func (h *OrderHandler) transition(w http.ResponseWriter, r *http.Request, apply transitionFunc) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	orderID, ok := pathUUID(w, r, "orderId")
	if !ok {
		return
	}

	var req struct {
		Message string `json:"message" validate:"max=5000"`
	}
	if !decodeJSON(w, r, &req, true) {
		return
	}
	if err := h.validator.ValidateStruct(&req); err != nil {
		services.SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	order, err := apply(r.Context(), caller, orderID, req.Message)
	if err != nil {
		services.SendError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}
