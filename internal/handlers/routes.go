package handlers

import (
	"github.com/go-chi/chi/v5"
	mW "github.com/leadmarket/backend/internal/middleware"
)

// API groups the HTTP handlers mounted under /api/v1.
type API struct {
	Leads    *LeadHandler
	Credits  *CreditHandler
	Orders   *OrderHandler
	Webhooks *WebhookHandler
}

// Mount registers every route on r.
func (api *API) Mount(r chi.Router, auth *mW.Authenticator) {
	// Public endpoints
	r.Post("/webhooks/payments", api.Webhooks.HandlePayment)
	r.Get("/credits/packages", api.Credits.ListPackages)
	r.With(auth.OptionalAuth).Get("/leads/{leadId}/status", api.Leads.GetStatus)

	// Protected endpoints
	r.Group(func(r chi.Router) {
		r.Use(auth.AuthMiddleware)

		r.Post("/leads", api.Leads.CreateLead)
		r.Post("/leads/{leadId}/claims", api.Leads.ClaimLead)

		r.Get("/credits/balance", api.Credits.GetBalance)
		r.Get("/credits/transactions", api.Credits.ListTransactions)
		r.Get("/credits/verify", api.Credits.VerifyLedger)
		r.Post("/credits/purchase-intents", api.Credits.CreatePurchaseIntent)

		r.Post("/orders", api.Orders.PlaceOrder)
		r.Get("/orders/{orderId}", api.Orders.GetOrder)
		r.Post("/orders/{orderId}/start", api.Orders.Start)
		r.Post("/orders/{orderId}/deliver", api.Orders.Deliver)
		r.Post("/orders/{orderId}/approve", api.Orders.Approve)
		r.Post("/orders/{orderId}/revisions", api.Orders.RequestRevision)
		r.Post("/orders/{orderId}/cancel", api.Orders.Cancel)
	})
}
