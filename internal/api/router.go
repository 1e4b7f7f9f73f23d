/**
 * @description
 * HTTP router setup for the billing service using go-chi/chi.
 */
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/munisanluis/billing-service/internal/logger"
)

// RouterConfig carries what the router needs beyond the handler.
type RouterConfig struct {
	Keys           *JWKSCache
	Auth           AuthOptions
	InternalAPIKey string
	DevMode        bool
}

// NewRouter creates a new Chi router and registers billing routes.
func NewRouter(h *Handler, cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(logger.WithComponent("http")))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token", "X-Internal-API-Key", ActorHeader},
		ExposedHeaders:   []string{"Link", "Retry-After"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("Billing service is healthy"))
	})

	r.Post("/webhooks/recurrente", h.handleGatewayWebhook)

	r.Route("/billing", func(r chi.Router) {
		r.Get("/checkout/success", handleCheckoutReturn("success"))
		r.Get("/checkout/cancel", handleCheckoutReturn("cancelled"))

		r.Group(func(r chi.Router) {
			r.Use(JWTAuthMiddleware(cfg.Keys, cfg.Auth))
			r.Post("/accounts/link", h.handleLinkAccount)
			r.Get("/accounts/{accountID}/statement", h.handleStatement)
			r.Post("/accounts/{accountID}/checkout", h.handleCreateCheckout)
		})
	})

	r.Route("/internal/billing", func(r chi.Router) {
		r.Use(InternalAuthMiddleware(cfg.InternalAPIKey))
		r.Post("/invoices/generate", h.handleGenerateInvoices)
		r.Post("/invoices/{invoiceID}/void", h.handleVoidInvoice)
		r.Post("/accounts/{accountID}/payments", h.handleRegisterPayment)
		r.Get("/payments/{paymentID}", h.handlePaymentDetail)
		r.Post("/payments/{paymentID}/receipt", h.handleResendReceipt)
		if cfg.DevMode {
			r.Post("/payments/{paymentID}/simulate-success", h.handleSimulateSuccess)
		}
	})

	return r
}
