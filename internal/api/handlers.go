/**
 * @description
 * HTTP handlers for the billing service.
 */
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/munisanluis/billing-service/internal/app"
	"github.com/munisanluis/billing-service/internal/domain"
	"github.com/munisanluis/billing-service/internal/logger"
	"github.com/munisanluis/billing-service/internal/store"
	"github.com/munisanluis/billing-service/internal/webhook"
	"github.com/munisanluis/billing-service/pkg/gatewayclient"
	"github.com/rs/zerolog"
)

// maxWebhookBody caps gateway callback bodies.
const maxWebhookBody = 1 << 20

// BillingService is the application surface the handlers use.
type BillingService interface {
	LinkAccount(ctx context.Context, actor domain.Actor, req app.LinkAccountRequest) (*domain.Account, error)
	Statement(ctx context.Context, actor domain.Actor, accountID string) (*domain.Statement, error)
	CreateCheckout(ctx context.Context, actor domain.Actor, accountID string) (*app.CheckoutResult, error)
	HandleGatewayWebhook(ctx context.Context, header http.Header, body []byte) (*app.ReconcileResult, error)
	GenerateMonthlyInvoices(ctx context.Context, at time.Time) (*app.InvoiceGenerationResult, error)
	VoidInvoice(ctx context.Context, actor domain.Actor, invoiceID string) (*domain.Invoice, error)
	RegisterPayment(ctx context.Context, actor domain.Actor, accountID string, req app.RegisterPaymentRequest) (*app.RegisteredPayment, error)
	PaymentDetail(ctx context.Context, actor domain.Actor, paymentID string) (*domain.PaymentDetail, error)
	ResendReceipt(ctx context.Context, actor domain.Actor, paymentID string) error
	SimulateSuccess(ctx context.Context, paymentID string) (*app.ReconcileResult, error)
}

var _ BillingService = (*app.Service)(nil)

// Handler holds the application service that handlers will interact with.
type Handler struct {
	service BillingService
	log     zerolog.Logger
}

// NewHandler creates a new Handler with the given service.
func NewHandler(service BillingService) *Handler {
	return &Handler{service: service, log: logger.WithComponent("api")}
}

func (h *Handler) handleLinkAccount(w http.ResponseWriter, r *http.Request) {
	actor, ok := ActorFromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var req app.LinkAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	account, err := h.service.LinkAccount(r.Context(), actor, req)
	if err != nil {
		h.respondWithError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, account)
}

func (h *Handler) handleStatement(w http.ResponseWriter, r *http.Request) {
	actor, accountID, ok := h.actorAndID(w, r, "accountID")
	if !ok {
		return
	}

	statement, err := h.service.Statement(r.Context(), actor, accountID)
	if err != nil {
		h.respondWithError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, statement)
}

func (h *Handler) handleCreateCheckout(w http.ResponseWriter, r *http.Request) {
	actor, accountID, ok := h.actorAndID(w, r, "accountID")
	if !ok {
		return
	}

	result, err := h.service.CreateCheckout(r.Context(), actor, accountID)
	if err != nil {
		h.respondWithError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusCreated, result)
}

// handleCheckoutReturn answers the gateway's browser redirect. Settlement
// happens only through the webhook.
func handleCheckoutReturn(status string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		respondWithJSON(w, http.StatusOK, map[string]string{
			"status":      status,
			"checkout_id": r.URL.Query().Get("checkout_id"),
		})
	}
}

func (h *Handler) handleGatewayWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		http.Error(w, "Cannot read request body", http.StatusBadRequest)
		return
	}

	result, err := h.service.HandleGatewayWebhook(r.Context(), r.Header, body)
	if err != nil {
		h.respondWithError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, result)
}

func (h *Handler) handleGenerateInvoices(w http.ResponseWriter, r *http.Request) {
	at := time.Now()
	if raw := strings.TrimSpace(r.URL.Query().Get("date")); raw != "" {
		parsed, err := time.Parse("2006-01-02", raw)
		if err != nil {
			http.Error(w, "date must be YYYY-MM-DD", http.StatusBadRequest)
			return
		}
		at = parsed
	}

	result, err := h.service.GenerateMonthlyInvoices(r.Context(), at)
	if err != nil {
		h.respondWithError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, result)
}

func (h *Handler) handleVoidInvoice(w http.ResponseWriter, r *http.Request) {
	actor, invoiceID, ok := h.actorAndID(w, r, "invoiceID")
	if !ok {
		return
	}

	invoice, err := h.service.VoidInvoice(r.Context(), actor, invoiceID)
	if err != nil {
		h.respondWithError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, invoice)
}

func (h *Handler) handleRegisterPayment(w http.ResponseWriter, r *http.Request) {
	actor, accountID, ok := h.actorAndID(w, r, "accountID")
	if !ok {
		return
	}

	var req app.RegisterPaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	result, err := h.service.RegisterPayment(r.Context(), actor, accountID, req)
	if err != nil {
		h.respondWithError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusCreated, result)
}

func (h *Handler) handlePaymentDetail(w http.ResponseWriter, r *http.Request) {
	actor, paymentID, ok := h.actorAndID(w, r, "paymentID")
	if !ok {
		return
	}

	detail, err := h.service.PaymentDetail(r.Context(), actor, paymentID)
	if err != nil {
		h.respondWithError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, detail)
}

func (h *Handler) handleResendReceipt(w http.ResponseWriter, r *http.Request) {
	actor, paymentID, ok := h.actorAndID(w, r, "paymentID")
	if !ok {
		return
	}

	if err := h.service.ResendReceipt(r.Context(), actor, paymentID); err != nil {
		h.respondWithError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

func (h *Handler) handleSimulateSuccess(w http.ResponseWriter, r *http.Request) {
	_, paymentID, ok := h.actorAndID(w, r, "paymentID")
	if !ok {
		return
	}

	result, err := h.service.SimulateSuccess(r.Context(), paymentID)
	if err != nil {
		h.respondWithError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, result)
}

// actorAndID loads the actor and a UUID path parameter. Malformed ids are
// reported as not found.
func (h *Handler) actorAndID(w http.ResponseWriter, r *http.Request, param string) (domain.Actor, string, bool) {
	actor, ok := ActorFromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return domain.Actor{}, "", false
	}
	id := chi.URLParam(r, param)
	if _, err := uuid.Parse(id); err != nil {
		http.Error(w, "Not found", http.StatusNotFound)
		return domain.Actor{}, "", false
	}
	return actor, id, true
}

// mapServiceError converts service errors to an HTTP status and a message
// safe to show to the caller.
func mapServiceError(err error) (int, string) {
	var rateErr *app.RateLimitError
	if errors.As(err, &rateErr) {
		return http.StatusTooManyRequests, "Too many checkout attempts. Try again later."
	}
	var gwErr *gatewayclient.GatewayError
	if errors.As(err, &gwErr) {
		return http.StatusBadGateway, "Payment gateway unavailable."
	}

	switch {
	case errors.Is(err, webhook.ErrMissingSecret),
		errors.Is(err, webhook.ErrMissingHeaders),
		errors.Is(err, webhook.ErrInvalidSignature),
		errors.Is(err, webhook.ErrInvalidTimestamp),
		errors.Is(err, webhook.ErrTimestampTooOld):
		return http.StatusUnauthorized, "Invalid signature."
	case errors.Is(err, webhook.ErrMalformedPayload),
		errors.Is(err, webhook.ErrMissingExternalID),
		errors.Is(err, app.ErrMissingPaymentRef),
		errors.Is(err, app.ErrUnknownPaymentRef):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, store.ErrAccountNotFound),
		errors.Is(err, store.ErrInvoiceNotFound),
		errors.Is(err, store.ErrPaymentNotFound),
		errors.Is(err, app.ErrDevModeDisabled):
		return http.StatusNotFound, "Not found."
	case errors.Is(err, app.ErrForbidden):
		return http.StatusForbidden, "Forbidden."
	case errors.Is(err, app.ErrAccountAlreadyLinked),
		errors.Is(err, app.ErrInvoiceClosed):
		return http.StatusConflict, err.Error()
	case errors.Is(err, app.ErrNothingToPay),
		errors.Is(err, app.ErrInvalidAmount),
		errors.Is(err, app.ErrInvalidMethod),
		errors.Is(err, app.ErrInvalidLinkRequest),
		errors.Is(err, app.ErrAccountInactive):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, app.ErrReceiptNotSent),
		errors.Is(err, gatewayclient.ErrNotConfigured):
		return http.StatusServiceUnavailable, err.Error()
	}
	return http.StatusInternalServerError, "Internal Server Error"
}

func (h *Handler) respondWithError(w http.ResponseWriter, r *http.Request, err error) {
	code, message := mapServiceError(err)
	event := h.log.Warn()
	if code >= http.StatusInternalServerError {
		event = h.log.Error()
	}
	event.Err(err).Str("method", r.Method).Str("path", r.URL.Path).Int("status", code).Msg("request failed")

	var rateErr *app.RateLimitError
	if errors.As(err, &rateErr) && rateErr.RetryAfterSeconds > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(rateErr.RetryAfterSeconds))
	}
	respondWithJSON(w, code, map[string]string{"error": message})
}

// respondWithJSON writes JSON responses.
func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	response, err := json.Marshal(payload)
	if err != nil {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(response)
}
