package app

import (
	"time"

	"github.com/shopspring/decimal"
)

// Exchange and routing keys of the events this service emits.
const (
	EventsExchange           = "muni.events"
	RoutingPaymentConfirmed  = "billing.payment.confirmed"
	RoutingReceiptRequested  = "billing.receipt.requested"
	GatewayName              = "recurrente"
	checkoutRateLimitScope   = "checkout"
	checkoutItemNameTemplate = "Pago tren de aseo (%d meses)"
)

// PaymentConfirmedEvent is published once a payment has been applied.
type PaymentConfirmedEvent struct {
	PaymentID   string          `json:"payment_id"`
	AccountID   string          `json:"account_id"`
	Amount      decimal.Decimal `json:"amount"`
	Applied     decimal.Decimal `json:"applied"`
	Leftover    decimal.Decimal `json:"leftover"`
	Method      string          `json:"method"`
	Reference   string          `json:"reference"`
	ConfirmedAt time.Time       `json:"confirmed_at"`
}

// ReceiptLine is one invoice covered by a receipt.
type ReceiptLine struct {
	InvoiceID string          `json:"invoice_id"`
	Amount    decimal.Decimal `json:"amount"`
}

// ReceiptRequestedEvent asks the notification pipeline to deliver a receipt
// to the account owner. Rendering happens downstream.
type ReceiptRequestedEvent struct {
	PaymentID       string          `json:"payment_id"`
	AccountID       string          `json:"account_id"`
	RecipientUserID string          `json:"recipient_user_id,omitempty"`
	Holder          string          `json:"holder"`
	Amount          decimal.Decimal `json:"amount"`
	Method          string          `json:"method"`
	Reference       string          `json:"reference"`
	PaidAt          time.Time       `json:"paid_at"`
	Lines           []ReceiptLine   `json:"lines"`
}
