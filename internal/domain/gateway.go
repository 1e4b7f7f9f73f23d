package domain

import (
	"encoding/json"
	"time"
)

// GatewayStatus is the processing state of a gateway transaction.
type GatewayStatus string

const (
	GatewayStatusPending GatewayStatus = "pending"
	GatewayStatusSuccess GatewayStatus = "success"
	GatewayStatusFailed  GatewayStatus = "failed"
	GatewayStatusIgnored GatewayStatus = "ignored"
)

// IsTerminal reports whether no further event may change the transaction.
func (s GatewayStatus) IsTerminal() bool {
	return s == GatewayStatusSuccess || s == GatewayStatusFailed
}

// GatewayTransaction is the local record of one external payment-processor
// order. ExternalID is unique across all rows.
type GatewayTransaction struct {
	ID         string          `json:"id"`
	PaymentID  *string         `json:"payment_id,omitempty"`
	Gateway    string          `json:"gateway"`
	ExternalID string          `json:"external_id"`
	Status     GatewayStatus   `json:"status"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// PaymentDetail bundles a payment with its audit trail.
type PaymentDetail struct {
	Payment     Payment             `json:"payment"`
	Allocations []PaymentAllocation `json:"allocations"`
	Transaction *GatewayTransaction `json:"transaction,omitempty"`
}

// Statement summarizes an account's outstanding invoices.
type Statement struct {
	Account  Account   `json:"account"`
	Invoices []Invoice `json:"invoices"`
	Total    string    `json:"total"`
}
