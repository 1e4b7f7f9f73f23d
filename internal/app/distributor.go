package app

import (
	"context"
	"fmt"

	"github.com/munisanluis/billing-service/internal/domain"
	"github.com/munisanluis/billing-service/internal/store"
	"github.com/shopspring/decimal"
)

// Distribution is the outcome of spreading one payment over open invoices.
type Distribution struct {
	Allocations []domain.PaymentAllocation `json:"allocations"`
	// Leftover is the part of the payment no open invoice could absorb. It is
	// reported but not stored as credit.
	Leftover decimal.Decimal `json:"leftover"`
}

// Distribute applies payment to the account's open invoices, oldest period
// first, recording one allocation per invoice that received money. It must
// run inside the caller's transaction so invoice locks and allocations commit
// together.
func Distribute(ctx context.Context, q store.Queries, payment domain.Payment) (*Distribution, error) {
	result := &Distribution{Leftover: payment.Amount}
	if !payment.Amount.IsPositive() {
		return result, nil
	}

	invoices, err := q.ListOpenInvoicesForUpdate(ctx, payment.AccountID)
	if err != nil {
		return nil, fmt.Errorf("lock open invoices: %w", err)
	}

	remaining := payment.Amount
	for i := range invoices {
		if !remaining.IsPositive() {
			break
		}
		invoice := &invoices[i]
		before := invoice.CurrentBalance

		remaining, err = Apply(ctx, q, invoice, remaining)
		if err != nil {
			return nil, fmt.Errorf("apply to invoice %s: %w", invoice.ID, err)
		}

		applied := before.Sub(invoice.CurrentBalance)
		if !applied.IsPositive() {
			continue
		}
		allocation := domain.PaymentAllocation{
			PaymentID:     payment.ID,
			InvoiceID:     invoice.ID,
			AmountApplied: applied,
		}
		if err := q.CreateAllocation(ctx, &allocation); err != nil {
			return nil, fmt.Errorf("record allocation: %w", err)
		}
		result.Allocations = append(result.Allocations, allocation)
	}

	result.Leftover = remaining
	return result, nil
}
