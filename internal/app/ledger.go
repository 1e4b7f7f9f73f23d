package app

import (
	"context"
	"errors"

	"github.com/munisanluis/billing-service/internal/domain"
	"github.com/munisanluis/billing-service/internal/money"
	"github.com/munisanluis/billing-service/internal/store"
	"github.com/shopspring/decimal"
)

// ErrInvoiceClosed is returned when voiding an invoice that is paid or void.
var ErrInvoiceClosed = errors.New("invoice is already paid or void")

// Apply is the only writer of an invoice's balance and status. It applies up
// to amount to the invoice and returns what did not fit. Paid and void
// invoices are left untouched and return the whole amount. invoice is updated
// in place to the persisted state.
func Apply(ctx context.Context, q store.Queries, invoice *domain.Invoice, amount decimal.Decimal) (decimal.Decimal, error) {
	if !invoice.Status.IsOpen() {
		return amount, nil
	}

	balance := invoice.CurrentBalance
	if !balance.IsPositive() {
		if err := q.UpdateInvoiceBalance(ctx, invoice.ID, balance, domain.InvoiceStatusPaid); err != nil {
			return amount, err
		}
		invoice.Status = domain.InvoiceStatusPaid
		return amount, nil
	}

	if !amount.IsPositive() {
		return amount, nil
	}

	applied := money.Min(balance, amount)
	newBalance := balance.Sub(applied)
	status := domain.InvoiceStatusPartial
	if !newBalance.IsPositive() {
		status = domain.InvoiceStatusPaid
	}

	if err := q.UpdateInvoiceBalance(ctx, invoice.ID, newBalance, status); err != nil {
		return amount, err
	}
	invoice.CurrentBalance = newBalance
	invoice.Status = status
	return amount.Sub(applied), nil
}

// VoidInvoice cancels an open invoice. Void is terminal: the balance is kept
// for the record but no payment will ever be applied to it.
func (s *Service) VoidInvoice(ctx context.Context, actor domain.Actor, invoiceID string) (*domain.Invoice, error) {
	if actor.UserID != "" && !actor.IsStaff() {
		return nil, ErrForbidden
	}

	var voided domain.Invoice
	err := s.repo.InTx(ctx, func(q store.Queries) error {
		invoice, err := q.GetInvoiceForUpdate(ctx, invoiceID)
		if err != nil {
			return err
		}
		if !invoice.Status.IsOpen() {
			return ErrInvoiceClosed
		}
		if err := q.UpdateInvoiceBalance(ctx, invoice.ID, invoice.CurrentBalance, domain.InvoiceStatusVoid); err != nil {
			return err
		}
		invoice.Status = domain.InvoiceStatusVoid
		voided = invoice
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info().Str("invoice_id", invoiceID).Str("actor", actor.UserID).Msg("invoice voided")
	return &voided, nil
}
