package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/munisanluis/billing-service/internal/domain"
	"github.com/munisanluis/billing-service/internal/money"
)

// ErrReceiptNotSent is returned when a requested receipt could not be queued.
var ErrReceiptNotSent = errors.New("receipt could not be sent")

const notifyTimeout = 10 * time.Second

// SendReceipt queues a receipt for the payment and reports whether it was
// accepted. Failures are logged, never returned.
func (s *Service) SendReceipt(ctx context.Context, paymentID string) bool {
	if s.publisher == nil {
		return false
	}

	payment, err := s.repo.GetPayment(ctx, paymentID)
	if err != nil {
		s.log.Error().Err(err).Str("payment_id", paymentID).Msg("receipt: load payment")
		return false
	}
	account, err := s.repo.GetAccount(ctx, payment.AccountID)
	if err != nil {
		s.log.Error().Err(err).Str("payment_id", paymentID).Msg("receipt: load account")
		return false
	}
	allocations, err := s.repo.ListAllocations(ctx, payment.ID)
	if err != nil {
		s.log.Error().Err(err).Str("payment_id", paymentID).Msg("receipt: load allocations")
		return false
	}

	event := ReceiptRequestedEvent{
		PaymentID: payment.ID,
		AccountID: account.ID,
		Holder:    account.Holder,
		Amount:    payment.Amount,
		Method:    string(payment.Method),
		Reference: payment.Reference,
		PaidAt:    payment.CreatedAt,
	}
	if account.OwnerID != nil {
		event.RecipientUserID = *account.OwnerID
	}
	for _, a := range allocations {
		event.Lines = append(event.Lines, ReceiptLine{InvoiceID: a.InvoiceID, Amount: a.AmountApplied})
	}

	if err := s.publisher.Publish(ctx, s.opts.Exchange, RoutingReceiptRequested, event); err != nil {
		s.log.Error().Err(err).Str("payment_id", paymentID).Msg("receipt: publish")
		return false
	}
	return true
}

// ResendReceipt lets staff queue a payment's receipt again.
func (s *Service) ResendReceipt(ctx context.Context, actor domain.Actor, paymentID string) error {
	if actor.UserID != "" && !actor.IsStaff() {
		return ErrForbidden
	}
	if _, err := s.repo.GetPayment(ctx, paymentID); err != nil {
		return err
	}
	if !s.SendReceipt(ctx, paymentID) {
		return ErrReceiptNotSent
	}
	return nil
}

// afterPaymentConfirmed runs once the confirming transaction has committed.
// Nothing here can affect the caller's outcome: errors and panics are logged.
func (s *Service) afterPaymentConfirmed(ctx context.Context, payment domain.Payment, dist *Distribution) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), notifyTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().Str("payment_id", payment.ID).Str("panic", fmt.Sprint(r)).Msg("post-commit notification panicked")
		}
	}()

	if s.publisher != nil {
		applied := money.Zero()
		leftover := payment.Amount
		if dist != nil {
			for _, a := range dist.Allocations {
				applied = applied.Add(a.AmountApplied)
			}
			leftover = dist.Leftover
		}
		event := PaymentConfirmedEvent{
			PaymentID:   payment.ID,
			AccountID:   payment.AccountID,
			Amount:      payment.Amount,
			Applied:     applied,
			Leftover:    leftover,
			Method:      string(payment.Method),
			Reference:   payment.Reference,
			ConfirmedAt: s.now().UTC(),
		}
		if err := s.publisher.Publish(ctx, s.opts.Exchange, RoutingPaymentConfirmed, event); err != nil {
			s.log.Warn().Err(err).Str("payment_id", payment.ID).Msg("failed to publish payment confirmation")
		}
	}

	if !s.SendReceipt(ctx, payment.ID) {
		s.log.Warn().Str("payment_id", payment.ID).Msg("receipt not sent")
	}
}
