package app

import (
	"context"
	"errors"
	"strings"

	"github.com/munisanluis/billing-service/internal/domain"
	"github.com/munisanluis/billing-service/internal/money"
	"github.com/munisanluis/billing-service/internal/store"
	"github.com/shopspring/decimal"
)

// RegisterPaymentRequest is a payment taken in person or by bank transfer.
type RegisterPaymentRequest struct {
	Amount    decimal.Decimal      `json:"amount"`
	Method    domain.PaymentMethod `json:"method"`
	Reference string               `json:"reference"`
	Notes     string               `json:"notes"`
}

// RegisteredPayment is a recorded payment with how it was applied.
type RegisteredPayment struct {
	Payment      domain.Payment `json:"payment"`
	Distribution *Distribution  `json:"distribution"`
}

// RegisterPayment records a staff-collected payment and applies it to the
// account's open invoices in the same transaction. Online payments only enter
// through the gateway.
func (s *Service) RegisterPayment(ctx context.Context, actor domain.Actor, accountID string, req RegisterPaymentRequest) (*RegisteredPayment, error) {
	if !actor.IsStaff() {
		return nil, ErrForbidden
	}
	amount := money.Round(req.Amount)
	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	if !req.Method.Valid() || req.Method == domain.PaymentMethodOnline {
		return nil, ErrInvalidMethod
	}

	var result RegisteredPayment
	err := s.repo.InTx(ctx, func(q store.Queries) error {
		account, err := q.GetAccount(ctx, accountID)
		if err != nil {
			return err
		}

		payment := domain.Payment{
			AccountID:    account.ID,
			Amount:       amount,
			Method:       req.Method,
			Reference:    strings.TrimSpace(req.Reference),
			RegisteredBy: actor.UserRef(),
			Notes:        strings.TrimSpace(req.Notes),
		}
		if err := q.CreatePayment(ctx, &payment); err != nil {
			return err
		}

		dist, err := Distribute(ctx, q, payment)
		if err != nil {
			return err
		}
		result = RegisteredPayment{Payment: payment, Distribution: dist}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info().
		Str("payment_id", result.Payment.ID).
		Str("account_id", accountID).
		Str("method", string(req.Method)).
		Str("amount", amount.StringFixed(2)).
		Str("leftover", result.Distribution.Leftover.StringFixed(2)).
		Msg("payment registered")

	s.afterPaymentConfirmed(ctx, result.Payment, result.Distribution)
	return &result, nil
}

// PaymentDetail returns a payment with its allocations and the gateway
// transaction that confirmed it, if any.
func (s *Service) PaymentDetail(ctx context.Context, actor domain.Actor, paymentID string) (*domain.PaymentDetail, error) {
	if actor.UserID != "" && !actor.IsStaff() {
		return nil, ErrForbidden
	}

	payment, err := s.repo.GetPayment(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	allocations, err := s.repo.ListAllocations(ctx, payment.ID)
	if err != nil {
		return nil, err
	}
	if allocations == nil {
		allocations = []domain.PaymentAllocation{}
	}

	detail := &domain.PaymentDetail{Payment: payment, Allocations: allocations}
	txn, err := s.repo.GetGatewayTransactionByPayment(ctx, payment.ID)
	switch {
	case err == nil:
		detail.Transaction = &txn
	case !errors.Is(err, store.ErrTransactionNotFound):
		return nil, err
	}
	return detail, nil
}
