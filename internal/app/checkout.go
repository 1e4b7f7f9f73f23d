package app

import (
	"context"
	"fmt"

	"github.com/munisanluis/billing-service/internal/domain"
	"github.com/munisanluis/billing-service/internal/money"
	"github.com/munisanluis/billing-service/internal/store"
	"github.com/munisanluis/billing-service/pkg/gatewayclient"
	"github.com/shopspring/decimal"
)

// CheckoutResult is what the citizen needs to complete an online payment.
type CheckoutResult struct {
	PaymentID   string          `json:"payment_id"`
	SessionID   string          `json:"session_id"`
	CheckoutURL string          `json:"checkout_url"`
	NetAmount   decimal.Decimal `json:"net_amount"`
	GrossAmount decimal.Decimal `json:"gross_amount"`
	Invoices    int             `json:"invoices"`
}

// CreateCheckout charges every open invoice of the account in one hosted
// checkout. The payer covers the gateway fee; the pending online payment
// records the net amount the municipality will receive.
func (s *Service) CreateCheckout(ctx context.Context, actor domain.Actor, accountID string) (*CheckoutResult, error) {
	if err := s.enforceRateLimit(ctx, checkoutRateLimitScope, actor.UserID, s.opts.CheckoutLimitPerMinute); err != nil {
		return nil, err
	}

	var (
		account  domain.Account
		payment  domain.Payment
		gross    decimal.Decimal
		invoices int
	)
	err := s.repo.InTx(ctx, func(q store.Queries) error {
		var err error
		account, err = s.authorizeAccount(ctx, q, actor, accountID)
		if err != nil {
			return err
		}
		if !account.Active {
			return ErrAccountInactive
		}

		open, err := q.ListOpenInvoices(ctx, account.ID)
		if err != nil {
			return err
		}
		net := money.Zero()
		for _, inv := range open {
			net = net.Add(inv.CurrentBalance)
		}
		net = money.Round(net)
		if !net.IsPositive() {
			return ErrNothingToPay
		}

		gross, err = money.GrossUp(net, s.opts.FeeRate, s.opts.FeeFixed)
		if err != nil {
			return err
		}
		invoices = len(open)

		payment = domain.Payment{
			AccountID:    account.ID,
			Amount:       net,
			Method:       domain.PaymentMethodOnline,
			RegisteredBy: actor.UserRef(),
			Notes:        "Checkout started with Recurrente",
		}
		return q.CreatePayment(ctx, &payment)
	})
	if err != nil {
		return nil, err
	}

	req := gatewayclient.CheckoutRequest{
		Items: []gatewayclient.Item{{
			Name:          fmt.Sprintf(checkoutItemNameTemplate, invoices),
			Currency:      s.opts.Currency,
			AmountInCents: money.ToMinorUnits(gross),
			Quantity:      1,
		}},
		SuccessURL: s.opts.SuccessURL,
		CancelURL:  s.opts.CancelURL,
		Metadata: map[string]any{
			"pago_id":   payment.ID,
			"cuenta_id": account.ID,
		},
	}
	if account.OwnerID != nil {
		req.UserID = *account.OwnerID
	}

	session, err := s.gateway.CreateCheckoutSession(ctx, req)
	if err != nil {
		s.log.Error().Err(err).Str("payment_id", payment.ID).Str("account_id", account.ID).Msg("checkout session failed")
		return nil, fmt.Errorf("create checkout session: %w", err)
	}

	s.log.Info().
		Str("payment_id", payment.ID).
		Str("account_id", account.ID).
		Str("net", payment.Amount.StringFixed(2)).
		Str("gross", gross.StringFixed(2)).
		Msg("checkout created")

	return &CheckoutResult{
		PaymentID:   payment.ID,
		SessionID:   session.ID,
		CheckoutURL: session.CheckoutURL,
		NetAmount:   payment.Amount,
		GrossAmount: gross,
		Invoices:    invoices,
	}, nil
}
