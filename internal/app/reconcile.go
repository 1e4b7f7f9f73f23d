package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/munisanluis/billing-service/internal/domain"
	"github.com/munisanluis/billing-service/internal/store"
	"github.com/munisanluis/billing-service/internal/webhook"
)

var (
	// ErrMissingPaymentRef means the event carried no pago_id. The transaction
	// row is kept as ignored for audit.
	ErrMissingPaymentRef = errors.New("missing pago_id in metadata")
	// ErrUnknownPaymentRef means pago_id does not name an online payment.
	ErrUnknownPaymentRef = errors.New("pago_id does not match an online payment")
)

// devExternalIDPrefix marks transactions created by SimulateSuccess.
const devExternalIDPrefix = "pa_DEV_"

// ReconcileResult describes what a gateway event did.
type ReconcileResult struct {
	ExternalID   string               `json:"external_id"`
	EventType    string               `json:"event_type"`
	Status       domain.GatewayStatus `json:"status"`
	PaymentID    string               `json:"payment_id,omitempty"`
	Duplicate    bool                 `json:"duplicate"`
	Distribution *Distribution        `json:"distribution,omitempty"`
}

// HandleGatewayWebhook verifies a signed callback and reconciles it.
// Signature and envelope errors come back unwrapped from the webhook package.
func (s *Service) HandleGatewayWebhook(ctx context.Context, header http.Header, body []byte) (*ReconcileResult, error) {
	if err := s.verifier.Verify(header, body); err != nil {
		s.log.Warn().Err(err).Msg("rejected gateway callback")
		return nil, err
	}
	evt, err := webhook.ParseEvent(body)
	if err != nil {
		s.log.Warn().Err(err).Msg("unusable gateway callback")
		return nil, err
	}
	return s.Reconcile(ctx, evt)
}

// Reconcile applies a normalized gateway event exactly once per external id.
// Everything up to the status change commits atomically; the receipt goes out
// only after commit.
func (s *Service) Reconcile(ctx context.Context, evt webhook.Event) (*ReconcileResult, error) {
	result := &ReconcileResult{ExternalID: evt.ExternalID, EventType: evt.Type}
	var (
		confirmed *domain.Payment
		rejected  error
	)

	err := s.repo.InTx(ctx, func(q store.Queries) error {
		txn, err := q.GetOrCreateGatewayTransaction(ctx, GatewayName, evt.ExternalID, evt.Raw)
		if err != nil {
			return err
		}
		if txn.Status.IsTerminal() {
			result.Status = txn.Status
			result.Duplicate = true
			if txn.PaymentID != nil {
				result.PaymentID = *txn.PaymentID
			}
			return nil
		}

		payment, err := s.lockReferencedPayment(ctx, q, evt.PaymentRef)
		if err != nil {
			if !errors.Is(err, ErrMissingPaymentRef) && !errors.Is(err, ErrUnknownPaymentRef) {
				return err
			}
			rejected = err
			txn.Status = domain.GatewayStatusIgnored
			txn.Payload = evt.Raw
			result.Status = txn.Status
			return q.SaveGatewayTransaction(ctx, &txn)
		}
		result.PaymentID = payment.ID

		switch evt.Outcome() {
		case webhook.OutcomeSuccess:
			settled, err := q.GetGatewayTransactionByPayment(ctx, payment.ID)
			if err == nil && settled.ID != txn.ID && settled.Status == domain.GatewayStatusSuccess {
				// Another external order already paid this payment.
				txn.Status = domain.GatewayStatusIgnored
				txn.PaymentID = &payment.ID
				txn.Payload = evt.Raw
				result.Status = txn.Status
				result.Duplicate = true
				return q.SaveGatewayTransaction(ctx, &txn)
			}
			if err != nil && !errors.Is(err, store.ErrTransactionNotFound) {
				return err
			}

			if payment.Reference == "" {
				if err := q.SetPaymentReference(ctx, payment.ID, evt.ExternalID); err != nil {
					return err
				}
				payment.Reference = evt.ExternalID
			}
			dist, err := Distribute(ctx, q, payment)
			if err != nil {
				return err
			}
			txn.Status = domain.GatewayStatusSuccess
			txn.PaymentID = &payment.ID
			txn.Payload = evt.Raw
			if err := q.SaveGatewayTransaction(ctx, &txn); err != nil {
				return err
			}
			result.Status = txn.Status
			result.Distribution = dist
			confirmed = &payment

		case webhook.OutcomeFailure:
			txn.Status = domain.GatewayStatusFailed
			txn.PaymentID = &payment.ID
			txn.Payload = evt.Raw
			result.Status = txn.Status
			return q.SaveGatewayTransaction(ctx, &txn)

		default:
			txn.Payload = evt.Raw
			result.Status = txn.Status
			return q.SaveGatewayTransaction(ctx, &txn)
		}
		return nil
	})
	if err != nil {
		s.log.Error().Err(err).Str("external_id", evt.ExternalID).Str("event_type", evt.Type).Msg("reconciliation failed")
		return nil, err
	}

	s.log.Info().
		Str("external_id", evt.ExternalID).
		Str("event_type", evt.Type).
		Str("status", string(result.Status)).
		Str("payment_id", result.PaymentID).
		Bool("duplicate", result.Duplicate).
		Msg("gateway event reconciled")

	if confirmed != nil {
		s.afterPaymentConfirmed(ctx, *confirmed, result.Distribution)
	}
	if rejected != nil {
		return result, rejected
	}
	return result, nil
}

// lockReferencedPayment resolves pago_id to an online payment and locks it.
func (s *Service) lockReferencedPayment(ctx context.Context, q store.Queries, ref string) (domain.Payment, error) {
	if ref == "" {
		return domain.Payment{}, ErrMissingPaymentRef
	}
	if _, err := uuid.Parse(ref); err != nil {
		return domain.Payment{}, ErrUnknownPaymentRef
	}
	payment, err := q.GetPaymentForUpdate(ctx, ref)
	if errors.Is(err, store.ErrPaymentNotFound) {
		return domain.Payment{}, ErrUnknownPaymentRef
	}
	if err != nil {
		return domain.Payment{}, err
	}
	if payment.Method != domain.PaymentMethodOnline {
		return domain.Payment{}, ErrUnknownPaymentRef
	}
	return payment, nil
}

// SimulateSuccess confirms an online payment as if the gateway had reported a
// card success. Only available in development mode.
func (s *Service) SimulateSuccess(ctx context.Context, paymentID string) (*ReconcileResult, error) {
	if !s.opts.DevMode {
		return nil, ErrDevModeDisabled
	}
	if _, err := uuid.Parse(paymentID); err != nil {
		return nil, store.ErrPaymentNotFound
	}
	if _, err := s.repo.GetPayment(ctx, paymentID); err != nil {
		return nil, err
	}

	raw, err := json.Marshal(map[string]any{
		"dev": true,
		"now": s.now().UTC(),
	})
	if err != nil {
		return nil, fmt.Errorf("encode dev payload: %w", err)
	}
	return s.Reconcile(ctx, webhook.Event{
		Type:       "payment_intent.succeeded",
		ExternalID: devExternalIDPrefix + paymentID,
		PaymentRef: paymentID,
		Metadata:   map[string]any{"pago_id": paymentID},
		Raw:        raw,
	})
}
