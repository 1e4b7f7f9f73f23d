package app

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/munisanluis/billing-service/internal/domain"
	"github.com/munisanluis/billing-service/internal/money"
	"github.com/munisanluis/billing-service/internal/store"
)

var ErrInvalidLinkRequest = errors.New("tax id and cadastral code are required")

// LinkAccountRequest identifies the account a citizen wants to claim.
type LinkAccountRequest struct {
	TaxID         string `json:"tax_id"`
	CadastralCode string `json:"cadastral_code"`
	Holder        string `json:"holder,omitempty"`
}

// LinkAccount attaches an active account to the calling user. Re-linking an
// account the user already owns is a no-op.
func (s *Service) LinkAccount(ctx context.Context, actor domain.Actor, req LinkAccountRequest) (*domain.Account, error) {
	if actor.UserID == "" {
		return nil, ErrForbidden
	}
	taxID := strings.TrimSpace(req.TaxID)
	cadastralCode := strings.TrimSpace(req.CadastralCode)
	holder := strings.TrimSpace(req.Holder)
	if taxID == "" || cadastralCode == "" {
		return nil, ErrInvalidLinkRequest
	}

	var linked domain.Account
	err := s.repo.InTx(ctx, func(q store.Queries) error {
		account, err := q.FindAccountForLinking(ctx, taxID, cadastralCode, holder)
		if err != nil {
			return err
		}
		if account.OwnerID != nil && *account.OwnerID != actor.UserID {
			return ErrAccountAlreadyLinked
		}
		if account.OwnerID == nil {
			if err := q.SetAccountOwner(ctx, account.ID, actor.UserID); err != nil {
				return err
			}
			account.OwnerID = actor.UserRef()
		}
		linked = account
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info().Str("account_id", linked.ID).Str("user_id", actor.UserID).Msg("account linked")
	return &linked, nil
}

// Statement brings the account's invoices up to date for the current year
// and returns what is still owed, oldest period first.
func (s *Service) Statement(ctx context.Context, actor domain.Actor, accountID string) (*domain.Statement, error) {
	var statement domain.Statement
	err := s.repo.InTx(ctx, func(q store.Queries) error {
		account, err := s.authorizeAccount(ctx, q, actor, accountID)
		if err != nil {
			return err
		}

		if account.Active {
			today := s.today()
			from := time.Date(today.Year(), time.January, 1, 0, 0, 0, 0, s.loc)
			if _, err := s.ensurePendingInvoices(ctx, q, account.ID, from, today); err != nil {
				return err
			}
		}

		invoices, err := q.ListOpenInvoices(ctx, account.ID)
		if err != nil {
			return err
		}

		total := money.Zero()
		for _, inv := range invoices {
			total = total.Add(inv.CurrentBalance)
		}
		if invoices == nil {
			invoices = []domain.Invoice{}
		}
		statement = domain.Statement{Account: account, Invoices: invoices, Total: money.Round(total).StringFixed(2)}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &statement, nil
}
