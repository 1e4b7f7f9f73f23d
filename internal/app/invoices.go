package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/munisanluis/billing-service/internal/domain"
	"github.com/munisanluis/billing-service/internal/money"
	"github.com/munisanluis/billing-service/internal/store"
)

// InvoiceGenerationResult summarizes a generation pass over all accounts.
type InvoiceGenerationResult struct {
	Year            int `json:"year"`
	Month           int `json:"month"`
	AccountsScanned int `json:"accounts_scanned"`
	InvoicesCreated int `json:"invoices_created"`
	Failures        int `json:"failures"`
}

// MonthsLate is the calendar-month distance from due to today, zero unless
// today is after due. Day of month is ignored: Jan 31 to Feb 1 counts as one.
func MonthsLate(due, today time.Time) int {
	dy, dm, dd := due.Date()
	ty, tm, td := today.Date()
	dueDay := time.Date(dy, dm, dd, 0, 0, 0, 0, time.UTC)
	todayDay := time.Date(ty, tm, td, 0, 0, 0, 0, time.UTC)
	if !todayDay.After(dueDay) {
		return 0
	}
	months := (ty-dy)*12 + int(tm) - int(dm)
	if months < 0 {
		return 0
	}
	return months
}

// EnsurePendingInvoices creates the missing invoices of account for every
// calendar month from..to inclusive, in one transaction, and returns the ones
// it created.
func (s *Service) EnsurePendingInvoices(ctx context.Context, accountID string, from, to time.Time) ([]domain.Invoice, error) {
	var created []domain.Invoice
	err := s.repo.InTx(ctx, func(q store.Queries) error {
		var err error
		created, err = s.ensurePendingInvoices(ctx, q, accountID, from, to)
		return err
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

func (s *Service) ensurePendingInvoices(ctx context.Context, q store.Queries, accountID string, from, to time.Time) ([]domain.Invoice, error) {
	fy, fm, _ := from.Date()
	ty, tm, _ := to.Date()
	if fy > ty || (fy == ty && fm > tm) {
		return nil, ErrInvalidRange
	}

	schedules, err := q.ListRateSchedules(ctx)
	if err != nil {
		return nil, fmt.Errorf("load rate schedules: %w", err)
	}
	today := s.today()

	var created []domain.Invoice
	for y, m := fy, fm; y < ty || (y == ty && m <= tm); {
		period, err := s.EnsurePeriod(ctx, q, y, int(m))
		if err != nil {
			return nil, fmt.Errorf("ensure period %d-%02d: %w", y, m, err)
		}

		invoice, ok, err := s.createInvoice(ctx, q, accountID, period, schedules, today)
		if err != nil {
			return nil, err
		}
		if ok {
			created = append(created, invoice)
		}

		if m == time.December {
			y, m = y+1, time.January
		} else {
			m++
		}
	}
	return created, nil
}

// createInvoice prices and inserts one period's invoice. It reports false when
// the invoice already exists or no rate covers the month.
func (s *Service) createInvoice(ctx context.Context, q store.Queries, accountID string, period domain.BillingPeriod, schedules []domain.RateSchedule, today time.Time) (domain.Invoice, bool, error) {
	exists, err := q.InvoiceExists(ctx, accountID, period.ID)
	if err != nil {
		return domain.Invoice{}, false, err
	}
	if exists {
		return domain.Invoice{}, false, nil
	}

	firstOfMonth := time.Date(period.Year, time.Month(period.Month), 1, 0, 0, 0, 0, s.loc)
	rate, err := SelectRate(schedules, firstOfMonth)
	if errors.Is(err, ErrRateNotFound) {
		s.log.Debug().Str("account_id", accountID).Str("period", period.Label()).Msg("no rate schedule for period, skipping")
		return domain.Invoice{}, false, nil
	}
	if err != nil {
		return domain.Invoice{}, false, err
	}

	base := money.Round(rate.BaseAmount)
	surcharge := money.LateFee(base, rate.LateFeePercent, rate.LateFeeFixed, MonthsLate(period.DueDate, today))
	total := base.Add(surcharge)

	invoice := domain.Invoice{
		AccountID:      accountID,
		PeriodID:       period.ID,
		RateScheduleID: rate.ID,
		Period:         period,
		BaseAmount:     base,
		Surcharge:      surcharge,
		Discount:       money.Zero(),
		Total:          total,
		CurrentBalance: total,
		Status:         domain.InvoiceStatusPending,
	}
	ok, err := q.CreateInvoice(ctx, &invoice)
	if err != nil {
		return domain.Invoice{}, false, fmt.Errorf("create invoice for %s: %w", period.Label(), err)
	}
	return invoice, ok, nil
}

// GenerateMonthlyInvoices creates the invoice of the month containing at for
// every active account. Each account commits on its own so one failure does
// not hold back the rest.
func (s *Service) GenerateMonthlyInvoices(ctx context.Context, at time.Time) (*InvoiceGenerationResult, error) {
	at = at.In(s.loc)
	result := &InvoiceGenerationResult{Year: at.Year(), Month: int(at.Month())}

	accountIDs, err := s.repo.ListActiveAccountIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("list active accounts: %w", err)
	}

	for _, accountID := range accountIDs {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		result.AccountsScanned++

		created, err := s.EnsurePendingInvoices(ctx, accountID, at, at)
		if err != nil {
			result.Failures++
			s.log.Error().Err(err).Str("account_id", accountID).Msg("invoice generation failed")
			continue
		}
		result.InvoicesCreated += len(created)
	}

	s.log.Info().
		Int("year", result.Year).
		Int("month", result.Month).
		Int("accounts", result.AccountsScanned).
		Int("created", result.InvoicesCreated).
		Int("failures", result.Failures).
		Msg("monthly invoice generation finished")
	return result, nil
}
