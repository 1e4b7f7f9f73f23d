package app

import (
	"context"
	"fmt"
	"time"

	"github.com/munisanluis/billing-service/internal/domain"
	"github.com/munisanluis/billing-service/internal/store"
)

// DefaultDueDay is the day of month invoices fall due.
const DefaultDueDay = 15

// DueDate clamps dueDay to the length of the month.
func DueDate(year, month, dueDay int, loc *time.Location) time.Time {
	if dueDay < 1 {
		dueDay = 1
	}
	lastDay := time.Date(year, time.Month(month)+1, 0, 0, 0, 0, 0, loc).Day()
	if dueDay > lastDay {
		dueDay = lastDay
	}
	return time.Date(year, time.Month(month), dueDay, 0, 0, 0, 0, loc)
}

// EnsurePeriod returns the billing period for (year, month), creating it on
// first use. An existing period keeps its stored due date.
func (s *Service) EnsurePeriod(ctx context.Context, q store.Queries, year, month int) (domain.BillingPeriod, error) {
	if month < 1 || month > 12 {
		return domain.BillingPeriod{}, fmt.Errorf("%w: month %d", ErrInvalidRange, month)
	}
	return q.EnsurePeriod(ctx, year, month, DueDate(year, month, s.opts.DueDay, s.loc))
}
