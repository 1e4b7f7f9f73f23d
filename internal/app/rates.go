package app

import (
	"context"
	"sort"
	"time"

	"github.com/munisanluis/billing-service/internal/domain"
	"github.com/munisanluis/billing-service/internal/store"
)

// CurrentRate returns the rate schedule in force on date.
func (s *Service) CurrentRate(ctx context.Context, q store.Queries, date time.Time) (domain.RateSchedule, error) {
	schedules, err := q.ListRateSchedules(ctx)
	if err != nil {
		return domain.RateSchedule{}, err
	}
	return SelectRate(schedules, date)
}

// SelectRate picks the most recently started schedule whose window contains
// date. Schedules starting on the same day resolve to the latest created, then
// the greatest id.
func SelectRate(schedules []domain.RateSchedule, date time.Time) (domain.RateSchedule, error) {
	ordered := make([]domain.RateSchedule, len(schedules))
	copy(ordered, schedules)
	sort.SliceStable(ordered, func(i, j int) bool {
		a, b := ordered[i], ordered[j]
		if !a.EffectiveFrom.Equal(b.EffectiveFrom) {
			return a.EffectiveFrom.After(b.EffectiveFrom)
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.ID > b.ID
	})

	for _, schedule := range ordered {
		if schedule.Covers(date) {
			return schedule, nil
		}
	}
	return domain.RateSchedule{}, ErrRateNotFound
}
