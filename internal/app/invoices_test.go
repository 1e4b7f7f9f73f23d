package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/munisanluis/billing-service/internal/domain"
)

func TestSelectRate(t *testing.T) {
	jan := date(2024, time.January, 1)
	jun := date(2024, time.June, 1)
	mayEnd := date(2024, time.May, 31)

	old := domain.RateSchedule{ID: "a", EffectiveFrom: jan, EffectiveUntil: &mayEnd, CreatedAt: jan}
	current := domain.RateSchedule{ID: "b", EffectiveFrom: jun, CreatedAt: jun}
	sameDayLater := domain.RateSchedule{ID: "c", EffectiveFrom: jun, CreatedAt: jun.Add(time.Hour)}

	tests := []struct {
		name      string
		schedules []domain.RateSchedule
		at        time.Time
		wantID    string
		wantErr   error
	}{
		{name: "window start is inclusive", schedules: []domain.RateSchedule{old, current}, at: jan, wantID: "a"},
		{name: "window end is inclusive", schedules: []domain.RateSchedule{old, current}, at: mayEnd, wantID: "a"},
		{name: "open ended schedule", schedules: []domain.RateSchedule{current, old}, at: date(2030, time.March, 1), wantID: "b"},
		{name: "same start resolves to latest created", schedules: []domain.RateSchedule{current, sameDayLater}, at: jun, wantID: "c"},
		{name: "gap before first schedule", schedules: []domain.RateSchedule{old}, at: date(2023, time.December, 31), wantErr: ErrRateNotFound},
		{name: "gap after closed schedule", schedules: []domain.RateSchedule{old}, at: jun, wantErr: ErrRateNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := SelectRate(tt.schedules, tt.at)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("expected %v, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("SelectRate returned error: %v", err)
			}
			if got.ID != tt.wantID {
				t.Fatalf("expected schedule %s, got %s", tt.wantID, got.ID)
			}
		})
	}
}

func TestDueDateClampsToMonthLength(t *testing.T) {
	tests := []struct {
		year, month, dueDay int
		want                time.Time
	}{
		{2024, 3, 15, date(2024, time.March, 15)},
		{2024, 2, 31, date(2024, time.February, 29)},
		{2023, 2, 31, date(2023, time.February, 28)},
		{2024, 4, 31, date(2024, time.April, 30)},
	}
	for _, tt := range tests {
		if got := DueDate(tt.year, tt.month, tt.dueDay, time.UTC); !got.Equal(tt.want) {
			t.Fatalf("DueDate(%d, %d, %d): expected %s, got %s", tt.year, tt.month, tt.dueDay, tt.want, got)
		}
	}
}

func TestMonthsLate(t *testing.T) {
	tests := []struct {
		name  string
		due   time.Time
		today time.Time
		want  int
	}{
		{name: "on due date", due: date(2024, time.March, 15), today: date(2024, time.March, 15), want: 0},
		{name: "before due date", due: date(2024, time.March, 15), today: date(2024, time.February, 1), want: 0},
		{name: "later the same month", due: date(2024, time.March, 15), today: date(2024, time.March, 20), want: 0},
		{name: "crossing a boundary by a day", due: date(2024, time.January, 31), today: date(2024, time.February, 1), want: 1},
		{name: "two calendar months", due: date(2024, time.January, 15), today: date(2024, time.March, 16), want: 2},
		{name: "across years", due: date(2023, time.November, 15), today: date(2024, time.February, 1), want: 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := MonthsLate(tt.due, tt.today); got != tt.want {
				t.Fatalf("expected %d, got %d", tt.want, got)
			}
		})
	}
}

func TestEnsurePendingInvoicesAppliesLateFee(t *testing.T) {
	env := newTestEnv(t, date(2024, time.March, 20))
	account := env.repo.addAccount("user_1")
	env.repo.addRate("100.00", "5", "0", date(2020, time.January, 1), nil)

	created, err := env.service.EnsurePendingInvoices(context.Background(), account.ID, date(2024, time.January, 1), date(2024, time.January, 31))
	if err != nil {
		t.Fatalf("EnsurePendingInvoices returned error: %v", err)
	}
	if len(created) != 1 {
		t.Fatalf("expected 1 invoice, got %d", len(created))
	}

	inv := created[0]
	assertAmount(t, "base", inv.BaseAmount, "100.00")
	assertAmount(t, "surcharge", inv.Surcharge, "10.00")
	assertAmount(t, "total", inv.Total, "110.00")
	assertAmount(t, "balance", inv.CurrentBalance, "110.00")
	assertAmount(t, "discount", inv.Discount, "0")
	if inv.Status != domain.InvoiceStatusPending {
		t.Fatalf("expected pending, got %s", inv.Status)
	}
}

func TestEnsurePendingInvoicesFixedFeeWins(t *testing.T) {
	env := newTestEnv(t, date(2024, time.April, 1))
	account := env.repo.addAccount("")
	env.repo.addRate("25.00", "10", "3.50", date(2020, time.January, 1), nil)

	created, err := env.service.EnsurePendingInvoices(context.Background(), account.ID, date(2024, time.January, 1), date(2024, time.January, 1))
	if err != nil {
		t.Fatalf("EnsurePendingInvoices returned error: %v", err)
	}
	assertAmount(t, "surcharge", created[0].Surcharge, "10.50")
	assertAmount(t, "total", created[0].Total, "35.50")
}

func TestEnsurePendingInvoicesIsIdempotentAcrossYears(t *testing.T) {
	env := newTestEnv(t, date(2023, time.November, 1))
	account := env.repo.addAccount("")
	env.repo.addRate("30.00", "0", "0", date(2020, time.January, 1), nil)
	ctx := context.Background()

	created, err := env.service.EnsurePendingInvoices(ctx, account.ID, date(2023, time.November, 10), date(2024, time.February, 3))
	if err != nil {
		t.Fatalf("first run returned error: %v", err)
	}
	if len(created) != 4 {
		t.Fatalf("expected Nov..Feb to create 4 invoices, got %d", len(created))
	}
	want := []string{"2023-11", "2023-12", "2024-01", "2024-02"}
	for i, inv := range created {
		if inv.Period.Label() != want[i] {
			t.Fatalf("expected period %s at %d, got %s", want[i], i, inv.Period.Label())
		}
	}

	again, err := env.service.EnsurePendingInvoices(ctx, account.ID, date(2023, time.November, 1), date(2024, time.February, 28))
	if err != nil {
		t.Fatalf("second run returned error: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("expected no new invoices, got %d", len(again))
	}
	if invoices, _, _, _ := env.repo.counts(); invoices != 4 {
		t.Fatalf("expected 4 stored invoices, got %d", invoices)
	}
}

func TestEnsurePendingInvoicesSkipsCatalogGaps(t *testing.T) {
	env := newTestEnv(t, date(2024, time.January, 1))
	account := env.repo.addAccount("")
	febEnd := date(2024, time.February, 29)
	env.repo.addRate("30.00", "0", "0", date(2024, time.January, 1), &febEnd)
	env.repo.addRate("35.00", "0", "0", date(2024, time.April, 1), nil)

	created, err := env.service.EnsurePendingInvoices(context.Background(), account.ID, date(2024, time.January, 1), date(2024, time.April, 1))
	if err != nil {
		t.Fatalf("EnsurePendingInvoices returned error: %v", err)
	}
	if len(created) != 3 {
		t.Fatalf("expected March to be skipped, got %d invoices", len(created))
	}
	if created[2].Period.Month != 4 {
		t.Fatalf("expected last invoice for April, got %s", created[2].Period.Label())
	}
	assertAmount(t, "april base", created[2].BaseAmount, "35.00")
}

func TestEnsurePendingInvoicesRollsBackOnFailure(t *testing.T) {
	env := newTestEnv(t, date(2024, time.January, 1))
	account := env.repo.addAccount("")
	env.repo.addRate("30.00", "0", "0", date(2020, time.January, 1), nil)
	env.repo.setFailOn("CreateInvoice")

	_, err := env.service.EnsurePendingInvoices(context.Background(), account.ID, date(2024, time.January, 1), date(2024, time.March, 1))
	if !errors.Is(err, errInjected) {
		t.Fatalf("expected injected failure, got %v", err)
	}
	if invoices, _, _, _ := env.repo.counts(); invoices != 0 {
		t.Fatalf("expected no invoices after rollback, got %d", invoices)
	}
}

func TestGenerateMonthlyInvoicesCoversActiveAccounts(t *testing.T) {
	env := newTestEnv(t, date(2024, time.May, 2))
	env.repo.addRate("30.00", "0", "0", date(2020, time.January, 1), nil)
	env.repo.addAccount("")
	env.repo.addAccount("user_2")
	inactive := env.repo.addAccount("")
	env.repo.mu.Lock()
	a := env.repo.data.accounts[inactive.ID]
	a.Active = false
	env.repo.data.accounts[inactive.ID] = a
	env.repo.mu.Unlock()

	result, err := env.service.GenerateMonthlyInvoices(context.Background(), date(2024, time.May, 2))
	if err != nil {
		t.Fatalf("GenerateMonthlyInvoices returned error: %v", err)
	}
	if result.AccountsScanned != 2 || result.InvoicesCreated != 2 || result.Failures != 0 {
		t.Fatalf("unexpected result %+v", result)
	}

	again, err := env.service.GenerateMonthlyInvoices(context.Background(), date(2024, time.May, 20))
	if err != nil {
		t.Fatalf("second run returned error: %v", err)
	}
	if again.InvoicesCreated != 0 {
		t.Fatalf("expected idempotent rerun, got %+v", again)
	}
}
