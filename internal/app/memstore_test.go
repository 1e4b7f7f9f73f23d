package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/munisanluis/billing-service/internal/domain"
	"github.com/munisanluis/billing-service/internal/store"
	"github.com/shopspring/decimal"
)

var errInjected = errors.New("injected failure")

// memData is an in-memory billing database. It is not synchronized itself;
// memRepo serializes access the way row locks would.
type memData struct {
	accounts    map[string]domain.Account
	rates       []domain.RateSchedule
	periods     map[string]domain.BillingPeriod
	invoices    map[string]domain.Invoice
	payments    map[string]domain.Payment
	allocations []domain.PaymentAllocation
	txns        map[string]domain.GatewayTransaction
	clock       time.Time
	failOn      string
}

func newMemData() *memData {
	return &memData{
		accounts: map[string]domain.Account{},
		periods:  map[string]domain.BillingPeriod{},
		invoices: map[string]domain.Invoice{},
		payments: map[string]domain.Payment{},
		txns:     map[string]domain.GatewayTransaction{},
		clock:    time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC),
	}
}

func (d *memData) clone() *memData {
	c := *d
	c.accounts = make(map[string]domain.Account, len(d.accounts))
	for k, v := range d.accounts {
		c.accounts[k] = v
	}
	c.rates = append([]domain.RateSchedule(nil), d.rates...)
	c.periods = make(map[string]domain.BillingPeriod, len(d.periods))
	for k, v := range d.periods {
		c.periods[k] = v
	}
	c.invoices = make(map[string]domain.Invoice, len(d.invoices))
	for k, v := range d.invoices {
		c.invoices[k] = v
	}
	c.payments = make(map[string]domain.Payment, len(d.payments))
	for k, v := range d.payments {
		c.payments[k] = v
	}
	c.allocations = append([]domain.PaymentAllocation(nil), d.allocations...)
	c.txns = make(map[string]domain.GatewayTransaction, len(d.txns))
	for k, v := range d.txns {
		c.txns[k] = v
	}
	return &c
}

func (d *memData) tick() time.Time {
	d.clock = d.clock.Add(time.Second)
	return d.clock
}

func (d *memData) fail(op string) error {
	if d.failOn == op {
		return fmt.Errorf("%s: %w", op, errInjected)
	}
	return nil
}

func (d *memData) GetAccount(_ context.Context, accountID string) (domain.Account, error) {
	a, ok := d.accounts[accountID]
	if !ok {
		return domain.Account{}, store.ErrAccountNotFound
	}
	return a, nil
}

func (d *memData) ListActiveAccountIDs(context.Context) ([]string, error) {
	var ids []string
	for id, a := range d.accounts {
		if a.Active {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (d *memData) FindAccountForLinking(_ context.Context, taxID, cadastralCode, holder string) (domain.Account, error) {
	for _, a := range d.accounts {
		if a.Active && a.TaxID == taxID && a.CadastralCode == cadastralCode &&
			(holder == "" || strings.EqualFold(a.Holder, holder)) {
			return a, nil
		}
	}
	return domain.Account{}, store.ErrAccountNotFound
}

func (d *memData) SetAccountOwner(_ context.Context, accountID, ownerID string) error {
	a, ok := d.accounts[accountID]
	if !ok {
		return store.ErrAccountNotFound
	}
	a.OwnerID = &ownerID
	d.accounts[accountID] = a
	return nil
}

func (d *memData) ListRateSchedules(context.Context) ([]domain.RateSchedule, error) {
	return append([]domain.RateSchedule(nil), d.rates...), nil
}

func (d *memData) EnsurePeriod(_ context.Context, year, month int, dueDate time.Time) (domain.BillingPeriod, error) {
	key := fmt.Sprintf("%d-%02d", year, month)
	if p, ok := d.periods[key]; ok {
		return p, nil
	}
	p := domain.BillingPeriod{ID: uuid.NewString(), Year: year, Month: month, DueDate: dueDate}
	d.periods[key] = p
	return p, nil
}

func (d *memData) InvoiceExists(_ context.Context, accountID, periodID string) (bool, error) {
	for _, inv := range d.invoices {
		if inv.AccountID == accountID && inv.PeriodID == periodID {
			return true, nil
		}
	}
	return false, nil
}

func (d *memData) CreateInvoice(ctx context.Context, invoice *domain.Invoice) (bool, error) {
	if err := d.fail("CreateInvoice"); err != nil {
		return false, err
	}
	if exists, _ := d.InvoiceExists(ctx, invoice.AccountID, invoice.PeriodID); exists {
		return false, nil
	}
	if invoice.ID == "" {
		invoice.ID = uuid.NewString()
	}
	invoice.CreatedAt = d.tick()
	stored := *invoice
	stored.Period = d.periodByID(invoice.PeriodID)
	d.invoices[invoice.ID] = stored
	return true, nil
}

func (d *memData) periodByID(id string) domain.BillingPeriod {
	for _, p := range d.periods {
		if p.ID == id {
			return p
		}
	}
	return domain.BillingPeriod{}
}

func (d *memData) GetInvoiceForUpdate(_ context.Context, invoiceID string) (domain.Invoice, error) {
	inv, ok := d.invoices[invoiceID]
	if !ok {
		return domain.Invoice{}, store.ErrInvoiceNotFound
	}
	return inv, nil
}

func (d *memData) ListOpenInvoices(_ context.Context, accountID string) ([]domain.Invoice, error) {
	var open []domain.Invoice
	for _, inv := range d.invoices {
		if inv.AccountID == accountID && inv.Status.IsOpen() {
			open = append(open, inv)
		}
	}
	sort.Slice(open, func(i, j int) bool {
		a, b := open[i], open[j]
		if a.Period.Year != b.Period.Year {
			return a.Period.Year < b.Period.Year
		}
		if a.Period.Month != b.Period.Month {
			return a.Period.Month < b.Period.Month
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	return open, nil
}

func (d *memData) ListOpenInvoicesForUpdate(ctx context.Context, accountID string) ([]domain.Invoice, error) {
	return d.ListOpenInvoices(ctx, accountID)
}

func (d *memData) UpdateInvoiceBalance(_ context.Context, invoiceID string, balance decimal.Decimal, status domain.InvoiceStatus) error {
	if err := d.fail("UpdateInvoiceBalance"); err != nil {
		return err
	}
	inv, ok := d.invoices[invoiceID]
	if !ok {
		return store.ErrInvoiceNotFound
	}
	if balance.IsNegative() {
		return fmt.Errorf("balance check violated for %s", invoiceID)
	}
	inv.CurrentBalance = balance
	inv.Status = status
	d.invoices[invoiceID] = inv
	return nil
}

func (d *memData) CreatePayment(_ context.Context, payment *domain.Payment) error {
	if err := d.fail("CreatePayment"); err != nil {
		return err
	}
	if payment.ID == "" {
		payment.ID = uuid.NewString()
	}
	payment.CreatedAt = d.tick()
	d.payments[payment.ID] = *payment
	return nil
}

func (d *memData) GetPayment(_ context.Context, paymentID string) (domain.Payment, error) {
	p, ok := d.payments[paymentID]
	if !ok {
		return domain.Payment{}, store.ErrPaymentNotFound
	}
	return p, nil
}

func (d *memData) GetPaymentForUpdate(ctx context.Context, paymentID string) (domain.Payment, error) {
	return d.GetPayment(ctx, paymentID)
}

func (d *memData) SetPaymentReference(_ context.Context, paymentID, reference string) error {
	p, ok := d.payments[paymentID]
	if !ok {
		return store.ErrPaymentNotFound
	}
	p.Reference = reference
	d.payments[paymentID] = p
	return nil
}

func (d *memData) CreateAllocation(_ context.Context, allocation *domain.PaymentAllocation) error {
	if err := d.fail("CreateAllocation"); err != nil {
		return err
	}
	if allocation.ID == "" {
		allocation.ID = uuid.NewString()
	}
	allocation.CreatedAt = d.tick()
	d.allocations = append(d.allocations, *allocation)
	return nil
}

func (d *memData) ListAllocations(_ context.Context, paymentID string) ([]domain.PaymentAllocation, error) {
	var out []domain.PaymentAllocation
	for _, a := range d.allocations {
		if a.PaymentID == paymentID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (d *memData) GetOrCreateGatewayTransaction(_ context.Context, gateway, externalID string, payload json.RawMessage) (domain.GatewayTransaction, error) {
	if t, ok := d.txns[externalID]; ok {
		return t, nil
	}
	now := d.tick()
	t := domain.GatewayTransaction{
		ID:         uuid.NewString(),
		Gateway:    gateway,
		ExternalID: externalID,
		Status:     domain.GatewayStatusPending,
		Payload:    payload,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	d.txns[externalID] = t
	return t, nil
}

func (d *memData) SaveGatewayTransaction(_ context.Context, txn *domain.GatewayTransaction) error {
	if err := d.fail("SaveGatewayTransaction"); err != nil {
		return err
	}
	if _, ok := d.txns[txn.ExternalID]; !ok {
		return store.ErrTransactionNotFound
	}
	txn.UpdatedAt = d.tick()
	d.txns[txn.ExternalID] = *txn
	return nil
}

func (d *memData) GetGatewayTransactionByPayment(_ context.Context, paymentID string) (domain.GatewayTransaction, error) {
	var best *domain.GatewayTransaction
	for _, t := range d.txns {
		if t.PaymentID == nil || *t.PaymentID != paymentID {
			continue
		}
		t := t
		switch {
		case best == nil:
			best = &t
		case t.Status == domain.GatewayStatusSuccess && best.Status != domain.GatewayStatusSuccess:
			best = &t
		case (t.Status == domain.GatewayStatusSuccess) == (best.Status == domain.GatewayStatusSuccess) && t.UpdatedAt.After(best.UpdatedAt):
			best = &t
		}
	}
	if best == nil {
		return domain.GatewayTransaction{}, store.ErrTransactionNotFound
	}
	return *best, nil
}

// memRepo is the store.Repository over memData. Calls outside InTx take the
// same lock a transaction holds.
type memRepo struct {
	mu   sync.Mutex
	data *memData
}

var _ store.Repository = (*memRepo)(nil)

func newMemRepo() *memRepo {
	return &memRepo{data: newMemData()}
}

func (r *memRepo) InTx(_ context.Context, fn func(q store.Queries) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	snapshot := r.data.clone()
	if err := fn(r.data); err != nil {
		failOn := r.data.failOn
		r.data = snapshot
		r.data.failOn = failOn
		return err
	}
	return nil
}

func (r *memRepo) GetAccount(ctx context.Context, id string) (domain.Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.data.GetAccount(ctx, id)
}

func (r *memRepo) ListActiveAccountIDs(ctx context.Context) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.data.ListActiveAccountIDs(ctx)
}

func (r *memRepo) FindAccountForLinking(ctx context.Context, taxID, cadastralCode, holder string) (domain.Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.data.FindAccountForLinking(ctx, taxID, cadastralCode, holder)
}

func (r *memRepo) SetAccountOwner(ctx context.Context, accountID, ownerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.data.SetAccountOwner(ctx, accountID, ownerID)
}

func (r *memRepo) ListRateSchedules(ctx context.Context) ([]domain.RateSchedule, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.data.ListRateSchedules(ctx)
}

func (r *memRepo) EnsurePeriod(ctx context.Context, year, month int, due time.Time) (domain.BillingPeriod, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.data.EnsurePeriod(ctx, year, month, due)
}

func (r *memRepo) InvoiceExists(ctx context.Context, accountID, periodID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.data.InvoiceExists(ctx, accountID, periodID)
}

func (r *memRepo) CreateInvoice(ctx context.Context, invoice *domain.Invoice) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.data.CreateInvoice(ctx, invoice)
}

func (r *memRepo) GetInvoiceForUpdate(ctx context.Context, id string) (domain.Invoice, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.data.GetInvoiceForUpdate(ctx, id)
}

func (r *memRepo) ListOpenInvoices(ctx context.Context, accountID string) ([]domain.Invoice, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.data.ListOpenInvoices(ctx, accountID)
}

func (r *memRepo) ListOpenInvoicesForUpdate(ctx context.Context, accountID string) ([]domain.Invoice, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.data.ListOpenInvoicesForUpdate(ctx, accountID)
}

func (r *memRepo) UpdateInvoiceBalance(ctx context.Context, id string, balance decimal.Decimal, status domain.InvoiceStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.data.UpdateInvoiceBalance(ctx, id, balance, status)
}

func (r *memRepo) CreatePayment(ctx context.Context, payment *domain.Payment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.data.CreatePayment(ctx, payment)
}

func (r *memRepo) GetPayment(ctx context.Context, id string) (domain.Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.data.GetPayment(ctx, id)
}

func (r *memRepo) GetPaymentForUpdate(ctx context.Context, id string) (domain.Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.data.GetPaymentForUpdate(ctx, id)
}

func (r *memRepo) SetPaymentReference(ctx context.Context, id, reference string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.data.SetPaymentReference(ctx, id, reference)
}

func (r *memRepo) CreateAllocation(ctx context.Context, allocation *domain.PaymentAllocation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.data.CreateAllocation(ctx, allocation)
}

func (r *memRepo) ListAllocations(ctx context.Context, paymentID string) ([]domain.PaymentAllocation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.data.ListAllocations(ctx, paymentID)
}

func (r *memRepo) GetOrCreateGatewayTransaction(ctx context.Context, gateway, externalID string, payload json.RawMessage) (domain.GatewayTransaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.data.GetOrCreateGatewayTransaction(ctx, gateway, externalID, payload)
}

func (r *memRepo) SaveGatewayTransaction(ctx context.Context, txn *domain.GatewayTransaction) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.data.SaveGatewayTransaction(ctx, txn)
}

func (r *memRepo) GetGatewayTransactionByPayment(ctx context.Context, paymentID string) (domain.GatewayTransaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.data.GetGatewayTransactionByPayment(ctx, paymentID)
}

// Test fixtures.

func (r *memRepo) addAccount(owner string) domain.Account {
	r.mu.Lock()
	defer r.mu.Unlock()
	a := domain.Account{
		ID:            uuid.NewString(),
		Holder:        "Maria Lopez",
		TaxID:         "1234567-8",
		CadastralCode: "CAT-" + uuid.NewString()[:8],
		Active:        true,
		CreatedAt:     r.data.tick(),
	}
	if owner != "" {
		a.OwnerID = &owner
	}
	r.data.accounts[a.ID] = a
	return a
}

func (r *memRepo) addRate(base, percent, fixed string, from time.Time, until *time.Time) domain.RateSchedule {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := domain.RateSchedule{
		ID:             uuid.NewString(),
		Name:           "Tren de aseo",
		BaseAmount:     decimal.RequireFromString(base),
		LateFeePercent: decimal.RequireFromString(percent),
		LateFeeFixed:   decimal.RequireFromString(fixed),
		EffectiveFrom:  from,
		EffectiveUntil: until,
		CreatedAt:      r.data.tick(),
	}
	r.data.rates = append(r.data.rates, s)
	return s
}

// addInvoice stores an open invoice with the given balance for (year, month).
func (r *memRepo) addInvoice(accountID string, year, month int, balance string) domain.Invoice {
	r.mu.Lock()
	defer r.mu.Unlock()
	period, _ := r.data.EnsurePeriod(context.Background(), year, month, DueDate(year, month, DefaultDueDay, time.UTC))
	amount := decimal.RequireFromString(balance)
	inv := domain.Invoice{
		AccountID:      accountID,
		PeriodID:       period.ID,
		RateScheduleID: "rate",
		BaseAmount:     amount,
		Surcharge:      decimal.Zero,
		Discount:       decimal.Zero,
		Total:          amount,
		CurrentBalance: amount,
		Status:         domain.InvoiceStatusPending,
	}
	_, _ = r.data.CreateInvoice(context.Background(), &inv)
	return r.data.invoices[inv.ID]
}

func (r *memRepo) invoice(id string) domain.Invoice {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.data.invoices[id]
}

func (r *memRepo) transaction(externalID string) (domain.GatewayTransaction, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.data.txns[externalID]
	return t, ok
}

func (r *memRepo) counts() (invoices, payments, allocations, txns int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.data.invoices), len(r.data.payments), len(r.data.allocations), len(r.data.txns)
}

func (r *memRepo) setFailOn(op string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.data.failOn = op
}
