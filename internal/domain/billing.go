/**
 * @description
 * Domain models for municipal service billing: accounts, fee schedules,
 * billing periods, invoices (boletas), payments and their allocations.
 */
package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// InvoiceStatus is the lifecycle state of an invoice.
type InvoiceStatus string

const (
	InvoiceStatusPending InvoiceStatus = "pending"
	InvoiceStatusPartial InvoiceStatus = "partial"
	InvoiceStatusPaid    InvoiceStatus = "paid"
	InvoiceStatusVoid    InvoiceStatus = "void"
)

// IsOpen reports whether the invoice still accepts payments.
func (s InvoiceStatus) IsOpen() bool {
	return s == InvoiceStatusPending || s == InvoiceStatusPartial
}

// PaymentMethod identifies how a payment was collected.
type PaymentMethod string

const (
	PaymentMethodCounter  PaymentMethod = "counter"
	PaymentMethodTransfer PaymentMethod = "transfer"
	PaymentMethodCard     PaymentMethod = "card"
	PaymentMethodOnline   PaymentMethod = "online"
)

// Valid reports whether the method is one of the known collection methods.
func (m PaymentMethod) Valid() bool {
	switch m {
	case PaymentMethodCounter, PaymentMethodTransfer, PaymentMethodCard, PaymentMethodOnline:
		return true
	}
	return false
}

// Account is a billable subject: a citizen's cadastral property.
type Account struct {
	ID            string    `json:"id"`
	OwnerID       *string   `json:"owner_id,omitempty"`
	Holder        string    `json:"holder"`
	TaxID         string    `json:"tax_id"`
	CadastralCode string    `json:"cadastral_code"`
	Active        bool      `json:"active"`
	CreatedAt     time.Time `json:"created_at"`
}

// OwnedBy reports whether the account is linked to the given user.
func (a Account) OwnedBy(userID string) bool {
	return a.OwnerID != nil && *a.OwnerID == userID
}

// RateSchedule is a monthly fee definition valid over a date window.
type RateSchedule struct {
	ID             string          `json:"id"`
	Name           string          `json:"name"`
	BaseAmount     decimal.Decimal `json:"base_amount"`
	LateFeePercent decimal.Decimal `json:"late_fee_percent"`
	LateFeeFixed   decimal.Decimal `json:"late_fee_fixed"`
	EffectiveFrom  time.Time       `json:"effective_from"`
	EffectiveUntil *time.Time      `json:"effective_until,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// Covers reports whether the schedule's window contains the given date.
// Both ends of the window are inclusive and compared at day granularity.
func (r RateSchedule) Covers(date time.Time) bool {
	day := DateOnly(date)
	if DateOnly(r.EffectiveFrom).After(day) {
		return false
	}
	if r.EffectiveUntil != nil && day.After(DateOnly(*r.EffectiveUntil)) {
		return false
	}
	return true
}

// BillingPeriod is a (year, month) billing cycle.
type BillingPeriod struct {
	ID      string    `json:"id"`
	Year    int       `json:"year"`
	Month   int       `json:"month"`
	DueDate time.Time `json:"due_date"`
}

// Label renders the period as YYYY-MM.
func (p BillingPeriod) Label() string {
	return fmt.Sprintf("%d-%02d", p.Year, p.Month)
}

// Invoice is one billing period's charge for one account.
type Invoice struct {
	ID             string          `json:"id"`
	AccountID      string          `json:"account_id"`
	PeriodID       string          `json:"period_id"`
	RateScheduleID string          `json:"rate_schedule_id"`
	Period         BillingPeriod   `json:"period"`
	BaseAmount     decimal.Decimal `json:"base_amount"`
	Surcharge      decimal.Decimal `json:"surcharge"`
	Discount       decimal.Decimal `json:"discount"`
	Total          decimal.Decimal `json:"total"`
	CurrentBalance decimal.Decimal `json:"current_balance"`
	Status         InvoiceStatus   `json:"status"`
	CreatedAt      time.Time       `json:"created_at"`
}

// Payment is money received for an account, in person or online.
type Payment struct {
	ID           string          `json:"id"`
	AccountID    string          `json:"account_id"`
	Amount       decimal.Decimal `json:"amount"`
	Method       PaymentMethod   `json:"method"`
	Reference    string          `json:"reference"`
	RegisteredBy *string         `json:"registered_by,omitempty"`
	Notes        string          `json:"notes"`
	CreatedAt    time.Time       `json:"created_at"`
}

// PaymentAllocation records the part of a payment applied to one invoice.
type PaymentAllocation struct {
	ID            string          `json:"id"`
	PaymentID     string          `json:"payment_id"`
	InvoiceID     string          `json:"invoice_id"`
	AmountApplied decimal.Decimal `json:"amount_applied"`
	CreatedAt     time.Time       `json:"created_at"`
}

// Actor identifies who triggers an operation. The zero value is the system.
type Actor struct {
	UserID string `json:"user_id,omitempty"`
	Role   string `json:"role,omitempty"`
}

const RoleStaff = "staff"

// IsStaff reports whether the actor is municipal staff.
func (a Actor) IsStaff() bool {
	return a.Role == RoleStaff
}

// UserRef returns the actor's user id as a nullable reference.
func (a Actor) UserRef() *string {
	if a.UserID == "" {
		return nil
	}
	id := a.UserID
	return &id
}

// DateOnly truncates t to midnight in its own location.
func DateOnly(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}
