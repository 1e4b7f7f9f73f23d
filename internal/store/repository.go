/**
 * @description
 * This file defines the data access contract of the billing service. Queries is
 * the set of statements that run inside a unit of work; Repository adds the
 * ability to open one. Business code only ever mutates state through a
 * Queries value handed to it by InTx, so every multi-row change commits or
 * rolls back as a whole.
 *
 * @dependencies
 * - context, encoding/json, time: Standard Go libraries.
 * - github.com/shopspring/decimal: Fixed-point amounts.
 * - internal/domain: The service's domain models.
 */

package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/munisanluis/billing-service/internal/domain"
	"github.com/shopspring/decimal"
)

var (
	ErrAccountNotFound     = errors.New("account not found")
	ErrInvoiceNotFound     = errors.New("invoice not found")
	ErrPaymentNotFound     = errors.New("payment not found")
	ErrPeriodNotFound      = errors.New("billing period not found")
	ErrTransactionNotFound = errors.New("gateway transaction not found")
)

// Queries are the statements available inside a unit of work.
type Queries interface {
	// Accounts
	GetAccount(ctx context.Context, accountID string) (domain.Account, error)
	ListActiveAccountIDs(ctx context.Context) ([]string, error)
	FindAccountForLinking(ctx context.Context, taxID, cadastralCode, holder string) (domain.Account, error)
	SetAccountOwner(ctx context.Context, accountID, ownerID string) error

	// Catalog and periods
	ListRateSchedules(ctx context.Context) ([]domain.RateSchedule, error)
	EnsurePeriod(ctx context.Context, year, month int, dueDate time.Time) (domain.BillingPeriod, error)

	// Invoices
	InvoiceExists(ctx context.Context, accountID, periodID string) (bool, error)
	// CreateInvoice inserts the invoice unless one already exists for the
	// (account, period) pair, reporting whether a row was written.
	CreateInvoice(ctx context.Context, invoice *domain.Invoice) (bool, error)
	GetInvoiceForUpdate(ctx context.Context, invoiceID string) (domain.Invoice, error)
	// ListOpenInvoices returns pending and partial invoices ordered by
	// period year, period month and creation time.
	ListOpenInvoices(ctx context.Context, accountID string) ([]domain.Invoice, error)
	// ListOpenInvoicesForUpdate is ListOpenInvoices holding row locks.
	ListOpenInvoicesForUpdate(ctx context.Context, accountID string) ([]domain.Invoice, error)
	UpdateInvoiceBalance(ctx context.Context, invoiceID string, balance decimal.Decimal, status domain.InvoiceStatus) error

	// Payments
	CreatePayment(ctx context.Context, payment *domain.Payment) error
	GetPayment(ctx context.Context, paymentID string) (domain.Payment, error)
	GetPaymentForUpdate(ctx context.Context, paymentID string) (domain.Payment, error)
	SetPaymentReference(ctx context.Context, paymentID, reference string) error
	CreateAllocation(ctx context.Context, allocation *domain.PaymentAllocation) error
	ListAllocations(ctx context.Context, paymentID string) ([]domain.PaymentAllocation, error)

	// Gateway transactions
	// GetOrCreateGatewayTransaction returns the row for externalID, inserting a
	// pending one when absent, and holds its lock until the unit of work ends.
	GetOrCreateGatewayTransaction(ctx context.Context, gateway, externalID string, payload json.RawMessage) (domain.GatewayTransaction, error)
	SaveGatewayTransaction(ctx context.Context, txn *domain.GatewayTransaction) error
	// GetGatewayTransactionByPayment prefers the successful transaction of a
	// payment, then the most recently updated one.
	GetGatewayTransactionByPayment(ctx context.Context, paymentID string) (domain.GatewayTransaction, error)
}

// Repository exposes Queries outside of a transaction and opens units of work.
type Repository interface {
	Queries
	// InTx runs fn in a single database transaction. fn's error rolls it back.
	InTx(ctx context.Context, fn func(q Queries) error) error
}
