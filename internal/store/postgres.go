/**
 * @description
 * PostgreSQL implementation of the billing Repository. Amounts are NUMERIC(12,2)
 * columns read into decimal.Decimal. Row locks (SELECT ... FOR UPDATE) and the
 * unique constraints on billing_periods(year, month), invoices(account_id,
 * period_id) and gateway_transactions(external_id) carry the concurrency
 * guarantees; there is no optimistic versioning.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - github.com/google/uuid: Row identifiers.
 */

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/munisanluis/billing-service/internal/domain"
	"github.com/shopspring/decimal"
)

// DBTX is satisfied by both *pgxpool.Pool and pgx.Tx.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresRepository is the Repository backed by a connection pool.
type PostgresRepository struct {
	*postgresQueries
	pool *pgxpool.Pool
}

var _ Repository = (*PostgresRepository)(nil)

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{postgresQueries: &postgresQueries{db: pool}, pool: pool}
}

// InTx runs fn inside a transaction, committing when fn returns nil.
func (r *PostgresRepository) InTx(ctx context.Context, fn func(q Queries) error) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&postgresQueries{db: tx}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

type postgresQueries struct {
	db DBTX
}

const accountColumns = `id, owner_id, holder, tax_id, cadastral_code, active, created_at`

func scanAccount(row pgx.Row) (domain.Account, error) {
	var a domain.Account
	err := row.Scan(&a.ID, &a.OwnerID, &a.Holder, &a.TaxID, &a.CadastralCode, &a.Active, &a.CreatedAt)
	return a, err
}

func (q *postgresQueries) GetAccount(ctx context.Context, accountID string) (domain.Account, error) {
	account, err := scanAccount(q.db.QueryRow(ctx, "SELECT "+accountColumns+" FROM accounts WHERE id = $1", accountID))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Account{}, ErrAccountNotFound
	}
	return account, err
}

func (q *postgresQueries) ListActiveAccountIDs(ctx context.Context) ([]string, error) {
	rows, err := q.db.Query(ctx, "SELECT id FROM accounts WHERE active ORDER BY created_at, id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// FindAccountForLinking matches an active account by tax id and cadastral
// code. The holder name only narrows the match when provided.
func (q *postgresQueries) FindAccountForLinking(ctx context.Context, taxID, cadastralCode, holder string) (domain.Account, error) {
	query := `
		SELECT ` + accountColumns + `
		FROM accounts
		WHERE active
		  AND tax_id = $1
		  AND cadastral_code = $2
		  AND ($3 = '' OR LOWER(holder) = LOWER($3))
		ORDER BY created_at
		LIMIT 1
	`
	account, err := scanAccount(q.db.QueryRow(ctx, query, taxID, cadastralCode, holder))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Account{}, ErrAccountNotFound
	}
	return account, err
}

func (q *postgresQueries) SetAccountOwner(ctx context.Context, accountID, ownerID string) error {
	tag, err := q.db.Exec(ctx, "UPDATE accounts SET owner_id = $2 WHERE id = $1", accountID, ownerID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrAccountNotFound
	}
	return nil
}

func (q *postgresQueries) ListRateSchedules(ctx context.Context) ([]domain.RateSchedule, error) {
	query := `
		SELECT id, name, base_amount, late_fee_percent, late_fee_fixed,
		       effective_from, effective_until, created_at
		FROM rate_schedules
		ORDER BY effective_from DESC, created_at DESC, id DESC
	`
	rows, err := q.db.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var schedules []domain.RateSchedule
	for rows.Next() {
		var s domain.RateSchedule
		if err := rows.Scan(
			&s.ID,
			&s.Name,
			&s.BaseAmount,
			&s.LateFeePercent,
			&s.LateFeeFixed,
			&s.EffectiveFrom,
			&s.EffectiveUntil,
			&s.CreatedAt,
		); err != nil {
			return nil, err
		}
		schedules = append(schedules, s)
	}
	return schedules, rows.Err()
}

// EnsurePeriod inserts the period when missing and returns the stored row.
// Concurrent callers converge on the same row through the unique constraint.
func (q *postgresQueries) EnsurePeriod(ctx context.Context, year, month int, dueDate time.Time) (domain.BillingPeriod, error) {
	insert := `
		INSERT INTO billing_periods (id, year, month, due_date)
		VALUES ($1, $2, $3, $4::DATE)
		ON CONFLICT (year, month) DO NOTHING
	`
	if _, err := q.db.Exec(ctx, insert, uuid.NewString(), year, month, dueDate.Format(time.DateOnly)); err != nil {
		return domain.BillingPeriod{}, fmt.Errorf("insert billing period: %w", err)
	}

	var p domain.BillingPeriod
	err := q.db.QueryRow(ctx,
		"SELECT id, year, month, due_date FROM billing_periods WHERE year = $1 AND month = $2",
		year, month,
	).Scan(&p.ID, &p.Year, &p.Month, &p.DueDate)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.BillingPeriod{}, ErrPeriodNotFound
	}
	return p, err
}

func (q *postgresQueries) InvoiceExists(ctx context.Context, accountID, periodID string) (bool, error) {
	var exists bool
	err := q.db.QueryRow(ctx,
		"SELECT EXISTS (SELECT 1 FROM invoices WHERE account_id = $1 AND period_id = $2)",
		accountID, periodID,
	).Scan(&exists)
	return exists, err
}

func (q *postgresQueries) CreateInvoice(ctx context.Context, invoice *domain.Invoice) (bool, error) {
	if invoice.ID == "" {
		invoice.ID = uuid.NewString()
	}
	query := `
		INSERT INTO invoices (
			id,
			account_id,
			period_id,
			rate_schedule_id,
			base_amount,
			surcharge,
			discount,
			total,
			current_balance,
			status
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (account_id, period_id) DO NOTHING
		RETURNING created_at
	`
	err := q.db.QueryRow(ctx, query,
		invoice.ID,
		invoice.AccountID,
		invoice.PeriodID,
		invoice.RateScheduleID,
		invoice.BaseAmount,
		invoice.Surcharge,
		invoice.Discount,
		invoice.Total,
		invoice.CurrentBalance,
		string(invoice.Status),
	).Scan(&invoice.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

const invoiceSelect = `
	SELECT i.id, i.account_id, i.period_id, i.rate_schedule_id,
	       p.id, p.year, p.month, p.due_date,
	       i.base_amount, i.surcharge, i.discount, i.total, i.current_balance,
	       i.status, i.created_at
	FROM invoices i
	JOIN billing_periods p ON p.id = i.period_id
`

func scanInvoice(row pgx.Row) (domain.Invoice, error) {
	var inv domain.Invoice
	var status string
	err := row.Scan(
		&inv.ID,
		&inv.AccountID,
		&inv.PeriodID,
		&inv.RateScheduleID,
		&inv.Period.ID,
		&inv.Period.Year,
		&inv.Period.Month,
		&inv.Period.DueDate,
		&inv.BaseAmount,
		&inv.Surcharge,
		&inv.Discount,
		&inv.Total,
		&inv.CurrentBalance,
		&status,
		&inv.CreatedAt,
	)
	inv.Status = domain.InvoiceStatus(status)
	return inv, err
}

func (q *postgresQueries) GetInvoiceForUpdate(ctx context.Context, invoiceID string) (domain.Invoice, error) {
	inv, err := scanInvoice(q.db.QueryRow(ctx, invoiceSelect+" WHERE i.id = $1 FOR UPDATE OF i", invoiceID))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Invoice{}, ErrInvoiceNotFound
	}
	return inv, err
}

func (q *postgresQueries) ListOpenInvoices(ctx context.Context, accountID string) ([]domain.Invoice, error) {
	return q.listOpenInvoices(ctx, accountID, "")
}

func (q *postgresQueries) ListOpenInvoicesForUpdate(ctx context.Context, accountID string) ([]domain.Invoice, error) {
	return q.listOpenInvoices(ctx, accountID, " FOR UPDATE OF i")
}

func (q *postgresQueries) listOpenInvoices(ctx context.Context, accountID, lock string) ([]domain.Invoice, error) {
	query := invoiceSelect + `
		WHERE i.account_id = $1
		  AND i.status IN ('pending', 'partial')
		ORDER BY p.year, p.month, i.created_at, i.id` + lock

	rows, err := q.db.Query(ctx, query, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var invoices []domain.Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, err
		}
		invoices = append(invoices, inv)
	}
	return invoices, rows.Err()
}

func (q *postgresQueries) UpdateInvoiceBalance(ctx context.Context, invoiceID string, balance decimal.Decimal, status domain.InvoiceStatus) error {
	tag, err := q.db.Exec(ctx,
		"UPDATE invoices SET current_balance = $2, status = $3 WHERE id = $1",
		invoiceID, balance, string(status),
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrInvoiceNotFound
	}
	return nil
}

func (q *postgresQueries) CreatePayment(ctx context.Context, payment *domain.Payment) error {
	if payment.ID == "" {
		payment.ID = uuid.NewString()
	}
	query := `
		INSERT INTO payments (id, account_id, amount, method, reference, registered_by, notes)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at
	`
	return q.db.QueryRow(ctx, query,
		payment.ID,
		payment.AccountID,
		payment.Amount,
		string(payment.Method),
		payment.Reference,
		payment.RegisteredBy,
		payment.Notes,
	).Scan(&payment.CreatedAt)
}

const paymentColumns = `id, account_id, amount, method, reference, registered_by, notes, created_at`

func scanPayment(row pgx.Row) (domain.Payment, error) {
	var p domain.Payment
	var method string
	err := row.Scan(&p.ID, &p.AccountID, &p.Amount, &method, &p.Reference, &p.RegisteredBy, &p.Notes, &p.CreatedAt)
	p.Method = domain.PaymentMethod(method)
	return p, err
}

func (q *postgresQueries) GetPayment(ctx context.Context, paymentID string) (domain.Payment, error) {
	p, err := scanPayment(q.db.QueryRow(ctx, "SELECT "+paymentColumns+" FROM payments WHERE id = $1", paymentID))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Payment{}, ErrPaymentNotFound
	}
	return p, err
}

func (q *postgresQueries) GetPaymentForUpdate(ctx context.Context, paymentID string) (domain.Payment, error) {
	p, err := scanPayment(q.db.QueryRow(ctx, "SELECT "+paymentColumns+" FROM payments WHERE id = $1 FOR UPDATE", paymentID))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Payment{}, ErrPaymentNotFound
	}
	return p, err
}

func (q *postgresQueries) SetPaymentReference(ctx context.Context, paymentID, reference string) error {
	tag, err := q.db.Exec(ctx, "UPDATE payments SET reference = $2 WHERE id = $1", paymentID, reference)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrPaymentNotFound
	}
	return nil
}

func (q *postgresQueries) CreateAllocation(ctx context.Context, allocation *domain.PaymentAllocation) error {
	if allocation.ID == "" {
		allocation.ID = uuid.NewString()
	}
	query := `
		INSERT INTO payment_allocations (id, payment_id, invoice_id, amount_applied)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at
	`
	return q.db.QueryRow(ctx, query,
		allocation.ID,
		allocation.PaymentID,
		allocation.InvoiceID,
		allocation.AmountApplied,
	).Scan(&allocation.CreatedAt)
}

func (q *postgresQueries) ListAllocations(ctx context.Context, paymentID string) ([]domain.PaymentAllocation, error) {
	query := `
		SELECT id, payment_id, invoice_id, amount_applied, created_at
		FROM payment_allocations
		WHERE payment_id = $1
		ORDER BY created_at, id
	`
	rows, err := q.db.Query(ctx, query, paymentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var allocations []domain.PaymentAllocation
	for rows.Next() {
		var a domain.PaymentAllocation
		if err := rows.Scan(&a.ID, &a.PaymentID, &a.InvoiceID, &a.AmountApplied, &a.CreatedAt); err != nil {
			return nil, err
		}
		allocations = append(allocations, a)
	}
	return allocations, rows.Err()
}

const gatewayTransactionColumns = `id, payment_id, gateway, external_id, status, payload, created_at, updated_at`

func scanGatewayTransaction(row pgx.Row) (domain.GatewayTransaction, error) {
	var t domain.GatewayTransaction
	var status string
	var payload []byte
	err := row.Scan(&t.ID, &t.PaymentID, &t.Gateway, &t.ExternalID, &status, &payload, &t.CreatedAt, &t.UpdatedAt)
	t.Status = domain.GatewayStatus(status)
	t.Payload = json.RawMessage(payload)
	return t, err
}

func (q *postgresQueries) GetOrCreateGatewayTransaction(ctx context.Context, gateway, externalID string, payload json.RawMessage) (domain.GatewayTransaction, error) {
	insert := `
		INSERT INTO gateway_transactions (id, gateway, external_id, status, payload)
		VALUES ($1, $2, $3, $4, $5::JSONB)
		ON CONFLICT (external_id) DO NOTHING
	`
	if _, err := q.db.Exec(ctx, insert, uuid.NewString(), gateway, externalID, string(domain.GatewayStatusPending), jsonText(payload)); err != nil {
		return domain.GatewayTransaction{}, fmt.Errorf("reserve gateway transaction: %w", err)
	}

	t, err := scanGatewayTransaction(q.db.QueryRow(ctx,
		"SELECT "+gatewayTransactionColumns+" FROM gateway_transactions WHERE external_id = $1 FOR UPDATE",
		externalID,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.GatewayTransaction{}, ErrTransactionNotFound
	}
	return t, err
}

func (q *postgresQueries) SaveGatewayTransaction(ctx context.Context, txn *domain.GatewayTransaction) error {
	query := `
		UPDATE gateway_transactions
		SET payment_id = $2, status = $3, payload = $4::JSONB, updated_at = NOW()
		WHERE id = $1
		RETURNING updated_at
	`
	err := q.db.QueryRow(ctx, query, txn.ID, txn.PaymentID, string(txn.Status), jsonText(txn.Payload)).Scan(&txn.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrTransactionNotFound
	}
	return err
}

func (q *postgresQueries) GetGatewayTransactionByPayment(ctx context.Context, paymentID string) (domain.GatewayTransaction, error) {
	t, err := scanGatewayTransaction(q.db.QueryRow(ctx,
		"SELECT "+gatewayTransactionColumns+" FROM gateway_transactions WHERE payment_id = $1 ORDER BY (status = 'success') DESC, updated_at DESC LIMIT 1",
		paymentID,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.GatewayTransaction{}, ErrTransactionNotFound
	}
	return t, err
}

// jsonText passes payloads as text so the simple query protocol does not
// encode them as bytea.
func jsonText(payload json.RawMessage) string {
	if len(payload) == 0 || !json.Valid(payload) {
		return "{}"
	}
	return string(payload)
}
