package repository

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	domainerrors "github.com/davidleathers/carebill-backend/internal/domain/errors"
	"github.com/davidleathers/carebill-backend/internal/domain/financial"
	"github.com/davidleathers/carebill-backend/internal/domain/values"
)

// InvoiceRepository persists invoice aggregates. Line items travel as JSONB
// inside the invoice row; they have no life of their own outside it.
// Updates compare-and-swap on the version column.
type InvoiceRepository struct {
	pool *pgxpool.Pool
}

// NewInvoiceRepository creates a Postgres-backed invoice repository
func NewInvoiceRepository(pool *pgxpool.Pool) *InvoiceRepository {
	return &InvoiceRepository{pool: pool}
}

const invoiceColumns = `id, appointment_id, patient_id, items, subtotal, tax, discount,
	total, amount_paid, balance, currency, status, issue_date, due_date, paid_date,
	cancel_reason, notes, version, created_at, updated_at`

func (r *InvoiceRepository) Create(ctx context.Context, inv *financial.Invoice) error {
	items, err := json.Marshal(inv.Items)
	if err != nil {
		return domainerrors.NewInternalError("failed to encode invoice items").WithCause(err)
	}

	query := `
		INSERT INTO invoices (` + invoiceColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)`

	_, err = queryerFrom(ctx, r.pool).Exec(ctx, query,
		inv.ID, inv.AppointmentID, inv.PatientID, items,
		inv.Subtotal, inv.Tax, inv.Discount, inv.Total, inv.AmountPaid, inv.Balance,
		inv.Total.Currency(), int(inv.Status), inv.IssueDate, inv.DueDate, inv.PaidDate,
		inv.CancelReason, inv.Notes, inv.Version, inv.CreatedAt, inv.UpdatedAt)
	return wrapError(err, "invoice")
}

func (r *InvoiceRepository) GetByID(ctx context.Context, id uuid.UUID) (*financial.Invoice, error) {
	query := `SELECT ` + invoiceColumns + ` FROM invoices WHERE id = $1`
	row := queryerFrom(ctx, r.pool).QueryRow(ctx, query, id)
	return scanInvoice(row)
}

// Update writes the invoice back only if the stored version still matches
// the version the caller loaded. A mismatch means a concurrent writer won.
func (r *InvoiceRepository) Update(ctx context.Context, inv *financial.Invoice) error {
	items, err := json.Marshal(inv.Items)
	if err != nil {
		return domainerrors.NewInternalError("failed to encode invoice items").WithCause(err)
	}

	query := `
		UPDATE invoices SET
			items = $2, subtotal = $3, tax = $4, discount = $5, total = $6,
			amount_paid = $7, balance = $8, status = $9, paid_date = $10,
			cancel_reason = $11, notes = $12, version = version + 1, updated_at = $13
		WHERE id = $1 AND version = $14`

	tag, err := queryerFrom(ctx, r.pool).Exec(ctx, query,
		inv.ID, items, inv.Subtotal, inv.Tax, inv.Discount, inv.Total,
		inv.AmountPaid, inv.Balance, int(inv.Status), inv.PaidDate,
		inv.CancelReason, inv.Notes, inv.UpdatedAt, inv.Version)
	if err != nil {
		return wrapError(err, "invoice")
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		checkErr := queryerFrom(ctx, r.pool).
			QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM invoices WHERE id = $1)`, inv.ID).
			Scan(&exists)
		if checkErr == nil && !exists {
			return domainerrors.NewNotFoundError("invoice")
		}
		return domainerrors.NewVersionConflictError("invoice")
	}

	inv.Version++
	return nil
}

func (r *InvoiceRepository) ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*financial.Invoice, error) {
	query := `
		SELECT ` + invoiceColumns + ` FROM invoices
		WHERE patient_id = $1
		ORDER BY issue_date DESC
		LIMIT $2 OFFSET $3`

	rows, err := queryerFrom(ctx, r.pool).Query(ctx, query, patientID, limit, offset)
	if err != nil {
		return nil, wrapError(err, "invoice")
	}
	defer rows.Close()
	return scanInvoices(rows)
}

func (r *InvoiceRepository) ListPastDue(ctx context.Context, now time.Time) ([]*financial.Invoice, error) {
	query := `
		SELECT ` + invoiceColumns + ` FROM invoices
		WHERE status IN ($1, $2) AND due_date < $3
		ORDER BY due_date`

	rows, err := queryerFrom(ctx, r.pool).Query(ctx, query,
		int(financial.InvoiceStatusPending), int(financial.InvoiceStatusPartiallyPaid), now)
	if err != nil {
		return nil, wrapError(err, "invoice")
	}
	defer rows.Close()
	return scanInvoices(rows)
}

func scanInvoice(row pgx.Row) (*financial.Invoice, error) {
	var (
		inv      financial.Invoice
		items    []byte
		currency string
		status   int
	)
	err := row.Scan(
		&inv.ID, &inv.AppointmentID, &inv.PatientID, &items,
		&inv.Subtotal, &inv.Tax, &inv.Discount, &inv.Total, &inv.AmountPaid, &inv.Balance,
		&currency, &status, &inv.IssueDate, &inv.DueDate, &inv.PaidDate,
		&inv.CancelReason, &inv.Notes, &inv.Version, &inv.CreatedAt, &inv.UpdatedAt)
	if err != nil {
		return nil, wrapError(err, "invoice")
	}

	if err := json.Unmarshal(items, &inv.Items); err != nil {
		return nil, domainerrors.NewInternalError("failed to decode invoice items").WithCause(err)
	}
	inv.Status = financial.InvoiceStatus(status)
	if err := attachCurrency(currency, &inv.Subtotal, &inv.Tax, &inv.Discount,
		&inv.Total, &inv.AmountPaid, &inv.Balance); err != nil {
		return nil, err
	}
	return &inv, nil
}

func scanInvoices(rows pgx.Rows) ([]*financial.Invoice, error) {
	var out []*financial.Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inv)
	}
	return out, rows.Err()
}

// attachCurrency rebinds the currency column onto money values scanned from
// bare numeric columns
func attachCurrency(currency string, amounts ...*values.Money) error {
	for _, m := range amounts {
		withCur, err := m.WithCurrency(currency)
		if err != nil {
			return domainerrors.NewInternalError("invalid stored currency").WithCause(err)
		}
		*m = withCur
	}
	return nil
}
