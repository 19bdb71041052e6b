package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/davidleathers/carebill-backend/internal/domain/financial"
)

// PaymentRepository persists payments. The payments table carries a unique
// constraint on idempotency_key; CreateIfAbsent leans on it for the
// insert-or-fetch contract.
type PaymentRepository struct {
	pool *pgxpool.Pool
}

// NewPaymentRepository creates a Postgres-backed payment repository
func NewPaymentRepository(pool *pgxpool.Pool) *PaymentRepository {
	return &PaymentRepository{pool: pool}
}

const paymentColumns = `id, invoice_id, patient_id, amount, refunded_amount, currency,
	method, gateway, transaction_id, idempotency_key, status, failure_reason,
	payment_date, processed_at, created_at, updated_at`

// CreateIfAbsent inserts the payment unless its idempotency key is already
// taken, in which case the existing payment is returned with created=false.
// ON CONFLICT DO NOTHING makes the race between concurrent duplicates safe:
// exactly one insert wins, the rest read the winner's row.
func (r *PaymentRepository) CreateIfAbsent(ctx context.Context, p *financial.Payment) (*financial.Payment, bool, error) {
	query := `
		INSERT INTO payments (` + paymentColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (idempotency_key) DO NOTHING`

	tag, err := queryerFrom(ctx, r.pool).Exec(ctx, query,
		p.ID, p.InvoiceID, p.PatientID, p.Amount, p.RefundedAmount, p.Amount.Currency(),
		string(p.Method), p.Gateway, p.TransactionID, p.IdempotencyKey,
		int(p.Status), p.FailureReason, p.PaymentDate, p.ProcessedAt, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return nil, false, wrapError(err, "payment")
	}
	if tag.RowsAffected() == 0 {
		existing, err := r.GetByIdempotencyKey(ctx, p.IdempotencyKey)
		if err != nil {
			return nil, false, err
		}
		return existing, false, nil
	}
	return p, true, nil
}

func (r *PaymentRepository) GetByID(ctx context.Context, id uuid.UUID) (*financial.Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE id = $1`
	return scanPayment(queryerFrom(ctx, r.pool).QueryRow(ctx, query, id))
}

func (r *PaymentRepository) GetByIdempotencyKey(ctx context.Context, key string) (*financial.Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE idempotency_key = $1`
	return scanPayment(queryerFrom(ctx, r.pool).QueryRow(ctx, query, key))
}

func (r *PaymentRepository) Update(ctx context.Context, p *financial.Payment) error {
	query := `
		UPDATE payments SET
			refunded_amount = $2, status = $3, failure_reason = $4,
			processed_at = $5, updated_at = $6
		WHERE id = $1`

	tag, err := queryerFrom(ctx, r.pool).Exec(ctx, query,
		p.ID, p.RefundedAmount, int(p.Status), p.FailureReason, p.ProcessedAt, p.UpdatedAt)
	if err != nil {
		return wrapError(err, "payment")
	}
	if tag.RowsAffected() == 0 {
		return wrapError(pgx.ErrNoRows, "payment")
	}
	return nil
}

func (r *PaymentRepository) ListByInvoice(ctx context.Context, invoiceID uuid.UUID) ([]*financial.Payment, error) {
	query := `
		SELECT ` + paymentColumns + ` FROM payments
		WHERE invoice_id = $1
		ORDER BY created_at`

	rows, err := queryerFrom(ctx, r.pool).Query(ctx, query, invoiceID)
	if err != nil {
		return nil, wrapError(err, "payment")
	}
	defer rows.Close()

	var out []*financial.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func scanPayment(row pgx.Row) (*financial.Payment, error) {
	var (
		p        financial.Payment
		currency string
		method   string
		status   int
	)
	err := row.Scan(
		&p.ID, &p.InvoiceID, &p.PatientID, &p.Amount, &p.RefundedAmount, &currency,
		&method, &p.Gateway, &p.TransactionID, &p.IdempotencyKey, &status, &p.FailureReason,
		&p.PaymentDate, &p.ProcessedAt, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, wrapError(err, "payment")
	}

	p.Method = financial.PaymentMethod(method)
	p.Status = financial.PaymentStatus(status)
	if err := attachCurrency(currency, &p.Amount, &p.RefundedAmount); err != nil {
		return nil, err
	}
	return &p, nil
}
