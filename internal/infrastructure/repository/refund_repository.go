package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/davidleathers/carebill-backend/internal/domain/financial"
)

// RefundRepository persists refunds
type RefundRepository struct {
	pool *pgxpool.Pool
}

// NewRefundRepository creates a Postgres-backed refund repository
func NewRefundRepository(pool *pgxpool.Pool) *RefundRepository {
	return &RefundRepository{pool: pool}
}

const refundColumns = `id, payment_id, invoice_id, patient_id, amount, currency, reason,
	status, failure_reason, approved_by, approved_at, refund_transaction_id,
	requested_at, processed_at, created_at, updated_at`

func (r *RefundRepository) Create(ctx context.Context, ref *financial.Refund) error {
	query := `
		INSERT INTO refunds (` + refundColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`

	_, err := queryerFrom(ctx, r.pool).Exec(ctx, query,
		ref.ID, ref.PaymentID, ref.InvoiceID, ref.PatientID, ref.Amount, ref.Amount.Currency(),
		ref.Reason, int(ref.Status), ref.FailureReason, ref.ApprovedBy, ref.ApprovedAt,
		ref.RefundTransactionID, ref.RequestedAt, ref.ProcessedAt, ref.CreatedAt, ref.UpdatedAt)
	return wrapError(err, "refund")
}

func (r *RefundRepository) GetByID(ctx context.Context, id uuid.UUID) (*financial.Refund, error) {
	query := `SELECT ` + refundColumns + ` FROM refunds WHERE id = $1`
	return scanRefund(queryerFrom(ctx, r.pool).QueryRow(ctx, query, id))
}

func (r *RefundRepository) Update(ctx context.Context, ref *financial.Refund) error {
	query := `
		UPDATE refunds SET
			status = $2, failure_reason = $3, approved_by = $4, approved_at = $5,
			refund_transaction_id = $6, processed_at = $7, updated_at = $8
		WHERE id = $1`

	tag, err := queryerFrom(ctx, r.pool).Exec(ctx, query,
		ref.ID, int(ref.Status), ref.FailureReason, ref.ApprovedBy, ref.ApprovedAt,
		ref.RefundTransactionID, ref.ProcessedAt, ref.UpdatedAt)
	if err != nil {
		return wrapError(err, "refund")
	}
	if tag.RowsAffected() == 0 {
		return wrapError(pgx.ErrNoRows, "refund")
	}
	return nil
}

func (r *RefundRepository) ListByPayment(ctx context.Context, paymentID uuid.UUID) ([]*financial.Refund, error) {
	query := `
		SELECT ` + refundColumns + ` FROM refunds
		WHERE payment_id = $1
		ORDER BY requested_at`
	return r.list(ctx, query, paymentID)
}

func (r *RefundRepository) ListRequiringReview(ctx context.Context) ([]*financial.Refund, error) {
	query := `
		SELECT ` + refundColumns + ` FROM refunds
		WHERE status = $1
		ORDER BY requested_at`
	return r.list(ctx, query, int(financial.RefundStatusRequiresReview))
}

func (r *RefundRepository) list(ctx context.Context, query string, args ...any) ([]*financial.Refund, error) {
	rows, err := queryerFrom(ctx, r.pool).Query(ctx, query, args...)
	if err != nil {
		return nil, wrapError(err, "refund")
	}
	defer rows.Close()

	var out []*financial.Refund
	for rows.Next() {
		ref, err := scanRefund(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ref)
	}
	return out, rows.Err()
}

func scanRefund(row pgx.Row) (*financial.Refund, error) {
	var (
		ref      financial.Refund
		currency string
		status   int
	)
	err := row.Scan(
		&ref.ID, &ref.PaymentID, &ref.InvoiceID, &ref.PatientID, &ref.Amount, &currency,
		&ref.Reason, &status, &ref.FailureReason, &ref.ApprovedBy, &ref.ApprovedAt,
		&ref.RefundTransactionID, &ref.RequestedAt, &ref.ProcessedAt, &ref.CreatedAt, &ref.UpdatedAt)
	if err != nil {
		return nil, wrapError(err, "refund")
	}

	ref.Status = financial.RefundStatus(status)
	if err := attachCurrency(currency, &ref.Amount); err != nil {
		return nil, err
	}
	return &ref, nil
}
