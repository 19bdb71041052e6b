package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/davidleathers/carebill-backend/internal/domain/financial"
)

// ClaimRepository persists insurance claims. A partial unique index on
// invoice_id over active statuses backs the one-active-claim-per-invoice
// rule at the storage layer as well.
type ClaimRepository struct {
	pool *pgxpool.Pool
}

// NewClaimRepository creates a Postgres-backed claim repository
func NewClaimRepository(pool *pgxpool.Pool) *ClaimRepository {
	return &ClaimRepository{pool: pool}
}

const claimColumns = `id, invoice_id, patient_id, claim_number, provider, policy_number,
	claimed_amount, approved_amount, paid_amount, patient_responsibility, currency,
	status, denial_reason, appeal_count, submitted_at, decided_at, paid_at,
	created_at, updated_at`

func (r *ClaimRepository) Create(ctx context.Context, c *financial.InsuranceClaim) error {
	query := `
		INSERT INTO insurance_claims (` + claimColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)`

	_, err := queryerFrom(ctx, r.pool).Exec(ctx, query,
		c.ID, c.InvoiceID, c.PatientID, c.ClaimNumber, c.Provider, c.PolicyNumber,
		c.ClaimedAmount, c.ApprovedAmount, c.PaidAmount, c.PatientResponsibility,
		c.ClaimedAmount.Currency(), int(c.Status), c.DenialReason, c.AppealCount,
		c.SubmittedAt, c.DecidedAt, c.PaidAt, c.CreatedAt, c.UpdatedAt)
	return wrapError(err, "claim")
}

func (r *ClaimRepository) GetByID(ctx context.Context, id uuid.UUID) (*financial.InsuranceClaim, error) {
	query := `SELECT ` + claimColumns + ` FROM insurance_claims WHERE id = $1`
	return scanClaim(queryerFrom(ctx, r.pool).QueryRow(ctx, query, id))
}

func (r *ClaimRepository) Update(ctx context.Context, c *financial.InsuranceClaim) error {
	query := `
		UPDATE insurance_claims SET
			approved_amount = $2, paid_amount = $3, patient_responsibility = $4,
			status = $5, denial_reason = $6, appeal_count = $7,
			submitted_at = $8, decided_at = $9, paid_at = $10, updated_at = $11
		WHERE id = $1`

	tag, err := queryerFrom(ctx, r.pool).Exec(ctx, query,
		c.ID, c.ApprovedAmount, c.PaidAmount, c.PatientResponsibility,
		int(c.Status), c.DenialReason, c.AppealCount,
		c.SubmittedAt, c.DecidedAt, c.PaidAt, c.UpdatedAt)
	if err != nil {
		return wrapError(err, "claim")
	}
	if tag.RowsAffected() == 0 {
		return wrapError(pgx.ErrNoRows, "claim")
	}
	return nil
}

// GetActiveByInvoice returns the claim currently blocking new submissions
// for the invoice, if any. Denied and cancelled claims do not count.
func (r *ClaimRepository) GetActiveByInvoice(ctx context.Context, invoiceID uuid.UUID) (*financial.InsuranceClaim, error) {
	query := `
		SELECT ` + claimColumns + ` FROM insurance_claims
		WHERE invoice_id = $1 AND status NOT IN ($2, $3)
		LIMIT 1`
	return scanClaim(queryerFrom(ctx, r.pool).QueryRow(ctx, query, invoiceID,
		int(financial.ClaimStatusDenied), int(financial.ClaimStatusCancelled)))
}

func (r *ClaimRepository) ListByInvoice(ctx context.Context, invoiceID uuid.UUID) ([]*financial.InsuranceClaim, error) {
	query := `
		SELECT ` + claimColumns + ` FROM insurance_claims
		WHERE invoice_id = $1
		ORDER BY created_at`

	rows, err := queryerFrom(ctx, r.pool).Query(ctx, query, invoiceID)
	if err != nil {
		return nil, wrapError(err, "claim")
	}
	defer rows.Close()

	var out []*financial.InsuranceClaim
	for rows.Next() {
		c, err := scanClaim(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func scanClaim(row pgx.Row) (*financial.InsuranceClaim, error) {
	var (
		c        financial.InsuranceClaim
		currency string
		status   int
	)
	err := row.Scan(
		&c.ID, &c.InvoiceID, &c.PatientID, &c.ClaimNumber, &c.Provider, &c.PolicyNumber,
		&c.ClaimedAmount, &c.ApprovedAmount, &c.PaidAmount, &c.PatientResponsibility,
		&currency, &status, &c.DenialReason, &c.AppealCount,
		&c.SubmittedAt, &c.DecidedAt, &c.PaidAt, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, wrapError(err, "claim")
	}

	c.Status = financial.ClaimStatus(status)
	if err := attachCurrency(currency, &c.ClaimedAmount, &c.ApprovedAmount,
		&c.PaidAmount, &c.PatientResponsibility); err != nil {
		return nil, err
	}
	return &c, nil
}
