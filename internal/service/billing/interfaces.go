package billing

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/davidleathers/carebill-backend/internal/domain/financial"
	"github.com/davidleathers/carebill-backend/internal/domain/values"
)

// InvoiceRepository provides access to invoice aggregates. Update performs
// a compare-and-swap on Invoice.Version and returns a conflict error when a
// concurrent writer got there first.
type InvoiceRepository interface {
	Create(ctx context.Context, inv *financial.Invoice) error
	GetByID(ctx context.Context, id uuid.UUID) (*financial.Invoice, error)
	Update(ctx context.Context, inv *financial.Invoice) error
	ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*financial.Invoice, error)
	ListPastDue(ctx context.Context, now time.Time) ([]*financial.Invoice, error)
}

// PaymentRepository provides access to payments. CreateIfAbsent is the
// atomic insert-or-fetch on the idempotency key: it returns the existing
// payment and created=false when the key has been seen before.
type PaymentRepository interface {
	CreateIfAbsent(ctx context.Context, p *financial.Payment) (*financial.Payment, bool, error)
	GetByID(ctx context.Context, id uuid.UUID) (*financial.Payment, error)
	GetByIdempotencyKey(ctx context.Context, key string) (*financial.Payment, error)
	Update(ctx context.Context, p *financial.Payment) error
	ListByInvoice(ctx context.Context, invoiceID uuid.UUID) ([]*financial.Payment, error)
}

// RefundRepository provides access to refunds
type RefundRepository interface {
	Create(ctx context.Context, r *financial.Refund) error
	GetByID(ctx context.Context, id uuid.UUID) (*financial.Refund, error)
	Update(ctx context.Context, r *financial.Refund) error
	ListByPayment(ctx context.Context, paymentID uuid.UUID) ([]*financial.Refund, error)
	ListRequiringReview(ctx context.Context) ([]*financial.Refund, error)
}

// ClaimRepository provides access to insurance claims
type ClaimRepository interface {
	Create(ctx context.Context, c *financial.InsuranceClaim) error
	GetByID(ctx context.Context, id uuid.UUID) (*financial.InsuranceClaim, error)
	Update(ctx context.Context, c *financial.InsuranceClaim) error
	GetActiveByInvoice(ctx context.Context, invoiceID uuid.UUID) (*financial.InsuranceClaim, error)
	ListByInvoice(ctx context.Context, invoiceID uuid.UUID) ([]*financial.InsuranceClaim, error)
}

// TransactionManager scopes a function to a single database transaction.
// Mutations performed through repositories inside fn commit or roll back as
// one unit.
type TransactionManager interface {
	ExecuteInTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

// PaymentGateway is the external charge/refund capability. Calls are
// synchronous from this core's point of view; a declined charge comes back
// as a result, not an error. Errors mean the gateway itself failed.
type PaymentGateway interface {
	Charge(ctx context.Context, req GatewayRequest) (*GatewayResult, error)
	Refund(ctx context.Context, req GatewayRequest) (*GatewayResult, error)
}

// GatewayRequest carries the amount and the stable reference for one
// gateway operation. The reference is reused across retries of the same
// payment so the gateway sees one logical charge.
type GatewayRequest struct {
	Amount    values.Money
	Method    financial.PaymentMethod
	Reference string
}

// GatewayResult is the gateway's answer to a charge or refund
type GatewayResult struct {
	Approved      bool
	DeclineReason string
	GatewayRef    string
}

// EventPublisher delivers domain events to downstream subscribers.
// Fire-and-forget: callers log publish failures and move on.
type EventPublisher interface {
	Publish(ctx context.Context, event financial.Event) error
}

// IdempotencyStore is a lookaside cache mapping idempotency keys to payment
// IDs. It short-circuits duplicate submissions before they reach the
// database; the unique constraint on payments remains the correctness
// mechanism.
type IdempotencyStore interface {
	Get(ctx context.Context, key string) (uuid.UUID, bool, error)
	Set(ctx context.Context, key string, paymentID uuid.UUID) error
}

// BillingMetrics records operational counters for billing activity
type BillingMetrics interface {
	RecordPayment(status string, amount values.Money)
	RecordRefund(status string, amount values.Money)
	RecordClaimDecision(decision string)
}
