package billing

import (
	"context"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/davidleathers/carebill-backend/internal/domain/errors"
	"github.com/davidleathers/carebill-backend/internal/domain/financial"
)

// PaymentService creates and transitions payments against invoices. It owns
// the idempotency-key contract: one charge per key, no matter how many
// times the client retries.
type PaymentService struct {
	payments    PaymentRepository
	invoices    InvoiceRepository
	gateway     PaymentGateway
	publisher   EventPublisher
	idempotency IdempotencyStore
	txMgr       TransactionManager
	metrics     BillingMetrics
	logger      *zap.Logger
	tracer      trace.Tracer
}

// NewPaymentService wires a payment service. idempotency may be nil; the
// database unique constraint alone then enforces the contract.
func NewPaymentService(
	payments PaymentRepository,
	invoices InvoiceRepository,
	gateway PaymentGateway,
	publisher EventPublisher,
	idempotency IdempotencyStore,
	txMgr TransactionManager,
	metrics BillingMetrics,
	logger *zap.Logger,
) *PaymentService {
	if metrics == nil {
		metrics = NewNoopMetrics()
	}
	return &PaymentService{
		payments:    payments,
		invoices:    invoices,
		gateway:     gateway,
		publisher:   publisher,
		idempotency: idempotency,
		txMgr:       txMgr,
		metrics:     metrics,
		logger:      logger,
		tracer:      otel.Tracer("billing.payment"),
	}
}

// Process charges an invoice. Submitting the same idempotency key twice
// returns the original payment without a second charge or a second invoice
// credit, even under concurrent retries.
func (s *PaymentService) Process(ctx context.Context, req ProcessPaymentRequest) (*financial.Payment, error) {
	ctx, span := s.tracer.Start(ctx, "PaymentService.Process")
	defer span.End()

	if err := validateRequest(req); err != nil {
		return nil, err
	}

	// Lookaside: a cache hit skips the insert attempt entirely. Cache
	// errors fall through to the database, which stays authoritative.
	if s.idempotency != nil {
		if id, ok, err := s.idempotency.Get(ctx, req.IdempotencyKey); err == nil && ok {
			if existing, err := s.payments.GetByID(ctx, id); err == nil {
				return existing, nil
			}
		}
	}

	invoice, err := s.invoices.GetByID(ctx, req.InvoiceID)
	if err != nil {
		return nil, err
	}
	if invoice.Status == financial.InvoiceStatusCancelled {
		return nil, errors.NewInvalidStateError("INVOICE_CANCELLED", "cannot pay a cancelled invoice")
	}
	if req.Amount.Currency() != invoice.Balance.Currency() {
		return nil, errors.NewValidationError("CURRENCY_MISMATCH", "payment currency does not match invoice")
	}
	if req.Amount.GreaterThan(invoice.Balance) {
		return nil, errors.NewValidationError("AMOUNT_EXCEEDS_BALANCE",
			"payment of "+req.Amount.String()+" exceeds balance of "+invoice.Balance.String())
	}

	payment, err := financial.NewPayment(req.InvoiceID, invoice.PatientID, req.Amount, req.Method, req.Gateway, req.IdempotencyKey)
	if err != nil {
		return nil, err
	}
	if err := payment.MarkProcessing(); err != nil {
		return nil, err
	}

	// Persist PROCESSING before touching the gateway so a crash between
	// the two leaves a durable, inspectable record.
	created, wasCreated, err := s.payments.CreateIfAbsent(ctx, payment)
	if err != nil {
		return nil, errors.NewInternalError("failed to create payment").WithCause(err)
	}
	if !wasCreated {
		// Another request with the same key won the insert race.
		return created, nil
	}

	result, gwErr := s.gateway.Charge(ctx, GatewayRequest{
		Amount:    payment.Amount,
		Method:    payment.Method,
		Reference: payment.TransactionID,
	})
	return s.settleCharge(ctx, payment, invoice, result, gwErr)
}

// Retry re-attempts the gateway charge for a FAILED payment, reusing the
// original transaction id so the gateway sees one logical charge.
func (s *PaymentService) Retry(ctx context.Context, paymentID uuid.UUID) (*financial.Payment, error) {
	ctx, span := s.tracer.Start(ctx, "PaymentService.Retry")
	defer span.End()

	payment, err := s.payments.GetByID(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if payment.Status != financial.PaymentStatusFailed {
		return nil, errors.NewInvalidStateError("PAYMENT_NOT_RETRYABLE",
			"only failed payments can be retried, payment is "+payment.Status.String())
	}

	invoice, err := s.invoices.GetByID(ctx, payment.InvoiceID)
	if err != nil {
		return nil, err
	}
	if payment.Amount.GreaterThan(invoice.Balance) {
		return nil, errors.NewValidationError("AMOUNT_EXCEEDS_BALANCE",
			"payment of "+payment.Amount.String()+" exceeds balance of "+invoice.Balance.String())
	}

	if err := payment.MarkProcessing(); err != nil {
		return nil, err
	}
	if err := s.payments.Update(ctx, payment); err != nil {
		return nil, errors.NewInternalError("failed to update payment").WithCause(err)
	}

	result, gwErr := s.gateway.Charge(ctx, GatewayRequest{
		Amount:    payment.Amount,
		Method:    payment.Method,
		Reference: payment.TransactionID,
	})
	return s.settleCharge(ctx, payment, invoice, result, gwErr)
}

// GetPayment returns a payment by ID
func (s *PaymentService) GetPayment(ctx context.Context, id uuid.UUID) (*financial.Payment, error) {
	return s.payments.GetByID(ctx, id)
}

// ListPayments returns all payments recorded against an invoice
func (s *PaymentService) ListPayments(ctx context.Context, invoiceID uuid.UUID) ([]*financial.Payment, error) {
	return s.payments.ListByInvoice(ctx, invoiceID)
}

// settleCharge turns a gateway answer into persisted state. Declines are
// persisted as a terminal FAILED sub-state and returned without error; only
// the completion path touches the invoice, inside one transaction.
func (s *PaymentService) settleCharge(ctx context.Context, payment *financial.Payment, invoice *financial.Invoice, result *GatewayResult, gwErr error) (*financial.Payment, error) {
	if gwErr != nil || !result.Approved {
		reason := "gateway unavailable"
		if gwErr != nil {
			reason = gwErr.Error()
		} else if result.DeclineReason != "" {
			reason = result.DeclineReason
		}

		if err := payment.MarkFailed(reason); err != nil {
			return nil, err
		}
		if err := s.payments.Update(ctx, payment); err != nil {
			return nil, errors.NewInternalError("failed to persist failed payment").WithCause(err)
		}

		s.logger.Warn("payment declined",
			zap.String("payment_id", payment.ID.String()),
			zap.String("invoice_id", payment.InvoiceID.String()),
			zap.String("reason", reason))
		s.metrics.RecordPayment("failed", payment.Amount)
		s.publish(ctx, financial.NewPaymentFailedEvent(payment))
		return payment, nil
	}

	// Payment completion and the invoice credit commit together or not at
	// all. A version conflict rolls back both and leaves the payment in
	// PROCESSING for reconciliation.
	err := s.txMgr.ExecuteInTransaction(ctx, func(txCtx context.Context) error {
		if err := payment.MarkCompleted(); err != nil {
			return err
		}
		if err := invoice.ApplyCredit(payment.Amount); err != nil {
			return err
		}
		if err := s.payments.Update(txCtx, payment); err != nil {
			return err
		}
		return s.invoices.Update(txCtx, invoice)
	})
	if err != nil {
		return nil, err
	}

	if s.idempotency != nil {
		if err := s.idempotency.Set(ctx, payment.IdempotencyKey, payment.ID); err != nil {
			s.logger.Debug("idempotency cache set failed", zap.Error(err))
		}
	}

	s.logger.Info("payment completed",
		zap.String("payment_id", payment.ID.String()),
		zap.String("invoice_id", payment.InvoiceID.String()),
		zap.String("amount", payment.Amount.String()),
		zap.String("invoice_status", invoice.Status.String()))
	s.metrics.RecordPayment("completed", payment.Amount)
	s.publish(ctx, financial.NewPaymentProcessedEvent(payment))
	return payment, nil
}

func (s *PaymentService) publish(ctx context.Context, event financial.Event) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(ctx, event); err != nil {
		s.logger.Warn("event publish failed",
			zap.String("event_type", event.EventType()),
			zap.Error(err))
	}
}
