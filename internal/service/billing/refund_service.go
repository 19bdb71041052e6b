package billing

import (
	"context"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/davidleathers/carebill-backend/internal/domain/errors"
	"github.com/davidleathers/carebill-backend/internal/domain/financial"
	"github.com/davidleathers/carebill-backend/internal/domain/values"
)

// RefundService reverses completed payments. A completed refund reduces the
// payment's refundable amount and restores the same amount to the invoice
// balance, all in one transaction.
type RefundService struct {
	refunds         RefundRepository
	payments        PaymentRepository
	invoices        InvoiceRepository
	gateway         PaymentGateway
	publisher       EventPublisher
	txMgr           TransactionManager
	metrics         BillingMetrics
	reviewThreshold values.Money
	logger          *zap.Logger
	tracer          trace.Tracer
}

// NewRefundService wires a refund service. Refunds above reviewThreshold
// open in REQUIRES_REVIEW and wait for Approve; a zero threshold disables
// the review step.
func NewRefundService(
	refunds RefundRepository,
	payments PaymentRepository,
	invoices InvoiceRepository,
	gateway PaymentGateway,
	publisher EventPublisher,
	txMgr TransactionManager,
	metrics BillingMetrics,
	reviewThreshold values.Money,
	logger *zap.Logger,
) *RefundService {
	if metrics == nil {
		metrics = NewNoopMetrics()
	}
	return &RefundService{
		refunds:         refunds,
		payments:        payments,
		invoices:        invoices,
		gateway:         gateway,
		publisher:       publisher,
		txMgr:           txMgr,
		metrics:         metrics,
		reviewThreshold: reviewThreshold,
		logger:          logger,
		tracer:          otel.Tracer("billing.refund"),
	}
}

// Process opens a refund against a payment and, unless it requires review,
// runs it through the gateway immediately.
func (s *RefundService) Process(ctx context.Context, req RefundRequest) (*financial.Refund, error) {
	ctx, span := s.tracer.Start(ctx, "RefundService.Process")
	defer span.End()

	if err := validateRequest(req); err != nil {
		return nil, err
	}

	payment, err := s.payments.GetByID(ctx, req.PaymentID)
	if err != nil {
		return nil, err
	}

	refund, err := financial.NewRefund(payment, req.Amount, req.Reason, s.reviewThreshold)
	if err != nil {
		return nil, err
	}

	if err := s.refunds.Create(ctx, refund); err != nil {
		return nil, errors.NewInternalError("failed to create refund").WithCause(err)
	}

	if refund.RequiresApproval() {
		s.logger.Info("refund held for review",
			zap.String("refund_id", refund.ID.String()),
			zap.String("amount", refund.Amount.String()))
		return refund, nil
	}

	return s.execute(ctx, refund, payment)
}

// Approve releases a REQUIRES_REVIEW refund and processes it
func (s *RefundService) Approve(ctx context.Context, refundID uuid.UUID, approvedBy string) (*financial.Refund, error) {
	ctx, span := s.tracer.Start(ctx, "RefundService.Approve")
	defer span.End()

	refund, err := s.refunds.GetByID(ctx, refundID)
	if err != nil {
		return nil, err
	}
	if err := refund.Approve(approvedBy); err != nil {
		return nil, err
	}
	if err := s.refunds.Update(ctx, refund); err != nil {
		return nil, errors.NewInternalError("failed to update refund").WithCause(err)
	}

	payment, err := s.payments.GetByID(ctx, refund.PaymentID)
	if err != nil {
		return nil, err
	}
	return s.execute(ctx, refund, payment)
}

// Retry re-attempts the gateway refund for a FAILED refund
func (s *RefundService) Retry(ctx context.Context, refundID uuid.UUID) (*financial.Refund, error) {
	ctx, span := s.tracer.Start(ctx, "RefundService.Retry")
	defer span.End()

	refund, err := s.refunds.GetByID(ctx, refundID)
	if err != nil {
		return nil, err
	}
	if refund.Status != financial.RefundStatusFailed {
		return nil, errors.NewInvalidStateError("REFUND_NOT_RETRYABLE",
			"only failed refunds can be retried, refund is "+refund.Status.String())
	}

	payment, err := s.payments.GetByID(ctx, refund.PaymentID)
	if err != nil {
		return nil, err
	}
	return s.execute(ctx, refund, payment)
}

// Cancel withdraws a refund that has not yet completed
func (s *RefundService) Cancel(ctx context.Context, refundID uuid.UUID, reason string) (*financial.Refund, error) {
	refund, err := s.refunds.GetByID(ctx, refundID)
	if err != nil {
		return nil, err
	}
	if err := refund.Cancel(reason); err != nil {
		return nil, err
	}
	if err := s.refunds.Update(ctx, refund); err != nil {
		return nil, errors.NewInternalError("failed to update refund").WithCause(err)
	}
	return refund, nil
}

// GetRefund returns a refund by ID
func (s *RefundService) GetRefund(ctx context.Context, id uuid.UUID) (*financial.Refund, error) {
	return s.refunds.GetByID(ctx, id)
}

// ListRefunds returns all refunds opened against a payment
func (s *RefundService) ListRefunds(ctx context.Context, paymentID uuid.UUID) ([]*financial.Refund, error) {
	return s.refunds.ListByPayment(ctx, paymentID)
}

// ListRequiringReview returns refunds waiting for human sign-off
func (s *RefundService) ListRequiringReview(ctx context.Context) ([]*financial.Refund, error) {
	return s.refunds.ListRequiringReview(ctx)
}

// execute runs the gateway refund and settles the outcome. Success flips
// refund, payment, and invoice together in one transaction; failure leaves
// the refund FAILED and everything else untouched.
func (s *RefundService) execute(ctx context.Context, refund *financial.Refund, payment *financial.Payment) (*financial.Refund, error) {
	// Re-check against the current payment state; the refundable amount
	// may have shrunk while the refund sat in review.
	if refund.Amount.GreaterThan(payment.RefundableAmount()) {
		return nil, errors.NewValidationError("AMOUNT_EXCEEDS_REFUNDABLE",
			"refund of "+refund.Amount.String()+" exceeds refundable "+payment.RefundableAmount().String())
	}

	if err := refund.MarkProcessing(); err != nil {
		return nil, err
	}
	if err := s.refunds.Update(ctx, refund); err != nil {
		return nil, errors.NewInternalError("failed to update refund").WithCause(err)
	}

	reference := payment.TransactionID
	result, gwErr := s.gateway.Refund(ctx, GatewayRequest{
		Amount:    refund.Amount,
		Method:    payment.Method,
		Reference: reference,
	})

	if gwErr != nil || !result.Approved {
		reason := "gateway unavailable"
		if gwErr != nil {
			reason = gwErr.Error()
		} else if result.DeclineReason != "" {
			reason = result.DeclineReason
		}

		if err := refund.MarkFailed(reason); err != nil {
			return nil, err
		}
		if err := s.refunds.Update(ctx, refund); err != nil {
			return nil, errors.NewInternalError("failed to persist failed refund").WithCause(err)
		}

		s.logger.Warn("refund declined",
			zap.String("refund_id", refund.ID.String()),
			zap.String("reason", reason))
		s.metrics.RecordRefund("failed", refund.Amount)
		return refund, nil
	}

	invoice, err := s.invoices.GetByID(ctx, refund.InvoiceID)
	if err != nil {
		return nil, err
	}

	err = s.txMgr.ExecuteInTransaction(ctx, func(txCtx context.Context) error {
		if err := refund.MarkCompleted(); err != nil {
			return err
		}
		if err := payment.RecordRefund(refund.Amount); err != nil {
			return err
		}
		if err := invoice.ReverseCredit(refund.Amount); err != nil {
			return err
		}
		if err := s.refunds.Update(txCtx, refund); err != nil {
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

	s.logger.Info("refund completed",
		zap.String("refund_id", refund.ID.String()),
		zap.String("payment_id", payment.ID.String()),
		zap.String("amount", refund.Amount.String()),
		zap.String("payment_status", payment.Status.String()))
	s.metrics.RecordRefund("completed", refund.Amount)
	s.publish(ctx, financial.NewRefundIssuedEvent(refund))
	return refund, nil
}

func (s *RefundService) publish(ctx context.Context, event financial.Event) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(ctx, event); err != nil {
		s.logger.Warn("event publish failed",
			zap.String("event_type", event.EventType()),
			zap.Error(err))
	}
}
