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

// ClaimService manages insurance claims against invoices. An approval
// credits the invoice immediately, exactly like a payment would.
type ClaimService struct {
	claims    ClaimRepository
	invoices  InvoiceRepository
	publisher EventPublisher
	txMgr     TransactionManager
	metrics   BillingMetrics
	logger    *zap.Logger
	tracer    trace.Tracer
}

// NewClaimService wires a claim service
func NewClaimService(
	claims ClaimRepository,
	invoices InvoiceRepository,
	publisher EventPublisher,
	txMgr TransactionManager,
	metrics BillingMetrics,
	logger *zap.Logger,
) *ClaimService {
	if metrics == nil {
		metrics = NewNoopMetrics()
	}
	return &ClaimService{
		claims:    claims,
		invoices:  invoices,
		publisher: publisher,
		txMgr:     txMgr,
		metrics:   metrics,
		logger:    logger,
		tracer:    otel.Tracer("billing.claim"),
	}
}

// Submit opens a claim against an invoice and sends it to the insurer. At
// most one active claim may exist per invoice; a second is a conflict.
func (s *ClaimService) Submit(ctx context.Context, req SubmitClaimRequest) (*financial.InsuranceClaim, error) {
	ctx, span := s.tracer.Start(ctx, "ClaimService.Submit")
	defer span.End()

	if err := validateRequest(req); err != nil {
		return nil, err
	}

	invoice, err := s.invoices.GetByID(ctx, req.InvoiceID)
	if err != nil {
		return nil, err
	}
	if invoice.Status == financial.InvoiceStatusCancelled {
		return nil, errors.NewInvalidStateError("INVOICE_CANCELLED", "cannot claim against a cancelled invoice")
	}

	if existing, err := s.claims.GetActiveByInvoice(ctx, req.InvoiceID); err == nil && existing != nil {
		return nil, errors.NewConflictError("an active claim already exists for this invoice").
			WithDetails(map[string]interface{}{"claim_number": existing.ClaimNumber})
	} else if err != nil && !errors.IsType(err, errors.ErrorTypeNotFound) {
		return nil, err
	}

	claim, err := financial.NewClaim(invoice, req.Provider, req.PolicyNumber, req.ClaimedAmount)
	if err != nil {
		return nil, err
	}
	if err := claim.Submit(); err != nil {
		return nil, err
	}

	if err := s.claims.Create(ctx, claim); err != nil {
		// A racing submission can slip past the active-claim check above and
		// lose to the database's uniqueness guarantees instead. Keep that a
		// conflict so callers can tell it apart from a real failure.
		if errors.IsType(err, errors.ErrorTypeConflict) {
			return nil, err
		}
		return nil, errors.NewInternalError("failed to create claim").WithCause(err)
	}

	s.logger.Info("claim submitted",
		zap.String("claim_number", claim.ClaimNumber),
		zap.String("invoice_id", invoice.ID.String()),
		zap.String("claimed", claim.ClaimedAmount.String()))
	s.publish(ctx, financial.NewInsuranceClaimSubmittedEvent(claim))
	return claim, nil
}

// BeginReview marks a submitted claim as under insurer review
func (s *ClaimService) BeginReview(ctx context.Context, claimID uuid.UUID) (*financial.InsuranceClaim, error) {
	claim, err := s.claims.GetByID(ctx, claimID)
	if err != nil {
		return nil, err
	}
	if err := claim.BeginReview(); err != nil {
		return nil, err
	}
	if err := s.claims.Update(ctx, claim); err != nil {
		return nil, errors.NewInternalError("failed to update claim").WithCause(err)
	}
	return claim, nil
}

// Approve records the insurer's decision and credits the invoice with the
// approved amount in the same transaction.
//
// The credit posts at approval time, before the insurer remits; the invoice
// can therefore read PAID while the claim is still only APPROVED. Insurer
// remittance is tracked separately through RecordPayment.
func (s *ClaimService) Approve(ctx context.Context, claimID uuid.UUID, approvedAmount values.Money) (*financial.InsuranceClaim, error) {
	ctx, span := s.tracer.Start(ctx, "ClaimService.Approve")
	defer span.End()

	claim, err := s.claims.GetByID(ctx, claimID)
	if err != nil {
		return nil, err
	}

	invoice, err := s.invoices.GetByID(ctx, claim.InvoiceID)
	if err != nil {
		return nil, err
	}

	err = s.txMgr.ExecuteInTransaction(ctx, func(txCtx context.Context) error {
		if err := claim.Approve(approvedAmount); err != nil {
			return err
		}
		if err := invoice.ApplyCredit(approvedAmount); err != nil {
			return err
		}
		if err := s.claims.Update(txCtx, claim); err != nil {
			return err
		}
		return s.invoices.Update(txCtx, invoice)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("claim approved",
		zap.String("claim_number", claim.ClaimNumber),
		zap.String("approved", approvedAmount.String()),
		zap.String("patient_responsibility", claim.PatientResponsibility.String()),
		zap.String("invoice_status", invoice.Status.String()))
	s.metrics.RecordClaimDecision("approved")
	return claim, nil
}

// Deny records the insurer's denial; the full claimed amount falls to the patient
func (s *ClaimService) Deny(ctx context.Context, claimID uuid.UUID, reason string) (*financial.InsuranceClaim, error) {
	claim, err := s.claims.GetByID(ctx, claimID)
	if err != nil {
		return nil, err
	}
	if err := claim.Deny(reason); err != nil {
		return nil, err
	}
	if err := s.claims.Update(ctx, claim); err != nil {
		return nil, errors.NewInternalError("failed to update claim").WithCause(err)
	}

	s.metrics.RecordClaimDecision("denied")
	return claim, nil
}

// Appeal contests a denied claim and puts it back in front of the insurer
func (s *ClaimService) Appeal(ctx context.Context, claimID uuid.UUID) (*financial.InsuranceClaim, error) {
	claim, err := s.claims.GetByID(ctx, claimID)
	if err != nil {
		return nil, err
	}
	if err := claim.Appeal(); err != nil {
		return nil, err
	}
	if err := s.claims.Update(ctx, claim); err != nil {
		return nil, errors.NewInternalError("failed to update claim").WithCause(err)
	}

	s.metrics.RecordClaimDecision("appealed")
	return claim, nil
}

// RecordPayment posts an insurer remittance against an approved claim
func (s *ClaimService) RecordPayment(ctx context.Context, claimID uuid.UUID, amount values.Money) (*financial.InsuranceClaim, error) {
	claim, err := s.claims.GetByID(ctx, claimID)
	if err != nil {
		return nil, err
	}
	if err := claim.RecordPayment(amount); err != nil {
		return nil, err
	}
	if err := s.claims.Update(ctx, claim); err != nil {
		return nil, errors.NewInternalError("failed to update claim").WithCause(err)
	}
	return claim, nil
}

// GetClaim returns a claim by ID
func (s *ClaimService) GetClaim(ctx context.Context, id uuid.UUID) (*financial.InsuranceClaim, error) {
	return s.claims.GetByID(ctx, id)
}

// ListClaims returns all claims filed against an invoice
func (s *ClaimService) ListClaims(ctx context.Context, invoiceID uuid.UUID) ([]*financial.InsuranceClaim, error) {
	return s.claims.ListByInvoice(ctx, invoiceID)
}

func (s *ClaimService) publish(ctx context.Context, event financial.Event) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(ctx, event); err != nil {
		s.logger.Warn("event publish failed",
			zap.String("event_type", event.EventType()),
			zap.Error(err))
	}
}
