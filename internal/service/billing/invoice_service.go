package billing

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/davidleathers/carebill-backend/internal/domain/errors"
	"github.com/davidleathers/carebill-backend/internal/domain/financial"
	"github.com/davidleathers/carebill-backend/internal/domain/values"
)

// InvoiceService creates and maintains invoices. All money movement goes
// through the payment, refund, and claim services; this one only handles
// the invoice's own lifecycle.
type InvoiceService struct {
	invoices  InvoiceRepository
	publisher EventPublisher
	metrics   BillingMetrics
	logger    *zap.Logger
	tracer    trace.Tracer
}

// NewInvoiceService wires an invoice service
func NewInvoiceService(
	invoices InvoiceRepository,
	publisher EventPublisher,
	metrics BillingMetrics,
	logger *zap.Logger,
) *InvoiceService {
	if metrics == nil {
		metrics = NewNoopMetrics()
	}
	return &InvoiceService{
		invoices:  invoices,
		publisher: publisher,
		metrics:   metrics,
		logger:    logger,
		tracer:    otel.Tracer("billing.invoice"),
	}
}

// Create builds an invoice from its line items and persists it
func (s *InvoiceService) Create(ctx context.Context, req CreateInvoiceRequest) (*financial.Invoice, error) {
	ctx, span := s.tracer.Start(ctx, "InvoiceService.Create")
	defer span.End()

	if err := validateRequest(req); err != nil {
		return nil, err
	}

	items := make([]financial.InvoiceItem, 0, len(req.Items))
	for _, ir := range req.Items {
		item, err := financial.NewInvoiceItem(ir.Description, ir.Quantity, ir.UnitPrice)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}

	// Omitted tax and discount arrive as zero values with no currency.
	currency := req.Items[0].UnitPrice.Currency()
	tax, discount := req.Tax, req.Discount
	if tax.Currency() == "" {
		tax = values.Zero(currency)
	}
	if discount.Currency() == "" {
		discount = values.Zero(currency)
	}

	invoice, err := financial.NewInvoice(req.AppointmentID, req.PatientID, items, tax, discount, req.DueDate)
	if err != nil {
		return nil, err
	}

	if err := s.invoices.Create(ctx, invoice); err != nil {
		return nil, errors.NewInternalError("failed to create invoice").WithCause(err)
	}

	s.logger.Info("invoice created",
		zap.String("invoice_id", invoice.ID.String()),
		zap.String("patient_id", invoice.PatientID.String()),
		zap.String("total", invoice.Total.String()))
	s.publish(ctx, financial.NewInvoiceCreatedEvent(invoice))
	return invoice, nil
}

// AddItem appends a line item to a mutable invoice and reprices it
func (s *InvoiceService) AddItem(ctx context.Context, invoiceID uuid.UUID, req InvoiceItemRequest) (*financial.Invoice, error) {
	ctx, span := s.tracer.Start(ctx, "InvoiceService.AddItem")
	defer span.End()

	if err := validateRequest(req); err != nil {
		return nil, err
	}

	invoice, err := s.invoices.GetByID(ctx, invoiceID)
	if err != nil {
		return nil, err
	}

	item, err := financial.NewInvoiceItem(req.Description, req.Quantity, req.UnitPrice)
	if err != nil {
		return nil, err
	}
	if err := invoice.AddItem(item); err != nil {
		return nil, err
	}

	if err := s.invoices.Update(ctx, invoice); err != nil {
		return nil, err
	}
	return invoice, nil
}

// RemoveItem removes a line item from a mutable invoice and reprices it
func (s *InvoiceService) RemoveItem(ctx context.Context, invoiceID, itemID uuid.UUID) (*financial.Invoice, error) {
	ctx, span := s.tracer.Start(ctx, "InvoiceService.RemoveItem")
	defer span.End()

	invoice, err := s.invoices.GetByID(ctx, invoiceID)
	if err != nil {
		return nil, err
	}
	if err := invoice.RemoveItem(itemID); err != nil {
		return nil, err
	}

	if err := s.invoices.Update(ctx, invoice); err != nil {
		return nil, err
	}
	return invoice, nil
}

// Cancel voids an invoice that has no money applied to it
func (s *InvoiceService) Cancel(ctx context.Context, invoiceID uuid.UUID, reason string) (*financial.Invoice, error) {
	ctx, span := s.tracer.Start(ctx, "InvoiceService.Cancel")
	defer span.End()

	invoice, err := s.invoices.GetByID(ctx, invoiceID)
	if err != nil {
		return nil, err
	}
	if err := invoice.Cancel(reason); err != nil {
		return nil, err
	}

	if err := s.invoices.Update(ctx, invoice); err != nil {
		return nil, err
	}

	s.logger.Info("invoice cancelled",
		zap.String("invoice_id", invoice.ID.String()),
		zap.String("reason", reason))
	return invoice, nil
}

// MarkOverdue scans for unpaid invoices past their due date and flips them
// to OVERDUE. It returns how many invoices changed. Intended to run on a
// schedule; running it twice is harmless.
func (s *InvoiceService) MarkOverdue(ctx context.Context, now time.Time) (int, error) {
	ctx, span := s.tracer.Start(ctx, "InvoiceService.MarkOverdue")
	defer span.End()

	candidates, err := s.invoices.ListPastDue(ctx, now)
	if err != nil {
		return 0, err
	}

	marked := 0
	for _, invoice := range candidates {
		if !invoice.MarkOverdueIfPastDue(now) {
			continue
		}
		if err := s.invoices.Update(ctx, invoice); err != nil {
			// Losing the race to a concurrent payment is fine; the
			// next sweep will see the fresh state.
			if errors.IsType(err, errors.ErrorTypeConflict) {
				continue
			}
			return marked, err
		}
		marked++
	}

	if marked > 0 {
		s.logger.Info("invoices marked overdue", zap.Int("count", marked))
	}
	return marked, nil
}

// GetInvoice returns an invoice by ID
func (s *InvoiceService) GetInvoice(ctx context.Context, id uuid.UUID) (*financial.Invoice, error) {
	return s.invoices.GetByID(ctx, id)
}

// ListByPatient returns a page of a patient's invoices
func (s *InvoiceService) ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*financial.Invoice, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return s.invoices.ListByPatient(ctx, patientID, limit, offset)
}

func (s *InvoiceService) publish(ctx context.Context, event financial.Event) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(ctx, event); err != nil {
		s.logger.Warn("event publish failed",
			zap.String("event_type", event.EventType()),
			zap.Error(err))
	}
}
