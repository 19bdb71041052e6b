package financial

import (
	"time"

	"github.com/google/uuid"

	"github.com/davidleathers/carebill-backend/internal/domain/values"
)

// Event is a domain event published to downstream subscribers (notification,
// analytics). Publication is fire-and-forget: a publish failure never rolls
// back the transaction that produced the event.
type Event interface {
	EventType() string
	OccurredOn() time.Time
}

// InvoiceCreatedEvent announces a newly issued invoice
type InvoiceCreatedEvent struct {
	InvoiceID     uuid.UUID    `json:"invoice_id"`
	AppointmentID uuid.UUID    `json:"appointment_id"`
	PatientID     uuid.UUID    `json:"patient_id"`
	Total         values.Money `json:"total"`
	Status        string       `json:"status"`
	IssueDate     time.Time    `json:"issue_date"`
	DueDate       time.Time    `json:"due_date"`
	OccurredAt    time.Time    `json:"occurred_at"`
}

func (e InvoiceCreatedEvent) EventType() string     { return "billing.invoice.created" }
func (e InvoiceCreatedEvent) OccurredOn() time.Time { return e.OccurredAt }

// NewInvoiceCreatedEvent builds the event from an invoice snapshot
func NewInvoiceCreatedEvent(inv *Invoice) InvoiceCreatedEvent {
	return InvoiceCreatedEvent{
		InvoiceID:     inv.ID,
		AppointmentID: inv.AppointmentID,
		PatientID:     inv.PatientID,
		Total:         inv.Total,
		Status:        inv.Status.String(),
		IssueDate:     inv.IssueDate,
		DueDate:       inv.DueDate,
		OccurredAt:    clock.Now(),
	}
}

// PaymentProcessedEvent announces a completed charge
type PaymentProcessedEvent struct {
	PaymentID     uuid.UUID    `json:"payment_id"`
	InvoiceID     uuid.UUID    `json:"invoice_id"`
	PatientID     uuid.UUID    `json:"patient_id"`
	Amount        values.Money `json:"amount"`
	Method        string       `json:"method"`
	TransactionID string       `json:"transaction_id"`
	OccurredAt    time.Time    `json:"occurred_at"`
}

func (e PaymentProcessedEvent) EventType() string     { return "billing.payment.processed" }
func (e PaymentProcessedEvent) OccurredOn() time.Time { return e.OccurredAt }

// NewPaymentProcessedEvent builds the event from a completed payment
func NewPaymentProcessedEvent(p *Payment) PaymentProcessedEvent {
	return PaymentProcessedEvent{
		PaymentID:     p.ID,
		InvoiceID:     p.InvoiceID,
		PatientID:     p.PatientID,
		Amount:        p.Amount,
		Method:        string(p.Method),
		TransactionID: p.TransactionID,
		OccurredAt:    clock.Now(),
	}
}

// PaymentFailedEvent announces a gateway-declined charge
type PaymentFailedEvent struct {
	PaymentID  uuid.UUID    `json:"payment_id"`
	InvoiceID  uuid.UUID    `json:"invoice_id"`
	PatientID  uuid.UUID    `json:"patient_id"`
	Amount     values.Money `json:"amount"`
	Reason     string       `json:"reason"`
	OccurredAt time.Time    `json:"occurred_at"`
}

func (e PaymentFailedEvent) EventType() string     { return "billing.payment.failed" }
func (e PaymentFailedEvent) OccurredOn() time.Time { return e.OccurredAt }

// NewPaymentFailedEvent builds the event from a failed payment
func NewPaymentFailedEvent(p *Payment) PaymentFailedEvent {
	reason := ""
	if p.FailureReason != nil {
		reason = *p.FailureReason
	}
	return PaymentFailedEvent{
		PaymentID:  p.ID,
		InvoiceID:  p.InvoiceID,
		PatientID:  p.PatientID,
		Amount:     p.Amount,
		Reason:     reason,
		OccurredAt: clock.Now(),
	}
}

// RefundIssuedEvent announces a completed refund
type RefundIssuedEvent struct {
	RefundID   uuid.UUID    `json:"refund_id"`
	PaymentID  uuid.UUID    `json:"payment_id"`
	InvoiceID  uuid.UUID    `json:"invoice_id"`
	PatientID  uuid.UUID    `json:"patient_id"`
	Amount     values.Money `json:"amount"`
	Reason     string       `json:"reason"`
	OccurredAt time.Time    `json:"occurred_at"`
}

func (e RefundIssuedEvent) EventType() string     { return "billing.refund.issued" }
func (e RefundIssuedEvent) OccurredOn() time.Time { return e.OccurredAt }

// NewRefundIssuedEvent builds the event from a completed refund
func NewRefundIssuedEvent(r *Refund) RefundIssuedEvent {
	return RefundIssuedEvent{
		RefundID:   r.ID,
		PaymentID:  r.PaymentID,
		InvoiceID:  r.InvoiceID,
		PatientID:  r.PatientID,
		Amount:     r.Amount,
		Reason:     r.Reason,
		OccurredAt: clock.Now(),
	}
}

// InsuranceClaimSubmittedEvent announces a claim submission
type InsuranceClaimSubmittedEvent struct {
	ClaimID       uuid.UUID    `json:"claim_id"`
	InvoiceID     uuid.UUID    `json:"invoice_id"`
	PatientID     uuid.UUID    `json:"patient_id"`
	ClaimNumber   string       `json:"claim_number"`
	Provider      string       `json:"provider"`
	ClaimedAmount values.Money `json:"claimed_amount"`
	OccurredAt    time.Time    `json:"occurred_at"`
}

func (e InsuranceClaimSubmittedEvent) EventType() string     { return "billing.claim.submitted" }
func (e InsuranceClaimSubmittedEvent) OccurredOn() time.Time { return e.OccurredAt }

// NewInsuranceClaimSubmittedEvent builds the event from a submitted claim
func NewInsuranceClaimSubmittedEvent(c *InsuranceClaim) InsuranceClaimSubmittedEvent {
	return InsuranceClaimSubmittedEvent{
		ClaimID:       c.ID,
		InvoiceID:     c.InvoiceID,
		PatientID:     c.PatientID,
		ClaimNumber:   c.ClaimNumber,
		Provider:      c.Provider,
		ClaimedAmount: c.ClaimedAmount,
		OccurredAt:    clock.Now(),
	}
}
