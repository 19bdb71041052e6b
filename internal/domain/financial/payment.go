package financial

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/davidleathers/carebill-backend/internal/domain/errors"
	"github.com/davidleathers/carebill-backend/internal/domain/values"
)

// Payment is a single charge attempt against an invoice. A payment is
// created at most once per idempotency key; retried client requests with
// the same key get the original record back.
type Payment struct {
	ID        uuid.UUID `json:"id"`
	InvoiceID uuid.UUID `json:"invoice_id"`
	PatientID uuid.UUID `json:"patient_id"`

	Amount         values.Money  `json:"amount"`
	RefundedAmount values.Money  `json:"refunded_amount"`
	Method         PaymentMethod `json:"method"`
	Gateway        string        `json:"gateway"`

	TransactionID  string `json:"transaction_id"`
	IdempotencyKey string `json:"idempotency_key"`

	Status        PaymentStatus `json:"status"`
	FailureReason *string       `json:"failure_reason,omitempty"`

	PaymentDate time.Time  `json:"payment_date"`
	ProcessedAt *time.Time `json:"processed_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type PaymentStatus int

const (
	PaymentStatusPending PaymentStatus = iota
	PaymentStatusProcessing
	PaymentStatusCompleted
	PaymentStatusFailed
	PaymentStatusPartiallyRefunded
	PaymentStatusRefunded
)

func (s PaymentStatus) String() string {
	switch s {
	case PaymentStatusPending:
		return "pending"
	case PaymentStatusProcessing:
		return "processing"
	case PaymentStatusCompleted:
		return "completed"
	case PaymentStatusFailed:
		return "failed"
	case PaymentStatusPartiallyRefunded:
		return "partially_refunded"
	case PaymentStatusRefunded:
		return "refunded"
	default:
		return "unknown"
	}
}

// paymentTransitions is the full legal transition set for payment statuses.
// FAILED -> PROCESSING is the retry path, reusing the original transaction id.
var paymentTransitions = map[PaymentStatus][]PaymentStatus{
	PaymentStatusPending:           {PaymentStatusProcessing},
	PaymentStatusProcessing:        {PaymentStatusCompleted, PaymentStatusFailed},
	PaymentStatusFailed:            {PaymentStatusProcessing},
	PaymentStatusCompleted:         {PaymentStatusPartiallyRefunded, PaymentStatusRefunded},
	PaymentStatusPartiallyRefunded: {PaymentStatusPartiallyRefunded, PaymentStatusRefunded},
	PaymentStatusRefunded:          {},
}

func (s PaymentStatus) canTransitionTo(next PaymentStatus) bool {
	for _, allowed := range paymentTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

type PaymentMethod string

const (
	PaymentMethodCard      PaymentMethod = "card"
	PaymentMethodBank      PaymentMethod = "bank"
	PaymentMethodWallet    PaymentMethod = "wallet"
	PaymentMethodCash      PaymentMethod = "cash"
	PaymentMethodCheck     PaymentMethod = "check"
	PaymentMethodInsurance PaymentMethod = "insurance"
)

// IsValid reports whether the method is one of the supported kinds
func (m PaymentMethod) IsValid() bool {
	switch m {
	case PaymentMethodCard, PaymentMethodBank, PaymentMethodWallet,
		PaymentMethodCash, PaymentMethodCheck, PaymentMethodInsurance:
		return true
	}
	return false
}

// NewPayment creates a PENDING payment. The transaction id is generated
// here and reused on retries so the gateway sees one reference per charge.
func NewPayment(invoiceID, patientID uuid.UUID, amount values.Money, method PaymentMethod, gateway, idempotencyKey string) (*Payment, error) {
	if invoiceID == uuid.Nil {
		return nil, errors.NewValidationError("INVALID_INVOICE", "invoice ID cannot be nil")
	}
	if patientID == uuid.Nil {
		return nil, errors.NewValidationError("INVALID_PATIENT", "patient ID cannot be nil")
	}
	if !amount.IsPositive() {
		return nil, errors.NewValidationError("INVALID_AMOUNT", "payment amount must be positive")
	}
	if !method.IsValid() {
		return nil, errors.NewValidationError("INVALID_METHOD", fmt.Sprintf("unsupported payment method: %s", method))
	}
	if idempotencyKey == "" {
		return nil, errors.NewValidationError("MISSING_IDEMPOTENCY_KEY", "idempotency key is required")
	}

	now := clock.Now()
	return &Payment{
		ID:             uuid.New(),
		InvoiceID:      invoiceID,
		PatientID:      patientID,
		Amount:         amount,
		RefundedAmount: values.Zero(amount.Currency()),
		Method:         method,
		Gateway:        gateway,
		TransactionID:  "TXN-" + uuid.NewString(),
		IdempotencyKey: idempotencyKey,
		Status:         PaymentStatusPending,
		PaymentDate:    now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}, nil
}

// MarkProcessing moves the payment into PROCESSING ahead of the gateway
// call, so a crash mid-call leaves an inspectable record.
func (p *Payment) MarkProcessing() error {
	if !p.Status.canTransitionTo(PaymentStatusProcessing) {
		return errors.NewInvalidStateError("ILLEGAL_PAYMENT_TRANSITION",
			fmt.Sprintf("payment cannot move from %s to processing", p.Status))
	}
	p.Status = PaymentStatusProcessing
	p.FailureReason = nil
	p.touch()
	return nil
}

// MarkCompleted records a successful gateway charge
func (p *Payment) MarkCompleted() error {
	if !p.Status.canTransitionTo(PaymentStatusCompleted) {
		return errors.NewInvalidStateError("ILLEGAL_PAYMENT_TRANSITION",
			fmt.Sprintf("payment cannot move from %s to completed", p.Status))
	}
	now := clock.Now()
	p.Status = PaymentStatusCompleted
	p.ProcessedAt = &now
	p.FailureReason = nil
	p.touch()
	return nil
}

// MarkFailed records a gateway failure. The payment stays durable in FAILED
// so the caller can inspect and retry; it is not an error raised upward.
func (p *Payment) MarkFailed(reason string) error {
	if !p.Status.canTransitionTo(PaymentStatusFailed) {
		return errors.NewInvalidStateError("ILLEGAL_PAYMENT_TRANSITION",
			fmt.Sprintf("payment cannot move from %s to failed", p.Status))
	}
	p.Status = PaymentStatusFailed
	p.FailureReason = &reason
	p.touch()
	return nil
}

// RefundableAmount returns the amount still available to refund
func (p *Payment) RefundableAmount() values.Money {
	remaining, _ := p.Amount.Sub(p.RefundedAmount)
	return remaining
}

// CanBeRefunded reports whether a refund may be opened against this payment
func (p *Payment) CanBeRefunded() bool {
	return (p.Status == PaymentStatusCompleted || p.Status == PaymentStatusPartiallyRefunded) &&
		p.RefundableAmount().IsPositive()
}

// RecordRefund posts a completed refund amount against the payment and
// flips its status to PARTIALLY_REFUNDED or REFUNDED.
func (p *Payment) RecordRefund(amount values.Money) error {
	if !p.CanBeRefunded() {
		return errors.NewInvalidStateError("PAYMENT_NOT_REFUNDABLE",
			fmt.Sprintf("payment in status %s cannot be refunded", p.Status))
	}
	if !amount.IsPositive() {
		return errors.NewValidationError("INVALID_AMOUNT", "refund amount must be positive")
	}
	if amount.GreaterThan(p.RefundableAmount()) {
		return errors.NewValidationError("AMOUNT_EXCEEDS_REFUNDABLE",
			"refund of "+amount.String()+" exceeds refundable "+p.RefundableAmount().String())
	}

	p.RefundedAmount, _ = p.RefundedAmount.Add(amount)
	if p.RefundedAmount.Equal(p.Amount) {
		p.Status = PaymentStatusRefunded
	} else {
		p.Status = PaymentStatusPartiallyRefunded
	}
	p.touch()
	return nil
}

func (p *Payment) touch() {
	p.UpdatedAt = clock.Now()
}
