package financial

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/davidleathers/carebill-backend/internal/domain/errors"
	"github.com/davidleathers/carebill-backend/internal/domain/values"
)

// Refund reverses part or all of a completed payment. Large refunds open in
// REQUIRES_REVIEW and need an explicit approval before the gateway is called.
type Refund struct {
	ID        uuid.UUID `json:"id"`
	PaymentID uuid.UUID `json:"payment_id"`
	InvoiceID uuid.UUID `json:"invoice_id"`
	PatientID uuid.UUID `json:"patient_id"`

	Amount values.Money `json:"amount"`
	Reason string       `json:"reason"`

	Status        RefundStatus `json:"status"`
	FailureReason *string      `json:"failure_reason,omitempty"`

	ApprovedBy *string    `json:"approved_by,omitempty"`
	ApprovedAt *time.Time `json:"approved_at,omitempty"`

	RefundTransactionID *string `json:"refund_transaction_id,omitempty"`

	RequestedAt time.Time  `json:"requested_at"`
	ProcessedAt *time.Time `json:"processed_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type RefundStatus int

const (
	RefundStatusPending RefundStatus = iota
	RefundStatusRequiresReview
	RefundStatusProcessing
	RefundStatusCompleted
	RefundStatusFailed
	RefundStatusCancelled
)

func (s RefundStatus) String() string {
	switch s {
	case RefundStatusPending:
		return "pending"
	case RefundStatusRequiresReview:
		return "requires_review"
	case RefundStatusProcessing:
		return "processing"
	case RefundStatusCompleted:
		return "completed"
	case RefundStatusFailed:
		return "failed"
	case RefundStatusCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// refundTransitions is the full legal transition set for refund statuses.
var refundTransitions = map[RefundStatus][]RefundStatus{
	RefundStatusPending:        {RefundStatusProcessing, RefundStatusCancelled},
	RefundStatusRequiresReview: {RefundStatusPending, RefundStatusCancelled},
	RefundStatusProcessing:     {RefundStatusCompleted, RefundStatusFailed},
	RefundStatusFailed:         {RefundStatusProcessing, RefundStatusCancelled},
	RefundStatusCompleted:      {},
	RefundStatusCancelled:      {},
}

func (s RefundStatus) canTransitionTo(next RefundStatus) bool {
	for _, allowed := range refundTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// NewRefund validates the request against the payment and creates the
// refund. Amounts above reviewThreshold open in REQUIRES_REVIEW; a zero
// threshold disables review.
func NewRefund(payment *Payment, amount values.Money, reason string, reviewThreshold values.Money) (*Refund, error) {
	if payment == nil {
		return nil, errors.ErrPaymentNotFound
	}
	if !payment.CanBeRefunded() {
		return nil, errors.NewInvalidStateError("PAYMENT_NOT_REFUNDABLE",
			fmt.Sprintf("payment in status %s cannot be refunded", payment.Status))
	}
	if !amount.IsPositive() {
		return nil, errors.NewValidationError("INVALID_AMOUNT", "refund amount must be positive")
	}
	if amount.Currency() != payment.Amount.Currency() {
		return nil, errors.NewValidationError("CURRENCY_MISMATCH", "refund currency does not match payment")
	}
	if amount.GreaterThan(payment.RefundableAmount()) {
		return nil, errors.NewValidationError("AMOUNT_EXCEEDS_REFUNDABLE",
			"refund of "+amount.String()+" exceeds refundable "+payment.RefundableAmount().String())
	}
	if reason == "" {
		return nil, errors.NewValidationError("MISSING_REASON", "refund reason is required")
	}

	status := RefundStatusPending
	if !reviewThreshold.IsZero() && amount.GreaterThan(reviewThreshold) {
		status = RefundStatusRequiresReview
	}

	now := clock.Now()
	return &Refund{
		ID:          uuid.New(),
		PaymentID:   payment.ID,
		InvoiceID:   payment.InvoiceID,
		PatientID:   payment.PatientID,
		Amount:      amount,
		Reason:      reason,
		Status:      status,
		RequestedAt: now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// RequiresApproval reports whether the refund is waiting on human sign-off
func (r *Refund) RequiresApproval() bool {
	return r.Status == RefundStatusRequiresReview
}

// Approve records the approver and releases the refund for processing
func (r *Refund) Approve(approvedBy string) error {
	if !r.RequiresApproval() {
		return errors.NewInvalidStateError("REFUND_NOT_REVIEWABLE",
			fmt.Sprintf("refund in status %s does not require approval", r.Status))
	}
	if approvedBy == "" {
		return errors.NewValidationError("MISSING_APPROVER", "approver is required")
	}

	now := clock.Now()
	r.Status = RefundStatusPending
	r.ApprovedBy = &approvedBy
	r.ApprovedAt = &now
	r.touch()
	return nil
}

// MarkProcessing moves the refund into PROCESSING ahead of the gateway call
func (r *Refund) MarkProcessing() error {
	if !r.Status.canTransitionTo(RefundStatusProcessing) {
		return errors.NewInvalidStateError("ILLEGAL_REFUND_TRANSITION",
			fmt.Sprintf("refund cannot move from %s to processing", r.Status))
	}
	r.Status = RefundStatusProcessing
	r.FailureReason = nil
	r.touch()
	return nil
}

// MarkCompleted records a successful gateway refund
func (r *Refund) MarkCompleted() error {
	if !r.Status.canTransitionTo(RefundStatusCompleted) {
		return errors.NewInvalidStateError("ILLEGAL_REFUND_TRANSITION",
			fmt.Sprintf("refund cannot move from %s to completed", r.Status))
	}
	now := clock.Now()
	txn := "REF-" + uuid.NewString()
	r.Status = RefundStatusCompleted
	r.RefundTransactionID = &txn
	r.ProcessedAt = &now
	r.FailureReason = nil
	r.touch()
	return nil
}

// MarkFailed records a gateway failure; the payment and invoice stay untouched
func (r *Refund) MarkFailed(reason string) error {
	if !r.Status.canTransitionTo(RefundStatusFailed) {
		return errors.NewInvalidStateError("ILLEGAL_REFUND_TRANSITION",
			fmt.Sprintf("refund cannot move from %s to failed", r.Status))
	}
	r.Status = RefundStatusFailed
	r.FailureReason = &reason
	r.touch()
	return nil
}

// Cancel withdraws a refund that has not completed
func (r *Refund) Cancel(reason string) error {
	if !r.Status.canTransitionTo(RefundStatusCancelled) {
		return errors.NewInvalidStateError("ILLEGAL_REFUND_TRANSITION",
			fmt.Sprintf("refund in status %s cannot be cancelled", r.Status))
	}
	r.Status = RefundStatusCancelled
	r.FailureReason = &reason
	r.touch()
	return nil
}

func (r *Refund) touch() {
	r.UpdatedAt = clock.Now()
}
