package financial

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/davidleathers/carebill-backend/internal/domain/errors"
	"github.com/davidleathers/carebill-backend/internal/domain/values"
)

// InsuranceClaim tracks a third-party claim against an invoice. At most one
// active claim (not denied, not cancelled) may exist per invoice at a time.
//
// An approval credits the invoice immediately, before the insurer actually
// remits; the claim's own PAID status only tracks insurer remittance. This
// mirrors the observed billing behavior and means an invoice can read PAID
// while its claim is still APPROVED.
type InsuranceClaim struct {
	ID        uuid.UUID `json:"id"`
	InvoiceID uuid.UUID `json:"invoice_id"`
	PatientID uuid.UUID `json:"patient_id"`

	ClaimNumber  string `json:"claim_number"`
	Provider     string `json:"provider"`
	PolicyNumber string `json:"policy_number"`

	ClaimedAmount         values.Money `json:"claimed_amount"`
	ApprovedAmount        values.Money `json:"approved_amount"`
	PaidAmount            values.Money `json:"paid_amount"`
	PatientResponsibility values.Money `json:"patient_responsibility"`

	Status       ClaimStatus `json:"status"`
	DenialReason *string     `json:"denial_reason,omitempty"`
	AppealCount  int         `json:"appeal_count"`

	SubmittedAt *time.Time `json:"submitted_at,omitempty"`
	DecidedAt   *time.Time `json:"decided_at,omitempty"`
	PaidAt      *time.Time `json:"paid_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type ClaimStatus int

const (
	ClaimStatusDraft ClaimStatus = iota
	ClaimStatusSubmitted
	ClaimStatusUnderReview
	ClaimStatusApproved
	ClaimStatusDenied
	ClaimStatusAppealed
	ClaimStatusPaid
	ClaimStatusCancelled
)

func (s ClaimStatus) String() string {
	switch s {
	case ClaimStatusDraft:
		return "draft"
	case ClaimStatusSubmitted:
		return "submitted"
	case ClaimStatusUnderReview:
		return "under_review"
	case ClaimStatusApproved:
		return "approved"
	case ClaimStatusDenied:
		return "denied"
	case ClaimStatusAppealed:
		return "appealed"
	case ClaimStatusPaid:
		return "paid"
	case ClaimStatusCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// claimTransitions is the full legal transition set for claim statuses.
// APPEALED behaves like a review state: the insurer decides it again.
var claimTransitions = map[ClaimStatus][]ClaimStatus{
	ClaimStatusDraft:       {ClaimStatusSubmitted, ClaimStatusCancelled},
	ClaimStatusSubmitted:   {ClaimStatusUnderReview, ClaimStatusApproved, ClaimStatusDenied, ClaimStatusCancelled},
	ClaimStatusUnderReview: {ClaimStatusApproved, ClaimStatusDenied, ClaimStatusCancelled},
	ClaimStatusApproved:    {ClaimStatusPaid},
	ClaimStatusDenied:      {ClaimStatusAppealed},
	ClaimStatusAppealed:    {ClaimStatusApproved, ClaimStatusDenied, ClaimStatusCancelled},
	ClaimStatusPaid:        {},
	ClaimStatusCancelled:   {},
}

func (s ClaimStatus) canTransitionTo(next ClaimStatus) bool {
	for _, allowed := range claimTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// decidable statuses are those the insurer can rule on
func (s ClaimStatus) decidable() bool {
	return s == ClaimStatusSubmitted || s == ClaimStatusUnderReview || s == ClaimStatusAppealed
}

// NewClaim creates a DRAFT claim validated against the invoice total cap
func NewClaim(invoice *Invoice, provider, policyNumber string, claimedAmount values.Money) (*InsuranceClaim, error) {
	if invoice == nil {
		return nil, errors.ErrInvoiceNotFound
	}
	if provider == "" {
		return nil, errors.NewValidationError("MISSING_PROVIDER", "insurance provider is required")
	}
	if policyNumber == "" {
		return nil, errors.NewValidationError("MISSING_POLICY", "policy number is required")
	}
	if !claimedAmount.IsPositive() {
		return nil, errors.NewValidationError("INVALID_AMOUNT", "claimed amount must be positive")
	}
	if claimedAmount.Currency() != invoice.Total.Currency() {
		return nil, errors.NewValidationError("CURRENCY_MISMATCH", "claim currency does not match invoice")
	}
	if claimedAmount.GreaterThan(invoice.Total) {
		return nil, errors.NewValidationError("AMOUNT_EXCEEDS_TOTAL",
			"claimed "+claimedAmount.String()+" exceeds invoice total "+invoice.Total.String())
	}

	currency := claimedAmount.Currency()
	now := clock.Now()
	return &InsuranceClaim{
		ID:                    uuid.New(),
		InvoiceID:             invoice.ID,
		PatientID:             invoice.PatientID,
		ClaimNumber:           generateClaimNumber(),
		Provider:              provider,
		PolicyNumber:          policyNumber,
		ClaimedAmount:         claimedAmount,
		ApprovedAmount:        values.Zero(currency),
		PaidAmount:            values.Zero(currency),
		PatientResponsibility: values.Zero(currency),
		Status:                ClaimStatusDraft,
		CreatedAt:             now,
		UpdatedAt:             now,
	}, nil
}

// IsActive reports whether the claim blocks new claims on the same invoice
func (c *InsuranceClaim) IsActive() bool {
	return c.Status != ClaimStatusDenied && c.Status != ClaimStatusCancelled
}

// Submit sends the draft claim to the insurer
func (c *InsuranceClaim) Submit() error {
	if !c.Status.canTransitionTo(ClaimStatusSubmitted) {
		return errors.NewInvalidStateError("ILLEGAL_CLAIM_TRANSITION",
			fmt.Sprintf("claim cannot move from %s to submitted", c.Status))
	}
	now := clock.Now()
	c.Status = ClaimStatusSubmitted
	c.SubmittedAt = &now
	c.touch()
	return nil
}

// BeginReview marks the claim as under insurer review
func (c *InsuranceClaim) BeginReview() error {
	if !c.Status.canTransitionTo(ClaimStatusUnderReview) {
		return errors.NewInvalidStateError("ILLEGAL_CLAIM_TRANSITION",
			fmt.Sprintf("claim cannot move from %s to under_review", c.Status))
	}
	c.Status = ClaimStatusUnderReview
	c.touch()
	return nil
}

// Approve records the insurer's approved amount and derives the patient's
// share. The invoice credit is posted by the claim service, not here.
func (c *InsuranceClaim) Approve(approvedAmount values.Money) error {
	if !c.Status.decidable() {
		return errors.NewInvalidStateError("ILLEGAL_CLAIM_TRANSITION",
			fmt.Sprintf("claim in status %s cannot be approved", c.Status))
	}
	if !approvedAmount.IsPositive() {
		return errors.NewValidationError("INVALID_AMOUNT", "approved amount must be positive")
	}
	if approvedAmount.Currency() != c.ClaimedAmount.Currency() {
		return errors.NewValidationError("CURRENCY_MISMATCH", "approved currency does not match claim")
	}
	if approvedAmount.GreaterThan(c.ClaimedAmount) {
		return errors.NewValidationError("AMOUNT_EXCEEDS_CLAIMED",
			"approved "+approvedAmount.String()+" exceeds claimed "+c.ClaimedAmount.String())
	}

	responsibility, _ := c.ClaimedAmount.Sub(approvedAmount)
	if responsibility.IsNegative() {
		responsibility = values.Zero(c.ClaimedAmount.Currency())
	}

	now := clock.Now()
	c.Status = ClaimStatusApproved
	c.ApprovedAmount = approvedAmount
	c.PatientResponsibility = responsibility
	c.DenialReason = nil
	c.DecidedAt = &now
	c.touch()
	return nil
}

// Deny records the insurer's denial; the whole claimed amount falls to the patient
func (c *InsuranceClaim) Deny(reason string) error {
	if !c.Status.decidable() {
		return errors.NewInvalidStateError("ILLEGAL_CLAIM_TRANSITION",
			fmt.Sprintf("claim in status %s cannot be denied", c.Status))
	}
	if reason == "" {
		return errors.NewValidationError("MISSING_REASON", "denial reason is required")
	}

	now := clock.Now()
	c.Status = ClaimStatusDenied
	c.DenialReason = &reason
	c.PatientResponsibility = c.ClaimedAmount
	c.DecidedAt = &now
	c.touch()
	return nil
}

// Appeal contests a denial and puts the claim back in front of the insurer
func (c *InsuranceClaim) Appeal() error {
	if !c.Status.canTransitionTo(ClaimStatusAppealed) {
		return errors.NewInvalidStateError("ILLEGAL_CLAIM_TRANSITION",
			fmt.Sprintf("claim in status %s cannot be appealed", c.Status))
	}
	c.Status = ClaimStatusAppealed
	c.AppealCount++
	c.touch()
	return nil
}

// RecordPayment posts an insurer remittance against the approved amount.
// Once paid in full the claim moves to PAID.
func (c *InsuranceClaim) RecordPayment(amount values.Money) error {
	if c.Status != ClaimStatusApproved {
		return errors.NewInvalidStateError("CLAIM_NOT_APPROVED",
			fmt.Sprintf("cannot record payment on a %s claim", c.Status))
	}
	if !amount.IsPositive() {
		return errors.NewValidationError("INVALID_AMOUNT", "payment amount must be positive")
	}
	remaining, _ := c.ApprovedAmount.Sub(c.PaidAmount)
	if amount.GreaterThan(remaining) {
		return errors.NewValidationError("AMOUNT_EXCEEDS_APPROVED",
			"payment of "+amount.String()+" exceeds remaining approved "+remaining.String())
	}

	c.PaidAmount, _ = c.PaidAmount.Add(amount)
	if c.PaidAmount.Equal(c.ApprovedAmount) {
		now := clock.Now()
		c.Status = ClaimStatusPaid
		c.PaidAt = &now
	}
	c.touch()
	return nil
}

// Cancel withdraws a claim before the insurer pays
func (c *InsuranceClaim) Cancel() error {
	if !c.Status.canTransitionTo(ClaimStatusCancelled) {
		return errors.NewInvalidStateError("ILLEGAL_CLAIM_TRANSITION",
			fmt.Sprintf("claim in status %s cannot be cancelled", c.Status))
	}
	c.Status = ClaimStatusCancelled
	c.touch()
	return nil
}

func (c *InsuranceClaim) touch() {
	c.UpdatedAt = clock.Now()
}

func generateClaimNumber() string {
	return "CLM-" + strings.ToUpper(uuid.NewString()[:18])
}
