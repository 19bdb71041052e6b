package billing

import (
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/davidleathers/carebill-backend/internal/domain/errors"
	"github.com/davidleathers/carebill-backend/internal/domain/financial"
	"github.com/davidleathers/carebill-backend/internal/domain/values"
)

var validate = validator.New()

// validateRequest runs struct-tag validation and maps failures to the
// validation error kind before any domain logic runs.
func validateRequest(req interface{}) error {
	if err := validate.Struct(req); err != nil {
		return errors.NewValidationError("INVALID_REQUEST", err.Error()).WithCause(err)
	}
	return nil
}

// InvoiceItemRequest is one billable line in a create/add-item request
type InvoiceItemRequest struct {
	Description string       `json:"description" validate:"required,max=255"`
	Quantity    int          `json:"quantity" validate:"required,gt=0"`
	UnitPrice   values.Money `json:"unit_price" validate:"required"`
}

// CreateInvoiceRequest creates an invoice for a completed appointment
type CreateInvoiceRequest struct {
	AppointmentID uuid.UUID            `json:"appointment_id" validate:"required"`
	PatientID     uuid.UUID            `json:"patient_id" validate:"required"`
	Items         []InvoiceItemRequest `json:"items" validate:"required,min=1,dive"`
	Tax           values.Money         `json:"tax"`
	Discount      values.Money         `json:"discount"`
	DueDate       time.Time            `json:"due_date"`
}

// ProcessPaymentRequest charges an invoice through the payment gateway
type ProcessPaymentRequest struct {
	InvoiceID      uuid.UUID               `json:"invoice_id" validate:"required"`
	Amount         values.Money            `json:"amount" validate:"required"`
	Method         financial.PaymentMethod `json:"method" validate:"required"`
	Gateway        string                  `json:"gateway" validate:"required,max=100"`
	IdempotencyKey string                  `json:"idempotency_key" validate:"required,max=255"`
}

// RefundRequest reverses part or all of a completed payment
type RefundRequest struct {
	PaymentID uuid.UUID    `json:"payment_id" validate:"required"`
	Amount    values.Money `json:"amount" validate:"required"`
	Reason    string       `json:"reason" validate:"required,max=500"`
}

// SubmitClaimRequest opens an insurance claim against an invoice
type SubmitClaimRequest struct {
	InvoiceID     uuid.UUID    `json:"invoice_id" validate:"required"`
	Provider      string       `json:"provider" validate:"required,max=100"`
	PolicyNumber  string       `json:"policy_number" validate:"required,max=100"`
	ClaimedAmount values.Money `json:"claimed_amount" validate:"required"`
}
