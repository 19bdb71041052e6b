package financial

import (
	"time"

	"github.com/google/uuid"

	"github.com/davidleathers/carebill-backend/internal/domain/errors"
	"github.com/davidleathers/carebill-backend/internal/domain/values"
)

// Invoice is the aggregate of record for monetary truth. Payments, refunds,
// and approved insurance claims all post against it through ApplyCredit and
// ReverseCredit, which maintain the invariant balance == total - amountPaid.
type Invoice struct {
	ID            uuid.UUID     `json:"id"`
	AppointmentID uuid.UUID     `json:"appointment_id"`
	PatientID     uuid.UUID     `json:"patient_id"`
	Items         []InvoiceItem `json:"items"`

	Subtotal   values.Money `json:"subtotal"`
	Tax        values.Money `json:"tax"`
	Discount   values.Money `json:"discount"`
	Total      values.Money `json:"total"`
	AmountPaid values.Money `json:"amount_paid"`
	Balance    values.Money `json:"balance"`

	Status    InvoiceStatus `json:"status"`
	IssueDate time.Time     `json:"issue_date"`
	DueDate   time.Time     `json:"due_date"`
	PaidDate  *time.Time    `json:"paid_date,omitempty"`

	CancelReason *string `json:"cancel_reason,omitempty"`
	Notes        *string `json:"notes,omitempty"`

	// Version is compared-and-swapped on every write; a mismatch means a
	// concurrent writer got there first and the caller must reload.
	Version int64 `json:"version"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// InvoiceItem is a single billable line on an invoice
type InvoiceItem struct {
	ID          uuid.UUID    `json:"id"`
	Description string       `json:"description"`
	Quantity    int          `json:"quantity"`
	UnitPrice   values.Money `json:"unit_price"`
	Amount      values.Money `json:"amount"`
}

type InvoiceStatus int

const (
	InvoiceStatusDraft InvoiceStatus = iota
	InvoiceStatusPending
	InvoiceStatusPartiallyPaid
	InvoiceStatusPaid
	InvoiceStatusOverdue
	InvoiceStatusCancelled
)

func (s InvoiceStatus) String() string {
	switch s {
	case InvoiceStatusDraft:
		return "draft"
	case InvoiceStatusPending:
		return "pending"
	case InvoiceStatusPartiallyPaid:
		return "partially_paid"
	case InvoiceStatusPaid:
		return "paid"
	case InvoiceStatusOverdue:
		return "overdue"
	case InvoiceStatusCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// invoiceTransitions is the full legal transition set for invoice statuses.
// Credit posting and overdue marking consult this table, so the lifecycle
// is visible and testable in one place.
var invoiceTransitions = map[InvoiceStatus][]InvoiceStatus{
	InvoiceStatusDraft:         {InvoiceStatusPending, InvoiceStatusCancelled},
	InvoiceStatusPending:       {InvoiceStatusPartiallyPaid, InvoiceStatusPaid, InvoiceStatusOverdue, InvoiceStatusCancelled},
	InvoiceStatusPartiallyPaid: {InvoiceStatusPending, InvoiceStatusPaid, InvoiceStatusOverdue, InvoiceStatusCancelled},
	InvoiceStatusOverdue:       {InvoiceStatusPartiallyPaid, InvoiceStatusPaid, InvoiceStatusCancelled},
	InvoiceStatusPaid:          {InvoiceStatusPartiallyPaid, InvoiceStatusPending},
	InvoiceStatusCancelled:     {},
}

func (s InvoiceStatus) canTransitionTo(next InvoiceStatus) bool {
	for _, allowed := range invoiceTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// NewInvoiceItem validates and builds a line item, computing its amount.
func NewInvoiceItem(description string, quantity int, unitPrice values.Money) (InvoiceItem, error) {
	if description == "" {
		return InvoiceItem{}, errors.NewValidationError("INVALID_ITEM", "item description cannot be empty")
	}
	if quantity <= 0 {
		return InvoiceItem{}, errors.NewValidationError("INVALID_ITEM", "item quantity must be positive")
	}
	if !unitPrice.IsPositive() {
		return InvoiceItem{}, errors.NewValidationError("INVALID_ITEM", "item unit price must be positive")
	}

	return InvoiceItem{
		ID:          uuid.New(),
		Description: description,
		Quantity:    quantity,
		UnitPrice:   unitPrice,
		Amount:      unitPrice.MulInt(int64(quantity)),
	}, nil
}

// NewInvoice creates a PENDING invoice for a completed appointment. The
// appointment and patient identifiers are opaque foreign keys supplied by
// the caller; their existence is not validated here.
func NewInvoice(appointmentID, patientID uuid.UUID, items []InvoiceItem, tax, discount values.Money, dueDate time.Time) (*Invoice, error) {
	if appointmentID == uuid.Nil {
		return nil, errors.NewValidationError("INVALID_APPOINTMENT", "appointment ID cannot be nil")
	}
	if patientID == uuid.Nil {
		return nil, errors.NewValidationError("INVALID_PATIENT", "patient ID cannot be nil")
	}
	if len(items) == 0 {
		return nil, errors.NewValidationError("EMPTY_INVOICE", "invoice requires at least one item")
	}
	if tax.IsNegative() || discount.IsNegative() {
		return nil, errors.NewValidationError("INVALID_AMOUNT", "tax and discount cannot be negative")
	}

	currency := items[0].UnitPrice.Currency()
	for _, item := range items {
		if item.UnitPrice.Currency() != currency {
			return nil, errors.NewValidationError("CURRENCY_MISMATCH", "all invoice items must share one currency")
		}
	}

	now := clock.Now()
	if dueDate.IsZero() {
		dueDate = now.AddDate(0, 0, 30)
	}

	inv := &Invoice{
		ID:            uuid.New(),
		AppointmentID: appointmentID,
		PatientID:     patientID,
		Items:         items,
		Tax:           tax,
		Discount:      discount,
		AmountPaid:    values.Zero(currency),
		Status:        InvoiceStatusPending,
		IssueDate:     now,
		DueDate:       dueDate,
		Version:       1,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	inv.recompute()

	if !inv.Total.IsPositive() {
		return nil, errors.NewValidationError("INVALID_TOTAL", "invoice total must be positive")
	}

	return inv, nil
}

// recompute re-derives subtotal, total, and balance from the items and the
// net amount paid. Called after every mutation so the invariant holds at
// every observable point.
func (i *Invoice) recompute() {
	currency := i.AmountPaid.Currency()
	subtotal := values.Zero(currency)
	for _, item := range i.Items {
		subtotal, _ = subtotal.Add(item.Amount)
	}
	i.Subtotal = subtotal

	total, _ := subtotal.Add(i.Tax)
	total, _ = total.Sub(i.Discount)
	i.Total = total

	i.Balance, _ = i.Total.Sub(i.AmountPaid)
}

// IsMutable reports whether line items may still be changed
func (i *Invoice) IsMutable() bool {
	return i.Status != InvoiceStatusPaid && i.Status != InvoiceStatusCancelled
}

// AddItem appends a line item and recomputes totals
func (i *Invoice) AddItem(item InvoiceItem) error {
	if !i.IsMutable() {
		return errors.NewInvalidStateError("INVOICE_IMMUTABLE",
			"cannot add items to a "+i.Status.String()+" invoice")
	}
	if item.UnitPrice.Currency() != i.Total.Currency() {
		return errors.NewValidationError("CURRENCY_MISMATCH", "item currency does not match invoice")
	}

	i.Items = append(i.Items, item)
	i.recompute()
	i.touch()
	return nil
}

// RemoveItem deletes a line item by ID and recomputes totals. Removal that
// would drop the total below the amount already paid is rejected.
func (i *Invoice) RemoveItem(itemID uuid.UUID) error {
	if !i.IsMutable() {
		return errors.NewInvalidStateError("INVOICE_IMMUTABLE",
			"cannot remove items from a "+i.Status.String()+" invoice")
	}

	idx := -1
	for n, item := range i.Items {
		if item.ID == itemID {
			idx = n
			break
		}
	}
	if idx == -1 {
		return errors.NewNotFoundError("invoice item")
	}

	remaining := values.Zero(i.Total.Currency())
	for n, item := range i.Items {
		if n == idx {
			continue
		}
		remaining, _ = remaining.Add(item.Amount)
	}
	newTotal, _ := remaining.Add(i.Tax)
	newTotal, _ = newTotal.Sub(i.Discount)
	if !newTotal.IsPositive() {
		return errors.NewValidationError("INVALID_TOTAL", "removing item would make invoice total non-positive")
	}
	if newTotal.LessThan(i.AmountPaid) {
		return errors.NewValidationError("TOTAL_BELOW_PAID",
			"removing item would drop total below amount already paid")
	}

	i.Items = append(i.Items[:idx], i.Items[idx+1:]...)
	i.recompute()
	i.touch()
	return nil
}

// ApplyCredit posts a credit (a completed payment or an approved insurance
// amount) against the invoice. Drives status to PARTIALLY_PAID or PAID.
func (i *Invoice) ApplyCredit(amount values.Money) error {
	if i.Status == InvoiceStatusCancelled {
		return errors.NewInvalidStateError("INVOICE_CANCELLED", "cannot credit a cancelled invoice")
	}
	if !amount.IsPositive() {
		return errors.NewValidationError("INVALID_AMOUNT", "credit amount must be positive")
	}
	if amount.Currency() != i.Balance.Currency() {
		return errors.NewValidationError("CURRENCY_MISMATCH", "credit currency does not match invoice")
	}
	if amount.GreaterThan(i.Balance) {
		return errors.NewValidationError("AMOUNT_EXCEEDS_BALANCE",
			"credit of "+amount.String()+" exceeds balance of "+i.Balance.String())
	}

	i.AmountPaid, _ = i.AmountPaid.Add(amount)
	i.recompute()

	if i.Balance.IsZero() {
		i.setStatus(InvoiceStatusPaid)
		now := clock.Now()
		i.PaidDate = &now
	} else if i.AmountPaid.IsPositive() {
		i.setStatus(InvoiceStatusPartiallyPaid)
	}
	i.touch()
	return nil
}

// ReverseCredit is the inverse of ApplyCredit, used when a refund completes.
// May move PAID back to PARTIALLY_PAID, or PARTIALLY_PAID back to PENDING.
func (i *Invoice) ReverseCredit(amount values.Money) error {
	if i.Status == InvoiceStatusCancelled {
		return errors.NewInvalidStateError("INVOICE_CANCELLED", "cannot reverse credit on a cancelled invoice")
	}
	if !amount.IsPositive() {
		return errors.NewValidationError("INVALID_AMOUNT", "reversal amount must be positive")
	}
	if amount.Currency() != i.AmountPaid.Currency() {
		return errors.NewValidationError("CURRENCY_MISMATCH", "reversal currency does not match invoice")
	}
	if amount.GreaterThan(i.AmountPaid) {
		return errors.NewValidationError("AMOUNT_EXCEEDS_PAID",
			"reversal of "+amount.String()+" exceeds amount paid of "+i.AmountPaid.String())
	}

	i.AmountPaid, _ = i.AmountPaid.Sub(amount)
	i.recompute()
	i.PaidDate = nil

	if i.AmountPaid.IsZero() {
		i.setStatus(InvoiceStatusPending)
	} else {
		i.setStatus(InvoiceStatusPartiallyPaid)
	}
	i.touch()
	return nil
}

// Cancel terminally cancels the invoice. Cancelling a fully paid invoice is
// illegal; money already collected must be refunded first.
func (i *Invoice) Cancel(reason string) error {
	if i.Status == InvoiceStatusCancelled {
		return errors.NewInvalidStateError("ALREADY_CANCELLED", "invoice is already cancelled")
	}
	if i.Balance.IsZero() {
		return errors.NewInvalidStateError("INVOICE_FULLY_PAID", "cannot cancel a fully paid invoice")
	}

	i.Status = InvoiceStatusCancelled
	i.CancelReason = &reason
	i.touch()
	return nil
}

// MarkOverdueIfPastDue flips an unpaid invoice to OVERDUE once its due date
// has passed. A no-op in every other case.
func (i *Invoice) MarkOverdueIfPastDue(now time.Time) bool {
	if !i.Status.canTransitionTo(InvoiceStatusOverdue) {
		return false
	}
	if !i.Balance.IsPositive() || !now.After(i.DueDate) {
		return false
	}

	i.Status = InvoiceStatusOverdue
	i.touch()
	return true
}

func (i *Invoice) setStatus(next InvoiceStatus) {
	if i.Status == next {
		return
	}
	if i.Status.canTransitionTo(next) {
		i.Status = next
	}
}

func (i *Invoice) touch() {
	i.UpdatedAt = clock.Now()
}
