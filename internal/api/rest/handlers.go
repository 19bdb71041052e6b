package rest

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/davidleathers/carebill-backend/internal/domain/errors"
	"github.com/davidleathers/carebill-backend/internal/domain/financial"
	"github.com/davidleathers/carebill-backend/internal/domain/values"
	"github.com/davidleathers/carebill-backend/internal/service/billing"
)

// InvoiceService is the invoice surface the API needs
type InvoiceService interface {
	Create(ctx context.Context, req billing.CreateInvoiceRequest) (*financial.Invoice, error)
	AddItem(ctx context.Context, invoiceID uuid.UUID, req billing.InvoiceItemRequest) (*financial.Invoice, error)
	RemoveItem(ctx context.Context, invoiceID, itemID uuid.UUID) (*financial.Invoice, error)
	Cancel(ctx context.Context, invoiceID uuid.UUID, reason string) (*financial.Invoice, error)
	GetInvoice(ctx context.Context, id uuid.UUID) (*financial.Invoice, error)
	ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*financial.Invoice, error)
}

// PaymentService is the payment surface the API needs
type PaymentService interface {
	Process(ctx context.Context, req billing.ProcessPaymentRequest) (*financial.Payment, error)
	Retry(ctx context.Context, paymentID uuid.UUID) (*financial.Payment, error)
	GetPayment(ctx context.Context, id uuid.UUID) (*financial.Payment, error)
	ListPayments(ctx context.Context, invoiceID uuid.UUID) ([]*financial.Payment, error)
}

// RefundService is the refund surface the API needs
type RefundService interface {
	Process(ctx context.Context, req billing.RefundRequest) (*financial.Refund, error)
	Approve(ctx context.Context, refundID uuid.UUID, approvedBy string) (*financial.Refund, error)
	Retry(ctx context.Context, refundID uuid.UUID) (*financial.Refund, error)
	Cancel(ctx context.Context, refundID uuid.UUID, reason string) (*financial.Refund, error)
	GetRefund(ctx context.Context, id uuid.UUID) (*financial.Refund, error)
	ListRefunds(ctx context.Context, paymentID uuid.UUID) ([]*financial.Refund, error)
	ListRequiringReview(ctx context.Context) ([]*financial.Refund, error)
}

// ClaimService is the insurance claim surface the API needs
type ClaimService interface {
	Submit(ctx context.Context, req billing.SubmitClaimRequest) (*financial.InsuranceClaim, error)
	BeginReview(ctx context.Context, claimID uuid.UUID) (*financial.InsuranceClaim, error)
	Approve(ctx context.Context, claimID uuid.UUID, approvedAmount values.Money) (*financial.InsuranceClaim, error)
	Deny(ctx context.Context, claimID uuid.UUID, reason string) (*financial.InsuranceClaim, error)
	Appeal(ctx context.Context, claimID uuid.UUID) (*financial.InsuranceClaim, error)
	RecordPayment(ctx context.Context, claimID uuid.UUID, amount values.Money) (*financial.InsuranceClaim, error)
	GetClaim(ctx context.Context, id uuid.UUID) (*financial.InsuranceClaim, error)
	ListClaims(ctx context.Context, invoiceID uuid.UUID) ([]*financial.InsuranceClaim, error)
}

// Services bundles everything the router exposes
type Services struct {
	Invoices InvoiceService
	Payments PaymentService
	Refunds  RefundService
	Claims   ClaimService
}

// Handler owns route registration and request decoding for the billing API
type Handler struct {
	services Services
}

// NewHandler creates a handler over the billing services
func NewHandler(services Services) *Handler {
	return &Handler{services: services}
}

// RegisterRoutes attaches every billing route to the mux
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/invoices", h.createInvoice)
	mux.HandleFunc("GET /api/v1/invoices/{id}", h.getInvoice)
	mux.HandleFunc("POST /api/v1/invoices/{id}/items", h.addInvoiceItem)
	mux.HandleFunc("DELETE /api/v1/invoices/{id}/items/{itemID}", h.removeInvoiceItem)
	mux.HandleFunc("POST /api/v1/invoices/{id}/cancel", h.cancelInvoice)
	mux.HandleFunc("GET /api/v1/invoices/{id}/payments", h.listInvoicePayments)
	mux.HandleFunc("GET /api/v1/invoices/{id}/claims", h.listInvoiceClaims)
	mux.HandleFunc("GET /api/v1/patients/{id}/invoices", h.listPatientInvoices)

	mux.HandleFunc("POST /api/v1/payments", h.processPayment)
	mux.HandleFunc("GET /api/v1/payments/{id}", h.getPayment)
	mux.HandleFunc("POST /api/v1/payments/{id}/retry", h.retryPayment)
	mux.HandleFunc("GET /api/v1/payments/{id}/refunds", h.listPaymentRefunds)

	mux.HandleFunc("POST /api/v1/refunds", h.processRefund)
	mux.HandleFunc("GET /api/v1/refunds/review", h.listRefundsForReview)
	mux.HandleFunc("GET /api/v1/refunds/{id}", h.getRefund)
	mux.HandleFunc("POST /api/v1/refunds/{id}/approve", h.approveRefund)
	mux.HandleFunc("POST /api/v1/refunds/{id}/retry", h.retryRefund)
	mux.HandleFunc("POST /api/v1/refunds/{id}/cancel", h.cancelRefund)

	mux.HandleFunc("POST /api/v1/claims", h.submitClaim)
	mux.HandleFunc("GET /api/v1/claims/{id}", h.getClaim)
	mux.HandleFunc("POST /api/v1/claims/{id}/review", h.reviewClaim)
	mux.HandleFunc("POST /api/v1/claims/{id}/approve", h.approveClaim)
	mux.HandleFunc("POST /api/v1/claims/{id}/deny", h.denyClaim)
	mux.HandleFunc("POST /api/v1/claims/{id}/appeal", h.appealClaim)
	mux.HandleFunc("POST /api/v1/claims/{id}/payments", h.recordClaimPayment)
}

// Invoice handlers

func (h *Handler) createInvoice(w http.ResponseWriter, r *http.Request) {
	var req billing.CreateInvoiceRequest
	if !decodeBody(w, r, &req) {
		return
	}
	invoice, err := h.services.Invoices.Create(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, invoice)
}

func (h *Handler) getInvoice(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	invoice, err := h.services.Invoices.GetInvoice(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, invoice)
}

func (h *Handler) addInvoiceItem(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req billing.InvoiceItemRequest
	if !decodeBody(w, r, &req) {
		return
	}
	invoice, err := h.services.Invoices.AddItem(r.Context(), id, req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, invoice)
}

func (h *Handler) removeInvoiceItem(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	itemID, ok := pathID(w, r, "itemID")
	if !ok {
		return
	}
	invoice, err := h.services.Invoices.RemoveItem(r.Context(), id, itemID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, invoice)
}

func (h *Handler) cancelInvoice(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req reasonRequest
	if !decodeBody(w, r, &req) {
		return
	}
	invoice, err := h.services.Invoices.Cancel(r.Context(), id, req.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, invoice)
}

func (h *Handler) listPatientInvoices(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)
	invoices, err := h.services.Invoices.ListByPatient(r.Context(), id, limit, offset)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, listResponse{Items: invoices, Count: len(invoices)})
}

// Payment handlers

func (h *Handler) processPayment(w http.ResponseWriter, r *http.Request) {
	var req billing.ProcessPaymentRequest
	if !decodeBody(w, r, &req) {
		return
	}
	payment, err := h.services.Payments.Process(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	// A declined charge is a durable result, not a transport failure.
	status := http.StatusCreated
	if payment.Status == financial.PaymentStatusFailed {
		status = http.StatusPaymentRequired
	}
	writeJSON(w, status, payment)
}

func (h *Handler) getPayment(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	payment, err := h.services.Payments.GetPayment(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, payment)
}

func (h *Handler) retryPayment(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	payment, err := h.services.Payments.Retry(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	status := http.StatusOK
	if payment.Status == financial.PaymentStatusFailed {
		status = http.StatusPaymentRequired
	}
	writeJSON(w, status, payment)
}

func (h *Handler) listInvoicePayments(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	payments, err := h.services.Payments.ListPayments(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, listResponse{Items: payments, Count: len(payments)})
}

// Refund handlers

func (h *Handler) processRefund(w http.ResponseWriter, r *http.Request) {
	var req billing.RefundRequest
	if !decodeBody(w, r, &req) {
		return
	}
	refund, err := h.services.Refunds.Process(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	// A held refund is accepted but not yet executed.
	status := http.StatusCreated
	if refund.Status == financial.RefundStatusRequiresReview {
		status = http.StatusAccepted
	}
	writeJSON(w, status, refund)
}

func (h *Handler) getRefund(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	refund, err := h.services.Refunds.GetRefund(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, refund)
}

func (h *Handler) approveRefund(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req approveRefundRequest
	if !decodeBody(w, r, &req) {
		return
	}
	refund, err := h.services.Refunds.Approve(r.Context(), id, req.ApprovedBy)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, refund)
}

func (h *Handler) retryRefund(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	refund, err := h.services.Refunds.Retry(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, refund)
}

func (h *Handler) cancelRefund(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req reasonRequest
	if !decodeBody(w, r, &req) {
		return
	}
	refund, err := h.services.Refunds.Cancel(r.Context(), id, req.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, refund)
}

func (h *Handler) listPaymentRefunds(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	refunds, err := h.services.Refunds.ListRefunds(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, listResponse{Items: refunds, Count: len(refunds)})
}

func (h *Handler) listRefundsForReview(w http.ResponseWriter, r *http.Request) {
	refunds, err := h.services.Refunds.ListRequiringReview(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, listResponse{Items: refunds, Count: len(refunds)})
}

// Claim handlers

func (h *Handler) submitClaim(w http.ResponseWriter, r *http.Request) {
	var req billing.SubmitClaimRequest
	if !decodeBody(w, r, &req) {
		return
	}
	claim, err := h.services.Claims.Submit(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, claim)
}

func (h *Handler) getClaim(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	claim, err := h.services.Claims.GetClaim(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, claim)
}

func (h *Handler) reviewClaim(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	claim, err := h.services.Claims.BeginReview(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, claim)
}

func (h *Handler) approveClaim(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req amountRequest
	if !decodeBody(w, r, &req) {
		return
	}
	claim, err := h.services.Claims.Approve(r.Context(), id, req.Amount)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, claim)
}

func (h *Handler) denyClaim(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req reasonRequest
	if !decodeBody(w, r, &req) {
		return
	}
	claim, err := h.services.Claims.Deny(r.Context(), id, req.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, claim)
}

func (h *Handler) appealClaim(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	claim, err := h.services.Claims.Appeal(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, claim)
}

func (h *Handler) recordClaimPayment(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req amountRequest
	if !decodeBody(w, r, &req) {
		return
	}
	claim, err := h.services.Claims.RecordPayment(r.Context(), id, req.Amount)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, claim)
}

func (h *Handler) listInvoiceClaims(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	claims, err := h.services.Claims.ListClaims(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, listResponse{Items: claims, Count: len(claims)})
}

// Request decoding helpers

type reasonRequest struct {
	Reason string `json:"reason"`
}

type approveRefundRequest struct {
	ApprovedBy string `json:"approved_by"`
}

type amountRequest struct {
	Amount values.Money `json:"amount"`
}

type listResponse struct {
	Items interface{} `json:"items"`
	Count int         `json:"count"`
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, errors.NewValidationError("INVALID_BODY", "malformed request body").WithCause(err))
		return false
	}
	return true
}

func pathID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue(name))
	if err != nil {
		writeError(w, errors.NewValidationError("INVALID_ID", name+" is not a valid UUID"))
		return uuid.Nil, false
	}
	return id, true
}

func queryInt(r *http.Request, name string, fallback int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}
