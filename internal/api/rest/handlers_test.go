package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/davidleathers/carebill-backend/internal/domain/errors"
	"github.com/davidleathers/carebill-backend/internal/domain/financial"
	"github.com/davidleathers/carebill-backend/internal/domain/values"
	"github.com/davidleathers/carebill-backend/internal/service/billing"
)

// Stub services return canned results so handler tests exercise only the
// HTTP layer: routing, decoding, status mapping.

type stubInvoices struct {
	invoice *financial.Invoice
	err     error
	lastReq billing.CreateInvoiceRequest
}

func (s *stubInvoices) Create(ctx context.Context, req billing.CreateInvoiceRequest) (*financial.Invoice, error) {
	s.lastReq = req
	return s.invoice, s.err
}

func (s *stubInvoices) AddItem(ctx context.Context, invoiceID uuid.UUID, req billing.InvoiceItemRequest) (*financial.Invoice, error) {
	return s.invoice, s.err
}

func (s *stubInvoices) RemoveItem(ctx context.Context, invoiceID, itemID uuid.UUID) (*financial.Invoice, error) {
	return s.invoice, s.err
}

func (s *stubInvoices) Cancel(ctx context.Context, invoiceID uuid.UUID, reason string) (*financial.Invoice, error) {
	return s.invoice, s.err
}

func (s *stubInvoices) GetInvoice(ctx context.Context, id uuid.UUID) (*financial.Invoice, error) {
	return s.invoice, s.err
}

func (s *stubInvoices) ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*financial.Invoice, error) {
	if s.err != nil {
		return nil, s.err
	}
	return []*financial.Invoice{s.invoice}, nil
}

type stubPayments struct {
	payment *financial.Payment
	err     error
}

func (s *stubPayments) Process(ctx context.Context, req billing.ProcessPaymentRequest) (*financial.Payment, error) {
	return s.payment, s.err
}

func (s *stubPayments) Retry(ctx context.Context, paymentID uuid.UUID) (*financial.Payment, error) {
	return s.payment, s.err
}

func (s *stubPayments) GetPayment(ctx context.Context, id uuid.UUID) (*financial.Payment, error) {
	return s.payment, s.err
}

func (s *stubPayments) ListPayments(ctx context.Context, invoiceID uuid.UUID) ([]*financial.Payment, error) {
	if s.err != nil {
		return nil, s.err
	}
	return []*financial.Payment{s.payment}, nil
}

func testInvoice(t *testing.T) *financial.Invoice {
	t.Helper()
	item, err := financial.NewInvoiceItem("Consultation", 1, values.MustNewMoney("110.00", "USD"))
	require.NoError(t, err)
	invoice, err := financial.NewInvoice(uuid.New(), uuid.New(),
		[]financial.InvoiceItem{item}, values.Zero("USD"), values.Zero("USD"), time.Time{})
	require.NoError(t, err)
	return invoice
}

func testPayment(t *testing.T, invoice *financial.Invoice) *financial.Payment {
	t.Helper()
	payment, err := financial.NewPayment(invoice.ID, invoice.PatientID,
		values.MustNewMoney("110.00", "USD"), financial.PaymentMethodCard, "stripe", "key-1")
	require.NoError(t, err)
	return payment
}

func newTestRouter(t *testing.T, services Services) http.Handler {
	t.Helper()
	mux := http.NewServeMux()
	NewHandler(services).RegisterRoutes(mux)
	return Chain(mux, Recovery(zaptest.NewLogger(t)))
}

func TestHandler_Invoices(t *testing.T) {
	invoice := testInvoice(t)

	t.Run("create returns 201 with the invoice", func(t *testing.T) {
		invoices := &stubInvoices{invoice: invoice}
		router := newTestRouter(t, Services{Invoices: invoices})

		// Tax and discount are omitted the way a real client would omit them.
		body, _ := json.Marshal(map[string]interface{}{
			"appointment_id": invoice.AppointmentID,
			"patient_id":     invoice.PatientID,
			"items": []map[string]interface{}{
				{
					"description": "Consultation",
					"quantity":    1,
					"unit_price":  values.MustNewMoney("110.00", "USD"),
				},
			},
		})
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/invoices", bytes.NewReader(body)))

		assert.Equal(t, http.StatusCreated, rec.Code)
		assert.Equal(t, invoice.PatientID, invoices.lastReq.PatientID)

		var got map[string]interface{}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
		assert.Equal(t, invoice.ID.String(), got["id"])
	})

	t.Run("malformed body is a 400", func(t *testing.T) {
		router := newTestRouter(t, Services{Invoices: &stubInvoices{invoice: invoice}})

		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/invoices",
			bytes.NewReader([]byte("{not json"))))

		assert.Equal(t, http.StatusBadRequest, rec.Code)
		var resp errorResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, "INVALID_BODY", resp.Error.Code)
	})

	t.Run("bad UUID in path is a 400", func(t *testing.T) {
		router := newTestRouter(t, Services{Invoices: &stubInvoices{invoice: invoice}})

		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/invoices/not-a-uuid", nil))

		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("missing invoice is a 404", func(t *testing.T) {
		router := newTestRouter(t, Services{Invoices: &stubInvoices{err: errors.NewNotFoundError("invoice")}})

		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/invoices/"+uuid.NewString(), nil))

		assert.Equal(t, http.StatusNotFound, rec.Code)
		var resp errorResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, "RESOURCE_NOT_FOUND", resp.Error.Code)
	})

	t.Run("patient invoice list wraps items and count", func(t *testing.T) {
		router := newTestRouter(t, Services{Invoices: &stubInvoices{invoice: invoice}})

		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet,
			"/api/v1/patients/"+uuid.NewString()+"/invoices?limit=10", nil))

		assert.Equal(t, http.StatusOK, rec.Code)
		var resp listResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, 1, resp.Count)
	})

	t.Run("unexported error detail stays opaque", func(t *testing.T) {
		router := newTestRouter(t, Services{Invoices: &stubInvoices{err: assert.AnError}})

		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/invoices/"+uuid.NewString(), nil))

		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		var resp errorResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, "internal server error", resp.Error.Message)
	})
}

func TestHandler_Payments(t *testing.T) {
	invoice := testInvoice(t)

	t.Run("completed payment returns 201", func(t *testing.T) {
		payment := testPayment(t, invoice)
		require.NoError(t, payment.MarkProcessing())
		require.NoError(t, payment.MarkCompleted())
		router := newTestRouter(t, Services{Payments: &stubPayments{payment: payment}})

		body, _ := json.Marshal(billing.ProcessPaymentRequest{
			InvoiceID:      invoice.ID,
			Amount:         values.MustNewMoney("110.00", "USD"),
			Method:         financial.PaymentMethodCard,
			Gateway:        "stripe",
			IdempotencyKey: "key-1",
		})
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/payments", bytes.NewReader(body)))

		assert.Equal(t, http.StatusCreated, rec.Code)
	})

	t.Run("declined payment returns 402 with the record", func(t *testing.T) {
		payment := testPayment(t, invoice)
		require.NoError(t, payment.MarkProcessing())
		require.NoError(t, payment.MarkFailed("insufficient funds"))
		router := newTestRouter(t, Services{Payments: &stubPayments{payment: payment}})

		body, _ := json.Marshal(billing.ProcessPaymentRequest{
			InvoiceID:      invoice.ID,
			Amount:         values.MustNewMoney("110.00", "USD"),
			Method:         financial.PaymentMethodCard,
			Gateway:        "stripe",
			IdempotencyKey: "key-1",
		})
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/payments", bytes.NewReader(body)))

		assert.Equal(t, http.StatusPaymentRequired, rec.Code)
		var got map[string]interface{}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
		assert.Equal(t, "insufficient funds", got["failure_reason"])
	})

	t.Run("retryable conflict carries the retryable flag", func(t *testing.T) {
		router := newTestRouter(t, Services{Payments: &stubPayments{err: errors.NewVersionConflictError("invoice")}})

		body, _ := json.Marshal(billing.ProcessPaymentRequest{
			InvoiceID:      invoice.ID,
			Amount:         values.MustNewMoney("110.00", "USD"),
			Method:         financial.PaymentMethodCard,
			Gateway:        "stripe",
			IdempotencyKey: "key-1",
		})
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/payments", bytes.NewReader(body)))

		assert.Equal(t, http.StatusConflict, rec.Code)
		var resp errorResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.True(t, resp.Error.Retryable)
	})
}

func TestHealthRoutes(t *testing.T) {
	mux := http.NewServeMux()
	RegisterHealthRoutes(mux, map[string]HealthChecker{
		"postgres": func(ctx context.Context) error { return nil },
		"redis":    func(ctx context.Context) error { return assert.AnError },
	})

	t.Run("liveness is unconditional", func(t *testing.T) {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("readiness fails when a dependency is down", func(t *testing.T) {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

		var results map[string]string
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &results))
		assert.Equal(t, "ok", results["postgres"])
		assert.NotEqual(t, "ok", results["redis"])
	})
}
