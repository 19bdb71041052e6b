package billing

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/davidleathers/carebill-backend/internal/domain/errors"
	"github.com/davidleathers/carebill-backend/internal/domain/financial"
	"github.com/davidleathers/carebill-backend/internal/domain/values"
)

type refundTestEnv struct {
	invoices  *memInvoiceRepo
	payments  *memPaymentRepo
	refunds   *memRefundRepo
	gateway   *fakeGateway
	publisher *fakePublisher
	pay       *PaymentService
	service   *RefundService
}

func newRefundTestEnv(t *testing.T, threshold values.Money) *refundTestEnv {
	env := &refundTestEnv{
		invoices:  newMemInvoiceRepo(),
		payments:  newMemPaymentRepo(),
		refunds:   newMemRefundRepo(),
		gateway:   approvingGateway(),
		publisher: &fakePublisher{},
	}
	logger := zaptest.NewLogger(t)
	env.pay = NewPaymentService(
		env.payments, env.invoices, env.gateway, env.publisher,
		nil, passthroughTxManager{}, nil, logger,
	)
	env.service = NewRefundService(
		env.refunds, env.payments, env.invoices, env.gateway, env.publisher,
		passthroughTxManager{}, nil, threshold, logger,
	)
	return env
}

// payInvoice runs a completed payment so refunds have something to reverse
func (env *refundTestEnv) payInvoice(t *testing.T, invoiceID uuid.UUID, amount, key string) *financial.Payment {
	t.Helper()
	payment, err := env.pay.Process(context.Background(), ProcessPaymentRequest{
		InvoiceID:      invoiceID,
		Amount:         usd(amount),
		Method:         financial.PaymentMethodCard,
		Gateway:        "stripe",
		IdempotencyKey: key,
	})
	require.NoError(t, err)
	require.Equal(t, financial.PaymentStatusCompleted, payment.Status)
	return payment
}

func TestRefundService_Process(t *testing.T) {
	ctx := context.Background()
	threshold := usd("500.00")

	t.Run("partial refund restores invoice balance", func(t *testing.T) {
		env := newRefundTestEnv(t, threshold)
		invoice := createTestInvoice(env.invoices, "110.00")
		payment := env.payInvoice(t, invoice.ID, "110.00", "pay-1")

		refund, err := env.service.Process(ctx, RefundRequest{
			PaymentID: payment.ID,
			Amount:    usd("30.00"),
			Reason:    "billing adjustment",
		})
		require.NoError(t, err)
		assert.Equal(t, financial.RefundStatusCompleted, refund.Status)

		storedPayment, err := env.payments.GetByID(ctx, payment.ID)
		require.NoError(t, err)
		assert.Equal(t, financial.PaymentStatusPartiallyRefunded, storedPayment.Status)
		assert.True(t, storedPayment.RefundedAmount.Equal(usd("30.00")))

		storedInvoice, err := env.invoices.GetByID(ctx, invoice.ID)
		require.NoError(t, err)
		assert.Equal(t, financial.InvoiceStatusPartiallyPaid, storedInvoice.Status)
		assert.True(t, storedInvoice.Balance.Equal(usd("30.00")))
		assert.True(t, storedInvoice.AmountPaid.Equal(usd("80.00")))

		assert.Contains(t, env.publisher.eventTypes(), "billing.refund.issued")
	})

	t.Run("full refund reopens invoice", func(t *testing.T) {
		env := newRefundTestEnv(t, threshold)
		invoice := createTestInvoice(env.invoices, "110.00")
		payment := env.payInvoice(t, invoice.ID, "110.00", "pay-2")

		refund, err := env.service.Process(ctx, RefundRequest{
			PaymentID: payment.ID,
			Amount:    usd("110.00"),
			Reason:    "service not rendered",
		})
		require.NoError(t, err)
		assert.Equal(t, financial.RefundStatusCompleted, refund.Status)

		storedPayment, err := env.payments.GetByID(ctx, payment.ID)
		require.NoError(t, err)
		assert.Equal(t, financial.PaymentStatusRefunded, storedPayment.Status)

		storedInvoice, err := env.invoices.GetByID(ctx, invoice.ID)
		require.NoError(t, err)
		assert.Equal(t, financial.InvoiceStatusPending, storedInvoice.Status)
		assert.Nil(t, storedInvoice.PaidDate)
		assert.True(t, storedInvoice.Balance.Equal(usd("110.00")))
	})

	t.Run("refund above threshold held for review", func(t *testing.T) {
		env := newRefundTestEnv(t, threshold)
		invoice := createTestInvoice(env.invoices, "600.00")
		payment := env.payInvoice(t, invoice.ID, "600.00", "pay-3")

		refund, err := env.service.Process(ctx, RefundRequest{
			PaymentID: payment.ID,
			Amount:    usd("550.00"),
			Reason:    "disputed charge",
		})
		require.NoError(t, err)
		assert.Equal(t, financial.RefundStatusRequiresReview, refund.Status)
		assert.Equal(t, 0, env.gateway.refundCalls)

		// Nothing moved yet
		storedInvoice, err := env.invoices.GetByID(ctx, invoice.ID)
		require.NoError(t, err)
		assert.Equal(t, financial.InvoiceStatusPaid, storedInvoice.Status)

		held, err := env.service.ListRequiringReview(ctx)
		require.NoError(t, err)
		require.Len(t, held, 1)
		assert.Equal(t, refund.ID, held[0].ID)
	})

	t.Run("refund exceeding refundable amount rejected", func(t *testing.T) {
		env := newRefundTestEnv(t, threshold)
		invoice := createTestInvoice(env.invoices, "110.00")
		payment := env.payInvoice(t, invoice.ID, "110.00", "pay-4")

		_, err := env.service.Process(ctx, RefundRequest{
			PaymentID: payment.ID,
			Amount:    usd("80.00"),
			Reason:    "adjustment",
		})
		require.NoError(t, err)

		_, err = env.service.Process(ctx, RefundRequest{
			PaymentID: payment.ID,
			Amount:    usd("40.00"),
			Reason:    "adjustment again",
		})
		require.Error(t, err)
		assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))
	})

	t.Run("gateway decline leaves refund failed", func(t *testing.T) {
		env := newRefundTestEnv(t, threshold)
		invoice := createTestInvoice(env.invoices, "110.00")
		payment := env.payInvoice(t, invoice.ID, "110.00", "pay-5")

		env.gateway.refundFn = func(req GatewayRequest) (*GatewayResult, error) {
			return &GatewayResult{Approved: false, DeclineReason: "gateway timeout"}, nil
		}

		refund, err := env.service.Process(ctx, RefundRequest{
			PaymentID: payment.ID,
			Amount:    usd("30.00"),
			Reason:    "adjustment",
		})
		require.NoError(t, err)
		assert.Equal(t, financial.RefundStatusFailed, refund.Status)

		// Payment and invoice untouched
		storedPayment, err := env.payments.GetByID(ctx, payment.ID)
		require.NoError(t, err)
		assert.Equal(t, financial.PaymentStatusCompleted, storedPayment.Status)
		assert.True(t, storedPayment.RefundedAmount.IsZero())

		// A failed refund can be retried once the gateway recovers
		env.gateway.refundFn = nil
		retried, err := env.service.Retry(ctx, refund.ID)
		require.NoError(t, err)
		assert.Equal(t, financial.RefundStatusCompleted, retried.Status)
	})
}

func TestRefundService_Approve(t *testing.T) {
	ctx := context.Background()

	t.Run("approval releases and processes refund", func(t *testing.T) {
		env := newRefundTestEnv(t, usd("500.00"))
		invoice := createTestInvoice(env.invoices, "600.00")
		payment := env.payInvoice(t, invoice.ID, "600.00", "pay-approve")

		refund, err := env.service.Process(ctx, RefundRequest{
			PaymentID: payment.ID,
			Amount:    usd("550.00"),
			Reason:    "disputed charge",
		})
		require.NoError(t, err)
		require.Equal(t, financial.RefundStatusRequiresReview, refund.Status)

		approved, err := env.service.Approve(ctx, refund.ID, "supervisor@clinic.example")
		require.NoError(t, err)
		assert.Equal(t, financial.RefundStatusCompleted, approved.Status)
		require.NotNil(t, approved.ApprovedBy)
		assert.Equal(t, "supervisor@clinic.example", *approved.ApprovedBy)

		storedInvoice, err := env.invoices.GetByID(ctx, invoice.ID)
		require.NoError(t, err)
		assert.True(t, storedInvoice.Balance.Equal(usd("550.00")))
	})

	t.Run("approving a non-review refund fails", func(t *testing.T) {
		env := newRefundTestEnv(t, usd("500.00"))
		invoice := createTestInvoice(env.invoices, "110.00")
		payment := env.payInvoice(t, invoice.ID, "110.00", "pay-noreview")

		refund, err := env.service.Process(ctx, RefundRequest{
			PaymentID: payment.ID,
			Amount:    usd("30.00"),
			Reason:    "adjustment",
		})
		require.NoError(t, err)
		require.Equal(t, financial.RefundStatusCompleted, refund.Status)

		_, err = env.service.Approve(ctx, refund.ID, "supervisor@clinic.example")
		require.Error(t, err)
		assert.True(t, errors.IsType(err, errors.ErrorTypeInvalidState))
	})

	t.Run("zero threshold disables review", func(t *testing.T) {
		env := newRefundTestEnv(t, values.Zero("USD"))
		invoice := createTestInvoice(env.invoices, "900.00")
		payment := env.payInvoice(t, invoice.ID, "900.00", "pay-zero")

		refund, err := env.service.Process(ctx, RefundRequest{
			PaymentID: payment.ID,
			Amount:    usd("900.00"),
			Reason:    "cancelled procedure",
		})
		require.NoError(t, err)
		assert.Equal(t, financial.RefundStatusCompleted, refund.Status)
	})
}

func TestRefundService_Cancel(t *testing.T) {
	ctx := context.Background()

	env := newRefundTestEnv(t, usd("500.00"))
	invoice := createTestInvoice(env.invoices, "600.00")
	payment := env.payInvoice(t, invoice.ID, "600.00", "pay-cancel")

	refund, err := env.service.Process(ctx, RefundRequest{
		PaymentID: payment.ID,
		Amount:    usd("550.00"),
		Reason:    "disputed charge",
	})
	require.NoError(t, err)
	require.Equal(t, financial.RefundStatusRequiresReview, refund.Status)

	cancelled, err := env.service.Cancel(ctx, refund.ID, "withdrawn by patient")
	require.NoError(t, err)
	assert.Equal(t, financial.RefundStatusCancelled, cancelled.Status)

	// A cancelled refund cannot be approved
	_, err = env.service.Approve(ctx, refund.ID, "supervisor@clinic.example")
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeInvalidState))
}
