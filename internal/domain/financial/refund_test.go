package financial

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/davidleathers/carebill-backend/internal/domain/errors"
	"github.com/davidleathers/carebill-backend/internal/domain/values"
)

var noThreshold = values.Money{}

func TestNewRefund(t *testing.T) {
	threshold := usd("500.00")

	t.Run("small refund opens pending", func(t *testing.T) {
		p := completedPayment(t, "100.00")
		r, err := NewRefund(p, usd("30.00"), "billing adjustment", threshold)
		require.NoError(t, err)
		assert.Equal(t, RefundStatusPending, r.Status)
		assert.False(t, r.RequiresApproval())
		assert.Equal(t, p.ID, r.PaymentID)
		assert.Equal(t, p.InvoiceID, r.InvoiceID)
	})

	t.Run("refund above threshold requires review", func(t *testing.T) {
		p := completedPayment(t, "600.00")
		r, err := NewRefund(p, usd("550.00"), "disputed charge", threshold)
		require.NoError(t, err)
		assert.Equal(t, RefundStatusRequiresReview, r.Status)
		assert.True(t, r.RequiresApproval())
	})

	t.Run("refund exactly at threshold skips review", func(t *testing.T) {
		p := completedPayment(t, "600.00")
		r, err := NewRefund(p, usd("500.00"), "adjustment", threshold)
		require.NoError(t, err)
		assert.Equal(t, RefundStatusPending, r.Status)
	})

	t.Run("zero threshold disables review", func(t *testing.T) {
		p := completedPayment(t, "900.00")
		r, err := NewRefund(p, usd("900.00"), "cancelled procedure", values.Zero("USD"))
		require.NoError(t, err)
		assert.Equal(t, RefundStatusPending, r.Status)
	})

	t.Run("rejects unrefundable payment", func(t *testing.T) {
		p := testPayment(t, "100.00")
		_, err := NewRefund(p, usd("10.00"), "reason", threshold)
		require.Error(t, err)
		assert.True(t, errors.IsType(err, errors.ErrorTypeInvalidState))
	})

	t.Run("rejects amount above refundable", func(t *testing.T) {
		p := completedPayment(t, "100.00")
		require.NoError(t, p.RecordRefund(usd("80.00")))
		_, err := NewRefund(p, usd("40.00"), "reason", threshold)
		require.Error(t, err)
		assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))
	})

	t.Run("rejects missing reason", func(t *testing.T) {
		p := completedPayment(t, "100.00")
		_, err := NewRefund(p, usd("10.00"), "", threshold)
		require.Error(t, err)
		assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))
	})
}

func TestRefund_Approve(t *testing.T) {
	t.Run("approval releases refund", func(t *testing.T) {
		p := completedPayment(t, "600.00")
		r, err := NewRefund(p, usd("550.00"), "disputed charge", usd("500.00"))
		require.NoError(t, err)

		require.NoError(t, r.Approve("supervisor@clinic.example"))
		assert.Equal(t, RefundStatusPending, r.Status)
		require.NotNil(t, r.ApprovedBy)
		assert.Equal(t, "supervisor@clinic.example", *r.ApprovedBy)
		assert.NotNil(t, r.ApprovedAt)
	})

	t.Run("approving a pending refund fails", func(t *testing.T) {
		p := completedPayment(t, "100.00")
		r, err := NewRefund(p, usd("30.00"), "adjustment", usd("500.00"))
		require.NoError(t, err)

		err = r.Approve("supervisor@clinic.example")
		require.Error(t, err)
		assert.True(t, errors.IsType(err, errors.ErrorTypeInvalidState))
	})

	t.Run("approver required", func(t *testing.T) {
		p := completedPayment(t, "600.00")
		r, err := NewRefund(p, usd("550.00"), "disputed charge", usd("500.00"))
		require.NoError(t, err)
		require.Error(t, r.Approve(""))
	})
}

func TestRefund_Lifecycle(t *testing.T) {
	t.Run("pending to processing to completed", func(t *testing.T) {
		p := completedPayment(t, "100.00")
		r, err := NewRefund(p, usd("30.00"), "adjustment", noThreshold)
		require.NoError(t, err)

		require.NoError(t, r.MarkProcessing())
		require.NoError(t, r.MarkCompleted())
		assert.Equal(t, RefundStatusCompleted, r.Status)
		require.NotNil(t, r.RefundTransactionID)
		assert.True(t, strings.HasPrefix(*r.RefundTransactionID, "REF-"))
		assert.NotNil(t, r.ProcessedAt)
	})

	t.Run("failed refund retries through processing", func(t *testing.T) {
		p := completedPayment(t, "100.00")
		r, err := NewRefund(p, usd("30.00"), "adjustment", noThreshold)
		require.NoError(t, err)

		require.NoError(t, r.MarkProcessing())
		require.NoError(t, r.MarkFailed("gateway timeout"))
		require.NotNil(t, r.FailureReason)

		require.NoError(t, r.MarkProcessing())
		assert.Nil(t, r.FailureReason)
		require.NoError(t, r.MarkCompleted())
	})

	t.Run("completed refund is terminal", func(t *testing.T) {
		p := completedPayment(t, "100.00")
		r, err := NewRefund(p, usd("30.00"), "adjustment", noThreshold)
		require.NoError(t, err)
		require.NoError(t, r.MarkProcessing())
		require.NoError(t, r.MarkCompleted())

		require.Error(t, r.MarkProcessing())
		require.Error(t, r.Cancel("too late"))
	})

	t.Run("cancel from review or failed", func(t *testing.T) {
		p := completedPayment(t, "600.00")
		held, err := NewRefund(p, usd("550.00"), "disputed charge", usd("500.00"))
		require.NoError(t, err)
		require.NoError(t, held.Cancel("withdrawn"))
		assert.Equal(t, RefundStatusCancelled, held.Status)

		failed, err := NewRefund(completedPayment(t, "100.00"), usd("30.00"), "adjustment", noThreshold)
		require.NoError(t, err)
		require.NoError(t, failed.MarkProcessing())
		require.NoError(t, failed.MarkFailed("gateway timeout"))
		require.NoError(t, failed.Cancel("gave up"))
	})
}
