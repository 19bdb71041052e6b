package financial

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/davidleathers/carebill-backend/internal/domain/errors"
)

func submittedClaim(t *testing.T, invoiceTotal, claimed string) *InsuranceClaim {
	t.Helper()
	inv := testInvoice(t, invoiceTotal)
	c, err := NewClaim(inv, "Acme Health", "POL-12345", usd(claimed))
	require.NoError(t, err)
	require.NoError(t, c.Submit())
	return c
}

func TestNewClaim(t *testing.T) {
	t.Run("valid claim opens in draft", func(t *testing.T) {
		inv := testInvoice(t, "110.00")
		c, err := NewClaim(inv, "Acme Health", "POL-12345", usd("110.00"))
		require.NoError(t, err)
		assert.Equal(t, ClaimStatusDraft, c.Status)
		assert.True(t, strings.HasPrefix(c.ClaimNumber, "CLM-"))
		assert.Equal(t, inv.ID, c.InvoiceID)
		assert.Equal(t, inv.PatientID, c.PatientID)
		assert.True(t, c.ApprovedAmount.IsZero())
		assert.True(t, c.IsActive())
	})

	t.Run("claim above invoice total rejected", func(t *testing.T) {
		inv := testInvoice(t, "110.00")
		_, err := NewClaim(inv, "Acme Health", "POL-12345", usd("150.00"))
		require.Error(t, err)
		assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))
	})

	t.Run("missing provider or policy rejected", func(t *testing.T) {
		inv := testInvoice(t, "110.00")
		_, err := NewClaim(inv, "", "POL-12345", usd("50.00"))
		require.Error(t, err)
		_, err = NewClaim(inv, "Acme Health", "", usd("50.00"))
		require.Error(t, err)
	})
}

func TestClaim_Approve(t *testing.T) {
	t.Run("partial approval splits responsibility", func(t *testing.T) {
		c := submittedClaim(t, "110.00", "110.00")
		require.NoError(t, c.Approve(usd("88.00")))

		assert.Equal(t, ClaimStatusApproved, c.Status)
		assert.True(t, c.ApprovedAmount.Equal(usd("88.00")))
		assert.True(t, c.PatientResponsibility.Equal(usd("22.00")))
		assert.NotNil(t, c.DecidedAt)
	})

	t.Run("full approval leaves no patient share", func(t *testing.T) {
		c := submittedClaim(t, "110.00", "110.00")
		require.NoError(t, c.Approve(usd("110.00")))
		assert.True(t, c.PatientResponsibility.IsZero())
	})

	t.Run("approval above claimed rejected", func(t *testing.T) {
		c := submittedClaim(t, "110.00", "100.00")
		err := c.Approve(usd("120.00"))
		require.Error(t, err)
		assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))
		assert.Equal(t, ClaimStatusSubmitted, c.Status)
	})

	t.Run("draft claim cannot be decided", func(t *testing.T) {
		inv := testInvoice(t, "110.00")
		c, err := NewClaim(inv, "Acme Health", "POL-12345", usd("110.00"))
		require.NoError(t, err)

		require.Error(t, c.Approve(usd("50.00")))
		require.Error(t, c.Deny("no"))
	})

	t.Run("under review claim can be decided", func(t *testing.T) {
		c := submittedClaim(t, "110.00", "110.00")
		require.NoError(t, c.BeginReview())
		require.NoError(t, c.Approve(usd("110.00")))
	})
}

func TestClaim_DenyAndAppeal(t *testing.T) {
	t.Run("denial assigns full responsibility", func(t *testing.T) {
		c := submittedClaim(t, "110.00", "110.00")
		require.NoError(t, c.Deny("out of network"))

		assert.Equal(t, ClaimStatusDenied, c.Status)
		require.NotNil(t, c.DenialReason)
		assert.True(t, c.PatientResponsibility.Equal(usd("110.00")))
		assert.False(t, c.IsActive())
	})

	t.Run("denial requires a reason", func(t *testing.T) {
		c := submittedClaim(t, "110.00", "110.00")
		require.Error(t, c.Deny(""))
	})

	t.Run("appeal returns claim to the insurer", func(t *testing.T) {
		c := submittedClaim(t, "110.00", "110.00")
		require.NoError(t, c.Deny("paperwork missing"))

		require.NoError(t, c.Appeal())
		assert.Equal(t, ClaimStatusAppealed, c.Status)
		assert.Equal(t, 1, c.AppealCount)
		assert.True(t, c.IsActive())

		// A second denial and appeal increments the count
		require.NoError(t, c.Deny("still missing"))
		require.NoError(t, c.Appeal())
		assert.Equal(t, 2, c.AppealCount)

		require.NoError(t, c.Approve(usd("110.00")))
		assert.Nil(t, c.DenialReason)
	})

	t.Run("only denied claims appeal", func(t *testing.T) {
		c := submittedClaim(t, "110.00", "110.00")
		require.Error(t, c.Appeal())
	})
}

func TestClaim_RecordPayment(t *testing.T) {
	t.Run("remittance accumulates to paid", func(t *testing.T) {
		c := submittedClaim(t, "110.00", "110.00")
		require.NoError(t, c.Approve(usd("88.00")))

		require.NoError(t, c.RecordPayment(usd("40.00")))
		assert.Equal(t, ClaimStatusApproved, c.Status)
		assert.True(t, c.PaidAmount.Equal(usd("40.00")))

		require.NoError(t, c.RecordPayment(usd("48.00")))
		assert.Equal(t, ClaimStatusPaid, c.Status)
		assert.NotNil(t, c.PaidAt)
	})

	t.Run("remittance above approved rejected", func(t *testing.T) {
		c := submittedClaim(t, "110.00", "110.00")
		require.NoError(t, c.Approve(usd("88.00")))

		err := c.RecordPayment(usd("90.00"))
		require.Error(t, err)
		assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))
	})

	t.Run("unapproved claim takes no remittance", func(t *testing.T) {
		c := submittedClaim(t, "110.00", "110.00")
		err := c.RecordPayment(usd("10.00"))
		require.Error(t, err)
		assert.True(t, errors.IsType(err, errors.ErrorTypeInvalidState))
	})
}

func TestClaim_Cancel(t *testing.T) {
	t.Run("submitted claim cancels", func(t *testing.T) {
		c := submittedClaim(t, "110.00", "110.00")
		require.NoError(t, c.Cancel())
		assert.Equal(t, ClaimStatusCancelled, c.Status)
		assert.False(t, c.IsActive())
	})

	t.Run("paid claim cannot cancel", func(t *testing.T) {
		c := submittedClaim(t, "110.00", "110.00")
		require.NoError(t, c.Approve(usd("110.00")))
		require.NoError(t, c.RecordPayment(usd("110.00")))
		require.Error(t, c.Cancel())
	})
}
