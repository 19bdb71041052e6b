package billing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/davidleathers/carebill-backend/internal/domain/errors"
	"github.com/davidleathers/carebill-backend/internal/domain/financial"
)

type claimTestEnv struct {
	invoices  *memInvoiceRepo
	claims    *memClaimRepo
	publisher *fakePublisher
	service   *ClaimService
}

func newClaimTestEnv(t *testing.T) *claimTestEnv {
	env := &claimTestEnv{
		invoices:  newMemInvoiceRepo(),
		claims:    newMemClaimRepo(),
		publisher: &fakePublisher{},
	}
	env.service = NewClaimService(
		env.claims, env.invoices, env.publisher,
		passthroughTxManager{}, nil, zaptest.NewLogger(t),
	)
	return env
}

func TestClaimService_Submit(t *testing.T) {
	ctx := context.Background()

	t.Run("submit opens claim", func(t *testing.T) {
		env := newClaimTestEnv(t)
		invoice := createTestInvoice(env.invoices, "110.00")

		claim, err := env.service.Submit(ctx, SubmitClaimRequest{
			InvoiceID:     invoice.ID,
			Provider:      "Acme Health",
			PolicyNumber:  "POL-12345",
			ClaimedAmount: usd("110.00"),
		})
		require.NoError(t, err)
		assert.Equal(t, financial.ClaimStatusSubmitted, claim.Status)
		assert.NotEmpty(t, claim.ClaimNumber)
		assert.Contains(t, env.publisher.eventTypes(), "billing.claim.submitted")
	})

	t.Run("second active claim is a conflict", func(t *testing.T) {
		env := newClaimTestEnv(t)
		invoice := createTestInvoice(env.invoices, "110.00")

		_, err := env.service.Submit(ctx, SubmitClaimRequest{
			InvoiceID:     invoice.ID,
			Provider:      "Acme Health",
			PolicyNumber:  "POL-12345",
			ClaimedAmount: usd("110.00"),
		})
		require.NoError(t, err)

		_, err = env.service.Submit(ctx, SubmitClaimRequest{
			InvoiceID:     invoice.ID,
			Provider:      "Other Insurer",
			PolicyNumber:  "POL-99999",
			ClaimedAmount: usd("110.00"),
		})
		require.Error(t, err)
		assert.True(t, errors.IsType(err, errors.ErrorTypeConflict))
	})

	t.Run("racing submission keeps the database conflict", func(t *testing.T) {
		env := newClaimTestEnv(t)
		invoice := createTestInvoice(env.invoices, "110.00")

		// A concurrent writer can land between the active-claim check and the
		// insert; the unique index then rejects the insert with a conflict,
		// which must reach the caller as a conflict rather than an internal error.
		env.claims.createErr = errors.NewConflictError("an active claim already exists for this invoice")

		_, err := env.service.Submit(ctx, SubmitClaimRequest{
			InvoiceID:     invoice.ID,
			Provider:      "Acme Health",
			PolicyNumber:  "POL-12345",
			ClaimedAmount: usd("110.00"),
		})
		require.Error(t, err)
		assert.True(t, errors.IsType(err, errors.ErrorTypeConflict))
		assert.False(t, errors.IsType(err, errors.ErrorTypeInternal))
	})

	t.Run("denied claim frees the invoice for a new claim", func(t *testing.T) {
		env := newClaimTestEnv(t)
		invoice := createTestInvoice(env.invoices, "110.00")

		first, err := env.service.Submit(ctx, SubmitClaimRequest{
			InvoiceID:     invoice.ID,
			Provider:      "Acme Health",
			PolicyNumber:  "POL-12345",
			ClaimedAmount: usd("110.00"),
		})
		require.NoError(t, err)

		_, err = env.service.Deny(ctx, first.ID, "out of network")
		require.NoError(t, err)

		_, err = env.service.Submit(ctx, SubmitClaimRequest{
			InvoiceID:     invoice.ID,
			Provider:      "Other Insurer",
			PolicyNumber:  "POL-99999",
			ClaimedAmount: usd("110.00"),
		})
		require.NoError(t, err)
	})

	t.Run("claim above invoice total rejected", func(t *testing.T) {
		env := newClaimTestEnv(t)
		invoice := createTestInvoice(env.invoices, "110.00")

		_, err := env.service.Submit(ctx, SubmitClaimRequest{
			InvoiceID:     invoice.ID,
			Provider:      "Acme Health",
			PolicyNumber:  "POL-12345",
			ClaimedAmount: usd("200.00"),
		})
		require.Error(t, err)
		assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))
	})

	t.Run("cancelled invoice rejected", func(t *testing.T) {
		env := newClaimTestEnv(t)
		invoice := createTestInvoice(env.invoices, "110.00")
		require.NoError(t, invoice.Cancel("duplicate"))
		require.NoError(t, env.invoices.Update(ctx, invoice))

		_, err := env.service.Submit(ctx, SubmitClaimRequest{
			InvoiceID:     invoice.ID,
			Provider:      "Acme Health",
			PolicyNumber:  "POL-12345",
			ClaimedAmount: usd("110.00"),
		})
		require.Error(t, err)
		assert.True(t, errors.IsType(err, errors.ErrorTypeInvalidState))
	})
}

func TestClaimService_Approve(t *testing.T) {
	ctx := context.Background()

	t.Run("approval credits invoice and splits responsibility", func(t *testing.T) {
		env := newClaimTestEnv(t)
		invoice := createTestInvoice(env.invoices, "110.00")

		claim, err := env.service.Submit(ctx, SubmitClaimRequest{
			InvoiceID:     invoice.ID,
			Provider:      "Acme Health",
			PolicyNumber:  "POL-12345",
			ClaimedAmount: usd("110.00"),
		})
		require.NoError(t, err)

		approved, err := env.service.Approve(ctx, claim.ID, usd("88.00"))
		require.NoError(t, err)
		assert.Equal(t, financial.ClaimStatusApproved, approved.Status)
		assert.True(t, approved.ApprovedAmount.Equal(usd("88.00")))
		assert.True(t, approved.PatientResponsibility.Equal(usd("22.00")))

		stored, err := env.invoices.GetByID(ctx, invoice.ID)
		require.NoError(t, err)
		assert.Equal(t, financial.InvoiceStatusPartiallyPaid, stored.Status)
		assert.True(t, stored.Balance.Equal(usd("22.00")))
	})

	t.Run("full approval pays invoice", func(t *testing.T) {
		env := newClaimTestEnv(t)
		invoice := createTestInvoice(env.invoices, "110.00")

		claim, err := env.service.Submit(ctx, SubmitClaimRequest{
			InvoiceID:     invoice.ID,
			Provider:      "Acme Health",
			PolicyNumber:  "POL-12345",
			ClaimedAmount: usd("110.00"),
		})
		require.NoError(t, err)

		_, err = env.service.Approve(ctx, claim.ID, usd("110.00"))
		require.NoError(t, err)

		stored, err := env.invoices.GetByID(ctx, invoice.ID)
		require.NoError(t, err)
		assert.Equal(t, financial.InvoiceStatusPaid, stored.Status)
		assert.True(t, stored.Balance.IsZero())
	})

	t.Run("approval above claimed amount rejected", func(t *testing.T) {
		env := newClaimTestEnv(t)
		invoice := createTestInvoice(env.invoices, "110.00")

		claim, err := env.service.Submit(ctx, SubmitClaimRequest{
			InvoiceID:     invoice.ID,
			Provider:      "Acme Health",
			PolicyNumber:  "POL-12345",
			ClaimedAmount: usd("100.00"),
		})
		require.NoError(t, err)

		_, err = env.service.Approve(ctx, claim.ID, usd("120.00"))
		require.Error(t, err)
		assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))

		// Nothing was credited
		stored, err := env.invoices.GetByID(ctx, invoice.ID)
		require.NoError(t, err)
		assert.True(t, stored.Balance.Equal(usd("110.00")))
	})
}

func TestClaimService_DenyAppealAndPayment(t *testing.T) {
	ctx := context.Background()

	t.Run("deny assigns full responsibility to patient", func(t *testing.T) {
		env := newClaimTestEnv(t)
		invoice := createTestInvoice(env.invoices, "110.00")

		claim, err := env.service.Submit(ctx, SubmitClaimRequest{
			InvoiceID:     invoice.ID,
			Provider:      "Acme Health",
			PolicyNumber:  "POL-12345",
			ClaimedAmount: usd("110.00"),
		})
		require.NoError(t, err)

		denied, err := env.service.Deny(ctx, claim.ID, "procedure not covered")
		require.NoError(t, err)
		assert.Equal(t, financial.ClaimStatusDenied, denied.Status)
		assert.True(t, denied.PatientResponsibility.Equal(usd("110.00")))
		require.NotNil(t, denied.DenialReason)
	})

	t.Run("appeal reopens a denied claim", func(t *testing.T) {
		env := newClaimTestEnv(t)
		invoice := createTestInvoice(env.invoices, "110.00")

		claim, err := env.service.Submit(ctx, SubmitClaimRequest{
			InvoiceID:     invoice.ID,
			Provider:      "Acme Health",
			PolicyNumber:  "POL-12345",
			ClaimedAmount: usd("110.00"),
		})
		require.NoError(t, err)
		_, err = env.service.Deny(ctx, claim.ID, "paperwork missing")
		require.NoError(t, err)

		appealed, err := env.service.Appeal(ctx, claim.ID)
		require.NoError(t, err)
		assert.Equal(t, financial.ClaimStatusAppealed, appealed.Status)
		assert.Equal(t, 1, appealed.AppealCount)

		// An appealed claim can be approved
		approved, err := env.service.Approve(ctx, claim.ID, usd("110.00"))
		require.NoError(t, err)
		assert.Equal(t, financial.ClaimStatusApproved, approved.Status)
	})

	t.Run("insurer remittance closes the claim", func(t *testing.T) {
		env := newClaimTestEnv(t)
		invoice := createTestInvoice(env.invoices, "110.00")

		claim, err := env.service.Submit(ctx, SubmitClaimRequest{
			InvoiceID:     invoice.ID,
			Provider:      "Acme Health",
			PolicyNumber:  "POL-12345",
			ClaimedAmount: usd("110.00"),
		})
		require.NoError(t, err)
		_, err = env.service.Approve(ctx, claim.ID, usd("88.00"))
		require.NoError(t, err)

		partial, err := env.service.RecordPayment(ctx, claim.ID, usd("40.00"))
		require.NoError(t, err)
		assert.Equal(t, financial.ClaimStatusApproved, partial.Status)

		full, err := env.service.RecordPayment(ctx, claim.ID, usd("48.00"))
		require.NoError(t, err)
		assert.Equal(t, financial.ClaimStatusPaid, full.Status)
		assert.NotNil(t, full.PaidAt)
	})
}
