package billing

import (
	"github.com/davidleathers/carebill-backend/internal/domain/values"
)

// metricsNoop is a no-op implementation of BillingMetrics
type metricsNoop struct{}

// NewNoopMetrics creates a no-op metrics implementation
func NewNoopMetrics() BillingMetrics {
	return &metricsNoop{}
}

func (m *metricsNoop) RecordPayment(status string, amount values.Money) {}

func (m *metricsNoop) RecordRefund(status string, amount values.Money) {}

func (m *metricsNoop) RecordClaimDecision(decision string) {}
