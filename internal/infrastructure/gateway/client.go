package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/davidleathers/carebill-backend/internal/domain/errors"
	"github.com/davidleathers/carebill-backend/internal/infrastructure/config"
	"github.com/davidleathers/carebill-backend/internal/service/billing"
)

// Client talks to the external payment processor over HTTP. A decline comes
// back as a result; an error from Charge or Refund means the processor
// itself was unreachable or broken. Outbound calls are rate limited so a
// burst of retries cannot hammer the processor.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	limiter *rate.Limiter
	logger  *zap.Logger
}

// NewClient builds a gateway client from configuration
func NewClient(cfg *config.GatewayConfig, logger *zap.Logger) *Client {
	return &Client{
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		http:    &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.BurstSize),
		logger:  logger,
	}
}

type chargeRequest struct {
	Amount    string `json:"amount"`
	Currency  string `json:"currency"`
	Method    string `json:"method"`
	Reference string `json:"reference"`
}

type chargeResponse struct {
	Approved      bool   `json:"approved"`
	DeclineReason string `json:"decline_reason,omitempty"`
	Reference     string `json:"reference,omitempty"`
}

// Charge submits a charge to the processor
func (c *Client) Charge(ctx context.Context, req billing.GatewayRequest) (*billing.GatewayResult, error) {
	return c.post(ctx, "/v1/charges", req)
}

// Refund submits a refund to the processor
func (c *Client) Refund(ctx context.Context, req billing.GatewayRequest) (*billing.GatewayResult, error) {
	return c.post(ctx, "/v1/refunds", req)
}

func (c *Client) post(ctx context.Context, path string, req billing.GatewayRequest) (*billing.GatewayResult, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, errors.NewExternalError("gateway", "rate limit wait cancelled").WithCause(err)
	}

	body, err := json.Marshal(chargeRequest{
		Amount:    req.Amount.Amount().StringFixed(2),
		Currency:  req.Amount.Currency(),
		Method:    string(req.Method),
		Reference: req.Reference,
	})
	if err != nil {
		return nil, errors.NewInternalError("failed to encode gateway request").WithCause(err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, errors.NewInternalError("failed to build gateway request").WithCause(err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Idempotency-Key", req.Reference)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		c.logger.Warn("gateway request failed", zap.String("path", path), zap.Error(err))
		return nil, errors.NewExternalError("gateway", "request failed").WithCause(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger.Warn("gateway returned error status",
			zap.String("path", path),
			zap.Int("status", resp.StatusCode))
		return nil, errors.NewExternalError("gateway",
			fmt.Sprintf("unexpected status %d", resp.StatusCode))
	}

	var out chargeResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, errors.NewExternalError("gateway", "malformed response").WithCause(err)
	}

	return &billing.GatewayResult{
		Approved:      out.Approved,
		DeclineReason: out.DeclineReason,
		GatewayRef:    out.Reference,
	}, nil
}
