package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/vadiminshakov/spendflow/internal/domain"
	"github.com/vadiminshakov/spendflow/pkg/retrier"
)

const (
	defaultAdvisoryTimeout    = 20 * time.Second
	defaultAdvisoryRetries    = 1
	defaultAdvisoryRetryDelay = time.Second
	maxAdvisoryBodyBytes      = 1 << 20
)

// StrategyRequest is what the advisory service needs to propose an allocation.
type StrategyRequest struct {
	Amount   *big.Int        `json:"amount"`
	Horizon  string          `json:"horizon"`
	RiskTier domain.RiskTier `json:"riskTier"`
	Goal     string          `json:"goal"`
}

// StrategyResponse carries the proposed percentages, one per allocation target.
type StrategyResponse struct {
	Percentages []decimal.Decimal `json:"percentages"`
	Rationale   string            `json:"rationale,omitempty"`
}

// AdvisoryClient requests allocation strategies over HTTP.
type AdvisoryClient struct {
	url        string
	apiKey     string
	httpClient *http.Client
	retrier    *retrier.Retrier
}

// NewAdvisoryClient creates a client for the strategy endpoint at url.
// A zero timeout uses the default; retries count extra attempts after the first.
func NewAdvisoryClient(url, apiKey string, timeout time.Duration, retries int) *AdvisoryClient {
	if timeout <= 0 {
		timeout = defaultAdvisoryTimeout
	}
	if retries < 0 {
		retries = defaultAdvisoryRetries
	}

	return &AdvisoryClient{
		url:    url,
		apiKey: apiKey,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		retrier: retrier.New(
			retrier.WithMaxRetries(retries),
			retrier.WithFixedDelay(defaultAdvisoryRetryDelay),
			// malformed payloads will not improve on retry
			retrier.WithRetryIf(func(err error) bool {
				return !errors.Is(err, domain.ErrAdvisoryMalformed)
			}),
		),
	}
}

// Strategy posts req and returns the proposed allocation.
func (c *AdvisoryClient) Strategy(ctx context.Context, req StrategyRequest) (*StrategyResponse, error) {
	if c.url == "" {
		return nil, errors.Wrap(domain.ErrAdvisoryUnavailable, "advisory url is not configured")
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal strategy request")
	}

	return retrier.DoWithData(c.retrier, ctx, func(ctx context.Context) (*StrategyResponse, error) {
		return c.send(ctx, payload)
	})
}

func (c *AdvisoryClient) send(ctx context.Context, payload []byte) (*StrategyResponse, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return nil, errors.Wrap(err, "failed to create HTTP request")
	}

	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.apiKey))
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, errors.Wrapf(domain.ErrAdvisoryUnavailable, "HTTP request failed: %v", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxAdvisoryBodyBytes))
	if err != nil {
		return nil, errors.Wrapf(domain.ErrAdvisoryUnavailable, "failed to read response body: %v", err)
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, errors.Wrapf(domain.ErrAdvisoryUnavailable, "advisory returned status %d: %s", resp.StatusCode, string(body))
	}

	var out StrategyResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, errors.Wrapf(domain.ErrAdvisoryMalformed, "decode: %v", err)
	}
	if len(out.Percentages) != domain.AllocationTargets {
		return nil, errors.Wrapf(domain.ErrAdvisoryMalformed, "expected %d percentages, got %d",
			domain.AllocationTargets, len(out.Percentages))
	}

	return &out, nil
}
