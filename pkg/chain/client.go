// Package chain is the blockchain submission collaborator: a thin HTTP
// client over the settlement backend's API. Calls fail fast through a
// circuit breaker when the backend is persistently unavailable; per-call
// retry policy belongs to the caller.
package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nearmesh/proximity/pkg/errors"
	"github.com/nearmesh/proximity/pkg/logging"
	"github.com/nearmesh/proximity/pkg/transfer"
)

// Config holds configuration for the chain client.
type Config struct {
	// BaseURL is the settlement backend API base (e.g. "http://localhost:8899").
	BaseURL string

	// Timeout bounds one submission round trip. Zero means 30 seconds.
	Timeout time.Duration

	// BreakerThreshold is the consecutive-failure count that opens the
	// circuit. Zero means 5.
	BreakerThreshold int

	// BreakerCooldown is how long the circuit stays open. Zero means 30s.
	BreakerCooldown time.Duration
}

// Client submits transactions for confirmation. It implements
// transfer.Submitter.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *logging.ColoredLogger

	breakerMu        sync.Mutex
	failures         int
	openUntil        time.Time
	breakerThreshold int
	breakerCooldown  time.Duration
}

// NewClient creates a chain client.
func NewClient(cfg Config, logger *logging.ColoredLogger) *Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	threshold := cfg.BreakerThreshold
	if threshold == 0 {
		threshold = 5
	}
	cooldown := cfg.BreakerCooldown
	if cooldown == 0 {
		cooldown = 30 * time.Second
	}

	return &Client{
		baseURL:          cfg.BaseURL,
		httpClient:       &http.Client{Timeout: timeout},
		logger:           logger,
		breakerThreshold: threshold,
		breakerCooldown:  cooldown,
	}
}

type submitResponse struct {
	TxHash string `json:"tx_hash"`
	Error  string `json:"error,omitempty"`
}

// Submit implements transfer.Submitter. It blocks until the backend reports
// the transaction confirmed or rejected.
func (c *Client) Submit(ctx context.Context, sub transfer.Submission) (string, error) {
	if open, until := c.circuitOpen(); open {
		return "", errors.NewServiceError("blockchain", fmt.Sprintf("circuit open until %s", until.Format(time.RFC3339)), 0, nil)
	}

	body, err := json.Marshal(sub)
	if err != nil {
		return "", errors.NewInternalError("failed to encode submission", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/transactions", bytes.NewReader(body))
	if err != nil {
		return "", errors.NewInternalError("failed to build request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.recordFailure()
		if ctx.Err() != nil {
			return "", errors.NewTimeoutError("transaction submission", c.httpClient.Timeout.String())
		}
		return "", errors.NewServiceError("blockchain", "submission request failed", 0, err)
	}
	defer resp.Body.Close()

	// Classify by status before touching the body; error responses are not
	// guaranteed to carry JSON.
	if resp.StatusCode >= 400 {
		var out submitResponse
		_ = json.NewDecoder(resp.Body).Decode(&out)
		msg := out.Error
		if msg == "" {
			msg = resp.Status
		}
		if resp.StatusCode >= 500 {
			c.recordFailure()
			return "", errors.NewServiceError("blockchain", msg, resp.StatusCode, nil)
		}
		// Client errors are definitive rejections; they never trip the
		// breaker and must not be retried.
		c.recordSuccess()
		return "", errors.NewValidationError("submission", msg, sub.TransferID)
	}

	var out submitResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		c.recordFailure()
		return "", errors.NewServiceError("blockchain", "malformed backend response", resp.StatusCode, err)
	}

	c.recordSuccess()

	c.logger.ComponentDebug(logging.ComponentChain, "transaction confirmed",
		zap.String("transfer_id", sub.TransferID),
		zap.String("tx_hash", out.TxHash))

	return out.TxHash, nil
}

func (c *Client) circuitOpen() (bool, time.Time) {
	c.breakerMu.Lock()
	defer c.breakerMu.Unlock()
	if time.Now().Before(c.openUntil) {
		return true, c.openUntil
	}
	return false, time.Time{}
}

func (c *Client) recordFailure() {
	c.breakerMu.Lock()
	defer c.breakerMu.Unlock()

	c.failures++
	if c.failures >= c.breakerThreshold {
		c.openUntil = time.Now().Add(c.breakerCooldown)
		c.failures = 0
		c.logger.ComponentWarn(logging.ComponentChain, "circuit opened",
			zap.Time("until", c.openUntil))
	}
}

func (c *Client) recordSuccess() {
	c.breakerMu.Lock()
	c.failures = 0
	c.breakerMu.Unlock()
}
