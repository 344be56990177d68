// Package bridgeclient is a typed client for the payment platform's transfer API.
package bridgeclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/time/rate"

	"github.com/Mindburn-Labs/helm-pay/pkg/finance"
)

const (
	SandboxBaseURL    = "https://api.sandbox.bridge.xyz/v1"
	ProductionBaseURL = "https://api.bridge.xyz/v1"

	userAgent = "helm-pay/bridgeclient"
)

// Transfer status values reported by the platform.
const (
	TransferPending   = "pending"
	TransferCompleted = "completed"
	TransferFailed    = "failed"
)

// Transfer is the platform's view of a wallet-to-wallet transfer.
type Transfer struct {
	ID           string    `json:"id"`
	Status       string    `json:"status"`
	FromWalletID string    `json:"from_wallet_id"`
	ToWalletID   string    `json:"to_wallet_id"`
	Amount       string    `json:"amount"`
	Currency     string    `json:"currency"`
	CreatedAt    time.Time `json:"created_at,omitempty"`
}

// TransferRequest is the body of POST /transfers. Amount is a decimal string.
type TransferRequest struct {
	FromWalletID string `json:"from_wallet_id"`
	ToWalletID   string `json:"to_wallet_id"`
	Amount       string `json:"amount"`
	Currency     string `json:"currency"`
}

// APIError is returned when the platform responds with a non-2xx status.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("bridge api %d: %s (%s)", e.Status, e.Message, e.Code)
	}
	return fmt.Sprintf("bridge api %d: %s", e.Status, e.Message)
}

// Temporary reports whether retrying the same request may succeed.
func (e *APIError) Temporary() bool {
	return e.Status == http.StatusTooManyRequests || e.Status >= 500
}

// Client talks to the platform.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// Option configures the client.
type Option func(*Client)

// WithAPIKey sets the bearer token.
func WithAPIKey(key string) Option {
	return func(c *Client) { c.apiKey = key }
}

// WithTimeout sets the HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.httpClient.Timeout = d }
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.httpClient = h }
}

// WithRateLimit caps outbound requests per second.
func WithRateLimit(rps float64, burst int) Option {
	return func(c *Client) { c.limiter = rate.NewLimiter(rate.Limit(rps), burst) }
}

// New creates a client. An empty baseURL selects the sandbox.
func New(baseURL string, opts ...Option) *Client {
	if baseURL == "" {
		baseURL = SandboxBaseURL
	}
	c := &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		limiter:    rate.NewLimiter(rate.Inf, 0),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// CreateTransfer moves amount from one wallet to another. The idempotency key,
// when set, lets the platform deduplicate retries of the same transfer.
func (c *Client) CreateTransfer(ctx context.Context, idempotencyKey, fromWallet, toWallet string, amount finance.Money) (*Transfer, error) {
	body := TransferRequest{
		FromWalletID: fromWallet,
		ToWalletID:   toWallet,
		Amount:       amount.Decimal(),
		Currency:     amount.Currency,
	}
	var out Transfer
	if err := c.do(ctx, http.MethodPost, "/transfers", idempotencyKey, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetTransfer returns the current state of a transfer.
func (c *Client) GetTransfer(ctx context.Context, transferID string) (*Transfer, error) {
	var out Transfer
	if err := c.do(ctx, http.MethodGet, "/transfers/"+url.PathEscape(transferID), "", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) do(ctx context.Context, method, path, idempotencyKey string, body any, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("bridge rate limit: %w", err)
	}

	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("bridge %s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		var payload struct {
			Message string `json:"message"`
			Code    string `json:"code"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil || payload.Message == "" {
			payload.Message = http.StatusText(resp.StatusCode)
		}
		return &APIError{Status: resp.StatusCode, Code: payload.Code, Message: payload.Message}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode bridge response: %w", err)
		}
	}
	return nil
}
