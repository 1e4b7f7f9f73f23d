/**
 * @description
 * Client for the Recurrente hosted-checkout API. Requests authenticate with the
 * merchant's public/secret key pair; amounts travel as integer cents.
 */
package gatewayclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// DefaultBaseURL is the production API root.
const DefaultBaseURL = "https://app.recurrente.com/api"

const maxErrorBody = 4 << 10

var ErrNotConfigured = errors.New("payment gateway credentials are not configured")

// GatewayError is a non-2xx answer from the gateway. Body keeps the response
// text for diagnostics.
type GatewayError struct {
	StatusCode int
	Body       string
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("gateway returned status %d: %s", e.StatusCode, e.Body)
}

// Item is one checkout line.
type Item struct {
	Name          string `json:"name"`
	Currency      string `json:"currency"`
	AmountInCents int64  `json:"amount_in_cents"`
	Quantity      int    `json:"quantity"`
}

// CheckoutRequest describes a hosted checkout session.
type CheckoutRequest struct {
	Items      []Item         `json:"items"`
	SuccessURL string         `json:"success_url"`
	CancelURL  string         `json:"cancel_url"`
	UserID     string         `json:"user_id,omitempty"`
	Metadata   map[string]any `json:"metadata"`
}

// CheckoutSession is the gateway's answer to a checkout request.
type CheckoutSession struct {
	ID          string `json:"id"`
	CheckoutURL string `json:"checkout_url"`
}

// Client is a client for the gateway API.
type Client struct {
	baseURL    string
	publicKey  string
	secretKey  string
	httpClient *http.Client
}

// NewClient creates a gateway client. A zero timeout falls back to 30 seconds.
func NewClient(baseURL, publicKey, secretKey string, timeout time.Duration) *Client {
	normalizedURL := strings.TrimSuffix(strings.TrimSpace(baseURL), "/")
	if normalizedURL == "" {
		normalizedURL = DefaultBaseURL
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:    normalizedURL,
		publicKey:  strings.TrimSpace(publicKey),
		secretKey:  strings.TrimSpace(secretKey),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// CreateCheckoutSession opens a hosted checkout and returns its id and URL.
func (c *Client) CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (*CheckoutSession, error) {
	if len(req.Items) == 0 {
		return nil, fmt.Errorf("at least one checkout item is required")
	}
	if req.Metadata == nil {
		req.Metadata = map[string]any{}
	}

	var session CheckoutSession
	if err := c.do(ctx, http.MethodPost, "/checkouts", req, &session); err != nil {
		return nil, err
	}
	if session.CheckoutURL == "" {
		return nil, fmt.Errorf("gateway response is missing checkout_url")
	}
	return &session, nil
}

// CheckCredentials calls the gateway's authentication test endpoint.
func (c *Client) CheckCredentials(ctx context.Context) error {
	var out map[string]any
	return c.do(ctx, http.MethodGet, "/test", nil, &out)
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	if c.publicKey == "" || c.secretKey == "" {
		return ErrNotConfigured
	}

	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal payload: %w", err)
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-PUBLIC-KEY", c.publicKey)
	req.Header.Set("X-SECRET-KEY", c.secretKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &GatewayError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to parse gateway response: %w", err)
	}
	return nil
}
