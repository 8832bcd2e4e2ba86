package client

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

	"github.com/google/uuid"
)

// ReplayHeader marks a response served from the idempotency cache.
const ReplayHeader = "X-Agenthub-Idempotent-Replay"

// APIError is a structured error returned by the control plane.
type APIError struct {
	HTTPStatus int            `json:"-"`
	Code       string         `json:"code"`
	Message    string         `json:"message"`
	Fields     map[string]any `json:"fields,omitempty"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("agenthub: %s (%s, http %d)", e.Message, e.Code, e.HTTPStatus)
}

// IsCode reports whether err is an APIError with the given code.
func IsCode(err error, code string) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}

// Client talks to one AgentHub deployment. Methods are safe for
// concurrent use.
type Client struct {
	baseURL    string
	httpClient *http.Client

	apiKey          string
	bearerToken     string
	delegationToken string
	adminSecret     string
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithAPIKey authenticates every request with a platform API key.
func WithAPIKey(key string) Option {
	return func(c *Client) { c.apiKey = key }
}

// WithBearerToken authenticates with an agent bearer credential or JWT.
func WithBearerToken(token string) Option {
	return func(c *Client) { c.bearerToken = token }
}

// WithDelegationToken attaches a delegation token, letting the caller
// act within the token's attenuated scopes.
func WithDelegationToken(token string) Option {
	return func(c *Client) { c.delegationToken = token }
}

// WithAdminSecret attaches the operator secret required by admin
// routes such as the breaker reset.
func WithAdminSecret(secret string) Option {
	return func(c *Client) { c.adminSecret = secret }
}

// New creates a Client for the given base URL, e.g.
// "https://agenthub.internal:8080".
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// call executes one request. A non-nil body is JSON-encoded. Mutating
// calls that need an Idempotency-Key pass it in headers; out, when
// non-nil, receives the decoded response body.
func (c *Client) call(ctx context.Context, method, path string, body, out any, headers map[string]string) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}
	if c.bearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.bearerToken)
	}
	if c.delegationToken != "" {
		req.Header.Set("X-Delegation-Token", c.delegationToken)
	}
	if c.adminSecret != "" {
		req.Header.Set("X-Admin-Secret", c.adminSecret)
	}
	for name, value := range headers {
		req.Header.Set(name, value)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var envelope struct {
			Detail *APIError `json:"detail"`
		}
		if err := json.Unmarshal(raw, &envelope); err == nil && envelope.Detail != nil {
			envelope.Detail.HTTPStatus = resp.StatusCode
			return envelope.Detail
		}
		return &APIError{
			HTTPStatus: resp.StatusCode,
			Code:       "http.error",
			Message:    strings.TrimSpace(string(raw)),
		}
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// newIdempotencyKey generates a fresh key for mutating calls where the
// caller did not supply one.
func newIdempotencyKey() string {
	return "idk-" + uuid.NewString()
}
