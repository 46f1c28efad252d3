package routing

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/modelrelay/modelrelay/internal/guard"
)

// ErrDownstream indicates the routing service failed or answered with a
// non-success status. Retryable by the original caller; the gateway never
// retries internally.
var ErrDownstream = errors.New("routing service error")

// CreateSessionRequest asks the routing service to negotiate a new session.
type CreateSessionRequest struct {
	APIKeyID    uuid.UUID  `json:"api_key_id"`
	OwnerUserID *uuid.UUID `json:"owner_user_id,omitempty"`
	Model       string     `json:"model"`
}

// InvokeRequest carries one inference call against an existing session.
// CorrelationToken is per-request: the session ID is shared across many
// concurrent requests and cannot tell their responses apart.
type InvokeRequest struct {
	SessionID        string          `json:"session_id"`
	CorrelationToken string          `json:"correlation_token"`
	Model            string          `json:"model"`
	Payload          json.RawMessage `json:"payload"`
}

// InvokeResponse is the routing service's answer, echoing the token of the
// request it belongs to.
type InvokeResponse struct {
	CorrelationToken string          `json:"correlation_token"`
	Payload          json.RawMessage `json:"payload"`
}

// Client is the gateway's contract with the routing service. Defined here so
// the lifecycle manager and handlers can be tested against fakes.
type Client interface {
	// CreateSession negotiates a new session and returns its downstream ID.
	CreateSession(ctx context.Context, req CreateSessionRequest) (string, error)

	// Invoke executes one inference call. Implementations must verify the
	// echoed correlation token and discard mismatched responses.
	Invoke(ctx context.Context, req InvokeRequest) (*InvokeResponse, error)
}

// HTTPClient talks JSON over HTTP to the routing service.
type HTTPClient struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// NewHTTPClient creates a routing service client. timeout bounds the whole
// request including inference time, so it is much longer than the gateway's
// other timeouts.
func NewHTTPClient(baseURL string, timeout time.Duration, logger *slog.Logger) *HTTPClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

// CreateSession implements Client.
func (c *HTTPClient) CreateSession(ctx context.Context, req CreateSessionRequest) (string, error) {
	var resp struct {
		SessionID string `json:"session_id"`
	}
	if err := c.post(ctx, "/v1/sessions", req, &resp); err != nil {
		return "", err
	}
	if resp.SessionID == "" {
		return "", fmt.Errorf("%w: empty session ID in response", ErrDownstream)
	}

	c.logger.Debug("downstream session created",
		"session_id", resp.SessionID,
		"api_key_id", req.APIKeyID,
		"model", req.Model)
	return resp.SessionID, nil
}

// Invoke implements Client. The echoed correlation token is verified before
// the response is returned; on mismatch the response is discarded and
// guard.ErrCorrelationMismatch is surfaced so the caller fails that single
// request instead of delivering cross-talk.
func (c *HTTPClient) Invoke(ctx context.Context, req InvokeRequest) (*InvokeResponse, error) {
	var resp InvokeResponse
	if err := c.post(ctx, "/v1/invoke", req, &resp); err != nil {
		return nil, err
	}

	if err := guard.VerifyEcho(req.CorrelationToken, resp.CorrelationToken); err != nil {
		c.logger.Error("discarding response with mismatched correlation token",
			"session_id", req.SessionID,
			"request_token", req.CorrelationToken,
			"echoed_token", resp.CorrelationToken)
		return nil, err
	}

	return &resp, nil
}

// post sends a JSON request and decodes a JSON response.
func (c *HTTPClient) post(ctx context.Context, path string, body, out any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := c.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDownstream, err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, httpResp.Body)
		_ = httpResp.Body.Close()
	}()

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		return fmt.Errorf("%w: status %d from %s", ErrDownstream, httpResp.StatusCode, path)
	}

	if err := json.NewDecoder(httpResp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decoding response: %v", ErrDownstream, err)
	}
	return nil
}
