package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Config holds the configuration for connecting to the AgentShield API.
type Config struct {
	APIURL string // Base URL, e.g. "http://localhost:8080"
}

// ShieldClient is a pure HTTP client for the AgentShield API.
type ShieldClient struct {
	cfg        Config
	httpClient *http.Client
}

// NewShieldClient creates a new client for the AgentShield API.
func NewShieldClient(cfg Config) *ShieldClient {
	return &ShieldClient{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 60 * time.Second, // validation may include LLM scoring
		},
	}
}

// apiError represents an error response from the service.
type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// doRequest makes an HTTP request to the service and returns the response body.
func (c *ShieldClient) doRequest(ctx context.Context, method, path string, query url.Values, body any) (json.RawMessage, error) {
	u, err := url.Parse(c.cfg.APIURL + path)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Message != "" {
			return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, apiErr.Message)
		}
		return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, string(respBody))
	}

	return json.RawMessage(respBody), nil
}

// ValidateTransaction submits a candidate transaction for validation.
func (c *ShieldClient) ValidateTransaction(ctx context.Context, from, to, value, data string, gas uint64) (json.RawMessage, error) {
	body := map[string]any{
		"from":  from,
		"to":    to,
		"value": value,
		"data":  data,
		"gas":   gas,
	}
	return c.doRequest(ctx, http.MethodPost, "/v1/validate", nil, body)
}

// GetDecision fetches one decision by ID.
func (c *ShieldClient) GetDecision(ctx context.Context, id string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/decisions/"+id, nil, nil)
}

// ListDecisions lists recent decisions, optionally filtered by principal.
func (c *ShieldClient) ListDecisions(ctx context.Context, principal string, limit int) (json.RawMessage, error) {
	q := url.Values{}
	if principal != "" {
		q.Set("principal", principal)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	return c.doRequest(ctx, http.MethodGet, "/v1/decisions", q, nil)
}

// GetSpend returns committed spend for a principal/asset pair.
func (c *ShieldClient) GetSpend(ctx context.Context, principal, asset string) (json.RawMessage, error) {
	q := url.Values{}
	if asset != "" {
		q.Set("asset", asset)
	}
	return c.doRequest(ctx, http.MethodGet, "/v1/spend/"+principal, q, nil)
}
