package simulation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"time"
)

// DefaultTimeout bounds one simulation round trip.
const DefaultTimeout = 5 * time.Second

// wireDelta is a balance delta as the provider sends it: amounts are signed
// decimal strings to avoid float truncation of 256-bit values.
type wireDelta struct {
	Asset   string `json:"asset"`
	Account string `json:"account"`
	Amount  string `json:"amount"`
}

type wireResponse struct {
	Reverted      bool        `json:"reverted"`
	GasUsed       uint64      `json:"gas_used"`
	BalanceDeltas []wireDelta `json:"balance_deltas"`
	RevertReason  string      `json:"revert_reason,omitempty"`
}

// HTTPClient talks to an HTTP simulation provider. One bounded attempt per
// call; the orchestrator owns any retry policy.
type HTTPClient struct {
	url        string
	httpClient *http.Client
}

// NewHTTPClient creates a simulation client against the given endpoint.
func NewHTTPClient(url string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &HTTPClient{
		url:        url,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Simulate performs one simulation round trip.
// Transport faults and malformed responses map to ErrUnavailable; a revert
// comes back as a normal Effect with Reverted set.
func (c *HTTPClient) Simulate(ctx context.Context, req Request) (*Effect, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal simulation request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", ErrUnavailable, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: HTTP %d: %s", ErrUnavailable, resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	var wire wireResponse
	if err := json.Unmarshal(respBody, &wire); err != nil {
		return nil, fmt.Errorf("%w: malformed response: %v", ErrUnavailable, err)
	}

	return normalize(&wire)
}

// normalize converts the wire response into an Effect, rejecting deltas with
// unparseable amounts rather than silently treating them as zero.
func normalize(wire *wireResponse) (*Effect, error) {
	eff := &Effect{
		Reverted:     wire.Reverted,
		GasUsed:      wire.GasUsed,
		RevertReason: wire.RevertReason,
	}

	for i, d := range wire.BalanceDeltas {
		amount, ok := new(big.Int).SetString(strings.TrimSpace(d.Amount), 10)
		if !ok {
			return nil, fmt.Errorf("%w: balance_deltas[%d] has invalid amount %q", ErrUnavailable, i, d.Amount)
		}
		eff.BalanceDeltas = append(eff.BalanceDeltas, BalanceDelta{
			Asset:   strings.ToLower(d.Asset),
			Account: strings.ToLower(d.Account),
			Amount:  amount,
		})
	}

	return eff, nil
}

// Compile-time check
var _ Provider = (*HTTPClient)(nil)
