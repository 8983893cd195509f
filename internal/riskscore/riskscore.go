// Package riskscore sends validated transaction context to an external LLM
// risk service and normalizes its answer into a bounded score.
//
// The scorer is advisory: unavailability or a malformed reply degrades to a
// warning rather than blocking, unless the returned score itself crosses the
// configured block threshold.
package riskscore

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

	"github.com/mbd888/agentshield/internal/honeypot"
	"github.com/mbd888/agentshield/internal/intent"
	"github.com/mbd888/agentshield/internal/simulation"
)

// Errors
var (
	ErrUnavailable = errors.New("riskscore: provider unavailable")
	ErrMalformed   = errors.New("riskscore: malformed provider response")
)

// DefaultTimeout bounds one scoring round trip. LLM latency dominates.
const DefaultTimeout = 20 * time.Second

// Result is a normalized risk assessment.
type Result struct {
	Score     float64 `json:"score"` // [0, 1], higher is riskier
	Rationale string  `json:"rationale"`
}

// Scorer is the external risk collaborator.
type Scorer interface {
	Score(ctx context.Context, in *intent.Intent, effect *simulation.Effect, verdict honeypot.Verdict) (*Result, error)
}

// Config holds parameters for the OpenAI-compatible chat completions scorer.
type Config struct {
	APIURL  string
	APIKey  string
	Model   string
	Timeout time.Duration
}

// HTTPScorer scores transactions through an OpenAI-compatible endpoint.
type HTTPScorer struct {
	cfg        Config
	httpClient *http.Client
}

// NewHTTPScorer creates a scorer against the configured endpoint.
func NewHTTPScorer(cfg Config) *HTTPScorer {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &HTTPScorer{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

const systemPrompt = `You are a blockchain transaction risk assessor. You receive a summary of a candidate transaction, its simulated effects, and a honeypot check verdict. Score how risky executing it would be.

Return ONLY valid JSON, no markdown fences, no commentary:
{"score":<float 0.0-1.0>,"rationale":"<one sentence>"}

0.0 means clearly safe, 1.0 means near-certain loss of funds.`

// Score sends the transaction context for assessment.
func (s *HTTPScorer) Score(ctx context.Context, in *intent.Intent, effect *simulation.Effect, verdict honeypot.Verdict) (*Result, error) {
	messages := []map[string]string{
		{"role": "system", "content": systemPrompt},
		{"role": "user", "content": buildContext(in, effect, verdict)},
	}

	body, _ := json.Marshal(map[string]any{
		"model":       s.cfg.Model,
		"messages":    messages,
		"max_tokens":  200,
		"temperature": 0,
	})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.APIURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if s.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.cfg.APIKey)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: HTTP %d: %s", ErrUnavailable, resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	var completion struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(respBody, &completion); err != nil || len(completion.Choices) == 0 {
		return nil, fmt.Errorf("%w: empty completion", ErrMalformed)
	}

	return parseResult(completion.Choices[0].Message.Content)
}

// buildContext renders the scoring prompt body. Wording stays minimal and
// stable; the structured fields do the work.
func buildContext(in *intent.Intent, effect *simulation.Effect, verdict honeypot.Verdict) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Transaction: %s\n", in.Summary())

	if effect == nil {
		b.WriteString("Simulation: not available\n")
	} else if effect.Reverted {
		fmt.Fprintf(&b, "Simulation: reverted (%s)\n", effect.RevertReason)
	} else {
		fmt.Fprintf(&b, "Simulation: success, gas used %d\n", effect.GasUsed)
		for _, d := range effect.BalanceDeltas {
			fmt.Fprintf(&b, "  delta: account %s asset %s amount %s\n", d.Account, d.Asset, d.Amount)
		}
	}

	fmt.Fprintf(&b, "Honeypot check: %s\n", verdict)
	return b.String()
}

// parseResult extracts the score JSON from the completion text, tolerating
// markdown fences some models insist on.
func parseResult(raw string) (*Result, error) {
	raw = strings.TrimSpace(raw)
	raw = strings.TrimPrefix(raw, "```json")
	raw = strings.TrimPrefix(raw, "```")
	raw = strings.TrimSuffix(raw, "```")
	raw = strings.TrimSpace(raw)

	var res Result
	if err := json.Unmarshal([]byte(raw), &res); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	// Clamp to [0, 1]
	if res.Score < 0 {
		res.Score = 0
	}
	if res.Score > 1 {
		res.Score = 1
	}

	return &res, nil
}

// Compile-time check
var _ Scorer = (*HTTPScorer)(nil)
