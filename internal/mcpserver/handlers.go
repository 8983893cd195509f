package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *ShieldClient
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *ShieldClient) *Handlers {
	return &Handlers{client: client}
}

// HandleValidateTransaction runs a transaction through the validation pipeline.
func (h *Handlers) HandleValidateTransaction(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	from := req.GetString("from", "")
	if from == "" {
		return mcp.NewToolResultError("from is required"), nil
	}
	to := req.GetString("to", "")
	if to == "" {
		return mcp.NewToolResultError("to is required"), nil
	}
	value := req.GetString("value", "0")
	data := req.GetString("data", "")
	gas := req.GetInt("gas", 0)

	raw, err := h.client.ValidateTransaction(ctx, from, to, value, data, uint64(gas))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Validation request failed: %v", err)), nil
	}

	text, err := formatDecision(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse decision: %v", err)), nil
	}

	return mcp.NewToolResultText(text), nil
}

// HandleGetDecision fetches a past decision.
func (h *Handlers) HandleGetDecision(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("decision_id", "")
	if id == "" {
		return mcp.NewToolResultError("decision_id is required"), nil
	}

	raw, err := h.client.GetDecision(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get decision: %v", err)), nil
	}

	text, err := formatDecision(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse decision: %v", err)), nil
	}

	return mcp.NewToolResultText(text), nil
}

// HandleListDecisions lists recent decisions.
func (h *Handlers) HandleListDecisions(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	principal := req.GetString("principal", "")
	limit := req.GetInt("limit", 20)

	raw, err := h.client.ListDecisions(ctx, principal, limit)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list decisions: %v", err)), nil
	}

	text, err := formatDecisionList(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse decisions: %v", err)), nil
	}

	return mcp.NewToolResultText(text), nil
}

// HandleCheckSpend returns committed spend for a principal/asset pair.
func (h *Handlers) HandleCheckSpend(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	principal := req.GetString("principal", "")
	if principal == "" {
		return mcp.NewToolResultError("principal is required"), nil
	}
	asset := req.GetString("asset", "")

	raw, err := h.client.GetSpend(ctx, principal, asset)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to check spend: %v", err)), nil
	}

	var resp map[string]any
	if err := json.Unmarshal(raw, &resp); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse spend: %v", err)), nil
	}

	return mcp.NewToolResultText(fmt.Sprintf(
		"Committed spend for %s\n  Asset: %s\n  Total: %s base units",
		getString(resp, "principal"), getString(resp, "asset"), getString(resp, "committed"))), nil
}

// --- Formatting helpers ---

type decisionInfo struct {
	ID        string `json:"id"`
	Principal string `json:"principal"`
	Recipient string `json:"recipient"`
	Asset     string `json:"asset"`
	Amount    string `json:"amount"`
	Kind      string `json:"kind"`
	Outcome   string `json:"outcome"`
	RiskLevel string `json:"riskLevel"`
	LatencyMs int64  `json:"latencyMs"`
	Stages    []struct {
		Stage   string `json:"stage"`
		Outcome string `json:"outcome"`
		Reason  string `json:"reason"`
	} `json:"stages"`
}

func formatDecision(raw json.RawMessage) (string, error) {
	var d decisionInfo
	if err := json.Unmarshal(raw, &d); err != nil {
		return "", err
	}
	if d.ID == "" {
		return formatJSON(raw), nil
	}

	var sb strings.Builder
	icon := map[string]string{"approved": "APPROVED", "warned": "APPROVED WITH WARNINGS", "blocked": "BLOCKED"}[d.Outcome]
	if icon == "" {
		icon = strings.ToUpper(d.Outcome)
	}

	fmt.Fprintf(&sb, "Decision: %s\n", icon)
	fmt.Fprintf(&sb, "ID: %s | Risk: %s | Latency: %dms\n", d.ID, d.RiskLevel, d.LatencyMs)
	fmt.Fprintf(&sb, "Transaction: %s of %s %s\n", d.Kind, d.Amount, d.Asset)
	fmt.Fprintf(&sb, "  From: %s\n  To:   %s\n\n", d.Principal, d.Recipient)

	sb.WriteString("Stages:\n")
	for _, s := range d.Stages {
		fmt.Fprintf(&sb, "  [%s] %s", s.Outcome, s.Stage)
		if s.Reason != "" {
			fmt.Fprintf(&sb, " — %s", s.Reason)
		}
		sb.WriteString("\n")
	}

	if d.Outcome == "blocked" {
		sb.WriteString("\nDo NOT sign this transaction.")
	}

	return sb.String(), nil
}

func formatDecisionList(raw json.RawMessage) (string, error) {
	var resp struct {
		Decisions []decisionInfo `json:"decisions"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", fmt.Errorf("unexpected decisions response format")
	}

	if len(resp.Decisions) == 0 {
		return "No decisions found.", nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d decision(s):\n\n", len(resp.Decisions))
	for i, d := range resp.Decisions {
		fmt.Fprintf(&sb, "%d. %s [%s/%s]\n", i+1, d.ID, d.Outcome, d.RiskLevel)
		fmt.Fprintf(&sb, "   %s of %s %s from %s\n", d.Kind, d.Amount, d.Asset, d.Principal)
		if i < len(resp.Decisions)-1 {
			sb.WriteString("\n")
		}
	}
	return sb.String(), nil
}

func formatJSON(raw json.RawMessage) string {
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, raw, "", "  "); err != nil {
		return string(raw)
	}
	return pretty.String()
}

// getString extracts a string value from a map, trying multiple key names.
func getString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if s, ok := v.(string); ok {
				return s
			}
			if f, ok := v.(float64); ok {
				return fmt.Sprintf("%g", f)
			}
		}
	}
	return ""
}
