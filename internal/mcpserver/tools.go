package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the AgentShield MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolValidateTransaction = mcp.NewTool("validate_transaction",
	mcp.WithDescription(
		"Validate a blockchain transaction BEFORE signing it. "+
			"Runs intent extraction, policy rules, spending limits, simulation, "+
			"honeypot detection, and risk scoring. Returns approved, warned, or blocked "+
			"with the full stage-by-stage reasoning. "+
			"Always call this before signing any transaction."),
	mcp.WithString("from",
		mcp.Required(),
		mcp.Description("Sender address (e.g. '0x1234...')")),
	mcp.WithString("to",
		mcp.Required(),
		mcp.Description("Recipient or contract address (e.g. '0xabcd...')")),
	mcp.WithString("value",
		mcp.Description("Native value in base units as a decimal string (e.g. '1000000000000000000' for 1 ETH). Defaults to '0'.")),
	mcp.WithString("data",
		mcp.Description("Hex-encoded calldata, with or without 0x prefix. Omit for plain value transfers.")),
	mcp.WithNumber("gas",
		mcp.Description("Declared gas limit for the transaction")),
)

var ToolGetDecision = mcp.NewTool("get_decision",
	mcp.WithDescription(
		"Fetch a past validation decision by its ID. "+
			"Shows the final outcome, risk level, and every stage result "+
			"including which policy rule or check caused a block."),
	mcp.WithString("decision_id",
		mcp.Required(),
		mcp.Description("The decision ID from a previous validate_transaction result (e.g. 'dec_...')")),
)

var ToolListDecisions = mcp.NewTool("list_decisions",
	mcp.WithDescription(
		"List recent validation decisions, newest first. "+
			"Optionally filter by the principal (sender) address to audit one agent's activity."),
	mcp.WithString("principal",
		mcp.Description("Filter by sender address (e.g. '0x1234...')")),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of decisions to return (default 20)")),
)

var ToolCheckSpend = mcp.NewTool("check_spend",
	mcp.WithDescription(
		"Check the committed spend for a principal and asset within the current "+
			"limit window. Useful before submitting a transaction that might hit a per-asset cap."),
	mcp.WithString("principal",
		mcp.Required(),
		mcp.Description("The principal's address (e.g. '0x1234...')")),
	mcp.WithString("asset",
		mcp.Description("Asset identifier: 'native' or a token contract address. Defaults to native.")),
)
