package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates a configured MCP server with all AgentShield tools registered.
func NewMCPServer(cfg Config) *server.MCPServer {
	s := server.NewMCPServer("agentshield", "1.0.0")
	client := NewShieldClient(cfg)
	h := NewHandlers(client)

	s.AddTool(ToolValidateTransaction, h.HandleValidateTransaction)
	s.AddTool(ToolGetDecision, h.HandleGetDecision)
	s.AddTool(ToolListDecisions, h.HandleListDecisions)
	s.AddTool(ToolCheckSpend, h.HandleCheckSpend)

	return s
}
