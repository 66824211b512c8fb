package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates a configured MCP server with all Callshield tools registered.
func NewMCPServer(cfg Config) *server.MCPServer {
	s := server.NewMCPServer("callshield", "1.0.0")
	client := NewClient(cfg)
	h := NewHandlers(client)

	s.AddTool(ToolCheckNumber, h.HandleCheckNumber)
	s.AddTool(ToolGetSession, h.HandleGetSession)
	s.AddTool(ToolListHistory, h.HandleListHistory)
	s.AddTool(ToolListOverrides, h.HandleListOverrides)
	s.AddTool(ToolBlockNumber, h.HandleBlockNumber)
	s.AddTool(ToolAllowNumber, h.HandleAllowNumber)
	s.AddTool(ToolRemoveOverride, h.HandleRemoveOverride)

	return s
}
