package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates a configured MCP server with all concierge tools registered.
func NewMCPServer(cfg Config) *server.MCPServer {
	s := server.NewMCPServer("marquee", "1.0.0")
	client := NewMarqueeClient(cfg)
	h := NewHandlers(client)

	s.AddTool(ToolCheckBalance, h.HandleCheckBalance)
	s.AddTool(ToolPurchase, h.HandlePurchase)
	s.AddTool(ToolTopUpStatus, h.HandleTopUpStatus)
	s.AddTool(ToolListScreenings, h.HandleListScreenings)
	s.AddTool(ToolReserveSeats, h.HandleReserveSeats)
	s.AddTool(ToolReservationStatus, h.HandleReservationStatus)
	s.AddTool(ToolGrantTokens, h.HandleGrantTokens)

	return s
}
