// Marquee MCP server - exposes the venue token economy as MCP tools for
// concierge assistants
package main

import (
	"fmt"
	"os"

	"github.com/mark3labs/mcp-go/server"

	"github.com/marqueehq/marquee/internal/mcpserver"
)

func main() {
	cfg := mcpserver.Config{
		APIURL:   envOrDefault("MARQUEE_API_URL", "http://localhost:8080"),
		StaffKey: os.Getenv("MARQUEE_STAFF_KEY"),
		Member:   os.Getenv("MARQUEE_MEMBER"),
	}

	// StaffKey is optional: without it everything works except
	// grant_tokens. Member is the default account for tools called
	// without an explicit member argument.
	s := mcpserver.NewMCPServer(cfg)
	if err := server.ServeStdio(s); err != nil {
		fmt.Fprintf(os.Stderr, "MCP server error: %v\n", err)
		os.Exit(1)
	}
}

func envOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}
