// Callshield MCP Server - Exposes number checks and call history as MCP tools for LLMs
package main

import (
	"fmt"
	"os"

	"github.com/mark3labs/mcp-go/server"

	"github.com/mbd888/callshield/internal/mcpserver"
)

func main() {
	cfg := mcpserver.Config{
		APIURL:   envOrDefault("CALLSHIELD_API_URL", "http://localhost:8080"),
		APIKey:   os.Getenv("CALLSHIELD_API_KEY"),
		AdminKey: os.Getenv("CALLSHIELD_ADMIN_KEY"),
	}

	// Both keys are optional: the device surface may run in open mode, and
	// the admin tools report their missing key per call. Warn so a
	// misconfigured setup is visible on stderr.
	if cfg.APIKey == "" {
		fmt.Fprintln(os.Stderr, "warning: CALLSHIELD_API_KEY not set, assuming open mode")
	}
	if cfg.AdminKey == "" {
		fmt.Fprintln(os.Stderr, "warning: CALLSHIELD_ADMIN_KEY not set, history and override tools disabled")
	}

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
