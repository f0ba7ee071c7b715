// Command loki-mcp runs the MCP server that mediates access to a Loki
// backend: schema discovery, guardrailed query/execution, pattern
// analysis, and a small set of utility tools, exposed over streamable
// HTTP alongside liveness/readiness/metrics endpoints.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "loki-mcp",
		Short: "loki-mcp - MCP server mediating access to a Loki log backend",
		Long: `loki-mcp exposes a curated set of MCP tools for exploring and querying a
Loki log-aggregation backend: label/series discovery, LogQL query
execution, saved queries, pattern detection, and range comparison, all
routed through rate limiting, a fingerprint cache, and a cost-estimation
guardrail before touching Loki.

Examples:
  loki-mcp serve                         # start with defaults / config file
  loki-mcp serve --config ./loki-mcp.toml
  loki-mcp serve --listen 0.0.0.0:9090`,
		SilenceUsage: true,
	}

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newStdioCmd())
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("loki-mcp %s\n", version)
			fmt.Printf("  commit: %s\n", commit)
			fmt.Printf("  built:  %s\n", date)
		},
	})

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
