package main

import (
	"context"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/spf13/cobra"
)

// newStdioCmd registers the same tool catalog as serve, but exposes it
// over an stdio transport instead of streamable HTTP. This is the mode a
// local MCP client (an editor plugin, the smoke-test client in
// cmd/test-client) launches as a subprocess; there is no HTTP
// surface, so no metrics endpoint or readiness probe is available in
// this mode.
func newStdioCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stdio",
		Short: "Run the loki-mcp tool catalog over stdio",
		RunE:  runStdio,
	}
	addCommonFlags(cmd)
	return cmd
}

func runStdio(cmd *cobra.Command, _ []string) error {
	logFormat, _ := cmd.Flags().GetString("log-format")

	cfg, err := loadConfigFromFlags(cmd)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := newLogger(logFormat, cfg.Server.LogLevel)
	logger.Info("starting loki-mcp (stdio)", "version", version, "loki_url", cfg.Loki.URL)

	comp, err := build(cfg, logger)
	if err != nil {
		return err
	}

	if err := comp.mcpServer.Run(context.Background(), &mcp.StdioTransport{}); err != nil {
		return fmt.Errorf("stdio server: %w", err)
	}
	return nil
}
