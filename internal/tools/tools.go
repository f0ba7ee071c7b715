// Package tools registers the MCP tool catalog this server exposes over
// Loki: discovery, query/execution, analysis, and utility tools, each
// routed through the pipeline orchestrator for rate limiting, caching,
// guardrail evaluation, and outcome recording.
package tools

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/czembower/loki-mcp/internal/config"
	"github.com/czembower/loki-mcp/internal/loki"
	"github.com/czembower/loki-mcp/internal/pipeline"
	"github.com/czembower/loki-mcp/internal/recentactions"
	"github.com/czembower/loki-mcp/internal/reqctx"
)

// Service holds everything a tool handler needs beyond its own arguments:
// the resolved configuration, a Loki client, the crosscutting pipeline,
// the resolved server timezone, and the recent-actions store the utility
// tools read back from.
type Service struct {
	cfg           config.Config
	client        *loki.Client
	orchestrator  *pipeline.Orchestrator
	recentActions *recentactions.Store
	timezone      *time.Location
}

// NewService builds a Service, resolving the configured server timezone.
func NewService(cfg config.Config, client *loki.Client, orchestrator *pipeline.Orchestrator, recentActions *recentactions.Store) (*Service, error) {
	loc, err := time.LoadLocation(cfg.Server.Timezone)
	if err != nil {
		return nil, err
	}
	return &Service{
		cfg:           cfg,
		client:        client,
		orchestrator:  orchestrator,
		recentActions: recentActions,
		timezone:      loc,
	}, nil
}

// callerInfo pulls the identity, request id, and tenant id the transport
// layer attached to ctx, for handlers to forward into pipeline.Request. The
// stdio transport has no request headers to assign a request id from, so a
// fresh one is minted per call when the context doesn't already carry one;
// it likewise never stamps a tenant id into ctx, so this falls back to the
// tenant id the server is configured against Loki with.
func (s *Service) callerInfo(ctx context.Context) (identity, requestID, tenantID string) {
	requestID = reqctx.RequestID(ctx)
	if requestID == "" {
		requestID = uuid.NewString()
	}
	tenantID = reqctx.TenantID(ctx)
	if tenantID == "" {
		tenantID = s.cfg.Loki.TenantID
	}
	return reqctx.Identity(ctx), requestID, tenantID
}

// bind adapts a Service method with the (ctx, identity, requestID, tenantID,
// args) signature this package's handlers use into the (ctx,
// *mcp.CallToolRequest, args) -> (*mcp.CallToolResult, any, error) signature
// mcp.AddTool expects.
func bind[T any](s *Service, fn func(ctx context.Context, identity, requestID, tenantID string, args T) (any, error)) func(context.Context, *mcp.CallToolRequest, T) (*mcp.CallToolResult, any, error) {
	return func(ctx context.Context, _ *mcp.CallToolRequest, args T) (*mcp.CallToolResult, any, error) {
		identity, requestID, tenantID := s.callerInfo(ctx)
		result, err := fn(ctx, identity, requestID, tenantID, args)
		if err != nil {
			return nil, nil, err
		}
		return nil, result, nil
	}
}

// AddTools registers the full 15-tool catalog with server.
func (s *Service) AddTools(server *mcp.Server) {
	mcp.AddTool(server, &mcp.Tool{
		Name:        "loki_describe_schema",
		Description: "Describe the configured Loki schema: known labels, structured metadata fields, and saved queries available on this server.",
	}, bind(s, s.describeSchema))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "loki_list_labels",
		Description: "List label names known to Loki, optionally scoped to a time range.",
	}, bind(s, s.listLabels))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "loki_list_label_values",
		Description: "List observed values for a label, optionally scoped by a LogQL selector and time range.",
	}, bind(s, s.listLabelValues))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "loki_list_series",
		Description: "List the label sets (series) matching one or more LogQL stream selectors.",
	}, bind(s, s.listSeries))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "loki_query_logs",
		Description: "Run a LogQL log query over a time range and return the matching log lines, shaped for the requested response mode.",
	}, bind(s, s.queryLogs))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "loki_query_metrics",
		Description: "Run a LogQL metric query (a range vector aggregation) over a time range and return the resulting series.",
	}, bind(s, s.queryMetrics))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "loki_build_query",
		Description: "Build a LogQL query from structured label, structured-metadata, line-filter, and JSON-field inputs, then run it as a log or metric query.",
	}, bind(s, s.buildQuery))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "loki_tail",
		Description: "Fetch the most recent log lines for a label selector, roughly approximating a tail without holding an open stream.",
	}, bind(s, s.tail))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "loki_run_saved_query",
		Description: "Run one of the saved queries configured on this server, optionally overriding its default time range.",
	}, bind(s, s.runSavedQuery))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "loki_query_stats",
		Description: "Estimate the cost of a LogQL query over a time range: bytes scanned, lines processed, and streams matched.",
	}, bind(s, s.queryStats))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "loki_detect_patterns",
		Description: "Detect recurring log line patterns for a LogQL selector over a time range, using Loki's patterns API.",
	}, bind(s, s.detectPatterns))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "loki_compare_ranges",
		Description: "Run the same LogQL query over two independent time ranges and compare line counts between them.",
	}, bind(s, s.compareRanges))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "loki_health",
		Description: "Check whether the configured Loki backend is reachable and ready.",
	}, bind(s, s.health))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "loki_get_recent_actions",
		Description: "List the most recent tool invocations this server has handled, with outcome, duration, and redacted identity.",
	}, bind(s, s.getRecentActions))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "loki_list_saved_queries",
		Description: "List the saved queries configured on this server.",
	}, bind(s, s.listSavedQueries))
}
