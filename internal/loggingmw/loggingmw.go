// Package loggingmw provides an MCP receiving-middleware that logs every
// tool call's method name, duration, and outcome through a structured
// slog.Logger, grounded on the retrieved go-sdk logging-middleware example.
package loggingmw

import (
	"context"
	"log/slog"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// New builds an mcp.Middleware that logs each incoming method call at
// info level on success and error level on failure, with duration in
// milliseconds so the log line and the metrics/recent-actions records for
// the same call agree on timing.
func New(logger *slog.Logger) mcp.Middleware {
	return func(next mcp.MethodHandler) mcp.MethodHandler {
		return func(ctx context.Context, method string, req mcp.Request) (mcp.Result, error) {
			start := time.Now()
			result, err := next(ctx, method, req)
			duration := time.Since(start)

			if err != nil {
				logger.Error("mcp method failed",
					"method", method,
					"duration_ms", duration.Milliseconds(),
					"error", err.Error(),
				)
				return result, err
			}

			logger.Info("mcp method completed",
				"method", method,
				"duration_ms", duration.Milliseconds(),
			)
			return result, err
		}
	}
}
