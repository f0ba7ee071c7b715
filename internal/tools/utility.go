package tools

import (
	"context"

	"github.com/czembower/loki-mcp/internal/pipeline"
	"github.com/czembower/loki-mcp/internal/recentactions"
)

// HealthArgs takes no parameters.
type HealthArgs struct{}

func (s *Service) health(ctx context.Context, callerIdentity, requestID, tenantID string, _ HealthArgs) (any, error) {
	req := pipeline.Request{
		Tool:      "loki_health",
		Identity:  callerIdentity,
		RequestID: requestID,
		TenantID:  tenantID,
		Handler: func(ctx context.Context) (any, error) {
			health, err := s.client.CheckHealth(ctx)
			if err != nil {
				return nil, err
			}
			body := map[string]any{
				"healthy":        health.Healthy,
				"message":        health.Message,
				"ring_reachable": health.RingReachable,
			}
			if health.BuildInfo != nil {
				body["build_info"] = health.BuildInfo
			}
			return body, nil
		},
	}
	return s.orchestrator.Execute(ctx, req)
}

// GetRecentActionsArgs bounds how many recent tool invocations to return.
type GetRecentActionsArgs struct {
	Limit int `json:"limit,omitempty" jsonschema:"Max number of recent actions to return. Defaults to 50, capped at 1000."`
}

func (s *Service) getRecentActions(ctx context.Context, callerIdentity, requestID, tenantID string, args GetRecentActionsArgs) (any, error) {
	req := pipeline.Request{
		Tool:      "loki_get_recent_actions",
		Identity:  callerIdentity,
		RequestID: requestID,
		TenantID:  tenantID,
		Handler: func(ctx context.Context) (any, error) {
			if s.recentActions == nil {
				return map[string]any{"enabled": false, "actions": []recentactions.Action{}}, nil
			}
			limit := args.Limit
			if limit <= 0 {
				limit = 50
			}
			return map[string]any{"enabled": true, "actions": s.recentActions.List(limit)}, nil
		},
	}
	return s.orchestrator.Execute(ctx, req)
}

// ListSavedQueriesArgs takes no parameters.
type ListSavedQueriesArgs struct{}

func (s *Service) listSavedQueries(ctx context.Context, callerIdentity, requestID, tenantID string, _ ListSavedQueriesArgs) (any, error) {
	req := pipeline.Request{
		Tool:      "loki_list_saved_queries",
		Identity:  callerIdentity,
		RequestID: requestID,
		TenantID:  tenantID,
		Handler: func(ctx context.Context) (any, error) {
			return map[string]any{"saved_queries": s.cfg.SavedQueries}, nil
		},
	}
	return s.orchestrator.Execute(ctx, req)
}
