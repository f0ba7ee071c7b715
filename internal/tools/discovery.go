package tools

import (
	"context"
	"fmt"
	"time"

	"github.com/czembower/loki-mcp/internal/pipeline"
	"github.com/czembower/loki-mcp/internal/timeref"
)

// DescribeSchemaArgs takes no parameters; the tool returns the server's
// configured label/structured-metadata/saved-query schema unconditionally.
type DescribeSchemaArgs struct{}

func (s *Service) describeSchema(ctx context.Context, callerIdentity, requestID, tenantID string, _ DescribeSchemaArgs) (any, error) {
	req := pipeline.Request{
		Tool:      "loki_describe_schema",
		Identity:  callerIdentity,
		RequestID: requestID,
		TenantID:  tenantID,
		Handler: func(ctx context.Context) (any, error) {
			return map[string]any{
				"labels":              s.cfg.Labels,
				"structured_metadata": s.cfg.StructuredMetadata,
				"saved_queries":       s.cfg.SavedQueries,
				"notes": map[string]string{
					"label_selector_syntax":             `{label="value"}`,
					"structured_metadata_filter_syntax": `{label="value"} | field="value"`,
				},
			}, nil
		},
	}
	return s.orchestrator.Execute(ctx, req)
}

// ListLabelsArgs scopes a label-name listing to an optional time range.
type ListLabelsArgs struct {
	Start string `json:"start,omitempty" jsonschema:"Range start (RFC3339, relative duration like -1h, or a keyword such as yesterday)."`
	End   string `json:"end,omitempty" jsonschema:"Range end. Defaults to now."`
}

func (s *Service) listLabels(ctx context.Context, callerIdentity, requestID, tenantID string, args ListLabelsArgs) (any, error) {
	start, end, err := s.parseOptionalRange(args.Start, args.End)
	if err != nil {
		return nil, pipeline.NewError(pipeline.OutcomeValidationError, err)
	}

	req := pipeline.Request{
		Tool:      "loki_list_labels",
		Identity:  callerIdentity,
		RequestID: requestID,
		TenantID:  tenantID,
		Params:    args,
		RangeSpan: spanOf(start, end),
		Handler: func(ctx context.Context) (any, error) {
			labels, err := s.client.Labels(ctx, start, end)
			if err != nil {
				return nil, err
			}
			return map[string]any{"labels": labels}, nil
		},
	}
	return s.orchestrator.Execute(ctx, req)
}

// LabelValuesArgs scopes a label-value listing to a label, time range, and
// optional LogQL selector.
type LabelValuesArgs struct {
	Label string `json:"label" jsonschema:"Label name to list values for."`
	Start string `json:"start,omitempty" jsonschema:"Range start."`
	End   string `json:"end,omitempty" jsonschema:"Range end. Defaults to now."`
	Query string `json:"query,omitempty" jsonschema:"Optional LogQL selector to scope values by."`
}

func (s *Service) listLabelValues(ctx context.Context, callerIdentity, requestID, tenantID string, args LabelValuesArgs) (any, error) {
	if args.Label == "" {
		return nil, pipeline.NewError(pipeline.OutcomeValidationError, fmt.Errorf("label is required"))
	}
	start, end, err := s.parseOptionalRange(args.Start, args.End)
	if err != nil {
		return nil, pipeline.NewError(pipeline.OutcomeValidationError, err)
	}

	req := pipeline.Request{
		Tool:      "loki_list_label_values",
		Identity:  callerIdentity,
		RequestID: requestID,
		TenantID:  tenantID,
		Params:    args,
		RangeSpan: spanOf(start, end),
		Handler: func(ctx context.Context) (any, error) {
			values, err := s.client.LabelValues(ctx, args.Label, start, end, args.Query)
			if err != nil {
				return nil, err
			}
			return map[string]any{"label": args.Label, "values": values}, nil
		},
	}
	return s.orchestrator.Execute(ctx, req)
}

// ListSeriesArgs scopes a series listing to one or more stream matchers.
type ListSeriesArgs struct {
	Match []string `json:"match" jsonschema:"One or more LogQL stream selectors."`
	Start string   `json:"start,omitempty" jsonschema:"Range start."`
	End   string   `json:"end,omitempty" jsonschema:"Range end. Defaults to now."`
}

func (s *Service) listSeries(ctx context.Context, callerIdentity, requestID, tenantID string, args ListSeriesArgs) (any, error) {
	if len(args.Match) == 0 {
		return nil, pipeline.NewError(pipeline.OutcomeValidationError, fmt.Errorf("match must include at least one selector"))
	}
	start, end, err := s.parseOptionalRange(args.Start, args.End)
	if err != nil {
		return nil, pipeline.NewError(pipeline.OutcomeValidationError, err)
	}

	req := pipeline.Request{
		Tool:      "loki_list_series",
		Identity:  callerIdentity,
		RequestID: requestID,
		TenantID:  tenantID,
		Params:    args,
		RangeSpan: spanOf(start, end),
		Handler: func(ctx context.Context) (any, error) {
			series, err := s.client.Series(ctx, args.Match, start, end)
			if err != nil {
				return nil, err
			}
			return map[string]any{"series": series}, nil
		},
	}
	return s.orchestrator.Execute(ctx, req)
}

// parseOptionalRange mirrors the discovery tools' relaxed range parsing:
// either bound may be omitted, and an omitted bound is not defaulted to a
// concrete time the way query tools default theirs, so a nil Loki API
// parameter is simply left off the request.
func (s *Service) parseOptionalRange(start, end string) (*time.Time, *time.Time, error) {
	now := time.Now().UTC()

	var endTime *time.Time
	if end != "" {
		t, err := timeref.Parse(end, s.timezone, now)
		if err != nil {
			return nil, nil, err
		}
		endTime = &t
	}

	anchor := now
	if endTime != nil {
		anchor = *endTime
	}

	var startTime *time.Time
	if start != "" {
		t, err := timeref.Parse(start, s.timezone, anchor)
		if err != nil {
			return nil, nil, err
		}
		startTime = &t
	}

	if startTime != nil && endTime != nil && startTime.After(*endTime) {
		return nil, nil, fmt.Errorf("start time must be less than or equal to end time")
	}

	return startTime, endTime, nil
}

func spanOf(start, end *time.Time) time.Duration {
	if start == nil || end == nil {
		return 0
	}
	return end.Sub(*start)
}
