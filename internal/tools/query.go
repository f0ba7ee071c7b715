package tools

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/czembower/loki-mcp/internal/config"
	"github.com/czembower/loki-mcp/internal/pipeline"
	"github.com/czembower/loki-mcp/internal/shaper"
)

// QueryLogsArgs runs a LogQL log query over a time range.
type QueryLogsArgs struct {
	Query        string `json:"query" jsonschema:"LogQL log query, e.g. {app=\"checkout\"} |= \"error\"."`
	Start        string `json:"start,omitempty" jsonschema:"Range start."`
	End          string `json:"end,omitempty" jsonschema:"Range end. Defaults to now."`
	Limit        int    `json:"limit,omitempty" jsonschema:"Max log lines to return. Defaults to 100."`
	Direction    string `json:"direction,omitempty" jsonschema:"forward or backward. Defaults to backward."`
	ResponseMode string `json:"response_mode,omitempty" jsonschema:"raw, truncated, summary, or smart (default)."`
}

func (s *Service) queryLogs(ctx context.Context, callerIdentity, requestID, tenantID string, args QueryLogsArgs) (any, error) {
	if strings.TrimSpace(args.Query) == "" {
		return nil, pipeline.NewError(pipeline.OutcomeValidationError, fmt.Errorf("query must not be empty"))
	}
	start, end, err := s.resolveRange(args.Start, args.End)
	if err != nil {
		return nil, pipeline.NewError(pipeline.OutcomeValidationError, err)
	}

	limit := args.Limit
	if limit <= 0 {
		limit = 100
	}
	direction := args.Direction
	if direction == "" {
		direction = "backward"
	}
	requestedMode := shaper.ParseMode(args.ResponseMode)

	req := pipeline.Request{
		Tool:      "loki_query_logs",
		Identity:  callerIdentity,
		RequestID: requestID,
		TenantID:  tenantID,
		Params:         args,
		QueryText:      args.Query,
		RangeSpan:      end.Sub(start),
		CacheKeyRanges: [][2]time.Time{{start, end}},
		ResponseMode:   string(requestedMode),
		Guardrails: func() ([]pipeline.GuardrailQuery, error) {
			return []pipeline.GuardrailQuery{{Query: args.Query, Ranges: [][2]time.Time{{start, end}}}}, nil
		},
		Handler: func(ctx context.Context) (any, error) {
			resp, err := s.client.QueryRange(ctx, args.Query, &start, &end, limit, direction, "")
			if err != nil {
				return nil, err
			}
			mode, data := formatLogResult(requestedMode, resp)
			return map[string]any{
				"query":                  args.Query,
				"start":                  start,
				"end":                    end,
				"response_mode_requested": string(requestedMode),
				"response_mode":          string(mode),
				"data":                   data,
			}, nil
		},
	}
	return s.orchestrator.Execute(ctx, req)
}

// QueryMetricsArgs runs a LogQL metric (range vector) query.
type QueryMetricsArgs struct {
	Query string `json:"query" jsonschema:"LogQL metric query, e.g. rate({app=\"checkout\"}[5m])."`
	Start string `json:"start,omitempty" jsonschema:"Range start."`
	End   string `json:"end,omitempty" jsonschema:"Range end. Defaults to now."`
	Step  string `json:"step,omitempty" jsonschema:"Query resolution step, e.g. 30s."`
}

func (s *Service) queryMetrics(ctx context.Context, callerIdentity, requestID, tenantID string, args QueryMetricsArgs) (any, error) {
	if strings.TrimSpace(args.Query) == "" {
		return nil, pipeline.NewError(pipeline.OutcomeValidationError, fmt.Errorf("query must not be empty"))
	}
	start, end, err := s.resolveRange(args.Start, args.End)
	if err != nil {
		return nil, pipeline.NewError(pipeline.OutcomeValidationError, err)
	}

	req := pipeline.Request{
		Tool:      "loki_query_metrics",
		Identity:  callerIdentity,
		RequestID: requestID,
		TenantID:  tenantID,
		Params:         args,
		QueryText:      args.Query,
		RangeSpan:      end.Sub(start),
		CacheKeyRanges: [][2]time.Time{{start, end}},
		Guardrails: func() ([]pipeline.GuardrailQuery, error) {
			return []pipeline.GuardrailQuery{{Query: args.Query, Ranges: [][2]time.Time{{start, end}}}}, nil
		},
		Handler: func(ctx context.Context) (any, error) {
			resp, err := s.client.QueryRange(ctx, args.Query, &start, &end, 0, "", args.Step)
			if err != nil {
				return nil, err
			}
			return map[string]any{
				"query": args.Query,
				"start": start,
				"end":   end,
				"step":  args.Step,
				"data":  resp.Data,
			}, nil
		},
	}
	return s.orchestrator.Execute(ctx, req)
}

// BuildQueryArgs assembles a LogQL query from structured pieces and runs it.
type BuildQueryArgs struct {
	Labels             map[string]string `json:"labels,omitempty" jsonschema:"Stream selector labels, e.g. {\"app\":\"checkout\"}."`
	StructuredMetadata map[string]string `json:"structured_metadata,omitempty" jsonschema:"Structured metadata field filters, applied with |."`
	LineFilter         string            `json:"line_filter,omitempty" jsonschema:"Literal line filter (|=)."`
	LineFilterRegex    string            `json:"line_filter_regex,omitempty" jsonschema:"Regex line filter (|~)."`
	Exclude            string            `json:"exclude,omitempty" jsonschema:"Literal line exclusion (!=)."`
	JSONFields         map[string]string `json:"json_fields,omitempty" jsonschema:"JSON field filters, applied after | json."`
	Aggregation        string            `json:"aggregation,omitempty" jsonschema:"count_over_time, rate, bytes_over_time, or bytes_rate. Runs as a metric query when set."`
	AggregationRange   string            `json:"aggregation_range,omitempty" jsonschema:"Range vector width for aggregation, e.g. 5m. Defaults to 5m."`
	Start              string            `json:"start,omitempty" jsonschema:"Range start."`
	End                string            `json:"end,omitempty" jsonschema:"Range end. Defaults to now."`
	Limit              int               `json:"limit,omitempty" jsonschema:"Max log lines to return when not aggregating. Defaults to 100."`
	ResponseMode       string            `json:"response_mode,omitempty" jsonschema:"raw, truncated, summary, or smart (default)."`
}

var validAggregations = map[string]bool{
	"count_over_time": true,
	"rate":             true,
	"bytes_over_time":  true,
	"bytes_rate":       true,
}

func (s *Service) buildQuery(ctx context.Context, callerIdentity, requestID, tenantID string, args BuildQueryArgs) (any, error) {
	query := buildQueryString(args)
	requestedMode := shaper.ParseMode(args.ResponseMode)

	start, end, err := s.resolveRange(args.Start, args.End)
	if err != nil {
		return nil, pipeline.NewError(pipeline.OutcomeValidationError, err)
	}

	if args.Aggregation != "" && !validAggregations[args.Aggregation] {
		return nil, pipeline.NewError(pipeline.OutcomeValidationError, fmt.Errorf(
			"unsupported aggregation: %s, expected one of count_over_time, rate, bytes_over_time, bytes_rate", args.Aggregation))
	}

	finalQuery := query
	if args.Aggregation != "" {
		rangeWidth := args.AggregationRange
		if rangeWidth == "" {
			rangeWidth = "5m"
		}
		finalQuery = fmt.Sprintf("%s(%s[%s])", args.Aggregation, query, rangeWidth)
	}

	req := pipeline.Request{
		Tool:      "loki_build_query",
		Identity:  callerIdentity,
		RequestID: requestID,
		TenantID:  tenantID,
		Params:         args,
		QueryText:      finalQuery,
		RangeSpan:      end.Sub(start),
		CacheKeyRanges: [][2]time.Time{{start, end}},
		ResponseMode:   string(requestedMode),
		Guardrails: func() ([]pipeline.GuardrailQuery, error) {
			return []pipeline.GuardrailQuery{{Query: finalQuery, Ranges: [][2]time.Time{{start, end}}}}, nil
		},
		Handler: func(ctx context.Context) (any, error) {
			if args.Aggregation != "" {
				resp, err := s.client.QueryRange(ctx, finalQuery, &start, &end, 0, "", "")
				if err != nil {
					return nil, err
				}
				return map[string]any{
					"query":                  finalQuery,
					"start":                  start,
					"end":                    end,
					"response_mode_requested": string(requestedMode),
					"response_mode":          string(requestedMode),
					"data":                   resp.Data,
				}, nil
			}

			limit := args.Limit
			if limit <= 0 {
				limit = 100
			}
			resp, err := s.client.QueryRange(ctx, finalQuery, &start, &end, limit, "backward", "")
			if err != nil {
				return nil, err
			}
			mode, data := formatLogResult(requestedMode, resp)
			return map[string]any{
				"query":                  finalQuery,
				"start":                  start,
				"end":                    end,
				"response_mode_requested": string(requestedMode),
				"response_mode":          string(mode),
				"data":                   data,
			}, nil
		},
	}
	return s.orchestrator.Execute(ctx, req)
}

// buildQueryString assembles a LogQL query from a BuildQueryArgs' selector,
// structured-metadata filters, line filters, and JSON field extractions.
func buildQueryString(args BuildQueryArgs) string {
	parts := []string{selectorFromLabels(args.Labels)}

	for _, field := range sortedKeys(args.StructuredMetadata) {
		parts = append(parts, fmt.Sprintf(`| %s="%s"`, field, escapeLogQLValue(args.StructuredMetadata[field])))
	}
	if args.LineFilter != "" {
		parts = append(parts, fmt.Sprintf(`|= "%s"`, escapeLogQLValue(args.LineFilter)))
	}
	if args.LineFilterRegex != "" {
		parts = append(parts, fmt.Sprintf(`|~ "%s"`, escapeLogQLValue(args.LineFilterRegex)))
	}
	if args.Exclude != "" {
		parts = append(parts, fmt.Sprintf(`!= "%s"`, escapeLogQLValue(args.Exclude)))
	}
	if len(args.JSONFields) > 0 {
		parts = append(parts, "| json")
		for _, field := range sortedKeys(args.JSONFields) {
			parts = append(parts, fmt.Sprintf(`| %s="%s"`, field, escapeLogQLValue(args.JSONFields[field])))
		}
	}

	return strings.Join(parts, " ")
}

func selectorFromLabels(labels map[string]string) string {
	if len(labels) == 0 {
		return "{}"
	}
	pairs := make([]string, 0, len(labels))
	for _, key := range sortedKeys(labels) {
		pairs = append(pairs, fmt.Sprintf(`%s="%s"`, key, escapeLogQLValue(labels[key])))
	}
	return "{" + strings.Join(pairs, ",") + "}"
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func escapeLogQLValue(input string) string {
	replacer := strings.NewReplacer(`\`, `\\`, `"`, `\"`)
	return replacer.Replace(input)
}

// TailArgs fetches the most recent log lines for a label selector.
type TailArgs struct {
	Labels       map[string]string `json:"labels" jsonschema:"Stream selector labels to tail, e.g. {\"app\":\"checkout\"}."`
	Lines        int               `json:"lines,omitempty" jsonschema:"Max lines to return. Defaults to 50."`
	ResponseMode string            `json:"response_mode,omitempty" jsonschema:"raw, truncated, summary, or smart (default)."`
}

func (s *Service) tail(ctx context.Context, callerIdentity, requestID, tenantID string, args TailArgs) (any, error) {
	if len(args.Labels) == 0 {
		return nil, pipeline.NewError(pipeline.OutcomeValidationError, fmt.Errorf("tail labels must not be empty"))
	}

	selector := selectorFromLabels(args.Labels)
	requestedMode := shaper.ParseMode(args.ResponseMode)

	start, end, err := s.resolveRange("", "")
	if err != nil {
		return nil, pipeline.NewError(pipeline.OutcomeValidationError, err)
	}

	lines := args.Lines
	if lines <= 0 {
		lines = 50
	}

	req := pipeline.Request{
		Tool:      "loki_tail",
		Identity:  callerIdentity,
		RequestID: requestID,
		TenantID:  tenantID,
		Params:    args,
		QueryText: selector,
		RangeSpan: end.Sub(start),
		Guardrails: func() ([]pipeline.GuardrailQuery, error) {
			return []pipeline.GuardrailQuery{{Query: selector, Ranges: [][2]time.Time{{start, end}}}}, nil
		},
		Handler: func(ctx context.Context) (any, error) {
			resp, err := s.client.QueryRange(ctx, selector, &start, &end, lines, "backward", "")
			if err != nil {
				return nil, err
			}
			mode, data := formatLogResult(requestedMode, resp)
			return map[string]any{
				"query":                  selector,
				"start":                  start,
				"end":                    end,
				"response_mode_requested": string(requestedMode),
				"response_mode":          string(mode),
				"data":                   data,
			}, nil
		},
	}
	return s.orchestrator.Execute(ctx, req)
}

// RunSavedQueryArgs runs a server-configured saved query by name.
type RunSavedQueryArgs struct {
	Name          string `json:"name" jsonschema:"Saved query name, from loki_list_saved_queries."`
	OverrideRange string `json:"override_range,omitempty" jsonschema:"Time reference to use in place of the saved query's default range."`
	ResponseMode  string `json:"response_mode,omitempty" jsonschema:"raw, truncated, summary, or smart (default)."`
}

func (s *Service) runSavedQuery(ctx context.Context, callerIdentity, requestID, tenantID string, args RunSavedQueryArgs) (any, error) {
	var saved *savedQuery
	for i := range s.cfg.SavedQueries {
		if s.cfg.SavedQueries[i].Name == args.Name {
			sq := savedQueryFromConfig(s.cfg.SavedQueries[i])
			saved = &sq
			break
		}
	}
	if saved == nil {
		return nil, pipeline.NewError(pipeline.OutcomeValidationError, fmt.Errorf("saved query not found: %s", args.Name))
	}

	rangeSpec := saved.Range
	if args.OverrideRange != "" {
		rangeSpec = args.OverrideRange
	}
	start, end, err := s.resolveRange(rangeSpec, "")
	if err != nil {
		return nil, pipeline.NewError(pipeline.OutcomeValidationError, err)
	}

	requestedMode := shaper.ParseMode(args.ResponseMode)

	req := pipeline.Request{
		Tool:      "loki_run_saved_query",
		Identity:  callerIdentity,
		RequestID: requestID,
		TenantID:  tenantID,
		Params:         args,
		QueryText:      saved.Query,
		RangeSpan:      end.Sub(start),
		CacheKeyRanges: [][2]time.Time{{start, end}},
		ResponseMode:   string(requestedMode),
		Guardrails: func() ([]pipeline.GuardrailQuery, error) {
			return []pipeline.GuardrailQuery{{Query: saved.Query, Ranges: [][2]time.Time{{start, end}}}}, nil
		},
		Handler: func(ctx context.Context) (any, error) {
			resp, err := s.client.QueryRange(ctx, saved.Query, &start, &end, 100, "backward", "")
			if err != nil {
				return nil, err
			}
			mode, data := formatLogResult(requestedMode, resp)
			return map[string]any{
				"name":                   saved.Name,
				"query":                  saved.Query,
				"description":            saved.Description,
				"start":                  start,
				"end":                    end,
				"response_mode_requested": string(requestedMode),
				"response_mode":          string(mode),
				"data":                   data,
			}, nil
		},
	}
	return s.orchestrator.Execute(ctx, req)
}

type savedQuery struct {
	Name        string
	Description string
	Query       string
	Range       string
}

func savedQueryFromConfig(c config.SavedQuery) savedQuery {
	return savedQuery{Name: c.Name, Description: c.Description, Query: c.Query, Range: c.Range}
}
