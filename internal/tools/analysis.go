package tools

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/czembower/loki-mcp/internal/loki"
	"github.com/czembower/loki-mcp/internal/pipeline"
	"github.com/czembower/loki-mcp/internal/timeref"
)

// QueryStatsArgs estimates the cost of a LogQL query over a time range.
type QueryStatsArgs struct {
	Query string `json:"query" jsonschema:"LogQL query to estimate."`
	Start string `json:"start,omitempty" jsonschema:"Range start."`
	End   string `json:"end,omitempty" jsonschema:"Range end. Defaults to now."`
}

func (s *Service) queryStats(ctx context.Context, callerIdentity, requestID, tenantID string, args QueryStatsArgs) (any, error) {
	if strings.TrimSpace(args.Query) == "" {
		return nil, pipeline.NewError(pipeline.OutcomeValidationError, fmt.Errorf("query must not be empty"))
	}
	start, end, err := s.resolveRange(args.Start, args.End)
	if err != nil {
		return nil, pipeline.NewError(pipeline.OutcomeValidationError, err)
	}

	req := pipeline.Request{
		Tool:      "loki_query_stats",
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
			stats, err := s.client.QueryStats(ctx, args.Query, start, end)
			if err != nil {
				return nil, err
			}
			return map[string]any{
				"query": args.Query,
				"start": start,
				"end":   end,
				"stats": map[string]any{
					"bytes_processed": stats.BytesProcessed,
					"lines_processed": stats.LinesProcessed,
					"chunks_matched":  stats.ChunksMatched,
					"streams_matched": stats.StreamsMatched,
				},
			}, nil
		},
	}
	return s.orchestrator.Execute(ctx, req)
}

// DetectPatternsArgs runs Loki's patterns API over a selector and range.
type DetectPatternsArgs struct {
	Query string `json:"query" jsonschema:"LogQL stream selector to detect patterns for."`
	Start string `json:"start,omitempty" jsonschema:"Range start."`
	End   string `json:"end,omitempty" jsonschema:"Range end. Defaults to now."`
	Step  string `json:"step,omitempty" jsonschema:"Query resolution step, e.g. 1m."`
}

func (s *Service) detectPatterns(ctx context.Context, callerIdentity, requestID, tenantID string, args DetectPatternsArgs) (any, error) {
	if strings.TrimSpace(args.Query) == "" {
		return nil, pipeline.NewError(pipeline.OutcomeValidationError, fmt.Errorf("query must not be empty"))
	}
	start, end, err := s.resolveRange(args.Start, args.End)
	if err != nil {
		return nil, pipeline.NewError(pipeline.OutcomeValidationError, err)
	}

	req := pipeline.Request{
		Tool:      "loki_detect_patterns",
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
			resp, err := s.client.DetectPatterns(ctx, args.Query, &start, &end, args.Step)
			if err != nil {
				return nil, err
			}
			return map[string]any{
				"query":    args.Query,
				"start":    start,
				"end":      end,
				"patterns": resp.Data,
			}, nil
		},
	}
	return s.orchestrator.Execute(ctx, req)
}

// CompareRangesArgs runs the same query over two independent ranges and
// reports the line-count delta between them.
type CompareRangesArgs struct {
	Query        string `json:"query" jsonschema:"LogQL query to run over both ranges."`
	BaselineStart string `json:"baseline_start" jsonschema:"Baseline range start."`
	BaselineEnd   string `json:"baseline_end" jsonschema:"Baseline range end."`
	CompareStart  string `json:"compare_start" jsonschema:"Comparison range start."`
	CompareEnd    string `json:"compare_end" jsonschema:"Comparison range end."`
}

func (s *Service) compareRanges(ctx context.Context, callerIdentity, requestID, tenantID string, args CompareRangesArgs) (any, error) {
	if strings.TrimSpace(args.Query) == "" {
		return nil, pipeline.NewError(pipeline.OutcomeValidationError, fmt.Errorf("query must not be empty"))
	}

	now := time.Now().UTC()
	baselineStart, err := timeref.Parse(args.BaselineStart, s.timezone, now)
	if err != nil {
		return nil, pipeline.NewError(pipeline.OutcomeValidationError, err)
	}
	baselineEnd, err := timeref.Parse(args.BaselineEnd, s.timezone, now)
	if err != nil {
		return nil, pipeline.NewError(pipeline.OutcomeValidationError, err)
	}
	compareStart, err := timeref.Parse(args.CompareStart, s.timezone, now)
	if err != nil {
		return nil, pipeline.NewError(pipeline.OutcomeValidationError, err)
	}
	compareEnd, err := timeref.Parse(args.CompareEnd, s.timezone, now)
	if err != nil {
		return nil, pipeline.NewError(pipeline.OutcomeValidationError, err)
	}
	if baselineStart.After(baselineEnd) {
		return nil, pipeline.NewError(pipeline.OutcomeValidationError, fmt.Errorf("baseline_start must be less than or equal to baseline_end"))
	}
	if compareStart.After(compareEnd) {
		return nil, pipeline.NewError(pipeline.OutcomeValidationError, fmt.Errorf("compare_start must be less than or equal to compare_end"))
	}

	longer := baselineEnd.Sub(baselineStart)
	if d := compareEnd.Sub(compareStart); d > longer {
		longer = d
	}

	req := pipeline.Request{
		Tool:      "loki_compare_ranges",
		Identity:  callerIdentity,
		RequestID: requestID,
		TenantID:  tenantID,
		Params:    args,
		QueryText: args.Query,
		RangeSpan: longer,
		CacheKeyRanges: [][2]time.Time{
			{baselineStart, baselineEnd},
			{compareStart, compareEnd},
		},
		Guardrails: func() ([]pipeline.GuardrailQuery, error) {
			return []pipeline.GuardrailQuery{{
				Query: args.Query,
				Ranges: [][2]time.Time{
					{baselineStart, baselineEnd},
					{compareStart, compareEnd},
				},
			}}, nil
		},
		Handler: func(ctx context.Context) (any, error) {
			baselineResp, err := s.client.QueryRange(ctx, args.Query, &baselineStart, &baselineEnd, 1000, "backward", "")
			if err != nil {
				return nil, err
			}
			compareResp, err := s.client.QueryRange(ctx, args.Query, &compareStart, &compareEnd, 1000, "backward", "")
			if err != nil {
				return nil, err
			}

			baselineLines := countLines(baselineResp)
			compareLines := countLines(compareResp)

			return map[string]any{
				"query": args.Query,
				"baseline": map[string]any{
					"start":      baselineStart,
					"end":        baselineEnd,
					"line_count": baselineLines,
				},
				"compare": map[string]any{
					"start":      compareStart,
					"end":        compareEnd,
					"line_count": compareLines,
				},
				"delta": map[string]any{
					"line_count": int64(compareLines) - int64(baselineLines),
					"ratio":      lineRatio(compareLines, baselineLines),
				},
			}, nil
		},
	}
	return s.orchestrator.Execute(ctx, req)
}

// countLines sums the values held across every stream in a query_range
// response, the same line-count metric the comparison delta is based on.
func countLines(resp *loki.QueryRangeResponse) uint64 {
	var count uint64
	for _, stream := range resp.Data.Result {
		count += uint64(len(stream.Values))
	}
	return count
}

func lineRatio(compare, baseline uint64) float64 {
	if baseline == 0 {
		return 0
	}
	return float64(compare) / float64(baseline)
}
