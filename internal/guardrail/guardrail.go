// Package guardrail implements the two-phase, fail-closed cost estimation
// check that runs before a query/execution or analysis tool is allowed to
// touch the Loki data path.
package guardrail

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Source identifies which estimation path produced a cost estimate.
type Source string

const (
	SourceIndexStats   Source = "index-stats"
	SourceRuntimeStats Source = "runtime-stats"
	SourceUnavailable  Source = "unavailable"
)

// Decision is the outcome of an Evaluate call.
type Decision string

const (
	DecisionAllow          Decision = "allow"
	DecisionRejectBytes    Decision = "guardrail-precheck"
	DecisionRejectStreams  Decision = "guardrail-precheck"
	DecisionRejectMissing  Decision = "guardrail-unavailable"
)

// Estimate is a cost estimate for a candidate query.
type Estimate struct {
	Bytes   int64
	Streams int64
	Source  Source
}

// StatsFunc probes Loki for a cost estimate; returns SourceUnavailable when
// the backend cannot answer (404/5xx, disabled feature).
type StatsFunc func(ctx context.Context, query string, start, end time.Time) (Estimate, error)

// Config configures a per-tool guardrail check.
type Config struct {
	MaxBytesScanned int64
	MaxStreams      int64
	PrecheckEnabled bool
	SkipList        map[string]bool

	// SkipIfRangeShorterThan bypasses estimation entirely for time ranges
	// too short to be worth the extra Loki round trip.
	SkipIfRangeShorterThan time.Duration
	// SkipIfStreamsBelow allows a query through without a byte-size check
	// once the estimated stream count is low enough that the query is
	// assumed cheap regardless of bytes scanned.
	SkipIfStreamsBelow int64
}

// Evaluator runs the two-phase check: index-stats pre-check, then a
// query-stats fallback, failing closed if both are unavailable.
type Evaluator struct {
	cfg          Config
	indexStats   StatsFunc
	runtimeStats StatsFunc
}

// New builds an Evaluator. indexStats and runtimeStats implement the two
// estimation paths against a live Loki client.
func New(cfg Config, indexStats, runtimeStats StatsFunc) *Evaluator {
	if cfg.SkipList == nil {
		cfg.SkipList = map[string]bool{}
	}
	return &Evaluator{cfg: cfg, indexStats: indexStats, runtimeStats: runtimeStats}
}

// Result carries the guardrail's verdict and the estimate it was based on.
type Result struct {
	Decision Decision
	Estimate Estimate
}

// Evaluate estimates the cost of query over [start,end] and decides whether
// the caller may proceed. tool identifies the invoking tool for skip-list
// lookups; the index-stats precheck is switched on or off for all tools at
// once by Config.PrecheckEnabled.
func (e *Evaluator) Evaluate(ctx context.Context, tool, query string, start, end time.Time) (Result, error) {
	if e.cfg.SkipList[tool] {
		return Result{Decision: DecisionAllow}, nil
	}

	if e.cfg.SkipIfRangeShorterThan > 0 && end.Sub(start) < e.cfg.SkipIfRangeShorterThan {
		return Result{Decision: DecisionAllow}, nil
	}

	estimate, err := e.estimate(ctx, tool, query, start, end)
	if err != nil {
		return Result{}, fmt.Errorf("guardrail: estimating cost: %w", err)
	}

	if estimate.Source == SourceUnavailable {
		return Result{Decision: DecisionRejectMissing, Estimate: estimate}, nil
	}

	if e.cfg.SkipIfStreamsBelow > 0 && estimate.Streams < e.cfg.SkipIfStreamsBelow {
		return Result{Decision: DecisionAllow, Estimate: estimate}, nil
	}

	if e.cfg.MaxBytesScanned > 0 && estimate.Bytes > e.cfg.MaxBytesScanned {
		return Result{Decision: DecisionRejectBytes, Estimate: estimate}, nil
	}
	if e.cfg.MaxStreams > 0 && estimate.Streams > e.cfg.MaxStreams {
		return Result{Decision: DecisionRejectStreams, Estimate: estimate}, nil
	}

	return Result{Decision: DecisionAllow, Estimate: estimate}, nil
}

func (e *Evaluator) estimate(ctx context.Context, tool, query string, start, end time.Time) (Estimate, error) {
	if e.cfg.PrecheckEnabled && e.indexStats != nil {
		if est, err := e.indexStats(ctx, query, start, end); err == nil && est.Source != SourceUnavailable {
			return est, nil
		}
	}

	if e.runtimeStats != nil {
		if est, err := e.runtimeStats(ctx, query, start, end); err == nil && est.Source != SourceUnavailable {
			return est, nil
		}
	}

	return Estimate{Source: SourceUnavailable}, nil
}

// ParseByteSize parses a byte-size configuration value, accepting decimal
// units (KB/MB/GB/TB, powers of 1000) and binary units (KiB/MiB/GiB/TiB,
// powers of 1024), case-insensitively. A bare number is bytes.
func ParseByteSize(input string) (int64, error) {
	trimmed := strings.TrimSpace(input)
	if trimmed == "" {
		return 0, fmt.Errorf("byte size must not be empty")
	}

	upper := strings.ToUpper(trimmed)

	units := []struct {
		suffix     string
		multiplier int64
	}{
		{"TIB", 1 << 40},
		{"GIB", 1 << 30},
		{"MIB", 1 << 20},
		{"KIB", 1 << 10},
		{"TB", 1_000_000_000_000},
		{"GB", 1_000_000_000},
		{"MB", 1_000_000},
		{"KB", 1_000},
	}

	for _, u := range units {
		if strings.HasSuffix(upper, u.suffix) {
			numText := strings.TrimSpace(trimmed[:len(trimmed)-len(u.suffix)])
			value, err := strconv.ParseFloat(numText, 64)
			if err != nil {
				return 0, fmt.Errorf("invalid byte size %q: %w", input, err)
			}
			return int64(value * float64(u.multiplier)), nil
		}
	}

	value, err := strconv.ParseInt(trimmed, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid byte size %q: %w", input, err)
	}
	return value, nil
}
