package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/czembower/loki-mcp/internal/cache"
	"github.com/czembower/loki-mcp/internal/config"
	"github.com/czembower/loki-mcp/internal/guardrail"
	"github.com/czembower/loki-mcp/internal/loggingmw"
	"github.com/czembower/loki-mcp/internal/loki"
	"github.com/czembower/loki-mcp/internal/metrics"
	"github.com/czembower/loki-mcp/internal/pipeline"
	"github.com/czembower/loki-mcp/internal/ratelimit"
	"github.com/czembower/loki-mcp/internal/recentactions"
	"github.com/czembower/loki-mcp/internal/timeref"
	"github.com/czembower/loki-mcp/internal/tools"
)

// cacheableTools are the tools whose results are safe and worthwhile to
// key by argument fingerprint. loki_tail is deliberately excluded: it is
// meant to return whatever is newest, so serving a cached answer would
// defeat its purpose.
var cacheableTools = map[string]bool{
	"loki_query_logs":      true,
	"loki_query_metrics":   true,
	"loki_build_query":     true,
	"loki_run_saved_query": true,
	"loki_query_stats":     true,
	"loki_detect_patterns": true,
	"loki_compare_ranges":  true,
}

// guardrailedTools are the tools that touch the Loki query path and must
// clear a cost-estimation check first. Discovery and utility tools return
// metadata catalogs or contact no query path, so they are exempt.
var guardrailedTools = map[string]bool{
	"loki_query_logs":      true,
	"loki_query_metrics":   true,
	"loki_build_query":     true,
	"loki_tail":            true,
	"loki_run_saved_query": true,
	"loki_query_stats":     true,
	"loki_detect_patterns": true,
	"loki_compare_ranges":  true,
}

// logWriter is where structured logs are written; overridable in tests.
var logWriter io.Writer = os.Stdout

// components bundles everything built from a resolved Config that the
// serve and stdio commands both need.
type components struct {
	client        *loki.Client
	metrics       *metrics.Registry
	recentActions *recentactions.Store
	mcpServer     *mcp.Server
}

// build wires the Loki client, rate limiter, cache, guardrail evaluator,
// metrics registry, recent-actions store, pipeline orchestrator, and tool
// service from cfg, and registers the tool catalog on a fresh MCP server.
func build(cfg config.Config, logger *slog.Logger) (*components, error) {
	auth, err := cfg.LokiAuth()
	if err != nil {
		return nil, fmt.Errorf("resolving loki auth: %w", err)
	}
	lokiTimeout, err := timeref.ParseStdDuration(cfg.Loki.Timeout)
	if err != nil {
		return nil, fmt.Errorf("resolving loki timeout: %w", err)
	}

	client, err := loki.NewClient(loki.ClientOptions{
		BaseURL:    cfg.Loki.URL,
		TenantID:   cfg.Loki.TenantID,
		Auth:       auth,
		Timeout:    lokiTimeout,
		CACertPath: cfg.Loki.CACert,
	})
	if err != nil {
		return nil, fmt.Errorf("building loki client: %w", err)
	}

	metricsRegistry, err := metrics.New(cfg.Metrics.Prefix)
	if err != nil {
		return nil, fmt.Errorf("building metrics registry: %w", err)
	}

	var rateLimiter *ratelimit.Limiter
	if cfg.RateLimit.Enabled {
		overrides := cfg.RateLimitOverrides()
		rateLimiter = ratelimit.New(ratelimit.Config{RPS: cfg.RateLimit.RPS, Burst: cfg.RateLimit.Burst, Overrides: overrides})
		logger.Info("rate limiting enabled", "rps", cfg.RateLimit.RPS, "burst", cfg.RateLimit.Burst, "overrides", len(overrides))
	}

	var queryCache *cache.Cache
	skipCacheIfShorter := time.Duration(0)
	fingerprintGranularity := time.Duration(0)
	if cfg.Cache.Enabled {
		ttl, err := timeref.ParseStdDuration(cfg.Cache.TTL)
		if err != nil {
			return nil, fmt.Errorf("resolving cache ttl: %w", err)
		}
		skipCacheIfShorter, err = timeref.ParseStdDuration(cfg.Cache.SkipIfRangeShorterThan)
		if err != nil {
			return nil, fmt.Errorf("resolving cache.skip_if_range_shorter_than: %w", err)
		}
		if cfg.Cache.FingerprintGranularity != "" {
			fingerprintGranularity, err = timeref.ParseStdDuration(cfg.Cache.FingerprintGranularity)
			if err != nil {
				return nil, fmt.Errorf("resolving cache.fingerprint_granularity: %w", err)
			}
		}
		queryCache = cache.New(cache.Config{
			Capacity:                 cfg.Cache.MaxEntries,
			TTL:                      ttl,
			InvalidateOnBackendError: cfg.Cache.InvalidateOnBackendError,
		})
		logger.Info("fingerprint cache enabled", "max_entries", cfg.Cache.MaxEntries, "ttl", ttl, "fingerprint_granularity", fingerprintGranularity)
	}

	guardrailCfg, err := cfg.GuardrailConfig(nil)
	if err != nil {
		return nil, fmt.Errorf("resolving guardrail config: %w", err)
	}
	guardrailEvaluator := guardrail.New(guardrailCfg, indexStatsAdapter(client), runtimeStatsAdapter(client))

	var actions *recentactions.Store
	if cfg.RecentActions.Enabled {
		ttl, err := timeref.ParseStdDuration(cfg.RecentActions.TTL)
		if err != nil {
			return nil, fmt.Errorf("resolving recent_actions.ttl: %w", err)
		}
		actions = recentactions.New(cfg.RecentActions.MaxEntries, ttl, cfg.RecentActions.StoreQueryText, cfg.RecentActions.StoreErrorText)
		logger.Info("recent actions tracking enabled", "max_entries", cfg.RecentActions.MaxEntries, "ttl", ttl)
	}

	orchestrator := pipeline.New(pipeline.Config{
		RateLimiter:            rateLimiter,
		Cache:                  queryCache,
		Guardrail:              guardrailEvaluator,
		Metrics:                metricsRegistry,
		RecentActions:          actions,
		CacheableTools:         cacheableTools,
		GuardrailedTools:       guardrailedTools,
		SkipCacheIfShorter:     skipCacheIfShorter,
		FingerprintGranularity: fingerprintGranularity,
	})

	svc, err := tools.NewService(cfg, client, orchestrator, actions)
	if err != nil {
		return nil, fmt.Errorf("building tool service: %w", err)
	}

	mcpServer := mcp.NewServer(&mcp.Implementation{Name: "loki-mcp", Version: version}, nil)
	mcpServer.AddReceivingMiddleware(loggingmw.New(logger))
	svc.AddTools(mcpServer)

	return &components{client: client, metrics: metricsRegistry, recentActions: actions, mcpServer: mcpServer}, nil
}

// indexStatsAdapter wraps the cheap /loki/api/v1/index/stats endpoint as a
// guardrail.StatsFunc, treating a non-nil error (any non-2xx response, a
// disabled feature, or a timeout) as "unavailable" rather than propagating
// it, since the guardrail evaluator falls back to the query-stats path.
func indexStatsAdapter(client *loki.Client) guardrail.StatsFunc {
	return func(ctx context.Context, query string, start, end time.Time) (guardrail.Estimate, error) {
		stats, err := client.IndexStats(ctx, query, start, end)
		if err != nil {
			return guardrail.Estimate{Source: guardrail.SourceUnavailable}, nil
		}
		return guardrail.Estimate{Bytes: stats.Bytes, Streams: stats.Streams, Source: guardrail.SourceIndexStats}, nil
	}
}

// runtimeStatsAdapter wraps the more expensive query-stats fallback (a
// capped range query) as a guardrail.StatsFunc.
func runtimeStatsAdapter(client *loki.Client) guardrail.StatsFunc {
	return func(ctx context.Context, query string, start, end time.Time) (guardrail.Estimate, error) {
		stats, err := client.QueryStats(ctx, query, start, end)
		if err != nil {
			return guardrail.Estimate{Source: guardrail.SourceUnavailable}, nil
		}
		return guardrail.Estimate{Bytes: stats.BytesProcessed, Streams: stats.StreamsMatched, Source: guardrail.SourceRuntimeStats}, nil
	}
}

func newLogger(format, level string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(level)}
	if format == "text" {
		return slog.New(slog.NewTextHandler(logWriter, opts))
	}
	return slog.New(slog.NewJSONHandler(logWriter, opts))
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func configOverridesFromFlags(flags flagGetter) config.Overrides {
	overrides := config.Overrides{}
	if v, _ := flags.GetString("listen"); v != "" {
		overrides.Listen = &v
	}
	if v, _ := flags.GetString("timezone"); v != "" {
		overrides.Timezone = &v
	}
	if v, _ := flags.GetString("identity-header"); v != "" {
		overrides.IdentityHeader = &v
	}
	if v, _ := flags.GetString("loki-url"); v != "" {
		overrides.LokiURL = &v
	}
	if v, _ := flags.GetString("loki-tenant-id"); v != "" {
		overrides.LokiTenantID = &v
	}
	if v, _ := flags.GetString("loki-auth-type"); v != "" {
		overrides.LokiAuthType = &v
	}
	if flags.Changed("cache-enabled") {
		v, _ := flags.GetBool("cache-enabled")
		overrides.CacheEnabled = &v
	}
	if flags.Changed("rate-limit-enabled") {
		v, _ := flags.GetBool("rate-limit-enabled")
		overrides.RateLimitEnabled = &v
	}
	if v, _ := flags.GetFloat64("rate-limit-rps"); v > 0 {
		overrides.RateLimitRPS = &v
	}
	if v, _ := flags.GetInt("rate-limit-burst"); v > 0 {
		overrides.RateLimitBurst = &v
	}
	if v, _ := flags.GetString("metrics-prefix"); v != "" {
		overrides.MetricsPrefix = &v
	}
	return overrides
}

// flagGetter is the subset of *pflag.FlagSet configOverridesFromFlags
// needs, so both the serve and stdio commands (which register the same
// flag names) can share one override-resolution function.
type flagGetter interface {
	GetString(name string) (string, error)
	GetBool(name string) (bool, error)
	GetFloat64(name string) (float64, error)
	GetInt(name string) (int, error)
	Changed(name string) bool
}
