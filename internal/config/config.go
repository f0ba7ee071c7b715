// Package config loads server configuration from a TOML file, then layers
// environment variables and CLI flags on top, in that precedence order:
// file defaults are overridden by environment variables, which are in turn
// overridden by explicit flags. This mirrors the layered-provider approach
// the reference implementation built on Rust's figment crate, adapted to
// BurntSushi/toml plus manual env/flag overlay since the retrieved corpus
// carries no direct figment analogue.
package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/czembower/loki-mcp/internal/guardrail"
	"github.com/czembower/loki-mcp/internal/loki"
	"github.com/czembower/loki-mcp/internal/ratelimit"
	"github.com/czembower/loki-mcp/internal/timeref"
)

// Config is the fully-resolved, validated server configuration.
type Config struct {
	Server             ServerConfig        `toml:"server"`
	Loki               LokiConfig          `toml:"loki"`
	Cache              CacheConfig         `toml:"cache"`
	Guardrails         GuardrailsConfig    `toml:"guardrails"`
	RateLimit          RateLimitConfig     `toml:"rate_limit"`
	Metrics            MetricsConfig       `toml:"metrics"`
	RecentActions      RecentActionsConfig `toml:"recent_actions"`
	Labels             []SchemaField       `toml:"labels"`
	StructuredMetadata []SchemaField       `toml:"structured_metadata"`
	SavedQueries       []SavedQuery        `toml:"saved_queries"`
}

type ServerConfig struct {
	Listen         string `toml:"listen"`
	Timezone       string `toml:"timezone"`
	LogLevel       string `toml:"log_level"`
	IdentityHeader string `toml:"identity_header"`
}

type LokiConfig struct {
	URL      string `toml:"url"`
	TenantID string `toml:"tenant_id"`
	AuthType string `toml:"auth_type"`
	Username string `toml:"username"`
	Password string `toml:"password"`
	Token    string `toml:"token"`
	CACert   string `toml:"ca_cert"`
	Timeout  string `toml:"timeout"`
}

type CacheConfig struct {
	Enabled                  bool   `toml:"enabled"`
	TTL                      string `toml:"ttl"`
	SkipIfRangeShorterThan   string `toml:"skip_if_range_shorter_than"`
	MaxEntries               int    `toml:"max_entries"`
	InvalidateOnBackendError bool   `toml:"invalidate_on_backend_error"`

	// FingerprintGranularity rounds the absolute time instants a cacheable
	// tool resolved into a bucket of this width before hashing them into
	// the cache fingerprint, so calls issued within the same bucket share
	// a cache entry regardless of relative time expressions like "-1h".
	FingerprintGranularity string `toml:"fingerprint_granularity"`
}

type GuardrailsConfig struct {
	MaxBytesScanned             string   `toml:"max_bytes_scanned"`
	MaxStreams                  int64    `toml:"max_streams"`
	SkipStatsIfStreamsBelow     int64    `toml:"skip_stats_if_streams_below"`
	SkipStatsIfRangeShorterThan string   `toml:"skip_stats_if_range_shorter_than"`
	PrecheckEnabled             bool     `toml:"precheck_enabled"`
	SkipTools                   []string `toml:"skip_tools"`
}

type RateLimitConfig struct {
	Enabled   bool                         `toml:"enabled"`
	RPS       float64                      `toml:"rps"`
	Burst     int                          `toml:"burst"`
	Overrides map[string]RateLimitOverride `toml:"overrides"`
}

// RateLimitOverride supersedes the top-level rps/burst for one named tool.
type RateLimitOverride struct {
	RPS   float64 `toml:"rps"`
	Burst int     `toml:"burst"`
}

type MetricsConfig struct {
	Prefix string `toml:"prefix"`
}

type RecentActionsConfig struct {
	Enabled        bool   `toml:"enabled"`
	MaxEntries     int    `toml:"max_entries"`
	TTL            string `toml:"ttl"`
	StoreQueryText bool   `toml:"store_query_text"`
	StoreErrorText bool   `toml:"store_error_text"`
}

type SchemaField struct {
	Name         string   `toml:"name"`
	Description  string   `toml:"description"`
	CommonValues []string `toml:"common_values"`
}

type SavedQuery struct {
	Name        string `toml:"name"`
	Description string `toml:"description"`
	Query       string `toml:"query"`
	Range       string `toml:"range"`
}

// Default returns the configuration used when no file, environment
// variable, or flag supplies a value.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Listen:   "0.0.0.0:8080",
			Timezone: "America/New_York",
			LogLevel: "info",
		},
		Loki: LokiConfig{
			URL:      "http://127.0.0.1:3100",
			AuthType: "none",
			Timeout:  "30s",
		},
		Cache: CacheConfig{
			Enabled:                true,
			TTL:                    "60s",
			SkipIfRangeShorterThan: "60s",
			MaxEntries:             1000,
			FingerprintGranularity: "1m",
		},
		Guardrails: GuardrailsConfig{
			MaxBytesScanned:             "500MB",
			MaxStreams:                  5000,
			SkipStatsIfStreamsBelow:     50,
			SkipStatsIfRangeShorterThan: "15m",
			PrecheckEnabled:             true,
		},
		RateLimit: RateLimitConfig{
			Enabled: true,
			RPS:     10.0,
			Burst:   30,
		},
		Metrics: MetricsConfig{
			Prefix: "loki_mcp",
		},
		RecentActions: RecentActionsConfig{
			Enabled:    false,
			MaxEntries: 500,
			TTL:        "30m",
		},
	}
}

// Overrides holds CLI-flag-sourced values; a nil pointer field means the
// flag was not explicitly set and should not override lower layers.
type Overrides struct {
	Listen         *string
	Timezone       *string
	LogLevel       *string
	IdentityHeader *string

	LokiURL      *string
	LokiTenantID *string
	LokiAuthType *string
	LokiUsername *string
	LokiPassword *string
	LokiToken    *string
	LokiCACert   *string
	LokiTimeout  *string

	CacheEnabled *bool
	CacheTTL     *string

	GuardrailsMaxBytesScanned *string
	GuardrailsMaxStreams      *int64

	RateLimitEnabled *bool
	RateLimitRPS     *float64
	RateLimitBurst   *int

	MetricsPrefix *string
}

// Load reads path (if it exists), overlays LOKI_MCP_* environment variables,
// then overlays flagOverrides, and returns a normalized, validated Config.
// A missing config file is not an error: Default() is used as the base.
func Load(path string, flagOverrides Overrides) (Config, error) {
	cfg := Default()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if _, err := toml.DecodeFile(path, &cfg); err != nil {
				return Config{}, fmt.Errorf("config: parsing %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return Config{}, fmt.Errorf("config: reading %s: %w", path, err)
		}
	}

	applyEnv(&cfg)
	applyFlags(&cfg, flagOverrides)

	normalize(&cfg)
	if err := validate(cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// applyEnv overlays LOKI_MCP_<SECTION>_<FIELD> environment variables (both
// the flattened LOKI_MCP_LOKI_URL and the figment-style double-underscore
// LOKI_MCP_LOKI__URL spellings are accepted) onto cfg.
func applyEnv(cfg *Config) {
	str := func(keys ...string) (string, bool) {
		for _, k := range keys {
			if v, ok := lookupEnvVariants(k); ok {
				return v, true
			}
		}
		return "", false
	}
	boolean := func(keys ...string) (bool, bool) {
		if v, ok := str(keys...); ok {
			return strings.EqualFold(v, "true") || v == "1", true
		}
		return false, false
	}
	integer := func(keys ...string) (int64, bool) {
		if v, ok := str(keys...); ok {
			if n, err := strconv.ParseInt(v, 10, 64); err == nil {
				return n, true
			}
		}
		return 0, false
	}
	float := func(keys ...string) (float64, bool) {
		if v, ok := str(keys...); ok {
			if n, err := strconv.ParseFloat(v, 64); err == nil {
				return n, true
			}
		}
		return 0, false
	}

	if v, ok := str("SERVER_LISTEN"); ok {
		cfg.Server.Listen = v
	}
	if v, ok := str("SERVER_TIMEZONE"); ok {
		cfg.Server.Timezone = v
	}
	if v, ok := str("SERVER_LOG_LEVEL"); ok {
		cfg.Server.LogLevel = v
	}
	if v, ok := str("SERVER_IDENTITY_HEADER"); ok {
		cfg.Server.IdentityHeader = v
	}

	if v, ok := str("LOKI_URL"); ok {
		cfg.Loki.URL = v
	}
	if v, ok := str("LOKI_TENANT_ID"); ok {
		cfg.Loki.TenantID = v
	}
	if v, ok := str("LOKI_AUTH_TYPE"); ok {
		cfg.Loki.AuthType = v
	}
	if v, ok := str("LOKI_USERNAME"); ok {
		cfg.Loki.Username = v
	}
	if v, ok := str("LOKI_PASSWORD"); ok {
		cfg.Loki.Password = v
	}
	if v, ok := str("LOKI_TOKEN"); ok {
		cfg.Loki.Token = v
	}
	if v, ok := str("LOKI_CA_CERT"); ok {
		cfg.Loki.CACert = v
	}
	if v, ok := str("LOKI_TIMEOUT"); ok {
		cfg.Loki.Timeout = v
	}

	if v, ok := boolean("CACHE_ENABLED"); ok {
		cfg.Cache.Enabled = v
	}
	if v, ok := str("CACHE_TTL"); ok {
		cfg.Cache.TTL = v
	}
	if v, ok := str("CACHE_SKIP_IF_RANGE_SHORTER_THAN"); ok {
		cfg.Cache.SkipIfRangeShorterThan = v
	}
	if v, ok := integer("CACHE_MAX_ENTRIES"); ok {
		cfg.Cache.MaxEntries = int(v)
	}
	if v, ok := str("CACHE_FINGERPRINT_GRANULARITY"); ok {
		cfg.Cache.FingerprintGranularity = v
	}

	if v, ok := str("GUARDRAILS_MAX_BYTES_SCANNED"); ok {
		cfg.Guardrails.MaxBytesScanned = v
	}
	if v, ok := integer("GUARDRAILS_MAX_STREAMS"); ok {
		cfg.Guardrails.MaxStreams = v
	}
	if v, ok := integer("GUARDRAILS_SKIP_STATS_IF_STREAMS_BELOW"); ok {
		cfg.Guardrails.SkipStatsIfStreamsBelow = v
	}
	if v, ok := str("GUARDRAILS_SKIP_STATS_IF_RANGE_SHORTER_THAN"); ok {
		cfg.Guardrails.SkipStatsIfRangeShorterThan = v
	}
	if v, ok := boolean("GUARDRAILS_PRECHECK_ENABLED"); ok {
		cfg.Guardrails.PrecheckEnabled = v
	}

	if v, ok := boolean("RATE_LIMIT_ENABLED"); ok {
		cfg.RateLimit.Enabled = v
	}
	if v, ok := float("RATE_LIMIT_RPS"); ok {
		cfg.RateLimit.RPS = v
	}
	if v, ok := integer("RATE_LIMIT_BURST"); ok {
		cfg.RateLimit.Burst = int(v)
	}

	if v, ok := str("METRICS_PREFIX"); ok {
		cfg.Metrics.Prefix = v
	}

	if v, ok := boolean("RECENT_ACTIONS_ENABLED"); ok {
		cfg.RecentActions.Enabled = v
	}
	if v, ok := integer("RECENT_ACTIONS_MAX_ENTRIES"); ok {
		cfg.RecentActions.MaxEntries = int(v)
	}
	if v, ok := str("RECENT_ACTIONS_TTL"); ok {
		cfg.RecentActions.TTL = v
	}
	if v, ok := boolean("RECENT_ACTIONS_STORE_QUERY_TEXT"); ok {
		cfg.RecentActions.StoreQueryText = v
	}
	if v, ok := boolean("RECENT_ACTIONS_STORE_ERROR_TEXT"); ok {
		cfg.RecentActions.StoreErrorText = v
	}
}

// lookupEnvVariants checks both LOKI_MCP_<suffix> (flattened) and
// LOKI_MCP_<section>__<field> (nested, double-underscore) spellings for the
// same logical key, accepting whichever is set.
func lookupEnvVariants(suffix string) (string, bool) {
	if v, ok := os.LookupEnv("LOKI_MCP_" + suffix); ok {
		return v, true
	}
	nested := strings.Replace(suffix, "_", "__", 1)
	for _, section := range []string{"RATE_LIMIT_", "RECENT_ACTIONS_"} {
		if strings.HasPrefix(suffix, section) {
			nested = strings.TrimSuffix(section, "_") + "__" + strings.TrimPrefix(suffix, section)
		}
	}
	if v, ok := os.LookupEnv("LOKI_MCP_" + nested); ok {
		return v, true
	}
	return "", false
}

func applyFlags(cfg *Config, o Overrides) {
	assignStr(&cfg.Server.Listen, o.Listen)
	assignStr(&cfg.Server.Timezone, o.Timezone)
	assignStr(&cfg.Server.LogLevel, o.LogLevel)
	assignStr(&cfg.Server.IdentityHeader, o.IdentityHeader)

	assignStr(&cfg.Loki.URL, o.LokiURL)
	assignStr(&cfg.Loki.TenantID, o.LokiTenantID)
	assignStr(&cfg.Loki.AuthType, o.LokiAuthType)
	assignStr(&cfg.Loki.Username, o.LokiUsername)
	assignStr(&cfg.Loki.Password, o.LokiPassword)
	assignStr(&cfg.Loki.Token, o.LokiToken)
	assignStr(&cfg.Loki.CACert, o.LokiCACert)
	assignStr(&cfg.Loki.Timeout, o.LokiTimeout)

	assignBool(&cfg.Cache.Enabled, o.CacheEnabled)
	assignStr(&cfg.Cache.TTL, o.CacheTTL)

	assignStr(&cfg.Guardrails.MaxBytesScanned, o.GuardrailsMaxBytesScanned)
	assignInt64(&cfg.Guardrails.MaxStreams, o.GuardrailsMaxStreams)

	assignBool(&cfg.RateLimit.Enabled, o.RateLimitEnabled)
	assignFloat64(&cfg.RateLimit.RPS, o.RateLimitRPS)
	assignInt(&cfg.RateLimit.Burst, o.RateLimitBurst)

	assignStr(&cfg.Metrics.Prefix, o.MetricsPrefix)
}

func assignStr(dst *string, src *string) {
	if src != nil {
		*dst = *src
	}
}
func assignBool(dst *bool, src *bool) {
	if src != nil {
		*dst = *src
	}
}
func assignInt(dst *int, src *int) {
	if src != nil {
		*dst = *src
	}
}
func assignInt64(dst *int64, src *int64) {
	if src != nil {
		*dst = *src
	}
}
func assignFloat64(dst *float64, src *float64) {
	if src != nil {
		*dst = *src
	}
}

func normalize(cfg *Config) {
	cfg.Server.Listen = strings.TrimSpace(cfg.Server.Listen)
	cfg.Server.Timezone = strings.TrimSpace(cfg.Server.Timezone)
	cfg.Server.LogLevel = strings.TrimSpace(cfg.Server.LogLevel)
	cfg.Server.IdentityHeader = strings.TrimSpace(cfg.Server.IdentityHeader)

	cfg.Loki.URL = strings.TrimSpace(cfg.Loki.URL)
	cfg.Loki.AuthType = strings.ToLower(strings.TrimSpace(cfg.Loki.AuthType))
	cfg.Loki.Timeout = strings.TrimSpace(cfg.Loki.Timeout)

	cfg.Cache.TTL = strings.TrimSpace(cfg.Cache.TTL)
	cfg.Cache.SkipIfRangeShorterThan = strings.TrimSpace(cfg.Cache.SkipIfRangeShorterThan)
	cfg.Cache.FingerprintGranularity = strings.TrimSpace(cfg.Cache.FingerprintGranularity)

	cfg.Guardrails.MaxBytesScanned = strings.TrimSpace(cfg.Guardrails.MaxBytesScanned)
	cfg.Guardrails.SkipStatsIfRangeShorterThan = strings.TrimSpace(cfg.Guardrails.SkipStatsIfRangeShorterThan)

	cfg.Metrics.Prefix = strings.TrimSpace(cfg.Metrics.Prefix)
	cfg.RecentActions.TTL = strings.TrimSpace(cfg.RecentActions.TTL)
}

func validate(cfg Config) error {
	if cfg.Server.Listen == "" {
		return fmt.Errorf("config: server.listen must not be empty")
	}
	if _, _, err := net.SplitHostPort(cfg.Server.Listen); err != nil {
		return fmt.Errorf("config: server.listen must be host:port: %w", err)
	}

	if cfg.Server.Timezone == "" {
		return fmt.Errorf("config: server.timezone must not be empty")
	}
	if _, err := time.LoadLocation(cfg.Server.Timezone); err != nil {
		return fmt.Errorf("config: invalid server.timezone %q: %w", cfg.Server.Timezone, err)
	}

	if cfg.Loki.URL == "" {
		return fmt.Errorf("config: loki.url must not be empty")
	}

	switch cfg.Loki.AuthType {
	case "none":
	case "basic":
		if cfg.Loki.Username == "" || cfg.Loki.Password == "" {
			return fmt.Errorf("config: loki.username and loki.password are required when loki.auth_type=basic")
		}
	case "bearer":
		if cfg.Loki.Token == "" {
			return fmt.Errorf("config: loki.token is required when loki.auth_type=bearer")
		}
	default:
		return fmt.Errorf("config: unsupported loki.auth_type %q, expected one of none/basic/bearer", cfg.Loki.AuthType)
	}

	if _, err := timeref.ParseStdDuration(cfg.Loki.Timeout); err != nil {
		return fmt.Errorf("config: invalid loki.timeout: %w", err)
	}
	if _, err := timeref.ParseStdDuration(cfg.Cache.TTL); err != nil {
		return fmt.Errorf("config: invalid cache.ttl: %w", err)
	}
	if _, err := timeref.ParseStdDuration(cfg.Cache.SkipIfRangeShorterThan); err != nil {
		return fmt.Errorf("config: invalid cache.skip_if_range_shorter_than: %w", err)
	}
	if cfg.Cache.FingerprintGranularity != "" {
		if _, err := timeref.ParseStdDuration(cfg.Cache.FingerprintGranularity); err != nil {
			return fmt.Errorf("config: invalid cache.fingerprint_granularity: %w", err)
		}
	}
	if _, err := timeref.ParseStdDuration(cfg.Guardrails.SkipStatsIfRangeShorterThan); err != nil {
		return fmt.Errorf("config: invalid guardrails.skip_stats_if_range_shorter_than: %w", err)
	}
	if _, err := guardrail.ParseByteSize(cfg.Guardrails.MaxBytesScanned); err != nil {
		return fmt.Errorf("config: invalid guardrails.max_bytes_scanned: %w", err)
	}

	if cfg.Cache.MaxEntries <= 0 {
		return fmt.Errorf("config: cache.max_entries must be greater than zero")
	}

	if cfg.RateLimit.Enabled {
		if cfg.RateLimit.RPS <= 0 {
			return fmt.Errorf("config: rate_limit.rps must be > 0 when rate limiting is enabled")
		}
		if cfg.RateLimit.Burst <= 0 {
			return fmt.Errorf("config: rate_limit.burst must be > 0 when rate limiting is enabled")
		}
	}

	if cfg.Metrics.Prefix == "" {
		return fmt.Errorf("config: metrics.prefix must not be empty")
	}
	if _, err := timeref.ParseStdDuration(cfg.RecentActions.TTL); err != nil {
		return fmt.Errorf("config: invalid recent_actions.ttl: %w", err)
	}
	if cfg.RecentActions.Enabled && cfg.RecentActions.MaxEntries <= 0 {
		return fmt.Errorf("config: recent_actions.max_entries must be greater than zero when enabled")
	}

	return nil
}

// LokiAuth builds a loki.Auth from the configured auth type and credentials.
func (c Config) LokiAuth() (loki.Auth, error) {
	return loki.NewAuth(loki.AuthMode(c.Loki.AuthType), c.Loki.Username, c.Loki.Password, c.Loki.Token)
}

// GuardrailConfig builds a guardrail.Config from the guardrails section,
// treating a max of zero as "unlimited" for that dimension. extraSkip
// merges in any additional tool names to exempt (callers pass nil when the
// configured guardrails.skip_tools list is already sufficient).
func (c Config) GuardrailConfig(extraSkip map[string]bool) (guardrail.Config, error) {
	maxBytes, err := guardrail.ParseByteSize(c.Guardrails.MaxBytesScanned)
	if err != nil {
		return guardrail.Config{}, err
	}
	skipRange, err := timeref.ParseStdDuration(c.Guardrails.SkipStatsIfRangeShorterThan)
	if err != nil {
		return guardrail.Config{}, err
	}

	skipList := make(map[string]bool, len(c.Guardrails.SkipTools)+len(extraSkip))
	for _, tool := range c.Guardrails.SkipTools {
		skipList[tool] = true
	}
	for tool, skip := range extraSkip {
		if skip {
			skipList[tool] = true
		}
	}

	return guardrail.Config{
		MaxBytesScanned:        maxBytes,
		MaxStreams:             c.Guardrails.MaxStreams,
		PrecheckEnabled:        c.Guardrails.PrecheckEnabled,
		SkipList:               skipList,
		SkipIfRangeShorterThan: skipRange,
		SkipIfStreamsBelow:     c.Guardrails.SkipStatsIfStreamsBelow,
	}, nil
}

// RateLimitOverrides converts the configured per-tool rate_limit.overrides
// into the ratelimit package's own ToolLimit shape, or nil if none are set.
func (c Config) RateLimitOverrides() map[string]ratelimit.ToolLimit {
	if len(c.RateLimit.Overrides) == 0 {
		return nil
	}
	overrides := make(map[string]ratelimit.ToolLimit, len(c.RateLimit.Overrides))
	for tool, o := range c.RateLimit.Overrides {
		overrides[tool] = ratelimit.ToolLimit{RPS: o.RPS, Burst: o.Burst}
	}
	return overrides
}
