// Package pipeline composes the crosscutting concerns every tool call runs
// through, in a fixed order: rate limiting, fingerprint-cache lookup,
// guardrail pre-check, dispatch, cache population, and outcome recording.
// Individual tool handlers own their own parameter parsing and Loki calls;
// this package owns everything wrapped around that call.
package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/czembower/loki-mcp/internal/cache"
	"github.com/czembower/loki-mcp/internal/guardrail"
	"github.com/czembower/loki-mcp/internal/metrics"
	"github.com/czembower/loki-mcp/internal/ratelimit"
	"github.com/czembower/loki-mcp/internal/recentactions"
)

// Outcome classifies how a pipeline-mediated call ended, for both metrics
// labels and HTTP status mapping.
type Outcome string

const (
	OutcomeSuccess              Outcome = "success"
	OutcomeValidationError      Outcome = "validation_error"
	OutcomeRateLimited          Outcome = "rate_limited"
	OutcomeGuardrailRejected    Outcome = "guardrail_reject"
	OutcomeGuardrailUnavailable Outcome = "guardrail_unavailable"
	OutcomeBackendError         Outcome = "backend_error"
	OutcomeTimeout              Outcome = "timeout"
	OutcomeInvalidTool          Outcome = "invalid_tool"
)

// Error wraps an underlying error with the outcome classification the
// orchestrator assigned it, so callers at the transport edge can map it to
// an HTTP status and a recent-actions entry without re-inspecting message
// text.
type Error struct {
	Outcome Outcome
	Err     error
}

func (e *Error) Error() string { return e.Err.Error() }
func (e *Error) Unwrap() error { return e.Err }

// NewError builds a classified pipeline error.
func NewError(outcome Outcome, err error) *Error {
	return &Error{Outcome: outcome, Err: err}
}

// HTTPStatus maps an outcome to the status code the HTTP surface returns.
func HTTPStatus(outcome Outcome) int {
	switch outcome {
	case OutcomeSuccess:
		return 200
	case OutcomeValidationError, OutcomeInvalidTool:
		return 400
	case OutcomeRateLimited:
		return 429
	case OutcomeGuardrailRejected, OutcomeGuardrailUnavailable:
		return 422
	case OutcomeTimeout:
		return 504
	case OutcomeBackendError:
		return 502
	default:
		return 500
	}
}

// GuardrailQuery is one LogQL query and the set of time ranges it must be
// estimated over before being allowed to run. Most tools supply a single
// range; loki_compare_ranges supplies two independent ones.
type GuardrailQuery struct {
	Query  string
	Ranges [][2]time.Time
}

// Config configures a single Orchestrator instance.
type Config struct {
	RateLimiter        *ratelimit.Limiter
	Cache              *cache.Cache
	Guardrail          *guardrail.Evaluator
	Metrics            *metrics.Registry
	RecentActions      *recentactions.Store
	CacheableTools     map[string]bool
	GuardrailedTools   map[string]bool
	SkipCacheIfShorter time.Duration

	// FingerprintGranularity rounds the absolute time instants folded into
	// a cache fingerprint down to the nearest multiple of this duration, so
	// two calls issued close together within the same bucket hit the same
	// cache entry. Zero disables rounding: instants hash at second
	// resolution.
	FingerprintGranularity time.Duration
}

// Orchestrator runs a tool handler through the fixed crosscutting pipeline.
type Orchestrator struct {
	cfg Config
}

// New builds an Orchestrator from cfg. A nil RateLimiter, Cache, Guardrail,
// Metrics, or RecentActions disables that stage.
func New(cfg Config) *Orchestrator {
	if cfg.CacheableTools == nil {
		cfg.CacheableTools = map[string]bool{}
	}
	if cfg.GuardrailedTools == nil {
		cfg.GuardrailedTools = map[string]bool{}
	}
	return &Orchestrator{cfg: cfg}
}

// Request describes a single tool invocation to run through the pipeline.
type Request struct {
	Tool       string
	Identity   string
	RequestID  string
	TenantID   string
	Params     any
	QueryText  string
	RangeSpan  time.Duration
	Guardrails func() ([]GuardrailQuery, error)
	Handler    func(ctx context.Context) (any, error)

	// ResponseMode distinguishes cacheable results shaped differently for
	// the same underlying query (e.g. raw vs summary), so they don't
	// collide in the fingerprint cache.
	ResponseMode string

	// CacheKeyRanges carries the absolute (start, end) instants a
	// cacheable tool resolved its relative time arguments to. Most tools
	// supply one pair; loki_compare_ranges supplies two (baseline and
	// compare). Fed into fingerprintFor instead of the raw request
	// params, which may still hold relative expressions like "-1h".
	CacheKeyRanges [][2]time.Time
}

// Execute runs req through rate limiting, cache lookup, guardrail
// evaluation, and dispatch, in that fixed order, and records the terminal
// outcome to metrics and the recent-actions store.
func (o *Orchestrator) Execute(ctx context.Context, req Request) (any, error) {
	started := time.Now()

	if o.cfg.RateLimiter != nil && !o.cfg.RateLimiter.Allow(req.Tool, req.Identity) {
		if o.cfg.Metrics != nil {
			o.cfg.Metrics.IncToolRateLimited(req.Tool)
		}
		err := NewError(OutcomeRateLimited, fmt.Errorf("rate limit exceeded for tool %q", req.Tool))
		o.finish(req, started, err)
		return nil, err
	}

	cacheable := o.cfg.Cache != nil && o.cfg.Cache.Enabled() && o.cfg.CacheableTools[req.Tool] &&
		(o.cfg.SkipCacheIfShorter <= 0 || req.RangeSpan == 0 || req.RangeSpan >= o.cfg.SkipCacheIfShorter)

	run := func(ctx context.Context) (any, error) {
		if o.cfg.Guardrail != nil && o.cfg.GuardrailedTools[req.Tool] && req.Guardrails != nil {
			if err := o.checkGuardrails(ctx, req); err != nil {
				return nil, err
			}
		}
		return req.Handler(ctx)
	}

	var body any
	var err error

	if cacheable {
		fingerprint := fingerprintFor(req.Tool, req.TenantID, req.CacheKeyRanges, o.cfg.FingerprintGranularity, req.Params, req.ResponseMode)
		if _, hit := o.cfg.Cache.Get(fingerprint); hit && o.cfg.Metrics != nil {
			o.cfg.Metrics.IncToolCache(req.Tool, "hit")
		} else if o.cfg.Metrics != nil {
			o.cfg.Metrics.IncToolCache(req.Tool, "miss")
		}

		var artifact cache.Artifact
		artifact, err = o.cfg.Cache.Compute(ctx, fingerprint, func(ctx context.Context) (cache.Artifact, error) {
			result, err := run(ctx)
			if err != nil {
				return cache.Artifact{}, err
			}
			return cache.Artifact{Body: result, CreatedAt: started, BackendLatency: time.Since(started)}, nil
		})
		body = artifact.Body
	} else {
		body, err = run(ctx)
	}

	if err != nil {
		perr := classify(err)
		if perr.Outcome == OutcomeBackendError && cacheable {
			o.cfg.Cache.NotifyBackendError()
		}
		o.finish(req, started, perr)
		return nil, perr
	}

	o.finish(req, started, nil)
	return body, nil
}

func (o *Orchestrator) checkGuardrails(ctx context.Context, req Request) error {
	queries, err := req.Guardrails()
	if err != nil {
		return NewError(OutcomeValidationError, err)
	}

	for _, gq := range queries {
		for _, span := range gq.Ranges {
			result, err := o.cfg.Guardrail.Evaluate(ctx, req.Tool, gq.Query, span[0], span[1])
			if err != nil {
				return NewError(OutcomeBackendError, err)
			}

			switch result.Decision {
			case guardrail.DecisionAllow:
				continue
			case guardrail.DecisionRejectMissing:
				if o.cfg.Metrics != nil {
					o.cfg.Metrics.IncGuardrailRejection(req.Tool)
				}
				return NewError(OutcomeGuardrailUnavailable, fmt.Errorf(
					"guardrail pre-check unavailable for this query and range; narrow the query or use a shorter range"))
			default:
				if o.cfg.Metrics != nil {
					o.cfg.Metrics.IncGuardrailRejection(req.Tool)
				}
				return NewError(OutcomeGuardrailRejected, fmt.Errorf(
					"query rejected by guardrail: estimated bytes=%d streams=%d",
					result.Estimate.Bytes, result.Estimate.Streams))
			}
		}
	}

	return nil
}

func classify(err error) *Error {
	var perr *Error
	switch {
	case errors.As(err, &perr):
		return perr
	case errors.Is(err, context.DeadlineExceeded):
		return NewError(OutcomeTimeout, err)
	default:
		var timeoutErr interface{ Timeout() bool }
		if errors.As(err, &timeoutErr) && timeoutErr.Timeout() {
			return NewError(OutcomeTimeout, err)
		}
		return NewError(OutcomeBackendError, err)
	}
}

func (o *Orchestrator) finish(req Request, started time.Time, err *Error) {
	var errClass, errText string
	recentOutcome := recentactions.OutcomeSuccess
	metricOutcome := string(OutcomeSuccess)

	if err != nil {
		errText = err.Error()
		metricOutcome = string(err.Outcome)
		switch err.Outcome {
		case OutcomeRateLimited:
			errClass = "rate_limited"
			recentOutcome = recentactions.OutcomeRateLimited
		case OutcomeGuardrailRejected:
			errClass = "guardrail"
			recentOutcome = recentactions.OutcomeGuardrailReject
		case OutcomeGuardrailUnavailable:
			errClass = "guardrail"
			recentOutcome = recentactions.OutcomeGuardrailUnavailable
		case OutcomeInvalidTool:
			errClass = "invalid_tool"
			recentOutcome = recentactions.OutcomeInvalidTool
		case OutcomeValidationError:
			errClass = "validation_error"
			recentOutcome = recentactions.OutcomeValidationError
		case OutcomeBackendError:
			errClass = "backend_error"
			recentOutcome = recentactions.OutcomeBackendError
		case OutcomeTimeout:
			errClass = "timeout"
			recentOutcome = recentactions.OutcomeTimeout
		default:
			errClass = "tool_error"
			recentOutcome = recentactions.OutcomeError
		}
	}

	if o.cfg.Metrics != nil {
		o.cfg.Metrics.IncToolCall(req.Tool, metricOutcome)
	}

	if o.cfg.RecentActions != nil {
		o.cfg.RecentActions.Record(recentactions.Input{
			RequestID:    req.RequestID,
			Tool:         req.Tool,
			Outcome:      recentOutcome,
			DurationMS:   time.Since(started).Milliseconds(),
			IdentityHash: hashIdentity(req.Identity),
			TenantID:     req.TenantID,
			Query:        req.QueryText,
			ErrorClass:   errClass,
			Error:        errText,
		})
	}
}

// fingerprintFor derives a stable cache key from a tool name, tenant id,
// the absolute time ranges the call resolved to (rounded to granularity),
// the canonicalized (key-sorted) JSON parameters, and the response mode.
// Rounding the resolved ranges rather than hashing the raw params means two
// calls issued with the same relative expression (e.g. start="-1h") a few
// seconds apart share a cache entry, while calls far enough apart to land
// in different buckets don't; mixing in tenant id keeps tenants sharing a
// server from colliding on the same entry.
func fingerprintFor(tool, tenantID string, ranges [][2]time.Time, granularity time.Duration, params any, responseMode string) string {
	roundedRanges := make([][2]int64, len(ranges))
	for i, r := range ranges {
		roundedRanges[i] = [2]int64{roundInstant(r[0], granularity), roundInstant(r[1], granularity)}
	}

	payload := struct {
		Tool         string     `json:"tool"`
		TenantID     string     `json:"tenant_id"`
		Ranges       [][2]int64 `json:"ranges,omitempty"`
		Params       any        `json:"params"`
		ResponseMode string     `json:"response_mode,omitempty"`
	}{
		Tool:         tool,
		TenantID:     tenantID,
		Ranges:       roundedRanges,
		Params:       canonicalize(params),
		ResponseMode: responseMode,
	}

	encoded, _ := json.Marshal(payload)
	sum := sha256.Sum256(encoded)
	return hex.EncodeToString(sum[:])
}

// roundInstant truncates t to the nearest granularity boundary in UTC and
// returns its Unix timestamp. A non-positive granularity disables rounding.
func roundInstant(t time.Time, granularity time.Duration) int64 {
	if t.IsZero() {
		return 0
	}
	if granularity <= 0 {
		return t.UTC().Unix()
	}
	return t.UTC().Truncate(granularity).Unix()
}

func canonicalize(value any) any {
	raw, err := json.Marshal(value)
	if err != nil {
		return value
	}
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return value
	}
	return canonicalizeValue(decoded)
}

func canonicalizeValue(value any) any {
	switch v := value.(type) {
	case map[string]any:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make(map[string]any, len(v))
		for _, k := range keys {
			out[k] = canonicalizeValue(v[k])
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = canonicalizeValue(item)
		}
		return out
	default:
		return v
	}
}

// HashIdentity exposes the identity-hashing scheme used for recent-action
// records to callers outside this package.
func HashIdentity(identity string) string { return hashIdentity(identity) }

func hashIdentity(identity string) string {
	sum := sha256.Sum256([]byte(identity))
	return hex.EncodeToString(sum[:8])
}
