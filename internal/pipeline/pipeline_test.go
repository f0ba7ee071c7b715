package pipeline

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/czembower/loki-mcp/internal/cache"
	"github.com/czembower/loki-mcp/internal/guardrail"
	"github.com/czembower/loki-mcp/internal/metrics"
	"github.com/czembower/loki-mcp/internal/ratelimit"
	"github.com/czembower/loki-mcp/internal/recentactions"
)

func TestExecuteReturnsHandlerResultOnSuccess(t *testing.T) {
	o := New(Config{})
	result, err := o.Execute(context.Background(), Request{
		Tool:     "loki_query_logs",
		Identity: "user-a",
		Handler:  func(ctx context.Context) (any, error) { return "ok", nil },
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", result)
}

func TestExecuteRejectsWhenRateLimited(t *testing.T) {
	limiter := ratelimit.New(ratelimit.Config{RPS: 0.0001, Burst: 1})
	defer limiter.Close()

	o := New(Config{RateLimiter: limiter})
	req := Request{
		Tool:     "loki_query_logs",
		Identity: "user-a",
		Handler:  func(ctx context.Context) (any, error) { return "ok", nil },
	}

	_, err := o.Execute(context.Background(), req)
	require.NoError(t, err)

	_, err = o.Execute(context.Background(), req)
	var perr *Error
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, OutcomeRateLimited, perr.Outcome)
	assert.Equal(t, 429, HTTPStatus(perr.Outcome))
}

func TestExecuteIncrementsRateLimitedMetricOnRejection(t *testing.T) {
	limiter := ratelimit.New(ratelimit.Config{RPS: 0.0001, Burst: 1})
	defer limiter.Close()

	reg, err := metrics.New("test_pipeline")
	require.NoError(t, err)

	o := New(Config{RateLimiter: limiter, Metrics: reg})
	req := Request{
		Tool:     "loki_query_logs",
		Identity: "user-a",
		Handler:  func(ctx context.Context) (any, error) { return "ok", nil },
	}

	_, err = o.Execute(context.Background(), req)
	require.NoError(t, err)

	_, err = o.Execute(context.Background(), req)
	require.Error(t, err)

	rec := httptest.NewRecorder()
	reg.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Contains(t, rec.Body.String(), `test_pipeline_tool_rate_limited_total{tool="loki_query_logs"} 1`)
}

func TestExecuteCachesSuccessfulResults(t *testing.T) {
	c := cache.New(cache.Config{Capacity: 10, TTL: time.Minute})
	o := New(Config{Cache: c, CacheableTools: map[string]bool{"loki_query_logs": true}})

	calls := 0
	handler := func(ctx context.Context) (any, error) {
		calls++
		return "result", nil
	}

	for i := 0; i < 3; i++ {
		result, err := o.Execute(context.Background(), Request{
			Tool:     "loki_query_logs",
			Identity: "user-a",
			Params:   map[string]any{"query": `{app="x"}`},
			Handler:  handler,
		})
		require.NoError(t, err)
		assert.Equal(t, "result", result)
	}

	assert.Equal(t, 1, calls)
}

func TestExecuteRejectsOnGuardrailBreach(t *testing.T) {
	indexStats := func(ctx context.Context, query string, start, end time.Time) (guardrail.Estimate, error) {
		return guardrail.Estimate{Bytes: 999_999_999, Streams: 100, Source: guardrail.SourceIndexStats}, nil
	}
	eval := guardrail.New(guardrail.Config{MaxBytesScanned: 1000, PrecheckEnabled: true}, indexStats, nil)

	o := New(Config{Guardrail: eval, GuardrailedTools: map[string]bool{"loki_query_logs": true}})

	now := time.Now()
	_, err := o.Execute(context.Background(), Request{
		Tool:     "loki_query_logs",
		Identity: "user-a",
		Guardrails: func() ([]GuardrailQuery, error) {
			return []GuardrailQuery{{Query: `{app="x"}`, Ranges: [][2]time.Time{{now.Add(-time.Hour), now}}}}, nil
		},
		Handler: func(ctx context.Context) (any, error) { return "unreachable", nil },
	})

	var perr *Error
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, OutcomeGuardrailRejected, perr.Outcome)
	assert.Equal(t, 422, HTTPStatus(perr.Outcome))
}

func TestFingerprintForIsStableAcrossKeyOrder(t *testing.T) {
	first := map[string]any{"b": 2, "a": map[string]any{"z": 1, "m": 3}}
	second := map[string]any{"a": map[string]any{"m": 3, "z": 1}, "b": 2}

	assert.Equal(t,
		fingerprintFor("loki_query_logs", "tenant-a", nil, 0, first, "raw"),
		fingerprintFor("loki_query_logs", "tenant-a", nil, 0, second, "raw"))
}

func TestFingerprintForDiffersByTenant(t *testing.T) {
	params := map[string]any{"query": `{app="x"}`}
	assert.NotEqual(t,
		fingerprintFor("loki_query_logs", "tenant-a", nil, 0, params, "raw"),
		fingerprintFor("loki_query_logs", "tenant-b", nil, 0, params, "raw"))
}

func TestFingerprintForRoundsRangesToGranularity(t *testing.T) {
	params := map[string]any{"query": `{app="x"}`}
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	withinBucket := [][2]time.Time{{base, base.Add(20 * time.Second)}}
	sameBucket := [][2]time.Time{{base.Add(10 * time.Second), base.Add(25 * time.Second)}}
	differentBucket := [][2]time.Time{{base.Add(2 * time.Minute), base.Add(2*time.Minute + 20*time.Second)}}

	granularity := time.Minute
	assert.Equal(t,
		fingerprintFor("loki_query_logs", "tenant-a", withinBucket, granularity, params, "raw"),
		fingerprintFor("loki_query_logs", "tenant-a", sameBucket, granularity, params, "raw"))
	assert.NotEqual(t,
		fingerprintFor("loki_query_logs", "tenant-a", withinBucket, granularity, params, "raw"),
		fingerprintFor("loki_query_logs", "tenant-a", differentBucket, granularity, params, "raw"))
}

func TestFingerprintForDiffersByResponseMode(t *testing.T) {
	params := map[string]any{"query": `{app="x"}`}
	assert.NotEqual(t,
		fingerprintFor("loki_query_logs", "tenant-a", nil, 0, params, "raw"),
		fingerprintFor("loki_query_logs", "tenant-a", nil, 0, params, "summary"))
}

func TestFinishRecordsDistinctOutcomesForBackendValidationAndTimeoutErrors(t *testing.T) {
	cases := []struct {
		name         string
		err          error
		wantRecent   recentactions.Outcome
		wantMetric   string
	}{
		{"backend", NewError(OutcomeBackendError, errors.New("backend boom")), recentactions.OutcomeBackendError, "backend_error"},
		{"validation", NewError(OutcomeValidationError, errors.New("bad args")), recentactions.OutcomeValidationError, "validation_error"},
		{"timeout", NewError(OutcomeTimeout, errors.New("deadline exceeded")), recentactions.OutcomeTimeout, "timeout"},
		{"guardrail_unavailable", NewError(OutcomeGuardrailUnavailable, errors.New("precheck unavailable")), recentactions.OutcomeGuardrailUnavailable, "guardrail_unavailable"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			reg, err := metrics.New("test_pipeline_" + tc.name)
			require.NoError(t, err)
			actions := recentactions.New(10, 0, true, true)

			o := New(Config{Metrics: reg, RecentActions: actions})
			var perr *Error
			require.True(t, errors.As(tc.err, &perr))
			o.finish(Request{Tool: "loki_query_logs"}, time.Now(), perr)

			recorded := actions.List(1)
			require.Len(t, recorded, 1)
			assert.Equal(t, tc.wantRecent, recorded[0].Outcome)

			rec := httptest.NewRecorder()
			reg.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
			assert.Contains(t, rec.Body.String(), `outcome="`+tc.wantMetric+`"`)
		})
	}
}
