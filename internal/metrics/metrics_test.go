package metrics

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRegistersAllFamiliesUnderPrefix(t *testing.T) {
	r, err := New("test_prefix")
	require.NoError(t, err)

	r.IncHTTPRequests()
	r.IncToolCall("loki_query_logs", "success")
	r.IncToolCache("loki_query_logs", "hit")
	r.IncGuardrailRejection("loki_query_logs")
	r.IncToolRateLimited("loki_query_logs")
	r.IncReadinessCacheHit()
	r.IncReadinessCacheMiss()

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, req)

	body := rec.Body.String()
	assert.Contains(t, body, "test_prefix_http_requests_total 1")
	assert.Contains(t, body, `test_prefix_tool_calls_total{outcome="success",tool="loki_query_logs"} 1`)
	assert.Contains(t, body, `test_prefix_tool_cache_total{result="hit",tool="loki_query_logs"} 1`)
	assert.Contains(t, body, `test_prefix_tool_guardrail_rejections_total{tool="loki_query_logs"} 1`)
	assert.Contains(t, body, `test_prefix_tool_rate_limited_total{tool="loki_query_logs"} 1`)
	assert.Contains(t, body, `test_prefix_readiness_cache_total{result="hit"} 1`)
	assert.Contains(t, body, `test_prefix_readiness_cache_total{result="miss"} 1`)
}

func TestNewDefaultsPrefixWhenEmpty(t *testing.T) {
	r, err := New("")
	require.NoError(t, err)
	r.IncHTTPRequests()

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, req)

	assert.Contains(t, rec.Body.String(), "loki_mcp_http_requests_total 1")
}
