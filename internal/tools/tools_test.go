package tools

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/czembower/loki-mcp/internal/config"
	"github.com/czembower/loki-mcp/internal/guardrail"
	"github.com/czembower/loki-mcp/internal/loki"
	"github.com/czembower/loki-mcp/internal/pipeline"
	"github.com/czembower/loki-mcp/internal/recentactions"
)

// newTestService wires a Service against a fake Loki HTTP backend and a
// pass-through pipeline (no rate limiting, caching, or guardrails), the
// same minimal wiring the reference tool functions assume when called
// directly against a LokiClient.
func newTestService(t *testing.T, handler http.HandlerFunc) *Service {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := loki.NewClient(loki.ClientOptions{BaseURL: server.URL})
	require.NoError(t, err)

	cfg := config.Default()
	cfg.SavedQueries = []config.SavedQuery{
		{Name: "checkout-errors", Description: "checkout error logs", Query: `{app="checkout"} |= "error"`, Range: "-1h"},
	}

	actions := recentactions.New(10, 0, true, true)
	orchestrator := pipeline.New(pipeline.Config{RecentActions: actions})

	svc, err := NewService(cfg, client, orchestrator, actions)
	require.NoError(t, err)
	return svc
}

func TestDescribeSchemaReturnsConfiguredSchema(t *testing.T) {
	svc := newTestService(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("describe_schema should not call the backend")
	})

	result, err := svc.describeSchema(t.Context(), "user-a", "req-1", "tenant-a", DescribeSchemaArgs{})
	require.NoError(t, err)

	body := result.(map[string]any)
	saved := body["saved_queries"].([]config.SavedQuery)
	require.Len(t, saved, 1)
	assert.Equal(t, "checkout-errors", saved[0].Name)
}

func TestListLabelsRejectsInvertedRange(t *testing.T) {
	svc := newTestService(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("list_labels should not call the backend when validation fails")
	})

	_, err := svc.listLabels(t.Context(), "user-a", "req-1", "tenant-a", ListLabelsArgs{
		Start: "2024-01-02T00:00:00Z",
		End:   "2024-01-01T00:00:00Z",
	})
	require.Error(t, err)
	var perr *pipeline.Error
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, pipeline.OutcomeValidationError, perr.Outcome)
}

func TestListLabelValuesRequiresLabel(t *testing.T) {
	svc := newTestService(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("list_label_values should not call the backend without a label")
	})

	_, err := svc.listLabelValues(t.Context(), "user-a", "req-1", "tenant-a", LabelValuesArgs{})
	require.Error(t, err)
}

func TestQueryLogsShapesResultAndEchoesQuery(t *testing.T) {
	svc := newTestService(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/loki/api/v1/query_range", r.URL.Path)
		w.Write([]byte(`{"status":"success","data":{"resultType":"streams","result":[{"stream":{"app":"checkout"},"values":[["1700000000000000000","boom"]]}]}}`))
	})

	result, err := svc.queryLogs(t.Context(), "user-a", "req-1", "tenant-a", QueryLogsArgs{Query: `{app="checkout"}`})
	require.NoError(t, err)

	body := result.(map[string]any)
	assert.Equal(t, `{app="checkout"}`, body["query"])
	assert.Equal(t, "raw", body["response_mode"])
}

func TestQueryLogsRejectsEmptyQuery(t *testing.T) {
	svc := newTestService(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("query_logs should not call the backend for an empty query")
	})

	_, err := svc.queryLogs(t.Context(), "user-a", "req-1", "tenant-a", QueryLogsArgs{Query: "  "})
	require.Error(t, err)
}

func TestBuildQueryAssemblesSelectorAndFilters(t *testing.T) {
	var seenQuery string
	svc := newTestService(t, func(w http.ResponseWriter, r *http.Request) {
		seenQuery = r.URL.Query().Get("query")
		w.Write([]byte(`{"status":"success","data":{"resultType":"streams","result":[]}}`))
	})

	_, err := svc.buildQuery(t.Context(), "user-a", "req-1", "tenant-a", BuildQueryArgs{
		Labels:     map[string]string{"app": "checkout"},
		LineFilter: `timeout`,
	})
	require.NoError(t, err)
	assert.Equal(t, `{app="checkout"} |= "timeout"`, seenQuery)
}

func TestBuildQueryRejectsUnsupportedAggregation(t *testing.T) {
	svc := newTestService(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("build_query should not call the backend for an invalid aggregation")
	})

	_, err := svc.buildQuery(t.Context(), "user-a", "req-1", "tenant-a", BuildQueryArgs{
		Labels:      map[string]string{"app": "checkout"},
		Aggregation: "sum_over_time",
	})
	require.Error(t, err)
}

func TestTailRequiresNonEmptyLabels(t *testing.T) {
	svc := newTestService(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("tail should not call the backend without labels")
	})

	_, err := svc.tail(t.Context(), "user-a", "req-1", "tenant-a", TailArgs{})
	require.Error(t, err)
}

func TestRunSavedQueryUsesConfiguredQueryAndRange(t *testing.T) {
	var seenQuery string
	svc := newTestService(t, func(w http.ResponseWriter, r *http.Request) {
		seenQuery = r.URL.Query().Get("query")
		w.Write([]byte(`{"status":"success","data":{"resultType":"streams","result":[]}}`))
	})

	result, err := svc.runSavedQuery(t.Context(), "user-a", "req-1", "tenant-a", RunSavedQueryArgs{Name: "checkout-errors"})
	require.NoError(t, err)
	assert.Equal(t, `{app="checkout"} |= "error"`, seenQuery)

	body := result.(map[string]any)
	assert.Equal(t, "checkout-errors", body["name"])
}

func TestRunSavedQueryRejectsUnknownName(t *testing.T) {
	svc := newTestService(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("run_saved_query should not call the backend for an unknown name")
	})

	_, err := svc.runSavedQuery(t.Context(), "user-a", "req-1", "tenant-a", RunSavedQueryArgs{Name: "does-not-exist"})
	require.Error(t, err)
}

func TestCompareRangesComputesLineCountDelta(t *testing.T) {
	calls := 0
	svc := newTestService(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.Write([]byte(`{"status":"success","data":{"resultType":"streams","result":[{"stream":{},"values":[["1","a"],["2","b"]]}]}}`))
			return
		}
		w.Write([]byte(`{"status":"success","data":{"resultType":"streams","result":[{"stream":{},"values":[["1","a"]]}]}}`))
	})

	result, err := svc.compareRanges(t.Context(), "user-a", "req-1", "tenant-a", CompareRangesArgs{
		Query:         `{app="checkout"}`,
		BaselineStart: "-2h",
		BaselineEnd:   "-1h",
		CompareStart:  "-1h",
		CompareEnd:    "now",
	})
	require.NoError(t, err)

	body := result.(map[string]any)
	delta := body["delta"].(map[string]any)
	assert.Equal(t, int64(-1), delta["line_count"])
}

func TestQueryStatsIsGuardrailChecked(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("query_stats should not reach the backend when the guardrail rejects it")
	}))
	t.Cleanup(server.Close)

	client, err := loki.NewClient(loki.ClientOptions{BaseURL: server.URL})
	require.NoError(t, err)

	indexStats := func(ctx context.Context, query string, start, end time.Time) (guardrail.Estimate, error) {
		return guardrail.Estimate{Bytes: 999_999_999, Streams: 100, Source: guardrail.SourceIndexStats}, nil
	}
	eval := guardrail.New(guardrail.Config{MaxBytesScanned: 1000, PrecheckEnabled: true}, indexStats, nil)

	orchestrator := pipeline.New(pipeline.Config{
		Guardrail:        eval,
		GuardrailedTools: map[string]bool{"loki_query_stats": true},
	})
	actions := recentactions.New(10, 0, true, true)

	svc, err := NewService(config.Default(), client, orchestrator, actions)
	require.NoError(t, err)

	_, err = svc.queryStats(t.Context(), "user-a", "req-1", "tenant-a", QueryStatsArgs{Query: `{app="checkout"}`})
	require.Error(t, err)
	var perr *pipeline.Error
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, pipeline.OutcomeGuardrailRejected, perr.Outcome)
}

func TestHealthReportsBackendReadiness(t *testing.T) {
	svc := newTestService(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ready":
			w.WriteHeader(http.StatusOK)
		case "/distributor/ring":
			w.WriteHeader(http.StatusOK)
		default:
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
	})

	result, err := svc.health(t.Context(), "user-a", "req-1", "tenant-a", HealthArgs{})
	require.NoError(t, err)
	body := result.(map[string]any)
	assert.True(t, body["healthy"].(bool))
	assert.True(t, body["ring_reachable"].(bool))
}

func TestGetRecentActionsReturnsRecordedActions(t *testing.T) {
	svc := newTestService(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	svc.recentActions.Record(recentactions.Input{Tool: "loki_health", Outcome: recentactions.OutcomeSuccess})

	result, err := svc.getRecentActions(t.Context(), "user-a", "req-1", "tenant-a", GetRecentActionsArgs{})
	require.NoError(t, err)

	body := result.(map[string]any)
	actions := body["actions"].([]recentactions.Action)
	require.Len(t, actions, 1)
	assert.Equal(t, "loki_health", actions[0].Tool)
}

func TestQueryLogsRecordsTenantIDInRecentActions(t *testing.T) {
	svc := newTestService(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"success","data":{"resultType":"streams","result":[]}}`))
	})

	_, err := svc.queryLogs(t.Context(), "user-a", "req-1", "tenant-b", QueryLogsArgs{Query: `{app="checkout"}`})
	require.NoError(t, err)

	actions := svc.recentActions.List(1)
	require.Len(t, actions, 1)
	assert.Equal(t, "tenant-b", actions[0].TenantID)
}

func TestCallerInfoFallsBackToConfiguredTenantWhenContextCarriesNone(t *testing.T) {
	svc := newTestService(t, func(w http.ResponseWriter, r *http.Request) {})
	svc.cfg.Loki.TenantID = "configured-tenant"

	_, _, tenantID := svc.callerInfo(t.Context())
	assert.Equal(t, "configured-tenant", tenantID)
}

func TestListSavedQueriesReturnsConfiguredQueries(t *testing.T) {
	svc := newTestService(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("list_saved_queries should not call the backend")
	})

	result, err := svc.listSavedQueries(t.Context(), "user-a", "req-1", "tenant-a", ListSavedQueriesArgs{})
	require.NoError(t, err)
	body := result.(map[string]any)
	saved := body["saved_queries"].([]config.SavedQuery)
	require.Len(t, saved, 1)
}
