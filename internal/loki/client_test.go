package loki

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func timeMustParse(t *testing.T, value string) time.Time {
	t.Helper()
	parsed, err := time.Parse(time.RFC3339, value)
	require.NoError(t, err)
	return parsed
}

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := NewClient(ClientOptions{BaseURL: server.URL, TenantID: "tenant-a"})
	require.NoError(t, err)
	return client
}

func TestLabelsSendsTenantHeaderAndDecodesResponse(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/loki/api/v1/labels", r.URL.Path)
		assert.Equal(t, "tenant-a", r.Header.Get("X-Scope-OrgID"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"success","data":["app","namespace"]}`))
	})

	labels, err := client.Labels(t.Context(), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"app", "namespace"}, labels)
}

func TestLabelValuesRejectsInvalidLabelName(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("request should not reach the backend for an invalid label name")
	})

	_, err := client.LabelValues(t.Context(), "bad label!", nil, nil, "")
	require.Error(t, err)
}

func TestQueryRangeReturnsBackendErrorOnNon2xx(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("boom"))
	})

	_, err := client.QueryRange(t.Context(), `{app="x"}`, nil, nil, 0, "", "")
	require.Error(t, err)
	var backendErr *BackendError
	require.ErrorAs(t, err, &backendErr)
	assert.Equal(t, http.StatusInternalServerError, backendErr.StatusCode)
}

func TestQueryRangeReturnsErrorOnPartialFailureStatus(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"error","errorType":"bad_data","error":"parse error"}`))
	})

	_, err := client.QueryRange(t.Context(), `{app="x"}`, nil, nil, 0, "", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse error")
}

func TestCheckHealthFallsBackToBuildInfoOn404(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ready":
			w.WriteHeader(http.StatusNotFound)
		case "/loki/api/v1/status/buildinfo":
			w.Write([]byte(`{"version":"3.0.0","revision":"abc","goVersion":"go1.22"}`))
		case "/distributor/ring":
			w.WriteHeader(http.StatusNotFound)
		default:
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
	})

	health, err := client.CheckHealth(t.Context())
	require.NoError(t, err)
	assert.True(t, health.Healthy)
	require.NotNil(t, health.BuildInfo)
	assert.Equal(t, "3.0.0", health.BuildInfo.Version)
	assert.False(t, health.RingReachable)
}

func TestCheckHealthReportsRingReachability(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ready":
			w.WriteHeader(http.StatusOK)
		case "/distributor/ring":
			w.WriteHeader(http.StatusOK)
		default:
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
	})

	health, err := client.CheckHealth(t.Context())
	require.NoError(t, err)
	assert.True(t, health.Healthy)
	assert.True(t, health.RingReachable)
}

func TestQueryStatsPopulatesStreamsMatchedFromResultLength(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"success","data":{"resultType":"streams","result":[{"stream":{"app":"x"},"values":[["1","a"]]},{"stream":{"app":"y"},"values":[["2","b"]]}],"stats":{"summary":{"totalBytesProcessed":1024,"totalLinesProcessed":2}}}}`))
	})

	stats, err := client.QueryStats(t.Context(), `{app=~".+"}`, timeMustParse(t, "2024-01-01T00:00:00Z"), timeMustParse(t, "2024-01-01T01:00:00Z"))
	require.NoError(t, err)
	assert.Equal(t, int64(1024), stats.BytesProcessed)
	assert.Equal(t, int64(2), stats.LinesProcessed)
	assert.Equal(t, int64(2), stats.StreamsMatched)
}
