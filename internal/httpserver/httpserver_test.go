package httpserver

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/czembower/loki-mcp/internal/loki"
	"github.com/czembower/loki-mcp/internal/metrics"
	"github.com/czembower/loki-mcp/internal/recentactions"
	"github.com/czembower/loki-mcp/internal/reqctx"
)

func newTestServer(t *testing.T, lokiHandler http.HandlerFunc) *Server {
	t.Helper()
	backend := httptest.NewServer(lokiHandler)
	t.Cleanup(backend.Close)

	client, err := loki.NewClient(loki.ClientOptions{BaseURL: backend.URL})
	require.NoError(t, err)

	reg, err := metrics.New("loki_mcp_test")
	require.NoError(t, err)

	actions := recentactions.New(10, 0, true, true)
	mcpServer := mcp.NewServer(&mcp.Implementation{Name: "loki-mcp-test", Version: "test"}, nil)

	return New("X-Identity", "tenant-a", client, reg, actions, mcpServer)
}

func TestHealthzAlwaysReturnsOK(t *testing.T) {
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {})
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestReadyzReflectsBackendHealth(t *testing.T) {
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestReadyzReportsUnavailableOnBackendFailure(t *testing.T) {
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestRecentActionsEndpointReturnsRecordedActions(t *testing.T) {
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {})
	srv.recentActions.Record(recentactions.Input{Tool: "loki_health", Outcome: recentactions.OutcomeSuccess})

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/recent-actions", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "loki_health")
}

func TestRequestContextAssignsRequestID(t *testing.T) {
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {})
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.NotEmpty(t, rec.Header().Get("X-Request-Id"))
}

func TestRequestContextEchoesInboundRequestID(t *testing.T) {
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {})
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-Id", "caller-supplied-id")
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, "caller-supplied-id", rec.Header().Get("X-Request-Id"))
}

func TestRequestContextRequestIDsAreMonotonic(t *testing.T) {
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {})

	rec1 := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec1, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	rec2 := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec2, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assert.NotEqual(t, rec1.Header().Get("X-Request-Id"), rec2.Header().Get("X-Request-Id"))

	var seq1, seq2 uint64
	_, err := fmt.Sscanf(rec1.Header().Get("X-Request-Id"), "req-%d", &seq1)
	require.NoError(t, err)
	_, err = fmt.Sscanf(rec2.Header().Get("X-Request-Id"), "req-%d", &seq2)
	require.NoError(t, err)
	assert.Greater(t, seq2, seq1)
}

func TestRequestContextStampsTenantID(t *testing.T) {
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {})

	var got string
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = reqctx.TenantID(r.Context())
	})

	rec := httptest.NewRecorder()
	srv.requestContext(inner).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, "tenant-a", got)
}

func TestResolveIdentityFallsBackToForwardedForThenRemoteAddr(t *testing.T) {
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {})

	withForwarded := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	withForwarded.Header.Set("X-Forwarded-For", "203.0.113.5, 10.0.0.1")
	assert.Equal(t, "203.0.113.5", srv.resolveIdentity(withForwarded))

	remoteOnly := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	remoteOnly.RemoteAddr = "198.51.100.9:4321"
	assert.Equal(t, "198.51.100.9:4321", srv.resolveIdentity(remoteOnly))

	withHeader := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	withHeader.Header.Set("X-Identity", "svc-account")
	withHeader.Header.Set("X-Forwarded-For", "203.0.113.5")
	assert.Equal(t, "svc-account", srv.resolveIdentity(withHeader))
}

func TestMetricsEndpointExposesPrometheusFormat(t *testing.T) {
	srv := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {})
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "loki_mcp_test_http_requests_total")
}
