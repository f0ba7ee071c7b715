// Package httpserver exposes the server's HTTP surface: liveness and
// readiness probes, a Prometheus scrape endpoint, a debug endpoint over the
// recent-actions ring buffer, and the mounted MCP streamable-HTTP handler.
// A single middleware assigns each request an id, stamps caller identity
// into the request context, and counts the request in metrics.
package httpserver

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/czembower/loki-mcp/internal/loki"
	"github.com/czembower/loki-mcp/internal/metrics"
	"github.com/czembower/loki-mcp/internal/recentactions"
	"github.com/czembower/loki-mcp/internal/reqctx"
)

// requestSeq backs the process-local monotonic fallback for request ids
// when the caller doesn't supply its own; reset on process restart, which
// mirrors the reference implementation's plain incrementing counter.
var requestSeq uint64

func nextRequestID() string {
	return fmt.Sprintf("req-%d", atomic.AddUint64(&requestSeq, 1))
}

// readinessCacheTTL bounds how often a readyz call actually probes Loki;
// concurrent or rapid polling within the window replays the last result.
const readinessCacheTTL = 3 * time.Second

type cachedReadiness struct {
	observedAt time.Time
	status     int
	body       map[string]any
}

// Server bundles the dependencies the HTTP surface reads from.
type Server struct {
	identityHeader string
	tenantID       string
	lokiClient     *loki.Client
	metrics        *metrics.Registry
	recentActions  *recentactions.Store
	mcpHandler     http.Handler

	readyMu sync.Mutex
	ready   *cachedReadiness
}

// New builds a Server. mcpServer is mounted under /mcp via the go-sdk's
// streamable HTTP transport. tenantID is the Loki tenant this server
// instance is scoped to, stamped into every request's context so the
// pipeline's cache fingerprint partitions correctly across tenants.
func New(identityHeader, tenantID string, lokiClient *loki.Client, metricsRegistry *metrics.Registry, recentActions *recentactions.Store, mcpServer *mcp.Server) *Server {
	s := &Server{
		identityHeader: identityHeader,
		tenantID:       tenantID,
		lokiClient:     lokiClient,
		metrics:        metricsRegistry,
		recentActions:  recentActions,
	}
	s.mcpHandler = mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server {
		return mcpServer
	}, nil)
	return s
}

// Handler builds the routed, middleware-wrapped http.Handler for the
// server's full HTTP surface.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.healthz)
	mux.HandleFunc("GET /readyz", s.readyz)
	mux.Handle("GET /metrics", s.metrics.Handler())
	mux.HandleFunc("GET /debug/recent-actions", s.recentActionsEndpoint)
	mux.Handle("/mcp", s.mcpHandler)
	mux.Handle("/mcp/", http.StripPrefix("/mcp", s.mcpHandler))

	return s.requestContext(mux)
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if cached, ok := s.cachedReadiness(); ok {
		s.metrics.IncReadinessCacheHit()
		writeJSON(w, cached.status, cached.body)
		return
	}

	s.metrics.IncReadinessCacheMiss()

	resolved := cachedReadiness{observedAt: time.Now()}
	health, err := s.lokiClient.CheckHealth(r.Context())
	switch {
	case err != nil:
		resolved.status = http.StatusServiceUnavailable
		resolved.body = map[string]any{"status": "not_ready", "message": err.Error()}
	case health.Healthy:
		resolved.status = http.StatusOK
		resolved.body = map[string]any{"status": "ready", "ring_reachable": health.RingReachable}
	default:
		resolved.status = http.StatusServiceUnavailable
		resolved.body = map[string]any{"status": "not_ready", "message": health.Message}
	}

	s.readyMu.Lock()
	s.ready = &resolved
	s.readyMu.Unlock()

	writeJSON(w, resolved.status, resolved.body)
}

func (s *Server) cachedReadiness() (cachedReadiness, bool) {
	s.readyMu.Lock()
	defer s.readyMu.Unlock()

	if s.ready == nil || time.Since(s.ready.observedAt) > readinessCacheTTL {
		return cachedReadiness{}, false
	}
	return *s.ready, true
}

func (s *Server) recentActionsEndpoint(w http.ResponseWriter, r *http.Request) {
	if s.recentActions == nil {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "recent actions tracking is disabled"})
		return
	}

	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil {
			limit = parsed
		}
	}
	if limit < 1 {
		limit = 1
	}
	if limit > 1000 {
		limit = 1000
	}

	actions := s.recentActions.List(limit)
	writeJSON(w, http.StatusOK, map[string]any{"count": len(actions), "actions": actions})
}

// requestContext assigns a request id (echoing an inbound one if present),
// resolves the caller identity, counts the request, and echoes the request
// id back on the response.
func (s *Server) requestContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.metrics.IncHTTPRequests()

		requestID := r.Header.Get("X-Request-Id")
		if requestID == "" {
			requestID = r.Header.Get("x-request-id")
		}
		if requestID == "" {
			requestID = nextRequestID()
		}

		identity := s.resolveIdentity(r)

		ctx := reqctx.WithRequestID(r.Context(), requestID)
		ctx = reqctx.WithIdentity(ctx, identity)
		ctx = reqctx.WithTenantID(ctx, s.tenantID)

		w.Header().Set("X-Request-Id", requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// resolveIdentity applies the caller-identity fallback chain: the
// configured identity header, then the first hop of X-Forwarded-For, then
// the remote peer address.
func (s *Server) resolveIdentity(r *http.Request) string {
	if s.identityHeader != "" {
		if v := r.Header.Get(s.identityHeader); v != "" {
			return v
		}
	}

	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if hop := strings.TrimSpace(strings.SplitN(xff, ",", 2)[0]); hop != "" {
			return hop
		}
	}

	if r.RemoteAddr != "" {
		return r.RemoteAddr
	}

	return "anonymous"
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
