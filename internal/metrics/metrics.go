// Package metrics wires the mediation pipeline's counter families into a
// Prometheus registry, grounded on the same metric families and label sets
// the reference implementation exposes through the real Rust prometheus
// crate. This repository uses the real Go client library rather than a
// hand-rolled exposition-format writer for the same reason: the source
// material for this component genuinely depends on a Prometheus library.
package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds every counter family the mediation pipeline emits, all
// under a configurable name prefix.
type Registry struct {
	registry *prometheus.Registry

	httpRequestsTotal       prometheus.Counter
	toolCallsTotal          *prometheus.CounterVec
	toolCacheTotal          *prometheus.CounterVec
	toolGuardrailRejections *prometheus.CounterVec
	toolRateLimitedTotal    *prometheus.CounterVec
	readinessCacheTotal     *prometheus.CounterVec
}

// New builds a Registry with every counter family registered under prefix.
func New(prefix string) (*Registry, error) {
	if prefix == "" {
		prefix = "loki_mcp"
	}

	reg := prometheus.NewRegistry()

	r := &Registry{
		registry: reg,
		httpRequestsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: fmt.Sprintf("%s_http_requests_total", prefix),
			Help: "Total number of HTTP requests received.",
		}),
		toolCallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: fmt.Sprintf("%s_tool_calls_total", prefix),
			Help: "Total number of MCP tool calls by tool and outcome.",
		}, []string{"tool", "outcome"}),
		toolCacheTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: fmt.Sprintf("%s_tool_cache_total", prefix),
			Help: "Total number of fingerprint cache lookups by tool and result.",
		}, []string{"tool", "result"}),
		toolGuardrailRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: fmt.Sprintf("%s_tool_guardrail_rejections_total", prefix),
			Help: "Total number of guardrail rejections by tool.",
		}, []string{"tool"}),
		toolRateLimitedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: fmt.Sprintf("%s_tool_rate_limited_total", prefix),
			Help: "Total number of rate-limited tool calls by tool.",
		}, []string{"tool"}),
		readinessCacheTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: fmt.Sprintf("%s_readiness_cache_total", prefix),
			Help: "Total number of readiness probes served by cache result.",
		}, []string{"result"}),
	}

	collectors := []prometheus.Collector{
		r.httpRequestsTotal,
		r.toolCallsTotal,
		r.toolCacheTotal,
		r.toolGuardrailRejections,
		r.toolRateLimitedTotal,
		r.readinessCacheTotal,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("metrics: registering collector: %w", err)
		}
	}

	return r, nil
}

func (r *Registry) IncHTTPRequests()                 { r.httpRequestsTotal.Inc() }
func (r *Registry) IncToolCall(tool, outcome string) { r.toolCallsTotal.WithLabelValues(tool, outcome).Inc() }
func (r *Registry) IncToolCache(tool, result string) { r.toolCacheTotal.WithLabelValues(tool, result).Inc() }
func (r *Registry) IncGuardrailRejection(tool string) {
	r.toolGuardrailRejections.WithLabelValues(tool).Inc()
}
func (r *Registry) IncToolRateLimited(tool string) { r.toolRateLimitedTotal.WithLabelValues(tool).Inc() }
func (r *Registry) IncReadinessCacheHit()           { r.readinessCacheTotal.WithLabelValues("hit").Inc() }
func (r *Registry) IncReadinessCacheMiss()          { r.readinessCacheTotal.WithLabelValues("miss").Inc() }

// Handler returns the net/http handler that renders the registry in the
// Prometheus text exposition format, for mounting at /metrics.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}
