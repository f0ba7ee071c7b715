// Package loki provides a typed client over the subset of the Loki HTTP API
// this server mediates: label/series discovery, log and metric queries, cost
// estimation endpoints, pattern detection, and readiness probing.
package loki

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

const userAgent = "loki-mcp/1.0"

// ClientOptions configures a Client.
type ClientOptions struct {
	BaseURL    string
	TenantID   string
	Auth       Auth
	Timeout    time.Duration
	CACertPath string
}

// Client is a typed wrapper over the Loki HTTP API.
type Client struct {
	baseURL    string
	tenantID   string
	auth       Auth
	httpClient *http.Client
}

// NewClient builds a Client with a tuned transport, following the same
// connection-pool sizing rationale the teacher's client used, extended with
// optional CA certificate loading for TLS-terminated Loki deployments.
func NewClient(opts ClientOptions) (*Client, error) {
	if opts.BaseURL == "" {
		return nil, fmt.Errorf("loki client: base URL is required")
	}
	if _, err := url.Parse(opts.BaseURL); err != nil {
		return nil, fmt.Errorf("loki client: invalid base URL: %w", err)
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	transport := &http.Transport{
		MaxIdleConns:          20,
		MaxIdleConnsPerHost:   4,
		IdleConnTimeout:       30 * time.Second,
		ResponseHeaderTimeout: timeout,
		ExpectContinueTimeout: 1 * time.Second,
	}

	if opts.CACertPath != "" {
		pem, err := os.ReadFile(opts.CACertPath)
		if err != nil {
			return nil, fmt.Errorf("loki client: reading CA cert: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("loki client: no certificates found in %s", opts.CACertPath)
		}
		transport.TLSClientConfig = &tls.Config{RootCAs: pool}
	}

	return &Client{
		baseURL:  strings.TrimRight(opts.BaseURL, "/"),
		tenantID: opts.TenantID,
		auth:     opts.Auth,
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: transport,
		},
	}, nil
}

// BackendError wraps a non-2xx Loki response with the status code preserved
// for outcome classification upstream.
type BackendError struct {
	StatusCode int
	Path       string
	Message    string
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("loki backend error: %s returned %d: %s", e.Path, e.StatusCode, e.Message)
}

func (c *Client) request(ctx context.Context, method, path string, query url.Values) (*http.Response, error) {
	u, err := url.Parse(c.baseURL + path)
	if err != nil {
		return nil, fmt.Errorf("loki client: building request URL: %w", err)
	}
	if query != nil {
		u.RawQuery = query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("loki client: building request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/json")
	if c.tenantID != "" {
		req.Header.Set("X-Scope-OrgID", c.tenantID)
	}
	c.auth.Apply(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("loki client: request to %s failed: %w", path, err)
	}
	return resp, nil
}

// sendJSON performs the request and decodes a successful body into out.
// Non-2xx responses are returned as a *BackendError.
func (c *Client) sendJSON(ctx context.Context, method, path string, query url.Values, out any) error {
	resp, err := c.request(ctx, method, path, query)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body := make([]byte, 512)
		n, _ := resp.Body.Read(body)
		return &BackendError{StatusCode: resp.StatusCode, Path: path, Message: strings.TrimSpace(string(body[:n]))}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("loki client: decoding response from %s: %w", path, err)
	}
	return nil
}

func appendTimeRange(q url.Values, start, end *time.Time) {
	if start != nil {
		q.Set("start", strconv.FormatInt(start.UnixNano(), 10))
	}
	if end != nil {
		q.Set("end", strconv.FormatInt(end.UnixNano(), 10))
	}
}

// Labels lists label names known to Loki within an optional time range.
func (c *Client) Labels(ctx context.Context, start, end *time.Time) ([]string, error) {
	q := url.Values{}
	appendTimeRange(q, start, end)

	var out LabelsResponse
	if err := c.sendJSON(ctx, http.MethodGet, "/loki/api/v1/labels", q, &out); err != nil {
		return nil, err
	}
	return out.Data, nil
}

// LabelValues lists observed values for a label, optionally scoped by a
// LogQL selector and time range.
func (c *Client) LabelValues(ctx context.Context, label string, start, end *time.Time, query string) ([]string, error) {
	if err := validateLabelName(label); err != nil {
		return nil, err
	}

	q := url.Values{}
	appendTimeRange(q, start, end)
	if query != "" {
		q.Set("query", query)
	}

	var out LabelsResponse
	path := fmt.Sprintf("/loki/api/v1/label/%s/values", url.PathEscape(label))
	if err := c.sendJSON(ctx, http.MethodGet, path, q, &out); err != nil {
		return nil, err
	}
	return out.Data, nil
}

// Series lists the label sets matching one or more stream selectors.
func (c *Client) Series(ctx context.Context, matches []string, start, end *time.Time) ([]map[string]string, error) {
	q := url.Values{}
	for _, m := range matches {
		q.Add("match[]", m)
	}
	appendTimeRange(q, start, end)

	var out SeriesResponse
	if err := c.sendJSON(ctx, http.MethodGet, "/loki/api/v1/series", q, &out); err != nil {
		return nil, err
	}
	return out.Data, nil
}

// QueryRange executes a LogQL log or metric query over a range, returning
// the raw envelope for the caller to interpret (log streams vs. matrix).
func (c *Client) QueryRange(ctx context.Context, query string, start, end *time.Time, limit int, direction, step string) (*QueryRangeResponse, error) {
	q := url.Values{}
	q.Set("query", query)
	appendTimeRange(q, start, end)
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if direction != "" {
		q.Set("direction", direction)
	}
	if step != "" {
		q.Set("step", step)
	}

	var out QueryRangeResponse
	if err := c.sendJSON(ctx, http.MethodGet, "/loki/api/v1/query_range", q, &out); err != nil {
		return nil, err
	}
	if out.Status != "success" {
		return nil, fmt.Errorf("loki query_range failed: %s (%s)", out.Error, out.ErrorType)
	}
	return &out, nil
}

// IndexStats calls /loki/api/v1/index/stats, the cheap pre-flight cost
// estimate the guardrail evaluator prefers.
func (c *Client) IndexStats(ctx context.Context, query string, start, end time.Time) (*IndexStatsResponse, error) {
	q := url.Values{}
	q.Set("query", query)
	appendTimeRange(q, &start, &end)

	var out IndexStatsResponse
	if err := c.sendJSON(ctx, http.MethodGet, "/loki/api/v1/index/stats", q, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// QueryStats estimates query cost via the more expensive query-stats
// fallback: a range query capped at one line, reading the stats.summary
// block Loki attaches to every query response.
func (c *Client) QueryStats(ctx context.Context, query string, start, end time.Time) (*QueryStats, error) {
	resp, err := c.QueryRange(ctx, query, &start, &end, 1, "backward", "")
	if err != nil {
		return nil, err
	}
	stats := parseQueryStats(resp.Data.Stats)
	stats.StreamsMatched = int64(len(resp.Data.Result))
	return stats, nil
}

// DetectPatterns calls the Loki patterns API (/loki/api/v1/patterns).
func (c *Client) DetectPatterns(ctx context.Context, query string, start, end *time.Time, step string) (*QueryRangeResponse, error) {
	q := url.Values{}
	q.Set("query", query)
	appendTimeRange(q, start, end)
	if step != "" {
		q.Set("step", step)
	}

	var out QueryRangeResponse
	if err := c.sendJSON(ctx, http.MethodGet, "/loki/api/v1/patterns", q, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CheckHealth probes /ready, falling back to buildinfo reachability, then
// the distributor ring, then plain label reachability, since a 404 from
// /ready on some Loki versions is a benign "not the ready endpoint you're
// thinking of" response rather than an outage signal. The ring's
// reachability is recorded on the result regardless of which probe
// ultimately answers, since it's informative on its own for a
// multi-replica deployment.
func (c *Client) CheckHealth(ctx context.Context) (*Health, error) {
	ringReachable := c.probeRing(ctx)

	resp, err := c.request(ctx, http.MethodGet, "/ready", nil)
	if err != nil {
		return nil, err
	}
	resp.Body.Close()

	if resp.StatusCode == http.StatusOK {
		return &Health{Healthy: true, Message: "ready", RingReachable: ringReachable}, nil
	}

	if resp.StatusCode == http.StatusNotFound {
		var buildInfo BuildInfoResponse
		if err := c.sendJSON(ctx, http.MethodGet, "/loki/api/v1/status/buildinfo", nil, &buildInfo); err == nil {
			return &Health{Healthy: true, Message: "ready (inferred from buildinfo)", BuildInfo: &buildInfo, RingReachable: ringReachable}, nil
		}
		if ringReachable {
			return &Health{Healthy: true, Message: "ready (inferred from distributor ring reachability)", RingReachable: true}, nil
		}
		if _, err := c.Labels(ctx, nil, nil); err == nil {
			return &Health{Healthy: true, Message: "ready (inferred from labels reachability)"}, nil
		}
		return &Health{Healthy: false, Message: "/ready returned 404 and no fallback probe succeeded"}, nil
	}

	return &Health{Healthy: false, Message: fmt.Sprintf("/ready returned %d", resp.StatusCode), RingReachable: ringReachable}, nil
}

// probeRing checks the distributor ring status page, part of the
// readiness surface alongside /ready and buildinfo. A non-2xx response or
// transport error is treated as unreachable rather than propagated, since
// this is a supplementary signal, not the primary readiness check.
func (c *Client) probeRing(ctx context.Context) bool {
	resp, err := c.request(ctx, http.MethodGet, "/distributor/ring", nil)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

func validateLabelName(label string) error {
	if label == "" {
		return fmt.Errorf("loki client: label name must not be empty")
	}
	for _, r := range label {
		if !(r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')) {
			return fmt.Errorf("loki client: invalid label name %q", label)
		}
	}
	return nil
}

// parseQueryStats extracts byte/line/chunk counters from the stats.summary
// block, tolerating the several key spellings different Loki versions use.
func parseQueryStats(raw map[string]any) *QueryStats {
	stats := &QueryStats{Raw: raw}
	if raw == nil {
		return stats
	}

	summary, _ := raw["summary"].(map[string]any)
	if summary == nil {
		summary = raw
	}

	stats.BytesProcessed = firstInt(summary, "totalBytesProcessed", "bytesProcessedPerSecond", "totalBytes")
	stats.LinesProcessed = firstInt(summary, "totalLinesProcessed", "totalLines")
	stats.ChunksMatched = firstInt(summary, "totalChunksMatched", "totalChunksRef", "chunksDownloaded")
	return stats
}

func firstInt(m map[string]any, keys ...string) int64 {
	for _, k := range keys {
		v, ok := m[k]
		if !ok {
			continue
		}
		switch n := v.(type) {
		case float64:
			return int64(n)
		case int64:
			return n
		case string:
			if parsed, err := strconv.ParseInt(n, 10, 64); err == nil {
				return parsed
			}
		}
	}
	return 0
}
