// Package telemetry provides application-level observability for the agent gateway.
//
// # Prometheus Metrics Endpoint
//
// All metrics are registered against the default Prometheus registry and are
// served by the main Gin router at GET /metrics in the Prometheus text
// exposition format (Content-Type: text/plain; version=0.0.4). The endpoint is
// a public path: it bypasses API-key authentication so a Prometheus server can
// scrape it every 15-60 seconds without a credential.
//
// # Metric Groups
//
//   - HTTP request counters and latency histograms (labelled by route template, not raw URL)
//   - Agent invocation counters and durations, by agent name
//   - Response cache hit counters
//   - Rate limit rejection counters
//   - Store reachability gauge (polled every 30 s)
//
// # Label Cardinality
//
// HTTP metrics use c.FullPath() (route template such as /api/v1/agents/:name)
// rather than the raw request URL to prevent unbounded label cardinality from
// caller-supplied path segments such as agent names or job ids.
package telemetry

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP metrics — labelled by method, route template, and status code.
//
// RequestsTotal is a CounterVec with labels {method, path, status}. The path
// label holds the Gin route template, NOT the raw URL, to prevent unbounded
// cardinality.
//
// Example PromQL queries:
//   - Request rate (req/s, 5 m window):  rate(ao_requests_total[5m])
//   - Error rate (%):                    sum(rate(ao_requests_total{status=~"5.."}[5m])) / sum(rate(ao_requests_total[5m])) * 100
//
// RequestDuration is a HistogramVec with labels {method, path} and
// exponential-ish buckets from 5 ms to 30 s. Use histogram_quantile to compute
// latency percentiles.
var (
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ao_requests_total",
			Help: "Total number of HTTP requests processed, by method, route template, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ao_request_duration_seconds",
			Help:    "Histogram of HTTP request latencies, by method and route template.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"method", "path"},
	)
)

// Agent execution metrics — recorded by the invocation handler around each
// downstream agent call.
//
// AgentInvocationsTotal is a CounterVec with labels {agent, status} where
// status is "success" or "error".
//
// Example PromQL queries:
//   - Invocation rate by agent:  sum by (agent) (rate(ao_agent_invocations_total[5m]))
//   - Failure ratio:             sum(rate(ao_agent_invocations_total{status="error"}[5m])) / sum(rate(ao_agent_invocations_total[5m]))
//
// AgentDuration is a HistogramVec with label {agent} using the default
// Prometheus buckets; each observation covers one complete agent execution.
var (
	AgentInvocationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ao_agent_invocations_total",
			Help: "Total number of agent invocations, by agent name and outcome.",
		},
		[]string{"agent", "status"},
	)

	AgentDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ao_agent_duration_seconds",
			Help:    "Duration of a single agent execution, by agent name.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"agent"},
	)
)

// CacheHitsTotal counts responses served from the response cache without
// reaching a handler, by route template.
//
// Example PromQL queries:
//   - Hit rate by route:  sum by (path) (rate(ao_cache_hits_total[5m]))
var CacheHitsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "ao_cache_hits_total",
		Help: "Total number of responses served from the response cache, by route template.",
	},
	[]string{"path"},
)

// RateLimitsTotal counts requests rejected by the rate limiter, by route
// template. An alert on a sustained non-zero rate usually means a client is
// misconfigured or abusive.
//
// Example PromQL queries:
//   - Rejections by route:  sum by (path) (rate(ao_rate_limits_total[5m]))
var RateLimitsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "ao_rate_limits_total",
		Help: "Total number of requests rejected by the rate limiter, by route template.",
	},
	[]string{"path"},
)

// AuthFailuresTotal counts rejected authentication attempts, by reason
// ("missing", "invalid", "expired", "inactive", "store_error").
var AuthFailuresTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "ao_auth_failures_total",
		Help: "Total number of rejected authentication attempts, by reason.",
	},
	[]string{"reason"},
)

// StoreUp is a Gauge holding 1 when the key-value store answers pings and 0
// when it does not. It is sampled every 30 seconds by StartStoreStatsCollector
// rather than per-request.
//
// Example PromQL queries:
//   - Alert expression:  ao_store_up == 0
var StoreUp = promauto.NewGauge(
	prometheus.GaugeOpts{
		Name: "ao_store_up",
		Help: "Whether the key-value store is currently reachable (1) or not (0).",
	},
)

// pinger is the subset of the store interface the collector needs.
type pinger interface {
	Ping(ctx context.Context) error
}

// StartStoreStatsCollector launches a background goroutine that pings the
// key-value store every 30 seconds and updates the StoreUp gauge. The
// goroutine exits when stop is closed.
//
// Call this once, after the store connection is established in main.go.
func StartStoreStatsCollector(store pinger, stop <-chan struct{}) {
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if err := store.Ping(context.Background()); err != nil {
					slog.Warn("store stats collector: store unreachable", "error", err)
					StoreUp.Set(0)
					continue
				}
				StoreUp.Set(1)
			}
		}
	}()
}
