// Package metrics holds the Prometheus collectors of the bridge.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "oauth2bridge"

var (
	// CacheLookups counts token cache lookups by result (hit, miss).
	CacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "token_cache",
			Name:      "lookups_total",
			Help:      "Token cache lookups by result",
		},
		[]string{"result"},
	)

	// CacheEvictions counts entries dropped by expiry, capacity or explicit invalidation.
	CacheEvictions = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "token_cache",
			Name:      "evictions_total",
			Help:      "Token cache entries removed",
		},
	)

	// CacheReconfigurations counts TTL rebuilds of the token cache.
	CacheReconfigurations = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "token_cache",
			Name:      "reconfigurations_total",
			Help:      "Token cache rebuilds after a TTL change",
		},
	)

	// Introspections counts introspection calls by outcome (active, inactive, error).
	Introspections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "introspection",
			Name:      "requests_total",
			Help:      "Introspection calls by outcome",
		},
		[]string{"outcome"},
	)

	// IntrospectionDuration observes introspection latency.
	IntrospectionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "introspection",
			Name:      "duration_seconds",
			Help:      "Introspection call latency",
			Buckets:   prometheus.DefBuckets,
		},
	)

	// GateDecisions counts authentication gate decisions.
	GateDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gate",
			Name:      "decisions_total",
			Help:      "Authentication gate decisions",
		},
		[]string{"decision"},
	)

	// StateOperations counts OAuth state store operations by result.
	StateOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "state",
			Name:      "operations_total",
			Help:      "OAuth state store operations",
		},
		[]string{"operation", "result"},
	)

	// ProxyRequests counts proxied requests by route and upstream status.
	ProxyRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "proxy",
			Name:      "requests_total",
			Help:      "Proxied requests by route and upstream status code",
		},
		[]string{"route", "code"},
	)

	// ProxyDuration observes time to upstream response headers.
	ProxyDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "proxy",
			Name:      "duration_seconds",
			Help:      "Proxied request latency until upstream headers",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"route"},
	)

	// TrustClientBuilds counts outbound HTTP clients built per trust mode.
	TrustClientBuilds = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "trust",
			Name:      "client_builds_total",
			Help:      "Outbound HTTP clients built per trust mode",
		},
		[]string{"mode"},
	)
)

// Gate decisions
const (
	DecisionPassthrough = "passthrough"
	DecisionCacheHit    = "cache_hit"
	DecisionAccepted    = "accepted"
	DecisionRejected    = "rejected"
	DecisionError       = "error"
)

// RecordCacheLookup records a token cache lookup
func RecordCacheLookup(hit bool) {
	if hit {
		CacheLookups.WithLabelValues("hit").Inc()
		return
	}
	CacheLookups.WithLabelValues("miss").Inc()
}

// RecordIntrospection records an introspection outcome and its latency
func RecordIntrospection(outcome string, d time.Duration) {
	Introspections.WithLabelValues(outcome).Inc()
	IntrospectionDuration.Observe(d.Seconds())
}

// RecordGateDecision records an authentication gate decision
func RecordGateDecision(decision string) {
	GateDecisions.WithLabelValues(decision).Inc()
}

// RecordStateOperation records a state store operation
func RecordStateOperation(operation, result string) {
	StateOperations.WithLabelValues(operation, result).Inc()
}

// RecordProxyRequest records a proxied request. A zero status means no upstream response.
func RecordProxyRequest(route string, status int, d time.Duration) {
	code := "error"
	if status > 0 {
		code = strconv.Itoa(status)
	}
	ProxyRequests.WithLabelValues(route, code).Inc()
	ProxyDuration.WithLabelValues(route).Observe(d.Seconds())
}

// RecordTrustClientBuild records the construction of an outbound client
func RecordTrustClientBuild(mode string) {
	TrustClientBuilds.WithLabelValues(mode).Inc()
}
