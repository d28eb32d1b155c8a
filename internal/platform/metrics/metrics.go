// Package metrics provides Prometheus metrics for key set refreshes and
// authentication decisions.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "panel_connect"

const (
	FetchResultSuccess = "success"
	FetchResultError   = "error"

	// DecisionAllowed labels requests that passed authentication.
	DecisionAllowed = "allowed"
)

var (
	// JWKSFetches counts JWKS endpoint calls by result.
	JWKSFetches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "jwks",
			Name:      "fetches_total",
			Help:      "Total number of JWKS fetches by result",
		},
		[]string{"result"},
	)

	// JWKSFetchDuration observes JWKS fetch latency.
	JWKSFetchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "jwks",
			Name:      "fetch_duration_seconds",
			Help:      "Duration of JWKS fetches in seconds",
			Buckets:   prometheus.DefBuckets,
		},
	)

	// JWKSKeys reports the number of keys in the current key set.
	JWKSKeys = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "jwks",
			Name:      "keys",
			Help:      "Number of keys in the cached key set",
		},
	)

	// JWKSStaleServes counts lookups answered from an expired key set after a failed refresh.
	JWKSStaleServes = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "jwks",
			Name:      "stale_serves_total",
			Help:      "Total number of lookups served from a stale key set after a refresh failure",
		},
	)

	// AuthDecisions counts authentication outcomes by reason.
	AuthDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "auth",
			Name:      "decisions_total",
			Help:      "Total number of authentication decisions by reason",
		},
		[]string{"reason"},
	)
)

// RecordFetch records the result and latency of a JWKS fetch.
func RecordFetch(err error, elapsed time.Duration) {
	result := FetchResultSuccess
	if err != nil {
		result = FetchResultError
	}
	JWKSFetches.WithLabelValues(result).Inc()
	JWKSFetchDuration.Observe(elapsed.Seconds())
}

// SetKeyCount updates the cached key count.
func SetKeyCount(n int) {
	JWKSKeys.Set(float64(n))
}

// RecordStaleServe records a lookup answered from a stale key set.
func RecordStaleServe() {
	JWKSStaleServes.Inc()
}

// RecordDecision records an authentication decision. An empty reason means allowed.
func RecordDecision(reason string) {
	if reason == "" {
		reason = DecisionAllowed
	}
	AuthDecisions.WithLabelValues(reason).Inc()
}
