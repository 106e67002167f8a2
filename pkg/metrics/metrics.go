// Package metrics exposes Prometheus instrumentation for the dispatch
// pipeline and the credential store. Metrics register on the default
// registerer and are served by the gateway's /metrics endpoint.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "toolgate"

var (
	// DispatchTotal counts terminal dispatch outcomes. The kind label is
	// "success" or the failure kind.
	DispatchTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "dispatch_total",
		Help:      "Terminal tool dispatch outcomes by tool and outcome kind.",
	}, []string{"tool", "kind"})

	// DispatchDuration observes end-to-end dispatch latency including the
	// single internal retry when one happens.
	DispatchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "dispatch_duration_seconds",
		Help:      "End-to-end tool dispatch latency.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"tool"})

	// RetryTotal counts the dispatcher's automatic retries.
	RetryTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "dispatch_retry_total",
		Help:      "Automatic dispatch retries by tool.",
	}, []string{"tool"})

	// RefreshTotal counts credential refresh attempts. Outcome is one of
	// success, auth_required, auth_expired, error.
	RefreshTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "credential_refresh_total",
		Help:      "Credential refresh attempts by provider and outcome.",
	}, []string{"provider", "outcome"})

	// SessionsActive tracks currently open voice sessions.
	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "sessions_active",
		Help:      "Currently open sessions.",
	})
)
