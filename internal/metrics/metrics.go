// Package metrics provides Prometheus metrics for relayfeed.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PassesTotal counts sync passes by stream, mode and outcome.
	PassesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "relayfeed",
			Name:      "passes_total",
			Help:      "Total number of sync passes",
		},
		[]string{"stream", "mode", "outcome"},
	)

	// PassDuration measures pass duration.
	PassDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "relayfeed",
			Name:      "pass_duration_seconds",
			Help:      "Duration of sync passes in seconds",
			Buckets:   []float64{0.5, 1, 5, 15, 30, 60, 120, 300, 600},
		},
		[]string{"stream", "mode"},
	)

	// EntityChecksTotal counts per-entity checks by stream and outcome.
	EntityChecksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "relayfeed",
			Name:      "entity_checks_total",
			Help:      "Total number of entity checks",
		},
		[]string{"stream", "outcome"},
	)

	// RemoteCallsTotal counts remote API calls by operation and status.
	RemoteCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "relayfeed",
			Name:      "remote_calls_total",
			Help:      "Total number of remote API calls",
		},
		[]string{"operation", "status"},
	)

	// NewItemsTotal counts newly archived items.
	NewItemsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "relayfeed",
			Name:      "new_items_total",
			Help:      "Total number of newly archived items",
		},
	)

	// EntitiesByTier tracks the ledger tier distribution.
	EntitiesByTier = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "relayfeed",
			Name:      "entities_by_tier",
			Help:      "Number of tracked entities per polling tier",
		},
		[]string{"stream", "tier"},
	)

	// CurrentCycle exposes the cycle counter of each stream.
	CurrentCycle = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "relayfeed",
			Name:      "current_cycle",
			Help:      "Current sync cycle number",
		},
		[]string{"stream"},
	)

	// RegistryFallbacksTotal counts refreshes that fell back to the cache.
	RegistryFallbacksTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "relayfeed",
			Name:      "registry_fallbacks_total",
			Help:      "Entity list refreshes that failed and served the cached snapshot",
		},
	)
)

// RecordPass records a finished pass.
func RecordPass(stream, mode, outcome string, seconds float64) {
	PassesTotal.WithLabelValues(stream, mode, outcome).Inc()
	PassDuration.WithLabelValues(stream, mode).Observe(seconds)
}

// RecordCheck records one entity check outcome ("initialized", "new",
// "empty", "failed", "skipped").
func RecordCheck(stream, outcome string) {
	RecordChecks(stream, outcome, 1)
}

// RecordChecks records n checks with the same outcome.
func RecordChecks(stream, outcome string, n int) {
	if n > 0 {
		EntityChecksTotal.WithLabelValues(stream, outcome).Add(float64(n))
	}
}

// RecordRemoteCall records a remote call. status is the HTTP status class
// or "error" for transport failures.
func RecordRemoteCall(operation, status string) {
	RemoteCallsTotal.WithLabelValues(operation, status).Inc()
}

// AddNewItems adds n archived items.
func AddNewItems(n int) {
	if n > 0 {
		NewItemsTotal.Add(float64(n))
	}
}

// SetTierDistribution replaces the tier gauge values of a stream.
func SetTierDistribution(stream string, dist map[string]int) {
	for _, tier := range []string{"high", "normal", "low", "dormant"} {
		EntitiesByTier.WithLabelValues(stream, tier).Set(float64(dist[tier]))
	}
}

// SetCycle sets the current cycle gauge of a stream.
func SetCycle(stream string, n int) {
	CurrentCycle.WithLabelValues(stream).Set(float64(n))
}

// RecordRegistryFallback records a registry refresh that served stale data.
func RecordRegistryFallback() {
	RegistryFallbacksTotal.Inc()
}
