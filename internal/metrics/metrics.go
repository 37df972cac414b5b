// Package metrics holds the Prometheus collectors of the sync engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	metricPass = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailsync_fetch_pass_total",
			Help: "Fetch passes by outcome.",
		},
		[]string{
			"result", // ok, skipped, auth, error
		},
	)
	metricPassDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mailsync_fetch_pass_duration_seconds",
			Help:    "Duration of fetch passes.",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300},
		},
	)
	metricModeMatches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailsync_search_matches_total",
			Help: "UIDs matched by search, per discovery mode, before deduplication.",
		},
		[]string{
			"mode", // reply, conversation, label
		},
	)
	metricImport = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailsync_import_total",
			Help: "Fetched messages by import outcome.",
		},
		[]string{
			"result", // created, skipped, failed
		},
	)
	metricBackfill = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailsync_backfill_total",
			Help: "Identifier backfill jobs by outcome.",
		},
		[]string{
			"result", // resolved, exhausted, error
		},
	)
	metricIdleEvent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailsync_idle_event_total",
			Help: "Push notifications received over IDLE.",
		},
		[]string{
			"kind", // exists, expunge
		},
	)
	metricDeliveryTransition = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailsync_delivery_transition_total",
			Help: "Delivery status transitions.",
		},
		[]string{"from", "to"},
	)
)

// PassDone records a finished fetch pass.
func PassDone(result string, seconds float64) {
	metricPass.WithLabelValues(result).Inc()
	metricPassDuration.Observe(seconds)
}

// ModeMatches records how many UIDs a discovery mode matched.
func ModeMatches(mode string, n int) {
	metricModeMatches.WithLabelValues(mode).Add(float64(n))
}

// Imported records the outcome of one message import.
func Imported(result string) {
	metricImport.WithLabelValues(result).Inc()
}

// Backfill records the outcome of one backfill job.
func Backfill(result string) {
	metricBackfill.WithLabelValues(result).Inc()
}

// IdleEvent records a push notification.
func IdleEvent(kind string) {
	metricIdleEvent.WithLabelValues(kind).Inc()
}

// Transition records a delivery status change.
func Transition(from, to string) {
	metricDeliveryTransition.WithLabelValues(from, to).Inc()
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
