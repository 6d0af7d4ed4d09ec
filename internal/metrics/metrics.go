// Package metrics exposes Prometheus counters for the guards.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "ladderguard"

// Outcome labels
const (
	OutcomeAllowed  = "allowed"
	OutcomeRejected = "rejected"
	OutcomeBlocked  = "blocked"
	OutcomeFailOpen = "fail_open"

	// OutcomeContention counts decisions denied because the CAS loop gave up
	OutcomeContention = "contention"
)

var (
	rateDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ratelimit",
			Name:      "decisions_total",
			Help:      "Rate limit decisions by algorithm, purpose and outcome",
		},
		[]string{"algorithm", "purpose", "outcome"},
	)

	storeErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "errors_total",
			Help:      "State store failures by component",
		},
		[]string{"component"},
	)

	storeSwept = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "swept_keys_total",
			Help:      "Expired keys removed by the background sweep",
		},
	)

	csrfRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "csrf",
			Name:      "rejections_total",
			Help:      "Rejected CSRF tokens by mode",
		},
		[]string{"mode"},
	)

	sessionInvalidations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "invalidations_total",
			Help:      "Sessions discarded by reason",
		},
		[]string{"reason"},
	)

	lockouts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lockout",
			Name:      "engaged_total",
			Help:      "Lockouts engaged by purpose",
		},
		[]string{"purpose"},
	)

	decisionLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "ratelimit",
			Name:      "decision_duration_seconds",
			Help:      "Time spent evaluating a rate limit, store round trips included",
			Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25},
		},
		[]string{"algorithm"},
	)
)

func RateDecision(algorithm, purpose, outcome string) {
	rateDecisions.WithLabelValues(algorithm, purpose, outcome).Inc()
}

func ObserveDecision(algorithm string, started time.Time) {
	decisionLatency.WithLabelValues(algorithm).Observe(time.Since(started).Seconds())
}

func StoreError(component string) {
	storeErrors.WithLabelValues(component).Inc()
}

func Swept(n int64) {
	if n > 0 {
		storeSwept.Add(float64(n))
	}
}

func CSRFRejected(mode string) {
	csrfRejections.WithLabelValues(mode).Inc()
}

func SessionInvalidated(reason string) {
	sessionInvalidations.WithLabelValues(reason).Inc()
}

func LockoutEngaged(purpose string) {
	lockouts.WithLabelValues(purpose).Inc()
}

// Handler serves the default registry
func Handler() http.Handler {
	return promhttp.Handler()
}
