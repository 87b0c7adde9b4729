package api

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus instruments GET /metrics exposes. Handlers
// reach these through the package-level singleton below rather than a field
// on Server, since promauto.New* panics on double-registration and every
// Server in a process shares one registry.
type Metrics struct {
	ChangesTotal  *prometheus.CounterVec
	RiskScore     prometheus.Histogram
	ApplyDuration *prometheus.HistogramVec
}

var (
	metricsOnce sync.Once
	metrics     *Metrics
)

func newMetrics() *Metrics {
	return &Metrics{
		ChangesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "saferun_changes_total",
				Help: "Total changes by status after dry-run or apply.",
			},
			[]string{"status", "provider"},
		),
		RiskScore: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "saferun_risk_score",
				Help:    "Normalized risk score assigned at dry-run time.",
				Buckets: []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1.0},
			},
		),
		ApplyDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "saferun_apply_duration_seconds",
				Help:    "Duration of the provider mutation dispatched by apply.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"provider"},
		),
	}
}

// Observability returns the process-wide metrics singleton, constructing it
// on first use. Only this package's handlers record against it.
func Observability() *Metrics {
	metricsOnce.Do(func() { metrics = newMetrics() })
	return metrics
}

func metricsHandler() http.Handler {
	Observability()
	return promhttp.Handler()
}
