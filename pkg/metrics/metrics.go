package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Lab lifecycle gauges
	LabsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "octolab_labs_total",
			Help: "Total number of labs by status and runtime",
		},
		[]string{"status", "runtime"},
	)

	PortsAllocated = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "octolab_ports_allocated_total",
			Help: "Total number of host ports currently held by labs",
		},
	)

	PortPoolSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "octolab_port_pool_size",
			Help: "Size of the configured port range",
		},
	)

	// Provisioner metrics
	ProvisioningDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "octolab_provisioning_duration_seconds",
			Help:    "Time taken to provision a lab end-to-end in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	ProvisioningOutcomesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "octolab_provisioning_outcomes_total",
			Help: "Total provisioning attempts by outcome (ready, failed, timeout)",
		},
		[]string{"outcome", "runtime"},
	)

	// Teardown worker metrics
	TeardownTickDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "octolab_teardown_tick_duration_seconds",
			Help:    "Time taken for one teardown worker tick in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	TeardownOutcomesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "octolab_teardown_outcomes_total",
			Help: "Total teardown attempts by outcome (finished, failed)",
		},
		[]string{"outcome", "runtime"},
	)

	TeardownClaimedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "octolab_teardown_claimed_total",
			Help: "Total labs claimed by the teardown worker across all ticks",
		},
	)

	// Evidence / retention metrics
	EvidenceFinalizedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "octolab_evidence_finalized_total",
			Help: "Total evidence finalizations by resulting state",
		},
		[]string{"state"},
	)

	RetentionPurgedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "octolab_retention_purged_total",
			Help: "Total labs whose evidence was purged by the retention job",
		},
	)

	// Watchdog metrics
	WatchdogReconciledTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "octolab_watchdog_reconciled_total",
			Help: "Total labs reconciled by the watchdog by resulting status",
		},
		[]string{"status"},
	)

	// Doctor / runtime selector metrics
	DoctorChecksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "octolab_doctor_checks_total",
			Help: "Total doctor check runs by backend and result",
		},
		[]string{"backend", "ok"},
	)

	CircuitBreakerStateChangesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "octolab_circuit_breaker_state_changes_total",
			Help: "Total circuit breaker state transitions by backend and new state",
		},
		[]string{"backend", "state"},
	)

	// Rate-limit / dedup metrics
	RateLimitRejectionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "octolab_rate_limit_rejections_total",
			Help: "Total event-ingest requests rejected by the per-lab rate limiter",
		},
	)

	DedupHitsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "octolab_dedup_hits_total",
			Help: "Total event-ingest requests rejected as duplicates",
		},
	)
)

func init() {
	prometheus.MustRegister(LabsTotal)
	prometheus.MustRegister(PortsAllocated)
	prometheus.MustRegister(PortPoolSize)
	prometheus.MustRegister(ProvisioningDuration)
	prometheus.MustRegister(ProvisioningOutcomesTotal)
	prometheus.MustRegister(TeardownTickDuration)
	prometheus.MustRegister(TeardownOutcomesTotal)
	prometheus.MustRegister(TeardownClaimedTotal)
	prometheus.MustRegister(EvidenceFinalizedTotal)
	prometheus.MustRegister(RetentionPurgedTotal)
	prometheus.MustRegister(WatchdogReconciledTotal)
	prometheus.MustRegister(DoctorChecksTotal)
	prometheus.MustRegister(CircuitBreakerStateChangesTotal)
	prometheus.MustRegister(RateLimitRejectionsTotal)
	prometheus.MustRegister(DedupHitsTotal)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
