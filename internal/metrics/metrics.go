package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aquabill_requests_total",
			Help: "Total number of API requests per route",
		},
		[]string{"route"},
	)

	RequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "aquabill_request_duration_seconds",
			Help:    "Request duration in seconds per route and method",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route", "method"},
	)

	RequestErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aquabill_request_errors_total",
			Help: "Total number of error responses per route and status code",
		},
		[]string{"route", "code"},
	)
)

var (
	BillsCalculatedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aquabill_bills_calculated_total",
			Help: "Bill calculations per customer class",
		},
		[]string{"class"},
	)

	BillWarningsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aquabill_bill_warnings_total",
			Help: "Calculations rated at zero, by warning",
		},
		[]string{"warning"},
	)

	TariffCacheLookupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aquabill_tariff_cache_hits_total",
			Help: "Tariff cache lookups by result (hit or miss)",
		},
		[]string{"result"},
	)
)

// ObserveCalculation records one bill calculation and its warning, if any.
func ObserveCalculation(class, warning string) {
	BillsCalculatedTotal.WithLabelValues(class).Inc()
	if warning != "" {
		BillWarningsTotal.WithLabelValues(warning).Inc()
	}
}

var (
	DBPoolTotalConns = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "aquabill_db_pool_total_conns",
			Help: "Total number of connections in the DB pool per driver",
		},
		[]string{"driver"},
	)

	DBPoolIdleConns = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "aquabill_db_pool_idle_conns",
			Help: "Idle connections in the DB pool per driver",
		},
		[]string{"driver"},
	)

	DBPoolAcquiredConns = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "aquabill_db_pool_acquired_conns",
			Help: "Currently acquired (in-use) connections per driver",
		},
		[]string{"driver"},
	)

	DBPoolAcquiresTotal = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "aquabill_db_pool_acquires_total",
			Help: "Cumulative connection acquires per driver as reported by the pool",
		},
		[]string{"driver"},
	)
)

// UpdateDBPoolMetrics publishes a pool stats snapshot. acquires is the pool's
// cumulative counter, so it is set rather than added.
func UpdateDBPoolMetrics(driver string, total, idle, acquired float64, acquires int64) {
	DBPoolTotalConns.WithLabelValues(driver).Set(total)
	DBPoolIdleConns.WithLabelValues(driver).Set(idle)
	DBPoolAcquiredConns.WithLabelValues(driver).Set(acquired)
	DBPoolAcquiresTotal.WithLabelValues(driver).Set(float64(acquires))
}

var (
	ScheduledJobLastRun = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "aquabill_job_last_run_timestamp",
			Help: "Unix timestamp of the last completed run for a job",
		},
		[]string{"job"},
	)

	ScheduledJobLastDurationSeconds = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "aquabill_job_last_duration_seconds",
			Help: "Duration of the last completed run for a job",
		},
		[]string{"job"},
	)

	ScheduledJobFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aquabill_job_failures_total",
			Help: "Total number of failed executions per job",
		},
		[]string{"job"},
	)
)

func UpdateJobMetrics(job string, startedAt time.Time, err error) {
	dur := time.Since(startedAt).Seconds()
	ScheduledJobLastDurationSeconds.WithLabelValues(job).Set(dur)
	ScheduledJobLastRun.WithLabelValues(job).Set(float64(time.Now().Unix()))
	if err != nil {
		ScheduledJobFailuresTotal.WithLabelValues(job).Inc()
	}
}
