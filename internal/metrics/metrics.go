package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "fxrates"

// Metrics holds the engine's Prometheus collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	ProviderCallsTotal   *prometheus.CounterVec
	ProviderCallDuration *prometheus.HistogramVec
	ProviderQuotaLeft    *prometheus.GaugeVec

	CycleDuration prometheus.Histogram
	CyclesTotal   *prometheus.CounterVec
	PairsUpdated  prometheus.Gauge
	PairsDegraded prometheus.Gauge
	CacheSize     prometheus.Gauge
	LastCycleTime prometheus.Gauge

	TaskRunsTotal    *prometheus.CounterVec
	TaskSkippedTotal *prometheus.CounterVec
	TaskDuration     *prometheus.HistogramVec

	SnapshotsWritten prometheus.Counter
	SnapshotsPurged  prometheus.Counter

	AlertsTotal       *prometheus.CounterVec
	NotifyErrorsTotal *prometheus.CounterVec

	ConversionsTotal *prometheus.CounterVec

	gatherer prometheus.Gatherer
}

// New registers every collector on reg. Pass prometheus.NewRegistry() in tests.
func New(reg *prometheus.Registry) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ProviderCallsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "provider_calls_total",
				Help:      "Provider fetch attempts by outcome",
			},
			[]string{"provider", "outcome"},
		),
		ProviderCallDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "provider_call_duration_seconds",
				Help:      "Latency of provider fetch attempts",
				Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
			},
			[]string{"provider"},
		),
		ProviderQuotaLeft: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "provider_quota_remaining",
				Help:      "Calls left in the provider's monthly allowance, -1 when unlimited",
			},
			[]string{"provider"},
		),
		CycleDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "refresh_cycle_duration_seconds",
			Help:      "Duration of aggregation cycles",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 10),
		}),
		CyclesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "refresh_cycles_total",
				Help:      "Aggregation cycles by result",
			},
			[]string{"result"},
		),
		PairsUpdated: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pairs_updated",
			Help:      "Pairs refreshed by the last cycle",
		}),
		PairsDegraded: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pairs_degraded",
			Help:      "Pairs no provider could serve in the last cycle",
		}),
		CacheSize: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cache_pairs",
			Help:      "Pairs held in the rate cache",
		}),
		LastCycleTime: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_cycle_timestamp_seconds",
			Help:      "Unix time the last cycle finished",
		}),
		TaskRunsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "task_runs_total",
				Help:      "Scheduled task runs by result",
			},
			[]string{"task", "result"},
		),
		TaskSkippedTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "task_skipped_total",
				Help:      "Task triggers skipped because the previous run was still in flight",
			},
			[]string{"task"},
		),
		TaskDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "task_duration_seconds",
				Help:      "Scheduled task run time",
				Buckets:   prometheus.ExponentialBuckets(0.1, 2, 10),
			},
			[]string{"task"},
		),
		SnapshotsWritten: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshots_written_total",
			Help:      "History snapshots written",
		}),
		SnapshotsPurged: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshots_purged_total",
			Help:      "History snapshots removed by retention",
		}),
		AlertsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "alerts_total",
				Help:      "Threshold alerts raised",
			},
			[]string{"pair", "direction"},
		),
		NotifyErrorsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "notify_errors_total",
				Help:      "Alert deliveries that failed",
			},
			[]string{"channel"},
		),
		ConversionsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "conversions_total",
				Help:      "Conversion requests by result",
			},
			[]string{"result"},
		),
		gatherer: reg,
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// RecordProviderCall records one provider attempt.
func (m *Metrics) RecordProviderCall(provider, outcome string, d time.Duration, remaining int64) {
	if m == nil {
		return
	}
	m.ProviderCallsTotal.WithLabelValues(provider, outcome).Inc()
	m.ProviderCallDuration.WithLabelValues(provider).Observe(d.Seconds())
	m.ProviderQuotaLeft.WithLabelValues(provider).Set(float64(remaining))
}

// RecordCycle records a finished aggregation cycle.
func (m *Metrics) RecordCycle(result string, d time.Duration, updated, degraded, cacheSize int, finished time.Time) {
	if m == nil {
		return
	}
	m.CyclesTotal.WithLabelValues(result).Inc()
	m.CycleDuration.Observe(d.Seconds())
	m.PairsUpdated.Set(float64(updated))
	m.PairsDegraded.Set(float64(degraded))
	m.CacheSize.Set(float64(cacheSize))
	m.LastCycleTime.Set(float64(finished.Unix()))
}

// RecordTask records a finished task run.
func (m *Metrics) RecordTask(task string, err error, d time.Duration) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.TaskRunsTotal.WithLabelValues(task, result).Inc()
	m.TaskDuration.WithLabelValues(task).Observe(d.Seconds())
}

// RecordTaskSkipped counts a trigger dropped by the overlap guard.
func (m *Metrics) RecordTaskSkipped(task string) {
	if m == nil {
		return
	}
	m.TaskSkippedTotal.WithLabelValues(task).Inc()
}

// RecordSnapshots counts written snapshots.
func (m *Metrics) RecordSnapshots(n int) {
	if m == nil {
		return
	}
	m.SnapshotsWritten.Add(float64(n))
}

// RecordPurged counts purged snapshots.
func (m *Metrics) RecordPurged(n int64) {
	if m == nil {
		return
	}
	m.SnapshotsPurged.Add(float64(n))
}

// RecordAlert counts a raised alert.
func (m *Metrics) RecordAlert(pair, direction string) {
	if m == nil {
		return
	}
	m.AlertsTotal.WithLabelValues(pair, direction).Inc()
}

// RecordNotifyError counts a failed delivery.
func (m *Metrics) RecordNotifyError(channel string) {
	if m == nil {
		return
	}
	m.NotifyErrorsTotal.WithLabelValues(channel).Inc()
}

// RecordConversion counts a conversion request.
func (m *Metrics) RecordConversion(result string) {
	if m == nil {
		return
	}
	m.ConversionsTotal.WithLabelValues(result).Inc()
}
