package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// promCounterKey names the counters recordPrometheusCounter dispatches on.
type promCounterKey int

const (
	promJobsPolled promCounterKey = iota
	promJobsClaimed
	promJobsConflict
	promVMsCreated
	promVMsStopped
	promVMsCrashed
	promSnapshotsHit
)

type promGaugeKey int

const (
	promNetnsPoolSize promGaugeKey = iota
	promNetnsInUse
)

type promHistogramKey int

const (
	promBootDuration promHistogramKey = iota
	promVsockLatency
)

// defaultBuckets covers sub-second vsock round-trips up to the multi-second
// range a first cold boot can take.
var defaultBuckets = []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000}

// prometheusMetrics wraps the collectors backing the runner's /metrics
// endpoint. Grounded on the teacher's metrics/prometheus.go structure
// (CounterVec/HistogramVec/GaugeVec behind a package-level registry),
// trimmed to the VM-fleet-manager's own counters.
type prometheusMetrics struct {
	registry *prometheus.Registry

	jobsTotal *prometheus.CounterVec
	vmsTotal  *prometheus.CounterVec

	jobDuration  prometheus.Histogram
	bootDuration prometheus.Histogram
	vsockLatency prometheus.Histogram

	netnsPoolSize prometheus.Gauge
	netnsInUse    prometheus.Gauge
}

var promMetrics *prometheusMetrics

// InitPrometheus enables the Prometheus registry under namespace. Safe to
// call once at startup; until called, every recordPrometheus* call below is
// a no-op.
func InitPrometheus(namespace string) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	pm := &prometheusMetrics{
		registry: registry,
		jobsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_total",
			Help:      "Total jobs by lifecycle outcome.",
		}, []string{"outcome"}),
		vmsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "vms_total",
			Help:      "Total VMs by terminal state.",
		}, []string{"state"}),
		jobDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_ms",
			Help:      "Job wall-clock duration in milliseconds.",
			Buckets:   defaultBuckets,
		}),
		bootDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "vm_boot_duration_ms",
			Help:      "Time from VM start to guest-ready in milliseconds.",
			Buckets:   defaultBuckets,
		}),
		vsockLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "vsock_request_duration_ms",
			Help:      "Vsock request round-trip time in milliseconds.",
			Buckets:   defaultBuckets,
		}),
		netnsPoolSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "netns_pool_size",
			Help:      "Pre-warmed namespaces currently sitting in the pool.",
		}),
		netnsInUse: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "netns_in_use",
			Help:      "Namespaces currently acquired by a running VM.",
		}),
	}

	registry.MustRegister(pm.jobsTotal, pm.vmsTotal, pm.jobDuration, pm.bootDuration,
		pm.vsockLatency, pm.netnsPoolSize, pm.netnsInUse)

	promMetrics = pm
}

// Handler serves the Prometheus exposition format, or 404s if InitPrometheus
// was never called.
func Handler() http.Handler {
	if promMetrics == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.NotFound(w, r)
		})
	}
	return promhttp.HandlerFor(promMetrics.registry, promhttp.HandlerOpts{})
}

func recordPrometheusCounter(key promCounterKey) {
	if promMetrics == nil {
		return
	}
	switch key {
	case promJobsPolled:
		// Polls are high-frequency and not terminal outcomes; tracked only
		// in the in-process Metrics, not exported to Prometheus, to avoid
		// a high-cardinality no-op label.
	case promJobsClaimed:
		promMetrics.jobsTotal.WithLabelValues("claimed").Inc()
	case promJobsConflict:
		promMetrics.jobsTotal.WithLabelValues("conflict").Inc()
	case promVMsCreated:
		promMetrics.vmsTotal.WithLabelValues("created").Inc()
	case promVMsStopped:
		promMetrics.vmsTotal.WithLabelValues("stopped").Inc()
	case promVMsCrashed:
		promMetrics.vmsTotal.WithLabelValues("crashed").Inc()
	case promSnapshotsHit:
		promMetrics.vmsTotal.WithLabelValues("snapshot_hit").Inc()
	}
}

func recordPrometheusJobCompletion(durationMs int64, success bool) {
	if promMetrics == nil {
		return
	}
	outcome := "completed"
	if !success {
		outcome = "failed"
	}
	promMetrics.jobsTotal.WithLabelValues(outcome).Inc()
	promMetrics.jobDuration.Observe(float64(durationMs))
}

func recordPrometheusHistogram(key promHistogramKey, durationMs int64) {
	if promMetrics == nil {
		return
	}
	switch key {
	case promBootDuration:
		promMetrics.bootDuration.Observe(float64(durationMs))
	case promVsockLatency:
		promMetrics.vsockLatency.Observe(float64(durationMs))
	}
}

func setPrometheusGauge(key promGaugeKey, value float64) {
	if promMetrics == nil {
		return
	}
	switch key {
	case promNetnsPoolSize:
		promMetrics.netnsPoolSize.Set(value)
	case promNetnsInUse:
		promMetrics.netnsInUse.Set(value)
	}
}
