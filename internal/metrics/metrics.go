// Package metrics collects the runner's operational counters and exposes
// them two ways, per SPEC_FULL.md §10.5:
//
//  1. An in-process Metrics struct, built entirely from atomics, for a
//     lightweight JSON /metrics endpoint that needs no external scraper.
//  2. An optional Prometheus registry (prometheus.go), enabled via
//     InitPrometheus, for scraping by Grafana/Alertmanager.
//
// # Concurrency
//
// Every Record*/Set* method is called from hot paths (the runner loop, the
// executor, the netns pool) and must never block. All fields are
// sync/atomic; there is no lock anywhere in this package.
package metrics

import (
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"
)

// Metrics collects the runner's counters and gauges.
type Metrics struct {
	JobsPolled    atomic.Int64
	JobsClaimed   atomic.Int64
	JobsCompleted atomic.Int64
	JobsFailed    atomic.Int64
	JobsConflict  atomic.Int64

	VMsCreated   atomic.Int64
	VMsStopped   atomic.Int64
	VMsCrashed   atomic.Int64
	SnapshotsHit atomic.Int64

	NetnsPoolSize atomic.Int64
	NetnsInUse    atomic.Int64

	bootMs  latencyTracker
	jobMs   latencyTracker
	vsockMs latencyTracker

	startTime time.Time
}

// latencyTracker keeps a running total/min/max/count, giving an average
// without a real histogram — cheap enough for the hot path.
type latencyTracker struct {
	total atomic.Int64
	count atomic.Int64
	min   atomic.Int64
	max   atomic.Int64
}

func (t *latencyTracker) record(ms int64) {
	t.total.Add(ms)
	t.count.Add(1)
	updateMin(&t.min, ms)
	updateMax(&t.max, ms)
}

func (t *latencyTracker) snapshot() map[string]any {
	count := t.count.Load()
	avg := float64(0)
	if count > 0 {
		avg = float64(t.total.Load()) / float64(count)
	}
	min := t.min.Load()
	if min == int64(^uint64(0)>>1) {
		min = 0
	}
	return map[string]any{
		"count": count,
		"avg":   avg,
		"min":   min,
		"max":   t.max.Load(),
	}
}

var global = newMetrics()

func newMetrics() *Metrics {
	m := &Metrics{startTime: time.Now()}
	m.bootMs.min.Store(int64(^uint64(0) >> 1))
	m.jobMs.min.Store(int64(^uint64(0) >> 1))
	m.vsockMs.min.Store(int64(^uint64(0) >> 1))
	return m
}

// Global returns the process-wide Metrics instance.
func Global() *Metrics { return global }

// StartTime returns when the metrics subsystem was initialized.
func StartTime() time.Time { return global.startTime }

// RecordJobPolled increments the poll counter (called whether or not a job
// was returned).
func (m *Metrics) RecordJobPolled() {
	m.JobsPolled.Add(1)
	recordPrometheusCounter(promJobsPolled)
}

// RecordJobClaimed increments the claim counter.
func (m *Metrics) RecordJobClaimed() {
	m.JobsClaimed.Add(1)
	recordPrometheusCounter(promJobsClaimed)
}

// RecordJobConflict increments the lost-claim-race counter.
func (m *Metrics) RecordJobConflict() {
	m.JobsConflict.Add(1)
	recordPrometheusCounter(promJobsConflict)
}

// RecordJobCompletion records one finished job's duration and outcome.
func (m *Metrics) RecordJobCompletion(durationMs int64, success bool) {
	if success {
		m.JobsCompleted.Add(1)
	} else {
		m.JobsFailed.Add(1)
	}
	m.jobMs.record(durationMs)
	recordPrometheusJobCompletion(durationMs, success)
}

// RecordVMCreated records a new VM creation.
func (m *Metrics) RecordVMCreated() {
	m.VMsCreated.Add(1)
	recordPrometheusCounter(promVMsCreated)
}

// RecordVMStopped records a VM being stopped cleanly.
func (m *Metrics) RecordVMStopped() {
	m.VMsStopped.Add(1)
	recordPrometheusCounter(promVMsStopped)
}

// RecordVMCrashed records a VM that died unexpectedly.
func (m *Metrics) RecordVMCrashed() {
	m.VMsCrashed.Add(1)
	recordPrometheusCounter(promVMsCrashed)
}

// RecordSnapshotHit records a VM boot that used snapshot-restore rather
// than a cold boot.
func (m *Metrics) RecordSnapshotHit() {
	m.SnapshotsHit.Add(1)
	recordPrometheusCounter(promSnapshotsHit)
}

// RecordBootTime records how long one VM took from Start to Ready.
func (m *Metrics) RecordBootTime(durationMs int64) {
	m.bootMs.record(durationMs)
	recordPrometheusHistogram(promBootDuration, durationMs)
}

// RecordVsockLatency records one vsock request's round-trip time.
func (m *Metrics) RecordVsockLatency(durationMs int64) {
	m.vsockMs.record(durationMs)
	recordPrometheusHistogram(promVsockLatency, durationMs)
}

// SetNetnsPoolSize updates the free-namespace gauge.
func (m *Metrics) SetNetnsPoolSize(n int) {
	m.NetnsPoolSize.Store(int64(n))
	setPrometheusGauge(promNetnsPoolSize, float64(n))
}

// SetNetnsInUse updates the acquired-namespace gauge.
func (m *Metrics) SetNetnsInUse(n int) {
	m.NetnsInUse.Store(int64(n))
	setPrometheusGauge(promNetnsInUse, float64(n))
}

// Snapshot returns a point-in-time view of every counter and gauge, for
// the JSON endpoint.
func (m *Metrics) Snapshot() map[string]any {
	return map[string]any{
		"uptime_seconds": int64(time.Since(m.startTime).Seconds()),
		"jobs": map[string]any{
			"polled":    m.JobsPolled.Load(),
			"claimed":   m.JobsClaimed.Load(),
			"completed": m.JobsCompleted.Load(),
			"failed":    m.JobsFailed.Load(),
			"conflict":  m.JobsConflict.Load(),
		},
		"vms": map[string]any{
			"created":       m.VMsCreated.Load(),
			"stopped":       m.VMsStopped.Load(),
			"crashed":       m.VMsCrashed.Load(),
			"snapshots_hit": m.SnapshotsHit.Load(),
		},
		"netns": map[string]any{
			"pool_size": m.NetnsPoolSize.Load(),
			"in_use":    m.NetnsInUse.Load(),
		},
		"boot_ms":  m.bootMs.snapshot(),
		"job_ms":   m.jobMs.snapshot(),
		"vsock_ms": m.vsockMs.snapshot(),
	}
}

// JSONHandler serves Snapshot as JSON, for deployments that don't run a
// Prometheus scraper.
func (m *Metrics) JSONHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(m.Snapshot())
	})
}

func updateMin(target *atomic.Int64, value int64) {
	for {
		old := target.Load()
		if value >= old {
			return
		}
		if target.CompareAndSwap(old, value) {
			return
		}
	}
}

func updateMax(target *atomic.Int64, value int64) {
	for {
		old := target.Load()
		if value <= old {
			return
		}
		if target.CompareAndSwap(old, value) {
			return
		}
	}
}
