package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestRecordJobCompletionUpdatesCountersAndLatency(t *testing.T) {
	m := newMetrics()

	m.RecordJobCompletion(100, true)
	m.RecordJobCompletion(300, false)

	if m.JobsCompleted.Load() != 1 || m.JobsFailed.Load() != 1 {
		t.Fatalf("got completed=%d failed=%d", m.JobsCompleted.Load(), m.JobsFailed.Load())
	}

	snap := m.jobMs.snapshot()
	if snap["count"].(int64) != 2 {
		t.Fatalf("expected 2 samples, got %+v", snap)
	}
	if snap["avg"].(float64) != 200 {
		t.Fatalf("expected avg 200, got %+v", snap["avg"])
	}
}

func TestNetnsGaugesTrackSetValue(t *testing.T) {
	m := newMetrics()
	m.SetNetnsPoolSize(4)
	m.SetNetnsInUse(2)

	if m.NetnsPoolSize.Load() != 4 || m.NetnsInUse.Load() != 2 {
		t.Fatalf("unexpected gauges: pool=%d inuse=%d", m.NetnsPoolSize.Load(), m.NetnsInUse.Load())
	}
}

func TestSnapshotReflectsRecordedVMs(t *testing.T) {
	m := newMetrics()
	m.RecordVMCreated()
	m.RecordVMCreated()
	m.RecordVMCrashed()

	snap := m.Snapshot()
	vms := snap["vms"].(map[string]any)
	if vms["created"].(int64) != 2 || vms["crashed"].(int64) != 1 {
		t.Fatalf("unexpected vm snapshot: %+v", vms)
	}
}

func TestHandlerReturns404BeforeInitPrometheus(t *testing.T) {
	promMetrics = nil
	h := Handler()
	if h == nil {
		t.Fatal("expected a non-nil handler")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 before InitPrometheus, got %d", rec.Code)
	}
}
