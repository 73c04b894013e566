package ipregistry

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/oriys/sandboxd/internal/runnererr"
)

func openTest(t *testing.T) *Registry {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ip-registry.json")
	r, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	return r
}

func TestAllocateReleaseRoundTrip(t *testing.T) {
	r := openTest(t)

	ip, err := r.Allocate("tap0")
	if err != nil {
		t.Fatal(err)
	}
	if ip != "172.16.0.2" {
		t.Fatalf("expected first allocation to be 172.16.0.2, got %s", ip)
	}

	if err := r.Release(ip); err != nil {
		t.Fatal(err)
	}

	doc, err := r.read()
	if err != nil {
		t.Fatal(err)
	}
	if len(doc.Allocations) != 0 {
		t.Fatalf("expected empty registry after release, got %d entries", len(doc.Allocations))
	}
}

func TestReleaseAbsentIsNoop(t *testing.T) {
	r := openTest(t)
	if err := r.Release("172.16.0.99"); err != nil {
		t.Fatalf("release of absent ip should be a no-op, got %v", err)
	}
}

func TestAllocateExhaustionThenRelease(t *testing.T) {
	r := openTest(t)

	var allocated []string
	for i := 0; i < 253; i++ { // .2 through .254
		ip, err := r.Allocate(fmt.Sprintf("tap%d", i))
		if err != nil {
			t.Fatalf("allocate %d: %v", i, err)
		}
		allocated = append(allocated, ip)
	}

	if _, err := r.Allocate("overflow"); !errors.Is(err, runnererr.ErrNoFreeIP) {
		t.Fatalf("expected ErrNoFreeIP, got %v", err)
	}

	released := allocated[0]
	if err := r.Release(released); err != nil {
		t.Fatal(err)
	}

	next, err := r.Allocate("tap-new")
	if err != nil {
		t.Fatal(err)
	}
	if next != released {
		t.Fatalf("expected reallocation of freed ip %s, got %s", released, next)
	}
}

func TestAssignClearVMCompareAndSet(t *testing.T) {
	r := openTest(t)
	ip, err := r.Allocate("tap0")
	if err != nil {
		t.Fatal(err)
	}

	if err := r.AssignVM(ip, "vm-a"); err != nil {
		t.Fatal(err)
	}

	// ClearVM with a mismatched expected id must be a no-op.
	if err := r.ClearVM(ip, "vm-b"); err != nil {
		t.Fatal(err)
	}
	doc, _ := r.read()
	if doc.Allocations[ip].VmID != "vm-a" {
		t.Fatalf("expected vmId unchanged after mismatched clear, got %q", doc.Allocations[ip].VmID)
	}

	if err := r.ClearVM(ip, "vm-a"); err != nil {
		t.Fatal(err)
	}
	doc, _ = r.read()
	if doc.Allocations[ip].VmID != "" {
		t.Fatalf("expected vmId cleared, got %q", doc.Allocations[ip].VmID)
	}
}

func TestReapRemovesDeadRunnersAndMissingTaps(t *testing.T) {
	r := openTest(t)
	ipAlive, _ := r.Allocate("tap-alive")
	ipDead, _ := r.Allocate("tap-dead")
	ipMissingTap, _ := r.Allocate("tap-gone")

	_ = r.AssignVM(ipAlive, "vm-1")

	aliveDoc, _ := r.read()
	aDead := aliveDoc.Allocations[ipDead]
	aDead.RunnerPID = 999999 // presumed dead in test
	aliveDoc.Allocations[ipDead] = aDead
	_ = r.write(aliveDoc)

	tapExists := func(tap string) bool { return tap != "tap-gone" }
	pidAlive := func(pid int) bool { return pid != 999999 }

	orphans, err := r.Reap(tapExists, pidAlive)
	if err != nil {
		t.Fatal(err)
	}
	if len(orphans) != 2 {
		t.Fatalf("expected 2 orphan taps, got %d (%v)", len(orphans), orphans)
	}

	doc, _ := r.read()
	if _, ok := doc.Allocations[ipAlive]; !ok {
		t.Fatal("alive allocation should survive reap")
	}
	if _, ok := doc.Allocations[ipDead]; ok {
		t.Fatal("dead-runner allocation should be reaped")
	}
	if _, ok := doc.Allocations[ipMissingTap]; ok {
		t.Fatal("missing-tap allocation should be reaped")
	}

	// Running the reaper twice produces no further changes.
	orphansAgain, err := r.Reap(tapExists, pidAlive)
	if err != nil {
		t.Fatal(err)
	}
	if len(orphansAgain) != 0 {
		t.Fatalf("expected idempotent reap, got %d more orphans", len(orphansAgain))
	}
}
