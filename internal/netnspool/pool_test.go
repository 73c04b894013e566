package netnspool

import (
	"path/filepath"
	"testing"
)

// newTestPool builds a Pool with an empty free list and a real registry,
// without touching the kernel — enough to exercise acquire/release/cleanup
// bookkeeping.
func newTestPool(t *testing.T) *Pool {
	t.Helper()
	reg, err := openRegistry(filepath.Join(t.TempDir(), "netns-registry.json"))
	if err != nil {
		t.Fatal(err)
	}
	return &Pool{
		reg:       reg,
		prefix:    "vm0",
		runnerIdx: 0,
		pooled:    map[string]bool{},
		active:    true,
	}
}

func TestReleaseDuplicateIsNoop(t *testing.T) {
	p := newTestPool(t)
	ns := &PooledNetns{Name: "vm0-ns-00-00", VethHost: "vm0-ve-00-00", RunnerIdx: 0, NsIdx: 0}
	p.free = append(p.free, ns)
	p.pooled[ns.Name] = true

	sizeBefore := p.Size()
	p.Release(ns) // already pooled: no-op
	if p.Size() != sizeBefore {
		t.Fatalf("expected pool size unchanged after duplicate release, got %d want %d", p.Size(), sizeBefore)
	}
}

func TestReleaseForeignPrefixDeletesRatherThanPools(t *testing.T) {
	p := newTestPool(t)
	foreign := &PooledNetns{Name: "vm0-ns-01-00", VethHost: "vm0-ve-01-00", RunnerIdx: 1, NsIdx: 0}

	// deleteAndForget shells out to `ip`/`iptables`; in this sandboxed test
	// environment that fails silently (commands not runnable), which is
	// fine — we only assert it was not pooled.
	p.Release(foreign)

	if p.pooled[foreign.Name] {
		t.Fatal("namespace with a foreign runner prefix must not be pooled")
	}
	for _, ns := range p.free {
		if ns.Name == foreign.Name {
			t.Fatal("foreign-prefix namespace ended up in the free list")
		}
	}
}

func TestAcquireDrainsPoolBeforeCreating(t *testing.T) {
	p := newTestPool(t)
	ns := &PooledNetns{Name: "vm0-ns-00-00", VethHost: "vm0-ve-00-00", RunnerIdx: 0, NsIdx: 0}
	p.free = append(p.free, ns)
	p.pooled[ns.Name] = true

	got, err := p.Acquire()
	if err != nil {
		t.Fatal(err)
	}
	if got.Name != ns.Name {
		t.Fatalf("expected to acquire the pooled namespace %s, got %s", ns.Name, got.Name)
	}
	if p.Size() != 0 {
		t.Fatalf("expected pool drained, got size %d", p.Size())
	}
}
