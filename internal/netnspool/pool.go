// Package netnspool owns a runner-scoped set of pre-warmed Linux network
// namespaces, each with a fixed intra-namespace IP plan, so VM boot never
// waits on namespace or veth setup. See naming.go for the deterministic
// name/IP scheme and kernel.go for the underlying `ip`/`iptables` calls.
package netnspool

import (
	"os"
	"strconv"
	"sync"
	"syscall"

	"github.com/oriys/sandboxd/internal/logging"
	"github.com/oriys/sandboxd/internal/runnererr"
)

// PooledNetns is a handle to one acquired namespace. The VM that acquires
// it owns it exclusively until Release.
type PooledNetns struct {
	Name      string
	VethHost  string
	HostIP    string
	NsIP      string
	RunnerIdx int
	NsIdx     int
}

// Config configures pool startup.
type Config struct {
	RunnerName string
	Prefix     string // interface-name prefix, e.g. "vm0"
	Size       int    // namespaces to pre-warm
	ProxyPort  int    // 0 disables PREROUTING REDIRECT
	RegistryPath string
}

// Pool is a runner-scoped set of pre-warmed namespaces, backed by a
// process-wide registry file shared across runners on the host.
type Pool struct {
	mu        sync.Mutex
	reg       *registry
	prefix    string
	runnerIdx int
	proxyPort int
	nextNsIdx int
	free      []*PooledNetns // FIFO queue of pooled, unacquired namespaces
	pooled    map[string]bool // name -> true while sitting in free
	active    bool
}

// New initializes the pool: reaps dead-runner entries, allocates this
// runner's index, enables host IPv4 forwarding, and pre-warms Size
// namespaces in parallel (best-effort — one failure does not abort
// startup).
func New(cfg Config) (*Pool, error) {
	reg, err := openRegistry(cfg.RegistryPath)
	if err != nil {
		return nil, err
	}

	if err := reapDeadRunners(reg, cfg.Prefix); err != nil {
		logging.Op().Warn("netnspool startup reap failed", "error", err)
	}

	runnerIdx, err := reg.allocateRunnerIdx(cfg.RunnerName)
	if err != nil {
		return nil, err
	}

	if err := enableIPForwarding(); err != nil {
		logging.Op().Warn("enable ip forwarding failed", "error", err)
	}

	p := &Pool{
		reg:       reg,
		prefix:    cfg.Prefix,
		runnerIdx: runnerIdx,
		proxyPort: cfg.ProxyPort,
		pooled:    map[string]bool{},
		active:    true,
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	for i := 0; i < cfg.Size; i++ {
		wg.Add(1)
		go func(nsIdx int) {
			defer wg.Done()
			ns, err := p.createNamespace(nsIdx)
			if err != nil {
				logging.Op().Warn("netnspool prewarm failed", "ns_idx", nsIdx, "error", err)
				return
			}
			mu.Lock()
			p.free = append(p.free, ns)
			p.pooled[ns.Name] = true
			mu.Unlock()
		}(i)
	}
	wg.Wait()
	p.nextNsIdx = cfg.Size

	return p, nil
}

// createNamespace creates the kernel objects for this runner's namespace
// index nsIdx (chosen by the caller) and registers it in the shared registry.
func (p *Pool) createNamespace(nsIdx int) (*PooledNetns, error) {
	if nsIdx >= MaxNamespacesPerRunner {
		return nil, runnererr.ErrNamespaceLimit
	}

	name := namespaceName(p.prefix, p.runnerIdx, nsIdx)
	vethHost := vethHostName(p.prefix, p.runnerIdx, nsIdx)
	hostIP, nsIP := vethAllocation(p.runnerIdx, nsIdx)

	if err := createKernelNamespace(name, vethHost, hostIP, nsIP, p.proxyPort); err != nil {
		return nil, err
	}

	err := p.reg.withLock(func(doc *registryDoc) (bool, error) {
		rk := runnerKey(p.runnerIdx)
		entry, ok := doc.Runners[rk]
		if !ok {
			entry = RunnerEntry{Name: name, PID: os.Getpid(), Namespaces: map[string]NamespaceEntry{}}
		}
		if entry.Namespaces == nil {
			entry.Namespaces = map[string]NamespaceEntry{}
		}
		entry.Namespaces[nsKey(nsIdx)] = NamespaceEntry{VethHost: vethHost, HostIP: hostIP, NsIP: nsIP}
		doc.Runners[rk] = entry
		return true, nil
	})
	if err != nil {
		deleteKernelNamespace(name, vethHost)
		return nil, err
	}

	return &PooledNetns{Name: name, VethHost: vethHost, HostIP: hostIP, NsIP: nsIP, RunnerIdx: p.runnerIdx, NsIdx: nsIdx}, nil
}

// Acquire pops a pre-warmed namespace; on empty it creates one on demand.
func (p *Pool) Acquire() (*PooledNetns, error) {
	p.mu.Lock()
	if len(p.free) > 0 {
		ns := p.free[0]
		p.free = p.free[1:]
		delete(p.pooled, ns.Name)
		p.mu.Unlock()
		return ns, nil
	}
	nsIdx := p.nextNsIdx
	p.nextNsIdx++
	p.mu.Unlock()

	return p.createNamespace(nsIdx)
}

// Release returns ns to the pool. A duplicate release of a namespace that
// is already pooled is a no-op. If the pool has been torn down, or ns
// belongs to another runner's prefix, the namespace is deleted instead.
func (p *Pool) Release(ns *PooledNetns) {
	p.mu.Lock()

	if p.pooled[ns.Name] {
		p.mu.Unlock()
		return // duplicate release
	}

	foreign := ns.RunnerIdx != p.runnerIdx
	if !p.active || foreign {
		p.mu.Unlock()
		p.deleteAndForget(ns)
		return
	}

	p.free = append(p.free, ns)
	p.pooled[ns.Name] = true
	p.mu.Unlock()
}

// ReleaseByName deletes or pools a namespace identified only by its kernel
// name, for callers that only have the name, not a live PooledNetns
// handle. Any name not matching this pool's prefix is
// deleted rather than pooled, per §4.3.
func (p *Pool) ReleaseByName(name, vethHost string) {
	runnerIdx, nsIdx, ok := parseNamespaceName(p.prefix, name)
	if !ok || runnerIdx != p.runnerIdx {
		deleteKernelNamespace(name, vethHost)
		return
	}
	hostIP, nsIP := vethAllocation(runnerIdx, nsIdx)
	p.Release(&PooledNetns{Name: name, VethHost: vethHost, HostIP: hostIP, NsIP: nsIP, RunnerIdx: runnerIdx, NsIdx: nsIdx})
}

func (p *Pool) deleteAndForget(ns *PooledNetns) {
	deleteKernelNamespace(ns.Name, ns.VethHost)
	_ = p.reg.withLock(func(doc *registryDoc) (bool, error) {
		entry, ok := doc.Runners[runnerKey(ns.RunnerIdx)]
		if !ok {
			return false, nil
		}
		if _, ok := entry.Namespaces[nsKey(ns.NsIdx)]; !ok {
			return false, nil
		}
		delete(entry.Namespaces, nsKey(ns.NsIdx))
		doc.Runners[runnerKey(ns.RunnerIdx)] = entry
		return true, nil
	})
}

// Cleanup marks the pool inactive, deletes every pooled namespace in
// parallel, then removes this runner's entire registry entry under a
// single lock.
func (p *Pool) Cleanup() {
	p.mu.Lock()
	p.active = false
	toDelete := p.free
	p.free = nil
	p.pooled = map[string]bool{}
	p.mu.Unlock()

	var wg sync.WaitGroup
	for _, ns := range toDelete {
		wg.Add(1)
		go func(ns *PooledNetns) {
			defer wg.Done()
			deleteKernelNamespace(ns.Name, ns.VethHost)
		}(ns)
	}
	wg.Wait()

	_ = p.reg.withLock(func(doc *registryDoc) (bool, error) {
		if _, ok := doc.Runners[runnerKey(p.runnerIdx)]; !ok {
			return false, nil
		}
		delete(doc.Runners, runnerKey(p.runnerIdx))
		return true, nil
	})
}

// Size returns the number of namespaces currently sitting in the pool,
// for tests and the runner loop's pool-size gauge.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}

// reapDeadRunners implements §4.3 step 1: scan all runner entries under
// the lock; for each whose PID is dead, collect its namespaces; drop the
// lock while deleting kernel objects; reacquire the lock and delete the
// dead runner entries, re-checking PID liveness because PIDs can be
// reused between the scan and the delete.
func reapDeadRunners(reg *registry, prefix string) error {
	type deadRunner struct {
		key        string
		runnerIdx  int
		namespaces map[string]NamespaceEntry
	}
	var dead []deadRunner

	err := reg.withLock(func(doc *registryDoc) (bool, error) {
		for key, entry := range doc.Runners {
			if pidAlive(entry.PID) {
				continue
			}
			runnerIdx, err := strconv.ParseInt(key, 16, 32)
			if err != nil {
				continue
			}
			dead = append(dead, deadRunner{key: key, runnerIdx: int(runnerIdx), namespaces: entry.Namespaces})
		}
		return false, nil
	})
	if err != nil {
		return err
	}

	for _, d := range dead {
		for nsIdxKey, ns := range d.namespaces {
			nsIdx, err := strconv.ParseInt(nsIdxKey, 16, 32)
			if err != nil {
				continue
			}
			name := namespaceName(prefix, d.runnerIdx, int(nsIdx))
			deleteKernelNamespace(name, ns.VethHost)
		}
	}

	return reg.withLock(func(doc *registryDoc) (bool, error) {
		changed := false
		for _, d := range dead {
			entry, ok := doc.Runners[d.key]
			if !ok {
				continue
			}
			if pidAlive(entry.PID) {
				continue // PID reused since the scan; leave it
			}
			delete(doc.Runners, d.key)
			changed = true
			logging.Op().Info("netnspool reaped dead runner", "runner_key", d.key)
		}
		return changed, nil
	})
}

func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
