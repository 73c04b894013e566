// Package ipregistry implements the legacy, non-netns IP allocation path:
// a persistent JSON map of 172.16.0.0/24 addresses to the runner/tap/vm that
// owns them, serialized through a FileLock so it tolerates concurrent
// runners and crashes.
package ipregistry

import (
	"encoding/json"
	"fmt"
	"net"
	"os"

	"github.com/oriys/sandboxd/internal/filelock"
	"github.com/oriys/sandboxd/internal/logging"
	"github.com/oriys/sandboxd/internal/runnererr"
)

const (
	rangeStart = "172.16.0.2"
	rangeEnd   = "172.16.0.254"
)

// Allocation is one entry in the registry.
type Allocation struct {
	RunnerPID int    `json:"runner_pid"`
	TapDevice string `json:"tap_device"`
	VmID      string `json:"vm_id,omitempty"`
}

type fileFormat struct {
	Allocations map[string]Allocation `json:"allocations"`
}

// Registry is a file-locked JSON-backed IP allocator.
type Registry struct {
	path     string
	lockPath string
}

// Open returns a Registry backed by path, creating an empty registry file
// (and its lock sibling) if neither exists yet.
func Open(path string) (*Registry, error) {
	lockPath := path + ".lock"
	if err := ensureFile(lockPath); err != nil {
		return nil, err
	}
	if err := ensureRegistryFile(path); err != nil {
		return nil, err
	}
	return &Registry{path: path, lockPath: lockPath}, nil
}

func ensureFile(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err == nil {
		return f.Close()
	}
	if os.IsExist(err) {
		return nil
	}
	return err
}

// ensureRegistryFile atomically creates an empty registry document. A
// concurrent EEXIST from a peer doing the same thing is expected and
// ignored.
func ensureRegistryFile(path string) error {
	data, _ := json.Marshal(fileFormat{Allocations: map[string]Allocation{}})
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		if os.IsExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()
	_, err = f.Write(data)
	return err
}

func (r *Registry) read() (fileFormat, error) {
	var doc fileFormat
	data, err := os.ReadFile(r.path)
	if err != nil {
		return doc, fmt.Errorf("read registry: %w", err)
	}
	if len(data) == 0 {
		doc.Allocations = map[string]Allocation{}
		return doc, nil
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return doc, fmt.Errorf("%w: %v", runnererr.ErrRegistryCorrupt, err)
	}
	if doc.Allocations == nil {
		doc.Allocations = map[string]Allocation{}
	}
	return doc, nil
}

func (r *Registry) write(doc fileFormat) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, r.path)
}

// Allocate finds the lowest free IP in range, records it against tap and
// the current process, and returns it. Fails with ErrNoFreeIP when the
// range is exhausted.
func (r *Registry) Allocate(tap string) (string, error) {
	var ip string
	err := filelock.WithLock(r.lockPath, func() error {
		doc, err := r.read()
		if err != nil {
			return err
		}
		candidate, err := lowestFree(doc.Allocations)
		if err != nil {
			return err
		}
		doc.Allocations[candidate] = Allocation{RunnerPID: os.Getpid(), TapDevice: tap}
		if err := r.write(doc); err != nil {
			return err
		}
		ip = candidate
		return nil
	})
	return ip, err
}

// Release removes ip's entry. No-op if absent.
func (r *Registry) Release(ip string) error {
	return filelock.WithLock(r.lockPath, func() error {
		doc, err := r.read()
		if err != nil {
			return err
		}
		delete(doc.Allocations, ip)
		return r.write(doc)
	})
}

// AssignVM sets the vmId claiming ip.
func (r *Registry) AssignVM(ip, vmID string) error {
	return filelock.WithLock(r.lockPath, func() error {
		doc, err := r.read()
		if err != nil {
			return err
		}
		a, ok := doc.Allocations[ip]
		if !ok {
			return fmt.Errorf("assign_vm: ip %s not allocated", ip)
		}
		a.VmID = vmID
		doc.Allocations[ip] = a
		return r.write(doc)
	})
}

// ClearVM compare-and-sets vmId to empty, only if the current value matches
// expectedVmID. This avoids the release-races-with-next-allocation hazard:
// a caller that raced past Release cannot blow away a different VM's claim.
func (r *Registry) ClearVM(ip, expectedVmID string) error {
	return filelock.WithLock(r.lockPath, func() error {
		doc, err := r.read()
		if err != nil {
			return err
		}
		a, ok := doc.Allocations[ip]
		if !ok {
			return nil
		}
		if a.VmID != expectedVmID {
			return nil
		}
		a.VmID = ""
		doc.Allocations[ip] = a
		return r.write(doc)
	})
}

// Reap scans for orphaned entries: a runner PID that is no longer alive, or
// (pre-lock scan plus a re-check under lock) a TAP device that no longer
// exists in the kernel. Returns the TAP device names the caller should
// `ip link del`.
func (r *Registry) Reap(tapExists func(string) bool, pidAlive func(int) bool) ([]string, error) {
	var orphanTaps []string

	// Pre-lock scan: candidates whose tap looks missing right now. We
	// re-check under the lock below to tolerate TAPs created concurrently.
	preScan, err := r.read()
	if err != nil {
		return nil, err
	}
	missingBeforeLock := map[string]bool{}
	for ip, a := range preScan.Allocations {
		if !tapExists(a.TapDevice) {
			missingBeforeLock[ip] = true
		}
	}

	err = filelock.WithLock(r.lockPath, func() error {
		doc, err := r.read()
		if err != nil {
			return err
		}
		changed := false
		for ip, a := range doc.Allocations {
			deadRunner := !pidAlive(a.RunnerPID)
			tapMissing := missingBeforeLock[ip] && !tapExists(a.TapDevice)
			if deadRunner || tapMissing {
				orphanTaps = append(orphanTaps, a.TapDevice)
				delete(doc.Allocations, ip)
				changed = true
				logging.Op().Info("ipregistry reap orphan", "ip", ip, "tap", a.TapDevice, "dead_runner", deadRunner, "tap_missing", tapMissing)
			}
		}
		if !changed {
			return nil
		}
		return r.write(doc)
	})
	return orphanTaps, err
}

func lowestFree(allocations map[string]Allocation) (string, error) {
	start := ipToUint32(net.ParseIP(rangeStart))
	end := ipToUint32(net.ParseIP(rangeEnd))
	used := make(map[uint32]bool, len(allocations))
	for ip := range allocations {
		used[ipToUint32(net.ParseIP(ip))] = true
	}
	for v := start; v <= end; v++ {
		if !used[v] {
			return uint32ToIP(v), nil
		}
	}
	return "", runnererr.ErrNoFreeIP
}

func ipToUint32(ip net.IP) uint32 {
	ip = ip.To4()
	return uint32(ip[0])<<24 | uint32(ip[1])<<16 | uint32(ip[2])<<8 | uint32(ip[3])
}

func uint32ToIP(v uint32) string {
	return fmt.Sprintf("%d.%d.%d.%d", byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
}
