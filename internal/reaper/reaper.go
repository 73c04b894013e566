// Package reaper reconciles live kernel state against the ip registry at
// runner startup and from the doctor command, per spec §4.8. The netns
// registry's dead-runner sweep is done by netnspool.New, not here.
// ipregistry.Registry.Reap does the scan-then-lock-then-recheck dance
// (§4.8's ordering rule); the only `ip` call made under its lock is the
// TAP-existence re-check. This package adds the orphan-process sweep and
// deletes the TAPs Reap reports, outside the lock.
package reaper

import (
	"os"
	"os/exec"
	"syscall"

	"github.com/oriys/sandboxd/internal/ipregistry"
	"github.com/oriys/sandboxd/internal/logging"
	"github.com/oriys/sandboxd/internal/procscan"
)

// Result summarizes one reap pass, for the caller to log or expose via
// the `doctor` command.
type Result struct {
	KilledOrphanPIDs []int
	DeletedTaps      []string
}

// Run scans /proc for orphaned firecracker processes (PPID==1) and kills
// them, then reaps the legacy ip registry's dead allocations, deleting any
// TAP devices it reports as orphaned.
func Run(ipReg *ipregistry.Registry) (Result, error) {
	var result Result

	for _, proc := range procscan.Discover() {
		if !procscan.IsOrphan(proc.PPID) {
			continue
		}
		fc, ok := procscan.ParseFirecracker(proc.Cmdline)
		if !ok {
			continue
		}
		if err := syscall.Kill(proc.PID, syscall.SIGKILL); err != nil {
			logging.Op().Debug("reaper: kill orphan firecracker failed", "pid", proc.PID, "vm_id", fc.VmID, "error", err)
			continue
		}
		logging.Op().Info("reaper: killed orphan firecracker", "pid", proc.PID, "vm_id", fc.VmID)
		result.KilledOrphanPIDs = append(result.KilledOrphanPIDs, proc.PID)
	}

	orphanTaps, err := ipReg.Reap(tapExists, pidAlive)
	if err != nil {
		return result, err
	}
	for _, tap := range orphanTaps {
		if out, err := exec.Command("ip", "link", "del", tap).CombinedOutput(); err != nil {
			logging.Op().Debug("reaper: delete orphan tap failed", "tap", tap, "output", string(out), "error", err)
			continue
		}
		result.DeletedTaps = append(result.DeletedTaps, tap)
	}

	return result, nil
}

func tapExists(tap string) bool {
	_, err := exec.Command("ip", "link", "show", tap).CombinedOutput()
	return err == nil
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
