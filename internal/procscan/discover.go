package procscan

import (
	"os"
	"strconv"
	"strings"

	"github.com/oriys/sandboxd/internal/logging"
)

// Process is one discovered /proc entry, with enough information for the
// reaper to classify and act on it.
type Process struct {
	PID     int
	PPID    int
	Cmdline []string
	Cwd     string
}

// statusPPID extracts PPid from the contents of /proc/<pid>/status.
func statusPPID(status string) (int, bool) {
	for _, line := range strings.Split(status, "\n") {
		if !strings.HasPrefix(line, "PPid:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 2 {
			return 0, false
		}
		ppid, err := strconv.Atoi(fields[1])
		if err != nil {
			return 0, false
		}
		return ppid, true
	}
	return 0, false
}

// Discover iterates /proc, skipping non-numeric entries and tolerating
// EACCES/ENOENT for processes that exit or are inaccessible mid-scan.
// Results are best-effort: an unreadable process is simply skipped rather
// than aborting the scan.
func Discover() []Process {
	entries, err := os.ReadDir("/proc")
	if err != nil {
		logging.Op().Warn("procscan: read /proc failed", "error", err)
		return nil
	}

	var procs []Process
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		pid, err := strconv.Atoi(entry.Name())
		if err != nil {
			continue
		}

		status, err := os.ReadFile("/proc/" + entry.Name() + "/status")
		if err != nil {
			if isSkippable(err) {
				continue
			}
			continue
		}
		ppid, ok := statusPPID(string(status))
		if !ok {
			continue
		}

		cmdlineRaw, err := os.ReadFile("/proc/" + entry.Name() + "/cmdline")
		if err != nil && !isSkippable(err) {
			continue
		}
		cmdline := splitCmdline(cmdlineRaw)

		cwd, _ := os.Readlink("/proc/" + entry.Name() + "/cwd")

		procs = append(procs, Process{PID: pid, PPID: ppid, Cmdline: cmdline, Cwd: cwd})
	}
	return procs
}

func splitCmdline(raw []byte) []string {
	parts := strings.Split(string(raw), "\x00")
	var out []string
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func isSkippable(err error) bool {
	return os.IsNotExist(err) || os.IsPermission(err)
}
