// Package procscan discovers processes from /proc. The parsing helpers in
// this file are pure, kept deliberately free of filesystem iteration so
// they're unit-testable without a real /proc; Discover (discover.go) does
// the /proc walk. See spec §4.7.
package procscan

import "strings"

// FirecrackerProc identifies one running firecracker process by the
// workspace path segment in its command line.
type FirecrackerProc struct {
	VmID    string
	BaseDir string
}

// ParseFirecracker extracts {vmId, baseDir} from a firecracker command
// line by locating the "workspaces/vm0-<vmId>" path segment.
func ParseFirecracker(cmdline []string) (FirecrackerProc, bool) {
	for _, arg := range cmdline {
		idx := strings.Index(arg, "workspaces/vm0-")
		if idx < 0 {
			continue
		}
		rest := arg[idx+len("workspaces/vm0-"):]
		vmID := rest
		if slash := strings.IndexByte(rest, '/'); slash >= 0 {
			vmID = rest[:slash]
		}
		if vmID == "" {
			continue
		}
		return FirecrackerProc{VmID: vmID, BaseDir: arg[:idx+len("workspaces/vm0-")+len(vmID)]}, true
	}
	return FirecrackerProc{}, false
}

// ParseMitmproxy extracts the registry base directory from a mitmproxy
// (or equivalent proxy) command line by locating a "vm0_registry_path=…"
// argument.
func ParseMitmproxy(cmdline []string) (string, bool) {
	const marker = "vm0_registry_path="
	for _, arg := range cmdline {
		idx := strings.Index(arg, marker)
		if idx < 0 {
			continue
		}
		value := arg[idx+len(marker):]
		if end := strings.IndexByte(value, ' '); end >= 0 {
			value = value[:end]
		}
		if value == "" {
			continue
		}
		return value, true
	}
	return "", false
}

// RunnerProc identifies a runner process invocation.
type RunnerProc struct {
	ConfigPath string
	Mode       string // "direct" or "pm2"
}

// ParseRunner looks for a `--config …yaml|yml` argument. Failing that, it
// falls back to a PM2-style check: if cwd/runner.yaml exists (per the
// exists callback, so this stays unit-testable against an in-memory
// filesystem), the process is recognised as a runner invocation without
// an explicit flag.
func ParseRunner(cmdline []string, cwd string, exists func(path string) bool) (RunnerProc, bool) {
	for i, arg := range cmdline {
		if arg != "--config" || i+1 >= len(cmdline) {
			continue
		}
		path := cmdline[i+1]
		if strings.HasSuffix(path, ".yaml") || strings.HasSuffix(path, ".yml") {
			return RunnerProc{ConfigPath: path, Mode: "direct"}, true
		}
	}

	if cwd != "" && exists != nil {
		candidate := strings.TrimSuffix(cwd, "/") + "/runner.yaml"
		if exists(candidate) {
			return RunnerProc{ConfigPath: candidate, Mode: "pm2"}, true
		}
	}

	return RunnerProc{}, false
}

// IsOrphan reports whether a process with the given parent PID has been
// reparented to init — the standard signal that its original owner died
// without reaping it.
func IsOrphan(ppid int) bool {
	return ppid == 1
}
