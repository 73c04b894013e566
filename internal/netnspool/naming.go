package netnspool

import (
	"fmt"
	"strconv"
	"strings"
)

const (
	// MaxNamespacesPerRunner is the per-runner namespace budget (§3: two
	// hex digits ⇒ 00..ff).
	MaxNamespacesPerRunner = 256
	// MaxRunners is the host-wide runner budget (§3: 00..3f). The cap keeps
	// vethAllocation's third octet, runnerIdx*4 + nsIdx/64, within 0..255;
	// names are fixed-width and fit the 15-char limit for any index.
	MaxRunners = 64
)

// namespaceName renders "vm0-ns-{runnerIdx}-{nsIdx}", zero-padded to two hex
// digits each, staying within the 15-char kernel interface-name limit.
func namespaceName(prefix string, runnerIdx, nsIdx int) string {
	return fmt.Sprintf("%s-ns-%02x-%02x", prefix, runnerIdx, nsIdx)
}

// vethHostName renders "vm0-ve-{runnerIdx}-{nsIdx}".
func vethHostName(prefix string, runnerIdx, nsIdx int) string {
	return fmt.Sprintf("%s-ve-%02x-%02x", prefix, runnerIdx, nsIdx)
}

// parseNamespaceName is the inverse of namespaceName: total and idempotent
// for well-formed names, returning ok=false for anything else.
func parseNamespaceName(prefix, name string) (runnerIdx, nsIdx int, ok bool) {
	want := prefix + "-ns-"
	if !strings.HasPrefix(name, want) {
		return 0, 0, false
	}
	rest := name[len(want):]
	parts := strings.SplitN(rest, "-", 2)
	if len(parts) != 2 {
		return 0, 0, false
	}
	r, err := strconv.ParseInt(parts[0], 16, 32)
	if err != nil || len(parts[0]) != 2 {
		return 0, 0, false
	}
	n, err := strconv.ParseInt(parts[1], 16, 32)
	if err != nil || len(parts[1]) != 2 {
		return 0, 0, false
	}
	return int(r), int(n), true
}

// vethAllocation returns the deterministic /30 host-side and namespace-side
// IPs for (runnerIdx, nsIdx), per §3: reboots reproduce the same plan.
func vethAllocation(runnerIdx, nsIdx int) (hostIP, nsIP string) {
	octet3 := runnerIdx*4 + nsIdx/64
	octet4Base := (nsIdx % 64) * 4
	hostIP = fmt.Sprintf("10.200.%d.%d", octet3, octet4Base+1)
	nsIP = fmt.Sprintf("10.200.%d.%d", octet3, octet4Base+2)
	return hostIP, nsIP
}
