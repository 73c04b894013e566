package netnspool

import (
	"fmt"
	"os/exec"
	"strings"

	"github.com/oriys/sandboxd/internal/logging"
)

// GuestTapDevice is the fixed TAP interface name inside every namespace;
// the FirecrackerVM references this same name when wiring its
// network-interfaces device.
const GuestTapDevice = "vm0-tap"

// The fixed snapshot-network constants from §3, identical
// for every VM because each lives in its own namespace.
const (
	guestIP   = "192.168.241.2"
	guestGW   = "192.168.241.1"
	guestCIDR = "/29"
)

func run(args ...string) ([]byte, error) {
	return exec.Command(args[0], args[1:]...).CombinedOutput()
}

func nsExec(nsName string, args ...string) ([]byte, error) {
	full := append([]string{"ip", "netns", "exec", nsName}, args...)
	return run(full...)
}

// enableIPForwarding turns on host IPv4 forwarding, required for the
// per-namespace MASQUERADE rules to route anywhere.
func enableIPForwarding() error {
	out, err := run("sysctl", "-w", "net.ipv4.ip_forward=1")
	if err != nil {
		return fmt.Errorf("enable ip forwarding: %s: %w", out, err)
	}
	return nil
}

// createKernelNamespace performs the full per-namespace setup in order:
// netns, TAP with gateway IP inside, veth pair (one end in netns), /30 IPs,
// default route, intra-namespace MASQUERADE, host-side iptables tagged
// with --comment nsName, and an optional proxy PREROUTING REDIRECT.
func createKernelNamespace(nsName, vethHost string, hostIP, nsIP string, proxyPort int) error {
	if out, err := run("ip", "netns", "add", nsName); err != nil {
		return fmt.Errorf("create netns %s: %s: %w", nsName, out, err)
	}

	cleanup := func() { deleteKernelNamespace(nsName, vethHost) }

	if out, err := nsExec(nsName, "ip", "tuntap", "add", GuestTapDevice, "mode", "tap"); err != nil {
		cleanup()
		return fmt.Errorf("create tap %s in %s: %s: %w", GuestTapDevice, nsName, out, err)
	}
	if out, err := nsExec(nsName, "ip", "addr", "add", guestGW+guestCIDR, "dev", GuestTapDevice); err != nil {
		cleanup()
		return fmt.Errorf("assign gateway ip to tap: %s: %w", out, err)
	}
	if out, err := nsExec(nsName, "ip", "link", "set", GuestTapDevice, "up"); err != nil {
		cleanup()
		return fmt.Errorf("bring up tap: %s: %w", out, err)
	}

	vethNS := vethHost + "n"
	if out, err := run("ip", "link", "add", vethHost, "type", "veth", "peer", "name", vethNS); err != nil {
		cleanup()
		return fmt.Errorf("create veth pair: %s: %w", out, err)
	}
	if out, err := run("ip", "link", "set", vethNS, "netns", nsName); err != nil {
		run("ip", "link", "del", vethHost)
		cleanup()
		return fmt.Errorf("move veth into netns: %s: %w", out, err)
	}

	if out, err := run("ip", "addr", "add", hostIP+"/30", "dev", vethHost); err != nil {
		cleanup()
		return fmt.Errorf("assign host veth ip: %s: %w", out, err)
	}
	if out, err := run("ip", "link", "set", vethHost, "up"); err != nil {
		cleanup()
		return fmt.Errorf("bring up host veth: %s: %w", out, err)
	}
	if out, err := nsExec(nsName, "ip", "addr", "add", nsIP+"/30", "dev", vethNS); err != nil {
		cleanup()
		return fmt.Errorf("assign ns veth ip: %s: %w", out, err)
	}
	if out, err := nsExec(nsName, "ip", "link", "set", vethNS, "up"); err != nil {
		cleanup()
		return fmt.Errorf("bring up ns veth: %s: %w", out, err)
	}
	if out, err := nsExec(nsName, "ip", "link", "set", "lo", "up"); err != nil {
		cleanup()
		return fmt.Errorf("bring up lo: %s: %w", out, err)
	}

	hostSideIP := strings.TrimSuffix(hostIP, "/30")
	if out, err := nsExec(nsName, "ip", "route", "add", "default", "via", hostSideIP); err != nil {
		cleanup()
		return fmt.Errorf("add default route in netns: %s: %w", out, err)
	}

	// Intra-namespace MASQUERADE so the guest's traffic (source
	// guestIP/29) reaches the veth and back out through the host.
	if out, err := nsExec(nsName, "iptables", "-t", "nat", "-A", "POSTROUTING",
		"-s", guestGW+guestCIDR, "-j", "MASQUERADE"); err != nil {
		cleanup()
		return fmt.Errorf("intra-namespace masquerade: %s: %w", out, err)
	}

	// Host-side MASQUERADE + stateful FORWARD, tagged for idempotent
	// cleanup by iptables-save | grep <comment>.
	if out, err := run("iptables", "-t", "nat", "-A", "POSTROUTING",
		"-s", nsIP+"/30", "-j", "MASQUERADE", "-m", "comment", "--comment", nsName); err != nil {
		cleanup()
		return fmt.Errorf("host masquerade: %s: %w", out, err)
	}
	if out, err := run("iptables", "-A", "FORWARD", "-o", vethHost,
		"-m", "state", "--state", "RELATED,ESTABLISHED", "-j", "ACCEPT",
		"-m", "comment", "--comment", nsName); err != nil {
		cleanup()
		return fmt.Errorf("host forward established: %s: %w", out, err)
	}
	if out, err := run("iptables", "-A", "FORWARD", "-i", vethHost, "-j", "ACCEPT",
		"-m", "comment", "--comment", nsName); err != nil {
		cleanup()
		return fmt.Errorf("host forward egress: %s: %w", out, err)
	}

	if proxyPort > 0 {
		for _, port := range []string{"80", "443"} {
			if out, err := run("iptables", "-t", "nat", "-A", "PREROUTING",
				"-s", nsIP, "-p", "tcp", "--dport", port,
				"-j", "REDIRECT", "--to-port", fmt.Sprintf("%d", proxyPort),
				"-m", "comment", "--comment", nsName); err != nil {
				cleanup()
				return fmt.Errorf("proxy redirect port %s: %s: %w", port, out, err)
			}
		}
	}

	return nil
}

// deleteKernelNamespace tears down one namespace's kernel objects: the
// iptables rules tagged with its name, the veth pair (deleting the host
// end also removes the peer), and the namespace itself. Each step is
// independent and logged, never fatal, so a partial prior teardown doesn't
// block progress — idempotent even if some rules are already gone.
func deleteKernelNamespace(nsName, vethHost string) {
	deleteIptablesByComment(nsName)
	if out, err := run("ip", "link", "del", vethHost); err != nil {
		logging.Op().Debug("delete veth", "veth", vethHost, "output", string(out), "error", err)
	}
	if out, err := run("ip", "netns", "del", nsName); err != nil {
		logging.Op().Debug("delete netns", "ns", nsName, "output", string(out), "error", err)
	}
}

// deleteIptablesByComment removes every filter/nat rule tagged with
// --comment comment: it lists each table with `iptables -S`, keeps the -A
// lines containing comment and replays them as -D, so the algorithm is
// idempotent even if some rules were already gone.
func deleteIptablesByComment(comment string) {
	for _, table := range []string{"filter", "nat"} {
		out, err := run("iptables", "-t", table, "-S")
		if err != nil {
			continue
		}
		for _, line := range strings.Split(string(out), "\n") {
			if !strings.Contains(line, comment) {
				continue
			}
			if !strings.HasPrefix(line, "-A ") {
				continue
			}
			delArgs := append([]string{"iptables", "-t", table, "-D"}, strings.Fields(line)[1:]...)
			if out, err := run(delArgs...); err != nil {
				logging.Op().Debug("delete iptables rule", "comment", comment, "output", string(out), "error", err)
			}
		}
	}
}

// tapExistsInNamespace reports whether GuestTapDevice exists inside nsName.
func tapExistsInNamespace(nsName string) bool {
	_, err := nsExec(nsName, "ip", "link", "show", GuestTapDevice)
	return err == nil
}

// namespaceExists reports whether nsName is a live kernel namespace.
func namespaceExists(nsName string) bool {
	out, err := run("ip", "netns", "list")
	if err != nil {
		return false
	}
	for _, line := range strings.Split(string(out), "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), nsName) {
			return true
		}
	}
	return false
}
