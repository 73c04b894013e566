// Package vm owns the per-VM Firecracker lifecycle: workspace allocation,
// cold-boot config generation or snapshot-restore via the API socket,
// waiting for the guest's vsock handshake, and teardown. See spec §4.5.
package vm

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/oriys/sandboxd/internal/netnspool"
	"github.com/oriys/sandboxd/internal/vsockrpc"
)

// State is the VM lifecycle state machine: Created → Booting → Ready →
// Executing → Killing → Dead. Killing is reachable from any non-terminal
// state.
type State string

const (
	StateCreated   State = "created"
	StateBooting   State = "booting"
	StateReady     State = "ready"
	StateExecuting State = "executing"
	StateKilling   State = "killing"
	StateDead      State = "dead"
)

// Fixed snapshot-network identity, baked into every base snapshot/rootfs:
// every VM gets the same address because each lives in its own namespace.
const (
	GuestIP  = "192.168.241.2"
	GuestMAC = "02:00:00:00:00:01"

	guestGateway = "192.168.241.1"
	guestNetmask = "255.255.255.248"
	guestCID     = 3
)

// Config is the per-VM boot configuration, derived from RunnerConfig.
type Config struct {
	VCPU           int
	MemoryMB       int
	FirecrackerBin string
	KernelPath     string
	RootfsPath     string
	LogLevel       string

	// SnapshotPath/MemFilePath select the snapshot-restore path when both
	// are non-empty; otherwise the VM cold-boots from KernelPath/RootfsPath.
	SnapshotPath string
	MemFilePath  string

	BootTimeout time.Duration
}

// VM is one Firecracker instance's exclusive owner of a workspace
// directory, API socket, vsock UDS, and acquired namespace.
type VM struct {
	ID            string
	WorkspaceDir  string
	ApiSockPath   string
	VsockSockPath string
	ConfigPath    string

	cfg   Config
	netns *netnspool.PooledNetns

	mu    sync.Mutex
	state State
	cmd   *exec.Cmd

	listener *vsockrpc.Listener
	guest    *vsockrpc.GuestClient
}

// New allocates vmID's workspace directory under runnerCWD and returns a
// VM in StateCreated. The caller must already hold ns exclusively.
func New(runnerCWD, vmID string, cfg Config, ns *netnspool.PooledNetns) (*VM, error) {
	workspaceDir := filepath.Join(runnerCWD, "workspaces", "vm0-"+vmID)
	if err := os.MkdirAll(workspaceDir, 0755); err != nil {
		return nil, fmt.Errorf("create workspace %s: %w", workspaceDir, err)
	}

	return &VM{
		ID:            vmID,
		WorkspaceDir:  workspaceDir,
		ApiSockPath:   filepath.Join(workspaceDir, "api.sock"),
		VsockSockPath: filepath.Join(workspaceDir, "vsock.sock"),
		ConfigPath:    filepath.Join(workspaceDir, "config.json"),
		cfg:           cfg,
		netns:         ns,
		state:         StateCreated,
	}, nil
}

// State returns the VM's current lifecycle state.
func (v *VM) State() State {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.state
}

func (v *VM) setState(s State) {
	v.mu.Lock()
	v.state = s
	v.mu.Unlock()
}

// Guest returns the connected guest client, or nil before WaitReady
// succeeds.
func (v *VM) Guest() *vsockrpc.GuestClient {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.guest
}

// Namespace returns the namespace this VM was built against, for the
// executor to release back to the pool after Kill.
func (v *VM) Namespace() *netnspool.PooledNetns {
	return v.netns
}
