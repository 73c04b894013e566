package vm

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/oriys/sandboxd/internal/logging"
	"github.com/oriys/sandboxd/internal/netnspool"
	"github.com/oriys/sandboxd/internal/runnererr"
	"github.com/oriys/sandboxd/internal/vsockrpc"
)

// Start spawns firecracker inside the VM's namespace and transitions
// Created → Booting. Cold boot writes a config.json and passes
// --config-file; snapshot restore spawns with only --api-sock and then
// issues the snapshot-load API call. Any failure from the spawn onward
// triggers kill + workspace cleanup, per §4.5's failure semantics; a
// failure writing the cold-boot config returns without cleanup.
func (v *VM) Start(ctx context.Context) error {
	v.mu.Lock()
	if v.state != StateCreated {
		v.mu.Unlock()
		return fmt.Errorf("vm %s: start called from state %s", v.ID, v.state)
	}
	v.mu.Unlock()

	snapshotRestore := v.cfg.SnapshotPath != "" && v.cfg.MemFilePath != ""

	args := []string{"netns", "exec", v.netns.Name, v.cfg.FirecrackerBin, "--api-sock", v.ApiSockPath}
	if !snapshotRestore {
		if err := writeColdBootConfig(v.ConfigPath, v.cfg, v.VsockSockPath); err != nil {
			return fmt.Errorf("write cold boot config: %w", err)
		}
		args = append(args, "--config-file", v.ConfigPath)
	}

	cmd := exec.Command("ip", args...)
	cmd.Dir = v.WorkspaceDir
	if v.cfg.LogLevel != "" {
		logPath := v.WorkspaceDir + "/firecracker.log"
		f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err == nil {
			cmd.Stdout = f
			cmd.Stderr = f
		}
	}

	if err := cmd.Start(); err != nil {
		_ = v.cleanupWorkspace()
		return fmt.Errorf("%w: %v", runnererr.ErrProcessSpawn, err)
	}

	v.mu.Lock()
	v.cmd = cmd
	v.state = StateBooting
	v.mu.Unlock()

	if err := waitForSocket(ctx, v.ApiSockPath, cmd.Process, 10*time.Second); err != nil {
		v.killLocked(2 * time.Second)
		_ = v.cleanupWorkspace()
		return fmt.Errorf("%w: api socket: %v", runnererr.ErrProcessSpawn, err)
	}

	if snapshotRestore {
		if err := v.restoreSnapshot(ctx); err != nil {
			v.killLocked(2 * time.Second)
			_ = v.cleanupWorkspace()
			return err
		}
	}

	return nil
}

func (v *VM) restoreSnapshot(ctx context.Context) error {
	vsock := map[string]interface{}{
		"guest_cid": guestCID,
		"uds_path":  v.VsockSockPath,
	}
	if err := apiCall(ctx, v.ApiSockPath, "PUT", "/vsock", vsock); err != nil {
		return fmt.Errorf("restore vsock: %w", err)
	}

	load := map[string]interface{}{
		"snapshot_path": v.cfg.SnapshotPath,
		"mem_backend": map[string]interface{}{
			"backend_type": "File",
			"backend_path": v.cfg.MemFilePath,
		},
		"resume_vm": true,
		"network_overrides": []map[string]interface{}{
			{"iface_id": "eth0", "host_dev_name": netnspool.GuestTapDevice},
		},
	}
	if err := apiCall(ctx, v.ApiSockPath, "PUT", "/snapshot/load", load); err != nil {
		return fmt.Errorf("load snapshot: %w", err)
	}
	return nil
}

// WaitReady accepts the guest's single vsock connection, completes the
// ready/ping/pong handshake, and transitions Booting → Ready. A timeout
// surfaces as GuestConnectTimeout.
func (v *VM) WaitReady(ctx context.Context, timeout time.Duration) error {
	listener, err := vsockrpc.Listen(v.VsockSockPath)
	if err != nil {
		return fmt.Errorf("%w: listen: %v", runnererr.ErrGuestConnectTimeout, err)
	}

	acceptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	guest, err := listener.Accept(acceptCtx)
	if err != nil {
		listener.Close()
		return fmt.Errorf("%w: %v", runnererr.ErrGuestConnectTimeout, err)
	}

	v.mu.Lock()
	v.listener = listener
	v.guest = guest
	v.state = StateReady
	v.mu.Unlock()

	return nil
}

// Kill sends SIGTERM to firecracker, escalates to SIGKILL after grace,
// closes the guest connection, and removes the workspace directory. The
// namespace itself is released by the caller (the executor), not here.
func (v *VM) Kill(grace time.Duration) {
	v.mu.Lock()
	v.state = StateKilling
	v.mu.Unlock()

	v.killLocked(grace)
	_ = v.cleanupWorkspace()

	v.mu.Lock()
	v.state = StateDead
	v.mu.Unlock()
}

func (v *VM) killLocked(grace time.Duration) {
	v.mu.Lock()
	cmd := v.cmd
	guest := v.guest
	listener := v.listener
	v.mu.Unlock()

	if guest != nil {
		_ = guest.Close()
	}
	if listener != nil {
		_ = listener.Close()
	}
	removeSocketClient(v.ApiSockPath)

	if cmd == nil || cmd.Process == nil {
		return
	}
	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
		logging.Op().Debug("vm sigterm failed", "vm_id", v.ID, "error", err)
	}

	done := make(chan struct{})
	go func() {
		_ = cmd.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(grace):
		_ = cmd.Process.Signal(syscall.SIGKILL)
		<-done
	}
}

func (v *VM) cleanupWorkspace() error {
	return os.RemoveAll(v.WorkspaceDir)
}
