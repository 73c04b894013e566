package vm

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/oriys/sandboxd/internal/netnspool"
)

func TestNewAllocatesWorkspace(t *testing.T) {
	cwd := t.TempDir()
	instance, err := New(cwd, "deadbeef", Config{VCPU: 2, MemoryMB: 2048}, nil)
	if err != nil {
		t.Fatal(err)
	}

	wantDir := filepath.Join(cwd, "workspaces", "vm0-deadbeef")
	if instance.WorkspaceDir != wantDir {
		t.Fatalf("workspace dir = %q, want %q", instance.WorkspaceDir, wantDir)
	}
	if _, err := os.Stat(wantDir); err != nil {
		t.Fatalf("workspace dir not created: %v", err)
	}
	if instance.ApiSockPath != filepath.Join(wantDir, "api.sock") {
		t.Fatalf("unexpected api sock path: %s", instance.ApiSockPath)
	}
	if instance.VsockSockPath != filepath.Join(wantDir, "vsock.sock") {
		t.Fatalf("unexpected vsock path: %s", instance.VsockSockPath)
	}
	if instance.State() != StateCreated {
		t.Fatalf("expected initial state Created, got %s", instance.State())
	}
	if instance.Guest() != nil {
		t.Fatal("expected no guest client before WaitReady")
	}
}

func TestWriteColdBootConfigShape(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	cfg := Config{VCPU: 2, MemoryMB: 1024, KernelPath: "/opt/runner/kernel/vmlinux", RootfsPath: "/opt/runner/rootfs/base.ext4"}

	if err := writeColdBootConfig(path, cfg, filepath.Join(dir, "vsock.sock")); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var doc coldBootConfig
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatal(err)
	}

	if doc.BootSource.KernelImagePath != cfg.KernelPath {
		t.Fatalf("kernel path = %q, want %q", doc.BootSource.KernelImagePath, cfg.KernelPath)
	}
	if !strings.Contains(doc.BootSource.BootArgs, GuestIP) {
		t.Fatalf("boot args missing fixed guest ip: %s", doc.BootSource.BootArgs)
	}
	if len(doc.Drives) != 1 || !doc.Drives[0].IsRootDevice || doc.Drives[0].PathOnHost != cfg.RootfsPath {
		t.Fatalf("unexpected drives: %+v", doc.Drives)
	}
	if len(doc.NetworkInterfaces) != 1 || doc.NetworkInterfaces[0].HostDevName != netnspool.GuestTapDevice {
		t.Fatalf("unexpected network interfaces: %+v", doc.NetworkInterfaces)
	}
	if doc.Vsock.GuestCID != guestCID {
		t.Fatalf("vsock cid = %d, want %d", doc.Vsock.GuestCID, guestCID)
	}
	if doc.MachineConfig.VCPUCount != cfg.VCPU || doc.MachineConfig.MemSizeMib != cfg.MemoryMB {
		t.Fatalf("unexpected machine config: %+v", doc.MachineConfig)
	}
}
