package vm

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/oriys/sandboxd/internal/netnspool"
)

// bootArgs builds the fixed kernel command line from §6: the guest always
// gets the same address because it boots inside its own namespace.
func bootArgs() string {
	return fmt.Sprintf(
		"console=ttyS0 reboot=k panic=1 pci=off ip=%s::%s:%s:vm0-guest:eth0:off",
		GuestIP, guestGateway, guestNetmask,
	)
}

// coldBootConfig is the Firecracker `--config-file` document for a cold
// boot: no API calls are needed before InstanceStart.
type coldBootConfig struct {
	BootSource struct {
		KernelImagePath string `json:"kernel_image_path"`
		BootArgs        string `json:"boot_args"`
	} `json:"boot-source"`
	Drives []struct {
		DriveID      string `json:"drive_id"`
		PathOnHost   string `json:"path_on_host"`
		IsRootDevice bool   `json:"is_root_device"`
		IsReadOnly   bool   `json:"is_read_only"`
	} `json:"drives"`
	NetworkInterfaces []struct {
		IfaceID     string `json:"iface_id"`
		GuestMAC    string `json:"guest_mac"`
		HostDevName string `json:"host_dev_name"`
	} `json:"network-interfaces"`
	Vsock struct {
		GuestCID uint32 `json:"guest_cid"`
		UdsPath  string `json:"uds_path"`
	} `json:"vsock"`
	MachineConfig struct {
		VCPUCount  int `json:"vcpu_count"`
		MemSizeMib int `json:"mem_size_mib"`
	} `json:"machine-config"`
}

func writeColdBootConfig(path string, cfg Config, vsockPath string) error {
	var doc coldBootConfig
	doc.BootSource.KernelImagePath = cfg.KernelPath
	doc.BootSource.BootArgs = bootArgs()

	doc.Drives = append(doc.Drives, struct {
		DriveID      string `json:"drive_id"`
		PathOnHost   string `json:"path_on_host"`
		IsRootDevice bool   `json:"is_root_device"`
		IsReadOnly   bool   `json:"is_read_only"`
	}{DriveID: "rootfs", PathOnHost: cfg.RootfsPath, IsRootDevice: true, IsReadOnly: false})

	doc.NetworkInterfaces = append(doc.NetworkInterfaces, struct {
		IfaceID     string `json:"iface_id"`
		GuestMAC    string `json:"guest_mac"`
		HostDevName string `json:"host_dev_name"`
	}{IfaceID: "eth0", GuestMAC: GuestMAC, HostDevName: netnspool.GuestTapDevice})

	doc.Vsock.GuestCID = guestCID
	doc.Vsock.UdsPath = vsockPath

	doc.MachineConfig.VCPUCount = cfg.VCPU
	doc.MachineConfig.MemSizeMib = cfg.MemoryMB

	data, err := json.MarshalIndent(&doc, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
