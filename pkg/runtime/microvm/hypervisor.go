package microvm

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"
)

// defaultBootArgs are the kernel arguments every lab VM boots with.
const defaultBootArgs = "console=ttyS0 reboot=k panic=1 pci=off"

// guestCID is the fixed vsock CID of the guest. Host-side connections
// multiplex over the per-lab UDS, so a fixed guest CID is fine.
const guestCID = 3

// bootConfig is the hypervisor's --config-file document.
type bootConfig struct {
	BootSource        bootSource     `json:"boot-source"`
	Drives            []bootDrive    `json:"drives"`
	MachineConfig     machineConfig  `json:"machine-config"`
	Vsock             vsockConfig    `json:"vsock"`
	Metrics           metricsConfig  `json:"metrics"`
	NetworkInterfaces []netInterface `json:"network-interfaces,omitempty"`
}

type netInterface struct {
	IfaceID     string `json:"iface_id"`
	HostDevName string `json:"host_dev_name"`
}

type bootSource struct {
	KernelImagePath string `json:"kernel_image_path"`
	BootArgs        string `json:"boot_args"`
}

type bootDrive struct {
	DriveID      string `json:"drive_id"`
	PathOnHost   string `json:"path_on_host"`
	IsRootDevice bool   `json:"is_root_device"`
	IsReadOnly   bool   `json:"is_read_only"`
}

type machineConfig struct {
	VcpuCount  int  `json:"vcpu_count"`
	MemSizeMib int  `json:"mem_size_mib"`
	SMT        bool `json:"smt"`
}

type vsockConfig struct {
	GuestCID int    `json:"guest_cid"`
	UDSPath  string `json:"uds_path"`
}

type metricsConfig struct {
	MetricsPath string `json:"metrics_path"`
}

// hypervisor launches and stops one lab's VM process.
type hypervisor struct {
	bin    string
	kernel string
	rootfs string
}

// writeBootConfig materializes boot.json in the state dir. An empty
// tap boots the VM without a network interface, which is enough for
// the smoke runner.
func (h *hypervisor) writeBootConfig(sd *StateDir, tap string) error {
	cfg := bootConfig{
		BootSource: bootSource{
			KernelImagePath: h.kernel,
			BootArgs:        defaultBootArgs,
		},
		Drives: []bootDrive{{
			DriveID:      "rootfs",
			PathOnHost:   h.rootfs,
			IsRootDevice: true,
			IsReadOnly:   false,
		}},
		MachineConfig: machineConfig{VcpuCount: 2, MemSizeMib: 2048, SMT: false},
		Vsock:         vsockConfig{GuestCID: guestCID, UDSPath: sd.VsockPath()},
		Metrics:       metricsConfig{MetricsPath: sd.MetricsPath()},
	}
	if tap != "" {
		cfg.NetworkInterfaces = []netInterface{{IfaceID: "eth0", HostDevName: tap}}
	}
	data, err := json.MarshalIndent(&cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal boot config: %w", err)
	}
	if err := os.WriteFile(sd.BootPath(), data, 0o600); err != nil {
		return fmt.Errorf("failed to write boot config: %w", err)
	}
	return nil
}

// Start launches the hypervisor with the state dir's boot config,
// stderr streaming to stderr.log, and records the pid. The returned
// process is detached from the caller; teardown addresses it by pid.
func (h *hypervisor) Start(ctx context.Context, sd *StateDir) (int, error) {
	stderr, err := os.OpenFile(sd.StderrPath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return 0, fmt.Errorf("failed to open stderr log: %w", err)
	}
	defer stderr.Close()

	cmd := exec.Command(h.bin, "--api-sock", sd.SocketPath(), "--config-file", sd.BootPath())
	cmd.Stderr = stderr
	cmd.Stdout = stderr
	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("failed to start hypervisor: %w", err)
	}

	pid := cmd.Process.Pid
	if err := sd.WritePID(pid); err != nil {
		_ = cmd.Process.Kill()
		return 0, err
	}

	// Reap on exit so a crashed VM does not linger as a zombie.
	go func() { _ = cmd.Wait() }()

	return pid, nil
}

// Alive reports whether the recorded hypervisor process still runs.
func (h *hypervisor) Alive(sd *StateDir) bool {
	pid := sd.ReadPID()
	if pid == 0 {
		return false
	}
	return syscall.Kill(pid, 0) == nil
}

// Stop terminates the hypervisor: SIGTERM, a bounded wait, then
// SIGKILL. A process that is already gone is success.
func (h *hypervisor) Stop(ctx context.Context, sd *StateDir, grace time.Duration) error {
	pid := sd.ReadPID()
	if pid == 0 {
		return nil
	}
	if err := syscall.Kill(pid, syscall.SIGTERM); err != nil {
		return nil // already gone
	}

	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) && ctx.Err() == nil {
		if syscall.Kill(pid, 0) != nil {
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}

	_ = syscall.Kill(pid, syscall.SIGKILL)
	return nil
}
