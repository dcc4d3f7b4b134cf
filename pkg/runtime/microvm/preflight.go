package microvm

import (
	"fmt"
	"os"
)

// PreflightReport carries the non-fatal observations collected before
// a VM boot. Warnings inform the operator; only Err fails
// provisioning.
type PreflightReport struct {
	Warnings []string
	Err      error
}

// preflight validates the hypervisor binary, kernel image, and rootfs
// image, and collects diagnostic indicators. Missing or unreadable
// required files fail; everything else only warns.
func preflight(bin, kernel, rootfs string) *PreflightReport {
	rep := &PreflightReport{}

	info, err := os.Stat(bin)
	switch {
	case err != nil:
		rep.Err = fmt.Errorf("hypervisor binary %s: %w", bin, err)
		return rep
	case info.Mode()&0o111 == 0:
		rep.Err = fmt.Errorf("hypervisor binary %s is not executable", bin)
		return rep
	}

	for _, f := range []struct{ label, path string }{
		{"kernel image", kernel},
		{"rootfs image", rootfs},
	} {
		fh, err := os.Open(f.path)
		if err != nil {
			rep.Err = fmt.Errorf("%s %s: %w", f.label, f.path, err)
			return rep
		}
		fh.Close()
	}

	// Diagnostics: warn, never fail. The boot itself is the real test.
	if _, err := os.Stat("/dev/kvm"); err != nil {
		rep.Warnings = append(rep.Warnings, "/dev/kvm not present; hardware virtualization unavailable")
	}
	if _, err := os.Stat("/proc/sys/net/ipv4/ip_forward"); err == nil {
		if data, err := os.ReadFile("/proc/sys/net/ipv4/ip_forward"); err == nil && len(data) > 0 && data[0] != '1' {
			rep.Warnings = append(rep.Warnings, "net.ipv4.ip_forward is disabled; guest egress will not route")
		}
	}

	return rep
}
