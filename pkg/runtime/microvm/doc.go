// Package microvm runs labs as dedicated-kernel virtual machines.
//
// Each lab gets a hypervisor subprocess, a per-lab state directory
// holding its control socket and boot config, a TAP device with NAT
// and a single forwarded VNC port, and a guest agent reached over a
// vsock unix socket. The agent speaks a small allowlisted JSON
// protocol; compose runs inside the guest against public images.
package microvm
