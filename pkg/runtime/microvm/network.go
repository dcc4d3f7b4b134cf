package microvm

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/octolab/octolab/pkg/config"
	"github.com/octolab/octolab/pkg/naming"
	"github.com/octolab/octolab/pkg/subprocess"
)

// GuestNet describes the per-lab guest addressing derived from the lab
// id: a /24 inside the operator's guest range, the host side of the
// TAP as gateway, and the guest one address up.
type GuestNet struct {
	TAP     string
	Subnet  string // e.g. 172.30.17.0/24
	HostIP  string // .1, assigned to the TAP, guest's gateway
	GuestIP string // .2
	Mask    string // 255.255.255.0
	DNS     string
}

// ruleTag labels every packet-filter rule belonging to one lab so
// teardown deletes exactly this lab's rules and nothing else.
func ruleTag(tap string) string {
	return "octolab-" + tap
}

// deriveGuestNet maps a lab id onto a /24. The third octet comes from
// the leading byte pair of the TAP suffix, so it is stable per lab;
// the operator's quota keeps concurrent labs far below 254, and a
// collision surfaces as an address-add failure at setup, not silent
// cross-talk.
func deriveGuestNet(labID, dns string) (*GuestNet, error) {
	tap := naming.TAP(labID)
	if err := naming.ValidateTAP(tap); err != nil {
		return nil, err
	}
	hexPart := tap[len("tap-"):]
	b, err := strconv.ParseUint(hexPart[:2], 16, 8)
	if err != nil {
		return nil, fmt.Errorf("failed to derive subnet from %s: %w", tap, err)
	}
	octet := int(b)
	if octet == 0 {
		octet = 1
	}
	if octet == 255 {
		octet = 254
	}
	return &GuestNet{
		TAP:     tap,
		Subnet:  fmt.Sprintf("172.30.%d.0/24", octet),
		HostIP:  fmt.Sprintf("172.30.%d.1", octet),
		GuestIP: fmt.Sprintf("172.30.%d.2", octet),
		Mask:    "255.255.255.0",
		DNS:     dns,
	}, nil
}

// netManager drives ip and iptables for per-lab TAP devices and
// packet-filter rules. All invocations are argument vectors through
// the shared runner.
type netManager struct {
	runner   *subprocess.Runner
	settings *config.Settings
}

// Setup creates the TAP, addresses it, and installs egress masquerade
// plus host-to-guest VNC forwarding on the allocated port. Partially
// applied setups are torn down by the caller via Teardown, which is a
// no-op for rules that never landed.
func (n *netManager) Setup(ctx context.Context, gn *GuestNet, hostPort int) error {
	if err := naming.ValidateTAP(gn.TAP); err != nil {
		return err
	}
	t := n.settings.NetworkRmTimeout
	steps := [][]string{
		{"ip", "tuntap", "add", "dev", gn.TAP, "mode", "tap"},
		{"ip", "addr", "add", gn.HostIP + "/24", "dev", gn.TAP},
		{"ip", "link", "set", gn.TAP, "up"},
		{"iptables", "-t", "nat", "-A", "POSTROUTING",
			"-s", gn.Subnet, "-j", "MASQUERADE",
			"-m", "comment", "--comment", ruleTag(gn.TAP)},
		{"iptables", "-A", "FORWARD", "-i", gn.TAP, "-j", "ACCEPT",
			"-m", "comment", "--comment", ruleTag(gn.TAP)},
		{"iptables", "-A", "FORWARD", "-o", gn.TAP, "-j", "ACCEPT",
			"-m", "comment", "--comment", ruleTag(gn.TAP)},
	}
	steps = append(steps, forwardRules("-A", gn, hostPort)...)

	for _, args := range steps {
		if _, err := n.runner.Run(ctx, t, args[0], args[1:]...); err != nil {
			return fmt.Errorf("network setup %s: %w", args[0], err)
		}
	}
	return nil
}

// forwardRules returns the DNAT and FORWARD rules mapping the host
// port to the guest's VNC.
func forwardRules(action string, gn *GuestNet, hostPort int) [][]string {
	vnc := strconv.Itoa(config.GuestVNCPort)
	return [][]string{
		{"iptables", "-t", "nat", action, "PREROUTING",
			"-p", "tcp", "--dport", strconv.Itoa(hostPort),
			"-j", "DNAT", "--to-destination", gn.GuestIP + ":" + vnc,
			"-m", "comment", "--comment", ruleTag(gn.TAP)},
		{"iptables", "-t", "nat", action, "OUTPUT",
			"-p", "tcp", "-d", "127.0.0.1", "--dport", strconv.Itoa(hostPort),
			"-j", "DNAT", "--to-destination", gn.GuestIP + ":" + vnc,
			"-m", "comment", "--comment", ruleTag(gn.TAP)},
		{"iptables", action, "FORWARD",
			"-d", gn.GuestIP, "-p", "tcp", "--dport", vnc, "-j", "ACCEPT",
			"-m", "comment", "--comment", ruleTag(gn.TAP)},
	}
}

// RemoveForwarding deletes only the host-to-guest forwarding rules.
// Errors are returned for the report but a missing rule is fine.
func (n *netManager) RemoveForwarding(ctx context.Context, gn *GuestNet, hostPort int) error {
	if err := naming.ValidateTAP(gn.TAP); err != nil {
		return err
	}
	var firstErr error
	for _, args := range forwardRules("-D", gn, hostPort) {
		res, err := n.runner.Run(ctx, n.settings.NetworkRmTimeout, args[0], args[1:]...)
		if err != nil && !isAlreadyGone(res.Stderr) && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// isAlreadyGone recognizes the ip and iptables messages for resources
// that no longer exist. Deleting what is already gone is success.
func isAlreadyGone(stderr string) bool {
	s := strings.ToLower(stderr)
	return strings.Contains(s, "does not exist") ||
		strings.Contains(s, "no chain/target/match") ||
		strings.Contains(s, "cannot find device") ||
		strings.Contains(s, "bad rule")
}

// Teardown removes the egress rules and the TAP. Every step tolerates
// "already gone".
func (n *netManager) Teardown(ctx context.Context, gn *GuestNet) error {
	if err := naming.ValidateTAP(gn.TAP); err != nil {
		return err
	}
	t := n.settings.NetworkRmTimeout
	steps := [][]string{
		{"iptables", "-t", "nat", "-D", "POSTROUTING",
			"-s", gn.Subnet, "-j", "MASQUERADE",
			"-m", "comment", "--comment", ruleTag(gn.TAP)},
		{"iptables", "-D", "FORWARD", "-i", gn.TAP, "-j", "ACCEPT",
			"-m", "comment", "--comment", ruleTag(gn.TAP)},
		{"iptables", "-D", "FORWARD", "-o", gn.TAP, "-j", "ACCEPT",
			"-m", "comment", "--comment", ruleTag(gn.TAP)},
		{"ip", "link", "del", gn.TAP},
	}
	var firstErr error
	for _, args := range steps {
		res, err := n.runner.Run(ctx, t, args[0], args[1:]...)
		if err != nil && !isAlreadyGone(res.Stderr) && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
