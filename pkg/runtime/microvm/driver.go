package microvm

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/octolab/octolab/pkg/config"
	"github.com/octolab/octolab/pkg/log"
	"github.com/octolab/octolab/pkg/naming"
	"github.com/octolab/octolab/pkg/ports"
	"github.com/octolab/octolab/pkg/redact"
	rt "github.com/octolab/octolab/pkg/runtime"
	"github.com/octolab/octolab/pkg/subprocess"
	"github.com/octolab/octolab/pkg/types"
)

// bootWait bounds how long the guest agent may take to answer its
// first ping after the hypervisor starts.
const bootWait = 60 * time.Second

// stopGrace is the window between SIGTERM and SIGKILL on teardown.
const stopGrace = 5 * time.Second

// diagExcerptLen caps how much of the agent's diag output is attached
// to a compose_up failure.
const diagExcerptLen = 1024

// Runtime metadata keys the driver records on the lab row.
const (
	metaGuestIP       = "guest_ip"
	metaGuestVNCPort  = "guest_vnc_port"
	metaHostBridgeIP  = "host_bridge_ip"
	metaForwardedPort = "forwarded_port"
	metaTAP           = "tap"
)

// Driver provisions labs as dedicated-kernel microVMs behind a
// hypervisor subprocess, with per-lab TAP networking and a guest agent
// spoken to over vsock.
type Driver struct {
	runner   *subprocess.Runner
	ports    *ports.Allocator
	settings *config.Settings
	red      *redact.Redactor
	logger   zerolog.Logger
	hv       *hypervisor
	net      *netManager

	// newAgent builds the per-lab agent client. Swapped in tests.
	newAgent func(udsPath string) *AgentClient
}

// New creates the microVM runtime driver.
func New(runner *subprocess.Runner, alloc *ports.Allocator, settings *config.Settings, red *redact.Redactor) *Driver {
	return &Driver{
		runner:   runner,
		ports:    alloc,
		settings: settings,
		red:      red,
		logger:   log.WithComponent("microvm"),
		hv:       &hypervisor{bin: settings.FCBin, kernel: settings.FCKernel, rootfs: settings.FCRootfs},
		net:      &netManager{runner: runner, settings: settings},
		newAgent: func(udsPath string) *AgentClient {
			return NewAgentClient(udsPath, settings.VsockPort)
		},
	}
}

// CreateLab boots a dedicated VM for the lab: preflight, port
// allocation, TAP and packet-filter setup, hypervisor launch, agent
// handshake with the stale-rootfs check, guest network configuration,
// bundle upload, and compose_up inside the guest. On any failure the
// partial state is torn down and the port released.
func (d *Driver) CreateLab(ctx context.Context, lab *types.Lab, recipe *types.Recipe, vncPassword string) (*rt.CreateResult, error) {
	if err := naming.ValidateLabID(lab.ID); err != nil {
		return nil, &rt.RuntimeError{Op: "create", Err: err}
	}
	if err := d.settings.CheckDesktopExposure(); err != nil {
		return nil, &rt.RuntimeError{Op: "create", Err: err}
	}
	logger := d.logger.With().Str("lab_id", lab.ID).Logger()

	pre := preflight(d.settings.FCBin, d.settings.FCKernel, d.settings.FCRootfs)
	for _, w := range pre.Warnings {
		logger.Warn().Msg("preflight: " + w)
	}
	if pre.Err != nil {
		return nil, &rt.RuntimeError{Op: "preflight", Err: pre.Err}
	}

	port, err := d.ports.Allocate(lab.ID, lab.OwnerID)
	if err != nil {
		return nil, &rt.PoolExhaustedError{Resource: "host ports", Detail: err.Error()}
	}

	fail := func(op string, err error) (*rt.CreateResult, error) {
		d.cleanupFailedCreate(lab, port)
		if _, ok := err.(*rt.StaleImageError); ok {
			return nil, err
		}
		return nil, &rt.RuntimeError{Op: op, Err: err}
	}

	gn, err := deriveGuestNet(lab.ID, d.settings.HostBridgeIP)
	if err != nil {
		return fail("network derive", err)
	}
	if err := d.net.Setup(ctx, gn, port); err != nil {
		return fail("network setup", err)
	}

	sd, err := NewStateDir(d.settings.StateRoot, lab.ID)
	if err != nil {
		return fail("state dir", err)
	}
	if err := sd.Create(); err != nil {
		return fail("state dir", err)
	}
	if err := d.hv.writeBootConfig(sd, gn.TAP); err != nil {
		return fail("boot config", err)
	}
	pid, err := d.hv.Start(ctx, sd)
	if err != nil {
		return fail("hypervisor start", err)
	}
	logger.Info().Int("pid", pid).Str("tap", gn.TAP).Msg("hypervisor started")

	agent := d.newAgent(sd.VsockPath())

	ping, err := d.waitForAgent(ctx, agent)
	if err != nil {
		return fail("agent handshake", err)
	}
	if missing := ping.StaleFields(); len(missing) > 0 {
		logger.Error().Strs("missing", missing).
			Msg("guest agent lacks identity fields; rebuild the rootfs image (make rootfs) and point OCTOLAB_FC_ROOTFS at the new build")
		return fail("agent handshake", &rt.StaleImageError{Missing: missing})
	}
	logger.Info().
		Str("agent_version", ping.AgentVersion).
		Str("rootfs_build_id", ping.RootfsBuildID).
		Msg("guest agent ready")

	if resp, err := agent.ConfigureNetwork(ctx, gn, d.settings.AgentPingTimeout); err != nil {
		return fail("configure_network", err)
	} else if !resp.OK {
		return fail("configure_network", fmt.Errorf("agent refused: %s", d.red.String(resp.Error)))
	}

	bundle, err := buildGuestBundle(lab, recipe, vncPassword)
	if err != nil {
		return fail("bundle", err)
	}
	if resp, err := agent.UploadProject(ctx, bundle, d.settings.AgentPingTimeout); err != nil {
		return fail("upload_project", err)
	} else if !resp.OK {
		return fail("upload_project", fmt.Errorf("agent refused: %s", d.red.String(resp.Error)))
	}

	resp, err := agent.ComposeUp(ctx, d.settings.AgentComposeUpTimeout)
	if err != nil || !resp.OK {
		detail := d.composeUpFailure(ctx, agent, resp, err)
		return fail("compose_up", detail)
	}

	return &rt.CreateResult{
		Port:    port,
		VNCHost: d.settings.HostBridgeIP,
		VNCPort: port,
		Meta: map[string]string{
			metaGuestIP:       gn.GuestIP,
			metaGuestVNCPort:  strconv.Itoa(config.GuestVNCPort),
			metaHostBridgeIP:  d.settings.HostBridgeIP,
			metaForwardedPort: strconv.Itoa(port),
			metaTAP:           gn.TAP,
		},
	}, nil
}

// waitForAgent pings until the agent answers or the boot window
// closes.
func (d *Driver) waitForAgent(ctx context.Context, agent *AgentClient) (*AgentResponse, error) {
	deadline := time.Now().Add(bootWait)
	var lastErr error
	for time.Now().Before(deadline) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		resp, err := agent.Ping(ctx, d.settings.AgentPingTimeout)
		if err == nil && resp.OK {
			return resp, nil
		}
		if err != nil {
			lastErr = err
		} else {
			lastErr = fmt.Errorf("agent not ready: %s", d.red.String(resp.Error))
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Second):
		}
	}
	return nil, fmt.Errorf("guest agent did not answer within %s: %w", bootWait, lastErr)
}

// composeUpFailure enriches a compose_up failure with a bounded,
// redacted diag excerpt from the guest.
func (d *Driver) composeUpFailure(ctx context.Context, agent *AgentClient, resp *AgentResponse, err error) error {
	base := "compose_up failed"
	if err != nil {
		base = fmt.Sprintf("compose_up failed: %s", d.red.Error(err))
	} else if resp != nil {
		base = fmt.Sprintf("compose_up failed (rc=%d): %s", resp.ExitCode, d.red.String(firstOf(resp.Error, resp.Stderr)))
	}

	diag, diagErr := agent.Diag(ctx, d.settings.AgentPingTimeout)
	if diagErr != nil || diag == nil {
		return fmt.Errorf("%s (diag unavailable)", base)
	}
	excerpt := redact.Truncate(d.red.String(diag.Stdout), diagExcerptLen)
	return fmt.Errorf("%s; diag: %s", base, excerpt)
}

// cleanupFailedCreate tears down whatever a failed create left behind
// and releases the port. Best effort, fresh context: the caller's may
// already be cancelled.
func (d *Driver) cleanupFailedCreate(lab *types.Lab, port int) {
	ctx, cancel := context.WithTimeout(context.Background(), d.settings.TeardownTimeout)
	defer cancel()

	if sd, err := NewStateDir(d.settings.StateRoot, lab.ID); err == nil {
		_ = d.hv.Stop(ctx, sd, stopGrace)
		if err := sd.Remove(); err != nil {
			d.logger.Warn().Str("lab_id", lab.ID).Err(err).Msg("failed to remove state dir")
		}
	}
	if gn, err := deriveGuestNet(lab.ID, d.settings.HostBridgeIP); err == nil {
		_ = d.net.RemoveForwarding(ctx, gn, port)
		_ = d.net.Teardown(ctx, gn)
	}
	if err := d.ports.Release(lab.ID); err != nil {
		d.logger.Warn().Str("lab_id", lab.ID).Err(err).Msg("failed to release port")
	}
}

// DestroyLab tears the VM down step by step: best-effort compose_down
// through the agent, hypervisor stop, forwarding rules, TAP and
// egress rules, state directory, port release. Every step is recorded
// and tolerates "already gone".
func (d *Driver) DestroyLab(ctx context.Context, lab *types.Lab) (*rt.TeardownReport, error) {
	report := &rt.TeardownReport{Project: naming.Project(lab.ID)}
	logger := d.logger.With().Str("lab_id", lab.ID).Logger()

	if err := naming.ValidateLabID(lab.ID); err != nil {
		report.Errors = append(report.Errors, err.Error())
		return report, err
	}

	sd, err := NewStateDir(d.settings.StateRoot, lab.ID)
	if err != nil {
		report.Errors = append(report.Errors, err.Error())
		return report, err
	}

	// compose_down inside the guest, only while the VM still runs.
	if d.hv.Alive(sd) {
		agent := d.newAgent(sd.VsockPath())
		if _, err := agent.ComposeDown(ctx, d.settings.ComposeTimeout); err != nil {
			report.AddStep("compose_down", false, d.red.Error(err))
		} else {
			report.AddStep("compose_down", true, "")
		}
	} else {
		report.AddStep("compose_down", true, "vm not running")
	}

	if err := d.hv.Stop(ctx, sd, stopGrace); err != nil {
		report.AddStep("hypervisor_stop", false, d.red.Error(err))
	} else {
		report.AddStep("hypervisor_stop", true, "")
	}

	port := d.forwardedPort(lab)
	gn, gnErr := deriveGuestNet(lab.ID, d.settings.HostBridgeIP)
	if gnErr != nil {
		report.AddStep("network_teardown", false, gnErr.Error())
	} else {
		if port > 0 {
			if err := d.net.RemoveForwarding(ctx, gn, port); err != nil {
				report.AddStep("remove_forwarding", false, d.red.Error(err))
			} else {
				report.AddStep("remove_forwarding", true, "")
			}
		} else {
			report.AddStep("remove_forwarding", true, "no forwarded port recorded")
		}
		if err := d.net.Teardown(ctx, gn); err != nil {
			report.AddStep("tap_teardown", false, d.red.Error(err))
		} else {
			report.AddStep("tap_teardown", true, "")
		}
	}

	if err := sd.Remove(); err != nil {
		report.AddStep("state_dir", false, err.Error())
	} else {
		report.AddStep("state_dir", true, "")
	}

	if err := d.ports.Release(lab.ID); err != nil {
		report.AddStep("port_release", false, err.Error())
	} else {
		report.AddStep("port_release", true, "")
	}

	report.VerifiedStopped = !d.hv.Alive(sd) && !sd.Exists()
	logger.Info().Bool("verified_stopped", report.VerifiedStopped).Msg("vm teardown complete")
	return report, nil
}

// forwardedPort reads the recorded host port from the lab row.
func (d *Driver) forwardedPort(lab *types.Lab) int {
	if v, ok := lab.RuntimeMeta[metaForwardedPort]; ok {
		if p, err := strconv.Atoi(v); err == nil {
			return p
		}
	}
	return 0
}

// WaitForHealthy polls the guest agent's status verb until the desktop
// answers.
func (d *Driver) WaitForHealthy(ctx context.Context, lab *types.Lab, timeout time.Duration) error {
	sd, err := NewStateDir(d.settings.StateRoot, lab.ID)
	if err != nil {
		return &rt.UnhealthyError{Detail: err.Error()}
	}
	if !d.hv.Alive(sd) {
		return &rt.UnhealthyError{Detail: "hypervisor process not running"}
	}
	agent := d.newAgent(sd.VsockPath())

	deadline := time.Now().Add(timeout)
	last := "no status yet"
	for time.Now().Before(deadline) {
		if err := ctx.Err(); err != nil {
			return err
		}
		resp, err := agent.Status(ctx, d.settings.AgentPingTimeout)
		if err == nil && resp.OK {
			return nil
		}
		if err != nil {
			last = d.red.Error(err)
		} else {
			last = d.red.String(firstOf(resp.Error, resp.Stderr))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}
	return &rt.HealthTimeoutError{Timeout: timeout, Last: last}
}

// ResourcesExist reports whether the lab's VM state remains on the
// host: a live hypervisor or a surviving state directory.
func (d *Driver) ResourcesExist(ctx context.Context, lab *types.Lab) bool {
	sd, err := NewStateDir(d.settings.StateRoot, lab.ID)
	if err != nil {
		return true
	}
	return d.hv.Alive(sd) || sd.Exists()
}

func firstOf(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
