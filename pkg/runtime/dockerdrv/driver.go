package dockerdrv

import (
	"context"
	"fmt"
	"net"
	"path/filepath"
	"strconv"
	"strings"
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

// healthPollInterval paces WaitForHealthy's inspect loop.
const healthPollInterval = 2 * time.Second

// Driver provisions labs as project-scoped compose stacks on the
// shared Docker daemon. Enumeration, inspection, removal, and
// disconnection go through the Engine SDK; compose lifecycle goes
// through the CLI.
type Driver struct {
	cli         APIClient
	runner      *subprocess.Runner
	ports       *ports.Allocator
	settings    *config.Settings
	red         *redact.Redactor
	logger      zerolog.Logger
	projectRoot string
}

// New creates the container runtime driver. Project directories are
// written under <dataDir>/projects.
func New(cli APIClient, runner *subprocess.Runner, alloc *ports.Allocator, settings *config.Settings, red *redact.Redactor) *Driver {
	return &Driver{
		cli:         cli,
		runner:      runner,
		ports:       alloc,
		settings:    settings,
		red:         red,
		logger:      log.WithComponent("dockerdrv"),
		projectRoot: filepath.Join(settings.DataDir, "projects"),
	}
}

// CreateLab provisions the compose project for the lab: preflight
// cleanup of leftover detached networks, port allocation with a bounded
// collision retry, compose up with server-derived environment. On any
// failure everything created so far is torn down and the port
// reservation is released.
func (d *Driver) CreateLab(ctx context.Context, lab *types.Lab, recipe *types.Recipe, vncPassword string) (*rt.CreateResult, error) {
	if err := naming.ValidateLabID(lab.ID); err != nil {
		return nil, &rt.RuntimeError{Op: "create", Err: err}
	}

	// The passwordless guard runs again here, not only at startup, so
	// a config reload cannot sneak an unauthenticated desktop onto a
	// non-loopback bind.
	if err := d.settings.CheckDesktopExposure(); err != nil {
		return nil, &rt.RuntimeError{Op: "create", Err: err}
	}

	project := naming.Project(lab.ID)
	logger := d.logger.With().Str("lab_id", lab.ID).Str("project", project).Logger()

	if err := d.preflightNetworks(ctx); err != nil {
		logger.Warn().Err(err).Msg("network preflight failed, continuing")
	}

	var lastErr error
	for attempt := 0; attempt <= d.settings.PortRetries; attempt++ {
		port, err := d.ports.Allocate(lab.ID, lab.OwnerID)
		if err != nil {
			if lastErr != nil {
				return nil, lastErr
			}
			return nil, &rt.PoolExhaustedError{Resource: "host ports", Detail: err.Error()}
		}

		dir, err := d.writeProject(lab, recipe, port, vncPassword)
		if err != nil {
			d.releasePort(lab.ID)
			return nil, &rt.RuntimeError{Op: "create", Err: err}
		}

		res, err := d.composeUp(ctx, project, dir)
		if err == nil {
			logger.Info().Int("port", port).Msg("compose project up")
			result := &rt.CreateResult{
				Port:    port,
				VNCHost: desktopContainerName(project),
				VNCPort: config.GuestVNCPort,
				Meta: map[string]string{
					"bound_port": strconv.Itoa(port),
					"bind_host":  d.settings.VNCBindHost,
					"web_port":   strconv.Itoa(DesktopWebPort),
				},
			}
			d.noteTargetState(ctx, project, recipe, result)
			return result, nil
		}

		combined := res.Stderr + "\n" + res.Stdout
		d.cleanupFailedCreate(ctx, lab, dir)

		switch {
		case isPoolExhausted(combined):
			d.releasePort(lab.ID)
			return nil, &rt.PoolExhaustedError{
				Resource: "network address pools",
				Detail:   "daemon address space exhausted after preflight; remove stale networks or widen the default address pool",
			}
		case isPortCollision(combined):
			// Another host process grabbed the port between the bind
			// probe and compose's bind. Release and pick a new one.
			d.releasePort(lab.ID)
			lastErr = &rt.RuntimeError{Op: "create", Err: fmt.Errorf("port %d collided: %s", port, d.red.String(firstLine(combined)))}
			logger.Warn().Int("port", port).Int("attempt", attempt).Msg("port collision, reallocating")
			continue
		case res.TimedOut:
			d.releasePort(lab.ID)
			return nil, &rt.RuntimeError{Op: "create", Err: fmt.Errorf("compose up timed out after %s", d.settings.ComposeTimeout)}
		default:
			d.releasePort(lab.ID)
			return nil, &rt.RuntimeError{Op: "create", Err: fmt.Errorf("compose up failed: %s", d.red.String(firstLine(combined)))}
		}
	}

	d.releasePort(lab.ID)
	if lastErr != nil {
		return nil, lastErr
	}
	return nil, &rt.RuntimeError{Op: "create", Err: fmt.Errorf("port collision retries exhausted")}
}

// noteTargetState marks the result degraded when the recipe declares a
// target service and its container is not running shortly after up.
// The desktop still works; the manager records DEGRADED instead of
// READY.
func (d *Driver) noteTargetState(ctx context.Context, project string, recipe *types.Recipe, result *rt.CreateResult) {
	if recipe.TargetImage == "" {
		return
	}
	inspectCtx, cancel := context.WithTimeout(ctx, d.settings.InspectTimeout)
	defer cancel()
	info, err := findServiceContainer(inspectCtx, d.cli, project, serviceTarget)
	if err != nil || info.State == nil || !info.State.Running {
		result.Degraded = true
		result.DegradedReason = "target service failed to start"
	}
}

// cleanupFailedCreate tears down whatever a failed compose up left
// behind. Best effort; provisioning is already failing.
func (d *Driver) cleanupFailedCreate(ctx context.Context, lab *types.Lab, dir string) {
	project := naming.Project(lab.ID)
	d.composeDown(ctx, project, dir)
	if ids, err := listProjectContainers(ctx, d.cli, project); err == nil {
		for _, id := range ids {
			_ = d.cli.ContainerRemove(ctx, id, containerRemoveForce())
		}
	}
	if names, err := listProjectNetworks(ctx, d.cli, project); err == nil {
		for _, name := range names {
			if naming.ValidateProject(name) == nil {
				_ = d.cli.NetworkRemove(ctx, name)
			}
		}
	}
	// A lab that never provisioned has no evidence worth keeping.
	for _, vol := range []string{naming.AuthVolume(lab.ID), naming.UserVolume(lab.ID), naming.PcapVolume(lab.ID)} {
		if naming.ValidateProject(vol) == nil {
			_ = d.cli.VolumeRemove(ctx, vol, false)
		}
	}
	d.removeProjectDir(lab.ID)
}

// releasePort drops the lab's reservation, logging instead of failing.
func (d *Driver) releasePort(labID string) {
	if err := d.ports.Release(labID); err != nil {
		d.logger.Warn().Str("lab_id", labID).Err(err).Msg("failed to release port reservation")
	}
}

// WaitForHealthy polls the desktop container until its healthcheck
// reports healthy, falling back to a TCP probe of the bound port when
// the image carries no healthcheck. An exited desktop fails
// immediately with UnhealthyError; running out of time fails with
// HealthTimeoutError.
func (d *Driver) WaitForHealthy(ctx context.Context, lab *types.Lab, timeout time.Duration) error {
	project := naming.Project(lab.ID)
	deadline := time.Now().Add(timeout)
	last := "desktop container not found"

	for time.Now().Before(deadline) {
		if err := ctx.Err(); err != nil {
			return err
		}
		inspectCtx, cancel := context.WithTimeout(ctx, d.settings.InspectTimeout)
		info, err := findServiceContainer(inspectCtx, d.cli, project, serviceDesktop)
		cancel()

		if err == nil && info.State != nil {
			switch {
			case info.State.Dead || info.State.Status == "exited":
				return &rt.UnhealthyError{Detail: fmt.Sprintf("desktop container exited with code %d", info.State.ExitCode)}
			case info.State.Health != nil:
				switch info.State.Health.Status {
				case "healthy":
					return nil
				case "unhealthy":
					return &rt.UnhealthyError{Detail: "desktop healthcheck reports unhealthy"}
				default:
					last = "healthcheck " + info.State.Health.Status
				}
			case info.State.Running:
				// No healthcheck configured; probe the bound port.
				if d.probePort(ctx, lab) {
					return nil
				}
				last = "desktop port not accepting connections"
			default:
				last = "desktop " + info.State.Status
			}
		} else if err != nil {
			last = d.red.Error(err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(healthPollInterval):
		}
	}

	return &rt.HealthTimeoutError{Timeout: timeout, Last: last}
}

// probePort TCP-dials the bound host port of the desktop web endpoint.
func (d *Driver) probePort(ctx context.Context, lab *types.Lab) bool {
	port, ok := lab.RuntimeMeta["bound_port"]
	if !ok {
		return false
	}
	var dialer net.Dialer
	dialCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	conn, err := dialer.DialContext(dialCtx, "tcp", net.JoinHostPort(d.settings.VNCBindHost, port))
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// ResourcesExist reports whether any containers or networks labeled
// with the lab's project remain. Enumeration errors read as "exists" so
// reconciliation retries teardown instead of dropping state.
func (d *Driver) ResourcesExist(ctx context.Context, lab *types.Lab) bool {
	project := naming.Project(lab.ID)
	if err := naming.ValidateProject(project); err != nil {
		return false
	}
	listCtx, cancel := context.WithTimeout(ctx, d.settings.InspectTimeout)
	defer cancel()

	ids, err := listProjectContainers(listCtx, d.cli, project)
	if err != nil {
		return true
	}
	if len(ids) > 0 {
		return true
	}
	nets, err := listProjectNetworks(listCtx, d.cli, project)
	if err != nil {
		return true
	}
	return len(nets) > 0
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
