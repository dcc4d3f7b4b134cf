package dockerdrv

import (
	"context"
	"fmt"
	"time"

	"github.com/docker/docker/api/types/network"

	"github.com/octolab/octolab/pkg/naming"
	rt "github.com/octolab/octolab/pkg/runtime"
	"github.com/octolab/octolab/pkg/types"
)

// removeNetworkWithRetry attempts to remove one per-lab network,
// classifying each failure and acting on IN_USE:
//
//   - lab containers attached: compose rm -sfv, then retry
//   - only allowlisted control-plane containers attached: force
//     disconnect each, then retry
//   - unknown containers attached: CleanupBlockedError, no disconnect
//   - empty attach list but still IN_USE: the daemon's asynchronous
//     interface garbage collection has not caught up; back off and
//     retry, bounded, then give up with a single warning
func (d *Driver) removeNetworkWithRetry(ctx context.Context, lab *types.Lab, netName, projectDir string) (rt.NetworkResult, error) {
	project := naming.Project(lab.ID)
	logger := d.logger.With().Str("lab_id", lab.ID).Str("network", netName).Logger()

	var outcome rt.NetworkResult
	for attempt := 1; attempt <= d.settings.NetRmRetries; attempt++ {
		rmCtx, cancel := context.WithTimeout(ctx, d.settings.NetworkRmTimeout)
		err := d.cli.NetworkRemove(rmCtx, netName)
		cancel()

		outcome = classifyNetworkRemove(err)
		switch outcome {
		case rt.NetworkOK:
			return rt.NetworkOK, nil
		case rt.NetworkNotFound:
			// Already gone is success, never a warning.
			return rt.NetworkNotFound, nil
		case rt.NetworkError:
			return rt.NetworkError, fmt.Errorf("failed to remove network %s: %w", netName, err)
		}

		// IN_USE: inspect who is holding it.
		attached, inspectErr := d.attachedContainers(ctx, netName)
		if inspectErr != nil {
			return rt.NetworkError, fmt.Errorf("failed to inspect network %s: %w", netName, inspectErr)
		}

		if len(attached) == 0 {
			// GC race: endpoints are reported gone but removal still
			// says in use. Wait and retry.
			logger.Debug().Int("attempt", attempt).Msg("network in use with no attached containers, backing off")
			select {
			case <-ctx.Done():
				return rt.NetworkInUse, ctx.Err()
			case <-time.After(d.settings.NetRmBackoff):
			}
			continue
		}

		labOwned, allowlisted, unknown := d.classifyAttached(attached, project)
		switch {
		case len(unknown) > 0:
			return rt.NetworkInUse, &rt.CleanupBlockedError{Network: netName, Containers: unknown}
		case len(labOwned) > 0:
			logger.Info().Strs("containers", labOwned).Msg("lab containers still attached, running compose rm")
			d.composeRm(ctx, project, projectDir)
		default:
			for _, name := range allowlisted {
				logger.Info().Str("container", name).Msg("disconnecting allowlisted container from lab network")
				dcCtx, cancel := context.WithTimeout(ctx, d.settings.DisconnectTimeout)
				if err := d.cli.NetworkDisconnect(dcCtx, netName, name, true); err != nil &&
					classifyNetworkRemove(err) != rt.NetworkNotFound {
					logger.Warn().Str("container", name).Err(err).Msg("disconnect failed")
				}
				cancel()
			}
		}
	}

	// One warning for the whole retry budget, then give up.
	logger.Warn().
		Int("retries", d.settings.NetRmRetries).
		Msg("network removal gave up after retries")
	return outcome, nil
}

// attachedContainers returns the names of containers the daemon reports
// attached to the network.
func (d *Driver) attachedContainers(ctx context.Context, netName string) ([]string, error) {
	inspectCtx, cancel := context.WithTimeout(ctx, d.settings.InspectTimeout)
	defer cancel()
	info, err := d.cli.NetworkInspect(inspectCtx, netName, network.InspectOptions{})
	if err != nil {
		if classifyNetworkRemove(err) == rt.NetworkNotFound {
			return nil, nil
		}
		return nil, err
	}
	names := make([]string, 0, len(info.Containers))
	for _, ep := range info.Containers {
		names = append(names, ep.Name)
	}
	return names, nil
}

// classifyAttached splits attached container names into lab-owned
// (compose containers of this project, either hyphen or underscore
// convention), operator-allowlisted control-plane containers, and
// unknown.
func (d *Driver) classifyAttached(attached []string, project string) (labOwned, allowlisted, unknown []string) {
	for _, name := range attached {
		switch {
		case naming.BelongsToProject(name, project):
			labOwned = append(labOwned, name)
		case d.isAllowlisted(name):
			allowlisted = append(allowlisted, name)
		default:
			unknown = append(unknown, name)
		}
	}
	return labOwned, allowlisted, unknown
}

func (d *Driver) isAllowlisted(name string) bool {
	for _, allowed := range d.settings.NetAllowlist {
		if name == allowed {
			return true
		}
	}
	return false
}
