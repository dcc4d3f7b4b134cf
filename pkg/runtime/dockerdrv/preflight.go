package dockerdrv

import (
	"context"
	"fmt"

	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/network"

	"github.com/octolab/octolab/pkg/naming"
	rt "github.com/octolab/octolab/pkg/runtime"
)

// preflightNetworks removes empty, detached per-lab networks left over
// from prior failed teardowns. Each removal frees a subnet from the
// daemon's address pool, which is what a new lab is about to need.
//
// Strictly scoped: only networks whose name matches the per-lab
// pattern are eligible, only networks with zero attached containers
// are removed, and no prune command is ever involved. Idempotent and
// safe under concurrent provisioning because eligibility requires
// emptiness.
func (d *Driver) preflightNetworks(ctx context.Context) error {
	listCtx, cancel := context.WithTimeout(ctx, d.settings.InspectTimeout)
	nets, err := d.cli.NetworkList(listCtx, network.ListOptions{
		Filters: filters.NewArgs(filters.Arg("label", composeProjectLabel)),
	})
	cancel()
	if err != nil {
		return fmt.Errorf("failed to list networks: %w", err)
	}

	var removed int
	for _, n := range nets {
		if naming.ValidateProject(n.Name) != nil {
			continue
		}
		if naming.ExtractLabID(n.Name) == "" {
			continue
		}

		inspectCtx, cancel := context.WithTimeout(ctx, d.settings.InspectTimeout)
		info, err := d.cli.NetworkInspect(inspectCtx, n.Name, network.InspectOptions{})
		cancel()
		if err != nil {
			if classifyNetworkRemove(err) == rt.NetworkNotFound {
				continue
			}
			d.logger.Debug().Str("network", n.Name).Err(err).Msg("preflight inspect failed, skipping")
			continue
		}
		if len(info.Containers) > 0 {
			continue
		}

		rmCtx, cancel := context.WithTimeout(ctx, d.settings.NetworkRmTimeout)
		err = d.cli.NetworkRemove(rmCtx, n.Name)
		cancel()
		switch classifyNetworkRemove(err) {
		case rt.NetworkOK:
			removed++
			d.logger.Info().Str("network", n.Name).Msg("preflight removed detached lab network")
		case rt.NetworkNotFound:
			// Raced another preflight. Fine.
		default:
			d.logger.Debug().Str("network", n.Name).Err(err).Msg("preflight removal failed, skipping")
		}
	}

	if removed > 0 {
		d.logger.Info().Int("removed", removed).Msg("network preflight reclaimed subnets")
	}
	return nil
}
