package dockerdrv

import (
	"context"
	"errors"
	"fmt"

	containerTypes "github.com/docker/docker/api/types/container"

	"github.com/octolab/octolab/pkg/naming"
	rt "github.com/octolab/octolab/pkg/runtime"
	"github.com/octolab/octolab/pkg/types"
)

func containerRemoveForce() containerTypes.RemoveOptions {
	return containerTypes.RemoveOptions{Force: true, RemoveVolumes: false}
}

// DestroyLab performs the verified teardown: snapshot the project's
// containers, compose down, re-enumerate, force-remove stragglers by
// id, re-enumerate again, and only with an empty container set remove
// the project's networks. The report is always returned; missing
// resources are success.
func (d *Driver) DestroyLab(ctx context.Context, lab *types.Lab) (*rt.TeardownReport, error) {
	project := naming.Project(lab.ID)
	report := &rt.TeardownReport{Project: project}
	logger := d.logger.With().Str("lab_id", lab.ID).Str("project", project).Logger()

	// Teardown re-validates even though the name was derived above.
	// Infra projects never match the UUID pattern and are refused.
	if err := naming.ValidateProject(project); err != nil {
		report.Errors = append(report.Errors, err.Error())
		return report, err
	}
	if !naming.IsLabProject(project) {
		err := &naming.UnsafeNameError{Name: project}
		report.Errors = append(report.Errors, err.Error())
		return report, err
	}

	// Step 1: snapshot.
	pre, err := listProjectContainers(ctx, d.cli, project)
	if err != nil {
		report.Errors = append(report.Errors, d.red.Error(err))
		return report, &rt.RuntimeError{Op: "teardown enumerate", Err: err}
	}
	report.PreRunning = pre

	// Step 2: compose down, bounded. Exit code recorded, not trusted;
	// verification is the re-enumeration.
	dir := d.projectDir(lab.ID)
	downRes := d.composeDown(ctx, project, dir)
	report.RmRC = downRes.ExitCode

	// Step 3: re-enumerate, force-remove stragglers by id (not name),
	// re-enumerate again.
	remaining, err := listProjectContainers(ctx, d.cli, project)
	if err != nil {
		report.Errors = append(report.Errors, d.red.Error(err))
		return report, &rt.RuntimeError{Op: "teardown enumerate", Err: err}
	}
	report.RemainingAfterDown = remaining

	for _, id := range remaining {
		rmCtx, cancel := context.WithTimeout(ctx, d.settings.NetworkRmTimeout)
		err := d.cli.ContainerRemove(rmCtx, id, containerRemoveForce())
		cancel()
		if err != nil && classifyNetworkRemove(err) != rt.NetworkNotFound {
			report.Errors = append(report.Errors, fmt.Sprintf("rm %s: %s", shortID(id), d.red.Error(err)))
		}
	}

	final, err := listProjectContainers(ctx, d.cli, project)
	if err != nil {
		report.Errors = append(report.Errors, d.red.Error(err))
		return report, &rt.RuntimeError{Op: "teardown enumerate", Err: err}
	}
	report.RemainingFinal = final

	if len(final) > 0 {
		logger.Error().Strs("containers", final).Msg("containers survived teardown; networks untouched")
		report.Errors = append(report.Errors, fmt.Sprintf("%d containers still present after force removal", len(final)))
		return report, nil
	}

	// Step 4: networks, only now that the container set is empty.
	networks, err := listProjectNetworks(ctx, d.cli, project)
	if err != nil {
		report.Errors = append(report.Errors, d.red.Error(err))
		return report, &rt.RuntimeError{Op: "teardown enumerate networks", Err: err}
	}
	report.NetworksFound = networks

	allRemoved := true
	for _, name := range networks {
		if err := naming.ValidateProject(name); err != nil {
			// Label matched but the name does not: refuse, never touch.
			report.Errors = append(report.Errors, err.Error())
			allRemoved = false
			continue
		}
		outcome, err := d.removeNetworkWithRetry(ctx, lab, name, dir)
		switch outcome {
		case rt.NetworkOK, rt.NetworkNotFound:
			report.NetworksRemoved = append(report.NetworksRemoved, name)
		default:
			allRemoved = false
			if err != nil {
				report.Errors = append(report.Errors, fmt.Sprintf("network %s: %s", name, d.red.Error(err)))
				var blocked *rt.CleanupBlockedError
				if errors.As(err, &blocked) {
					return report, blocked
				}
			}
		}
	}

	// Step 5: release the port and finish the report.
	d.releasePort(lab.ID)
	d.removeProjectDir(lab.ID)
	report.VerifiedStopped = len(final) == 0 && allRemoved

	logger.Info().
		Bool("verified_stopped", report.VerifiedStopped).
		Int("pre_running", len(report.PreRunning)).
		Int("networks_found", len(report.NetworksFound)).
		Int("networks_removed", len(report.NetworksRemoved)).
		Msg("teardown complete")
	return report, nil
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
