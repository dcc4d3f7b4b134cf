package dockerdrv

import (
	"context"
	"fmt"
	"strings"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types"
	containerTypes "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"

	rt "github.com/octolab/octolab/pkg/runtime"
)

// composeProjectLabel is the label compose stamps on every container,
// network, and volume it creates. All enumeration filters on it.
const composeProjectLabel = "com.docker.compose.project"

// composeServiceLabel identifies the service a container belongs to.
const composeServiceLabel = "com.docker.compose.service"

// APIClient is the slice of the Docker Engine API the driver consumes.
// Tests substitute a recorder.
type APIClient interface {
	ContainerList(ctx context.Context, options containerTypes.ListOptions) ([]containerTypes.Summary, error)
	ContainerInspect(ctx context.Context, containerID string) (containerTypes.InspectResponse, error)
	ContainerRemove(ctx context.Context, containerID string, options containerTypes.RemoveOptions) error
	NetworkList(ctx context.Context, options network.ListOptions) ([]network.Summary, error)
	NetworkInspect(ctx context.Context, networkID string, options network.InspectOptions) (network.Inspect, error)
	NetworkRemove(ctx context.Context, networkID string) error
	NetworkConnect(ctx context.Context, networkID, containerID string, config *network.EndpointSettings) error
	NetworkDisconnect(ctx context.Context, networkID, containerID string, force bool) error
	VolumeRemove(ctx context.Context, volumeID string, force bool) error
	Ping(ctx context.Context) (types.Ping, error)
}

// NewAPIClient connects to the Docker daemon from the environment and
// verifies the connection.
func NewAPIClient(ctx context.Context) (*client.Client, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	if _, err := cli.Ping(ctx); err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("failed to connect to docker daemon: %w", err)
	}
	return cli, nil
}

// projectFilter builds the label filter selecting one project's
// resources.
func projectFilter(project string) filters.Args {
	return filters.NewArgs(filters.Arg("label", composeProjectLabel+"="+project))
}

// listProjectContainers enumerates the ids of all containers (running
// or not) labeled with the project.
func listProjectContainers(ctx context.Context, cli APIClient, project string) ([]string, error) {
	summaries, err := cli.ContainerList(ctx, containerTypes.ListOptions{
		All:     true,
		Filters: projectFilter(project),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list containers for %s: %w", project, err)
	}
	ids := make([]string, 0, len(summaries))
	for _, s := range summaries {
		ids = append(ids, s.ID)
	}
	return ids, nil
}

// listProjectNetworks enumerates the names of all networks labeled with
// the project.
func listProjectNetworks(ctx context.Context, cli APIClient, project string) ([]string, error) {
	nets, err := cli.NetworkList(ctx, network.ListOptions{Filters: projectFilter(project)})
	if err != nil {
		return nil, fmt.Errorf("failed to list networks for %s: %w", project, err)
	}
	names := make([]string, 0, len(nets))
	for _, n := range nets {
		names = append(names, n.Name)
	}
	return names, nil
}

// findServiceContainer returns the inspect view of the project's
// container for the named compose service, or NotFound.
func findServiceContainer(ctx context.Context, cli APIClient, project, service string) (containerTypes.InspectResponse, error) {
	f := projectFilter(project)
	f.Add("label", composeServiceLabel+"="+service)
	summaries, err := cli.ContainerList(ctx, containerTypes.ListOptions{All: true, Filters: f})
	if err != nil {
		return containerTypes.InspectResponse{}, fmt.Errorf("failed to list %s/%s: %w", project, service, err)
	}
	if len(summaries) == 0 {
		return containerTypes.InspectResponse{}, fmt.Errorf("service %s of %s: not found", service, project)
	}
	return cli.ContainerInspect(ctx, summaries[0].ID)
}

// classifyNetworkRemove maps a NetworkRemove error to the four-way
// classification the retry loop branches on.
func classifyNetworkRemove(err error) rt.NetworkResult {
	if err == nil {
		return rt.NetworkOK
	}
	if cerrdefs.IsNotFound(err) {
		return rt.NetworkNotFound
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "active endpoints") || strings.Contains(msg, "in use") {
		return rt.NetworkInUse
	}
	if cerrdefs.IsConflict(err) || cerrdefs.IsPermissionDenied(err) {
		return rt.NetworkInUse
	}
	return rt.NetworkError
}

// isPoolExhausted recognizes the daemon's subnet-exhaustion failure in
// compose or SDK error output.
func isPoolExhausted(s string) bool {
	s = strings.ToLower(s)
	return strings.Contains(s, "address pools have been fully subnetted") ||
		strings.Contains(s, "non-overlapping ipv4 address pool") ||
		strings.Contains(s, "no available network")
}

// isPortCollision recognizes a bind failure on the host port.
func isPortCollision(s string) bool {
	s = strings.ToLower(s)
	return strings.Contains(s, "port is already allocated") ||
		strings.Contains(s, "address already in use")
}
