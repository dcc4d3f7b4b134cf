package manager

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"strconv"

	containerTypes "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/rs/zerolog"

	"github.com/octolab/octolab/pkg/config"
	"github.com/octolab/octolab/pkg/log"
	"github.com/octolab/octolab/pkg/naming"
	"github.com/octolab/octolab/pkg/runtime/microvm"
	"github.com/octolab/octolab/pkg/types"
)

// logTailLines caps the per-service log export so a chatty container
// cannot blow up the evidence volume.
const logTailLines = 10000

// LogClient is the slice of the Docker Engine API the collector needs.
// Narrower than the driver's client, wider by ContainerLogs.
type LogClient interface {
	ContainerList(ctx context.Context, options containerTypes.ListOptions) ([]containerTypes.Summary, error)
	ContainerLogs(ctx context.Context, container string, options containerTypes.LogsOptions) (io.ReadCloser, error)
}

// Collector gathers authoritative service logs for a lab right before
// its evidence is sealed. Container labs export one file per compose
// service; microVM labs export the hypervisor's stderr stream.
type Collector struct {
	cli      LogClient
	settings *config.Settings
	logger   zerolog.Logger
}

// NewCollector wires a collector. cli may be nil when no container
// runtime is configured; microVM collection still works.
func NewCollector(cli LogClient, settings *config.Settings) *Collector {
	return &Collector{
		cli:      cli,
		settings: settings,
		logger:   log.WithComponent("log-collector"),
	}
}

// Collect returns the log files to export, keyed by file name inside
// the evidence volume. Partial results come back alongside the error;
// the caller exports whatever was collected.
func (c *Collector) Collect(ctx context.Context, lab *types.Lab) (map[string][]byte, error) {
	switch lab.Runtime {
	case types.RuntimeContainer:
		return c.collectContainerLogs(ctx, lab)
	case types.RuntimeMicroVM:
		return c.collectHypervisorLog(lab)
	default:
		return nil, fmt.Errorf("unknown runtime %q", lab.Runtime)
	}
}

func (c *Collector) collectContainerLogs(ctx context.Context, lab *types.Lab) (map[string][]byte, error) {
	if c.cli == nil {
		return nil, nil
	}
	project := naming.Project(lab.ID)
	if err := naming.ValidateProject(project); err != nil {
		return nil, err
	}
	summaries, err := c.cli.ContainerList(ctx, containerTypes.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", "com.docker.compose.project="+project)),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list containers for %s: %w", project, err)
	}

	files := make(map[string][]byte, len(summaries))
	var firstErr error
	for _, s := range summaries {
		service := s.Labels["com.docker.compose.service"]
		if service == "" {
			service = s.ID[:12]
		}
		data, err := c.readContainerLog(ctx, s.ID)
		if err != nil {
			c.logger.Warn().Str("lab_id", lab.ID).Str("service", service).Err(err).
				Msg("failed to read container log")
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		files[service+".log"] = data
	}
	return files, firstErr
}

func (c *Collector) readContainerLog(ctx context.Context, containerID string) ([]byte, error) {
	rc, err := c.cli.ContainerLogs(ctx, containerID, containerTypes.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Timestamps: true,
		Tail:       strconv.Itoa(logTailLines),
	})
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	// Non-TTY container streams are multiplexed; fold both channels
	// into one file.
	var buf bytes.Buffer
	if _, err := stdcopy.StdCopy(&buf, &buf, rc); err != nil {
		// A TTY container hands back a raw stream instead.
		raw, rerr := io.ReadAll(rc)
		if rerr != nil {
			return nil, err
		}
		return append(buf.Bytes(), raw...), nil
	}
	return buf.Bytes(), nil
}

func (c *Collector) collectHypervisorLog(lab *types.Lab) (map[string][]byte, error) {
	sd, err := microvm.NewStateDir(c.settings.StateRoot, lab.ID)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(sd.StderrPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read hypervisor log: %w", err)
	}
	return map[string][]byte{"hypervisor.log": data}, nil
}
