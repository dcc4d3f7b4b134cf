package dockerdrv

import (
	"context"
	"fmt"
	"os/exec"
	"sync"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types"
	containerTypes "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"

	"github.com/octolab/octolab/pkg/config"
	"github.com/octolab/octolab/pkg/log"
	"github.com/octolab/octolab/pkg/ports"
	"github.com/octolab/octolab/pkg/redact"
	"github.com/octolab/octolab/pkg/storage"
	"github.com/octolab/octolab/pkg/subprocess"
	octypes "github.com/octolab/octolab/pkg/types"
)

func init() {
	log.Init(log.Config{Level: log.ErrorLevel, JSONOutput: true})
}

// fakeNetwork models one daemon-side network for the fake client.
type fakeNetwork struct {
	name     string
	attached []string
	// inUseErrs makes NetworkRemove fail IN_USE this many times even
	// when attached is empty, reproducing the daemon's interface GC
	// race.
	inUseErrs int
}

// fakeClient is an in-memory APIClient recording every call.
type fakeClient struct {
	mu sync.Mutex

	containers map[string][]string // project -> container ids
	networks   map[string]*fakeNetwork

	calls         []string
	removeErrs    map[string]error
	netRemoveCnt  map[string]int
	disconnectLog []string
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		containers:   make(map[string][]string),
		networks:     make(map[string]*fakeNetwork),
		removeErrs:   make(map[string]error),
		netRemoveCnt: make(map[string]int),
	}
}

func (f *fakeClient) record(call string) {
	f.calls = append(f.calls, call)
}

func (f *fakeClient) ContainerList(_ context.Context, opts containerTypes.ListOptions) ([]containerTypes.Summary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("ContainerList")
	var out []containerTypes.Summary
	for _, vals := range opts.Filters.Get("label") {
		for project, ids := range f.containers {
			if vals == composeProjectLabel+"="+project {
				for _, id := range ids {
					out = append(out, containerTypes.Summary{ID: id})
				}
			}
		}
	}
	return out, nil
}

func (f *fakeClient) ContainerInspect(_ context.Context, id string) (containerTypes.InspectResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("ContainerInspect " + id)
	return containerTypes.InspectResponse{
		ContainerJSONBase: &containerTypes.ContainerJSONBase{
			ID:    id,
			State: &containerTypes.State{Running: true, Health: &containerTypes.Health{Status: "healthy"}},
		},
	}, nil
}

func (f *fakeClient) ContainerRemove(_ context.Context, id string, _ containerTypes.RemoveOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("ContainerRemove " + id)
	if err, ok := f.removeErrs[id]; ok {
		return err
	}
	for project, ids := range f.containers {
		var kept []string
		for _, existing := range ids {
			if existing != id {
				kept = append(kept, existing)
			}
		}
		f.containers[project] = kept
	}
	return nil
}

func (f *fakeClient) NetworkList(_ context.Context, _ network.ListOptions) ([]network.Summary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("NetworkList")
	var out []network.Summary
	for _, n := range f.networks {
		out = append(out, network.Summary{Name: n.name})
	}
	return out, nil
}

func (f *fakeClient) NetworkInspect(_ context.Context, name string, _ network.InspectOptions) (network.Inspect, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("NetworkInspect " + name)
	n, ok := f.networks[name]
	if !ok {
		return network.Inspect{}, cerrdefs.ErrNotFound
	}
	info := network.Inspect{Name: name, Containers: map[string]network.EndpointResource{}}
	for _, c := range n.attached {
		info.Containers[c+"-id"] = network.EndpointResource{Name: c}
	}
	return info, nil
}

func (f *fakeClient) NetworkRemove(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("NetworkRemove " + name)
	f.netRemoveCnt[name]++
	n, ok := f.networks[name]
	if !ok {
		return cerrdefs.ErrNotFound
	}
	if len(n.attached) > 0 {
		return fmt.Errorf("network %s has active endpoints: %w", name, cerrdefs.ErrPermissionDenied)
	}
	if n.inUseErrs > 0 {
		n.inUseErrs--
		return fmt.Errorf("network %s has active endpoints: %w", name, cerrdefs.ErrPermissionDenied)
	}
	delete(f.networks, name)
	return nil
}

func (f *fakeClient) NetworkConnect(_ context.Context, name, container string, _ *network.EndpointSettings) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("NetworkConnect " + name + " " + container)
	if n, ok := f.networks[name]; ok {
		n.attached = append(n.attached, container)
	}
	return nil
}

func (f *fakeClient) NetworkDisconnect(_ context.Context, name, container string, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("NetworkDisconnect " + name + " " + container)
	f.disconnectLog = append(f.disconnectLog, name+"/"+container)
	if n, ok := f.networks[name]; ok {
		var kept []string
		for _, c := range n.attached {
			if c != container {
				kept = append(kept, c)
			}
		}
		n.attached = kept
	}
	return nil
}

func (f *fakeClient) VolumeRemove(_ context.Context, name string, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("VolumeRemove " + name)
	return nil
}

func (f *fakeClient) Ping(context.Context) (types.Ping, error) {
	return types.Ping{}, nil
}

// testSettings returns settings tuned for fast tests.
func testSettings(dataDir string) *config.Settings {
	return &config.Settings{
		DataDir:           dataDir,
		VNCBindHost:       "127.0.0.1",
		VNCAuthMode:       config.AuthModePassword,
		PortRangeStart:    41000,
		PortRangeEnd:      41010,
		PortRetries:       2,
		NetAllowlist:      []string{"octolab-guacd"},
		NetRmRetries:      3,
		NetRmBackoff:      time.Millisecond,
		InspectTimeout:    time.Second,
		NetworkRmTimeout:  time.Second,
		DisconnectTimeout: time.Second,
		ComposeTimeout:    time.Second,
	}
}

// newTestDriver wires a driver over the fake client, an in-memory-ish
// bolt store, and a no-op subprocess runner.
func newTestDriver(dataDir string, cli APIClient, store storage.Store) *Driver {
	settings := testSettings(dataDir)
	alloc := ports.NewAllocator(store, settings.VNCBindHost, settings.PortRangeStart, settings.PortRangeEnd)
	runner := subprocess.NewRunner(redact.New(0))
	runner.SetExec(func(ctx context.Context, name string, args ...string) *exec.Cmd {
		return exec.CommandContext(ctx, "true")
	})
	return New(cli, runner, alloc, settings, redact.New(0))
}

func testLab(id, owner string) *octypes.Lab {
	return &octypes.Lab{
		ID:      id,
		OwnerID: owner,
		Status:  octypes.LabStatusEnding,
		Runtime: octypes.RuntimeContainer,
	}
}

// A valid lowercase v4 UUID used across the tests.
const labUUID = "5d41c0de-91a3-4f7e-8c2b-0a9d83e61f24"
