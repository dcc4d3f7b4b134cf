package microvm

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/octolab/octolab/pkg/config"
	"github.com/octolab/octolab/pkg/log"
	"github.com/octolab/octolab/pkg/ports"
	"github.com/octolab/octolab/pkg/redact"
	"github.com/octolab/octolab/pkg/storage"
	"github.com/octolab/octolab/pkg/subprocess"
	"github.com/octolab/octolab/pkg/types"
)

func init() {
	log.Init(log.Config{Level: log.ErrorLevel, JSONOutput: true})
}

const labUUID = "5d41c0de-91a3-4f7e-8c2b-0a9d83e61f24"

// fakeAgent serves the newline-JSON protocol over net.Pipe with
// scripted per-verb responses, recording every verb it sees.
type fakeAgent struct {
	mu        sync.Mutex
	responses map[string]AgentResponse
	calls     []string
}

func newFakeAgent() *fakeAgent {
	return &fakeAgent{
		responses: map[string]AgentResponse{
			VerbPing: {OK: true, AgentVersion: "1.4.0", RootfsBuildID: "2026-08-12T10:00:00Z"},
		},
	}
}

func (f *fakeAgent) set(verb string, resp AgentResponse) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses[verb] = resp
}

func (f *fakeAgent) seen() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	copy(out, f.calls)
	return out
}

func (f *fakeAgent) dial(ctx context.Context, udsPath string, port int) (net.Conn, error) {
	client, server := net.Pipe()
	go func() {
		defer server.Close()
		line, err := bufio.NewReader(server).ReadString('\n')
		if err != nil {
			return
		}
		var req agentRequest
		if err := json.Unmarshal([]byte(line), &req); err != nil {
			return
		}
		f.mu.Lock()
		f.calls = append(f.calls, req.Cmd)
		resp, ok := f.responses[req.Cmd]
		f.mu.Unlock()
		if !ok {
			resp = AgentResponse{OK: true}
		}
		data, _ := json.Marshal(&resp)
		server.Write(append(data, '\n'))
	}()
	return client, nil
}

// testSettings builds settings against throwaway hypervisor artifacts
// so preflight passes without a real firecracker install.
func testSettings(t *testing.T) *config.Settings {
	t.Helper()
	dir := t.TempDir()
	kernel := filepath.Join(dir, "vmlinux")
	rootfs := filepath.Join(dir, "rootfs.ext4")
	require.NoError(t, os.WriteFile(kernel, []byte("kernel"), 0o644))
	require.NoError(t, os.WriteFile(rootfs, []byte("rootfs"), 0o644))

	return &config.Settings{
		DataDir:      dir,
		StateRoot:    filepath.Join(dir, "vm"),
		FCBin:        "/bin/true",
		FCKernel:     kernel,
		FCRootfs:     rootfs,
		HostBridgeIP: "172.30.0.1",
		VsockPort:    52,

		VNCBindHost: "127.0.0.1",
		VNCAuthMode: config.AuthModePassword,

		PortRangeStart: 42000,
		PortRangeEnd:   42010,

		NetworkRmTimeout:      5 * time.Second,
		ComposeTimeout:        5 * time.Second,
		TeardownTimeout:       5 * time.Second,
		AgentPingTimeout:      2 * time.Second,
		AgentComposeUpTimeout: 5 * time.Second,
	}
}

func newTestStore(t *testing.T) storage.Store {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

// newTestDriver wires a driver whose subprocesses all run /bin/true,
// recording their argument vectors, and whose agent is the fake.
func newTestDriver(t *testing.T, agent *fakeAgent) (*Driver, *[][]string) {
	t.Helper()
	settings := testSettings(t)
	red := redact.New(0)
	runner := subprocess.NewRunner(red)

	var mu sync.Mutex
	var cmds [][]string
	runner.SetExec(func(ctx context.Context, name string, args ...string) *exec.Cmd {
		mu.Lock()
		cmds = append(cmds, append([]string{name}, args...))
		mu.Unlock()
		return exec.CommandContext(ctx, "true")
	})

	store := newTestStore(t)
	alloc := ports.NewAllocator(store, settings.VNCBindHost, settings.PortRangeStart, settings.PortRangeEnd)

	d := New(runner, alloc, settings, red)
	d.newAgent = func(udsPath string) *AgentClient {
		c := NewAgentClient(udsPath, settings.VsockPort)
		c.SetDial(agent.dial)
		return c
	}
	return d, &cmds
}

func testLab() *types.Lab {
	return &types.Lab{
		ID:          labUUID,
		OwnerID:     "user-1",
		RecipeID:    "recipe-1",
		Status:      types.LabStatusProvisioning,
		Runtime:     types.RuntimeMicroVM,
		RuntimeMeta: map[string]string{},
	}
}

func testRecipe() *types.Recipe {
	return &types.Recipe{
		ID:     "recipe-1",
		Name:   "web-exploit-101",
		Image:  "kasmweb/core-ubuntu-jammy:1.16.0",
		Active: true,
	}
}
