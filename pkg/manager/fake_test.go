package manager

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/octolab/octolab/pkg/config"
	"github.com/octolab/octolab/pkg/events"
	"github.com/octolab/octolab/pkg/gateway"
	"github.com/octolab/octolab/pkg/log"
	rt "github.com/octolab/octolab/pkg/runtime"
	"github.com/octolab/octolab/pkg/storage"
	"github.com/octolab/octolab/pkg/types"
)

func init() {
	log.Init(log.Config{Level: log.ErrorLevel, JSONOutput: true})
}

// fakeDriver scripts the runtime driver for manager tests and records
// the calls it receives.
type fakeDriver struct {
	mu    sync.Mutex
	calls []string

	createErr    error
	createResult *rt.CreateResult
	waitErr      error
	destroyErr   error
	verified     bool
	destroyNotes []string
	exists       bool
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{
		createResult: &rt.CreateResult{
			Port:    40001,
			VNCHost: "desktop",
			VNCPort: 5900,
			Meta:    map[string]string{"host_port": "40001"},
		},
		verified: true,
	}
}

func (d *fakeDriver) record(call string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, call)
}

func (d *fakeDriver) Calls() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.calls...)
}

func (d *fakeDriver) CreateLab(_ context.Context, _ *types.Lab, _ *types.Recipe, _ string) (*rt.CreateResult, error) {
	d.record("CreateLab")
	if d.createErr != nil {
		return nil, d.createErr
	}
	return d.createResult, nil
}

func (d *fakeDriver) DestroyLab(_ context.Context, lab *types.Lab) (*rt.TeardownReport, error) {
	d.record("DestroyLab")
	if d.destroyErr != nil {
		return nil, d.destroyErr
	}
	return &rt.TeardownReport{
		Project:         "octolab_" + lab.ID,
		VerifiedStopped: d.verified,
		Errors:          d.destroyNotes,
	}, nil
}

func (d *fakeDriver) WaitForHealthy(_ context.Context, _ *types.Lab, _ time.Duration) error {
	d.record("WaitForHealthy")
	return d.waitErr
}

func (d *fakeDriver) ResourcesExist(_ context.Context, _ *types.Lab) bool {
	d.record("ResourcesExist")
	return d.exists
}

// fakeGateway scripts the gateway provisioner.
type fakeGateway struct {
	mu sync.Mutex

	provisionErr  error
	connectErr    error
	provisioned   int
	teardowns     int
	connectURLFor string
}

func (g *fakeGateway) Provision(_ context.Context, lab *types.Lab, _ gateway.VNCTarget, _ string) (*gateway.Provisioned, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.provisionErr != nil {
		return nil, g.provisionErr
	}
	g.provisioned++
	return &gateway.Provisioned{
		UserID:      "lab-" + lab.ID[:8],
		ConnID:      "42",
		PasswordEnc: []byte("sealed"),
		ConnectURL:  "http://gw/#/client?token=fresh",
	}, nil
}

func (g *fakeGateway) Teardown(_ context.Context, _ *types.Lab) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.teardowns++
}

func (g *fakeGateway) ConnectURL(_ context.Context, _ *types.Lab) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.connectErr != nil {
		return "", g.connectErr
	}
	if g.connectURLFor != "" {
		return g.connectURLFor, nil
	}
	return "http://gw/#/client?token=fresh", nil
}

func (g *fakeGateway) teardownCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.teardowns
}

// fakeEvidence records the evidence lifecycle calls.
type fakeEvidence struct {
	mu sync.Mutex

	sealErr  error
	exported map[string][]byte
	sealed   int
}

func (e *fakeEvidence) ExportLogs(_ context.Context, _ *types.Lab, files map[string][]byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.exported = files
	return nil
}

func (e *fakeEvidence) Seal(_ context.Context, _ *types.Lab) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sealErr != nil {
		return e.sealErr
	}
	e.sealed++
	return nil
}

func (e *fakeEvidence) ReconcileOnRead(_ context.Context, lab *types.Lab) (*types.Lab, error) {
	return lab, nil
}

func testSettings() *config.Settings {
	return &config.Settings{
		Runtime:            types.RuntimeContainer,
		VNCBindHost:        "127.0.0.1",
		DeployDesktopImage: "octolab/desktop:latest",
		VNCAuthMode:        config.AuthModePassword,
		QuotaActiveLabs:    2,
		TTLDefault:         time.Hour,
		EvidenceRetention:  24 * time.Hour,
		ProvisionWorkers:   1,
		ProvisionTimeout:   5 * time.Second,
		TeardownTimeout:    5 * time.Second,
	}
}

func testRecipe() *types.Recipe {
	return &types.Recipe{
		ID:     "web-basic",
		Name:   "Basic web target",
		Image:  "octolab/desktop:latest",
		Active: true,
	}
}

// testHarness wires a manager over a real store with scripted driver,
// gateway, and evidence fakes. The manager is not started; tests drive
// provisioning synchronously.
type testHarness struct {
	mgr      *Manager
	store    storage.Store
	driver   *fakeDriver
	gw       *fakeGateway
	ev       *fakeEvidence
	settings *config.Settings
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	driver := newFakeDriver()
	gw := &fakeGateway{}
	ev := &fakeEvidence{}
	settings := testSettings()
	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	drivers := map[types.LabRuntime]rt.Driver{
		types.RuntimeContainer: driver,
		types.RuntimeMicroVM:   driver,
	}
	mgr := New(store, drivers, gw, ev, NewCatalog(testRecipe()), nil, settings, broker)
	t.Cleanup(mgr.Stop)

	return &testHarness{mgr: mgr, store: store, driver: driver, gw: gw, ev: ev, settings: settings}
}
