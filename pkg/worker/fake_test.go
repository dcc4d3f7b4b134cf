package worker

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
	"github.com/octolab/octolab/pkg/manager"
	rt "github.com/octolab/octolab/pkg/runtime"
	"github.com/octolab/octolab/pkg/storage"
	"github.com/octolab/octolab/pkg/types"
)

func init() {
	log.Init(log.Config{Level: log.ErrorLevel, JSONOutput: true})
}

// fakeDriver scripts destroy outcomes and counts calls.
type fakeDriver struct {
	mu       sync.Mutex
	destroys int
	verified bool
	exists   bool
}

func (d *fakeDriver) CreateLab(_ context.Context, _ *types.Lab, _ *types.Recipe, _ string) (*rt.CreateResult, error) {
	return &rt.CreateResult{Port: 40001, VNCHost: "desktop", VNCPort: 5900}, nil
}

func (d *fakeDriver) DestroyLab(_ context.Context, lab *types.Lab) (*rt.TeardownReport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.destroys++
	return &rt.TeardownReport{Project: "octolab_" + lab.ID, VerifiedStopped: d.verified}, nil
}

func (d *fakeDriver) WaitForHealthy(_ context.Context, _ *types.Lab, _ time.Duration) error {
	return nil
}

func (d *fakeDriver) ResourcesExist(_ context.Context, _ *types.Lab) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.exists
}

func (d *fakeDriver) destroyCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.destroys
}

type fakeGateway struct{}

func (fakeGateway) Provision(_ context.Context, lab *types.Lab, _ gateway.VNCTarget, _ string) (*gateway.Provisioned, error) {
	return &gateway.Provisioned{
		UserID:     "lab-" + lab.ID[:8],
		ConnID:     "7",
		ConnectURL: "http://gw/#/client?token=t",
	}, nil
}

func (fakeGateway) Teardown(_ context.Context, _ *types.Lab) {}

func (fakeGateway) ConnectURL(_ context.Context, _ *types.Lab) (string, error) {
	return "http://gw/#/client?token=t", nil
}

type fakeEvidence struct{}

func (fakeEvidence) ExportLogs(_ context.Context, _ *types.Lab, _ map[string][]byte) error {
	return nil
}

func (fakeEvidence) Seal(_ context.Context, _ *types.Lab) error { return nil }

func (fakeEvidence) ReconcileOnRead(_ context.Context, lab *types.Lab) (*types.Lab, error) {
	return lab, nil
}

type testHarness struct {
	mgr      *manager.Manager
	store    storage.Store
	driver   *fakeDriver
	settings *config.Settings
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	driver := &fakeDriver{verified: true}
	settings := &config.Settings{
		Runtime:           types.RuntimeContainer,
		VNCBindHost:       "127.0.0.1",
		VNCAuthMode:       config.AuthModePassword,
		QuotaActiveLabs:   10,
		TTLDefault:        time.Hour,
		EvidenceRetention: 24 * time.Hour,
		ProvisionWorkers:  1,
		ProvisionTimeout:  5 * time.Second,
		TeardownTimeout:   5 * time.Second,
		TeardownInterval:  10 * time.Millisecond,
		EndingGraceAge:    0,
		ClaimTTL:          time.Minute,
		TTLSweepInterval:  10 * time.Millisecond,
	}
	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	recipe := &types.Recipe{ID: "web-basic", Image: "octolab/desktop:latest", Active: true}
	drivers := map[types.LabRuntime]rt.Driver{types.RuntimeContainer: driver}
	mgr := manager.New(store, drivers, fakeGateway{}, fakeEvidence{},
		manager.NewCatalog(recipe), nil, settings, broker)
	t.Cleanup(mgr.Stop)

	return &testHarness{mgr: mgr, store: store, driver: driver, settings: settings}
}

// endingLab seeds a lab row already in ENDING.
func endingLab(t *testing.T, h *testHarness, id string) *types.Lab {
	t.Helper()
	lab := &types.Lab{
		ID:            id,
		OwnerID:       "alice",
		RecipeID:      "web-basic",
		Status:        types.LabStatusEnding,
		Runtime:       types.RuntimeContainer,
		EvidenceState: types.EvidenceCollecting,
		ExpiresAt:     time.Now().Add(time.Hour),
	}
	require.NoError(t, h.store.CreateLab(lab))
	return lab
}

// connectableLab seeds a READY lab with the given TTL deadline.
func connectableLab(t *testing.T, h *testHarness, id string, expires time.Time) *types.Lab {
	t.Helper()
	lab := &types.Lab{
		ID:            id,
		OwnerID:       "alice",
		RecipeID:      "web-basic",
		Status:        types.LabStatusReady,
		Runtime:       types.RuntimeContainer,
		EvidenceState: types.EvidenceCollecting,
		ExpiresAt:     expires,
	}
	require.NoError(t, h.store.CreateLab(lab))
	return lab
}
