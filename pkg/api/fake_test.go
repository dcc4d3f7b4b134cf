package api

import (
	"context"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/octolab/octolab/pkg/config"
	"github.com/octolab/octolab/pkg/events"
	"github.com/octolab/octolab/pkg/evidence"
	"github.com/octolab/octolab/pkg/gateway"
	"github.com/octolab/octolab/pkg/log"
	"github.com/octolab/octolab/pkg/manager"
	rt "github.com/octolab/octolab/pkg/runtime"
	"github.com/octolab/octolab/pkg/storage"
	"github.com/octolab/octolab/pkg/types"
	"github.com/octolab/octolab/pkg/worker"
)

func init() {
	log.Init(log.Config{Level: log.ErrorLevel, JSONOutput: true})
}

type fakeDriver struct{ verified bool }

func (d *fakeDriver) CreateLab(_ context.Context, _ *types.Lab, _ *types.Recipe, _ string) (*rt.CreateResult, error) {
	return &rt.CreateResult{
		Port:    40001,
		VNCHost: "desktop",
		VNCPort: 5900,
		Meta:    map[string]string{"host_port": "40001"},
	}, nil
}

func (d *fakeDriver) DestroyLab(_ context.Context, lab *types.Lab) (*rt.TeardownReport, error) {
	return &rt.TeardownReport{Project: "octolab_" + lab.ID, VerifiedStopped: d.verified}, nil
}

func (d *fakeDriver) WaitForHealthy(_ context.Context, _ *types.Lab, _ time.Duration) error {
	return nil
}

func (d *fakeDriver) ResourcesExist(_ context.Context, _ *types.Lab) bool { return false }

type fakeGateway struct{}

func (g *fakeGateway) Provision(_ context.Context, lab *types.Lab, _ gateway.VNCTarget, _ string) (*gateway.Provisioned, error) {
	return &gateway.Provisioned{
		UserID:      "lab-" + lab.ID[:8],
		ConnID:      "42",
		PasswordEnc: []byte("sealed"),
		ConnectURL:  "http://gw/#/client?token=abc123",
	}, nil
}

func (g *fakeGateway) Teardown(_ context.Context, _ *types.Lab) {}

func (g *fakeGateway) ConnectURL(_ context.Context, _ *types.Lab) (string, error) {
	return "http://gw/#/client?token=fresh", nil
}

// fakeLifecycleEvidence satisfies the manager's evidence hooks.
type fakeLifecycleEvidence struct{}

func (e *fakeLifecycleEvidence) ExportLogs(_ context.Context, _ *types.Lab, _ map[string][]byte) error {
	return nil
}

func (e *fakeLifecycleEvidence) Seal(_ context.Context, _ *types.Lab) error { return nil }

func (e *fakeLifecycleEvidence) ReconcileOnRead(_ context.Context, lab *types.Lab) (*types.Lab, error) {
	return lab, nil
}

// fakeEvidenceAPI scripts the bundle and status endpoints.
type fakeEvidenceAPI struct {
	status      *types.EvidenceStatus
	statusErr   error
	previewErr  error
	files       []string
	bundleErr   error
	verifiedErr error
	payload     []byte
}

func (e *fakeEvidenceAPI) Status(_ context.Context, _ *types.Lab) (*types.EvidenceStatus, error) {
	if e.statusErr != nil {
		return nil, e.statusErr
	}
	if e.status != nil {
		return e.status, nil
	}
	return &types.EvidenceStatus{
		State:      types.EvidenceCollecting,
		SealStatus: types.SealNone,
		Artifacts: map[string]types.ArtifactPresence{
			"terminal_logs": {Present: true, Files: 2},
			"pcap":          {Present: true, Files: 1},
		},
	}, nil
}

func (e *fakeEvidenceAPI) Preview(_ context.Context, _ *types.Lab) ([]string, error) {
	if e.previewErr != nil {
		return nil, e.previewErr
	}
	if e.files != nil {
		return e.files, nil
	}
	return []string{"terminal_logs/session.log"}, nil
}

func (e *fakeEvidenceAPI) BuildBundle(_ context.Context, _ *types.Lab, w io.Writer) (*evidence.BundleManifest, error) {
	if e.bundleErr != nil {
		return nil, e.bundleErr
	}
	_, err := w.Write(e.bundlePayload())
	return &evidence.BundleManifest{}, err
}

func (e *fakeEvidenceAPI) BuildVerifiedBundle(_ context.Context, _ *types.Lab, w io.Writer, _ bool) error {
	if e.verifiedErr != nil {
		return e.verifiedErr
	}
	_, err := w.Write(e.bundlePayload())
	return err
}

func (e *fakeEvidenceAPI) bundlePayload() []byte {
	if e.payload != nil {
		return e.payload
	}
	return []byte("PK\x03\x04fake-zip")
}

type testHarness struct {
	srv      *httptest.Server
	mgr      *manager.Manager
	store    storage.Store
	ev       *fakeEvidenceAPI
	settings *config.Settings
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	settings := &config.Settings{
		Bind:               "127.0.0.1:0",
		Runtime:            types.RuntimeContainer,
		VNCBindHost:        "127.0.0.1",
		VNCAuthMode:        config.AuthModePassword,
		DeployDesktopImage: "octolab/desktop:latest",
		QuotaActiveLabs:    4,
		TTLDefault:         time.Hour,
		EvidenceRetention:  24 * time.Hour,
		ProvisionWorkers:   1,
		ProvisionTimeout:   5 * time.Second,
		TeardownTimeout:    5 * time.Second,
		ClaimTTL:           time.Minute,
	}

	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	driver := &fakeDriver{verified: true}
	drivers := map[types.LabRuntime]rt.Driver{
		types.RuntimeContainer: driver,
		types.RuntimeMicroVM:   driver,
	}
	catalog := manager.NewCatalog(&types.Recipe{
		ID:     "web-basic",
		Name:   "Basic web target",
		Image:  "octolab/desktop:latest",
		Active: true,
	})
	mgr := manager.New(store, drivers, &fakeGateway{}, &fakeLifecycleEvidence{}, catalog, nil, settings, broker)
	mgr.Start()
	t.Cleanup(mgr.Stop)

	ev := &fakeEvidenceAPI{}
	srv := New(mgr, ev, worker.NewWatchdog(mgr, settings), settings)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)

	return &testHarness{srv: ts, mgr: mgr, store: store, ev: ev, settings: settings}
}

// seedLab writes a lab row directly, bypassing the manager, so tests
// can start from any state.
func (h *testHarness) seedLab(t *testing.T, owner string, status types.LabStatus) *types.Lab {
	t.Helper()
	lab := &types.Lab{
		ID:            uuid.NewString(),
		OwnerID:       owner,
		RecipeID:      "web-basic",
		Status:        status,
		Runtime:       types.RuntimeContainer,
		EvidenceState: types.EvidenceCollecting,
		CreatedAt:     time.Now(),
		UpdatedAt:     time.Now(),
		ExpiresAt:     time.Now().Add(time.Hour),
		ConnectionURL: "http://gw/#/client?token=seeded",
	}
	require.NoError(t, h.store.CreateLab(lab))
	return lab
}
