package manager

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/octolab/octolab/pkg/config"
	"github.com/octolab/octolab/pkg/events"
	"github.com/octolab/octolab/pkg/gateway"
	"github.com/octolab/octolab/pkg/log"
	"github.com/octolab/octolab/pkg/metrics"
	"github.com/octolab/octolab/pkg/naming"
	rt "github.com/octolab/octolab/pkg/runtime"
	"github.com/octolab/octolab/pkg/security"
	"github.com/octolab/octolab/pkg/storage"
	"github.com/octolab/octolab/pkg/types"
)

// Typed failures the API layer translates to status codes.
var (
	ErrQuotaExceeded  = errors.New("active lab quota exceeded")
	ErrRecipeNotFound = errors.New("recipe not found")
	ErrLabTerminal    = errors.New("lab is in a terminal state")
	ErrNotConnectable = errors.New("lab is not connectable")
)

// GatewayProvisioner is the slice of pkg/gateway the manager consumes.
// Nil when the gateway is disabled; tests substitute a fake.
type GatewayProvisioner interface {
	Provision(ctx context.Context, lab *types.Lab, target gateway.VNCTarget, probeAddr string) (*gateway.Provisioned, error)
	Teardown(ctx context.Context, lab *types.Lab)
	ConnectURL(ctx context.Context, lab *types.Lab) (string, error)
}

// EvidenceService is the slice of pkg/evidence the teardown path needs.
type EvidenceService interface {
	ExportLogs(ctx context.Context, lab *types.Lab, files map[string][]byte) error
	Seal(ctx context.Context, lab *types.Lab) error
	ReconcileOnRead(ctx context.Context, lab *types.Lab) (*types.Lab, error)
}

// Manager owns the lab state machine. It is the only component that
// moves labs between states; workers and the API act through it.
type Manager struct {
	store     storage.Store
	drivers   map[types.LabRuntime]rt.Driver
	gateway   GatewayProvisioner
	evidence  EvidenceService
	catalog   *Catalog
	collector *Collector
	settings  *config.Settings
	broker    *events.Broker
	logger    zerolog.Logger

	dispatch chan string
	wg       sync.WaitGroup
	ctx      context.Context
	cancel   context.CancelFunc
}

// New wires a manager. gw may be nil (gateway disabled); collector may
// be nil (no log export, evidence still seals whatever the lab wrote).
func New(store storage.Store, drivers map[types.LabRuntime]rt.Driver, gw GatewayProvisioner,
	ev EvidenceService, catalog *Catalog, collector *Collector,
	settings *config.Settings, broker *events.Broker) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		store:     store,
		drivers:   drivers,
		gateway:   gw,
		evidence:  ev,
		catalog:   catalog,
		collector: collector,
		settings:  settings,
		broker:    broker,
		logger:    log.WithComponent("manager"),
		dispatch:  make(chan string, 64),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start launches the provisioning workers.
func (m *Manager) Start() {
	n := m.settings.ProvisionWorkers
	if n < 1 {
		n = 1
	}
	for i := 0; i < n; i++ {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			for {
				select {
				case labID := <-m.dispatch:
					m.provision(labID)
				case <-m.ctx.Done():
					return
				}
			}
		}()
	}
}

// Stop cancels in-flight provisioning and waits for the workers.
// Cancelled labs stay PROVISIONING; the reconciler picks them up.
func (m *Manager) Stop() {
	m.cancel()
	m.wg.Wait()
}

// CreateRequest is the validated input for a new lab.
type CreateRequest struct {
	RecipeID string
	TTL      time.Duration // zero means the configured default
}

// CreateLab persists a new lab and dispatches it for provisioning.
// A missing recipe still creates the row, immediately FAILED, so the
// client has an id to inspect; the typed error maps to 422.
func (m *Manager) CreateLab(ctx context.Context, ownerID string, req CreateRequest) (*types.Lab, error) {
	if err := m.settings.CheckDesktopExposure(); err != nil {
		return nil, err
	}

	active, err := m.store.CountActiveLabs(ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to count active labs: %w", err)
	}
	if active >= m.settings.QuotaActiveLabs {
		return nil, fmt.Errorf("%w: %d active", ErrQuotaExceeded, active)
	}

	ttl := req.TTL
	if ttl <= 0 {
		ttl = m.settings.TTLDefault
	}

	now := time.Now()
	lab := &types.Lab{
		ID:            uuid.NewString(),
		OwnerID:       ownerID,
		RecipeID:      req.RecipeID,
		Status:        types.LabStatusRequested,
		Runtime:       m.settings.Runtime,
		EvidenceState: types.EvidenceAbsent,
		CreatedAt:     now,
		UpdatedAt:     now,
		ExpiresAt:     now.Add(ttl),
	}
	lab.AuthVolume = naming.AuthVolume(lab.ID)
	lab.UserVolume = naming.UserVolume(lab.ID)

	if err := m.store.CreateLab(lab); err != nil {
		return nil, fmt.Errorf("failed to persist lab: %w", err)
	}
	m.broker.PublishLab(events.EventLabCreated, lab.ID, ownerID, "")

	if _, ok := m.catalog.Get(req.RecipeID); !ok {
		failed, ferr := m.store.MutateLab(lab.ID, func(l *types.Lab) error {
			l.Error = "recipe not found: " + req.RecipeID
			return markFinished(l, types.LabStatusFailed, m.settings.EvidenceRetention)
		})
		if ferr != nil {
			return lab, ferr
		}
		m.broker.PublishLab(events.EventLabFailed, lab.ID, ownerID, failed.Error)
		return failed, fmt.Errorf("%w: %s", ErrRecipeNotFound, req.RecipeID)
	}

	lab, err = m.store.MutateLab(lab.ID, func(l *types.Lab) error {
		return transition(l, types.LabStatusProvisioning)
	})
	if err != nil {
		return lab, err
	}

	select {
	case m.dispatch <- lab.ID:
	case <-ctx.Done():
		return lab, ctx.Err()
	}
	return lab, nil
}

// GetLab returns an owner-scoped lab with evidence state reconciled.
func (m *Manager) GetLab(ctx context.Context, ownerID, id string) (*types.Lab, error) {
	lab, err := m.store.GetLabForOwner(ownerID, id)
	if err != nil {
		return nil, err
	}
	return m.evidence.ReconcileOnRead(ctx, lab)
}

// GetLabAdmin returns any lab regardless of owner.
func (m *Manager) GetLabAdmin(ctx context.Context, id string) (*types.Lab, error) {
	lab, err := m.store.GetLab(id)
	if err != nil {
		return nil, err
	}
	return m.evidence.ReconcileOnRead(ctx, lab)
}

// ListLabs returns the owner's labs.
func (m *Manager) ListLabs(ctx context.Context, ownerID string) ([]*types.Lab, error) {
	return m.store.ListLabsByOwner(ownerID)
}

// EndLab moves a connectable or provisioning lab to ENDING. The
// teardown worker does the heavy lifting; end itself is fast, and a
// lab already on the way out is not an error.
func (m *Manager) EndLab(ctx context.Context, ownerID, id string) (*types.Lab, error) {
	lab, err := m.store.GetLabForOwner(ownerID, id)
	if err != nil {
		return nil, err
	}
	switch {
	case lab.Status == types.LabStatusEnding:
		return lab, nil
	case lab.Status.IsTerminal():
		return lab, ErrLabTerminal
	}
	updated, err := m.store.MutateLab(id, func(l *types.Lab) error {
		if l.Status == types.LabStatusEnding {
			return nil
		}
		if l.EvidenceState == types.EvidenceAbsent {
			l.EvidenceState = types.EvidenceCollecting
		}
		return transition(l, types.LabStatusEnding)
	})
	if err != nil {
		return lab, err
	}
	m.broker.PublishLab(events.EventLabEnding, id, ownerID, "user requested")
	return updated, nil
}

// Connect returns a fresh gateway redirect URL for a READY or DEGRADED
// lab.
func (m *Manager) Connect(ctx context.Context, ownerID, id string) (string, error) {
	lab, err := m.store.GetLabForOwner(ownerID, id)
	if err != nil {
		return "", err
	}
	if !lab.Status.Connectable() {
		return "", fmt.Errorf("%w: %s", ErrNotConnectable, lab.Status)
	}
	if m.gateway == nil {
		// Gateway disabled: the URL recorded at provision time is the
		// direct VNC address.
		if lab.ConnectionURL == "" {
			return "", ErrNotConnectable
		}
		return lab.ConnectionURL, nil
	}
	return m.gateway.ConnectURL(ctx, lab)
}

// Teardown runs the full teardown sequence for a lab in ENDING. Called
// by the teardown worker under the global teardown timeout, and by the
// watchdog in force mode.
func (m *Manager) Teardown(ctx context.Context, labID string) error {
	return m.teardown(ctx, labID)
}

// MarkEnding moves a lab to ENDING on behalf of a background sweeper.
// Already-ENDING labs are a no-op; terminal labs return ErrLabTerminal.
func (m *Manager) MarkEnding(labID, reason string) (*types.Lab, error) {
	var moved bool
	updated, err := m.store.MutateLab(labID, func(l *types.Lab) error {
		if l.Status == types.LabStatusEnding {
			return nil
		}
		if l.Status.IsTerminal() {
			return ErrLabTerminal
		}
		if l.EvidenceState == types.EvidenceAbsent {
			l.EvidenceState = types.EvidenceCollecting
		}
		moved = true
		return transition(l, types.LabStatusEnding)
	})
	if err != nil {
		return nil, err
	}
	if moved {
		m.broker.PublishLab(events.EventLabEnding, labID, updated.OwnerID, reason)
	}
	return updated, nil
}

// ForceFail lands a stuck lab in FAILED without attempting teardown.
// Watchdog action "fail"; any resources left behind are the terminal
// sweep's problem.
func (m *Manager) ForceFail(labID, detail string) (*types.Lab, error) {
	updated, err := m.store.MutateLab(labID, func(l *types.Lab) error {
		l.Error = detail
		return markFinished(l, types.LabStatusFailed, m.settings.EvidenceRetention)
	})
	if err != nil {
		return nil, err
	}
	m.broker.PublishLab(events.EventLabFailed, labID, updated.OwnerID, detail)
	return updated, nil
}

// Driver returns the driver for a lab's runtime.
func (m *Manager) Driver(runtime types.LabRuntime) (rt.Driver, bool) {
	d, ok := m.drivers[runtime]
	return d, ok
}

// Store exposes the backing store to workers composed around the
// manager.
func (m *Manager) Store() storage.Store {
	return m.store
}

// Broker exposes the event broker.
func (m *Manager) Broker() *events.Broker {
	return m.broker
}

// newVNCPassword generates the per-lab desktop password.
func newVNCPassword() (string, error) {
	return security.GeneratePassword(20)
}

// failLab lands a lab in FAILED with an already-redacted error message.
func (m *Manager) failLab(labID, detail string) {
	updated, err := m.store.MutateLab(labID, func(l *types.Lab) error {
		l.Error = detail
		return markFinished(l, types.LabStatusFailed, m.settings.EvidenceRetention)
	})
	if err != nil {
		m.logger.Error().Str("lab_id", labID).Err(err).Msg("failed to mark lab FAILED")
		return
	}
	metrics.ProvisionsTotal.WithLabelValues(string(updated.Runtime), "failed").Inc()
	m.broker.PublishLab(events.EventLabFailed, labID, updated.OwnerID, detail)
}
