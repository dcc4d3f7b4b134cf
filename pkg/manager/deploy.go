package manager

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/octolab/octolab/pkg/deploy"
	"github.com/octolab/octolab/pkg/events"
	"github.com/octolab/octolab/pkg/naming"
	"github.com/octolab/octolab/pkg/types"
)

// DeployRequest is the validated input for a Dockerfile deploy lab.
type DeployRequest struct {
	Dockerfile  string
	SourceFiles map[string]string // name -> content, names validated before use
	TTL         time.Duration     // zero means the configured default
}

// DeployFromDockerfile creates a lab from a user-supplied Dockerfile.
// Deploy labs always run on the microVM runtime regardless of the
// operator toggle; an uploaded Dockerfile never shares a kernel with
// the host. The recipe is synthesized from the Dockerfile's base image
// and registered so provisioning resolves it like any catalog lab.
// Accompanying source files are validated for name safety and their
// names recorded on the lab; no image build runs on the host.
func (m *Manager) DeployFromDockerfile(ctx context.Context, ownerID string, req DeployRequest) (*types.Lab, error) {
	spec, err := deploy.ParseDockerfile(req.Dockerfile)
	if err != nil {
		return nil, err
	}
	sourceNames, err := deploy.ValidateSourceFiles(req.SourceFiles)
	if err != nil {
		return nil, err
	}
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
		Status:        types.LabStatusRequested,
		Runtime:       types.RuntimeMicroVM,
		EvidenceState: types.EvidenceAbsent,
		CreatedAt:     now,
		UpdatedAt:     now,
		ExpiresAt:     now.Add(ttl),
		RuntimeMeta: map[string]string{
			"dockerfile":    spec.Dockerfile,
			"base_image":    spec.BaseImage,
			"exposed_ports": joinPorts(spec.ExposedPorts),
		},
	}
	if len(sourceNames) > 0 {
		lab.RuntimeMeta["source_files"] = strings.Join(sourceNames, ",")
	}
	lab.RecipeID = "dockerfile-" + lab.ID[:8]
	lab.AuthVolume = naming.AuthVolume(lab.ID)
	lab.UserVolume = naming.UserVolume(lab.ID)

	m.catalog.Add(&types.Recipe{
		ID:          lab.RecipeID,
		Name:        "dockerfile deploy",
		Target:      spec.BaseImage,
		Image:       m.settings.DeployDesktopImage,
		TargetImage: spec.BaseImage,
		Active:      true,
	})

	if err := m.store.CreateLab(lab); err != nil {
		return nil, fmt.Errorf("failed to persist lab: %w", err)
	}
	m.broker.PublishLab(events.EventLabCreated, lab.ID, ownerID, "dockerfile deploy")

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

func joinPorts(ports []int) string {
	parts := make([]string, len(ports))
	for i, p := range ports {
		parts[i] = strconv.Itoa(p)
	}
	return strings.Join(parts, ",")
}
