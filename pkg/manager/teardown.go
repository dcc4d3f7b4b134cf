package manager

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/octolab/octolab/pkg/events"
	"github.com/octolab/octolab/pkg/metrics"
	"github.com/octolab/octolab/pkg/types"
)

// teardown runs the full sequence for a lab in ENDING: export
// authoritative logs, seal evidence, tear down gateway resources,
// finalize evidence state, destroy runtime resources, and land in a
// terminal state. Only a failed verified teardown marks the lab FAILED;
// evidence and gateway trouble degrade the evidence record instead of
// blocking the state machine.
func (m *Manager) teardown(ctx context.Context, labID string) error {
	lab, err := m.store.GetLab(labID)
	if err != nil {
		return err
	}
	if lab.Status != types.LabStatusEnding {
		return fmt.Errorf("%w: teardown requires ENDING, lab is %s", ErrIllegalTransition, lab.Status)
	}
	driver, ok := m.drivers[lab.Runtime]
	if !ok {
		m.failLab(labID, fmt.Sprintf("no driver for runtime %q", lab.Runtime))
		return fmt.Errorf("no driver for runtime %q", lab.Runtime)
	}

	timer := metrics.NewTimer()
	sealOK := m.collectAndSeal(ctx, lab)

	if m.gateway != nil {
		m.gateway.Teardown(ctx, lab)
	}

	m.finalizeEvidence(labID, sealOK)

	report, err := driver.DestroyLab(ctx, lab)
	if err != nil {
		if m.canceled(ctx) {
			// Shutdown mid-teardown: the lab stays ENDING and the
			// worker retries after restart.
			return ctx.Err()
		}
		m.failLab(labID, "teardown failed: "+err.Error())
		return err
	}
	if !report.VerifiedStopped {
		detail := "teardown not verified"
		if len(report.Errors) > 0 {
			detail += ": " + strings.Join(report.Errors, "; ")
		}
		m.failLab(labID, detail)
		return fmt.Errorf("%s", detail)
	}

	updated, err := m.store.MutateLab(labID, func(l *types.Lab) error {
		return markFinished(l, types.LabStatusFinished, m.settings.EvidenceRetention)
	})
	if err != nil {
		return fmt.Errorf("failed to mark lab FINISHED: %w", err)
	}

	timer.ObserveDurationVec(metrics.TeardownDuration, string(updated.Runtime))
	m.broker.PublishLab(events.EventLabFinished, labID, updated.OwnerID, "")
	m.logger.Info().Str("lab_id", labID).Str("runtime", string(updated.Runtime)).
		Bool("sealed", sealOK).Msg("lab finished")
	return nil
}

// collectAndSeal exports authoritative logs into the auth volume and
// seals it. Neither step may abort the teardown.
func (m *Manager) collectAndSeal(ctx context.Context, lab *types.Lab) bool {
	if m.collector != nil {
		files, err := m.collector.Collect(ctx, lab)
		if err != nil {
			m.logger.Warn().Str("lab_id", lab.ID).Err(err).Msg("log collection incomplete")
		}
		if len(files) > 0 {
			if err := m.evidence.ExportLogs(ctx, lab, files); err != nil {
				m.logger.Warn().Str("lab_id", lab.ID).Err(err).Msg("log export failed")
			}
		}
	}

	if err := m.evidence.Seal(ctx, lab); err != nil {
		metrics.EvidenceSealsTotal.WithLabelValues("failed").Inc()
		m.logger.Warn().Str("lab_id", lab.ID).Err(err).Msg("evidence sealing failed")
		return false
	}
	metrics.EvidenceSealsTotal.WithLabelValues("ok").Inc()
	m.broker.PublishLab(events.EventEvidenceSealed, lab.ID, lab.OwnerID, "")
	return true
}

// finalizeEvidence lands the evidence state exactly once: present when
// the seal took, unavailable when it did not.
func (m *Manager) finalizeEvidence(labID string, sealOK bool) {
	state := types.EvidencePresent
	if !sealOK {
		state = types.EvidenceUnavailable
	}
	now := time.Now()
	if _, err := m.store.MutateLab(labID, func(l *types.Lab) error {
		if l.EvidenceFinalizedAt != nil {
			return nil
		}
		l.EvidenceState = state
		l.EvidenceFinalizedAt = &now
		return nil
	}); err != nil {
		m.logger.Warn().Str("lab_id", labID).Err(err).Msg("failed to finalize evidence state")
	}
}
