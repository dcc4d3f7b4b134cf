package manager

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/octolab/octolab/pkg/events"
	"github.com/octolab/octolab/pkg/gateway"
	"github.com/octolab/octolab/pkg/metrics"
	"github.com/octolab/octolab/pkg/types"
)

// provision drives one lab from PROVISIONING to READY, DEGRADED or
// FAILED. Runs on a dispatcher goroutine under the overall provisioning
// deadline; shutdown cancellation leaves the lab PROVISIONING for the
// reconciler instead of marking it FAILED.
func (m *Manager) provision(labID string) {
	ctx, cancel := context.WithTimeout(m.ctx, m.settings.ProvisionTimeout)
	defer cancel()

	timer := metrics.NewTimer()
	lab, err := m.store.GetLab(labID)
	if err != nil {
		m.logger.Error().Str("lab_id", labID).Err(err).Msg("provisioning dispatch for unknown lab")
		return
	}
	if lab.Status != types.LabStatusProvisioning {
		return
	}

	driver, ok := m.drivers[lab.Runtime]
	if !ok {
		m.failLab(labID, fmt.Sprintf("no driver for runtime %q", lab.Runtime))
		return
	}
	recipe, ok := m.catalog.Get(lab.RecipeID)
	if !ok {
		m.failLab(labID, "recipe disappeared from catalog: "+lab.RecipeID)
		return
	}

	password, err := newVNCPassword()
	if err != nil {
		m.failLab(labID, "failed to generate desktop password")
		return
	}

	res, err := driver.CreateLab(ctx, lab, recipe, password)
	if err != nil {
		if m.canceled(ctx) {
			m.logger.Warn().Str("lab_id", labID).Msg("provisioning cancelled, lab left for reconciliation")
			return
		}
		m.failLab(labID, "provisioning failed: "+err.Error())
		return
	}

	lab, err = m.store.MutateLab(labID, func(l *types.Lab) error {
		// Merge rather than replace: deploy labs carry metadata
		// recorded before provisioning started.
		if l.RuntimeMeta == nil {
			l.RuntimeMeta = make(map[string]string, len(res.Meta))
		}
		for k, v := range res.Meta {
			l.RuntimeMeta[k] = v
		}
		l.UpdatedAt = time.Now()
		return nil
	})
	if err != nil {
		m.logger.Error().Str("lab_id", labID).Err(err).Msg("failed to record runtime metadata")
	}

	if err := driver.WaitForHealthy(ctx, lab, time.Until(deadlineOf(ctx))); err != nil {
		if m.canceled(ctx) {
			m.logger.Warn().Str("lab_id", labID).Msg("provisioning cancelled during health wait")
			return
		}
		m.cleanupFailedProvision(lab)
		m.failLab(labID, "desktop never became healthy: "+err.Error())
		return
	}

	degraded := res.Degraded
	reason := res.DegradedReason
	connectURL := fmt.Sprintf("vnc://%s:%d", m.settings.VNCBindHost, res.Port)

	if m.gateway != nil {
		target := gateway.VNCTarget{Hostname: res.VNCHost, Port: res.VNCPort, Password: password}
		probe := gateway.ProbeAddr(m.settings.VNCBindHost, res.Port)
		prov, gerr := m.gateway.Provision(ctx, lab, target, probe)
		if gerr != nil {
			// The desktop is reachable; a broken gateway degrades
			// instead of failing.
			m.logger.Warn().Str("lab_id", labID).Err(gerr).Msg("gateway provisioning failed, lab degraded")
			degraded = true
			reason = appendReason(reason, "gateway provisioning failed")
		} else {
			connectURL = prov.ConnectURL
			lab.GatewayUserID = prov.UserID
			lab.GatewayConnID = prov.ConnID
			lab.GatewayPasswordEnc = prov.PasswordEnc
		}
	}

	status := types.LabStatusReady
	if degraded {
		status = types.LabStatusDegraded
	}
	updated, err := m.store.MutateLab(labID, func(l *types.Lab) error {
		l.ConnectionURL = connectURL
		l.GatewayUserID = lab.GatewayUserID
		l.GatewayConnID = lab.GatewayConnID
		l.GatewayPasswordEnc = lab.GatewayPasswordEnc
		l.EvidenceState = types.EvidenceCollecting
		if degraded {
			l.Error = reason
		}
		return transition(l, status)
	})
	if err != nil {
		m.failLab(labID, "failed to persist readiness: "+err.Error())
		return
	}

	timer.ObserveDurationVec(metrics.ProvisionDuration, string(updated.Runtime))
	metrics.ProvisionsTotal.WithLabelValues(string(updated.Runtime), string(status)).Inc()
	if degraded {
		m.broker.PublishLab(events.EventLabDegraded, labID, updated.OwnerID, reason)
	} else {
		m.broker.PublishLab(events.EventLabReady, labID, updated.OwnerID, "")
	}
	m.logger.Info().Str("lab_id", labID).Str("status", string(status)).
		Str("runtime", string(updated.Runtime)).Msg("lab provisioned")
}

// canceled reports whether the failure came from shutdown or deadline
// cancellation rather than the operation itself.
func (m *Manager) canceled(ctx context.Context) bool {
	return errors.Is(m.ctx.Err(), context.Canceled) || errors.Is(ctx.Err(), context.Canceled)
}

// cleanupFailedProvision tears down whatever a partially provisioned
// lab left behind, on a fresh context so cleanup survives the expired
// provisioning deadline.
func (m *Manager) cleanupFailedProvision(lab *types.Lab) {
	ctx, cancel := context.WithTimeout(context.Background(), m.settings.TeardownTimeout)
	defer cancel()

	if driver, ok := m.drivers[lab.Runtime]; ok {
		if _, err := driver.DestroyLab(ctx, lab); err != nil {
			m.logger.Warn().Str("lab_id", lab.ID).Err(err).Msg("cleanup after failed provision incomplete")
		}
	}
	if m.gateway != nil {
		m.gateway.Teardown(ctx, lab)
	}
}

func deadlineOf(ctx context.Context) time.Time {
	if d, ok := ctx.Deadline(); ok {
		return d
	}
	return time.Now().Add(5 * time.Minute)
}

func appendReason(existing, add string) string {
	if existing == "" {
		return add
	}
	return existing + "; " + add
}
