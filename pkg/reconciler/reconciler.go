package reconciler

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/octolab/octolab/pkg/config"
	"github.com/octolab/octolab/pkg/events"
	"github.com/octolab/octolab/pkg/log"
	"github.com/octolab/octolab/pkg/manager"
	"github.com/octolab/octolab/pkg/metrics"
	"github.com/octolab/octolab/pkg/types"
)

// maxRedestroysPerPass bounds how many leftover terminal labs one pass
// re-destroys, so a daemon outage does not turn the first pass after
// recovery into a teardown storm.
const maxRedestroysPerPass = 5

// VolumeReclaimer removes a lab's evidence volumes once retention has
// run out. Satisfied by the evidence service.
type VolumeReclaimer interface {
	RemoveVolumes(ctx context.Context, lab *types.Lab) error
}

// Reconciler converges stored lab state with what actually exists in
// the runtime: connectable labs whose resources vanished move to
// ENDING, terminal labs with leftovers are re-destroyed, orphaned
// PROVISIONING rows from a dead process are queued for teardown, and
// evidence volumes past retention are reclaimed.
type Reconciler struct {
	mgr       *manager.Manager
	reclaimer VolumeReclaimer
	settings  *config.Settings
	logger    zerolog.Logger
	stopCh    chan struct{}
	doneCh    chan struct{}
}

// New wires a reconciler. reclaimer may be nil; retention reclaim is
// then skipped.
func New(mgr *manager.Manager, reclaimer VolumeReclaimer, settings *config.Settings) *Reconciler {
	return &Reconciler{
		mgr:       mgr,
		reclaimer: reclaimer,
		settings:  settings,
		logger:    log.WithComponent("reconciler"),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// Start launches the reconciliation loop.
func (r *Reconciler) Start() {
	go r.run()
}

// Stop halts the loop and waits for the in-flight pass.
func (r *Reconciler) Stop() {
	close(r.stopCh)
	<-r.doneCh
}

func (r *Reconciler) run() {
	defer close(r.doneCh)
	ticker := time.NewTicker(r.settings.ReconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.Reconcile(context.Background())
		case <-r.stopCh:
			return
		}
	}
}

// Reconcile runs one full pass.
func (r *Reconciler) Reconcile(ctx context.Context) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ReconciliationDuration)

	r.sweepVanished(ctx)
	r.sweepOrphanedProvisioning()
	r.sweepLeftovers(ctx)
	r.sweepExpiredEvidence(ctx)
}

// sweepVanished moves connectable labs whose runtime resources are gone
// to ENDING. The teardown there is a formality, but it runs the
// evidence and gateway steps the lab still owes.
func (r *Reconciler) sweepVanished(ctx context.Context) {
	for _, status := range []types.LabStatus{types.LabStatusReady, types.LabStatusDegraded} {
		labs, err := r.mgr.Store().ListLabsByStatus(status)
		if err != nil {
			r.logger.Error().Err(err).Msg("failed to list connectable labs")
			return
		}
		for _, lab := range labs {
			driver, ok := r.mgr.Driver(lab.Runtime)
			if !ok {
				continue
			}
			// ResourcesExist errs toward true, so a flaky probe never
			// ends a healthy lab.
			if driver.ResourcesExist(ctx, lab) {
				continue
			}
			metrics.DriftDetectedTotal.WithLabelValues("vanished").Inc()
			r.logger.Warn().Str("lab_id", lab.ID).Str("status", string(status)).
				Msg("lab resources vanished, queueing teardown")
			if _, err := r.mgr.MarkEnding(lab.ID, "resources vanished"); err != nil {
				r.logger.Error().Str("lab_id", lab.ID).Err(err).Msg("failed to queue vanished lab")
			}
		}
	}
}

// sweepOrphanedProvisioning queues PROVISIONING rows older than the
// provisioning deadline. They come from a process that died mid-flight;
// no worker will ever finish them.
func (r *Reconciler) sweepOrphanedProvisioning() {
	labs, err := r.mgr.Store().ListLabsByStatus(types.LabStatusProvisioning)
	if err != nil {
		r.logger.Error().Err(err).Msg("failed to list provisioning labs")
		return
	}
	for _, lab := range labs {
		if time.Since(lab.UpdatedAt) < r.settings.ProvisionTimeout {
			continue
		}
		metrics.DriftDetectedTotal.WithLabelValues("orphaned").Inc()
		if _, err := r.mgr.MarkEnding(lab.ID, "provisioning orphaned"); err != nil {
			r.logger.Error().Str("lab_id", lab.ID).Err(err).Msg("failed to queue orphaned lab")
		}
	}
}

// sweepLeftovers re-destroys resources that survived a terminal lab.
func (r *Reconciler) sweepLeftovers(ctx context.Context) {
	redestroyed := 0
	for _, status := range []types.LabStatus{types.LabStatusFinished, types.LabStatusFailed} {
		labs, err := r.mgr.Store().ListLabsByStatus(status)
		if err != nil {
			r.logger.Error().Err(err).Msg("failed to list terminal labs")
			return
		}
		for _, lab := range labs {
			if redestroyed >= maxRedestroysPerPass {
				return
			}
			driver, ok := r.mgr.Driver(lab.Runtime)
			if !ok || !driver.ResourcesExist(ctx, lab) {
				continue
			}
			metrics.DriftDetectedTotal.WithLabelValues("leftover").Inc()
			r.logger.Warn().Str("lab_id", lab.ID).Msg("terminal lab still has resources, re-destroying")

			dctx, cancel := context.WithTimeout(ctx, r.settings.TeardownTimeout)
			report, err := driver.DestroyLab(dctx, lab)
			cancel()
			if err != nil {
				r.logger.Error().Str("lab_id", lab.ID).Err(err).Msg("re-destroy failed")
			} else if !report.VerifiedStopped {
				r.logger.Warn().Str("lab_id", lab.ID).Strs("errors", report.Errors).
					Msg("re-destroy not verified")
			}
			redestroyed++
		}
	}
}

// sweepExpiredEvidence reclaims evidence volumes once retention ran out.
func (r *Reconciler) sweepExpiredEvidence(ctx context.Context) {
	if r.reclaimer == nil {
		return
	}
	now := time.Now()
	for _, status := range []types.LabStatus{types.LabStatusFinished, types.LabStatusFailed} {
		labs, err := r.mgr.Store().ListLabsByStatus(status)
		if err != nil {
			r.logger.Error().Err(err).Msg("failed to list terminal labs")
			return
		}
		for _, lab := range labs {
			if lab.EvidenceExpiresAt == nil || lab.EvidenceExpiresAt.After(now) {
				continue
			}
			if lab.EvidenceState == types.EvidenceAbsent {
				continue // already reclaimed
			}
			if err := r.reclaimer.RemoveVolumes(ctx, lab); err != nil {
				r.logger.Error().Str("lab_id", lab.ID).Err(err).Msg("failed to reclaim evidence volumes")
				continue
			}
			if _, err := r.mgr.Store().MutateLab(lab.ID, func(l *types.Lab) error {
				l.EvidenceState = types.EvidenceAbsent
				return nil
			}); err != nil {
				r.logger.Error().Str("lab_id", lab.ID).Err(err).Msg("failed to record evidence reclaim")
				continue
			}
			metrics.EvidenceExpiredTotal.Inc()
			r.mgr.Broker().PublishLab(events.EventEvidenceExpired, lab.ID, lab.OwnerID, "retention expired")
			r.logger.Info().Str("lab_id", lab.ID).Msg("evidence volumes reclaimed")
		}
	}
}
