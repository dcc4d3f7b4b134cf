package worker

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/octolab/octolab/pkg/config"
	"github.com/octolab/octolab/pkg/log"
	"github.com/octolab/octolab/pkg/manager"
	"github.com/octolab/octolab/pkg/types"
)

// TeardownWorker drains ENDING labs. Each pass claims labs older than
// the grace age and runs the manager's teardown sequence under the
// global teardown timeout. Claims give one worker exclusive ownership
// of a lab id, so multiple processes can run the loop safely.
type TeardownWorker struct {
	mgr      *manager.Manager
	settings *config.Settings
	owner    string
	logger   zerolog.Logger
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewTeardownWorker wires the worker. The claim owner embeds the
// hostname so a stale claim is attributable.
func NewTeardownWorker(mgr *manager.Manager, settings *config.Settings) *TeardownWorker {
	host, _ := os.Hostname()
	return &TeardownWorker{
		mgr:      mgr,
		settings: settings,
		owner:    fmt.Sprintf("teardown:%s:%s", host, uuid.NewString()[:8]),
		logger:   log.WithComponent("teardown-worker"),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start launches the sweep loop.
func (w *TeardownWorker) Start() {
	go w.run()
}

// Stop halts the loop and waits for the in-flight pass.
func (w *TeardownWorker) Stop() {
	close(w.stopCh)
	<-w.doneCh
}

func (w *TeardownWorker) run() {
	defer close(w.doneCh)
	ticker := time.NewTicker(w.settings.TeardownInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.Sweep(context.Background())
		case <-w.stopCh:
			return
		}
	}
}

// Sweep runs one pass and returns how many teardowns were attempted.
func (w *TeardownWorker) Sweep(ctx context.Context) int {
	labs, err := w.mgr.Store().ListLabsByStatus(types.LabStatusEnding)
	if err != nil {
		w.logger.Error().Err(err).Msg("failed to list ENDING labs")
		return 0
	}

	attempted := 0
	for _, lab := range labs {
		select {
		case <-w.stopCh:
			return attempted
		default:
		}
		if time.Since(lab.UpdatedAt) < w.settings.EndingGraceAge {
			// Freshly ENDING; give the user-facing request time to
			// return before the background machinery takes over.
			continue
		}
		if w.teardownOne(ctx, lab.ID) {
			attempted++
		}
	}
	return attempted
}

// teardownOne claims and tears down a single lab. Returns false when
// the claim is held elsewhere.
func (w *TeardownWorker) teardownOne(ctx context.Context, labID string) bool {
	claimed, err := w.mgr.Store().ClaimLab(labID, w.owner, w.settings.ClaimTTL)
	if err != nil {
		w.logger.Error().Str("lab_id", labID).Err(err).Msg("claim failed")
		return false
	}
	if !claimed {
		return false
	}
	defer func() {
		if err := w.mgr.Store().ReleaseClaim(labID, w.owner); err != nil {
			w.logger.Warn().Str("lab_id", labID).Err(err).Msg("failed to release claim")
		}
	}()

	tctx, cancel := context.WithTimeout(ctx, w.settings.TeardownTimeout)
	defer cancel()
	if err := w.mgr.Teardown(tctx, labID); err != nil {
		w.logger.Error().Str("lab_id", labID).Err(err).Msg("teardown failed")
	}
	return true
}
