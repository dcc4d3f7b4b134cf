package worker

import (
	"context"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/octolab/octolab/pkg/config"
	"github.com/octolab/octolab/pkg/events"
	"github.com/octolab/octolab/pkg/log"
	"github.com/octolab/octolab/pkg/manager"
	"github.com/octolab/octolab/pkg/metrics"
	"github.com/octolab/octolab/pkg/types"
)

// WatchdogOptions selects which stuck ENDING labs a run acts on and
// what it does to them.
type WatchdogOptions struct {
	// Threshold is the minimum time a lab must have sat in ENDING.
	Threshold time.Duration

	// Action is force-teardown (run the teardown sequence again) or
	// fail (mark FAILED without touching resources).
	Action types.WatchdogAction

	// Limit caps how many labs one run touches, oldest first. Zero
	// means no cap.
	Limit int

	// DryRun reports matches without acting.
	DryRun bool

	// LabID targets one specific lab, bypassing threshold and limit.
	// The lab must still be ENDING.
	LabID string
}

// WatchdogResult records what one run did to one lab.
type WatchdogResult struct {
	LabID      string  `json:"lab_id"`
	AgeSeconds float64 `json:"age_seconds"`
	Action     string  `json:"action"`
	OK         bool    `json:"ok"`
	Note       string  `json:"note,omitempty"`
}

// WatchdogReport is the structured outcome of a watchdog run, returned
// to the admin endpoint and the CLI.
type WatchdogReport struct {
	RanAt   time.Time        `json:"ran_at"`
	DryRun  bool             `json:"dry_run"`
	Matched int              `json:"matched"`
	Results []WatchdogResult `json:"results"`
}

// Watchdog recovers labs stuck in ENDING. It composes the same manager
// operations the teardown worker uses; nothing here prunes.
type Watchdog struct {
	mgr      *manager.Manager
	settings *config.Settings
	owner    string
	logger   zerolog.Logger
}

// NewWatchdog wires the watchdog.
func NewWatchdog(mgr *manager.Manager, settings *config.Settings) *Watchdog {
	host, _ := os.Hostname()
	return &Watchdog{
		mgr:      mgr,
		settings: settings,
		owner:    fmt.Sprintf("watchdog:%s:%s", host, uuid.NewString()[:8]),
		logger:   log.WithComponent("watchdog"),
	}
}

// Run executes one watchdog pass.
func (w *Watchdog) Run(ctx context.Context, opts WatchdogOptions) (*WatchdogReport, error) {
	if opts.Action != types.WatchdogForceTeardown && opts.Action != types.WatchdogFail {
		return nil, fmt.Errorf("unknown watchdog action %q", opts.Action)
	}

	targets, err := w.selectTargets(opts)
	if err != nil {
		return nil, err
	}

	report := &WatchdogReport{
		RanAt:   time.Now(),
		DryRun:  opts.DryRun,
		Matched: len(targets),
	}
	for _, lab := range targets {
		res := WatchdogResult{
			LabID:      lab.ID,
			AgeSeconds: time.Since(lab.UpdatedAt).Seconds(),
			Action:     string(opts.Action),
		}
		if opts.DryRun {
			res.OK = true
			res.Note = "dry run"
		} else {
			res.OK, res.Note = w.act(ctx, lab, opts.Action)
		}
		report.Results = append(report.Results, res)
	}
	return report, nil
}

// selectTargets applies the id/threshold/limit filters, oldest first.
func (w *Watchdog) selectTargets(opts WatchdogOptions) ([]*types.Lab, error) {
	if opts.LabID != "" {
		lab, err := w.mgr.Store().GetLab(opts.LabID)
		if err != nil {
			return nil, err
		}
		if lab.Status != types.LabStatusEnding {
			return nil, fmt.Errorf("lab %s is %s, watchdog only acts on ENDING", lab.ID, lab.Status)
		}
		return []*types.Lab{lab}, nil
	}

	labs, err := w.mgr.Store().ListLabsByStatus(types.LabStatusEnding)
	if err != nil {
		return nil, err
	}
	var stuck []*types.Lab
	for _, lab := range labs {
		if time.Since(lab.UpdatedAt) >= opts.Threshold {
			stuck = append(stuck, lab)
		}
	}
	sort.Slice(stuck, func(i, j int) bool {
		return stuck[i].UpdatedAt.Before(stuck[j].UpdatedAt)
	})
	if opts.Limit > 0 && len(stuck) > opts.Limit {
		stuck = stuck[:opts.Limit]
	}
	return stuck, nil
}

func (w *Watchdog) act(ctx context.Context, lab *types.Lab, action types.WatchdogAction) (bool, string) {
	metrics.WatchdogForcedTotal.Inc()
	w.mgr.Broker().PublishLab(events.EventWatchdogForced, lab.ID, lab.OwnerID, string(action))

	switch action {
	case types.WatchdogForceTeardown:
		// The claim keeps the teardown worker off this lab while the
		// forced run is in flight.
		claimed, err := w.mgr.Store().ClaimLab(lab.ID, w.owner, w.settings.ClaimTTL)
		if err != nil {
			return false, err.Error()
		}
		if !claimed {
			return false, "claim held by another worker"
		}
		defer func() {
			_ = w.mgr.Store().ReleaseClaim(lab.ID, w.owner)
		}()

		tctx, cancel := context.WithTimeout(ctx, w.settings.TeardownTimeout)
		defer cancel()
		if err := w.mgr.Teardown(tctx, lab.ID); err != nil {
			w.logger.Error().Str("lab_id", lab.ID).Err(err).Msg("forced teardown failed")
			return false, err.Error()
		}
		return true, "teardown finished"
	case types.WatchdogFail:
		if _, err := w.mgr.ForceFail(lab.ID, "marked FAILED by watchdog after stuck ENDING"); err != nil {
			return false, err.Error()
		}
		return true, "marked FAILED"
	}
	return false, "unreachable"
}
