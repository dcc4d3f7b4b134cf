package worker

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/octolab/octolab/pkg/config"
	"github.com/octolab/octolab/pkg/log"
	"github.com/octolab/octolab/pkg/manager"
	"github.com/octolab/octolab/pkg/types"
)

// TTLSweeper moves connectable labs past their TTL deadline to ENDING.
// The teardown worker does the actual reclamation.
type TTLSweeper struct {
	mgr      *manager.Manager
	settings *config.Settings
	logger   zerolog.Logger
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewTTLSweeper wires the sweeper.
func NewTTLSweeper(mgr *manager.Manager, settings *config.Settings) *TTLSweeper {
	return &TTLSweeper{
		mgr:      mgr,
		settings: settings,
		logger:   log.WithComponent("ttl-sweeper"),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start launches the sweep loop.
func (s *TTLSweeper) Start() {
	go s.run()
}

// Stop halts the loop.
func (s *TTLSweeper) Stop() {
	close(s.stopCh)
	<-s.doneCh
}

func (s *TTLSweeper) run() {
	defer close(s.doneCh)
	ticker := time.NewTicker(s.settings.TTLSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.Sweep()
		case <-s.stopCh:
			return
		}
	}
}

// Sweep expires every connectable lab past its deadline and returns how
// many were moved to ENDING.
func (s *TTLSweeper) Sweep() int {
	expired := 0
	now := time.Now()
	for _, status := range []types.LabStatus{types.LabStatusReady, types.LabStatusDegraded} {
		labs, err := s.mgr.Store().ListLabsByStatus(status)
		if err != nil {
			s.logger.Error().Err(err).Str("status", string(status)).Msg("failed to list labs")
			continue
		}
		for _, lab := range labs {
			if lab.ExpiresAt.After(now) {
				continue
			}
			if _, err := s.mgr.MarkEnding(lab.ID, "ttl expired"); err != nil {
				s.logger.Error().Str("lab_id", lab.ID).Err(err).Msg("failed to expire lab")
				continue
			}
			s.logger.Info().Str("lab_id", lab.ID).Time("expired_at", lab.ExpiresAt).Msg("lab TTL expired")
			expired++
		}
	}
	return expired
}
