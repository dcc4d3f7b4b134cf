package manager

import (
	"fmt"
	"time"

	"github.com/octolab/octolab/pkg/types"
)

// ErrIllegalTransition is wrapped into every rejected transition error.
var ErrIllegalTransition = fmt.Errorf("illegal lab state transition")

// legalTransitions is the full state graph. DEGRADED is a peer of
// READY: everything allowed from READY is allowed from DEGRADED.
var legalTransitions = map[types.LabStatus][]types.LabStatus{
	types.LabStatusRequested:    {types.LabStatusProvisioning, types.LabStatusEnding, types.LabStatusFailed},
	types.LabStatusProvisioning: {types.LabStatusReady, types.LabStatusDegraded, types.LabStatusEnding, types.LabStatusFailed},
	types.LabStatusReady:        {types.LabStatusEnding},
	types.LabStatusDegraded:     {types.LabStatusEnding},
	types.LabStatusEnding:       {types.LabStatusFinished, types.LabStatusFailed},
	types.LabStatusFinished:     {},
	types.LabStatusFailed:       {},
}

// CanTransition reports whether from→to is a legal edge.
func CanTransition(from, to types.LabStatus) bool {
	for _, next := range legalTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// transition validates and applies a status change on a lab row inside
// a MutateLab callback. Terminal rows never move again.
func transition(lab *types.Lab, to types.LabStatus) error {
	if !CanTransition(lab.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, lab.Status, to)
	}
	lab.Status = to
	lab.UpdatedAt = time.Now()
	return nil
}

// markFinished lands a lab in a terminal state and stamps the
// evidence-retention clock. FinishedAt is monotonic and
// EvidenceExpiresAt is set exactly once.
func markFinished(lab *types.Lab, to types.LabStatus, retention time.Duration) error {
	if err := transition(lab, to); err != nil {
		return err
	}
	if lab.FinishedAt == nil {
		now := time.Now()
		lab.FinishedAt = &now
	}
	if lab.EvidenceExpiresAt == nil {
		expires := lab.FinishedAt.Add(retention)
		lab.EvidenceExpiresAt = &expires
	}
	return nil
}
