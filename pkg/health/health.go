package health

import (
	"context"
	"time"
)

// Result is the outcome of one probe.
type Result struct {
	Healthy   bool
	Message   string
	CheckedAt time.Time
	Duration  time.Duration
}

// Checker is a single reachability probe. Callers own retry and pacing
// policy; a checker answers one question once.
type Checker interface {
	Check(ctx context.Context) Result
}

func result(start time.Time, healthy bool, message string) Result {
	return Result{
		Healthy:   healthy,
		Message:   message,
		CheckedAt: start,
		Duration:  time.Since(start),
	}
}
