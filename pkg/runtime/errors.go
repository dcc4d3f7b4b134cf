package runtime

import (
	"fmt"
	"strings"
	"time"
)

// PoolExhaustedError reports that provisioning could not obtain a
// resource from a bounded pool: no free host port, or the daemon's
// virtual-network address space is exhausted even after preflight.
type PoolExhaustedError struct {
	Resource string // "host ports", "network address pools"
	Detail   string
}

func (e *PoolExhaustedError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("pool exhausted: %s", e.Resource)
	}
	return fmt.Sprintf("pool exhausted: %s: %s", e.Resource, e.Detail)
}

// CleanupBlockedError reports that teardown found containers attached
// to a lab network that are neither lab containers nor on the
// operator allowlist. Unknown containers are never force-disconnected;
// an operator has to look.
type CleanupBlockedError struct {
	Network    string
	Containers []string
}

func (e *CleanupBlockedError) Error() string {
	return fmt.Sprintf("cleanup blocked: network %s held by unknown containers: %s",
		e.Network, strings.Join(e.Containers, ", "))
}

// StaleImageError reports a guest agent that answered ping but lacks
// the identity fields the backend requires. The rootfs build is out of
// date.
type StaleImageError struct {
	Missing []string
}

func (e *StaleImageError) Error() string {
	return fmt.Sprintf("stale rootfs image: agent ping missing %s; rebuild the rootfs image and update OCTOLAB_FC_ROOTFS",
		strings.Join(e.Missing, ", "))
}

// HealthTimeoutError reports that the desktop never became healthy
// within the readiness window.
type HealthTimeoutError struct {
	Timeout time.Duration
	Last    string // last observed health message
}

func (e *HealthTimeoutError) Error() string {
	if e.Last == "" {
		return fmt.Sprintf("desktop not healthy after %s", e.Timeout)
	}
	return fmt.Sprintf("desktop not healthy after %s: %s", e.Timeout, e.Last)
}

// UnhealthyError reports an immediately-failed readiness gate: the
// desktop container exited or the guest agent declared failure.
type UnhealthyError struct {
	Detail string
}

func (e *UnhealthyError) Error() string {
	return fmt.Sprintf("desktop unhealthy: %s", e.Detail)
}

// RuntimeError wraps any other fatal driver failure.
type RuntimeError struct {
	Op  string
	Err error
}

func (e *RuntimeError) Error() string {
	return fmt.Sprintf("runtime error during %s: %v", e.Op, e.Err)
}

func (e *RuntimeError) Unwrap() error {
	return e.Err
}
