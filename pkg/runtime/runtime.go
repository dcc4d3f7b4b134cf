package runtime

import (
	"context"
	"time"

	"github.com/octolab/octolab/pkg/types"
)

// CreateResult reports what a driver provisioned for a lab. The manager
// records it on the lab row; nothing in it is client input.
type CreateResult struct {
	// Port is the host port reserved for the desktop endpoint.
	Port int

	// VNCHost and VNCPort describe where the gateway reaches the
	// desktop's VNC server. For the container runtime this is the
	// desktop container's hostname on the per-lab network and 5900;
	// for the microVM runtime it is the host bridge address and the
	// forwarded host port.
	VNCHost string
	VNCPort int

	// Meta carries runtime-specific details recorded on the lab row:
	// guest IP, forwarded port, generated compose content, exposed
	// ports.
	Meta map[string]string

	// Degraded is set when the desktop is reachable but a non-core
	// capability (the in-lab target service) failed to come up. The
	// manager marks the lab DEGRADED instead of READY.
	Degraded bool

	// DegradedReason explains Degraded for the lab row.
	DegradedReason string
}

// NetworkResult classifies one network removal attempt.
type NetworkResult string

const (
	NetworkOK       NetworkResult = "OK"
	NetworkNotFound NetworkResult = "NOT_FOUND" // treated as success, never warned
	NetworkInUse    NetworkResult = "IN_USE"
	NetworkError    NetworkResult = "ERROR"
)

// TeardownReport is the structured result of a verified teardown. It is
// always returned, including on failure, so callers and operators can
// see exactly what was found and what was removed.
type TeardownReport struct {
	Project string `json:"project"`

	// Container phase (verify, act, verify).
	PreRunning         []string `json:"pre_running"`
	RemainingAfterDown []string `json:"remaining_after_down"`
	RmRC               int      `json:"rm_rc"`
	RemainingFinal     []string `json:"remaining_final"`

	// Network phase. Entered only when RemainingFinal is empty.
	NetworksFound   []string `json:"networks_found"`
	NetworksRemoved []string `json:"networks_removed"`

	// MicroVM step records, empty for the container runtime.
	Steps []StepResult `json:"steps,omitempty"`

	// VerifiedStopped is true iff the final container enumeration is
	// empty and every network found was removed or classified
	// NOT_FOUND.
	VerifiedStopped bool `json:"verified_stopped"`

	Errors []string `json:"errors"`
}

// StepResult records one microVM teardown step.
type StepResult struct {
	Name string `json:"name"`
	OK   bool   `json:"ok"`
	Note string `json:"note,omitempty"`
}

// AddStep appends a step record and mirrors failures into Errors.
func (r *TeardownReport) AddStep(name string, ok bool, note string) {
	r.Steps = append(r.Steps, StepResult{Name: name, OK: ok, Note: note})
	if !ok {
		r.Errors = append(r.Errors, name+": "+note)
	}
}

// Driver is the contract both isolation backends implement. Resource
// names are always derived from lab.ID inside the driver; callers never
// pass names in.
type Driver interface {
	// CreateLab provisions isolation and starts the desktop stack. On
	// failure the driver cleans up everything it created, releases the
	// port reservation, and returns a typed error.
	CreateLab(ctx context.Context, lab *types.Lab, recipe *types.Recipe, vncPassword string) (*CreateResult, error)

	// DestroyLab performs a verified teardown. It always returns a
	// report and never fails solely because a resource is already
	// gone.
	DestroyLab(ctx context.Context, lab *types.Lab) (*TeardownReport, error)

	// WaitForHealthy polls the desktop until it answers, bounded by
	// timeout. Fails with HealthTimeoutError or UnhealthyError.
	WaitForHealthy(ctx context.Context, lab *types.Lab, timeout time.Duration) error

	// ResourcesExist is a conservative existence probe used by
	// reconciliation. On probe error it returns true so the
	// reconciler tries teardown instead of silently dropping state.
	ResourcesExist(ctx context.Context, lab *types.Lab) bool
}
