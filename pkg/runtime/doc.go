/*
Package runtime defines the contract shared by OctoLab's isolation backends.

A lab is provisioned by exactly one of two drivers: the container runtime
(shared kernel, project-scoped Docker networks; pkg/runtime/dockerdrv) or
the microVM runtime (dedicated kernel behind a hypervisor;
pkg/runtime/microvm). Both implement the Driver interface defined here, so
the orchestrator dispatches on the lab's recorded runtime and nothing else.

# The Contract

	type Driver interface {
		CreateLab(ctx, lab, recipe, vncPassword) (*CreateResult, error)
		DestroyLab(ctx, lab) (*TeardownReport, error)
		WaitForHealthy(ctx, lab, timeout) error
		ResourcesExist(ctx, lab) bool
	}

Resource names are derived from lab.ID inside the driver; callers never
pass names in. CreateLab cleans up everything it created on failure,
including the port reservation. DestroyLab always returns a structured
report and never fails solely because a resource is already gone — missing
containers, networks, volumes, TAPs, and state directories are success for
teardown. ResourcesExist answers conservatively: probe errors read as
"exists" so reconciliation retries teardown rather than dropping state.

# Verified Teardown

TeardownReport captures the verify-act-verify protocol: the container set
before and after each action, the networks found and removed, and
VerifiedStopped, which is true iff the final container enumeration is empty
and every network was removed or classified NOT_FOUND. Networks are never
removed while containers remain; host-side virtual-interface garbage
collection is asynchronous and removing a network with a live endpoint
fails IN_USE.

# Typed Errors

Fatal driver failures carry types the orchestrator branches on:

  - PoolExhaustedError: no free port, or daemon address pools exhausted
  - CleanupBlockedError: unknown containers hold a lab network
  - StaleImageError: guest agent lacks identity fields (rebuild rootfs)
  - HealthTimeoutError / UnhealthyError: readiness gating failed
  - RuntimeError: anything else fatal

# See Also

  - pkg/runtime/dockerdrv: the container driver
  - pkg/runtime/microvm: the microVM driver
  - pkg/manager: dispatch and terminal-status selection
*/
package runtime
