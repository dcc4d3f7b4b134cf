/*
Package manager owns the lab lifecycle state machine.

The manager is the only component that moves labs between states. The
HTTP API, the background workers, and the CLI all act through it, so
every transition is validated in one place and every terminal state is
reached by exactly one code path.

# Lifecycle

	            ┌───────────┐
	            │ REQUESTED │
	            └─────┬─────┘
	                  ▼
	          ┌──────────────┐
	          │ PROVISIONING │──────────────┐
	          └─────┬────────┘              │
	          ┌─────┴─────┐                 │
	          ▼           ▼                 │
	      ┌───────┐  ┌──────────┐           │
	      │ READY │  │ DEGRADED │           │
	      └───┬───┘  └────┬─────┘           │
	          └────┬──────┘                 │
	               ▼                        ▼
	          ┌────────┐              ┌─────────┐
	          │ ENDING │─────────────▶│ FAILED  │
	          └───┬────┘              └─────────┘
	              ▼
	         ┌──────────┐
	         │ FINISHED │
	         └──────────┘

DEGRADED is a peer of READY for client operations: the desktop is
connectable, but a non-core capability (typically the gateway) failed.
FINISHED and FAILED are terminal; terminal rows keep their evidence
bookkeeping and are never deleted from the store.

# Provisioning

CreateLab validates quota and recipe, persists the row, and hands the
lab id to a bounded pool of provisioning workers. A worker drives the
runtime driver through create and health gating, provisions the
gateway resources, and lands the lab in READY or DEGRADED. A deadline
or fatal error cleans up partial resources and lands FAILED; process
shutdown leaves the lab PROVISIONING for the reconciler.

# Teardown

Teardown runs for labs in ENDING, normally under the teardown worker's
claim: export authoritative service logs into the auth volume, seal
the evidence, tear down gateway resources (best effort), finalize the
evidence state, then destroy runtime resources. Only a verified
destroy reaches FINISHED; anything less is FAILED with the detail
recorded on the row. FinishedAt and the evidence retention deadline
are set exactly once, whichever terminal path runs first.

The recipe catalog is a read-only YAML file loaded at startup; the
orchestrator never writes recipes.
*/
package manager
