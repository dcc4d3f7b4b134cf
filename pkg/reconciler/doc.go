/*
Package reconciler converges stored lab state with runtime reality.

The store is authoritative for what a lab should be; the runtime is
authoritative for what exists. Drift appears whenever the process dies
mid-flight or an operator removes resources by hand. Each pass walks
the gap in both directions:

  - READY/DEGRADED labs whose resources vanished move to ENDING so the
    teardown worker settles their evidence and gateway bookkeeping.
  - PROVISIONING rows older than the provisioning deadline are orphans
    of a dead process; they move to ENDING.
  - FINISHED/FAILED labs that still own resources get a bounded
    re-destroy.
  - Terminal labs past the evidence retention deadline get their
    evidence volumes reclaimed, exactly once.

The existence probe errs toward true, so probe failures never end a
healthy lab; they just postpone the decision to the next pass.
*/
package reconciler
