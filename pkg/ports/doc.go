/*
Package ports allocates host ports for lab desktop endpoints.

Every lab that exposes a desktop gets exactly one host port from a configured
range (default 40000-40999). Reservations are stored in BoltDB keyed by port,
so the table is shared across the container and microVM runtimes and survives
server restarts.

# Allocation

Allocate scans the range from a random offset and takes the first port that
is neither reserved in the store nor refused by a bind probe on the
configured host. A reserve that races another allocator keeps scanning. When
the whole range yields nothing, Allocate returns ErrExhausted; runtime
drivers map that onto their pool-exhausted failure.

The bind probe catches ports held by unrelated host processes. It is a
snapshot, not a lock: a collision can still surface when the runtime actually
binds, in which case the driver releases the reservation and allocates again,
bounded by its retry budget.

# Release

Release is idempotent. Teardown always calls it regardless of how far
provisioning got.

# See Also

  - pkg/storage: the reservation bucket and its collision semantics
  - pkg/runtime: drivers that consume allocations
*/
package ports
