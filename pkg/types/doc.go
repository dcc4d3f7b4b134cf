/*
Package types defines the core data structures used throughout OctoLab.

This package contains the fundamental types that represent OctoLab's domain
model: labs, recipes, port reservations, work claims, and the enumerations
governing the lab lifecycle. These types are used by all other packages for
state management, API serialization, and orchestration logic.

# Architecture

The types package is the foundation of OctoLab's data model. It defines:

  - Lab lifecycle state (status graph, runtime selection)
  - Evidence bookkeeping (state, seal status, manifest digest)
  - Gateway resource references (user, connection, encrypted password)
  - Shared mutable state records (port reservations, work claims)

All types are designed to be:
  - Serializable (JSON, for the bbolt store)
  - Validated (constants for enums, helper predicates)
  - Free of behavior beyond small predicates; logic lives in pkg/manager

# Core Types

Lab:
  - The primary entity; one row per provisioned environment
  - ID is a server-generated v4 UUID and the sole input for every
    derived resource name (project, networks, volumes, TAP)
  - Rows are never deleted; terminal rows remain until evidence expiry

LabStatus:
  - requested → provisioning → ready/degraded → ending → finished
  - provisioning and ending may terminate in failed
  - DEGRADED is a peer of READY: connectable, same client operations

LabRuntime:
  - container: shared kernel, project-scoped Docker networks
  - microvm: dedicated kernel per lab behind a hypervisor

EvidenceState / SealStatus:
  - absent|collecting|present|unavailable; none|sealed|failed
  - Both reconciled on read for terminal labs

Recipe:
  - Immutable template from the external catalog (read-only here)

PortReservation:
  - Host port held for a lab's desktop endpoint
  - Keyed by (lab id, owner id) to prevent cross-tenant reuse
  - Release is idempotent

WorkClaim:
  - Lease marking a lab id as owned by one background worker
  - Expiry allows a crashed worker's labs to be retried

# Usage

Status predicates:

	if lab.Status.IsTerminal() {
		// no further transitions; evidence retrieval only
	}
	if lab.Status.Connectable() {
		// connect and evidence endpoints accept this lab
	}

Timestamps:

	FinishedAt is monotonic: once set it never moves backward.
	EvidenceExpiresAt is set exactly once, from FinishedAt.

# Integration Points

This package integrates with:

  - pkg/storage: JSON serialization of Lab, PortReservation, WorkClaim
  - pkg/manager: transition validation and lifecycle orchestration
  - pkg/runtime: drivers receive *Lab and derive names from Lab.ID
  - pkg/evidence: seal bookkeeping fields on the lab row
  - pkg/api: conversion to response DTOs
*/
package types
