/*
Package storage provides BoltDB-backed state persistence for OctoLab's lab records.

The storage package implements the Store interface using BoltDB as the underlying
database, providing ACID transactions for lab lifecycle state, host port
reservations, and worker claims. All data is serialized as JSON and stored in
separate buckets.

# Architecture

OctoLab uses BoltDB (bbolt) for embedded, transactional storage with zero
external dependencies:

	┌──────────────────── BOLTDB STORAGE ──────────────────┐
	│                                                       │
	│  ┌─────────────────────────────────────────┐          │
	│  │            BoltStore                    │          │
	│  │  - File: <dataDir>/octolab.db           │          │
	│  │  - Transactions: ACID with fsync        │          │
	│  └──────────────────┬──────────────────────┘          │
	│                     │                                 │
	│  ┌──────────────────▼──────────────────────┐          │
	│  │            Bucket Structure             │          │
	│  │  ┌───────────────────────────┐          │          │
	│  │  │ labs     (lab UUID)       │          │          │
	│  │  │ ports    (host port)      │          │          │
	│  │  │ claims   (lab UUID)       │          │          │
	│  │  └───────────────────────────┘          │          │
	│  └─────────────────────────────────────────┘          │
	│                                                       │
	└───────────────────────────────────────────────────────┘

# Core Components

Store Interface: CRUD for labs plus port reservations and work claims. The API,
manager, and workers all talk to storage through this interface, so tests can
swap in a temporary database.

BoltStore: the only implementation. One file, one writer; write transactions
serialize, which is what makes MutateLab and ClaimLab safe without any
additional locking.

# Lab Records

Lab rows are written at creation and mutated in place as the lifecycle
advances. Rows are never deleted: FINISHED and FAILED labs stay queryable so
evidence can be retrieved after teardown.

MutateLab is the preferred write path for lifecycle transitions:

	lab, err := store.MutateLab(id, func(l *types.Lab) error {
		if l.Status.IsTerminal() {
			return fmt.Errorf("lab already %s", l.Status)
		}
		l.Status = types.LabStatusEnding
		return nil
	})

The callback runs inside the write transaction. Concurrent transitions cannot
interleave, and returning an error discards the change.

GetLabForOwner — the ownership-scoped read — returns ErrNotFound for foreign
labs as well as missing ones, so the API cannot leak whether someone else's
lab id exists.

# Port Reservations

Each lab that exposes a desktop holds one host port reservation, keyed by the
port number. ReservePort returns ErrPortTaken on collision (the allocator
retries with a different port), and re-reserving the lab's own port is a
no-op. ReleasePortForLab is idempotent so teardown can always call it.

# Work Claims

Workers coordinate through short-lived claims:

	claimed, err := store.ClaimLab(labID, workerID, 5*time.Minute)
	if err != nil || !claimed {
		return // someone else is tearing this lab down
	}
	defer store.ReleaseClaim(labID, workerID)

A live claim held by another owner makes ClaimLab return false, never an
error. Claims expire after their TTL, so a worker that crashes mid-teardown
only delays the lab until the claim lapses.

# Usage

Creating a store:

	store, err := storage.NewBoltStore("/var/lib/octolab")
	if err != nil {
		log.Fatal(err)
	}
	defer store.Close()

Recording a new lab:

	lab := &types.Lab{
		ID:       labID,
		OwnerID:  ownerID,
		RecipeID: "web-basic",
		Status:   types.LabStatusRequested,
		Runtime:  types.RuntimeContainer,
	}
	if err := store.CreateLab(lab); err != nil {
		return err
	}

# Integration Points

  - pkg/manager: lifecycle transitions via MutateLab
  - pkg/ports: allocation backed by ReservePort / ReservedPorts
  - pkg/worker: ENDING queue scans plus ClaimLab leases
  - pkg/api: owner-scoped reads via GetLabForOwner
  - pkg/reconciler: full-table scans via ListLabs

# Data Integrity

All multi-step updates happen inside a single bolt transaction. The database
file is opened 0600; lab rows hold an encrypted gateway password blob but
never plaintext credentials, and never the manifest HMAC secret.

# See Also

  - pkg/types: persisted record definitions
  - pkg/manager: the main writer of lab state
*/
package storage
