package types

import (
	"time"
)

// Lab represents a per-user isolated exercise environment
type Lab struct {
	ID       string // v4 UUID, server-generated; sole input for derived resource names
	OwnerID  string
	RecipeID string
	Status   LabStatus
	Runtime  LabRuntime // chosen by server policy at create time, immutable

	// RuntimeMeta carries opaque runtime details: guest IP, forwarded
	// port, generated Dockerfile, exposed ports, host bridge address.
	RuntimeMeta map[string]string

	ConnectionURL string // set after readiness gating

	// Gateway resources provisioned for this lab
	GatewayUserID      string
	GatewayConnID      string
	GatewayPasswordEnc []byte // AES-256-GCM, key held only by the backend

	// Evidence bookkeeping
	EvidenceState          EvidenceState
	EvidenceSealStatus     SealStatus
	EvidenceManifestSHA256 string // hex digest of the canonical manifest
	AuthVolume             string // derived from ID at create time
	UserVolume             string

	CreatedAt time.Time
	UpdatedAt time.Time
	ExpiresAt time.Time // TTL deadline; READY/DEGRADED past this move to ENDING

	FinishedAt          *time.Time
	EvidenceExpiresAt   *time.Time // FinishedAt + retention window, set exactly once
	EvidenceSealedAt    *time.Time
	EvidenceFinalizedAt *time.Time

	Error string // terminal failure detail, already redacted
}

// LabStatus represents the lifecycle state of a lab
type LabStatus string

const (
	LabStatusRequested    LabStatus = "requested"
	LabStatusProvisioning LabStatus = "provisioning"
	LabStatusReady        LabStatus = "ready"
	LabStatusDegraded     LabStatus = "degraded" // connectable, but a non-core capability failed
	LabStatusEnding       LabStatus = "ending"
	LabStatusFinished     LabStatus = "finished"
	LabStatusFailed       LabStatus = "failed"
)

// IsTerminal reports whether the status never transitions again.
func (s LabStatus) IsTerminal() bool {
	return s == LabStatusFinished || s == LabStatusFailed
}

// Connectable reports whether the lab accepts connect and evidence
// operations. DEGRADED is a peer of READY for client operations.
func (s LabStatus) Connectable() bool {
	return s == LabStatusReady || s == LabStatusDegraded
}

// LabRuntime selects the isolation backend for a lab
type LabRuntime string

const (
	RuntimeContainer LabRuntime = "container" // shared kernel, project-scoped networks
	RuntimeMicroVM   LabRuntime = "microvm"   // dedicated kernel per lab
)

// EvidenceState tracks what the evidence volumes currently hold
type EvidenceState string

const (
	EvidenceAbsent      EvidenceState = "absent"
	EvidenceCollecting  EvidenceState = "collecting"
	EvidencePresent     EvidenceState = "present"
	EvidenceUnavailable EvidenceState = "unavailable"
)

// SealStatus tracks the HMAC seal over the auth volume
type SealStatus string

const (
	SealNone   SealStatus = "none"
	SealSealed SealStatus = "sealed"
	SealFailed SealStatus = "failed"
)

// Recipe describes an immutable lab template from the catalog.
// The orchestrator reads recipes; it never writes them.
type Recipe struct {
	ID            string
	Name          string
	Target        string // target software the exercise attacks
	Version       string // version constraint of the target
	ExploitFamily string
	Image         string // desktop image
	TargetImage   string // optional in-lab target service image
	Active        bool
}

// PortReservation records a host port held for a lab. Keyed by port;
// owner id prevents cross-tenant reuse of a stale reservation.
type PortReservation struct {
	Port      int
	LabID     string
	OwnerID   string
	CreatedAt time.Time
}

// WorkClaim marks a lab id as owned by one background worker. A live,
// unexpired claim by another owner means the lab is skipped.
type WorkClaim struct {
	LabID     string
	Owner     string
	ExpiresAt time.Time
}

// WatchdogAction selects what the stuck-ENDING watchdog does to a match
type WatchdogAction string

const (
	WatchdogForceTeardown WatchdogAction = "force-teardown"
	WatchdogFail          WatchdogAction = "fail"
)

// EvidenceStatus is the shape returned by the evidence status endpoint
type EvidenceStatus struct {
	State          EvidenceState
	SealStatus     SealStatus
	ManifestSHA256 string
	SealedAt       *time.Time
	ExpiresAt      *time.Time
	Artifacts      map[string]ArtifactPresence
}

// ArtifactPresence reports whether at least one file of an artifact kind
// (terminal logs, pcap) exists in the evidence store.
type ArtifactPresence struct {
	Present bool
	Files   int
}
