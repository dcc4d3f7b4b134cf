// Package evidence manages the tamper-evident record of a lab: volume
// extraction through a locked-down helper container, HMAC-sealed
// manifests over the auth volume, verification, zip bundles, and the
// finalize-on-read reconciliation of evidence state.
//
// Everything that touches a path goes through one containment helper,
// and everything that unpacks attacker-reachable data goes through one
// hardened tar extractor.
package evidence
