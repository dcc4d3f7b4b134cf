/*
Package dockerdrv implements the container runtime driver.

A lab on the container runtime is a compose project named
octolab_<uuid>, carrying two per-lab networks (an internal lab_net and
an egress_net), three volumes (evidence auth, evidence user, pcap), a
desktop service exposing its web endpoint on an allocated host port, an
optional target service, and a capture sidecar sharing the desktop's
network namespace.

# Division of Labor

Compose lifecycle (up, down, rm) goes through the docker CLI via
pkg/subprocess, always with explicit -p <project> and
--project-directory. Everything else — enumeration, inspection,
force removal, network removal and disconnection — goes through the
Docker Engine SDK, filtered by the com.docker.compose.project label.

# Verified Teardown

DestroyLab follows verify-act-verify:

 1. Snapshot the project's containers by label.
 2. compose down --remove-orphans, bounded; exit code recorded only.
 3. Re-enumerate; force-remove stragglers by id; re-enumerate again.
 4. Only with an empty container set, remove the project's networks,
    each with the bounded IN_USE retry below.
 5. Release the port reservation; report VerifiedStopped.

The IN_USE classifier distinguishes lab containers still attached
(compose rm -sfv, retry), allowlisted control-plane containers
(force-disconnect, retry), unknown containers (CleanupBlockedError —
never disconnected), and the daemon's garbage-collection race (empty
attach list but still IN_USE: backoff and retry, then a single warning
and give up).

# Preflight

Before provisioning, empty detached per-lab networks from prior failed
teardowns are removed to reclaim daemon subnets. Only names matching
the strict per-lab pattern with zero attached containers are eligible.
No prune command exists anywhere in this package.

# Evidence Isolation

The compose template mounts only the user volume into the desktop. The
auth volume is declared so it exists and survives teardown, but no
in-lab service ever mounts it.
*/
package dockerdrv
