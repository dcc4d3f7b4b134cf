/*
Package config builds the server's settings from the environment.

Configuration is read exactly once at startup: an optional .env file is
loaded first (godotenv), then OCTOLAB_-prefixed environment variables with
sensible defaults. The resulting Settings struct is validated and passed by
value into component constructors; no package ever reads the environment
after startup and there is no module-level mutable configuration.

# Settings Groups

Server:
  - OCTOLAB_BIND, OCTOLAB_DATA_DIR, OCTOLAB_LOG_LEVEL, OCTOLAB_LOG_JSON
  - OCTOLAB_RUNTIME: container | microvm — the operator toggle deciding
    the isolation backend for new labs; never client-controlled

Evidence:
  - OCTOLAB_HMAC_SECRET (required, ≥16 bytes, never leaves the process)
  - OCTOLAB_EVIDENCE_RETENTION, OCTOLAB_EVIDENCE_MAX_FILE/_MAX_TOTAL

Gateway:
  - OCTOLAB_GATEWAY_ENABLED, _URL, _ADMIN_USER, _ADMIN_PASSWORD
  - OCTOLAB_GATEWAY_ENC_KEY: 32 raw bytes or 64 hex chars, encrypts the
    per-lab gateway password on the lab row
  - OCTOLAB_GATEWAY_PROXY_NAME: the control-plane proxy container that
    may legitimately sit on per-lab networks

Desktop exposure:
  - OCTOLAB_PORT_RANGE ("40000-40999"), OCTOLAB_VNC_BIND_HOST,
    OCTOLAB_VNC_AUTH_MODE (password | none), OCTOLAB_PORT_RETRIES

Cleanup:
  - OCTOLAB_NET_ALLOWLIST, OCTOLAB_NET_RM_RETRIES, OCTOLAB_NET_RM_BACKOFF

MicroVM:
  - OCTOLAB_STATE_ROOT, OCTOLAB_FC_BIN, OCTOLAB_FC_KERNEL,
    OCTOLAB_FC_ROOTFS, OCTOLAB_HOST_BRIDGE_IP, OCTOLAB_VSOCK_PORT,
    OCTOLAB_GUEST_SUBNET

Timeouts (fixed table):
  - inspect 10s, network rm 30s, disconnect 30s, compose 120s,
    provisioning 10m, teardown 3m, agent ping 5s, agent compose_up 5m,
    gateway HTTP 30s — all overridable per key

Workers:
  - provision worker count, teardown/TTL/reconcile intervals, claim TTL,
    ENDING grace age

# The Passwordless Guard

OCTOLAB_VNC_AUTH_MODE=none combined with a non-loopback
OCTOLAB_VNC_BIND_HOST is refused: an unauthenticated desktop must never be
reachable beyond the host. The check runs at startup (Validate) and again
at lab create time (CheckDesktopExposure), so a process that was started
safe cannot provision an unsafe lab after its environment changed.

# Usage

	settings, err := config.Load()
	if err != nil {
		log.Fatal(err.Error())
	}
	store, err := storage.NewBoltStore(settings.DataDir)
	...
*/
package config
