/*
Package redact scrubs secrets from strings crossing a log or error boundary.

Subprocess output, guest-agent responses, and gateway errors can embed the
VNC password, the HMAC secret, gateway admin credentials, bearer tokens, or
whole base64-encoded bundles. Everything of that shape is replaced with a
placeholder before it reaches zerolog or an error chain, and the result is
truncated to a bounded length.

# Rules

Known values:
  - Secrets registered at construction (HMAC secret, gateway credentials,
    encryption keys) and later via AddSecret (generated VNC passwords)
  - Replaced by literal substring match

Patterns:
  - Bearer tokens (Authorization headers echoed in errors)
  - password/secret/token/api-key key-value shapes
  - Base64 runs longer than 40 characters (uploaded bundles, MAC values)

Truncation:
  - Bounded length with a marker, cut on a rune boundary

# Usage

	red := redact.New(redact.DefaultMaxLen,
		settings.HMACSecret,
		settings.GatewayAdminPassword,
	)

	red.AddSecret(vncPassword)

	logger.Error().Str("output", red.String(stdout)).Msg("compose_up failed")

Pattern-only scrubbing (no known-value list) is available as
redact.Patterns for call sites without a Redactor.
*/
package redact
