package redact

import (
	"regexp"
	"strings"
)

// Placeholder replaces every redacted value.
const Placeholder = "[REDACTED]"

// DefaultMaxLen bounds redacted strings headed for logs or error chains.
const DefaultMaxLen = 2048

var (
	// bearerRe matches Authorization-style bearer tokens.
	bearerRe = regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9._~+/=-]+`)

	// kvRe matches password/secret/token key-value shapes in command
	// output, env dumps, and JSON fragments.
	kvRe = regexp.MustCompile(`(?i)(password|passwd|secret|token|api[_-]?key)(["']?\s*[:=]\s*["']?)[^\s"',;}&]+`)

	// base64Re matches long base64 runs. Uploaded compose bundles and
	// MAC values travel base64-encoded; anything over 40 characters is
	// assumed sensitive.
	base64Re = regexp.MustCompile(`[A-Za-z0-9+/]{40,}={0,2}`)
)

// Redactor scrubs known secret values and secret-shaped patterns from
// strings before they cross a log or error boundary, then truncates.
type Redactor struct {
	secrets []string
	maxLen  int
}

// New builds a Redactor. Empty or very short secrets are dropped so the
// replacer cannot wipe ordinary text.
func New(maxLen int, secrets ...string) *Redactor {
	if maxLen <= 0 {
		maxLen = DefaultMaxLen
	}
	r := &Redactor{maxLen: maxLen}
	for _, s := range secrets {
		if len(s) >= 4 {
			r.secrets = append(r.secrets, s)
		}
	}
	return r
}

// AddSecret registers a value generated after startup (a VNC password)
// so later log lines scrub it too.
func (r *Redactor) AddSecret(s string) {
	if len(s) >= 4 {
		r.secrets = append(r.secrets, s)
	}
}

// String scrubs and truncates s.
func (r *Redactor) String(s string) string {
	for _, secret := range r.secrets {
		s = strings.ReplaceAll(s, secret, Placeholder)
	}
	s = Patterns(s)
	return Truncate(s, r.maxLen)
}

// Error scrubs an error's message. Nil-safe.
func (r *Redactor) Error(err error) string {
	if err == nil {
		return ""
	}
	return r.String(err.Error())
}

// Patterns applies only the pattern-based rules: bearer tokens,
// password/secret/token key-values, and long base64 runs.
func Patterns(s string) string {
	s = bearerRe.ReplaceAllString(s, Placeholder)
	s = kvRe.ReplaceAllString(s, "${1}${2}"+Placeholder)
	s = base64Re.ReplaceAllString(s, Placeholder)
	return s
}

// Truncate bounds s to max bytes, appending a marker when cut. The cut
// lands on a rune boundary.
func Truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && s[cut]&0xC0 == 0x80 {
		cut--
	}
	return s[:cut] + "... (truncated)"
}
