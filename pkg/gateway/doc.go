// Package gateway provisions browser access to lab desktops through a
// Guacamole server: a per-lab gateway user, a VNC connection bound to the
// lab's desktop, and a connect URL minted with the user's own token.
//
// Gateway failures degrade a lab instead of failing it, so every teardown
// path here is best effort.
package gateway
