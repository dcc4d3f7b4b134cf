// Package api exposes the orchestrator over HTTP.
//
// Authentication is delegated to a fronting proxy that sets identity
// headers; the server enforces owner-or-404 on every lab-scoped route
// so lab ids cannot be enumerated across tenants. Errors use a uniform
// {error, detail} envelope with machine-readable error codes.
package api
