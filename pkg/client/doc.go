// Package client is a small HTTP client for the orchestrator API,
// used by the CLI and the end-to-end tests.
package client
