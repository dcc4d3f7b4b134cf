/*
Package security holds the small cryptographic pieces the orchestrator
needs: AES-256-GCM encryption for per-lab secrets and random credential
generation.

The secrets manager encrypts the per-lab desktop password before it is
stored on the lab row; the key arrives via configuration and lives only
in process memory. Password generation uses an alphabet safe for both
compose .env files and URLs.
*/
package security
