/*
Package log provides structured logging for OctoLab using zerolog.

The log package wraps the zerolog library to provide JSON-structured logging
with component-specific loggers, configurable log levels, and helper functions
for common logging patterns. All logs include timestamps and support filtering
by severity level for production debugging.

Anything that may carry subprocess output, guest-agent responses, or gateway
errors must pass through pkg/redact before reaching a log call; this package
does not scrub content itself.

# Architecture

OctoLab's logging system provides structured JSON logging with minimal
overhead:

	┌──────────────────── LOGGING SYSTEM ──────────────────────┐
	│                                                           │
	│  ┌────────────────────────────────────────────┐           │
	│  │            Global Logger                   │           │
	│  │  - Zerolog instance                        │           │
	│  │  - Initialized via log.Init()              │           │
	│  │  - Thread-safe for concurrent use          │           │
	│  └──────────────────┬─────────────────────────┘           │
	│                     │                                     │
	│  ┌──────────────────▼─────────────────────────┐           │
	│  │           Configuration                    │           │
	│  │  - Level: debug/info/warn/error            │           │
	│  │  - Format: JSON or console (human)         │           │
	│  │  - Output: stdout, file, or custom writer  │           │
	│  └──────────────────┬─────────────────────────┘           │
	│                     │                                     │
	│  ┌──────────────────▼─────────────────────────┐           │
	│  │         Context Loggers                    │           │
	│  │  - WithComponent("manager")                │           │
	│  │  - WithLabID("5d41c0de-…")                 │           │
	│  │  - WithProject("octolab_5d41c0de-…")       │           │
	│  │  - WithOwner("user-42")                    │           │
	│  └──────────────────┬─────────────────────────┘           │
	│                     │                                     │
	│  ┌──────────────────▼─────────────────────────┐           │
	│  │            Log Output                      │           │
	│  │  {"level":"info","component":"manager",    │           │
	│  │   "lab_id":"5d41c0de-…","time":"…",        │           │
	│  │   "message":"lab ready"}                   │           │
	│  └────────────────────────────────────────────┘           │
	└───────────────────────────────────────────────────────────┘

# Core Components

Global Logger:
  - Package-level zerolog.Logger instance
  - Initialized once via log.Init()
  - Accessible from all OctoLab packages
  - Thread-safe concurrent writes

Log Levels:
  - Debug: Detailed debugging information
  - Info: General informational messages
  - Warn: Warning messages (potential issues)
  - Error: Error messages (operation failed)
  - Fatal: Critical errors (process exits)

Context Loggers:
  - WithComponent: Add component name to all logs
  - WithLabID: Add lab id context
  - WithProject: Add derived project name context
  - WithOwner: Add owner id context

# Usage

Initializing the Logger:

	import "github.com/octolab/octolab/pkg/log"

	// JSON output (production)
	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
		Output:     os.Stdout,
	})

	// Console output (development)
	log.Init(log.Config{
		Level:      log.DebugLevel,
		JSONOutput: false,
		Output:     os.Stdout,
	})

Simple Logging:

	log.Info("server started")
	log.Warn("gateway preflight degraded")
	log.Errorf("failed to seal evidence", err)

Structured Logging:

	log.Logger.Info().
		Str("lab_id", lab.ID).
		Str("runtime", string(lab.Runtime)).
		Msg("lab provisioned")

Component Loggers:

	workerLog := log.WithComponent("teardown-worker")
	workerLog.Info().Str("lab_id", labID).Msg("claimed lab for teardown")

	labLog := log.WithLabID(lab.ID)
	labLog.Error().Err(err).Msg("network removal retry exhausted")

# Integration Points

This package integrates with:

  - pkg/manager: Lab lifecycle transitions and provisioning outcomes
  - pkg/runtime/dockerdrv: Compose and teardown subprocess results
  - pkg/runtime/microvm: Hypervisor launch and guest-agent RPCs
  - pkg/evidence: Extraction, seal, and verification outcomes
  - pkg/gateway: Provisioning and preflight classification
  - pkg/worker, pkg/reconciler: Background loop activity
  - pkg/api: Request logging middleware

# Security

Log Content:
  - Never log secrets: VNC passwords, the HMAC secret, gateway credentials
  - Subprocess/agent output crosses pkg/redact.String before logging
  - Error chains that may embed command output are redacted at the boundary

Log Access:
  - Restrict log file permissions when writing to files
  - JSON output to stdout is the default; rotation is external

# Best Practices

Do:
  - Use Info level in production
  - Use structured fields for queryable data (lab_id, project, runtime)
  - Create component-specific loggers for background loops
  - Log errors with .Err() once, at the place that handles them

Don't:
  - Log raw subprocess or agent output without redaction
  - Use Debug level in production
  - Log inside tight retry loops (log the summary instead)
*/
package log
