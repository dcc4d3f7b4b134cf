/*
Package metrics provides Prometheus metrics and health endpoints for OctoLab.

The metrics package exposes lab lifecycle, evidence, gateway, and API metrics
in Prometheus exposition format, plus Kubernetes-style health probes. All
metrics carry the octolab_ prefix and register on the default registry at
package init.

# Metric Families

Lab state (gauges, refreshed by the Collector every 15s):

	octolab_labs_total{status,runtime}   lab rows by state machine position
	octolab_labs_active                  non-terminal labs
	octolab_ports_reserved               host ports held for labs

Lifecycle (counters and histograms, driven by the manager):

	octolab_provisions_total{runtime,outcome}
	octolab_provision_duration_seconds{runtime}
	octolab_teardown_duration_seconds{runtime}
	octolab_watchdog_forced_teardowns_total

Evidence:

	octolab_evidence_seals_total{outcome}
	octolab_evidence_verifies_total{outcome}
	octolab_evidence_expired_total

Gateway and API:

	octolab_gateway_preflight_failures_total{kind}
	octolab_api_requests_total{method,status}
	octolab_api_request_duration_seconds{method}

Reconciler:

	octolab_reconciliation_duration_seconds
	octolab_drift_detected_total{kind}

# Usage

Recording a provision:

	timer := metrics.NewTimer()
	// ... provision the lab ...
	timer.ObserveDurationVec(metrics.ProvisionDuration, string(lab.Runtime))
	metrics.ProvisionsTotal.WithLabelValues(string(lab.Runtime), "ok").Inc()

Serving the endpoint:

	mux.Handle("/metrics", metrics.Handler())

# Component Registry

Besides Prometheus metrics the package keeps the last observed state of
each server component, fed by the API's readiness probe:

	metrics.UpdateComponent("store", true, "")
	metrics.UpdateComponent("runtime", false, "docker daemon unreachable")

The HTTP health endpoints live in the api package and read this registry
back through Components, Version, and Uptime.

# Collector

The Collector polls the store rather than hooking every write path: gauges
describe current state and a 15 second scrape-aligned refresh is accurate
enough. Counters and histograms are incremented inline where the event
happens.
*/
package metrics
