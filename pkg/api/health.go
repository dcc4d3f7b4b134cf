package api

import (
	"net/http"
	"time"

	"github.com/octolab/octolab/pkg/metrics"
	"github.com/octolab/octolab/pkg/types"
)

type healthResponse struct {
	Status     string            `json:"status"`
	Timestamp  time.Time         `json:"timestamp"`
	Version    string            `json:"version,omitempty"`
	Uptime     string            `json:"uptime,omitempty"`
	Components map[string]string `json:"components,omitempty"`
}

type readyResponse struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]string `json:"checks"`
}

// handleLive is the liveness probe: the process answers, nothing more.
func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{Status: "alive", Timestamp: time.Now()})
}

// handleHealth reports the last state each component showed to the
// readiness probe, so a degraded store surfaces here between checks.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	components := make(map[string]string)
	for name, c := range metrics.Components() {
		if c.Healthy {
			components[name] = "healthy"
			continue
		}
		status = "unhealthy"
		components[name] = "unhealthy: " + c.Message
	}

	code := http.StatusOK
	if status == "unhealthy" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, healthResponse{
		Status:     status,
		Timestamp:  time.Now(),
		Version:    metrics.Version(),
		Uptime:     metrics.Uptime().String(),
		Components: components,
	})
}

// handleReady checks the components a request actually depends on: the
// store must answer reads and a driver must exist for the configured
// runtime. Each observation is pushed into the component registry so
// /health reflects it too.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string)
	ready := true

	if _, err := s.mgr.Store().ListLabsByStatus(types.LabStatusRequested); err != nil {
		checks["store"] = "error: " + err.Error()
		ready = false
		metrics.UpdateComponent("store", false, err.Error())
	} else {
		checks["store"] = "ok"
		metrics.UpdateComponent("store", true, "")
	}

	if _, ok := s.mgr.Driver(s.settings.Runtime); ok {
		checks["runtime"] = "ok"
		metrics.UpdateComponent("runtime", true, "")
	} else {
		msg := "no driver for " + string(s.settings.Runtime)
		checks["runtime"] = msg
		ready = false
		metrics.UpdateComponent("runtime", false, msg)
	}

	status, code := "ready", http.StatusOK
	if !ready {
		status, code = "not ready", http.StatusServiceUnavailable
	}
	writeJSON(w, code, readyResponse{Status: status, Timestamp: time.Now(), Checks: checks})
}
