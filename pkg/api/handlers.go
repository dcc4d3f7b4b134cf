package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/octolab/octolab/pkg/deploy"
	"github.com/octolab/octolab/pkg/evidence"
	"github.com/octolab/octolab/pkg/manager"
	"github.com/octolab/octolab/pkg/storage"
	"github.com/octolab/octolab/pkg/types"
	"github.com/octolab/octolab/pkg/worker"
)

const maxBodyBytes = 1 << 20

// errorBody is the uniform error envelope.
type errorBody struct {
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
}

type createLabRequest struct {
	RecipeID   string `json:"recipe_id" validate:"required"`
	TTLMinutes int    `json:"ttl_minutes" validate:"omitempty,min=1,max=10080"`
}

type deployRequest struct {
	Dockerfile  string            `json:"dockerfile" validate:"required"`
	SourceFiles map[string]string `json:"source_files"`
	TTLMinutes  int               `json:"ttl_minutes" validate:"omitempty,min=1,max=10080"`
}

type connectResponse struct {
	RedirectURL string `json:"redirect_url"`
}

type watchdogRequest struct {
	Threshold string `json:"threshold" validate:"omitempty"`
	Action    string `json:"action" validate:"required,oneof=force-teardown fail"`
	Limit     int    `json:"limit" validate:"omitempty,min=1"`
	DryRun    bool   `json:"dry_run"`
	LabID     string `json:"lab_id"`
}

// labResponse is the client view of a lab row. Gateway credentials and
// internal bookkeeping never leave the server.
type labResponse struct {
	ID                string            `json:"id"`
	RecipeID          string            `json:"recipe_id"`
	Status            string            `json:"status"`
	Runtime           string            `json:"runtime"`
	ConnectionURL     string            `json:"connection_url,omitempty"`
	RuntimeMeta       map[string]string `json:"runtime_meta,omitempty"`
	EvidenceState     string            `json:"evidence_state"`
	SealStatus        string            `json:"seal_status,omitempty"`
	CreatedAt         time.Time         `json:"created_at"`
	ExpiresAt         time.Time         `json:"expires_at"`
	FinishedAt        *time.Time        `json:"finished_at,omitempty"`
	EvidenceExpiresAt *time.Time        `json:"evidence_expires_at,omitempty"`
	Error             string            `json:"error,omitempty"`
}

func labView(lab *types.Lab) labResponse {
	return labResponse{
		ID:                lab.ID,
		RecipeID:          lab.RecipeID,
		Status:            string(lab.Status),
		Runtime:           string(lab.Runtime),
		ConnectionURL:     lab.ConnectionURL,
		RuntimeMeta:       lab.RuntimeMeta,
		EvidenceState:     string(lab.EvidenceState),
		SealStatus:        string(lab.EvidenceSealStatus),
		CreatedAt:         lab.CreatedAt,
		ExpiresAt:         lab.ExpiresAt,
		FinishedAt:        lab.FinishedAt,
		EvidenceExpiresAt: lab.EvidenceExpiresAt,
		Error:             lab.Error,
	}
}

type artifactView struct {
	Present bool `json:"present"`
	Files   int  `json:"files"`
}

type evidenceStatusResponse struct {
	State          string                  `json:"state"`
	SealStatus     string                  `json:"seal_status"`
	ManifestSHA256 string                  `json:"manifest_sha256,omitempty"`
	SealedAt       *time.Time              `json:"sealed_at,omitempty"`
	ExpiresAt      *time.Time              `json:"expires_at,omitempty"`
	Artifacts      map[string]artifactView `json:"artifacts"`
}

func (s *Server) handleCreateLab(w http.ResponseWriter, r *http.Request) {
	var req createLabRequest
	if !s.decode(w, r, &req) {
		return
	}
	lab, err := s.mgr.CreateLab(r.Context(), userFrom(r), manager.CreateRequest{
		RecipeID: req.RecipeID,
		TTL:      time.Duration(req.TTLMinutes) * time.Minute,
	})
	if err != nil {
		// A bad recipe id still created a FAILED row the client can
		// inspect; include it alongside the error.
		if errors.Is(err, manager.ErrRecipeNotFound) && lab != nil {
			writeJSON(w, http.StatusUnprocessableEntity, struct {
				errorBody
				Lab labResponse `json:"lab"`
			}{errorBody{"recipe_not_found", err.Error()}, labView(lab)})
			return
		}
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, labView(lab))
}

func (s *Server) handleListLabs(w http.ResponseWriter, r *http.Request) {
	labs, err := s.mgr.ListLabs(r.Context(), userFrom(r))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	out := make([]labResponse, 0, len(labs))
	for _, lab := range labs {
		out = append(out, labView(lab))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetLab(w http.ResponseWriter, r *http.Request) {
	lab, err := s.mgr.GetLab(r.Context(), userFrom(r), chi.URLParam(r, "labID"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, labView(lab))
}

func (s *Server) handleEndLab(w http.ResponseWriter, r *http.Request) {
	lab, err := s.mgr.EndLab(r.Context(), userFrom(r), chi.URLParam(r, "labID"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, labView(lab))
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	url, err := s.mgr.Connect(r.Context(), userFrom(r), chi.URLParam(r, "labID"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, connectResponse{RedirectURL: url})
}

func (s *Server) handleConnectRedirect(w http.ResponseWriter, r *http.Request) {
	url, err := s.mgr.Connect(r.Context(), userFrom(r), chi.URLParam(r, "labID"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	http.Redirect(w, r, url, http.StatusFound)
}

func (s *Server) handleDeploy(w http.ResponseWriter, r *http.Request) {
	var req deployRequest
	if !s.decode(w, r, &req) {
		return
	}
	lab, err := s.mgr.DeployFromDockerfile(r.Context(), userFrom(r), manager.DeployRequest{
		Dockerfile:  req.Dockerfile,
		SourceFiles: req.SourceFiles,
		TTL:         time.Duration(req.TTLMinutes) * time.Minute,
	})
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, labView(lab))
}

func (s *Server) handleEvidenceStatus(w http.ResponseWriter, r *http.Request) {
	if s.evidence == nil {
		writeError(w, http.StatusServiceUnavailable, "evidence_disabled", "evidence service not configured")
		return
	}
	lab, err := s.mgr.GetLab(r.Context(), userFrom(r), chi.URLParam(r, "labID"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	st, err := s.evidence.Status(r.Context(), lab)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	resp := evidenceStatusResponse{
		State:          string(st.State),
		SealStatus:     string(st.SealStatus),
		ManifestSHA256: st.ManifestSHA256,
		SealedAt:       st.SealedAt,
		ExpiresAt:      st.ExpiresAt,
		Artifacts:      make(map[string]artifactView, len(st.Artifacts)),
	}
	for kind, p := range st.Artifacts {
		resp.Artifacts[kind] = artifactView{Present: p.Present, Files: p.Files}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleEvidencePreview(w http.ResponseWriter, r *http.Request) {
	if s.evidence == nil {
		writeError(w, http.StatusServiceUnavailable, "evidence_disabled", "evidence service not configured")
		return
	}
	// Admin route: not owner-scoped.
	lab, err := s.mgr.GetLabAdmin(r.Context(), chi.URLParam(r, "labID"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	files, err := s.evidence.Preview(r.Context(), lab)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]string{"files": files})
}

func (s *Server) handleBundle(w http.ResponseWriter, r *http.Request) {
	if s.evidence == nil {
		writeError(w, http.StatusServiceUnavailable, "evidence_disabled", "evidence service not configured")
		return
	}
	lab, err := s.mgr.GetLab(r.Context(), userFrom(r), chi.URLParam(r, "labID"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	cw := &countingWriter{w: w, beforeFirst: func() {
		w.Header().Set("Content-Type", "application/zip")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", "evidence-"+lab.ID+".zip"))
	}}
	if _, err := s.evidence.BuildBundle(r.Context(), lab, cw); err != nil {
		if cw.n == 0 {
			s.writeDomainError(w, err)
			return
		}
		// Headers are gone; the truncated zip fails the client's CRC.
		s.logger.Error().Str("lab_id", lab.ID).Err(err).Msg("bundle stream aborted")
	}
}

func (s *Server) handleVerifiedBundle(w http.ResponseWriter, r *http.Request) {
	if s.evidence == nil {
		writeError(w, http.StatusServiceUnavailable, "evidence_disabled", "evidence service not configured")
		return
	}
	lab, err := s.mgr.GetLab(r.Context(), userFrom(r), chi.URLParam(r, "labID"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	includeUser := r.URL.Query().Get("include_user") == "true"

	cw := &countingWriter{w: w, beforeFirst: func() {
		w.Header().Set("Content-Type", "application/zip")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", "evidence-verified-"+lab.ID+".zip"))
	}}
	if err := s.evidence.BuildVerifiedBundle(r.Context(), lab, cw, includeUser); err != nil {
		if cw.n == 0 {
			s.writeDomainError(w, err)
			return
		}
		s.logger.Error().Str("lab_id", lab.ID).Err(err).Msg("verified bundle stream aborted")
	}
}

func (s *Server) handleWatchdogRun(w http.ResponseWriter, r *http.Request) {
	if s.watchdog == nil {
		writeError(w, http.StatusServiceUnavailable, "watchdog_disabled", "watchdog not configured")
		return
	}
	var req watchdogRequest
	if !s.decode(w, r, &req) {
		return
	}
	opts := worker.WatchdogOptions{
		Action: types.WatchdogAction(req.Action),
		Limit:  req.Limit,
		DryRun: req.DryRun,
		LabID:  req.LabID,
	}
	if req.Threshold != "" {
		d, err := time.ParseDuration(req.Threshold)
		if err != nil || d < 0 {
			writeError(w, http.StatusBadRequest, "bad_request", "threshold must be a duration like 30m")
			return
		}
		opts.Threshold = d
	}
	report, err := s.watchdog.Run(r.Context(), opts)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// decode reads, unmarshals and validates a JSON request body.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "malformed JSON body: "+err.Error())
		return false
	}
	if err := s.validate.Struct(dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return false
	}
	return true
}

// writeDomainError maps typed errors from the manager, storage and
// evidence layers onto status codes. Owner mismatches surface as
// ErrNotFound so the mapping enforces owner-or-404 on its own.
func (s *Server) writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "lab not found")
	case errors.Is(err, manager.ErrQuotaExceeded):
		writeError(w, http.StatusConflict, "quota_exceeded", err.Error())
	case errors.Is(err, manager.ErrRecipeNotFound):
		writeError(w, http.StatusUnprocessableEntity, "recipe_not_found", err.Error())
	case errors.Is(err, manager.ErrLabTerminal):
		writeError(w, http.StatusConflict, "lab_terminal", err.Error())
	case errors.Is(err, manager.ErrNotConnectable):
		writeError(w, http.StatusConflict, "not_connectable", err.Error())
	case errors.Is(err, deploy.ErrInvalidDockerfile):
		writeError(w, http.StatusUnprocessableEntity, "invalid_dockerfile", err.Error())
	case errors.Is(err, deploy.ErrInvalidSourceFile):
		writeError(w, http.StatusUnprocessableEntity, "invalid_source_file", err.Error())
	case errors.Is(err, evidence.ErrNotSealed):
		writeError(w, http.StatusConflict, "not_sealed", err.Error())
	case errors.Is(err, evidence.ErrVerificationFailed):
		// Detail is user-facing prose; the wrapped Go error stays lowercase.
		detail := "Verification failed" + strings.TrimPrefix(err.Error(), evidence.ErrVerificationFailed.Error())
		writeError(w, http.StatusUnprocessableEntity, "verification_failed", detail)
	case errors.Is(err, evidence.ErrNotAvailable):
		writeError(w, http.StatusConflict, "evidence_unavailable", err.Error())
	default:
		s.logger.Error().Err(err).Msg("request failed")
		writeError(w, http.StatusInternalServerError, "internal", "internal server error")
	}
}

func writeError(w http.ResponseWriter, status int, code, detail string) {
	writeJSON(w, status, errorBody{Error: code, Detail: detail})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// countingWriter defers headers until the first byte so pre-stream
// failures can still produce a proper error response.
type countingWriter struct {
	w           io.Writer
	n           int64
	beforeFirst func()
}

func (c *countingWriter) Write(p []byte) (int, error) {
	if c.n == 0 && c.beforeFirst != nil {
		c.beforeFirst()
	}
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
