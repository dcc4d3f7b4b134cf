package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/octolab/octolab/pkg/evidence"
	"github.com/octolab/octolab/pkg/types"
)

// do issues a request with identity headers and returns status plus
// decoded body bytes.
func (h *testHarness) do(t *testing.T, method, path, user, admin string, body any) (int, []byte) {
	t.Helper()
	var buf io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		buf = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, h.srv.URL+path, buf)
	require.NoError(t, err)
	if user != "" {
		req.Header.Set(HeaderUser, user)
	}
	if admin != "" {
		req.Header.Set(HeaderAdmin, admin)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := h.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, raw
}

func decodeLab(t *testing.T, raw []byte) labResponse {
	t.Helper()
	var lab labResponse
	require.NoError(t, json.Unmarshal(raw, &lab))
	return lab
}

func (h *testHarness) waitReady(t *testing.T, user, id string) labResponse {
	t.Helper()
	var lab labResponse
	require.Eventually(t, func() bool {
		status, raw := h.do(t, http.MethodGet, "/labs/"+id, user, "", nil)
		if status != http.StatusOK {
			return false
		}
		lab = decodeLab(t, raw)
		return lab.Status == string(types.LabStatusReady)
	}, 5*time.Second, 20*time.Millisecond)
	return lab
}

func TestCreateLabRequiresIdentity(t *testing.T) {
	h := newHarness(t)
	status, raw := h.do(t, http.MethodPost, "/labs", "", "", createLabRequest{RecipeID: "web-basic"})
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Contains(t, string(raw), "unauthenticated")
}

func TestCreateLabHappyPath(t *testing.T) {
	h := newHarness(t)
	status, raw := h.do(t, http.MethodPost, "/labs", "alice", "", createLabRequest{RecipeID: "web-basic"})
	require.Equal(t, http.StatusCreated, status)
	lab := decodeLab(t, raw)
	assert.Equal(t, string(types.LabStatusProvisioning), lab.Status)

	ready := h.waitReady(t, "alice", lab.ID)
	assert.Equal(t, "http://gw/#/client?token=abc123", ready.ConnectionURL)
	assert.Empty(t, ready.Error)
}

func TestCreateLabUnknownRecipe(t *testing.T) {
	h := newHarness(t)
	status, raw := h.do(t, http.MethodPost, "/labs", "alice", "", createLabRequest{RecipeID: "no-such"})
	assert.Equal(t, http.StatusUnprocessableEntity, status)
	assert.Contains(t, string(raw), "recipe_not_found")
	// The failed row is returned for inspection.
	assert.Contains(t, string(raw), string(types.LabStatusFailed))
}

func TestCreateLabValidation(t *testing.T) {
	h := newHarness(t)
	status, raw := h.do(t, http.MethodPost, "/labs", "alice", "", map[string]any{"ttl_minutes": 30})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Contains(t, string(raw), "bad_request")
}

func TestCreateLabQuotaConflict(t *testing.T) {
	h := newHarness(t)
	h.settings.QuotaActiveLabs = 1
	status, _ := h.do(t, http.MethodPost, "/labs", "alice", "", createLabRequest{RecipeID: "web-basic"})
	require.Equal(t, http.StatusCreated, status)
	status, raw := h.do(t, http.MethodPost, "/labs", "alice", "", createLabRequest{RecipeID: "web-basic"})
	assert.Equal(t, http.StatusConflict, status)
	assert.Contains(t, string(raw), "quota_exceeded")
}

func TestOwnerScopingIs404(t *testing.T) {
	h := newHarness(t)
	lab := h.seedLab(t, "alice", types.LabStatusReady)

	for _, probe := range []struct {
		method, path string
	}{
		{http.MethodGet, "/labs/" + lab.ID},
		{http.MethodPost, "/labs/" + lab.ID + "/connect"},
		{http.MethodDelete, "/labs/" + lab.ID},
		{http.MethodGet, "/labs/" + lab.ID + "/evidence/status"},
	} {
		status, raw := h.do(t, probe.method, probe.path, "bob", "", nil)
		assert.Equal(t, http.StatusNotFound, status, "%s %s", probe.method, probe.path)
		assert.Contains(t, string(raw), "not_found")
	}
}

func TestListLabsScopedToOwner(t *testing.T) {
	h := newHarness(t)
	h.seedLab(t, "alice", types.LabStatusReady)
	h.seedLab(t, "bob", types.LabStatusReady)

	status, raw := h.do(t, http.MethodGet, "/labs", "alice", "", nil)
	require.Equal(t, http.StatusOK, status)
	var labs []labResponse
	require.NoError(t, json.Unmarshal(raw, &labs))
	assert.Len(t, labs, 1)
}

func TestConnectReturnsRedirectURL(t *testing.T) {
	h := newHarness(t)
	lab := h.seedLab(t, "alice", types.LabStatusReady)

	status, raw := h.do(t, http.MethodPost, "/labs/"+lab.ID+"/connect", "alice", "", nil)
	require.Equal(t, http.StatusOK, status)
	var resp connectResponse
	require.NoError(t, json.Unmarshal(raw, &resp))
	assert.Equal(t, "http://gw/#/client?token=fresh", resp.RedirectURL)
}

func TestConnectGetRedirects(t *testing.T) {
	h := newHarness(t)
	lab := h.seedLab(t, "alice", types.LabStatusDegraded)

	req, err := http.NewRequest(http.MethodGet, h.srv.URL+"/labs/"+lab.ID+"/connect", nil)
	require.NoError(t, err)
	req.Header.Set(HeaderUser, "alice")
	client := &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}}
	resp, err := client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusFound, resp.StatusCode)
	assert.Equal(t, "http://gw/#/client?token=fresh", resp.Header.Get("Location"))
}

func TestConnectConflictWhenNotConnectable(t *testing.T) {
	h := newHarness(t)
	lab := h.seedLab(t, "alice", types.LabStatusEnding)

	status, raw := h.do(t, http.MethodPost, "/labs/"+lab.ID+"/connect", "alice", "", nil)
	assert.Equal(t, http.StatusConflict, status)
	assert.Contains(t, string(raw), "not_connectable")
}

func TestEndLabAccepted(t *testing.T) {
	h := newHarness(t)
	lab := h.seedLab(t, "alice", types.LabStatusReady)

	status, raw := h.do(t, http.MethodPost, "/labs/"+lab.ID+"/end", "alice", "", nil)
	require.Equal(t, http.StatusAccepted, status)
	assert.Equal(t, string(types.LabStatusEnding), decodeLab(t, raw).Status)

	// DELETE is the idempotent twin.
	status, raw = h.do(t, http.MethodDelete, "/labs/"+lab.ID, "alice", "", nil)
	require.Equal(t, http.StatusAccepted, status)
	assert.Equal(t, string(types.LabStatusEnding), decodeLab(t, raw).Status)
}

func TestEndTerminalLabConflicts(t *testing.T) {
	h := newHarness(t)
	lab := h.seedLab(t, "alice", types.LabStatusFinished)

	status, raw := h.do(t, http.MethodPost, "/labs/"+lab.ID+"/end", "alice", "", nil)
	assert.Equal(t, http.StatusConflict, status)
	assert.Contains(t, string(raw), "lab_terminal")
}

func TestDeployFromDockerfile(t *testing.T) {
	h := newHarness(t)
	status, raw := h.do(t, http.MethodPost, "/labs/deploy-from-dockerfile", "alice", "",
		deployRequest{Dockerfile: "FROM httpd:2.4\nEXPOSE 80\n"})
	require.Equal(t, http.StatusCreated, status)
	lab := decodeLab(t, raw)
	assert.Equal(t, string(types.RuntimeMicroVM), lab.Runtime)
	assert.Equal(t, "80", lab.RuntimeMeta["exposed_ports"])
}

func TestDeployWithSourceFiles(t *testing.T) {
	h := newHarness(t)
	status, raw := h.do(t, http.MethodPost, "/labs/deploy-from-dockerfile", "alice", "",
		deployRequest{
			Dockerfile:  "FROM httpd:2.4\nEXPOSE 80\n",
			SourceFiles: map[string]string{"www/index.html": "<h1>target</h1>"},
		})
	require.Equal(t, http.StatusCreated, status)
	lab := decodeLab(t, raw)
	assert.Equal(t, "www/index.html", lab.RuntimeMeta["source_files"])
}

func TestDeployRejectsUnsafeSourceFile(t *testing.T) {
	h := newHarness(t)
	status, raw := h.do(t, http.MethodPost, "/labs/deploy-from-dockerfile", "alice", "",
		deployRequest{
			Dockerfile:  "FROM httpd:2.4\n",
			SourceFiles: map[string]string{"/etc/passwd": "root"},
		})
	assert.Equal(t, http.StatusUnprocessableEntity, status)
	assert.Contains(t, string(raw), "invalid_source_file")
}

func TestDeployRejectsBadDockerfile(t *testing.T) {
	h := newHarness(t)
	status, raw := h.do(t, http.MethodPost, "/labs/deploy-from-dockerfile", "alice", "",
		deployRequest{Dockerfile: "RUN echo nope\n"})
	assert.Equal(t, http.StatusUnprocessableEntity, status)
	assert.Contains(t, string(raw), "invalid_dockerfile")
}

func TestEvidenceStatus(t *testing.T) {
	h := newHarness(t)
	lab := h.seedLab(t, "alice", types.LabStatusReady)

	status, raw := h.do(t, http.MethodGet, "/labs/"+lab.ID+"/evidence/status", "alice", "", nil)
	require.Equal(t, http.StatusOK, status)
	var resp evidenceStatusResponse
	require.NoError(t, json.Unmarshal(raw, &resp))
	assert.True(t, resp.Artifacts["terminal_logs"].Present)
	assert.True(t, resp.Artifacts["pcap"].Present)
}

func TestEvidencePreviewAdminOnly(t *testing.T) {
	h := newHarness(t)
	lab := h.seedLab(t, "alice", types.LabStatusReady)

	status, _ := h.do(t, http.MethodGet, "/labs/"+lab.ID+"/evidence/preview", "alice", "", nil)
	assert.Equal(t, http.StatusForbidden, status)

	status, raw := h.do(t, http.MethodGet, "/labs/"+lab.ID+"/evidence/preview", "operator", "true", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(raw), "terminal_logs/session.log")
}

func TestBundleDownload(t *testing.T) {
	h := newHarness(t)
	lab := h.seedLab(t, "alice", types.LabStatusReady)

	req, err := http.NewRequest(http.MethodGet, h.srv.URL+"/labs/"+lab.ID+"/evidence/bundle.zip", nil)
	require.NoError(t, err)
	req.Header.Set(HeaderUser, "alice")
	resp, err := h.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/zip", resp.Header.Get("Content-Type"))
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(raw, []byte("PK")))
}

func TestBundleNotAvailableConflicts(t *testing.T) {
	h := newHarness(t)
	h.ev.bundleErr = evidence.ErrNotAvailable
	lab := h.seedLab(t, "alice", types.LabStatusProvisioning)

	status, raw := h.do(t, http.MethodGet, "/labs/"+lab.ID+"/evidence/bundle.zip", "alice", "", nil)
	assert.Equal(t, http.StatusConflict, status)
	assert.Contains(t, string(raw), "evidence_unavailable")
}

func TestVerifiedBundleGating(t *testing.T) {
	h := newHarness(t)
	lab := h.seedLab(t, "alice", types.LabStatusFinished)

	h.ev.verifiedErr = evidence.ErrNotSealed
	status, raw := h.do(t, http.MethodGet, "/labs/"+lab.ID+"/evidence/verified-bundle.zip", "alice", "", nil)
	assert.Equal(t, http.StatusConflict, status)
	assert.Contains(t, string(raw), "not_sealed")

	h.ev.verifiedErr = fmt.Errorf("%w: digest mismatch for %q", evidence.ErrVerificationFailed, "network/network.json")
	status, raw = h.do(t, http.MethodGet, "/labs/"+lab.ID+"/evidence/verified-bundle.zip", "alice", "", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, status)
	assert.Contains(t, string(raw), "verification_failed")
	assert.Contains(t, string(raw), "Verification failed: digest mismatch")
}

func TestWatchdogRunRequiresAdmin(t *testing.T) {
	h := newHarness(t)
	status, _ := h.do(t, http.MethodPost, "/admin/watchdog/run", "alice", "",
		watchdogRequest{Action: "fail"})
	assert.Equal(t, http.StatusForbidden, status)
}

func TestWatchdogRunFailsStuckLab(t *testing.T) {
	h := newHarness(t)
	lab := h.seedLab(t, "alice", types.LabStatusEnding)

	status, raw := h.do(t, http.MethodPost, "/admin/watchdog/run", "", "true",
		watchdogRequest{Action: "fail", Threshold: "0s"})
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(raw), lab.ID)

	got, err := h.store.GetLab(lab.ID)
	require.NoError(t, err)
	assert.Equal(t, types.LabStatusFailed, got.Status)
	assert.NotNil(t, got.FinishedAt)
}

func TestWatchdogRunDryRun(t *testing.T) {
	h := newHarness(t)
	lab := h.seedLab(t, "alice", types.LabStatusEnding)

	status, raw := h.do(t, http.MethodPost, "/admin/watchdog/run", "", "true",
		watchdogRequest{Action: "force-teardown", Threshold: "0s", DryRun: true})
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(raw), `"dry_run":true`)

	got, err := h.store.GetLab(lab.ID)
	require.NoError(t, err)
	assert.Equal(t, types.LabStatusEnding, got.Status)
}

func TestWatchdogRejectsUnknownAction(t *testing.T) {
	h := newHarness(t)
	status, raw := h.do(t, http.MethodPost, "/admin/watchdog/run", "", "true",
		watchdogRequest{Action: "prune"})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Contains(t, string(raw), "bad_request")
}

func TestWatchdogRejectsBadThreshold(t *testing.T) {
	h := newHarness(t)
	status, raw := h.do(t, http.MethodPost, "/admin/watchdog/run", "", "true",
		watchdogRequest{Action: "fail", Threshold: "soon"})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Contains(t, string(raw), "threshold")
}

func TestHealthEndpoints(t *testing.T) {
	h := newHarness(t)
	for _, path := range []string{"/health", "/live", "/ready"} {
		status, _ := h.do(t, http.MethodGet, path, "", "", nil)
		assert.Equal(t, http.StatusOK, status, path)
	}

	status, raw := h.do(t, http.MethodGet, "/ready", "", "", nil)
	require.Equal(t, http.StatusOK, status)
	var resp readyResponse
	require.NoError(t, json.Unmarshal(raw, &resp))
	assert.Equal(t, "ok", resp.Checks["store"])
	assert.Equal(t, "ok", resp.Checks["runtime"])

	// The readiness probe feeds the component registry /health reads.
	status, raw = h.do(t, http.MethodGet, "/health", "", "", nil)
	require.Equal(t, http.StatusOK, status)
	var hr healthResponse
	require.NoError(t, json.Unmarshal(raw, &hr))
	assert.Equal(t, "healthy", hr.Components["store"])
	assert.Equal(t, "healthy", hr.Components["runtime"])
}

func TestMetricsEndpoint(t *testing.T) {
	h := newHarness(t)
	// Prime the request counter so the scrape has a sample to show.
	h.do(t, http.MethodGet, "/health", "", "", nil)
	status, raw := h.do(t, http.MethodGet, "/metrics", "", "", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(raw), "octolab_api_requests_total")
}
