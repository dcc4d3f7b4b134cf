// End-to-end exercises against a running orchestrator. These need a
// real server with a container runtime behind it, so they are gated:
//
//	OCTOLAB_E2E_TEST=true go test ./test/e2e/...
//
// OCTOLAB_E2E_SERVER points at the API (default http://127.0.0.1:8080)
// and OCTOLAB_E2E_RECIPE names an active catalog recipe.
package e2e

import (
	"bytes"
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/octolab/octolab/pkg/client"
)

func e2eClient(t *testing.T) *client.Client {
	t.Helper()
	if os.Getenv("OCTOLAB_E2E_TEST") != "true" {
		t.Skip("set OCTOLAB_E2E_TEST=true to run end-to-end tests")
	}
	server := os.Getenv("OCTOLAB_E2E_SERVER")
	if server == "" {
		server = "http://127.0.0.1:8080"
	}
	c := client.New(server, "e2e-"+t.Name())

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	require.NoError(t, c.WaitServerReady(ctx, time.Second))
	return c
}

func e2eRecipe() string {
	if r := os.Getenv("OCTOLAB_E2E_RECIPE"); r != "" {
		return r
	}
	return "web-basic"
}

func TestLabLifecycle(t *testing.T) {
	c := e2eClient(t)
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Minute)
	defer cancel()

	lab, err := c.CreateLab(ctx, e2eRecipe(), 30)
	require.NoError(t, err)
	t.Logf("created lab %s", lab.ID)

	ready, err := c.WaitLabSettled(ctx, lab.ID, 2*time.Second, "requested", "provisioning")
	require.NoError(t, err)
	require.Contains(t, []string{"ready", "degraded"}, ready.Status)
	assert.NotEmpty(t, ready.ConnectionURL)

	url, err := c.Connect(ctx, lab.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, url)

	_, err = c.EndLab(ctx, lab.ID)
	require.NoError(t, err)

	done, err := c.WaitLabSettled(ctx, lab.ID, 2*time.Second, "ending")
	require.NoError(t, err)
	require.Equal(t, "finished", done.Status, "teardown must verify; error: %s", done.Error)
	require.NotNil(t, done.FinishedAt)

	st, err := c.EvidenceStatus(ctx, lab.ID)
	require.NoError(t, err)
	assert.Equal(t, "sealed", st.SealStatus)

	var buf bytes.Buffer
	require.NoError(t, c.DownloadBundle(ctx, lab.ID, true, &buf))
	assert.True(t, bytes.HasPrefix(buf.Bytes(), []byte("PK")), "verified bundle must be a zip")
}

func TestCrossTenantIsolation(t *testing.T) {
	c := e2eClient(t)
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Minute)
	defer cancel()

	lab, err := c.CreateLab(ctx, e2eRecipe(), 15)
	require.NoError(t, err)
	defer func() { _, _ = c.EndLab(ctx, lab.ID) }()

	server := os.Getenv("OCTOLAB_E2E_SERVER")
	if server == "" {
		server = "http://127.0.0.1:8080"
	}
	other := client.New(server, "e2e-other-tenant")
	_, err = other.GetLab(ctx, lab.ID)
	var apiErr *client.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 404, apiErr.Status, "foreign labs must be indistinguishable from missing ones")
}

func TestWatchdogDryRun(t *testing.T) {
	c := e2eClient(t).AsAdmin()
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	report, err := c.RunWatchdog(ctx, client.WatchdogRequest{
		Threshold: "30m",
		Action:    "force-teardown",
		DryRun:    true,
	})
	require.NoError(t, err)
	assert.True(t, report.DryRun)
	assert.Len(t, report.Results, report.Matched)
}
