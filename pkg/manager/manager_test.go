package manager

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/octolab/octolab/pkg/storage"
	"github.com/octolab/octolab/pkg/types"
)

func TestCreateLabPersistsAndDispatches(t *testing.T) {
	h := newHarness(t)

	lab, err := h.mgr.CreateLab(context.Background(), "alice", CreateRequest{RecipeID: "web-basic"})
	require.NoError(t, err)

	assert.Equal(t, types.LabStatusProvisioning, lab.Status)
	assert.Equal(t, "alice", lab.OwnerID)
	assert.Equal(t, types.RuntimeContainer, lab.Runtime)
	assert.Contains(t, lab.AuthVolume, lab.ID)
	assert.WithinDuration(t, time.Now().Add(h.settings.TTLDefault), lab.ExpiresAt, time.Minute)

	stored, err := h.store.GetLab(lab.ID)
	require.NoError(t, err)
	assert.Equal(t, types.LabStatusProvisioning, stored.Status)
}

func TestCreateLabQuota(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	for i := 0; i < h.settings.QuotaActiveLabs; i++ {
		_, err := h.mgr.CreateLab(ctx, "alice", CreateRequest{RecipeID: "web-basic"})
		require.NoError(t, err)
	}

	_, err := h.mgr.CreateLab(ctx, "alice", CreateRequest{RecipeID: "web-basic"})
	require.ErrorIs(t, err, ErrQuotaExceeded)

	// Other owners have their own quota.
	_, err = h.mgr.CreateLab(ctx, "bob", CreateRequest{RecipeID: "web-basic"})
	require.NoError(t, err)
}

func TestCreateLabUnknownRecipeFailsRow(t *testing.T) {
	h := newHarness(t)

	lab, err := h.mgr.CreateLab(context.Background(), "alice", CreateRequest{RecipeID: "no-such"})
	require.ErrorIs(t, err, ErrRecipeNotFound)
	require.NotNil(t, lab)

	// The row exists so the client can inspect the failure.
	assert.Equal(t, types.LabStatusFailed, lab.Status)
	assert.Contains(t, lab.Error, "no-such")
	require.NotNil(t, lab.FinishedAt)
	require.NotNil(t, lab.EvidenceExpiresAt)

	// A failed create does not consume quota.
	active, err := h.store.CountActiveLabs("alice")
	require.NoError(t, err)
	assert.Zero(t, active)
}

func TestGetLabScopedToOwner(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	lab, err := h.mgr.CreateLab(ctx, "alice", CreateRequest{RecipeID: "web-basic"})
	require.NoError(t, err)

	got, err := h.mgr.GetLab(ctx, "alice", lab.ID)
	require.NoError(t, err)
	assert.Equal(t, lab.ID, got.ID)

	// Another owner sees not-found, not forbidden.
	_, err = h.mgr.GetLab(ctx, "mallory", lab.ID)
	require.ErrorIs(t, err, storage.ErrNotFound)

	// Admin reads ignore ownership.
	_, err = h.mgr.GetLabAdmin(ctx, lab.ID)
	require.NoError(t, err)
}

func TestEndLab(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	lab, err := h.mgr.CreateLab(ctx, "alice", CreateRequest{RecipeID: "web-basic"})
	require.NoError(t, err)
	h.mgr.provision(lab.ID)

	ended, err := h.mgr.EndLab(ctx, "alice", lab.ID)
	require.NoError(t, err)
	assert.Equal(t, types.LabStatusEnding, ended.Status)

	// Ending an ENDING lab is a no-op, not an error.
	again, err := h.mgr.EndLab(ctx, "alice", lab.ID)
	require.NoError(t, err)
	assert.Equal(t, types.LabStatusEnding, again.Status)
}

func TestEndLabWhileRequested(t *testing.T) {
	h := newHarness(t)

	// A lab still queued for provisioning can be ended directly.
	lab := &types.Lab{
		ID:       uuid.NewString(),
		OwnerID:  "alice",
		RecipeID: "web-basic",
		Status:   types.LabStatusRequested,
		Runtime:  types.RuntimeContainer,
	}
	require.NoError(t, h.store.CreateLab(lab))

	ended, err := h.mgr.EndLab(context.Background(), "alice", lab.ID)
	require.NoError(t, err)
	assert.Equal(t, types.LabStatusEnding, ended.Status)
}

func TestEndLabTerminalConflict(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	lab, err := h.mgr.CreateLab(ctx, "alice", CreateRequest{RecipeID: "web-basic"})
	require.NoError(t, err)
	h.mgr.provision(lab.ID)

	_, err = h.mgr.EndLab(ctx, "alice", lab.ID)
	require.NoError(t, err)
	require.NoError(t, h.mgr.Teardown(ctx, lab.ID))

	_, err = h.mgr.EndLab(ctx, "alice", lab.ID)
	require.ErrorIs(t, err, ErrLabTerminal)
}

func TestConnectMintsFreshURL(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	lab, err := h.mgr.CreateLab(ctx, "alice", CreateRequest{RecipeID: "web-basic"})
	require.NoError(t, err)
	h.mgr.provision(lab.ID)

	h.gw.connectURLFor = "http://gw/#/client?token=reminted"
	url, err := h.mgr.Connect(ctx, "alice", lab.ID)
	require.NoError(t, err)
	assert.Equal(t, "http://gw/#/client?token=reminted", url)
}

func TestConnectRefusesNonConnectable(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	lab, err := h.mgr.CreateLab(ctx, "alice", CreateRequest{RecipeID: "web-basic"})
	require.NoError(t, err)

	// Still PROVISIONING.
	_, err = h.mgr.Connect(ctx, "alice", lab.ID)
	require.ErrorIs(t, err, ErrNotConnectable)
}

func TestConnectDegradedLab(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.driver.createResult.Degraded = true
	h.driver.createResult.DegradedReason = "target service failed"

	lab, err := h.mgr.CreateLab(ctx, "alice", CreateRequest{RecipeID: "web-basic"})
	require.NoError(t, err)
	h.mgr.provision(lab.ID)

	got, err := h.store.GetLab(lab.ID)
	require.NoError(t, err)
	require.Equal(t, types.LabStatusDegraded, got.Status)

	_, err = h.mgr.Connect(ctx, "alice", lab.ID)
	require.NoError(t, err)
}

func TestStartDispatchesToWorkers(t *testing.T) {
	h := newHarness(t)
	h.mgr.Start()

	lab, err := h.mgr.CreateLab(context.Background(), "alice", CreateRequest{RecipeID: "web-basic"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, err := h.store.GetLab(lab.ID)
		return err == nil && got.Status == types.LabStatusReady
	}, 5*time.Second, 10*time.Millisecond)
}
