package dockerdrv

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/octolab/octolab/pkg/naming"
	rt "github.com/octolab/octolab/pkg/runtime"
	"github.com/octolab/octolab/pkg/storage"
)

func newTestStore(t *testing.T) storage.Store {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestDestroyLabVerified(t *testing.T) {
	cli := newFakeClient()
	project := naming.Project(labUUID)
	cli.containers[project] = []string{"c1", "c2"}
	cli.networks[naming.LabNet(labUUID)] = &fakeNetwork{name: naming.LabNet(labUUID)}
	cli.networks[naming.EgressNet(labUUID)] = &fakeNetwork{name: naming.EgressNet(labUUID)}

	d := newTestDriver(t.TempDir(), cli, newTestStore(t))
	lab := testLab(labUUID, "alice")

	report, err := d.DestroyLab(context.Background(), lab)
	require.NoError(t, err)

	assert.True(t, report.VerifiedStopped)
	assert.Len(t, report.PreRunning, 2)
	assert.Empty(t, report.RemainingFinal)
	assert.ElementsMatch(t, report.NetworksFound, report.NetworksRemoved)

	// Follow-up enumeration must yield an empty set.
	ids, listErr := listProjectContainers(context.Background(), cli, project)
	require.NoError(t, listErr)
	assert.Empty(t, ids)
}

func TestDestroyLabAlreadyGone(t *testing.T) {
	cli := newFakeClient()
	d := newTestDriver(t.TempDir(), cli, newTestStore(t))

	report, err := d.DestroyLab(context.Background(), testLab(labUUID, "alice"))
	require.NoError(t, err)
	assert.True(t, report.VerifiedStopped)
	assert.Empty(t, report.Errors)
}

func TestDestroyLabRefusesInfraProject(t *testing.T) {
	cli := newFakeClient()
	d := newTestDriver(t.TempDir(), cli, newTestStore(t))

	lab := testLab("mvp", "alice") // derives octolab_mvp, which must be refused
	report, err := d.DestroyLab(context.Background(), lab)
	require.Error(t, err)

	var unsafe *naming.UnsafeNameError
	assert.True(t, errors.As(err, &unsafe))
	assert.False(t, report.VerifiedStopped)
	assert.Empty(t, cli.calls, "no daemon call may happen for an unsafe name")
}

func TestNetworkRemoveGCRace(t *testing.T) {
	// First removals fail IN_USE with an empty attach list; the bounded
	// retry must back off and eventually succeed within the budget.
	cli := newFakeClient()
	netName := naming.LabNet(labUUID)
	cli.networks[netName] = &fakeNetwork{name: netName, inUseErrs: 2}

	d := newTestDriver(t.TempDir(), cli, newTestStore(t))
	report, err := d.DestroyLab(context.Background(), testLab(labUUID, "alice"))
	require.NoError(t, err)

	assert.True(t, report.VerifiedStopped)
	assert.LessOrEqual(t, cli.netRemoveCnt[netName], 3)
	assert.Contains(t, report.NetworksRemoved, netName)
}

func TestNetworkRemoveGivesUpAfterRetries(t *testing.T) {
	cli := newFakeClient()
	netName := naming.LabNet(labUUID)
	cli.networks[netName] = &fakeNetwork{name: netName, inUseErrs: 10}

	d := newTestDriver(t.TempDir(), cli, newTestStore(t))
	report, err := d.DestroyLab(context.Background(), testLab(labUUID, "alice"))
	require.NoError(t, err)

	assert.False(t, report.VerifiedStopped)
	assert.Equal(t, 3, cli.netRemoveCnt[netName], "retry budget is 3 calls")
}

func TestNetworkRemoveDisconnectsAllowlisted(t *testing.T) {
	cli := newFakeClient()
	netName := naming.LabNet(labUUID)
	cli.networks[netName] = &fakeNetwork{name: netName, attached: []string{"octolab-guacd"}}

	d := newTestDriver(t.TempDir(), cli, newTestStore(t))
	report, err := d.DestroyLab(context.Background(), testLab(labUUID, "alice"))
	require.NoError(t, err)

	assert.True(t, report.VerifiedStopped)
	assert.Contains(t, cli.disconnectLog, netName+"/octolab-guacd")
}

func TestNetworkRemoveBlockedByUnknownContainer(t *testing.T) {
	cli := newFakeClient()
	netName := naming.LabNet(labUUID)
	cli.networks[netName] = &fakeNetwork{name: netName, attached: []string{"some-random-container"}}

	d := newTestDriver(t.TempDir(), cli, newTestStore(t))
	report, err := d.DestroyLab(context.Background(), testLab(labUUID, "alice"))
	require.Error(t, err)

	var blocked *rt.CleanupBlockedError
	require.True(t, errors.As(err, &blocked))
	assert.Contains(t, blocked.Containers, "some-random-container")
	assert.False(t, report.VerifiedStopped)
	assert.Empty(t, cli.disconnectLog, "unknown containers are never disconnected")
}

func TestNetworksUntouchedWhileContainersRemain(t *testing.T) {
	cli := newFakeClient()
	project := naming.Project(labUUID)
	cli.containers[project] = []string{"stuck"}
	cli.removeErrs["stuck"] = errors.New("device or resource busy")
	netName := naming.LabNet(labUUID)
	cli.networks[netName] = &fakeNetwork{name: netName}

	d := newTestDriver(t.TempDir(), cli, newTestStore(t))
	report, err := d.DestroyLab(context.Background(), testLab(labUUID, "alice"))
	require.NoError(t, err)

	assert.False(t, report.VerifiedStopped)
	assert.Equal(t, []string{"stuck"}, report.RemainingFinal)
	assert.Zero(t, cli.netRemoveCnt[netName], "network removal must not run with containers present")
	_, ok := cli.networks[netName]
	assert.True(t, ok)
}
