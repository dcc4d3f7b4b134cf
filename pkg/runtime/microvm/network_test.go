package microvm

import (
	"context"
	"os/exec"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/octolab/octolab/pkg/redact"
	"github.com/octolab/octolab/pkg/subprocess"
)

func TestDeriveGuestNetDeterministic(t *testing.T) {
	a, err := deriveGuestNet(labUUID, "172.30.0.1")
	require.NoError(t, err)
	b, err := deriveGuestNet(labUUID, "172.30.0.1")
	require.NoError(t, err)
	assert.Equal(t, a, b)

	assert.Regexp(t, `^tap-[0-9a-f]{8}$`, a.TAP)
	assert.Regexp(t, `^172\.30\.\d+\.0/24$`, a.Subnet)
	assert.True(t, strings.HasSuffix(a.HostIP, ".1"))
	assert.True(t, strings.HasSuffix(a.GuestIP, ".2"))
	assert.Equal(t, "255.255.255.0", a.Mask)
	assert.Equal(t, "172.30.0.1", a.DNS)
}

func TestDeriveGuestNetRejectsBadID(t *testing.T) {
	_, err := deriveGuestNet("not-a-uuid", "172.30.0.1")
	assert.Error(t, err)
}

func TestRuleTagPerLab(t *testing.T) {
	gn, err := deriveGuestNet(labUUID, "172.30.0.1")
	require.NoError(t, err)
	assert.Equal(t, "octolab-"+gn.TAP, ruleTag(gn.TAP))
}

// recordingNetManager returns a netManager whose subprocesses run
// /bin/true and a pointer to the recorded argument vectors.
func recordingNetManager(t *testing.T) (*netManager, *[][]string) {
	t.Helper()
	runner := subprocess.NewRunner(redact.New(0))
	var mu sync.Mutex
	var cmds [][]string
	runner.SetExec(func(ctx context.Context, name string, args ...string) *exec.Cmd {
		mu.Lock()
		cmds = append(cmds, append([]string{name}, args...))
		mu.Unlock()
		return exec.CommandContext(ctx, "true")
	})
	return &netManager{runner: runner, settings: testSettings(t)}, &cmds
}

func TestNetworkSetupTagsEveryRule(t *testing.T) {
	nm, cmds := recordingNetManager(t)
	gn, err := deriveGuestNet(labUUID, "172.30.0.1")
	require.NoError(t, err)

	require.NoError(t, nm.Setup(context.Background(), gn, 42001))

	var sawDNAT, sawMasq bool
	for _, cmd := range *cmds {
		joined := strings.Join(cmd, " ")
		if cmd[0] == "iptables" {
			assert.Contains(t, joined, ruleTag(gn.TAP), "untagged rule: %s", joined)
		}
		if strings.Contains(joined, "DNAT") {
			sawDNAT = true
			assert.Contains(t, joined, gn.GuestIP+":5900")
			assert.Contains(t, joined, "42001")
		}
		if strings.Contains(joined, "MASQUERADE") {
			sawMasq = true
			assert.Contains(t, joined, gn.Subnet)
		}
	}
	assert.True(t, sawDNAT)
	assert.True(t, sawMasq)
}

func TestNetworkSetupRejectsBadTAP(t *testing.T) {
	nm, cmds := recordingNetManager(t)
	err := nm.Setup(context.Background(), &GuestNet{TAP: "tap-$(rm -rf)"}, 42001)
	require.Error(t, err)
	assert.Empty(t, *cmds)
}

func TestTeardownDeletesSetupRules(t *testing.T) {
	nm, cmds := recordingNetManager(t)
	gn, err := deriveGuestNet(labUUID, "172.30.0.1")
	require.NoError(t, err)

	require.NoError(t, nm.Teardown(context.Background(), gn))

	var sawLinkDel bool
	for _, cmd := range *cmds {
		joined := strings.Join(cmd, " ")
		if cmd[0] == "ip" {
			sawLinkDel = true
			assert.Contains(t, joined, "link del "+gn.TAP)
			continue
		}
		assert.Contains(t, joined, "-D")
		assert.Contains(t, joined, ruleTag(gn.TAP))
	}
	assert.True(t, sawLinkDel)
}

func TestIsAlreadyGone(t *testing.T) {
	for _, s := range []string{
		"Cannot find device \"tap-0a1b2c3d\"",
		"iptables: No chain/target/match by that name.",
		"iptables: Bad rule (does a matching rule exist in that chain?).",
		"RTNETLINK answers: Cannot find device",
	} {
		assert.True(t, isAlreadyGone(s), s)
	}
	assert.False(t, isAlreadyGone("iptables: Resource temporarily unavailable"))
	assert.False(t, isAlreadyGone(""))
}
