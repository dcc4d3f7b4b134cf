package microvm

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAgentRefusesUnknownVerb(t *testing.T) {
	agent := newFakeAgent()
	c := NewAgentClient("/nonexistent/vsock.sock", 52)
	c.SetDial(agent.dial)

	_, err := c.call(context.Background(), agentRequest{Cmd: "rm_rf"}, time.Second)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "allowlist")

	// The refusal happens before any bytes leave the host.
	assert.Empty(t, agent.seen())
}

func TestAgentPingCarriesIdentity(t *testing.T) {
	agent := newFakeAgent()
	c := NewAgentClient("/nonexistent/vsock.sock", 52)
	c.SetDial(agent.dial)

	resp, err := c.Ping(context.Background(), time.Second)
	require.NoError(t, err)
	assert.True(t, resp.OK)
	assert.Empty(t, resp.StaleFields())
	assert.Equal(t, "1.4.0", resp.AgentVersion)
}

func TestAgentStaleFields(t *testing.T) {
	resp := &AgentResponse{OK: true}
	assert.ElementsMatch(t, []string{"agent_version", "rootfs_build_id"}, resp.StaleFields())

	resp.AgentVersion = "1.4.0"
	assert.Equal(t, []string{"rootfs_build_id"}, resp.StaleFields())

	resp.RootfsBuildID = "2026-08-12T10:00:00Z"
	assert.Empty(t, resp.StaleFields())
}

func TestAgentResponseStringDefaults(t *testing.T) {
	agent := newFakeAgent()
	agent.set(VerbStatus, AgentResponse{OK: false, ExitCode: 1})
	c := NewAgentClient("/nonexistent/vsock.sock", 52)
	c.SetDial(agent.dial)

	resp, err := c.Status(context.Background(), time.Second)
	require.NoError(t, err)
	assert.False(t, resp.OK)
	assert.Equal(t, "", resp.Stdout)
	assert.Equal(t, "", resp.Stderr)
	assert.Equal(t, "", resp.Error)
}

func TestAgentConfigureNetworkPayload(t *testing.T) {
	agent := newFakeAgent()
	c := NewAgentClient("/nonexistent/vsock.sock", 52)
	c.SetDial(agent.dial)

	gn, err := deriveGuestNet(labUUID, "172.30.0.1")
	require.NoError(t, err)

	resp, err := c.ConfigureNetwork(context.Background(), gn, time.Second)
	require.NoError(t, err)
	assert.True(t, resp.OK)
	assert.Equal(t, []string{VerbConfigureNetwork}, agent.seen())
}
