package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/octolab/octolab/pkg/types"
)

func validSettings() *Settings {
	return &Settings{
		HMACSecret:           "0123456789abcdef0123456789abcdef",
		Runtime:              types.RuntimeContainer,
		VNCAuthMode:          AuthModePassword,
		VNCBindHost:          "127.0.0.1",
		GatewayEnabled:       true,
		GatewayAdminPassword: "admin-pass",
		GatewayEncKey:        make([]byte, 32),
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Settings)
		wantErr string
	}{
		{
			name:   "valid",
			mutate: func(s *Settings) {},
		},
		{
			name:    "missing hmac secret",
			mutate:  func(s *Settings) { s.HMACSecret = "" },
			wantErr: "OCTOLAB_HMAC_SECRET",
		},
		{
			name:    "short hmac secret",
			mutate:  func(s *Settings) { s.HMACSecret = "short" },
			wantErr: "at least 16",
		},
		{
			name:    "bad runtime",
			mutate:  func(s *Settings) { s.Runtime = "vmware" },
			wantErr: "OCTOLAB_RUNTIME",
		},
		{
			name:    "bad auth mode",
			mutate:  func(s *Settings) { s.VNCAuthMode = "open" },
			wantErr: "OCTOLAB_VNC_AUTH_MODE",
		},
		{
			name:    "gateway enabled without password",
			mutate:  func(s *Settings) { s.GatewayAdminPassword = "" },
			wantErr: "OCTOLAB_GATEWAY_ADMIN_PASSWORD",
		},
		{
			name:    "gateway enabled with short key",
			mutate:  func(s *Settings) { s.GatewayEncKey = make([]byte, 16) },
			wantErr: "32 bytes",
		},
		{
			name: "gateway disabled skips gateway checks",
			mutate: func(s *Settings) {
				s.GatewayEnabled = false
				s.GatewayAdminPassword = ""
				s.GatewayEncKey = nil
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := validSettings()
			tt.mutate(s)
			err := s.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestCheckDesktopExposure(t *testing.T) {
	tests := []struct {
		name     string
		authMode string
		bindHost string
		wantErr  bool
	}{
		{"password mode any host", AuthModePassword, "0.0.0.0", false},
		{"none on loopback", AuthModeNone, "127.0.0.1", false},
		{"none on localhost", AuthModeNone, "localhost", false},
		{"none on all interfaces", AuthModeNone, "0.0.0.0", true},
		{"none on public ip", AuthModeNone, "203.0.113.10", true},
		{"none on hostname", AuthModeNone, "lab.example.com", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := validSettings()
			s.VNCAuthMode = tt.authMode
			s.VNCBindHost = tt.bindHost
			err := s.CheckDesktopExposure()
			if tt.wantErr {
				require.Error(t, err)
				// The refusal names both offending settings.
				assert.Contains(t, err.Error(), "OCTOLAB_VNC_AUTH_MODE")
				assert.Contains(t, err.Error(), "OCTOLAB_VNC_BIND_HOST")
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestParsePortRange(t *testing.T) {
	start, end, err := parsePortRange("40000-40999")
	require.NoError(t, err)
	assert.Equal(t, 40000, start)
	assert.Equal(t, 40999, end)

	_, _, err = parsePortRange("40000")
	assert.Error(t, err)

	_, _, err = parsePortRange("50-60")
	assert.Error(t, err, "privileged range refused")

	_, _, err = parsePortRange("41000-40000")
	assert.Error(t, err, "inverted range refused")
}

func TestParseEncKey(t *testing.T) {
	raw := "0123456789abcdef0123456789abcdef" // 32 ascii bytes
	key, err := parseEncKey(raw)
	require.NoError(t, err)
	assert.Len(t, key, 32)

	hexKey, err := parseEncKey("00112233445566778899aabbccddeeff00112233445566778899aabbccddeeff")
	require.NoError(t, err)
	assert.Len(t, hexKey, 32)

	_, err = parseEncKey("tooshort")
	assert.Error(t, err)
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("OCTOLAB_HMAC_SECRET", "0123456789abcdef0123456789abcdef")
	t.Setenv("OCTOLAB_GATEWAY_ENABLED", "false")

	s, err := Load()
	require.NoError(t, err)

	assert.Equal(t, types.RuntimeContainer, s.Runtime)
	assert.Equal(t, 40000, s.PortRangeStart)
	assert.Equal(t, 40999, s.PortRangeEnd)
	assert.Equal(t, 3, s.NetRmRetries)
	assert.Equal(t, 200*time.Millisecond, s.NetRmBackoff)
	assert.Equal(t, 5*time.Minute, s.AgentComposeUpTimeout)
	assert.Greater(t, s.AgentComposeUpTimeout, s.AgentPingTimeout,
		"compose_up uses a distinct, larger timeout")
	assert.Equal(t, 24*time.Hour, s.EvidenceRetention)
}

func TestLoadRefusesPasswordlessExposure(t *testing.T) {
	t.Setenv("OCTOLAB_HMAC_SECRET", "0123456789abcdef0123456789abcdef")
	t.Setenv("OCTOLAB_GATEWAY_ENABLED", "false")
	t.Setenv("OCTOLAB_VNC_AUTH_MODE", "none")
	t.Setenv("OCTOLAB_VNC_BIND_HOST", "0.0.0.0")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "passwordless")
}
