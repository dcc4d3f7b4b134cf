package config

import (
	"encoding/hex"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/octolab/octolab/pkg/types"
)

// GuestVNCPort is the fixed VNC port inside every desktop container/guest.
const GuestVNCPort = 5900

// VNC auth modes accepted by the desktop stack.
const (
	AuthModePassword = "password"
	AuthModeNone     = "none"
)

// Settings holds the complete, validated server configuration. It is
// built once at startup; components receive the fields they need as
// constructor parameters.
type Settings struct {
	Bind     string
	DataDir  string
	LogLevel string
	LogJSON  bool

	// Runtime toggle for new labs. Server policy, never client input.
	Runtime types.LabRuntime

	RecipesFile string

	// DeployDesktopImage is the desktop image for Dockerfile deploy
	// labs, which have no catalog recipe to name one.
	DeployDesktopImage string

	// Evidence sealing
	HMACSecret        string
	EvidenceRetention time.Duration
	EvidenceMaxFile   int64
	EvidenceMaxTotal  int64

	// Gateway
	GatewayEnabled       bool
	GatewayURL           string
	GatewayAdminUser     string
	GatewayAdminPassword string
	GatewayEncKey        []byte // 32 bytes, AES-256-GCM
	GatewayProxyName     string // control-plane proxy container (guacd)
	GatewayHTTPTimeout   time.Duration

	// Desktop exposure
	PortRangeStart int
	PortRangeEnd   int
	VNCBindHost    string
	VNCAuthMode    string
	PortRetries    int

	// Quotas and lifetime
	QuotaActiveLabs int
	TTLDefault      time.Duration

	// Container runtime cleanup
	NetAllowlist []string
	NetRmRetries int
	NetRmBackoff time.Duration

	// MicroVM runtime
	StateRoot    string
	FCBin        string
	FCKernel     string
	FCRootfs     string
	HostBridgeIP string
	VsockPort    int
	GuestSubnet  string // base /24 for per-lab guest addressing

	// Timeout table
	InspectTimeout        time.Duration
	NetworkRmTimeout      time.Duration
	DisconnectTimeout     time.Duration
	ComposeTimeout        time.Duration
	ProvisionTimeout      time.Duration
	TeardownTimeout       time.Duration
	AgentPingTimeout      time.Duration
	AgentComposeUpTimeout time.Duration

	// Workers
	ProvisionWorkers  int
	TeardownInterval  time.Duration
	EndingGraceAge    time.Duration
	ClaimTTL          time.Duration
	TTLSweepInterval  time.Duration
	ReconcileInterval time.Duration
}

// Load reads an optional .env file, then the environment, and returns a
// validated Settings.
func Load() (*Settings, error) {
	_ = godotenv.Load()

	s := &Settings{
		Bind:     getEnv("OCTOLAB_BIND", "127.0.0.1:8080"),
		DataDir:  getEnv("OCTOLAB_DATA_DIR", "/var/lib/octolab"),
		LogLevel: getEnv("OCTOLAB_LOG_LEVEL", "info"),
		LogJSON:  getEnvBool("OCTOLAB_LOG_JSON", true),

		Runtime: types.LabRuntime(getEnv("OCTOLAB_RUNTIME", string(types.RuntimeContainer))),

		RecipesFile: getEnv("OCTOLAB_RECIPES_FILE", "/etc/octolab/recipes.yaml"),

		DeployDesktopImage: getEnv("OCTOLAB_DEPLOY_DESKTOP_IMAGE", "octolab/desktop:latest"),

		HMACSecret:        os.Getenv("OCTOLAB_HMAC_SECRET"),
		EvidenceRetention: getEnvDuration("OCTOLAB_EVIDENCE_RETENTION", 24*time.Hour),
		EvidenceMaxFile:   getEnvInt64("OCTOLAB_EVIDENCE_MAX_FILE", 256<<20),
		EvidenceMaxTotal:  getEnvInt64("OCTOLAB_EVIDENCE_MAX_TOTAL", 2<<30),

		GatewayEnabled:       getEnvBool("OCTOLAB_GATEWAY_ENABLED", true),
		GatewayURL:           getEnv("OCTOLAB_GATEWAY_URL", "http://127.0.0.1:8081/guacamole"),
		GatewayAdminUser:     getEnv("OCTOLAB_GATEWAY_ADMIN_USER", "guacadmin"),
		GatewayAdminPassword: os.Getenv("OCTOLAB_GATEWAY_ADMIN_PASSWORD"),
		GatewayProxyName:     getEnv("OCTOLAB_GATEWAY_PROXY_NAME", "octolab-guacd"),
		GatewayHTTPTimeout:   getEnvDuration("OCTOLAB_GATEWAY_HTTP_TIMEOUT", 30*time.Second),

		VNCBindHost: getEnv("OCTOLAB_VNC_BIND_HOST", "127.0.0.1"),
		VNCAuthMode: getEnv("OCTOLAB_VNC_AUTH_MODE", AuthModePassword),
		PortRetries: getEnvInt("OCTOLAB_PORT_RETRIES", 3),

		QuotaActiveLabs: getEnvInt("OCTOLAB_QUOTA_ACTIVE_LABS", 2),
		TTLDefault:      getEnvDuration("OCTOLAB_TTL_DEFAULT", 4*time.Hour),

		NetAllowlist: splitList(getEnv("OCTOLAB_NET_ALLOWLIST", "octolab-guacd")),
		NetRmRetries: getEnvInt("OCTOLAB_NET_RM_RETRIES", 3),
		NetRmBackoff: getEnvDuration("OCTOLAB_NET_RM_BACKOFF", 200*time.Millisecond),

		StateRoot:    getEnv("OCTOLAB_STATE_ROOT", "/var/lib/octolab/vm"),
		FCBin:        getEnv("OCTOLAB_FC_BIN", "/usr/local/bin/firecracker"),
		FCKernel:     getEnv("OCTOLAB_FC_KERNEL", "/var/lib/octolab/images/vmlinux"),
		FCRootfs:     getEnv("OCTOLAB_FC_ROOTFS", "/var/lib/octolab/images/rootfs.ext4"),
		HostBridgeIP: getEnv("OCTOLAB_HOST_BRIDGE_IP", "172.30.0.1"),
		VsockPort:    getEnvInt("OCTOLAB_VSOCK_PORT", 52),
		GuestSubnet:  getEnv("OCTOLAB_GUEST_SUBNET", "172.30.0.0/16"),

		InspectTimeout:        getEnvDuration("OCTOLAB_INSPECT_TIMEOUT", 10*time.Second),
		NetworkRmTimeout:      getEnvDuration("OCTOLAB_NETWORK_RM_TIMEOUT", 30*time.Second),
		DisconnectTimeout:     getEnvDuration("OCTOLAB_DISCONNECT_TIMEOUT", 30*time.Second),
		ComposeTimeout:        getEnvDuration("OCTOLAB_COMPOSE_TIMEOUT", 120*time.Second),
		ProvisionTimeout:      getEnvDuration("OCTOLAB_PROVISION_TIMEOUT", 10*time.Minute),
		TeardownTimeout:       getEnvDuration("OCTOLAB_TEARDOWN_TIMEOUT", 3*time.Minute),
		AgentPingTimeout:      getEnvDuration("OCTOLAB_AGENT_PING_TIMEOUT", 5*time.Second),
		AgentComposeUpTimeout: getEnvDuration("OCTOLAB_AGENT_COMPOSE_UP_TIMEOUT", 5*time.Minute),

		ProvisionWorkers:  getEnvInt("OCTOLAB_PROVISION_WORKERS", 4),
		TeardownInterval:  getEnvDuration("OCTOLAB_TEARDOWN_INTERVAL", 15*time.Second),
		EndingGraceAge:    getEnvDuration("OCTOLAB_ENDING_GRACE_AGE", 5*time.Second),
		ClaimTTL:          getEnvDuration("OCTOLAB_CLAIM_TTL", 5*time.Minute),
		TTLSweepInterval:  getEnvDuration("OCTOLAB_TTL_SWEEP_INTERVAL", 1*time.Minute),
		ReconcileInterval: getEnvDuration("OCTOLAB_RECONCILE_INTERVAL", 5*time.Minute),
	}

	var err error
	s.PortRangeStart, s.PortRangeEnd, err = parsePortRange(getEnv("OCTOLAB_PORT_RANGE", "40000-40999"))
	if err != nil {
		return nil, err
	}

	if keyStr := os.Getenv("OCTOLAB_GATEWAY_ENC_KEY"); keyStr != "" {
		s.GatewayEncKey, err = parseEncKey(keyStr)
		if err != nil {
			return nil, err
		}
	}

	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Validate checks settings combinations that must fail at startup.
func (s *Settings) Validate() error {
	if s.HMACSecret == "" {
		return fmt.Errorf("OCTOLAB_HMAC_SECRET is required")
	}
	if len(s.HMACSecret) < 16 {
		return fmt.Errorf("OCTOLAB_HMAC_SECRET must be at least 16 bytes")
	}
	if s.Runtime != types.RuntimeContainer && s.Runtime != types.RuntimeMicroVM {
		return fmt.Errorf("OCTOLAB_RUNTIME must be %q or %q, got %q",
			types.RuntimeContainer, types.RuntimeMicroVM, s.Runtime)
	}
	if s.VNCAuthMode != AuthModePassword && s.VNCAuthMode != AuthModeNone {
		return fmt.Errorf("OCTOLAB_VNC_AUTH_MODE must be %q or %q, got %q",
			AuthModePassword, AuthModeNone, s.VNCAuthMode)
	}
	if s.GatewayEnabled {
		if s.GatewayAdminPassword == "" {
			return fmt.Errorf("OCTOLAB_GATEWAY_ADMIN_PASSWORD is required when the gateway is enabled")
		}
		if len(s.GatewayEncKey) != 32 {
			return fmt.Errorf("OCTOLAB_GATEWAY_ENC_KEY must decode to 32 bytes")
		}
	}
	if err := s.CheckDesktopExposure(); err != nil {
		return err
	}
	return nil
}

// CheckDesktopExposure refuses the combination of an unauthenticated
// desktop with a non-loopback bind host. Enforced at startup and again
// at lab create time.
func (s *Settings) CheckDesktopExposure() error {
	if s.VNCAuthMode != AuthModeNone {
		return nil
	}
	host := s.VNCBindHost
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	ip := net.ParseIP(host)
	if ip != nil && ip.IsLoopback() {
		return nil
	}
	if host == "localhost" {
		return nil
	}
	return fmt.Errorf("refusing passwordless desktop: OCTOLAB_VNC_AUTH_MODE=none with non-loopback OCTOLAB_VNC_BIND_HOST=%q", s.VNCBindHost)
}

func parsePortRange(v string) (int, int, error) {
	parts := strings.SplitN(v, "-", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("OCTOLAB_PORT_RANGE must look like \"40000-40999\", got %q", v)
	}
	start, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return 0, 0, fmt.Errorf("invalid port range start %q: %w", parts[0], err)
	}
	end, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil {
		return 0, 0, fmt.Errorf("invalid port range end %q: %w", parts[1], err)
	}
	if start < 1024 || end > 65535 || start > end {
		return 0, 0, fmt.Errorf("port range %d-%d out of bounds", start, end)
	}
	return start, end, nil
}

func parseEncKey(v string) ([]byte, error) {
	if decoded, err := hex.DecodeString(v); err == nil && len(decoded) == 32 {
		return decoded, nil
	}
	if len(v) == 32 {
		return []byte(v), nil
	}
	return nil, fmt.Errorf("OCTOLAB_GATEWAY_ENC_KEY must be 32 raw bytes or 64 hex characters")
}

func splitList(v string) []string {
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvInt64(key string, fallback int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
