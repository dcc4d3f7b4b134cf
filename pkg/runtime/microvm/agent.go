package microvm

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"time"
)

// Agent verbs. Anything not listed here is refused before a byte
// leaves the host.
const (
	VerbPing             = "ping"
	VerbDiag             = "diag"
	VerbConfigureNetwork = "configure_network"
	VerbUploadProject    = "upload_project"
	VerbComposeUp        = "compose_up"
	VerbComposeDown      = "compose_down"
	VerbStatus           = "status"
)

var verbAllowlist = map[string]bool{
	VerbPing:             true,
	VerbDiag:             true,
	VerbConfigureNetwork: true,
	VerbUploadProject:    true,
	VerbComposeUp:        true,
	VerbComposeDown:      true,
	VerbStatus:           true,
}

// AgentResponse is the fixed response shape of the guest agent. All
// string fields decode to "" when absent, never null, so callers never
// branch on nil.
type AgentResponse struct {
	OK       bool   `json:"ok"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
	Error    string `json:"error"`

	// Identity fields present on ping. Their absence signals a stale
	// rootfs build.
	AgentVersion  string `json:"agent_version"`
	RootfsBuildID string `json:"rootfs_build_id"`
}

// agentRequest is one newline-delimited JSON request.
type agentRequest struct {
	Cmd     string `json:"cmd"`
	IP      string `json:"ip,omitempty"`
	Mask    string `json:"mask,omitempty"`
	Gateway string `json:"gateway,omitempty"`
	DNS     string `json:"dns,omitempty"`
	Bundle  string `json:"bundle,omitempty"` // base64 tar.gz for upload_project
}

// DialFunc opens the stream to the guest. The default speaks the
// hypervisor's host-side vsock multiplexer: connect to the UDS and
// send "CONNECT <port>\n", expecting an "OK <assigned>\n" line back.
type DialFunc func(ctx context.Context, udsPath string, port int) (net.Conn, error)

// AgentClient speaks the JSON-over-vsock protocol with one lab's guest
// agent. One connection per call; requests and responses are single
// lines.
type AgentClient struct {
	udsPath string
	port    int
	dial    DialFunc
}

// NewAgentClient builds a client for the guest behind the given vsock
// UDS.
func NewAgentClient(udsPath string, port int) *AgentClient {
	return &AgentClient{udsPath: udsPath, port: port, dial: dialVsock}
}

// SetDial swaps the transport. For tests.
func (c *AgentClient) SetDial(fn DialFunc) {
	c.dial = fn
}

func dialVsock(ctx context.Context, udsPath string, port int) (net.Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", udsPath)
	if err != nil {
		return nil, fmt.Errorf("failed to dial vsock uds: %w", err)
	}
	if _, err := fmt.Fprintf(conn, "CONNECT %d\n", port); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to send vsock preamble: %w", err)
	}
	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to read vsock preamble reply: %w", err)
	}
	if !strings.HasPrefix(line, "OK ") {
		conn.Close()
		return nil, fmt.Errorf("vsock connect refused: %s", strings.TrimSpace(line))
	}
	return conn, nil
}

// call sends one request and decodes one response line, bounded by
// timeout.
func (c *AgentClient) call(ctx context.Context, req agentRequest, timeout time.Duration) (*AgentResponse, error) {
	if !verbAllowlist[req.Cmd] {
		return nil, fmt.Errorf("refusing agent verb %q: not in allowlist", req.Cmd)
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, err := c.dial(callCtx, c.udsPath, c.port)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	deadline := time.Now().Add(timeout)
	_ = conn.SetDeadline(deadline)

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal agent request: %w", err)
	}
	if _, err := conn.Write(append(payload, '\n')); err != nil {
		return nil, fmt.Errorf("agent %s: write failed: %w", req.Cmd, err)
	}

	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		return nil, fmt.Errorf("agent %s: read failed: %w", req.Cmd, err)
	}

	var resp AgentResponse
	if err := json.Unmarshal([]byte(line), &resp); err != nil {
		return nil, fmt.Errorf("agent %s: malformed response: %w", req.Cmd, err)
	}
	return &resp, nil
}

// Ping asks the agent for liveness and identity.
func (c *AgentClient) Ping(ctx context.Context, timeout time.Duration) (*AgentResponse, error) {
	return c.call(ctx, agentRequest{Cmd: VerbPing}, timeout)
}

// Diag collects guest-side diagnostics for failure reports.
func (c *AgentClient) Diag(ctx context.Context, timeout time.Duration) (*AgentResponse, error) {
	return c.call(ctx, agentRequest{Cmd: VerbDiag}, timeout)
}

// ConfigureNetwork pushes the guest's ip/mask/gateway/dns.
func (c *AgentClient) ConfigureNetwork(ctx context.Context, gn *GuestNet, timeout time.Duration) (*AgentResponse, error) {
	return c.call(ctx, agentRequest{
		Cmd:     VerbConfigureNetwork,
		IP:      gn.GuestIP,
		Mask:    gn.Mask,
		Gateway: gn.HostIP,
		DNS:     gn.DNS,
	}, timeout)
}

// UploadProject ships the base64 tar.gz compose bundle into the guest.
func (c *AgentClient) UploadProject(ctx context.Context, bundleB64 string, timeout time.Duration) (*AgentResponse, error) {
	return c.call(ctx, agentRequest{Cmd: VerbUploadProject, Bundle: bundleB64}, timeout)
}

// ComposeUp starts the uploaded project. Image pulls run inside the
// guest, so this verb carries its own, much larger timeout.
func (c *AgentClient) ComposeUp(ctx context.Context, timeout time.Duration) (*AgentResponse, error) {
	return c.call(ctx, agentRequest{Cmd: VerbComposeUp}, timeout)
}

// ComposeDown stops the project.
func (c *AgentClient) ComposeDown(ctx context.Context, timeout time.Duration) (*AgentResponse, error) {
	return c.call(ctx, agentRequest{Cmd: VerbComposeDown}, timeout)
}

// Status reports the in-guest project state.
func (c *AgentClient) Status(ctx context.Context, timeout time.Duration) (*AgentResponse, error) {
	return c.call(ctx, agentRequest{Cmd: VerbStatus}, timeout)
}

// StaleFields returns the identity fields missing from a ping
// response. A non-empty result means the rootfs build predates the
// agent contract.
func (r *AgentResponse) StaleFields() []string {
	var missing []string
	if r.AgentVersion == "" {
		missing = append(missing, "agent_version")
	}
	if r.RootfsBuildID == "" {
		missing = append(missing, "rootfs_build_id")
	}
	return missing
}
