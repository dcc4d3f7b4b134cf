package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/network"
	"github.com/rs/zerolog"

	"github.com/octolab/octolab/pkg/config"
	"github.com/octolab/octolab/pkg/health"
	"github.com/octolab/octolab/pkg/log"
	"github.com/octolab/octolab/pkg/metrics"
	"github.com/octolab/octolab/pkg/naming"
	"github.com/octolab/octolab/pkg/security"
	"github.com/octolab/octolab/pkg/types"
)

// NetworkAttacher is the slice of the Docker API the provisioner needs
// to join the gateway proxy to lab networks.
type NetworkAttacher interface {
	NetworkConnect(ctx context.Context, networkID, containerID string, config *network.EndpointSettings) error
	NetworkDisconnect(ctx context.Context, networkID, containerID string, force bool) error
}

// Provisioner creates and removes per-lab gateway resources: one user,
// one VNC connection, one permission grant.
type Provisioner struct {
	client   *Client
	attacher NetworkAttacher
	secrets  *security.SecretsManager
	settings *config.Settings
	logger   zerolog.Logger
}

// NewProvisioner wires the gateway provisioner. attacher may be nil
// when no container runtime is configured.
func NewProvisioner(client *Client, attacher NetworkAttacher, secrets *security.SecretsManager, settings *config.Settings) *Provisioner {
	return &Provisioner{
		client:   client,
		attacher: attacher,
		secrets:  secrets,
		settings: settings,
		logger:   log.WithComponent("gateway"),
	}
}

// Provisioned is what lab provisioning records about the gateway.
type Provisioned struct {
	UserID      string
	ConnID      string
	PasswordEnc []byte
	ConnectURL  string
}

// Provision sets up the lab's gateway access: preflight, per-lab user
// sharing the desktop's VNC password, a connection pointing at the
// target, and a grant on exactly that connection. For the container
// runtime the gateway proxy is attached to the lab network and the
// desktop's port probed first.
func (p *Provisioner) Provision(ctx context.Context, lab *types.Lab, target VNCTarget, probeAddr string) (*Provisioned, error) {
	if err := naming.ValidateLabID(lab.ID); err != nil {
		return nil, err
	}
	p.client.red.AddSecret(target.Password)

	if err := p.client.Preflight(ctx); err != nil {
		kind := "unknown"
		var pf *PreflightError
		if errors.As(err, &pf) {
			kind = pf.Kind
		}
		metrics.GatewayPreflightFailures.WithLabelValues(kind).Inc()
		return nil, err
	}
	admin, err := p.client.AuthenticateAdmin(ctx)
	if err != nil {
		return nil, err
	}

	if lab.Runtime == types.RuntimeContainer {
		if err := p.attachProxy(ctx, lab, probeAddr); err != nil {
			return nil, err
		}
	}

	username := naming.GatewayUser(lab.ID)
	if err := p.client.CreateUser(ctx, admin, username, target.Password); err != nil {
		return nil, fmt.Errorf("failed to create gateway user: %w", err)
	}

	connID, err := p.client.CreateConnection(ctx, admin, "lab-"+lab.ID, target)
	if err != nil {
		p.cleanupPartial(lab, admin, username, "")
		return nil, fmt.Errorf("failed to create gateway connection: %w", err)
	}
	if err := p.client.GrantConnection(ctx, admin, username, connID); err != nil {
		p.cleanupPartial(lab, admin, username, connID)
		return nil, fmt.Errorf("failed to grant gateway connection: %w", err)
	}

	// The browser lands with the user's own token, not the admin's.
	userSession, err := p.client.Authenticate(ctx, username, target.Password)
	if err != nil {
		p.cleanupPartial(lab, admin, username, connID)
		return nil, fmt.Errorf("failed to mint gateway user token: %w", err)
	}

	enc, err := p.secrets.EncryptString(target.Password)
	if err != nil {
		p.cleanupPartial(lab, admin, username, connID)
		return nil, fmt.Errorf("failed to encrypt gateway password: %w", err)
	}

	p.logger.Info().Str("lab_id", lab.ID).Str("gateway_user", username).
		Str("conn_id", connID).Msg("gateway provisioned")
	return &Provisioned{
		UserID:      username,
		ConnID:      connID,
		PasswordEnc: enc,
		ConnectURL:  p.client.ConnectURL(userSession, connID),
	}, nil
}

// attachProxy joins the gateway proxy container to the lab network and
// verifies the desktop's VNC port answers.
func (p *Provisioner) attachProxy(ctx context.Context, lab *types.Lab, probeAddr string) error {
	if p.attacher == nil {
		return fmt.Errorf("no container runtime attached to the gateway provisioner")
	}
	labNet := naming.LabNet(lab.ID)
	if err := p.attacher.NetworkConnect(ctx, labNet, p.settings.GatewayProxyName, nil); err != nil && !cerrdefs.IsConflict(err) {
		return fmt.Errorf("failed to attach gateway proxy to %s: %w", labNet, err)
	}

	if probeAddr == "" {
		return nil
	}
	checker := health.NewTCPChecker(probeAddr)
	deadline := time.Now().Add(p.settings.GatewayHTTPTimeout)
	var last string
	for time.Now().Before(deadline) && ctx.Err() == nil {
		res := checker.Check(ctx)
		if res.Healthy {
			return nil
		}
		last = res.Message
		time.Sleep(time.Second)
	}
	p.detachProxy(lab)
	return fmt.Errorf("desktop VNC port %s not reachable: %s", probeAddr, last)
}

func (p *Provisioner) detachProxy(lab *types.Lab) {
	if p.attacher == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), p.settings.NetworkRmTimeout)
	defer cancel()
	err := p.attacher.NetworkDisconnect(ctx, naming.LabNet(lab.ID), p.settings.GatewayProxyName, true)
	if err != nil && !cerrdefs.IsNotFound(err) {
		p.logger.Warn().Str("lab_id", lab.ID).Err(err).Msg("failed to detach gateway proxy")
	}
}

// cleanupPartial removes whatever a failed provision left on the
// gateway. Best effort.
func (p *Provisioner) cleanupPartial(lab *types.Lab, admin *Session, username, connID string) {
	ctx, cancel := context.WithTimeout(context.Background(), p.settings.GatewayHTTPTimeout)
	defer cancel()
	if connID != "" {
		if err := p.client.DeleteConnection(ctx, admin, connID); err != nil {
			p.logger.Warn().Str("lab_id", lab.ID).Err(err).Msg("failed to remove partial gateway connection")
		}
	}
	if err := p.client.DeleteUser(ctx, admin, username); err != nil {
		p.logger.Warn().Str("lab_id", lab.ID).Err(err).Msg("failed to remove partial gateway user")
	}
	if lab.Runtime == types.RuntimeContainer {
		p.detachProxy(lab)
	}
}

// Teardown removes the lab's gateway connection and user and detaches
// the proxy. Failures are logged, never fatal: gateway state must not
// block the state machine.
func (p *Provisioner) Teardown(ctx context.Context, lab *types.Lab) {
	admin, err := p.client.AuthenticateAdmin(ctx)
	if err != nil {
		p.logger.Warn().Str("lab_id", lab.ID).Err(err).Msg("gateway teardown skipped: no admin session")
		return
	}
	if lab.GatewayConnID != "" {
		if err := p.client.DeleteConnection(ctx, admin, lab.GatewayConnID); err != nil {
			p.logger.Warn().Str("lab_id", lab.ID).Err(err).Msg("failed to delete gateway connection")
		}
	}
	user := lab.GatewayUserID
	if user == "" {
		user = naming.GatewayUser(lab.ID)
	}
	if err := p.client.DeleteUser(ctx, admin, user); err != nil {
		p.logger.Warn().Str("lab_id", lab.ID).Err(err).Msg("failed to delete gateway user")
	}
	if lab.Runtime == types.RuntimeContainer {
		p.detachProxy(lab)
	}
}

// ConnectURL mints a fresh browser URL for an already-provisioned lab.
// The stored URL embeds a token that expires, so connect requests always
// re-authenticate as the lab's gateway user.
func (p *Provisioner) ConnectURL(ctx context.Context, lab *types.Lab) (string, error) {
	if lab.GatewayUserID == "" || lab.GatewayConnID == "" {
		return "", fmt.Errorf("lab has no gateway resources")
	}
	password, err := p.secrets.DecryptString(lab.GatewayPasswordEnc)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt gateway password: %w", err)
	}
	sess, err := p.client.Authenticate(ctx, lab.GatewayUserID, password)
	if err != nil {
		return "", fmt.Errorf("failed to authenticate gateway user: %w", err)
	}
	return p.client.ConnectURL(sess, lab.GatewayConnID), nil
}

// ProbeAddr formats the host-side probe address for a lab's bound
// port.
func ProbeAddr(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}
