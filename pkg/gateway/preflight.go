package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// Preflight failure kinds, each pointing the operator at one concrete
// fix.
const (
	KindBaseURLWrong   = "base_url_wrong"
	KindCredsWrong     = "creds_wrong"
	KindServer5xx      = "server_5xx"
	KindNetworkDown    = "network_down"
	KindGUIUnreachable = "gui_unreachable"
)

// PreflightError is an actionable gateway reachability failure.
type PreflightError struct {
	Kind   string
	Detail string
}

func (e *PreflightError) Error() string {
	return fmt.Sprintf("gateway preflight failed (%s): %s", e.Kind, e.Detail)
}

// Preflight validates the gateway before any lab provisioning touches
// it: the GUI page must answer, and the admin credentials must mint a
// token. Failures are classified so the error names the fix, not just
// the symptom.
func (c *Client) Preflight(ctx context.Context) error {
	if err := c.checkGUI(ctx); err != nil {
		return err
	}
	return c.checkAdminAuth(ctx)
}

func (c *Client) checkGUI(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/", nil)
	if err != nil {
		return &PreflightError{Kind: KindBaseURLWrong, Detail: err.Error()}
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return &PreflightError{Kind: classifyTransport(err), Detail: c.red.Error(err)}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return &PreflightError{Kind: KindBaseURLWrong,
			Detail: fmt.Sprintf("GET %s returned 404; check OCTOLAB_GATEWAY_URL", c.baseURL)}
	case resp.StatusCode >= 500:
		return &PreflightError{Kind: KindServer5xx,
			Detail: fmt.Sprintf("gateway GUI returned %d", resp.StatusCode)}
	case resp.StatusCode >= 400:
		return &PreflightError{Kind: KindGUIUnreachable,
			Detail: fmt.Sprintf("gateway GUI returned %d", resp.StatusCode)}
	}
	return nil
}

func (c *Client) checkAdminAuth(ctx context.Context) error {
	_, err := c.AuthenticateAdmin(ctx)
	if err == nil {
		return nil
	}

	var se *gatewayStatusError
	if errors.As(err, &se) {
		switch {
		case se.Status == http.StatusForbidden || se.Status == http.StatusUnauthorized:
			return &PreflightError{Kind: KindCredsWrong,
				Detail: "admin credentials rejected; check OCTOLAB_GATEWAY_ADMIN_USER / OCTOLAB_GATEWAY_ADMIN_PASSWORD"}
		case se.Status == http.StatusNotFound:
			return &PreflightError{Kind: KindBaseURLWrong,
				Detail: "token endpoint not found; check OCTOLAB_GATEWAY_URL"}
		case se.Status >= 500:
			return &PreflightError{Kind: KindServer5xx,
				Detail: fmt.Sprintf("token endpoint returned %d", se.Status)}
		}
		return &PreflightError{Kind: KindGUIUnreachable, Detail: se.Error()}
	}
	return &PreflightError{Kind: classifyTransport(err), Detail: c.red.Error(err)}
}

// classifyTransport maps a transport-level failure onto a preflight
// kind. An unresolvable host means the URL is wrong; everything else
// at this layer is the network.
func classifyTransport(err error) string {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return KindBaseURLWrong
	}
	return KindNetworkDown
}
