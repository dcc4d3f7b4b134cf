package gateway

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/octolab/octolab/pkg/config"
	"github.com/octolab/octolab/pkg/log"
	"github.com/octolab/octolab/pkg/redact"
)

// Client speaks the gateway's Guacamole-style REST API with admin
// credentials. One client serves all labs; the gateway serializes its
// own state.
type Client struct {
	baseURL   string
	adminUser string
	adminPass string
	httpc     *http.Client
	red       *redact.Redactor
	logger    zerolog.Logger
}

// NewClient builds the gateway API client from settings.
func NewClient(settings *config.Settings, red *redact.Redactor) *Client {
	red.AddSecret(settings.GatewayAdminPassword)
	return &Client{
		baseURL:   strings.TrimRight(settings.GatewayURL, "/"),
		adminUser: settings.GatewayAdminUser,
		adminPass: settings.GatewayAdminPassword,
		httpc:     &http.Client{Timeout: settings.GatewayHTTPTimeout},
		red:       red,
		logger:    log.WithComponent("gateway"),
	}
}

// Session is an authenticated gateway session.
type Session struct {
	Token      string `json:"authToken"`
	DataSource string `json:"dataSource"`
}

// Authenticate mints a token for the given gateway account.
func (c *Client) Authenticate(ctx context.Context, user, pass string) (*Session, error) {
	form := url.Values{"username": {user}, "password": {pass}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/tokens",
		strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("gateway token request failed: %s", c.red.Error(err))
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, statusError("authenticate", resp)
	}

	var s Session
	if err := json.NewDecoder(resp.Body).Decode(&s); err != nil {
		return nil, fmt.Errorf("malformed gateway token response: %w", err)
	}
	if s.Token == "" || s.DataSource == "" {
		return nil, fmt.Errorf("gateway token response missing fields")
	}
	return &s, nil
}

// AuthenticateAdmin mints an admin session.
func (c *Client) AuthenticateAdmin(ctx context.Context) (*Session, error) {
	return c.Authenticate(ctx, c.adminUser, c.adminPass)
}

// CreateUser creates a gateway account.
func (c *Client) CreateUser(ctx context.Context, s *Session, username, password string) error {
	body := map[string]any{
		"username":   username,
		"password":   password,
		"attributes": map[string]string{},
	}
	return c.do(ctx, s, http.MethodPost,
		"/api/session/data/"+s.DataSource+"/users", body, http.StatusOK, nil)
}

// VNCTarget is where a lab's desktop listens from the gateway's point
// of view.
type VNCTarget struct {
	Hostname string
	Port     int
	Password string
}

// CreateConnection creates a VNC connection for one lab and returns
// its identifier.
func (c *Client) CreateConnection(ctx context.Context, s *Session, name string, target VNCTarget) (string, error) {
	body := map[string]any{
		"parentIdentifier": "ROOT",
		"name":             name,
		"protocol":         "vnc",
		"parameters": map[string]string{
			"hostname": target.Hostname,
			"port":     strconv.Itoa(target.Port),
			"password": target.Password,
		},
		"attributes": map[string]string{},
	}
	var created struct {
		Identifier string `json:"identifier"`
	}
	err := c.do(ctx, s, http.MethodPost,
		"/api/session/data/"+s.DataSource+"/connections", body, http.StatusOK, &created)
	if err != nil {
		return "", err
	}
	if created.Identifier == "" {
		return "", fmt.Errorf("gateway connection response missing identifier")
	}
	return created.Identifier, nil
}

// GrantConnection gives the user READ permission on exactly one
// connection.
func (c *Client) GrantConnection(ctx context.Context, s *Session, username, connID string) error {
	patch := []map[string]string{{
		"op":    "add",
		"path":  "/connectionPermissions/" + connID,
		"value": "READ",
	}}
	return c.do(ctx, s, http.MethodPatch,
		"/api/session/data/"+s.DataSource+"/users/"+url.PathEscape(username)+"/permissions",
		patch, http.StatusNoContent, nil)
}

// DeleteConnection removes a connection. Missing is success.
func (c *Client) DeleteConnection(ctx context.Context, s *Session, connID string) error {
	err := c.do(ctx, s, http.MethodDelete,
		"/api/session/data/"+s.DataSource+"/connections/"+url.PathEscape(connID), nil, http.StatusNoContent, nil)
	if isGone(err) {
		return nil
	}
	return err
}

// DeleteUser removes a gateway account. Missing is success.
func (c *Client) DeleteUser(ctx context.Context, s *Session, username string) error {
	err := c.do(ctx, s, http.MethodDelete,
		"/api/session/data/"+s.DataSource+"/users/"+url.PathEscape(username), nil, http.StatusNoContent, nil)
	if isGone(err) {
		return nil
	}
	return err
}

// ConnectURL builds the client URL a browser follows to land directly
// in the lab's connection: the gateway encodes connection id, type and
// data source base64url in the fragment.
func (c *Client) ConnectURL(s *Session, connID string) string {
	id := base64.RawStdEncoding.EncodeToString([]byte(connID + "\x00c\x00" + s.DataSource))
	return c.baseURL + "/#/client/" + id + "?token=" + url.QueryEscape(s.Token)
}

// do runs one authenticated JSON round trip.
func (c *Client) do(ctx context.Context, s *Session, method, path string, body any, wantStatus int, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal gateway request: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path+"?token="+url.QueryEscape(s.Token), reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("gateway %s %s failed: %s", method, path, c.red.Error(err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != wantStatus && resp.StatusCode != http.StatusOK {
		return statusError(method+" "+path, resp)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("malformed gateway response for %s: %w", path, err)
		}
	}
	return nil
}

// gatewayStatusError carries the HTTP status for classification.
type gatewayStatusError struct {
	Op     string
	Status int
	Body   string
}

func (e *gatewayStatusError) Error() string {
	return fmt.Sprintf("gateway %s returned %d: %s", e.Op, e.Status, e.Body)
}

func statusError(op string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return &gatewayStatusError{Op: op, Status: resp.StatusCode, Body: strings.TrimSpace(string(body))}
}

func isGone(err error) bool {
	var se *gatewayStatusError
	return errors.As(err, &se) && se.Status == http.StatusNotFound
}
