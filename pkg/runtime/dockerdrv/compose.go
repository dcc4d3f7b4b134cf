package dockerdrv

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/octolab/octolab/pkg/naming"
	"github.com/octolab/octolab/pkg/subprocess"
	"github.com/octolab/octolab/pkg/types"
)

// DesktopWebPort is the fixed in-container port of the desktop's web
// endpoint. The allocated host port forwards to it.
const DesktopWebPort = 6901

// captureImage runs the in-project traffic capture sidecar. It shares
// the desktop's network namespace and writes rotating pcaps into the
// pcap volume.
const captureImage = "nicolaka/netshoot:latest"

// Compose service names.
const (
	serviceDesktop = "desktop"
	serviceTarget  = "target"
	serviceCapture = "capture"
)

type composeFile struct {
	Services map[string]composeService `yaml:"services"`
	Networks map[string]composeNetwork `yaml:"networks"`
	Volumes  map[string]composeVolume  `yaml:"volumes"`
}

type composeService struct {
	Image         string              `yaml:"image"`
	ContainerName string              `yaml:"container_name,omitempty"`
	Environment   []string            `yaml:"environment,omitempty"`
	Ports         []string            `yaml:"ports,omitempty"`
	Networks      []string            `yaml:"networks,omitempty"`
	NetworkMode   string              `yaml:"network_mode,omitempty"`
	Volumes       []string            `yaml:"volumes,omitempty"`
	Command       []string            `yaml:"command,omitempty"`
	DependsOn     []string            `yaml:"depends_on,omitempty"`
	Restart       string              `yaml:"restart,omitempty"`
	Healthcheck   *composeHealthcheck `yaml:"healthcheck,omitempty"`
}

type composeHealthcheck struct {
	Test     []string `yaml:"test"`
	Interval string   `yaml:"interval"`
	Timeout  string   `yaml:"timeout"`
	Retries  int      `yaml:"retries"`
}

type composeNetwork struct {
	Name     string `yaml:"name"`
	Internal bool   `yaml:"internal,omitempty"`
}

type composeVolume struct {
	Name string `yaml:"name"`
}

// desktopContainerName returns the compose-v2 name of the desktop
// container. It is pinned in the compose file so the gateway has a
// stable DNS name on the per-lab network.
func desktopContainerName(project string) string {
	return project + "-" + serviceDesktop + "-1"
}

// buildComposeFile assembles the per-lab stack. The desktop mounts only
// the user volume; the auth volume is never declared for any in-lab
// service, which is what keeps it tamper-evident.
func buildComposeFile(lab *types.Lab, recipe *types.Recipe, bindHost string, port int, authMode string, gatewayEnabled bool) *composeFile {
	project := naming.Project(lab.ID)

	desktop := composeService{
		Image:         recipe.Image,
		ContainerName: desktopContainerName(project),
		Environment: []string{
			"LAB_ID=" + lab.ID,
			"VNC_PW=${VNC_PW}",
			"VNC_AUTH=" + authMode,
			"GATEWAY_ENABLED=" + strconv.FormatBool(gatewayEnabled),
		},
		Ports: []string{
			fmt.Sprintf("%s:%d:%d", bindHost, port, DesktopWebPort),
		},
		Networks: []string{"lab_net", "egress_net"},
		Volumes:  []string{"evidence_user:/evidence"},
		Restart:  "unless-stopped",
		Healthcheck: &composeHealthcheck{
			Test:     []string{"CMD-SHELL", fmt.Sprintf("curl -fsS http://localhost:%d/ || exit 1", DesktopWebPort)},
			Interval: "5s",
			Timeout:  "3s",
			Retries:  12,
		},
	}

	capture := composeService{
		Image:       captureImage,
		NetworkMode: "service:" + serviceDesktop,
		Volumes:     []string{"lab_pcap:/pcap"},
		Command:     []string{"tcpdump", "-i", "any", "-U", "-w", "/pcap/lab.pcap"},
		DependsOn:   []string{serviceDesktop},
		Restart:     "unless-stopped",
	}

	cf := &composeFile{
		Services: map[string]composeService{
			serviceDesktop: desktop,
			serviceCapture: capture,
		},
		Networks: map[string]composeNetwork{
			"lab_net":    {Name: naming.LabNet(lab.ID), Internal: true},
			"egress_net": {Name: naming.EgressNet(lab.ID)},
		},
		Volumes: map[string]composeVolume{
			"evidence_user": {Name: naming.UserVolume(lab.ID)},
			"evidence_auth": {Name: naming.AuthVolume(lab.ID)},
			"lab_pcap":      {Name: naming.PcapVolume(lab.ID)},
		},
	}

	if recipe.TargetImage != "" {
		cf.Services[serviceTarget] = composeService{
			Image:    recipe.TargetImage,
			Networks: []string{"lab_net"},
			Restart:  "unless-stopped",
		}
	}

	return cf
}

// writeProject materializes the compose file and its .env in the
// per-lab project directory and returns the directory path.
func (d *Driver) writeProject(lab *types.Lab, recipe *types.Recipe, port int, vncPassword string) (string, error) {
	project := naming.Project(lab.ID)
	dir := filepath.Join(d.projectRoot, project)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("failed to create project dir: %w", err)
	}

	cf := buildComposeFile(lab, recipe, d.settings.VNCBindHost, port, d.settings.VNCAuthMode, d.settings.GatewayEnabled)
	data, err := yaml.Marshal(cf)
	if err != nil {
		return "", fmt.Errorf("failed to marshal compose file: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "docker-compose.yml"), data, 0o600); err != nil {
		return "", fmt.Errorf("failed to write compose file: %w", err)
	}

	env := "VNC_PW=" + vncPassword + "\n"
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte(env), 0o600); err != nil {
		return "", fmt.Errorf("failed to write .env: %w", err)
	}
	return dir, nil
}

// removeProjectDir drops the on-disk project directory. Best effort.
func (d *Driver) removeProjectDir(labID string) {
	dir := filepath.Join(d.projectRoot, naming.Project(labID))
	if err := os.RemoveAll(dir); err != nil {
		d.logger.Warn().Str("dir", dir).Err(err).Msg("failed to remove project dir")
	}
}

// composeUp starts the project. Compose always receives the explicit
// project name and project directory so its behavior cannot depend on
// the working directory.
func (d *Driver) composeUp(ctx context.Context, project, dir string) (subprocess.Result, error) {
	if err := naming.ValidateProject(project); err != nil {
		return subprocess.Result{}, err
	}
	return d.runner.Run(ctx, d.settings.ComposeTimeout,
		"docker", "compose", "-p", project, "--project-directory", dir, "up", "-d")
}

// composeDown stops and removes the project with orphan removal. The
// exit code is reported, not acted on; teardown verifies by
// re-enumeration.
func (d *Driver) composeDown(ctx context.Context, project, dir string) subprocess.Result {
	if err := naming.ValidateProject(project); err != nil {
		return subprocess.Result{ExitCode: -1, Stderr: err.Error()}
	}
	res, _ := d.runner.Run(ctx, d.settings.ComposeTimeout,
		"docker", "compose", "-p", project, "--project-directory", dir, "down", "--remove-orphans")
	return res
}

// composeRm force-removes the project's containers, volumes included.
// Used by the IN_USE retry when lab containers still hold a network.
func (d *Driver) composeRm(ctx context.Context, project, dir string) subprocess.Result {
	if err := naming.ValidateProject(project); err != nil {
		return subprocess.Result{ExitCode: -1, Stderr: err.Error()}
	}
	res, _ := d.runner.Run(ctx, d.settings.ComposeTimeout,
		"docker", "compose", "-p", project, "--project-directory", dir, "rm", "-sfv")
	return res
}

// projectDir returns the on-disk project directory for the lab. The
// directory may no longer exist after a crash; compose down still works
// against a missing directory as long as -p is passed.
func (d *Driver) projectDir(labID string) string {
	return filepath.Join(d.projectRoot, naming.Project(labID))
}
