package microvm

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"encoding/base64"
	"fmt"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/octolab/octolab/pkg/config"
	"github.com/octolab/octolab/pkg/types"
)

// guestComposeFile is the stack uploaded into the guest: the desktop
// (public image; no local build context is reachable inside the VM)
// plus the optional target. The guest has no evidence volumes; the
// authoritative capture happens host-side.
type guestComposeFile struct {
	Services map[string]guestService `yaml:"services"`
}

type guestService struct {
	Image       string   `yaml:"image"`
	Environment []string `yaml:"environment,omitempty"`
	Ports       []string `yaml:"ports,omitempty"`
	Restart     string   `yaml:"restart,omitempty"`
}

// buildGuestBundle produces the base64-encoded tar.gz of
// docker-compose.yml and .env that upload_project ships into the
// guest.
func buildGuestBundle(lab *types.Lab, recipe *types.Recipe, vncPassword string) (string, error) {
	cf := guestComposeFile{
		Services: map[string]guestService{
			"desktop": {
				Image: recipe.Image,
				Environment: []string{
					"LAB_ID=" + lab.ID,
					"VNC_PW=${VNC_PW}",
				},
				Ports: []string{
					"0.0.0.0:" + strconv.Itoa(config.GuestVNCPort) + ":" + strconv.Itoa(config.GuestVNCPort),
				},
				Restart: "unless-stopped",
			},
		},
	}
	if recipe.TargetImage != "" {
		cf.Services["target"] = guestService{
			Image:   recipe.TargetImage,
			Restart: "unless-stopped",
		}
	}

	composeYAML, err := yaml.Marshal(&cf)
	if err != nil {
		return "", fmt.Errorf("failed to marshal guest compose file: %w", err)
	}
	env := []byte("VNC_PW=" + vncPassword + "\n")

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	now := time.Now()

	for _, f := range []struct {
		name string
		data []byte
	}{
		{"docker-compose.yml", composeYAML},
		{".env", env},
	} {
		hdr := &tar.Header{
			Name:    f.name,
			Mode:    0o600,
			Size:    int64(len(f.data)),
			ModTime: now,
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return "", fmt.Errorf("failed to write bundle header: %w", err)
		}
		if _, err := tw.Write(f.data); err != nil {
			return "", fmt.Errorf("failed to write bundle entry: %w", err)
		}
	}
	if err := tw.Close(); err != nil {
		return "", fmt.Errorf("failed to finish bundle tar: %w", err)
	}
	if err := gz.Close(); err != nil {
		return "", fmt.Errorf("failed to finish bundle gzip: %w", err)
	}

	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}
