package evidence

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	containerTypes "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// helperImage is the utility image the extraction helper runs. Small,
// ships tar and stat.
const helperImage = "alpine:3.20"

// volumeMount is where the evidence volume appears inside the helper.
const volumeMount = "/vol"

// helperRemoveTimeout bounds the force-remove of a finished helper.
const helperRemoveTimeout = 30 * time.Second

// DockerClient is the slice of the Docker Engine API the evidence
// subsystem consumes. Tests substitute a fake.
type DockerClient interface {
	ContainerCreate(ctx context.Context, config *containerTypes.Config, hostConfig *containerTypes.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (containerTypes.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options containerTypes.StartOptions) error
	ContainerAttach(ctx context.Context, containerID string, options containerTypes.AttachOptions) (types.HijackedResponse, error)
	ContainerWait(ctx context.Context, containerID string, condition containerTypes.WaitCondition) (<-chan containerTypes.WaitResponse, <-chan error)
	ContainerRemove(ctx context.Context, containerID string, options containerTypes.RemoveOptions) error
	CopyToContainer(ctx context.Context, containerID, dstPath string, content io.Reader, options containerTypes.CopyToContainerOptions) error
	ImagePull(ctx context.Context, refStr string, options image.PullOptions) (io.ReadCloser, error)
	VolumeRemove(ctx context.Context, volumeID string, force bool) error
}

// extractor runs the locked-down helper container that streams a
// volume's contents out as tar.
type extractor struct {
	cli DockerClient
}

// helperHostConfig returns the hardened host config every helper runs
// with: no network, no capabilities, no privilege escalation.
func helperHostConfig(volume string, readOnly bool) *containerTypes.HostConfig {
	return &containerTypes.HostConfig{
		NetworkMode: "none",
		CapDrop:     []string{"ALL"},
		SecurityOpt: []string{"no-new-privileges:true"},
		Mounts: []mount.Mount{{
			Type:     mount.TypeVolume,
			Source:   volume,
			Target:   volumeMount,
			ReadOnly: readOnly,
		}},
	}
}

func (e *extractor) ensureImage(ctx context.Context) {
	rc, err := e.cli.ImagePull(ctx, helperImage, image.PullOptions{})
	if err != nil {
		return // create will fail with the real error if the image is absent
	}
	_, _ = io.Copy(io.Discard, rc)
	rc.Close()
}

// runHelper creates, attaches, starts and reaps one helper container,
// streaming its stdout into sink. Returns the exit code and captured
// stderr.
func (e *extractor) runHelper(ctx context.Context, volume string, readOnly bool, user string, cmd []string, sink io.Writer) (int, string, error) {
	e.ensureImage(ctx)

	created, err := e.cli.ContainerCreate(ctx, &containerTypes.Config{
		Image: helperImage,
		Cmd:   cmd,
		User:  user,
	}, helperHostConfig(volume, readOnly), nil, nil, "")
	if err != nil {
		return -1, "", fmt.Errorf("failed to create evidence helper: %w", err)
	}
	defer func() {
		rmCtx, cancel := context.WithTimeout(context.Background(), helperRemoveTimeout)
		defer cancel()
		_ = e.cli.ContainerRemove(rmCtx, created.ID, containerTypes.RemoveOptions{Force: true})
	}()

	attach, err := e.cli.ContainerAttach(ctx, created.ID, containerTypes.AttachOptions{
		Stream: true,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		return -1, "", fmt.Errorf("failed to attach to evidence helper: %w", err)
	}
	defer attach.Close()

	waitCh, waitErrCh := e.cli.ContainerWait(ctx, created.ID, containerTypes.WaitConditionNextExit)
	if err := e.cli.ContainerStart(ctx, created.ID, containerTypes.StartOptions{}); err != nil {
		return -1, "", fmt.Errorf("failed to start evidence helper: %w", err)
	}

	var stderr bytes.Buffer
	copyErrCh := make(chan error, 1)
	go func() {
		_, err := stdcopy.StdCopy(sink, &stderr, attach.Reader)
		copyErrCh <- err
	}()

	var exitCode int
	select {
	case res := <-waitCh:
		exitCode = int(res.StatusCode)
	case err := <-waitErrCh:
		return -1, stderr.String(), fmt.Errorf("failed to wait for evidence helper: %w", err)
	case <-ctx.Done():
		return -1, stderr.String(), ctx.Err()
	}

	if err := <-copyErrCh; err != nil && err != io.EOF {
		return exitCode, stderr.String(), fmt.Errorf("failed to read helper output: %w", err)
	}
	return exitCode, stderr.String(), nil
}

// ExtractVolume streams the volume through the helper's tar and
// safe-extracts it into dest. When the volume root is held by a
// non-root uid behind 0700 the helper is re-run as that uid.
func (e *extractor) ExtractVolume(ctx context.Context, volume, dest string, limits Limits) error {
	err := e.extractOnce(ctx, volume, dest, "", limits)
	if err == nil {
		return nil
	}
	if !strings.Contains(strings.ToLower(err.Error()), "permission denied") {
		return err
	}
	uid, uidErr := e.volumeOwnerUID(ctx, volume)
	if uidErr != nil || uid == "" || uid == "0" {
		return err
	}
	return e.extractOnce(ctx, volume, dest, uid, limits)
}

func (e *extractor) extractOnce(ctx context.Context, volume, dest, user string, limits Limits) error {
	pr, pw := io.Pipe()
	extractErrCh := make(chan error, 1)
	go func() {
		err := SafeExtract(pr, dest, limits)
		if err != nil {
			// Unblock the writer; the stream is untrusted garbage.
			pr.CloseWithError(err)
		} else {
			// Drain the archive's trailing padding.
			_, _ = io.Copy(io.Discard, pr)
		}
		extractErrCh <- err
	}()

	rc, stderr, err := e.runHelper(ctx, volume, true, user,
		[]string{"tar", "-cf", "-", "-C", volumeMount, "."}, pw)
	pw.CloseWithError(err)
	extractErr := <-extractErrCh

	if extractErr != nil {
		return extractErr
	}
	if err != nil {
		return err
	}
	if rc != 0 {
		return fmt.Errorf("evidence helper exited %d: %s", rc, strings.TrimSpace(stderr))
	}
	return nil
}

// volumeOwnerUID stats the volume root from inside the helper.
func (e *extractor) volumeOwnerUID(ctx context.Context, volume string) (string, error) {
	var out bytes.Buffer
	rc, stderr, err := e.runHelper(ctx, volume, true, "",
		[]string{"stat", "-c", "%u", volumeMount}, &out)
	if err != nil {
		return "", err
	}
	if rc != 0 {
		return "", fmt.Errorf("stat exited %d: %s", rc, strings.TrimSpace(stderr))
	}
	return strings.TrimSpace(out.String()), nil
}

// WriteFiles places files into the volume root through a created (never
// started) helper container, as one tar stream.
func (e *extractor) WriteFiles(ctx context.Context, volume string, files map[string][]byte) error {
	e.ensureImage(ctx)

	created, err := e.cli.ContainerCreate(ctx, &containerTypes.Config{
		Image: helperImage,
		Cmd:   []string{"true"},
	}, helperHostConfig(volume, false), nil, nil, "")
	if err != nil {
		return fmt.Errorf("failed to create evidence writer: %w", err)
	}
	defer func() {
		rmCtx, cancel := context.WithTimeout(context.Background(), helperRemoveTimeout)
		defer cancel()
		_ = e.cli.ContainerRemove(rmCtx, created.ID, containerTypes.RemoveOptions{Force: true})
	}()

	archive, err := tarFiles(files)
	if err != nil {
		return err
	}
	if err := e.cli.CopyToContainer(ctx, created.ID, volumeMount, bytes.NewReader(archive), containerTypes.CopyToContainerOptions{}); err != nil {
		return fmt.Errorf("failed to write into evidence volume: %w", err)
	}
	return nil
}

// tarFiles packs the given name -> content pairs into one tar archive,
// names sorted.
func tarFiles(files map[string][]byte) ([]byte, error) {
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	now := time.Now()
	for _, name := range names {
		hdr := &tar.Header{
			Name:    name,
			Mode:    0o600,
			Size:    int64(len(files[name])),
			ModTime: now,
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return nil, fmt.Errorf("failed to write tar header %q: %w", name, err)
		}
		if _, err := tw.Write(files[name]); err != nil {
			return nil, fmt.Errorf("failed to write tar entry %q: %w", name, err)
		}
	}
	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("failed to finish tar: %w", err)
	}
	return buf.Bytes(), nil
}
