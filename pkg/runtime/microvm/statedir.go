package microvm

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/octolab/octolab/pkg/naming"
)

// File names inside a per-lab VM state directory.
const (
	fileSocket  = "firecracker.sock"
	fileVsock   = "vsock.sock"
	fileMetrics = "firecracker.metrics"
	fileStderr  = "stderr.log"
	fileBoot    = "boot.json"
	filePID     = "pid"
)

// StateDir is a per-lab directory under the operator-chosen state root
// holding the hypervisor control socket, the vsock endpoint, the
// metrics file, the live stderr log, the boot config, and the pid
// file. Construction validates containment; every accessor derives
// from the validated path.
type StateDir struct {
	path string
}

// NewStateDir validates that root/<labID> stays inside root and
// returns the handle. The directory is not created.
func NewStateDir(root, labID string) (*StateDir, error) {
	if err := naming.ValidateLabID(labID); err != nil {
		return nil, err
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve state root: %w", err)
	}
	path := filepath.Clean(filepath.Join(absRoot, labID))
	if path != absRoot && !strings.HasPrefix(path, absRoot+string(filepath.Separator)) {
		return nil, fmt.Errorf("state dir %q escapes root %q", path, absRoot)
	}
	if path == absRoot {
		return nil, fmt.Errorf("state dir %q equals root", path)
	}
	return &StateDir{path: path}, nil
}

// Create makes the directory, mode 0700.
func (s *StateDir) Create() error {
	if err := os.MkdirAll(s.path, 0o700); err != nil {
		return fmt.Errorf("failed to create state dir: %w", err)
	}
	return nil
}

// Remove deletes the directory tree. A missing directory is success.
func (s *StateDir) Remove() error {
	if err := os.RemoveAll(s.path); err != nil {
		return fmt.Errorf("failed to remove state dir: %w", err)
	}
	return nil
}

// Exists reports whether the directory is present.
func (s *StateDir) Exists() bool {
	info, err := os.Stat(s.path)
	return err == nil && info.IsDir()
}

func (s *StateDir) Path() string        { return s.path }
func (s *StateDir) SocketPath() string  { return filepath.Join(s.path, fileSocket) }
func (s *StateDir) VsockPath() string   { return filepath.Join(s.path, fileVsock) }
func (s *StateDir) MetricsPath() string { return filepath.Join(s.path, fileMetrics) }
func (s *StateDir) StderrPath() string  { return filepath.Join(s.path, fileStderr) }
func (s *StateDir) BootPath() string    { return filepath.Join(s.path, fileBoot) }
func (s *StateDir) PIDPath() string     { return filepath.Join(s.path, filePID) }

// WritePID records the hypervisor pid.
func (s *StateDir) WritePID(pid int) error {
	return os.WriteFile(s.PIDPath(), []byte(strconv.Itoa(pid)), 0o600)
}

// ReadPID returns the recorded pid, or 0 when the file is missing or
// malformed.
func (s *StateDir) ReadPID() int {
	data, err := os.ReadFile(s.PIDPath())
	if err != nil {
		return 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0
	}
	return pid
}
