package microvm

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/octolab/octolab/pkg/config"
	"github.com/octolab/octolab/pkg/log"
)

// stateDirPlaceholder stands in for the real ephemeral path in all
// smoke output.
const stateDirPlaceholder = "<state-dir>"

// tailBytes bounds every captured file tail in the debug record.
const tailBytes = 2048

// startupGrace is how long the hypervisor must survive before the
// smoke run counts it as alive.
const startupGrace = 2 * time.Second

// SmokeOptions tune a smoke run.
type SmokeOptions struct {
	Timeout       time.Duration // total budget for the boot
	KeepOnSuccess bool          // preserve the state dir even when ok
}

// SmokeDebug carries the forensic material of a smoke run. Paths are
// rewritten to a placeholder before they land here.
type SmokeDebug struct {
	StderrTail     string `json:"stderr_tail"`
	LogTail        string `json:"log_tail"`
	ConfigExcerpt  string `json:"config_excerpt"`
	TempDirExcerpt string `json:"temp_dir_redacted"`
	FirecrackerRC  int    `json:"firecracker_rc"` // -1 when the exit code was not observed
}

// SmokeResult is the structured outcome of a smoke run.
type SmokeResult struct {
	OK      bool                     `json:"ok"`
	Timings map[string]time.Duration `json:"timings"`
	Notes   []string                 `json:"notes"`
	Debug   SmokeDebug               `json:"debug"`
}

// SmokeRunner boots a throwaway VM without networking to verify the
// hypervisor, kernel and rootfs are usable on this host.
type SmokeRunner struct {
	settings *config.Settings
	hv       *hypervisor
	logger   zerolog.Logger
}

// NewSmokeRunner creates a smoke runner against the configured
// hypervisor binary and images.
func NewSmokeRunner(settings *config.Settings) *SmokeRunner {
	return &SmokeRunner{
		settings: settings,
		hv:       &hypervisor{bin: settings.FCBin, kernel: settings.FCKernel, rootfs: settings.FCRootfs},
		logger:   log.WithComponent("smoke"),
	}
}

// Run executes one smoke boot. The state directory lives under a
// temp root and is removed on success unless opts.KeepOnSuccess is
// set; on failure it is always preserved for offline inspection, and
// its real path is logged (never embedded in the result).
func (s *SmokeRunner) Run(ctx context.Context, opts SmokeOptions) *SmokeResult {
	res := &SmokeResult{Timings: map[string]time.Duration{}, Debug: SmokeDebug{FirecrackerRC: -1}}
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	pre := preflight(s.settings.FCBin, s.settings.FCKernel, s.settings.FCRootfs)
	res.Notes = append(res.Notes, pre.Warnings...)
	if pre.Err != nil {
		res.Notes = append(res.Notes, "preflight: "+pre.Err.Error())
		return res
	}

	tmp, err := os.MkdirTemp("", "octolab-smoke-")
	if err != nil {
		res.Notes = append(res.Notes, "temp dir: "+err.Error())
		return res
	}
	sd, err := NewStateDir(tmp, uuid.NewString())
	if err != nil {
		res.Notes = append(res.Notes, "state dir: "+err.Error())
		return res
	}
	if err := sd.Create(); err != nil {
		res.Notes = append(res.Notes, "state dir: "+err.Error())
		return res
	}

	keep := func(why string) {
		res.Notes = append(res.Notes, why)
		s.collectDebug(sd, res)
		s.logger.Warn().Str("state_dir", sd.Path()).Msg("smoke run preserved state dir for inspection")
	}

	start := time.Now()
	if err := s.hv.writeBootConfig(sd, ""); err != nil {
		keep("boot config: " + err.Error())
		return res
	}
	pid, err := s.hv.Start(ctx, sd)
	if err != nil {
		keep("hypervisor start: " + err.Error())
		return res
	}
	s.logger.Debug().Int("pid", pid).Str("state_dir", sd.Path()).Msg("smoke hypervisor started")
	res.Timings["start"] = time.Since(start)

	// The process must outlive the startup grace period.
	select {
	case <-ctx.Done():
		keep("cancelled during startup grace")
		s.stop(sd)
		return res
	case <-time.After(startupGrace):
	}
	if !s.hv.Alive(sd) {
		keep("hypervisor exited during startup grace")
		return res
	}
	res.Timings["alive_after_grace"] = time.Since(start)

	// The metrics file appearing means the VMM reached steady state.
	if err := s.waitForMetrics(ctx, sd); err != nil {
		keep("metrics file: " + err.Error())
		s.stop(sd)
		return res
	}
	res.Timings["metrics"] = time.Since(start)

	res.OK = true
	res.Notes = append(res.Notes, "boot ok")
	s.stop(sd)
	s.collectDebug(sd, res)

	if opts.KeepOnSuccess {
		s.logger.Info().Str("state_dir", sd.Path()).Msg("smoke run kept state dir")
	} else if err := os.RemoveAll(tmp); err != nil {
		res.Notes = append(res.Notes, "cleanup: "+err.Error())
	}
	return res
}

func (s *SmokeRunner) stop(sd *StateDir) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = s.hv.Stop(ctx, sd, stopGrace)
}

// waitForMetrics polls for the metrics file until the context closes.
func (s *SmokeRunner) waitForMetrics(ctx context.Context, sd *StateDir) error {
	for {
		if fi, err := os.Stat(sd.MetricsPath()); err == nil && fi.Size() >= 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("did not appear before timeout")
		case <-time.After(200 * time.Millisecond):
		}
	}
}

// collectDebug fills the debug record from the state dir, rewriting
// the real path to the placeholder everywhere.
func (s *SmokeRunner) collectDebug(sd *StateDir, res *SmokeResult) {
	scrub := func(v string) string {
		return strings.ReplaceAll(v, sd.Path(), stateDirPlaceholder)
	}
	res.Debug.StderrTail = scrub(fileTail(sd.StderrPath()))
	res.Debug.LogTail = scrub(fileTail(sd.MetricsPath()))
	res.Debug.ConfigExcerpt = scrub(fileTail(sd.BootPath()))
	res.Debug.TempDirExcerpt = stateDirPlaceholder
}

// fileTail reads up to the last tailBytes of a file.
func fileTail(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	if len(data) > tailBytes {
		data = data[len(data)-tailBytes:]
	}
	return string(data)
}

// RenderJSON serializes the result for the CLI.
func (r *SmokeResult) RenderJSON() (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
