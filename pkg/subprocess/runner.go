package subprocess

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/octolab/octolab/pkg/log"
	"github.com/octolab/octolab/pkg/redact"
)

// ExecFunc builds the command for an invocation. Tests substitute it to
// fake subprocesses.
type ExecFunc func(ctx context.Context, name string, args ...string) *exec.Cmd

// Result captures one subprocess invocation.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
	TimedOut bool
	Duration time.Duration
}

// Runner invokes external commands with explicit argument vectors. There
// is no shell anywhere: arguments are passed verbatim to the kernel, and
// any argument containing the substring "prune" is refused outright.
type Runner struct {
	execFn ExecFunc
	logger zerolog.Logger
	red    *redact.Redactor
}

// NewRunner returns a Runner logging through the given redactor.
func NewRunner(red *redact.Redactor) *Runner {
	if red == nil {
		red = redact.New(0)
	}
	return &Runner{
		execFn: exec.CommandContext,
		logger: log.WithComponent("subprocess"),
		red:    red,
	}
}

// SetExec swaps the command constructor. For tests.
func (r *Runner) SetExec(fn ExecFunc) {
	r.execFn = fn
}

// Run executes name with args under the given timeout and returns the
// captured output. A non-zero exit returns the Result together with an
// error whose message carries the redacted stderr.
func (r *Runner) Run(ctx context.Context, timeout time.Duration, name string, args ...string) (Result, error) {
	for _, a := range append([]string{name}, args...) {
		if strings.Contains(a, "prune") {
			return Result{}, fmt.Errorf("refusing subprocess invocation containing %q: %s %s", "prune", name, strings.Join(args, " "))
		}
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var stdout, stderr bytes.Buffer
	cmd := r.execFn(ctx, name, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	res := Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	if ctx.Err() == context.DeadlineExceeded {
		res.TimedOut = true
		res.ExitCode = -1
		r.logRun(name, args, res)
		return res, fmt.Errorf("command %s timed out after %s", name, timeout)
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
		} else {
			res.ExitCode = -1
		}
		r.logRun(name, args, res)
		return res, fmt.Errorf("command %s failed: %s", name, r.red.String(firstNonEmpty(res.Stderr, err.Error())))
	}

	r.logRun(name, args, res)
	return res, nil
}

func (r *Runner) logRun(name string, args []string, res Result) {
	r.logger.Debug().
		Str("cmd", name).
		Str("args", r.red.String(strings.Join(args, " "))).
		Int("rc", res.ExitCode).
		Dur("duration", res.Duration).
		Bool("timed_out", res.TimedOut).
		Msg("subprocess finished")
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
