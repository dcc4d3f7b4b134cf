/*
Package subprocess invokes external commands with explicit argument vectors.

Every external tool the orchestrator touches — docker compose, the packet
filter, interface management, the hypervisor binary — goes through Runner.
There is no shell anywhere in the call path: argument vectors are handed to
the kernel verbatim, so names derived from lab ids can never be
reinterpreted.

# Guarantees

  - No shell interpolation, ever
  - Any argument containing the substring "prune" is refused before the
    command is built
  - Context deadline per invocation; a timed-out command is killed and
    reported with TimedOut=true
  - Stdout and stderr captured separately (classification of docker
    network errors needs stderr alone)
  - Error messages carry redacted stderr only
  - Invocations are logged at debug level with redacted arguments

# Usage

	runner := subprocess.NewRunner(redactor)

	res, err := runner.Run(ctx, settings.ComposeTimeout,
		"docker", "compose",
		"-p", project,
		"--project-directory", dir,
		"down", "--remove-orphans",
	)
	// res.ExitCode, res.Stdout, res.Stderr, res.TimedOut

Tests substitute the command constructor:

	runner.SetExec(func(ctx context.Context, name string, args ...string) *exec.Cmd {
		return exec.CommandContext(ctx, "true")
	})
*/
package subprocess
