package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"time"
)

// execSpec describes one child-process run.
type execSpec struct {
	Script  string
	Account string
	Timeout time.Duration
	LogCap  int
	Env     map[string]string
}

// execOutcome is what a finished child run reports back.
type execOutcome struct {
	ExitCode    *int
	Log         string
	TimedOut    bool
	Interrupted bool
	SpawnErr    error
}

// terminateWait is how long a terminate signal gets before force-kill.
const terminateWait = 5 * time.Second

// runScript executes spec's script under the given account and captures
// merged stdout+stderr up to the log cap. Context cancellation and the
// spec timeout both terminate the child (terminate first, then kill).
func runScript(ctx context.Context, spec execSpec) execOutcome {
	capture := newCaptureWriter(spec.LogCap)

	cmd := shellCommand(spec.Script)
	cmd.Stdout = capture
	cmd.Stderr = capture

	env := os.Environ()
	for k, v := range spec.Env {
		env = append(env, k+"="+v)
	}
	if err := applyAccount(cmd, spec.Account, &env); err != nil {
		return execOutcome{Log: capture.String(), SpawnErr: err}
	}
	cmd.Env = env

	if err := cmd.Start(); err != nil {
		return execOutcome{Log: capture.String(), SpawnErr: fmt.Errorf("spawn: %w", err)}
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	var timeoutC <-chan time.Time
	if spec.Timeout > 0 {
		timer := time.NewTimer(spec.Timeout)
		defer timer.Stop()
		timeoutC = timer.C
	}

	var out execOutcome
	select {
	case err := <-done:
		out.ExitCode = exitCodeOf(err)
	case <-timeoutC:
		out.TimedOut = true
		killAndReap(cmd, done)
	case <-ctx.Done():
		out.Interrupted = true
		killAndReap(cmd, done)
	}

	out.Log = capture.String()
	if out.TimedOut {
		out.Log += fmt.Sprintf("\n[timed out after %s]", spec.Timeout)
	}
	if out.Interrupted {
		out.Log += "\n[terminated by scheduler shutdown]"
	}
	return out
}

// killAndReap terminates the child's process group, waits briefly, then
// force-kills, and always reaps the Wait goroutine.
func killAndReap(cmd *exec.Cmd, done chan error) {
	terminate(cmd)
	select {
	case <-done:
		return
	case <-time.After(terminateWait):
	}
	kill(cmd)
	<-done
}

func exitCodeOf(err error) *int {
	code := 0
	if err != nil {
		var ee *exec.ExitError
		if !errors.As(err, &ee) {
			slog.Warn("script wait failed", "error", err)
			return nil
		}
		code = ee.ExitCode()
		if code < 0 {
			// Killed by signal before exiting.
			return nil
		}
	}
	return &code
}
