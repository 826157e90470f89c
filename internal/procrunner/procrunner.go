// Package procrunner is a shared subprocess lifecycle helper used by the
// Build Engine (C4) and Flash Engine (C5). It is grounded on
// ImagesSvc.Build in the teacher (images.go): StdoutPipe/StderrPipe +
// Start + a returned wait function, plus the Setpgid attribute that lets
// the escalating-signal shutdown below reach the whole process group.
package procrunner

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/fleetimage/imageforge/ferrors"
)

// Result describes how a Run completed.
type Result struct {
	ExitCode int
	TimedOut bool
}

// Run executes name with args in dir, streaming combined stdout+stderr to
// out. If timeout is positive and exceeded, the process group is sent
// SIGTERM, then SIGKILL after gracePeriod if it hasn't exited (spec §4.4
// step 7: "terminate with escalating signals").
func Run(ctx context.Context, name string, args []string, dir string, env []string, out io.Writer, timeout, gracePeriod time.Duration) (Result, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	cmd.Env = env
	cmd.Stdout = out
	cmd.Stderr = out
	// Same Setpgid use as the teacher's ImagesSvc.Build: lets us signal the
	// whole process group on timeout rather than only the direct child.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	slog.InfoContext(ctx, "procrunner.Run", "cmd.Dir", cmd.Dir, "cmd", strings.Join(cmd.Args, " "))

	if err := cmd.Start(); err != nil {
		return Result{}, ferrors.Wrap(ferrors.CodeBuildFailed, err, "starting subprocess")
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	var timer *time.Timer
	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timer = time.NewTimer(timeout)
		timeoutCh = timer.C
		defer timer.Stop()
	}

	select {
	case err := <-done:
		return resultFromWaitErr(err), nil
	case <-timeoutCh:
		slog.WarnContext(ctx, "procrunner.Run timeout, sending SIGTERM", "cmd", name)
		signalGroup(cmd, syscall.SIGTERM)
		select {
		case err := <-done:
			_ = err
			return Result{ExitCode: -1, TimedOut: true}, nil
		case <-time.After(gracePeriod):
			slog.WarnContext(ctx, "procrunner.Run grace period expired, sending SIGKILL", "cmd", name)
			signalGroup(cmd, syscall.SIGKILL)
			<-done
			return Result{ExitCode: -1, TimedOut: true}, nil
		}
	}
}

func signalGroup(cmd *exec.Cmd, sig syscall.Signal) {
	if cmd.Process == nil {
		return
	}
	_ = syscall.Kill(-cmd.Process.Pid, sig)
}

func resultFromWaitErr(err error) Result {
	if err == nil {
		return Result{ExitCode: 0}
	}
	if ee, ok := err.(*exec.ExitError); ok {
		return Result{ExitCode: ee.ExitCode()}
	}
	return Result{ExitCode: -1}
}

// FormatArgs renders args for log lines in a single place so C4 and C5
// format subprocess invocations identically.
func FormatArgs(name string, args []string) string {
	return fmt.Sprintf("%s %s", name, strings.Join(args, " "))
}
