// Package executor runs job subprocesses on behalf of the worker runtime
// (spec.md §4.6, §9: "a job is data + a command name resolved by the
// executor; the executor is a single interface"). It follows the same
// os/exec shape as the teacher's internal/platform/localmedia tools
// (exec.CommandContext + CombinedOutput-style capture), generalized to
// arbitrary command names/args and to the signal-then-force-kill grace
// handling spec.md §4.6/§5 require for timeouts and cancellation.
package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"syscall"
	"time"

	"github.com/fleetctl/coordinator/internal/pkg/logger"
)

// errSummaryMaxBytes bounds how much subprocess output is kept for
// error_summary on a non-zero exit. stdout and stderr share one buffer, so
// the tail holds both streams interleaved; the exit code is reported in
// ExitCode, not in the summary.
const errSummaryMaxBytes = 4096

// killGrace is how long a terminated subprocess is given to exit cleanly
// after SIGTERM before SIGKILL is escalated to (spec.md §4.6/§5).
const killGrace = 5 * time.Second

// Outcome is the terminal result of one subprocess run.
type Outcome struct {
	ExitCode     int
	LogRef       string
	ErrorSummary string
	TimedOut     bool
	Canceled     bool
}

// Resolver maps a command_name to the binary path and argv prefix the
// executor should invoke. Job bodies themselves are out of scope (spec.md
// §1); this only resolves the name, it never interprets the job's meaning.
type Resolver interface {
	Resolve(commandName string) (binary string, prefixArgs []string, err error)
}

// LogSink persists subprocess output somewhere durable and returns an
// opaque reference (log_ref). Archival to object storage is out of scope
// (spec.md §1); the engine only ever writes the reference it gets back.
type LogSink interface {
	Write(ctx context.Context, jobRunID string, attempt int, output []byte) (logRef string, err error)
}

// Executor runs one command to completion or until ctx/timeout/cancel.
type Executor interface {
	Run(ctx context.Context, jobRunID string, attempt int, commandName string, args json.RawMessage, timeout time.Duration) (Outcome, error)
}

type osExecutor struct {
	resolver Resolver
	sink     LogSink
	log      *logger.Logger
}

func New(resolver Resolver, sink LogSink, log *logger.Logger) Executor {
	return &osExecutor{resolver: resolver, sink: sink, log: log.With("component", "executor")}
}

// Run spawns commandName as an OS process, arms timeout, and drives it to
// one of the outcomes spec.md §4.6 enumerates: clean exit, non-zero exit,
// timeout (SIGTERM then SIGKILL after killGrace), or ctx cancellation
// (CancelJob), which is handled identically to a timeout from the process's
// point of view.
func (e *osExecutor) Run(ctx context.Context, jobRunID string, attempt int, commandName string, args json.RawMessage, timeout time.Duration) (Outcome, error) {
	binary, prefix, err := e.resolver.Resolve(commandName)
	if err != nil {
		return Outcome{}, fmt.Errorf("executor: resolve %q: %w", commandName, err)
	}

	argv := append(append([]string{}, prefix...), string(args))
	cmd := exec.Command(binary, argv...)
	var combined bytes.Buffer
	cmd.Stdout = &combined
	cmd.Stderr = &combined

	if err := cmd.Start(); err != nil {
		return Outcome{}, fmt.Errorf("executor: start %q: %w", commandName, err)
	}

	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	var timer *time.Timer
	var timerCh <-chan time.Time
	if timeout > 0 {
		timer = time.NewTimer(timeout)
		timerCh = timer.C
		defer timer.Stop()
	}

	outcome := Outcome{}
	select {
	case err := <-waitCh:
		outcome = classifyExit(cmd, combined.Bytes(), err)

	case <-timerCh:
		e.log.Warn("subprocess timed out, escalating to termination", "job_run_id", jobRunID, "command", commandName)
		outcome.TimedOut = true
		outcome.ExitCode = -1
		outcome.ErrorSummary = "timed out after " + timeout.String()
		terminateAndWait(cmd, waitCh, e.log)

	case <-ctx.Done():
		e.log.Warn("subprocess canceled", "job_run_id", jobRunID, "command", commandName, "error", ctx.Err())
		outcome.Canceled = true
		outcome.ExitCode = -1
		outcome.ErrorSummary = "canceled: " + ctx.Err().Error()
		terminateAndWait(cmd, waitCh, e.log)
	}

	if e.sink != nil {
		logRef, serr := e.sink.Write(context.Background(), jobRunID, attempt, combined.Bytes())
		if serr != nil {
			e.log.Warn("failed to persist subprocess output", "job_run_id", jobRunID, "error", serr)
		} else {
			outcome.LogRef = logRef
		}
	}
	return outcome, nil
}

// terminateAndWait sends SIGTERM, then escalates to SIGKILL after
// killGrace if the process has not already exited.
func terminateAndWait(cmd *exec.Cmd, waitCh <-chan error, log *logger.Logger) {
	if cmd.Process == nil {
		return
	}
	_ = cmd.Process.Signal(syscall.SIGTERM)
	select {
	case <-waitCh:
		return
	case <-time.After(killGrace):
		log.Warn("subprocess did not exit after SIGTERM grace, sending SIGKILL", "pid", cmd.Process.Pid)
		_ = cmd.Process.Kill()
		<-waitCh
	}
}

func classifyExit(cmd *exec.Cmd, output []byte, waitErr error) Outcome {
	if waitErr == nil {
		return Outcome{ExitCode: 0}
	}
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		return Outcome{ExitCode: exitErr.ExitCode(), ErrorSummary: tail(output, errSummaryMaxBytes)}
	}
	return Outcome{ExitCode: -1, ErrorSummary: waitErr.Error()}
}

func tail(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[len(b)-n:])
}
