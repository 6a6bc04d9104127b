// Package executor launches job commands as child processes through the OS
// shell, captures their output streams, and enforces per-run timeouts with
// cooperative cancellation.
package executor

import (
	"context"
	"errors"
	"log/slog"
	"os/exec"
	"time"
)

// maxCaptureBytes bounds each captured stream (16KB). Larger output is
// truncated with a marker rather than stored.
const maxCaptureBytes = 16 * 1024

// InterruptedMessage is recorded on runs cancelled by a graceful shutdown.
const InterruptedMessage = "Interrupted by shutdown"

// Request describes one command execution.
type Request struct {
	Command    string // opaque shell string, handed to sh -c / cmd /c
	WorkingDir string
	Timeout    time.Duration
}

// Result is the structured outcome of an execution.
type Result struct {
	ExitCode    int
	Stdout      string
	Stderr      string
	TimedOut    bool
	Interrupted bool // cancelled by shutdown, not by timeout
	Duration    time.Duration
}

// Success reports whether the command completed cleanly.
func (r Result) Success() bool {
	return r.ExitCode == 0 && !r.TimedOut && !r.Interrupted
}

// Executor runs commands. The zero value is not usable; use New.
type Executor struct {
	logger *slog.Logger
}

func New(logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{logger: logger.With("component", "executor")}
}

// Execute spawns the command through the OS shell and waits for it to
// finish, bounded by the request timeout and the caller's context. On
// timeout the whole child process tree is killed and the result carries
// TimedOut. On context cancellation (graceful shutdown) the tree is killed
// and the result carries Interrupted with exit code -1.
//
// Spawn failures are not errors at this level: they come back as a result
// with exit code -1 and the failure text in stderr, so the caller records
// them as a failed run.
func (e *Executor) Execute(ctx context.Context, req Request) Result {
	start := time.Now()

	cmd := shellCommand(req.Command, req.WorkingDir)
	stdout := newCappedBuffer(maxCaptureBytes)
	stderr := newCappedBuffer(maxCaptureBytes)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		e.logger.Warn("spawn failed", "command", req.Command, "error", err)
		return Result{
			ExitCode: -1,
			Stderr:   "failed to start command: " + err.Error(),
			Duration: time.Since(start),
		}
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	// os/exec drains Stdout/Stderr writers itself; Wait returns once the
	// process exits and the copies finish (killing the tree closes them).
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	var (
		waitErr     error
		timedOut    bool
		interrupted bool
	)
	select {
	case waitErr = <-done:
	case <-timer.C:
		timedOut = true
		killTree(cmd)
		waitErr = <-done
	case <-ctx.Done():
		interrupted = true
		killTree(cmd)
		waitErr = <-done
	}

	res := Result{
		Stdout:      stdout.String(),
		Stderr:      stderr.String(),
		TimedOut:    timedOut,
		Interrupted: interrupted,
		Duration:    time.Since(start),
	}

	switch {
	case interrupted:
		res.ExitCode = -1
		res.Stderr = InterruptedMessage
	case waitErr == nil:
		res.ExitCode = 0
	default:
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) && exitErr.ExitCode() >= 0 {
			res.ExitCode = exitErr.ExitCode()
		} else {
			// Killed before exiting, or no usable status.
			res.ExitCode = -1
		}
	}
	if timedOut && res.ExitCode == 0 {
		res.ExitCode = -1
	}

	return res
}

// cappedBuffer captures up to max bytes and marks truncation. Extra writes
// are counted but discarded so a chatty child never blocks or bloats the
// store.
type cappedBuffer struct {
	buf       []byte
	max       int
	truncated bool
}

func newCappedBuffer(max int) *cappedBuffer {
	return &cappedBuffer{max: max}
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	if room := b.max - len(b.buf); room > 0 {
		if len(p) <= room {
			b.buf = append(b.buf, p...)
		} else {
			b.buf = append(b.buf, p[:room]...)
			b.truncated = true
		}
	} else if len(p) > 0 {
		b.truncated = true
	}
	return len(p), nil
}

func (b *cappedBuffer) String() string {
	if b.truncated {
		return string(b.buf) + "...[truncated]"
	}
	return string(b.buf)
}
