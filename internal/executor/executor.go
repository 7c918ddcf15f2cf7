// Package executor invokes the external instance-management tool as a
// subprocess with a bounded timeout and uniform success/failure signaling.
// Every instance-affecting operation in fleetd routes through this package;
// no component assumes success without inspecting the result.
package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/google/shlex"
	"go.uber.org/zap"

	"github.com/rathamcloud/fleetd/internal/metrics"
)

// OK is returned when a command succeeds with no output.
const OK = "ok"

// ExecutionError reports a failed or timed-out tool invocation. Stderr
// carries the tool's error text (or a timeout message).
type ExecutionError struct {
	Command string
	Stderr  string
	Timeout bool
}

func (e *ExecutionError) Error() string {
	if e.Timeout {
		return e.Stderr
	}
	return fmt.Sprintf("command failed: %s", e.Stderr)
}

// Runner is the command-execution contract the rest of fleetd depends on.
// Implementations must substitute the tool's invocation token, enforce the
// timeout, and return trimmed stdout.
type Runner interface {
	Run(ctx context.Context, commandLine string) (string, error)
	RunTimeout(ctx context.Context, commandLine string, timeout time.Duration) (string, error)
}

// Executor runs commands against the external tool binary.
type Executor struct {
	toolPath string
	timeout  time.Duration
	log      *zap.Logger
}

// New creates an Executor. toolPath is the resolved binary that replaces
// the tool alias at the head of each command line.
func New(toolPath string, timeout time.Duration, log *zap.Logger) *Executor {
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &Executor{toolPath: toolPath, timeout: timeout, log: log}
}

// Run executes commandLine with the default timeout.
func (e *Executor) Run(ctx context.Context, commandLine string) (string, error) {
	return e.RunTimeout(ctx, commandLine, e.timeout)
}

// RunTimeout executes commandLine, waiting up to timeout. On non-zero exit
// it fails with an ExecutionError carrying the stderr text; on timeout it
// fails with an ExecutionError carrying a timeout message. The trimmed
// stdout (or OK when empty) is returned on zero exit.
func (e *Executor) RunTimeout(ctx context.Context, commandLine string, timeout time.Duration) (string, error) {
	argv, err := shlex.Split(commandLine)
	if err != nil {
		return "", &ExecutionError{Command: commandLine, Stderr: fmt.Sprintf("parse command: %v", err)}
	}
	if len(argv) == 0 {
		return "", &ExecutionError{Command: commandLine, Stderr: "empty command"}
	}
	// The leading token is the tool alias by convention; callers never
	// name the resolved binary directly.
	argv[0] = e.toolPath

	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(cctx, argv[0], argv[1:]...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err = cmd.Run()
	metrics.ObserveCommand(argv[1:], time.Since(start), err)

	if cctx.Err() == context.DeadlineExceeded {
		e.log.Error("command timed out", zap.String("command", commandLine), zap.Duration("timeout", timeout))
		return "", &ExecutionError{
			Command: commandLine,
			Stderr:  fmt.Sprintf("timed out after %d seconds", int(timeout.Seconds())),
			Timeout: true,
		}
	}
	if err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				msg = fmt.Sprintf("command failed with no error output (exit %d)", exitErr.ExitCode())
			} else {
				msg = err.Error()
			}
		}
		e.log.Error("command failed", zap.String("command", commandLine), zap.String("stderr", msg))
		return "", &ExecutionError{Command: commandLine, Stderr: msg}
	}

	out := strings.TrimSpace(stdout.String())
	if out == "" {
		return OK, nil
	}
	return out, nil
}
