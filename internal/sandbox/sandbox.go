// Package sandbox launches one external stage executable inside an isolated
// working directory with a controlled environment, captures its output, and
// enforces wall-clock timeouts with a graceful kill path.
package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	"github.com/airshed-lv/bsrun/internal/stage"
)

// DefaultGrace is how long a terminated stage gets between SIGTERM and
// SIGKILL when the run spec does not say otherwise.
const DefaultGrace = 5 * time.Second

// Error is an infrastructure-level failure: the executable is missing, the
// working directory cannot be created, and the like. Non-zero stage exits are
// never an Error; they are data in Result.
type Error struct {
	Stage string
	Op    string
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("sandbox %s (stage %s): %v", e.Op, e.Stage, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Result records one stage attempt. It is created here and aggregated by the
// orchestrator.
type Result struct {
	Stage    string
	ExitCode int
	// Signal that terminated the process, if any.
	Signal *int

	TimedOut bool
	Aborted  bool

	Stdout string
	Stderr string

	StartedAt time.Time
	Duration  time.Duration

	// Declared output files, resolved against the workdir.
	Outputs []string

	StdoutLog string
	StderrLog string
}

// Request describes one stage invocation.
type Request struct {
	Descriptor stage.Descriptor
	// Params become environment variables of the stage process.
	Params  map[string]string
	Workdir string
	// RunRoot is exported to the stage as BSRUN_RUN_ROOT so executables can
	// locate staged inputs.
	RunRoot string
	Timeout time.Duration
	Grace   time.Duration
}

// Run invokes the stage executable and waits for it to finish. The context
// cancels the process (SIGTERM, then SIGKILL after the grace period); a
// request timeout does the same and marks the result TimedOut.
func Run(ctx context.Context, req Request) (*Result, error) {
	desc := req.Descriptor

	if err := os.MkdirAll(req.Workdir, 0755); err != nil {
		return nil, &Error{Stage: desc.Name, Op: "workdir", Err: err}
	}
	logDir := filepath.Join(req.Workdir, "logs")
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, &Error{Stage: desc.Name, Op: "logdir", Err: err}
	}

	res := &Result{
		Stage:     desc.Name,
		StdoutLog: filepath.Join(logDir, desc.Name+".stdout.log"),
		StderrLog: filepath.Join(logDir, desc.Name+".stderr.log"),
	}
	for _, out := range desc.Outputs {
		res.Outputs = append(res.Outputs, filepath.Join(req.Workdir, out))
	}

	stdoutFile, err := os.Create(res.StdoutLog)
	if err != nil {
		return nil, &Error{Stage: desc.Name, Op: "stdout log", Err: err}
	}
	defer stdoutFile.Close()
	stderrFile, err := os.Create(res.StderrLog)
	if err != nil {
		return nil, &Error{Stage: desc.Name, Op: "stderr log", Err: err}
	}
	defer stderrFile.Close()

	runCtx := ctx
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	grace := req.Grace
	if grace <= 0 {
		grace = DefaultGrace
	}

	cmd := exec.CommandContext(runCtx, desc.Executable, desc.Args...)
	cmd.Dir = req.Workdir
	cmd.Env = buildEnv(req)
	cmd.Cancel = func() error {
		slog.Warn("terminating stage process", "stage", desc.Name, "pid", cmd.Process.Pid)
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = grace

	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = io.MultiWriter(&stdoutBuf, stdoutFile)
	cmd.Stderr = io.MultiWriter(&stderrBuf, stderrFile)

	res.StartedAt = time.Now()
	runErr := cmd.Run()
	res.Duration = time.Since(res.StartedAt)
	res.Stdout = stdoutBuf.String()
	res.Stderr = stderrBuf.String()

	res.TimedOut = req.Timeout > 0 && errors.Is(runCtx.Err(), context.DeadlineExceeded)
	res.Aborted = errors.Is(ctx.Err(), context.Canceled)

	if runErr == nil {
		res.ExitCode = 0
		return res, nil
	}

	var exitErr *exec.ExitError
	switch {
	case errors.As(runErr, &exitErr):
		res.ExitCode = exitErr.ExitCode()
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			sig := int(ws.Signal())
			res.Signal = &sig
		}
		return res, nil
	case errors.Is(runErr, exec.ErrWaitDelay):
		// the process outlived SIGTERM and was force-killed
		res.ExitCode = -1
		return res, nil
	case res.Aborted || res.TimedOut:
		// cancellation landed before the process started
		res.ExitCode = -1
		return res, nil
	default:
		return nil, &Error{Stage: desc.Name, Op: "exec", Err: runErr}
	}
}

func buildEnv(req Request) []string {
	env := os.Environ()
	env = append(env, "BSRUN_RUN_ROOT="+req.RunRoot)
	keys := make([]string, 0, len(req.Params))
	for k := range req.Params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+req.Params[k])
	}
	return env
}
