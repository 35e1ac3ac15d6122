package sandbox_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/airshed-lv/bsrun/internal/sandbox"
	"github.com/airshed-lv/bsrun/internal/stage"
)

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "stage.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0755))
	return path
}

func TestRunCapturesOutput(t *testing.T) {
	script := writeScript(t, "echo out-line\necho err-line >&2\n")
	workdir := t.TempDir()

	res, err := sandbox.Run(context.Background(), sandbox.Request{
		Descriptor: stage.Descriptor{Name: "fuelbeds", Executable: script},
		Workdir:    workdir,
		RunRoot:    workdir,
	})
	require.NoError(t, err)

	require.Equal(t, 0, res.ExitCode)
	require.False(t, res.TimedOut)
	require.False(t, res.Aborted)
	require.Equal(t, "out-line\n", res.Stdout)
	require.Equal(t, "err-line\n", res.Stderr)

	// output is also teed to log files under the workdir
	logged, err := os.ReadFile(res.StdoutLog)
	require.NoError(t, err)
	require.Equal(t, "out-line\n", string(logged))
	logged, err = os.ReadFile(res.StderrLog)
	require.NoError(t, err)
	require.Equal(t, "err-line\n", string(logged))
}

func TestRunNonZeroExitIsNotAnError(t *testing.T) {
	script := writeScript(t, "exit 3\n")

	res, err := sandbox.Run(context.Background(), sandbox.Request{
		Descriptor: stage.Descriptor{Name: "emissions", Executable: script},
		Workdir:    t.TempDir(),
	})
	require.NoError(t, err)
	require.Equal(t, 3, res.ExitCode)
}

func TestRunParamsBecomeEnvironment(t *testing.T) {
	script := writeScript(t, `echo "$DISPERSION_NUM_HOURS"`+"\n")

	res, err := sandbox.Run(context.Background(), sandbox.Request{
		Descriptor: stage.Descriptor{Name: "dispersion", Executable: script},
		Params:     map[string]string{"DISPERSION_NUM_HOURS": "24"},
		Workdir:    t.TempDir(),
	})
	require.NoError(t, err)
	require.Equal(t, "24\n", res.Stdout)
}

func TestRunResolvesDeclaredOutputs(t *testing.T) {
	script := writeScript(t, "echo data > plume.json\n")
	workdir := t.TempDir()

	res, err := sandbox.Run(context.Background(), sandbox.Request{
		Descriptor: stage.Descriptor{
			Name:       "plumerise",
			Executable: script,
			Outputs:    []string{"plume.json"},
		},
		Workdir: workdir,
	})
	require.NoError(t, err)
	require.Equal(t, []string{filepath.Join(workdir, "plume.json")}, res.Outputs)
	require.FileExists(t, res.Outputs[0])
}

func TestRunTimeout(t *testing.T) {
	script := writeScript(t, "sleep 10\n")

	start := time.Now()
	res, err := sandbox.Run(context.Background(), sandbox.Request{
		Descriptor: stage.Descriptor{Name: "dispersion", Executable: script},
		Workdir:    t.TempDir(),
		Timeout:    200 * time.Millisecond,
		Grace:      time.Second,
	})
	require.NoError(t, err)

	require.True(t, res.TimedOut)
	require.False(t, res.Aborted)
	require.NotEqual(t, 0, res.ExitCode)
	require.Less(t, time.Since(start), 5*time.Second)
}

func TestRunAbort(t *testing.T) {
	script := writeScript(t, "sleep 10\n")

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(200 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	res, err := sandbox.Run(ctx, sandbox.Request{
		Descriptor: stage.Descriptor{Name: "dispersion", Executable: script},
		Workdir:    t.TempDir(),
		Grace:      time.Second,
	})
	require.NoError(t, err)

	require.True(t, res.Aborted)
	require.False(t, res.TimedOut)
	require.Less(t, time.Since(start), 5*time.Second)
}

func TestRunCancelledBeforeStartIsAborted(t *testing.T) {
	script := writeScript(t, "echo never\n")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := sandbox.Run(ctx, sandbox.Request{
		Descriptor: stage.Descriptor{Name: "dispersion", Executable: script},
		Workdir:    t.TempDir(),
	})
	require.NoError(t, err)

	require.True(t, res.Aborted)
	require.NotEqual(t, 0, res.ExitCode)
	require.Empty(t, res.Stdout)
}

func TestRunMissingExecutableIsSandboxError(t *testing.T) {
	_, err := sandbox.Run(context.Background(), sandbox.Request{
		Descriptor: stage.Descriptor{Name: "vsmoke", Executable: "/no/such/binary"},
		Workdir:    t.TempDir(),
	})
	require.Error(t, err)

	var sbErr *sandbox.Error
	require.True(t, errors.As(err, &sbErr))
	require.Equal(t, "vsmoke", sbErr.Stage)
}
