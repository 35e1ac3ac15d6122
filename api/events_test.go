package api_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/airshed-lv/bsrun/api"
)

func TestTrimToRect(t *testing.T) {
	require.Equal(t, "", api.TrimToRect("", 10, 10))
	require.Equal(t, "short", api.TrimToRect("short", 10, 10))

	wide := strings.Repeat("x", 30)
	require.Equal(t, wide[:10]+"[...]", api.TrimToRect(wide, 10, 10))

	tall := strings.Repeat("line\n", 5)
	trimmed := api.TrimToRect(tall, 2, 10)
	require.Equal(t, "line\nline\n[...]", trimmed)
}

func TestTrimStageRunBoundsOutput(t *testing.T) {
	run := &api.StageRun{
		ExitCode: 1,
		Stdout:   strings.Repeat("a very long line of model output\n", 100),
		Stderr:   "err",
	}

	trimmed := api.TrimStageRun(run, api.MaxStageIOHeight, api.MaxStageIOWidth)
	require.LessOrEqual(t, len(strings.Split(trimmed.Stdout, "\n")), api.MaxStageIOHeight+1)
	require.Equal(t, "err", trimmed.Stderr)
	require.Equal(t, int64(1), trimmed.ExitCode)

	// the original is untouched
	require.Greater(t, len(strings.Split(run.Stdout, "\n")), api.MaxStageIOHeight)

	require.Nil(t, api.TrimStageRun(nil, 10, 10))
}
