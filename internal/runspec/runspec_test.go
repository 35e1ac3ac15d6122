package runspec_test

import (
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/airshed-lv/bsrun/api"
	"github.com/airshed-lv/bsrun/internal/runspec"
	"github.com/airshed-lv/bsrun/internal/stage"
)

func testRegistry(t *testing.T) *stage.Registry {
	t.Helper()
	reg, err := stage.NewRegistry([]stage.Descriptor{
		{Name: "fuelbeds", Executable: "/bin/true"},
		{Name: "emissions", Executable: "/bin/true"},
		{Name: "dispersion", Executable: "/bin/true", TimeoutSec: 7200},
	})
	require.NoError(t, err)
	return reg
}

func TestParseValidSpec(t *testing.T) {
	root := filepath.Join(t.TempDir(), "run")
	spec := fmt.Sprintf(`
run_id = "pnw-2019-07-26"
start = "2019-07-26T00:00:00Z"
num_hours = 24
run_root = %q
grace_sec = 3

[[inputs]]
content = '{"fires": []}'
dest = "fires.json"

[[stages]]
name = "fuelbeds"
retries = 2
backoff_sec = 10

[stages.params]
FUELBEDS_FCCS_VERSION = "2"

[[stages]]
name = "emissions"
best_effort = true

[[stages]]
name = "dispersion"
timeout_sec = 3600
`, root)

	cfg, err := runspec.Parse([]byte(spec), testRegistry(t))
	require.NoError(t, err)
	defer cfg.Release()

	require.Equal(t, "pnw-2019-07-26", cfg.RunID)
	require.Equal(t, time.Date(2019, 7, 26, 0, 0, 0, 0, time.UTC), cfg.Start)
	require.Equal(t, 24, cfg.NumHours)
	require.Equal(t, 3*time.Second, cfg.Grace)

	require.Len(t, cfg.Stages, 3)
	require.Equal(t, 2, cfg.Stages[0].Retries)
	require.Equal(t, 10*time.Second, cfg.Stages[0].Backoff)
	require.Equal(t, "2", cfg.Stages[0].Params["FUELBEDS_FCCS_VERSION"])
	require.True(t, cfg.Stages[1].BestEffort)
	require.Equal(t, time.Hour, cfg.Stages[2].Timeout)

	require.Len(t, cfg.Inputs, 1)
	require.Equal(t, "fires.json", cfg.Inputs[0].Dest)
}

func TestParseGeneratesRunID(t *testing.T) {
	spec := fmt.Sprintf(`
start = "2019-07-26T00:00:00Z"
num_hours = 24
run_root = %q

[[stages]]
name = "fuelbeds"
`, filepath.Join(t.TempDir(), "run"))

	cfg, err := runspec.Parse([]byte(spec), testRegistry(t))
	require.NoError(t, err)
	defer cfg.Release()
	require.NotEmpty(t, cfg.RunID)
}

func TestParseCollectsEveryFieldError(t *testing.T) {
	spec := `
num_hours = 0

[[stages]]
name = "plumerise"

[[stages]]
name = "fuelbeds"
retries = -1
`
	cfg, err := runspec.Parse([]byte(spec), testRegistry(t))
	require.Nil(t, cfg)
	require.Error(t, err)

	var invalid *runspec.InvalidConfigError
	require.True(t, errors.As(err, &invalid))

	joined := err.Error()
	require.Contains(t, joined, "start: required")
	require.Contains(t, joined, "num_hours")
	require.Contains(t, joined, "run_root: required")
	require.Contains(t, joined, `unknown stage "plumerise"`)
	require.Contains(t, joined, "retries")
}

func TestParseRejectsDuplicateStages(t *testing.T) {
	spec := fmt.Sprintf(`
start = "2019-07-26T00:00:00Z"
num_hours = 24
run_root = %q

[[stages]]
name = "fuelbeds"

[[stages]]
name = "fuelbeds"
`, filepath.Join(t.TempDir(), "run"))

	_, err := runspec.Parse([]byte(spec), testRegistry(t))
	require.Error(t, err)
	require.Contains(t, err.Error(), "duplicate")
}

func TestParseRejectsDownloadInputWithoutSha(t *testing.T) {
	spec := fmt.Sprintf(`
start = "2019-07-26T00:00:00Z"
num_hours = 24
run_root = %q

[[inputs]]
url = "https://example.com/met.arl"
dest = "met.arl"

[[stages]]
name = "fuelbeds"
`, filepath.Join(t.TempDir(), "run"))

	_, err := runspec.Parse([]byte(spec), testRegistry(t))
	require.Error(t, err)
	require.Contains(t, err.Error(), "sha256")
}

func strPtr(s string) *string { return &s }

func TestFromRequestValid(t *testing.T) {
	root := filepath.Join(t.TempDir(), "run")
	req := &api.RunReq{
		RunUuid:  "queued-2019-07-26",
		Start:    "2019-07-26T00:00:00Z",
		NumHours: 24,
		RunRoot:  root,
		Stages: []api.ReqStage{
			{
				Name:       "fuelbeds",
				Params:     map[string]string{"FUELBEDS_FCCS_VERSION": "2"},
				Retries:    2,
				BackoffSec: 10,
			},
			{Name: "dispersion", TimeoutSec: 3600},
		},
		Inputs: []api.ReqInput{
			{Content: strPtr(`{"fires": []}`), Dest: "fires.json"},
		},
	}

	cfg, err := runspec.FromRequest(req, testRegistry(t))
	require.NoError(t, err)
	defer cfg.Release()

	require.Equal(t, "queued-2019-07-26", cfg.RunID)
	require.Equal(t, time.Date(2019, 7, 26, 0, 0, 0, 0, time.UTC), cfg.Start)
	require.Len(t, cfg.Stages, 2)
	require.Equal(t, 2, cfg.Stages[0].Retries)
	require.Equal(t, 10*time.Second, cfg.Stages[0].Backoff)
	require.Equal(t, time.Hour, cfg.Stages[1].Timeout)
	require.Len(t, cfg.Inputs, 1)
	require.Equal(t, "fires.json", cfg.Inputs[0].Dest)
}

func TestFromRequestCollectsFieldErrors(t *testing.T) {
	req := &api.RunReq{
		Stages: []api.ReqStage{{Name: "plumerise"}},
		Inputs: []api.ReqInput{
			{Url: strPtr("https://example.com/met.arl"), Dest: "met.arl"},
		},
	}

	cfg, err := runspec.FromRequest(req, testRegistry(t))
	require.Nil(t, cfg)
	require.Error(t, err)

	var invalid *runspec.InvalidConfigError
	require.True(t, errors.As(err, &invalid))

	joined := err.Error()
	require.Contains(t, joined, "start: required")
	require.Contains(t, joined, "run_root: required")
	require.Contains(t, joined, `unknown stage "plumerise"`)
	require.Contains(t, joined, "sha256")
}

func TestWorkdirClaimedByConcurrentRun(t *testing.T) {
	root := filepath.Join(t.TempDir(), "shared")
	spec := func(runID string) []byte {
		return []byte(fmt.Sprintf(`
run_id = %q
start = "2019-07-26T00:00:00Z"
num_hours = 24
run_root = %q

[[stages]]
name = "fuelbeds"
`, runID, root))
	}

	first, err := runspec.Parse(spec("run-a"), testRegistry(t))
	require.NoError(t, err)

	_, err = runspec.Parse(spec("run-b"), testRegistry(t))
	require.Error(t, err)
	require.Contains(t, err.Error(), "already claimed by run run-a")

	first.Release()

	second, err := runspec.Parse(spec("run-b"), testRegistry(t))
	require.NoError(t, err)
	second.Release()
}
