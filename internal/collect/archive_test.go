package collect_test

import (
	"archive/tar"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/require"

	"github.com/airshed-lv/bsrun/internal/collect"
	"github.com/airshed-lv/bsrun/internal/sandbox"
)

func TestArchiveBundlesLogsAndOutputs(t *testing.T) {
	runRoot := t.TempDir()
	workdir := filepath.Join(runRoot, "dispersion")
	logDir := filepath.Join(workdir, "logs")
	require.NoError(t, os.MkdirAll(logDir, 0755))

	stdoutLog := filepath.Join(logDir, "dispersion.stdout.log")
	output := filepath.Join(workdir, "hysplit_conc.nc")
	require.NoError(t, os.WriteFile(stdoutLog, []byte("running hysplit\n"), 0644))
	require.NoError(t, os.WriteFile(output, []byte("netcdf-bytes"), 0644))

	res := &collect.RunResult{
		RunID:  "run-1",
		Status: collect.StatusSuccess,
		Stages: []collect.StageOutcome{{
			Stage:    "dispersion",
			Ok:       true,
			Attempts: 1,
			Result: &sandbox.Result{
				Stage:     "dispersion",
				StdoutLog: stdoutLog,
				StderrLog: filepath.Join(logDir, "dispersion.stderr.log"), // never written
				Outputs:   []string{output},
			},
		}},
	}

	dst := filepath.Join(t.TempDir(), "run-1.tar.zst")
	require.NoError(t, collect.Archive(runRoot, res, dst))

	f, err := os.Open(dst)
	require.NoError(t, err)
	defer f.Close()
	zr, err := zstd.NewReader(f)
	require.NoError(t, err)
	defer zr.Close()

	names := map[string]string{}
	tr := tar.NewReader(zr)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		body, err := io.ReadAll(tr)
		require.NoError(t, err)
		names[hdr.Name] = string(body)
	}

	require.Equal(t, "running hysplit\n", names["dispersion/logs/dispersion.stdout.log"])
	require.Equal(t, "netcdf-bytes", names["dispersion/hysplit_conc.nc"])
	require.Len(t, names, 2) // the missing stderr log is skipped, not an error
}
