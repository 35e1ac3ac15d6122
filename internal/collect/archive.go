package collect

import (
	"archive/tar"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
)

// Archive bundles every stage's logs and declared outputs under runRoot into
// a zstd-compressed tar at dst. Missing outputs of failed stages are skipped.
func Archive(runRoot string, r *RunResult, dst string) error {
	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("failed to create archive %s: %w", dst, err)
	}
	defer out.Close()

	zw, err := zstd.NewWriter(out)
	if err != nil {
		return fmt.Errorf("failed to create zstd writer: %w", err)
	}
	tw := tar.NewWriter(zw)

	add := func(path string) error {
		info, err := os.Stat(path)
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(runRoot, path)
		if err != nil {
			rel = filepath.Base(path)
		}
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	}

	for _, o := range r.Stages {
		if o.Result == nil {
			continue
		}
		for _, p := range []string{o.Result.StdoutLog, o.Result.StderrLog} {
			if err := add(p); err != nil {
				return fmt.Errorf("failed to archive log for stage %s: %w", o.Stage, err)
			}
		}
		for _, p := range o.Result.Outputs {
			if err := add(p); err != nil {
				return fmt.Errorf("failed to archive output for stage %s: %w", o.Stage, err)
			}
		}
	}

	if err := tw.Close(); err != nil {
		return fmt.Errorf("failed to finalize archive: %w", err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("failed to finalize archive compression: %w", err)
	}
	return nil
}
