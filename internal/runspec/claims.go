package runspec

import (
	"fmt"

	"github.com/puzpuzpuz/xsync/v3"
)

// Concurrent runs within one process must not share a working directory.
// Claims are keyed by absolute run root; separate OS jobs are expected to
// use distinct run roots per the scheduler allocation.
var workdirClaims = xsync.NewMapOf[string, string]()

func claimWorkdir(runID string, dir string) error {
	owner, loaded := workdirClaims.LoadOrStore(dir, runID)
	if loaded && owner != runID {
		return fmt.Errorf("run_root: %s is already claimed by run %s", dir, owner)
	}
	return nil
}

func releaseWorkdir(dir string) {
	workdirClaims.Delete(dir)
}
