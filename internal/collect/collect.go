// Package collect turns the ordered stage outcomes of a run into a final
// RunResult, writes the human-readable summary, and bundles artifacts.
package collect

import (
	"fmt"
	"io"
	"time"

	"github.com/airshed-lv/bsrun/api"
	"github.com/airshed-lv/bsrun/internal/sandbox"
)

// Status is the overall outcome of a run.
type Status string

const (
	StatusSuccess        Status = "success"
	StatusPartialFailure Status = "partial_failure"
	StatusFailure        Status = "failure"
	StatusAborted        Status = "aborted"
)

// StageOutcome is the final record for one stage of a run.
type StageOutcome struct {
	Stage      string
	BestEffort bool

	// Attempts actually made; zero when the stage was skipped.
	Attempts int

	Ok      bool
	Skipped bool
	// FailReason is empty for successful stages. Values: exit_mismatch,
	// timed_out, missing_output:<path>, missing_input:<path>, aborted,
	// sandbox:<error>.
	FailReason string

	// Result of the last attempt, nil when skipped.
	Result *sandbox.Result
}

// RunResult is the immutable final record of one run.
type RunResult struct {
	RunID  string
	Status Status
	Stages []StageOutcome

	// FirstFailed names the earliest failed stage, empty when none failed.
	FirstFailed string

	// Err is set for infrastructure failures that ended the run.
	Err string

	StartedAt  time.Time
	FinishedAt time.Time
}

// Finalize computes the overall run status from the ordered stage outcomes.
// It is a pure function of its arguments: finalizing the same outcomes twice
// yields an identical result.
func Finalize(runID string, outcomes []StageOutcome, aborted bool, infraErr error) *RunResult {
	res := &RunResult{
		RunID:  runID,
		Stages: outcomes,
	}
	if infraErr != nil {
		res.Err = infraErr.Error()
	}

	requiredFailed := false
	bestEffortFailed := false
	for _, o := range outcomes {
		if o.Skipped || o.Ok {
			continue
		}
		if res.FirstFailed == "" {
			res.FirstFailed = o.Stage
		}
		if o.BestEffort {
			bestEffortFailed = true
		} else {
			requiredFailed = true
		}
	}

	switch {
	case aborted:
		res.Status = StatusAborted
	case requiredFailed || infraErr != nil:
		res.Status = StatusFailure
	case bestEffortFailed:
		res.Status = StatusPartialFailure
	default:
		res.Status = StatusSuccess
	}

	for _, o := range outcomes {
		if o.Result == nil {
			continue
		}
		if res.StartedAt.IsZero() || o.Result.StartedAt.Before(res.StartedAt) {
			res.StartedAt = o.Result.StartedAt
		}
		end := o.Result.StartedAt.Add(o.Result.Duration)
		if end.After(res.FinishedAt) {
			res.FinishedAt = end
		}
	}

	return res
}

// Completed reports whether the run reached the end of its stage sequence
// with every required stage succeeding.
func (r *RunResult) Completed() bool {
	return r.Status == StatusSuccess || r.Status == StatusPartialFailure
}

// Report converts the result to its wire form.
func (r *RunResult) Report() api.RunReport {
	report := api.RunReport{
		RunUuid:     r.RunID,
		Status:      api.RunStatus(r.Status),
		StartTime:   r.StartedAt.Format(time.RFC3339),
		FinishTime:  r.FinishedAt.Format(time.RFC3339),
		TotalTimeMs: r.FinishedAt.Sub(r.StartedAt).Milliseconds(),
	}
	if r.FirstFailed != "" {
		ff := r.FirstFailed
		report.FirstFailed = &ff
	}
	for _, o := range r.Stages {
		sr := api.StageReport{
			Name:       o.Stage,
			Ok:         o.Ok,
			Skipped:    o.Skipped,
			BestEffort: o.BestEffort,
			Attempts:   o.Attempts,
			FailReason: o.FailReason,
		}
		if o.Result != nil {
			exit := int64(o.Result.ExitCode)
			sr.ExitCode = &exit
			sr.TimedOut = o.Result.TimedOut
			sr.WallMillis = o.Result.Duration.Milliseconds()
			stdout := api.TrimToRect(o.Result.Stdout, api.MaxStageIOHeight, api.MaxStageIOWidth)
			stderr := api.TrimToRect(o.Result.Stderr, api.MaxStageIOHeight, api.MaxStageIOWidth)
			if stdout != "" {
				sr.Stdout = &stdout
			}
			if stderr != "" {
				sr.Stderr = &stderr
			}
			sr.Outputs = o.Result.Outputs
		}
		report.Stages = append(report.Stages, sr)
	}
	return report
}

// WriteSummary writes the per-stage table and overall verdict to w.
func WriteSummary(w io.Writer, r *RunResult) error {
	if _, err := fmt.Fprintf(w, "run %s: %s\n", r.RunID, r.Status); err != nil {
		return err
	}
	for _, o := range r.Stages {
		switch {
		case o.Skipped:
			fmt.Fprintf(w, "  %-16s skipped\n", o.Stage)
		case o.Ok:
			fmt.Fprintf(w, "  %-16s ok       exit=%d attempts=%d wall=%s\n",
				o.Stage, o.Result.ExitCode, o.Attempts,
				o.Result.Duration.Round(time.Millisecond))
		case o.Result != nil:
			detail := ""
			if o.Result.Signal != nil {
				detail = fmt.Sprintf(" signal=%d", *o.Result.Signal)
			}
			fmt.Fprintf(w, "  %-16s FAILED   %s exit=%d%s attempts=%d wall=%s\n",
				o.Stage, o.FailReason, o.Result.ExitCode, detail, o.Attempts,
				o.Result.Duration.Round(time.Millisecond))
		default:
			fmt.Fprintf(w, "  %-16s FAILED   %s\n", o.Stage, o.FailReason)
		}
	}
	if r.FirstFailed != "" {
		fmt.Fprintf(w, "first failing stage: %s\n", r.FirstFailed)
		for _, o := range r.Stages {
			if o.Stage == r.FirstFailed && o.Result != nil && o.Result.Stderr != "" {
				fmt.Fprintf(w, "captured stderr:\n%s\n",
					api.TrimToRect(o.Result.Stderr, api.MaxStageIOHeight, api.MaxStageIOWidth))
			}
		}
	}
	if r.Err != "" {
		fmt.Fprintf(w, "run error: %s\n", r.Err)
	}
	return nil
}
