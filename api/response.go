package api

// Complete, non-streaming report types for finished runs

// RunStatus is the overall outcome of a pipeline run
type RunStatus string

const (
	Success        RunStatus = "success"
	PartialFailure RunStatus = "partial_failure"
	Failure        RunStatus = "failure"
	Aborted        RunStatus = "aborted"
)

// StageReport is the result of a single pipeline stage
type StageReport struct {
	Name string `json:"name"`

	Ok         bool   `json:"ok"`
	Skipped    bool   `json:"skipped"`
	BestEffort bool   `json:"best_effort"`
	Attempts   int    `json:"attempts"`
	FailReason string `json:"fail_reason,omitempty"`

	// Exit information of the last attempt (absent when skipped)
	ExitCode *int64 `json:"exit_code,omitempty"`
	TimedOut bool   `json:"timed_out,omitempty"`

	WallMillis int64 `json:"wall_ms"`

	// Output (truncated)
	Stdout *string `json:"stdout,omitempty"`
	Stderr *string `json:"stderr,omitempty"`

	// Declared output files, resolved against the stage workdir
	Outputs []string `json:"outputs,omitempty"`
}

// RunReport is the complete response for one pipeline run
type RunReport struct {
	RunUuid string    `json:"run_uuid"`
	Status  RunStatus `json:"status"`

	Stages []StageReport `json:"stages"`

	// Name of the first stage that failed, if any
	FirstFailed *string `json:"first_failed,omitempty"`

	StartTime   string `json:"start_time"`
	FinishTime  string `json:"finish_time"`
	TotalTimeMs int64  `json:"total_time_ms"`
}
