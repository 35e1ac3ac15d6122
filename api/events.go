package api

import (
	"strings"
	"time"
)

// MsgType is a message type for streaming run progress
type MsgType string

// Streaming message type constants
const (
	StartRunMsg      MsgType = "run_start"
	ReachStageMsg    MsgType = "stage_reach"
	StartAttemptMsg  MsgType = "attempt_start"
	FinishAttemptMsg MsgType = "attempt_finish"
	RetryStageMsg    MsgType = "stage_retry"
	FinishStageMsg   MsgType = "stage_finish"
	IgnoreStageMsg   MsgType = "stage_ignore"
	FinishRunMsg     MsgType = "run_finish"
)

// Captured output size constraints for streaming
const (
	MaxStageIOHeight = 40
	MaxStageIOWidth  = 120
)

// Header is the common header for all streaming messages
type Header struct {
	RunUuid string  `json:"run_uuid"`
	MsgType MsgType `json:"msg_type"`
}

// StageRun contains execution information for one stage attempt
type StageRun struct {
	ExitCode int64 `json:"exit"`
	// Signal that terminated the process, if any.
	Signal     *int64 `json:"signal"`
	TimedOut   bool   `json:"timed_out"`
	WallMillis int64  `json:"wall_ms"`
	Stdout     string `json:"out"`
	Stderr     string `json:"err"`
}

// StartRun message sent when a pipeline run begins
type StartRun struct {
	Header
	NumStages   int    `json:"num_stages"`
	StartedTime string `json:"started_time"`
}

// ReachStage message sent when the orchestrator reaches a stage
type ReachStage struct {
	Header
	Stage    string `json:"stage"`
	StageIdx int    `json:"stage_idx"`
}

// StartAttempt message sent before a stage executable is launched
type StartAttempt struct {
	Header
	Stage   string `json:"stage"`
	Attempt int    `json:"attempt"`
}

// FinishAttempt message sent when a stage attempt completes
type FinishAttempt struct {
	Header
	Stage    string    `json:"stage"`
	Attempt  int       `json:"attempt"`
	StageRun *StageRun `json:"stage_run"`
}

// RetryStage message sent when a failed stage will be retried after backoff
type RetryStage struct {
	Header
	Stage     string `json:"stage"`
	Attempt   int    `json:"attempt"`
	BackoffMs int64  `json:"backoff_ms"`
}

// FinishStage message sent when a stage reaches its final outcome
type FinishStage struct {
	Header
	Stage      string `json:"stage"`
	Ok         bool   `json:"ok"`
	BestEffort bool   `json:"best_effort"`
	FailReason string `json:"fail_reason,omitempty"`
}

// IgnoreStage message sent for stages never invoked because the run already
// failed or was aborted
type IgnoreStage struct {
	Header
	Stage string `json:"stage"`
}

// FinishRun message sent when the run reaches a terminal state
type FinishRun struct {
	Header
	Status       RunStatus `json:"status"`
	FirstFailed  *string   `json:"first_failed"`
	ErrorMessage *string   `json:"error_message"`
}

// NewHeader creates the common message header
func NewHeader(runUuid string, msgType MsgType) Header {
	return Header{
		RunUuid: runUuid,
		MsgType: msgType,
	}
}

func NewStartRun(runUuid string, numStages int) StartRun {
	return StartRun{
		Header:      NewHeader(runUuid, StartRunMsg),
		NumStages:   numStages,
		StartedTime: time.Now().Format(time.RFC3339),
	}
}

func NewReachStage(runUuid string, stage string, idx int) ReachStage {
	return ReachStage{
		Header:   NewHeader(runUuid, ReachStageMsg),
		Stage:    stage,
		StageIdx: idx,
	}
}

func NewStartAttempt(runUuid string, stage string, attempt int) StartAttempt {
	return StartAttempt{
		Header:  NewHeader(runUuid, StartAttemptMsg),
		Stage:   stage,
		Attempt: attempt,
	}
}

func NewFinishAttempt(runUuid string, stage string, attempt int, run *StageRun) FinishAttempt {
	return FinishAttempt{
		Header:   NewHeader(runUuid, FinishAttemptMsg),
		Stage:    stage,
		Attempt:  attempt,
		StageRun: TrimStageRun(run, MaxStageIOHeight, MaxStageIOWidth),
	}
}

func NewRetryStage(runUuid string, stage string, attempt int, backoff time.Duration) RetryStage {
	return RetryStage{
		Header:    NewHeader(runUuid, RetryStageMsg),
		Stage:     stage,
		Attempt:   attempt,
		BackoffMs: backoff.Milliseconds(),
	}
}

func NewFinishStage(runUuid string, stage string, ok bool, bestEffort bool, failReason string) FinishStage {
	return FinishStage{
		Header:     NewHeader(runUuid, FinishStageMsg),
		Stage:      stage,
		Ok:         ok,
		BestEffort: bestEffort,
		FailReason: failReason,
	}
}

func NewIgnoreStage(runUuid string, stage string) IgnoreStage {
	return IgnoreStage{
		Header: NewHeader(runUuid, IgnoreStageMsg),
		Stage:  stage,
	}
}

func NewFinishRun(runUuid string, status RunStatus, firstFailed *string, errMsg *string) FinishRun {
	return FinishRun{
		Header:       NewHeader(runUuid, FinishRunMsg),
		Status:       status,
		FirstFailed:  firstFailed,
		ErrorMessage: errMsg,
	}
}

// TrimStageRun bounds captured output so event payloads stay small enough for
// queue transports.
func TrimStageRun(run *StageRun, ioHeight int, ioWidth int) *StageRun {
	if run == nil {
		return nil
	}
	trimmed := *run
	trimmed.Stdout = TrimToRect(run.Stdout, ioHeight, ioWidth)
	trimmed.Stderr = TrimToRect(run.Stderr, ioHeight, ioWidth)
	return &trimmed
}

// TrimToRect truncates s to at most maxHeight lines of maxWidth bytes,
// marking elisions with "[...]".
func TrimToRect(s string, maxHeight int, maxWidth int) string {
	if s == "" {
		return ""
	}
	res := ""
	lines := strings.Split(s, "\n")
	if len(lines) > maxHeight {
		lines = lines[:maxHeight]
		lines = append(lines, "[...]")
	}
	for i, line := range lines {
		if i > 0 {
			res += "\n"
		}
		if len(line) > maxWidth {
			res += line[:maxWidth] + "[...]"
		} else {
			res += line
		}
	}
	return res
}
