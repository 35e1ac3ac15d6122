// Package natsgath streams run progress events to a NATS subject so a
// portal or scheduler can follow the run live.
package natsgath

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/airshed-lv/bsrun/api"
	"github.com/airshed-lv/bsrun/internal/collect"
	"github.com/airshed-lv/bsrun/internal/sandbox"
)

type natsGatherer struct {
	nc      *nats.Conn
	subject string
	runUuid string
}

// New creates a NATS gatherer publishing to the given subject.
func New(nc *nats.Conn, runUuid string, subject string) *natsGatherer {
	return &natsGatherer{
		nc:      nc,
		subject: subject,
		runUuid: runUuid,
	}
}

func (s *natsGatherer) send(msg interface{}) {
	b, err := json.Marshal(msg)
	if err != nil {
		slog.Error("failed to marshal progress message", "err", err)
		return
	}
	if err := s.nc.Publish(s.subject, b); err != nil {
		slog.Error("failed to publish progress message to NATS", "err", err)
	}
}

func (s *natsGatherer) StartRun(runID string, numStages int) {
	s.send(api.NewStartRun(s.runUuid, numStages))
}

func (s *natsGatherer) ReachStage(name string, idx int) {
	s.send(api.NewReachStage(s.runUuid, name, idx))
}

func (s *natsGatherer) StartAttempt(name string, attempt int) {
	s.send(api.NewStartAttempt(s.runUuid, name, attempt))
}

func (s *natsGatherer) FinishAttempt(name string, attempt int, res *sandbox.Result) {
	s.send(api.NewFinishAttempt(s.runUuid, name, attempt, stageRun(res)))
}

func (s *natsGatherer) RetryStage(name string, attempt int, backoff time.Duration) {
	s.send(api.NewRetryStage(s.runUuid, name, attempt, backoff))
}

func (s *natsGatherer) FinishStage(outcome collect.StageOutcome) {
	s.send(api.NewFinishStage(s.runUuid, outcome.Stage, outcome.Ok,
		outcome.BestEffort, outcome.FailReason))
}

func (s *natsGatherer) IgnoreStage(name string) {
	s.send(api.NewIgnoreStage(s.runUuid, name))
}

func (s *natsGatherer) FinishRun(result *collect.RunResult) {
	var firstFailed *string
	if result.FirstFailed != "" {
		ff := result.FirstFailed
		firstFailed = &ff
	}
	var errMsg *string
	if result.Err != "" {
		e := result.Err
		errMsg = &e
	}
	s.send(api.NewFinishRun(s.runUuid, api.RunStatus(result.Status), firstFailed, errMsg))
}

func stageRun(res *sandbox.Result) *api.StageRun {
	if res == nil {
		return nil
	}
	run := &api.StageRun{
		ExitCode:   int64(res.ExitCode),
		TimedOut:   res.TimedOut,
		WallMillis: res.Duration.Milliseconds(),
		Stdout:     res.Stdout,
		Stderr:     res.Stderr,
	}
	if res.Signal != nil {
		sig := int64(*res.Signal)
		run.Signal = &sig
	}
	return run
}
