package pipeline

import (
	"time"

	"github.com/airshed-lv/bsrun/internal/collect"
	"github.com/airshed-lv/bsrun/internal/sandbox"
)

// Gatherer receives run progress. Implementations stream events to a
// terminal, a NATS subject, or an SQS queue; the orchestrator does not care
// which.
type Gatherer interface {
	StartRun(runID string, numStages int)

	ReachStage(name string, idx int)
	StartAttempt(name string, attempt int)
	FinishAttempt(name string, attempt int, res *sandbox.Result)
	RetryStage(name string, attempt int, backoff time.Duration)
	FinishStage(outcome collect.StageOutcome)
	IgnoreStage(name string)

	FinishRun(result *collect.RunResult)
}

// MultiGatherer fans every event out to each member.
type MultiGatherer []Gatherer

func (m MultiGatherer) StartRun(runID string, numStages int) {
	for _, g := range m {
		g.StartRun(runID, numStages)
	}
}

func (m MultiGatherer) ReachStage(name string, idx int) {
	for _, g := range m {
		g.ReachStage(name, idx)
	}
}

func (m MultiGatherer) StartAttempt(name string, attempt int) {
	for _, g := range m {
		g.StartAttempt(name, attempt)
	}
}

func (m MultiGatherer) FinishAttempt(name string, attempt int, res *sandbox.Result) {
	for _, g := range m {
		g.FinishAttempt(name, attempt, res)
	}
}

func (m MultiGatherer) RetryStage(name string, attempt int, backoff time.Duration) {
	for _, g := range m {
		g.RetryStage(name, attempt, backoff)
	}
}

func (m MultiGatherer) FinishStage(outcome collect.StageOutcome) {
	for _, g := range m {
		g.FinishStage(outcome)
	}
}

func (m MultiGatherer) IgnoreStage(name string) {
	for _, g := range m {
		g.IgnoreStage(name)
	}
}

func (m MultiGatherer) FinishRun(result *collect.RunResult) {
	for _, g := range m {
		g.FinishRun(result)
	}
}
