package termgath

import (
	"fmt"
	"time"

	"github.com/fatih/color"

	"github.com/airshed-lv/bsrun/internal/collect"
	"github.com/airshed-lv/bsrun/internal/sandbox"
)

var (
	okColor   = color.New(color.FgGreen)
	failColor = color.New(color.FgRed, color.Bold)
	warnColor = color.New(color.FgYellow)
)

// TerminalGatherer prints run progress for an operator watching the job.
type TerminalGatherer struct {
	StartedAt time.Time
}

func New() *TerminalGatherer { return &TerminalGatherer{StartedAt: time.Now()} }

func (t *TerminalGatherer) StartRun(runID string, numStages int) {
	fmt.Printf("== Run %s started (%d stages) ==\n", runID, numStages)
}

func (t *TerminalGatherer) ReachStage(name string, idx int) {
	fmt.Printf("-> stage %s reached\n", name)
}

func (t *TerminalGatherer) StartAttempt(name string, attempt int) {
	if attempt > 1 {
		fmt.Printf("   %s: attempt %d\n", name, attempt)
	}
}

func (t *TerminalGatherer) FinishAttempt(name string, attempt int, res *sandbox.Result) {
	fmt.Printf("   %s: exit=%d wall=%s\n", name, res.ExitCode, res.Duration.Round(time.Millisecond))
}

func (t *TerminalGatherer) RetryStage(name string, attempt int, backoff time.Duration) {
	warnColor.Printf("   %s: retrying in %s\n", name, backoff)
}

func (t *TerminalGatherer) FinishStage(outcome collect.StageOutcome) {
	switch {
	case outcome.Ok:
		okColor.Printf("<- stage %s ok\n", outcome.Stage)
	case outcome.BestEffort:
		warnColor.Printf("<- stage %s failed (best-effort): %s\n", outcome.Stage, outcome.FailReason)
	default:
		failColor.Printf("<- stage %s FAILED: %s\n", outcome.Stage, outcome.FailReason)
	}
}

func (t *TerminalGatherer) IgnoreStage(name string) {
	fmt.Printf("-- stage %s not invoked\n", name)
}

func (t *TerminalGatherer) FinishRun(result *collect.RunResult) {
	dur := time.Since(t.StartedAt).Round(time.Millisecond)
	switch result.Status {
	case collect.StatusSuccess:
		okColor.Printf("== Run %s finished in %s: %s ==\n", result.RunID, dur, result.Status)
	case collect.StatusPartialFailure:
		warnColor.Printf("== Run %s finished in %s: %s ==\n", result.RunID, dur, result.Status)
	default:
		failColor.Printf("== Run %s finished in %s: %s ==\n", result.RunID, dur, result.Status)
	}
}
