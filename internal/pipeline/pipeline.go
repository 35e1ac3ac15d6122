// Package pipeline sequences the stages of one run. Stages execute strictly
// in order; a required stage advances the run only when its exit code matches
// the descriptor's expectation and every declared output exists and is
// non-empty. Failures are retried per the stage plan, best-effort failures
// are recorded without failing the run, and context cancellation aborts the
// in-flight stage and skips the rest.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/airshed-lv/bsrun/internal/collect"
	"github.com/airshed-lv/bsrun/internal/fetch"
	"github.com/airshed-lv/bsrun/internal/runspec"
	"github.com/airshed-lv/bsrun/internal/sandbox"
	"github.com/airshed-lv/bsrun/internal/stage"
)

// Runner executes pipeline runs against a fixed stage registry. A Runner is
// stateless across runs; each Execute call owns its RunConfig exclusively.
type Runner struct {
	registry *stage.Registry
	store    *fetch.Store
	logger   *slog.Logger
}

// Option configures a Runner.
type Option func(*Runner)

// WithStore attaches an input file store for URL-declared inputs.
func WithStore(store *fetch.Store) Option {
	return func(r *Runner) { r.store = store }
}

// WithLogger overrides the default slog logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Runner) { r.logger = logger }
}

// New creates a Runner over the given registry.
func New(registry *stage.Registry, opts ...Option) *Runner {
	r := &Runner{
		registry: registry,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Execute runs cfg's stages in order and returns the finalized result. The
// returned error is non-nil only for infrastructure failures (sandbox or
// input staging); stage failures are encoded in the result. Cancel ctx to
// abort: the in-flight stage process is terminated and the run finalizes as
// aborted.
func (r *Runner) Execute(ctx context.Context, cfg *runspec.Config, gath Gatherer) (*collect.RunResult, error) {
	log := r.logger.With("run_id", cfg.RunID)
	log.Info("starting run", "stages", len(cfg.Stages),
		"start", cfg.Start, "num_hours", cfg.NumHours)
	gath.StartRun(cfg.RunID, len(cfg.Stages))

	outcomes := make([]collect.StageOutcome, 0, len(cfg.Stages))
	aborted := false
	var infraErr error

	finish := func() (*collect.RunResult, error) {
		result := collect.Finalize(cfg.RunID, outcomes, aborted, infraErr)
		log.Info("run finished", "status", result.Status)
		gath.FinishRun(result)
		return result, infraErr
	}

	if err := r.stageInputs(ctx, cfg); err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			aborted = true
			return finish()
		}
		infraErr = fmt.Errorf("failed to stage run inputs: %w", err)
		return finish()
	}

	for i, plan := range cfg.Stages {
		if aborted || runDead(outcomes) {
			gath.IgnoreStage(plan.Name)
			outcomes = append(outcomes, collect.StageOutcome{
				Stage:      plan.Name,
				BestEffort: plan.BestEffort,
				Skipped:    true,
			})
			continue
		}

		gath.ReachStage(plan.Name, i)
		outcome, err := r.runStage(ctx, cfg, plan, gath)
		if err != nil {
			// infrastructure failure, fatal to the run
			log.Error("stage sandbox failure", "stage", plan.Name, "err", err)
			infraErr = err
			outcome.FailReason = "sandbox: " + err.Error()
		}
		gath.FinishStage(outcome)
		outcomes = append(outcomes, outcome)
		if outcome.Result != nil && outcome.Result.Aborted {
			aborted = true
		}
		if errors.Is(ctx.Err(), context.Canceled) {
			aborted = true
		}
		if infraErr != nil {
			// skip the rest, surface verbatim
			for _, rest := range cfg.Stages[i+1:] {
				gath.IgnoreStage(rest.Name)
				outcomes = append(outcomes, collect.StageOutcome{
					Stage:      rest.Name,
					BestEffort: rest.BestEffort,
					Skipped:    true,
				})
			}
			break
		}
	}

	return finish()
}

// runDead reports whether a required stage has already failed, which stops
// the pipeline from invoking anything further.
func runDead(outcomes []collect.StageOutcome) bool {
	for _, o := range outcomes {
		if !o.Ok && !o.Skipped && !o.BestEffort {
			return true
		}
	}
	return false
}

func (r *Runner) runStage(ctx context.Context, cfg *runspec.Config, plan runspec.StagePlan, gath Gatherer) (collect.StageOutcome, error) {
	outcome := collect.StageOutcome{
		Stage:      plan.Name,
		BestEffort: plan.BestEffort,
	}

	desc, err := r.registry.Lookup(plan.Name)
	if err != nil {
		// the loader resolves names against the registry up front
		return outcome, err
	}

	if missing := missingInputs(cfg.RunRoot, desc); missing != "" {
		outcome.FailReason = "missing_input:" + missing
		return outcome, nil
	}

	timeout := desc.Timeout()
	if plan.Timeout > 0 {
		timeout = plan.Timeout
	}

	req := sandbox.Request{
		Descriptor: desc,
		Params:     plan.Params,
		Workdir:    filepath.Join(cfg.RunRoot, plan.Name),
		RunRoot:    cfg.RunRoot,
		Timeout:    timeout,
		Grace:      cfg.Grace,
	}

	attempts := plan.Retries + 1
	for attempt := 1; attempt <= attempts; attempt++ {
		gath.StartAttempt(plan.Name, attempt)
		res, err := sandbox.Run(ctx, req)
		if err != nil {
			return outcome, err
		}
		outcome.Attempts = attempt
		outcome.Result = res
		gath.FinishAttempt(plan.Name, attempt, res)

		ok, reason := judge(res, desc)
		if ok {
			outcome.Ok = true
			outcome.FailReason = ""
			r.logger.Info("stage succeeded", "run_id", cfg.RunID,
				"stage", plan.Name, "attempt", attempt, "wall", res.Duration)
			return outcome, nil
		}
		outcome.FailReason = reason

		if res.Aborted || errors.Is(ctx.Err(), context.Canceled) {
			outcome.FailReason = "aborted"
			return outcome, nil
		}
		if attempt == attempts {
			break
		}

		backoff := plan.Backoff * time.Duration(attempt)
		r.logger.Warn("stage failed, retrying", "run_id", cfg.RunID,
			"stage", plan.Name, "attempt", attempt, "reason", reason, "backoff", backoff)
		gath.RetryStage(plan.Name, attempt, backoff)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			outcome.FailReason = "aborted"
			if outcome.Result != nil {
				outcome.Result.Aborted = true
			}
			return outcome, nil
		}
	}

	r.logger.Warn("stage failed", "run_id", cfg.RunID, "stage", plan.Name,
		"reason", outcome.FailReason, "attempts", outcome.Attempts)
	return outcome, nil
}

// judge decides whether an attempt satisfied the stage contract: expected
// exit code plus existing, non-empty declared outputs.
func judge(res *sandbox.Result, desc stage.Descriptor) (bool, string) {
	if res.TimedOut {
		return false, "timed_out"
	}
	if res.Aborted {
		return false, "aborted"
	}
	if res.ExitCode != desc.ExpectedExit {
		return false, "exit_mismatch"
	}
	for _, out := range res.Outputs {
		info, err := os.Stat(out)
		if err != nil || info.Size() == 0 {
			return false, "missing_output:" + out
		}
	}
	return true, ""
}

func missingInputs(runRoot string, desc stage.Descriptor) string {
	for _, in := range desc.Inputs {
		path := filepath.Join(runRoot, in)
		info, err := os.Stat(path)
		if err != nil || info.Size() == 0 {
			return path
		}
	}
	return ""
}

// stageInputs materializes declared inputs under the run root: inline
// content is written directly, URL inputs are fetched through the store
// concurrently and linked into place. Cancelling ctx unblocks the waits.
func (r *Runner) stageInputs(ctx context.Context, cfg *runspec.Config) error {
	if len(cfg.Inputs) == 0 {
		return nil
	}
	if err := os.MkdirAll(cfg.RunRoot, 0755); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, in := range cfg.Inputs {
		dest := filepath.Join(cfg.RunRoot, in.Dest)
		if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
			return err
		}

		if in.Content != "" {
			if err := os.WriteFile(dest, []byte(in.Content), 0644); err != nil {
				return err
			}
			continue
		}

		if r.store == nil {
			return fmt.Errorf("input %s requires a download store, none configured", in.Dest)
		}
		if err := r.store.Schedule(in.Sha256, in.Url); err != nil {
			return err
		}
		in := in
		g.Go(func() error {
			path, err := r.store.Await(gctx, in.Sha256)
			if err != nil {
				return err
			}
			return linkOrCopy(path, dest)
		})
	}
	return g.Wait()
}

// linkOrCopy hard-links src to dst, falling back to a copy when the link
// fails (cross-device run roots).
func linkOrCopy(src string, dst string) error {
	_ = os.Remove(dst)
	if err := os.Link(src, dst); err == nil {
		return nil
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
